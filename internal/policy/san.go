package policy

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// MaxSANEntries caps the SAN list to bound the size of the extension file.
const MaxSANEntries = 32

// SANType is the tag of a subject alternative name entry.
type SANType string

const (
	SANTypeDNS SANType = "DNS"
	SANTypeIP  SANType = "IP"
)

// SAN is a validated, normalised subject alternative name.
type SAN struct {
	Type  SANType
	Value string
}

// String renders the entry in OpenSSL subjectAltName syntax.
func (s SAN) String() string {
	return string(s.Type) + ":" + s.Value
}

// DefaultServerSANs is used when a server request supplies no SAN.
var DefaultServerSANs = []SAN{
	{Type: SANTypeDNS, Value: "localhost"},
	{Type: SANTypeIP, Value: "127.0.0.1"},
}

var (
	// hostnamePattern accepts lower-case LDH labels separated by dots, after IDNA conversion
	hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

	hostnameProfile = idna.New(
		idna.StrictDomainName(true),
		idna.VerifyDNSLength(true),
	)
)

// ParseSANList parses a comma separated list such as
// "DNS:broker.example.com,IP:10.0.0.5". A blank string means no SAN was
// supplied and returns nil. Any other input must yield between 1 and
// MaxSANEntries valid, distinct entries.
func ParseSANList(s string) ([]SAN, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) > MaxSANEntries {
		return nil, fmt.Errorf("%w: %d entries exceeds limit of %d", ErrInvalidSANEntry, len(parts), MaxSANEntries)
	}

	sans := make([]SAN, 0, len(parts))
	seen := make(map[SAN]bool, len(parts))
	for _, part := range parts {
		san, err := ParseSAN(part)
		if err != nil {
			return nil, err
		}
		if seen[san] {
			return nil, fmt.Errorf("%w: duplicate entry %s", ErrInvalidSANEntry, san)
		}
		seen[san] = true
		sans = append(sans, san)
	}

	return sans, nil
}

// ParseSAN parses one "DNS:<hostname>" or "IP:<address>" entry. The tag is
// case-insensitive; the returned value is normalised (IDNA ASCII lower-case
// hostnames, canonical IP text).
func ParseSAN(entry string) (SAN, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return SAN{}, fmt.Errorf("%w: empty entry", ErrInvalidSANEntry)
	}

	tag, value, ok := strings.Cut(entry, ":")
	if !ok {
		return SAN{}, fmt.Errorf("%w: %q must be DNS:<hostname> or IP:<address>", ErrInvalidSANEntry, entry)
	}

	switch SANType(strings.ToUpper(tag)) {
	case SANTypeDNS:
		host, err := normaliseHostname(value)
		if err != nil {
			return SAN{}, fmt.Errorf("%w: %q: %v", ErrInvalidSANEntry, entry, err)
		}
		return SAN{Type: SANTypeDNS, Value: host}, nil
	case SANTypeIP:
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return SAN{}, fmt.Errorf("%w: %q: not an IP address", ErrInvalidSANEntry, entry)
		}
		if addr.Zone() != "" {
			return SAN{}, fmt.Errorf("%w: %q: zoned addresses are not allowed", ErrInvalidSANEntry, entry)
		}
		return SAN{Type: SANTypeIP, Value: addr.Unmap().String()}, nil
	default:
		return SAN{}, fmt.Errorf("%w: %q: unsupported type %q", ErrInvalidSANEntry, entry, tag)
	}
}

// normaliseHostname validates a DNS name, allowing a single leading "*"
// wildcard label.
func normaliseHostname(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty hostname")
	}
	if _, err := netip.ParseAddr(name); err == nil {
		return "", fmt.Errorf("IP address given as DNS name")
	}

	prefix := ""
	if rest, ok := strings.CutPrefix(name, "*."); ok {
		prefix = "*."
		name = rest
	}

	ascii, err := hostnameProfile.ToASCII(strings.ToLower(name))
	if err != nil {
		return "", fmt.Errorf("invalid hostname: %v", err)
	}
	if !hostnamePattern.MatchString(ascii) {
		return "", fmt.Errorf("invalid hostname characters")
	}

	return prefix + ascii, nil
}
