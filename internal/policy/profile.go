package policy

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"net"
	"slices"
	"strings"
)

// LeafKeyUsage is shared by both profiles.
const LeafKeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment

// Extension is one "name = value" assignment of an OpenSSL extension file.
type Extension struct {
	Name  string
	Value string
}

// Profile is the extension set applied to an issued certificate.
type Profile struct {
	Role        Role
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	SANs        []SAN
}

// Build returns the profile for role. Client profiles accept no SANs. Server
// profiles use DefaultServerSANs when sans is empty; entries are re-validated
// so hand-built SAN values cannot bypass ParseSAN.
func Build(role Role, sans []SAN) (*Profile, error) {
	switch role {
	case RoleClient:
		if len(sans) > 0 {
			return nil, fmt.Errorf("%w: client certificates do not carry SAN entries", ErrInvalidSANEntry)
		}
		return &Profile{
			Role:        RoleClient,
			KeyUsage:    LeafKeyUsage,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}, nil

	case RoleServer:
		if len(sans) == 0 {
			sans = DefaultServerSANs
		}
		if len(sans) > MaxSANEntries {
			return nil, fmt.Errorf("%w: %d entries exceeds limit of %d", ErrInvalidSANEntry, len(sans), MaxSANEntries)
		}

		normalised := make([]SAN, 0, len(sans))
		for _, s := range sans {
			n, err := ParseSAN(s.String())
			if err != nil {
				return nil, err
			}
			if slices.Contains(normalised, n) {
				return nil, fmt.Errorf("%w: duplicate entry %s", ErrInvalidSANEntry, n)
			}
			normalised = append(normalised, n)
		}

		return &Profile{
			Role:        RoleServer,
			KeyUsage:    LeafKeyUsage,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			SANs:        normalised,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
}

// Validate checks the profile invariants: a known role, clientAuth and
// serverAuth never together, SANs only on server profiles.
func (p *Profile) Validate() error {
	if p == nil || !p.Role.Valid() {
		return ErrInvalidRole
	}

	client := slices.Contains(p.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	server := slices.Contains(p.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	switch {
	case client && server:
		return fmt.Errorf("profile mixes clientAuth and serverAuth")
	case p.Role == RoleClient && (!client || len(p.ExtKeyUsage) != 1):
		return fmt.Errorf("client profile must carry exactly clientAuth")
	case p.Role == RoleServer && (!server || len(p.ExtKeyUsage) != 1):
		return fmt.Errorf("server profile must carry exactly serverAuth")
	case p.Role == RoleClient && len(p.SANs) > 0:
		return fmt.Errorf("%w: client profile carries SAN entries", ErrInvalidSANEntry)
	case p.Role == RoleServer && len(p.SANs) == 0:
		return fmt.Errorf("%w: server profile has no SAN entries", ErrInvalidSANEntry)
	}
	return nil
}

// Extensions lists the profile in the order it is written to an extension file.
func (p *Profile) Extensions() []Extension {
	exts := []Extension{
		{Name: "basicConstraints", Value: "critical, CA:FALSE"},
		{Name: "keyUsage", Value: "digitalSignature, keyEncipherment"},
	}

	switch p.Role {
	case RoleClient:
		exts = append(exts, Extension{Name: "extendedKeyUsage", Value: "clientAuth"})
	case RoleServer:
		exts = append(exts, Extension{Name: "extendedKeyUsage", Value: "serverAuth"})
		names := make([]string, len(p.SANs))
		for i, s := range p.SANs {
			names[i] = s.String()
		}
		exts = append(exts, Extension{Name: "subjectAltName", Value: strings.Join(names, ",")})
	}

	return append(exts,
		Extension{Name: "subjectKeyIdentifier", Value: "hash"},
		Extension{Name: "authorityKeyIdentifier", Value: "keyid"},
	)
}

// Render produces the OpenSSL extension file for the profile.
func (p *Profile) Render() []byte {
	var buf bytes.Buffer
	for _, ext := range p.Extensions() {
		fmt.Fprintf(&buf, "%s = %s\n", ext.Name, ext.Value)
	}
	return buf.Bytes()
}

// DNSNames returns the DNS SAN values.
func (p *Profile) DNSNames() []string {
	var names []string
	for _, s := range p.SANs {
		if s.Type == SANTypeDNS {
			names = append(names, s.Value)
		}
	}
	return names
}

// IPAddresses returns the IP SAN values.
func (p *Profile) IPAddresses() []net.IP {
	var ips []net.IP
	for _, s := range p.SANs {
		if s.Type == SANTypeIP {
			ips = append(ips, net.ParseIP(s.Value))
		}
	}
	return ips
}

// Apply writes the profile onto a certificate template, replacing any
// extension fields the template already carried.
func (p *Profile) Apply(template *x509.Certificate) {
	template.BasicConstraintsValid = true
	template.IsCA = false
	template.MaxPathLen = 0
	template.KeyUsage = p.KeyUsage
	template.ExtKeyUsage = slices.Clone(p.ExtKeyUsage)
	template.UnknownExtKeyUsage = nil
	template.DNSNames = p.DNSNames()
	template.IPAddresses = p.IPAddresses()
	template.EmailAddresses = nil
	template.URIs = nil
	template.ExtraExtensions = nil
}
