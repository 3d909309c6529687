package pki

import (
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/wolfeidau/csrsign/internal/policy"
)

// ErrNonConformant is returned when an issued certificate does not match the
// profile it was issued under.
var ErrNonConformant = errors.New("certificate does not conform to profile")

// CheckConformance verifies that leaf was signed by root and carries exactly
// the extensions of profile. Every signing backend output passes through it
// before it is returned to a caller.
func CheckConformance(leaf, root *x509.Certificate, profile *policy.Profile) error {
	var problems []string

	if err := leaf.CheckSignatureFrom(root); err != nil {
		problems = append(problems, "not signed by the CA: "+err.Error())
	}
	if !leaf.BasicConstraintsValid || leaf.IsCA {
		problems = append(problems, "basic constraints must mark a non-CA certificate")
	}
	if ext, err := FindExtension(leaf, OIDBasicConstraints); err == nil && !ext.Critical {
		problems = append(problems, "basic constraints must be critical")
	}
	if _, err := FindExtension(leaf, OIDSubjectKeyIdentifier); err != nil {
		problems = append(problems, err.Error())
	}
	if leaf.KeyUsage != profile.KeyUsage {
		problems = append(problems, fmt.Sprintf("key usage %d, want %d", leaf.KeyUsage, profile.KeyUsage))
	}
	if !slices.Equal(leaf.ExtKeyUsage, profile.ExtKeyUsage) || len(leaf.UnknownExtKeyUsage) > 0 {
		problems = append(problems, "extended key usage does not match profile")
	}
	if !slices.Equal(leaf.DNSNames, profile.DNSNames()) {
		problems = append(problems, fmt.Sprintf("DNS names %v, want %v", leaf.DNSNames, profile.DNSNames()))
	}
	if !equalIPs(leaf, profile) {
		problems = append(problems, fmt.Sprintf("IP addresses %v, want %v", leaf.IPAddresses, profile.IPAddresses()))
	}
	if len(leaf.EmailAddresses) > 0 || len(leaf.URIs) > 0 {
		problems = append(problems, "unexpected email or URI SAN entries")
	}
	if oids := UnexpectedExtensions(leaf); len(oids) > 0 {
		problems = append(problems, fmt.Sprintf("unexpected extensions %v", oids))
	}
	if leaf.SerialNumber == nil || leaf.SerialNumber.Sign() <= 0 {
		problems = append(problems, "serial number must be positive")
	}
	if !leaf.NotAfter.After(leaf.NotBefore) {
		problems = append(problems, "invalid validity window")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrNonConformant, strings.Join(problems, "; "))
	}
	return nil
}

func equalIPs(leaf *x509.Certificate, profile *policy.Profile) bool {
	want := profile.IPAddresses()
	if len(leaf.IPAddresses) != len(want) {
		return false
	}
	for i := range want {
		if !leaf.IPAddresses[i].Equal(want[i]) {
			return false
		}
	}
	return true
}
