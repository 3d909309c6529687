package pki

import (
	"crypto"
	"crypto/sha1" //nolint:gosec // RFC 5280 key identifier method 1, not a security use
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// SubjectKeyID computes the RFC 5280 method 1 key identifier: the SHA-1 of
// the subjectPublicKey bit string, matching openssl's "subjectKeyIdentifier = hash".
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse public key info: %w", err)
	}

	sum := sha1.Sum(spki.SubjectPublicKey.Bytes) //nolint:gosec
	return sum[:], nil
}
