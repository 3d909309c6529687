// Package pki holds the CA key material used to sign leaf certificates.
// The CA certificate and key are loaded once at start up and are read-only
// for the lifetime of the process.
package pki

import (
	"context"
	"crypto/sha256"
	"crypto/x509"

	"github.com/mr-tron/base58"
)

// CASigner signs certificate templates to create certificates.
// Implementations include FileSigner (key on disk) and KMSSigner (AWS KMS).
type CASigner interface {
	// SignCertificate signs a certificate template and returns the DER-encoded certificate bytes.
	// The template must be fully populated with all required fields (subject, validity, extensions, etc.).
	SignCertificate(ctx context.Context, template *x509.Certificate) ([]byte, error)

	// GetCACertificate returns the CA certificate (public key only).
	GetCACertificate() (*x509.Certificate, error)
}

// Fingerprint returns the base58 encoded SHA-256 digest of a DER certificate.
func Fingerprint(der []byte) string {
	hash := sha256.Sum256(der)
	return base58.Encode(hash[:])
}
