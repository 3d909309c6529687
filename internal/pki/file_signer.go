package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrUnsupportedCAKey is returned for CA keys that cannot sign with SHA-256.
var ErrUnsupportedCAKey = errors.New("CA key must be ECDSA or RSA")

// FileSigner implements CASigner using a CA private key held in memory,
// loaded from a PEM file or an SSM SecureString parameter.
type FileSigner struct {
	caKey  crypto.Signer
	caCert *x509.Certificate
}

// NewFileSigner creates a new FileSigner from PEM-encoded key and certificate files.
func NewFileSigner(caKeyPath, caCertPath string) (*FileSigner, error) {
	keyData, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key file: %w", err)
	}

	certData, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert file: %w", err)
	}

	return NewFileSignerFromPEM(keyData, certData)
}

// NewFileSignerFromPEM creates a new FileSigner from PEM-encoded key and certificate data.
// The key may be a SEC 1 EC key, a PKCS #1 RSA key or a PKCS #8 key.
func NewFileSignerFromPEM(keyPEM, certPEM []byte) (*FileSigner, error) {
	caKey, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}

	// issued certificates are always signed with a SHA-256 digest
	switch caKey.Public().(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
	default:
		return nil, fmt.Errorf("%w, got %T", ErrUnsupportedCAKey, caKey.Public())
	}

	caCert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	if err := verifyCertKeyPair(caCert, caKey.Public()); err != nil {
		return nil, fmt.Errorf("CA key and certificate do not match: %w", err)
	}

	if !caCert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", caCert.Subject)
	}

	return &FileSigner{
		caKey:  caKey,
		caCert: caCert,
	}, nil
}

// SignCertificate signs a certificate template using the CA private key.
// Returns DER-encoded certificate bytes.
func (s *FileSigner) SignCertificate(ctx context.Context, template *x509.Certificate) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return x509.CreateCertificate(rand.Reader, template, s.caCert, template.PublicKey, s.caKey)
}

// GetCACertificate returns the CA certificate.
func (s *FileSigner) GetCACertificate() (*x509.Certificate, error) {
	return s.caCert, nil
}

// ParsePrivateKeyPEM decodes the first PEM block in data as a signing key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported CA key PEM type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA private key of type %T cannot sign", key)
	}

	return signer, nil
}

// ParseCertificatePEM decodes the first PEM block in data as a certificate.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA cert PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return cert, nil
}

// verifyCertKeyPair checks that a certificate's public key matches a key pair's public half
func verifyCertKeyPair(cert *x509.Certificate, pub crypto.PublicKey) error {
	key, ok := pub.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return fmt.Errorf("unsupported public key type %T", pub)
	}

	if !key.Equal(cert.PublicKey) {
		return fmt.Errorf("public keys do not match")
	}

	return nil
}
