// Package csr validates the textual envelope of PEM-encoded certificate
// signing requests and, for library-based signing, parses and checks them.
//
// Validate deliberately stops at the PEM envelope: it never parses ASN.1, so a
// request that fails it has not caused any resource to be allocated.
package csr

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// MaxPEMSize bounds the accepted CSR input. Real requests are a few KiB.
	MaxPEMSize = 64 * 1024

	// MinRSABits is the smallest RSA modulus accepted by CheckKeyPolicy.
	MinRSABits = 2048

	pemTypeRequest       = "CERTIFICATE REQUEST"
	pemTypeLegacyRequest = "NEW CERTIFICATE REQUEST"
)

var (
	// ErrInvalidFormat indicates the input is not a single well-formed PEM certificate request
	ErrInvalidFormat = errors.New("invalid CSR format")
	// ErrKeyPolicy indicates the CSR public key is of an unsupported type or too weak
	ErrKeyPolicy = errors.New("CSR public key rejected by policy")
)

// Request is a CSR that passed envelope validation. PEM is the canonical
// re-encoding of DER and is what gets handed to signing backends.
type Request struct {
	PEM []byte
	DER []byte
}

// Validate checks that raw holds exactly one PEM block of type
// CERTIFICATE REQUEST with a decodable payload and nothing but whitespace
// around it.
func Validate(raw []byte) (*Request, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidFormat)
	}
	if len(raw) > MaxPEMSize {
		return nil, fmt.Errorf("%w: input exceeds %d bytes", ErrInvalidFormat, MaxPEMSize)
	}

	begin := bytes.Index(raw, []byte("-----BEGIN "))
	if begin == -1 {
		return nil, fmt.Errorf("%w: missing PEM header", ErrInvalidFormat)
	}
	if len(bytes.TrimSpace(raw[:begin])) > 0 {
		return nil, fmt.Errorf("%w: unexpected data before PEM block", ErrInvalidFormat)
	}

	// pem.Decode skips blocks whose base64 body does not decode, so a nil
	// block covers both missing footers and corrupt payloads.
	block, rest := pem.Decode(raw[begin:])
	if block == nil {
		return nil, fmt.Errorf("%w: malformed PEM block", ErrInvalidFormat)
	}
	if block.Type != pemTypeRequest && block.Type != pemTypeLegacyRequest {
		return nil, fmt.Errorf("%w: unexpected PEM block type %q", ErrInvalidFormat, block.Type)
	}
	if len(block.Headers) > 0 {
		return nil, fmt.Errorf("%w: PEM headers are not allowed", ErrInvalidFormat)
	}
	if len(block.Bytes) == 0 {
		return nil, fmt.Errorf("%w: empty PEM payload", ErrInvalidFormat)
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, fmt.Errorf("%w: unexpected data after PEM block", ErrInvalidFormat)
	}

	return &Request{
		PEM: pem.EncodeToMemory(&pem.Block{Type: pemTypeRequest, Bytes: block.Bytes}),
		DER: block.Bytes,
	}, nil
}

// Parse decodes the ASN.1 structure of a validated request and verifies its
// self-signature.
func Parse(req *Request) (*x509.CertificateRequest, error) {
	if req == nil || len(req.DER) == 0 {
		return nil, fmt.Errorf("%w: no request", ErrInvalidFormat)
	}

	cr, err := x509.ParseCertificateRequest(req.DER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate request: %w", err)
	}
	if err := cr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("verify certificate request signature: %w", err)
	}

	return cr, nil
}

// ParsePEM is Validate followed by Parse.
func ParsePEM(data []byte) (*x509.CertificateRequest, error) {
	req, err := Validate(data)
	if err != nil {
		return nil, err
	}
	return Parse(req)
}

// CheckKeyPolicy rejects public keys that are too weak or of a type the CA
// does not issue for: RSA below MinRSABits, ECDSA outside P-256/P-384/P-521.
// Ed25519 is accepted.
func CheckKeyPolicy(cr *x509.CertificateRequest) error {
	switch pub := cr.PublicKey.(type) {
	case *rsa.PublicKey:
		if bits := pub.N.BitLen(); bits < MinRSABits {
			return fmt.Errorf("%w: RSA key is %d bits, minimum is %d", ErrKeyPolicy, bits, MinRSABits)
		}
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256(), elliptic.P384(), elliptic.P521():
		default:
			return fmt.Errorf("%w: unsupported ECDSA curve %s", ErrKeyPolicy, pub.Curve.Params().Name)
		}
	case ed25519.PublicKey:
	default:
		return fmt.Errorf("%w: unsupported public key type %T", ErrKeyPolicy, cr.PublicKey)
	}
	return nil
}
