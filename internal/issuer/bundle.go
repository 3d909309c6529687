package issuer

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrMalformedOutput indicates the signing engine produced something other
// than a single certificate that conforms to the requested profile.
var ErrMalformedOutput = errors.New("malformed signing output")

// Bundle is the result returned to a caller: the issued leaf and the root it
// chains to, both PEM encoded.
type Bundle struct {
	Certificate string `json:"certificate"`
	RootCA      string `json:"rootCa"`
}

// Assemble pairs a leaf certificate with the root CA certificate. Each input
// must hold exactly one parseable CERTIFICATE block. The root is returned as
// configured, so text ahead of its block is allowed.
func Assemble(leafPEM, rootPEM []byte) (*Bundle, error) {
	if _, err := singleCertificate(leafPEM, false); err != nil {
		return nil, fmt.Errorf("%w: leaf: %v", ErrMalformedOutput, err)
	}
	if _, err := singleCertificate(rootPEM, true); err != nil {
		return nil, fmt.Errorf("%w: root: %v", ErrMalformedOutput, err)
	}

	return &Bundle{
		Certificate: string(leafPEM),
		RootCA:      string(rootPEM),
	}, nil
}

func singleCertificate(data []byte, allowPreamble bool) (*x509.Certificate, error) {
	data = bytes.TrimSpace(data)
	if !allowPreamble && !bytes.HasPrefix(data, []byte("-----BEGIN ")) {
		return nil, errors.New("unexpected data before PEM block")
	}

	block, rest := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, errors.New("more than one PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	return cert, nil
}
