package pki

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/wolfeidau/csrsign/internal/ssmcerts"
)

// SSMAPI is the subset of the SSM client used to load CA material.
type SSMAPI = ssmcerts.SSMAPI

// AuthorityConfig describes where the CA material comes from.
type AuthorityConfig struct {
	// File paths (for local development and the openssl backend)
	CertPath string
	KeyPath  string

	// SSM parameter names (for production); the key parameter should be a SecureString
	CertSSM string
	KeySSM  string

	// KMSKeyID signs with an AWS KMS key instead of a private key
	KMSKeyID string
}

// Validate checks that exactly one certificate source and one key source are configured.
func (c AuthorityConfig) Validate() error {
	if (c.CertPath == "") == (c.CertSSM == "") {
		return fmt.Errorf("exactly one of CA certificate path or SSM parameter is required")
	}

	keySources := 0
	for _, s := range []string{c.KeyPath, c.KeySSM, c.KMSKeyID} {
		if s != "" {
			keySources++
		}
	}
	if keySources != 1 {
		return fmt.Errorf("exactly one of CA key path, key SSM parameter or KMS key id is required")
	}

	return nil
}

// AWSClients overrides the AWS clients used by LoadAuthority. Nil clients are
// created from the default AWS configuration when needed.
type AWSClients struct {
	SSM SSMAPI
	KMS KMSAPI
}

// Authority is the read-only CA material shared by every signing request.
type Authority struct {
	cert    *x509.Certificate
	certPEM []byte
	signer  CASigner

	certPath string
	keyPath  string
}

// NewAuthority wraps an existing signer.
func NewAuthority(signer CASigner) (*Authority, error) {
	cert, err := signer.GetCACertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to get CA certificate: %w", err)
	}

	return &Authority{
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
		signer:  signer,
	}, nil
}

// LoadAuthority loads the CA certificate and key from files, SSM or KMS.
func LoadAuthority(ctx context.Context, cfg AuthorityConfig, clients *AWSClients) (*Authority, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clients == nil {
		clients = &AWSClients{}
	}

	needsAWS := ((cfg.CertSSM != "" || cfg.KeySSM != "") && clients.SSM == nil) ||
		(cfg.KMSKeyID != "" && clients.KMS == nil)
	if needsAWS {
		awsConfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		if clients.SSM == nil {
			clients.SSM = ssm.NewFromConfig(awsConfig)
		}
		if clients.KMS == nil {
			clients.KMS = kms.NewFromConfig(awsConfig)
		}
	}

	certPEM, err := ssmcerts.LoadMaterial(ctx, clients.SSM, cfg.CertPath, cfg.CertSSM)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA cert: %w", err)
	}

	var signer CASigner
	if cfg.KMSKeyID != "" {
		signer, err = NewKMSSigner(ctx, clients.KMS, cfg.KMSKeyID, certPEM)
	} else {
		var keyPEM []byte
		keyPEM, err = ssmcerts.LoadMaterial(ctx, clients.SSM, cfg.KeyPath, cfg.KeySSM)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA key: %w", err)
		}
		signer, err = NewFileSignerFromPEM(keyPEM, certPEM)
	}
	if err != nil {
		return nil, err
	}

	authority, err := NewAuthority(signer)
	if err != nil {
		return nil, err
	}

	authority.certPEM = configuredPEM(certPEM, authority.cert)
	authority.certPath = cfg.CertPath
	authority.keyPath = cfg.KeyPath

	return authority, nil
}

// Certificate returns the parsed CA certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// configuredPEM returns the CA certificate exactly as configured when data
// holds that certificate and nothing else, otherwise the canonical encoding.
func configuredPEM(data []byte, cert *x509.Certificate) []byte {
	canonical := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	blocks := 0
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" || !bytes.Equal(block.Bytes, cert.Raw) {
			return canonical
		}
		blocks++
	}
	if blocks != 1 {
		return canonical
	}
	return bytes.Clone(data)
}

// CertificatePEM returns the CA certificate PEM as configured.
func (a *Authority) CertificatePEM() []byte {
	return append([]byte(nil), a.certPEM...)
}

// Signer returns the CA signer.
func (a *Authority) Signer() CASigner {
	return a.signer
}

// Files returns the on-disk certificate and key paths, which only exist
// when both were loaded from files.
func (a *Authority) Files() (certPath, keyPath string, ok bool) {
	return a.certPath, a.keyPath, a.certPath != "" && a.keyPath != ""
}
