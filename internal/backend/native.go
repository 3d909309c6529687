package backend

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/wolfeidau/csrsign/internal/artifact"
	"github.com/wolfeidau/csrsign/internal/csr"
	"github.com/wolfeidau/csrsign/internal/pki"
	"github.com/wolfeidau/csrsign/internal/store"
)

// Native signs in process with the CA's CASigner, which may be a key held
// in memory or an AWS KMS key.
type Native struct {
	authority *pki.Authority
	ledger    store.SerialLedger
	now       func() time.Time
}

// NewNative creates a native backend.
func NewNative(authority *pki.Authority, ledger store.SerialLedger) *Native {
	return &Native{
		authority: authority,
		ledger:    ledger,
		now:       time.Now,
	}
}

// Name returns the backend name.
func (n *Native) Name() string {
	return "native"
}

// Sign parses the staged CSR, applies the request's profile to a fresh
// template and signs it. The subject is copied verbatim from the CSR; any
// extensions the CSR asks for are ignored.
func (n *Native) Sign(ctx context.Context, req *artifact.Request) error {
	r := scrubber(req)

	days, err := validityDays(req)
	if err != nil {
		return failed(ctx, err.Error(), nil)
	}

	raw, err := req.ReadCSR()
	if err != nil {
		return err
	}

	cr, err := csr.ParsePEM(raw)
	if err != nil {
		return failed(ctx, scrub(r, err.Error()), nil)
	}
	if err := csr.CheckKeyPolicy(cr); err != nil {
		return failed(ctx, scrub(r, err.Error()), nil)
	}

	skid, err := pki.SubjectKeyID(cr.PublicKey)
	if err != nil {
		return failed(ctx, scrub(r, err.Error()), nil)
	}

	serial, err := n.ledger.Next(ctx)
	if err != nil {
		return failed(ctx, "serial allocation failed", err)
	}

	caCert := n.authority.Certificate()
	now := n.now().UTC().Truncate(time.Second)

	template := &x509.Certificate{
		SerialNumber:       serial,
		RawSubject:         cr.RawSubject,
		NotBefore:          now,
		NotAfter:           now.AddDate(0, 0, days),
		PublicKey:          cr.PublicKey,
		SubjectKeyId:       skid,
		SignatureAlgorithm: signatureAlgorithm(caCert),
	}
	req.Profile.Apply(template)

	der, err := n.authority.Signer().SignCertificate(ctx, template)
	if err != nil {
		return failed(ctx, scrub(r, err.Error()), nil)
	}

	if err := req.WriteOutput(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	return nil
}

// signatureAlgorithm picks the SHA-256 variant for the CA's key type.
func signatureAlgorithm(caCert *x509.Certificate) x509.SignatureAlgorithm {
	switch caCert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	default:
		return x509.UnknownSignatureAlgorithm
	}
}
