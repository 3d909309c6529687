package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the subset of the KMS client used by KMSSigner.
type KMSAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSSigner implements CASigner using AWS KMS for signing operations.
// The CA private key never leaves the KMS HSM - only signing operations are performed.
type KMSSigner struct {
	kmsClient KMSAPI
	kmsKeyID  string
	caCert    *x509.Certificate
	publicKey *ecdsa.PublicKey
}

// NewKMSSigner creates a new KMSSigner from an AWS KMS key.
// The kmsKeyID can be a key ID, key ARN, alias name, or alias ARN.
// The caCertPEM must contain the PEM-encoded CA certificate (public key).
func NewKMSSigner(ctx context.Context, kmsClient KMSAPI, kmsKeyID string, caCertPEM []byte) (*KMSSigner, error) {
	caCert, err := ParseCertificatePEM(caCertPEM)
	if err != nil {
		return nil, err
	}

	// Get public key from KMS to verify it matches the certificate
	pubKeyOutput, err := kmsClient.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(kmsKeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from KMS: %w", err)
	}

	kmsPublicKey, err := x509.ParsePKIXPublicKey(pubKeyOutput.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS public key: %w", err)
	}

	ecdsaPubKey, ok := kmsPublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("KMS key is not ECDSA (got %T)", kmsPublicKey)
	}

	if err := verifyCertKeyPair(caCert, ecdsaPubKey); err != nil {
		return nil, fmt.Errorf("KMS public key does not match CA certificate: %w", err)
	}

	return &KMSSigner{
		kmsClient: kmsClient,
		kmsKeyID:  kmsKeyID,
		caCert:    caCert,
		publicKey: ecdsaPubKey,
	}, nil
}

// SignCertificate signs a certificate template using AWS KMS.
// Returns DER-encoded certificate bytes.
func (s *KMSSigner) SignCertificate(ctx context.Context, template *x509.Certificate) ([]byte, error) {
	// crypto.Signer has no context so bind this call's context to a per-call signer
	kmsSigner := &kmsCryptoSigner{
		kmsClient: s.kmsClient,
		kmsKeyID:  s.kmsKeyID,
		publicKey: s.publicKey,
		ctx:       ctx,
	}

	return x509.CreateCertificate(rand.Reader, template, s.caCert, template.PublicKey, kmsSigner)
}

// GetCACertificate returns the CA certificate.
func (s *KMSSigner) GetCACertificate() (*x509.Certificate, error) {
	return s.caCert, nil
}

// kmsCryptoSigner implements crypto.Signer using AWS KMS
type kmsCryptoSigner struct {
	kmsClient KMSAPI
	kmsKeyID  string
	publicKey *ecdsa.PublicKey
	ctx       context.Context
}

// Public returns the public key
func (k *kmsCryptoSigner) Public() crypto.PublicKey {
	return k.publicKey
}

// Sign signs the digest using AWS KMS
func (k *kmsCryptoSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	// x509.CreateCertificate hashes with SHA-256 for P-256 keys
	if opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("KMS signer only supports SHA256, got %v", opts.HashFunc())
	}

	signOutput, err := k.kmsClient.Sign(k.ctx, &kms.SignInput{
		KeyId:            aws.String(k.kmsKeyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS sign operation failed: %w", err)
	}

	// KMS returns an ASN.1 SEQUENCE of r and s; round trip it to reject trailing data
	var ecdsaSig struct {
		R, S *big.Int
	}
	rest, err := asn1.Unmarshal(signOutput.Signature, &ecdsaSig)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS signature: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after KMS signature")
	}

	signature, err := asn1.Marshal(ecdsaSig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signature: %w", err)
	}

	return signature, nil
}
