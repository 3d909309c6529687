package backend

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/csrsign/internal/artifact"
	"github.com/wolfeidau/csrsign/internal/csr"
	"github.com/wolfeidau/csrsign/internal/pki"
	"github.com/wolfeidau/csrsign/internal/pkitest"
	"github.com/wolfeidau/csrsign/internal/policy"
	"github.com/wolfeidau/csrsign/internal/store"
)

type harness struct {
	ca        *pkitest.CA
	authority *pki.Authority
	ledger    *store.MemorySerialLedger
	coord     *artifact.Coordinator
	dir       *artifact.Dir
}

func newHarness(t *testing.T, cfg artifact.Config) *harness {
	t.Helper()

	ca := pkitest.NewCA(t)
	certPath, keyPath := ca.WriteFiles(t, t.TempDir())
	authority, err := pki.LoadAuthority(context.Background(), pki.AuthorityConfig{CertPath: certPath, KeyPath: keyPath}, nil)
	require.NoError(t, err)

	ledger, err := store.NewMemorySerialLedger(big.NewInt(0x1000))
	require.NoError(t, err)

	dir, err := artifact.OpenDir(filepath.Join(t.TempDir(), "requests"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	coord, err := artifact.NewCoordinator(dir, cfg)
	require.NoError(t, err)

	return &harness{ca: ca, authority: authority, ledger: ledger, coord: coord, dir: dir}
}

func (h *harness) sign(t *testing.T, b Backend, csrPEM []byte, profile *policy.Profile, days int) ([]byte, error) {
	t.Helper()
	req, err := csr.Validate(csrPEM)
	require.NoError(t, err)
	return h.coord.WithRequest(context.Background(), req, profile, days, b.Sign)
}

func (h *harness) requireNoArtifacts(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.dir.Path())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func mustProfile(t *testing.T, role policy.Role, sans string) *policy.Profile {
	t.Helper()
	list, err := policy.ParseSANList(sans)
	require.NoError(t, err)
	profile, err := policy.Build(role, list)
	require.NoError(t, err)
	return profile
}

// backendContract runs the behaviour every engine must share.
func backendContract(t *testing.T, h *harness, b Backend) {
	t.Run("client certificate", func(t *testing.T) {
		profile := mustProfile(t, policy.RoleClient, "")
		out, err := h.sign(t, b, pkitest.NewCSR(t, "device-42"), profile, 30)
		require.NoError(t, err)

		leaf := pkitest.ParseCertPEM(t, out)
		require.NoError(t, pki.CheckConformance(leaf, h.ca.Cert, profile))
		require.Equal(t, "device-42", leaf.Subject.CommonName)
		require.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, leaf.ExtKeyUsage)
		require.Empty(t, leaf.DNSNames)
		require.Empty(t, leaf.IPAddresses)
		require.Equal(t, 30*24*time.Hour, leaf.NotAfter.Sub(leaf.NotBefore))
		require.Equal(t, x509.ECDSAWithSHA256, leaf.SignatureAlgorithm)
		h.requireNoArtifacts(t)
	})

	t.Run("server certificate", func(t *testing.T) {
		profile := mustProfile(t, policy.RoleServer, "DNS:broker.example.com,IP:10.0.0.5")
		out, err := h.sign(t, b, pkitest.NewCSR(t, "broker"), profile, 365)
		require.NoError(t, err)

		leaf := pkitest.ParseCertPEM(t, out)
		require.NoError(t, pki.CheckConformance(leaf, h.ca.Cert, profile))
		require.Equal(t, []string{"broker.example.com"}, leaf.DNSNames)
		require.Len(t, leaf.IPAddresses, 1)
		require.Equal(t, "10.0.0.5", leaf.IPAddresses[0].String())
	})

	t.Run("requested extensions are ignored", func(t *testing.T) {
		csrPEM := pkitest.NewCSRForKey(t, pkitest.NewECDSAKey(t), &x509.CertificateRequest{
			Subject:  pkix.Name{CommonName: "sneaky"},
			DNSNames: []string{"bank.example.com"},
			ExtraExtensions: []pkix.Extension{{
				Id:       pki.OIDBasicConstraints,
				Critical: true,
				Value:    []byte{0x30, 0x03, 0x01, 0x01, 0xff}, // CA:TRUE
			}},
		})

		profile := mustProfile(t, policy.RoleClient, "")
		out, err := h.sign(t, b, csrPEM, profile, 1)
		require.NoError(t, err)

		leaf := pkitest.ParseCertPEM(t, out)
		require.False(t, leaf.IsCA)
		require.Empty(t, leaf.DNSNames)
		require.NoError(t, pki.CheckConformance(leaf, h.ca.Cert, profile))
	})

	t.Run("serials are unique", func(t *testing.T) {
		profile := mustProfile(t, policy.RoleClient, "")
		seen := map[string]bool{}
		for range 3 {
			out, err := h.sign(t, b, pkitest.NewCSR(t, "device"), profile, 1)
			require.NoError(t, err)
			serial := pkitest.ParseCertPEM(t, out).SerialNumber.String()
			require.False(t, seen[serial])
			seen[serial] = true
		}
	})

	t.Run("undecodable request body", func(t *testing.T) {
		garbage := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: []byte("not asn.1")})
		_, err := h.sign(t, b, garbage, mustProfile(t, policy.RoleClient, ""), 1)
		require.ErrorIs(t, err, ErrSigningFailed)

		var be *Error
		require.ErrorAs(t, err, &be)
		require.NotEmpty(t, be.Details)
		require.NotContains(t, be.Details, h.dir.Path())
		h.requireNoArtifacts(t)
	})
}

func TestNative(t *testing.T) {
	h := newHarness(t, artifact.Config{})
	native := NewNative(h.authority, h.ledger)
	require.Equal(t, "native", native.Name())

	backendContract(t, h, native)

	t.Run("weak key rejected", func(t *testing.T) {
		weak, err := rsa.GenerateKey(rand.Reader, 1024)
		require.NoError(t, err)
		csrPEM := pkitest.NewCSRForKey(t, weak, &x509.CertificateRequest{Subject: pkix.Name{CommonName: "weak"}})

		_, err = h.sign(t, native, csrPEM, mustProfile(t, policy.RoleClient, ""), 1)
		require.ErrorIs(t, err, ErrSigningFailed)
	})

	t.Run("subject copied verbatim", func(t *testing.T) {
		subject := pkix.Name{
			CommonName:         "sensor-7",
			Organization:       []string{"Acme IoT"},
			OrganizationalUnit: []string{"Field"},
			Country:            []string{"AU"},
		}
		csrPEM := pkitest.NewCSRForKey(t, pkitest.NewECDSAKey(t), &x509.CertificateRequest{Subject: subject})
		cr, err := csr.ParsePEM(csrPEM)
		require.NoError(t, err)

		out, err := h.sign(t, native, csrPEM, mustProfile(t, policy.RoleClient, ""), 1)
		require.NoError(t, err)
		require.Equal(t, cr.RawSubject, pkitest.ParseCertPEM(t, out).RawSubject)
	})
}

type failingLedger struct{}

func (failingLedger) Next(ctx context.Context) (*big.Int, error) {
	return nil, errors.New("ledger offline")
}

type failingSigner struct {
	cert *x509.Certificate
}

func (s failingSigner) SignCertificate(ctx context.Context, template *x509.Certificate) ([]byte, error) {
	return nil, errors.New("x509: signature over certificate returned by signer is invalid")
}

func (s failingSigner) GetCACertificate() (*x509.Certificate, error) {
	return s.cert, nil
}

type blockingSigner struct {
	cert *x509.Certificate
}

func (s blockingSigner) SignCertificate(ctx context.Context, template *x509.Certificate) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s blockingSigner) GetCACertificate() (*x509.Certificate, error) {
	return s.cert, nil
}

func TestNativeFailures(t *testing.T) {
	t.Run("signer failure", func(t *testing.T) {
		h := newHarness(t, artifact.Config{})
		authority, err := pki.NewAuthority(failingSigner{cert: h.ca.Cert})
		require.NoError(t, err)

		_, err = h.sign(t, NewNative(authority, h.ledger), pkitest.NewCSR(t, "d"), mustProfile(t, policy.RoleClient, ""), 1)
		require.ErrorIs(t, err, ErrSigningFailed)

		var be *Error
		require.ErrorAs(t, err, &be)
		require.Contains(t, be.Details, "signature")
		h.requireNoArtifacts(t)
	})

	t.Run("ledger failure", func(t *testing.T) {
		h := newHarness(t, artifact.Config{})
		_, err := h.sign(t, NewNative(h.authority, failingLedger{}), pkitest.NewCSR(t, "d"), mustProfile(t, policy.RoleClient, ""), 1)
		require.ErrorIs(t, err, ErrSigningFailed)
		h.requireNoArtifacts(t)
	})

	t.Run("timeout", func(t *testing.T) {
		h := newHarness(t, artifact.Config{Timeout: 50 * time.Millisecond})
		authority, err := pki.NewAuthority(blockingSigner{cert: h.ca.Cert})
		require.NoError(t, err)

		_, err = h.sign(t, NewNative(authority, h.ledger), pkitest.NewCSR(t, "d"), mustProfile(t, policy.RoleClient, ""), 1)
		require.ErrorIs(t, err, ErrSigningTimeout)
		require.NotErrorIs(t, err, ErrSigningFailed)
		h.requireNoArtifacts(t)
	})

	t.Run("non-positive validity", func(t *testing.T) {
		h := newHarness(t, artifact.Config{})
		_, err := h.sign(t, NewNative(h.authority, h.ledger), pkitest.NewCSR(t, "d"), mustProfile(t, policy.RoleClient, ""), 0)
		require.ErrorIs(t, err, ErrSigningFailed)
	})
}

func requireOpenSSL(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath(DefaultOpenSSLBinary); err != nil {
		t.Skip("openssl not found on PATH")
	}
}

func TestOpenSSL(t *testing.T) {
	requireOpenSSL(t)

	h := newHarness(t, artifact.Config{})
	backend, err := NewOpenSSL(h.authority, h.ledger, "")
	require.NoError(t, err)
	require.Equal(t, "openssl", backend.Name())

	backendContract(t, h, backend)

	t.Run("invalid CA key", func(t *testing.T) {
		certPath, keyPath, _ := h.authority.Files()
		broken := &OpenSSL{
			binary:   backend.binary,
			certPath: certPath,
			keyPath:  keyPath + ".missing",
			ledger:   h.ledger,
		}

		_, err := h.sign(t, broken, pkitest.NewCSR(t, "d"), mustProfile(t, policy.RoleClient, ""), 1)
		require.ErrorIs(t, err, ErrSigningFailed)

		var be *Error
		require.ErrorAs(t, err, &be)
		require.NotEmpty(t, be.Details)
		require.NotContains(t, be.Details, filepath.Dir(keyPath))
		h.requireNoArtifacts(t)
	})
}

func TestOpenSSLTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	// stands in for an openssl that hangs, e.g. waiting on a passphrase
	hanging := filepath.Join(t.TempDir(), "openssl")
	require.NoError(t, os.WriteFile(hanging, []byte("#!/bin/sh\nexec sleep 5\n"), 0o755))

	h := newHarness(t, artifact.Config{Timeout: 200 * time.Millisecond})
	backend, err := NewOpenSSL(h.authority, h.ledger, hanging)
	require.NoError(t, err)

	start := time.Now()
	_, err = h.sign(t, backend, pkitest.NewCSR(t, "d"), mustProfile(t, policy.RoleClient, ""), 1)
	require.ErrorIs(t, err, ErrSigningTimeout)
	require.NotErrorIs(t, err, ErrSigningFailed)
	require.Less(t, time.Since(start), 3*time.Second, "process was not killed at the deadline")
	h.requireNoArtifacts(t)
}

func TestOpenSSLRequiresFiles(t *testing.T) {
	ca := pkitest.NewCA(t)
	signer, err := pki.NewFileSignerFromPEM(ca.KeyPEM, ca.CertPEM)
	require.NoError(t, err)
	authority, err := pki.NewAuthority(signer)
	require.NoError(t, err)

	ledger, err := store.NewMemorySerialLedger(nil)
	require.NoError(t, err)

	_, err = NewOpenSSL(authority, ledger, "")
	require.Error(t, err)
}

func TestOpenSSLArgs(t *testing.T) {
	o := &OpenSSL{binary: "openssl", certPath: "/ca/ca.crt", keyPath: "/ca/ca.key"}
	req := &artifact.Request{
		CSRPath: "/tmp/r/request.csr; rm -rf /",
		ExtPath: "/tmp/r/extensions.cnf",
		OutPath: "/tmp/r/certificate.crt",
	}

	args := o.Args(req, "0x1001", 365)
	require.Equal(t, []string{
		"x509", "-req",
		"-in", "/tmp/r/request.csr; rm -rf /",
		"-CA", "/ca/ca.crt",
		"-CAkey", "/ca/ca.key",
		"-set_serial", "0x1001",
		"-days", "365",
		"-sha256",
		"-extfile", "/tmp/r/extensions.cnf",
		"-out", "/tmp/r/certificate.crt",
	}, args, "paths stay single arguments")
}

func TestScrub(t *testing.T) {
	req := &artifact.Request{
		CSRPath: "/var/lib/csrsign/requests/abc/request.csr",
		ExtPath: "/var/lib/csrsign/requests/abc/extensions.cnf",
		OutPath: "/var/lib/csrsign/requests/abc/certificate.crt",
	}
	r := scrubber(req, "/etc/csrsign/ca.key")

	got := scrub(r, "Could not open /etc/csrsign/ca.key\nerror reading /var/lib/csrsign/requests/abc/request.csr in /var/lib/csrsign/requests/abc\n")
	require.Equal(t, "Could not open ca.key\nerror reading request.csr in <request>", got)

	long := scrub(r, strings.Repeat("x", maxDetailsLen*2))
	require.Len(t, long, maxDetailsLen+3)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("exit status 1")
	err := error(&Error{Kind: ErrSigningFailed, Details: "bad", Err: cause})

	require.ErrorIs(t, err, ErrSigningFailed)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "signing failed: bad: exit status 1", err.Error())
}
