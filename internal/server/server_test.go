package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/csrsign/internal/artifact"
	"github.com/wolfeidau/csrsign/internal/auth"
	"github.com/wolfeidau/csrsign/internal/backend"
	"github.com/wolfeidau/csrsign/internal/issuer"
	"github.com/wolfeidau/csrsign/internal/pki"
	"github.com/wolfeidau/csrsign/internal/pkitest"
	"github.com/wolfeidau/csrsign/internal/store"
)

// stubIssuer returns a fixed error from Issue.
type stubIssuer struct {
	err    error
	rootCA []byte
}

func (s *stubIssuer) Issue(ctx context.Context, req issuer.Request) (*issuer.Bundle, error) {
	return nil, s.err
}

func (s *stubIssuer) RootCA() []byte { return s.rootCA }

func (s *stubIssuer) Health() issuer.Health { return issuer.Health{Backend: "stub"} }

type testEnv struct {
	ca      *pkitest.CA
	handler http.Handler
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	ca := pkitest.NewCA(t)
	certPath, keyPath := ca.WriteFiles(t, t.TempDir())
	authority, err := pki.LoadAuthority(context.Background(), pki.AuthorityConfig{CertPath: certPath, KeyPath: keyPath}, nil)
	require.NoError(t, err)

	ledger, err := store.NewMemorySerialLedger(big.NewInt(100))
	require.NoError(t, err)

	dir, err := artifact.OpenDir(filepath.Join(t.TempDir(), "requests"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	coord, err := artifact.NewCoordinator(dir, artifact.Config{})
	require.NoError(t, err)

	svc, err := issuer.NewService(coord, backend.NewNative(authority, ledger), authority, issuer.Config{})
	require.NoError(t, err)

	srv, err := NewServer(svc, cfg)
	require.NoError(t, err)

	return &testEnv{ca: ca, handler: srv.Handler(zerolog.Nop())}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBundle(t *testing.T, rec *httptest.ResponseRecorder) *issuer.Bundle {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bundle issuer.Bundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	return &bundle
}

func TestSignClientCSR(t *testing.T) {
	env := newTestEnv(t, Config{})

	t.Run("json body", func(t *testing.T) {
		rec := env.do(t, jsonRequest(t, "/api/sign-csr", SignRequest{CSR: string(pkitest.NewCSR(t, "device-1"))}))
		bundle := decodeBundle(t, rec)

		leaf := pkitest.ParseCertPEM(t, []byte(bundle.Certificate))
		require.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, leaf.ExtKeyUsage)
		require.Equal(t, string(env.ca.CertPEM), bundle.RootCA)
		require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	})

	t.Run("text body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sign-csr", strings.NewReader(string(pkitest.NewCSR(t, "device-2"))))
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")

		bundle := decodeBundle(t, env.do(t, req))
		require.Equal(t, "device-2", pkitest.ParseCertPEM(t, []byte(bundle.Certificate)).Subject.CommonName)
	})

	t.Run("explicit validity", func(t *testing.T) {
		rec := env.do(t, jsonRequest(t, "/api/sign-csr", SignRequest{CSR: string(pkitest.NewCSR(t, "d")), Days: 30}))
		leaf := pkitest.ParseCertPEM(t, []byte(decodeBundle(t, rec).Certificate))
		require.Equal(t, 30*24*time.Hour, leaf.NotAfter.Sub(leaf.NotBefore))
	})

	t.Run("san is ignored on the client endpoint", func(t *testing.T) {
		rec := env.do(t, jsonRequest(t, "/api/sign-csr", SignRequest{CSR: string(pkitest.NewCSR(t, "d")), SAN: "DNS:evil.example.com"}))
		leaf := pkitest.ParseCertPEM(t, []byte(decodeBundle(t, rec).Certificate))
		require.Empty(t, leaf.DNSNames)
	})
}

func TestSignServerCSR(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, jsonRequest(t, "/api/sign-server-csr", SignRequest{
		CSR: string(pkitest.NewCSR(t, "broker")),
		SAN: "DNS:broker.example.com",
	}))
	leaf := pkitest.ParseCertPEM(t, []byte(decodeBundle(t, rec).Certificate))
	require.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, leaf.ExtKeyUsage)
	require.Equal(t, []string{"broker.example.com"}, leaf.DNSNames)
}

func TestSignValidationErrors(t *testing.T) {
	env := newTestEnv(t, Config{MaxBodyBytes: 16 * 1024})
	validCSR := string(pkitest.NewCSR(t, "d"))

	tests := []struct {
		name        string
		req         func(t *testing.T) *http.Request
		wantStatus  int
		wantError   string
		wantDetails bool
	}{
		{
			name: "not a csr",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(t, "/api/sign-csr", SignRequest{CSR: "not a csr"})
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid CSR format",
		},
		{
			name: "missing csr",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(t, "/api/sign-server-csr", map[string]string{"san": "DNS:a.example.com"})
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid CSR format",
		},
		{
			name: "invalid san",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(t, "/api/sign-server-csr", SignRequest{CSR: validCSR, SAN: "DNS:a.example.com,URI:http://x"})
			},
			wantStatus:  http.StatusBadRequest,
			wantError:   "Invalid SAN entry",
			wantDetails: true,
		},
		{
			name: "invalid validity",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(t, "/api/sign-csr", SignRequest{CSR: validCSR, Days: 10000})
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid validity period",
		},
		{
			name: "malformed json",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/sign-csr", strings.NewReader(`{"csr":`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
		{
			name: "text body on server endpoint",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/sign-server-csr", strings.NewReader(validCSR))
				req.Header.Set("Content-Type", "text/plain")
				return req
			},
			wantStatus: http.StatusUnsupportedMediaType,
			wantError:  "Unsupported content type",
		},
		{
			name: "body too large",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(t, "/api/sign-csr", SignRequest{CSR: strings.Repeat("A", 32*1024)})
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantError:  "Request body too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.req(t))
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, tt.wantError, resp.Error)
			require.Equal(t, tt.wantDetails, resp.Details != "")
		})
	}
}

func TestSigningErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "signing failed",
			err:        &backend.Error{Kind: backend.ErrSigningFailed, Details: "unable to load CA private key"},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Signing failed","details":"unable to load CA private key"}`,
		},
		{
			name:       "signing timed out",
			err:        &backend.Error{Kind: backend.ErrSigningTimeout, Err: context.DeadlineExceeded},
			wantStatus: http.StatusGatewayTimeout,
			wantBody:   `{"error":"Signing timed out"}`,
		},
		{
			name:       "artifact io",
			err:        fmt.Errorf("%w: write /var/lib/csrsign/requests/x/request.csr: disk full", artifact.ErrArtifactIO),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Internal error"}`,
		},
		{
			name:       "malformed output",
			err:        fmt.Errorf("%w: leaf: no PEM block", issuer.ErrMalformedOutput),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Internal error"}`,
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Internal error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := NewServer(&stubIssuer{err: tt.err, rootCA: pkitest.NewCA(t).CertPEM}, Config{})
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			srv.Handler(zerolog.Nop()).ServeHTTP(rec, jsonRequest(t, "/api/sign-csr", SignRequest{CSR: "x"}))

			require.Equal(t, tt.wantStatus, rec.Code)
			require.JSONEq(t, tt.wantBody, rec.Body.String())
			require.NotContains(t, rec.Body.String(), "/var/lib")
		})
	}
}

func TestRootCA(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/ca", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(env.ca.CertPEM), rec.Body.String())
	require.Equal(t, "application/x-pem-file", rec.Header().Get("Content-Type"))
	require.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	t.Run("conditional request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/ca", nil)
		req.Header.Set("If-None-Match", `"other", W/`+etag)
		rec := env.do(t, req)
		require.Equal(t, http.StatusNotModified, rec.Code)
		require.Empty(t, rec.Body.String())
	})

	t.Run("stale etag", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/ca", nil)
		req.Header.Set("If-None-Match", `"0000000000000000"`)
		require.Equal(t, http.StatusOK, env.do(t, req).Code)
	})
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","backend":"native","inFlight":0}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/sign-csr", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCrossOriginProtection(t *testing.T) {
	env := newTestEnv(t, Config{CORSOrigins: []string{"https://dashboard.example.com"}})
	csrPEM := string(pkitest.NewCSR(t, "d"))

	t.Run("untrusted cross-site browser post", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sign-csr", strings.NewReader(csrPEM))
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("Sec-Fetch-Site", "cross-site")
		req.Header.Set("Origin", "https://evil.example.net")
		require.Equal(t, http.StatusForbidden, env.do(t, req).Code)
	})

	t.Run("trusted origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sign-csr", strings.NewReader(csrPEM))
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("Sec-Fetch-Site", "cross-site")
		req.Header.Set("Origin", "https://dashboard.example.com")
		rec := env.do(t, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("non-browser client", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sign-csr", strings.NewReader(csrPEM))
		req.Header.Set("Content-Type", "text/plain")
		require.Equal(t, http.StatusOK, env.do(t, req).Code)
	})
}

func TestAuthentication(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	verifier, err := auth.NewVerifierFromPEM(string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})))
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))

	token := func(t *testing.T, roles ...string) string {
		tok, err := auth.IssueToken(keyPEM, "tester", roles, time.Hour)
		require.NoError(t, err)
		return tok
	}

	env := newTestEnv(t, Config{Verifier: verifier})

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{name: "no token", path: "/api/sign-csr", wantStatus: http.StatusUnauthorized},
		{name: "device on client endpoint", path: "/api/sign-csr", token: token(t, "device"), wantStatus: http.StatusOK},
		{name: "device on server endpoint", path: "/api/sign-server-csr", token: token(t, "device"), wantStatus: http.StatusForbidden},
		{name: "service on server endpoint", path: "/api/sign-server-csr", token: token(t, "service"), wantStatus: http.StatusOK},
		{name: "admin on server endpoint", path: "/api/sign-server-csr", token: token(t, "admin"), wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := jsonRequest(t, tt.path, SignRequest{CSR: string(pkitest.NewCSR(t, "d"))})
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := env.do(t, req)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}

	t.Run("root CA stays public", func(t *testing.T) {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/ca", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestCompression(t *testing.T) {
	bigRoot := []byte(strings.Repeat("-----BEGIN CERTIFICATE-----\n", 200))
	srv, err := NewServer(&stubIssuer{rootCA: bigRoot}, Config{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/ca", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.Handler(zerolog.Nop()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Less(t, len(body), len(bigRoot))
}
