package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/csrsign/internal/issuer"
)

// maxResponseBytes bounds the size of any response body read.
const maxResponseBytes = 1 << 20

// Config holds common client configuration
type Config struct {
	ServerURL string
	Timeout   time.Duration
	// Token is sent as a bearer token on signing requests when set.
	Token string
	// CACertFile is a PEM bundle used to verify the server's TLS certificate.
	CACertFile string
	// CacheDir persists cached responses; empty keeps them in memory.
	CacheDir string
	Debug    bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "https://localhost:8443",
		Timeout:   time.Minute,
		Debug:     false,
	}
}

// APIError is an error response from the signing API.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Details    string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Client calls the signing API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// New creates a new client with the given configuration
func New(cfg Config) (*Client, error) {
	baseURL, err := url.Parse(strings.TrimSuffix(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", cfg.ServerURL)
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CACertFile != "" {
		data, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertFile)
		}
		base.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	var transport http.RoundTripper = otelhttp.NewTransport(base)
	if cfg.Debug {
		transport = &debugTransport{next: transport}
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: NewCachingTransport(cfg.CacheDir, transport),
		},
		token: cfg.Token,
	}, nil
}

// SignClientCSR requests a client certificate for csrPEM. days of zero uses
// the server default.
func (c *Client) SignClientCSR(ctx context.Context, csrPEM []byte, days int) (*issuer.Bundle, error) {
	return c.sign(ctx, "/api/sign-csr", signRequest{CSR: string(csrPEM), Days: days})
}

// SignServerCSR requests a server certificate for csrPEM covering san.
func (c *Client) SignServerCSR(ctx context.Context, csrPEM []byte, san string, days int) (*issuer.Bundle, error) {
	return c.sign(ctx, "/api/sign-server-csr", signRequest{CSR: string(csrPEM), SAN: san, Days: days})
}

// RootCA fetches the PEM encoded root certificate.
func (c *Client) RootCA(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/ca"), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch root CA: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

type signRequest struct {
	CSR  string `json:"csr"`
	SAN  string `json:"san,omitempty"`
	Days int    `json:"days,omitempty"`
}

func (c *Client) sign(ctx context.Context, path string, body signRequest) (*issuer.Bundle, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var bundle issuer.Bundle
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode signing response: %w", err)
	}
	if bundle.Certificate == "" || bundle.RootCA == "" {
		return nil, errors.New("signing response is missing the certificate or root CA")
	}

	return &bundle, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.JoinPath(path).String()
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

// debugTransport logs each round trip that reaches the network.
type debugTransport struct {
	next http.RoundTripper
}

func (d *debugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := d.next.RoundTrip(req)
	if err != nil {
		log.Debug().Err(err).Str("method", req.Method).Str("url", req.URL.String()).Msg("request failed")
		return nil, err
	}
	log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("request completed")
	return resp, nil
}
