package server

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"filippo.io/csrf"
	"github.com/klauspost/compress/gzhttp"
	"github.com/minio/crc64nvme"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/csrsign/internal/auth"
	httpmiddleware "github.com/wolfeidau/csrsign/internal/http"
	"github.com/wolfeidau/csrsign/internal/issuer"
	"github.com/wolfeidau/csrsign/internal/logger"
)

// DefaultMaxBodyBytes bounds request bodies; a CSR is at most a few KiB.
const DefaultMaxBodyBytes = 64 * 1024

// Issuer is the signing pipeline behind the HTTP API.
type Issuer interface {
	Issue(ctx context.Context, req issuer.Request) (*issuer.Bundle, error)
	RootCA() []byte
	Health() issuer.Health
}

// Config holds HTTP boundary settings.
type Config struct {
	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string
	// MaxBodyBytes limits request bodies, zero selects DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Verifier enables bearer token authentication of the signing endpoints
	// when set.
	Verifier *auth.Verifier
	// CACacheMaxAge is advertised on GET /api/ca.
	CACacheMaxAge time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.CACacheMaxAge == 0 {
		c.CACacheMaxAge = time.Hour
	}
}

// Server exposes the signing API over HTTP.
type Server struct {
	issuer     Issuer
	cfg        Config
	protection *csrf.Protection
	caETag     string
}

// NewServer creates a new server for iss.
func NewServer(iss Issuer, cfg Config) (*Server, error) {
	cfg.ApplyDefaults()

	protection := csrf.New()
	for _, origin := range cfg.CORSOrigins {
		if origin == "*" {
			continue
		}
		if err := protection.AddTrustedOrigin(origin); err != nil {
			return nil, fmt.Errorf("invalid CORS origin %q: %w", origin, err)
		}
	}

	h := crc64nvme.New()
	_, _ = h.Write(iss.RootCA())

	return &Server{
		issuer:     iss,
		cfg:        cfg,
		protection: protection,
		caETag:     fmt.Sprintf(`"%016x"`, h.Sum64()),
	}, nil
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /api/ca", s.rootCA)

	mux.Handle("POST /api/sign-csr", s.authenticate(http.HandlerFunc(s.signClient)))
	mux.Handle("POST /api/sign-server-csr", s.authenticate(http.HandlerFunc(s.signServer)))

	return httpmiddleware.Chain(mux,
		withTracing,
		logger.RequestLogger(log),
		httpmiddleware.ClientIPMiddleware(),
		httpmiddleware.SecurityHeaders(),
		s.withCORS,
		s.protection.Handler,
		withCompression,
		httpmiddleware.LimitBody(s.cfg.MaxBodyBytes),
	)
}

func (s *Server) authenticate(h http.Handler) http.Handler {
	if s.cfg.Verifier == nil {
		return h
	}
	return s.cfg.Verifier.Middleware()(h)
}

// withCORS adds CORS support for browser clients of the JSON API.
func (s *Server) withCORS(h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization", "If-None-Match"},
		ExposedHeaders: []string{"ETag"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	})
	return middleware.Handler(h)
}

func withTracing(h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, "csrsign",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz"
		}),
	)
}

func withCompression(h http.Handler) http.Handler {
	return gzhttp.GzipHandler(h)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	health := s.issuer.Health()
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		issuer.Health
	}{
		Status: "ok",
		Health: health,
	})
}

func (s *Server) rootCA(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("ETag", s.caETag)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.cfg.CACacheMaxAge.Seconds())))

	tags := etags(r.Header.Get("If-None-Match"))
	if slices.Contains(tags, s.caETag) || slices.Contains(tags, "*") {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.issuer.RootCA())
}
