// Package issuer runs the signing pipeline: validate the CSR, build the
// extension profile, stage and sign under a request id, then assemble and
// check the result before it is returned.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfeidau/csrsign/internal/artifact"
	"github.com/wolfeidau/csrsign/internal/backend"
	"github.com/wolfeidau/csrsign/internal/csr"
	"github.com/wolfeidau/csrsign/internal/pki"
	"github.com/wolfeidau/csrsign/internal/policy"
	"github.com/wolfeidau/csrsign/internal/telemetry"
)

const (
	// DefaultValidityDays is used when a request does not ask for a validity.
	DefaultValidityDays = 365
	// DefaultMaxValidityDays matches the CA/Browser Forum ceiling in force
	// when the service was designed.
	DefaultMaxValidityDays = 825
)

// ErrInvalidValidity indicates a requested validity outside the allowed range
var ErrInvalidValidity = errors.New("invalid validity period")

// Config holds issuance limits.
type Config struct {
	DefaultValidityDays int `yaml:"default_validity_days"`
	MaxValidityDays     int `yaml:"max_validity_days"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DefaultValidityDays == 0 {
		c.DefaultValidityDays = DefaultValidityDays
	}
	if c.MaxValidityDays == 0 {
		c.MaxValidityDays = DefaultMaxValidityDays
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxValidityDays < 1 {
		return fmt.Errorf("max_validity_days must be positive, got %d", c.MaxValidityDays)
	}
	if c.DefaultValidityDays < 1 || c.DefaultValidityDays > c.MaxValidityDays {
		return fmt.Errorf("default_validity_days must be between 1 and %d, got %d", c.MaxValidityDays, c.DefaultValidityDays)
	}
	return nil
}

// Request is a single signing request.
type Request struct {
	Role policy.Role
	// CSR is the PEM encoded certificate signing request.
	CSR []byte
	// SAN is a comma separated list of DNS:/IP: entries, server role only.
	SAN string
	// ValidityDays of zero selects the configured default.
	ValidityDays int
}

// Service issues client and server certificates.
type Service struct {
	coordinator *artifact.Coordinator
	backend     backend.Backend
	authority   *pki.Authority
	cfg         Config
}

// NewService creates a new issuing service.
func NewService(coordinator *artifact.Coordinator, b backend.Backend, authority *pki.Authority, cfg Config) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid issuer config: %w", err)
	}

	return &Service{
		coordinator: coordinator,
		backend:     b,
		authority:   authority,
		cfg:         cfg,
	}, nil
}

// IssueClientCertificate signs csrPEM under the client profile.
func (s *Service) IssueClientCertificate(ctx context.Context, csrPEM string) (*Bundle, error) {
	return s.Issue(ctx, Request{Role: policy.RoleClient, CSR: []byte(csrPEM)})
}

// IssueServerCertificate signs csrPEM under the server profile. A blank san
// selects DNS:localhost,IP:127.0.0.1.
func (s *Service) IssueServerCertificate(ctx context.Context, csrPEM, san string) (*Bundle, error) {
	return s.Issue(ctx, Request{Role: policy.RoleServer, CSR: []byte(csrPEM), SAN: san})
}

// RootCA returns the PEM encoded root certificate.
func (s *Service) RootCA() []byte {
	return s.authority.CertificatePEM()
}

// Health describes the signing engine for health checks.
type Health struct {
	Backend  string `json:"backend"`
	InFlight int64  `json:"inFlight"`
}

// Health returns the backend name and the number of signings in progress.
func (s *Service) Health() Health {
	return Health{
		Backend:  s.backend.Name(),
		InFlight: s.coordinator.InFlight(),
	}
}

// Issue validates and signs req. Validation failures return before any
// artifact or serial number is allocated.
func (s *Service) Issue(ctx context.Context, req Request) (bundle *Bundle, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "issuer.Issue",
		trace.WithAttributes(
			attribute.String("csrsign.role", req.Role.String()),
			attribute.String("csrsign.backend", s.backend.Name()),
		),
	)
	defer span.End()

	metrics := telemetry.GetMetrics()
	logger := zerolog.Ctx(ctx).With().Str("role", req.Role.String()).Str("backend", s.backend.Name()).Logger()

	defer func() {
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
		metrics.IssueFailuresTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", req.Role.String()),
			attribute.String("kind", ErrorKind(err)),
		))
	}()

	profile, csrReq, days, err := s.prepare(req)
	if err != nil {
		logger.Debug().Err(err).Msg("Rejected signing request")
		return nil, err
	}

	var requestID string
	start := time.Now()

	leafPEM, err := s.coordinator.WithRequest(ctx, csrReq, profile, days, func(ctx context.Context, r *artifact.Request) error {
		requestID = r.ID
		return s.backend.Sign(ctx, r)
	})

	metrics.SigningDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("backend", s.backend.Name()),
	))

	logger = logger.With().Str("request_id", requestID).Logger()
	span.SetAttributes(attribute.String("csrsign.request_id", requestID))

	if err != nil {
		logger.Error().Err(err).Msg("Signing failed")
		return nil, err
	}

	bundle, err = Assemble(leafPEM, s.authority.CertificatePEM())
	if err != nil {
		logger.Error().Err(err).Msg("Integrity alert: signing engine returned unusable output")
		return nil, err
	}

	leaf, err := pki.ParseCertificatePEM(leafPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	if err := pki.CheckConformance(leaf, s.authority.Certificate(), profile); err != nil {
		logger.Error().Err(err).Str("serial", leaf.SerialNumber.Text(16)).Msg("Integrity alert: issued certificate violates its profile")
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}

	fingerprint := pki.Fingerprint(leaf.Raw)
	span.SetAttributes(attribute.String("csrsign.serial", leaf.SerialNumber.Text(16)))

	metrics.CertificatesIssuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", req.Role.String()),
		attribute.String("backend", s.backend.Name()),
	))

	logger.Info().
		Str("serial", leaf.SerialNumber.Text(16)).
		Str("fingerprint", fingerprint).
		Str("subject", leaf.Subject.String()).
		Time("not_after", leaf.NotAfter).
		Msg("Certificate issued")

	return bundle, nil
}

// prepare performs every check that can be done without touching storage.
func (s *Service) prepare(req Request) (*policy.Profile, *csr.Request, int, error) {
	role, err := policy.ParseRole(req.Role.String())
	if err != nil {
		return nil, nil, 0, err
	}

	days := req.ValidityDays
	if days == 0 {
		days = s.cfg.DefaultValidityDays
	}
	if days < 1 || days > s.cfg.MaxValidityDays {
		return nil, nil, 0, fmt.Errorf("%w: %d days, must be between 1 and %d", ErrInvalidValidity, days, s.cfg.MaxValidityDays)
	}

	csrReq, err := csr.Validate(req.CSR)
	if err != nil {
		return nil, nil, 0, err
	}

	sans, err := policy.ParseSANList(req.SAN)
	if err != nil {
		return nil, nil, 0, err
	}

	profile, err := policy.Build(role, sans)
	if err != nil {
		return nil, nil, 0, err
	}

	return profile, csrReq, days, nil
}

// ErrorKind names the failure class of err for metrics and responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, csr.ErrInvalidFormat):
		return "invalid_csr"
	case errors.Is(err, policy.ErrInvalidSANEntry):
		return "invalid_san"
	case errors.Is(err, ErrInvalidValidity):
		return "invalid_validity"
	case errors.Is(err, policy.ErrInvalidRole):
		return "invalid_role"
	case errors.Is(err, backend.ErrSigningTimeout):
		return "signing_timeout"
	case errors.Is(err, backend.ErrSigningFailed):
		return "signing_failed"
	case errors.Is(err, ErrMalformedOutput):
		return "malformed_output"
	case errors.Is(err, artifact.ErrArtifactIO):
		return "artifact_io"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
