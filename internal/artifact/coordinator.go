package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/wolfeidau/csrsign/internal/csr"
	"github.com/wolfeidau/csrsign/internal/policy"
	"github.com/wolfeidau/csrsign/internal/telemetry"
)

// Request is handed to the signing function. It is owned by exactly one
// in-flight signing and is invalid once WithRequest returns.
type Request struct {
	ID           string
	CSRPath      string
	ExtPath      string
	OutPath      string
	Profile      *policy.Profile
	ValidityDays int

	dir *Dir
}

// WriteOutput writes the signed certificate for engines that do not write
// OutPath themselves.
func (r *Request) WriteOutput(data []byte) error {
	return r.dir.WriteFile(r.ID, OutFile, data)
}

// ReadCSR returns the staged request.
func (r *Request) ReadCSR() ([]byte, error) {
	return r.dir.ReadFile(r.ID, CSRFile)
}

// SignFunc signs the staged request and leaves the certificate at OutPath.
type SignFunc func(ctx context.Context, req *Request) error

// Config controls the coordinator.
type Config struct {
	// Timeout bounds staging, signing and reading the output. Default: 15s
	Timeout time.Duration

	// MaxConcurrent limits simultaneous signings. Default: 16
	MaxConcurrent int64

	// RemoveAttempts is the number of tries to remove a request directory. Default: 5
	RemoveAttempts uint
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 16
	}
	if c.RemoveAttempts == 0 {
		c.RemoveAttempts = 5
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent signings must be positive")
	}
	return nil
}

// Coordinator allocates request ids, stages artifacts, runs the signing
// function and releases the artifacts afterwards.
type Coordinator struct {
	dir      *Dir
	cfg      Config
	sem      *semaphore.Weighted
	newID    func() string
	inFlight atomic.Int64
}

// NewCoordinator creates a coordinator over dir.
func NewCoordinator(dir *Dir, cfg Config) (*Coordinator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}

	return &Coordinator{
		dir:   dir,
		cfg:   cfg,
		sem:   semaphore.NewWeighted(cfg.MaxConcurrent),
		newID: uuid.NewString,
	}, nil
}

// InFlight returns the number of signings currently holding artifacts.
func (c *Coordinator) InFlight() int64 {
	return c.inFlight.Load()
}

// WithRequest stages the CSR and the rendered profile under a fresh request
// id, calls fn, and returns the contents of the output file. The request
// directory is removed before WithRequest returns, whatever the outcome.
//
// Waiting for a signing slot honours ctx. Once artifacts exist the work is
// detached from ctx cancellation and bounded by the configured timeout
// instead, so a disconnected caller never leaves a half-finished signing.
func (c *Coordinator) WithRequest(ctx context.Context, req *csr.Request, profile *policy.Profile, validityDays int, fn SignFunc) ([]byte, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to stage invalid profile: %w", err)
	}

	metrics := telemetry.GetMetrics()

	waitStart := time.Now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for signing slot: %w", err)
	}
	defer c.sem.Release(1)
	metrics.SigningSlotWaitSeconds.Record(ctx, time.Since(waitStart).Seconds())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	id, err := c.allocate()
	if err != nil {
		return nil, err
	}

	c.inFlight.Add(1)
	metrics.SigningsInFlight.Add(ctx, 1)
	defer func() {
		c.release(id)
		c.inFlight.Add(-1)
		metrics.SigningsInFlight.Add(context.WithoutCancel(ctx), -1)
	}()

	if err := c.dir.WriteFile(id, CSRFile, req.PEM); err != nil {
		return nil, err
	}
	if err := c.dir.WriteFile(id, ExtFile, profile.Render()); err != nil {
		return nil, err
	}

	r := &Request{
		ID:           id,
		CSRPath:      c.dir.FilePath(id, CSRFile),
		ExtPath:      c.dir.FilePath(id, ExtFile),
		OutPath:      c.dir.FilePath(id, OutFile),
		Profile:      profile,
		ValidityDays: validityDays,
		dir:          c.dir,
	}

	if err := run(ctx, fn, r); err != nil {
		return nil, err
	}

	out, err := c.dir.ReadFile(id, OutFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: signing produced no output", ErrArtifactIO)
		}
		return nil, err
	}

	return out, nil
}

// allocate creates a request directory under a new random id. A collision
// with an existing directory draws a new id rather than sharing it.
func (c *Coordinator) allocate() (string, error) {
	const attempts = 3

	for range attempts {
		id := c.newID()
		err := c.dir.Create(id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrRequestExists) {
			return "", err
		}
		log.Warn().Str("request_id", id).Msg("Request id collision, drawing a new id")
	}

	return "", fmt.Errorf("%w: could not allocate a unique request id", ErrArtifactIO)
}

// release removes the request directory, retrying transient failures. A
// failure is logged and counted but never replaces the signing result; the
// sweeper reclaims anything left behind.
func (c *Coordinator) release(id string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		err := c.dir.Remove(id)
		if errors.Is(err, ErrInvalidRequestID) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.RemoveAttempts))
	if err != nil {
		telemetry.GetMetrics().ArtifactReleaseErrors.Add(context.Background(), 1)
		log.Error().Err(err).Str("request_id", id).Msg("Failed to release request artifacts")
	}
}

// run calls fn, turning a panic into an error so the deferred release still runs
// and the process survives.
func run(ctx context.Context, fn SignFunc, r *Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("request_id", r.ID).
				Str("panic", fmt.Sprint(p)).
				Bytes("stack", debug.Stack()).
				Msg("Signing function panicked")
			err = fmt.Errorf("%w: %v", ErrSigningPanic, p)
		}
	}()

	return fn(ctx, r)
}
