// Package backend signs staged certificate requests. Two engines are
// provided: Native signs in process through a pki.CASigner, OpenSSL runs
// "openssl x509 -req" as a child process. Both draw serial numbers from a
// store.SerialLedger so serials are never reused for a CA.
package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wolfeidau/csrsign/internal/artifact"
)

var (
	// ErrSigningFailed indicates the signing engine reported a failure
	ErrSigningFailed = errors.New("signing failed")
	// ErrSigningTimeout indicates the signing engine did not finish within the deadline
	ErrSigningTimeout = errors.New("signing timed out")
)

// maxDetailsLen bounds engine diagnostics returned to callers.
const maxDetailsLen = 4096

// Backend signs the CSR staged in req and writes the certificate to req.OutPath.
type Backend interface {
	Name() string
	Sign(ctx context.Context, req *artifact.Request) error
}

// Error is a signing failure with diagnostic text from the engine. Details
// never contain artifact paths.
type Error struct {
	Kind    error
	Details string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// failed builds a signing failure, classifying deadline expiry as a timeout.
// details must already be scrubbed.
func failed(ctx context.Context, details string, err error) error {
	kind := ErrSigningFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = ErrSigningTimeout
	}

	return &Error{
		Kind:    kind,
		Details: details,
		Err:     err,
	}
}

// scrubber replaces artifact and CA file paths with their base names.
func scrubber(req *artifact.Request, extra ...string) *strings.Replacer {
	var pairs []string
	for _, path := range append([]string{req.CSRPath, req.ExtPath, req.OutPath}, extra...) {
		if path != "" {
			pairs = append(pairs, path, filepath.Base(path))
		}
	}
	if req.CSRPath != "" {
		pairs = append(pairs, filepath.Dir(req.CSRPath), "<request>")
	}
	return strings.NewReplacer(pairs...)
}

// scrub removes paths from details and trims the text to a bounded size.
func scrub(r *strings.Replacer, details string) string {
	details = strings.TrimSpace(r.Replace(details))
	if len(details) > maxDetailsLen {
		details = details[:maxDetailsLen] + "..."
	}
	return details
}

// validityDays rejects a non-positive validity before it reaches an engine.
func validityDays(req *artifact.Request) (int, error) {
	if req.ValidityDays <= 0 {
		return 0, fmt.Errorf("validity must be at least one day, got %d", req.ValidityDays)
	}
	return req.ValidityDays, nil
}
