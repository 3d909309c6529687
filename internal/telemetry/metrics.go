package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/wolfeidau/csrsign"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Issuance metrics
	CertificatesIssuedTotal metric.Int64Counter
	IssueFailuresTotal      metric.Int64Counter
	SigningDuration         metric.Float64Histogram

	// Artifact metrics
	SigningsInFlight       metric.Int64UpDownCounter
	ArtifactReleaseErrors  metric.Int64Counter
	ArtifactsSweptTotal    metric.Int64Counter
	SigningSlotWaitSeconds metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// Tracer returns the tracer for signing spans.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	m := &Metrics{}

	m.CertificatesIssuedTotal, _ = meter.Int64Counter(
		"csrsign.certificates.issued.total",
		metric.WithDescription("Total number of certificates issued, by role and backend"),
		metric.WithUnit("{certificate}"),
	)

	m.IssueFailuresTotal, _ = meter.Int64Counter(
		"csrsign.issue.failures.total",
		metric.WithDescription("Total number of failed issue requests, by role and error kind"),
		metric.WithUnit("{error}"),
	)

	m.SigningDuration, _ = meter.Float64Histogram(
		"csrsign.signing.duration",
		metric.WithDescription("Duration of signing operations including artifact staging and release"),
		metric.WithUnit("ms"),
	)

	m.SigningsInFlight, _ = meter.Int64UpDownCounter(
		"csrsign.signings.in_flight",
		metric.WithDescription("Number of signing operations holding request artifacts"),
		metric.WithUnit("{signing}"),
	)

	m.ArtifactReleaseErrors, _ = meter.Int64Counter(
		"csrsign.artifacts.release.errors.total",
		metric.WithDescription("Total number of request artifact directories that could not be removed"),
		metric.WithUnit("{error}"),
	)

	m.ArtifactsSweptTotal, _ = meter.Int64Counter(
		"csrsign.artifacts.swept.total",
		metric.WithDescription("Total number of leftover request artifact directories removed by the sweeper"),
		metric.WithUnit("{directory}"),
	)

	m.SigningSlotWaitSeconds, _ = meter.Float64Histogram(
		"csrsign.signing.slot_wait.duration",
		metric.WithDescription("Time spent waiting for a concurrent signing slot"),
		metric.WithUnit("s"),
	)

	return m
}
