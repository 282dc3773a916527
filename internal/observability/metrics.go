// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "imagepipe"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Instruments holds the pipeline's metric instruments.
type Instruments struct {
	// JobsProcessed counts jobs handled by a worker loop, by worker and outcome.
	JobsProcessed metric.Int64Counter
	// JobDuration records handler time per job in seconds.
	JobDuration metric.Float64Histogram
	// ImagesScanned counts images handled by the scan orchestrator, by outcome.
	ImagesScanned metric.Int64Counter
	// ImagesFlagged counts images marked for rebuild by the drift detector.
	ImagesFlagged metric.Int64Counter
}

// NewInstruments creates the instruments on the global meter provider.
// Call it after InitMetrics; before that the instruments are no-ops.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(meterName)

	processed, err := meter.Int64Counter("imagepipe.jobs.processed",
		metric.WithDescription("Jobs handled by a worker loop"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("imagepipe.jobs.duration",
		metric.WithDescription("Job handler duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	scanned, err := meter.Int64Counter("imagepipe.images.scanned",
		metric.WithDescription("Images handled by the scan orchestrator"))
	if err != nil {
		return nil, err
	}
	flagged, err := meter.Int64Counter("imagepipe.images.flagged",
		metric.WithDescription("Images marked for rebuild after an upstream package change"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		JobsProcessed: processed,
		JobDuration:   duration,
		ImagesScanned: scanned,
		ImagesFlagged: flagged,
	}, nil
}
