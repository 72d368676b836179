package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Outcome labels for SnapshotsRecorded
const (
	OutcomeCreated    = "created"
	OutcomeSuperseded = "superseded"
)

var (
	// Snapshot store
	SnapshotsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsnap_snapshots_recorded_total",
			Help: "Total number of snapshots recorded, by created or superseded",
		},
		[]string{"outcome"},
	)

	ConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricsnap_conflict_retries_total",
			Help: "Total number of concurrent-write conflicts converted into retries",
		},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metricsnap_store_operation_duration_seconds",
			Help:    "Duration of snapshot store operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsnap_store_errors_total",
			Help: "Total number of snapshot store errors by kind",
		},
		[]string{"operation", "kind"},
	)

	// OTLP ingestion
	IngestedPoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsnap_ingested_points_total",
			Help: "Total number of OTLP data points handled by the collector",
		},
		[]string{"result"},
	)

	// ClickHouse export
	ExportBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsnap_export_batches_total",
			Help: "Total number of export batches sent to ClickHouse",
		},
		[]string{"status"},
	)

	ExportBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metricsnap_export_batch_size",
			Help:    "Size of snapshot batches sent to ClickHouse",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	ExportDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricsnap_export_dropped_total",
			Help: "Total number of snapshots dropped because the export queue was full",
		},
	)

	QueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metricsnap_queue_size",
			Help: "Current size of processing queues",
		},
		[]string{"queue"},
	)

	// HTTP API
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metricsnap_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"route", "status"},
	)
)

// InitTracing initializes OpenTelemetry tracing with an OTLP/gRPC exporter
func InitTracing(serviceName, serviceVersion, endpoint string, sampleRate float64) (func(context.Context) error, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// NewMetricsServer builds the Prometheus metrics HTTP server without starting it
func NewMetricsServer(port int, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// StartMetricsServer starts the Prometheus metrics HTTP server in the
// background. Serve errors are passed to onError when it is non-nil.
func StartMetricsServer(port int, path string, onError func(error)) *http.Server {
	srv := NewMetricsServer(port, path)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed && onError != nil {
			onError(err)
		}
	}()

	return srv
}

// HealthCheck serves liveness and readiness probes
type HealthCheck struct {
	ready atomic.Bool
}

// NewHealthCheck creates a health check that starts not ready
func NewHealthCheck() *HealthCheck {
	return &HealthCheck{}
}

// SetReady marks the service as ready or not
func (h *HealthCheck) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Ready reports the current readiness
func (h *HealthCheck) Ready() bool {
	return h.ready.Load()
}

// LivenessHandler handles liveness probe requests
func (h *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ReadinessHandler handles readiness probe requests
func (h *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Ready() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Not Ready"))
	}
}
