package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"metricsnap/internal/config"
	"metricsnap/internal/export"
	"metricsnap/internal/logger"
	"metricsnap/internal/models"
	"metricsnap/internal/monitoring"
	"metricsnap/internal/snapshot"
	"metricsnap/internal/storage"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
)

const (
	serviceName    = "metricsnap-collector"
	serviceVersion = "1.0.0"
)

// Recorder is the part of the snapshot store the collector needs
type Recorder interface {
	RecordSnapshot(ctx context.Context, req snapshot.RecordRequest) (*models.Snapshot, error)
}

// MetricsCollector receives OTLP metrics and queues their data points
type MetricsCollector struct {
	colmetricspb.UnimplementedMetricsServiceServer
	jobs         chan snapshot.RecordRequest
	enqueueAfter time.Duration
	log          *logger.Logger
}

// Collector turns queued data points into recorded snapshots
type Collector struct {
	metrics     *MetricsCollector
	recorder    Recorder
	config      *config.Config
	healthCheck *monitoring.HealthCheck
	log         *logger.Logger
}

// NewCollector creates a new collector instance
func NewCollector(cfg *config.Config, recorder Recorder, log *logger.Logger) *Collector {
	return &Collector{
		metrics: &MetricsCollector{
			jobs:         make(chan snapshot.RecordRequest, cfg.Performance.QueueSize),
			enqueueAfter: 100 * time.Millisecond,
			log:          log.With("component", "MetricsCollector"),
		},
		recorder:    recorder,
		config:      cfg,
		healthCheck: monitoring.NewHealthCheck(),
		log:         log.With("component", "Collector"),
	}
}

// Export implements MetricsServiceServer. Points that cannot be converted or
// queued are reported through partial success; they never fail the request.
func (mc *MetricsCollector) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	conv := convertRequest(req)
	monitoring.IngestedPoints.WithLabelValues("ignored").Add(float64(conv.Ignored))

	var reasons []string
	for _, rej := range conv.Rejected {
		monitoring.IngestedPoints.WithLabelValues("rejected").Inc()
		mc.log.Debug("data point rejected", "metric", rej.Metric, "reason", rej.Reason)
		reasons = append(reasons, rej.Error())
	}
	rejected := int64(len(conv.Rejected))

	for _, r := range conv.Requests {
		select {
		case mc.jobs <- r:
			monitoring.IngestedPoints.WithLabelValues("queued").Inc()
			monitoring.QueueSize.WithLabelValues("ingest").Set(float64(len(mc.jobs)))
		case <-ctx.Done():
			return nil, status.Error(codes.Canceled, ctx.Err().Error())
		case <-time.After(mc.enqueueAfter):
			monitoring.IngestedPoints.WithLabelValues("dropped").Inc()
			mc.log.Warn("ingest queue full, dropping data point", "metric", r.DefinitionID)
			reasons = append(reasons, fmt.Sprintf("metric %s: ingest queue full", r.DefinitionID))
			rejected++
		}
	}

	resp := &colmetricspb.ExportMetricsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &colmetricspb.ExportMetricsPartialSuccess{
			RejectedDataPoints: rejected,
			ErrorMessage:       firstReasons(reasons, 5),
		}
	}
	return resp, nil
}

func firstReasons(reasons []string, n int) string {
	if len(reasons) > n {
		return strings.Join(reasons[:n], "; ") + fmt.Sprintf("; and %d more", len(reasons)-n)
	}
	return strings.Join(reasons, "; ")
}

// Run starts the worker pool and blocks until ctx is done and the queue has
// been drained.
func (c *Collector) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < c.config.Performance.WorkerCount; i++ {
		g.Go(func() error {
			c.processPoints(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (c *Collector) processPoints(ctx context.Context) {
	// An accepted point is finished even if shutdown starts meanwhile, but
	// only until the shutdown timeout runs out.
	recordCtx, cancel := c.shutdownBounded(ctx)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			c.drain(recordCtx)
			return
		case req := <-c.metrics.jobs:
			monitoring.QueueSize.WithLabelValues("ingest").Set(float64(len(c.metrics.jobs)))
			c.record(recordCtx, req)
		}
	}
}

// shutdownBounded returns a context that outlives ctx by the shutdown timeout.
func (c *Collector) shutdownBounded(ctx context.Context) (context.Context, context.CancelFunc) {
	bounded, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.AfterFunc(c.config.Server.ShutdownTimeout, cancel)
		context.AfterFunc(bounded, func() { timer.Stop() })
	})
	return bounded, func() {
		stop()
		cancel()
	}
}

// drain records whatever is still queued until ctx is done.
func (c *Collector) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case req := <-c.metrics.jobs:
			c.record(ctx, req)
		default:
			return
		}
	}
}

// record stores one point, retrying transient store failures with
// exponential backoff. Validation failures are final.
func (c *Collector) record(ctx context.Context, req snapshot.RecordRequest) {
	perf := c.config.Performance
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = perf.RetryInitialInterval
	b.MaxInterval = perf.RetryMaxInterval
	b.MaxElapsedTime = 0
	attempts := perf.RetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithMaxRetries(b, uint64(attempts-1))

	err := backoff.Retry(func() error {
		_, err := c.recorder.RecordSnapshot(ctx, req)
		if err == nil || snapshot.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))

	switch {
	case err == nil:
		monitoring.IngestedPoints.WithLabelValues("recorded").Inc()
	case snapshot.IsValidation(err):
		monitoring.IngestedPoints.WithLabelValues("invalid").Inc()
		c.log.Warn("data point failed validation", "metric", req.DefinitionID, "error", err)
	default:
		monitoring.IngestedPoints.WithLabelValues("failed").Inc()
		c.log.Error("Error recording snapshot", "metric", req.DefinitionID, "error", err)
	}
}

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.Monitoring.LogFormat, cfg.Monitoring.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	shutdown, err := monitoring.InitTracing(serviceName, serviceVersion, cfg.Monitoring.OTLPEndpoint, cfg.Monitoring.TraceSampleRate)
	if err != nil {
		lg.Fatal("Failed to initialize tracing", "error", err)
	}
	defer shutdown(context.Background())

	metricsServer := monitoring.StartMetricsServer(cfg.Monitoring.MetricsPort, cfg.Monitoring.MetricsPath, func(err error) {
		lg.Error("Metrics server error", "error", err)
	})
	defer metricsServer.Shutdown(context.Background())

	backend, err := storage.Open(cfg.Storage, lg)
	if err != nil {
		lg.Fatal("Failed to open snapshot storage", "error", err)
	}
	defer backend.Close()

	store := snapshot.NewStore(backend, backend, snapshot.Config{
		MaxAttempts: cfg.Performance.ConflictRetryAttempts,
		Timeout:     cfg.Performance.StoreTimeout,
	}, lg)

	var pipeline *export.Pipeline
	if cfg.ClickHouse.Enabled {
		pipeline, err = export.StartClickHouse(cfg, lg)
		if err != nil {
			lg.Fatal("Failed to start ClickHouse export", "error", err)
		}
		store.SetPublisher(pipeline.Exporter())
	}

	collector := NewCollector(cfg, store, lg)
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	ingestDone := make(chan error, 1)
	go func() { ingestDone <- collector.Run(ingestCtx) }()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.OTLP.GRPCPort))
	if err != nil {
		lg.Fatal("Failed to listen", "error", err)
	}

	grpcServer := grpc.NewServer(grpc.MaxRecvMsgSize(cfg.OTLP.MaxRecvMsgSizeMB * 1024 * 1024))
	colmetricspb.RegisterMetricsServiceServer(grpcServer, collector.metrics)
	reflection.Register(grpcServer)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc(cfg.Monitoring.HealthCheckPath, collector.healthCheck.LivenessHandler)
	healthMux.HandleFunc(cfg.Monitoring.ReadyCheckPath, collector.healthCheck.ReadinessHandler)
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: healthMux,
	}

	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("Health server error", "error", err)
		}
	}()

	collector.healthCheck.SetReady(true)
	lg.Info("OTLP metrics collector started", "port", cfg.OTLP.GRPCPort, "storage", cfg.Storage.Driver)

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			lg.Fatal("Failed to serve", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	lg.Info("Shutting down gracefully...")
	collector.healthCheck.SetReady(false)
	grpcServer.GracefulStop()

	// Queued points are recorded before the exporter flushes.
	stopIngest()
	if err := <-ingestDone; err != nil {
		lg.Error("Collector shutdown error", "error", err)
	}
	if pipeline != nil {
		if err := pipeline.Stop(); err != nil {
			lg.Error("Exporter shutdown error", "error", err)
		}
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	_ = healthServer.Shutdown(shutdownCtx)
	lg.Info("Shutdown complete")
}
