package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"metricsnap/internal/config"
	"metricsnap/internal/export"
	"metricsnap/internal/logger"
	"metricsnap/internal/monitoring"
	"metricsnap/internal/snapshot"
	"metricsnap/internal/storage"

	"github.com/gorilla/mux"
)

const (
	serviceName    = "metricsnap-api"
	serviceVersion = "1.0.0"

	maxBodyBytes = 1 << 20
)

// SnapshotService exposes the snapshot store over HTTP
type SnapshotService struct {
	config      *config.Config
	store       *snapshot.Store
	healthCheck *monitoring.HealthCheck
	log         *logger.Logger
}

// NewSnapshotService creates a new service instance
func NewSnapshotService(cfg *config.Config, store *snapshot.Store, log *logger.Logger) *SnapshotService {
	return &SnapshotService{
		config:      cfg,
		store:       store,
		healthCheck: monitoring.NewHealthCheck(),
		log:         log.With("component", "SnapshotService"),
	}
}

// Router wires every route
func (s *SnapshotService) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(instrument)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/snapshots", s.RecordSnapshot).Methods("POST")
	api.HandleFunc("/snapshots/lookup", s.LookupSnapshot).Methods("POST")
	api.HandleFunc("/snapshots/query", s.QuerySnapshots).Methods("POST")
	api.HandleFunc("/snapshots/{id}", s.GetSnapshot).Methods("GET")
	api.HandleFunc("/snapshots/{id}/definition", s.GetSnapshotDefinition).Methods("GET")
	api.HandleFunc("/snapshots/{id}/validated", s.MarkValidated).Methods("PUT")
	api.HandleFunc("/definitions/{id}", s.PutDefinition).Methods("PUT")
	api.HandleFunc("/definitions/{id}", s.GetDefinition).Methods("GET")

	router.HandleFunc(s.config.Monitoring.HealthCheckPath, s.healthCheck.LivenessHandler).Methods("GET")
	router.HandleFunc(s.config.Monitoring.ReadyCheckPath, s.healthCheck.ReadinessHandler).Methods("GET")
	return router
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

	service := NewSnapshotService(cfg, store, lg)
	service.healthCheck.SetReady(true)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      service.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		lg.Info("Snapshot API server started", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("Server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	lg.Info("Shutting down gracefully...")
	service.healthCheck.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		lg.Error("Server shutdown error", "error", err)
	}
	if pipeline != nil {
		if err := pipeline.Stop(); err != nil {
			lg.Error("Exporter shutdown error", "error", err)
		}
	}

	lg.Info("Shutdown complete")
}
