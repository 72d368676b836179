package export

import (
	"context"
	"fmt"
	"time"

	"metricsnap/internal/clickhouse"
	"metricsnap/internal/config"
	"metricsnap/internal/logger"
)

// Pipeline is a running exporter writing to ClickHouse.
type Pipeline struct {
	client   *clickhouse.Client
	exporter *Exporter
	cancel   context.CancelFunc
	done     chan error
}

// StartClickHouse connects to ClickHouse, ensures the snapshot table exists
// and starts the export workers.
func StartClickHouse(cfg *config.Config, log *logger.Logger) (*Pipeline, error) {
	client, err := clickhouse.NewClient(&cfg.ClickHouse)
	if err != nil {
		return nil, err
	}
	timeout := cfg.ClickHouse.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.EnsureSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create ClickHouse schema: %w", err)
	}

	exporter := New(client, Config{
		BatchSize:    cfg.Performance.BatchSize,
		BatchTimeout: cfg.Performance.BatchTimeout,
		Workers:      cfg.Performance.WorkerCount,
		QueueSize:    cfg.Performance.QueueSize,
		FlushTimeout: cfg.Server.ShutdownTimeout,
	}, log)

	runCtx, stop := context.WithCancel(context.Background())
	p := &Pipeline{client: client, exporter: exporter, cancel: stop, done: make(chan error, 1)}
	go func() { p.done <- exporter.Run(runCtx) }()

	log.Info("ClickHouse export started", "addresses", cfg.ClickHouse.Addresses, "table", client.Table())
	return p, nil
}

// Exporter returns the publisher to register on the snapshot store.
func (p *Pipeline) Exporter() *Exporter {
	return p.exporter
}

// Stop flushes queued snapshots and closes the connection.
func (p *Pipeline) Stop() error {
	p.cancel()
	err := <-p.done
	if cerr := p.client.Close(); err == nil {
		err = cerr
	}
	return err
}
