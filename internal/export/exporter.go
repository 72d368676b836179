// Package export copies recorded snapshots to an analytics sink in batches.
// The copy is best effort: a full queue drops snapshots rather than slowing
// down the write path.
package export

import (
	"context"
	"time"

	"metricsnap/internal/logger"
	"metricsnap/internal/models"
	"metricsnap/internal/monitoring"

	"golang.org/x/sync/errgroup"
)

// Writer receives batches of snapshots.
type Writer interface {
	InsertSnapshots(ctx context.Context, snapshots []models.Snapshot) error
}

// Config tunes batching and concurrency.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	Workers      int
	QueueSize    int
	// FlushTimeout bounds the final flush after Run's context is done.
	FlushTimeout time.Duration
}

// Exporter batches published snapshots and hands them to a Writer.
type Exporter struct {
	writer Writer
	cfg    Config
	queue  chan models.Snapshot
	log    *logger.Logger
}

// New creates an exporter. Call Run to start the workers.
func New(w Writer, cfg Config, log *logger.Logger) *Exporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	return &Exporter{
		writer: w,
		cfg:    cfg,
		queue:  make(chan models.Snapshot, cfg.QueueSize),
		log:    log.With("component", "Exporter"),
	}
}

// Publish enqueues s without blocking.
func (e *Exporter) Publish(s models.Snapshot) {
	select {
	case e.queue <- s:
		monitoring.QueueSize.WithLabelValues("export").Set(float64(len(e.queue)))
	default:
		monitoring.ExportDropped.Inc()
		e.log.Warn("export queue full, dropping snapshot", "id", s.ID, "definition_id", s.DefinitionID)
	}
}

// Pending returns the number of queued snapshots.
func (e *Exporter) Pending() int {
	return len(e.queue)
}

// Run starts the workers and blocks until ctx is done and every worker has
// flushed what it holds.
func (e *Exporter) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			e.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (e *Exporter) work(ctx context.Context) {
	batch := make([]models.Snapshot, 0, e.cfg.BatchSize)
	ticker := time.NewTicker(e.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		monitoring.ExportBatchSize.Observe(float64(len(batch)))
		if err := e.writer.InsertSnapshots(ctx, batch); err != nil {
			monitoring.ExportBatches.WithLabelValues("error").Inc()
			e.log.Error("Error exporting snapshots", "count", len(batch), "error", err)
		} else {
			monitoring.ExportBatches.WithLabelValues("success").Inc()
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			e.drain(&batch)
			flushCtx, cancel := context.WithTimeout(context.Background(), e.cfg.FlushTimeout)
			for len(batch) > 0 {
				n := len(batch)
				if n > e.cfg.BatchSize {
					n = e.cfg.BatchSize
				}
				rest := append([]models.Snapshot(nil), batch[n:]...)
				batch = batch[:n]
				flush(flushCtx)
				batch = rest
			}
			cancel()
			return
		case s := <-e.queue:
			monitoring.QueueSize.WithLabelValues("export").Set(float64(len(e.queue)))
			batch = append(batch, s)
			if len(batch) >= e.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// drain moves whatever is still queued into batch.
func (e *Exporter) drain(batch *[]models.Snapshot) {
	for {
		select {
		case s := <-e.queue:
			*batch = append(*batch, s)
		default:
			return
		}
	}
}
