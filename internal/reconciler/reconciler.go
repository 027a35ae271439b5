// Package reconciler re-dispatches work stranded on stopped nodes.
//
// When a node is reported stopped its claims become abandoned. The reconciler
// periodically reclaims abandoned work and puts it back on the work queue.
// Requeued claims that no dispatcher picked up within the threshold are
// reclaimed again. Duplicate delivery is harmless: a dispatcher skips work
// whose claim is already held.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/djlord-it/easyflow/internal/domain"
)

// Store returns abandoned work and marks it requeued.
type Store interface {
	ReclaimAbandoned(ctx context.Context, staleBefore time.Time, limit int) ([]domain.WorkDescriptor, error)
}

// Queue hands reclaimed work to the local dispatcher.
type Queue interface {
	Emit(ctx context.Context, work domain.WorkDescriptor) error
}

type MetricsSink interface {
	WorkReclaimed(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 1 minute.
	Interval time.Duration

	// Threshold is how long a requeued claim may wait before it is
	// reclaimed again.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of work items reclaimed per cycle.
	// Default: 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config  Config
	store   Store
	queue   Queue
	metrics MetricsSink
	logger  *slog.Logger
	clock   func() time.Time
}

func New(config Config, store Store, queue Queue, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		config: config,
		store:  store,
		queue:  queue,
		logger: logger.With("component", "reconciler"),
		clock:  time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("started",
		"interval", r.config.Interval, "threshold", r.config.Threshold, "batch", r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle reclaims one batch and returns how many work items were re-emitted.
func (r *Reconciler) RunCycle(ctx context.Context) int {
	staleBefore := r.clock().UTC().Add(-r.config.Threshold)

	works, err := r.store.ReclaimAbandoned(ctx, staleBefore, r.config.BatchSize)
	if err != nil {
		// Retried next interval.
		r.logger.Error("failed to reclaim abandoned work", "error", err)
		return 0
	}
	if len(works) == 0 {
		return 0
	}

	r.logger.Info("reclaimed abandoned work", "count", len(works))
	if r.metrics != nil {
		r.metrics.WorkReclaimed(len(works))
	}

	emitted, failed := 0, 0
	for _, w := range works {
		if ctx.Err() != nil {
			r.logger.Warn("cycle interrupted", "processed", emitted+failed, "total", len(works))
			return emitted
		}

		// A failed emit leaves the claim requeued; it is picked up again once
		// the threshold passes.
		if err := r.queue.Emit(ctx, w); err != nil {
			r.logger.Error("failed to re-emit work",
				"work_id", w.ID, "work_type", w.Type, "tenant", w.TenantID, "error", err)
			failed++
			continue
		}
		r.logger.Debug("re-emitted work", "work_id", w.ID, "work_type", w.Type, "tenant", w.TenantID)
		emitted++
	}

	r.logger.Info("cycle complete", "re_emitted", emitted, "failed", failed)
	return emitted
}
