// Package dispatcher turns registered work into executed units of work.
//
// Work registered with RegisterWork is held on the caller's transaction and
// handed to the queue only after that transaction commits, so asynchronous
// side effects never start for a business transaction that rolled back.
// Workers take work off the queue and run each item inside its own
// transaction and session (see Process).
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/session"
	"github.com/djlord-it/easyflow/internal/txn"
)

var (
	// ErrWorkRegister is returned when RegisterWork is called without an
	// active transaction. It is a programming error.
	ErrWorkRegister = errors.New("work register: no active transaction")

	ErrStopped                    = errors.New("dispatcher is stopped")
	ErrImmediateExecutionDisabled = errors.New("immediate work execution is disabled")
	ErrUnknownWorkType            = errors.New("unknown work type")
	ErrWorkPanicked               = errors.New("work panicked")
	ErrAlreadyClaimed             = errors.New("work already claimed")
)

// Outcome labels for metrics and analytics.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// WorkError wraps the failure of a single work item.
type WorkError struct {
	WorkID   uuid.UUID
	WorkType string
	TenantID domain.TenantID
	Err      error
}

func (e *WorkError) Error() string {
	return fmt.Sprintf("work %s (%s, tenant %d): %v", e.WorkID, e.WorkType, e.TenantID, e.Err)
}

func (e *WorkError) Unwrap() error { return e.Err }

// Handler executes one type of work.
type Handler interface {
	Type() string
	// Transactional reports whether the work body runs inside a transaction.
	Transactional() bool
	Execute(ctx context.Context, work domain.WorkDescriptor) error
}

// NewHandler adapts a function to Handler.
func NewHandler(workType string, transactional bool, fn func(ctx context.Context, work domain.WorkDescriptor) error) Handler {
	return &funcHandler{workType: workType, transactional: transactional, fn: fn}
}

type funcHandler struct {
	workType      string
	transactional bool
	fn            func(ctx context.Context, work domain.WorkDescriptor) error
}

func (h *funcHandler) Type() string        { return h.workType }
func (h *funcHandler) Transactional() bool { return h.transactional }
func (h *funcHandler) Execute(ctx context.Context, work domain.WorkDescriptor) error {
	return h.fn(ctx, work)
}

type TransactionManager interface {
	Begin(ctx context.Context) (context.Context, *txn.Transaction, error)
	Complete(ctx context.Context, tx *txn.Transaction) error
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type SessionProvider interface {
	Create(ctx context.Context, tenant domain.TenantID, principal string) (session.Session, error)
	Destroy(ctx context.Context, id uuid.UUID) error
}

// Queue carries committed work to the workers.
type Queue interface {
	Emit(ctx context.Context, work domain.WorkDescriptor) error
	Channel() <-chan domain.WorkDescriptor
}

// ClaimStore records which node executes which work so that work held by a
// dead node can be re-claimed.
type ClaimStore interface {
	// ClaimWork returns ErrAlreadyClaimed when another live claim exists.
	ClaimWork(ctx context.Context, node string, work domain.WorkDescriptor) error
	ReleaseWork(ctx context.Context, workID uuid.UUID) error
	AbandonNode(ctx context.Context, node string) (int, error)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	WorkRegistered(deferred bool)
	WorkDiscarded(count int)
	WorkCompleted(workType, outcome string, duration time.Duration)
	WorkInFlightIncr()
	WorkInFlightDecr()
}

type AnalyticsSink interface {
	Record(ctx context.Context, work domain.WorkDescriptor, outcome string)
}

type Config struct {
	Workers      int
	NodeName     string
	Principal    string // technical identity the work sessions run as
	DrainTimeout time.Duration
	// AllowImmediate enables ExecuteWork, which bypasses the commit gate.
	AllowImmediate bool
}

// DefaultDrainTimeout is the maximum time to wait for buffered work during shutdown.
const DefaultDrainTimeout = 30 * time.Second

type Dispatcher struct {
	config    Config
	tx        TransactionManager
	sessions  SessionProvider
	queue     Queue
	handlers  map[string]Handler
	claims    ClaimStore    // optional, nil = no cluster claims
	metrics   MetricsSink   // optional, nil = disabled
	analytics AnalyticsSink // optional, nil = disabled
	onFailure func(work domain.WorkDescriptor, err error)
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingWork // by transaction ID
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

const tracerName = "github.com/djlord-it/easyflow/internal/dispatcher"

func New(config Config, tx TransactionManager, sessions SessionProvider, queue Queue, logger *slog.Logger) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Principal == "" {
		config.Principal = "system"
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		config:   config,
		tx:       tx,
		sessions: sessions,
		queue:    queue,
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "dispatcher"),
		tracer:   otel.Tracer(tracerName),
		pending:  make(map[uuid.UUID]*pendingWork),
	}
	d.stopped.Store(true)
	return d
}

// WithHandler registers h for its work type, replacing any previous one.
func (d *Dispatcher) WithHandler(h Handler) *Dispatcher {
	d.handlers[h.Type()] = h
	return d
}

func (d *Dispatcher) WithClaims(store ClaimStore) *Dispatcher {
	d.claims = store
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithTracerProvider replaces the global tracer provider for work spans.
func (d *Dispatcher) WithTracerProvider(tp trace.TracerProvider) *Dispatcher {
	d.tracer = tp.Tracer(tracerName)
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithFailureHandler installs a callback invoked with every work failure,
// after it has been logged.
func (d *Dispatcher) WithFailureHandler(fn func(work domain.WorkDescriptor, err error)) *Dispatcher {
	d.onFailure = fn
	return d
}

// Start spawns the worker pool. Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.stopped.Store(false)

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx, i)
	}

	d.logger.Info("started", "workers", d.config.Workers, "node", d.config.NodeName)
	return nil
}

// Stop stops accepting work and waits for the workers. In-flight work runs
// to completion and buffered work is drained up to the drain timeout.
// Stop is idempotent; a stopped dispatcher can be started again.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.stopped.Store(true)
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.logger.Info("stopped")
}

func (d *Dispatcher) IsStopped() bool {
	return d.stopped.Load()
}

// RegisterWork defers work until the transaction carried by ctx commits.
// Work registered on a transaction that rolls back is discarded.
func (d *Dispatcher) RegisterWork(ctx context.Context, work domain.WorkDescriptor) error {
	tx, err := txn.Active(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s (%s)", ErrWorkRegister, work.ID, work.Type)
	}
	if d.IsStopped() {
		return fmt.Errorf("register work %s: %w", work.ID, ErrStopped)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[tx.ID()]
	if !ok {
		p = &pendingWork{d: d, txID: tx.ID()}
		if err := tx.RegisterSynchronization(p); err != nil {
			return fmt.Errorf("register work %s: %w", work.ID, err)
		}
		d.pending[tx.ID()] = p
	}
	p.works = append(p.works, work)

	if d.metrics != nil {
		d.metrics.WorkRegistered(true)
	}
	return nil
}

// ExecuteWork hands work to the queue immediately, bypassing the commit
// gate. It is only available when Config.AllowImmediate is set.
func (d *Dispatcher) ExecuteWork(ctx context.Context, work domain.WorkDescriptor) error {
	if !d.config.AllowImmediate {
		return ErrImmediateExecutionDisabled
	}
	if d.IsStopped() {
		return fmt.Errorf("execute work %s: %w", work.ID, ErrStopped)
	}
	if d.metrics != nil {
		d.metrics.WorkRegistered(false)
	}
	return d.queue.Emit(ctx, work)
}

// RemoveSynchronization drops the work registered on the transaction carried
// by ctx that has not been dispatched yet. Used when the transaction is known
// to be aborting.
func (d *Dispatcher) RemoveSynchronization(ctx context.Context) {
	tx, ok := txn.FromContext(ctx)
	if !ok {
		return
	}

	d.mu.Lock()
	p, ok := d.pending[tx.ID()]
	if ok {
		delete(d.pending, tx.ID())
	}
	var dropped int
	if p != nil {
		dropped = len(p.works)
		p.works = nil
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	tx.RemoveSynchronization(p)
	if d.metrics != nil && dropped > 0 {
		d.metrics.WorkDiscarded(dropped)
	}
	d.logger.Debug("removed pending work", "tx", tx.ID(), "count", dropped)
}

// NotifyNodeStopped marks work claimed by node as abandoned so that it can be
// re-claimed by surviving nodes. It does not interrupt anything.
func (d *Dispatcher) NotifyNodeStopped(ctx context.Context, node string) (int, error) {
	if d.claims == nil {
		d.logger.Debug("node stopped notification ignored, no claim store", "node", node)
		return 0, nil
	}
	n, err := d.claims.AbandonNode(ctx, node)
	if err != nil {
		return 0, fmt.Errorf("abandon work of node %s: %w", node, err)
	}
	d.logger.Info("abandoned work of stopped node", "node", node, "count", n)
	return n, nil
}

// pendingWork is the per-transaction queue of registered work.
type pendingWork struct {
	d     *Dispatcher
	txID  uuid.UUID
	works []domain.WorkDescriptor
}

func (p *pendingWork) AfterCompletion(ctx context.Context, status txn.Status) {
	d := p.d

	d.mu.Lock()
	if d.pending[p.txID] == p {
		delete(d.pending, p.txID)
	}
	works := p.works
	p.works = nil
	d.mu.Unlock()

	if len(works) == 0 {
		return
	}

	if status != txn.StatusCommitted {
		d.logger.Debug("discarding work of rolled back transaction", "tx", p.txID, "count", len(works))
		if d.metrics != nil {
			d.metrics.WorkDiscarded(len(works))
		}
		return
	}
	if d.IsStopped() {
		d.logger.Warn("dispatcher stopped, discarding committed work", "tx", p.txID, "count", len(works))
		if d.metrics != nil {
			d.metrics.WorkDiscarded(len(works))
		}
		return
	}

	emitCtx := context.WithoutCancel(ctx)
	for _, work := range works {
		if err := d.queue.Emit(emitCtx, work); err != nil {
			d.logger.Error("failed to dispatch committed work",
				"work_id", work.ID, "work_type", work.Type, "tenant", work.TenantID, "error", err)
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	defer d.wg.Done()

	ch := d.queue.Channel()
	for {
		select {
		case <-ctx.Done():
			d.drain(ch, n)
			return
		case work, ok := <-ch:
			if !ok {
				d.queueClosed(ctx, n)
				return
			}
			// In-flight work is never aborted by Stop.
			_ = d.Process(context.WithoutCancel(ctx), work)
		}
	}
}

// queueClosed marks the dispatcher stopped when its queue went away while it
// was still running, so health checks stop reporting it ready.
func (d *Dispatcher) queueClosed(ctx context.Context, n int) {
	if ctx.Err() != nil {
		return
	}
	if d.stopped.CompareAndSwap(false, true) {
		d.logger.Error("work queue closed, dispatcher stopped", "worker", n)
	}
}

// drain processes work left in the queue buffer after shutdown signal.
// Uses a background context since the worker context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.WorkDescriptor, n int) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.config.DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				d.logger.Warn("drain timeout", "worker", n, "processed", count)
			}
			return
		case work, ok := <-ch:
			if !ok {
				d.logger.Debug("drain complete, queue closed", "worker", n, "processed", count)
				return
			}
			_ = d.Process(drainCtx, work)
			count++
		default:
			if count > 0 {
				d.logger.Info("drain complete", "worker", n, "processed", count)
			}
			return
		}
	}
}
