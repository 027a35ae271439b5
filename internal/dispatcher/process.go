package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/session"
	"github.com/djlord-it/easyflow/internal/txn"
)

// Process executes a single work item. Workers call it for every item taken
// off the queue; it is exported for the worker node binary and for tests.
//
// The returned error has already been logged and passed to the failure
// handler; callers need not report it again.
func (d *Dispatcher) Process(ctx context.Context, work domain.WorkDescriptor) error {
	if d.metrics != nil {
		d.metrics.WorkInFlightIncr()
		defer d.metrics.WorkInFlightDecr()
	}

	ctx, span := d.tracer.Start(ctx, "work "+work.Type, trace.WithAttributes(
		attribute.String("work.id", work.ID.String()),
		attribute.String("work.type", work.Type),
		attribute.Int64("tenant.id", int64(work.TenantID)),
	))
	defer span.End()

	logger := d.logger.With("work_id", work.ID, "work_type", work.Type, "tenant", work.TenantID)
	start := time.Now()

	if d.claims != nil {
		if err := d.claims.ClaimWork(ctx, d.config.NodeName, work); err != nil {
			if errors.Is(err, ErrAlreadyClaimed) {
				logger.Debug("work claimed elsewhere, skipping")
				d.record(ctx, work, OutcomeSkipped, time.Since(start))
				return nil
			}
			return d.fail(ctx, span, logger, work, fmt.Errorf("claim: %w", err), start)
		}
		defer func() {
			if err := d.claims.ReleaseWork(context.WithoutCancel(ctx), work.ID); err != nil {
				logger.Warn("failed to release work claim", "error", err)
			}
		}()
	}

	handler, ok := d.handlers[work.Type]
	if !ok {
		return d.fail(ctx, span, logger, work, fmt.Errorf("%w: %q", ErrUnknownWorkType, work.Type), start)
	}

	if err := d.execute(ctx, logger, handler, work); err != nil {
		return d.fail(ctx, span, logger, work, err, start)
	}

	logger.Debug("work completed", "duration", time.Since(start))
	d.record(ctx, work, OutcomeSuccess, time.Since(start))
	return nil
}

// execute runs the handler inside a session, and inside a transaction when
// the handler is transactional:
//
//  1. begin a transaction (non-transactional work gets a short one used only
//     to create the session)
//  2. create a session for the work's tenant and the technical principal
//  3. run the work body with the session bound to the context
//  4. on failure mark the transaction rollback-only
//  5. commit or roll back, then destroy the session
//
// A failure to destroy the session is logged and never replaces the
// work's own error.
func (d *Dispatcher) execute(ctx context.Context, logger *slog.Logger, h Handler, work domain.WorkDescriptor) (err error) {
	var (
		tx    *txn.Transaction
		txCtx = ctx
		sess  session.Session
	)

	if h.Transactional() {
		txCtx, tx, err = d.tx.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		sess, err = d.sessions.Create(txCtx, work.TenantID, d.config.Principal)
		if err != nil {
			tx.SetRollbackOnly()
			if cerr := d.tx.Complete(txCtx, tx); cerr != nil {
				logger.Error("rollback after session failure failed", "error", cerr)
			}
			return fmt.Errorf("create session: %w", err)
		}
	} else {
		err = d.tx.InTransaction(ctx, func(ctx context.Context) error {
			var cerr error
			sess, cerr = d.sessions.Create(ctx, work.TenantID, d.config.Principal)
			return cerr
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}

	defer func() {
		if tx != nil {
			if cerr := d.tx.Complete(txCtx, tx); cerr != nil {
				if err == nil {
					err = fmt.Errorf("complete transaction: %w", cerr)
				} else {
					logger.Error("transaction completion failed after work failure", "error", cerr)
				}
			}
		}
		if derr := d.sessions.Destroy(context.WithoutCancel(ctx), sess.ID); derr != nil {
			logger.Error("failed to destroy work session", "session", sess.ID, "error", derr)
		}
	}()

	if err = d.invoke(session.WithSession(txCtx, sess), h, work); err != nil {
		if tx != nil {
			tx.SetRollbackOnly()
		}
		return err
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, work domain.WorkDescriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkPanicked, r)
		}
	}()
	return h.Execute(ctx, work)
}

func (d *Dispatcher) fail(ctx context.Context, span trace.Span, logger *slog.Logger, work domain.WorkDescriptor, err error, start time.Time) error {
	werr := &WorkError{WorkID: work.ID, WorkType: work.Type, TenantID: work.TenantID, Err: err}

	span.RecordError(werr)
	span.SetStatus(codes.Error, err.Error())
	logger.Error("work failed", "duration", time.Since(start), "error", werr)
	d.record(ctx, work, OutcomeFailed, time.Since(start))

	if d.onFailure != nil {
		d.onFailure(work, werr)
	}
	return werr
}

func (d *Dispatcher) record(ctx context.Context, work domain.WorkDescriptor, outcome string, duration time.Duration) {
	if d.metrics != nil {
		d.metrics.WorkCompleted(work.Type, outcome, duration)
	}
	if d.analytics != nil {
		d.analytics.Record(ctx, work, outcome)
	}
}
