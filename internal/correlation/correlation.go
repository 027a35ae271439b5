// Package correlation pairs fired message instances with the waiting events
// that consume them, at most once per message and per waiting event.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/txn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a flag flip lost a race with another correlator.
	// The enclosing transaction must roll back.
	ErrConflict = errors.New("correlation conflict")
)

// Store reads and flips message and waiting event rows. Reads "for update"
// lock the row for the rest of the caller's transaction.
type Store interface {
	GetMessageInstanceForUpdate(ctx context.Context, id uuid.UUID) (domain.MessageInstance, error)
	GetWaitingEventForUpdate(ctx context.Context, id uuid.UUID) (domain.WaitingEvent, error)
	// MarkMessageHandled flips handled false->true; false when already handled.
	MarkMessageHandled(ctx context.Context, id uuid.UUID) (bool, error)
	// DeactivateWaitingEvent flips active true->false; false when already inactive.
	DeactivateWaitingEvent(ctx context.Context, id uuid.UUID) (bool, error)
	FindWaitingEvents(ctx context.Context, tenant domain.TenantID, name string, values []string, limit int) ([]domain.WaitingEvent, error)
	FindMessageInstances(ctx context.Context, tenant domain.TenantID, name string, values []string, limit int) ([]domain.MessageInstance, error)
}

// CatchEventTrigger continues the flow at the catch event of a waiting
// event. It runs inside the correlation transaction.
type CatchEventTrigger interface {
	TriggerCatchEvent(ctx context.Context, ev domain.WaitingEvent, messageID uuid.UUID) error
}

// MetricsSink counts correlation outcomes.
type MetricsSink interface {
	CorrelationMatched()
	CorrelationUnmatched()
	CandidateVanished()
}

// Result reports what Correlate did. WaitingEventID is set only when a catch
// event was triggered; Vanished counts candidates that no longer existed.
type Result struct {
	Triggered      bool
	WaitingEventID uuid.UUID
	Vanished       int
}

type Correlator struct {
	store   Store
	trigger CatchEventTrigger
	metrics MetricsSink // optional, nil = disabled
	logger  *slog.Logger
}

func New(store Store, trigger CatchEventTrigger, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		store:   store,
		trigger: trigger,
		logger:  logger.With("component", "correlation"),
	}
}

func (c *Correlator) WithMetrics(sink MetricsSink) *Correlator {
	c.metrics = sink
	return c
}

// Correlate matches msg with the first candidate that is still active when
// re-read. The candidates are the caller's snapshot; their state is never
// trusted. A candidate that no longer exists is skipped. A message that is
// already handled, or gone, is a no-op.
//
// On a match the catch event is triggered, then the message is marked
// handled and the waiting event deactivated, all in the transaction carried
// by ctx. Any error must roll that transaction back.
func (c *Correlator) Correlate(ctx context.Context, msg domain.MessageInstance, candidates []domain.WaitingEvent) (Result, error) {
	if _, err := txn.Active(ctx); err != nil {
		return Result{}, fmt.Errorf("correlate message %s: %w", msg.ID, err)
	}
	logger := c.logger.With("tenant", msg.TenantID, "message", msg.ID)

	current, err := c.store.GetMessageInstanceForUpdate(ctx, msg.ID)
	if errors.Is(err, ErrNotFound) {
		logger.Debug("message instance vanished")
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read message instance %s: %w", msg.ID, err)
	}
	if current.Handled {
		logger.Debug("message instance already handled")
		return Result{}, nil
	}

	var res Result
	for _, candidate := range candidates {
		ev, err := c.store.GetWaitingEventForUpdate(ctx, candidate.ID)
		if errors.Is(err, ErrNotFound) {
			logger.Debug("waiting event vanished", "waiting_event", candidate.ID)
			res.Vanished++
			if c.metrics != nil {
				c.metrics.CandidateVanished()
			}
			continue
		}
		if err != nil {
			return res, fmt.Errorf("read waiting event %s: %w", candidate.ID, err)
		}
		if !ev.Active {
			continue
		}
		if !ev.Matches(current) {
			logger.Debug("waiting event does not match message", "waiting_event", ev.ID)
			continue
		}

		if err := c.trigger.TriggerCatchEvent(ctx, ev, current.ID); err != nil {
			return res, fmt.Errorf("trigger catch event %s: %w", ev.FlowNodeInstanceID, err)
		}
		ok, err := c.store.MarkMessageHandled(ctx, current.ID)
		if err != nil {
			return res, fmt.Errorf("mark message %s handled: %w", current.ID, err)
		}
		if !ok {
			return res, fmt.Errorf("%w: message %s handled concurrently", ErrConflict, current.ID)
		}
		ok, err = c.store.DeactivateWaitingEvent(ctx, ev.ID)
		if err != nil {
			return res, fmt.Errorf("deactivate waiting event %s: %w", ev.ID, err)
		}
		if !ok {
			return res, fmt.Errorf("%w: waiting event %s consumed concurrently", ErrConflict, ev.ID)
		}

		res.Triggered = true
		res.WaitingEventID = ev.ID
		if c.metrics != nil {
			c.metrics.CorrelationMatched()
		}
		logger.Info("message correlated", "waiting_event", ev.ID, "flow_node", ev.FlowNodeInstanceID)
		return res, nil
	}

	if c.metrics != nil {
		c.metrics.CorrelationUnmatched()
	}
	logger.Debug("no active waiting event", "candidates", len(candidates), "vanished", res.Vanished)
	return res, nil
}
