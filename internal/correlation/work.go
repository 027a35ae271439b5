package correlation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/dispatcher"
	"github.com/djlord-it/easyflow/internal/domain"
)

// DefaultCandidateLimit bounds how many rows one correlation pass examines.
const DefaultCandidateLimit = 100

// NewWork builds the work that correlates msg with the waiting events
// registered for its correlation key.
func NewWork(msg domain.MessageInstance) domain.WorkDescriptor {
	return domain.NewWorkDescriptor(domain.WorkTypeMessageCorrelation, msg.TenantID).
		With(domain.ParamMessageInstanceID, msg.ID.String())
}

// NewWaitingEventWork builds the work that looks for an unhandled message
// already sent for ev's correlation key.
func NewWaitingEventWork(ev domain.WaitingEvent) domain.WorkDescriptor {
	return domain.NewWorkDescriptor(domain.WorkTypeMessageCorrelation, ev.TenantID).
		With(domain.ParamWaitingEventID, ev.ID.String())
}

// Handler runs message-correlation work inside the work's transaction.
func (c *Correlator) Handler(limit int) dispatcher.Handler {
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	return dispatcher.NewHandler(domain.WorkTypeMessageCorrelation, true, func(ctx context.Context, work domain.WorkDescriptor) error {
		if _, ok := work.Lookup(domain.ParamWaitingEventID); ok {
			return c.correlateWaitingEvent(ctx, work.UUID(domain.ParamWaitingEventID), limit)
		}
		return c.correlateMessage(ctx, work.UUID(domain.ParamMessageInstanceID), limit)
	})
}

func (c *Correlator) correlateMessage(ctx context.Context, id uuid.UUID, limit int) error {
	msg, err := c.store.GetMessageInstanceForUpdate(ctx, id)
	if errors.Is(err, ErrNotFound) {
		c.logger.Debug("message instance vanished before correlation", "message", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read message instance %s: %w", id, err)
	}
	if msg.Handled {
		return nil
	}

	candidates, err := c.store.FindWaitingEvents(ctx, msg.TenantID, msg.Name, msg.CorrelationValues, limit)
	if err != nil {
		return fmt.Errorf("find waiting events: %w", err)
	}
	_, err = c.Correlate(ctx, msg, candidates)
	return err
}

// correlateWaitingEvent offers ev to the oldest unhandled matching messages
// until one is consumed.
func (c *Correlator) correlateWaitingEvent(ctx context.Context, id uuid.UUID, limit int) error {
	ev, err := c.store.GetWaitingEventForUpdate(ctx, id)
	if errors.Is(err, ErrNotFound) {
		c.logger.Debug("waiting event vanished before correlation", "waiting_event", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read waiting event %s: %w", id, err)
	}
	if !ev.Active {
		return nil
	}

	msgs, err := c.store.FindMessageInstances(ctx, ev.TenantID, ev.Name, ev.CorrelationValues, limit)
	if err != nil {
		return fmt.Errorf("find message instances: %w", err)
	}
	for _, msg := range msgs {
		res, err := c.Correlate(ctx, msg, []domain.WaitingEvent{ev})
		if err != nil {
			return err
		}
		if res.Triggered {
			return nil
		}
	}
	return nil
}

type WorkRegistrar interface {
	RegisterWork(ctx context.Context, work domain.WorkDescriptor) error
}

// WorkTrigger triggers catch events by registering execute-flow-node work,
// which only runs if the correlation transaction commits.
type WorkTrigger struct {
	Work WorkRegistrar
}

func (t WorkTrigger) TriggerCatchEvent(ctx context.Context, ev domain.WaitingEvent, messageID uuid.UUID) error {
	work := domain.NewWorkDescriptor(domain.WorkTypeExecuteFlowNode, ev.TenantID).
		With(domain.ParamFlowNodeID, ev.FlowNodeInstanceID.String()).
		With(domain.ParamWaitingEventID, ev.ID.String()).
		With(domain.ParamMessageInstanceID, messageID.String())
	return t.Work.RegisterWork(ctx, work)
}
