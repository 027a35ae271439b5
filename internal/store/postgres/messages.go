package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/easyflow/internal/correlation"
	"github.com/djlord-it/easyflow/internal/domain"
)

type messageRow struct {
	ID                uuid.UUID      `db:"id"`
	TenantID          int64          `db:"tenant_id"`
	Name              string         `db:"name"`
	CorrelationValues pq.StringArray `db:"correlation_values"`
	Handled           bool           `db:"handled"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (r messageRow) toDomain() domain.MessageInstance {
	return domain.MessageInstance{
		ID:                r.ID,
		TenantID:          domain.TenantID(r.TenantID),
		Name:              r.Name,
		CorrelationValues: []string(r.CorrelationValues),
		Handled:           r.Handled,
		CreatedAt:         r.CreatedAt,
	}
}

type waitingEventRow struct {
	ID                 uuid.UUID      `db:"id"`
	TenantID           int64          `db:"tenant_id"`
	Name               string         `db:"name"`
	CorrelationValues  pq.StringArray `db:"correlation_values"`
	FlowNodeInstanceID uuid.UUID      `db:"flow_node_instance_id"`
	Active             bool           `db:"active"`
	CreatedAt          time.Time      `db:"created_at"`
}

func (r waitingEventRow) toDomain() domain.WaitingEvent {
	return domain.WaitingEvent{
		ID:                 r.ID,
		TenantID:           domain.TenantID(r.TenantID),
		Name:               r.Name,
		CorrelationValues:  []string(r.CorrelationValues),
		FlowNodeInstanceID: r.FlowNodeInstanceID,
		Active:             r.Active,
		CreatedAt:          r.CreatedAt,
	}
}

// correlationArray never yields NULL, which would match nothing.
func correlationArray(values []string) pq.StringArray {
	if values == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(values)
}

func (s *Store) SaveMessageInstance(ctx context.Context, msg domain.MessageInstance) error {
	_, err := s.exec(ctx, queryInsertMessage,
		msg.ID, int64(msg.TenantID), msg.Name, correlationArray(msg.CorrelationValues), msg.Handled, msg.CreatedAt)
	return err
}

func (s *Store) SaveWaitingEvent(ctx context.Context, ev domain.WaitingEvent) error {
	_, err := s.exec(ctx, queryInsertWaitingEvent,
		ev.ID, int64(ev.TenantID), ev.Name, correlationArray(ev.CorrelationValues), ev.FlowNodeInstanceID, ev.Active, ev.CreatedAt)
	return err
}

func (s *Store) DeleteWaitingEvent(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.exec(ctx, queryDeleteWaitingEvent, id)
	return n > 0, err
}

// GetMessageInstanceForUpdate returns correlation.ErrNotFound when the row
// does not exist.
func (s *Store) GetMessageInstanceForUpdate(ctx context.Context, id uuid.UUID) (domain.MessageInstance, error) {
	var row messageRow
	if err := s.conn(ctx).GetContext(ctx, &row, queryGetMessageForUpdate, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MessageInstance{}, correlation.ErrNotFound
		}
		return domain.MessageInstance{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) GetWaitingEventForUpdate(ctx context.Context, id uuid.UUID) (domain.WaitingEvent, error) {
	var row waitingEventRow
	if err := s.conn(ctx).GetContext(ctx, &row, queryGetWaitingEventForUpdate, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WaitingEvent{}, correlation.ErrNotFound
		}
		return domain.WaitingEvent{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) MarkMessageHandled(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.exec(ctx, queryMarkMessageHandled, id)
	return n == 1, err
}

func (s *Store) DeactivateWaitingEvent(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.exec(ctx, queryDeactivateWaitingEvent, id)
	return n == 1, err
}

func (s *Store) FindWaitingEvents(ctx context.Context, tenant domain.TenantID, name string, values []string, limit int) ([]domain.WaitingEvent, error) {
	var rows []waitingEventRow
	if err := s.conn(ctx).SelectContext(ctx, &rows, queryFindWaitingEvents, int64(tenant), name, correlationArray(values), limitArg(limit)); err != nil {
		return nil, err
	}
	out := make([]domain.WaitingEvent, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) FindMessageInstances(ctx context.Context, tenant domain.TenantID, name string, values []string, limit int) ([]domain.MessageInstance, error) {
	var rows []messageRow
	if err := s.conn(ctx).SelectContext(ctx, &rows, queryFindMessages, int64(tenant), name, correlationArray(values), limitArg(limit)); err != nil {
		return nil, err
	}
	out := make([]domain.MessageInstance, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}
