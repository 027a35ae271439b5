package correlation

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/txn"
)

// MemoryStore is a Store kept in process memory, for single-node runs
// without a database and for tests. Reads do not lock rows. A write made
// inside a transaction is visible at once and undone if that transaction
// rolls back, so a flip that lost its race does not outlive the rollback.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]domain.MessageInstance
	events   map[uuid.UUID]domain.WaitingEvent
	journals map[uuid.UUID]*journal // by transaction id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[uuid.UUID]domain.MessageInstance),
		events:   make(map[uuid.UUID]domain.WaitingEvent),
		journals: make(map[uuid.UUID]*journal),
	}
}

// journal holds the undo steps of one transaction's writes.
type journal struct {
	m     *MemoryStore
	tx    uuid.UUID
	undos []func()
}

func (j *journal) AfterCompletion(_ context.Context, status txn.Status) {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	delete(j.m.journals, j.tx)
	if status == txn.StatusCommitted {
		return
	}
	for i := len(j.undos) - 1; i >= 0; i-- {
		j.undos[i]()
	}
}

// record keeps undo for the transaction on ctx, if any. m.mu must be held.
func (m *MemoryStore) record(ctx context.Context, undo func()) {
	tx, err := txn.Active(ctx)
	if err != nil {
		return
	}
	j, ok := m.journals[tx.ID()]
	if !ok {
		j = &journal{m: m, tx: tx.ID()}
		if err := tx.RegisterSynchronization(j); err != nil {
			return
		}
		m.journals[tx.ID()] = j
	}
	j.undos = append(j.undos, undo)
}

func (m *MemoryStore) restoreMessage(id uuid.UUID, prev domain.MessageInstance, existed bool) func() {
	return func() {
		if existed {
			m.messages[id] = prev
		} else {
			delete(m.messages, id)
		}
	}
}

func (m *MemoryStore) restoreEvent(id uuid.UUID, prev domain.WaitingEvent, existed bool) func() {
	return func() {
		if existed {
			m.events[id] = prev
		} else {
			delete(m.events, id)
		}
	}
}

func (m *MemoryStore) SaveMessageInstance(ctx context.Context, msg domain.MessageInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.messages[msg.ID]
	m.record(ctx, m.restoreMessage(msg.ID, prev, existed))
	m.messages[msg.ID] = msg
	return nil
}

func (m *MemoryStore) SaveWaitingEvent(ctx context.Context, ev domain.WaitingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.events[ev.ID]
	m.record(ctx, m.restoreEvent(ev.ID, prev, existed))
	m.events[ev.ID] = ev
	return nil
}

func (m *MemoryStore) DeleteWaitingEvent(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.events[id]
	if !ok {
		return false, nil
	}
	m.record(ctx, m.restoreEvent(id, prev, true))
	delete(m.events, id)
	return true, nil
}

func (m *MemoryStore) GetMessageInstanceForUpdate(_ context.Context, id uuid.UUID) (domain.MessageInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.MessageInstance{}, ErrNotFound
	}
	return msg, nil
}

func (m *MemoryStore) GetWaitingEventForUpdate(_ context.Context, id uuid.UUID) (domain.WaitingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return domain.WaitingEvent{}, ErrNotFound
	}
	return ev, nil
}

func (m *MemoryStore) MarkMessageHandled(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Handled {
		return false, nil
	}
	m.record(ctx, func() {
		if cur, ok := m.messages[id]; ok {
			cur.Handled = false
			m.messages[id] = cur
		}
	})
	msg.Handled = true
	m.messages[id] = msg
	return true, nil
}

func (m *MemoryStore) DeactivateWaitingEvent(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok || !ev.Active {
		return false, nil
	}
	m.record(ctx, func() {
		if cur, ok := m.events[id]; ok {
			cur.Active = true
			m.events[id] = cur
		}
	})
	ev.Active = false
	m.events[id] = ev
	return true, nil
}

// FindWaitingEvents returns active matching events, oldest first.
func (m *MemoryStore) FindWaitingEvents(_ context.Context, tenant domain.TenantID, name string, values []string, limit int) ([]domain.WaitingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.WaitingEvent
	for _, ev := range m.events {
		if ev.Active && ev.TenantID == tenant && ev.Name == name && slices.Equal(ev.CorrelationValues, values) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindMessageInstances returns unhandled matching messages, oldest first.
func (m *MemoryStore) FindMessageInstances(_ context.Context, tenant domain.TenantID, name string, values []string, limit int) ([]domain.MessageInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.MessageInstance
	for _, msg := range m.messages {
		if !msg.Handled && msg.TenantID == tenant && msg.Name == name && slices.Equal(msg.CorrelationValues, values) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
