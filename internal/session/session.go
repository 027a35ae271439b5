// Package session manages the short-lived authenticated execution contexts
// created for each work execution.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/domain"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrMissingPrincipal = errors.New("session principal required")
)

type Session struct {
	ID        uuid.UUID
	TenantID  domain.TenantID
	Principal string
	CreatedAt time.Time
}

// Manager keeps live sessions in memory.
type Manager struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session
	clock    func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[uuid.UUID]Session),
		clock:    time.Now,
	}
}

// Create opens a session for principal in tenant.
func (m *Manager) Create(ctx context.Context, tenant domain.TenantID, principal string) (Session, error) {
	if principal == "" {
		return Session{}, ErrMissingPrincipal
	}
	s := Session{
		ID:        uuid.New(),
		TenantID:  tenant,
		Principal: principal,
		CreatedAt: m.clock().UTC(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) Destroy(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *Manager) Get(id uuid.UUID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type ctxKey struct{}

// WithSession binds s to the execution context.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}
