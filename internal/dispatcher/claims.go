package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/domain"
)

type claimStatus int

const (
	claimClaimed claimStatus = iota
	claimAbandoned
	claimRequeued
)

type claim struct {
	node   string
	work   domain.WorkDescriptor
	status claimStatus
	since  time.Time
}

// MemoryClaims is an in-process ClaimStore for single-node deployments and
// tests. The Postgres store provides the same contract across nodes.
type MemoryClaims struct {
	mu     sync.Mutex
	claims map[uuid.UUID]*claim
	clock  func() time.Time
}

func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{
		claims: make(map[uuid.UUID]*claim),
		clock:  time.Now,
	}
}

func (m *MemoryClaims) ClaimWork(_ context.Context, node string, work domain.WorkDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.claims[work.ID]; ok && c.status == claimClaimed {
		return ErrAlreadyClaimed
	}
	m.claims[work.ID] = &claim{node: node, work: work, status: claimClaimed, since: m.clock()}
	return nil
}

func (m *MemoryClaims) ReleaseWork(_ context.Context, workID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, workID)
	return nil
}

func (m *MemoryClaims) AbandonNode(_ context.Context, node string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.clock()
	for _, c := range m.claims {
		if c.node == node && c.status == claimClaimed {
			c.status = claimAbandoned
			c.since = now
			n++
		}
	}
	return n, nil
}

// ReclaimAbandoned returns up to limit abandoned work items and marks them
// requeued. Requeued items not picked up before staleBefore are returned again.
func (m *MemoryClaims) ReclaimAbandoned(_ context.Context, staleBefore time.Time, limit int) ([]domain.WorkDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var out []domain.WorkDescriptor
	for _, c := range m.claims {
		if limit > 0 && len(out) >= limit {
			break
		}
		if c.status == claimAbandoned || (c.status == claimRequeued && c.since.Before(staleBefore)) {
			c.status = claimRequeued
			c.since = now
			out = append(out, c.work)
		}
	}
	return out, nil
}
