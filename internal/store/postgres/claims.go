package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/dispatcher"
	"github.com/djlord-it/easyflow/internal/domain"
)

// ClaimWork records that node runs work. Returns dispatcher.ErrAlreadyClaimed
// while another claim on the same work is held.
func (s *Store) ClaimWork(ctx context.Context, node string, work domain.WorkDescriptor) error {
	payload, err := json.Marshal(work)
	if err != nil {
		return fmt.Errorf("encode work: %w", err)
	}

	// Single atomic upsert with guard in WHERE clause.
	n, err := s.exec(ctx, queryClaimWork, work.ID, node, payload)
	if err != nil {
		return err
	}
	if n == 0 {
		return dispatcher.ErrAlreadyClaimed
	}
	return nil
}

func (s *Store) ReleaseWork(ctx context.Context, workID uuid.UUID) error {
	_, err := s.exec(ctx, queryReleaseWork, workID)
	return err
}

func (s *Store) AbandonNode(ctx context.Context, node string) (int, error) {
	n, err := s.exec(ctx, queryAbandonNode, node)
	return int(n), err
}

// ReclaimAbandoned marks up to limit abandoned claims requeued and returns
// their work. Requeued claims nobody picked up before staleBefore are
// returned again. Concurrent reconcilers skip each other's rows.
func (s *Store) ReclaimAbandoned(ctx context.Context, staleBefore time.Time, limit int) ([]domain.WorkDescriptor, error) {
	var payloads [][]byte
	if err := s.conn(ctx).SelectContext(ctx, &payloads, queryReclaimAbandoned, staleBefore, limitArg(limit)); err != nil {
		return nil, err
	}

	result := make([]domain.WorkDescriptor, 0, len(payloads))
	for _, p := range payloads {
		var w domain.WorkDescriptor
		if err := json.Unmarshal(p, &w); err != nil {
			s.logger.Error("skipping undecodable claimed work", "error", err)
			continue
		}
		result = append(result, w)
	}
	return result, nil
}
