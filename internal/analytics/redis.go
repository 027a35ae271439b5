// Package analytics keeps windowed per-tenant counters of processed work in
// Redis.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easyflow/internal/circuitbreaker"
	"github.com/djlord-it/easyflow/internal/domain"
)

type RedisSink struct {
	client  *redis.Client
	config  domain.AnalyticsConfig
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
}

func NewRedisSink(client *redis.Client, config domain.AnalyticsConfig, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{client: client, config: config, logger: logger.With("component", "analytics")}
}

// WithBreaker skips writes while Redis keeps failing, so an outage does not
// add a dial timeout to every completed work item.
func (s *RedisSink) WithBreaker(b *circuitbreaker.Breaker) *RedisSink {
	s.breaker = b
	return s
}

// Record counts one processed work item in the bucket of the current window.
// Failures are logged and never reach the dispatcher.
func (s *RedisSink) Record(ctx context.Context, work domain.WorkDescriptor, outcome string) {
	if !s.config.Enabled {
		return
	}
	write := func() error { return s.write(ctx, work.TenantID, work.Type, outcome, time.Now()) }

	var err error
	if s.breaker != nil {
		err = s.breaker.Do(s.client.Options().Addr, write)
	} else {
		err = write()
	}
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		s.logger.Debug("analytics skipped, redis circuit open", "work_id", work.ID)
	case err != nil:
		s.logger.Warn("failed to record work", "work_id", work.ID, "tenant", work.TenantID, "error", err)
	}
}

func (s *RedisSink) write(ctx context.Context, tenant domain.TenantID, workType, outcome string, at time.Time) error {
	key := buildKey(tenant, workType, outcome, at, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count returns the counter of the window containing at. A missing bucket
// counts as zero.
func (s *RedisSink) Count(ctx context.Context, tenant domain.TenantID, workType, outcome string, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(tenant, workType, outcome, at, s.config.Window)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func buildKey(tenant domain.TenantID, workType, outcome string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("t:%d:w:%s:%s:%s", tenant, workType, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
