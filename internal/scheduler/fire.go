package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/djlord-it/easyflow/internal/domain"
)

type dueFire struct {
	e           *entry
	scheduledAt time.Time
	priority    int
}

// fireDue fires every trigger due at the current time and returns how long
// to sleep until the next one.
func (s *Scheduler) fireDue(ctx context.Context) time.Duration {
	now := s.clock()

	s.mu.Lock()
	var (
		due  []dueFire
		next time.Time
	)
	for _, e := range s.entries {
		if e.pending || e.State != StateScheduled {
			continue
		}
		if !e.NextFireAt.After(now) {
			e.State = StateFiring
			s.touch(e)
			due = append(due, dueFire{e: e, scheduledAt: e.NextFireAt, priority: e.Trigger.Priority})
			continue
		}
		if next.IsZero() || e.NextFireAt.Before(next) {
			next = e.NextFireAt
		}
	}
	s.mu.Unlock()

	if len(due) > 0 {
		sort.Slice(due, func(i, j int) bool {
			a, b := due[i], due[j]
			if !a.scheduledAt.Equal(b.scheduledAt) {
				return a.scheduledAt.Before(b.scheduledAt)
			}
			if a.priority != b.priority {
				return a.priority > b.priority
			}
			return a.e.seq < b.e.seq
		})
		for _, d := range due {
			s.fire(ctx, d.e, d.scheduledAt, now)
		}
		// Re-armed triggers may already be due.
		return 0
	}

	if next.IsZero() {
		return idleWait
	}
	return next.Sub(now)
}

func (s *Scheduler) fire(ctx context.Context, e *entry, scheduledAt, now time.Time) {
	job := e.Job
	kind := string(e.Trigger.Kind)
	logger := s.logger.With("tenant", job.TenantID, "job", job.Name)

	if late := now.Sub(scheduledAt); late > s.config.MisfireThreshold {
		policy := e.Trigger.MisfirePolicy()
		if s.metrics != nil {
			s.metrics.TriggerMisfired(kind, string(policy))
		}
		if policy == domain.MisfireSkip {
			logger.Info("misfire, skipping", "scheduled_at", scheduledAt, "late", late)
			s.moveOn(ctx, logger, e, scheduledAt, now)
			return
		}
		logger.Info("misfire, firing now", "scheduled_at", scheduledAt, "late", late)
	}

	work := domain.NewWorkDescriptor(domain.WorkTypeExecuteJob, job.TenantID).
		With(domain.ParamJobID, job.ID.String()).
		With(domain.ParamJobName, job.Name).
		With(domain.ParamJobImplementation, job.Implementation).
		With(domain.ParamJobParameters, domain.ParameterMap(e.Parameters)).
		With(domain.ParamScheduledAt, scheduledAt.UTC().Format(time.RFC3339Nano))

	firedAt := now.UTC()
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		if s.store != nil {
			state, next := s.successor(e, scheduledAt, now)
			if err := s.store.UpdateTrigger(ctx, job.TenantID, job.Name, state, next, &firedAt); err != nil {
				return fmt.Errorf("record fire: %w", err)
			}
		}
		return s.work.RegisterWork(ctx, work)
	})
	if err != nil {
		// No retry: the fire is lost and the trigger moves on.
		if s.metrics != nil {
			s.metrics.TriggerFireError()
		}
		logger.Error("fire failed", "scheduled_at", scheduledAt, "error", err)
		s.moveOn(ctx, logger, e, scheduledAt, now)
		return
	}

	if s.metrics != nil {
		s.metrics.TriggerFired(kind)
	}
	logger.Debug("fired", "scheduled_at", scheduledAt, "work_id", work.ID)
	s.advance(e, scheduledAt, now, true)
}

// successor computes the state and due time that follow a fire at
// scheduledAt. Cron due times are strictly increasing.
func (s *Scheduler) successor(e *entry, scheduledAt, now time.Time) (State, time.Time) {
	if !e.Trigger.Recurring() {
		return StateDone, time.Time{}
	}
	base := scheduledAt
	if now.After(base) {
		base = now
	}
	next := e.sched.Next(base)
	if next.IsZero() || (e.Trigger.EndAt != nil && next.After(*e.Trigger.EndAt)) {
		return StateDone, time.Time{}
	}

	s.mu.Lock()
	paused := s.paused[e.key.tenant]
	s.mu.Unlock()
	if paused {
		return StateSuspended, next
	}
	return StateScheduled, next
}

// moveOn advances e past scheduledAt without a fire. The store is written
// while e is still FIRING, so a concurrent Sync cannot bring back the old
// due time.
func (s *Scheduler) moveOn(ctx context.Context, logger *slog.Logger, e *entry, scheduledAt, now time.Time) {
	state, next := s.successor(e, scheduledAt, now)
	s.persist(ctx, logger, e.Job, state, next, nil)
	s.advance(e, scheduledAt, now, false)
}

// advance moves e out of FIRING. A job deleted while firing stays deleted.
func (s *Scheduler) advance(e *entry, scheduledAt, now time.Time, fired bool) (State, time.Time) {
	state, next := s.successor(e, scheduledAt, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.key] != e {
		return state, next
	}
	if fired {
		t := now.UTC()
		e.LastFiredAt = &t
	}
	// A pause that landed during the fire wins.
	if state == StateScheduled && s.paused[e.key.tenant] {
		state = StateSuspended
	}
	e.State = state
	e.NextFireAt = next
	s.touch(e)
	return state, next
}

func (s *Scheduler) persist(ctx context.Context, logger *slog.Logger, job domain.JobDescriptor, state State, next time.Time, firedAt *time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateTrigger(ctx, job.TenantID, job.Name, state, next, firedAt); err != nil {
		logger.Error("failed to persist trigger state", "error", err)
	}
}
