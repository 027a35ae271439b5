package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/djlord-it/easyflow/internal/cron"
	"github.com/djlord-it/easyflow/internal/domain"
)

// Sync replaces the in-memory triggers and paused tenants with the persisted
// ones. Jobs created, deleted, paused or resumed through another node become
// visible here, and on the leader they start or stop firing.
//
// Entries still pending on an open transaction, fires in progress and
// anything changed locally after the load began are kept as they are.
func (s *Scheduler) Sync(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	s.mu.Lock()
	since := s.gen
	s.mu.Unlock()

	jobs, err := s.store.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	paused, err := s.store.PausedTenants(ctx)
	if err != nil {
		return fmt.Errorf("load paused tenants: %w", err)
	}

	s.mu.Lock()
	loaded, dropped := s.apply(jobs, paused, since)
	s.reportCount()
	s.mu.Unlock()

	s.logger.Debug("synced jobs", "loaded", loaded, "dropped", dropped, "paused_tenants", len(paused))
	s.signal()
	return nil
}

// apply merges a snapshot loaded after generation since. s.mu must be held.
func (s *Scheduler) apply(jobs []ScheduledJob, paused []domain.TenantID, since uint64) (loaded, dropped int) {
	pausedNow := make(map[domain.TenantID]bool, len(paused))
	for _, tenant := range paused {
		pausedNow[tenant] = true
	}
	for tenant := range s.paused {
		if !pausedNow[tenant] && s.pauseGen[tenant] <= since {
			delete(s.paused, tenant)
		}
	}
	for tenant := range pausedNow {
		if s.pauseGen[tenant] <= since {
			s.paused[tenant] = true
		}
	}

	stored := make(map[jobKey]ScheduledJob, len(jobs))
	for _, job := range jobs {
		stored[jobKey{tenant: job.Job.TenantID, name: job.Job.Name}] = job
	}

	for key, e := range s.entries {
		if _, ok := stored[key]; ok || e.pending || e.touched > since {
			continue
		}
		// A fire in progress finds its entry gone and leaves it deleted.
		delete(s.entries, key)
		dropped++
	}

	for key, job := range stored {
		var seq uint64
		if e, ok := s.entries[key]; ok {
			if e.pending || e.State == StateFiring || e.touched > since {
				continue
			}
			seq = e.seq
		} else if s.removed[key] > since {
			continue
		}

		var sched cron.Schedule
		if job.Trigger.Recurring() {
			var err error
			sched, err = s.parser.Parse(job.Trigger.CronExpression, job.Trigger.Timezone)
			if err != nil {
				if !s.invalid[key] {
					s.invalid[key] = true
					s.logger.Error("skipping persisted job with invalid cron",
						"tenant", key.tenant, "job", key.name, "error", err)
				}
				continue
			}
		}

		switch {
		case job.State == StateDone:
		case s.paused[key.tenant]:
			job.State = StateSuspended
		default:
			// Includes FIRING rows left behind by a crash.
			job.State = StateScheduled
		}

		if seq == 0 {
			s.seq++
			seq = s.seq
		}
		s.entries[key] = &entry{ScheduledJob: job, key: key, seq: seq, sched: sched}
		loaded++
	}

	for key, g := range s.removed {
		if g <= since {
			delete(s.removed, key)
		}
	}
	for tenant, g := range s.pauseGen {
		if g <= since {
			delete(s.pauseGen, tenant)
		}
	}
	return loaded, dropped
}

// Follow syncs on every signal from changes and at least once per interval,
// until ctx is cancelled.
func (s *Scheduler) Follow(ctx context.Context, changes <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		case <-ticker.C:
		}
		if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sync failed", "error", err)
		}
	}
}
