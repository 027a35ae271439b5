package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/cron"
	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/txn"
)

// Schedule registers a trigger for job. It must be called inside an active
// transaction: the trigger is armed when that transaction commits and
// forgotten when it rolls back. Job names are unique per tenant.
func (s *Scheduler) Schedule(ctx context.Context, job domain.JobDescriptor, params []domain.JobParameter, trigger domain.Trigger) error {
	tx, err := txn.Active(ctx)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	if job.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidJob)
	}
	if job.Implementation == "" {
		return fmt.Errorf("%w: %s: implementation required", ErrInvalidJob, job.Name)
	}
	if err := trigger.Validate(); err != nil {
		return err
	}
	if err := domain.ValidateParameters(params); err != nil {
		return err
	}

	var sched cron.Schedule
	if trigger.Recurring() {
		sched, err = s.parser.Parse(trigger.CronExpression, trigger.Timezone)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidTrigger, err)
		}
	}

	now := s.clock()
	next := firstFire(trigger, sched, now)
	if next.IsZero() {
		return fmt.Errorf("%w: %s never fires", domain.ErrInvalidTrigger, job.Name)
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now.UTC()
	}

	key := jobKey{tenant: job.TenantID, name: job.Name}

	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s in tenant %d", ErrAlreadyExists, job.Name, job.TenantID)
	}
	s.seq++
	e := &entry{
		ScheduledJob: ScheduledJob{
			Job:        job,
			Parameters: params,
			Trigger:    trigger,
			State:      StateScheduled,
			NextFireAt: next,
		},
		key:     key,
		seq:     s.seq,
		pending: true,
		sched:   sched,
	}
	s.touch(e)
	s.entries[key] = e
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveJob(ctx, e.ScheduledJob); err != nil {
			s.forget(e)
			return fmt.Errorf("save job %s: %w", job.Name, err)
		}
	}

	if err := tx.RegisterSynchronization(&armOnCommit{s: s, e: e}); err != nil {
		s.forget(e)
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}

	s.logger.Debug("scheduled", "tenant", job.TenantID, "job", job.Name, "kind", trigger.Kind, "next", next)
	return nil
}

// firstFire returns the first due time, zero if the trigger can never fire.
func firstFire(t domain.Trigger, sched cron.Schedule, now time.Time) time.Time {
	if !t.Recurring() {
		return t.StartAt
	}
	base := now
	if t.StartAt.After(base) {
		base = t.StartAt
	}
	next := sched.Next(base.Add(-time.Nanosecond))
	if next.IsZero() || (t.EndAt != nil && next.After(*t.EndAt)) {
		return time.Time{}
	}
	return next
}

// forget removes e if it is still the registered entry for its key.
func (s *Scheduler) forget(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.key] == e {
		delete(s.entries, e.key)
	}
}

type armOnCommit struct {
	s *Scheduler
	e *entry
}

func (a *armOnCommit) AfterCompletion(_ context.Context, status txn.Status) {
	s, e := a.s, a.e

	if status != txn.StatusCommitted {
		s.forget(e)
		s.logger.Debug("discarded trigger of rolled back transaction", "tenant", e.key.tenant, "job", e.key.name)
		return
	}

	s.mu.Lock()
	if s.entries[e.key] != e {
		s.mu.Unlock()
		return
	}
	e.pending = false
	if s.paused[e.key.tenant] {
		e.State = StateSuspended
	}
	s.touch(e)
	s.reportCount()
	s.mu.Unlock()

	s.signal()
}

// Delete removes a job and its trigger. It reports false, without error,
// when no such job exists. Inside a transaction the trigger keeps its state
// until that transaction commits, and a rollback keeps the job.
func (s *Scheduler) Delete(ctx context.Context, tenant domain.TenantID, name string) (bool, error) {
	key := jobKey{tenant: tenant, name: name}

	removed := false
	if s.store != nil {
		var err error
		removed, err = s.store.DeleteJob(ctx, tenant, name)
		if err != nil {
			return false, fmt.Errorf("delete job %s: %w", name, err)
		}
	}

	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		removed = true
	}
	s.mu.Unlock()

	if tx, err := txn.Active(ctx); err == nil {
		if err := tx.RegisterSynchronization(&removeOnCommit{s: s, key: key}); err != nil {
			return false, fmt.Errorf("delete job %s: %w", name, err)
		}
		return removed, nil
	}

	s.remove(key)
	return removed, nil
}

// remove drops the entry for key and remembers the deletion for Sync.
func (s *Scheduler) remove(key jobKey) {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	if s.store != nil {
		s.gen++
		s.removed[key] = s.gen
	}
	s.reportCount()
	s.mu.Unlock()

	if ok {
		s.logger.Debug("deleted", "tenant", key.tenant, "job", key.name)
		s.signal()
	}
}

type removeOnCommit struct {
	s   *Scheduler
	key jobKey
}

func (r *removeOnCommit) AfterCompletion(_ context.Context, status txn.Status) {
	if status == txn.StatusCommitted {
		r.s.remove(r.key)
	}
}

// PauseJobs suspends every trigger of tenant, including triggers scheduled
// while the pause is in effect. Other tenants are unaffected.
func (s *Scheduler) PauseJobs(ctx context.Context, tenant domain.TenantID) error {
	if s.store != nil {
		if err := s.store.SetTenantPaused(ctx, tenant, true); err != nil {
			return fmt.Errorf("pause tenant %d: %w", tenant, err)
		}
	}

	s.mu.Lock()
	s.paused[tenant] = true
	s.gen++
	s.pauseGen[tenant] = s.gen
	n := 0
	for key, e := range s.entries {
		if key.tenant == tenant && e.State == StateScheduled {
			e.State = StateSuspended
			s.touch(e)
			n++
		}
	}
	s.mu.Unlock()

	s.logger.Info("paused tenant", "tenant", tenant, "suspended", n)
	s.signal()
	return nil
}

// ResumeJobs re-arms the suspended triggers of tenant at their configured
// cadence. Fires missed while paused are subject to the misfire policy.
func (s *Scheduler) ResumeJobs(ctx context.Context, tenant domain.TenantID) error {
	if s.store != nil {
		if err := s.store.SetTenantPaused(ctx, tenant, false); err != nil {
			return fmt.Errorf("resume tenant %d: %w", tenant, err)
		}
	}

	s.mu.Lock()
	delete(s.paused, tenant)
	s.gen++
	s.pauseGen[tenant] = s.gen
	n := 0
	for key, e := range s.entries {
		if key.tenant == tenant && e.State == StateSuspended {
			e.State = StateScheduled
			s.touch(e)
			n++
		}
	}
	s.mu.Unlock()

	s.logger.Info("resumed tenant", "tenant", tenant, "rearmed", n)
	s.signal()
	return nil
}

// IsPaused reports whether tenant's triggers are paused.
func (s *Scheduler) IsPaused(tenant domain.TenantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[tenant]
}

// Jobs returns the committed jobs of tenant ordered by name.
func (s *Scheduler) Jobs(tenant domain.TenantID) []ScheduledJob {
	s.mu.Lock()
	out := make([]ScheduledJob, 0)
	for key, e := range s.entries {
		if key.tenant == tenant && !e.pending {
			out = append(out, e.ScheduledJob)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Job.Name < out[j].Job.Name })
	return out
}

func (s *Scheduler) Lookup(tenant domain.TenantID, name string) (ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobKey{tenant: tenant, name: name}]
	if !ok || e.pending {
		return ScheduledJob{}, false
	}
	return e.ScheduledJob, true
}
