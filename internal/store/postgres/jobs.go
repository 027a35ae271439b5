package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/scheduler"
)

type jobRow struct {
	TenantID       int64        `db:"tenant_id"`
	Name           string       `db:"name"`
	ID             uuid.UUID    `db:"id"`
	Implementation string       `db:"implementation"`
	Description    string       `db:"description"`
	Parameters     []byte       `db:"parameters"`
	TriggerKind    string       `db:"trigger_kind"`
	StartAt        time.Time    `db:"start_at"`
	Priority       int          `db:"priority"`
	CronExpression string       `db:"cron_expression"`
	Timezone       string       `db:"timezone"`
	EndAt          sql.NullTime `db:"end_at"`
	Misfire        string       `db:"misfire"`
	State          string       `db:"state"`
	NextFireAt     sql.NullTime `db:"next_fire_at"`
	LastFiredAt    sql.NullTime `db:"last_fired_at"`
	CreatedAt      time.Time    `db:"created_at"`
}

type parameterJSON struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (r jobRow) toScheduledJob() (scheduler.ScheduledJob, error) {
	var params []parameterJSON
	if len(r.Parameters) > 0 {
		if err := json.Unmarshal(r.Parameters, &params); err != nil {
			return scheduler.ScheduledJob{}, fmt.Errorf("decode parameters of %s: %w", r.Name, err)
		}
	}
	job := scheduler.ScheduledJob{
		Job: domain.JobDescriptor{
			ID:             r.ID,
			TenantID:       domain.TenantID(r.TenantID),
			Name:           r.Name,
			Implementation: r.Implementation,
			Description:    r.Description,
			CreatedAt:      r.CreatedAt,
		},
		Trigger: domain.Trigger{
			Kind:           domain.TriggerKind(r.TriggerKind),
			StartAt:        r.StartAt,
			Priority:       r.Priority,
			CronExpression: r.CronExpression,
			Timezone:       r.Timezone,
			EndAt:          nullTimePtr(r.EndAt),
			Misfire:        domain.MisfirePolicy(r.Misfire),
		},
		State:       scheduler.State(r.State),
		LastFiredAt: nullTimePtr(r.LastFiredAt),
	}
	if r.NextFireAt.Valid {
		job.NextFireAt = r.NextFireAt.Time
	}
	for _, p := range params {
		job.Parameters = append(job.Parameters, domain.JobParameter{Key: p.Key, Value: p.Value})
	}
	return job, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimeFrom(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// SaveJob inserts a scheduled job. Returns scheduler.ErrAlreadyExists if the
// tenant already has a job with that name.
func (s *Store) SaveJob(ctx context.Context, job scheduler.ScheduledJob) error {
	params := make([]parameterJSON, 0, len(job.Parameters))
	for _, p := range job.Parameters {
		params = append(params, parameterJSON{Key: p.Key, Value: p.Value})
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	t := job.Trigger
	_, err = s.conn(ctx).ExecContext(ctx, queryInsertJob,
		int64(job.Job.TenantID),
		job.Job.Name,
		job.Job.ID,
		job.Job.Implementation,
		job.Job.Description,
		paramsJSON,
		string(t.Kind),
		t.StartAt,
		t.Priority,
		t.CronExpression,
		t.Timezone,
		nullTimeFrom(t.EndAt),
		string(t.Misfire),
		string(job.State),
		nullTime(job.NextFireAt),
		nullTimeFrom(job.LastFiredAt),
		job.Job.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return scheduler.ErrAlreadyExists
		}
		return err
	}
	return s.notifySchedulerChange(ctx, job.Job.TenantID)
}

// DeleteJob removes a job row; false when there was none.
func (s *Store) DeleteJob(ctx context.Context, tenant domain.TenantID, name string) (bool, error) {
	n, err := s.exec(ctx, queryDeleteJob, int64(tenant), name)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := s.notifySchedulerChange(ctx, tenant); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateTrigger records the trigger state after a fire or a skipped misfire.
// A nil firedAt keeps the previous last fire time.
func (s *Store) UpdateTrigger(ctx context.Context, tenant domain.TenantID, name string, state scheduler.State, next time.Time, firedAt *time.Time) error {
	_, err := s.exec(ctx, queryUpdateTrigger, int64(tenant), name, string(state), nullTime(next), nullTimeFrom(firedAt))
	return err
}

func (s *Store) SetTenantPaused(ctx context.Context, tenant domain.TenantID, paused bool) error {
	query := queryResumeTenant
	if paused {
		query = queryPauseTenant
	}
	if _, err := s.exec(ctx, query, int64(tenant)); err != nil {
		return err
	}
	return s.notifySchedulerChange(ctx, tenant)
}

func (s *Store) LoadJobs(ctx context.Context) ([]scheduler.ScheduledJob, error) {
	var rows []jobRow
	if err := s.conn(ctx).SelectContext(ctx, &rows, queryLoadJobs); err != nil {
		return nil, err
	}

	result := make([]scheduler.ScheduledJob, 0, len(rows))
	for _, r := range rows {
		job, err := r.toScheduledJob()
		if err != nil {
			s.logger.Error("skipping unreadable job", "tenant", r.TenantID, "job", r.Name, "error", err)
			continue
		}
		result = append(result, job)
	}
	return result, nil
}

func (s *Store) PausedTenants(ctx context.Context) ([]domain.TenantID, error) {
	var ids []int64
	if err := s.conn(ctx).SelectContext(ctx, &ids, queryPausedTenants); err != nil {
		return nil, err
	}
	out := make([]domain.TenantID, len(ids))
	for i, id := range ids {
		out[i] = domain.TenantID(id)
	}
	return out, nil
}
