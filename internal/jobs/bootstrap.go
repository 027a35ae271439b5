package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/scheduler"
)

// File is the YAML job bootstrap file.
//
//	jobs:
//	  - tenant: 1
//	    name: heartbeat
//	    implementation: log
//	    parameters: {message: "still alive"}
//	    trigger: {kind: cron, cron: "*/30 * * * * *"}
type File struct {
	Jobs []Definition `yaml:"jobs" json:"jobs"`
}

type Definition struct {
	Tenant         domain.TenantID `yaml:"tenant" json:"tenant"`
	Name           string          `yaml:"name" json:"name"`
	Implementation string          `yaml:"implementation" json:"implementation"`
	Description    string          `yaml:"description" json:"description"`
	Parameters     map[string]any  `yaml:"parameters" json:"parameters"`
	Trigger        TriggerSpec     `yaml:"trigger" json:"trigger"`
}

type TriggerSpec struct {
	Kind     domain.TriggerKind   `yaml:"kind" json:"kind"`
	Cron     string               `yaml:"cron" json:"cron"`
	Timezone string               `yaml:"timezone" json:"timezone"`
	StartAt  *time.Time           `yaml:"start_at" json:"start_at"`
	EndAt    *time.Time           `yaml:"end_at" json:"end_at"`
	Delay    string               `yaml:"delay" json:"delay"`
	Priority int                  `yaml:"priority" json:"priority"`
	Misfire  domain.MisfirePolicy `yaml:"misfire" json:"misfire"`
}

// LoadFile reads job definitions from path.
func LoadFile(path string) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open jobs file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) ([]Definition, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode jobs file: %w", err)
	}
	return file.Jobs, nil
}

// Build turns the definition into what the scheduler takes. Parameters are
// ordered by key.
func (d Definition) Build(now time.Time) (domain.JobDescriptor, []domain.JobParameter, domain.Trigger, error) {
	job := domain.JobDescriptor{
		TenantID:       d.Tenant,
		Name:           d.Name,
		Implementation: d.Implementation,
		Description:    d.Description,
	}

	keys := make([]string, 0, len(d.Parameters))
	for k := range d.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]domain.JobParameter, 0, len(keys))
	for _, k := range keys {
		params = append(params, domain.JobParameter{Key: k, Value: d.Parameters[k]})
	}

	t := d.Trigger
	var trigger domain.Trigger
	switch t.Kind {
	case domain.TriggerKindCron:
		start := now
		if t.StartAt != nil {
			start = *t.StartAt
		}
		trigger = domain.Cron(t.Cron, start)
		if t.Timezone != "" {
			trigger.Timezone = t.Timezone
		}
		trigger.EndAt = t.EndAt
	case domain.TriggerKindOneShot:
		if t.StartAt == nil {
			return job, nil, trigger, fmt.Errorf("%w: %s: one_shot requires start_at", domain.ErrInvalidTrigger, d.Name)
		}
		trigger = domain.OneShot(*t.StartAt)
	case domain.TriggerKindDelayedOneShot:
		delay, err := time.ParseDuration(t.Delay)
		if err != nil {
			return job, nil, trigger, fmt.Errorf("%w: %s: delay: %v", domain.ErrInvalidTrigger, d.Name, err)
		}
		trigger = domain.DelayedOneShot(now, delay)
	default:
		return job, nil, trigger, fmt.Errorf("%w: %s: unknown kind %q", domain.ErrInvalidTrigger, d.Name, t.Kind)
	}
	trigger.Priority = t.Priority
	trigger.Misfire = t.Misfire

	return job, params, trigger, trigger.Validate()
}

type Scheduler interface {
	Schedule(ctx context.Context, job domain.JobDescriptor, params []domain.JobParameter, trigger domain.Trigger) error
}

type TransactionManager interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Bootstrap schedules every definition in its own transaction. Jobs that
// already exist (recovered from the store) are left as they are.
func Bootstrap(ctx context.Context, defs []Definition, registry *Registry, sched Scheduler, tx TransactionManager, logger *slog.Logger) (int, error) {
	now := time.Now()
	created := 0
	for _, def := range defs {
		if _, ok := registry.Lookup(def.Implementation); !ok {
			return created, fmt.Errorf("job %s: %w: %s", def.Name, ErrUnknownImplementation, def.Implementation)
		}
		job, params, trigger, err := def.Build(now)
		if err != nil {
			return created, err
		}

		err = tx.InTransaction(ctx, func(ctx context.Context) error {
			return sched.Schedule(ctx, job, params, trigger)
		})
		switch {
		case errors.Is(err, scheduler.ErrAlreadyExists):
			logger.Debug("bootstrap job already scheduled", "tenant", def.Tenant, "job", def.Name)
		case err != nil:
			return created, fmt.Errorf("schedule %s: %w", def.Name, err)
		default:
			created++
		}
	}
	return created, nil
}
