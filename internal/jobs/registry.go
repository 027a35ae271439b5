// Package jobs holds the job implementations that execute-job work runs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/dispatcher"
	"github.com/djlord-it/easyflow/internal/domain"
)

var (
	ErrUnknownImplementation   = errors.New("unknown job implementation")
	ErrDuplicateImplementation = errors.New("job implementation already registered")
)

// Execution is what a job sees of the fire that started it.
type Execution struct {
	JobID       uuid.UUID
	TenantID    domain.TenantID
	Name        string
	ScheduledAt time.Time
	Parameters  map[string]any
}

type Job interface {
	Run(ctx context.Context, exec Execution) error
}

type JobFunc func(ctx context.Context, exec Execution) error

func (f JobFunc) Run(ctx context.Context, exec Execution) error { return f(ctx, exec) }

// Registry maps implementation identifiers to jobs.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

func (r *Registry) Register(implementation string, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[implementation]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateImplementation, implementation)
	}
	r.jobs[implementation] = job
	return nil
}

func (r *Registry) Lookup(implementation string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[implementation]
	return j, ok
}

// Names returns the registered implementation identifiers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Handler runs execute-job work: it resolves the job implementation and runs
// it inside the work's transaction.
func Handler(registry *Registry) dispatcher.Handler {
	return dispatcher.NewHandler(domain.WorkTypeExecuteJob, true, func(ctx context.Context, work domain.WorkDescriptor) error {
		impl := work.String(domain.ParamJobImplementation)
		job, ok := registry.Lookup(impl)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownImplementation, impl)
		}

		exec := Execution{
			JobID:       work.UUID(domain.ParamJobID),
			TenantID:    work.TenantID,
			Name:        work.String(domain.ParamJobName),
			ScheduledAt: work.Time(domain.ParamScheduledAt),
			Parameters:  work.Map(domain.ParamJobParameters),
		}
		if err := job.Run(ctx, exec); err != nil {
			return fmt.Errorf("job %s (%s): %w", exec.Name, impl, err)
		}
		return nil
	})
}

// LogJob is the built-in "log" implementation. It writes the fire and its
// "message" parameter to the log.
type LogJob struct {
	Logger *slog.Logger
}

func (j LogJob) Run(ctx context.Context, exec Execution) error {
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	msg, _ := exec.Parameters["message"].(string)
	logger.InfoContext(ctx, "job executed",
		"tenant", exec.TenantID,
		"job", exec.Name,
		"scheduled_at", exec.ScheduledAt,
		"message", msg,
	)
	return nil
}
