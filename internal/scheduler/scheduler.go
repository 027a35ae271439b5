// Package scheduler fires time-based triggers.
//
// Firing never runs business logic: each fire registers an execute-job work
// item with the dispatcher inside a short transaction of its own, so timer
// latency is independent of job latency.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/djlord-it/easyflow/internal/cron"
	"github.com/djlord-it/easyflow/internal/domain"
)

var (
	ErrAlreadyExists = errors.New("job already exists")
	ErrInvalidJob    = errors.New("invalid job")
)

type State string

const (
	StateScheduled State = "SCHEDULED"
	StateFiring    State = "FIRING"
	StateSuspended State = "SUSPENDED"
	StateDone      State = "DONE"
)

// ScheduledJob is the externally visible view of a registered trigger.
type ScheduledJob struct {
	Job         domain.JobDescriptor
	Parameters  []domain.JobParameter
	Trigger     domain.Trigger
	State       State
	NextFireAt  time.Time // zero once DONE
	LastFiredAt *time.Time
}

// WorkRegistrar receives the execute-job work of each fire.
type WorkRegistrar interface {
	RegisterWork(ctx context.Context, work domain.WorkDescriptor) error
}

// TransactionManager runs each fire in a transaction of its own.
type TransactionManager interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type CronParser interface {
	Parse(expression string, timezone string) (cron.Schedule, error)
}

// Store persists triggers so they survive a restart. Writes made with a
// context carrying a transaction join that transaction.
type Store interface {
	SaveJob(ctx context.Context, job ScheduledJob) error
	DeleteJob(ctx context.Context, tenant domain.TenantID, name string) (bool, error)
	UpdateTrigger(ctx context.Context, tenant domain.TenantID, name string, state State, next time.Time, firedAt *time.Time) error
	SetTenantPaused(ctx context.Context, tenant domain.TenantID, paused bool) error
	LoadJobs(ctx context.Context) ([]ScheduledJob, error)
	PausedTenants(ctx context.Context) ([]domain.TenantID, error)
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TriggerFired(kind string)
	TriggerMisfired(kind, policy string)
	TriggerFireError()
	JobsScheduled(count int)
}

type Config struct {
	// MisfireThreshold is how late a trigger may fire before its misfire
	// policy applies.
	MisfireThreshold time.Duration
}

const (
	DefaultMisfireThreshold = 60 * time.Second

	// idleWait bounds the sleep when nothing is armed.
	idleWait = time.Minute
)

type jobKey struct {
	tenant domain.TenantID
	name   string
}

type entry struct {
	ScheduledJob
	key     jobKey
	seq     uint64
	pending bool   // registered on a transaction that has not committed yet
	touched uint64 // generation of the last local change
	sched   cron.Schedule
}

type Scheduler struct {
	config  Config
	tx      TransactionManager
	work    WorkRegistrar
	parser  CronParser
	store   Store       // optional, nil = in-memory only
	metrics MetricsSink // optional, nil = disabled
	logger  *slog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	entries map[jobKey]*entry
	paused  map[domain.TenantID]bool
	seq     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}

	// Local changes are stamped with a generation so that Sync never
	// overwrites them with a snapshot loaded before they happened.
	gen      uint64
	removed  map[jobKey]uint64
	pauseGen map[domain.TenantID]uint64
	invalid  map[jobKey]bool
}

func New(config Config, tx TransactionManager, work WorkRegistrar, parser CronParser, logger *slog.Logger) *Scheduler {
	if config.MisfireThreshold <= 0 {
		config.MisfireThreshold = DefaultMisfireThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:  config,
		tx:      tx,
		work:    work,
		parser:  parser,
		logger:  logger.With("component", "scheduler"),
		clock:   time.Now,
		entries:  make(map[jobKey]*entry),
		paused:   make(map[domain.TenantID]bool),
		wake:     make(chan struct{}, 1),
		removed:  make(map[jobKey]uint64),
		pauseGen: make(map[domain.TenantID]uint64),
		invalid:  make(map[jobKey]bool),
	}
}

func (s *Scheduler) WithStore(store Store) *Scheduler {
	s.store = store
	return s
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// Start reloads the persisted triggers and launches the timer goroutine.
// Every start reloads, so a node regaining leadership fires from the state
// other nodes left behind. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.IsStarted() {
		return nil
	}
	if err := s.Sync(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)

	s.logger.Info("started", "jobs", len(s.entries), "misfire_threshold", s.config.MisfireThreshold)
	return nil
}

// Stop halts the timer goroutine, waiting for a fire in progress. Triggers
// stay registered; a later Start resumes them. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("stopped")
}

func (s *Scheduler) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) IsStopped() bool {
	return !s.IsStarted()
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// A fire in progress completes even when Stop is called.
	fireCtx := context.WithoutCancel(ctx)

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		wait := s.fireDue(fireCtx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// signal wakes the timer goroutine so it recomputes the earliest due time.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// touch stamps e with a new generation. s.mu must be held.
func (s *Scheduler) touch(e *entry) {
	s.gen++
	e.touched = s.gen
}

// reportCount must be called with s.mu held.
func (s *Scheduler) reportCount() {
	if s.metrics != nil {
		s.metrics.JobsScheduled(len(s.entries))
	}
}
