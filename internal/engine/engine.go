// Package engine assembles the execution core: transactions, sessions, the
// work dispatcher, the trigger scheduler and the message correlator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/correlation"
	"github.com/djlord-it/easyflow/internal/cron"
	"github.com/djlord-it/easyflow/internal/dispatcher"
	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/jobs"
	"github.com/djlord-it/easyflow/internal/metrics"
	"github.com/djlord-it/easyflow/internal/scheduler"
	"github.com/djlord-it/easyflow/internal/session"
	"github.com/djlord-it/easyflow/internal/transport/channel"
	"github.com/djlord-it/easyflow/internal/txn"
)

var ErrInvalidRequest = errors.New("invalid request")

// MessageStore is the correlation store plus the writes that create message
// instances and waiting events.
type MessageStore interface {
	correlation.Store
	SaveMessageInstance(ctx context.Context, msg domain.MessageInstance) error
	SaveWaitingEvent(ctx context.Context, ev domain.WaitingEvent) error
	DeleteWaitingEvent(ctx context.Context, id uuid.UUID) (bool, error)
}

type Config struct {
	NodeName         string
	Workers          int
	QueueSize        int
	DrainTimeout     time.Duration
	AllowImmediate   bool
	MisfireThreshold time.Duration
	CandidateLimit   int
}

// Deps are the optional collaborators. A nil field selects the in-memory
// implementation.
type Deps struct {
	Begin     txn.BeginFunc   // nil: transactions carry no storage resource
	Jobs      scheduler.Store // nil: triggers are not persisted
	Claims    dispatcher.ClaimStore
	Messages  MessageStore
	Queue     dispatcher.Queue // nil: in-process channel queue
	Metrics   metrics.Sink
	Analytics dispatcher.AnalyticsSink
}

type Engine struct {
	Tx         *txn.Manager
	Sessions   *session.Manager
	Queue      dispatcher.Queue
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *scheduler.Scheduler
	Correlator *correlation.Correlator
	Registry   *jobs.Registry

	messages MessageStore
	logger   *slog.Logger
	clock    func() time.Time
}

// New wires the engine. The built-in "log" job implementation and a flow
// node handler that only logs are registered; callers replace or extend them
// through Registry and Dispatcher.WithHandler.
func New(config Config, deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	queue := deps.Queue
	if queue == nil {
		var opts []channel.Option
		if deps.Metrics != nil {
			opts = append(opts, channel.WithMetrics(deps.Metrics))
		}
		size := config.QueueSize
		if size <= 0 {
			size = 100
		}
		queue = channel.NewWorkQueue(size, opts...)
	}

	messages := deps.Messages
	if messages == nil {
		messages = correlation.NewMemoryStore()
	}

	tx := txn.NewManager(deps.Begin, logger)
	sessions := session.NewManager()

	d := dispatcher.New(dispatcher.Config{
		Workers:        config.Workers,
		NodeName:       config.NodeName,
		DrainTimeout:   config.DrainTimeout,
		AllowImmediate: config.AllowImmediate,
	}, tx, sessions, queue, logger)

	registry := jobs.NewRegistry()
	_ = registry.Register("log", jobs.LogJob{Logger: logger})

	correlator := correlation.New(messages, correlation.WorkTrigger{Work: d}, logger)

	d.WithHandler(jobs.Handler(registry)).
		WithHandler(correlator.Handler(config.CandidateLimit)).
		WithHandler(FlowNodeLogger(logger))

	sched := scheduler.New(scheduler.Config{MisfireThreshold: config.MisfireThreshold}, tx, d, cron.NewParser(), logger)

	if deps.Jobs != nil {
		sched.WithStore(deps.Jobs)
	}
	if deps.Claims != nil {
		d.WithClaims(deps.Claims)
	}
	if deps.Analytics != nil {
		d.WithAnalytics(deps.Analytics)
	}
	if deps.Metrics != nil {
		d.WithMetrics(deps.Metrics)
		sched.WithMetrics(deps.Metrics)
		correlator.WithMetrics(deps.Metrics)
	}

	return &Engine{
		Tx:         tx,
		Sessions:   sessions,
		Queue:      queue,
		Dispatcher: d,
		Scheduler:  sched,
		Correlator: correlator,
		Registry:   registry,
		messages:   messages,
		logger:     logger.With("component", "engine"),
		clock:      time.Now,
	}
}

// FlowNodeLogger handles execute-flow-node work by logging the catch event
// it would continue.
func FlowNodeLogger(logger *slog.Logger) dispatcher.Handler {
	return dispatcher.NewHandler(domain.WorkTypeExecuteFlowNode, true, func(ctx context.Context, work domain.WorkDescriptor) error {
		logger.InfoContext(ctx, "flow node triggered",
			"tenant", work.TenantID,
			"flow_node", work.String(domain.ParamFlowNodeID),
			"waiting_event", work.String(domain.ParamWaitingEventID),
			"message", work.String(domain.ParamMessageInstanceID),
		)
		return nil
	})
}

// Start starts the worker pool. The scheduler is started separately, on the
// node that holds scheduling leadership.
func (e *Engine) Start(ctx context.Context) error {
	return e.Dispatcher.Start(ctx)
}

func (e *Engine) StartScheduler(ctx context.Context) error {
	return e.Scheduler.Start(ctx)
}

// Stop halts the scheduler first so no new fires reach a draining
// dispatcher.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
	e.Dispatcher.Stop()
}

// ScheduleJob validates def against the job registry and schedules it in a
// transaction of its own.
func (e *Engine) ScheduleJob(ctx context.Context, def jobs.Definition) (scheduler.ScheduledJob, error) {
	if _, ok := e.Registry.Lookup(def.Implementation); !ok {
		return scheduler.ScheduledJob{}, fmt.Errorf("%w: %s", jobs.ErrUnknownImplementation, def.Implementation)
	}
	job, params, trigger, err := def.Build(e.clock())
	if err != nil {
		return scheduler.ScheduledJob{}, err
	}

	err = e.Tx.InTransaction(ctx, func(ctx context.Context) error {
		return e.Scheduler.Schedule(ctx, job, params, trigger)
	})
	if err != nil {
		return scheduler.ScheduledJob{}, err
	}

	sj, _ := e.Scheduler.Lookup(def.Tenant, def.Name)
	return sj, nil
}

// DeleteJob removes a trigger; false when it was not registered.
func (e *Engine) DeleteJob(ctx context.Context, tenant domain.TenantID, name string) (bool, error) {
	var deleted bool
	err := e.Tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = e.Scheduler.Delete(ctx, tenant, name)
		return err
	})
	return deleted, err
}

// PublishMessage stores a message instance and registers its correlation,
// which runs once the storing transaction has committed.
func (e *Engine) PublishMessage(ctx context.Context, tenant domain.TenantID, name string, values []string) (domain.MessageInstance, error) {
	if name == "" {
		return domain.MessageInstance{}, fmt.Errorf("%w: message name required", ErrInvalidRequest)
	}
	msg := domain.MessageInstance{
		ID:                uuid.New(),
		TenantID:          tenant,
		Name:              name,
		CorrelationValues: values,
		CreatedAt:         e.clock().UTC(),
	}

	err := e.Tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := e.messages.SaveMessageInstance(ctx, msg); err != nil {
			return fmt.Errorf("save message instance: %w", err)
		}
		return e.Dispatcher.RegisterWork(ctx, correlation.NewWork(msg))
	})
	if err != nil {
		return domain.MessageInstance{}, err
	}
	e.logger.Debug("message published", "tenant", tenant, "message", msg.ID, "name", name)
	return msg, nil
}

// WaitFor registers a waiting event for flowNode. A matching message that
// arrived earlier is correlated once the transaction commits.
func (e *Engine) WaitFor(ctx context.Context, tenant domain.TenantID, name string, values []string, flowNode uuid.UUID) (domain.WaitingEvent, error) {
	if name == "" {
		return domain.WaitingEvent{}, fmt.Errorf("%w: message name required", ErrInvalidRequest)
	}
	if flowNode == uuid.Nil {
		return domain.WaitingEvent{}, fmt.Errorf("%w: flow node instance required", ErrInvalidRequest)
	}
	ev := domain.WaitingEvent{
		ID:                 uuid.New(),
		TenantID:           tenant,
		Name:               name,
		CorrelationValues:  values,
		FlowNodeInstanceID: flowNode,
		Active:             true,
		CreatedAt:          e.clock().UTC(),
	}

	err := e.Tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := e.messages.SaveWaitingEvent(ctx, ev); err != nil {
			return fmt.Errorf("save waiting event: %w", err)
		}
		return e.Dispatcher.RegisterWork(ctx, correlation.NewWaitingEventWork(ev))
	})
	if err != nil {
		return domain.WaitingEvent{}, err
	}
	return ev, nil
}

// CancelWait deletes a waiting event. A correlation that already picked it
// as a candidate skips it as vanished.
func (e *Engine) CancelWait(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := e.Tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = e.messages.DeleteWaitingEvent(ctx, id)
		return err
	})
	return deleted, err
}

// Bootstrap schedules the definitions of a jobs file.
func (e *Engine) Bootstrap(ctx context.Context, defs []jobs.Definition) (int, error) {
	return jobs.Bootstrap(ctx, defs, e.Registry, e.Scheduler, e.Tx, e.logger)
}
