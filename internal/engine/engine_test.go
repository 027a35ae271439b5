package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easyflow/internal/correlation"
	"github.com/djlord-it/easyflow/internal/dispatcher"
	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/jobs"
	"github.com/djlord-it/easyflow/internal/logging"
)

// firings counts execute-job runs per tenant and keeps the scheduled times.
type firings struct {
	mu        sync.Mutex
	byTenant  map[domain.TenantID]int
	scheduled []time.Time
}

func (f *firings) Run(_ context.Context, exec jobs.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byTenant[exec.TenantID]++
	f.scheduled = append(f.scheduled, exec.ScheduledAt)
	return nil
}

func (f *firings) count(tenant domain.TenantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byTenant[tenant]
}

func (f *firings) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.scheduled...)
}

// catches records execute-flow-node work by waiting event.
type catches struct {
	mu     sync.Mutex
	events []string
}

func (c *catches) handler() dispatcher.Handler {
	return dispatcher.NewHandler(domain.WorkTypeExecuteFlowNode, true, func(_ context.Context, work domain.WorkDescriptor) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, work.String(domain.ParamWaitingEventID))
		return nil
	})
}

func (c *catches) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

type harness struct {
	*Engine
	fired   *firings
	caught  *catches
	store   *correlation.MemoryStore
	counter atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		fired:  &firings{byTenant: make(map[domain.TenantID]int)},
		caught: &catches{},
		store:  correlation.NewMemoryStore(),
	}
	h.Engine = New(Config{NodeName: "test-node", Workers: 2, QueueSize: 16}, Deps{Messages: h.store}, logging.Discard())
	require.NoError(t, h.Registry.Register("record", h.fired))
	require.NoError(t, h.Registry.Register("count", jobs.JobFunc(func(context.Context, jobs.Execution) error {
		h.counter.Add(1)
		return nil
	})))
	h.Dispatcher.WithHandler(h.caught.handler())

	ctx := context.Background()
	require.NoError(t, h.Start(ctx))
	require.NoError(t, h.StartScheduler(ctx))
	t.Cleanup(h.Stop)
	return h
}

func delayed(tenant domain.TenantID, name, impl, delay string) jobs.Definition {
	return jobs.Definition{
		Tenant:         tenant,
		Name:           name,
		Implementation: impl,
		Trigger:        jobs.TriggerSpec{Kind: domain.TriggerKindDelayedOneShot, Delay: delay},
	}
}

func TestEngine_DistantTriggerDoesNotFire(t *testing.T) {
	h := newHarness(t)

	_, err := h.ScheduleJob(context.Background(), delayed(1, "far", "record", "10000000ms"))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, h.fired.count(1))
}

func TestEngine_CronFiresEverySecond(t *testing.T) {
	h := newHarness(t)

	_, err := h.ScheduleJob(context.Background(), jobs.Definition{
		Tenant:         1,
		Name:           "tick",
		Implementation: "record",
		Trigger:        jobs.TriggerSpec{Kind: domain.TriggerKindCron, Cron: "* * * * * *"},
	})
	require.NoError(t, err)

	time.Sleep(2500 * time.Millisecond)

	times := h.fired.times()
	require.GreaterOrEqual(t, len(times), 2)
	for i := 1; i < len(times); i++ {
		assert.True(t, times[i].After(times[i-1]), "fire %d at %v not after %v", i, times[i], times[i-1])
	}
}

func TestEngine_DeleteUnknownJob(t *testing.T) {
	h := newHarness(t)

	deleted, err := h.DeleteJob(context.Background(), 1, "unknown")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestEngine_OneShotFiresOnceThenDeletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ScheduleJob(ctx, delayed(1, "once", "count", "50ms"))
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(1), h.counter.Load())

	deleted, err := h.DeleteJob(ctx, 1, "once")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestEngine_PauseIsolatesTenants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.Scheduler.PauseJobs(ctx, 1))
	_, err := h.ScheduleJob(ctx, delayed(1, "paused", "record", "50ms"))
	require.NoError(t, err)
	_, err = h.ScheduleJob(ctx, delayed(2, "running", "record", "50ms"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.fired.count(2) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.fired.count(1))

	require.NoError(t, h.Scheduler.ResumeJobs(ctx, 1))
	assert.Eventually(t, func() bool { return h.fired.count(1) == 1 }, time.Second, 10*time.Millisecond)
}

func TestEngine_UnknownImplementationRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.ScheduleJob(context.Background(), delayed(1, "x", "nope", "1s"))
	assert.ErrorIs(t, err, jobs.ErrUnknownImplementation)
	_, ok := h.Scheduler.Lookup(1, "x")
	assert.False(t, ok)
}

func TestEngine_RegisterWorkRequiresTransaction(t *testing.T) {
	h := newHarness(t)

	work := domain.NewWorkDescriptor(domain.WorkTypeExecuteJob, 1)
	err := h.Dispatcher.RegisterWork(context.Background(), work)
	assert.ErrorIs(t, err, dispatcher.ErrWorkRegister)
}

func TestEngine_MessageTriggersWaitingEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev, err := h.WaitFor(ctx, 1, "order-paid", []string{"o-1"}, uuid.New())
	require.NoError(t, err)
	_, err = h.PublishMessage(ctx, 1, "order-paid", []string{"o-1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.caught.list()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{ev.ID.String()}, h.caught.list())
}

func TestEngine_EarlyMessageWaitsForEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msg, err := h.PublishMessage(ctx, 1, "order-paid", []string{"o-2"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.caught.list())

	ev, err := h.WaitFor(ctx, 1, "order-paid", []string{"o-2"}, uuid.New())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.caught.list()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, ev.ID.String(), h.caught.list()[0])

	stored, err := h.store.GetMessageInstanceForUpdate(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Handled)
}

func TestEngine_ConsumedCandidateIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	consumed := domain.WaitingEvent{
		ID: uuid.New(), TenantID: 1, Name: "shipped", CorrelationValues: []string{"s-1"},
		FlowNodeInstanceID: uuid.New(), Active: false, CreatedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, h.store.SaveWaitingEvent(ctx, consumed))
	active, err := h.WaitFor(ctx, 1, "shipped", []string{"s-1"}, uuid.New())
	require.NoError(t, err)

	_, err = h.PublishMessage(ctx, 1, "shipped", []string{"s-1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.caught.list()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(h.caught.list()) > 1 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, active.ID.String(), h.caught.list()[0])
}

func TestEngine_HandledMessageIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.WaitFor(ctx, 1, "done", []string{"d-1"}, uuid.New())
	require.NoError(t, err)

	handled := domain.MessageInstance{ID: uuid.New(), TenantID: 1, Name: "done", CorrelationValues: []string{"d-1"}, Handled: true}
	require.NoError(t, h.store.SaveMessageInstance(ctx, handled))
	require.NoError(t, h.Tx.InTransaction(ctx, func(ctx context.Context) error {
		return h.Dispatcher.RegisterWork(ctx, correlation.NewWork(handled))
	}))

	assert.Never(t, func() bool { return len(h.caught.list()) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestEngine_CancelledWaitIsNotTriggered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev, err := h.WaitFor(ctx, 1, "cancelled", []string{"c-1"}, uuid.New())
	require.NoError(t, err)
	deleted, err := h.CancelWait(ctx, ev.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = h.PublishMessage(ctx, 1, "cancelled", []string{"c-1"})
	require.NoError(t, err)

	assert.Never(t, func() bool { return len(h.caught.list()) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestEngine_InvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.PublishMessage(ctx, 1, "", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.WaitFor(ctx, 1, "x", nil, uuid.Nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEngine_Bootstrap(t *testing.T) {
	h := newHarness(t)

	defs := []jobs.Definition{delayed(3, "boot", "log", "1h")}
	n, err := h.Bootstrap(context.Background(), defs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.Bootstrap(context.Background(), defs)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
