package correlation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easyflow/internal/dispatcher"
	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/session"
	"github.com/djlord-it/easyflow/internal/testutil"
	"github.com/djlord-it/easyflow/internal/transport/channel"
	"github.com/djlord-it/easyflow/internal/txn"
)

type recordingTrigger struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (r *recordingTrigger) TriggerCatchEvent(_ context.Context, ev domain.WaitingEvent, _ uuid.UUID) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ev.ID)
	return nil
}

// spyStore counts flips on top of a MemoryStore.
type spyStore struct {
	*MemoryStore
	deactivated []uuid.UUID
	readErr     error
	lostHandled bool
}

func (s *spyStore) GetWaitingEventForUpdate(ctx context.Context, id uuid.UUID) (domain.WaitingEvent, error) {
	if s.readErr != nil {
		return domain.WaitingEvent{}, s.readErr
	}
	return s.MemoryStore.GetWaitingEventForUpdate(ctx, id)
}

func (s *spyStore) MarkMessageHandled(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.lostHandled {
		return false, nil
	}
	return s.MemoryStore.MarkMessageHandled(ctx, id)
}

func (s *spyStore) DeactivateWaitingEvent(ctx context.Context, id uuid.UUID) (bool, error) {
	s.deactivated = append(s.deactivated, id)
	return s.MemoryStore.DeactivateWaitingEvent(ctx, id)
}

var created = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func message(tenant domain.TenantID, name string, values ...string) domain.MessageInstance {
	return domain.MessageInstance{ID: uuid.New(), TenantID: tenant, Name: name, CorrelationValues: values, CreatedAt: created}
}

func waiting(msg domain.MessageInstance, active bool, age time.Duration) domain.WaitingEvent {
	return domain.WaitingEvent{
		ID:                 uuid.New(),
		TenantID:           msg.TenantID,
		Name:               msg.Name,
		CorrelationValues:  msg.CorrelationValues,
		FlowNodeInstanceID: uuid.New(),
		Active:             active,
		CreatedAt:          created.Add(-age),
	}
}

type fixture struct {
	store   *spyStore
	trigger *recordingTrigger
	c       *Correlator
	tx      *txn.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   &spyStore{MemoryStore: NewMemoryStore()},
		trigger: &recordingTrigger{},
		tx:      txn.NewManager(nil, nil),
	}
	f.c = New(f.store, f.trigger, nil)
	return f
}

func (f *fixture) seed(t *testing.T, msg domain.MessageInstance, events ...domain.WaitingEvent) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveMessageInstance(ctx, msg))
	for _, ev := range events {
		require.NoError(t, f.store.SaveWaitingEvent(ctx, ev))
	}
}

func (f *fixture) correlate(msg domain.MessageInstance, candidates ...domain.WaitingEvent) (Result, error) {
	var res Result
	err := f.tx.InTransaction(context.Background(), func(ctx context.Context) error {
		var err error
		res, err = f.c.Correlate(ctx, msg, candidates)
		return err
	})
	return res, err
}

func TestCorrelate_ActiveAndConsumedCandidates(t *testing.T) {
	f := newFixture(t)
	msg := message(1, "order-paid", "order-7")
	consumed := waiting(msg, false, 2*time.Minute)
	active := waiting(msg, true, time.Minute)
	f.seed(t, msg, consumed, active)

	res, err := f.correlate(msg, consumed, active)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, active.ID, res.WaitingEventID)

	assert.Equal(t, []uuid.UUID{active.ID}, f.trigger.calls, "exactly one catch event, for the active one")
	assert.Equal(t, []uuid.UUID{active.ID}, f.store.deactivated, "consumed event left untouched")

	got, _ := f.store.GetMessageInstanceForUpdate(context.Background(), msg.ID)
	assert.True(t, got.Handled)
	ev, _ := f.store.GetWaitingEventForUpdate(context.Background(), active.ID)
	assert.False(t, ev.Active)
}

func TestCorrelate_AlreadyHandledMessage(t *testing.T) {
	f := newFixture(t)
	msg := message(1, "order-paid", "order-7")
	first := waiting(msg, true, time.Minute)
	second := waiting(msg, true, 0)
	f.seed(t, msg, first, second)

	_, err := f.correlate(msg, first)
	require.NoError(t, err)
	require.Len(t, f.trigger.calls, 1)

	// Candidate list content does not matter once the message is handled,
	// including a stale snapshot claiming it is not.
	res, err := f.correlate(msg, second, first)
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Len(t, f.trigger.calls, 1)

	ev, _ := f.store.GetWaitingEventForUpdate(context.Background(), second.ID)
	assert.True(t, ev.Active)
}

func TestCorrelate_VanishedCandidateSkipped(t *testing.T) {
	f := newFixture(t)
	msg := message(1, "m")
	gone := waiting(msg, true, time.Minute) // never stored
	active := waiting(msg, true, 0)
	f.seed(t, msg, active)

	res, err := f.correlate(msg, gone, active)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, 1, res.Vanished)
	assert.Equal(t, active.ID, res.WaitingEventID)
}

func TestCorrelate_VanishedMessage(t *testing.T) {
	f := newFixture(t)
	msg := message(1, "m")
	ev := waiting(msg, true, 0)
	f.seed(t, domain.MessageInstance{ID: uuid.New()}, ev)

	res, err := f.correlate(msg, ev)
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Empty(t, f.trigger.calls)
}

func TestCorrelate_NoMatchingCandidate(t *testing.T) {
	f := newFixture(t)
	msg := message(1, "m", "a")
	other := waiting(message(1, "m", "b"), true, 0)
	f.seed(t, msg, other)

	res, err := f.correlate(msg, other)
	require.NoError(t, err)
	assert.False(t, res.Triggered)

	got, _ := f.store.GetMessageInstanceForUpdate(context.Background(), msg.ID)
	assert.False(t, got.Handled)
}

func TestCorrelate_RequiresTransaction(t *testing.T) {
	f := newFixture(t)
	msg := message(1, "m")
	f.seed(t, msg)

	_, err := f.c.Correlate(context.Background(), msg, nil)
	assert.ErrorIs(t, err, txn.ErrNoTransaction)
}

func TestCorrelate_StorageReadFailurePropagates(t *testing.T) {
	f := newFixture(t)
	msg := message(1, "m")
	ev := waiting(msg, true, 0)
	f.seed(t, msg, ev)
	down := errors.New("connection reset")
	f.store.readErr = down

	_, err := f.correlate(msg, ev)
	assert.ErrorIs(t, err, down)
	assert.Empty(t, f.trigger.calls)
}

func TestCorrelate_TriggerFailureLeavesMessageUnhandled(t *testing.T) {
	f := newFixture(t)
	msg := message(1, "m")
	ev := waiting(msg, true, 0)
	f.seed(t, msg, ev)
	f.trigger.err = errors.New("flow node gone")

	_, err := f.correlate(msg, ev)
	require.Error(t, err)

	got, _ := f.store.GetMessageInstanceForUpdate(context.Background(), msg.ID)
	assert.False(t, got.Handled)
	still, _ := f.store.GetWaitingEventForUpdate(context.Background(), ev.ID)
	assert.True(t, still.Active)
}

func TestCorrelate_LostRaceIsConflict(t *testing.T) {
	f := newFixture(t)
	msg := message(1, "m")
	ev := waiting(msg, true, 0)
	f.seed(t, msg, ev)
	f.store.lostHandled = true

	_, err := f.correlate(msg, ev)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Empty(t, f.store.deactivated)
}

// interleavingTrigger runs between another correlator's reads and its flips.
type interleavingTrigger struct {
	once sync.Once
	run  func()
}

func (i *interleavingTrigger) TriggerCatchEvent(context.Context, domain.WaitingEvent, uuid.UUID) error {
	i.once.Do(i.run)
	return nil
}

func TestCorrelate_LostRaceRevertsHandledFlip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tm := txn.NewManager(nil, nil)
	m1 := message(1, "m", "k")
	m2 := message(1, "m", "k")
	ev := waiting(m1, true, 0)
	require.NoError(t, store.SaveMessageInstance(ctx, m1))
	require.NoError(t, store.SaveMessageInstance(ctx, m2))
	require.NoError(t, store.SaveWaitingEvent(ctx, ev))

	winner := New(store, &recordingTrigger{}, nil)
	loser := New(store, &interleavingTrigger{run: func() {
		err := tm.InTransaction(context.Background(), func(ctx context.Context) error {
			res, err := winner.Correlate(ctx, m1, []domain.WaitingEvent{ev})
			assert.True(t, res.Triggered)
			return err
		})
		require.NoError(t, err)
	}}, nil)

	// The loser flips m2 handled, then finds ev already consumed.
	err := tm.InTransaction(ctx, func(ctx context.Context) error {
		_, err := loser.Correlate(ctx, m2, []domain.WaitingEvent{ev})
		return err
	})
	require.ErrorIs(t, err, ErrConflict)

	got, _ := store.GetMessageInstanceForUpdate(ctx, m2.ID)
	assert.False(t, got.Handled, "rolled back flip must not outlive the transaction")
	pending, _ := store.FindMessageInstances(ctx, 1, "m", []string{"k"}, 0)
	require.Len(t, pending, 1)
	assert.Equal(t, m2.ID, pending[0].ID)

	got, _ = store.GetMessageInstanceForUpdate(ctx, m1.ID)
	assert.True(t, got.Handled, "committed flip kept")
	consumed, _ := store.GetWaitingEventForUpdate(ctx, ev.ID)
	assert.False(t, consumed.Active)
}

func TestMemoryStore_RollbackRevertsWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tm := txn.NewManager(nil, nil)
	msg := message(2, "m")
	kept := waiting(msg, true, time.Minute)
	dropped := waiting(msg, true, 0)
	require.NoError(t, store.SaveMessageInstance(ctx, msg))
	require.NoError(t, store.SaveWaitingEvent(ctx, kept))

	errAbort := errors.New("abort")
	err := tm.InTransaction(ctx, func(ctx context.Context) error {
		_, err := store.MarkMessageHandled(ctx, msg.ID)
		require.NoError(t, err)
		_, err = store.DeactivateWaitingEvent(ctx, kept.ID)
		require.NoError(t, err)
		require.NoError(t, store.SaveWaitingEvent(ctx, dropped))
		deleted, err := store.DeleteWaitingEvent(ctx, kept.ID)
		require.NoError(t, err)
		require.True(t, deleted)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	got, _ := store.GetMessageInstanceForUpdate(ctx, msg.ID)
	assert.False(t, got.Handled)
	ev, err := store.GetWaitingEventForUpdate(ctx, kept.ID)
	require.NoError(t, err)
	assert.True(t, ev.Active)
	_, err = store.GetWaitingEventForUpdate(ctx, dropped.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, store.journals)

	// Committed writes stay.
	err = tm.InTransaction(ctx, func(ctx context.Context) error {
		_, err := store.MarkMessageHandled(ctx, msg.ID)
		return err
	})
	require.NoError(t, err)
	got, _ = store.GetMessageInstanceForUpdate(ctx, msg.ID)
	assert.True(t, got.Handled)
	assert.Empty(t, store.journals)
}

// engine wires the correlator behind a running dispatcher, so flow node
// work only runs once the correlation transaction commits.
type engine struct {
	d     *dispatcher.Dispatcher
	store *MemoryStore

	mu        sync.Mutex
	flowNodes []domain.WorkDescriptor
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	e := &engine{store: NewMemoryStore()}
	tx := txn.NewManager(nil, nil)
	e.d = dispatcher.New(dispatcher.Config{Workers: 2}, tx, session.NewManager(), channel.NewWorkQueue(64), nil)
	c := New(e.store, WorkTrigger{Work: e.d}, nil)
	e.d.WithHandler(c.Handler(0))
	e.d.WithHandler(dispatcher.NewHandler(domain.WorkTypeExecuteFlowNode, false, func(_ context.Context, w domain.WorkDescriptor) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.flowNodes = append(e.flowNodes, w)
		return nil
	}))
	require.NoError(t, e.d.Start(context.Background()))
	t.Cleanup(e.d.Stop)
	return e
}

func (e *engine) triggered() []domain.WorkDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.WorkDescriptor, len(e.flowNodes))
	copy(out, e.flowNodes)
	return out
}

func (e *engine) waitFor(t *testing.T, n int) []domain.WorkDescriptor {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.triggered()) >= n }, 2*time.Second, 5*time.Millisecond)
	// Give stray work a chance to show up.
	time.Sleep(50 * time.Millisecond)
	return e.triggered()
}

func TestHandler_MessageWorkTriggersFlowNode(t *testing.T) {
	e := newEngine(t)
	ctx := testutil.TestContext(t)
	msg := message(4, "shipment", "s-1")
	ev := waiting(msg, true, 0)
	require.NoError(t, e.store.SaveMessageInstance(ctx, msg))
	require.NoError(t, e.store.SaveWaitingEvent(ctx, ev))

	require.NoError(t, e.d.Process(ctx, NewWork(msg)))

	out := e.waitFor(t, 1)
	require.Len(t, out, 1)
	w := out[0]
	assert.Equal(t, domain.WorkTypeExecuteFlowNode, w.Type)
	assert.Equal(t, domain.TenantID(4), w.TenantID)
	assert.Equal(t, ev.FlowNodeInstanceID, w.UUID(domain.ParamFlowNodeID))
	assert.Equal(t, msg.ID, w.UUID(domain.ParamMessageInstanceID))
}

func TestHandler_WaitingEventWorkFindsEarlierMessage(t *testing.T) {
	e := newEngine(t)
	ctx := testutil.TestContext(t)
	older := message(4, "shipment", "s-1")
	newer := message(4, "shipment", "s-1")
	newer.CreatedAt = older.CreatedAt.Add(time.Second)
	ev := waiting(older, true, 0)
	require.NoError(t, e.store.SaveMessageInstance(ctx, older))
	require.NoError(t, e.store.SaveMessageInstance(ctx, newer))
	require.NoError(t, e.store.SaveWaitingEvent(ctx, ev))

	require.NoError(t, e.d.Process(ctx, NewWaitingEventWork(ev)))

	out := e.waitFor(t, 1)
	require.Len(t, out, 1)
	assert.Equal(t, older.ID, out[0].UUID(domain.ParamMessageInstanceID))

	got, _ := e.store.GetMessageInstanceForUpdate(ctx, newer.ID)
	assert.False(t, got.Handled)
}

func TestHandler_ConcurrentCorrelationIsExactlyOnce(t *testing.T) {
	e := newEngine(t)
	ctx := testutil.TestContext(t)
	msg := message(1, "m", "k")
	require.NoError(t, e.store.SaveMessageInstance(ctx, msg))
	for i := 0; i < 3; i++ {
		require.NoError(t, e.store.SaveWaitingEvent(ctx, waiting(msg, true, time.Duration(i)*time.Second)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.d.Process(ctx, NewWork(msg))
		}()
	}
	wg.Wait()

	// Losers roll back, so their flow node work is discarded.
	assert.Len(t, e.waitFor(t, 1), 1)
	active, _ := e.store.FindWaitingEvents(ctx, 1, "m", []string{"k"}, 0)
	assert.Len(t, active, 2)
}
