package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easyflow/internal/domain"
)

// fakeChannel routes published messages straight to the consumer.
type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp091.Publishing
	deliveries chan amqp091.Delivery
	publishErr error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp091.Delivery, 16)}
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp091.Table) (<-chan amqp091.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeAck records acknowledgements by delivery tag.
type fakeAck struct {
	mu       sync.Mutex
	acked    []uint64
	rejected []uint64
	nacked   []uint64
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAck) Reject(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, tag)
	return nil
}

func (a *fakeAck) counts() (acked, rejected, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.rejected), len(a.nacked)
}

func TestEmit_PublishesPersistentJSON(t *testing.T) {
	ch := newFakeChannel()
	q := NewWorkQueue(ch, "easyflow.work", nil)

	work := domain.NewWorkDescriptor(domain.WorkTypeMessageCorrelation, 5).With(domain.ParamMessageInstanceID, "m-1")
	require.NoError(t, q.Emit(context.Background(), work))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)
	assert.Equal(t, work.ID.String(), msg.MessageId)
	assert.Equal(t, domain.WorkTypeMessageCorrelation, msg.Type)

	var decoded domain.WorkDescriptor
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, work.ID, decoded.ID)
	assert.Equal(t, "m-1", decoded.String(domain.ParamMessageInstanceID))
}

func TestEmit_PublishError(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = errors.New("channel closed")
	q := NewWorkQueue(ch, "easyflow.work", nil)

	err := q.Emit(context.Background(), domain.NewWorkDescriptor(domain.WorkTypeExecuteJob, 1))
	assert.ErrorIs(t, err, ch.publishErr)
}

func TestConsume_AcksAfterHandoff(t *testing.T) {
	ch := newFakeChannel()
	ack := &fakeAck{}
	q := NewWorkQueue(ch, "easyflow.work", nil)
	require.NoError(t, q.Start(context.Background(), "test"))
	defer q.Close()

	work := domain.NewWorkDescriptor(domain.WorkTypeExecuteJob, 3).With(domain.ParamJobName, "nightly")
	body, _ := json.Marshal(work)
	ch.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}

	select {
	case got := <-q.Channel():
		assert.Equal(t, work.ID, got.ID)
		assert.Equal(t, "nightly", got.String(domain.ParamJobName))
	case <-time.After(time.Second):
		t.Fatal("work was not delivered")
	}

	assert.Eventually(t, func() bool {
		acked, _, _ := ack.counts()
		return acked == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConsume_RejectsUndecodable(t *testing.T) {
	ch := newFakeChannel()
	ack := &fakeAck{}
	q := NewWorkQueue(ch, "easyflow.work", nil)
	require.NoError(t, q.Start(context.Background(), "test"))
	defer q.Close()

	ch.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 9, Body: []byte("{not json")}

	assert.Eventually(t, func() bool {
		_, rejected, _ := ack.counts()
		return rejected == 1
	}, time.Second, 10*time.Millisecond)
}

func TestClose_RequeuesPendingDeliveryAndClosesChannel(t *testing.T) {
	ch := newFakeChannel()
	ack := &fakeAck{}
	q := NewWorkQueue(ch, "easyflow.work", nil)
	require.NoError(t, q.Start(context.Background(), "test"))

	body, _ := json.Marshal(domain.NewWorkDescriptor(domain.WorkTypeExecuteJob, 1))
	ch.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: body}

	// Nobody reads the output channel, so the delivery waits for a worker.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	acked, _, nacked := ack.counts()
	assert.Equal(t, 0, acked)
	assert.Equal(t, 1, nacked)
	assert.True(t, ch.closed)

	_, open := <-q.Channel()
	assert.False(t, open, "output channel must be closed")

	assert.ErrorIs(t, q.Emit(context.Background(), domain.NewWorkDescriptor(domain.WorkTypeExecuteJob, 1)), ErrClosed)
}

func deliverWork(t *testing.T, ch *fakeChannel, ack *fakeAck, tag uint64) domain.WorkDescriptor {
	t.Helper()
	work := domain.NewWorkDescriptor(domain.WorkTypeExecuteJob, 3)
	body, err := json.Marshal(work)
	require.NoError(t, err)
	ch.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
	return work
}

func receive(t *testing.T, q *WorkQueue) domain.WorkDescriptor {
	t.Helper()
	select {
	case got, ok := <-q.Channel():
		require.True(t, ok, "output channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("work was not delivered")
		return domain.WorkDescriptor{}
	}
}

func TestConsume_ReconnectsWhenDeliveriesClose(t *testing.T) {
	first, second := newFakeChannel(), newFakeChannel()
	ack := &fakeAck{}
	q := NewWorkQueue(first, "easyflow.work", nil)

	var mu sync.Mutex
	dials := 0
	q.dial = func() (Channel, io.Closer, <-chan *amqp091.Error, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return nil, nil, nil, errors.New("connection refused")
		}
		return second, nil, nil, nil
	}
	q.minBackoff, q.maxBackoff = time.Millisecond, 5*time.Millisecond

	require.NoError(t, q.Start(context.Background(), "test"))
	defer q.Close()

	want := deliverWork(t, first, ack, 1)
	assert.Equal(t, want.ID, receive(t, q).ID)

	// The broker drops the connection.
	close(first.deliveries)
	assert.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond, "dead channel released")

	want = deliverWork(t, second, ack, 2)
	assert.Equal(t, want.ID, receive(t, q).ID, "consumption resumes on the new channel")

	require.NoError(t, q.Emit(context.Background(), domain.NewWorkDescriptor(domain.WorkTypeExecuteJob, 1)))
	second.mu.Lock()
	assert.Len(t, second.published, 1, "publishing moves to the new channel")
	second.mu.Unlock()

	mu.Lock()
	assert.Equal(t, 2, dials, "one failed attempt, then success")
	mu.Unlock()

	require.NoError(t, q.Close())
	assert.True(t, second.isClosed())
}

func TestConsume_CallerOwnedChannelClosesOutput(t *testing.T) {
	ch := newFakeChannel()
	q := NewWorkQueue(ch, "easyflow.work", nil)
	require.NoError(t, q.Start(context.Background(), "test"))
	defer q.Close()

	close(ch.deliveries)

	select {
	case _, open := <-q.Channel():
		assert.False(t, open, "output channel must be closed")
	case <-time.After(time.Second):
		t.Fatal("output channel was not closed")
	}
}

func TestResume_StopsOnCancel(t *testing.T) {
	ch := newFakeChannel()
	q := NewWorkQueue(ch, "easyflow.work", nil)
	q.dial = func() (Channel, io.Closer, <-chan *amqp091.Error, error) {
		return nil, nil, nil, errors.New("connection refused")
	}
	q.minBackoff, q.maxBackoff = time.Millisecond, time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx, "test"))
	close(ch.deliveries)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case _, open := <-q.Channel():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("redial loop did not stop on cancel")
	}
	require.NoError(t, q.Close())
}
