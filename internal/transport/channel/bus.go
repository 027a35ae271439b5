// Package channel provides the in-process work queue.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/easyflow/internal/domain"
)

// ErrBufferFull is returned when the queue buffer stays full for the whole
// emit timeout.
var ErrBufferFull = errors.New("work queue buffer full")

// DefaultEmitTimeout bounds how long Emit blocks on a full buffer.
const DefaultEmitTimeout = 5 * time.Second

// MetricsSink receives buffer gauges. Methods must not block.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*WorkQueue)

func WithEmitTimeout(d time.Duration) Option {
	return func(q *WorkQueue) { q.emitTimeout = d }
}

func WithMetrics(sink MetricsSink) Option {
	return func(q *WorkQueue) { q.metrics = sink }
}

type WorkQueue struct {
	ch          chan domain.WorkDescriptor
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewWorkQueue(buffer int, opts ...Option) *WorkQueue {
	q := &WorkQueue{
		ch:          make(chan domain.WorkDescriptor, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics != nil {
		q.metrics.BufferCapacitySet(buffer)
	}
	return q
}

func (q *WorkQueue) Emit(ctx context.Context, work domain.WorkDescriptor) error {
	timer := time.NewTimer(q.emitTimeout)
	defer timer.Stop()

	select {
	case q.ch <- work:
		q.observe()
		return nil
	case <-timer.C:
		if q.metrics != nil {
			q.metrics.EmitError()
		}
		return ErrBufferFull
	case <-ctx.Done():
		if q.metrics != nil {
			q.metrics.EmitError()
		}
		return ctx.Err()
	}
}

func (q *WorkQueue) Channel() <-chan domain.WorkDescriptor {
	return q.ch
}

// Len returns the number of buffered work items.
func (q *WorkQueue) Len() int { return len(q.ch) }

func (q *WorkQueue) observe() {
	if q.metrics == nil {
		return
	}
	size := len(q.ch)
	q.metrics.BufferSizeUpdate(size)
	if c := cap(q.ch); c > 0 {
		q.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}
