package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/domain"
)

func newTestWork() domain.WorkDescriptor {
	return domain.NewWorkDescriptor(domain.WorkTypeExecuteJob, 7).
		With(domain.ParamJobID, uuid.NewString()).
		With(domain.ParamJobName, "nightly")
}

func TestWorkQueue_EmitAndReceive(t *testing.T) {
	q := NewWorkQueue(10)
	work := newTestWork()

	ctx := context.Background()
	if err := q.Emit(ctx, work); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}

	select {
	case got := <-q.Channel():
		if got.ID != work.ID {
			t.Errorf("ID = %v, want %v", got.ID, work.ID)
		}
		if got.UUID(domain.ParamJobID) != work.UUID(domain.ParamJobID) {
			t.Errorf("job id = %v, want %v", got.UUID(domain.ParamJobID), work.UUID(domain.ParamJobID))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for work on channel")
	}
}

func TestWorkQueue_BufferFull(t *testing.T) {
	q := NewWorkQueue(1, WithEmitTimeout(50*time.Millisecond))

	ctx := context.Background()

	// Fill the buffer
	if err := q.Emit(ctx, newTestWork()); err != nil {
		t.Fatalf("first Emit failed: %v", err)
	}

	// Second emit should timeout and return ErrBufferFull
	err := q.Emit(ctx, newTestWork())
	if err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got: %v", err)
	}
}

func TestWorkQueue_ContextCancelled(t *testing.T) {
	q := NewWorkQueue(1, WithEmitTimeout(5*time.Second))

	ctx := context.Background()

	// Fill the buffer
	if err := q.Emit(ctx, newTestWork()); err != nil {
		t.Fatalf("first Emit failed: %v", err)
	}

	// Cancel context before second emit
	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Emit(cancelledCtx, newTestWork())
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestWorkQueue_ConcurrentEmit(t *testing.T) {
	q := NewWorkQueue(1000)
	ctx := context.Background()

	const numGoroutines = 10
	const workPerGoroutine = 100

	var wg sync.WaitGroup
	var emitErrors atomic.Int64

	// Consumers
	var received atomic.Int64
	done := make(chan struct{})
	go func() {
		for range q.Channel() {
			received.Add(1)
			if received.Load() >= numGoroutines*workPerGoroutine {
				close(done)
				return
			}
		}
	}()

	// Producers
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < workPerGoroutine; j++ {
				if err := q.Emit(ctx, newTestWork()); err != nil {
					emitErrors.Add(1)
				}
			}
		}()
	}

	wg.Wait()

	// Wait for all work to be consumed
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Logf("received %d of %d work items", received.Load(), numGoroutines*workPerGoroutine)
	}

	if emitErrors.Load() > 0 {
		t.Errorf("had %d emit errors", emitErrors.Load())
	}
}

func TestWorkQueue_WithEmitTimeout(t *testing.T) {
	timeout := 100 * time.Millisecond
	q := NewWorkQueue(1, WithEmitTimeout(timeout))

	if q.emitTimeout != timeout {
		t.Errorf("emitTimeout = %v, want %v", q.emitTimeout, timeout)
	}
}

func TestWorkQueue_DefaultEmitTimeout(t *testing.T) {
	q := NewWorkQueue(10)

	if q.emitTimeout != DefaultEmitTimeout {
		t.Errorf("emitTimeout = %v, want %v", q.emitTimeout, DefaultEmitTimeout)
	}
}

// mockBusMetrics tracks calls to MetricsSink methods.
type mockBusMetrics struct {
	mu                    sync.Mutex
	bufferSizeCalls       []int
	bufferCapacityCalls   []int
	bufferSaturationCalls []float64
	emitErrorCalls        int
}

func (m *mockBusMetrics) BufferSizeUpdate(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferSizeCalls = append(m.bufferSizeCalls, size)
}

func (m *mockBusMetrics) BufferCapacitySet(capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferCapacityCalls = append(m.bufferCapacityCalls, capacity)
}

func (m *mockBusMetrics) BufferSaturationUpdate(saturation float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferSaturationCalls = append(m.bufferSaturationCalls, saturation)
}

func (m *mockBusMetrics) EmitError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErrorCalls++
}

func TestWorkQueue_WithMetrics(t *testing.T) {
	metrics := &mockBusMetrics{}
	q := NewWorkQueue(10, WithMetrics(metrics))

	// BufferCapacitySet should be called on init
	metrics.mu.Lock()
	capCalls := len(metrics.bufferCapacityCalls)
	metrics.mu.Unlock()
	if capCalls != 1 {
		t.Errorf("BufferCapacitySet should be called once on init, got %d calls", capCalls)
	}

	// Emit one work item
	ctx := context.Background()
	if err := q.Emit(ctx, newTestWork()); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	metrics.mu.Lock()
	sizeCalls := len(metrics.bufferSizeCalls)
	satCalls := len(metrics.bufferSaturationCalls)
	metrics.mu.Unlock()

	if sizeCalls != 1 {
		t.Errorf("BufferSizeUpdate should be called once after emit, got %d", sizeCalls)
	}
	if satCalls != 1 {
		t.Errorf("BufferSaturationUpdate should be called once after emit, got %d", satCalls)
	}
}

func TestWorkQueue_MetricsOnBufferFull(t *testing.T) {
	metrics := &mockBusMetrics{}
	q := NewWorkQueue(1, WithEmitTimeout(50*time.Millisecond), WithMetrics(metrics))

	ctx := context.Background()

	// Fill the buffer
	q.Emit(ctx, newTestWork())

	// This should fail
	q.Emit(ctx, newTestWork())

	metrics.mu.Lock()
	errCalls := metrics.emitErrorCalls
	metrics.mu.Unlock()

	if errCalls != 1 {
		t.Errorf("EmitError should be called once on buffer full, got %d", errCalls)
	}
}
