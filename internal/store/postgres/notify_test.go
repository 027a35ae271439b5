package postgres

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/djlord-it/easyflow/internal/txn"
)

func TestSaveJob_NotifyFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	tm := txn.NewManager(store.Begin, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO scheduled_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT pg_notify`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := tm.InTransaction(context.Background(), func(ctx context.Context) error {
		return store.SaveJob(ctx, testJob())
	})
	if err == nil {
		t.Fatal("expected error when the change notification fails")
	}
	expectationsMet(t, mock)
}

func TestForwardNotifications(t *testing.T) {
	notify := make(chan *pq.Notification)
	changes := make(chan struct{}, 1)
	var pings atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		forwardNotifications(ctx, notify, func() error { pings.Add(1); return nil }, changes, 5*time.Millisecond)
	}()

	notify <- &pq.Notification{Channel: SchedulerChannel, Extra: "3"}
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("notification was not forwarded")
	}

	// A reconnect is reported as a nil notification.
	notify <- nil
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("reconnect was not forwarded")
	}

	// Signals coalesce while nobody consumes them.
	notify <- &pq.Notification{Channel: SchedulerChannel}
	notify <- &pq.Notification{Channel: SchedulerChannel}
	if len(changes) != 1 {
		t.Errorf("pending signals = %d, want 1", len(changes))
	}

	deadline := time.Now().Add(time.Second)
	for pings.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pings.Load() == 0 {
		t.Error("expected the connection to be pinged")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop on cancel")
	}
}

func TestForwardNotifications_ClosedChannel(t *testing.T) {
	notify := make(chan *pq.Notification)
	close(notify)

	done := make(chan struct{})
	go func() {
		defer close(done)
		forwardNotifications(context.Background(), notify, func() error { return nil }, make(chan struct{}, 1), time.Hour)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop when the listener closed")
	}
}
