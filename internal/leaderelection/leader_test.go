package leaderelection

import (
	"context"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	acquired atomic.Int32
	lost     atomic.Value
}

func (m *recordingMetrics) LeaderStatusChanged(bool) {}
func (m *recordingMetrics) LeaderAcquired()          { m.acquired.Add(1) }
func (m *recordingMetrics) LeaderLost(reason string) { m.lost.Store(reason) }

func TestElector_FollowerDoesNotRunDuties(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryTryLock)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	var elected atomic.Bool
	e := New(db, 42, time.Hour, time.Hour, func(context.Context) { elected.Store(true) }, func() {}, nil)

	assert.Equal(t, "", e.runOnce(context.Background()))
	assert.False(t, elected.Load())
	assert.False(t, e.IsLeader())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestElector_LeaderRunsAndStopsDuties(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryTryLock)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))

	dutiesCtx := make(chan context.Context, 1)
	var demoted atomic.Bool
	metrics := &recordingMetrics{}

	e := New(db, 7, time.Hour, time.Hour,
		func(ctx context.Context) { dutiesCtx <- ctx },
		func() { demoted.Store(true) },
		nil,
	).WithMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	reason := make(chan string, 1)
	go func() { reason <- e.runOnce(ctx) }()

	var leaderCtx context.Context
	select {
	case leaderCtx = <-dutiesCtx:
	case <-time.After(time.Second):
		t.Fatal("onElected was not called")
	}
	assert.True(t, e.IsLeader())

	cancel()
	select {
	case r := <-reason:
		assert.Equal(t, "shutdown", r)
	case <-time.After(time.Second):
		t.Fatal("runOnce did not return after shutdown")
	}

	assert.Error(t, leaderCtx.Err(), "duties context must be cancelled")
	assert.True(t, demoted.Load())
	assert.False(t, e.IsLeader())
	assert.Equal(t, int32(1), metrics.acquired.Load())
	assert.Equal(t, "shutdown", metrics.lost.Load())
}

func TestElector_ConnectionLoss(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryTryLock)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectPing().WillReturnError(assert.AnError)

	var demoted atomic.Bool
	e := New(db, 1, time.Hour, 10*time.Millisecond, func(context.Context) {}, func() { demoted.Store(true) }, nil)

	assert.Equal(t, "conn_lost", e.runOnce(context.Background()))
	assert.True(t, demoted.Load())
}
