// Package leaderelection elects the node that runs the trigger scheduler and
// the reconciler, using a Postgres advisory lock.
//
// The lock is session-scoped and held for the lifetime of a dedicated
// connection. There is no renewal or TTL: if the connection dies, Postgres
// releases the lock server-side.
//
// The heartbeat ping only detects local connection death so the leader can
// stop its duties promptly. It does not renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

const queryTryLock = "SELECT pg_try_advisory_lock($1)"

// MetricsSink records leadership changes. Methods must not block.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink
	logger            *slog.Logger
	leader            atomic.Bool
}

// New creates an Elector.
//
// onElected runs in a new goroutine when this node acquires the lock. Its
// context is cancelled when leadership is lost. It should start the leader
// duties and return quickly.
//
// onDemoted runs synchronously when leadership is lost. It must stop the
// leader duties, block until they are stopped, and be idempotent.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
	logger *slog.Logger,
) *Elector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		logger:            logger.With("component", "leader", "lock_key", lockKey),
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this node currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run starts the election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("starting election loop", "retry", e.retryInterval, "heartbeat", e.heartbeatInterval)

	for {
		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			e.logger.Info("election loop stopped")
			return
		}
		if reason != "" {
			e.logger.Warn("lost leadership", "reason", reason, "retry_in", e.retryInterval)
		}

		select {
		case <-ctx.Done():
			e.logger.Info("election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce tries to take the lock and holds it until it is lost. Returns the
// reason leadership ended, or "" when the lock was not acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("failed to acquire dedicated connection", "error", err)
		}
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, queryTryLock, e.lockKey).Scan(&acquired); err != nil {
		if ctx.Err() == nil {
			e.logger.Error("advisory lock query failed", "error", err)
		}
		return ""
	}
	if !acquired {
		e.logger.Debug("lock held by another node")
		return ""
	}

	e.logger.Info("acquired leadership")
	e.leader.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.onDemoted()
	e.leader.Store(false)

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	e.logger.Info("released leadership", "reason", reason)
	return reason
}

func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				e.logger.Error("dedicated connection ping failed", "error", err)
				return "conn_lost"
			}
		}
	}
}
