package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/easyflow/internal/domain"
)

// SchedulerChannel is notified whenever a job is saved or deleted or a tenant
// is paused or resumed. The payload is the tenant id.
const SchedulerChannel = "easyflow_scheduler"

const (
	listenerMinReconnect = time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

func (s *Store) notifySchedulerChange(ctx context.Context, tenant domain.TenantID) error {
	if _, err := s.exec(ctx, queryNotify, SchedulerChannel, strconv.FormatInt(int64(tenant), 10)); err != nil {
		return fmt.Errorf("notify %s: %w", SchedulerChannel, err)
	}
	return nil
}

// WatchSchedulerChanges listens on SchedulerChannel with a dedicated
// connection and signals changes until ctx is cancelled. Signals coalesce:
// a full changes buffer drops the new one. A reconnect is signalled as well,
// since notifications sent while disconnected are lost.
func WatchSchedulerChanges(ctx context.Context, databaseURL string, changes chan<- struct{}, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store_listener")

	listener := pq.NewListener(databaseURL, listenerMinReconnect, listenerMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			switch event {
			case pq.ListenerEventDisconnected:
				logger.Warn("listener disconnected", "error", err)
			case pq.ListenerEventReconnected:
				logger.Info("listener reconnected")
			case pq.ListenerEventConnectionAttemptFailed:
				logger.Warn("listener connection attempt failed", "error", err)
			}
		})
	defer listener.Close()

	if err := listener.Listen(SchedulerChannel); err != nil {
		return fmt.Errorf("listen %s: %w", SchedulerChannel, err)
	}
	logger.Info("listening", "channel", SchedulerChannel)

	forwardNotifications(ctx, listener.NotificationChannel(), listener.Ping, changes, listenerPingInterval)
	return nil
}

// forwardNotifications turns notifications into change signals. A nil
// notification marks a reconnect.
func forwardNotifications(ctx context.Context, notify <-chan *pq.Notification, ping func() error, changes chan<- struct{}, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notify:
			if !ok {
				return
			}
			select {
			case changes <- struct{}{}:
			default:
			}
		case <-ticker.C:
			// Ping detects a dead connection that never reported an error.
			go func() { _ = ping() }()
		}
	}
}
