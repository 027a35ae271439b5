// Package amqp carries work descriptors between nodes over a durable
// RabbitMQ queue. Every node publishes committed work to the queue and its
// dispatcher consumes from it, so work registered on one node may run on
// another.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/djlord-it/easyflow/internal/domain"
)

var ErrClosed = errors.New("amqp work queue closed")

const contentType = "application/json"

// Channel is the subset of *amqp091.Channel the queue uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Close() error
}

type Config struct {
	URL      string
	Queue    string
	Prefetch int // unacknowledged deliveries per consumer; default 16

	// Redial backoff after the broker drops the connection; default 1s
	// doubling up to 30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// dialFunc opens a channel on which the work queue is declared. conn may be
// nil; closed reports why the channel went away and may be nil.
type dialFunc func() (ch Channel, conn io.Closer, closed <-chan *amqp091.Error, err error)

type WorkQueue struct {
	queue      string
	out        chan domain.WorkDescriptor
	logger     *slog.Logger
	dial       dialFunc // nil when the channel is owned by the caller
	minBackoff time.Duration
	maxBackoff time.Duration

	mu          sync.Mutex
	ch          Channel
	conn        io.Closer // nil when the channel is owned by the caller
	closeReason <-chan *amqp091.Error
	consumerTag string
	closed      bool
	cancel      context.CancelFunc
	started     bool
	wg          sync.WaitGroup
}

// Dial connects, declares the durable work queue and returns a WorkQueue
// that owns the connection. When the broker drops it the queue redials
// with backoff and resumes consuming.
func Dial(cfg Config, logger *slog.Logger) (*WorkQueue, error) {
	dial := func() (Channel, io.Closer, <-chan *amqp091.Error, error) {
		return connect(cfg)
	}
	ch, conn, closed, err := dial()
	if err != nil {
		return nil, err
	}

	q := NewWorkQueue(ch, cfg.Queue, logger)
	q.conn = conn
	q.closeReason = closed
	q.dial = dial
	if cfg.ReconnectMin > 0 {
		q.minBackoff = cfg.ReconnectMin
	}
	if cfg.ReconnectMax > 0 {
		q.maxBackoff = cfg.ReconnectMax
	}
	return q, nil
}

func connect(cfg Config) (Channel, io.Closer, <-chan *amqp091.Error, error) {
	conn, err := amqp091.DialConfig(cfg.URL, amqp091.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // auto-delete
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("set qos: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqp091.Error, 1))
	return ch, conn, closed, nil
}

// NewWorkQueue wraps an open channel on which queue is already declared.
// Consumption ends for good if that channel closes.
func NewWorkQueue(ch Channel, queue string, logger *slog.Logger) *WorkQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkQueue{
		ch:         ch,
		queue:      queue,
		out:        make(chan domain.WorkDescriptor),
		logger:     logger.With("component", "amqp_queue", "queue", queue),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Emit publishes work as a persistent message.
func (q *WorkQueue) Emit(ctx context.Context, work domain.WorkDescriptor) error {
	q.mu.Lock()
	closed, ch := q.closed, q.ch
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	body, err := json.Marshal(work)
	if err != nil {
		return fmt.Errorf("encode work: %w", err)
	}

	err = ch.PublishWithContext(ctx,
		"",      // default exchange routes by queue name
		q.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType:  contentType,
			DeliveryMode: amqp091.Persistent,
			MessageId:    work.ID.String(),
			Type:         work.Type,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish work %s: %w", work.ID, err)
	}
	return nil
}

// Channel returns the consumed work. It is closed when consumption stops,
// either through Close or because a caller-owned channel went away.
func (q *WorkQueue) Channel() <-chan domain.WorkDescriptor {
	return q.out
}

// Start begins consuming. A delivery is acknowledged once a dispatcher
// worker has taken it; undecodable deliveries are rejected without requeue.
func (q *WorkQueue) Start(ctx context.Context, consumerTag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}

	deliveries, err := q.consume(q.ch, consumerTag)
	if err != nil {
		return err
	}
	q.consumerTag = consumerTag

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.started = true

	q.wg.Add(1)
	go q.deliver(runCtx, deliveries)

	q.logger.Info("consuming", "consumer_tag", consumerTag)
	return nil
}

func (q *WorkQueue) consume(ch Channel, consumerTag string) (<-chan amqp091.Delivery, error) {
	deliveries, err := ch.Consume(
		q.queue,     // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.queue, err)
	}
	return deliveries, nil
}

func (q *WorkQueue) deliver(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	defer q.wg.Done()
	defer close(q.out)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if deliveries = q.resume(ctx); deliveries == nil {
					return
				}
				continue
			}
			var work domain.WorkDescriptor
			if err := json.Unmarshal(d.Body, &work); err != nil {
				q.logger.Error("rejecting undecodable delivery", "message_id", d.MessageId, "error", err)
				if err := d.Reject(false); err != nil {
					q.logger.Warn("reject failed", "error", err)
				}
				continue
			}

			select {
			case q.out <- work:
				if err := d.Ack(false); err != nil {
					q.logger.Warn("ack failed", "work_id", work.ID, "error", err)
				}
			case <-ctx.Done():
				// Returned to the queue for another consumer.
				if err := d.Nack(false, true); err != nil {
					q.logger.Warn("nack failed", "work_id", work.ID, "error", err)
				}
				return
			}
		}
	}
}

// resume redials after the delivery channel closed, backing off between
// attempts until it succeeds or ctx is done. It returns nil when consumption
// cannot continue.
func (q *WorkQueue) resume(ctx context.Context) <-chan amqp091.Delivery {
	if ctx.Err() != nil {
		return nil
	}
	q.mu.Lock()
	reason := q.closeReason
	q.mu.Unlock()
	var cause error
	select {
	case e, ok := <-reason:
		if ok && e != nil {
			cause = e
		}
	default:
	}

	if q.dial == nil {
		q.logger.Error("delivery channel closed, consumer stopped", "error", cause)
		return nil
	}
	q.logger.Warn("delivery channel closed, reconnecting", "error", cause)

	backoff := q.minBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		deliveries, err := q.reconnect()
		if err == nil {
			q.logger.Info("reconnected", "attempt", attempt)
			return deliveries
		}
		backoff = min(backoff*2, q.maxBackoff)
		q.logger.Warn("reconnect failed", "attempt", attempt, "retry_after", backoff, "error", err)
	}
}

// reconnect replaces the channel and connection and consumes again.
func (q *WorkQueue) reconnect() (<-chan amqp091.Delivery, error) {
	ch, conn, closed, err := q.dial()
	if err != nil {
		return nil, err
	}
	deliveries, err := q.consume(ch, q.consumerTag)
	if err != nil {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return nil, err
	}

	q.mu.Lock()
	oldCh, oldConn := q.ch, q.conn
	q.ch, q.conn, q.closeReason = ch, conn, closed
	q.mu.Unlock()

	// The old pair is already dead; closing it only releases resources.
	_ = oldCh.Close()
	if oldConn != nil {
		_ = oldConn.Close()
	}
	return deliveries, nil
}

// Close stops consumption and closes the channel, and the connection when
// the queue owns it.
func (q *WorkQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	ch, conn := q.ch, q.conn
	q.mu.Unlock()
	err := ch.Close()
	if conn != nil {
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
