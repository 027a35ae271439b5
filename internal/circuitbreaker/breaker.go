// Package circuitbreaker stops calls to a failing destination for a cooldown
// period. Each destination key trips independently.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type destination struct {
	state    State
	failures int
	openedAt time.Time
}

type Breaker struct {
	mu           sync.Mutex
	destinations map[string]*destination
	threshold    int
	cooldown     time.Duration
	clock        func() time.Time
}

// New returns a breaker that opens after threshold consecutive failures and
// lets a single trial call through once cooldown has elapsed.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		destinations: make(map[string]*destination),
		threshold:    threshold,
		cooldown:     cooldown,
		clock:        time.Now,
	}
}

func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether a call to key may proceed. An open circuit becomes
// half-open after the cooldown and admits exactly one trial call.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.destinations[key]
	if !ok {
		return nil
	}

	switch d.state {
	case Open:
		if b.clock().Sub(d.openedAt) >= b.cooldown {
			d.state = HalfOpen
			return nil
		}
		return ErrCircuitOpen
	case HalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Closed destinations carry no state.
	delete(b.destinations, key)
}

func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.destinations[key]
	if !ok {
		d = &destination{}
		b.destinations[key] = d
	}

	d.failures++
	if d.state == HalfOpen || d.failures >= b.threshold {
		d.state = Open
		d.openedAt = b.clock()
	}
}

// Do runs fn when the circuit for key allows it and records the outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if err := b.Allow(key); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := b.destinations[key]; ok {
		return d.state
	}
	return Closed
}
