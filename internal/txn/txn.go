// Package txn provides the transaction collaborator of the execution core.
//
// A transaction is bound to a context.Context rather than to a goroutine:
// Begin returns a derived context carrying the transaction and every
// component that needs "the current transaction" reads it from the context
// it was handed. Storage-backed transactions carry a Resource (e.g. *sqlx.Tx)
// that stores use for their statements.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNoTransaction     = errors.New("no active transaction")
	ErrNestedTransaction = errors.New("transaction already active on context")
	ErrCompleted         = errors.New("transaction already completed")
)

type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Synchronization is notified once its transaction has completed.
type Synchronization interface {
	AfterCompletion(ctx context.Context, status Status)
}

// Resource is the storage side of a transaction.
type Resource interface {
	Commit() error
	Rollback() error
}

// BeginFunc opens the storage side of a new transaction.
type BeginFunc func(ctx context.Context) (Resource, error)

type Transaction struct {
	id       uuid.UUID
	resource Resource

	mu           sync.Mutex
	status       Status
	rollbackOnly bool
	syncs        []Synchronization
}

func (t *Transaction) ID() uuid.UUID { return t.id }

// Resource returns the storage handle, nil for resource-less transactions.
func (t *Transaction) Resource() Resource { return t.resource }

func (t *Transaction) SetRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbackOnly = true
}

func (t *Transaction) IsRollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackOnly
}

func (t *Transaction) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusActive
}

func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RegisterSynchronization adds s to the completion callbacks.
func (t *Transaction) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return ErrCompleted
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// RemoveSynchronization removes s; it reports whether s was registered.
func (t *Transaction) RemoveSynchronization(s Synchronization) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, registered := range t.syncs {
		if registered == s {
			t.syncs = append(t.syncs[:i], t.syncs[i+1:]...)
			return true
		}
	}
	return false
}

type ctxKey struct{}

// FromContext returns the transaction bound to ctx, active or not.
func FromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*Transaction)
	return tx, ok
}

// Active returns the transaction bound to ctx if it is still active.
func Active(ctx context.Context) (*Transaction, error) {
	tx, ok := FromContext(ctx)
	if !ok || !tx.IsActive() {
		return nil, ErrNoTransaction
	}
	return tx, nil
}

// Manager opens and completes transactions.
type Manager struct {
	begin  BeginFunc
	logger *slog.Logger
}

// NewManager creates a manager. A nil begin yields resource-less
// transactions, which still run synchronizations.
func NewManager(begin BeginFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{begin: begin, logger: logger.With("component", "txn")}
}

// Begin opens a transaction and returns a context carrying it.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Transaction, error) {
	if _, err := Active(ctx); err == nil {
		return ctx, nil, ErrNestedTransaction
	}

	tx := &Transaction{id: uuid.New(), status: StatusActive}
	if m.begin != nil {
		res, err := m.begin(ctx)
		if err != nil {
			return ctx, nil, fmt.Errorf("begin: %w", err)
		}
		tx.resource = res
	}
	return context.WithValue(ctx, ctxKey{}, tx), tx, nil
}

// Complete commits tx, or rolls it back when it is marked rollback-only.
// A failed commit rolls back and returns the commit error. Synchronizations
// run after the storage side has completed, with the final status.
func (m *Manager) Complete(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	if tx.status != StatusActive {
		tx.mu.Unlock()
		return ErrCompleted
	}

	var err error
	status := StatusCommitted
	if tx.rollbackOnly {
		status = StatusRolledBack
		if tx.resource != nil {
			if rbErr := tx.resource.Rollback(); rbErr != nil {
				err = fmt.Errorf("rollback: %w", rbErr)
			}
		}
	} else if tx.resource != nil {
		if cErr := tx.resource.Commit(); cErr != nil {
			status = StatusRolledBack
			err = fmt.Errorf("commit: %w", cErr)
			if rbErr := tx.resource.Rollback(); rbErr != nil {
				m.logger.Debug("rollback after failed commit", "tx", tx.id, "error", rbErr)
			}
		}
	}

	tx.status = status
	syncs := tx.syncs
	tx.syncs = nil
	tx.mu.Unlock()

	for _, s := range syncs {
		s.AfterCompletion(ctx, status)
	}
	return err
}

// InTransaction runs fn inside a new transaction. An error from fn marks the
// transaction rollback-only; the error of fn takes precedence over a
// completion error.
func (m *Manager) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	fnErr := fn(txCtx)
	if fnErr != nil {
		tx.SetRollbackOnly()
	}

	if err := m.Complete(txCtx, tx); err != nil {
		if fnErr != nil {
			m.logger.Error("transaction completion failed after error", "tx", tx.id, "error", err)
			return fnErr
		}
		return err
	}
	return fnErr
}
