package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
)

type txKey struct{}

// txState is the unit of work carried on the context while a transaction runs.
type txState struct {
	tx *sqlx.Tx

	mu    sync.Mutex
	done  bool
	hooks []func()
}

func (s *txState) register(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.hooks = append(s.hooks, fn)
	return true
}

// complete runs the registered hooks once, in registration order.
func (s *txState) complete() {
	s.mu.Lock()
	s.done = true
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// TxManager runs functions inside a database transaction and lets other
// components hook the end of that transaction.
type TxManager struct {
	db *sqlx.DB
}

// NewTxManager creates a transaction manager on db
func NewTxManager(db *sqlx.DB) *TxManager {
	return &TxManager{db: db}
}

// RunInTx executes fn within a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. A call nested in an active
// transaction joins it. After-completion hooks run on every exit path,
// including commit failures and panics.
func (m *TxManager) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	state := &txState{tx: tx}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			state.complete()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		state.complete()
		return err
	}

	err = tx.Commit()
	state.complete()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AfterCompletion registers fn to run when the transaction active on ctx
// finishes, whether it commits or not. It reports false when ctx carries no
// active transaction; fn is not registered in that case.
func (m *TxManager) AfterCompletion(ctx context.Context, fn func()) bool {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return false
	}
	return state.register(fn)
}

// TxFromContext returns the transaction active on ctx, if any.
func TxFromContext(ctx context.Context) (*sqlx.Tx, bool) {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return nil, false
	}
	return state.tx, true
}
