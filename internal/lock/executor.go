package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kkkkikiki/coupon-issuer/internal/logging"
	"github.com/kkkkikiki/coupon-issuer/internal/metrics"
)

// Options describes one lock acquisition
type Options struct {
	Type  Type
	Wait  time.Duration
	Lease time.Duration
}

// UnitOfWork lets the executor hold locks until a surrounding unit of work
// (a database transaction) ends.
type UnitOfWork interface {
	// AfterCompletion registers fn to run when the unit of work active on ctx
	// finishes, committed or not. It reports false when none is active.
	AfterCompletion(ctx context.Context, fn func()) bool
}

// Executor runs work under distributed locks
type Executor struct {
	factory *Factory
	uow     UnitOfWork
	logger  *zap.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithUnitOfWork defers releases to the end of the active unit of work.
func WithUnitOfWork(uow UnitOfWork) ExecutorOption {
	return func(e *Executor) { e.uow = uow }
}

// NewExecutor creates an executor resolving providers through factory
func NewExecutor(factory *Factory, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		factory: factory,
		logger:  logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run acquires key, runs fn and releases key.
func (e *Executor) Run(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidLockKey)
	}
	return e.run(ctx, []string{key}, opts, fn)
}

// RunMulti acquires keys in the given order, runs fn and releases them all.
// Callers are responsible for a global key order; GuardMulti provides one.
func (e *Executor) RunMulti(ctx context.Context, keys []string, opts Options, fn func(ctx context.Context) error) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: no keys", ErrInvalidLockKey)
	}
	for _, key := range keys {
		if key == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidLockKey)
		}
	}
	return e.run(ctx, keys, opts, fn)
}

// Execute is Run for functions returning a value.
func Execute[T any](ctx context.Context, e *Executor, key string, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Run(ctx, key, opts, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (e *Executor) run(ctx context.Context, keys []string, opts Options, fn func(ctx context.Context) error) error {
	provider, err := e.factory.Provider(opts.Type)
	if err != nil {
		return err
	}

	if _, ok := OwnerFrom(ctx); !ok {
		ctx = WithOwner(ctx, uuid.NewString())
	}

	acquired := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := e.acquire(ctx, provider, key, opts); err != nil {
			e.release(ctx, provider, acquired)
			return err
		}
		acquired = append(acquired, key)
	}

	if e.uow != nil && e.uow.AfterCompletion(ctx, func() { e.release(ctx, provider, acquired) }) {
		return fn(ctx)
	}

	defer e.release(ctx, provider, acquired)
	return fn(ctx)
}

func (e *Executor) acquire(ctx context.Context, provider Provider, key string, opts Options) error {
	start := time.Now()
	ok, err := provider.TryLock(ctx, key, opts.Wait, opts.Lease)

	result := "acquired"
	switch {
	case err != nil:
		result = "error"
	case !ok:
		result = "timeout"
	}
	metrics.RecordLockAcquire(string(opts.Type), result, time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s (waited %s)", ErrLockNotAcquired, key, opts.Wait)
	}
	return nil
}

// release unlocks keys in reverse acquisition order. It ignores ctx
// cancellation so a cancelled caller still releases.
func (e *Executor) release(ctx context.Context, provider Provider, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(keys) - 1; i >= 0; i-- {
		if err := provider.Unlock(ctx, keys[i]); err != nil {
			level := zap.ErrorLevel
			if errors.Is(err, ErrLockNotHeld) {
				// lease expired before release
				level = zap.WarnLevel
			}
			e.logger.Log(level, "failed to release lock", zap.String("lock_key", keys[i]), zap.Error(err))
		}
	}
}
