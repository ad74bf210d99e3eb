package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRetryInterval is the sleep between two polling attempts
const DefaultRetryInterval = 100 * time.Millisecond

// KEYS[1] lock key, ARGV[1] holder token
var pollingUnlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// PollingLock acquires with SET NX PX and retries on a fixed interval.
type PollingLock struct {
	client        redis.UniversalClient
	instanceID    string
	retryInterval time.Duration
}

// PollingOption configures a PollingLock
type PollingOption func(*PollingLock)

// WithRetryInterval overrides DefaultRetryInterval
func WithRetryInterval(d time.Duration) PollingOption {
	return func(l *PollingLock) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// NewPollingLock creates a polling lock with a random process-local token.
func NewPollingLock(client redis.UniversalClient, opts ...PollingOption) *PollingLock {
	l := &PollingLock{
		client:        client,
		instanceID:    uuid.NewString(),
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *PollingLock) Supports(t Type) bool {
	return t == TypePolling
}

func (l *PollingLock) TryLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	token := holderID(ctx, l.instanceID)
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, lockKey(key), token, lease).Result()
		if err != nil {
			return false, fmt.Errorf("polling lock %q: %w", key, err)
		}
		if ok {
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		sleep := l.retryInterval
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *PollingLock) Unlock(ctx context.Context, key string) error {
	deleted, err := pollingUnlockScript.Run(ctx, l.client,
		[]string{lockKey(key)}, holderID(ctx, l.instanceID)).Int64()
	if err != nil {
		return fmt.Errorf("polling unlock %q: %w", key, err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, key)
	}
	return nil
}

func lockKey(key string) string {
	return "lock:" + key
}
