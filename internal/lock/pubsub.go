package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] lock hash
// ARGV[1] lease ms, ARGV[2] holder
// Returns {1, 0} when acquired, {0, pttl} otherwise.
var pubsubLockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HEXISTS', KEYS[1], ARGV[2]) == 1 then
  redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  return {1, 0}
end
return {0, redis.call('PTTL', KEYS[1])}
`)

// KEYS[1] lock hash, KEYS[2] release channel
// ARGV[1] holder
// Returns -1 when not held, 0 when still held (reentrant), 1 when released.
var pubsubUnlockScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return -1
end
if redis.call('HINCRBY', KEYS[1], ARGV[1], -1) > 0 then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('PUBLISH', KEYS[2], 'released')
return 1
`)

// PubSubLock is a reentrant lock whose waiters sleep until the holder
// publishes a release, or until the current lease runs out. Waiters of one
// instance share a single subscription per key and each release message
// wakes one of them.
type PubSubLock struct {
	client     redis.UniversalClient
	instanceID string

	mu      sync.Mutex
	entries map[string]*releaseEntry
}

// releaseEntry is the shared subscription of the local waiters of one key.
type releaseEntry struct {
	refs   int
	closed bool
	sub    *redis.PubSub
	// permit holds at most one pending wake-up
	permit chan struct{}
	ready  chan struct{}
	err    error
}

// NewPubSubLock creates a wake-on-release lock
func NewPubSubLock(client redis.UniversalClient) *PubSubLock {
	return &PubSubLock{
		client:     client,
		instanceID: uuid.NewString(),
		entries:    make(map[string]*releaseEntry),
	}
}

func (l *PubSubLock) Supports(t Type) bool {
	return t == TypePubSub
}

func (l *PubSubLock) TryLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	holder := holderID(ctx, l.instanceID)
	deadline := time.Now().Add(wait)

	acquired, ttl, err := l.acquire(ctx, key, holder, lease)
	if err != nil || acquired {
		return acquired, err
	}
	if wait <= 0 {
		return false, nil
	}

	// Subscribe before retrying so a release in between is not missed.
	entry, err := l.subscribe(ctx, key)
	if err != nil {
		return false, err
	}
	defer l.unsubscribe(key, entry)

	woken := false
	defer func() {
		// a wake-up this waiter consumed without taking the lock goes to the next one
		if woken && !acquired {
			entry.wake()
		}
	}()

	for {
		acquired, ttl, err = l.acquire(ctx, key, holder, lease)
		if err != nil || acquired {
			return acquired, err
		}
		woken = false

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if ttl > 0 && ttl < remaining {
			remaining = ttl
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-entry.permit:
			woken = true
		case <-timer.C:
		}
		timer.Stop()
	}
}

// subscribe joins the shared subscription of key, opening it for the first
// waiter, and returns once the subscription is confirmed.
func (l *PubSubLock) subscribe(ctx context.Context, key string) (*releaseEntry, error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &releaseEntry{
			permit: make(chan struct{}, 1),
			ready:  make(chan struct{}),
		}
		l.entries[key] = entry
		go l.listen(key, entry)
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case <-entry.ready:
	case <-ctx.Done():
		l.unsubscribe(key, entry)
		return nil, ctx.Err()
	}
	if entry.err != nil {
		l.unsubscribe(key, entry)
		return nil, fmt.Errorf("subscribe to release of %q: %w", key, entry.err)
	}
	return entry, nil
}

// listen owns the subscription of entry and turns each release message
// into one wake-up.
func (l *PubSubLock) listen(key string, entry *releaseEntry) {
	ctx := context.Background()
	sub := l.client.Subscribe(ctx, channelKey(key))
	_, err := sub.Receive(ctx)

	l.mu.Lock()
	entry.err = err
	if err != nil {
		if l.entries[key] == entry {
			delete(l.entries, key)
		}
	} else {
		entry.sub = sub
	}
	closed := entry.closed
	l.mu.Unlock()
	close(entry.ready)

	if err != nil || closed {
		_ = sub.Close()
		return
	}
	for range sub.Channel() {
		entry.wake()
	}
}

func (l *PubSubLock) unsubscribe(key string, entry *releaseEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs > 0 {
		return
	}
	entry.closed = true
	if l.entries[key] == entry {
		delete(l.entries, key)
	}
	if entry.sub != nil {
		_ = entry.sub.Close()
	}
}

func (e *releaseEntry) wake() {
	select {
	case e.permit <- struct{}{}:
	default:
	}
}

func (l *PubSubLock) acquire(ctx context.Context, key, holder string, lease time.Duration) (bool, time.Duration, error) {
	res, err := pubsubLockScript.Run(ctx, l.client,
		[]string{lockKey(key)}, lease.Milliseconds(), holder).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("pubsub lock %q: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("pubsub lock %q: unexpected reply %v", key, res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

func (l *PubSubLock) Unlock(ctx context.Context, key string) error {
	res, err := pubsubUnlockScript.Run(ctx, l.client,
		[]string{lockKey(key), channelKey(key)}, holderID(ctx, l.instanceID)).Int64()
	if err != nil {
		return fmt.Errorf("pubsub unlock %q: %w", key, err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, key)
	}
	return nil
}

func channelKey(key string) string {
	return "lock:channel:" + key
}
