package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/coupon-issuer/internal/config"
	"github.com/kkkkikiki/coupon-issuer/internal/coordination"
	"github.com/kkkkikiki/coupon-issuer/internal/lock"
	"github.com/kkkkikiki/coupon-issuer/internal/model"
	"github.com/kkkkikiki/coupon-issuer/internal/repository"
)

const testCouponID int64 = 1

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type crashPoint int

const (
	noCrash crashPoint = iota
	crashBeforeSave
	crashAfterSave
)

// fakeDB stores coupons and user coupons in memory with the uniqueness
// guarantee of the real schema.
type fakeDB struct {
	mu       sync.Mutex
	coupons  map[int64]model.Coupon
	records  map[[2]int64]*model.UserCoupon
	failUser map[int64]error
	getErr   error
	crash    crashPoint
}

func newFakeDB(coupons ...model.Coupon) *fakeDB {
	db := &fakeDB{
		coupons:  make(map[int64]model.Coupon),
		records:  make(map[[2]int64]*model.UserCoupon),
		failUser: make(map[int64]error),
	}
	for _, c := range coupons {
		db.coupons[c.ID] = c
	}
	return db
}

func (f *fakeDB) GetByID(_ context.Context, id int64) (*model.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.coupons[id]
	if !ok {
		return nil, repository.ErrCouponNotFound
	}
	for key := range f.records {
		if key[0] == id {
			c.IssuedQuantity++
		}
	}
	return &c, nil
}

func (f *fakeDB) Save(ctx context.Context, uc *model.UserCoupon) error {
	return f.SaveAll(ctx, []*model.UserCoupon{uc})
}

func (f *fakeDB) SaveAll(_ context.Context, records []*model.UserCoupon) error {
	f.mu.Lock()
	crash := f.crash
	if crash != noCrash {
		f.crash = noCrash
	}
	if crash == crashBeforeSave {
		f.mu.Unlock()
		panic("crash before save")
	}

	err := f.saveLocked(records)
	f.mu.Unlock()

	if err == nil && crash == crashAfterSave {
		panic("crash after save")
	}
	return err
}

func (f *fakeDB) saveLocked(records []*model.UserCoupon) error {
	batch := make(map[[2]int64]struct{}, len(records))
	for _, uc := range records {
		if err := f.failUser[uc.UserID]; err != nil {
			return err
		}
		key := [2]int64{uc.CouponID, uc.UserID}
		if _, exists := f.records[key]; exists {
			return fmt.Errorf("%w: user %d", repository.ErrDuplicateUserCoupon, uc.UserID)
		}
		if _, exists := batch[key]; exists {
			return fmt.Errorf("%w: user %d", repository.ErrDuplicateUserCoupon, uc.UserID)
		}
		batch[key] = struct{}{}
	}
	for _, uc := range records {
		f.records[[2]int64{uc.CouponID, uc.UserID}] = uc
	}
	return nil
}

func (f *fakeDB) setFailUser(userID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failUser, userID)
		return
	}
	f.failUser[userID] = err
}

func (f *fakeDB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeDB) has(couponID, userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[[2]int64{couponID, userID}]
	return ok
}

// failingScripts fails the next script call that carries arg.
type failingScripts struct {
	arg   string
	armed atomic.Bool
}

func (h *failingScripts) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failingScripts) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if name := cmd.Name(); name == "evalsha" || name == "eval" {
			for _, a := range cmd.Args() {
				if fmt.Sprint(a) == h.arg && h.armed.CompareAndSwap(true, false) {
					err := errors.New("i/o timeout")
					cmd.SetErr(err)
					return err
				}
			}
		}
		return next(ctx, cmd)
	}
}

func (h *failingScripts) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

type fixture struct {
	client   *redis.Client
	store    *coordination.Store
	db       *fakeDB
	consumer *IssueConsumer
	locker   *lock.Executor
	mr       *miniredis.Miniredis
}

func testConfig() config.ConsumerConfig {
	return config.ConsumerConfig{
		BatchSize:           100,
		FailedBatchSize:     100,
		OutOfStockBatchSize: 500,
		MaxAttempts:         3,
		LockLease:           5 * time.Second,
	}
}

// steppingClock returns strictly increasing times one millisecond apart.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	base := testNow
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		base = base.Add(time.Millisecond)
		return base
	}
}

func setup(t *testing.T, stock int64, cfg config.ConsumerConfig) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := coordination.NewStore(client, coordination.WithClock(steppingClock()))
	require.NoError(t, store.SetStock(context.Background(), model.Stock{CouponID: testCouponID, Stock: stock}))

	db := newFakeDB(model.Coupon{
		ID:            testCouponID,
		Name:          "flash",
		TotalQuantity: int32(stock),
		ValidFrom:     testNow.Add(-time.Hour),
		ValidUntil:    testNow.Add(24 * time.Hour),
	})

	locker := lock.NewExecutor(lock.NewFactory(lock.NewPollingLock(client), lock.NewPubSubLock(client)), nil)
	consumer := NewIssueConsumer(store, db, db, locker, lock.TypePubSub, cfg, nil,
		WithClock(func() time.Time { return testNow }))

	return &fixture{client: client, store: store, db: db, consumer: consumer, locker: locker, mr: mr}
}

func (f *fixture) admit(t *testing.T, userIDs ...int64) {
	t.Helper()
	for _, u := range userIDs {
		v, err := f.store.Admit(context.Background(), u, testCouponID)
		require.NoError(t, err)
		require.True(t, v.Valid, "user %d rejected: %s", u, v.Reason)
	}
}

func (f *fixture) idle(t *testing.T) bool {
	t.Helper()
	for _, list := range []coordination.WorkList{coordination.PendingWork, coordination.FailedWork, coordination.OutOfStockWork} {
		_, ok, err := f.store.PeekCoupon(context.Background(), list)
		require.NoError(t, err)
		if ok {
			return false
		}
	}
	return true
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, f.consumer.ProcessIssueRequest(ctx))
		require.NoError(t, f.consumer.ProcessFailedIssueRequest(ctx))
		require.NoError(t, f.consumer.ProcessOutOfStockRequests(ctx, 0))
		if f.idle(t) {
			return
		}
	}
	t.Fatal("consumer did not drain the work-lists")
}

func (f *fixture) status(t *testing.T, userID int64) model.IssuedStatus {
	t.Helper()
	status, err := f.store.GetIssuedStatus(context.Background(), userID, testCouponID)
	require.NoError(t, err)
	return status
}

func (f *fixture) issuedCount(t *testing.T) int64 {
	t.Helper()
	n, err := f.store.CountIssuedUser(context.Background(), testCouponID)
	require.NoError(t, err)
	return n
}

func users(from, to int64) []int64 {
	ids := make([]int64, 0, to-from+1)
	for u := from; u <= to; u++ {
		ids = append(ids, u)
	}
	return ids
}

func TestConsumer_CapacityInvariant(t *testing.T) {
	f := setup(t, 100, testConfig())

	const total = 1000
	ids := make(chan int64, total)
	for _, u := range users(1, total) {
		ids <- u
	}
	close(ids)

	var wg sync.WaitGroup
	for w := 0; w < 50; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range ids {
				v, err := f.store.Admit(context.Background(), u, testCouponID)
				assert.NoError(t, err)
				assert.True(t, v.Valid)
			}
		}()
	}
	wg.Wait()

	f.drain(t)

	counts := map[model.IssuedStatus]int{}
	for _, u := range users(1, total) {
		counts[f.status(t, u)]++
	}
	assert.Equal(t, 100, counts[model.IssuedStatusIssued])
	assert.Equal(t, 900, counts[model.IssuedStatusFailed])
	assert.Equal(t, int64(100), f.issuedCount(t))
	assert.Equal(t, 100, f.db.count())

	depth, err := f.store.CountIssueRequests(context.Background(), testCouponID)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestConsumer_OverflowWithinBatch(t *testing.T) {
	f := setup(t, 3, testConfig())
	f.admit(t, users(1, 5)...)

	require.NoError(t, f.consumer.ProcessIssueRequest(context.Background()))

	for _, u := range users(1, 3) {
		assert.Equal(t, model.IssuedStatusIssued, f.status(t, u), "user %d", u)
		assert.True(t, f.db.has(testCouponID, u))
	}
	for _, u := range users(4, 5) {
		assert.Equal(t, model.IssuedStatusFailed, f.status(t, u), "user %d", u)
		assert.False(t, f.db.has(testCouponID, u))
	}
	assert.True(t, f.idle(t))
}

func TestConsumer_DuplicateAdmissionIssuesOnce(t *testing.T) {
	f := setup(t, 10, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.Admit(context.Background(), 7, testCouponID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	f.drain(t)

	assert.Equal(t, model.IssuedStatusIssued, f.status(t, 7))
	assert.Equal(t, 1, f.db.count())
	assert.Equal(t, int64(1), f.issuedCount(t))

	v, err := f.store.Admit(context.Background(), 7, testCouponID)
	require.NoError(t, err)
	assert.Equal(t, model.RejectDuplicateIssue, v.Reason)
}

func TestConsumer_DuplicateMemberFails(t *testing.T) {
	f := setup(t, 10, testConfig())
	ctx := context.Background()

	// user 3 joined the issued set without a status, e.g. through the sync path
	f.admit(t, 3, 4)
	_, err := f.store.SetIssuedUser(ctx, testCouponID, 3)
	require.NoError(t, err)

	require.NoError(t, f.consumer.ProcessIssueRequest(ctx))

	assert.Equal(t, model.IssuedStatusFailed, f.status(t, 3))
	assert.Equal(t, model.IssuedStatusIssued, f.status(t, 4))
	assert.False(t, f.db.has(testCouponID, 3))
}

func TestConsumer_CrashSafety(t *testing.T) {
	tests := []struct {
		name  string
		crash crashPoint
	}{
		{"crash after mark before save", crashBeforeSave},
		{"crash after save before commit", crashAfterSave},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, 10, testConfig())
			f.admit(t, users(1, 15)...)
			f.db.crash = tt.crash

			assert.Panics(t, func() {
				_ = f.consumer.ProcessIssueRequest(context.Background())
			})

			// nothing was committed: the coupon and its batch are still queued
			_, listed, err := f.store.PeekCoupon(context.Background(), coordination.PendingWork)
			require.NoError(t, err)
			assert.True(t, listed)
			depth, err := f.store.CountIssueRequests(context.Background(), testCouponID)
			require.NoError(t, err)
			assert.Equal(t, int64(15), depth)

			f.drain(t)

			assert.Equal(t, 10, f.db.count())
			assert.Equal(t, int64(10), f.issuedCount(t))
			for _, u := range users(1, 10) {
				assert.Equal(t, model.IssuedStatusIssued, f.status(t, u), "user %d", u)
				assert.True(t, f.db.has(testCouponID, u), "user %d", u)
			}
			for _, u := range users(11, 15) {
				assert.Equal(t, model.IssuedStatusFailed, f.status(t, u), "user %d", u)
			}
		})
	}
}

func TestConsumer_PersistenceFailureRollsBackAndRecovers(t *testing.T) {
	f := setup(t, 10, testConfig())
	ctx := context.Background()
	f.admit(t, 1, 2, 3)
	f.db.setFailUser(2, errors.New("connection reset"))

	require.NoError(t, f.consumer.ProcessIssueRequest(ctx))

	assert.Equal(t, model.IssuedStatusIssued, f.status(t, 1))
	assert.Equal(t, model.IssuedStatusIssued, f.status(t, 3))
	assert.Equal(t, model.IssuedStatusPending, f.status(t, 2))
	member, err := f.store.ExistsIssuedUser(ctx, testCouponID, 2)
	require.NoError(t, err)
	assert.False(t, member)

	failed, err := f.store.PeekFailedRequests(ctx, testCouponID, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(2), failed[0].UserID)
	assert.Equal(t, 1, failed[0].Attempts)

	couponID, ok, err := f.store.PeekCoupon(ctx, coordination.FailedWork)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testCouponID, couponID)

	f.db.setFailUser(2, nil)
	require.NoError(t, f.consumer.ProcessFailedIssueRequest(ctx))

	assert.Equal(t, model.IssuedStatusIssued, f.status(t, 2))
	assert.True(t, f.db.has(testCouponID, 2))
	assert.Equal(t, 3, f.db.count())
	assert.True(t, f.idle(t))
}

func TestConsumer_RecoveryPersistsGrantAfterFailedRollback(t *testing.T) {
	f := setup(t, 10, testConfig())
	ctx := context.Background()
	rollbacks := &failingScripts{arg: string(model.IssuedStatusPending)}
	f.client.AddHook(rollbacks)

	f.admit(t, 1)
	f.db.setFailUser(1, errors.New("connection reset"))
	require.NoError(t, f.consumer.ProcessIssueRequest(ctx))
	assert.Equal(t, model.IssuedStatusPending, f.status(t, 1))

	rollbacks.armed.Store(true)
	require.Error(t, f.consumer.ProcessFailedIssueRequest(ctx))

	// marked but neither saved nor rolled back
	assert.Equal(t, model.IssuedStatusIssued, f.status(t, 1))
	member, err := f.store.ExistsIssuedUser(ctx, testCouponID, 1)
	require.NoError(t, err)
	assert.True(t, member)
	n, err := f.store.CountFailedRequests(ctx, testCouponID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f.db.setFailUser(1, nil)
	f.drain(t)

	assert.True(t, f.db.has(testCouponID, 1))
	assert.Equal(t, model.IssuedStatusIssued, f.status(t, 1))
	assert.Equal(t, int64(1), f.issuedCount(t))
	assert.Equal(t, 1, f.db.count())
}

func TestConsumer_RecoveryGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	f := setup(t, 10, cfg)
	ctx := context.Background()
	f.admit(t, 1)
	f.db.setFailUser(1, errors.New("disk full"))

	require.NoError(t, f.consumer.ProcessIssueRequest(ctx))
	require.NoError(t, f.consumer.ProcessFailedIssueRequest(ctx))

	assert.Equal(t, model.IssuedStatusFailed, f.status(t, 1))
	assert.Zero(t, f.issuedCount(t))
	n, err := f.store.CountFailedRequests(ctx, testCouponID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, f.idle(t))
}

func TestConsumer_RecoverySkipsResolvedRequests(t *testing.T) {
	f := setup(t, 10, testConfig())
	ctx := context.Background()

	require.NoError(t, f.store.SetIssuedStatus(ctx, 5, testCouponID, model.IssuedStatusIssued))
	require.NoError(t, f.store.PushToFailedQueue(ctx, model.IssueRequest{CouponID: testCouponID, UserID: 5, Attempts: 1}))
	require.NoError(t, f.store.PushCoupon(ctx, coordination.FailedWork, testCouponID))

	require.NoError(t, f.consumer.ProcessFailedIssueRequest(ctx))

	assert.Equal(t, model.IssuedStatusIssued, f.status(t, 5))
	assert.Zero(t, f.db.count())
	assert.True(t, f.idle(t))
}

func TestConsumer_RecoveryDrainsInBatches(t *testing.T) {
	cfg := testConfig()
	cfg.FailedBatchSize = 2
	f := setup(t, 10, cfg)
	ctx := context.Background()

	for _, u := range users(1, 5) {
		require.NoError(t, f.store.PushToFailedQueue(ctx, model.IssueRequest{CouponID: testCouponID, UserID: u, Attempts: 1}))
	}
	require.NoError(t, f.store.PushCoupon(ctx, coordination.FailedWork, testCouponID))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.consumer.ProcessFailedIssueRequest(ctx))
	}

	assert.Equal(t, 5, f.db.count())
	assert.True(t, f.idle(t))
}

func TestConsumer_OutOfStockDrainCompleteness(t *testing.T) {
	f := setup(t, 0, testConfig())
	ctx := context.Background()

	const queued = 25
	for _, u := range users(1, queued) {
		_, err := f.store.PushToIssueRequestQueue(ctx, model.IssueRequest{CouponID: testCouponID, UserID: u})
		require.NoError(t, err)
	}
	require.NoError(t, f.store.PushCoupon(ctx, coordination.OutOfStockWork, testCouponID))

	invocations := 0
	for ; invocations < 10 && !f.idle(t); invocations++ {
		require.NoError(t, f.consumer.ProcessOutOfStockRequests(ctx, 10))
	}

	assert.Equal(t, 3, invocations)
	for _, u := range users(1, queued) {
		assert.Equal(t, model.IssuedStatusFailed, f.status(t, u), "user %d", u)
	}
	depth, err := f.store.CountIssueRequests(ctx, testCouponID)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Zero(t, f.db.count())
}

func TestConsumer_OutOfStockReturnsCouponWithCapacity(t *testing.T) {
	f := setup(t, 5, testConfig())
	ctx := context.Background()
	f.admit(t, 1)
	require.NoError(t, f.store.PushCoupon(ctx, coordination.OutOfStockWork, testCouponID))

	require.NoError(t, f.consumer.ProcessOutOfStockRequests(ctx, 10))

	queued, err := f.store.IsQueued(ctx, testCouponID, 1)
	require.NoError(t, err)
	assert.True(t, queued)

	f.drain(t)
	assert.Equal(t, model.IssuedStatusIssued, f.status(t, 1))
}

func TestConsumer_ErrorKeepsCouponListed(t *testing.T) {
	f := setup(t, 10, testConfig())
	ctx := context.Background()
	f.admit(t, 1, 2)
	f.db.getErr = errors.New("database unavailable")

	err := f.consumer.ProcessIssueRequest(ctx)
	require.Error(t, err)

	couponID, ok, err := f.store.PeekCoupon(ctx, coordination.PendingWork)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testCouponID, couponID)

	depth, err := f.store.CountIssueRequests(ctx, testCouponID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
	assert.Zero(t, f.issuedCount(t))

	f.db.getErr = nil
	f.drain(t)
	assert.Equal(t, 2, f.db.count())
}

func TestConsumer_CouponLockHeldElsewhere(t *testing.T) {
	f := setup(t, 10, testConfig())
	ctx := context.Background()
	f.admit(t, 1)

	holder := lock.WithOwner(ctx, "other-instance")
	err := f.locker.Run(holder, coordination.CouponLockKey(testCouponID),
		lock.Options{Type: lock.TypePubSub, Lease: 5 * time.Second},
		func(context.Context) error {
			return f.consumer.ProcessIssueRequest(ctx)
		})
	assert.ErrorIs(t, err, lock.ErrLockNotAcquired)

	queued, err := f.store.IsQueued(ctx, testCouponID, 1)
	require.NoError(t, err)
	assert.True(t, queued)

	f.drain(t)
	assert.Equal(t, model.IssuedStatusIssued, f.status(t, 1))
}

func TestConsumer_NothingToDo(t *testing.T) {
	f := setup(t, 10, testConfig())
	ctx := context.Background()

	assert.NoError(t, f.consumer.ProcessIssueRequest(ctx))
	assert.NoError(t, f.consumer.ProcessFailedIssueRequest(ctx))
	assert.NoError(t, f.consumer.ProcessOutOfStockRequests(ctx, 10))
}

func TestConsumer_StaleListEntryIsRemoved(t *testing.T) {
	f := setup(t, 10, testConfig())
	ctx := context.Background()
	require.NoError(t, f.store.PushCoupon(ctx, coordination.PendingWork, testCouponID))

	require.NoError(t, f.consumer.ProcessIssueRequest(ctx))
	assert.True(t, f.idle(t))
}

func TestSplitByCapacity(t *testing.T) {
	reqs := []model.IssueRequest{{UserID: 1}, {UserID: 2}, {UserID: 3}}

	valid, overflow := splitByCapacity(reqs, 2)
	assert.Len(t, valid, 2)
	assert.Equal(t, []model.IssueRequest{{UserID: 3}}, overflow)

	valid, overflow = splitByCapacity(reqs, 5)
	assert.Len(t, valid, 3)
	assert.Empty(t, overflow)

	valid, overflow = splitByCapacity(reqs, -1)
	assert.Empty(t, valid)
	assert.Len(t, overflow, 3)
}
