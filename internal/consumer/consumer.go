// Package consumer drains the coordination store's issuance queues. Each pass
// handles one coupon per invocation under that coupon's distributed lock:
// the primary pass issues from the request queue, the recovery pass retries
// the failed-request queue and the out-of-stock pass rejects what is left in
// the queue of an exhausted coupon.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/coupon-issuer/internal/config"
	"github.com/kkkkikiki/coupon-issuer/internal/coordination"
	"github.com/kkkkikiki/coupon-issuer/internal/lock"
	"github.com/kkkkikiki/coupon-issuer/internal/logging"
	"github.com/kkkkikiki/coupon-issuer/internal/metrics"
	"github.com/kkkkikiki/coupon-issuer/internal/model"
	"github.com/kkkkikiki/coupon-issuer/internal/repository"
)

const (
	passIssue      = "issue"
	passFailed     = "failed"
	passOutOfStock = "out_of_stock"
)

// CouponReader loads authoritative coupon definitions
type CouponReader interface {
	GetByID(ctx context.Context, id int64) (*model.Coupon, error)
}

// UserCouponWriter persists issued coupons. A (coupon, user) pair that is
// already stored must surface as repository.ErrDuplicateUserCoupon.
type UserCouponWriter interface {
	Save(ctx context.Context, uc *model.UserCoupon) error
	SaveAll(ctx context.Context, records []*model.UserCoupon) error
}

// IssueConsumer runs the batch passes of the issuance pipeline
type IssueConsumer struct {
	store       *coordination.Store
	coupons     CouponReader
	userCoupons UserCouponWriter
	locker      *lock.Executor
	lockOpts    lock.Options
	cfg         config.ConsumerConfig
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures an IssueConsumer
type Option func(*IssueConsumer)

// WithClock overrides the clock stamped on issued coupons
func WithClock(now func() time.Time) Option {
	return func(c *IssueConsumer) { c.now = now }
}

// NewIssueConsumer creates a consumer. Coupon locks are taken with lockType,
// which must match the type every other holder of those keys uses.
func NewIssueConsumer(
	store *coordination.Store,
	coupons CouponReader,
	userCoupons UserCouponWriter,
	locker *lock.Executor,
	lockType lock.Type,
	cfg config.ConsumerConfig,
	logger *zap.Logger,
	opts ...Option,
) *IssueConsumer {
	c := &IssueConsumer{
		store:       store,
		coupons:     coupons,
		userCoupons: userCoupons,
		locker:      locker,
		lockOpts:    lock.Options{Type: lockType, Lease: cfg.LockLease},
		cfg:         cfg,
		logger:      logging.OrNop(logger),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// issuance pairs a request with the record built for it
type issuance struct {
	req     model.IssueRequest
	record  *model.UserCoupon
	granted bool
}

// ProcessIssueRequest runs the primary pass on the coupon at the head of the
// pending work-list. The coupon ID and the peeked batch are removed only after
// the batch is fully handled, so an interrupted tick is repeated by the next.
func (c *IssueConsumer) ProcessIssueRequest(ctx context.Context) error {
	couponID, ok, err := c.store.PeekCoupon(ctx, coordination.PendingWork)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	logger := c.logger.With(zap.String("pass", passIssue), zap.Int64("coupon_id", couponID))
	err = c.withCouponLock(ctx, couponID, func(ctx context.Context) error {
		return c.processIssueBatch(ctx, logger, couponID)
	})
	if err != nil {
		c.rotate(ctx, logger, couponID)
		return fmt.Errorf("process issue requests of coupon %d: %w", couponID, err)
	}
	return nil
}

func (c *IssueConsumer) processIssueBatch(ctx context.Context, logger *zap.Logger, couponID int64) error {
	available, err := c.available(ctx, couponID)
	if err != nil {
		return err
	}

	reqs, err := c.store.PeekIssueRequests(ctx, couponID, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return c.store.RemoveCoupon(ctx, coordination.PendingWork, couponID)
	}

	fresh, granted, duplicates, err := c.partitionIssued(ctx, couponID, reqs)
	if err != nil {
		return err
	}
	valid, overflow := splitByCapacity(fresh, available)

	if err := c.fail(ctx, passIssue, append(duplicates, overflow...)); err != nil {
		return err
	}

	issued, rejected, err := c.build(ctx, couponID, valid, granted)
	if err != nil {
		return err
	}
	if err := c.fail(ctx, passIssue, rejected); err != nil {
		return err
	}

	var toFailedQueue []model.IssueRequest
	toPersist := make([]issuance, 0, len(issued))
	for _, is := range issued {
		if is.granted {
			// Marked by an earlier tick that did not commit. Saving again is
			// a no-op when that tick's save got through.
			toPersist = append(toPersist, is)
			continue
		}
		added, err := c.store.MarkAsIssued(ctx, is.req.UserID, couponID)
		if err != nil {
			logger.Warn("failed to mark user as issued", zap.Int64("user_id", is.req.UserID), zap.Error(err))
			toFailedQueue = append(toFailedQueue, retried(is.req))
			continue
		}
		if !added {
			logger.Warn("user was marked issued concurrently", zap.Int64("user_id", is.req.UserID))
			toFailedQueue = append(toFailedQueue, retried(is.req))
			continue
		}
		toPersist = append(toPersist, is)
	}

	failed := c.persist(ctx, logger, toPersist)
	for _, is := range failed {
		if _, err := c.store.RollbackIssuedMark(ctx, is.req.UserID, couponID); err != nil {
			return err
		}
		toFailedQueue = append(toFailedQueue, retried(is.req))
	}
	metrics.RecordBatchRequests(passIssue, "issued", len(toPersist)-len(failed))

	if err := c.requeueFailed(ctx, couponID, toFailedQueue); err != nil {
		return err
	}

	return c.commitIssueBatch(ctx, couponID, reqs)
}

// commitIssueBatch removes the handled batch and routes the coupon onward.
// The pending entry is removed last, so a failure at any earlier point
// leaves the coupon listed.
func (c *IssueConsumer) commitIssueBatch(ctx context.Context, couponID int64, reqs []model.IssueRequest) error {
	if err := c.store.RemoveIssueRequests(ctx, couponID, reqs); err != nil {
		return err
	}

	depth, err := c.store.CountIssueRequests(ctx, couponID)
	if err != nil {
		return err
	}
	if depth > 0 {
		available, err := c.available(ctx, couponID)
		if err != nil {
			return err
		}
		next := coordination.PendingWork
		if available <= 0 {
			next = coordination.OutOfStockWork
		}
		if err := c.store.PushCoupon(ctx, next, couponID); err != nil {
			return err
		}
	}

	return c.store.RemoveCoupon(ctx, coordination.PendingWork, couponID)
}

// ProcessFailedIssueRequest runs the recovery pass on the coupon at the head
// of the failed work-list.
func (c *IssueConsumer) ProcessFailedIssueRequest(ctx context.Context) error {
	couponID, ok, err := c.store.PopCoupon(ctx, coordination.FailedWork)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	logger := c.logger.With(zap.String("pass", passFailed), zap.Int64("coupon_id", couponID))
	err = c.withCouponLock(ctx, couponID, func(ctx context.Context) error {
		return c.processFailedBatch(ctx, logger, couponID)
	})
	if err != nil {
		c.pushBack(ctx, logger, coordination.FailedWork, couponID)
		return fmt.Errorf("process failed requests of coupon %d: %w", couponID, err)
	}
	return nil
}

func (c *IssueConsumer) processFailedBatch(ctx context.Context, logger *zap.Logger, couponID int64) error {
	reqs, err := c.store.PopFailedRequests(ctx, couponID, c.cfg.FailedBatchSize)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return nil
	}

	if err := c.recoverRequests(ctx, logger, couponID, reqs); err != nil {
		// Resolved requests are skipped on the next attempt since their
		// status is terminal by then.
		if requeueErr := c.requeueFailed(context.WithoutCancel(ctx), couponID, reqs); requeueErr != nil {
			logger.Error("failed to hand back popped requests", zap.Int("requests", len(reqs)), zap.Error(requeueErr))
		}
		return err
	}

	depth, err := c.store.CountFailedRequests(ctx, couponID)
	if err != nil {
		return err
	}
	if depth > 0 {
		return c.store.PushCoupon(ctx, coordination.FailedWork, couponID)
	}
	return nil
}

// recoverRequests retries failed-queue entries. An entry whose user is in
// the issued set with status ISSUED was granted by a pass whose save and
// rollback both failed; it is persisted again instead of being skipped.
func (c *IssueConsumer) recoverRequests(ctx context.Context, logger *zap.Logger, couponID int64, reqs []model.IssueRequest) error {
	unclaimed, granted, duplicates, err := c.partitionIssued(ctx, couponID, reqs)
	if err != nil {
		return err
	}
	if err := c.fail(ctx, passFailed, duplicates); err != nil {
		return err
	}

	fresh := make([]model.IssueRequest, 0, len(unclaimed))
	for _, req := range unclaimed {
		applied, err := c.store.TransitionIssuedStatus(ctx, req.UserID, couponID, model.IssuedStatusProcessing)
		if err != nil {
			return err
		}
		if !applied {
			logger.Debug("request already resolved", zap.Int64("user_id", req.UserID))
			metrics.RecordBatchRequests(passFailed, "skipped", 1)
			continue
		}
		fresh = append(fresh, req)
	}
	if len(fresh) == 0 && len(granted) == 0 {
		return nil
	}

	available, err := c.available(ctx, couponID)
	if err != nil {
		return err
	}
	valid, overflow := splitByCapacity(fresh, available)
	if err := c.fail(ctx, passFailed, overflow); err != nil {
		return err
	}

	issued, rejected, err := c.build(ctx, couponID, valid, granted)
	if err != nil {
		return err
	}
	if err := c.fail(ctx, passFailed, rejected); err != nil {
		return err
	}

	var retry []model.IssueRequest
	marked := make([]issuance, 0, len(issued))
	for _, is := range issued {
		if is.granted {
			marked = append(marked, is)
			continue
		}
		added, err := c.store.MarkAsIssued(ctx, is.req.UserID, couponID)
		if err != nil {
			logger.Warn("failed to mark user as issued", zap.Int64("user_id", is.req.UserID), zap.Error(err))
			retry = append(retry, is.req)
			continue
		}
		if !added {
			logger.Warn("user was marked issued concurrently", zap.Int64("user_id", is.req.UserID))
			continue
		}
		marked = append(marked, is)
	}

	failed := c.persist(ctx, logger, marked)
	for _, is := range failed {
		if _, err := c.store.RollbackIssuedMark(ctx, is.req.UserID, couponID); err != nil {
			return err
		}
		retry = append(retry, is.req)
	}
	metrics.RecordBatchRequests(passFailed, "issued", len(marked)-len(failed))

	return c.retryOrFail(ctx, logger, couponID, retry)
}

// retryOrFail re-queues requests that still have attempts left and fails the rest.
func (c *IssueConsumer) retryOrFail(ctx context.Context, logger *zap.Logger, couponID int64, reqs []model.IssueRequest) error {
	var again, exhausted []model.IssueRequest
	for _, req := range reqs {
		req = retried(req)
		if req.Attempts >= c.cfg.MaxAttempts {
			logger.Warn("giving up on request", zap.Int64("user_id", req.UserID), zap.Int("attempts", req.Attempts))
			exhausted = append(exhausted, req)
			continue
		}
		again = append(again, req)
	}

	if err := c.fail(ctx, passFailed, exhausted); err != nil {
		return err
	}
	return c.requeueFailed(ctx, couponID, again)
}

// ProcessOutOfStockRequests rejects up to batchSize requests still queued for
// the coupon at the head of the out-of-stock work-list. The coupon is listed
// again while its queue is not empty.
func (c *IssueConsumer) ProcessOutOfStockRequests(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = c.cfg.OutOfStockBatchSize
	}

	couponID, ok, err := c.store.PopCoupon(ctx, coordination.OutOfStockWork)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	logger := c.logger.With(zap.String("pass", passOutOfStock), zap.Int64("coupon_id", couponID))
	err = c.withCouponLock(ctx, couponID, func(ctx context.Context) error {
		return c.drainOutOfStock(ctx, logger, couponID, batchSize)
	})
	if err != nil {
		c.pushBack(ctx, logger, coordination.OutOfStockWork, couponID)
		return fmt.Errorf("process out-of-stock requests of coupon %d: %w", couponID, err)
	}
	return nil
}

func (c *IssueConsumer) drainOutOfStock(ctx context.Context, logger *zap.Logger, couponID int64, batchSize int) error {
	available, err := c.available(ctx, couponID)
	if err != nil {
		return err
	}
	if available > 0 {
		// capacity came back through a rolled back mark
		logger.Info("coupon has capacity again, returning it to the pending list", zap.Int64("available", available))
		return c.store.PushCoupon(ctx, coordination.PendingWork, couponID)
	}

	reqs, err := c.store.PeekIssueRequests(ctx, couponID, batchSize)
	if err != nil {
		return err
	}
	if err := c.fail(ctx, passOutOfStock, reqs); err != nil {
		return err
	}
	if err := c.store.RemoveIssueRequests(ctx, couponID, reqs); err != nil {
		return err
	}

	depth, err := c.store.CountIssueRequests(ctx, couponID)
	if err != nil {
		return err
	}
	logger.Debug("rejected queued requests", zap.Int("rejected", len(reqs)), zap.Int64("remaining", depth))
	if depth > 0 {
		return c.store.PushCoupon(ctx, coordination.OutOfStockWork, couponID)
	}
	return nil
}

func (c *IssueConsumer) withCouponLock(ctx context.Context, couponID int64, fn func(ctx context.Context) error) error {
	return c.locker.Run(ctx, coordination.CouponLockKey(couponID), c.lockOpts, fn)
}

// available returns stock minus issued count; it may be negative.
func (c *IssueConsumer) available(ctx context.Context, couponID int64) (int64, error) {
	stock, err := c.store.GetStock(ctx, couponID)
	if err != nil {
		return 0, err
	}
	issued, err := c.store.CountIssuedUser(ctx, couponID)
	if err != nil {
		return 0, err
	}
	return stock.Stock - issued, nil
}

// partitionIssued splits reqs by issued-set membership, keeping one request
// per user. Members whose status is ISSUED were granted by an earlier tick
// that did not commit; other members are duplicates.
func (c *IssueConsumer) partitionIssued(ctx context.Context, couponID int64, reqs []model.IssueRequest) (fresh, granted, duplicates []model.IssueRequest, err error) {
	members, err := c.store.IssuedUsersAmong(ctx, couponID, userIDs(reqs))
	if err != nil {
		return nil, nil, nil, err
	}

	seen := make(map[int64]struct{}, len(reqs))
	for _, req := range reqs {
		if _, dup := seen[req.UserID]; dup {
			continue
		}
		seen[req.UserID] = struct{}{}

		if !members[req.UserID] {
			fresh = append(fresh, req)
			continue
		}
		status, found, err := c.store.LookupIssuedStatus(ctx, req.UserID, couponID)
		if err != nil {
			return nil, nil, nil, err
		}
		if found && status == model.IssuedStatusIssued {
			granted = append(granted, req)
			continue
		}
		duplicates = append(duplicates, req)
	}
	return fresh, granted, duplicates, nil
}

// build creates the records for valid requests and rebuilds them for granted
// ones. Requests the coupon definition refuses are returned as rejected.
func (c *IssueConsumer) build(ctx context.Context, couponID int64, valid, granted []model.IssueRequest) (issued []issuance, rejected []model.IssueRequest, err error) {
	if len(valid) == 0 && len(granted) == 0 {
		return nil, nil, nil
	}

	coupon, err := c.coupons.GetByID(ctx, couponID)
	if err != nil {
		return nil, nil, err
	}

	now := c.now()
	for _, req := range valid {
		uc, err := coupon.IssueTo(req.UserID, now)
		if errors.Is(err, model.ErrCouponNotIssuable) || errors.Is(err, model.ErrCouponExhausted) {
			c.logger.Info("coupon refused issuance", zap.Int64("coupon_id", couponID),
				zap.Int64("user_id", req.UserID), zap.Error(err))
			rejected = append(rejected, req)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		issued = append(issued, issuance{req: req, record: uc})
	}

	for _, req := range granted {
		uc, err := coupon.Reissue(req.UserID, now)
		if err != nil {
			return nil, nil, err
		}
		issued = append(issued, issuance{req: req, record: uc, granted: true})
	}
	return issued, rejected, nil
}

// persist saves batch in one call and falls back to per-record saves when
// that fails, so one bad record does not take the others down. It returns
// the issuances that could not be persisted.
func (c *IssueConsumer) persist(ctx context.Context, logger *zap.Logger, batch []issuance) []issuance {
	if len(batch) == 0 {
		return nil
	}

	records := make([]*model.UserCoupon, len(batch))
	for i, is := range batch {
		records[i] = is.record
	}
	err := c.userCoupons.SaveAll(ctx, records)
	if err == nil {
		return nil
	}
	logger.Warn("bulk save failed, saving records one by one", zap.Int("records", len(records)), zap.Error(err))

	var failed []issuance
	for _, is := range batch {
		err := c.userCoupons.Save(ctx, is.record)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrDuplicateUserCoupon):
			logger.Info("user coupon already persisted", zap.Int64("user_id", is.req.UserID))
		default:
			logger.Error("failed to persist user coupon", zap.Int64("user_id", is.req.UserID), zap.Error(err))
			failed = append(failed, is)
		}
	}
	return failed
}

// fail moves reqs to FAILED. Terminal statuses are left as they are.
func (c *IssueConsumer) fail(ctx context.Context, pass string, reqs []model.IssueRequest) error {
	for _, req := range reqs {
		if _, err := c.store.TransitionIssuedStatus(ctx, req.UserID, req.CouponID, model.IssuedStatusFailed); err != nil {
			return err
		}
	}
	metrics.RecordBatchRequests(pass, "failed", len(reqs))
	return nil
}

// requeueFailed appends reqs to the failed-request queue and flags the
// coupon on the failed work-list once.
func (c *IssueConsumer) requeueFailed(ctx context.Context, couponID int64, reqs []model.IssueRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	for _, req := range reqs {
		if err := c.store.PushToFailedQueue(ctx, req); err != nil {
			return err
		}
	}
	metrics.RecordBatchRequests(passFailed, "requeued", len(reqs))
	return c.store.PushCoupon(ctx, coordination.FailedWork, couponID)
}

// rotate moves the peeked pending entry of couponID to the tail of the list.
// The new entry is pushed before the old one is removed so the coupon is
// never unlisted.
func (c *IssueConsumer) rotate(ctx context.Context, logger *zap.Logger, couponID int64) {
	ctx = context.WithoutCancel(ctx)
	if err := c.store.PushCoupon(ctx, coordination.PendingWork, couponID); err != nil {
		logger.Error("failed to re-queue coupon", zap.Error(err))
		return
	}
	if err := c.store.RemoveCoupon(ctx, coordination.PendingWork, couponID); err != nil {
		logger.Error("failed to remove rotated coupon entry", zap.Error(err))
	}
}

func (c *IssueConsumer) pushBack(ctx context.Context, logger *zap.Logger, list coordination.WorkList, couponID int64) {
	if err := c.store.PushCoupon(context.WithoutCancel(ctx), list, couponID); err != nil {
		logger.Error("failed to re-queue coupon", zap.String("list", list.String()), zap.Error(err))
	}
}

func splitByCapacity(reqs []model.IssueRequest, available int64) (valid, overflow []model.IssueRequest) {
	if available <= 0 {
		return nil, reqs
	}
	if int64(len(reqs)) <= available {
		return reqs, nil
	}
	return reqs[:available], reqs[available:]
}

func retried(req model.IssueRequest) model.IssueRequest {
	req.Attempts++
	return req
}

func userIDs(reqs []model.IssueRequest) []int64 {
	ids := make([]int64, len(reqs))
	for i, req := range reqs {
		ids[i] = req.UserID
	}
	return ids
}
