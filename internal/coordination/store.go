// Package coordination is the Redis-backed key-value coordination store of
// the issuance pipeline: stock records, issued-user sets, per-coupon request
// and failed-request queues, per-user status cells and the coupon work-lists.
//
// Every mutation that must be race free is a single Lua script round trip.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/kkkkikiki/coupon-issuer/internal/logging"
	"github.com/kkkkikiki/coupon-issuer/internal/model"
)

// Store is the coordination store
type Store struct {
	client redis.UniversalClient
	keys   Keys
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithKeyPrefix prefixes every key, e.g. to share one Redis between environments.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keys = NewKeys(prefix) }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// WithClock overrides the clock used to stamp request arrival
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a coordination store on client
func NewStore(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		keys:   NewKeys(""),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys exposes the key builder in use
func (s *Store) Keys() Keys {
	return s.keys
}

// --- stock ---

// GetStock returns the stock record of couponID. An absent record reads as
// zero stock; callers treat both as no capacity.
func (s *Store) GetStock(ctx context.Context, couponID int64) (model.Stock, error) {
	stock, err := s.client.Get(ctx, s.keys.Stock(couponID)).Int64()
	if errors.Is(err, redis.Nil) {
		return model.Stock{CouponID: couponID}, nil
	}
	if err != nil {
		return model.Stock{}, fmt.Errorf("get stock of coupon %d: %w", couponID, err)
	}
	return model.Stock{CouponID: couponID, Stock: stock}, nil
}

// SetStock writes the stock record. Administrative, not part of the hot path.
func (s *Store) SetStock(ctx context.Context, stock model.Stock) error {
	if err := s.client.Set(ctx, s.keys.Stock(stock.CouponID), stock.Stock, 0).Err(); err != nil {
		return fmt.Errorf("set stock of coupon %d: %w", stock.CouponID, err)
	}
	return nil
}

// --- issued-user set ---

func (s *Store) ExistsIssuedUser(ctx context.Context, couponID, userID int64) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.keys.IssuedUsers(couponID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check issued user %d of coupon %d: %w", userID, couponID, err)
	}
	return ok, nil
}

// SetIssuedUser adds userID to the issued set and reports whether it was new.
func (s *Store) SetIssuedUser(ctx context.Context, couponID, userID int64) (bool, error) {
	added, err := s.client.SAdd(ctx, s.keys.IssuedUsers(couponID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("add issued user %d of coupon %d: %w", userID, couponID, err)
	}
	return added == 1, nil
}

func (s *Store) CountIssuedUser(ctx context.Context, couponID int64) (int64, error) {
	n, err := s.client.SCard(ctx, s.keys.IssuedUsers(couponID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count issued users of coupon %d: %w", couponID, err)
	}
	return n, nil
}

// IssuedUsersAmong reports, in one pipeline, which of userIDs are in the issued set.
func (s *Store) IssuedUsersAmong(ctx context.Context, couponID int64, userIDs []int64) (map[int64]bool, error) {
	result := make(map[int64]bool, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	key := s.keys.IssuedUsers(couponID)
	cmds := make([]*redis.BoolCmd, len(userIDs))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, userID := range userIDs {
			cmds[i] = pipe.SIsMember(ctx, key, userID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check issued users of coupon %d: %w", couponID, err)
	}

	for i, userID := range userIDs {
		result[userID] = cmds[i].Val()
	}
	return result, nil
}

// --- issue request queue (time ordered) ---

// PushToIssueRequestQueue inserts req keyed by the current time. A user
// already waiting keeps their original position; false is returned then.
func (s *Store) PushToIssueRequestQueue(ctx context.Context, req model.IssueRequest) (bool, error) {
	added, err := s.client.ZAddNX(ctx, s.keys.IssueRequests(req.CouponID), redis.Z{
		Score:  float64(s.now().UnixMilli()),
		Member: req.UserID,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue issue request of coupon %d: %w", req.CouponID, err)
	}
	return added == 1, nil
}

// PeekIssueRequests returns up to n oldest requests without removing them.
func (s *Store) PeekIssueRequests(ctx context.Context, couponID int64, n int) ([]model.IssueRequest, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := s.client.ZRangeWithScores(ctx, s.keys.IssueRequests(couponID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek issue requests of coupon %d: %w", couponID, err)
	}
	return toIssueRequests(couponID, zs)
}

// PopIssueRequests removes and returns up to n oldest requests.
func (s *Store) PopIssueRequests(ctx context.Context, couponID int64, n int) ([]model.IssueRequest, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := s.client.ZPopMin(ctx, s.keys.IssueRequests(couponID), int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("pop issue requests of coupon %d: %w", couponID, err)
	}
	return toIssueRequests(couponID, zs)
}

// RemoveIssueRequests removes exactly reqs from the request queue. Entries
// that arrived after a peek are left in place.
func (s *Store) RemoveIssueRequests(ctx context.Context, couponID int64, reqs []model.IssueRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	members := make([]interface{}, len(reqs))
	for i, req := range reqs {
		members[i] = req.UserID
	}
	if err := s.client.ZRem(ctx, s.keys.IssueRequests(couponID), members...).Err(); err != nil {
		return fmt.Errorf("remove issue requests of coupon %d: %w", couponID, err)
	}
	return nil
}

func (s *Store) CountIssueRequests(ctx context.Context, couponID int64) (int64, error) {
	n, err := s.client.ZCard(ctx, s.keys.IssueRequests(couponID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count issue requests of coupon %d: %w", couponID, err)
	}
	return n, nil
}

// IsQueued reports whether userID still waits in the request queue of couponID.
func (s *Store) IsQueued(ctx context.Context, couponID, userID int64) (bool, error) {
	err := s.client.ZScore(ctx, s.keys.IssueRequests(couponID), strconv.FormatInt(userID, 10)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check queued user %d of coupon %d: %w", userID, couponID, err)
	}
	return true, nil
}

func toIssueRequests(couponID int64, zs []redis.Z) ([]model.IssueRequest, error) {
	reqs := make([]model.IssueRequest, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected queue member type %T", z.Member)
		}
		userID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed queue member %q: %w", member, err)
		}
		reqs = append(reqs, model.IssueRequest{
			CouponID:    couponID,
			UserID:      userID,
			RequestedAt: time.UnixMilli(int64(z.Score)),
		})
	}
	return reqs, nil
}

// --- failed request queue (FIFO) ---

func (s *Store) PushToFailedQueue(ctx context.Context, req model.IssueRequest) error {
	data, err := msgpack.Marshal(&req)
	if err != nil {
		return fmt.Errorf("encode failed request: %w", err)
	}
	if err := s.client.RPush(ctx, s.keys.FailedRequests(req.CouponID), data).Err(); err != nil {
		return fmt.Errorf("enqueue failed request of coupon %d: %w", req.CouponID, err)
	}
	return nil
}

func (s *Store) PeekFailedRequests(ctx context.Context, couponID int64, n int) ([]model.IssueRequest, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.keys.FailedRequests(couponID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek failed requests of coupon %d: %w", couponID, err)
	}
	return s.decodeFailed(couponID, raw), nil
}

// PopFailedRequests atomically removes and returns up to n head entries.
func (s *Store) PopFailedRequests(ctx context.Context, couponID int64, n int) ([]model.IssueRequest, error) {
	if n <= 0 {
		return nil, nil
	}
	key := s.keys.FailedRequests(couponID)

	var head *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		head = pipe.LRange(ctx, key, 0, int64(n-1))
		pipe.LTrim(ctx, key, int64(n), -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pop failed requests of coupon %d: %w", couponID, err)
	}
	return s.decodeFailed(couponID, head.Val()), nil
}

func (s *Store) CountFailedRequests(ctx context.Context, couponID int64) (int64, error) {
	n, err := s.client.LLen(ctx, s.keys.FailedRequests(couponID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count failed requests of coupon %d: %w", couponID, err)
	}
	return n, nil
}

// decodeFailed skips undecodable entries; they cannot be retried anyway.
func (s *Store) decodeFailed(couponID int64, raw []string) []model.IssueRequest {
	reqs := make([]model.IssueRequest, 0, len(raw))
	for _, entry := range raw {
		var req model.IssueRequest
		if err := msgpack.Unmarshal([]byte(entry), &req); err != nil {
			s.logger.Error("dropping undecodable failed request",
				zap.Int64("coupon_id", couponID), zap.Error(err))
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs
}

// --- issued status ---

// SetIssuedStatus overwrites the status cell (last write wins).
func (s *Store) SetIssuedStatus(ctx context.Context, userID, couponID int64, status model.IssuedStatus) error {
	if err := s.client.Set(ctx, s.keys.IssueStatus(userID, couponID), string(status), 0).Err(); err != nil {
		return fmt.Errorf("set issue status of user %d coupon %d: %w", userID, couponID, err)
	}
	return nil
}

// GetIssuedStatus reads the status cell. A status that was never set reads
// as FAILED, never as a false positive.
func (s *Store) GetIssuedStatus(ctx context.Context, userID, couponID int64) (model.IssuedStatus, error) {
	status, found, err := s.LookupIssuedStatus(ctx, userID, couponID)
	if err != nil {
		return "", err
	}
	if !found {
		return model.IssuedStatusFailed, nil
	}
	return status, nil
}

// LookupIssuedStatus reads the status cell and reports whether it exists.
func (s *Store) LookupIssuedStatus(ctx context.Context, userID, couponID int64) (model.IssuedStatus, bool, error) {
	raw, err := s.client.Get(ctx, s.keys.IssueStatus(userID, couponID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get issue status of user %d coupon %d: %w", userID, couponID, err)
	}
	return model.IssuedStatus(raw), true, nil
}

// TransitionIssuedStatus sets the status cell unless it already holds a
// terminal status. It reports whether the write happened.
func (s *Store) TransitionIssuedStatus(ctx context.Context, userID, couponID int64, to model.IssuedStatus) (bool, error) {
	applied, err := transitionStatusScript.Run(ctx, s.client,
		[]string{s.keys.IssueStatus(userID, couponID)},
		string(to), string(model.IssuedStatusIssued), string(model.IssuedStatusFailed),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("transition issue status of user %d coupon %d: %w", userID, couponID, err)
	}
	return applied == 1, nil
}

// --- coupon work-lists ---

func (s *Store) PushCoupon(ctx context.Context, list WorkList, couponID int64) error {
	if err := s.client.RPush(ctx, s.keys.WorkList(list), couponID).Err(); err != nil {
		return fmt.Errorf("push coupon %d to %s list: %w", couponID, list, err)
	}
	return nil
}

// PopCoupon removes the head of list; ok is false when the list is empty.
func (s *Store) PopCoupon(ctx context.Context, list WorkList) (couponID int64, ok bool, err error) {
	couponID, err = s.client.LPop(ctx, s.keys.WorkList(list)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("pop coupon from %s list: %w", list, err)
	}
	return couponID, true, nil
}

// PeekCoupon returns the head of list without removing it.
func (s *Store) PeekCoupon(ctx context.Context, list WorkList) (couponID int64, ok bool, err error) {
	couponID, err = s.client.LIndex(ctx, s.keys.WorkList(list), 0).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("peek coupon from %s list: %w", list, err)
	}
	return couponID, true, nil
}

// RemoveCoupon removes one occurrence of couponID from list.
func (s *Store) RemoveCoupon(ctx context.Context, list WorkList, couponID int64) error {
	if err := s.client.LRem(ctx, s.keys.WorkList(list), 1, couponID).Err(); err != nil {
		return fmt.Errorf("remove coupon %d from %s list: %w", couponID, list, err)
	}
	return nil
}

// --- atomic issuance ---

// MarkAsIssued atomically sets the status cell to ISSUED and adds userID to
// the issued set. It reports whether the set membership changed.
func (s *Store) MarkAsIssued(ctx context.Context, userID, couponID int64) (bool, error) {
	added, err := markAsIssuedScript.Run(ctx, s.client,
		[]string{s.keys.IssueStatus(userID, couponID), s.keys.IssuedUsers(couponID)},
		userID, string(model.IssuedStatusIssued),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("mark user %d issued for coupon %d: %w", userID, couponID, err)
	}
	return added == 1, nil
}

// RollbackIssuedMark is the atomic inverse of MarkAsIssued: status back to
// PENDING, user removed from the issued set.
func (s *Store) RollbackIssuedMark(ctx context.Context, userID, couponID int64) (bool, error) {
	removed, err := rollbackIssuedMarkScript.Run(ctx, s.client,
		[]string{s.keys.IssueStatus(userID, couponID), s.keys.IssuedUsers(couponID)},
		userID, string(model.IssuedStatusPending),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rollback issued mark of user %d coupon %d: %w", userID, couponID, err)
	}
	return removed == 1, nil
}

// ValidateAndMark checks stock existence, duplication and remaining capacity
// and, only if all pass, adds userID to the issued set, in one round trip.
func (s *Store) ValidateAndMark(ctx context.Context, userID, couponID int64) (model.Validation, error) {
	reason, err := validateAndMarkScript.Run(ctx, s.client,
		[]string{s.keys.Stock(couponID), s.keys.IssuedUsers(couponID)},
		userID,
	).Text()
	if err != nil {
		return model.Validation{}, fmt.Errorf("validate and mark user %d coupon %d: %w", userID, couponID, err)
	}
	return toValidation(reason)
}

// Admit is the queued-path admission: the ValidateAndMark checks, then an
// enqueue into the request queue instead of a mark. A user whose attempt
// already ended FAILED is refused. The coupon is flagged on
// the pending work-list when its queue goes from empty to non-empty.
func (s *Store) Admit(ctx context.Context, userID, couponID int64) (model.Validation, error) {
	reason, err := admitScript.Run(ctx, s.client,
		[]string{
			s.keys.Stock(couponID),
			s.keys.IssuedUsers(couponID),
			s.keys.IssueRequests(couponID),
			s.keys.WorkList(PendingWork),
			s.keys.IssueStatus(userID, couponID),
		},
		userID, couponID, s.now().UnixMilli(), string(model.IssuedStatusFailed),
	).Text()
	if err != nil {
		return model.Validation{}, fmt.Errorf("admit user %d coupon %d: %w", userID, couponID, err)
	}
	return toValidation(reason)
}

func toValidation(reason string) (model.Validation, error) {
	switch model.RejectReason(reason) {
	case model.RejectOutOfStock, model.RejectDuplicateIssue, model.RejectCouponNotFound, model.RejectAttemptFailed:
		return model.Rejected(model.RejectReason(reason)), nil
	}
	if reason == "VALID" {
		return model.Accepted, nil
	}
	return model.Validation{}, fmt.Errorf("unexpected validation result %q", reason)
}
