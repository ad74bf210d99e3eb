package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	"github.com/kkkkikiki/coupon-issuer/internal/api"
	"github.com/kkkkikiki/coupon-issuer/internal/coordination"
	"github.com/kkkkikiki/coupon-issuer/internal/lock"
	"github.com/kkkkikiki/coupon-issuer/internal/logging"
	"github.com/kkkkikiki/coupon-issuer/internal/metrics"
	"github.com/kkkkikiki/coupon-issuer/internal/model"
	"github.com/kkkkikiki/coupon-issuer/internal/repository"
)

const (
	modeQueued = "queued"
	modeSync   = "sync"
)

// CouponRepository reads and writes coupon definitions
type CouponRepository interface {
	Create(ctx context.Context, coupon *model.Coupon) error
	GetByID(ctx context.Context, id int64) (*model.Coupon, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*model.Coupon, error)
}

// UserCouponRepository persists issued coupons
type UserCouponRepository interface {
	Save(ctx context.Context, uc *model.UserCoupon) error
}

// TxRunner runs fn in a database transaction
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RejectionError is an admission refusal with a stable reason code
type RejectionError struct {
	Reason model.RejectReason
}

func (e *RejectionError) Error() string {
	return string(e.Reason)
}

// issueArgs identifies one user's attempt on one coupon
type issueArgs struct {
	UserID   int64
	CouponID int64
}

func issueLockKeys(a issueArgs) []string {
	return []string{
		coordination.CouponLockKey(a.CouponID),
		coordination.UserCouponLockKey(a.UserID, a.CouponID),
	}
}

// CouponServer implements the coupon service
type CouponServer struct {
	txm         TxRunner
	store       *coordination.Store
	coupons     CouponRepository
	userCoupons UserCouponRepository
	logger      *zap.Logger
	now         func() time.Time

	issueLocked func(context.Context, issueArgs) (*model.UserCoupon, error)
}

// Option configures a CouponServer
type Option func(*CouponServer)

// WithClock overrides the clock used for validity checks and issue stamps
func WithClock(now func() time.Time) Option {
	return func(s *CouponServer) { s.now = now }
}

// NewCouponServer creates a new CouponServer instance. Synchronous issuance
// runs under the coupon and user-coupon locks acquired through locker with
// lockOpts.
func NewCouponServer(
	txm TxRunner,
	store *coordination.Store,
	coupons CouponRepository,
	userCoupons UserCouponRepository,
	locker *lock.Executor,
	lockOpts lock.Options,
	logger *zap.Logger,
	opts ...Option,
) *CouponServer {
	s := &CouponServer{
		txm:         txm,
		store:       store,
		coupons:     coupons,
		userCoupons: userCoupons,
		logger:      logging.OrNop(logger),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.issueLocked = lock.GuardMulti(locker, lockOpts, issueLockKeys, s.issue)
	return s
}

// IssueCoupon admits the request into the batch pipeline. The answer is an
// acknowledgment; the outcome is observed through GetIssueStatus.
func (s *CouponServer) IssueCoupon(
	ctx context.Context,
	req *connect.Request[api.IssueCouponRequest],
) (*connect.Response[api.IssueCouponResponse], error) {
	start := time.Now()
	result := "error"
	defer func() {
		metrics.RecordIssueCouponDuration(modeQueued, result, time.Since(start).Seconds())
		metrics.RecordIssueRequest(modeQueued, result)
	}()

	if err := validateIssueRequest(req.Msg); err != nil {
		result = "invalid"
		return nil, err
	}

	v, err := s.store.Admit(ctx, req.Msg.UserID, req.Msg.CouponID)
	if err != nil {
		s.logger.Error("failed to admit issue request",
			zap.Int64("coupon_id", req.Msg.CouponID), zap.Int64("user_id", req.Msg.UserID), zap.Error(err))
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to admit request: %w", err))
	}
	if !v.Valid {
		result = string(v.Reason)
		return nil, toConnectError(&RejectionError{Reason: v.Reason})
	}
	result = "accepted"

	return connect.NewResponse(&api.IssueCouponResponse{
		CouponID: req.Msg.CouponID,
		UserID:   req.Msg.UserID,
		Status:   string(model.IssuedStatusPending),
	}), nil
}

// IssueCouponSync issues the coupon immediately under distributed locks and
// answers with the final decision.
func (s *CouponServer) IssueCouponSync(
	ctx context.Context,
	req *connect.Request[api.IssueCouponRequest],
) (*connect.Response[api.IssueCouponResponse], error) {
	start := time.Now()
	result := "error"
	defer func() {
		metrics.RecordIssueCouponDuration(modeSync, result, time.Since(start).Seconds())
		metrics.RecordIssueRequest(modeSync, result)
	}()

	if err := validateIssueRequest(req.Msg); err != nil {
		result = "invalid"
		return nil, err
	}

	uc, err := s.IssueSync(ctx, req.Msg.UserID, req.Msg.CouponID)
	if err != nil {
		var rejection *RejectionError
		switch {
		case errors.As(err, &rejection):
			result = string(rejection.Reason)
		case errors.Is(err, lock.ErrLockNotAcquired):
			result = "lock_timeout"
		default:
			s.logger.Error("synchronous issuance failed",
				zap.Int64("coupon_id", req.Msg.CouponID), zap.Int64("user_id", req.Msg.UserID), zap.Error(err))
		}
		return nil, toConnectError(err)
	}
	result = "issued"

	return connect.NewResponse(&api.IssueCouponResponse{
		CouponID: uc.CouponID,
		UserID:   uc.UserID,
		Status:   string(model.IssuedStatusIssued),
		Code:     uc.Code,
	}), nil
}

// IssueSync issues couponID to userID in one database transaction. The locks
// are released once that transaction has ended. If the transaction does not
// commit after the grant was recorded, the grant is undone.
func (s *CouponServer) IssueSync(ctx context.Context, userID, couponID int64) (*model.UserCoupon, error) {
	args := issueArgs{UserID: userID, CouponID: couponID}

	var issued *model.UserCoupon
	err := s.txm.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		issued, err = s.issueLocked(ctx, args)
		return err
	})
	if err != nil && issued != nil {
		s.undoGrant(ctx, args)
	}
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// issue runs with both locks held and inside the transaction. The record is
// written before the grant so a refused grant rolls the write back with the
// transaction.
func (s *CouponServer) issue(ctx context.Context, a issueArgs) (*model.UserCoupon, error) {
	status, found, err := s.store.LookupIssuedStatus(ctx, a.UserID, a.CouponID)
	if err != nil {
		return nil, err
	}
	if found && status == model.IssuedStatusFailed {
		return nil, &RejectionError{Reason: model.RejectAttemptFailed}
	}

	coupon, err := s.coupons.GetByIDForUpdate(ctx, a.CouponID)
	if err != nil {
		return nil, err
	}

	uc, err := coupon.IssueTo(a.UserID, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.userCoupons.Save(ctx, uc); err != nil {
		if errors.Is(err, repository.ErrDuplicateUserCoupon) {
			return nil, &RejectionError{Reason: model.RejectDuplicateIssue}
		}
		return nil, err
	}

	v, err := s.store.ValidateAndMark(ctx, a.UserID, a.CouponID)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, &RejectionError{Reason: v.Reason}
	}

	if err := s.store.SetIssuedStatus(ctx, a.UserID, a.CouponID, model.IssuedStatusIssued); err != nil {
		// returning uc lets IssueSync undo the grant
		return uc, err
	}
	return uc, nil
}

func (s *CouponServer) undoGrant(ctx context.Context, a issueArgs) {
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With(zap.Int64("coupon_id", a.CouponID), zap.Int64("user_id", a.UserID))

	if _, err := s.store.RollbackIssuedMark(ctx, a.UserID, a.CouponID); err != nil {
		logger.Error("failed to roll back issued mark", zap.Error(err))
		return
	}
	if err := s.store.SetIssuedStatus(ctx, a.UserID, a.CouponID, model.IssuedStatusFailed); err != nil {
		logger.Error("failed to record failed issuance", zap.Error(err))
	}
}

// GetIssueStatus reports the status of one user's attempt on one coupon.
// Without a status cell, a request still waiting in the queue is PENDING and
// anything else reads as FAILED.
func (s *CouponServer) GetIssueStatus(
	ctx context.Context,
	req *connect.Request[api.GetIssueStatusRequest],
) (*connect.Response[api.GetIssueStatusResponse], error) {
	status, err := s.IssueStatus(ctx, req.Msg.UserID, req.Msg.CouponID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to get issue status: %w", err))
	}

	return connect.NewResponse(&api.GetIssueStatusResponse{
		UserID:   req.Msg.UserID,
		CouponID: req.Msg.CouponID,
		Status:   string(status),
	}), nil
}

// IssueStatus resolves the observable status of userID's attempt on couponID.
func (s *CouponServer) IssueStatus(ctx context.Context, userID, couponID int64) (model.IssuedStatus, error) {
	status, found, err := s.store.LookupIssuedStatus(ctx, userID, couponID)
	if err != nil {
		return "", err
	}
	if found {
		return status, nil
	}

	queued, err := s.store.IsQueued(ctx, couponID, userID)
	if err != nil {
		return "", err
	}
	if queued {
		return model.IssuedStatusPending, nil
	}
	return model.IssuedStatusFailed, nil
}

// CreateCoupon stores a coupon definition and publishes its stock record.
func (s *CouponServer) CreateCoupon(
	ctx context.Context,
	req *connect.Request[api.CreateCouponRequest],
) (*connect.Response[api.CreateCouponResponse], error) {
	if req.Msg.Name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("name is required"))
	}
	if req.Msg.TotalQuantity <= 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("total_quantity must be positive"))
	}
	if !req.Msg.ValidUntil.IsZero() && !req.Msg.ValidUntil.After(req.Msg.ValidFrom) {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("valid_until must be after valid_from"))
	}

	coupon := &model.Coupon{
		Name:          req.Msg.Name,
		TotalQuantity: req.Msg.TotalQuantity,
		ValidFrom:     req.Msg.ValidFrom,
		ValidUntil:    req.Msg.ValidUntil,
	}
	if coupon.ValidFrom.IsZero() {
		coupon.ValidFrom = s.now()
	}

	// The stock record is written inside the transaction so a failed write
	// leaves no definition behind.
	err := s.txm.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.coupons.Create(ctx, coupon); err != nil {
			return err
		}
		return s.store.SetStock(ctx, model.Stock{CouponID: coupon.ID, Stock: int64(coupon.TotalQuantity)})
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to create coupon: %w", err))
	}

	s.logger.Info("coupon created", zap.Int64("coupon_id", coupon.ID), zap.Int32("total_quantity", coupon.TotalQuantity))

	return connect.NewResponse(&api.CreateCouponResponse{Coupon: toAPICoupon(coupon)}), nil
}

// GetCoupon returns a coupon definition with its live counters.
func (s *CouponServer) GetCoupon(
	ctx context.Context,
	req *connect.Request[api.GetCouponRequest],
) (*connect.Response[api.GetCouponResponse], error) {
	coupon, err := s.coupons.GetByID(ctx, req.Msg.CouponID)
	if err != nil {
		return nil, toConnectError(err)
	}

	stock, err := s.store.GetStock(ctx, coupon.ID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	issued, err := s.store.CountIssuedUser(ctx, coupon.ID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	queued, err := s.store.CountIssueRequests(ctx, coupon.ID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(&api.GetCouponResponse{
		Coupon: toAPICoupon(coupon),
		Stock:  stock.Stock,
		Issued: issued,
		Queued: queued,
	}), nil
}

func validateIssueRequest(msg *api.IssueCouponRequest) error {
	if msg.CouponID <= 0 || msg.UserID <= 0 {
		return connect.NewError(connect.CodeInvalidArgument, errors.New("coupon_id and user_id must be positive"))
	}
	return nil
}

// toConnectError maps domain failures to connect codes. Rejections carry
// their reason code as the message.
func toConnectError(err error) error {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		code := connect.CodeFailedPrecondition
		switch rejection.Reason {
		case model.RejectOutOfStock:
			code = connect.CodeResourceExhausted
		case model.RejectDuplicateIssue:
			code = connect.CodeAlreadyExists
		case model.RejectCouponNotFound:
			code = connect.CodeNotFound
		}
		return connect.NewError(code, rejection)
	}

	switch {
	case errors.Is(err, repository.ErrCouponNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, model.ErrCouponExhausted):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, model.ErrCouponNotIssuable):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, lock.ErrLockNotAcquired):
		return connect.NewError(connect.CodeAborted, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

func toAPICoupon(c *model.Coupon) *api.Coupon {
	return &api.Coupon{
		ID:             c.ID,
		Name:           c.Name,
		TotalQuantity:  c.TotalQuantity,
		IssuedQuantity: c.IssuedQuantity,
		ValidFrom:      c.ValidFrom,
		ValidUntil:     c.ValidUntil,
	}
}
