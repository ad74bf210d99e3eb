package model

import (
	"errors"
	"time"
)

var (
	// ErrCouponNotIssuable is returned when issuance is attempted outside the validity window.
	ErrCouponNotIssuable = errors.New("coupon is not issuable at this time")
	// ErrCouponExhausted is returned when the coupon's total limit has been reached.
	ErrCouponExhausted = errors.New("coupon total limit reached")
)

// UserCouponStatusIssued is the only status a persisted user coupon starts with.
const UserCouponStatusIssued = "ISSUED"

// Coupon is the authoritative coupon definition stored in the database
type Coupon struct {
	ID             int64     `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	TotalQuantity  int32     `db:"total_quantity" json:"total_quantity"`
	IssuedQuantity int32     `db:"issued_quantity" json:"issued_quantity"`
	ValidFrom      time.Time `db:"valid_from" json:"valid_from"`
	ValidUntil     time.Time `db:"valid_until" json:"valid_until"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// UserCoupon is a coupon issued to one user
type UserCoupon struct {
	ID        int64     `db:"id" json:"id"`
	CouponID  int64     `db:"coupon_id" json:"coupon_id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Code      string    `db:"code" json:"code"`
	Status    string    `db:"status" json:"status"`
	IssuedAt  time.Time `db:"issued_at" json:"issued_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

// IsIssuableAt reports whether now falls inside the validity window.
// A zero ValidUntil means the coupon never expires.
func (c *Coupon) IsIssuableAt(now time.Time) bool {
	if now.Before(c.ValidFrom) {
		return false
	}
	return c.ValidUntil.IsZero() || now.Before(c.ValidUntil)
}

// Remaining returns how many more coupons the definition allows.
func (c *Coupon) Remaining() int32 {
	if c.IssuedQuantity >= c.TotalQuantity {
		return 0
	}
	return c.TotalQuantity - c.IssuedQuantity
}

// IssueTo builds the user coupon for userID, enforcing the validity window and
// the total limit. On success the in-memory issued quantity is advanced so that
// several records built from the same definition respect the limit together.
func (c *Coupon) IssueTo(userID int64, now time.Time) (*UserCoupon, error) {
	if !c.IsIssuableAt(now) {
		return nil, ErrCouponNotIssuable
	}
	if c.Remaining() == 0 {
		return nil, ErrCouponExhausted
	}

	uc, err := c.newUserCoupon(userID, now)
	if err != nil {
		return nil, err
	}

	c.IssuedQuantity++
	return uc, nil
}

// Reissue rebuilds the record of a user the coupon was already granted to,
// e.g. when a grant was recorded but its persistence was interrupted. Limits
// are not re-checked and the issued quantity is left untouched.
func (c *Coupon) Reissue(userID int64, now time.Time) (*UserCoupon, error) {
	return c.newUserCoupon(userID, now)
}

func (c *Coupon) newUserCoupon(userID int64, now time.Time) (*UserCoupon, error) {
	code, err := GenerateCode(c.ID, userID)
	if err != nil {
		return nil, err
	}

	return &UserCoupon{
		CouponID:  c.ID,
		UserID:    userID,
		Code:      code,
		Status:    UserCouponStatusIssued,
		IssuedAt:  now,
		ExpiresAt: c.ValidUntil,
	}, nil
}
