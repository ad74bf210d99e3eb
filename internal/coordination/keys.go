package coordination

import "fmt"

// WorkList names one of the global lists of coupon IDs awaiting batch attention.
type WorkList int

const (
	// PendingWork holds coupons whose request queue has unprocessed entries.
	PendingWork WorkList = iota
	// FailedWork holds coupons whose failed-request queue needs recovery.
	FailedWork
	// OutOfStockWork holds exhausted coupons whose queue must be drained.
	OutOfStockWork
)

func (w WorkList) String() string {
	switch w {
	case PendingWork:
		return "pending"
	case FailedWork:
		return "failed"
	case OutOfStockWork:
		return "out-of-stock"
	default:
		return fmt.Sprintf("worklist(%d)", int(w))
	}
}

// Keys builds the coordination store key space.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder; prefix is prepended verbatim to every key.
func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

func (k Keys) Stock(couponID int64) string {
	return fmt.Sprintf("%scoupon:%d:stock", k.prefix, couponID)
}

func (k Keys) IssuedUsers(couponID int64) string {
	return fmt.Sprintf("%scoupon:%d:issued-users", k.prefix, couponID)
}

func (k Keys) IssueRequests(couponID int64) string {
	return fmt.Sprintf("%scoupon:%d:issue:request", k.prefix, couponID)
}

func (k Keys) FailedRequests(couponID int64) string {
	return fmt.Sprintf("%scoupon:%d:issue:failed-requests", k.prefix, couponID)
}

func (k Keys) IssueStatus(userID, couponID int64) string {
	return fmt.Sprintf("%suser:%d:coupon:%d:issue-status", k.prefix, userID, couponID)
}

func (k Keys) WorkList(w WorkList) string {
	switch w {
	case FailedWork:
		return k.prefix + "coupon:issue:failed-coupon-ids"
	case OutOfStockWork:
		return k.prefix + "coupon:issue:out-of-stock-coupon-ids"
	default:
		return k.prefix + "coupon:issue:pending-coupon-ids"
	}
}

// CouponLockKey names the lock serializing issuance work on one coupon.
func CouponLockKey(couponID int64) string {
	return fmt.Sprintf("coupon:%d:issue", couponID)
}

// UserCouponLockKey names the lock serializing one user's attempts on one coupon.
func UserCouponLockKey(userID, couponID int64) string {
	return fmt.Sprintf("user:%d:coupon:%d:issue", userID, couponID)
}
