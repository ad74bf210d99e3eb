package model

import "time"

// IssuedStatus is the externally observable lifecycle of one user's attempt on one coupon
type IssuedStatus string

const (
	IssuedStatusPending    IssuedStatus = "PENDING"
	IssuedStatusProcessing IssuedStatus = "PROCESSING"
	IssuedStatusIssued     IssuedStatus = "ISSUED"
	IssuedStatusFailed     IssuedStatus = "FAILED"
)

// IsTerminal reports whether no further transition may leave s.
func (s IssuedStatus) IsTerminal() bool {
	return s == IssuedStatusIssued || s == IssuedStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s IssuedStatus) Valid() bool {
	switch s {
	case IssuedStatusPending, IssuedStatusProcessing, IssuedStatusIssued, IssuedStatusFailed:
		return true
	}
	return false
}

// RejectReason is the stable code returned when admission is refused
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectOutOfStock     RejectReason = "OUT_OF_STOCK"
	RejectDuplicateIssue RejectReason = "DUPLICATE_ISSUE"
	RejectCouponNotFound RejectReason = "COUPON_NOT_FOUND"
	// RejectAttemptFailed refuses a new attempt after the user's attempt on
	// the coupon ended FAILED
	RejectAttemptFailed RejectReason = "ATTEMPT_FAILED"
)

// Validation is the outcome of an admission check
type Validation struct {
	Valid  bool
	Reason RejectReason
}

// Accepted is the positive admission outcome.
var Accepted = Validation{Valid: true}

// Rejected builds a negative admission outcome.
func Rejected(reason RejectReason) Validation {
	return Validation{Reason: reason}
}

// Stock is the maximum number of issuances permitted for a coupon
type Stock struct {
	CouponID int64
	Stock    int64
}

// IssueRequest is a pending ask for one coupon by one user
type IssueRequest struct {
	CouponID    int64     `msgpack:"c"`
	UserID      int64     `msgpack:"u"`
	Attempts    int       `msgpack:"a,omitempty"`
	RequestedAt time.Time `msgpack:"t,omitempty"`
}
