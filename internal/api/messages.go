// Package api is the RPC contract of the coupon service: request and
// response messages, the procedure names and the connect handler and client
// constructors.
package api

import "time"

type IssueCouponRequest struct {
	CouponID int64 `json:"coupon_id"`
	UserID   int64 `json:"user_id"`
}

// IssueCouponResponse reports the issuance outcome. The queued path answers
// PENDING; the synchronous path answers ISSUED together with the code.
type IssueCouponResponse struct {
	CouponID int64  `json:"coupon_id"`
	UserID   int64  `json:"user_id"`
	Status   string `json:"status"`
	Code     string `json:"code,omitempty"`
}

type GetIssueStatusRequest struct {
	UserID   int64 `json:"user_id"`
	CouponID int64 `json:"coupon_id"`
}

type GetIssueStatusResponse struct {
	UserID   int64  `json:"user_id"`
	CouponID int64  `json:"coupon_id"`
	Status   string `json:"status"`
}

// CreateCouponRequest defines a coupon. A zero ValidUntil never expires.
type CreateCouponRequest struct {
	Name          string    `json:"name"`
	TotalQuantity int32     `json:"total_quantity"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidUntil    time.Time `json:"valid_until"`
}

type CreateCouponResponse struct {
	Coupon *Coupon `json:"coupon"`
}

type GetCouponRequest struct {
	CouponID int64 `json:"coupon_id"`
}

type GetCouponResponse struct {
	Coupon *Coupon `json:"coupon"`
	// Stock is the coordination store's stock record
	Stock int64 `json:"stock"`
	// Issued counts users granted the coupon so far
	Issued int64 `json:"issued"`
	// Queued counts requests waiting for the batch consumer
	Queued int64 `json:"queued"`
}

type Coupon struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	TotalQuantity  int32     `json:"total_quantity"`
	IssuedQuantity int32     `json:"issued_quantity"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
}
