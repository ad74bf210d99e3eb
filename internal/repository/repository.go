package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kkkkikiki/coupon-issuer/internal/database"
)

var (
	// ErrCouponNotFound is returned when a coupon definition does not exist
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrDuplicateUserCoupon is returned when a user already holds the coupon
	ErrDuplicateUserCoupon = errors.New("user coupon already exists")
)

const uniqueViolation pq.ErrorCode = "23505"

// DBExecutor interface for database operations (can be *sqlx.DB or *sqlx.Tx)
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// executor returns the transaction active on ctx, or db outside one.
func executor(ctx context.Context, db *sqlx.DB) DBExecutor {
	if tx, ok := database.TxFromContext(ctx); ok {
		return tx
	}
	return db
}

func translateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateUserCoupon, pqErr.Constraint)
	}
	return err
}
