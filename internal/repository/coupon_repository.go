package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/coupon-issuer/internal/database"
	"github.com/kkkkikiki/coupon-issuer/internal/model"
)

// CouponRepository handles coupon definition data operations
type CouponRepository struct {
	db *sqlx.DB
}

// NewCouponRepository creates a new coupon repository
func NewCouponRepository(db *sqlx.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

// Create creates a new coupon definition
func (r *CouponRepository) Create(ctx context.Context, coupon *model.Coupon) error {
	query := `
		INSERT INTO coupons (name, total_quantity, issued_quantity, valid_from, valid_until, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $5, $6)
		RETURNING id
	`

	now := time.Now()
	coupon.CreatedAt = now
	coupon.UpdatedAt = now
	coupon.IssuedQuantity = 0

	var validUntil sql.NullTime
	if !coupon.ValidUntil.IsZero() {
		validUntil = sql.NullTime{Time: coupon.ValidUntil, Valid: true}
	}

	err := executor(ctx, r.db).GetContext(ctx, &coupon.ID, query,
		coupon.Name, coupon.TotalQuantity, coupon.ValidFrom, validUntil, coupon.CreatedAt, coupon.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create coupon: %w", err)
	}

	return nil
}

// couponRow mirrors the coupons table; valid_until is nullable.
type couponRow struct {
	ID             int64        `db:"id"`
	Name           string       `db:"name"`
	TotalQuantity  int32        `db:"total_quantity"`
	IssuedQuantity int32        `db:"issued_quantity"`
	ValidFrom      time.Time    `db:"valid_from"`
	ValidUntil     sql.NullTime `db:"valid_until"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (row couponRow) toModel() *model.Coupon {
	return &model.Coupon{
		ID:             row.ID,
		Name:           row.Name,
		TotalQuantity:  row.TotalQuantity,
		IssuedQuantity: row.IssuedQuantity,
		ValidFrom:      row.ValidFrom,
		ValidUntil:     row.ValidUntil.Time,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

const selectCoupon = `
		SELECT id, name, total_quantity, issued_quantity, valid_from, valid_until, created_at, updated_at
		FROM coupons
		WHERE id = $1`

// GetByID retrieves a coupon definition by ID
func (r *CouponRepository) GetByID(ctx context.Context, id int64) (*model.Coupon, error) {
	return r.get(ctx, executor(ctx, r.db), selectCoupon, id)
}

// GetByIDForUpdate retrieves a coupon definition and locks its row until the
// surrounding transaction ends. It must run inside TxManager.RunInTx.
func (r *CouponRepository) GetByIDForUpdate(ctx context.Context, id int64) (*model.Coupon, error) {
	tx, ok := database.TxFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("get coupon %d for update: no active transaction", id)
	}
	return r.get(ctx, tx, selectCoupon+" FOR UPDATE", id)
}

func (r *CouponRepository) get(ctx context.Context, db DBExecutor, query string, id int64) (*model.Coupon, error) {
	var row couponRow
	if err := db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("failed to get coupon: %w", err)
	}
	return row.toModel(), nil
}

// IncrementIssuedQuantity advances the issued counter by n, refusing to pass
// the total quantity.
func (r *CouponRepository) IncrementIssuedQuantity(ctx context.Context, id int64, n int) error {
	return incrementIssuedQuantity(ctx, executor(ctx, r.db), id, n)
}

func incrementIssuedQuantity(ctx context.Context, db DBExecutor, id int64, n int) error {
	query := `
		UPDATE coupons
		SET issued_quantity = issued_quantity + $1, updated_at = $2
		WHERE id = $3 AND issued_quantity + $1 <= total_quantity
	`

	result, err := db.ExecContext(ctx, query, n, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to increment issued quantity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("coupon %d: %w", id, model.ErrCouponExhausted)
	}

	return nil
}
