package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/coupon-issuer/internal/database"
	"github.com/kkkkikiki/coupon-issuer/internal/model"
)

// insertBatchSize keeps a single INSERT under the PostgreSQL parameter limit
const insertBatchSize = 1000

// UserCouponRepository persists issued user coupons
type UserCouponRepository struct {
	db  *sqlx.DB
	txm *database.TxManager
}

// NewUserCouponRepository creates a new user coupon repository
func NewUserCouponRepository(db *sqlx.DB, txm *database.TxManager) *UserCouponRepository {
	return &UserCouponRepository{db: db, txm: txm}
}

// Save persists one user coupon and advances the coupon's issued quantity.
// A duplicate (coupon, user) pair yields ErrDuplicateUserCoupon.
func (r *UserCouponRepository) Save(ctx context.Context, uc *model.UserCoupon) error {
	return r.SaveAll(ctx, []*model.UserCoupon{uc})
}

// SaveAll persists records in one transaction. Any failure, including a
// single duplicate, aborts the whole set.
func (r *UserCouponRepository) SaveAll(ctx context.Context, records []*model.UserCoupon) error {
	if len(records) == 0 {
		return nil
	}

	return r.txm.RunInTx(ctx, func(ctx context.Context) error {
		db := executor(ctx, r.db)

		for i := 0; i < len(records); i += insertBatchSize {
			end := i + insertBatchSize
			if end > len(records) {
				end = len(records)
			}
			if err := insertUserCouponBatch(ctx, db, records[i:end]); err != nil {
				return err
			}
		}

		perCoupon := make(map[int64]int)
		order := make([]int64, 0, 1)
		for _, uc := range records {
			if _, seen := perCoupon[uc.CouponID]; !seen {
				order = append(order, uc.CouponID)
			}
			perCoupon[uc.CouponID]++
		}
		for _, couponID := range order {
			if err := incrementIssuedQuantity(ctx, db, couponID, perCoupon[couponID]); err != nil {
				return err
			}
		}
		return nil
	})
}

// insertUserCouponBatch inserts a batch of user coupons using a single query
func insertUserCouponBatch(ctx context.Context, db DBExecutor, records []*model.UserCoupon) error {
	const columns = 6

	valuesClause := make([]string, len(records))
	args := make([]interface{}, 0, len(records)*columns)

	for i, uc := range records {
		valuesClause[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			i*columns+1, i*columns+2, i*columns+3, i*columns+4, i*columns+5, i*columns+6)
		var expiresAt interface{}
		if !uc.ExpiresAt.IsZero() {
			expiresAt = uc.ExpiresAt
		}
		args = append(args, uc.CouponID, uc.UserID, uc.Code, uc.Status, uc.IssuedAt, expiresAt)
	}

	query := fmt.Sprintf(`
		INSERT INTO user_coupons (coupon_id, user_id, code, status, issued_at, expires_at)
		VALUES %s
	`, strings.Join(valuesClause, ", "))

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert user coupons: %w", translateError(err))
	}

	return nil
}

// CountByCoupon returns how many user coupons were persisted for couponID
func (r *UserCouponRepository) CountByCoupon(ctx context.Context, couponID int64) (int64, error) {
	var count int64
	err := executor(ctx, r.db).GetContext(ctx, &count,
		`SELECT COUNT(*) FROM user_coupons WHERE coupon_id = $1`, couponID)
	if err != nil {
		return 0, fmt.Errorf("failed to count user coupons: %w", err)
	}
	return count, nil
}
