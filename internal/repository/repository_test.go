package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/coupon-issuer/internal/database"
	"github.com/kkkkikiki/coupon-issuer/internal/model"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return sqlx.NewDb(db, "sqlmock"), mock
}

var couponColumns = []string{
	"id", "name", "total_quantity", "issued_quantity", "valid_from", "valid_until", "created_at", "updated_at",
}

func TestCouponRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCouponRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM coupons")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(couponColumns).AddRow(3, "spring", 100, 4, now, nil, now, now))

	coupon, err := repo.GetByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), coupon.ID)
	assert.Equal(t, int32(100), coupon.TotalQuantity)
	assert.Equal(t, int32(4), coupon.IssuedQuantity)
	assert.True(t, coupon.ValidUntil.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCouponRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCouponRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM coupons")).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 9)
	assert.ErrorIs(t, err, ErrCouponNotFound)
}

func TestCouponRepository_GetByIDForUpdate_RequiresTransaction(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewCouponRepository(db)

	_, err := repo.GetByIDForUpdate(context.Background(), 1)
	assert.Error(t, err)
}

func TestCouponRepository_GetByIDForUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCouponRepository(db)
	txm := database.NewTxManager(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(couponColumns).AddRow(1, "flash", 10, 0, now, now.Add(time.Hour), now, now))
	mock.ExpectCommit()

	err := txm.RunInTx(context.Background(), func(ctx context.Context) error {
		coupon, err := repo.GetByIDForUpdate(ctx, 1)
		if err != nil {
			return err
		}
		assert.False(t, coupon.ValidUntil.IsZero())
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCouponRepository_IncrementIssuedQuantity_Exhausted(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCouponRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE coupons")).
		WithArgs(2, sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.IncrementIssuedQuantity(context.Background(), 5, 2)
	assert.ErrorIs(t, err, model.ErrCouponExhausted)
}

func userCoupon(couponID, userID int64) *model.UserCoupon {
	return &model.UserCoupon{
		CouponID: couponID,
		UserID:   userID,
		Code:     "2A3B4C5D6E",
		Status:   model.UserCouponStatusIssued,
		IssuedAt: time.Now(),
	}
}

func TestUserCouponRepository_SaveAll(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserCouponRepository(db, database.NewTxManager(db))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_coupons")).
		WithArgs(
			int64(1), int64(10), "2A3B4C5D6E", "ISSUED", sqlmock.AnyArg(), nil,
			int64(1), int64(11), "2A3B4C5D6E", "ISSUED", sqlmock.AnyArg(), nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE coupons")).
		WithArgs(2, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SaveAll(context.Background(), []*model.UserCoupon{userCoupon(1, 10), userCoupon(1, 11)})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserCouponRepository_Save_Duplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserCouponRepository(db, database.NewTxManager(db))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_coupons")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "user_coupons_coupon_user_key"})
	mock.ExpectRollback()

	err := repo.Save(context.Background(), userCoupon(1, 10))
	assert.ErrorIs(t, err, ErrDuplicateUserCoupon)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserCouponRepository_SaveAll_Empty(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserCouponRepository(db, database.NewTxManager(db))

	require.NoError(t, repo.SaveAll(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserCouponRepository_CountByCoupon(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserCouponRepository(db, database.NewTxManager(db))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM user_coupons WHERE coupon_id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := repo.CountByCoupon(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
