package postgres_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/honeynil/PointsLedgerService/internal/repository/postgres"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	voucherColumnsSQL = `id, code, user_id, reward_id, reward_name, cost, status, transaction_id, created_at, fulfilled_at, closed_at`
	sumPendingSQL     = `SELECT COALESCE(SUM(cost), 0) FROM vouchers WHERE user_id = $1 AND status = 'PENDING'`
	insertVoucherSQL  = `INSERT INTO vouchers (id, code, user_id, reward_id, reward_name, cost, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	lockVoucherSQL    = `SELECT ` + voucherColumnsSQL + ` FROM vouchers WHERE code = $1 AND status = 'PENDING' FOR UPDATE`
	fulfillSQL        = `UPDATE vouchers SET status = 'FULFILLED', fulfilled_at = $2, transaction_id = $3 WHERE id = $1`
	closeSQL          = `UPDATE vouchers SET status = $3, closed_at = $4 WHERE code = $1 AND status = 'PENDING' AND ($2 = '' OR user_id = $2) RETURNING`
)

var voucherColumns = []string{"id", "code", "user_id", "reward_id", "reward_name", "cost", "status", "transaction_id", "created_at", "fulfilled_at", "closed_at"}

func newVoucher() *models.Voucher {
	return &models.Voucher{
		ID:         "5f1d7a52-0000-4000-8000-000000000002",
		Code:       "K7QX2M",
		UserID:     "u1",
		RewardID:   "coffee",
		RewardName: "Coffee",
		Cost:       50,
		Status:     models.VoucherPending,
		CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func voucherRow(v *models.Voucher) *sqlmock.Rows {
	return sqlmock.NewRows(voucherColumns).
		AddRow(v.ID, v.Code, v.UserID, v.RewardID, v.RewardName, v.Cost, string(v.Status), nil, v.CreatedAt, nil, nil)
}

func TestPostgresVoucherRepository_CreatePending(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewPostgresVoucherRepository(db)

		v := newVoucher()
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockBalSQL)).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(185)))
		mock.ExpectQuery(regexp.QuoteMeta(sumPendingSQL)).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(100)))
		mock.ExpectExec(regexp.QuoteMeta(insertVoucherSQL)).
			WithArgs(v.ID, v.Code, v.UserID, v.RewardID, v.RewardName, v.Cost, "PENDING", v.CreatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.CreatePending(ctx, v))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("PendingExposureExceedsBalance", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewPostgresVoucherRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockBalSQL)).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(100)))
		mock.ExpectQuery(regexp.QuoteMeta(sumPendingSQL)).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(60)))
		mock.ExpectRollback()

		err = repo.CreatePending(ctx, newVoucher())
		assert.ErrorIs(t, err, pkgerrors.ErrInsufficientPoints)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NoBalanceRow", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewPostgresVoucherRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockBalSQL)).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectQuery(regexp.QuoteMeta(sumPendingSQL)).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
		mock.ExpectRollback()

		err = repo.CreatePending(ctx, newVoucher())
		assert.ErrorIs(t, err, pkgerrors.ErrInsufficientPoints)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CodeTaken", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewPostgresVoucherRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockBalSQL)).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(185)))
		mock.ExpectQuery(regexp.QuoteMeta(sumPendingSQL)).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
		mock.ExpectExec(regexp.QuoteMeta(insertVoucherSQL)).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "vouchers_live_code_idx"})
		mock.ExpectRollback()

		err = repo.CreatePending(ctx, newVoucher())
		assert.ErrorIs(t, err, pkgerrors.ErrCodeTaken)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresVoucherRepository_Fulfill(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	build := func(v *models.Voucher) *models.Transaction {
		return &models.Transaction{
			ID:             "debit-1",
			UserID:         v.UserID,
			Points:         -v.Cost,
			Description:    "Redeemed: " + v.RewardName,
			Category:       models.CategoryDebit,
			IdempotencyKey: "voucher:" + v.ID + ":fulfill",
			CreatedAt:      at,
		}
	}

	t.Run("Success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewPostgresVoucherRepository(db)

		v := newVoucher()
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockVoucherSQL)).WithArgs(v.Code).WillReturnRows(voucherRow(v))
		mock.ExpectQuery(regexp.QuoteMeta(lockBalSQL)).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(185)))
		expectApply(mock, build(v), 10, 135)
		mock.ExpectExec(regexp.QuoteMeta(fulfillSQL)).
			WithArgs(v.ID, at, "debit-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		got, debit, err := repo.Fulfill(ctx, v.Code, at, build)
		require.NoError(t, err)
		assert.Equal(t, models.VoucherFulfilled, got.Status)
		assert.Equal(t, "debit-1", got.TransactionID)
		assert.Equal(t, int64(-50), debit.Points)
		assert.Equal(t, "Redeemed: Coffee", debit.Description)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotPending", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewPostgresVoucherRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockVoucherSQL)).WithArgs("K7QX2M").
			WillReturnRows(sqlmock.NewRows(voucherColumns))
		mock.ExpectRollback()

		_, _, err = repo.Fulfill(ctx, "K7QX2M", at, build)
		assert.ErrorIs(t, err, pkgerrors.ErrVoucherNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("BalanceDroppedBelowCost", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewPostgresVoucherRepository(db)

		v := newVoucher()
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockVoucherSQL)).WithArgs(v.Code).WillReturnRows(voucherRow(v))
		mock.ExpectQuery(regexp.QuoteMeta(lockBalSQL)).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(40)))
		mock.ExpectRollback()

		_, _, err = repo.Fulfill(ctx, v.Code, at, build)
		assert.ErrorIs(t, err, pkgerrors.ErrInsufficientPointsAtFulfillment)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresVoucherRepository_Close(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresVoucherRepository(db)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("Cancelled", func(t *testing.T) {
		v := newVoucher()
		v.Status = models.VoucherCancelled
		mock.ExpectQuery(regexp.QuoteMeta(closeSQL)).
			WithArgs(v.Code, "u1", "CANCELLED", at).
			WillReturnRows(sqlmock.NewRows(voucherColumns).
				AddRow(v.ID, v.Code, v.UserID, v.RewardID, v.RewardName, v.Cost, "CANCELLED", nil, v.CreatedAt, nil, at))

		got, err := repo.Close(ctx, v.Code, "u1", models.VoucherCancelled, at)
		require.NoError(t, err)
		assert.Equal(t, models.VoucherCancelled, got.Status)
		require.NotNil(t, got.ClosedAt)
		assert.True(t, got.ClosedAt.Equal(at))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotPendingOrNotOwned", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(closeSQL)).
			WithArgs("K7QX2M", "u2", "CANCELLED", at).
			WillReturnRows(sqlmock.NewRows(voucherColumns))

		_, err := repo.Close(ctx, "K7QX2M", "u2", models.VoucherCancelled, at)
		assert.ErrorIs(t, err, pkgerrors.ErrVoucherNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresVoucherRepository_ExpirePending(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresVoucherRepository(db)

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	at := cutoff.Add(72 * time.Hour)
	v := newVoucher()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE vouchers SET status = 'EXPIRED', closed_at = $2 WHERE status = 'PENDING' AND created_at < $1`)).
		WithArgs(cutoff, at).
		WillReturnRows(sqlmock.NewRows(voucherColumns).
			AddRow(v.ID, v.Code, v.UserID, v.RewardID, v.RewardName, v.Cost, "EXPIRED", nil, v.CreatedAt, nil, at))

	out, err := repo.ExpirePending(ctx, cutoff, at)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, models.VoucherExpired, out[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresVoucherRepository_GetByCode(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresVoucherRepository(db)

	t.Run("Found", func(t *testing.T) {
		v := newVoucher()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM vouchers WHERE code = $1 ORDER BY created_at DESC LIMIT 1`)).
			WithArgs(v.Code).
			WillReturnRows(voucherRow(v))

		got, err := repo.GetByCode(ctx, v.Code)
		require.NoError(t, err)
		assert.Equal(t, v.ID, got.ID)
		assert.Nil(t, got.FulfilledAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM vouchers WHERE code = $1 ORDER BY created_at DESC LIMIT 1`)).
			WithArgs("ZZZZZZ").
			WillReturnRows(sqlmock.NewRows(voucherColumns))

		_, err := repo.GetByCode(ctx, "ZZZZZZ")
		assert.ErrorIs(t, err, pkgerrors.ErrVoucherNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
