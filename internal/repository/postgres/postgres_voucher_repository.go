package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/honeynil/PointsLedgerService/internal/repository"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const voucherTracer = "voucher-repository"

const voucherColumns = `id, code, user_id, reward_id, reward_name, cost, status, transaction_id, created_at, fulfilled_at, closed_at`

const (
	sumPendingCost       = `SELECT COALESCE(SUM(cost), 0) FROM vouchers WHERE user_id = $1 AND status = 'PENDING'`
	insertVoucher        = `INSERT INTO vouchers (id, code, user_id, reward_id, reward_name, cost, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	selectVoucherByID    = `SELECT ` + voucherColumns + ` FROM vouchers WHERE id = $1`
	selectVoucherByCode  = `SELECT ` + voucherColumns + ` FROM vouchers WHERE code = $1 ORDER BY created_at DESC LIMIT 1`
	lockPendingVoucher   = `SELECT ` + voucherColumns + ` FROM vouchers WHERE code = $1 AND status = 'PENDING' FOR UPDATE`
	markVoucherFulfilled = `UPDATE vouchers SET status = 'FULFILLED', fulfilled_at = $2, transaction_id = $3 WHERE id = $1`
	closeVoucher         = `UPDATE vouchers SET status = $3, closed_at = $4 WHERE code = $1 AND status = 'PENDING' AND ($2 = '' OR user_id = $2) RETURNING ` + voucherColumns
	expireVouchers       = `UPDATE vouchers SET status = 'EXPIRED', closed_at = $2 WHERE status = 'PENDING' AND created_at < $1 RETURNING ` + voucherColumns
	listVouchersByUser   = `SELECT ` + voucherColumns + ` FROM vouchers WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	listRecentVouchers   = `SELECT ` + voucherColumns + ` FROM vouchers ORDER BY created_at DESC LIMIT $1`

	liveCodeIndex = "vouchers_live_code_idx"
)

type PostgresVoucherRepository struct {
	db *sql.DB
}

func NewPostgresVoucherRepository(db *sql.DB) *PostgresVoucherRepository {
	return &PostgresVoucherRepository{db: db}
}

func (r *PostgresVoucherRepository) CreatePending(ctx context.Context, v *models.Voucher) (err error) {
	if v == nil {
		return pkgerrors.ErrNilVoucher
	}
	ctx, done := instrument(ctx, voucherTracer, "CreatePendingVoucher",
		attribute.String("user_id", v.UserID),
		attribute.String("reward_id", v.RewardID),
		attribute.Int64("cost", v.Cost),
	)
	defer done(&err)

	err = runInTx(ctx, r.db, func(tx *sql.Tx) error {
		balance, err := lockBalance(ctx, tx, v.UserID)
		if err != nil {
			return err
		}
		var pending int64
		if err := tx.QueryRowContext(ctx, sumPendingCost, v.UserID).Scan(&pending); err != nil {
			return fmt.Errorf("failed to sum pending vouchers: %w", err)
		}
		if balance-pending < v.Cost {
			slog.Warn("pending exposure exceeds balance", "user_id", v.UserID, "balance", balance, "pending", pending, "cost", v.Cost)
			return pkgerrors.ErrInsufficientPoints
		}

		_, err = tx.ExecContext(ctx, insertVoucher, v.ID, v.Code, v.UserID, v.RewardID, v.RewardName, v.Cost, v.Status, v.CreatedAt)
		if isUniqueViolation(err, liveCodeIndex) {
			return pkgerrors.ErrCodeTaken
		}
		if err != nil {
			return fmt.Errorf("failed to insert voucher: %w", err)
		}
		return nil
	})
	if err != nil {
		if !stderrors.Is(err, pkgerrors.ErrInsufficientPoints) && !stderrors.Is(err, pkgerrors.ErrCodeTaken) {
			slog.Error("failed to create voucher", "method", "CreatePending", "user_id", v.UserID, "error", err)
		}
		return err
	}

	slog.Info("voucher created", "method", "CreatePending", "id", v.ID, "code", v.Code, "user_id", v.UserID, "cost", v.Cost)
	return nil
}

func (r *PostgresVoucherRepository) GetByID(ctx context.Context, id string) (v *models.Voucher, err error) {
	ctx, done := instrument(ctx, voucherTracer, "GetVoucherByID", attribute.String("voucher_id", id))
	defer done(&err)

	v, err = scanVoucher(r.db.QueryRowContext(ctx, selectVoucherByID, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrVoucherNotFound
		return nil, err
	}
	if err != nil {
		err = classify(fmt.Errorf("failed to get voucher by id: %w", err))
		return nil, err
	}
	return v, nil
}

func (r *PostgresVoucherRepository) GetByCode(ctx context.Context, code string) (v *models.Voucher, err error) {
	ctx, done := instrument(ctx, voucherTracer, "GetVoucherByCode", attribute.String("code", code))
	defer done(&err)

	v, err = scanVoucher(r.db.QueryRowContext(ctx, selectVoucherByCode, code))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrVoucherNotFound
		return nil, err
	}
	if err != nil {
		err = classify(fmt.Errorf("failed to get voucher by code: %w", err))
		return nil, err
	}
	return v, nil
}

func (r *PostgresVoucherRepository) Fulfill(ctx context.Context, code string, at time.Time, build repository.DebitBuilder) (v *models.Voucher, debit *models.Transaction, err error) {
	ctx, done := instrument(ctx, voucherTracer, "FulfillVoucher", attribute.String("code", code))
	defer done(&err)

	err = runInTx(ctx, r.db, func(tx *sql.Tx) error {
		locked, err := scanVoucher(tx.QueryRowContext(ctx, lockPendingVoucher, code))
		if stderrors.Is(err, sql.ErrNoRows) {
			return pkgerrors.ErrVoucherNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock voucher: %w", err)
		}

		balance, err := lockBalance(ctx, tx, locked.UserID)
		if err != nil {
			return err
		}
		if balance < locked.Cost {
			slog.Warn("balance no longer covers voucher", "code", code, "user_id", locked.UserID, "balance", balance, "cost", locked.Cost)
			return pkgerrors.ErrInsufficientPointsAtFulfillment
		}

		stored, _, err := applyTx(ctx, tx, build(locked))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, markVoucherFulfilled, locked.ID, at, stored.ID); err != nil {
			return fmt.Errorf("failed to mark voucher fulfilled: %w", err)
		}
		locked.Status = models.VoucherFulfilled
		locked.FulfilledAt = &at
		locked.TransactionID = stored.ID
		v, debit = locked, stored
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("voucher fulfilled", "method", "Fulfill", "id", v.ID, "code", v.Code, "user_id", v.UserID, "transaction_id", debit.ID)
	return v, debit, nil
}

func (r *PostgresVoucherRepository) Close(ctx context.Context, code, userID string, status models.VoucherStatus, at time.Time) (v *models.Voucher, err error) {
	ctx, done := instrument(ctx, voucherTracer, "CloseVoucher",
		attribute.String("code", code),
		attribute.String("status", string(status)),
	)
	defer done(&err)

	v, err = scanVoucher(r.db.QueryRowContext(ctx, closeVoucher, code, userID, status, at))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrVoucherNotFound
		return nil, err
	}
	if err != nil {
		err = classify(fmt.Errorf("failed to close voucher: %w", err))
		slog.Error("failed to close voucher", "method", "Close", "code", code, "error", err)
		return nil, err
	}
	return v, nil
}

func (r *PostgresVoucherRepository) ExpirePending(ctx context.Context, cutoff, at time.Time) (out []models.Voucher, err error) {
	ctx, done := instrument(ctx, voucherTracer, "ExpirePendingVouchers")
	defer done(&err)

	out, err = r.queryVouchers(ctx, expireVouchers, cutoff, at)
	if err != nil {
		slog.Error("failed to expire vouchers", "method", "ExpirePending", "cutoff", cutoff, "error", err)
	}
	return out, err
}

func (r *PostgresVoucherRepository) ListByUser(ctx context.Context, userID string, limit int) (out []models.Voucher, err error) {
	ctx, done := instrument(ctx, voucherTracer, "ListVouchersByUser", attribute.String("user_id", userID))
	defer done(&err)

	return r.queryVouchers(ctx, listVouchersByUser, userID, limit)
}

func (r *PostgresVoucherRepository) ListRecent(ctx context.Context, limit int) (out []models.Voucher, err error) {
	ctx, done := instrument(ctx, voucherTracer, "ListRecentVouchers")
	defer done(&err)

	return r.queryVouchers(ctx, listRecentVouchers, limit)
}

func (r *PostgresVoucherRepository) queryVouchers(ctx context.Context, query string, args ...any) ([]models.Voucher, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query vouchers: %w", err))
	}
	defer rows.Close()

	out := make([]models.Voucher, 0)
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan voucher: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func scanVoucher(row rowScanner) (*models.Voucher, error) {
	var (
		v           models.Voucher
		txID        sql.NullString
		fulfilledAt sql.NullTime
		closedAt    sql.NullTime
	)
	err := row.Scan(&v.ID, &v.Code, &v.UserID, &v.RewardID, &v.RewardName, &v.Cost, &v.Status, &txID, &v.CreatedAt, &fulfilledAt, &closedAt)
	if err != nil {
		return nil, err
	}
	v.TransactionID = txID.String
	v.FulfilledAt = timePtr(fulfilledAt)
	v.ClosedAt = timePtr(closedAt)
	return &v, nil
}
