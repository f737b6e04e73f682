package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/PointsLedgerService/internal/models"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const ledgerTracer = "ledger-repository"

const transactionColumns = `id, user_id, points, description, category, COALESCE(idempotency_key, ''), created_at, seq`

const (
	selectTransactionByKey = `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`
	insertTransaction      = `INSERT INTO transactions (id, user_id, points, description, category, idempotency_key, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`
	upsertBalance          = `INSERT INTO balances (user_id, balance, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET balance = balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
		RETURNING balance`
	selectBalance          = `SELECT balance FROM balances WHERE user_id = $1`
	selectBalanceForUpdate = `SELECT balance FROM balances WHERE user_id = $1 FOR UPDATE`
	listTransactions       = `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1 AND ($2 <= 0 OR seq < $2) ORDER BY seq DESC LIMIT $3`
	leaderboard            = `
		SELECT id, name, balance FROM (
			SELECT u.id, u.name, COALESCE(b.balance, 0) AS balance
			FROM users u LEFT JOIN balances b ON b.user_id = u.id
			WHERE u.role = 'resident'
			UNION ALL
			SELECT b.user_id, b.user_id, b.balance
			FROM balances b
			WHERE NOT EXISTS (SELECT 1 FROM users u WHERE u.id = b.user_id)
		) ranked
		ORDER BY balance DESC, id ASC
		LIMIT $1`
	discrepancies = `
		SELECT b.user_id, b.balance, COALESCE(SUM(t.points), 0) AS log_sum
		FROM balances b LEFT JOIN transactions t ON t.user_id = b.user_id
		GROUP BY b.user_id, b.balance
		HAVING b.balance <> COALESCE(SUM(t.points), 0)
		ORDER BY b.user_id`
)

type PostgresLedgerRepository struct {
	db *sql.DB
}

func NewPostgresLedgerRepository(db *sql.DB) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{db: db}
}

func (r *PostgresLedgerRepository) Apply(ctx context.Context, tx *models.Transaction) (stored *models.Transaction, applied bool, err error) {
	if tx == nil {
		return nil, false, pkgerrors.ErrNilTransaction
	}
	ctx, done := instrument(ctx, ledgerTracer, "ApplyTransaction",
		attribute.String("user_id", tx.UserID),
		attribute.Int64("points", tx.Points),
		attribute.String("category", string(tx.Category)),
	)
	defer done(&err)

	err = runInTx(ctx, r.db, func(dbTx *sql.Tx) error {
		var txErr error
		stored, applied, txErr = applyTx(ctx, dbTx, tx)
		return txErr
	})
	if err != nil {
		slog.Error("failed to apply transaction", "method", "Apply", "user_id", tx.UserID, "points", tx.Points, "error", err)
		return nil, false, err
	}

	if applied {
		slog.Info("transaction applied", "method", "Apply", "id", stored.ID, "user_id", stored.UserID, "points", stored.Points, "category", stored.Category)
	} else {
		slog.Info("transaction replayed by idempotency key", "method", "Apply", "id", stored.ID, "idempotency_key", stored.IdempotencyKey)
	}
	return stored, applied, nil
}

// applyTx is the single write path for balances: it appends the transaction
// and increments the balance inside the caller's database transaction.
func applyTx(ctx context.Context, dbTx *sql.Tx, tx *models.Transaction) (*models.Transaction, bool, error) {
	if tx.IdempotencyKey != "" {
		existing, err := scanTransaction(dbTx.QueryRowContext(ctx, selectTransactionByKey, tx.IdempotencyKey))
		if err == nil {
			return existing, false, nil
		}
		if !stderrors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	err := dbTx.QueryRowContext(ctx, insertTransaction,
		tx.ID, tx.UserID, tx.Points, tx.Description, tx.Category, nullString(tx.IdempotencyKey), tx.CreatedAt,
	).Scan(&tx.Seq)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	var balance int64
	if err := dbTx.QueryRowContext(ctx, upsertBalance, tx.UserID, tx.Points, tx.CreatedAt).Scan(&balance); err != nil {
		return nil, false, fmt.Errorf("failed to update balance: %w", err)
	}

	stored := *tx
	return &stored, true, nil
}

// lockBalance reads the balance under a row lock. Users without a row have a
// zero balance and nothing to lock.
func lockBalance(ctx context.Context, dbTx *sql.Tx, userID string) (int64, error) {
	var balance int64
	err := dbTx.QueryRowContext(ctx, selectBalanceForUpdate, userID).Scan(&balance)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock balance: %w", err)
	}
	return balance, nil
}

func (r *PostgresLedgerRepository) GetBalance(ctx context.Context, userID string) (balance int64, err error) {
	ctx, done := instrument(ctx, ledgerTracer, "GetBalance", attribute.String("user_id", userID))
	defer done(&err)

	err = r.db.QueryRowContext(ctx, selectBalance, userID).Scan(&balance)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = nil
		return 0, nil
	}
	if err != nil {
		err = classify(fmt.Errorf("failed to get balance: %w", err))
		slog.Error("failed to get balance", "method", "GetBalance", "user_id", userID, "error", err)
		return 0, err
	}
	return balance, nil
}

func (r *PostgresLedgerRepository) ListTransactions(ctx context.Context, userID string, beforeSeq int64, limit int) (txs []models.Transaction, err error) {
	ctx, done := instrument(ctx, ledgerTracer, "ListTransactions", attribute.String("user_id", userID))
	defer done(&err)

	rows, err := r.db.QueryContext(ctx, listTransactions, userID, beforeSeq, limit)
	if err != nil {
		err = classify(fmt.Errorf("failed to list transactions: %w", err))
		slog.Error("failed to list transactions", "method", "ListTransactions", "user_id", userID, "error", err)
		return nil, err
	}
	defer rows.Close()

	txs = make([]models.Transaction, 0)
	for rows.Next() {
		tx, scanErr := scanTransaction(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan transaction: %w", scanErr)
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err = rows.Err(); err != nil {
		err = classify(fmt.Errorf("failed to iterate transactions: %w", err))
		return nil, err
	}
	return txs, nil
}

func (r *PostgresLedgerRepository) Leaderboard(ctx context.Context, limit int) (entries []models.LeaderboardEntry, err error) {
	ctx, done := instrument(ctx, ledgerTracer, "Leaderboard")
	defer done(&err)

	rows, err := r.db.QueryContext(ctx, leaderboard, limit)
	if err != nil {
		err = classify(fmt.Errorf("failed to load leaderboard: %w", err))
		slog.Error("failed to load leaderboard", "method", "Leaderboard", "error", err)
		return nil, err
	}
	defer rows.Close()

	entries = make([]models.LeaderboardEntry, 0)
	for rows.Next() {
		var e models.LeaderboardEntry
		if err = rows.Scan(&e.UserID, &e.Name, &e.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

func (r *PostgresLedgerRepository) Discrepancies(ctx context.Context) (out []models.Discrepancy, err error) {
	ctx, done := instrument(ctx, ledgerTracer, "Discrepancies")
	defer done(&err)

	rows, err := r.db.QueryContext(ctx, discrepancies)
	if err != nil {
		err = classify(fmt.Errorf("failed to compute discrepancies: %w", err))
		return nil, err
	}
	defer rows.Close()

	out = make([]models.Discrepancy, 0)
	for rows.Next() {
		var d models.Discrepancy
		if err = rows.Scan(&d.UserID, &d.Materialized, &d.LogSum); err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
		}
		out = append(out, d)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	err := row.Scan(&tx.ID, &tx.UserID, &tx.Points, &tx.Description, &tx.Category, &tx.IdempotencyKey, &tx.CreatedAt, &tx.Seq)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
