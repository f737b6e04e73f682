package repository

import (
	"context"

	"github.com/honeynil/PointsLedgerService/internal/models"
)

// LedgerRepository stores balances and the append-only transaction log.
// Apply is the only operation that changes a balance.
type LedgerRepository interface {
	// Apply appends tx and adds tx.Points to the user's balance atomically.
	// If tx.IdempotencyKey matches a stored transaction, that transaction is
	// returned with applied=false and nothing changes.
	Apply(ctx context.Context, tx *models.Transaction) (stored *models.Transaction, applied bool, err error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	// ListTransactions returns up to limit transactions with Seq below
	// beforeSeq, newest first. A non-positive beforeSeq starts at the newest.
	ListTransactions(ctx context.Context, userID string, beforeSeq int64, limit int) ([]models.Transaction, error)
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
	// Discrepancies compares every materialized balance with its log sum.
	Discrepancies(ctx context.Context) ([]models.Discrepancy, error)
}
