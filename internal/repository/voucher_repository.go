package repository

import (
	"context"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/models"
)

// DebitBuilder produces the debit that settles a voucher. It runs inside the
// store's unit of work, after the voucher row is locked.
type DebitBuilder func(v *models.Voucher) *models.Transaction

type VoucherRepository interface {
	// CreatePending inserts v if the user's balance minus the cost of their
	// other pending vouchers still covers v.Cost. Returns ErrInsufficientPoints
	// or ErrCodeTaken without side effects.
	CreatePending(ctx context.Context, v *models.Voucher) error
	GetByID(ctx context.Context, id string) (*models.Voucher, error)
	// GetByCode returns the most recent voucher holding code, in any status.
	GetByCode(ctx context.Context, code string) (*models.Voucher, error)
	// Fulfill settles the pending voucher holding code: re-checks the balance,
	// applies the debit built by build and marks the voucher FULFILLED, all in
	// one unit of work.
	Fulfill(ctx context.Context, code string, at time.Time, build DebitBuilder) (*models.Voucher, *models.Transaction, error)
	// Close moves a pending voucher to a terminal status without moving points.
	// An empty userID matches any owner.
	Close(ctx context.Context, code, userID string, status models.VoucherStatus, at time.Time) (*models.Voucher, error)
	// ExpirePending closes every voucher pending since before cutoff.
	ExpirePending(ctx context.Context, cutoff, at time.Time) ([]models.Voucher, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Voucher, error)
	ListRecent(ctx context.Context, limit int) ([]models.Voucher, error)
}
