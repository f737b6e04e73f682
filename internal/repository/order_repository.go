package repository

import (
	"context"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/models"
)

type OrderRepository interface {
	// Create returns ErrCodeTaken when order.Code is already used.
	Create(ctx context.Context, order *models.Order) error
	GetByCode(ctx context.Context, code string) (*models.Order, error)
	// Complete flips a pending order to COMPLETED. Returns ErrOrderNotFound or
	// ErrAlreadyCompleted.
	Complete(ctx context.Context, code string, at time.Time) (*models.Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Order, error)
}
