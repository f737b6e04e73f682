package repository

import (
	"context"

	"github.com/honeynil/PointsLedgerService/internal/models"
)

// RewardRepository is a read-only view of the reward catalog.
type RewardRepository interface {
	GetByID(ctx context.Context, id string) (*models.Reward, error)
}
