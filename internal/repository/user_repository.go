package repository

import (
	"context"

	"github.com/honeynil/PointsLedgerService/internal/models"
)

type UserRepository interface {
	Upsert(ctx context.Context, user *models.User) error
	// GetByID returns nil, nil for unknown users.
	GetByID(ctx context.Context, id string) (*models.User, error)
}
