package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/honeynil/PointsLedgerService/internal/models"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

type PostgresRewardRepository struct {
	db *sql.DB
}

func NewPostgresRewardRepository(db *sql.DB) *PostgresRewardRepository {
	return &PostgresRewardRepository{db: db}
}

func (r *PostgresRewardRepository) GetByID(ctx context.Context, id string) (reward *models.Reward, err error) {
	ctx, done := instrument(ctx, "reward-repository", "GetRewardByID", attribute.String("reward_id", id))
	defer done(&err)

	query := `
			SELECT id, name, cost, COALESCE(emoji, ''), COALESCE(fulfillment, '')
			FROM rewards
			WHERE id = $1
`
	var rw models.Reward
	err = r.db.QueryRowContext(ctx, query, id).Scan(
		&rw.ID,
		&rw.Name,
		&rw.Cost,
		&rw.Emoji,
		&rw.Fulfillment,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrRewardNotFound
		return nil, err
	}
	if err != nil {
		err = classify(fmt.Errorf("failed to get reward: %w", err))
		return nil, err
	}
	return &rw, nil
}
