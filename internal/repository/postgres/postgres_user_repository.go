package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/PointsLedgerService/internal/models"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) Upsert(ctx context.Context, user *models.User) (err error) {
	if user == nil {
		return fmt.Errorf("%w: user is nil", pkgerrors.ErrInvalidInput)
	}
	if user.ID == "" || user.Name == "" {
		return fmt.Errorf("%w: user id and name are required", pkgerrors.ErrInvalidInput)
	}
	ctx, done := instrument(ctx, "user-repository", "UpsertUser", attribute.String("user_id", user.ID))
	defer done(&err)

	query := `
	INSERT INTO users (id, name, role, employee_id, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE
	SET name = EXCLUDED.name, role = EXCLUDED.role, employee_id = EXCLUDED.employee_id, updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query, user.ID, user.Name, user.Role, nullString(user.EmployeeID), user.UpdatedAt)
	if err != nil {
		err = classify(fmt.Errorf("failed to upsert user: %w", err))
		slog.Error("failed to upsert user", "method", "Upsert", "user_id", user.ID, "error", err)
		return err
	}
	return nil
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (user *models.User, err error) {
	ctx, done := instrument(ctx, "user-repository", "GetUserByID", attribute.String("user_id", id))
	defer done(&err)

	query := `SELECT id, name, role, COALESCE(employee_id, ''), updated_at FROM users WHERE id = $1`
	var u models.User
	err = r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Name, &u.Role, &u.EmployeeID, &u.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
		return nil, nil
	case err != nil:
		err = classify(fmt.Errorf("failed to get user by id: %w", err))
		return nil, err
	}
	return &u, nil
}
