package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/models"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const orderTracer = "order-repository"

const orderColumns = `id, code, user_id, user_name, items, total, status, created_at, completed_at`

const (
	insertOrder      = `INSERT INTO orders (id, code, user_id, user_name, items, total, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	selectOrderCode  = `SELECT ` + orderColumns + ` FROM orders WHERE code = $1`
	completeOrder    = `UPDATE orders SET status = 'COMPLETED', completed_at = $2 WHERE code = $1 AND status = 'PENDING' RETURNING ` + orderColumns
	listOrdersByUser = `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`

	orderCodeKey = "orders_code_key"
)

type PostgresOrderRepository struct {
	db *sql.DB
}

func NewPostgresOrderRepository(db *sql.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

func (r *PostgresOrderRepository) Create(ctx context.Context, order *models.Order) (err error) {
	if order == nil {
		return pkgerrors.ErrNilOrder
	}
	ctx, done := instrument(ctx, orderTracer, "CreateOrder",
		attribute.String("user_id", order.UserID),
		attribute.Int64("total", order.Total),
	)
	defer done(&err)

	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}

	_, err = r.db.ExecContext(ctx, insertOrder, order.ID, order.Code, order.UserID, order.UserName, items, order.Total, order.Status, order.CreatedAt)
	if isUniqueViolation(err, orderCodeKey) {
		err = pkgerrors.ErrCodeTaken
		return err
	}
	if err != nil {
		err = classify(fmt.Errorf("failed to create order: %w", err))
		slog.Error("failed to create order", "method", "Create", "user_id", order.UserID, "error", err)
		return err
	}

	slog.Info("order created", "method", "Create", "id", order.ID, "code", order.Code, "user_id", order.UserID, "total", order.Total)
	return nil
}

func (r *PostgresOrderRepository) GetByCode(ctx context.Context, code string) (order *models.Order, err error) {
	ctx, done := instrument(ctx, orderTracer, "GetOrderByCode", attribute.String("code", code))
	defer done(&err)

	order, err = scanOrder(r.db.QueryRowContext(ctx, selectOrderCode, code))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrOrderNotFound
		return nil, err
	}
	if err != nil {
		err = classify(fmt.Errorf("failed to get order: %w", err))
		return nil, err
	}
	return order, nil
}

func (r *PostgresOrderRepository) Complete(ctx context.Context, code string, at time.Time) (order *models.Order, err error) {
	ctx, done := instrument(ctx, orderTracer, "CompleteOrder", attribute.String("code", code))
	defer done(&err)

	order, err = scanOrder(r.db.QueryRowContext(ctx, completeOrder, code, at))
	if err == nil {
		slog.Info("order completed", "method", "Complete", "id", order.ID, "code", order.Code)
		return order, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		err = classify(fmt.Errorf("failed to complete order: %w", err))
		slog.Error("failed to complete order", "method", "Complete", "code", code, "error", err)
		return nil, err
	}

	// Nothing was pending under this code: tell absent from already closed.
	existing, getErr := scanOrder(r.db.QueryRowContext(ctx, selectOrderCode, code))
	switch {
	case stderrors.Is(getErr, sql.ErrNoRows):
		err = pkgerrors.ErrOrderNotFound
	case getErr != nil:
		err = classify(fmt.Errorf("failed to get order: %w", getErr))
	default:
		slog.Warn("order already completed", "method", "Complete", "code", code, "status", existing.Status)
		err = pkgerrors.ErrAlreadyCompleted
	}
	return nil, err
}

func (r *PostgresOrderRepository) ListByUser(ctx context.Context, userID string, limit int) (orders []models.Order, err error) {
	ctx, done := instrument(ctx, orderTracer, "ListOrdersByUser", attribute.String("user_id", userID))
	defer done(&err)

	rows, err := r.db.QueryContext(ctx, listOrdersByUser, userID, limit)
	if err != nil {
		err = classify(fmt.Errorf("failed to list orders: %w", err))
		return nil, err
	}
	defer rows.Close()

	orders = make([]models.Order, 0)
	for rows.Next() {
		o, scanErr := scanOrder(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan order: %w", scanErr)
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return orders, nil
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o           models.Order
		items       []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.Code, &o.UserID, &o.UserName, &items, &o.Total, &o.Status, &o.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order items: %w", err)
	}
	o.CompletedAt = timePtr(completedAt)
	return &o, nil
}
