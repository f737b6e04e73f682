package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/infrastructure/observability"
	"github.com/honeynil/PointsLedgerService/internal/repository"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed schema.sql
var schema string

const maxTxAttempts = 4

// Migrate creates the tables and indexes the repositories rely on.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return classify(fmt.Errorf("failed to apply schema: %w", err))
	}
	slog.Info("database schema applied")
	return nil
}

// instrument starts a span and returns a func that records the outcome in the
// span and the repository metrics. Call it deferred with the named error.
func instrument(ctx context.Context, tracerName, method string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, method)
	span.SetAttributes(attrs...)
	start := time.Now()

	return ctx, func(errp *error) {
		status := "success"
		if errp != nil && *errp != nil {
			status = "error"
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		span.End()
	}
}

// runInTx runs fn in a database transaction, retrying the whole unit on
// serialization failures, deadlocks and idempotency-key races.
func runInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = runOnce(ctx, db, fn)
		if err == nil || !isConflict(err) {
			break
		}
		slog.Warn("retrying database transaction after conflict", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return classify(ctx.Err())
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return classify(err)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("rollback failed", "error", rbErr)
			return fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isConflict(err error) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return true
	case "23505":
		return pqErr.Constraint == "transactions_idempotency_key_key"
	}
	return false
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

// classify maps infrastructure failures to ErrStoreUnavailable. Domain errors
// and anything unrecognised pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, pkgerrors.ErrStoreUnavailable) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", pkgerrors.ErrStoreUnavailable, err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", pkgerrors.ErrStoreUnavailable, err)
	}
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08",
			pqErr.Code == "57P01", pqErr.Code == "57P02", pqErr.Code == "57P03",
			pqErr.Code == "53300",
			isConflict(err):
			return fmt.Errorf("%w: %w", pkgerrors.ErrStoreUnavailable, err)
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var (
	_ repository.LedgerRepository  = (*PostgresLedgerRepository)(nil)
	_ repository.VoucherRepository = (*PostgresVoucherRepository)(nil)
	_ repository.OrderRepository   = (*PostgresOrderRepository)(nil)
	_ repository.RewardRepository  = (*PostgresRewardRepository)(nil)
	_ repository.UserRepository    = (*PostgresUserRepository)(nil)
)
