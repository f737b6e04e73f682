package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/kafka"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/observability"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/redis"
	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/honeynil/PointsLedgerService/internal/repository"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type LedgerService interface {
	// ApplyTransaction is the only way to change a balance.
	ApplyTransaction(ctx context.Context, req models.TransactionRequest) (*models.Transaction, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	// ListTransactions pages through a user's full history, newest first.
	// Pass the previous page's NextBefore to continue; zero starts at the top.
	ListTransactions(ctx context.Context, userID string, before int64, limit int) (*models.TransactionPage, error)
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
	Reconcile(ctx context.Context) ([]models.Discrepancy, error)
}

type ledgerService struct {
	ledgerRepo repository.LedgerRepository
	cache      displayCache
	events     publisher
	now        func() time.Time
}

func NewLedgerService(
	ledgerRepo repository.LedgerRepository,
	redisClient redis.RedisClient,
	producer kafka.KafkaProducer,
	eventsTopic string,
) *ledgerService {
	return &ledgerService{
		ledgerRepo: ledgerRepo,
		cache:      displayCache{redis: redisClient},
		events:     publisher{producer: producer, topic: eventsTopic},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *ledgerService) ApplyTransaction(ctx context.Context, req models.TransactionRequest) (*models.Transaction, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "ApplyTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", req.UserID), attribute.Int64("points", req.Points))

	tx, err := newTransaction(req, s.now())
	if err != nil {
		span.SetStatus(codes.Error, "invalid transaction")
		slog.Warn("rejected transaction", "user_id", req.UserID, "points", req.Points, "error", err)
		return nil, err
	}

	stored, applied, err := s.ledgerRepo.Apply(ctx, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return nil, err
	}
	if applied {
		s.afterApply(ctx, stored)
	}
	return stored, nil
}

// afterApply runs the post-commit side effects of a new ledger entry.
func (s *ledgerService) afterApply(ctx context.Context, tx *models.Transaction) {
	recordApplied(tx)
	s.cache.invalidateLeaderboard(ctx)
	s.events.publish(ctx, Event{Type: EventTransactionApplied, UserID: tx.UserID, Transaction: tx})
}

func recordApplied(tx *models.Transaction) {
	points := tx.Points
	if points < 0 {
		points = -points
	}
	observability.PointsApplied.WithLabelValues(string(tx.Category)).Add(float64(points))
}

// newTransaction validates req and builds the entry to append.
func newTransaction(req models.TransactionRequest, now time.Time) (*models.Transaction, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", pkgerrors.ErrInvalidInput)
	}
	if req.Points == 0 {
		return nil, fmt.Errorf("%w: points must be non-zero", pkgerrors.ErrInvalidInput)
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, fmt.Errorf("%w: description is required", pkgerrors.ErrInvalidInput)
	}

	category := models.CategoryFor(req.Points)
	if req.Category != "" && req.Category != category {
		return nil, fmt.Errorf("%w: category %q does not match %d points", pkgerrors.ErrInvalidInput, req.Category, req.Points)
	}

	return &models.Transaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		Points:         req.Points,
		Description:    description,
		Category:       category,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		CreatedAt:      now,
	}, nil
}

func (s *ledgerService) GetBalance(ctx context.Context, userID string) (int64, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetBalance")
	defer span.End()

	balance, err := s.ledgerRepo.GetBalance(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get balance")
		return 0, err
	}
	return balance, nil
}

func (s *ledgerService) ListTransactions(ctx context.Context, userID string, before int64, limit int) (*models.TransactionPage, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "ListTransactions")
	defer span.End()

	if before < 0 {
		return nil, fmt.Errorf("%w: before must not be negative", pkgerrors.ErrInvalidInput)
	}
	limit = clampLimit(limit)

	// One extra row tells whether another page follows.
	txs, err := s.ledgerRepo.ListTransactions(ctx, userID, before, limit+1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list transactions")
		return nil, err
	}

	page := &models.TransactionPage{Transactions: txs}
	if len(txs) > limit {
		page.Transactions = txs[:limit]
		page.NextBefore = txs[limit-1].Seq
	}
	slog.Debug("transaction history retrieved", "user_id", userID, "count", len(page.Transactions), "next_before", page.NextBefore)
	return page, nil
}

func (s *ledgerService) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Leaderboard")
	defer span.End()

	limit = clampLimit(limit)
	if limit > leaderboardDepth {
		return s.ledgerRepo.Leaderboard(ctx, limit)
	}

	var entries []models.LeaderboardEntry
	if !s.cache.getJSON(ctx, leaderboardKey, &entries) {
		var err error
		entries, err = s.ledgerRepo.Leaderboard(ctx, leaderboardDepth)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load leaderboard")
			return nil, err
		}
		s.cache.setJSON(ctx, leaderboardKey, entries, leaderboardCacheTTL)
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *ledgerService) Reconcile(ctx context.Context) ([]models.Discrepancy, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Reconcile")
	defer span.End()

	out, err := s.ledgerRepo.Discrepancies(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		return nil, err
	}

	observability.BalanceDiscrepancies.Set(float64(len(out)))
	for _, d := range out {
		slog.Error("balance does not match transaction log",
			"user_id", d.UserID,
			"materialized", d.Materialized,
			"log_sum", d.LogSum)
	}
	slog.Info("reconciliation finished", "discrepancies", len(out))
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
