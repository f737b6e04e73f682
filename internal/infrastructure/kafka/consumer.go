package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/honeynil/PointsLedgerService/internal/repository"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
	fetchRetryWait = time.Second
)

// messageReader is the subset of *kafka.Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PointsApplier is the part of the transaction engine the consumer feeds.
type PointsApplier interface {
	ApplyTransaction(ctx context.Context, req models.TransactionRequest) (*models.Transaction, error)
}

type Topics struct {
	EarnEvents string
	Users      string
}

type EarnEvent struct {
	EventID     string `json:"event_id"`
	UserID      string `json:"user_id"`
	Points      int64  `json:"points"`
	Description string `json:"description"`
}

type UserEvent struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	EmployeeID string `json:"employee_id"`
	UpdatedAt  string `json:"updated_at"`
}

type Consumer struct {
	reader   messageReader
	topics   Topics
	ledger   PointsApplier
	userRepo repository.UserRepository
	backoff  func(attempt int) time.Duration
}

func NewConsumer(brokers []string, topics Topics, groupID string, ledger PointsApplier, userRepo repository.UserRepository) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupTopics: []string{topics.EarnEvents, topics.Users},
			GroupID:     groupID,
			MinBytes:    10e3,
			MaxBytes:    10e6,
		}),
		topics:   topics,
		ledger:   ledger,
		userRepo: userRepo,
		backoff:  retryBackoff,
	}
}

// retryBackoff grows linearly and is capped at retryMaxDelay.
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * retryBaseDelay
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Consume processes messages until ctx is cancelled. An offset is committed
// only once its message is handled or rejected as malformed; a message that
// keeps failing on an unavailable store is retried and never skipped.
func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Kafka consumer stopped")
				return
			}
			slog.Error("failed to read Kafka message", "error", err)
			if sleepCtx(ctx, fetchRetryWait) != nil {
				slog.Info("Kafka consumer stopped")
				return
			}
			continue
		}

		slog.Debug("Kafka message received", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key))

		if err := c.handleWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				// Uncommitted, so the group redelivers it after restart.
				slog.Info("Kafka consumer stopped", "pending_offset", msg.Offset)
				return
			}
			// TODO: route to a dead-letter topic once one is provisioned.
			slog.Error("dropping Kafka message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("failed to commit Kafka offset", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

// handleWithRetry retries retryable failures until they succeed or ctx ends.
// Earn events carry an idempotency key, so repeating them is safe.
func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message) error {
	for attempt := 1; ; attempt++ {
		err := c.HandleMessage(ctx, msg)
		if err == nil || !pkgerrors.IsRetryable(err) {
			return err
		}
		slog.Warn("retrying Kafka message", "topic", msg.Topic, "offset", msg.Offset, "attempt", attempt, "error", err)
		if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
			return err
		}
	}
}

// HandleMessage applies a single message from one of the consumed topics.
func (c *Consumer) HandleMessage(ctx context.Context, msg kafka.Message) error {
	switch msg.Topic {
	case c.topics.EarnEvents:
		return c.handleEarn(ctx, msg.Value)
	case c.topics.Users:
		return c.handleUser(ctx, msg.Value)
	default:
		return fmt.Errorf("%w: unexpected topic %q", pkgerrors.ErrInvalidInput, msg.Topic)
	}
}

func (c *Consumer) handleEarn(ctx context.Context, value []byte) error {
	var event EarnEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("%w: malformed earn event: %v", pkgerrors.ErrInvalidInput, err)
	}
	if event.EventID == "" {
		return fmt.Errorf("%w: earn event without event_id", pkgerrors.ErrInvalidInput)
	}

	tx, err := c.ledger.ApplyTransaction(ctx, models.TransactionRequest{
		UserID:         event.UserID,
		Points:         event.Points,
		Description:    event.Description,
		IdempotencyKey: "earn:" + event.EventID,
	})
	if err != nil {
		if !stderrors.Is(err, pkgerrors.ErrInvalidInput) {
			slog.Error("failed to apply earn event", "event_id", event.EventID, "user_id", event.UserID, "error", err)
		}
		return err
	}

	slog.Info("earn event applied", "event_id", event.EventID, "user_id", event.UserID, "transaction_id", tx.ID)
	return nil
}

func (c *Consumer) handleUser(ctx context.Context, value []byte) error {
	var event UserEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("%w: malformed user event: %v", pkgerrors.ErrInvalidInput, err)
	}

	updatedAt := time.Now().UTC()
	if event.UpdatedAt != "" {
		parsed, err := time.Parse(time.RFC3339, event.UpdatedAt)
		if err != nil {
			return fmt.Errorf("%w: invalid updated_at %q", pkgerrors.ErrInvalidInput, event.UpdatedAt)
		}
		updatedAt = parsed
	}

	user := &models.User{
		ID:         event.UserID,
		Name:       strings.TrimSpace(event.Name),
		Role:       ParseRole(event.Role),
		EmployeeID: event.EmployeeID,
		UpdatedAt:  updatedAt,
	}
	if err := c.userRepo.Upsert(ctx, user); err != nil {
		slog.Error("failed to upsert user profile", "user_id", user.ID, "error", err)
		return err
	}

	slog.Info("user profile updated", "user_id", user.ID, "role", user.Role)
	return nil
}

// ParseRole maps identity provider roles onto ledger roles. Anything that is
// not a staff role is treated as a resident.
func ParseRole(role string) models.Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "staff", "eae":
		return models.RoleStaff
	default:
		return models.RoleResident
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
