package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/infrastructure/kafka"
	"github.com/honeynil/PointsLedgerService/internal/models"
)

const (
	EventTransactionApplied = "transaction.applied"
	EventVoucherRequested   = "voucher.requested"
	EventVoucherFulfilled   = "voucher.fulfilled"
	EventVoucherCancelled   = "voucher.cancelled"
	EventVoucherExpired     = "voucher.expired"
	EventOrderCreated       = "order.created"
	EventOrderCompleted     = "order.completed"
)

// Event is the envelope published on the ledger events topic.
type Event struct {
	Type        string              `json:"type"`
	UserID      string              `json:"user_id"`
	OccurredAt  time.Time           `json:"occurred_at"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
	Voucher     *models.Voucher     `json:"voucher,omitempty"`
	Order       *models.Order       `json:"order,omitempty"`
}

// publisher sends events after the state change has committed. Failures are
// logged and never reach the caller.
type publisher struct {
	producer kafka.KafkaProducer
	topic    string
}

func (p publisher) publish(ctx context.Context, ev Event) {
	if p.producer == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal Kafka event", "type", ev.Type, "error", err)
		return
	}
	if err := p.producer.Send(context.WithoutCancel(ctx), p.topic, ev.UserID, body); err != nil {
		slog.Error("failed to publish event", "type", ev.Type, "user_id", ev.UserID, "error", err)
	}
}
