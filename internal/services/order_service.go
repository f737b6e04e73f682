package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/kafka"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/observability"
	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/honeynil/PointsLedgerService/internal/repository"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type OrderService interface {
	// CreateOrder records a cash-on-delivery order. A non-zero total must
	// match the sum of the items.
	CreateOrder(ctx context.Context, userID, userName string, items []models.LineItem, total int64) (*models.Order, error)
	CompleteOrder(ctx context.Context, code string) (*models.Order, error)
	GetOrder(ctx context.Context, code string) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID string, limit int) ([]models.Order, error)
}

type orderService struct {
	orderRepo repository.OrderRepository
	events    publisher
	now       func() time.Time
	newCode   func() (string, error)
}

func NewOrderService(orderRepo repository.OrderRepository, producer kafka.KafkaProducer, eventsTopic string) *orderService {
	return &orderService{
		orderRepo: orderRepo,
		events:    publisher{producer: producer, topic: eventsTopic},
		now:       func() time.Time { return time.Now().UTC() },
		newCode:   NewOrderCode,
	}
}

func (s *orderService) CreateOrder(ctx context.Context, userID, userName string, items []models.LineItem, total int64) (*models.Order, error) {
	tracer := otel.Tracer("order-service")
	ctx, span := tracer.Start(ctx, "CreateOrder")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.Int("items", len(items)))

	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", pkgerrors.ErrInvalidInput)
	}
	computed, err := validateItems(items)
	if err != nil {
		span.SetStatus(codes.Error, "invalid items")
		observability.OrderEvents.WithLabelValues("create", pkgerrors.Code(err)).Inc()
		return nil, err
	}
	if total != 0 && total != computed {
		span.SetStatus(codes.Error, "total mismatch")
		observability.OrderEvents.WithLabelValues("create", pkgerrors.Code(pkgerrors.ErrInvalidInput)).Inc()
		return nil, fmt.Errorf("%w: total %d does not match items %d", pkgerrors.ErrInvalidInput, total, computed)
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, err
		}
		order := &models.Order{
			ID:        uuid.NewString(),
			Code:      code,
			UserID:    userID,
			UserName:  strings.TrimSpace(userName),
			Items:     append([]models.LineItem(nil), items...),
			Total:     computed,
			Status:    models.OrderPending,
			CreatedAt: s.now(),
		}
		err = s.orderRepo.Create(ctx, order)
		if err == nil {
			observability.OrderEvents.WithLabelValues("create", "success").Inc()
			s.events.publish(ctx, Event{Type: EventOrderCreated, UserID: userID, Order: order})
			slog.Info("order created", "code", order.Code, "user_id", userID, "total", computed)
			return order, nil
		}
		if !stderrors.Is(err, pkgerrors.ErrCodeTaken) {
			observability.OrderEvents.WithLabelValues("create", pkgerrors.Code(err)).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "create failed")
			return nil, err
		}
	}
	slog.Error("exhausted order code attempts", "user_id", userID, "attempts", maxCodeAttempts)
	return nil, pkgerrors.ErrCodeSpaceExhausted
}

// validateItems checks every line and returns the order total.
func validateItems(items []models.LineItem) (int64, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: order has no items", pkgerrors.ErrInvalidInput)
	}
	for _, it := range items {
		if strings.TrimSpace(it.ItemID) == "" {
			return 0, fmt.Errorf("%w: item id is required", pkgerrors.ErrInvalidInput)
		}
		if it.Quantity <= 0 {
			return 0, fmt.Errorf("%w: quantity of %s must be positive", pkgerrors.ErrInvalidInput, it.ItemID)
		}
		if it.UnitPrice < 0 {
			return 0, fmt.Errorf("%w: price of %s must not be negative", pkgerrors.ErrInvalidInput, it.ItemID)
		}
	}
	total, ok := models.OrderTotal(items)
	if !ok {
		return 0, fmt.Errorf("%w: order total is too large", pkgerrors.ErrInvalidInput)
	}
	return total, nil
}

func (s *orderService) CompleteOrder(ctx context.Context, code string) (*models.Order, error) {
	tracer := otel.Tracer("order-service")
	ctx, span := tracer.Start(ctx, "CompleteOrder")
	defer span.End()

	code = NormalizeOrderCode(code)
	span.SetAttributes(attribute.String("code", code))
	if code == "" {
		return nil, pkgerrors.ErrOrderNotFound
	}

	order, err := s.orderRepo.Complete(ctx, code, s.now())
	if err != nil {
		observability.OrderEvents.WithLabelValues("complete", pkgerrors.Code(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete failed")
		return nil, err
	}

	observability.OrderEvents.WithLabelValues("complete", "success").Inc()
	s.events.publish(ctx, Event{Type: EventOrderCompleted, UserID: order.UserID, Order: order})
	slog.Info("order completed", "code", order.Code, "user_id", order.UserID)
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, code string) (*models.Order, error) {
	tracer := otel.Tracer("order-service")
	ctx, span := tracer.Start(ctx, "GetOrder")
	defer span.End()

	code = NormalizeOrderCode(code)
	if code == "" {
		return nil, pkgerrors.ErrOrderNotFound
	}
	return s.orderRepo.GetByCode(ctx, code)
}

func (s *orderService) ListUserOrders(ctx context.Context, userID string, limit int) ([]models.Order, error) {
	tracer := otel.Tracer("order-service")
	ctx, span := tracer.Start(ctx, "ListUserOrders")
	defer span.End()

	return s.orderRepo.ListByUser(ctx, userID, clampLimit(limit))
}
