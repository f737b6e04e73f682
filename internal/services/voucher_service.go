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
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/redis"
	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/honeynil/PointsLedgerService/internal/repository"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	requestKeyTTL     = 24 * time.Hour
	requestInProgress = "pending"
)

type VoucherService interface {
	RequestRedemption(ctx context.Context, userID, rewardID, requestID string) (*models.Voucher, error)
	FulfillRedemption(ctx context.Context, code string) (*models.Voucher, *models.Transaction, error)
	LookupVoucher(ctx context.Context, code string) (*models.VoucherView, error)
	// CancelRedemption withdraws a pending voucher owned by userID. An empty
	// userID cancels regardless of owner.
	CancelRedemption(ctx context.Context, userID, code string) (*models.Voucher, error)
	ExpireStale(ctx context.Context, now time.Time) ([]models.Voucher, error)
	ListUserVouchers(ctx context.Context, userID string, limit int) ([]models.Voucher, error)
	ListRecentVouchers(ctx context.Context, limit int) ([]models.Voucher, error)
}

type voucherService struct {
	voucherRepo repository.VoucherRepository
	ledgerRepo  repository.LedgerRepository
	rewardRepo  repository.RewardRepository
	userRepo    repository.UserRepository
	redisClient redis.RedisClient
	cache       displayCache
	events      publisher
	ttl         time.Duration
	now         func() time.Time
	newCode     func() (string, error)
}

func NewVoucherService(
	voucherRepo repository.VoucherRepository,
	ledgerRepo repository.LedgerRepository,
	rewardRepo repository.RewardRepository,
	userRepo repository.UserRepository,
	redisClient redis.RedisClient,
	producer kafka.KafkaProducer,
	eventsTopic string,
	ttl time.Duration,
) *voucherService {
	return &voucherService{
		voucherRepo: voucherRepo,
		ledgerRepo:  ledgerRepo,
		rewardRepo:  rewardRepo,
		userRepo:    userRepo,
		redisClient: redisClient,
		cache:       displayCache{redis: redisClient},
		events:      publisher{producer: producer, topic: eventsTopic},
		ttl:         ttl,
		now:         func() time.Time { return time.Now().UTC() },
		newCode:     NewCode,
	}
}

func (s *voucherService) RequestRedemption(ctx context.Context, userID, rewardID, requestID string) (*models.Voucher, error) {
	tracer := otel.Tracer("voucher-service")
	ctx, span := tracer.Start(ctx, "RequestRedemption")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("reward_id", rewardID))

	if strings.TrimSpace(userID) == "" || strings.TrimSpace(rewardID) == "" {
		span.SetStatus(codes.Error, "empty user or reward")
		return nil, fmt.Errorf("%w: user id and reward id are required", pkgerrors.ErrInvalidInput)
	}

	requestKey := ""
	if requestID = strings.TrimSpace(requestID); requestID != "" {
		requestKey = fmt.Sprintf("redemption:request:%s:%s", userID, requestID)
		ok, err := s.redisClient.SetNX(ctx, requestKey, requestInProgress, requestKeyTTL)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to set request key")
			slog.Error("failed to set request key", "request_id", requestID, "error", err)
			return nil, fmt.Errorf("%w: request key: %v", pkgerrors.ErrStoreUnavailable, err)
		}
		if !ok {
			return s.replayRequest(ctx, requestKey, requestID)
		}
	}

	v, err := s.createVoucher(ctx, userID, rewardID)
	if err != nil {
		if requestKey != "" {
			if delErr := s.redisClient.Del(context.WithoutCancel(ctx), requestKey); delErr != nil {
				slog.Error("failed to release request key", "request_id", requestID, "error", delErr)
			}
		}
		observability.VoucherEvents.WithLabelValues("request", pkgerrors.Code(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}

	if requestKey != "" {
		if err := s.redisClient.Set(ctx, requestKey, v.ID, requestKeyTTL); err != nil {
			slog.Error("failed to record request outcome", "request_id", requestID, "voucher_id", v.ID, "error", err)
		}
	}

	observability.VoucherEvents.WithLabelValues("request", "success").Inc()
	s.events.publish(ctx, Event{Type: EventVoucherRequested, UserID: v.UserID, Voucher: v})
	slog.Info("redemption requested", "user_id", userID, "reward_id", rewardID, "code", v.Code, "cost", v.Cost, "request_id", requestID)
	return v, nil
}

// replayRequest answers a repeated request id with the voucher created the
// first time.
func (s *voucherService) replayRequest(ctx context.Context, requestKey, requestID string) (*models.Voucher, error) {
	val, err := s.redisClient.Get(ctx, requestKey)
	if err != nil {
		if stderrors.Is(err, redis.ErrKeyNotFound) {
			return nil, pkgerrors.ErrRequestInProgress
		}
		return nil, fmt.Errorf("%w: request key: %v", pkgerrors.ErrStoreUnavailable, err)
	}
	if val == requestInProgress {
		slog.Warn("request already in progress", "request_id", requestID)
		return nil, pkgerrors.ErrRequestInProgress
	}
	v, err := s.voucherRepo.GetByID(ctx, val)
	if err != nil {
		return nil, err
	}
	slog.Info("redemption request replayed", "request_id", requestID, "voucher_id", v.ID)
	return v, nil
}

func (s *voucherService) createVoucher(ctx context.Context, userID, rewardID string) (*models.Voucher, error) {
	// Read through to the catalog: the cost decides the request and becomes
	// the voucher's snapshot.
	reward, err := s.rewardRepo.GetByID(ctx, rewardID)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledgerRepo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < reward.Cost {
		slog.Warn("insufficient points for redemption", "user_id", userID, "balance", balance, "cost", reward.Cost)
		return nil, pkgerrors.ErrInsufficientPoints
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, err
		}
		v := &models.Voucher{
			ID:         uuid.NewString(),
			Code:       code,
			UserID:     userID,
			RewardID:   reward.ID,
			RewardName: reward.Name,
			Cost:       reward.Cost,
			Status:     models.VoucherPending,
			CreatedAt:  s.now(),
		}
		err = s.voucherRepo.CreatePending(ctx, v)
		if err == nil {
			return v, nil
		}
		if !stderrors.Is(err, pkgerrors.ErrCodeTaken) {
			return nil, err
		}
		slog.Debug("voucher code collision, drawing again", "attempt", attempt+1)
	}
	slog.Error("exhausted voucher code attempts", "user_id", userID, "attempts", maxCodeAttempts)
	return nil, pkgerrors.ErrCodeSpaceExhausted
}

func (s *voucherService) FulfillRedemption(ctx context.Context, code string) (*models.Voucher, *models.Transaction, error) {
	tracer := otel.Tracer("voucher-service")
	ctx, span := tracer.Start(ctx, "FulfillRedemption")
	defer span.End()

	code = NormalizeVoucherCode(code)
	span.SetAttributes(attribute.String("code", code))
	if !ValidCode(code) {
		observability.VoucherEvents.WithLabelValues("fulfill", pkgerrors.Code(pkgerrors.ErrVoucherNotFound)).Inc()
		return nil, nil, pkgerrors.ErrVoucherNotFound
	}

	at := s.now()
	v, debit, err := s.voucherRepo.Fulfill(ctx, code, at, func(v *models.Voucher) *models.Transaction {
		return &models.Transaction{
			ID:             uuid.NewString(),
			UserID:         v.UserID,
			Points:         -v.Cost,
			Description:    "Redeemed: " + v.RewardName,
			Category:       models.CategoryDebit,
			IdempotencyKey: fmt.Sprintf("voucher:%s:fulfill", v.ID),
			CreatedAt:      at,
		}
	})
	if err != nil {
		observability.VoucherEvents.WithLabelValues("fulfill", pkgerrors.Code(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fulfill failed")
		slog.Warn("voucher fulfillment refused", "code", code, "error", err)
		return nil, nil, err
	}

	observability.VoucherEvents.WithLabelValues("fulfill", "success").Inc()
	recordApplied(debit)
	s.cache.invalidateLeaderboard(ctx)
	s.events.publish(ctx, Event{Type: EventTransactionApplied, UserID: debit.UserID, Transaction: debit})
	s.events.publish(ctx, Event{Type: EventVoucherFulfilled, UserID: v.UserID, Voucher: v})
	slog.Info("voucher fulfilled", "code", v.Code, "user_id", v.UserID, "cost", v.Cost, "transaction_id", debit.ID)
	return v, debit, nil
}

func (s *voucherService) LookupVoucher(ctx context.Context, code string) (*models.VoucherView, error) {
	tracer := otel.Tracer("voucher-service")
	ctx, span := tracer.Start(ctx, "LookupVoucher")
	defer span.End()

	code = NormalizeVoucherCode(code)
	if !ValidCode(code) {
		return nil, pkgerrors.ErrVoucherNotFound
	}
	v, err := s.voucherRepo.GetByCode(ctx, code)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	view := &models.VoucherView{Voucher: *v, ResidentName: v.UserID}
	user, err := s.userRepo.GetByID(ctx, v.UserID)
	if err != nil {
		slog.Warn("failed to load resident profile", "user_id", v.UserID, "error", err)
	} else if user != nil {
		view.ResidentName = user.Name
	}

	view.CurrentBalance, err = s.ledgerRepo.GetBalance(ctx, v.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return view, nil
}

func (s *voucherService) CancelRedemption(ctx context.Context, userID, code string) (*models.Voucher, error) {
	tracer := otel.Tracer("voucher-service")
	ctx, span := tracer.Start(ctx, "CancelRedemption")
	defer span.End()

	code = NormalizeVoucherCode(code)
	v, err := s.voucherRepo.Close(ctx, code, userID, models.VoucherCancelled, s.now())
	if err != nil {
		observability.VoucherEvents.WithLabelValues("cancel", pkgerrors.Code(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel failed")
		return nil, err
	}

	observability.VoucherEvents.WithLabelValues("cancel", "success").Inc()
	s.events.publish(ctx, Event{Type: EventVoucherCancelled, UserID: v.UserID, Voucher: v})
	slog.Info("voucher cancelled", "code", v.Code, "user_id", v.UserID)
	return v, nil
}

// ExpireStale retires vouchers pending longer than the configured TTL. No
// points move: they were never deducted.
func (s *voucherService) ExpireStale(ctx context.Context, now time.Time) ([]models.Voucher, error) {
	tracer := otel.Tracer("voucher-service")
	ctx, span := tracer.Start(ctx, "ExpireStale")
	defer span.End()

	if s.ttl <= 0 {
		return nil, nil
	}
	expired, err := s.voucherRepo.ExpirePending(ctx, now.Add(-s.ttl), now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expire failed")
		return nil, err
	}

	observability.VoucherEvents.WithLabelValues("expire", "success").Add(float64(len(expired)))
	for i := range expired {
		v := expired[i]
		s.events.publish(ctx, Event{Type: EventVoucherExpired, UserID: v.UserID, Voucher: &v})
	}
	if len(expired) > 0 {
		slog.Info("expired stale vouchers", "count", len(expired), "ttl", s.ttl)
	}
	return expired, nil
}

func (s *voucherService) ListUserVouchers(ctx context.Context, userID string, limit int) ([]models.Voucher, error) {
	tracer := otel.Tracer("voucher-service")
	ctx, span := tracer.Start(ctx, "ListUserVouchers")
	defer span.End()

	return s.voucherRepo.ListByUser(ctx, userID, clampLimit(limit))
}

func (s *voucherService) ListRecentVouchers(ctx context.Context, limit int) ([]models.Voucher, error) {
	tracer := otel.Tracer("voucher-service")
	ctx, span := tracer.Start(ctx, "ListRecentVouchers")
	defer span.End()

	return s.voucherRepo.ListRecent(ctx, clampLimit(limit))
}
