package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/api"
	"github.com/honeynil/PointsLedgerService/internal/config"
	"github.com/honeynil/PointsLedgerService/internal/handler"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/kafka"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/redis"
	"github.com/honeynil/PointsLedgerService/internal/observability"
	"github.com/honeynil/PointsLedgerService/internal/repository"
	"github.com/honeynil/PointsLedgerService/internal/repository/memory"
	core "github.com/honeynil/PointsLedgerService/internal/repository/postgres"
	"github.com/honeynil/PointsLedgerService/internal/scheduler"
	service "github.com/honeynil/PointsLedgerService/internal/services"
	_ "github.com/lib/pq"
)

const serviceName = "points-ledger-service"

func main() {
	if err := run(); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	ledger   repository.LedgerRepository
	vouchers repository.VoucherRepository
	orders   repository.OrderRepository
	rewards  repository.RewardRepository
	users    repository.UserRepository
	ping     api.Pinger
	close    func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		slog.Warn("using in-memory store, data is lost on restart")
		s := memory.New()
		s.SeedRewards(cfg.Rewards...)
		return &stores{
			ledger:   s.Ledger(),
			vouchers: s.Vouchers(),
			orders:   s.Orders(),
			rewards:  s.Rewards(),
			users:    s.Users(),
			ping:     func(context.Context) error { return nil },
			close:    func() error { return nil },
		}, nil
	}

	// Подключаемся к Postgres
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := core.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &stores{
		ledger:   core.NewPostgresLedgerRepository(db),
		vouchers: core.NewPostgresVoucherRepository(db),
		orders:   core.NewPostgresOrderRepository(db),
		rewards:  core.NewPostgresRewardRepository(db),
		users:    core.NewPostgresUserRepository(db),
		ping:     db.PingContext,
		close:    db.Close,
	}, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Инициализируем логи, метрики, трейсы
	shutdownTracing := observability.Setup(serviceName, cfg)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	redisClient, err := redis.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	// Инициализируем сервисы
	ledgerSvc := service.NewLedgerService(st.ledger, redisClient, producer, cfg.Topics.LedgerEvents)
	voucherSvc := service.NewVoucherService(st.vouchers, st.ledger, st.rewards, st.users,
		redisClient, producer, cfg.Topics.LedgerEvents, cfg.Voucher.TTL)
	orderSvc := service.NewOrderService(st.orders, producer, cfg.Topics.LedgerEvents)

	// Настраиваем Kafka-консьюмер
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, kafka.Topics{
		EarnEvents: cfg.Topics.EarnEvents,
		Users:      cfg.Topics.Users,
	}, cfg.Topics.ConsumerGroup, ledgerSvc, st.users)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Consume(ctx)
	}()

	sched, err := scheduler.NewScheduler(scheduler.NewJobRunner(voucherSvc, ledgerSvc), cfg.Schedule)
	if err != nil {
		return err
	}
	sched.Start()

	router := api.SetupRouter(handler.NewHandler(ledgerSvc, voucherSvc, orderSvc), cfg.JWTSecret, map[string]api.Pinger{
		"store": st.ping,
		"redis": redisClient.Ping,
	})

	// Запускаем сервер
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		slog.Error("server failed", "error", err)
	}

	// Graceful shutdown
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	sched.Stop()
	<-consumerDone
	if err := consumer.Close(); err != nil {
		slog.Warn("failed to close consumer", "error", err)
	}
	slog.Info("server stopped")
	return err
}
