package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	HTTPAddr     string   `yaml:"http_addr"`
	Store        string   `yaml:"store"`
	PostgresDSN  string   `yaml:"postgres_dsn"`
	RedisAddr    string   `yaml:"redis_addr"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	JWTSecret    string   `yaml:"jwt_secret"`
	OTLPEndpoint string   `yaml:"otlp_endpoint"`
	LogLevel     string   `yaml:"log_level"`
	LogFormat    string   `yaml:"log_format"`
	Topics       Topics   `yaml:"topics"`
	Voucher      Voucher  `yaml:"voucher"`
	Schedule     Schedule `yaml:"schedule"`
	// Rewards seeds the catalog of the memory store. Postgres reads the
	// rewards table instead.
	Rewards []models.Reward `yaml:"rewards"`
}

type Topics struct {
	EarnEvents    string `yaml:"earn_events"`
	Users         string `yaml:"users"`
	LedgerEvents  string `yaml:"ledger_events"`
	ConsumerGroup string `yaml:"consumer_group"`
}

type Voucher struct {
	// TTL after which a pending voucher expires.
	TTL time.Duration `yaml:"ttl"`
}

// Schedule holds cron expressions with a seconds field.
type Schedule struct {
	ExpireVouchers   string `yaml:"expire_vouchers"`
	ReconcileBalance string `yaml:"reconcile_balance"`
}

// Load reads .env, then the optional YAML file named by CONFIG_FILE, then
// environment overrides, and fills defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.overrideWithEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"store", cfg.Store,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"voucher_ttl", cfg.Voucher.TTL)
	return cfg, nil
}

func (c *Config) overrideWithEnv() {
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.Store, "STORE")
	setString(&c.PostgresDSN, "POSTGRES_DSN")
	setString(&c.RedisAddr, "REDIS_ADDR")
	if val := os.Getenv("KAFKA_BROKER"); val != "" {
		c.KafkaBrokers = splitList(val)
	}
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.Topics.EarnEvents, "KAFKA_EARN_TOPIC")
	setString(&c.Topics.Users, "KAFKA_USERS_TOPIC")
	setString(&c.Topics.LedgerEvents, "KAFKA_LEDGER_TOPIC")
	setString(&c.Topics.ConsumerGroup, "KAFKA_CONSUMER_GROUP")
	setString(&c.Schedule.ExpireVouchers, "SCHEDULE_EXPIRE_VOUCHERS")
	setString(&c.Schedule.ReconcileBalance, "SCHEDULE_RECONCILE_BALANCE")
	if val := os.Getenv("VOUCHER_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Voucher.TTL = d
		} else if hours, err := strconv.Atoi(val); err == nil {
			c.Voucher.TTL = time.Duration(hours) * time.Hour
		} else {
			slog.Warn("ignoring malformed VOUCHER_TTL", "value", val)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Store == "" {
		c.Store = StorePostgres
	}
	if c.PostgresDSN == "" {
		c.PostgresDSN = "host=localhost user=postgres password=postgres dbname=ledger sslmode=disable"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if len(c.KafkaBrokers) == 0 {
		c.KafkaBrokers = []string{"localhost:9092"}
	}
	if c.JWTSecret == "" {
		c.JWTSecret = "supersecret"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Topics.EarnEvents == "" {
		c.Topics.EarnEvents = "earn-events"
	}
	if c.Topics.Users == "" {
		c.Topics.Users = "users"
	}
	if c.Topics.LedgerEvents == "" {
		c.Topics.LedgerEvents = "ledger-events"
	}
	if c.Topics.ConsumerGroup == "" {
		c.Topics.ConsumerGroup = "points-ledger-service"
	}
	if c.Voucher.TTL == 0 {
		c.Voucher.TTL = 72 * time.Hour
	}
	if c.Schedule.ExpireVouchers == "" {
		c.Schedule.ExpireVouchers = "0 */15 * * * *"
	}
	if c.Schedule.ReconcileBalance == "" {
		c.Schedule.ReconcileBalance = "0 0 3 * * *" // 3 AM UTC
	}
}

func (c *Config) Validate() error {
	if c.Store != StorePostgres && c.Store != StoreMemory {
		return fmt.Errorf("unknown store %q, want %q or %q", c.Store, StorePostgres, StoreMemory)
	}
	if c.Voucher.TTL < 0 {
		return fmt.Errorf("voucher ttl must not be negative: %s", c.Voucher.TTL)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	for _, r := range c.Rewards {
		if r.ID == "" || r.Cost <= 0 {
			return fmt.Errorf("reward %q needs an id and a positive cost", r.Name)
		}
	}
	for _, b := range c.KafkaBrokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("empty kafka broker address")
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
