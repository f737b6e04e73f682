package observability

import (
	"context"

	"github.com/honeynil/PointsLedgerService/internal/config"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/observability"
)

func Setup(serviceName string, cfg *config.Config) func(context.Context) error {
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)
	observability.InitMetrics()
	return observability.InitTracing(serviceName, cfg.OTLPEndpoint)
}
