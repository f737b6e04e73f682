package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	// Гистограмма времени выполнения запросов
	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	PointsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_points_applied_total",
			Help: "Absolute points moved by committed transactions",
		},
		[]string{"category"},
	)

	VoucherEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_events_total",
			Help: "Voucher lifecycle operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	OrderEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_events_total",
			Help: "Order operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	BalanceDiscrepancies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_balance_discrepancies",
			Help: "Balances that differ from their transaction log sum at the last reconciliation",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(
		RepositoryCalls,
		RepositoryDuration,
		PointsApplied,
		VoucherEvents,
		OrderEvents,
		BalanceDiscrepancies,
	)
}
