package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	IncomeCreditedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "income_credited_total",
			Help: "Number of income records credited, by income type",
		},
		[]string{"type"},
	)

	IncomeCreditedAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "income_credited_amount_total",
			Help: "Sum of credited income amounts, by income type",
		},
		[]string{"type"},
	)

	IncomeSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "income_skipped_total",
			Help: "Credits skipped, by income type and reason",
		},
		[]string{"type", "reason"},
	)

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "income_job_runs_total",
			Help: "Batch job runs, by job and final status",
		},
		[]string{"job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "income_job_duration_seconds",
			Help:    "Batch job wall time",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"job"},
	)

	UnitErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "income_unit_errors_total",
			Help: "Per-unit failures inside batch jobs, by job and stage",
		},
		[]string{"job", "stage"},
	)

	OutboxSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "income_outbox_messages_total",
			Help: "Outbox deliveries, by result",
		},
		[]string{"result"},
	)
)

// ObserveCredit 记录一笔入账
func ObserveCredit(incomeType string, amount decimal.Decimal) {
	IncomeCreditedTotal.WithLabelValues(incomeType).Inc()
	IncomeCreditedAmount.WithLabelValues(incomeType).Add(amount.InexactFloat64())
}
