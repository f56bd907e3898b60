package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CreditMetrics counts credit operations and webhook events.
type CreditMetrics interface {
	IncCreditOperation(operation, status string)
	ObserveCreditAmount(operation string, amount int)
	IncWebhookEvent(eventType, status string)
	IncAccessCheck(operation string, allowed bool)
}

type creditMetrics struct {
	creditOperations *prometheus.CounterVec
	creditAmounts    *prometheus.HistogramVec
	webhookEvents    *prometheus.CounterVec
	accessChecks     *prometheus.CounterVec
}

// NewCreditMetrics registers the credit and webhook metric families.
func NewCreditMetrics(registry *prometheus.Registry) CreditMetrics {
	creditOperations := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_operations_total",
			Help: "The total number of credit operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	creditAmounts := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credit_operation_amount",
			Help:    "Credit amounts distribution per operation",
			Buckets: prometheus.ExponentialBuckets(1, 10, 5), // 1, 10, 100, 1000, 10000
		},
		[]string{"operation"},
	)

	webhookEvents := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "The total number of billing webhook events by type and outcome",
		},
		[]string{"event_type", "status"},
	)

	accessChecks := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_access_checks_total",
			Help: "The total number of credit access checks by verdict",
		},
		[]string{"operation", "verdict"},
	)

	return &creditMetrics{
		creditOperations: creditOperations,
		creditAmounts:    creditAmounts,
		webhookEvents:    webhookEvents,
		accessChecks:     accessChecks,
	}
}

func (m *creditMetrics) IncCreditOperation(operation, status string) {
	m.creditOperations.WithLabelValues(operation, status).Inc()
}

func (m *creditMetrics) ObserveCreditAmount(operation string, amount int) {
	m.creditAmounts.WithLabelValues(operation).Observe(float64(amount))
}

func (m *creditMetrics) IncWebhookEvent(eventType, status string) {
	m.webhookEvents.WithLabelValues(eventType, status).Inc()
}

func (m *creditMetrics) IncAccessCheck(operation string, allowed bool) {
	verdict := "denied"
	if allowed {
		verdict = "allowed"
	}
	m.accessChecks.WithLabelValues(operation, verdict).Inc()
}

// NopMetrics discards all observations. Used in tests and when metrics
// are disabled.
type NopMetrics struct{}

func (NopMetrics) IncCreditOperation(string, string) {}
func (NopMetrics) ObserveCreditAmount(string, int)   {}
func (NopMetrics) IncWebhookEvent(string, string)    {}
func (NopMetrics) IncAccessCheck(string, bool)       {}
