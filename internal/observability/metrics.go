// Package observability provides Prometheus metrics instrumentation for the
// MDIB engine, subscription pipeline, discovery node, and SOAP dispatcher.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// MDIB / TRANSACTION METRICS
// =============================================================================

var (
	transactionCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdc_mdib_transaction_commits_total",
			Help: "Total number of committed MDIB transactions",
		},
		[]string{"kind", "status"}, // status: committed, rolled_back
	)

	transactionCommitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdc_mdib_transaction_commit_seconds",
			Help:    "MDIB transaction commit latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"kind"},
	)

	mdibVersionGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdc_mdib_version",
			Help: "Current mdib_version of the provider MDIB",
		},
	)
)

// RecordCommit records a transaction commit outcome.
func RecordCommit(kind, status string, durationSeconds float64) {
	transactionCommitsTotal.WithLabelValues(kind, status).Inc()
	if status == "committed" {
		transactionCommitSeconds.WithLabelValues(kind).Observe(durationSeconds)
	}
}

// SetMdibVersion publishes the current mdib_version.
func SetMdibVersion(v uint64) {
	mdibVersionGauge.Set(float64(v))
}

// =============================================================================
// SUBSCRIPTION METRICS
// =============================================================================

var (
	subscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdc_subscriptions_active",
			Help: "Number of active subscriptions",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdc_notifications_total",
			Help: "Total notifications delivered or dropped",
		},
		[]string{"action", "status"}, // status: delivered, failed, dropped
	)
)

// SetActiveSubscriptions publishes the current subscription count.
func SetActiveSubscriptions(n int) {
	subscriptionsActive.Set(float64(n))
}

// RecordNotification records one fan-out attempt.
func RecordNotification(action, status string) {
	notificationsTotal.WithLabelValues(action, status).Inc()
}

// =============================================================================
// DISCOVERY METRICS
// =============================================================================

var (
	discoveryMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdc_discovery_messages_total",
			Help: "WS-Discovery messages sent or received",
		},
		[]string{"direction", "message_type"}, // direction: send, recv
	)
)

// RecordDiscoveryMessage records one WS-Discovery UDP message.
func RecordDiscoveryMessage(direction, messageType string) {
	discoveryMessagesTotal.WithLabelValues(direction, messageType).Inc()
}

// =============================================================================
// DISPATCH METRICS
// =============================================================================

var (
	dispatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdc_dispatch_requests_total",
			Help: "SOAP requests routed by the dispatcher",
		},
		[]string{"action", "status"}, // status: ok, fault
	)

	dispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdc_dispatch_duration_seconds",
			Help:    "SOAP request handling duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"action"},
	)
)

// RecordDispatch records one routed SOAP request.
func RecordDispatch(action, status string, durationSeconds float64) {
	dispatchRequestsTotal.WithLabelValues(action, status).Inc()
	dispatchDurationSeconds.WithLabelValues(action).Observe(durationSeconds)
}
