// Package metrics defines the Prometheus collectors exported on
// /metrics. Collectors are package-level and registered with the
// default registry at init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reminder results.
const (
	ResultSent     = "sent"
	ResultSkipped  = "skipped"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

var (
	// Reminders counts reminder attempts by result.
	Reminders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "habitual",
			Name:      "reminders_total",
			Help:      "Reminder attempts by result (sent, skipped, rejected, failed).",
		},
		[]string{"result"},
	)

	// DueHabits is the size of the due set at the last tick.
	DueHabits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "habitual",
			Name:      "due_habits",
			Help:      "Number of habits due at the most recent reminder tick.",
		},
	)

	// LinkMessages counts inbound chat messages by linking outcome.
	LinkMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "habitual",
			Name:      "link_messages_total",
			Help:      "Inbound chat messages processed by the account linker, by outcome.",
		},
		[]string{"outcome"},
	)

	// GatewayRequests counts gateway calls by operation and result.
	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "habitual",
			Name:      "gateway_requests_total",
			Help:      "Messaging gateway requests by operation and result.",
		},
		[]string{"op", "result"},
	)

	// GatewayLatency observes gateway call latency by operation.
	GatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "habitual",
			Name:      "gateway_request_duration_seconds",
			Help:      "Messaging gateway request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// JobRuns counts job executions by job name and final status.
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "habitual",
			Name:      "job_runs_total",
			Help:      "Scheduled job executions by job and status.",
		},
		[]string{"job", "status"},
	)

	// JobDuration observes job run time.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "habitual",
			Name:      "job_duration_seconds",
			Help:      "Scheduled job run time.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"job"},
	)

	// ServiceUp is 1 when the last probe of an external service
	// succeeded.
	ServiceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "habitual",
			Name:      "service_up",
			Help:      "Whether the last health probe of an external service succeeded.",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(Reminders)
	prometheus.MustRegister(DueHabits)
	prometheus.MustRegister(LinkMessages)
	prometheus.MustRegister(GatewayRequests)
	prometheus.MustRegister(GatewayLatency)
	prometheus.MustRegister(JobRuns)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ServiceUp)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
