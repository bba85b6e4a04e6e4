// Package metrics exposes the subscription delivery engine's
// Prometheus collectors, grounded on the teacher's root metrics.go
// (renamed from connection/broadcast counters to subscription/dispatch
// counters) and served the same way: a dedicated /metrics endpoint via
// promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hstream_sessions_total",
		Help: "Total number of StreamingFetch sessions established",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hstream_sessions_active",
		Help: "Current number of attached consumer sessions",
	})

	SessionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hstream_sessions_rejected_total",
		Help: "Total sessions rejected at admission, by reason",
	}, []string{"reason"})

	// Dispatch metrics
	RecordsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hstream_records_dispatched_total",
		Help: "Total records handed to a consumer sender by the dispatch loop",
	})

	DispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hstream_dispatch_send_failures_total",
		Help: "Total sender failures observed during dispatch or resend",
	})

	RecordsResent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hstream_records_resent_total",
		Help: "Total records redelivered by the resend timer after an ack timeout",
	})

	// Ack / window metrics
	AcksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hstream_acks_received_total",
		Help: "Total individual record acks folded into an ack range set",
	})

	WindowAdvanceLag = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hstream_window_advance_lag_records",
		Help:    "Number of ack ranges popped from the ack range set per AdvanceWindow loop",
		Buckets: []float64{1, 2, 5, 10, 50, 100, 1000},
	}, []string{"subscription_id"})

	// Registry metrics
	RuntimesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hstream_runtimes_active",
		Help: "Current number of live subscription runtimes",
	})

	SubscriptionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hstream_subscriptions_total",
		Help: "Current number of persisted subscriptions",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		SessionsActive,
		SessionsRejected,
		RecordsDispatched,
		DispatchFailures,
		RecordsResent,
		AcksReceived,
		WindowAdvanceLag,
		RuntimesActive,
		SubscriptionsTotal,
	)
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
