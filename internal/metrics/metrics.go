// Package metrics groups the Prometheus instruments used across the
// pipeline processes. Instruments live behind a caller-supplied registry so
// tests stay isolated from global state.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every instrument the pipeline exposes. Each process
// registers the full set; instruments for stages a process does not run
// simply stay at zero.
type Metrics struct {
	OrdersSubmitted    prometheus.Counter
	SubmitRejected     prometheus.Counter
	SubmitFailed       prometheus.Counter
	OrdersProcessed    prometheus.Counter
	ProcessingSeconds  prometheus.Histogram
	CompletionsRelayed prometheus.Counter
	RelayRetries       prometheus.Counter
	Subscribers        prometheus.Gauge
	BroadcastsSent     prometheus.Counter
	SubscribersDropped prometheus.Counter
}

// New registers all instruments with reg and returns the populated struct.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_submitted_total",
			Help: "Orders accepted by intake and acknowledged by the broker.",
		}),
		SubmitRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Submissions rejected by validation before any publish.",
		}),
		SubmitFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_submit_failed_total",
			Help: "Submissions that failed after exhausting broker publish retries.",
		}),
		OrdersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_processed_total",
			Help: "Orders fully processed and whose completion event was acknowledged.",
		}),
		ProcessingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_processing_seconds",
			Help:    "Wall time from fetch to completion publish per order.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		CompletionsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "completions_relayed_total",
			Help: "Completion events forwarded to the gateway and acknowledged.",
		}),
		RelayRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_forward_retries_total",
			Help: "Forward attempts that failed and were retried.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_subscribers",
			Help: "Currently connected WebSocket subscribers.",
		}),
		BroadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_broadcasts_sent_total",
			Help: "Per-subscriber notification frames enqueued for delivery.",
		}),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_subscribers_dropped_total",
			Help: "Subscribers disconnected because their send buffer overflowed.",
		}),
	}

	reg.MustRegister(
		m.OrdersSubmitted,
		m.SubmitRejected,
		m.SubmitFailed,
		m.OrdersProcessed,
		m.ProcessingSeconds,
		m.CompletionsRelayed,
		m.RelayRetries,
		m.Subscribers,
		m.BroadcastsSent,
		m.SubscribersDropped,
	)

	return m
}
