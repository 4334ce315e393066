package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransactionsProcessed counts transactions the engine has applied.
var TransactionsProcessed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "riskwatch_transactions_processed_total",
		Help: "Total number of transactions applied by the risk engine",
	},
)

// TransactionsSkipped counts malformed records dropped on ingest.
var TransactionsSkipped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "riskwatch_transactions_skipped_total",
		Help: "Total number of transactions skipped due to integrity failures",
	},
)

// AlertsEmitted counts persisted alerts by rule family and severity.
var AlertsEmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskwatch_alerts_emitted_total",
		Help: "Total number of alerts persisted by the engine",
	},
	[]string{"type", "severity"},
)

// AlertsSuppressed counts candidate alerts dropped inside a cooldown window.
var AlertsSuppressed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskwatch_alerts_suppressed_total",
		Help: "Total number of duplicate alerts suppressed by the cooldown",
	},
	[]string{"type"},
)

// PollDuration records latency distribution for feed poll cycles.
var PollDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "riskwatch_feed_poll_duration_seconds",
		Help:    "Latency in seconds of one feed poll and batch apply cycle",
		Buckets: prometheus.DefBuckets,
	},
)

// NotificationFailures counts delivery attempts that exhausted their retries.
var NotificationFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskwatch_notification_failures_total",
		Help: "Total number of alert deliveries dropped after retries",
	},
	[]string{"channel"},
)

// FeedCursorID exports the committed high-watermark for lag monitoring.
var FeedCursorID = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "riskwatch_feed_cursor_transaction_id",
		Help: "Last transaction id committed by the feed cursor",
	},
)

// StreamClients tracks currently connected websocket subscribers.
var StreamClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "riskwatch_stream_clients",
		Help: "Number of websocket clients subscribed to the alert stream",
	},
)

func init() {
	prometheus.MustRegister(TransactionsProcessed, TransactionsSkipped)
	prometheus.MustRegister(AlertsEmitted, AlertsSuppressed)
	prometheus.MustRegister(PollDuration, NotificationFailures, FeedCursorID)
	prometheus.MustRegister(StreamClients)
}
