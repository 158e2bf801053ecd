package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_messages_consumed_total",
			Help: "Total number of messages consumed from the broker",
		},
		[]string{"routing_key"},
	)

	messagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_messages_processed_total",
			Help: "Total number of messages processed successfully",
		},
		[]string{"type"},
	)

	messageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "profile_message_processing_duration_seconds",
			Help:    "Message processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"type"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_retry_attempts_total",
			Help: "Total number of transport-level retry attempts",
		},
		[]string{"type"},
	)

	dlqMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_dlq_messages_total",
			Help: "Total number of messages routed to the dead-letter topic",
		},
		[]string{"type", "reason"},
	)

	idempotencyHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "profile_idempotency_hits_total",
			Help: "Total number of duplicate deliveries suppressed",
		},
	)

	idempotencyMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "profile_idempotency_misses_total",
			Help: "Total number of first-seen deliveries",
		},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "profile_consumer_reconnects_total",
			Help: "Total number of broker reconnect attempts",
		},
	)

	consumerLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "profile_consumer_lag",
			Help: "Messages waiting in the subscribed queue",
		},
	)

	outboxRelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_outbox_relayed_total",
			Help: "Total number of outbox rows relayed to the broker",
		},
		[]string{"status"},
	)
)

func RecordMessageConsumed(routingKey string) {
	messagesConsumedTotal.WithLabelValues(routingKey).Inc()
}

func RecordMessageProcessed(eventType string, d time.Duration) {
	messagesProcessedTotal.WithLabelValues(eventType).Inc()
	messageProcessingDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func RecordRetryAttempt(eventType string) {
	retryAttemptsTotal.WithLabelValues(eventType).Inc()
}

func RecordDLQMessage(eventType, reason string) {
	dlqMessagesTotal.WithLabelValues(eventType, reason).Inc()
}

func RecordIdempotencyHit()  { idempotencyHitsTotal.Inc() }
func RecordIdempotencyMiss() { idempotencyMissesTotal.Inc() }

func RecordReconnectAttempt() { reconnectsTotal.Inc() }

func SetConsumerLag(n int) { consumerLag.Set(float64(n)) }

func RecordOutboxRelayed(status string) {
	outboxRelayedTotal.WithLabelValues(status).Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
