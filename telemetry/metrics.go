// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SessionsStarted    prometheus.Counter
	SessionsTerminated prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	AuthCodesIssued    prometheus.Counter
	MessagesSent       prometheus.Counter
	MessagesFailed     prometheus.Counter
	MessagesReceived   prometheus.Counter
	WebhookFailures    prometheus.Counter
	CacheEvictions     prometheus.Counter

	// Histograms (seconds)
	SendDuration prometheus.Observer

	// Gauges
	ActiveSessionsGauge  prometheus.Gauge
	OpenSessionsGauge    prometheus.Gauge
	DeliveryRecordsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_sessions_started_total", Help: "Number of session start requests accepted"})
		SessionsTerminated = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_sessions_terminated_total", Help: "Number of sessions that reached the terminated state"})
		ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_reconnect_attempts_total", Help: "Number of scheduled reconnect attempts"})
		AuthCodesIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_auth_codes_issued_total", Help: "Number of auth (scan) codes issued"})
		MessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_messages_sent_total", Help: "Number of outbound messages dispatched"})
		MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_messages_failed_total", Help: "Number of outbound messages rejected by the protocol driver"})
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_messages_received_total", Help: "Number of inbound messages observed"})
		WebhookFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_webhook_failures_total", Help: "Number of webhook deliveries that failed (swallowed)"})
		CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_cache_evictions_total", Help: "Number of message cache entries evicted"})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbridge_send_duration_seconds", Help: "End-to-end send duration seconds (incl. rate-limit wait)", Buckets: prometheus.DefBuckets})
		ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbridge_active_sessions", Help: "Sessions currently registered (any state)"})
		OpenSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbridge_open_sessions", Help: "Sessions currently in the open state"})
		DeliveryRecordsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbridge_delivery_records", Help: "Delivery records currently tracked"})
	})
}

// SetActiveSessions records the number of registered sessions.
func SetActiveSessions(n int) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Set(float64(n))
	}
}

// SetOpenSessions records the number of open sessions.
func SetOpenSessions(n int) {
	if OpenSessionsGauge != nil {
		OpenSessionsGauge.Set(float64(n))
	}
}

// SetDeliveryRecords records the current delivery-record table size.
func SetDeliveryRecords(n int) {
	if DeliveryRecordsGauge != nil {
		DeliveryRecordsGauge.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
