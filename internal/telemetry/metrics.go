// Package telemetry carries the client's observability surface: the
// structured event emitter, the Prometheus collectors, and the process
// resource sampler.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the Deribit client.
var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deribit_requests_total",
		Help: "Total outbound JSON-RPC requests by method",
	}, []string{"method"})

	responsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deribit_responses_total",
		Help: "Total responses by outcome (result, error, invalid, timeout, cancelled, closed)",
	}, []string{"outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deribit_request_duration_seconds",
		Help:    "Round-trip latency of JSON-RPC calls",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	rateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deribit_rate_limit_decisions_total",
		Help: "Admission decisions by outcome (allow, limited)",
	}, []string{"decision"})

	rateLimitHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deribit_rate_limit_hits_total",
		Help: "Server 429 responses observed",
	})

	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deribit_connections_total",
		Help: "Transport connections established",
	})

	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deribit_reconnects_total",
		Help: "Reconnect attempts after transport loss",
	})

	sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deribit_sessions_total",
		Help: "Session records created by transition kind",
	}, []string{"transition"})

	subscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deribit_subscriptions_active",
		Help: "Channels currently tracked by the registry",
	})

	resubscriptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deribit_resubscriptions_total",
		Help: "Per-channel resubscription outcomes after session change or reconnect",
	}, []string{"outcome"})

	notificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deribit_notifications_total",
		Help: "Subscription notifications delivered",
	})

	notificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deribit_notifications_dropped_total",
		Help: "Notifications dropped because the consumer channel was full",
	})

	timeSyncOffset = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deribit_time_sync_offset_ms",
		Help: "Estimated server-minus-local clock offset in milliseconds",
	})

	processCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deribit_process_cpu_percent",
		Help: "Client process CPU usage percent",
	})

	processMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deribit_process_memory_mb",
		Help: "Client process resident memory in MB",
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		responsesTotal,
		requestDuration,
		rateLimitDecisions,
		rateLimitHits,
		connectionsTotal,
		reconnectsTotal,
		sessionsTotal,
		subscriptionsActive,
		resubscriptionsTotal,
		notificationsTotal,
		notificationsDropped,
		timeSyncOffset,
		processCPUPercent,
		processMemoryMB,
	)
}

// Metric update helpers, called from the emitter and the connection actor.

func RecordRequest(method string)              { requestsTotal.WithLabelValues(method).Inc() }
func RecordResponse(outcome string)            { responsesTotal.WithLabelValues(outcome).Inc() }
func ObserveRequestDuration(method string, seconds float64) {
	requestDuration.WithLabelValues(method).Observe(seconds)
}
func RecordRateLimitDecision(decision string)  { rateLimitDecisions.WithLabelValues(decision).Inc() }
func RecordRateLimitHit()                      { rateLimitHits.Inc() }
func RecordConnection()                        { connectionsTotal.Inc() }
func RecordReconnect()                         { reconnectsTotal.Inc() }
func RecordSession(transition string)          { sessionsTotal.WithLabelValues(transition).Inc() }
func SetActiveSubscriptions(n int)             { subscriptionsActive.Set(float64(n)) }
func RecordResubscription(outcome string)      { resubscriptionsTotal.WithLabelValues(outcome).Inc() }
func RecordNotification()                      { notificationsTotal.Inc() }
func RecordNotificationDropped()               { notificationsDropped.Inc() }
func SetTimeSyncOffset(ms int64)               { timeSyncOffset.Set(float64(ms)) }
func SetProcessUsage(cpuPercent, memMB float64) {
	processCPUPercent.Set(cpuPercent)
	processMemoryMB.Set(memMB)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
