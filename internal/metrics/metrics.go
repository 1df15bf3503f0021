package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletin_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulletin_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	recipientSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletin_recipient_sends_total",
			Help: "Per-recipient delivery outcomes after worker retries",
		},
		[]string{"outcome"},
	)

	sendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletin_send_attempts_total",
			Help: "Individual transport attempts by result",
		},
		[]string{"result"},
	)

	chunkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bulletin_chunk_duration_seconds",
			Help:    "Wall-clock time to dispatch one chunk",
			Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	chunksMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulletin_chunks_merged_total",
			Help: "Chunk results merged into job progress",
		},
	)

	retryStages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletin_retry_stages_total",
			Help: "Finished retry escalation stages by stage index",
		},
		[]string{"stage"},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletin_jobs_finished_total",
			Help: "Jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	trackingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletin_tracking_events_total",
			Help: "Recorded open/click events",
		},
		[]string{"kind", "unique"},
	)

	trackingDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletin_tracking_dropped_total",
			Help: "Tracking events dropped because the recorder queue was full",
		},
		[]string{"kind"},
	)

	trackingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletin_tracking_failures_total",
			Help: "Tracking events that could not be persisted after retries",
		},
		[]string{"kind"},
	)

	versionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulletin_version_conflicts_total",
			Help: "Optimistic concurrency conflicts on job progress updates",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulletin_sqs_messages_in_flight",
			Help: "Current task messages being processed from SQS",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletin_rate_limit_rejections_total",
			Help: "Requests over the rate limit",
		},
		[]string{"scope"},
	)

	transportBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bulletin_transport_breaker_state",
			Help: "Mail transport circuit state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"transport"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRecipientSend counts one final per-recipient outcome ("sent" or "failed").
func RecordRecipientSend(outcome string) {
	recipientSends.WithLabelValues(outcome).Inc()
}

// RecordSendAttempt counts one transport attempt ("ok", "transient", "permanent", "timeout").
func RecordSendAttempt(result string) {
	sendAttempts.WithLabelValues(result).Inc()
}

func RecordChunkDuration(d time.Duration) {
	chunkDuration.Observe(d.Seconds())
}

func RecordChunkMerged() {
	chunksMerged.Inc()
}

func RecordRetryStage(stage int) {
	retryStages.WithLabelValues(strconv.Itoa(stage)).Inc()
}

func RecordJobFinished(status string) {
	jobsFinished.WithLabelValues(status).Inc()
}

// RecordTrackingEvent counts a persisted open or click.
func RecordTrackingEvent(kind string, unique bool) {
	trackingEvents.WithLabelValues(kind, strconv.FormatBool(unique)).Inc()
}

func RecordTrackingDropped(kind string) {
	trackingDropped.WithLabelValues(kind).Inc()
}

func RecordTrackingFailure(kind string) {
	trackingFailures.WithLabelValues(kind).Inc()
}

func RecordVersionConflict() {
	versionConflicts.Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

func SetTransportBreakerState(transport string, state int) {
	transportBreakerState.WithLabelValues(transport).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. The path
// label is the matched chi route pattern so tokens in URLs do not explode
// label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
