// Package metrics provides Prometheus metrics for the changefeed hub and agent.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changefeed_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Hub
	hubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "changefeed_hub_connections",
			Help: "Number of open hub websocket connections",
		},
	)

	hubRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "changefeed_hub_rooms",
			Help: "Number of project rooms with at least one subscriber",
		},
	)

	hubSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "changefeed_hub_subscriptions",
			Help: "Number of active project subscriptions",
		},
	)

	broadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_broadcast_deliveries_total",
			Help: "Event deliveries attempted by the hub",
		},
		[]string{"result"},
	)

	relayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_relay_messages_total",
			Help: "Events exchanged with peer hubs over NATS",
		},
		[]string{"direction"},
	)

	// Ingestion
	ingestedChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_ingested_changes_total",
			Help: "File changes accepted by the ingestion endpoint",
		},
		[]string{"op", "status"},
	)

	// Watcher
	classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_watcher_classifications_total",
			Help: "Debounced path classifications by outcome",
		},
		[]string{"result"},
	)

	hashDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "changefeed_hash_duration_seconds",
			Help:    "Time to compute a full-content digest",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Progress
	progressStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "changefeed_progress_streams_active",
			Help: "Number of open progress SSE streams",
		},
	)

	// Consumers
	consumerReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_consumer_reconnects_total",
			Help: "Reconnect attempts scheduled by client consumers",
		},
		[]string{"consumer"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changefeed_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	rateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "changefeed_rate_limit_hits_total",
			Help: "Ingestion requests rejected by the per-project rate limit",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, pattern string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetHubState publishes the hub's current sizes.
func SetHubState(connections, subscriptions, rooms int) {
	hubConnections.Set(float64(connections))
	hubSubscriptions.Set(float64(subscriptions))
	hubRooms.Set(float64(rooms))
}

// RecordDelivery records one broadcast delivery attempt.
func RecordDelivery(ok bool) {
	broadcastDeliveries.WithLabelValues(outcome(ok)).Inc()
}

// RecordRelay records a relayed event; direction is "out" or "in".
func RecordRelay(direction string) {
	relayMessages.WithLabelValues(direction).Inc()
}

// RecordIngested records one ingested change.
func RecordIngested(op, status string) {
	ingestedChanges.WithLabelValues(op, status).Inc()
}

// RecordClassification records a watcher classification outcome
// (create, update, delete, unchanged, suppressed).
func RecordClassification(result string) {
	classifications.WithLabelValues(result).Inc()
}

// ObserveHash records how long a digest took.
func ObserveHash(d time.Duration) {
	hashDuration.Observe(d.Seconds())
}

func IncProgressStreams() { progressStreams.Inc() }
func DecProgressStreams() { progressStreams.Dec() }

// RecordReconnect records a scheduled reconnect for the named consumer.
func RecordReconnect(consumer string) {
	consumerReconnects.WithLabelValues(consumer).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, success bool) {
	s3OperationsTotal.WithLabelValues(operation, outcome(success)).Inc()
}

// RecordRateLimitHit records a rate-limited request.
func RecordRateLimitHit() {
	rateLimitHits.Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request metrics labelled by the matched route pattern,
// so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		RecordHTTPRequest(r.Method, pattern, rw.statusCode, time.Since(start))
	})
}
