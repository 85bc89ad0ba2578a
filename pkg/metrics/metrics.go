package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "accessplane",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessplane",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "accessplane",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.56s
		},
		[]string{"method", "path"},
	)

	// replicationLag tracks how far the Replication Connection is behind the
	// primary, per region, in seconds.
	replicationLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "accessplane",
			Subsystem: "replication",
			Name:      "lag_seconds",
			Help:      "Seconds between the last decoded commit timestamp and now, per region.",
		},
		[]string{"region"},
	)

	replicationState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "accessplane",
			Subsystem: "replication",
			Name:      "connection_state",
			Help:      "Replication Connection state machine position (one-hot by state label).",
		},
		[]string{"region", "state"},
	)

	replicationRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessplane",
			Subsystem: "replication",
			Name:      "manager_restarts_total",
			Help:      "Total Replication Manager restarts, grouped by region and reason.",
		},
		[]string{"region", "reason"},
	)

	changeBusFanout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessplane",
			Subsystem: "changebus",
			Name:      "fanout_total",
			Help:      "Total change events fanned out to subscribers, grouped by table and result.",
		},
		[]string{"table", "result"},
	)

	changeBusDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "accessplane",
			Subsystem: "changebus",
			Name:      "subscriber_queue_depth",
			Help:      "Current mailbox depth for a change-bus subscriber.",
		},
		[]string{"subscriber"},
	)

	changeBusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessplane",
			Subsystem: "changebus",
			Name:      "subscriber_dropped_total",
			Help:      "Total subscribers dropped for falling behind the change bus.",
		},
		[]string{"table"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "accessplane",
			Subsystem: "session",
			Name:      "active_total",
			Help:      "Current number of live Session Actors.",
		},
	)

	sessionPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessplane",
			Subsystem: "session",
			Name:      "pushes_total",
			Help:      "Total websocket pushes sent to clients, grouped by event type.",
		},
		[]string{"event"},
	)

	flowOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessplane",
			Subsystem: "flow",
			Name:      "handshake_outcomes_total",
			Help:      "Total create_flow handshake outcomes, grouped by disposition.",
		},
		[]string{"disposition"},
	)

	flowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "accessplane",
			Subsystem: "flow",
			Name:      "handshake_duration_seconds",
			Help:      "Duration of create_flow handshakes from request to reply.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"disposition"},
	)

	presenceSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "accessplane",
			Subsystem: "presence",
			Name:      "membership_size",
			Help:      "Current number of entries in a presence topic's membership map.",
		},
		[]string{"topic"},
	)

	presenceDiffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessplane",
			Subsystem: "presence",
			Name:      "diffs_delivered_total",
			Help:      "Total debounced presence diffs delivered to subscribers.",
		},
		[]string{"topic"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		replicationLag,
		replicationState,
		replicationRestarts,
		changeBusFanout,
		changeBusDepth,
		changeBusDropped,
		activeSessions,
		sessionPushes,
		flowOutcomes,
		flowDuration,
		presenceSize,
		presenceDiffs,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordReplicationLag publishes the current replication lag for a region.
func RecordReplicationLag(region string, lag time.Duration) {
	region = orUnknown(region)
	replicationLag.WithLabelValues(region).Set(lag.Seconds())
}

// RecordReplicationState one-hots the Replication Connection's current state
// for a region, clearing the previous state gauge.
func RecordReplicationState(region, state string) {
	region = orUnknown(region)
	replicationState.Reset()
	replicationState.WithLabelValues(region, state).Set(1)
}

// RecordReplicationRestart counts a Replication Manager restart.
func RecordReplicationRestart(region, reason string) {
	replicationRestarts.WithLabelValues(orUnknown(region), orUnknown(reason)).Inc()
}

// RecordChangeBusFanout counts a fan-out attempt to subscribers for a table.
func RecordChangeBusFanout(table string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	changeBusFanout.WithLabelValues(orUnknown(table), result).Inc()
}

// RecordChangeBusDepth publishes a subscriber's current mailbox depth.
func RecordChangeBusDepth(subscriber string, depth int) {
	changeBusDepth.WithLabelValues(orUnknown(subscriber)).Set(float64(depth))
}

// RecordChangeBusDropped counts a subscriber dropped for lagging behind.
func RecordChangeBusDropped(table string) {
	changeBusDropped.WithLabelValues(orUnknown(table)).Inc()
}

// SetActiveSessions publishes the current live Session Actor count.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// RecordSessionPush counts a websocket push by event type.
func RecordSessionPush(event string) {
	sessionPushes.WithLabelValues(orUnknown(event)).Inc()
}

// RecordFlowHandshake records a create_flow outcome and its duration.
func RecordFlowHandshake(disposition string, dur time.Duration) {
	disposition = orUnknown(disposition)
	flowOutcomes.WithLabelValues(disposition).Inc()
	flowDuration.WithLabelValues(disposition).Observe(dur.Seconds())
}

// SetPresenceSize publishes the current membership size of a presence topic.
func SetPresenceSize(topic string, size int) {
	presenceSize.WithLabelValues(orUnknown(topic)).Set(float64(size))
}

// RecordPresenceDiff counts a debounced diff delivered for a topic.
func RecordPresenceDiff(topic string) {
	presenceDiffs.WithLabelValues(orUnknown(topic)).Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	if parts[0] != "accounts" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/accounts"
	}
	if len(parts) == 2 {
		return "/accounts/:account"
	}
	resource := parts[1]
	return "/accounts/" + resource
}
