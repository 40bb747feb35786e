// Package metrics exposes Prometheus collectors for the progress service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Ingestion result labels.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// Collectors owns every Prometheus collector the service registers. A nil
// *Collectors is valid and turns all recording methods into no-ops, so
// components can be wired without metrics in tests.
type Collectors struct {
	SessionsActive     prometheus.Gauge
	IngestOps          *prometheus.CounterVec
	EventsEmitted      *prometheus.CounterVec
	Subscribers        prometheus.Gauge
	SubscribersDropped prometheus.Counter
	SnapshotWrites     *prometheus.CounterVec
	SnapshotWriteSecs  prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors against the provided registry. Like promauto,
// it panics on a registration conflict; collector names are fixed at compile
// time, so a conflict is always a programming error.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_sessions_active",
			Help: "Sessions currently tracked in memory.",
		}),
		IngestOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_ingest_ops_total",
			Help: "Ingestion calls partitioned by operation and result.",
		}, []string{"op", "result"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_events_total",
			Help: "Events delivered to subscribers partitioned by type.",
		}, []string{"type"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_subscribers",
			Help: "Live stream subscribers across all sessions.",
		}),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_subscribers_dropped_total",
			Help: "Subscribers disconnected because their queue overflowed.",
		}),
		SnapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_snapshot_writes_total",
			Help: "Durable snapshot writes partitioned by result.",
		}, []string{"result"}),
		SnapshotWriteSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "progress_snapshot_write_seconds",
			Help:    "Latency of durable snapshot writes including retries.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests partitioned by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies partitioned by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		c.SessionsActive,
		c.IngestOps,
		c.EventsEmitted,
		c.Subscribers,
		c.SubscribersDropped,
		c.SnapshotWrites,
		c.SnapshotWriteSecs,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// ObserveIngest counts one ingestion call.
func (c *Collectors) ObserveIngest(op, result string) {
	if c == nil {
		return
	}
	c.IngestOps.WithLabelValues(op, result).Inc()
}

// ObserveEvent counts one event delivery.
func (c *Collectors) ObserveEvent(eventType string) {
	if c == nil {
		return
	}
	c.EventsEmitted.WithLabelValues(eventType).Inc()
}

// SessionOpened adjusts the active-session gauge upward.
func (c *Collectors) SessionOpened() {
	if c == nil {
		return
	}
	c.SessionsActive.Inc()
}

// SessionClosed adjusts the active-session gauge downward.
func (c *Collectors) SessionClosed() {
	if c == nil {
		return
	}
	c.SessionsActive.Dec()
}

// SubscriberAdded adjusts the subscriber gauge upward.
func (c *Collectors) SubscriberAdded() {
	if c == nil {
		return
	}
	c.Subscribers.Inc()
}

// SubscriberRemoved adjusts the subscriber gauge downward.
func (c *Collectors) SubscriberRemoved() {
	if c == nil {
		return
	}
	c.Subscribers.Dec()
}

// SubscriberDropped counts a slow-consumer disconnect; the dropped subscriber
// also leaves the gauge.
func (c *Collectors) SubscriberDropped() {
	if c == nil {
		return
	}
	c.SubscribersDropped.Inc()
	c.Subscribers.Dec()
}

// ObserveSnapshotWrite records one durable write outcome.
func (c *Collectors) ObserveSnapshotWrite(result string, dur time.Duration) {
	if c == nil {
		return
	}
	c.SnapshotWrites.WithLabelValues(result).Inc()
	c.SnapshotWriteSecs.Observe(dur.Seconds())
}

// Middleware instruments HTTP handlers with request counts and latency,
// labeled by the chi route pattern so per-session paths do not explode
// metric cardinality.
func (c *Collectors) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		c.httpRequests.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
