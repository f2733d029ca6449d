package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobcore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobcore",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Current number of live realtime connections.",
		},
	)

	wsFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobcore",
			Subsystem: "realtime",
			Name:      "frames_total",
			Help:      "Total number of inbound frames by outcome.",
		},
		[]string{"outcome"}, // dispatched | malformed | throttled
	)

	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "jobcore",
			Subsystem: "realtime",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of per-topic event dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
		},
	)

	commissionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobcore",
			Subsystem: "commission",
			Name:      "transitions_total",
			Help:      "Total number of commission status transitions.",
		},
		[]string{"status"},
	)

	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobcore",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total number of job stage transitions.",
		},
		[]string{"stage"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		wsConnections,
		wsFrames,
		dispatchDuration,
		commissionTransitions,
		jobTransitions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
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

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
	})
}

// ConnectionOpened records a new live realtime connection.
func ConnectionOpened() { wsConnections.Inc() }

// ConnectionClosed records a dropped realtime connection.
func ConnectionClosed() { wsConnections.Dec() }

// RecordFrame records one inbound frame by outcome.
func RecordFrame(outcome string) { wsFrames.WithLabelValues(outcome).Inc() }

// ObserveDispatch records the duration of one per-topic dispatch.
func ObserveDispatch(d time.Duration) {
	if d <= 0 {
		d = time.Microsecond
	}
	dispatchDuration.Observe(d.Seconds())
}

// RecordCommissionTransition records a commission status transition.
func RecordCommissionTransition(status string) {
	commissionTransitions.WithLabelValues(status).Inc()
}

// RecordJobTransition records a job stage transition.
func RecordJobTransition(stage string) {
	jobTransitions.WithLabelValues(stage).Inc()
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
	return "/" + parts[0]
}
