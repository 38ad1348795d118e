// Package metrics exposes the process's Prometheus collectors: generic HTTP
// instrumentation plus counters/histograms for the isolation, diff, and
// assertion pipelines (spec §10).
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
			Namespace: "agentdiff",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentdiff",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentdiff",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	environmentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentdiff",
			Subsystem: "isolation",
			Name:      "environments_created_total",
			Help:      "Total number of environments provisioned, by outcome.",
		},
		[]string{"outcome"},
	)

	environmentCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentdiff",
			Subsystem: "isolation",
			Name:      "environment_create_duration_seconds",
			Help:      "Time to clone a template into a fresh namespace and issue a token.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	environmentsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentdiff",
			Subsystem: "isolation",
			Name:      "environments_reaped_total",
			Help:      "Total number of environments torn down by the expiry sweep.",
		},
	)

	diffDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentdiff",
			Subsystem: "differ",
			Name:      "compute_duration_seconds",
			Help:      "Time to compute a run's diff across all reflected tables.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	assertionEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentdiff",
			Subsystem: "assertion",
			Name:      "evaluations_total",
			Help:      "Total number of assertion evaluations, by pass/fail outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		environmentsCreated,
		environmentCreateDuration,
		environmentsReaped,
		diffDuration,
		assertionEvaluations,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP metrics collection.
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

// RecordEnvironmentCreate records one CreateEnvironment attempt. outcome is
// "success" or "error".
func RecordEnvironmentCreate(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	if duration < 0 {
		duration = 0
	}
	environmentsCreated.WithLabelValues(outcome).Inc()
	environmentCreateDuration.Observe(duration.Seconds())
}

// RecordEnvironmentsReaped adds count to the reaped-environments counter.
func RecordEnvironmentsReaped(count int) {
	if count <= 0 {
		return
	}
	environmentsReaped.Add(float64(count))
}

// RecordDiffComputed records the wall-clock cost of one Differ.Compute call.
func RecordDiffComputed(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	diffDuration.Observe(duration.Seconds())
}

// RecordAssertionEvaluation records one assertion.Evaluate outcome.
func RecordAssertionEvaluation(passed bool) {
	outcome := "fail"
	if passed {
		outcome = "pass"
	}
	assertionEvaluations.WithLabelValues(outcome).Inc()
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

// canonicalPath collapses a request path down to a low-cardinality label:
// the first segment, plus a second literal segment for routes that have one
// before an id (e.g. /runs/{id}/diff -> /runs/:id).
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/:id"
}
