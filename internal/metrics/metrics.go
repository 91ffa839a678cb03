// Package metrics exposes Prometheus collectors for the link relay service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	capturesTotal              *prometheus.CounterVec
	captureDurationSeconds     *prometheus.HistogramVec
	admissionsTotal            *prometheus.CounterVec
	usageRecordFailuresTotal   prometheus.Counter
	remindersTotal             *prometheus.CounterVec
	sessionLaunchesTotal       *prometheus.CounterVec
	sessionHealthFailuresTotal prometheus.Counter
	inboundMessagesTotal       *prometheus.CounterVec
	evidenceWritesTotal        *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkrelay_captures_total",
				Help: "Total number of capture attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkrelay_capture_duration_seconds",
				Help:    "Histogram of capture durations, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
			},
			[]string{"outcome"},
		)

		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkrelay_admissions_total",
				Help: "Total number of quota evaluations, labeled by reason.",
			},
			[]string{"reason"},
		)

		usageRecordFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "linkrelay_usage_record_failures_total",
				Help: "Usage records that could not be written after a successful capture.",
			},
		)

		remindersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkrelay_reminders_total",
				Help: "Total number of reminder attempts, labeled by threshold and status.",
			},
			[]string{"threshold", "status"},
		)

		sessionLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkrelay_session_launches_total",
				Help: "Browser session launches, labeled by result.",
			},
			[]string{"result"},
		)

		sessionHealthFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "linkrelay_session_health_failures_total",
				Help: "Health probes that caused the browser session to be replaced.",
			},
		)

		inboundMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkrelay_inbound_messages_total",
				Help: "Inbound chat messages, labeled by how they were handled.",
			},
			[]string{"status"},
		)

		evidenceWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkrelay_evidence_writes_total",
				Help: "Failure screenshots written to the evidence store, labeled by result.",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "linkrelay_active_workers",
				Help: "Number of workers currently handling a message.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCapture records a capture outcome and its duration.
func ObserveCapture(outcome string, duration time.Duration) {
	Init()
	capturesTotal.WithLabelValues(outcome).Inc()
	captureDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveAdmission increments the admission counter for the given reason.
func ObserveAdmission(reason string) {
	Init()
	admissionsTotal.WithLabelValues(reason).Inc()
}

// ObserveUsageRecordFailure counts a usage record that failed to persist.
func ObserveUsageRecordFailure() {
	Init()
	usageRecordFailuresTotal.Inc()
}

// ObserveReminder increments the reminder counter.
func ObserveReminder(threshold int, status string) {
	Init()
	remindersTotal.WithLabelValues(strconv.Itoa(threshold), status).Inc()
}

// ObserveSessionLaunch counts a browser launch attempt.
func ObserveSessionLaunch(result string) {
	Init()
	sessionLaunchesTotal.WithLabelValues(result).Inc()
}

// ObserveSessionHealthFailure counts a failed health probe.
func ObserveSessionHealthFailure() {
	Init()
	sessionHealthFailuresTotal.Inc()
}

// ObserveInbound counts an inbound message by status.
func ObserveInbound(status string) {
	Init()
	inboundMessagesTotal.WithLabelValues(status).Inc()
}

// ObserveEvidence counts an evidence write by result.
func ObserveEvidence(result string) {
	Init()
	evidenceWritesTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
