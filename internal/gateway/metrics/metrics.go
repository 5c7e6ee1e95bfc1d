// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess     = "success"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomeNoKey       = "no_key"
	OutcomeFailure     = "failure"
)

const (
	JobSpendSync   = "spend_sync"
	JobPeriodReset = "period_reset"
)

// Metrics captures routing, spend and job health. A nil *Metrics is a no-op.
type Metrics struct {
	attempts         *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	admissionDenials prometheus.Counter
	spendAlerts      *prometheus.CounterVec
	spendRecorded    prometheus.Counter
	trackFailures    prometheus.Counter
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

var (
	gatewayOnce    sync.Once
	gatewayMetrics *Metrics
)

// Gateway returns the process-wide metrics registered on the default registerer
func Gateway() *Metrics {
	gatewayOnce.Do(func() {
		gatewayMetrics = New(prometheus.DefaultRegisterer)
	})
	return gatewayMetrics
}

// New registers a fresh set of collectors. Tests pass their own registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm0_provider_attempts_total",
			Help: "Provider attempts by provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm0_provider_attempt_duration_seconds",
			Help:    "Latency of provider attempts.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		admissionDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm0_admission_denials_total",
			Help: "Requests refused because a hard spending limit was reached.",
		}),
		spendAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm0_spend_alerts_total",
			Help: "Spend alerts emitted by threshold percentage.",
		}, []string{"threshold"}),
		spendRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm0_spend_recorded_usd_total",
			Help: "Spend recorded against gates, in USD.",
		}),
		trackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm0_spend_track_failures_total",
			Help: "Spend tracking calls that failed open.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm0_job_runs_total",
			Help: "Periodic job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm0_job_duration_seconds",
			Help:    "Duration of periodic job runs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}

	registerer.MustRegister(
		m.attempts,
		m.attemptDuration,
		m.admissionDenials,
		m.spendAlerts,
		m.spendRecorded,
		m.trackFailures,
		m.jobRuns,
		m.jobDuration,
	)
	return m
}

func (m *Metrics) ObserveAttempt(provider, model, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(provider, model, outcome).Inc()
	if outcome != OutcomeNoKey {
		m.attemptDuration.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

func (m *Metrics) IncAdmissionDenied() {
	if m == nil {
		return
	}
	m.admissionDenials.Inc()
}

func (m *Metrics) IncSpendAlert(threshold float64) {
	if m == nil {
		return
	}
	m.spendAlerts.WithLabelValues(strconv.FormatFloat(threshold, 'f', -1, 64)).Inc()
}

func (m *Metrics) AddSpend(usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.spendRecorded.Add(usd)
}

func (m *Metrics) IncTrackFailure() {
	if m == nil {
		return
	}
	m.trackFailures.Inc()
}

// ObserveJob records one run of a periodic job
func (m *Metrics) ObserveJob(job string, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}
