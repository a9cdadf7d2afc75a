package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lock acquisition results.
const (
	LockAcquired = "acquired"
	LockSkipped  = "skipped"
	LockError    = "error"
)

// Requeue outcomes.
const (
	RequeueScheduled = "scheduled"
	RequeueDropped   = "dropped"
	RequeueFailed    = "failed"
)

// Metrics holds Prometheus metrics for the coordinator. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	SagaTransitions  *prometheus.CounterVec
	StepLatency      *prometheus.HistogramVec
	LockAcquisitions *prometheus.CounterVec
	RateLimitRetries *prometheus.CounterVec
	Requeues         *prometheus.CounterVec
	JobRuns          *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	DeadLetters      *prometheus.CounterVec
	gatherer         prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagaTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Saga status transitions by transaction type and resulting status.",
		}, []string{"type", "status"}),
		StepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_latency_seconds",
			Help:    "Latency of saga step and compensation RPCs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pattern", "result"}),
		LockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_lock_acquisitions_total",
			Help: "Execution lock acquisition attempts by result.",
		}, []string{"result"}),
		RateLimitRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_retries_total",
			Help: "In-process retries caused by provider rate limiting.",
		}, []string{"operation"}),
		Requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_requeues_total",
			Help: "Broker requeue decisions by outcome.",
		}, []string{"pattern", "outcome"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_runs_total",
			Help: "Finished job runs by job id and status.",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_run_duration_seconds",
			Help:    "Job run duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_dead_letters_total",
			Help: "Messages moved to a dead-letter stream.",
		}, []string{"stream"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagaTransitions,
		m.StepLatency,
		m.LockAcquisitions,
		m.RateLimitRetries,
		m.Requeues,
		m.JobRuns,
		m.JobDuration,
		m.DeadLetters,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSagaTransition(transactionType, status string) {
	if m == nil {
		return
	}
	m.SagaTransitions.WithLabelValues(transactionType, status).Inc()
}

// ObserveStep records one step or compensation RPC.
func (m *Metrics) ObserveStep(pattern string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StepLatency.WithLabelValues(pattern, result).Observe(d.Seconds())
}

func (m *Metrics) IncLock(result string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRateLimitRetry(operation string) {
	if m == nil {
		return
	}
	m.RateLimitRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncRequeue(pattern, outcome string) {
	if m == nil {
		return
	}
	m.Requeues.WithLabelValues(pattern, outcome).Inc()
}

// ObserveJobRun records a finished ledger entry.
func (m *Metrics) ObserveJobRun(jobID, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(jobID, status).Inc()
	m.JobDuration.WithLabelValues(jobID).Observe(d.Seconds())
}

func (m *Metrics) IncDeadLetter(stream string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(stream).Inc()
}
