package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for the job engine, the
// provisioning saga and billing ingest. It satisfies engine.Observer and
// saga.StepObserver.
type Metrics struct {
	registry *prometheus.Registry

	jobsEnqueued    *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	workersActive   prometheus.Gauge
	workersSize     prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
	cleanupArchived prometheus.Counter
	cleanupReclaim  prometheus.Counter

	stepDuration *prometheus.HistogramVec
	stepFailures *prometheus.CounterVec

	billingEvents *prometheus.CounterVec
}

// New creates a registry with the process collectors and every service metric.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	jobsEnqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Enqueue requests by job type and whether they merged into a live job.",
	}, []string{"type", "merged"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Time spent processing a job, by type and outcome.",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
	}, []string{"type", "outcome"})

	workersActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "job_workers_active",
		Help: "Workers currently running a job.",
	})

	workersSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "job_workers_size",
		Help: "Configured worker pool size.",
	})

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "job_queue_depth",
		Help: "Rows in the live job table by status.",
	}, []string{"status"})

	cleanupArchived := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "job_cleanup_archived_total",
		Help: "Finished jobs moved to the archive table.",
	})

	cleanupReclaim := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "job_cleanup_reclaimed_total",
		Help: "Stale processing jobs handed back for retry.",
	})

	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_step_duration_seconds",
		Help:    "Time spent inside one saga step, by step and direction.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
	}, []string{"step", "direction"})

	stepFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_failures_total",
		Help: "Saga steps that ended in FAILED.",
	}, []string{"step"})

	billingEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_events_total",
		Help: "Billing events consumed, by event type and result.",
	}, []string{"type", "result"})

	registry.MustRegister(jobsEnqueued, jobDuration, workersActive, workersSize, queueDepth,
		cleanupArchived, cleanupReclaim, stepDuration, stepFailures, billingEvents)

	return &Metrics{
		registry:        registry,
		jobsEnqueued:    jobsEnqueued,
		jobDuration:     jobDuration,
		workersActive:   workersActive,
		workersSize:     workersSize,
		queueDepth:      queueDepth,
		cleanupArchived: cleanupArchived,
		cleanupReclaim:  cleanupReclaim,
		stepDuration:    stepDuration,
		stepFailures:    stepFailures,
		billingEvents:   billingEvents,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobEnqueued(jobType string, merged bool) {
	m.jobsEnqueued.WithLabelValues(jobType, strconv.FormatBool(merged)).Inc()
}

func (m *Metrics) JobFinished(jobType, outcome string, d time.Duration) {
	m.jobDuration.WithLabelValues(jobType, outcome).Observe(d.Seconds())
}

func (m *Metrics) SetWorkers(active, size int) {
	m.workersActive.Set(float64(active))
	m.workersSize.Set(float64(size))
}

func (m *Metrics) SetQueueDepth(status string, n int) {
	m.queueDepth.WithLabelValues(status).Set(float64(n))
}

func (m *Metrics) CleanupFinished(archived, reclaimed int64) {
	m.cleanupArchived.Add(float64(archived))
	m.cleanupReclaim.Add(float64(reclaimed))
}

// ObserveStep records how long a saga step ran before handing over.
func (m *Metrics) ObserveStep(step, direction string, d time.Duration) {
	m.stepDuration.WithLabelValues(step, direction).Observe(d.Seconds())
}

func (m *Metrics) IncStepFailure(step string) {
	m.stepFailures.WithLabelValues(step).Inc()
}

// IncBillingEvent counts a consumed billing event. result is "ok",
// "malformed" or "error".
func (m *Metrics) IncBillingEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.billingEvents.WithLabelValues(eventType, result).Inc()
}
