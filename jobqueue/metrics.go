/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector represents a collector of metrics to analyze how the queue is used.
type MetricsCollector interface {
	// SetPending sets the number of jobs waiting to be executed, including jobs waiting for a retry delay.
	SetPending(int)

	// SetExecuting sets the number of currently executing jobs.
	SetExecuting(int)

	// IncCompleted increments the total number of successfully completed jobs.
	IncCompleted()

	// IncFailed increments the total number of jobs failed after retries were exhausted.
	IncFailed()

	// ObserveProcessingTime observes the execution time of a successfully completed job.
	ObserveProcessingTime(time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// ProcessingTimeBuckets is a list of buckets for the job processing time histogram.
	// prometheus.DefBuckets are used if not provided.
	ProcessingTimeBuckets []float64
}

// PrometheusMetrics represents Prometheus metrics for the queue.
type PrometheusMetrics struct {
	JobsPending        prometheus.Gauge
	JobsExecuting      prometheus.Gauge
	JobsCompletedTotal prometheus.Counter
	JobsFailedTotal    prometheus.Counter
	ProcessingTime     prometheus.Histogram
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.ProcessingTimeBuckets
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	return &PrometheusMetrics{
		JobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "job_queue_jobs_pending",
			Help:        "Number of jobs waiting to be executed.",
			ConstLabels: opts.ConstLabels,
		}),
		JobsExecuting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "job_queue_jobs_executing",
			Help:        "Number of currently executing jobs.",
			ConstLabels: opts.ConstLabels,
		}),
		JobsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "job_queue_jobs_completed_total",
			Help:        "Number of successfully completed jobs.",
			ConstLabels: opts.ConstLabels,
		}),
		JobsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "job_queue_jobs_failed_total",
			Help:        "Number of jobs failed after retries were exhausted.",
			ConstLabels: opts.ConstLabels,
		}),
		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "job_queue_processing_time_seconds",
			Help:        "Execution time of successfully completed jobs.",
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.JobsPending,
		pm.JobsExecuting,
		pm.JobsCompletedTotal,
		pm.JobsFailedTotal,
		pm.ProcessingTime,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.JobsPending)
	prometheus.Unregister(pm.JobsExecuting)
	prometheus.Unregister(pm.JobsCompletedTotal)
	prometheus.Unregister(pm.JobsFailedTotal)
	prometheus.Unregister(pm.ProcessingTime)
}

// SetPending sets the number of jobs waiting to be executed.
func (pm *PrometheusMetrics) SetPending(n int) {
	pm.JobsPending.Set(float64(n))
}

// SetExecuting sets the number of currently executing jobs.
func (pm *PrometheusMetrics) SetExecuting(n int) {
	pm.JobsExecuting.Set(float64(n))
}

// IncCompleted increments the total number of successfully completed jobs.
func (pm *PrometheusMetrics) IncCompleted() {
	pm.JobsCompletedTotal.Inc()
}

// IncFailed increments the total number of jobs failed after retries were exhausted.
func (pm *PrometheusMetrics) IncFailed() {
	pm.JobsFailedTotal.Inc()
}

// ObserveProcessingTime observes the execution time of a successfully completed job.
func (pm *PrometheusMetrics) ObserveProcessingTime(d time.Duration) {
	pm.ProcessingTime.Observe(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) SetPending(int)                      {}
func (disabledMetrics) SetExecuting(int)                    {}
func (disabledMetrics) IncCompleted()                       {}
func (disabledMetrics) IncFailed()                          {}
func (disabledMetrics) ObserveProcessingTime(time.Duration) {}
