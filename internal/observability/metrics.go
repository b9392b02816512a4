package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	evaluationTestsTotal  *prometheus.CounterVec
	evaluationBatchSize   prometheus.Histogram
	evaluationJobsTotal   *prometheus.CounterVec
	reviewEnqueuedTotal   prometheus.Counter
	liveStreamClients     prometheus.Gauge
	continuationsEnqueued prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors of the evaluation API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_api_requests_total",
			Help: "Total number of evaluation API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evaluation_api_latency_seconds",
			Help:    "Latency distribution for evaluation API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 30.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_api_errors_total",
			Help: "Total number of error responses returned by evaluation endpoints.",
		}, []string{"method", "route", "status"})

		evaluationTestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_tests_total",
			Help: "Test cases processed, by pipeline and outcome.",
		}, []string{"pipeline", "outcome"})

		evaluationBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evaluation_batch_size",
			Help:    "Batch sizes chosen by the batch sizer.",
			Buckets: []float64{1, 2, 3},
		})

		evaluationJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_jobs_finished_total",
			Help: "Evaluation jobs reaching a terminal status.",
		}, []string{"status"})

		reviewEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evaluation_review_enqueued_total",
			Help: "Questions sent to the human review queue.",
		})

		liveStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evaluation_live_clients_active",
			Help: "Connected live log stream clients.",
		})

		continuationsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evaluation_continuations_enqueued_total",
			Help: "Continuation messages published when an invocation budget runs out.",
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			evaluationTestsTotal,
			evaluationBatchSize,
			evaluationJobsTotal,
			reviewEnqueuedTotal,
			liveStreamClients,
			continuationsEnqueued,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// EvaluationTests counts processed test cases.
func EvaluationTests() *prometheus.CounterVec {
	RegisterMetrics()
	return evaluationTestsTotal
}

// EvaluationBatchSize observes chosen batch sizes.
func EvaluationBatchSize() prometheus.Histogram {
	RegisterMetrics()
	return evaluationBatchSize
}

// EvaluationJobsFinished counts terminal transitions.
func EvaluationJobsFinished() *prometheus.CounterVec {
	RegisterMetrics()
	return evaluationJobsTotal
}

// ReviewEnqueued counts review queue insertions.
func ReviewEnqueued() prometheus.Counter {
	RegisterMetrics()
	return reviewEnqueuedTotal
}

// LiveStreamClients tracks open live log streams.
func LiveStreamClients() prometheus.Gauge {
	RegisterMetrics()
	return liveStreamClients
}

// ContinuationsEnqueued counts published continuations.
func ContinuationsEnqueued() prometheus.Counter {
	RegisterMetrics()
	return continuationsEnqueued
}
