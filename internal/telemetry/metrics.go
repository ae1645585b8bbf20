package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdmitted         = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_admitted_total", Help: "Fetched jobs admitted for scoring"})
	JobsDeferred         = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_deferred_total", Help: "Fetched jobs parked as pending_upgrade"})
	JobsDuplicate        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_duplicate_total", Help: "Fetched postings already known to the tenant"})
	EnqueueCounter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_tasks_enqueued_total", Help: "Scoring tasks added to the queue"})
	EnqueueDeduplicated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_tasks_deduplicated_total", Help: "Enqueue calls dropped because the task was already live"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_fetch_rate_limit_rejects_total", Help: "Fetch requests rejected by the tenant rate limiter"})
	DispatchSuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_dispatch_success_total", Help: "Tasks delivered to the scorer"})
	DispatchRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_dispatch_retries_total", Help: "Failed deliveries scheduled for retry"})
	DispatchAbandoned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_dispatch_abandoned_total", Help: "Tasks abandoned after exhausting attempts"})
	ScoresAccepted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_scores_accepted_total", Help: "Scoring callbacks applied"})
	ScoresRejected       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_scores_rejected_total", Help: "Scoring callbacks rejected"}, []string{"reason"})
	NotifyPublishFailure = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_notify_publish_failures_total", Help: "Events that could not be published"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Ready scoring tasks"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_tasks_inflight", Help: "Scoring tasks currently leased"})
)

var DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "pipeline_dispatch_duration_seconds",
	Help:    "Scorer webhook latency",
	Buckets: prometheus.DefBuckets,
})

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdmitted,
			JobsDeferred,
			JobsDuplicate,
			EnqueueCounter,
			EnqueueDeduplicated,
			RateLimitRejects,
			DispatchSuccess,
			DispatchRetries,
			DispatchAbandoned,
			ScoresAccepted,
			ScoresRejected,
			NotifyPublishFailure,
			QueueDepthGauge,
			InFlightGauge,
			DispatchDuration,
		)
	})
	return promhttp.Handler()
}
