package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "runs_enqueued_total", Help: "Total enqueued runs"})
	EnqueueDuplicates = prometheus.NewCounter(prometheus.CounterOpts{Name: "runs_enqueue_duplicates_total", Help: "Enqueues answered from an existing idempotency key"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "runs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	RunSuccess        = prometheus.NewCounter(prometheus.CounterOpts{Name: "runs_completed_total", Help: "Runs completed successfully"})
	RunFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "runs_failed_total", Help: "Runs that failed and will retry"})
	RunDeadLetter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "runs_dead_letter_total", Help: "Queue items moved to the DLQ"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "runs_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "runs_inflight", Help: "Runs currently leased"})

	DeliveriesReceived  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_deliveries_total", Help: "Webhook deliveries recorded in the ledger"})
	DeliveriesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_deliveries_duplicate_total", Help: "Redeliveries detected by delivery id"})
	NormalizeSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_normalized_total", Help: "Deliveries normalized into work items"})
	NormalizeFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_normalize_failed_total", Help: "Normalization attempts that failed"})

	ScheduleFires = prometheus.NewCounter(prometheus.CounterOpts{Name: "schedules_fired_total", Help: "Cron schedules fired into runs"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			EnqueueDuplicates,
			RateLimitRejects,
			RunSuccess,
			RunFailures,
			RunDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			DeliveriesReceived,
			DeliveriesDuplicate,
			NormalizeSuccess,
			NormalizeFailures,
			ScheduleFires,
		)
	})
	return promhttp.Handler()
}
