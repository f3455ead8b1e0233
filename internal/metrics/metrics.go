// Package metrics exposes Prometheus counters for batch submission,
// deferral, ingestion, and spend.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SubmitAttempts counts submission attempts by outcome:
	// completed, cancelled, failed, errored.
	SubmitAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_submit_attempts_total",
		Help: "Batch submission attempts by outcome.",
	}, []string{"label", "outcome"})

	// SubBatches counts finished sub-batches: completed or deferred.
	SubBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_sub_batches_total",
		Help: "Sub-batches that finished, by result.",
	}, []string{"label", "result"})

	// DeferredItems counts work items written to the deferred store.
	DeferredItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_deferred_items_total",
		Help: "Work items deferred after exhausting retries.",
	}, []string{"label"})

	// ParseErrors counts skipped result lines.
	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_result_parse_errors_total",
		Help: "Result lines skipped because they could not be decoded.",
	}, []string{"stage"})

	// Records counts ingested result records.
	Records = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_result_records_total",
		Help: "Result records delivered to sinks.",
	}, []string{"stage"})

	// SpendUSD accumulates committed spend.
	SpendUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_spend_usd_total",
		Help: "Estimated spend committed to the cost ledger.",
	}, []string{"stage"})

	// BudgetRejections counts admissions refused by the cost gate.
	BudgetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_budget_rejections_total",
		Help: "Stages or sub-batches refused by the cost gate.",
	}, []string{"stage", "scope"})

	// AttemptDuration observes the wall time of one submit-and-poll attempt.
	AttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batch_attempt_duration_seconds",
		Help:    "Duration of one submission attempt including polling.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"label"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
