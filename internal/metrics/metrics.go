// Package metrics holds the Prometheus instrumentation shared by every
// process in this repo (gateway, worker, elastic-endpoint), grounded on the
// teacher's escrow/metrics.go Metrics struct shape: a set of promauto
// vectors plus thin Record* methods so callers never touch prometheus
// types directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobsEnqueued      *prometheus.CounterVec
	JobsSubscribed    *prometheus.CounterVec
	JobsClaimed       *prometheus.CounterVec
	SynthesisDuration *prometheus.HistogramVec
	SynthesisFailures *prometheus.CounterVec

	ResultsFinalized *prometheus.CounterVec
	PendingBlocks    *prometheus.GaugeVec

	OverflowDispatched *prometheus.CounterVec
	OverflowBreakerOpen *prometheus.CounterVec
	ReaperRecovered    *prometheus.CounterVec
	ReaperDropped      *prometheus.CounterVec

	BillingEventsProcessed *prometheus.CounterVec
	BillingRetries         *prometheus.CounterVec
	BillingEscalations     *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheVacuumFreedBytes prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		JobsEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_jobs_enqueued_total", Help: "Synthesis jobs newly enqueued by model"},
			[]string{"model_slug"},
		),
		JobsSubscribed: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_jobs_subscribed_total", Help: "Requests that joined an in-flight job instead of enqueueing"},
			[]string{"model_slug"},
		),
		JobsClaimed: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "worker_jobs_claimed_total", Help: "Jobs claimed off a model queue by a worker"},
			[]string{"model_slug", "worker_id"},
		),
		SynthesisDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_synthesis_duration_seconds",
				Help:    "Time spent inside an adapter's Synthesize call",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model_slug"},
		),
		SynthesisFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "worker_synthesis_failures_total", Help: "Adapter synthesis calls that returned an error"},
			[]string{"model_slug"},
		),
		ResultsFinalized: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_results_finalized_total", Help: "Result records finalized by the consumer, by outcome"},
			[]string{"status"},
		),
		PendingBlocks: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_pending_blocks", Help: "Blocks currently pending per user document"},
			[]string{"document_id"},
		),
		OverflowDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "overflow_jobs_dispatched_total", Help: "Jobs promoted to the remote elastic endpoint"},
			[]string{"model_slug"},
		),
		OverflowBreakerOpen: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "overflow_breaker_open_total", Help: "Overflow dispatch attempts short-circuited by an open breaker"},
			[]string{"model_slug"},
		),
		ReaperRecovered: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "reaper_jobs_recovered_total", Help: "Stalled jobs requeued by the processing-entry reaper"},
			[]string{"worker_id"},
		),
		ReaperDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "reaper_jobs_dropped_total", Help: "Stalled jobs dropped because nobody still wanted them"},
			[]string{"worker_id"},
		),
		BillingEventsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "billing_events_processed_total", Help: "Billing events successfully recorded"},
			[]string{"usage_type"},
		),
		BillingRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "billing_retries_total", Help: "Billing store write retries"},
			[]string{"usage_type"},
		),
		BillingEscalations: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "billing_escalations_total", Help: "Billing events escalated to dead-letter after exhausting retries"},
			[]string{"usage_type"},
		),
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "cache_hits_total", Help: "Audio cache fetches that found an entry"},
			[]string{},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "cache_misses_total", Help: "Audio cache fetches that found nothing"},
			[]string{},
		),
		CacheVacuumFreedBytes: promauto.NewCounter(
			prometheus.CounterOpts{Name: "cache_vacuum_freed_bytes_total", Help: "Bytes reclaimed by cache vacuum runs"},
		),
	}
}

func (m *Metrics) RecordEnqueue(modelSlug string) { m.JobsEnqueued.WithLabelValues(modelSlug).Inc() }

func (m *Metrics) RecordSubscribeOnly(modelSlug string) {
	m.JobsSubscribed.WithLabelValues(modelSlug).Inc()
}

func (m *Metrics) RecordClaim(modelSlug, workerID string) {
	m.JobsClaimed.WithLabelValues(modelSlug, workerID).Inc()
}

func (m *Metrics) RecordSynthesis(modelSlug string, durationSeconds float64, failed bool) {
	m.SynthesisDuration.WithLabelValues(modelSlug).Observe(durationSeconds)
	if failed {
		m.SynthesisFailures.WithLabelValues(modelSlug).Inc()
	}
}

func (m *Metrics) RecordFinalized(status string) { m.ResultsFinalized.WithLabelValues(status).Inc() }

func (m *Metrics) RecordOverflowDispatch(modelSlug string) {
	m.OverflowDispatched.WithLabelValues(modelSlug).Inc()
}

func (m *Metrics) RecordOverflowBreakerOpen(modelSlug string) {
	m.OverflowBreakerOpen.WithLabelValues(modelSlug).Inc()
}

func (m *Metrics) RecordReaperRecovered(workerID string) { m.ReaperRecovered.WithLabelValues(workerID).Inc() }

func (m *Metrics) RecordReaperDropped(workerID string) { m.ReaperDropped.WithLabelValues(workerID).Inc() }

func (m *Metrics) RecordBillingProcessed(usageType string) {
	m.BillingEventsProcessed.WithLabelValues(usageType).Inc()
}

func (m *Metrics) RecordBillingRetry(usageType string) { m.BillingRetries.WithLabelValues(usageType).Inc() }

func (m *Metrics) RecordBillingEscalation(usageType string) {
	m.BillingEscalations.WithLabelValues(usageType).Inc()
}

func (m *Metrics) RecordCacheHit()  { m.CacheHits.WithLabelValues().Inc() }
func (m *Metrics) RecordCacheMiss() { m.CacheMisses.WithLabelValues().Inc() }
