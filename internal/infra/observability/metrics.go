package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the ledger core.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	drainDuration    *prometheus.HistogramVec
	recalculations   *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	queueDropped     prometheus.Counter
	queueDepth       prometheus.Gauge
	interestPostings prometheus.Counter
	externalErrors   *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		drainDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerd_queue_drain_duration_seconds",
				Help:    "Duration of update queue drain passes.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),
		recalculations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerd_recalculations_total",
				Help: "Balance recalculations by kind (full or incremental).",
			},
			[]string{"kind"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerd_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerd_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		queueDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerd_queue_dropped_total",
				Help: "Update requests dropped due to queue overflow.",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledgerd_queue_depth",
				Help: "Pending requests in the update queue.",
			},
		),
		interestPostings: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerd_interest_postings_total",
				Help: "Deposit interest transactions emitted.",
			},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerd_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
	}
}

// RecordDrainDuration records one drain pass of the update queue.
func (m *Metrics) RecordDrainDuration(trigger string, d time.Duration) {
	m.drainDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// IncrRecalculation counts a recalculation pass ("full" or "incremental").
func (m *Metrics) IncrRecalculation(kind string) {
	m.recalculations.WithLabelValues(kind).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrQueueDropped counts a request dropped by queue overflow.
func (m *Metrics) IncrQueueDropped() {
	m.queueDropped.Inc()
}

// SetQueueDepth publishes the current pending-request count.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// IncrInterestPosting counts an emitted deposit interest transaction.
func (m *Metrics) IncrInterestPosting() {
	m.interestPostings.Inc()
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// CacheHitRate returns the observed hit rate for a named cache, for the
// stats endpoint. Returns 0 when the cache has seen no traffic.
func (m *Metrics) CacheHitRate(cache string) float64 {
	hits := getCounterValue(m.cacheHits, cache)
	misses := getCounterValue(m.cacheMisses, cache)
	if hits+misses == 0 {
		return 0
	}
	return hits / (hits + misses)
}

// RecalculationCounts returns cumulative full/incremental recalculation
// counts for the stats endpoint.
func (m *Metrics) RecalculationCounts() (full, incremental float64) {
	return getCounterValue(m.recalculations, "full"),
		getCounterValue(m.recalculations, "incremental")
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	metric := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(metric); err != nil {
		return 0
	}
	if metric.Counter != nil && metric.Counter.Value != nil {
		return *metric.Counter.Value
	}
	return 0
}
