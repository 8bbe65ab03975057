// Package metrics exposes Prometheus instrumentation for a memory instance.
// Every method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one memory instance on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// Index metrics
	IndexedEpisodes prometheus.Gauge
	InsertsTotal    *prometheus.CounterVec
	EvictionsTotal  *prometheus.CounterVec

	// Query metrics
	QueryDuration        prometheus.Histogram
	PartialQueriesTotal  prometheus.Counter
	RetrievedHitsTotal   prometheus.Counter
	ProviderRetriesTotal *prometheus.CounterVec
	QualityRefreshTotal  *prometheus.CounterVec
	CacheLookupsTotal    *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		IndexedEpisodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_indexed_episodes",
			Help: "Number of episodes currently in the spatiotemporal index",
		}),
		InsertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memory_episode_completions_total",
			Help: "Episode completions by outcome status",
		}, []string{"status"}),
		EvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memory_evictions_total",
			Help: "Evicted episodes by reason",
		}, []string{"reason"}),

		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "memory_retrieval_duration_seconds",
			Help:    "Duration of retrieval calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		PartialQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memory_partial_retrievals_total",
			Help: "Retrievals cut short by their deadline",
		}),
		RetrievedHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memory_retrieved_episodes_total",
			Help: "Episodes returned by retrievals",
		}),
		ProviderRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memory_provider_retries_total",
			Help: "Retried provider calls by operation",
		}, []string{"op"}),
		QualityRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memory_quality_refreshes_total",
			Help: "Quality re-assessments by result",
		}, []string{"result"}),
		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memory_result_cache_lookups_total",
			Help: "Result cache lookups by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.IndexedEpisodes,
		m.InsertsTotal,
		m.EvictionsTotal,
		m.QueryDuration,
		m.PartialQueriesTotal,
		m.RetrievedHitsTotal,
		m.ProviderRetriesTotal,
		m.QualityRefreshTotal,
		m.CacheLookupsTotal,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetIndexed sets the indexed population gauge.
func (m *Metrics) SetIndexed(n int) {
	if m == nil {
		return
	}
	m.IndexedEpisodes.Set(float64(n))
}

// RecordCompletion counts a completion attempt. Status is "ok" or a failure class.
func (m *Metrics) RecordCompletion(status string) {
	if m == nil {
		return
	}
	m.InsertsTotal.WithLabelValues(status).Inc()
}

// RecordEviction counts an eviction. Reason is "capacity" or "manual".
func (m *Metrics) RecordEviction(reason string) {
	if m == nil {
		return
	}
	m.EvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordRetrieval observes one retrieval.
func (m *Metrics) RecordRetrieval(d time.Duration, hits int, partial bool) {
	if m == nil {
		return
	}
	m.QueryDuration.Observe(d.Seconds())
	m.RetrievedHitsTotal.Add(float64(hits))
	if partial {
		m.PartialQueriesTotal.Inc()
	}
}

// RecordRetry counts a retried provider call.
func (m *Metrics) RecordRetry(op string) {
	if m == nil {
		return
	}
	m.ProviderRetriesTotal.WithLabelValues(op).Inc()
}

// RecordQualityRefresh counts a quality re-assessment. Result is "ok" or "fallback".
func (m *Metrics) RecordQualityRefresh(result string) {
	if m == nil {
		return
	}
	m.QualityRefreshTotal.WithLabelValues(result).Inc()
}

// RecordCacheLookup counts a result cache lookup as a hit or a miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}
