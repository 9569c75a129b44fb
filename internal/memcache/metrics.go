package memcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the optional Prometheus instrumentation of a Manager. A nil
// *metrics is valid and disables all recording, which keeps the hot path
// free of nil checks at every call site.
type metrics struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	stores     prometheus.Counter
	duplicates prometheus.Counter
	evictions  prometheus.Counter
	usageKB    prometheus.Gauge
}

// WithMetrics registers cache counters on reg, labeled with the cache name.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		labels := prometheus.Labels{"cache": m.name}
		mt := &metrics{
			hits: prometheus.NewCounter(prometheus.CounterOpts{
				Name:        "atmopipe_cache_hits_total",
				Help:        "Cache lookups that found a published item.",
				ConstLabels: labels,
			}),
			misses: prometheus.NewCounter(prometheus.CounterOpts{
				Name:        "atmopipe_cache_misses_total",
				Help:        "Cache lookups that found nothing.",
				ConstLabels: labels,
			}),
			stores: prometheus.NewCounter(prometheus.CounterOpts{
				Name:        "atmopipe_cache_stores_total",
				Help:        "Items successfully published.",
				ConstLabels: labels,
			}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Name:        "atmopipe_cache_duplicate_stores_total",
				Help:        "Store attempts that lost a computation race.",
				ConstLabels: labels,
			}),
			evictions: prometheus.NewCounter(prometheus.CounterOpts{
				Name:        "atmopipe_cache_evictions_total",
				Help:        "Released items reclaimed to stay within budget.",
				ConstLabels: labels,
			}),
			usageKB: prometheus.NewGauge(prometheus.GaugeOpts{
				Name:        "atmopipe_cache_usage_kilobytes",
				Help:        "Memory currently held by cached items.",
				ConstLabels: labels,
			}),
		}
		reg.MustRegister(mt.hits, mt.misses, mt.stores, mt.duplicates,
			mt.evictions, mt.usageKB)
		m.metrics = mt
	}
}

func (mt *metrics) hit() {
	if mt != nil {
		mt.hits.Inc()
	}
}

func (mt *metrics) miss() {
	if mt != nil {
		mt.misses.Inc()
	}
}

func (mt *metrics) store(sizeKB int64) {
	if mt != nil {
		mt.stores.Inc()
		mt.usageKB.Add(float64(sizeKB))
	}
}

func (mt *metrics) duplicate() {
	if mt != nil {
		mt.duplicates.Inc()
	}
}

func (mt *metrics) evict(sizeKB int64) {
	if mt != nil {
		mt.evictions.Inc()
		mt.usageKB.Sub(float64(sizeKB))
	}
}
