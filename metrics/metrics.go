// Package metrics exposes prometheus collectors for the catalog cache. A nil
// *Collector is valid and records nothing, so components accept it optionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "catalogcache"

// Collector owns a private registry and the collectors registered in it.
type Collector struct {
	registry *prometheus.Registry

	cacheLookups       *prometheus.CounterVec
	cacheWrites        *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec
	memoryEvictions    prometheus.Counter
	prefetchItems      *prometheus.CounterVec
	prefetchQueue      *prometheus.GaugeVec
	degradedResults    *prometheus.CounterVec
	authAttempts       *prometheus.CounterVec
	retries            *prometheus.CounterVec
}

// New creates a collector registered in its own registry.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by tier and result",
		}, []string{"tier", "result"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Cache writes by outcome",
		}, []string{"outcome"}),
		cacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidated_entries_total",
			Help:      "Persistent entries removed by invalidation scope",
		}, []string{"scope"}),
		memoryEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "memory_evictions_total",
			Help:      "Entries evicted from the memory tier to respect its capacity",
		}),
		prefetchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prefetch",
			Name:      "items_total",
			Help:      "Prefetch items processed by content type and outcome",
		}, []string{"content_type", "outcome"}),
		prefetchQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prefetch",
			Name:      "queue_depth",
			Help:      "Pending prefetch items by priority",
		}, []string{"priority"}),
		degradedResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "degrade",
			Name:      "results_total",
			Help:      "Degradation-wrapped calls by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by outcome",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Retries of upstream operations",
		}, []string{"operation"}),
	}
	c.registry.MustRegister(
		c.cacheLookups,
		c.cacheWrites,
		c.cacheInvalidations,
		c.memoryEvictions,
		c.prefetchItems,
		c.prefetchQueue,
		c.degradedResults,
		c.authAttempts,
		c.retries,
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) CacheLookup(tier, result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(tier, result).Inc()
}

func (c *Collector) CacheWrite(outcome string) {
	if c == nil {
		return
	}
	c.cacheWrites.WithLabelValues(outcome).Inc()
}

func (c *Collector) CacheInvalidated(scope string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheInvalidations.WithLabelValues(scope).Add(float64(n))
}

func (c *Collector) MemoryEvicted() {
	if c == nil {
		return
	}
	c.memoryEvictions.Inc()
}

func (c *Collector) PrefetchItem(contentType, outcome string) {
	if c == nil {
		return
	}
	c.prefetchItems.WithLabelValues(contentType, outcome).Inc()
}

func (c *Collector) PrefetchQueueDepth(priority string, depth int) {
	if c == nil {
		return
	}
	c.prefetchQueue.WithLabelValues(priority).Set(float64(depth))
}

func (c *Collector) DegradedResult(strategy, outcome string) {
	if c == nil {
		return
	}
	c.degradedResults.WithLabelValues(strategy, outcome).Inc()
}

func (c *Collector) AuthAttempt(outcome string) {
	if c == nil {
		return
	}
	c.authAttempts.WithLabelValues(outcome).Inc()
}

func (c *Collector) Retry(operation string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(operation).Inc()
}
