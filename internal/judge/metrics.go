package judge

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts evaluation outcomes. Counters are plain atomics so the
// judge stays readable without a metrics registry; Collector exports them.
type Metrics struct {
	TotalRequests atomic.Uint64
	CacheHits     atomic.Uint64
	CacheMisses   atomic.Uint64
	LLMTimeouts   atomic.Uint64
	LLMErrors     atomic.Uint64
	FailOpen      atomic.Uint64
	FailClosed    atomic.Uint64
}

var (
	descTotalRequests = prometheus.NewDesc("waf_requests_total", "Requests evaluated by the judge.", nil, nil)
	descCacheHits     = prometheus.NewDesc("waf_cache_hits_total", "Verdict cache hits.", nil, nil)
	descCacheMisses   = prometheus.NewDesc("waf_cache_misses_total", "Verdict cache misses.", nil, nil)
	descLLMTimeouts   = prometheus.NewDesc("waf_llm_timeouts_total", "Judge LLM calls that hit the deadline.", nil, nil)
	descLLMErrors     = prometheus.NewDesc("waf_llm_errors_total", "Judge LLM calls that failed.", nil, nil)
	descFailOpen      = prometheus.NewDesc("waf_fail_open_total", "Requests allowed by fail-open policy.", nil, nil)
	descFailClosed    = prometheus.NewDesc("waf_fail_closed_total", "Requests blocked by fail-closed policy.", nil, nil)
)

// Collector adapts Metrics to the Prometheus registry.
type Collector struct {
	m *Metrics
}

// NewCollector wraps the judge's counters for /metrics export.
func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descTotalRequests
	ch <- descCacheHits
	ch <- descCacheMisses
	ch <- descLLMTimeouts
	ch <- descLLMErrors
	ch <- descFailOpen
	ch <- descFailClosed
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, v uint64) prometheus.Metric {
		return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	ch <- counter(descTotalRequests, c.m.TotalRequests.Load())
	ch <- counter(descCacheHits, c.m.CacheHits.Load())
	ch <- counter(descCacheMisses, c.m.CacheMisses.Load())
	ch <- counter(descLLMTimeouts, c.m.LLMTimeouts.Load())
	ch <- counter(descLLMErrors, c.m.LLMErrors.Load())
	ch <- counter(descFailOpen, c.m.FailOpen.Load())
	ch <- counter(descFailClosed, c.m.FailClosed.Load())
}
