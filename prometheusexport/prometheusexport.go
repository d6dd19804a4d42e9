// Package prometheusexport adapts the breaker registry's snapshot feed to
// a prometheus.Collector (spec §12 supplemented feature), grounded on
// 1mb-dev-autobreaker/examples/prometheus's CircuitBreakerCollector: one
// descriptor set declared once in Describe, metrics re-emitted per
// registered breaker on every Collect.
package prometheusexport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hexbase-io/breakerstat/registry"
)

// Collector exposes, as a set of labeled Prometheus metrics, the latest
// snapshot it has received from each breaker publishing to a
// registry.GlobalRegistry, keyed by breaker name. A breaker appears only
// after its first snapshot reaches the Collector, and its last snapshot
// stays exposed after it is deregistered. Unlike the per-breaker collector
// it's grounded on, one Collector here covers the whole registry: breakers
// come and go at runtime, and label values (not descriptors) carry the
// per-breaker identity.
type Collector struct {
	unsubscribe func()

	mu        sync.Mutex
	snapshots map[string]registry.Envelope

	openDesc            *prometheus.Desc
	requestsDesc        *prometheus.Desc
	successesDesc       *prometheus.Desc
	failuresDesc        *prometheus.Desc
	timeoutsDesc        *prometheus.Desc
	shortCircuitedDesc  *prometheus.Desc
	failureRateDesc     *prometheus.Desc
	latencyMeanDesc     *prometheus.Desc
	cumulativeTotalDesc *prometheus.Desc
}

// NewCollector subscribes to reg's snapshot feed and returns a Collector
// ready to be passed to prometheus.Register. Call Close to unsubscribe.
func NewCollector(reg *registry.GlobalRegistry) *Collector {
	labels := []string{"name", "group"}
	c := &Collector{
		snapshots: make(map[string]registry.Envelope),

		openDesc: prometheus.NewDesc(
			"breakerstat_circuit_open",
			"1 if the breaker is currently open, 0 otherwise.",
			labels, nil,
		),
		requestsDesc: prometheus.NewDesc(
			"breakerstat_requests_total",
			"Requests observed in the current rolling window.",
			labels, nil,
		),
		successesDesc: prometheus.NewDesc(
			"breakerstat_successes_total",
			"Successful requests observed in the current rolling window.",
			labels, nil,
		),
		failuresDesc: prometheus.NewDesc(
			"breakerstat_failures_total",
			"Failed requests observed in the current rolling window.",
			labels, nil,
		),
		timeoutsDesc: prometheus.NewDesc(
			"breakerstat_timeouts_total",
			"Timed-out requests observed in the current rolling window.",
			labels, nil,
		),
		shortCircuitedDesc: prometheus.NewDesc(
			"breakerstat_short_circuited_total",
			"Requests rejected while the breaker was open.",
			labels, nil,
		),
		failureRateDesc: prometheus.NewDesc(
			"breakerstat_failure_rate",
			"Observed failure rate (1 - successful/total) in the current window.",
			labels, nil,
		),
		latencyMeanDesc: prometheus.NewDesc(
			"breakerstat_latency_mean_ms",
			"Mean latency in milliseconds across the current window.",
			labels, nil,
		),
		cumulativeTotalDesc: prometheus.NewDesc(
			"breakerstat_cumulative_requests_total",
			"Lifetime request count, never reset by window rotation.",
			labels, nil,
		),
	}

	ch, unsubscribe := reg.Subscribe()
	c.unsubscribe = unsubscribe
	go c.consume(ch)

	return c
}

func (c *Collector) consume(ch <-chan registry.Envelope) {
	for env := range ch {
		c.mu.Lock()
		c.snapshots[env.Name] = env
		c.mu.Unlock()
	}
}

// Close unsubscribes from the registry feed. The consuming goroutine exits
// once the channel is drained and closed by the registry.
func (c *Collector) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openDesc
	ch <- c.requestsDesc
	ch <- c.successesDesc
	ch <- c.failuresDesc
	ch <- c.timeoutsDesc
	ch <- c.shortCircuitedDesc
	ch <- c.failureRateDesc
	ch <- c.latencyMeanDesc
	ch <- c.cumulativeTotalDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	envs := make([]registry.Envelope, 0, len(c.snapshots))
	for _, env := range c.snapshots {
		envs = append(envs, env)
	}
	c.mu.Unlock()

	for _, env := range envs {
		labels := []string{env.Name, env.Group}

		openVal := 0.0
		if env.Open {
			openVal = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.openDesc, prometheus.GaugeValue, openVal, labels...)
		ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.GaugeValue, float64(env.Stats.Total), labels...)
		ch <- prometheus.MustNewConstMetric(c.successesDesc, prometheus.GaugeValue, float64(env.Stats.Successful), labels...)
		ch <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.GaugeValue, float64(env.Stats.Failed), labels...)
		ch <- prometheus.MustNewConstMetric(c.timeoutsDesc, prometheus.GaugeValue, float64(env.Stats.TimedOut), labels...)
		ch <- prometheus.MustNewConstMetric(c.shortCircuitedDesc, prometheus.GaugeValue, float64(env.Stats.ShortCircuited), labels...)

		rate := 0.0
		if env.Stats.Total > 0 {
			rate = 1 - float64(env.Stats.Successful)/float64(env.Stats.Total)
		}
		ch <- prometheus.MustNewConstMetric(c.failureRateDesc, prometheus.GaugeValue, rate, labels...)
		ch <- prometheus.MustNewConstMetric(c.latencyMeanDesc, prometheus.GaugeValue, float64(env.Stats.LatencyMean), labels...)
		ch <- prometheus.MustNewConstMetric(c.cumulativeTotalDesc, prometheus.CounterValue, float64(env.Stats.Cumulative.CountTotal), labels...)
	}
}
