// Package metrics exposes callrouter's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/callrouter/internal/breaker"
	"github.com/flowpbx/callrouter/internal/clock"
)

const namespace = "callrouter"

// BreakerStatusProvider exposes circuit breaker states.
type BreakerStatusProvider interface {
	Statuses(ctx context.Context) []breaker.Status
}

// breakerStates are exported as one series each so the current state reads
// as the series with value 1.
var breakerStates = []breaker.State{breaker.StateClosed, breaker.StateOpen, breaker.StateHalfOpen}

// Collector is a prometheus.Collector that gathers state owned elsewhere at
// scrape time.
type Collector struct {
	breakers  BreakerStatusProvider
	clock     clock.Clock
	startTime time.Time

	breakerStateDesc    *prometheus.Desc
	breakerFailuresDesc *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a scrape-time collector. breakers may be nil.
func NewCollector(breakers BreakerStatusProvider, clk clock.Clock, startTime time.Time) *Collector {
	return &Collector{
		breakers:  breakers,
		clock:     clk,
		startTime: startTime,

		breakerStateDesc: prometheus.NewDesc(
			namespace+"_circuit_breaker_state",
			"Circuit breaker state (1 for the current state, 0 otherwise)",
			[]string{"service", "state"}, nil,
		),
		breakerFailuresDesc: prometheus.NewDesc(
			namespace+"_circuit_breaker_failures",
			"Consecutive failures counted by the circuit breaker",
			[]string{"service"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			namespace+"_uptime_seconds",
			"Seconds since the callrouter process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.breakerStateDesc
	ch <- c.breakerFailuresDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.breakers != nil {
		for _, s := range c.breakers.Statuses(ctx) {
			for _, st := range breakerStates {
				val := 0.0
				if s.State == st {
					val = 1.0
				}
				ch <- prometheus.MustNewConstMetric(
					c.breakerStateDesc, prometheus.GaugeValue, val,
					s.Service, string(st),
				)
			}
			ch <- prometheus.MustNewConstMetric(
				c.breakerFailuresDesc, prometheus.GaugeValue,
				float64(s.Failures), s.Service,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		c.clock.Now().Sub(c.startTime).Seconds(),
	)
}

// Metrics owns the registry and the event counters fed by routing hooks.
type Metrics struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	breaches      prometheus.Counter
	outboundDials *prometheus.CounterVec
}

// New creates the registry with the scrape-time collector, the event
// counters and the Go runtime and process collectors.
func New(breakers BreakerStatusProvider, clk clock.Clock) *Metrics {
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_decisions_total",
			Help:      "Webhook responses by hook and outcome",
		}, []string{"hook", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_cache_lookups_total",
			Help:      "Routing cache lookups by result",
		}, []string{"result"}),
		breaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_isolation_breaches_total",
			Help:      "Cross-tenant accesses blocked while routing",
		}),
		outboundDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dial_checks_total",
			Help:      "Outbound dial rate checks by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		NewCollector(breakers, clk, clk.Now()),
		m.decisions,
		m.cacheLookups,
		m.breaches,
		m.outboundDials,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDecision counts a webhook response.
func (m *Metrics) ObserveDecision(hook, outcome string) {
	m.decisions.WithLabelValues(hook, outcome).Inc()
}

// ObserveLookup counts a routing cache lookup.
func (m *Metrics) ObserveLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveBreach counts a blocked cross-tenant access.
func (m *Metrics) ObserveBreach() {
	m.breaches.Inc()
}

// ObserveOutbound counts an outbound dial rate check.
func (m *Metrics) ObserveOutbound(allowed bool) {
	result := "limited"
	if allowed {
		result = "allowed"
	}
	m.outboundDials.WithLabelValues(result).Inc()
}
