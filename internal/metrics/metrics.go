// ============================================================================
// fractalpool metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose pool user metrics for Prometheus scraping
//
// Metric families:
//
//   1. Counters (monotonic):
//      - fractalpool_units_assigned_total: units handed to a session
//      - fractalpool_units_completed_total: units whose result was accepted
//      - fractalpool_units_requeued_total{reason}: units returned to pending by failover
//      - fractalpool_units_exhausted_total: units that used up their retry budget
//      - fractalpool_failovers_total: sessions rebound to a replacement element
//      - fractalpool_packets_discarded_total: duplicate, stale or invalid packets
//
//   2. Histogram:
//      - fractalpool_unit_latency_seconds: assignment to final packet
//
//   3. Gauges:
//      - fractalpool_sessions_busy: sessions currently holding a unit
//      - fractalpool_units_pending / fractalpool_units_assigned
//      - fractalpool_pool_elements{liveness}: registry membership by liveness
//
// Example queries:
//
//   # failover rate
//   rate(fractalpool_failovers_total[5m])
//
//   # 95th percentile tile latency
//   histogram_quantile(0.95, fractalpool_unit_latency_seconds_bucket)
//
// A nil *Collector is valid and records nothing, so components can run
// without instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fractalpool"

// Collector holds the Prometheus metrics of one pool user process.
type Collector struct {
	unitsAssigned  prometheus.Counter
	unitsCompleted prometheus.Counter
	unitsRequeued  *prometheus.CounterVec
	unitsExhausted prometheus.Counter
	failovers      prometheus.Counter
	discarded      prometheus.Counter

	unitLatency prometheus.Histogram

	sessionsBusy  prometheus.Gauge
	unitsPending  prometheus.Gauge
	unitsInFlight prometheus.Gauge
	elements      *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		unitsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_assigned_total",
			Help:      "Total number of work units handed to a session",
		}),
		unitsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_completed_total",
			Help:      "Total number of work units completed",
		}),
		unitsRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_requeued_total",
			Help:      "Total number of failed attempts returned to pending",
		}, []string{"reason"}),
		unitsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_exhausted_total",
			Help:      "Total number of work units that exhausted their retry budget",
		}),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Total number of session failovers to another pool element",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_discarded_total",
			Help:      "Total number of duplicate, stale or invalid result packets",
		}),
		unitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_latency_seconds",
			Help:      "Time from assignment to final result packet in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		sessionsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_busy",
			Help:      "Current number of sessions holding a work unit",
		}),
		unitsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_pending",
			Help:      "Current number of pending work units",
		}),
		unitsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_assigned",
			Help:      "Current number of assigned work units",
		}),
		elements: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_elements",
			Help:      "Current number of pool elements by liveness",
		}, []string{"liveness"}),
	}

	reg.MustRegister(
		c.unitsAssigned,
		c.unitsCompleted,
		c.unitsRequeued,
		c.unitsExhausted,
		c.failovers,
		c.discarded,
		c.unitLatency,
		c.sessionsBusy,
		c.unitsPending,
		c.unitsInFlight,
		c.elements,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordAssigned counts a unit handed to a session.
func (c *Collector) RecordAssigned() {
	if c == nil {
		return
	}
	c.unitsAssigned.Inc()
}

// RecordCompleted counts an accepted result and its latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	if c == nil {
		return
	}
	c.unitsCompleted.Inc()
	c.unitLatency.Observe(latencySeconds)
}

// RecordRequeued counts a unit sent back to pending after a failure or a
// withdrawn element. reason is the failover reason.
func (c *Collector) RecordRequeued(reason string) {
	if c == nil {
		return
	}
	c.unitsRequeued.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordExhausted() {
	if c == nil {
		return
	}
	c.unitsExhausted.Inc()
}

func (c *Collector) RecordFailover() {
	if c == nil {
		return
	}
	c.failovers.Inc()
}

func (c *Collector) RecordDiscarded() {
	if c == nil {
		return
	}
	c.discarded.Inc()
}

// SetBusySessions sets the number of sessions holding a unit.
func (c *Collector) SetBusySessions(n int) {
	if c == nil {
		return
	}
	c.sessionsBusy.Set(float64(n))
}

// UpdateQueueStats updates the queue gauges.
func (c *Collector) UpdateQueueStats(pending, assigned int) {
	if c == nil {
		return
	}
	c.unitsPending.Set(float64(pending))
	c.unitsInFlight.Set(float64(assigned))
}

// SetElements sets the membership gauge for one liveness value.
func (c *Collector) SetElements(liveness string, n int) {
	if c == nil {
		return
	}
	c.elements.WithLabelValues(liveness).Set(float64(n))
}

// Handler returns the HTTP handler exposing the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
