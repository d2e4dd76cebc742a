// Package metrics exports engine statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/katra-memory/katra/internal/async"
	"github.com/katra-memory/katra/internal/synthesis"
)

var (
	synthesisPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "katra_synthesis_backend_passes_total",
			Help: "Total number of synthesized-recall passes run per backend.",
		},
		[]string{"backend"},
	)

	synthesisMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "katra_synthesis_backend_matches_total",
			Help: "Total number of candidates contributed per backend.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(synthesisPasses)
	prometheus.MustRegister(synthesisMatches)

	for _, b := range []string{synthesis.BackendVector, synthesis.BackendGraph, synthesis.BackendSQL, synthesis.BackendWorking} {
		synthesisPasses.WithLabelValues(b)
		synthesisMatches.WithLabelValues(b)
	}
}

// ObserveBackend records one backend pass of a synthesized recall. It is
// meant to be installed with Orchestrator.SetObserver.
func ObserveBackend(backend string, matches int) {
	synthesisPasses.WithLabelValues(backend).Inc()
	if matches > 0 {
		synthesisMatches.WithLabelValues(backend).Add(float64(matches))
	}
}

// StatsSource reports pool statistics.
type StatsSource interface {
	Stats() async.Stats
}

// PoolCollector exposes a pool's statistics, read at scrape time.
type PoolCollector struct {
	src StatsSource

	workers   *prometheus.Desc
	active    *prometheus.Desc
	idle      *prometheus.Desc
	queued    *prometheus.Desc
	capacity  *prometheus.Desc
	completed *prometheus.Desc
	failed    *prometheus.Desc
	cancelled *prometheus.Desc
	execution *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector creates a collector reading from src.
func NewPoolCollector(src StatsSource) *PoolCollector {
	return &PoolCollector{
		src:       src,
		workers:   prometheus.NewDesc("katra_pool_workers", "Worker goroutines currently alive.", nil, nil),
		active:    prometheus.NewDesc("katra_pool_active_workers", "Workers currently executing a promise.", nil, nil),
		idle:      prometheus.NewDesc("katra_pool_idle_workers", "Workers waiting for work.", nil, nil),
		queued:    prometheus.NewDesc("katra_pool_queued_promises", "Promises waiting in the queue.", nil, nil),
		capacity:  prometheus.NewDesc("katra_pool_queue_capacity", "Maximum number of queued promises.", nil, nil),
		completed: prometheus.NewDesc("katra_pool_promises_fulfilled_total", "Promises that finished successfully.", nil, nil),
		failed:    prometheus.NewDesc("katra_pool_promises_rejected_total", "Promises that finished with an error.", nil, nil),
		cancelled: prometheus.NewDesc("katra_pool_promises_cancelled_total", "Promises cancelled before producing a result.", nil, nil),
		execution: prometheus.NewDesc("katra_pool_execution_seconds_total", "Total time spent executing promises.", nil, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workers
	ch <- c.active
	ch <- c.idle
	ch <- c.queued
	ch <- c.capacity
	ch <- c.completed
	ch <- c.failed
	ch <- c.cancelled
	ch <- c.execution
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(s.Workers))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.Queued))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.QueueCapacity))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.Completed))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.Failed))
	ch <- prometheus.MustNewConstMetric(c.cancelled, prometheus.CounterValue, float64(s.Cancelled))
	ch <- prometheus.MustNewConstMetric(c.execution, prometheus.CounterValue, s.TotalExecution.Seconds())
}
