// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records workflow execution metrics.
type Collector struct {
	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runsActive  *prometheus.GaugeVec

	// Step metrics
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	// Loop metrics
	loopIterations   *prometheus.HistogramVec
	escalationsTotal *prometheus.CounterVec

	// State metrics
	stateWritesTotal *prometheus.CounterVec
	stateReadsTotal  *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector. A nil registerer falls back
// to the default Prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of workflow runs",
		},
		[]string{"workflow", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"workflow"},
	)

	c.runsActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of workflow runs currently executing",
		},
		[]string{"workflow"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of step executions",
		},
		[]string{"kind", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	c.loopIterations = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_iterations",
			Help:      "Iterations executed per loop step",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"workflow"},
	)

	c.escalationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Total number of worker escalations",
		},
		[]string{"workflow"},
	)

	c.stateWritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_writes_total",
			Help:      "Total number of state writes",
		},
		[]string{"workflow", "status"},
	)

	c.stateReadsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_reads_total",
			Help:      "Total number of state reads",
		},
		[]string{"workflow"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordRunStart marks a run as active.
func (c *Collector) RecordRunStart(workflow string) {
	c.runsActive.WithLabelValues(workflow).Inc()
}

// RecordRunEnd records a completed run.
func (c *Collector) RecordRunEnd(workflow, status string, duration time.Duration) {
	c.runsActive.WithLabelValues(workflow).Dec()
	c.runsTotal.WithLabelValues(workflow, status).Inc()
	c.runDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordStep records one step execution.
func (c *Collector) RecordStep(kind, status string, duration time.Duration) {
	c.stepsTotal.WithLabelValues(kind, status).Inc()
	c.stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordLoop records the iterations a loop ran before terminating.
func (c *Collector) RecordLoop(workflow string, iterations int) {
	c.loopIterations.WithLabelValues(workflow).Observe(float64(iterations))
}

// RecordEscalation records a worker escalation.
func (c *Collector) RecordEscalation(workflow string) {
	c.escalationsTotal.WithLabelValues(workflow).Inc()
}

// RecordStateWrite records a state write outcome.
func (c *Collector) RecordStateWrite(workflow, status string) {
	c.stateWritesTotal.WithLabelValues(workflow, status).Inc()
}

// RecordStateRead records a state read.
func (c *Collector) RecordStateRead(workflow string) {
	c.stateReadsTotal.WithLabelValues(workflow).Inc()
}
