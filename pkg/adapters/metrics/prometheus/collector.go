package prometheus

import (
	"strconv"
	"time"

	"github.com/aescanero/handoff/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	plansCreated    prometheus.Counter
	planWaves       prometheus.Histogram
	planNodes       prometheus.Histogram
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	blocked         *prometheus.CounterVec
	running         *prometheus.GaugeVec
	wavesCompleted  *prometheus.CounterVec
	runsCompleted   *prometheus.CounterVec
	runDuration     prometheus.Histogram
	activeRuns      prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		plansCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "handoff_plans_created_total",
				Help: "Total number of schedule plans created",
			},
		),
		planWaves: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "handoff_plan_waves",
				Help:    "Number of waves per schedule plan",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		planNodes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "handoff_plan_nodes",
				Help:    "Number of nodes per schedule plan",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handoff_attempts_total",
				Help: "Total number of settled dispatch attempts",
			},
			[]string{"priority", "outcome"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handoff_attempt_duration_seconds",
				Help:    "Dispatch attempt duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"priority"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handoff_retries_total",
				Help: "Total number of scheduled retries",
			},
			[]string{"priority"},
		),
		blocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handoff_nodes_blocked_total",
				Help: "Total number of nodes marked blocked",
			},
			[]string{"priority"},
		),
		running: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "handoff_running_attempts",
				Help: "Attempts currently running by priority",
			},
			[]string{"priority"},
		),
		wavesCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handoff_waves_completed_total",
				Help: "Total number of waves driven to completion",
			},
			[]string{"terminal_failure"},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handoff_runs_completed_total",
				Help: "Total number of finished runs",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "handoff_run_duration_seconds",
				Help:    "Run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "handoff_active_runs",
				Help: "Number of currently executing runs",
			},
		),
	}
}

// RecordPlanCreated records a new plan and its shape
func (c *Collector) RecordPlanCreated(waves, nodes int) {
	c.plansCreated.Inc()
	c.planWaves.Observe(float64(waves))
	c.planNodes.Observe(float64(nodes))
}

// RecordAttempt records a settled attempt
func (c *Collector) RecordAttempt(priority domain.Priority, outcome domain.AttemptOutcome, duration time.Duration) {
	c.attempts.WithLabelValues(string(priority), string(outcome)).Inc()
	c.attemptDuration.WithLabelValues(string(priority)).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry
func (c *Collector) RecordRetry(priority domain.Priority) {
	c.retries.WithLabelValues(string(priority)).Inc()
}

// RecordBlocked records a node marked blocked
func (c *Collector) RecordBlocked(priority domain.Priority) {
	c.blocked.WithLabelValues(string(priority)).Inc()
}

// SetRunning sets the running attempt count for a priority tier
func (c *Collector) SetRunning(priority domain.Priority, count int) {
	c.running.WithLabelValues(string(priority)).Set(float64(count))
}

// RecordWaveCompleted records a finished wave
func (c *Collector) RecordWaveCompleted(terminalFailure bool) {
	c.wavesCompleted.WithLabelValues(strconv.FormatBool(terminalFailure)).Inc()
}

// RecordRunCompleted records a finished run
func (c *Collector) RecordRunCompleted(status domain.RunStatus, duration time.Duration) {
	c.runsCompleted.WithLabelValues(string(status)).Inc()
	c.runDuration.Observe(duration.Seconds())
}

// SetActiveRuns sets the number of currently executing runs
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}
