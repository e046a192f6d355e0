// Package metrics exposes prometheus instrumentation for the
// recurring billing engine.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	PlanOutcomeGenerated = "generated"
	PlanOutcomeSkipped   = "skipped"
	PlanOutcomeFailed    = "failed"
)

type Config struct {
	ServiceName string
	Environment string
}

// EngineMetrics captures recurring-run health signals.
type EngineMetrics struct {
	runs          prometheus.Counter
	runDuration   prometheus.Observer
	planOutcomes  *prometheus.CounterVec
	notifyFailed  prometheus.Counter
	numberRetries prometheus.Counter
	lockWait      prometheus.Observer
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "ez360pm"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "ez360pm_recurring_runs_total",
		Help:        "Total recurring billing runs started.",
		ConstLabels: constLabels,
	})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "ez360pm_recurring_run_duration_seconds",
		Help:        "Duration of a recurring billing run.",
		ConstLabels: constLabels,
		Buckets:     prometheus.DefBuckets,
	})
	planOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "ez360pm_recurring_plan_outcomes_total",
		Help:        "Per-plan outcomes of recurring billing runs.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	notifyFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "ez360pm_recurring_notify_failures_total",
		Help:        "Notification deliveries that failed after document creation.",
		ConstLabels: constLabels,
	})
	numberRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "ez360pm_document_number_retries_total",
		Help:        "Document number allocations retried after a uniqueness conflict.",
		ConstLabels: constLabels,
	})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "ez360pm_plan_lock_wait_seconds",
		Help:        "Time spent acquiring plan row locks.",
		ConstLabels: constLabels,
		Buckets:     []float64{.001, .005, .01, .05, .1, .5, 1},
	})

	registerer.MustRegister(runs, runDuration, planOutcomes, notifyFailed, numberRetries, lockWait)

	return &EngineMetrics{
		runs:          runs,
		runDuration:   runDuration,
		planOutcomes:  planOutcomes,
		notifyFailed:  notifyFailed,
		numberRetries: numberRetries,
		lockWait:      lockWait,
	}
}

func (m *EngineMetrics) IncRun() {
	if m == nil {
		return
	}
	m.runs.Inc()
}

func (m *EngineMetrics) ObserveRunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}

func (m *EngineMetrics) IncPlanOutcome(outcome string) {
	if m == nil {
		return
	}
	m.planOutcomes.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) AddPlanOutcome(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.planOutcomes.WithLabelValues(outcome).Add(float64(count))
}

func (m *EngineMetrics) IncNotifyFailure() {
	if m == nil {
		return
	}
	m.notifyFailed.Inc()
}

func (m *EngineMetrics) IncNumberRetry() {
	if m == nil {
		return
	}
	m.numberRetries.Inc()
}

func (m *EngineMetrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}
