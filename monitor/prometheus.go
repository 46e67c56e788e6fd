package monitor

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentpool"

// Metrics bundles the Prometheus collectors exported by the controller.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	tasksTotal        *prometheus.CounterVec
	agentsLive        *prometheus.GaugeVec
	enginesLive       prometheus.Gauge
	alertsTotal       *prometheus.CounterVec
	indicatorValue    *prometheus.GaugeVec
}

// MustNewMetrics registers the pool collectors on reg and returns them.
// Registering the same collector twice reuses the existing one, so multiple
// controllers can safely share a registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_operations_total",
			Help:      "Engine operations by task category and outcome.",
		}, []string{"category", "status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_operation_duration_seconds",
			Help:      "Engine operation latency by task category.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tasks_total",
			Help:      "Tasks processed by agent class and outcome.",
		}, []string{"class", "status"}),
		agentsLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_live",
			Help:      "Live agents by class.",
		}, []string{"class"}),
		enginesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engines_live",
			Help:      "Live engines across all agents.",
		}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by level and indicator.",
		}, []string{"level", "indicator"}),
		indicatorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indicator_value",
			Help:      "Smoothed health indicator values.",
		}, []string{"indicator"}),
	}

	m.operationsTotal = mustRegister(reg, m.operationsTotal).(*prometheus.CounterVec)
	m.operationDuration = mustRegister(reg, m.operationDuration).(*prometheus.HistogramVec)
	m.tasksTotal = mustRegister(reg, m.tasksTotal).(*prometheus.CounterVec)
	m.agentsLive = mustRegister(reg, m.agentsLive).(*prometheus.GaugeVec)
	m.enginesLive = mustRegister(reg, m.enginesLive).(prometheus.Gauge)
	m.alertsTotal = mustRegister(reg, m.alertsTotal).(*prometheus.CounterVec)
	m.indicatorValue = mustRegister(reg, m.indicatorValue).(*prometheus.GaugeVec)

	return m
}

func mustRegister(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observeOperation(category, status string, delta float64) {
	m.operationsTotal.WithLabelValues(category, status).Add(delta)
}

func (m *Metrics) observeDuration(category string, d time.Duration) {
	m.operationDuration.WithLabelValues(category).Observe(d.Seconds())
}

func (m *Metrics) observeTask(class, status string, delta float64) {
	m.tasksTotal.WithLabelValues(class, status).Add(delta)
}

func (m *Metrics) setAgents(class string, v float64) {
	m.agentsLive.WithLabelValues(class).Set(v)
}

func (m *Metrics) setEngines(v float64) {
	m.enginesLive.Set(v)
}

func (m *Metrics) observeAlert(level Level, indicator string) {
	m.alertsTotal.WithLabelValues(level.String(), indicator).Inc()
}

func (m *Metrics) setIndicator(indicator string, v float64) {
	m.indicatorValue.WithLabelValues(indicator).Set(v)
}
