package core

import "time"

// MetricsRecorder is the narrow ingestion interface injected into engines,
// agents and the pool. Implementations must be safe for concurrent use and
// must never block the caller; recording is side-effect only.
//
// The monitor package provides the production implementation; NoOpRecorder
// serves as the default and as a test double.
type MetricsRecorder interface {
	// RecordCounter adds delta to a named counter.
	RecordCounter(name string, delta float64, labels map[string]string)
	// RecordDuration records one observation of a named duration.
	RecordDuration(name string, d time.Duration, labels map[string]string)
	// SetGauge sets a named gauge to value.
	SetGauge(name string, value float64, labels map[string]string)
}

// Well-known metric names recorded by the framework. The monitor maps these
// onto its Prometheus collectors and alerting indicators; unknown names are
// retained as plain counters/gauges.
const (
	MetricOperationsTotal   = "engine_operations_total"
	MetricOperationDuration = "engine_operation_duration"
	MetricTasksTotal        = "agent_tasks_total"
	MetricAgentsLive        = "pool_agents_live"
	MetricEnginesLive       = "pool_engines_live"
)

// Label keys used with the well-known metrics.
const (
	LabelCategory = "category"
	LabelStatus   = "status"
	LabelClass    = "class"
)

// Status label values.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// NoOpRecorder discards all recordings. Useful as a default and in tests.
type NoOpRecorder struct{}

// RecordCounter discards the recording.
func (NoOpRecorder) RecordCounter(string, float64, map[string]string) {}

// RecordDuration discards the recording.
func (NoOpRecorder) RecordDuration(string, time.Duration, map[string]string) {}

// SetGauge discards the recording.
func (NoOpRecorder) SetGauge(string, float64, map[string]string) {}
