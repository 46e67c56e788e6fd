// Package monitor implements the metrics and alerting controller. It ingests
// recordings through the core.MetricsRecorder interface, mirrors them onto
// Prometheus collectors, derives smoothed health indicators on a sampling
// interval and raises leveled alerts when indicators cross configured
// thresholds.
package monitor

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/logging"
)

// Health indicator names evaluated against thresholds.
const (
	IndicatorMemory    = "memory_fraction"
	IndicatorCPU       = "cpu_fraction"
	IndicatorErrorRate = "error_rate"
	IndicatorLatency   = "mean_latency_seconds"
)

const (
	// DefaultSampleInterval is how often the controller derives indicators.
	DefaultSampleInterval = 5 * time.Second
	// DefaultSmoothingWindow is the number of samples in the moving average.
	DefaultSmoothingWindow = 5
	// DefaultHistoryLimit caps the retained alert history.
	DefaultHistoryLimit = 1000
	// DefaultHistoryCompactTo is the size history is trimmed to once the
	// limit is hit. Older alerts are discarded first.
	DefaultHistoryCompactTo = 500

	// DefaultMemoryBudgetBytes is the heap budget the memory indicator is
	// expressed against.
	DefaultMemoryBudgetBytes = 1 << 30 // 1 GiB
	// DefaultGoroutineSaturation is the goroutine count treated as full
	// scheduler load for the cpu indicator.
	DefaultGoroutineSaturation = 10000
)

// DefaultThresholds returns the standard three-level threshold table.
func DefaultThresholds() map[string]Thresholds {
	return map[string]Thresholds{
		IndicatorMemory:    {Warning: 0.7, Critical: 0.85, Emergency: 0.95},
		IndicatorCPU:       {Warning: 0.7, Critical: 0.85, Emergency: 0.95},
		IndicatorErrorRate: {Warning: 0.1, Critical: 0.25, Emergency: 0.5},
		IndicatorLatency:   {Warning: 1, Critical: 5, Emergency: 15},
	}
}

// UsageSampler reports process resource usage as fractions of a budget.
// The default implementation reads runtime memory and scheduler statistics;
// tests inject fixed values.
type UsageSampler interface {
	MemoryFraction() float64
	CPUFraction() float64
}

type runtimeSampler struct {
	memoryBudget        uint64
	goroutineSaturation int
}

func (r *runtimeSampler) MemoryFraction() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return clamp01(float64(ms.HeapAlloc) / float64(r.memoryBudget))
}

// CPUFraction approximates scheduler pressure by live goroutines against a
// configured saturation point, raised by the fraction of CPU the garbage
// collector consumed since start.
func (r *runtimeSampler) CPUFraction() float64 {
	load := float64(runtime.NumGoroutine()) / float64(r.goroutineSaturation)
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return clamp01(load + ms.GCCPUFraction)
}

// Options configures a Controller.
type Options struct {
	Logger logging.Logger
	// Bus receives an EventAlert for every alert raised. Optional.
	Bus *core.Bus
	// Registry is the Prometheus registry collectors are registered on.
	// Defaults to a private registry; pass prometheus.DefaultRegisterer to
	// export via the default /metrics handler.
	Registry prometheus.Registerer
	// Thresholds per indicator. Defaults to DefaultThresholds. Indicators
	// without an entry are never alerted on.
	Thresholds map[string]Thresholds
	// SmoothingWindow is the moving-average length applied to indicator
	// samples before threshold evaluation.
	SmoothingWindow int
	// SampleInterval is the cadence of the background sampling loop.
	SampleInterval time.Duration
	// HistoryLimit and HistoryCompactTo bound the alert history.
	HistoryLimit     int
	HistoryCompactTo int

	MemoryBudgetBytes   uint64
	GoroutineSaturation int

	// Usage overrides the runtime-backed sampler. Mainly for tests.
	Usage UsageSampler
}

// Controller ingests metric recordings and evaluates system health. It
// implements core.MetricsRecorder and is safe for concurrent use.
type Controller struct {
	opts    Options
	logger  logging.Logger
	metrics *Metrics
	usage   UsageSampler

	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64

	opsTotal  float64
	opsFailed float64
	durSum    float64
	durCount  float64

	// previous cycle totals for per-interval deltas
	prevOpsTotal  float64
	prevOpsFailed float64
	prevDurSum    float64
	prevDurCount  float64

	samples    map[string][]float64
	indicators map[string]float64
	alerts     []Alert
	alertCount uint64

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a metrics controller.
func New(optFns ...func(o *Options)) *Controller {
	opts := Options{
		Thresholds:          DefaultThresholds(),
		SmoothingWindow:     DefaultSmoothingWindow,
		SampleInterval:      DefaultSampleInterval,
		HistoryLimit:        DefaultHistoryLimit,
		HistoryCompactTo:    DefaultHistoryCompactTo,
		MemoryBudgetBytes:   DefaultMemoryBudgetBytes,
		GoroutineSaturation: DefaultGoroutineSaturation,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.SmoothingWindow <= 0 {
		opts.SmoothingWindow = DefaultSmoothingWindow
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.HistoryCompactTo <= 0 || opts.HistoryCompactTo > opts.HistoryLimit {
		opts.HistoryCompactTo = opts.HistoryLimit / 2
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	usage := opts.Usage
	if usage == nil {
		usage = &runtimeSampler{
			memoryBudget:        opts.MemoryBudgetBytes,
			goroutineSaturation: opts.GoroutineSaturation,
		}
	}

	return &Controller{
		opts:       opts,
		logger:     logging.OrNoOp(opts.Logger).With("component", "monitor"),
		metrics:    MustNewMetrics(opts.Registry),
		usage:      usage,
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		samples:    make(map[string][]float64),
		indicators: make(map[string]float64),
	}
}

// RecordCounter adds delta to a named counter.
func (c *Controller) RecordCounter(name string, delta float64, labels map[string]string) {
	c.mu.Lock()
	c.counters[seriesKey(name, labels)] += delta

	switch name {
	case core.MetricOperationsTotal:
		c.opsTotal += delta
		switch labels[core.LabelStatus] {
		case core.StatusFailed, core.StatusRejected:
			c.opsFailed += delta
		}
	}
	c.mu.Unlock()

	switch name {
	case core.MetricOperationsTotal:
		c.metrics.observeOperation(labels[core.LabelCategory], labels[core.LabelStatus], delta)
	case core.MetricTasksTotal:
		c.metrics.observeTask(labels[core.LabelClass], labels[core.LabelStatus], delta)
	}
}

// RecordDuration records one observation of a named duration.
func (c *Controller) RecordDuration(name string, d time.Duration, labels map[string]string) {
	if name != core.MetricOperationDuration {
		return
	}

	c.mu.Lock()
	c.durSum += d.Seconds()
	c.durCount++
	c.mu.Unlock()

	c.metrics.observeDuration(labels[core.LabelCategory], d)
}

// SetGauge sets a named gauge to value.
func (c *Controller) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	c.gauges[seriesKey(name, labels)] = value
	c.mu.Unlock()

	switch name {
	case core.MetricAgentsLive:
		c.metrics.setAgents(labels[core.LabelClass], value)
	case core.MetricEnginesLive:
		c.metrics.setEngines(value)
	}
}

// Start launches the background sampling loop. Returns false when already
// running.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return false
	}
	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go c.loop(c.stop, c.done)
	return true
}

// Stop halts the sampling loop and waits for it to exit. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done
}

func (c *Controller) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.SampleAndEvaluate()
		}
	}
}

// SampleAndEvaluate derives the current indicator values, folds them into the
// smoothing window and raises alerts for crossed thresholds. It is called by
// the background loop and may be invoked directly (tests, forced checks).
// The returned alerts are the ones raised by this evaluation.
func (c *Controller) SampleAndEvaluate() []Alert {
	mem := c.usage.MemoryFraction()
	cpu := c.usage.CPUFraction()

	c.mu.Lock()
	dOps := c.opsTotal - c.prevOpsTotal
	dFailed := c.opsFailed - c.prevOpsFailed
	dDurSum := c.durSum - c.prevDurSum
	dDurCount := c.durCount - c.prevDurCount
	c.prevOpsTotal = c.opsTotal
	c.prevOpsFailed = c.opsFailed
	c.prevDurSum = c.durSum
	c.prevDurCount = c.durCount
	c.mu.Unlock()

	errRate := 0.0
	if dOps > 0 {
		errRate = dFailed / dOps
	}
	latency := 0.0
	if dDurCount > 0 {
		latency = dDurSum / dDurCount
	}

	var raised []Alert
	raised = append(raised, c.Observe(IndicatorMemory, mem)...)
	raised = append(raised, c.Observe(IndicatorCPU, cpu)...)
	raised = append(raised, c.Observe(IndicatorErrorRate, errRate)...)
	raised = append(raised, c.Observe(IndicatorLatency, latency)...)

	return raised
}

// Observe folds one raw sample for an indicator into its smoothing window and
// evaluates the smoothed value against the indicator's thresholds. At most one
// alert is raised per call, at the highest crossed level.
func (c *Controller) Observe(indicator string, value float64) []Alert {
	c.mu.Lock()

	window := append(c.samples[indicator], value)
	if len(window) > c.opts.SmoothingWindow {
		window = window[len(window)-c.opts.SmoothingWindow:]
	}
	c.samples[indicator] = window

	sum := 0.0
	for _, v := range window {
		sum += v
	}
	smoothed := sum / float64(len(window))
	c.indicators[indicator] = smoothed

	thresholds, watched := c.opts.Thresholds[indicator]
	c.mu.Unlock()

	c.metrics.setIndicator(indicator, smoothed)

	if !watched {
		return nil
	}
	level, threshold, crossed := thresholds.Evaluate(smoothed)
	if !crossed {
		return nil
	}

	alert := c.raise(level, indicator, smoothed, threshold)
	return []Alert{alert}
}

func (c *Controller) raise(level Level, indicator string, value, threshold float64) Alert {
	alert := Alert{
		ID:        core.NewID(),
		Level:     level,
		Indicator: indicator,
		Value:     value,
		Threshold: threshold,
		Message:   fmt.Sprintf("%s %.3f crossed %s threshold %.3f", indicator, value, level, threshold),
		Snapshot:  c.indicatorSnapshot(),
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.alerts = append(c.alerts, alert)
	c.alertCount++
	if len(c.alerts) >= c.opts.HistoryLimit {
		kept := c.alerts[len(c.alerts)-c.opts.HistoryCompactTo:]
		c.alerts = append(make([]Alert, 0, c.opts.HistoryLimit), kept...)
	}
	c.mu.Unlock()

	c.metrics.observeAlert(level, indicator)
	c.logger.Warn("alert raised",
		"level", level.String(),
		"indicator", indicator,
		"value", value,
		"threshold", threshold,
	)
	if c.opts.Bus != nil {
		c.opts.Bus.Publish(core.NewEvent(core.EventAlert, alert))
	}

	return alert
}

// Alerts returns the retained alert history at or above min, newest last.
func (c *Controller) Alerts(min Level) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Alert, 0, len(c.alerts))
	for _, a := range c.alerts {
		if a.Level >= min {
			out = append(out, a)
		}
	}
	return out
}

// AlertCount returns the total number of alerts raised since start, including
// ones compacted out of the history.
func (c *Controller) AlertCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alertCount
}

// Snapshot is a point-in-time view of ingested metrics and derived
// indicators.
type Snapshot struct {
	Timestamp  time.Time          `json:"timestamp"`
	Indicators map[string]float64 `json:"indicators"`
	Counters   map[string]float64 `json:"counters"`
	Gauges     map[string]float64 `json:"gauges"`
	Operations OperationTotals    `json:"operations"`
	AlertCount uint64             `json:"alert_count"`
}

// OperationTotals aggregates engine operation activity since start.
type OperationTotals struct {
	Total          float64 `json:"total"`
	Failed         float64 `json:"failed"`
	MeanDurationMS float64 `json:"mean_duration_ms"`
}

// CurrentMetrics returns a copy of the controller's current state.
func (c *Controller) CurrentMetrics() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Timestamp:  time.Now(),
		Indicators: make(map[string]float64, len(c.indicators)),
		Counters:   make(map[string]float64, len(c.counters)),
		Gauges:     make(map[string]float64, len(c.gauges)),
		Operations: OperationTotals{Total: c.opsTotal, Failed: c.opsFailed},
		AlertCount: c.alertCount,
	}
	for k, v := range c.indicators {
		snap.Indicators[k] = v
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.gauges {
		snap.Gauges[k] = v
	}
	if c.durCount > 0 {
		snap.Operations.MeanDurationMS = c.durSum / c.durCount * 1000
	}
	return snap
}

func (c *Controller) indicatorSnapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]float64, len(c.indicators))
	for k, v := range c.indicators {
		out[k] = v
	}
	return out
}

// seriesKey flattens a metric name and its labels into a stable map key.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
