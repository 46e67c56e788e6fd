// Package orchestrator coordinates the agent pool, the metrics controller
// and the external collaborators. It seeds the initial population, dispatches
// tasks, applies scaling decisions (manual and alert-driven) and owns the
// graceful shutdown sequence.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentpool/agent"
	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/logging"
	"github.com/hupe1980/agentpool/monitor"
	"github.com/hupe1980/agentpool/pool"
)

const (
	// DefaultBroadcastInterval is the cadence of the periodic status event.
	DefaultBroadcastInterval = 10 * time.Second
	// DefaultStepFraction is the auto-scale growth per trigger.
	DefaultStepFraction = 0.1
	// DefaultStandardShare is the fraction of auto-scaled agents created as
	// standard class; the remainder are enhanced.
	DefaultStandardShare = 0.7
	// DefaultMaxTotalAgents caps the population across both classes.
	DefaultMaxTotalAgents = 60
)

// Options configures an Orchestrator.
type Options struct {
	Logger logging.Logger
	// Bus carries alert, scaling and status events. A private bus is created
	// when nil.
	Bus *core.Bus
	// Ledger is notified of agent registrations and task results. Nil
	// disables the integration.
	Ledger core.LedgerClient
	// Store archives task results by content id. Nil disables archiving.
	Store core.ContentStore

	// InitialStandard and InitialEnhanced are the agents seeded by Start.
	InitialStandard int
	InitialEnhanced int

	// ScalingEnabled gates the alert-driven feedback loop. Manual scaling is
	// always available.
	ScalingEnabled bool
	MaxTotalAgents int
	StepFraction   float64
	StandardShare  float64

	BroadcastInterval time.Duration
}

// Orchestrator wires the pool and monitor together and reacts to alerts.
type Orchestrator struct {
	opts    Options
	logger  logging.Logger
	pool    *pool.Pool
	monitor *monitor.Controller
	bus     *core.Bus

	scaling  atomic.Bool // single-flight guard for AutoScale
	started  atomic.Bool
	shutdown sync.Once

	// mu guards closed and orders background wg.Add against wg.Wait in
	// GracefulShutdown.
	mu     sync.Mutex
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an orchestrator over an existing pool and monitor.
func New(p *pool.Pool, mon *monitor.Controller, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		ScalingEnabled:    true,
		MaxTotalAgents:    DefaultMaxTotalAgents,
		StepFraction:      DefaultStepFraction,
		StandardShare:     DefaultStandardShare,
		BroadcastInterval: DefaultBroadcastInterval,
		InitialStandard:   2,
		InitialEnhanced:   1,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Bus == nil {
		opts.Bus = core.NewBus()
	}
	if opts.StepFraction <= 0 || opts.StepFraction > 1 {
		opts.StepFraction = DefaultStepFraction
	}
	if opts.StandardShare < 0 || opts.StandardShare > 1 {
		opts.StandardShare = DefaultStandardShare
	}
	if opts.MaxTotalAgents <= 0 {
		opts.MaxTotalAgents = DefaultMaxTotalAgents
	}
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = DefaultBroadcastInterval
	}

	return &Orchestrator{
		opts:    opts,
		logger:  logging.OrNoOp(opts.Logger).With("component", "orchestrator"),
		pool:    p,
		monitor: mon,
		bus:     opts.Bus,
		stop:    make(chan struct{}),
	}
}

// Bus exposes the event bus so observers (the server's websocket hub, tests)
// can subscribe.
func (o *Orchestrator) Bus() *core.Bus { return o.bus }

// Pool returns the managed agent pool.
func (o *Orchestrator) Pool() *pool.Pool { return o.pool }

// Monitor returns the metrics controller.
func (o *Orchestrator) Monitor() *monitor.Controller { return o.monitor }

// Start seeds the initial agent population, starts the metrics sampler and
// launches the alert listener and the periodic status broadcast. Calling
// Start twice is an error.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator already started")
	}

	if o.opts.InitialStandard > 0 {
		if _, err := o.CreateAgents(ctx, core.ClassStandard, o.opts.InitialStandard); err != nil {
			return fmt.Errorf("seed standard agents: %w", err)
		}
	}
	if o.opts.InitialEnhanced > 0 {
		if _, err := o.CreateAgents(ctx, core.ClassEnhanced, o.opts.InitialEnhanced); err != nil {
			return fmt.Errorf("seed enhanced agents: %w", err)
		}
	}

	o.monitor.Start()

	alerts, cancelAlerts := o.bus.Subscribe(64)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancelAlerts()
		o.alertLoop(alerts)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.broadcastLoop()
	}()

	o.logger.Info("orchestrator started",
		"standard", o.pool.Count(core.ClassStandard),
		"enhanced", o.pool.Count(core.ClassEnhanced),
	)
	return nil
}

func (o *Orchestrator) alertLoop(events <-chan core.Event) {
	for {
		select {
		case <-o.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != core.EventAlert {
				continue
			}
			alert, ok := ev.Payload.(monitor.Alert)
			if !ok {
				continue
			}
			o.handleAlert(alert)
		}
	}
}

// handleAlert grows the pool on critical resource pressure. Error-rate and
// latency alerts are surfaced but never auto-scaled: more agents do not fix
// failing handlers.
func (o *Orchestrator) handleAlert(alert monitor.Alert) {
	if !o.opts.ScalingEnabled || alert.Level < monitor.LevelCritical {
		return
	}
	switch alert.Indicator {
	case monitor.IndicatorCPU, monitor.IndicatorMemory:
		o.AutoScale(context.Background(), alert)
	}
}

func (o *Orchestrator) broadcastLoop() {
	ticker := time.NewTicker(o.opts.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.bus.Publish(core.NewEvent(core.EventStatus, o.Status()))
		}
	}
}

// isClosed reports whether graceful shutdown has begun.
func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// CreateAgents creates up to n agents of the given class and registers each
// with the ledger. The returned ids are the agents actually created; hitting
// the class ceiling is not an error. Requests arriving after graceful
// shutdown began are rejected with ErrShuttingDown.
func (o *Orchestrator) CreateAgents(ctx context.Context, class core.AgentClass, n int) ([]string, error) {
	if o.isClosed() {
		return nil, core.ErrShuttingDown
	}
	if !class.Valid() {
		return nil, fmt.Errorf("unknown agent class %q", class)
	}
	if n <= 0 {
		return nil, nil
	}

	ids := o.pool.CreateAgents(class, n)
	for _, id := range ids {
		o.bus.Publish(core.NewEvent(core.EventAgentCreated, core.AgentInfo{ID: id, Class: class}))
		o.registerAgent(ctx, id, class)
	}
	return ids, nil
}

func (o *Orchestrator) registerAgent(ctx context.Context, id string, class core.AgentClass) {
	if o.opts.Ledger == nil {
		return
	}
	ag, ok := o.pool.Get(id)
	if !ok {
		return
	}
	txID, err := o.opts.Ledger.Register(ctx, ag.Info())
	if err != nil {
		o.logger.Error("ledger registration failed", "agent", id, "error", err)
		return
	}
	o.logger.Debug("agent registered on ledger", "agent", id, "class", class, "tx", txID)
}

// ScaleAgents adjusts the per-class populations toward the given targets and
// returns the signed delta achieved per class. Targets are clamped to
// [0, ceiling]; a scaling event is published when anything changed.
func (o *Orchestrator) ScaleAgents(ctx context.Context, standard, enhanced int) (map[core.AgentClass]int, error) {
	if o.isClosed() {
		return nil, core.ErrShuttingDown
	}
	targets := map[core.AgentClass]int{
		core.ClassStandard: standard,
		core.ClassEnhanced: enhanced,
	}

	deltas := make(map[core.AgentClass]int, len(targets))
	for _, class := range core.Classes() {
		target := targets[class]
		if target < 0 {
			target = 0
		}
		if max := o.pool.MaxAgents(class); target > max {
			target = max
		}

		current := o.pool.Count(class)
		switch {
		case target > current:
			ids, err := o.CreateAgents(ctx, class, target-current)
			if err != nil {
				return deltas, err
			}
			deltas[class] = len(ids)
		case target < current:
			removed := o.pool.RemoveAgents(class, current-target)
			for i := 0; i < removed; i++ {
				o.bus.Publish(core.NewEvent(core.EventAgentRemoved, class))
			}
			deltas[class] = -removed
		default:
			deltas[class] = 0
		}
	}

	if deltas[core.ClassStandard] != 0 || deltas[core.ClassEnhanced] != 0 {
		o.publishScaling("manual", deltas)
	}
	return deltas, nil
}

// ScalingDecision is the payload of EventScaling events.
type ScalingDecision struct {
	Reason    string                  `json:"reason"`
	Deltas    map[core.AgentClass]int `json:"deltas"`
	Total     int                     `json:"total"`
	Timestamp time.Time               `json:"timestamp"`
}

func (o *Orchestrator) publishScaling(reason string, deltas map[core.AgentClass]int) {
	decision := ScalingDecision{
		Reason:    reason,
		Deltas:    deltas,
		Total:     o.pool.Count(core.ClassStandard) + o.pool.Count(core.ClassEnhanced),
		Timestamp: time.Now(),
	}
	o.bus.Publish(core.NewEvent(core.EventScaling, decision))
	o.logger.Info("scaling applied",
		"reason", reason,
		"standard_delta", deltas[core.ClassStandard],
		"enhanced_delta", deltas[core.ClassEnhanced],
		"total", decision.Total,
	)
}

// AutoScale grows the pool by StepFraction of the current total (at least
// one agent), capped at MaxTotalAgents and split StandardShare/rest between
// the classes. Concurrent triggers collapse into one: while a scale-up is in
// progress further calls return false immediately.
func (o *Orchestrator) AutoScale(ctx context.Context, trigger monitor.Alert) bool {
	if !o.scaling.CompareAndSwap(false, true) {
		return false
	}
	defer o.scaling.Store(false)

	total := o.pool.Count(core.ClassStandard) + o.pool.Count(core.ClassEnhanced)
	if total >= o.opts.MaxTotalAgents {
		o.logger.Warn("auto-scale skipped, population at ceiling",
			"total", total, "ceiling", o.opts.MaxTotalAgents)
		return false
	}

	growth := int(math.Ceil(float64(total) * o.opts.StepFraction))
	if growth < 1 {
		growth = 1
	}
	if total+growth > o.opts.MaxTotalAgents {
		growth = o.opts.MaxTotalAgents - total
	}

	std := int(math.Round(float64(growth) * o.opts.StandardShare))
	enh := growth - std

	deltas := map[core.AgentClass]int{}
	if std > 0 {
		ids, _ := o.CreateAgents(ctx, core.ClassStandard, std)
		deltas[core.ClassStandard] = len(ids)
	}
	if enh > 0 {
		ids, _ := o.CreateAgents(ctx, core.ClassEnhanced, enh)
		deltas[core.ClassEnhanced] = len(ids)
	}

	if deltas[core.ClassStandard] == 0 && deltas[core.ClassEnhanced] == 0 {
		return false
	}
	o.publishScaling(fmt.Sprintf("auto:%s:%s", trigger.Level, trigger.Indicator), deltas)
	return true
}

// DispatchTask routes a task to the named agent and returns its result. The
// result is archived to the content store and submitted to the ledger
// asynchronously; collaborator failures are logged, never propagated to the
// caller.
func (o *Orchestrator) DispatchTask(ctx context.Context, agentID string, task core.Task) (core.TaskResult, error) {
	if o.isClosed() {
		return core.TaskResult{}, core.ErrShuttingDown
	}
	ag, ok := o.pool.Get(agentID)
	if !ok {
		return core.TaskResult{}, fmt.Errorf("agent %s: %w", agentID, core.ErrNotFound)
	}

	result, err := ag.ProcessTask(ctx, task)
	if err != nil {
		return core.TaskResult{}, err
	}

	o.archiveResult(task.ID, result)
	return result, nil
}

func (o *Orchestrator) archiveResult(taskID string, result core.TaskResult) {
	if o.opts.Ledger == nil && o.opts.Store == nil {
		return
	}

	// The Add must not race GracefulShutdown's Wait: it only happens while
	// the orchestrator is still open, under the same lock that flips closed.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if o.opts.Store != nil {
			data, err := json.Marshal(result)
			if err == nil {
				if id, err := o.opts.Store.Put(ctx, data); err == nil {
					o.logger.Debug("result archived", "task", taskID, "content_id", id)
				} else {
					o.logger.Error("result archive failed", "task", taskID, "error", err)
				}
			}
		}
		if o.opts.Ledger != nil {
			if txID, err := o.opts.Ledger.SubmitResult(ctx, taskID, result); err != nil {
				o.logger.Error("ledger submission failed", "task", taskID, "error", err)
			} else {
				o.logger.Debug("result submitted to ledger", "task", taskID, "tx", txID)
			}
		}
	}()
}

// Status is a point-in-time summary broadcast to observers.
type Status struct {
	Timestamp    time.Time               `json:"timestamp"`
	Agents       map[core.AgentClass]int `json:"agents"`
	TotalAgents  int                     `json:"total_agents"`
	TotalEngines int                     `json:"total_engines"`
	Indicators   map[string]float64      `json:"indicators"`
	AlertCount   uint64                  `json:"alert_count"`
}

// Status assembles the current population and health summary.
func (o *Orchestrator) Status() Status {
	counts := o.pool.Counts()
	snap := o.monitor.CurrentMetrics()
	return Status{
		Timestamp:    time.Now(),
		Agents:       counts,
		TotalAgents:  counts[core.ClassStandard] + counts[core.ClassEnhanced],
		TotalEngines: o.pool.TotalEngines(),
		Indicators:   snap.Indicators,
		AlertCount:   snap.AlertCount,
	}
}

// Report bundles metrics, per-agent detail, recent alerts and derived
// recommendations for the reporting endpoint.
type Report struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Status          Status           `json:"status"`
	Metrics         monitor.Snapshot `json:"metrics"`
	Agents          []agent.Metrics  `json:"agents"`
	RecentAlerts    []monitor.Alert  `json:"recent_alerts"`
	Recommendations []string         `json:"recommendations"`
}

const recentAlertLimit = 20

// Report assembles the full system report.
func (o *Orchestrator) Report() Report {
	snap := o.monitor.CurrentMetrics()

	agents := o.pool.All()
	details := make([]agent.Metrics, 0, len(agents))
	for _, ag := range agents {
		details = append(details, ag.Snapshot())
	}

	alerts := o.monitor.Alerts(monitor.LevelInfo)
	if len(alerts) > recentAlertLimit {
		alerts = alerts[len(alerts)-recentAlertLimit:]
	}

	return Report{
		GeneratedAt:     time.Now(),
		Status:          o.Status(),
		Metrics:         snap,
		Agents:          details,
		RecentAlerts:    alerts,
		Recommendations: recommendations(snap),
	}
}

func recommendations(snap monitor.Snapshot) []string {
	var out []string
	if snap.Indicators[monitor.IndicatorCPU] >= 0.7 {
		out = append(out, "cpu pressure is elevated; consider raising the worker count or agent ceilings")
	}
	if snap.Indicators[monitor.IndicatorMemory] >= 0.7 {
		out = append(out, "memory usage is near budget; consider raising memory_budget_bytes or reducing engines per agent")
	}
	if snap.Indicators[monitor.IndicatorErrorRate] >= 0.1 {
		out = append(out, "operation error rate is elevated; inspect recent alerts and failing task categories")
	}
	if snap.Indicators[monitor.IndicatorLatency] >= 1 {
		out = append(out, "operation latency is high; consider adding engines to busy agents")
	}
	if len(out) == 0 {
		out = append(out, "system operating within configured thresholds")
	}
	return out
}

// GracefulShutdown stops the background loops, the metrics sampler and every
// agent in the pool. Idempotent; the first call wins and later calls return
// immediately.
func (o *Orchestrator) GracefulShutdown(ctx context.Context) {
	o.shutdown.Do(func() {
		o.logger.Info("graceful shutdown initiated")

		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()

		close(o.stop)

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			o.logger.Warn("shutdown wait aborted", "error", ctx.Err())
		}

		o.monitor.Stop()
		o.pool.Shutdown()
		o.logger.Info("graceful shutdown complete")
	})
}
