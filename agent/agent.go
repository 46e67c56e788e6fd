// Package agent implements the capacity-bounded owner of engines. An agent
// routes each task to a deterministic subset of its engines sized by the
// task category, runs them concurrently, and aggregates the results into a
// single TaskResult.
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/engine"
	"github.com/hupe1980/agentpool/logging"
)

// Options configures an Agent instance.
type Options struct {
	// MaxEngines is the per-agent engine ceiling. Defaults to 10.
	MaxEngines int

	// Capabilities are free-form capability flags attached to the agent and
	// inherited by its engines.
	Capabilities []string

	// Handlers serves every engine the agent creates. Defaults to the
	// standard registry with the local inference backend.
	Handlers *engine.HandlerRegistry

	// Recorder receives task counters. Defaults to core.NoOpRecorder.
	Recorder core.MetricsRecorder

	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger

	// EngineOptions is applied to every engine the agent creates, after the
	// agent's own wiring (recorder, logger, capabilities).
	EngineOptions []func(o *engine.Options)
}

// DefaultMaxEngines is the per-agent engine ceiling when none is configured.
const DefaultMaxEngines = 10

// Agent owns a bounded, ordered set of engines. Engines are kept in creation
// order; routing always selects a prefix of that order so results stay
// deterministic for a given engine set.
type Agent struct {
	id           string
	class        core.AgentClass
	capabilities []string
	createdAt    time.Time

	maxEngines int
	handlers   *engine.HandlerRegistry
	recorder   core.MetricsRecorder
	logger     logging.Logger
	engineOpts []func(o *engine.Options)

	mu       sync.Mutex
	engines  []*engine.Engine // creation order
	byID     map[string]*engine.Engine
	status   core.AgentStatus
	shutdown bool

	tasksProcessed atomic.Uint64
	tasksFailed    atomic.Uint64
}

// New constructs an active agent of the given class with zero engines.
func New(class core.AgentClass, optFns ...func(o *Options)) *Agent {
	opts := Options{
		MaxEngines: DefaultMaxEngines,
		Recorder:   core.NoOpRecorder{},
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Handlers == nil {
		opts.Handlers = engine.NewHandlerRegistry(nil)
	}
	if opts.MaxEngines <= 0 {
		opts.MaxEngines = DefaultMaxEngines
	}

	id := core.NewID()
	return &Agent{
		id:           id,
		class:        class,
		capabilities: opts.Capabilities,
		createdAt:    time.Now(),
		maxEngines:   opts.MaxEngines,
		handlers:     opts.Handlers,
		recorder:     opts.Recorder,
		logger:       logging.OrNoOp(opts.Logger).With("agent_id", id, "class", string(class)),
		engineOpts:   opts.EngineOptions,
		byID:         make(map[string]*engine.Engine),
		status:       core.AgentActive,
	}
}

// ID returns the agent's unique identifier.
func (a *Agent) ID() string { return a.id }

// Class returns the agent's class.
func (a *Agent) Class() core.AgentClass { return a.class }

// Capabilities returns the agent's capability flags.
func (a *Agent) Capabilities() []string { return a.capabilities }

// Status returns the agent's lifecycle state.
func (a *Agent) Status() core.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Info returns the identifying details registered with external
// collaborators.
func (a *Agent) Info() core.AgentInfo {
	return core.AgentInfo{ID: a.id, Class: a.class, Capabilities: a.capabilities}
}

// CreateEngine adds one engine and returns its id. The capacity check and
// insertion happen under the same lock, so concurrent callers can never
// jointly exceed the ceiling.
func (a *Agent) CreateEngine() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shutdown {
		return "", fmt.Errorf("agent %s: %w", a.id, core.ErrShuttingDown)
	}
	if len(a.engines) >= a.maxEngines {
		return "", fmt.Errorf("agent %s at engine ceiling %d: %w", a.id, a.maxEngines, core.ErrCapacityExceeded)
	}
	return a.addEngineLocked(), nil
}

// CreateEngines adds up to n engines, stopping early at the ceiling without
// failing the call. It returns the ids actually created.
func (a *Agent) CreateEngines(n int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shutdown {
		return nil
	}
	ids := make([]string, 0, n)
	for i := 0; i < n && len(a.engines) < a.maxEngines; i++ {
		ids = append(ids, a.addEngineLocked())
	}
	return ids
}

func (a *Agent) addEngineLocked() string {
	optFns := append([]func(o *engine.Options){func(o *engine.Options) {
		o.Capabilities = a.capabilities
		o.Recorder = a.recorder
		o.Logger = a.logger
	}}, a.engineOpts...)

	eng := engine.New(a.id, a.handlers, optFns...)
	a.engines = append(a.engines, eng)
	a.byID[eng.ID()] = eng
	return eng.ID()
}

// RemoveEngine detaches the engine and shuts it down. Unknown ids are a
// no-op.
func (a *Agent) RemoveEngine(id string) {
	a.mu.Lock()
	eng, ok := a.byID[id]
	if ok {
		delete(a.byID, id)
		for i, e := range a.engines {
			if e.ID() == id {
				a.engines = append(a.engines[:i], a.engines[i+1:]...)
				break
			}
		}
	}
	a.mu.Unlock()

	if ok {
		eng.Shutdown()
	}
}

// EngineCount returns the number of live engines.
func (a *Agent) EngineCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.engines)
}

// Engine returns the engine with the given id.
func (a *Agent) Engine(id string) (*engine.Engine, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	eng, ok := a.byID[id]
	return eng, ok
}

// Engines returns a snapshot of the live engines in creation order.
func (a *Agent) Engines() []*engine.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*engine.Engine, len(a.engines))
	copy(out, a.engines)
	return out
}

// Scale adds or removes engines toward target, bounded by the ceiling, and
// returns the signed delta achieved. Removal takes the most recently created
// engines first so the routing prefix stays stable.
func (a *Agent) Scale(target int) int {
	if target < 0 {
		target = 0
	}
	if target > a.maxEngines {
		target = a.maxEngines
	}

	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return 0
	}
	current := len(a.engines)
	delta := target - current

	var removed []*engine.Engine
	switch {
	case delta > 0:
		for i := 0; i < delta; i++ {
			a.addEngineLocked()
		}
	case delta < 0:
		removed = make([]*engine.Engine, -delta)
		copy(removed, a.engines[target:])
		for _, eng := range removed {
			delete(a.byID, eng.ID())
		}
		a.engines = a.engines[:target]
	}
	a.mu.Unlock()

	for _, eng := range removed {
		eng.Shutdown()
	}
	if delta != 0 {
		a.logger.Debug("scaled engines", "target", target, "delta", delta)
	}
	return delta
}

// Shutdown stops the agent and cascades to every engine. Idempotent.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}
	a.shutdown = true
	a.status = core.AgentShutdown
	engines := a.engines
	a.engines = nil
	a.byID = make(map[string]*engine.Engine)
	a.mu.Unlock()

	for _, eng := range engines {
		eng.Shutdown()
	}
	a.logger.Debug("agent shut down", "engines", len(engines))
}

// Metrics is a point-in-time snapshot of an agent and its engines.
type Metrics struct {
	ID             string           `json:"id"`
	Class          core.AgentClass  `json:"class"`
	Status         core.AgentStatus `json:"status"`
	EngineCount    int              `json:"engine_count"`
	TasksProcessed uint64           `json:"tasks_processed"`
	TasksFailed    uint64           `json:"tasks_failed"`
	CreatedAt      time.Time        `json:"created_at"`
	Engines        []engine.Metrics `json:"engines,omitempty"`
}

// Snapshot returns the agent's current metrics including per-engine detail.
func (a *Agent) Snapshot() Metrics {
	a.mu.Lock()
	status := a.status
	engines := make([]*engine.Engine, len(a.engines))
	copy(engines, a.engines)
	a.mu.Unlock()

	engineMetrics := make([]engine.Metrics, len(engines))
	for i, eng := range engines {
		engineMetrics[i] = eng.Snapshot()
	}

	return Metrics{
		ID:             a.id,
		Class:          a.class,
		Status:         status,
		EngineCount:    len(engines),
		TasksProcessed: a.tasksProcessed.Load(),
		TasksFailed:    a.tasksFailed.Load(),
		CreatedAt:      a.createdAt,
		Engines:        engineMetrics,
	}
}

// ProcessTask routes the task to a category-sized prefix of the engine set,
// dispatches concurrently, waits for all selected engines and aggregates:
// consensus when the mean confidence reaches core.ConsensusThreshold with at
// least two engines, the first engine's output as primary, the rest as
// alternatives.
//
// A task flagged Complex whose payload is a slice is decomposed instead: one
// subtask per element, each run through the same routing, combined into a
// Decomposition summary.
//
// An engine-level rejection surfaces as the task's failure; counters still
// record the attempt.
func (a *Agent) ProcessTask(ctx context.Context, task core.Task) (core.TaskResult, error) {
	if elements, ok := decomposable(task); ok {
		return a.processComplex(ctx, task, elements)
	}
	return a.processSimple(ctx, task)
}

func (a *Agent) processSimple(ctx context.Context, task core.Task) (core.TaskResult, error) {
	result, err := a.runSimple(ctx, task)
	a.recordTask(err == nil)
	return result, err
}

// runSimple routes the task without touching the task counters, so a
// decomposed complex task counts once, not once per subtask.
func (a *Agent) runSimple(ctx context.Context, task core.Task) (core.TaskResult, error) {
	start := time.Now()

	selected := a.selectEngines(task.Category)
	if len(selected) == 0 {
		return core.TaskResult{}, fmt.Errorf("agent %s: %w", a.id, core.ErrNoEligibleEngines)
	}

	// Fan out one operation per selected engine. Futures preserve the
	// submission order so the primary result is well-defined.
	futures := make([]*core.Future, len(selected))
	for i, eng := range selected {
		op := core.NewOperation(task)
		futures[i] = eng.Submit(op)
	}

	results := make([]core.Result, len(futures))
	var firstErr error
	for i, fut := range futures {
		res, err := fut.Await(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		results[i] = res
	}
	if firstErr != nil {
		return core.TaskResult{}, firstErr
	}

	var sum float64
	for _, r := range results {
		sum += r.Confidence
	}
	mean := sum / float64(len(results))

	return core.TaskResult{
		TaskID:         task.ID,
		AgentID:        a.id,
		Consensus:      len(results) >= 2 && mean >= core.ConsensusThreshold,
		MeanConfidence: mean,
		Primary:        results[0],
		Alternatives:   results[1:],
		Duration:       time.Since(start),
	}, nil
}

// processComplex splits the task into one subtask per payload element and
// combines the outcomes. Overall success requires every subtask to reach
// consensus.
func (a *Agent) processComplex(ctx context.Context, task core.Task, elements []any) (core.TaskResult, error) {
	start := time.Now()

	subtasks := make([]core.TaskResult, 0, len(elements))
	overall := true
	for _, element := range elements {
		sub := core.NewTask(task.Category, element)
		res, err := a.runSimple(ctx, sub)
		if err != nil {
			a.recordTask(false)
			return core.TaskResult{}, fmt.Errorf("subtask %s: %w", sub.ID, err)
		}
		overall = overall && res.Consensus
		subtasks = append(subtasks, res)
	}

	a.recordTask(true)
	return core.TaskResult{
		TaskID:   task.ID,
		AgentID:  a.id,
		Duration: time.Since(start),
		Decomposition: &core.Decomposition{
			SubtaskCount:   len(subtasks),
			OverallSuccess: overall,
			Subtasks:       subtasks,
		},
	}, nil
}

// selectEngines returns the routing subset for a category: the first
// Fanout(category) engines in creation order.
func (a *Agent) selectEngines(category core.TaskCategory) []*engine.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := category.Fanout()
	if k > len(a.engines) {
		k = len(a.engines)
	}
	out := make([]*engine.Engine, k)
	copy(out, a.engines[:k])
	return out
}

func (a *Agent) recordTask(ok bool) {
	status := core.StatusSucceeded
	if ok {
		a.tasksProcessed.Add(1)
	} else {
		a.tasksFailed.Add(1)
		status = core.StatusFailed
	}
	a.recorder.RecordCounter(core.MetricTasksTotal, 1, map[string]string{
		core.LabelClass:  string(a.class),
		core.LabelStatus: status,
	})
}

// decomposable reports whether the task splits into subtasks and returns the
// payload elements if so.
func decomposable(task core.Task) ([]any, bool) {
	if !task.Complex {
		return nil, false
	}
	elements, ok := task.Payload.([]any)
	if !ok || len(elements) == 0 {
		return nil, false
	}
	return elements, true
}
