// Package pool implements the bounded, class-partitioned registry of live
// agents. All mutation is atomic against the per-class capacity check:
// remaining capacity is re-checked at the moment of insertion, so concurrent
// creates can never jointly exceed a ceiling.
package pool

import (
	"sync"

	"github.com/hupe1980/agentpool/agent"
	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/engine"
	"github.com/hupe1980/agentpool/logging"
)

// Options configures a Pool instance.
type Options struct {
	// MaxAgents is the per-class agent ceiling. Classes without an entry use
	// DefaultMaxAgents.
	MaxAgents map[core.AgentClass]int

	// MaxEnginesPerAgent is the ceiling passed to every agent. Defaults to
	// agent.DefaultMaxEngines.
	MaxEnginesPerAgent int

	// InitialEngines is the number of engines created (best-effort) on each
	// new agent. Enhanced agents get one more.
	InitialEngines int

	// Handlers serves every engine in the pool. Defaults to the standard
	// registry with the local inference backend.
	Handlers *engine.HandlerRegistry

	// Recorder receives pool gauges and is forwarded to agents and engines.
	// Defaults to core.NoOpRecorder.
	Recorder core.MetricsRecorder

	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger
}

// DefaultMaxAgents is the per-class ceiling when none is configured.
const DefaultMaxAgents = 50

// capabilities granted per class; enhanced agents advertise the full set.
var classCapabilities = map[core.AgentClass][]string{
	core.ClassStandard: {"analysis", "generic"},
	core.ClassEnhanced: {"analysis", "generic", "language-processing", "learning-prediction", "pattern-recognition", "decision"},
}

// Pool is the process-lifetime registry of live agents, partitioned by
// class. It is safe for concurrent use.
type Pool struct {
	maxAgents          map[core.AgentClass]int
	maxEnginesPerAgent int
	initialEngines     int
	handlers           *engine.HandlerRegistry
	recorder           core.MetricsRecorder
	logger             logging.Logger

	mu     sync.Mutex
	agents map[core.AgentClass]map[string]*agent.Agent
	order  map[core.AgentClass][]string // insertion order, for removal
	index  map[string]core.AgentClass   // id -> class, for Get
}

// New constructs an empty pool.
func New(optFns ...func(o *Options)) *Pool {
	opts := Options{
		MaxEnginesPerAgent: agent.DefaultMaxEngines,
		InitialEngines:     2,
		Recorder:           core.NoOpRecorder{},
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Handlers == nil {
		opts.Handlers = engine.NewHandlerRegistry(nil)
	}

	maxAgents := make(map[core.AgentClass]int, len(core.Classes()))
	for _, class := range core.Classes() {
		maxAgents[class] = DefaultMaxAgents
		if n, ok := opts.MaxAgents[class]; ok && n > 0 {
			maxAgents[class] = n
		}
	}

	p := &Pool{
		maxAgents:          maxAgents,
		maxEnginesPerAgent: opts.MaxEnginesPerAgent,
		initialEngines:     opts.InitialEngines,
		handlers:           opts.Handlers,
		recorder:           opts.Recorder,
		logger:             logging.OrNoOp(opts.Logger),
		agents:             make(map[core.AgentClass]map[string]*agent.Agent),
		order:              make(map[core.AgentClass][]string),
		index:              make(map[string]core.AgentClass),
	}
	for _, class := range core.Classes() {
		p.agents[class] = make(map[string]*agent.Agent)
	}
	return p
}

// MaxAgents returns the ceiling for the given class.
func (p *Pool) MaxAgents(class core.AgentClass) int { return p.maxAgents[class] }

// CreateAgents creates up to n agents of the given class, stopping at the
// class ceiling. It returns the ids actually created and never errors on its
// own; callers detect exhaustion from a short (or empty) result.
func (p *Pool) CreateAgents(class core.AgentClass, n int) []string {
	if !class.Valid() || n <= 0 {
		return nil
	}

	p.mu.Lock()
	remaining := p.maxAgents[class] - len(p.agents[class])
	allowed := n
	if allowed > remaining {
		allowed = remaining
	}

	created := make([]*agent.Agent, 0, allowed)
	ids := make([]string, 0, allowed)
	for i := 0; i < allowed; i++ {
		a := agent.New(class, func(o *agent.Options) {
			o.MaxEngines = p.maxEnginesPerAgent
			o.Capabilities = classCapabilities[class]
			o.Handlers = p.handlers
			o.Recorder = p.recorder
			o.Logger = p.logger
		})
		p.agents[class][a.ID()] = a
		p.order[class] = append(p.order[class], a.ID())
		p.index[a.ID()] = class
		created = append(created, a)
		ids = append(ids, a.ID())
	}
	p.mu.Unlock()

	// Seed engines outside the registry lock; engine ceilings are enforced
	// by each agent.
	seed := p.initialEngines
	for _, a := range created {
		engines := seed
		if class == core.ClassEnhanced {
			engines++
		}
		a.CreateEngines(engines)
	}

	if len(ids) > 0 {
		p.logger.Info("agents created", "class", string(class), "requested", n, "created", len(ids))
	}
	p.updateGauges()
	return ids
}

// RemoveAgents removes up to n agents of the given class in pool (creation)
// order, fully shutting each down before detaching. It returns the number
// actually removed.
func (p *Pool) RemoveAgents(class core.AgentClass, n int) int {
	if !class.Valid() || n <= 0 {
		return 0
	}

	p.mu.Lock()
	victims := make([]*agent.Agent, 0, n)
	for len(victims) < n && len(p.order[class]) > 0 {
		id := p.order[class][0]
		p.order[class] = p.order[class][1:]
		if a, ok := p.agents[class][id]; ok {
			delete(p.agents[class], id)
			delete(p.index, id)
			victims = append(victims, a)
		}
	}
	p.mu.Unlock()

	for _, a := range victims {
		a.Shutdown()
	}

	if len(victims) > 0 {
		p.logger.Info("agents removed", "class", string(class), "removed", len(victims))
	}
	p.updateGauges()
	return len(victims)
}

// Get returns the agent with the given id.
func (p *Pool) Get(id string) (*agent.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	class, ok := p.index[id]
	if !ok {
		return nil, false
	}
	a, ok := p.agents[class][id]
	return a, ok
}

// All returns every live agent, standard class first, each class in
// creation order.
func (p *Pool) All() []*agent.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*agent.Agent
	for _, class := range core.Classes() {
		for _, id := range p.order[class] {
			if a, ok := p.agents[class][id]; ok {
				out = append(out, a)
			}
		}
	}
	return out
}

// Count returns the number of live agents of the given class.
func (p *Pool) Count(class core.AgentClass) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents[class])
}

// Counts returns the live agent count per class.
func (p *Pool) Counts() map[core.AgentClass]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[core.AgentClass]int, len(p.agents))
	for class, m := range p.agents {
		out[class] = len(m)
	}
	return out
}

// TotalEngines returns the number of live engines across all agents.
func (p *Pool) TotalEngines() int {
	total := 0
	for _, a := range p.All() {
		total += a.EngineCount()
	}
	return total
}

// Shutdown removes and shuts down every agent. Idempotent.
func (p *Pool) Shutdown() {
	for _, class := range core.Classes() {
		p.RemoveAgents(class, p.maxAgents[class])
	}
}

func (p *Pool) updateGauges() {
	for class, count := range p.Counts() {
		p.recorder.SetGauge(core.MetricAgentsLive, float64(count), map[string]string{
			core.LabelClass: string(class),
		})
	}
	p.recorder.SetGauge(core.MetricEnginesLive, float64(p.TotalEngines()), nil)
}
