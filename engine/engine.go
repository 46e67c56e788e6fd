// Package engine implements the single-operation-at-a-time processing unit
// owned by an agent. Operations are queued strictly FIFO; submission is
// non-blocking and returns a Future that resolves independently per
// operation. Multiple engines under one agent run logically in parallel.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/logging"
)

// Options configures an Engine instance.
type Options struct {
	// Capabilities are free-form capability flags attached to the engine.
	Capabilities []string

	// Recorder receives operation counters and durations. Defaults to
	// core.NoOpRecorder.
	Recorder core.MetricsRecorder

	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger

	// Timeouts bounds handler runtime per category. Categories without an
	// entry use DefaultTimeout.
	Timeouts map[core.TaskCategory]time.Duration

	// DefaultTimeout applies to categories without an explicit entry.
	DefaultTimeout time.Duration
}

// DefaultTimeout bounds a handler invocation when no per-category override
// is configured. Language-processing gets a longer default because it calls
// an external backend.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultLanguageTimeout = 60 * time.Second
)

type queuedOp struct {
	op     core.Operation
	future *core.Future
}

// Engine executes operations strictly in submission order, one at a time.
// One operation's failure is isolated: the error counter is incremented, the
// operation's future is rejected, and the queue continues.
//
// States: Idle -> Processing -> Idle on success, or -> Error on handler
// failure (recovered by the next submission). Shutdown is terminal from any
// state.
type Engine struct {
	id           string
	agentID      string
	capabilities []string
	createdAt    time.Time

	handlers *HandlerRegistry
	recorder core.MetricsRecorder
	logger   logging.Logger

	timeouts       map[core.TaskCategory]time.Duration
	defaultTimeout time.Duration

	mu       sync.Mutex
	queue    []queuedOp
	active   bool // a worker goroutine is draining the queue
	shutdown bool
	status   core.EngineStatus

	processed  atomic.Uint64
	errors     atomic.Uint64
	lastActive atomic.Int64 // unix nanos

	workers sync.WaitGroup
}

// New constructs an idle engine owned by the given agent.
func New(agentID string, handlers *HandlerRegistry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Recorder:       core.NoOpRecorder{},
		Logger:         logging.NoOpLogger{},
		DefaultTimeout: DefaultTimeout,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Timeouts == nil {
		opts.Timeouts = map[core.TaskCategory]time.Duration{
			core.CategoryLanguage: DefaultLanguageTimeout,
		}
	}

	id := core.NewID()
	e := &Engine{
		id:             id,
		agentID:        agentID,
		capabilities:   opts.Capabilities,
		createdAt:      time.Now(),
		handlers:       handlers,
		recorder:       opts.Recorder,
		logger:         logging.OrNoOp(opts.Logger).With("engine_id", id, "agent_id", agentID),
		timeouts:       opts.Timeouts,
		defaultTimeout: opts.DefaultTimeout,
		status:         core.EngineIdle,
	}
	e.lastActive.Store(time.Now().UnixNano())
	return e
}

// ID returns the engine's unique identifier.
func (e *Engine) ID() string { return e.id }

// AgentID returns the owning agent's identifier.
func (e *Engine) AgentID() string { return e.agentID }

// Capabilities returns the engine's capability flags.
func (e *Engine) Capabilities() []string { return e.capabilities }

// Status returns the engine's current lifecycle state.
func (e *Engine) Status() core.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Submit enqueues the operation and returns its future. Submission never
// blocks: if the engine is idle a worker starts immediately, otherwise the
// operation waits its turn in FIFO order. Submitting to a shut-down engine
// returns an already-rejected future.
func (e *Engine) Submit(op core.Operation) *core.Future {
	fut := core.NewFuture()

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		e.recorder.RecordCounter(core.MetricOperationsTotal, 1, map[string]string{
			core.LabelCategory: string(op.Category),
			core.LabelStatus:   core.StatusRejected,
		})
		fut.Reject(core.ErrEngineShutdown)
		return fut
	}
	e.queue = append(e.queue, queuedOp{op: op, future: fut})
	if !e.active {
		e.active = true
		e.workers.Add(1)
		go e.run()
	}
	e.mu.Unlock()

	return fut
}

// run drains the queue until it is empty or the engine shuts down. Exactly
// one run goroutine exists while the engine has work.
func (e *Engine) run() {
	defer e.workers.Done()

	for {
		e.mu.Lock()
		if e.shutdown || len(e.queue) == 0 {
			e.active = false
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.status = core.EngineProcessing
		e.mu.Unlock()

		e.process(next)
	}
}

// process runs a single operation handler, bounded by the category timeout,
// and resolves the operation's future.
func (e *Engine) process(q queuedOp) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), e.timeoutFor(q.op.Category))
	output, confidence, err := e.handlers.Handle(ctx, q.op)
	cancel()

	duration := time.Since(start)
	e.lastActive.Store(time.Now().UnixNano())
	e.recorder.RecordDuration(core.MetricOperationDuration, duration, map[string]string{
		core.LabelCategory: string(q.op.Category),
	})

	if err != nil {
		e.errors.Add(1)
		e.setStatusAfterOp(core.EngineError)
		e.recorder.RecordCounter(core.MetricOperationsTotal, 1, map[string]string{
			core.LabelCategory: string(q.op.Category),
			core.LabelStatus:   core.StatusFailed,
		})
		e.logger.Warn("operation failed", "operation_id", q.op.ID, "error", err)
		q.future.Reject(&core.OperationError{EngineID: e.id, OperationID: q.op.ID, Err: err})
		return
	}

	e.processed.Add(1)
	e.setStatusAfterOp(core.EngineIdle)
	e.recorder.RecordCounter(core.MetricOperationsTotal, 1, map[string]string{
		core.LabelCategory: string(q.op.Category),
		core.LabelStatus:   core.StatusSucceeded,
	})
	q.future.Resolve(core.Result{
		EngineID:    e.id,
		OperationID: q.op.ID,
		Output:      output,
		Confidence:  confidence,
		Duration:    duration,
		CompletedAt: time.Now(),
	})
}

// setStatusAfterOp records the post-operation state unless the engine shut
// down while the handler was running.
func (e *Engine) setStatusAfterOp(s core.EngineStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.shutdown {
		e.status = s
	}
}

func (e *Engine) timeoutFor(category core.TaskCategory) time.Duration {
	if d, ok := e.timeouts[category]; ok && d > 0 {
		return d
	}
	return e.defaultTimeout
}

// Shutdown stops intake, rejects every queued-but-unstarted operation with
// ErrEngineShutdown and waits for an in-flight operation to finish (it is
// not interrupted). Shutdown is idempotent and leaves the engine in its
// terminal state.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	e.status = core.EngineShutdown
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, q := range pending {
		e.recorder.RecordCounter(core.MetricOperationsTotal, 1, map[string]string{
			core.LabelCategory: string(q.op.Category),
			core.LabelStatus:   core.StatusRejected,
		})
		q.future.Reject(core.ErrEngineShutdown)
	}

	e.workers.Wait()
	e.logger.Debug("engine shut down", "rejected", len(pending))
}

// Metrics is a point-in-time snapshot of an engine's counters and state.
type Metrics struct {
	ID         string            `json:"id"`
	AgentID    string            `json:"agent_id"`
	Status     core.EngineStatus `json:"status"`
	Processed  uint64            `json:"processed"`
	Errors     uint64            `json:"errors"`
	QueueDepth int               `json:"queue_depth"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive time.Time         `json:"last_active"`
}

// Snapshot returns the engine's current metrics. Counters are eventually
// accurate with respect to concurrent processing.
func (e *Engine) Snapshot() Metrics {
	e.mu.Lock()
	status := e.status
	depth := len(e.queue)
	e.mu.Unlock()

	return Metrics{
		ID:         e.id,
		AgentID:    e.agentID,
		Status:     status,
		Processed:  e.processed.Load(),
		Errors:     e.errors.Load(),
		QueueDepth: depth,
		CreatedAt:  e.createdAt,
		LastActive: time.Unix(0, e.lastActive.Load()),
	}
}
