package core

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a new unique identifier (UUID v4 string).
func NewID() string { return uuid.NewString() }

// TaskCategory classifies the kind of work an operation performs. The
// category selects the engine handler and drives routing fan-out: heavier
// categories are dispatched to more engines per task.
type TaskCategory string

const (
	// CategoryLanguage is natural-language processing work delegated to the
	// configured inference backend.
	CategoryLanguage TaskCategory = "language-processing"
	// CategoryLearning is learning / prediction work over numeric series.
	CategoryLearning TaskCategory = "learning-prediction"
	// CategoryAnalysis is statistical analysis of a payload.
	CategoryAnalysis TaskCategory = "analysis"
	// CategoryDecision scores a set of options and picks one.
	CategoryDecision TaskCategory = "decision"
	// CategoryPattern detects repeated patterns in textual input.
	CategoryPattern TaskCategory = "pattern-recognition"
	// CategoryGeneric is the fallback for uncategorized work.
	CategoryGeneric TaskCategory = "generic"
)

// Fanout returns how many engines a task of this category is routed to.
// The counts are upper bounds; an agent owning fewer engines uses all of them.
func (c TaskCategory) Fanout() int {
	switch c {
	case CategoryLanguage, CategoryLearning:
		return 3
	case CategoryAnalysis, CategoryPattern, CategoryDecision:
		return 2
	default:
		return 1
	}
}

// Valid reports whether the category is one of the known constants.
func (c TaskCategory) Valid() bool {
	switch c {
	case CategoryLanguage, CategoryLearning, CategoryAnalysis,
		CategoryDecision, CategoryPattern, CategoryGeneric:
		return true
	}
	return false
}

// Task is a unit of work submitted to an agent. A task flagged Complex whose
// payload is a slice is decomposed into one subtask per element.
type Task struct {
	ID        string       `json:"id"`
	Category  TaskCategory `json:"category"`
	Payload   any          `json:"payload"`
	Complex   bool         `json:"complex,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewTask constructs a task with a generated id and creation timestamp.
func NewTask(category TaskCategory, payload any) Task {
	return Task{
		ID:        NewID(),
		Category:  category,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Operation is the per-engine slice of a task. Each selected engine receives
// its own operation so failures and metrics stay attributable.
type Operation struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	Category    TaskCategory `json:"category"`
	Payload     any          `json:"payload"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// NewOperation derives an operation from a task.
func NewOperation(task Task) Operation {
	return Operation{
		ID:          NewID(),
		TaskID:      task.ID,
		Category:    task.Category,
		Payload:     task.Payload,
		SubmittedAt: time.Now(),
	}
}

// Result is a single engine's output for one operation.
type Result struct {
	EngineID    string        `json:"engine_id"`
	OperationID string        `json:"operation_id"`
	Output      any           `json:"output"`
	Confidence  float64       `json:"confidence"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// TaskResult aggregates the engine results for one task. Primary is the
// result of the first engine in submission order; the rest are alternatives.
// Consensus is true when the mean confidence is at least ConsensusThreshold
// and at least two engines contributed.
//
// For a decomposed complex task, Decomposition is populated instead of the
// per-engine fields.
type TaskResult struct {
	TaskID         string         `json:"task_id"`
	AgentID        string         `json:"agent_id"`
	Consensus      bool           `json:"consensus"`
	MeanConfidence float64        `json:"mean_confidence"`
	Primary        Result         `json:"primary"`
	Alternatives   []Result       `json:"alternatives,omitempty"`
	Duration       time.Duration  `json:"duration"`
	Decomposition  *Decomposition `json:"decomposition,omitempty"`
}

// Decomposition summarizes a complex task that was split into subtasks.
// OverallSuccess is true only when every subtask reached consensus.
type Decomposition struct {
	SubtaskCount   int          `json:"subtask_count"`
	OverallSuccess bool         `json:"overall_success"`
	Subtasks       []TaskResult `json:"subtasks"`
}

// ConsensusThreshold is the minimum mean confidence for a task result to be
// marked as consensus.
const ConsensusThreshold = 0.7

// AgentClass partitions the pool. Enhanced agents carry additional
// capabilities and a larger default engine complement.
type AgentClass string

const (
	// ClassStandard is the default agent class.
	ClassStandard AgentClass = "standard"
	// ClassEnhanced is the premium agent class.
	ClassEnhanced AgentClass = "enhanced"
)

// Valid reports whether the class is known.
func (c AgentClass) Valid() bool {
	return c == ClassStandard || c == ClassEnhanced
}

// Classes lists all agent classes in a stable order.
func Classes() []AgentClass { return []AgentClass{ClassStandard, ClassEnhanced} }

// EngineStatus is an engine's lifecycle state.
type EngineStatus string

const (
	// EngineIdle means the engine has an empty queue and no running operation.
	EngineIdle EngineStatus = "idle"
	// EngineProcessing means an operation handler is currently executing.
	EngineProcessing EngineStatus = "processing"
	// EngineError means the most recent operation failed; the engine recovers
	// on the next submission.
	EngineError EngineStatus = "error"
	// EngineShutdown is the terminal state.
	EngineShutdown EngineStatus = "shutdown"
)

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	// AgentActive means the agent accepts tasks.
	AgentActive AgentStatus = "active"
	// AgentShutdown is the terminal agent state.
	AgentShutdown AgentStatus = "shutdown"
)
