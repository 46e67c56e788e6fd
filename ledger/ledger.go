// Package ledger provides core.LedgerClient implementations. The real
// distributed ledger sits outside this module; InMemoryLedger is a
// deterministic in-process double used for development, tests and
// deployments that run with the ledger integration disabled.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentpool/core"
)

// Record is one transaction retained by the in-memory ledger.
type Record struct {
	TxID   string
	Kind   string // "register" or "result"
	Agent  core.AgentInfo
	TaskID string
	Result core.TaskResult
	Status core.TxStatus
}

// Transaction kinds.
const (
	KindRegister = "register"
	KindResult   = "result"
)

// InMemoryLedger is a deterministic core.LedgerClient double. Transaction ids
// are sequential ("tx-1", "tx-2", ...) and transactions confirm after
// ConfirmAfter status polls, so tests can exercise the pending state without
// timing dependence.
type InMemoryLedger struct {
	mu      sync.Mutex
	seq     int
	records map[string]*Record
	polls   map[string]int

	// ConfirmAfter is the number of Status calls before a transaction
	// reports confirmed. Zero confirms immediately.
	ConfirmAfter int
	// FailNext makes the next submission return an error, for tests that
	// exercise collaborator failure paths.
	FailNext bool
}

var _ core.LedgerClient = (*InMemoryLedger)(nil)

// NewInMemoryLedger returns an empty ledger double.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		records: make(map[string]*Record),
		polls:   make(map[string]int),
	}
}

// Register records a new agent and returns its transaction id.
func (l *InMemoryLedger) Register(ctx context.Context, info core.AgentInfo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailNext {
		l.FailNext = false
		return "", fmt.Errorf("ledger rejected registration for agent %s", info.ID)
	}

	txID := l.nextTxLocked()
	l.records[txID] = &Record{TxID: txID, Kind: KindRegister, Agent: info, Status: core.TxPending}
	return txID, nil
}

// SubmitResult records a task result and returns its transaction id.
func (l *InMemoryLedger) SubmitResult(ctx context.Context, taskID string, result core.TaskResult) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailNext {
		l.FailNext = false
		return "", fmt.Errorf("ledger rejected result for task %s", taskID)
	}

	txID := l.nextTxLocked()
	l.records[txID] = &Record{TxID: txID, Kind: KindResult, TaskID: taskID, Result: result, Status: core.TxPending}
	return txID, nil
}

// Status reports the resolution state of a transaction. Unknown ids fail.
func (l *InMemoryLedger) Status(ctx context.Context, txID string) (core.TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[txID]
	if !ok {
		return core.TxFailed, fmt.Errorf("transaction %s: %w", txID, core.ErrNotFound)
	}
	if rec.Status == core.TxPending {
		l.polls[txID]++
		if l.polls[txID] > l.ConfirmAfter {
			rec.Status = core.TxConfirmed
		}
	}
	return rec.Status, nil
}

// Records returns a snapshot of all retained transactions in submission
// order.
func (l *InMemoryLedger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.records))
	for i := 1; i <= l.seq; i++ {
		if rec, ok := l.records[fmt.Sprintf("tx-%d", i)]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

func (l *InMemoryLedger) nextTxLocked() string {
	l.seq++
	return fmt.Sprintf("tx-%d", l.seq)
}

// Disabled is a core.LedgerClient that accepts everything and confirms
// immediately. It backs deployments with the ledger integration switched off.
type Disabled struct{}

var _ core.LedgerClient = Disabled{}

// Register accepts the registration without recording it.
func (Disabled) Register(context.Context, core.AgentInfo) (string, error) { return "", nil }

// SubmitResult accepts the result without recording it.
func (Disabled) SubmitResult(context.Context, string, core.TaskResult) (string, error) {
	return "", nil
}

// Status always reports confirmed.
func (Disabled) Status(context.Context, string) (core.TxStatus, error) {
	return core.TxConfirmed, nil
}
