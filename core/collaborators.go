package core

import "context"

// TxStatus is the resolution state of a ledger transaction.
type TxStatus string

const (
	// TxPending means the transaction has not resolved yet.
	TxPending TxStatus = "pending"
	// TxConfirmed means the transaction was accepted by the ledger.
	TxConfirmed TxStatus = "confirmed"
	// TxFailed means the ledger rejected the transaction.
	TxFailed TxStatus = "failed"
)

// AgentInfo carries the identifying details registered with the ledger.
type AgentInfo struct {
	ID           string     `json:"id"`
	Class        AgentClass `json:"class"`
	Capabilities []string   `json:"capabilities,omitempty"`
}

// LedgerClient abstracts the distributed-ledger collaborator. Calls are
// opaque to the core: a transaction id is returned immediately and later
// resolves to confirmed or failed. Implementations must not retry
// implicitly; failures surface to the caller as CollaboratorError.
type LedgerClient interface {
	// Register records a new agent on the ledger.
	Register(ctx context.Context, info AgentInfo) (txID string, err error)
	// SubmitResult records a task result on the ledger.
	SubmitResult(ctx context.Context, taskID string, result TaskResult) (txID string, err error)
	// Status reports the resolution state of a previously returned tx id.
	Status(ctx context.Context, txID string) (TxStatus, error)
}

// ContentStore abstracts the content-addressed blob collaborator. Put
// returns a deterministic content id for the bytes; Get retrieves them.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (id string, err error)
	Get(ctx context.Context, id string) ([]byte, error)
}
