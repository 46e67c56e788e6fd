package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpool/core"
)

func TestRegisterAndConfirm(t *testing.T) {
	l := NewInMemoryLedger()
	ctx := context.Background()

	txID, err := l.Register(ctx, core.AgentInfo{ID: "agent-1", Class: core.ClassStandard})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", txID)

	status, err := l.Status(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, core.TxConfirmed, status)
}

func TestConfirmAfterPolls(t *testing.T) {
	l := NewInMemoryLedger()
	l.ConfirmAfter = 2
	ctx := context.Background()

	txID, err := l.SubmitResult(ctx, "task-1", core.TaskResult{TaskID: "task-1"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		status, err := l.Status(ctx, txID)
		require.NoError(t, err)
		assert.Equal(t, core.TxPending, status)
	}

	status, err := l.Status(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, core.TxConfirmed, status)
}

func TestStatusUnknownTx(t *testing.T) {
	l := NewInMemoryLedger()

	_, err := l.Status(context.Background(), "tx-99")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestFailNext(t *testing.T) {
	l := NewInMemoryLedger()
	l.FailNext = true
	ctx := context.Background()

	_, err := l.Register(ctx, core.AgentInfo{ID: "agent-1"})
	require.Error(t, err)

	// The failure is one-shot.
	_, err = l.Register(ctx, core.AgentInfo{ID: "agent-1"})
	assert.NoError(t, err)
}

func TestRecordsPreserveSubmissionOrder(t *testing.T) {
	l := NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Register(ctx, core.AgentInfo{ID: "agent-1"})
	require.NoError(t, err)
	_, err = l.SubmitResult(ctx, "task-1", core.TaskResult{TaskID: "task-1"})
	require.NoError(t, err)

	records := l.Records()
	require.Len(t, records, 2)
	assert.Equal(t, KindRegister, records[0].Kind)
	assert.Equal(t, KindResult, records[1].Kind)
	assert.Equal(t, "task-1", records[1].TaskID)
}

func TestDisabledLedger(t *testing.T) {
	var l Disabled
	ctx := context.Background()

	_, err := l.Register(ctx, core.AgentInfo{ID: "agent-1"})
	require.NoError(t, err)

	status, err := l.Status(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, core.TxConfirmed, status)
}
