package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T, optFns ...func(o *Options)) *Agent {
	t.Helper()
	a := New(core.ClassStandard, optFns...)
	t.Cleanup(a.Shutdown)
	return a
}

func TestCreateEngineCapacity(t *testing.T) {
	a := newTestAgent(t, func(o *Options) { o.MaxEngines = 2 })

	_, err := a.CreateEngine()
	require.NoError(t, err)
	_, err = a.CreateEngine()
	require.NoError(t, err)

	_, err = a.CreateEngine()
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.Equal(t, 2, a.EngineCount())
}

func TestCreateEnginesBestEffort(t *testing.T) {
	// Scenario: maxEngines=3, createEngines(10) creates exactly 3 without
	// failing the call.
	a := newTestAgent(t, func(o *Options) { o.MaxEngines = 3 })

	ids := a.CreateEngines(10)
	assert.Len(t, ids, 3)
	assert.Equal(t, 3, a.EngineCount())

	// A second call finds no remaining capacity.
	assert.Empty(t, a.CreateEngines(1))
}

func TestConcurrentEngineCreationHoldsCeiling(t *testing.T) {
	a := newTestAgent(t, func(o *Options) { o.MaxEngines = 5 })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.CreateEngines(3)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, a.EngineCount())
}

func TestRemoveEngine(t *testing.T) {
	a := newTestAgent(t)
	id, err := a.CreateEngine()
	require.NoError(t, err)

	eng, ok := a.Engine(id)
	require.True(t, ok)

	a.RemoveEngine(id)
	assert.Equal(t, 0, a.EngineCount())
	assert.Equal(t, core.EngineShutdown, eng.Status())

	// Unknown ids are a no-op.
	assert.NotPanics(t, func() { a.RemoveEngine("missing") })
}

func TestProcessTaskNoEngines(t *testing.T) {
	a := newTestAgent(t)

	_, err := a.ProcessTask(context.Background(), core.NewTask(core.CategoryGeneric, "x"))
	assert.ErrorIs(t, err, core.ErrNoEligibleEngines)
	assert.Equal(t, uint64(1), a.Snapshot().TasksFailed)
}

func TestProcessTaskAggregation(t *testing.T) {
	// Always-succeeding handler with full confidence on every engine; the
	// language category fans out to three engines.
	registry := engine.NewHandlerRegistry(nil)
	registry.Register(core.CategoryLanguage, func(_ context.Context, op core.Operation) (any, float64, error) {
		return op.Payload, 1.0, nil
	})
	a := newTestAgent(t, func(o *Options) { o.Handlers = registry })
	a.CreateEngines(3)

	res, err := a.ProcessTask(context.Background(), core.NewTask(core.CategoryLanguage, "hello"))
	require.NoError(t, err)

	assert.True(t, res.Consensus)
	assert.InDelta(t, 1.0, res.MeanConfidence, 1e-9)
	assert.Len(t, res.Alternatives, 2)

	// Primary is the first engine in creation (submission) order.
	assert.Equal(t, a.Engines()[0].ID(), res.Primary.EngineID)
	assert.Equal(t, uint64(1), a.Snapshot().TasksProcessed)
}

func TestProcessTaskNoConsensusWithSingleEngine(t *testing.T) {
	a := newTestAgent(t)
	a.CreateEngines(1)

	res, err := a.ProcessTask(context.Background(), core.NewTask(core.CategoryGeneric, "solo"))
	require.NoError(t, err)

	// Confidence is full but consensus needs at least two engines.
	assert.False(t, res.Consensus)
	assert.InDelta(t, 1.0, res.MeanConfidence, 1e-9)
}

func TestProcessTaskNoConsensusBelowThreshold(t *testing.T) {
	registry := engine.NewHandlerRegistry(nil)
	registry.Register(core.CategoryAnalysis, func(_ context.Context, op core.Operation) (any, float64, error) {
		return op.Payload, 0.4, nil
	})
	a := newTestAgent(t, func(o *Options) { o.Handlers = registry })
	a.CreateEngines(2)

	res, err := a.ProcessTask(context.Background(), core.NewTask(core.CategoryAnalysis, "weak"))
	require.NoError(t, err)
	assert.False(t, res.Consensus)
	assert.InDelta(t, 0.4, res.MeanConfidence, 1e-9)
}

func TestProcessTaskEngineFailureSurfaces(t *testing.T) {
	registry := engine.NewHandlerRegistry(nil)
	registry.Register(core.CategoryGeneric, func(context.Context, core.Operation) (any, float64, error) {
		return nil, 0, fmt.Errorf("boom")
	})
	a := newTestAgent(t, func(o *Options) { o.Handlers = registry })
	a.CreateEngines(1)

	_, err := a.ProcessTask(context.Background(), core.NewTask(core.CategoryGeneric, "x"))
	require.Error(t, err)

	var opErr *core.OperationError
	assert.ErrorAs(t, err, &opErr)

	// The attempt is still recorded in counters.
	snap := a.Snapshot()
	assert.Equal(t, uint64(1), snap.TasksFailed)
	assert.Equal(t, uint64(1), snap.Engines[0].Errors)
}

func TestProcessComplexTaskDecomposition(t *testing.T) {
	registry := engine.NewHandlerRegistry(nil)
	registry.Register(core.CategoryAnalysis, func(_ context.Context, op core.Operation) (any, float64, error) {
		return op.Payload, 0.9, nil
	})
	a := newTestAgent(t, func(o *Options) { o.Handlers = registry })
	a.CreateEngines(2)

	task := core.NewTask(core.CategoryAnalysis, []any{"one", "two", "three"})
	task.Complex = true

	res, err := a.ProcessTask(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, res.Decomposition)

	assert.Equal(t, 3, res.Decomposition.SubtaskCount)
	assert.True(t, res.Decomposition.OverallSuccess)
	assert.Len(t, res.Decomposition.Subtasks, 3)

	// A decomposed task counts once, not once per subtask.
	assert.Equal(t, uint64(1), a.Snapshot().TasksProcessed)
}

func TestProcessComplexTaskPartialConsensus(t *testing.T) {
	// One engine only: subtasks cannot reach consensus, so the combined
	// result reports overall failure while each subtask still succeeds.
	a := newTestAgent(t)
	a.CreateEngines(1)

	task := core.NewTask(core.CategoryGeneric, []any{"a", "b"})
	task.Complex = true

	res, err := a.ProcessTask(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, res.Decomposition)
	assert.False(t, res.Decomposition.OverallSuccess)
}

func TestScale(t *testing.T) {
	a := newTestAgent(t, func(o *Options) { o.MaxEngines = 5 })

	assert.Equal(t, 3, a.Scale(3))
	assert.Equal(t, 3, a.EngineCount())

	// Scaling beyond the ceiling is clamped.
	assert.Equal(t, 2, a.Scale(10))
	assert.Equal(t, 5, a.EngineCount())

	engines := a.Engines()
	assert.Equal(t, -4, a.Scale(1))
	assert.Equal(t, 1, a.EngineCount())

	// Removed engines are fully shut down; the first-created engine stays.
	assert.Equal(t, core.EngineIdle, engines[0].Status())
	for _, eng := range engines[1:] {
		assert.Equal(t, core.EngineShutdown, eng.Status())
	}
}

func TestShutdownCascadesAndIsIdempotent(t *testing.T) {
	a := New(core.ClassEnhanced)
	a.CreateEngines(3)
	engines := a.Engines()

	a.Shutdown()
	assert.NotPanics(t, a.Shutdown)

	assert.Equal(t, core.AgentShutdown, a.Status())
	assert.Equal(t, 0, a.EngineCount())
	for _, eng := range engines {
		assert.Equal(t, core.EngineShutdown, eng.Status())
	}

	// No engines can be created after shutdown.
	_, err := a.CreateEngine()
	assert.ErrorIs(t, err, core.ErrShuttingDown)
	assert.Empty(t, a.CreateEngines(2))
}
