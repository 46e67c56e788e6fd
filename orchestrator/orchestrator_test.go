package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/ledger"
	"github.com/hupe1980/agentpool/monitor"
	"github.com/hupe1980/agentpool/pool"
)

func newTestOrchestrator(t *testing.T, optFns ...func(o *Options)) *Orchestrator {
	t.Helper()

	p := pool.New(func(o *pool.Options) {
		o.MaxAgents = map[core.AgentClass]int{
			core.ClassStandard: 20,
			core.ClassEnhanced: 10,
		}
		o.InitialEngines = 1
	})
	mon := monitor.New(func(o *monitor.Options) {
		o.SmoothingWindow = 1
	})

	o := New(p, mon, optFns...)
	t.Cleanup(func() {
		o.GracefulShutdown(context.Background())
	})
	return o
}

func TestStartSeedsInitialAgents(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.InitialStandard = 3
		opts.InitialEnhanced = 2
		opts.BroadcastInterval = time.Hour
	})

	require.NoError(t, o.Start(context.Background()))

	assert.Equal(t, 3, o.Pool().Count(core.ClassStandard))
	assert.Equal(t, 2, o.Pool().Count(core.ClassEnhanced))

	// Second start is rejected.
	assert.Error(t, o.Start(context.Background()))
}

func TestDispatchTask(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	ids, err := o.CreateAgents(ctx, core.ClassStandard, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	result, err := o.DispatchTask(ctx, ids[0], core.NewTask(core.CategoryGeneric, "ping"))
	require.NoError(t, err)
	assert.Equal(t, ids[0], result.AgentID)
	require.NotEmpty(t, result.Primary.EngineID)
}

func TestDispatchTaskUnknownAgent(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.DispatchTask(context.Background(), "missing", core.NewTask(core.CategoryGeneric, "x"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCreateAgentsRejectsUnknownClass(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.CreateAgents(context.Background(), core.AgentClass("quantum"), 1)
	assert.Error(t, err)
}

func TestScaleAgentsUpAndDown(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	events, cancel := o.Bus().Subscribe(64)
	defer cancel()

	deltas, err := o.ScaleAgents(ctx, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, deltas[core.ClassStandard])
	assert.Equal(t, 2, deltas[core.ClassEnhanced])
	assert.Equal(t, 4, o.Pool().Count(core.ClassStandard))
	assert.Equal(t, 2, o.Pool().Count(core.ClassEnhanced))

	deltas, err = o.ScaleAgents(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, -3, deltas[core.ClassStandard])
	assert.Equal(t, 0, deltas[core.ClassEnhanced])
	assert.Equal(t, 1, o.Pool().Count(core.ClassStandard))

	var scalingEvents int
	deadline := time.After(time.Second)
	for scalingEvents < 2 {
		select {
		case ev := <-events:
			if ev.Type == core.EventScaling {
				scalingEvents++
			}
		case <-deadline:
			t.Fatalf("saw %d scaling events, want 2", scalingEvents)
		}
	}
}

func TestScaleAgentsClampsToCeiling(t *testing.T) {
	o := newTestOrchestrator(t)

	deltas, err := o.ScaleAgents(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, deltas[core.ClassStandard])
	assert.Equal(t, 20, o.Pool().Count(core.ClassStandard))
}

func TestAutoScaleGrowsByStep(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.MaxTotalAgents = 30
	})
	ctx := context.Background()

	_, err := o.ScaleAgents(ctx, 7, 3)
	require.NoError(t, err)

	ok := o.AutoScale(ctx, monitor.Alert{Level: monitor.LevelCritical, Indicator: monitor.IndicatorCPU})
	assert.True(t, ok)

	// 10 agents, +10% = 1 new agent, standard share rounds to 1 standard.
	assert.Equal(t, 8, o.Pool().Count(core.ClassStandard))
	assert.Equal(t, 3, o.Pool().Count(core.ClassEnhanced))
}

func TestAutoScaleSplitsClasses(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.MaxTotalAgents = 40
	})
	ctx := context.Background()

	_, err := o.ScaleAgents(ctx, 14, 6)
	require.NoError(t, err)

	ok := o.AutoScale(ctx, monitor.Alert{Level: monitor.LevelEmergency, Indicator: monitor.IndicatorMemory})
	assert.True(t, ok)

	// 20 agents, +10% = 2 new; 70% of 2 rounds to 1 standard, 1 enhanced.
	assert.Equal(t, 15, o.Pool().Count(core.ClassStandard))
	assert.Equal(t, 7, o.Pool().Count(core.ClassEnhanced))
}

func TestAutoScaleRespectsAbsoluteCeiling(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.MaxTotalAgents = 10
	})
	ctx := context.Background()

	_, err := o.ScaleAgents(ctx, 7, 3)
	require.NoError(t, err)

	ok := o.AutoScale(ctx, monitor.Alert{Level: monitor.LevelCritical, Indicator: monitor.IndicatorCPU})
	assert.False(t, ok)
	assert.Equal(t, 7, o.Pool().Count(core.ClassStandard))
	assert.Equal(t, 3, o.Pool().Count(core.ClassEnhanced))
}

func TestCriticalAlertTriggersAutoScale(t *testing.T) {
	bus := core.NewBus()
	p := pool.New(func(o *pool.Options) {
		o.InitialEngines = 1
	})
	mon := monitor.New(func(o *monitor.Options) {
		o.SmoothingWindow = 1
		o.Bus = bus
	})
	o := New(p, mon, func(opts *Options) {
		opts.Bus = bus
		opts.InitialStandard = 4
		opts.InitialEnhanced = 1
		opts.BroadcastInterval = time.Hour
	})
	t.Cleanup(func() {
		o.GracefulShutdown(context.Background())
		bus.Close()
	})

	require.NoError(t, o.Start(context.Background()))
	require.Equal(t, 5, o.Pool().Count(core.ClassStandard)+o.Pool().Count(core.ClassEnhanced))

	mon.Observe(monitor.IndicatorCPU, 0.9)

	require.Eventually(t, func() bool {
		return o.Pool().Count(core.ClassStandard)+o.Pool().Count(core.ClassEnhanced) > 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWarningAlertDoesNotScale(t *testing.T) {
	o := newTestOrchestrator(t)

	o.handleAlert(monitor.Alert{Level: monitor.LevelWarning, Indicator: monitor.IndicatorCPU})
	o.handleAlert(monitor.Alert{Level: monitor.LevelCritical, Indicator: monitor.IndicatorErrorRate})

	assert.Equal(t, 0, o.Pool().Count(core.ClassStandard))
	assert.Equal(t, 0, o.Pool().Count(core.ClassEnhanced))
}

func TestLedgerIntegration(t *testing.T) {
	led := ledger.NewInMemoryLedger()
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.Ledger = led
	})
	ctx := context.Background()

	ids, err := o.CreateAgents(ctx, core.ClassEnhanced, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	task := core.NewTask(core.CategoryGeneric, "archive me")
	_, err = o.DispatchTask(ctx, ids[0], task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		records := led.Records()
		return len(records) == 2 &&
			records[0].Kind == ledger.KindRegister &&
			records[1].Kind == ledger.KindResult &&
			records[1].TaskID == task.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReportIncludesRecommendations(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.CreateAgents(ctx, core.ClassStandard, 2)
	require.NoError(t, err)

	report := o.Report()
	assert.Len(t, report.Agents, 2)
	assert.NotEmpty(t, report.Recommendations)
	assert.Equal(t, 2, report.Status.TotalAgents)
}

func TestRequestsAfterShutdownAreRejected(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.InitialStandard = 2
		opts.BroadcastInterval = time.Hour
	})
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	o.GracefulShutdown(ctx)

	// Creation must not repopulate the drained pool.
	ids, err := o.CreateAgents(ctx, core.ClassStandard, 3)
	assert.ErrorIs(t, err, core.ErrShuttingDown)
	assert.Empty(t, ids)
	assert.Equal(t, 0, o.Pool().Count(core.ClassStandard))
	assert.Equal(t, 0, o.Pool().TotalEngines())

	_, err = o.ScaleAgents(ctx, 2, 1)
	assert.ErrorIs(t, err, core.ErrShuttingDown)

	_, err = o.DispatchTask(ctx, "any", core.NewTask(core.CategoryGeneric, "late"))
	assert.ErrorIs(t, err, core.ErrShuttingDown)
}

func TestArchiveSkippedAfterShutdown(t *testing.T) {
	led := ledger.NewInMemoryLedger()
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.Ledger = led
	})
	ctx := context.Background()

	o.GracefulShutdown(ctx)

	// A result racing past shutdown must not start background work.
	o.archiveResult("task-1", core.TaskResult{TaskID: "task-1"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, led.Records())
}

func TestGracefulShutdownIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.InitialStandard = 2
		opts.BroadcastInterval = time.Hour
	})
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	require.Equal(t, 2, o.Pool().Count(core.ClassStandard))

	o.GracefulShutdown(ctx)
	o.GracefulShutdown(ctx)

	assert.Equal(t, 0, o.Pool().Count(core.ClassStandard))
	assert.Equal(t, 0, o.Pool().TotalEngines())
}
