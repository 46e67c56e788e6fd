package agentpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpool/config"
	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/ledger"
	"github.com/hupe1980/agentpool/logging"
)

func TestNewWiresDefaults(t *testing.T) {
	ap, err := New(func(o *Options) {
		o.Logger = logging.NoOpLogger{}
	})
	require.NoError(t, err)

	assert.NotNil(t, ap.Pool())
	assert.NotNil(t, ap.Monitor())
	assert.NotNil(t, ap.Orchestrator())
	assert.NotNil(t, ap.Server())
	assert.NotNil(t, ap.Bus())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.MaxEnginesPerAgent = 0

	_, err := New(func(o *Options) {
		o.Config = cfg
	})
	assert.Error(t, err)
}

func TestStartServeShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Pool.InitialStandard = 1
	cfg.Pool.InitialEnhanced = 1

	ap, err := New(func(o *Options) {
		o.Config = cfg
		o.Logger = logging.NoOpLogger{}
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ap.Start(ctx))

	assert.Equal(t, 1, ap.Pool().Count(core.ClassStandard))
	assert.Equal(t, 1, ap.Pool().Count(core.ClassEnhanced))

	result, err := ap.Orchestrator().DispatchTask(ctx,
		ap.Pool().All()[0].ID(), core.NewTask(core.CategoryGeneric, "smoke"))
	require.NoError(t, err)
	assert.NotEmpty(t, result.Primary.EngineID)

	require.NoError(t, ap.Shutdown(ctx))
	assert.Equal(t, 0, ap.Pool().TotalEngines())

	// Shutdown again is safe.
	require.NoError(t, ap.Shutdown(ctx))
}

func TestLedgerSelection(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger.Enabled = true

	ap, err := New(func(o *Options) {
		o.Config = cfg
		o.Logger = logging.NoOpLogger{}
	})
	require.NoError(t, err)
	require.NotNil(t, ap)

	led := ledger.NewInMemoryLedger()
	ap, err = New(func(o *Options) {
		o.Ledger = led
		o.Logger = logging.NoOpLogger{}
	})
	require.NoError(t, err)

	ids, err := ap.Orchestrator().CreateAgents(context.Background(), core.ClassStandard, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Len(t, led.Records(), 1)
	assert.Equal(t, ledger.KindRegister, led.Records()[0].Kind)

	ap.Orchestrator().GracefulShutdown(context.Background())
}
