// Package agentpool provides a high-level façade over the agent pool, the
// metrics controller, the orchestrator and the HTTP/WebSocket server. Most
// applications interact with this package by:
//  1. Creating an AgentPool via New() (optionally providing a Config or
//     overriding individual collaborators)
//  2. Calling Run() to seed the pool and serve, or Start()/Shutdown() for
//     finer lifecycle control
//
// The façade delegates coordination to orchestrator.Orchestrator while
// keeping setup concise. All defaults are safe for local development: the
// deterministic local inference backend, an in-memory content store and the
// ledger integration disabled.
package agentpool

import (
	"context"
	"fmt"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/agentpool/blobstore"
	"github.com/hupe1980/agentpool/config"
	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/engine"
	"github.com/hupe1980/agentpool/inference"
	"github.com/hupe1980/agentpool/inference/anthropic"
	"github.com/hupe1980/agentpool/inference/openai"
	"github.com/hupe1980/agentpool/ledger"
	"github.com/hupe1980/agentpool/logging"
	"github.com/hupe1980/agentpool/monitor"
	"github.com/hupe1980/agentpool/orchestrator"
	"github.com/hupe1980/agentpool/pool"
	"github.com/hupe1980/agentpool/server"
)

// Options configures the AgentPool instance.
type Options struct {
	// Config carries the startup parameters. Defaults to config.Default().
	Config config.Config

	// Logger defaults to a slog JSON logger at the configured level. Set to
	// logging.NoOpLogger{} to silence.
	Logger logging.Logger

	// Backend overrides the inference backend selected by the config.
	Backend inference.Backend

	// Ledger overrides the ledger client. When nil, the config's enabled
	// flag selects between the in-memory ledger and the disabled no-op.
	Ledger core.LedgerClient

	// Store overrides the content store. Defaults to the in-memory store.
	Store core.ContentStore

	// Registry receives the Prometheus collectors and backs /metrics.
	Registry *prometheus.Registry
}

// AgentPool aggregates the wired subsystems.
type AgentPool struct {
	opts   Options
	logger logging.Logger

	bus    *core.Bus
	pool   *pool.Pool
	mon    *monitor.Controller
	orch   *orchestrator.Orchestrator
	server *server.Server
}

// New wires a complete pool from configuration plus optional overrides.
func New(optFns ...func(o *Options)) (*AgentPool, error) {
	opts := Options{
		Config: config.Default(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, os.Stdout)
	}

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = buildBackend(cfg.Inference)
		if err != nil {
			return nil, err
		}
	}

	led := opts.Ledger
	if led == nil {
		if cfg.Ledger.Enabled {
			led = ledger.NewInMemoryLedger()
		} else {
			led = ledger.Disabled{}
		}
	}

	store := opts.Store
	if store == nil {
		store = blobstore.NewInMemoryStore()
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	bus := core.NewBus()

	mon := monitor.New(func(o *monitor.Options) {
		o.Logger = logger
		o.Bus = bus
		o.Registry = registry
		o.Thresholds = cfg.Monitor.Thresholds
		o.SmoothingWindow = cfg.Monitor.SmoothingWindow
		o.SampleInterval = cfg.Monitor.SampleInterval
		o.HistoryLimit = cfg.Monitor.HistoryLimit
		o.MemoryBudgetBytes = cfg.Monitor.MemoryBudgetBytes
		o.GoroutineSaturation = cfg.Monitor.GoroutineSaturation
	})

	p := pool.New(func(o *pool.Options) {
		o.MaxAgents = map[core.AgentClass]int{
			core.ClassStandard: cfg.Pool.MaxStandardAgents,
			core.ClassEnhanced: cfg.Pool.MaxEnhancedAgents,
		}
		o.MaxEnginesPerAgent = cfg.Pool.MaxEnginesPerAgent
		o.InitialEngines = cfg.Pool.InitialEngines
		o.Handlers = engine.NewHandlerRegistry(backend)
		o.Recorder = mon
		o.Logger = logger
	})

	orch := orchestrator.New(p, mon, func(o *orchestrator.Options) {
		o.Logger = logger
		o.Bus = bus
		o.Ledger = led
		o.Store = store
		o.InitialStandard = cfg.Pool.InitialStandard
		o.InitialEnhanced = cfg.Pool.InitialEnhanced
		o.ScalingEnabled = cfg.Scaling.Enabled
		o.MaxTotalAgents = cfg.Scaling.MaxTotalAgents
		o.StepFraction = cfg.Scaling.StepFraction
		o.StandardShare = cfg.Scaling.StandardShare
		o.BroadcastInterval = cfg.Server.BroadcastInterval
	})

	srv := server.New(orch, func(o *server.Options) {
		o.Addr = cfg.Server.Addr
		o.Logger = logger
		o.Gatherer = registry
	})

	return &AgentPool{
		opts:   opts,
		logger: logging.OrNoOp(logger),
		bus:    bus,
		pool:   p,
		mon:    mon,
		orch:   orch,
		server: srv,
	}, nil
}

func buildBackend(cfg config.InferenceConfig) (inference.Backend, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
			o.MaxTokens = cfg.MaxTokens
			o.Temperature = cfg.Temperature
		}), nil
	case "openai":
		return openai.New(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.MaxCompletionTokens = cfg.MaxTokens
			o.Temperature = cfg.Temperature
		}), nil
	case "local", "":
		return &inference.Local{}, nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}

// Orchestrator exposes the wired orchestrator.
func (ap *AgentPool) Orchestrator() *orchestrator.Orchestrator { return ap.orch }

// Pool exposes the wired agent pool.
func (ap *AgentPool) Pool() *pool.Pool { return ap.pool }

// Monitor exposes the wired metrics controller.
func (ap *AgentPool) Monitor() *monitor.Controller { return ap.mon }

// Server exposes the wired HTTP server.
func (ap *AgentPool) Server() *server.Server { return ap.server }

// Bus exposes the shared event bus.
func (ap *AgentPool) Bus() *core.Bus { return ap.bus }

// Start seeds the pool and binds the listen address. Use Run for a blocking
// serve loop with signal handling wired by the caller.
func (ap *AgentPool) Start(ctx context.Context) error {
	if err := ap.orch.Start(ctx); err != nil {
		return err
	}
	if err := ap.server.Start(); err != nil {
		ap.orch.GracefulShutdown(ctx)
		return err
	}
	return nil
}

// Run starts the pool and blocks until the context is cancelled, then shuts
// down gracefully.
func (ap *AgentPool) Run(ctx context.Context) error {
	if err := ap.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return ap.Shutdown(context.Background())
}

// Shutdown stops intake, drains the pool and releases all resources.
// Idempotent.
func (ap *AgentPool) Shutdown(ctx context.Context) error {
	err := ap.server.Stop(ctx)
	ap.orch.GracefulShutdown(ctx)
	ap.bus.Close()
	return err
}
