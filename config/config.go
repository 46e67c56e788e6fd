// Package config loads the immutable startup parameters from a YAML file and
// AGENTPOOL_* environment variables. Configuration is read once at startup;
// running components never observe changes.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hupe1980/agentpool/monitor"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// AGENTPOOL_SERVER_ADDR.
const EnvPrefix = "AGENTPOOL"

// Config holds every startup parameter.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Scaling   ScalingConfig   `mapstructure:"scaling" yaml:"scaling"`
	Monitor   MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
	Cluster   ClusterConfig   `mapstructure:"cluster" yaml:"cluster"`
	Ledger    LedgerConfig    `mapstructure:"ledger" yaml:"ledger"`
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval" yaml:"broadcast_interval"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// PoolConfig sets the agent and engine ceilings plus initial sizing.
type PoolConfig struct {
	MaxStandardAgents  int `mapstructure:"max_standard_agents" yaml:"max_standard_agents"`
	MaxEnhancedAgents  int `mapstructure:"max_enhanced_agents" yaml:"max_enhanced_agents"`
	MaxEnginesPerAgent int `mapstructure:"max_engines_per_agent" yaml:"max_engines_per_agent"`
	InitialStandard    int `mapstructure:"initial_standard" yaml:"initial_standard"`
	InitialEnhanced    int `mapstructure:"initial_enhanced" yaml:"initial_enhanced"`
	InitialEngines     int `mapstructure:"initial_engines" yaml:"initial_engines"`
}

// ScalingConfig bounds the auto-scale feedback loop.
type ScalingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// MaxTotalAgents is the absolute ceiling across both classes.
	MaxTotalAgents int `mapstructure:"max_total_agents" yaml:"max_total_agents"`
	// StepFraction is the growth per auto-scale trigger (0.1 = +10%).
	StepFraction float64 `mapstructure:"step_fraction" yaml:"step_fraction"`
	// StandardShare is the fraction of new agents created as standard class.
	StandardShare float64 `mapstructure:"standard_share" yaml:"standard_share"`
}

// MonitorConfig configures sampling, smoothing and alert thresholds.
type MonitorConfig struct {
	SampleInterval      time.Duration                 `mapstructure:"sample_interval" yaml:"sample_interval"`
	SmoothingWindow     int                           `mapstructure:"smoothing_window" yaml:"smoothing_window"`
	HistoryLimit        int                           `mapstructure:"history_limit" yaml:"history_limit"`
	MemoryBudgetBytes   uint64                        `mapstructure:"memory_budget_bytes" yaml:"memory_budget_bytes"`
	GoroutineSaturation int                           `mapstructure:"goroutine_saturation" yaml:"goroutine_saturation"`
	Thresholds          map[string]monitor.Thresholds `mapstructure:"thresholds" yaml:"thresholds"`
}

// ClusterConfig configures multi-process worker mode.
type ClusterConfig struct {
	// Workers is the number of worker processes to fork. Zero means one per
	// CPU; negative disables clustering and serves from the leader process.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// BasePort is the first worker listen port; worker i binds BasePort+i.
	BasePort int `mapstructure:"base_port" yaml:"base_port"`
}

// LedgerConfig toggles the ledger collaborator.
type LedgerConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// InferenceConfig selects the language-processing backend.
type InferenceConfig struct {
	// Provider is "local", "anthropic" or "openai".
	Provider    string  `mapstructure:"provider" yaml:"provider"`
	Model       string  `mapstructure:"model" yaml:"model"`
	MaxTokens   int64   `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			BroadcastInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Pool: PoolConfig{
			MaxStandardAgents:  50,
			MaxEnhancedAgents:  20,
			MaxEnginesPerAgent: 10,
			InitialStandard:    2,
			InitialEnhanced:    1,
			InitialEngines:     2,
		},
		Scaling: ScalingConfig{
			Enabled:        true,
			MaxTotalAgents: 60,
			StepFraction:   0.1,
			StandardShare:  0.7,
		},
		Monitor: MonitorConfig{
			SampleInterval:      monitor.DefaultSampleInterval,
			SmoothingWindow:     monitor.DefaultSmoothingWindow,
			HistoryLimit:        monitor.DefaultHistoryLimit,
			MemoryBudgetBytes:   monitor.DefaultMemoryBudgetBytes,
			GoroutineSaturation: monitor.DefaultGoroutineSaturation,
			Thresholds:          monitor.DefaultThresholds(),
		},
		Cluster: ClusterConfig{
			Workers:  -1,
			BasePort: 9100,
		},
		Ledger: LedgerConfig{
			Enabled: false,
		},
		Inference: InferenceConfig{
			Provider:    "local",
			MaxTokens:   1024,
			Temperature: 0.2,
		},
	}
}

// Load reads configuration from the given file (optional) plus environment
// overrides, merged over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("agentpool")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentpool")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pool cannot run with.
func (c Config) Validate() error {
	if c.Pool.MaxStandardAgents <= 0 || c.Pool.MaxEnhancedAgents <= 0 {
		return fmt.Errorf("pool: agent ceilings must be positive")
	}
	if c.Pool.MaxEnginesPerAgent <= 0 {
		return fmt.Errorf("pool: max_engines_per_agent must be positive")
	}
	if c.Pool.InitialStandard > c.Pool.MaxStandardAgents {
		return fmt.Errorf("pool: initial_standard %d exceeds ceiling %d",
			c.Pool.InitialStandard, c.Pool.MaxStandardAgents)
	}
	if c.Pool.InitialEnhanced > c.Pool.MaxEnhancedAgents {
		return fmt.Errorf("pool: initial_enhanced %d exceeds ceiling %d",
			c.Pool.InitialEnhanced, c.Pool.MaxEnhancedAgents)
	}
	if c.Scaling.StepFraction <= 0 || c.Scaling.StepFraction > 1 {
		return fmt.Errorf("scaling: step_fraction must be in (0, 1]")
	}
	if c.Scaling.StandardShare < 0 || c.Scaling.StandardShare > 1 {
		return fmt.Errorf("scaling: standard_share must be in [0, 1]")
	}
	if c.Scaling.MaxTotalAgents <= 0 {
		return fmt.Errorf("scaling: max_total_agents must be positive")
	}
	if c.Monitor.SampleInterval <= 0 {
		return fmt.Errorf("monitor: sample_interval must be positive")
	}
	switch c.Inference.Provider {
	case "local", "anthropic", "openai":
	default:
		return fmt.Errorf("inference: unknown provider %q", c.Inference.Provider)
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.broadcast_interval", d.Server.BroadcastInterval)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("pool.max_standard_agents", d.Pool.MaxStandardAgents)
	v.SetDefault("pool.max_enhanced_agents", d.Pool.MaxEnhancedAgents)
	v.SetDefault("pool.max_engines_per_agent", d.Pool.MaxEnginesPerAgent)
	v.SetDefault("pool.initial_standard", d.Pool.InitialStandard)
	v.SetDefault("pool.initial_enhanced", d.Pool.InitialEnhanced)
	v.SetDefault("pool.initial_engines", d.Pool.InitialEngines)
	v.SetDefault("scaling.enabled", d.Scaling.Enabled)
	v.SetDefault("scaling.max_total_agents", d.Scaling.MaxTotalAgents)
	v.SetDefault("scaling.step_fraction", d.Scaling.StepFraction)
	v.SetDefault("scaling.standard_share", d.Scaling.StandardShare)
	v.SetDefault("monitor.sample_interval", d.Monitor.SampleInterval)
	v.SetDefault("monitor.smoothing_window", d.Monitor.SmoothingWindow)
	v.SetDefault("monitor.history_limit", d.Monitor.HistoryLimit)
	v.SetDefault("monitor.memory_budget_bytes", d.Monitor.MemoryBudgetBytes)
	v.SetDefault("monitor.goroutine_saturation", d.Monitor.GoroutineSaturation)
	v.SetDefault("cluster.workers", d.Cluster.Workers)
	v.SetDefault("cluster.base_port", d.Cluster.BasePort)
	v.SetDefault("ledger.enabled", d.Ledger.Enabled)
	v.SetDefault("inference.provider", d.Inference.Provider)
	v.SetDefault("inference.model", d.Inference.Model)
	v.SetDefault("inference.max_tokens", d.Inference.MaxTokens)
	v.SetDefault("inference.temperature", d.Inference.Temperature)
	for name, t := range d.Monitor.Thresholds {
		v.SetDefault("monitor.thresholds."+name+".warning", t.Warning)
		v.SetDefault("monitor.thresholds."+name+".critical", t.Critical)
		v.SetDefault("monitor.thresholds."+name+".emergency", t.Emergency)
	}
}
