package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Memory   MemoryConfig   `mapstructure:"memory" yaml:"memory"`
	Graph    GraphConfig    `mapstructure:"graph" yaml:"graph"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Tools    ToolsConfig    `mapstructure:"tools" yaml:"tools"`
	Workflow WorkflowConfig `mapstructure:"workflow" yaml:"workflow"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the PostgreSQL connection details for the graph store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MemoryConfig configures the investigation memory store.
type MemoryConfig struct {
	// Path is the SQLite database file; ":memory:" keeps everything ephemeral.
	Path string `mapstructure:"path" yaml:"path"`
}

// GraphConfig selects the knowledge graph backend.
type GraphConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// LLMProvider defines the supported completion providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMModelConfig defines the configuration for a single model.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// AgentConfig holds settings for the investigation loop.
type AgentConfig struct {
	LLM LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	// MaxIterations is the unconditional ceiling on loop iterations.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// DecisionWindow is how many recent action records the continuation and
	// adaptation steps read. Deliberately tunable; see the decision step.
	DecisionWindow int           `mapstructure:"decision_window" yaml:"decision_window"`
	ToolTimeout    time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
}

// ToolsConfig tunes the capability registry and the builtin lookup tools.
type ToolsConfig struct {
	// RatePerSecond caps tool invocations across the whole registry.
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
}

// WorkflowConfig tunes the orchestrator.
type WorkflowConfig struct {
	// MaxConcurrentRuns bounds agent runs across continuous workflows and
	// parallel campaigns combined.
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	// DefaultInterval is used by continuous workflows with no explicit schedule.
	DefaultInterval time.Duration `mapstructure:"default_interval" yaml:"default_interval"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "kestrel")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Storage --
	v.SetDefault("database.url", "")
	v.SetDefault("memory.path", "data/kestrel.db")
	v.SetDefault("graph.backend", "memory")

	// -- Agent --
	v.SetDefault("agent.max_iterations", 15)
	v.SetDefault("agent.decision_window", 5)
	v.SetDefault("agent.tool_timeout", "30s")
	v.SetDefault("agent.llm.default_fast_model", "fast")
	v.SetDefault("agent.llm.default_powerful_model", "powerful")
	v.SetDefault("agent.llm.models.fast.provider", "gemini")
	v.SetDefault("agent.llm.models.fast.model", "gemini-2.0-flash")
	v.SetDefault("agent.llm.models.fast.api_timeout", "30s")
	v.SetDefault("agent.llm.models.fast.max_retries", 2)
	v.SetDefault("agent.llm.models.powerful.provider", "gemini")
	v.SetDefault("agent.llm.models.powerful.model", "gemini-2.5-pro")
	v.SetDefault("agent.llm.models.powerful.api_timeout", "90s")
	v.SetDefault("agent.llm.models.powerful.max_retries", 2)

	// -- Tools --
	v.SetDefault("tools.rate_per_second", 4.0)
	v.SetDefault("tools.rate_burst", 8)
	v.SetDefault("tools.http_timeout", "20s")

	// -- Workflow --
	v.SetDefault("workflow.max_concurrent_runs", 4)
	v.SetDefault("workflow.default_interval", "5m")
}

// NewDefaultConfig creates a configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Validate performs cross-field sanity checks not expressible as defaults.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.DecisionWindow <= 0 {
		return fmt.Errorf("agent.decision_window must be positive, got %d", c.Agent.DecisionWindow)
	}
	if c.Workflow.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("workflow.max_concurrent_runs must be positive, got %d", c.Workflow.MaxConcurrentRuns)
	}
	if c.Graph.Backend != "memory" && c.Graph.Backend != "postgres" {
		return fmt.Errorf("graph.backend must be \"memory\" or \"postgres\", got %q", c.Graph.Backend)
	}
	if c.Graph.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("graph.backend is postgres but database.url is empty")
	}
	return nil
}
