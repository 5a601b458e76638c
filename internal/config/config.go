package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the front door service.
// Every knob the service honors is enumerated here; unknown keys in the
// configuration file are rejected at load time.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Redis         RedisConfig         `mapstructure:"redis" yaml:"redis"`
	LLM           LLMConfig           `mapstructure:"llm" yaml:"llm"`
	SemanticCache SemanticCacheConfig `mapstructure:"semantic_cache" yaml:"semantic_cache"`
	RouterCache   RouterCacheConfig   `mapstructure:"router_cache" yaml:"router_cache"`
	ToolCache     ToolCacheConfig     `mapstructure:"tool_cache" yaml:"tool_cache"`
	Memory        MemoryConfig        `mapstructure:"memory" yaml:"memory"`
	Dispatcher    DispatcherConfig    `mapstructure:"dispatcher" yaml:"dispatcher"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration" yaml:"orchestration"`
	Targets       TargetsConfig       `mapstructure:"targets" yaml:"targets"`
	Tracing       TracingConfig       `mapstructure:"tracing" yaml:"tracing"`
}

// ServiceConfig holds HTTP server settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// RedisConfig holds connection settings for the Redis-compatible store.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// LLMConfig selects provider models.
type LLMConfig struct {
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	ChatModel      string `mapstructure:"chat_model" yaml:"chat_model"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
}

// SemanticCacheConfig controls the semantic response cache layer.
type SemanticCacheConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	TTLSeconds          int     `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
	EmbeddingDim        int     `mapstructure:"embedding_dim" yaml:"embedding_dim"`
}

// RouterCacheConfig controls the intent-routing cache layer.
type RouterCacheConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
}

// ToolCacheConfig controls the tool result cache layer.
type ToolCacheConfig struct {
	DefaultTTLSeconds int `mapstructure:"default_ttl_seconds" yaml:"default_ttl_seconds"`
}

// MemoryConfig controls the contextual memory service.
type MemoryConfig struct {
	MaxTurnsPerUser int `mapstructure:"max_turns_per_user" yaml:"max_turns_per_user"`
}

// DispatcherConfig controls end-to-end request handling.
type DispatcherConfig struct {
	RequestDeadlineMs int `mapstructure:"request_deadline_ms" yaml:"request_deadline_ms"`
	ConcurrencyCap    int `mapstructure:"concurrency_cap" yaml:"concurrency_cap"`
}

// OrchestrationConfig controls agent execution limits.
type OrchestrationConfig struct {
	AgentTimeoutMs  int `mapstructure:"agent_timeout_ms" yaml:"agent_timeout_ms"`
	ConcurrentCapMs int `mapstructure:"concurrent_cap_ms" yaml:"concurrent_cap_ms"`
	HandoffMaxHops  int `mapstructure:"handoff_max_hops" yaml:"handoff_max_hops"`
}

// TargetsConfig holds SLO targets reflected in response performance flags.
type TargetsConfig struct {
	LatencyMs int     `mapstructure:"latency_ms" yaml:"latency_ms"`
	CostUSD   float64 `mapstructure:"cost_usd" yaml:"cost_usd"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			GracefulTimeout: 15 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		LLM: LLMConfig{
			ChatModel:      "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-large",
		},
		SemanticCache: SemanticCacheConfig{
			SimilarityThreshold: 0.92,
			TTLSeconds:          3600,
			EmbeddingDim:        3072,
		},
		RouterCache: RouterCacheConfig{
			SimilarityThreshold: 0.90,
		},
		ToolCache: ToolCacheConfig{
			DefaultTTLSeconds: 300,
		},
		Memory: MemoryConfig{
			MaxTurnsPerUser: 50,
		},
		Dispatcher: DispatcherConfig{
			RequestDeadlineMs: 60000,
			ConcurrencyCap:    128,
		},
		Orchestration: OrchestrationConfig{
			AgentTimeoutMs:  20000,
			ConcurrentCapMs: 45000,
			HandoffMaxHops:  6,
		},
		Targets: TargetsConfig{
			LatencyMs: 2000,
			CostUSD:   0.02,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "frontdoor",
		},
	}
}

// Load reads configuration from the given file (optional) and FRONTDOOR_*
// environment overrides, applying defaults for anything unset. Unknown keys
// in the file fail the load.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRONTDOOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// UnmarshalExact rejects keys that do not map to a Config field.
		if err := v.UnmarshalExact(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the documented ranges.
func (c *Config) Validate() error {
	if c.SemanticCache.SimilarityThreshold < 0 || c.SemanticCache.SimilarityThreshold > 1 {
		return fmt.Errorf("semantic_cache.similarity_threshold must be in [0,1], got %v", c.SemanticCache.SimilarityThreshold)
	}
	if c.RouterCache.SimilarityThreshold < 0 || c.RouterCache.SimilarityThreshold > 1 {
		return fmt.Errorf("router_cache.similarity_threshold must be in [0,1], got %v", c.RouterCache.SimilarityThreshold)
	}
	if c.SemanticCache.EmbeddingDim <= 0 {
		return fmt.Errorf("semantic_cache.embedding_dim must be positive, got %d", c.SemanticCache.EmbeddingDim)
	}
	if c.SemanticCache.TTLSeconds <= 0 {
		return fmt.Errorf("semantic_cache.ttl_seconds must be positive, got %d", c.SemanticCache.TTLSeconds)
	}
	if c.ToolCache.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("tool_cache.default_ttl_seconds must be positive, got %d", c.ToolCache.DefaultTTLSeconds)
	}
	if c.Memory.MaxTurnsPerUser <= 0 {
		return fmt.Errorf("memory.max_turns_per_user must be positive, got %d", c.Memory.MaxTurnsPerUser)
	}
	if c.Dispatcher.ConcurrencyCap <= 0 {
		return fmt.Errorf("dispatcher.concurrency_cap must be positive, got %d", c.Dispatcher.ConcurrencyCap)
	}
	if c.Dispatcher.RequestDeadlineMs <= 0 {
		return fmt.Errorf("dispatcher.request_deadline_ms must be positive, got %d", c.Dispatcher.RequestDeadlineMs)
	}
	if c.Orchestration.HandoffMaxHops <= 0 {
		return fmt.Errorf("orchestration.handoff_max_hops must be positive, got %d", c.Orchestration.HandoffMaxHops)
	}
	return nil
}

// RequestDeadline returns the per-request deadline as a duration.
func (c *Config) RequestDeadline() time.Duration {
	return time.Duration(c.Dispatcher.RequestDeadlineMs) * time.Millisecond
}

// AgentTimeout returns the per-agent timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Orchestration.AgentTimeoutMs) * time.Millisecond
}

// ConcurrentCap returns the concurrent-orchestration cap as a duration.
func (c *Config) ConcurrentCap() time.Duration {
	return time.Duration(c.Orchestration.ConcurrentCapMs) * time.Millisecond
}

// SemanticTTL returns the semantic cache TTL as a duration.
func (c *Config) SemanticTTL() time.Duration {
	return time.Duration(c.SemanticCache.TTLSeconds) * time.Second
}
