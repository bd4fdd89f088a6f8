package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Alloy.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Guard       GuardConfig       `yaml:"guard"`
	Memory      MemoryConfig      `yaml:"memory"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	LLM         LLMConfig         `yaml:"llm"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AgentConfig bounds the executor.
type AgentConfig struct {
	MaxToolsPerRequest int               `yaml:"max_tools_per_request"`
	MaxToolCalls       int               `yaml:"max_tool_calls"`
	Concurrency        ConcurrencyConfig `yaml:"concurrency"`
	RAG                RAGConfig         `yaml:"rag"`
}

type ConcurrencyConfig struct {
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
}

type RAGConfig struct {
	Enabled       bool `yaml:"enabled"`
	TopK          int  `yaml:"top_k"`
	RerankEnabled bool `yaml:"rerank_enabled"`
}

// GuardConfig configures the admission pipeline.
type GuardConfig struct {
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	InputValidation InputValidationConfig `yaml:"input_validation"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour"`
}

type InputValidationConfig struct {
	MinLength int `yaml:"min_length"`
	MaxLength int `yaml:"max_length"`
}

// MemoryConfig bounds the conversation store.
type MemoryConfig struct {
	MaxSessions int           `yaml:"max_sessions"`
	MaxMessages int           `yaml:"max_messages"`
	TTL         time.Duration `yaml:"ttl"`
	// Path enables the sqlite backend when set.
	Path string `yaml:"path"`
}

// IdempotencyConfig configures the write dedupe cache.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// BreakerConfig configures the outbound retry executor and circuit breaker.
type BreakerConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

// SchedulerConfig configures the dynamic job runner.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// ExecutionsPath is the sqlite file backing execution history.
	ExecutionsPath string `yaml:"executions_path"`
}

// LLMConfig selects and credentials the chat provider.
type LLMConfig struct {
	Provider             string  `yaml:"provider"`
	APIKey               string  `yaml:"api_key"`
	BaseURL              string  `yaml:"base_url"`
	Model                string  `yaml:"model"`
	Temperature          float64 `yaml:"temperature"`
	MaxOutputTokens      int     `yaml:"max_output_tokens"`
	MaxConversationTurns int     `yaml:"max_conversation_turns"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. Environment variables in
// the form ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.MaxToolsPerRequest == 0 {
		cfg.Agent.MaxToolsPerRequest = 32
	}
	if cfg.Agent.MaxToolCalls == 0 {
		cfg.Agent.MaxToolCalls = 10
	}
	if cfg.Agent.Concurrency.MaxConcurrentRequests == 0 {
		cfg.Agent.Concurrency.MaxConcurrentRequests = 8
	}
	if cfg.Agent.Concurrency.RequestTimeout == 0 {
		cfg.Agent.Concurrency.RequestTimeout = 2 * time.Minute
	}
	if cfg.Agent.RAG.TopK == 0 {
		cfg.Agent.RAG.TopK = 5
	}
	if cfg.Guard.RateLimit.RequestsPerMinute == 0 {
		cfg.Guard.RateLimit.RequestsPerMinute = 20
	}
	if cfg.Guard.RateLimit.RequestsPerHour == 0 {
		cfg.Guard.RateLimit.RequestsPerHour = 200
	}
	if cfg.Guard.InputValidation.MinLength == 0 {
		cfg.Guard.InputValidation.MinLength = 1
	}
	if cfg.Guard.InputValidation.MaxLength == 0 {
		cfg.Guard.InputValidation.MaxLength = 8000
	}
	if cfg.Memory.MaxSessions == 0 {
		cfg.Memory.MaxSessions = 1000
	}
	if cfg.Memory.MaxMessages == 0 {
		cfg.Memory.MaxMessages = 50
	}
	if cfg.Memory.TTL == 0 {
		cfg.Memory.TTL = 24 * time.Hour
	}
	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = 10 * time.Minute
	}
	if cfg.Idempotency.MaxEntries == 0 {
		cfg.Idempotency.MaxEntries = 1000
	}
	if cfg.Breaker.MaxAttempts == 0 {
		cfg.Breaker.MaxAttempts = 3
	}
	if cfg.Breaker.InitialBackoff == 0 {
		cfg.Breaker.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Breaker.MaxBackoff == 0 {
		cfg.Breaker.MaxBackoff = 10 * time.Second
	}
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.OpenDuration == 0 {
		cfg.Breaker.OpenDuration = 30 * time.Second
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.MaxOutputTokens == 0 {
		cfg.LLM.MaxOutputTokens = 4096
	}
	if cfg.LLM.MaxConversationTurns == 0 {
		cfg.LLM.MaxConversationTurns = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects values that would misbehave at runtime.
func (cfg *Config) Validate() error {
	if cfg.Agent.MaxToolCalls < 1 {
		return fmt.Errorf("agent.max_tool_calls must be >= 1, got %d", cfg.Agent.MaxToolCalls)
	}
	if cfg.Agent.Concurrency.MaxConcurrentRequests < 1 {
		return fmt.Errorf("agent.concurrency.max_concurrent_requests must be >= 1, got %d", cfg.Agent.Concurrency.MaxConcurrentRequests)
	}
	if cfg.Guard.InputValidation.MinLength > cfg.Guard.InputValidation.MaxLength {
		return fmt.Errorf("guard.input_validation: min_length %d exceeds max_length %d",
			cfg.Guard.InputValidation.MinLength, cfg.Guard.InputValidation.MaxLength)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be in [0,2], got %v", cfg.LLM.Temperature)
	}
	switch cfg.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", cfg.LLM.Provider)
	}
	return nil
}
