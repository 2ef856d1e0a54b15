package config

import (
	"fmt"
	"time"

	"github.com/aescanero/handoff/internal/application/orchestrator"
	"github.com/aescanero/handoff/pkg/domain"
	"github.com/caarlos0/env/v10"
)

// Backend selects where run state and events live.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration for the handoff orchestrator
type Config struct {
	// Server configuration
	HTTPPort int    `env:"HANDOFF_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"HANDOFF_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	APIToken string `env:"HANDOFF_API_TOKEN"`

	// Backend for run storage and the event bus
	Backend string `env:"HANDOFF_BACKEND" envDefault:"memory"`

	Redis    RedisConfig
	Agent    AgentConfig
	Dispatch DispatchConfig
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr          string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password      string        `env:"REDIS_PASS"`
	DB            int           `env:"REDIS_DB" envDefault:"0"`
	TTL           time.Duration `env:"REDIS_RUN_TTL" envDefault:"24h"`
	ConsumerGroup string        `env:"EVENTS_CONSUMER_GROUP"`
	StreamMaxLen  int64         `env:"EVENTS_STREAM_MAXLEN" envDefault:"10000"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// AgentConfig selects the agent executor. An empty provider runs the no-op
// executor.
type AgentConfig struct {
	Provider  string        `env:"AGENT_PROVIDER"`
	APIKey    string        `env:"AGENT_API_KEY,expand" envDefault:"${ANTHROPIC_API_KEY}"`
	Model     string        `env:"AGENT_MODEL"`
	MaxTokens int64         `env:"AGENT_MAX_TOKENS" envDefault:"1024"`
	NoopDelay time.Duration `env:"AGENT_NOOP_DELAY" envDefault:"0s"`
}

// DispatchConfig holds the default concurrency caps and retry policy
type DispatchConfig struct {
	MaxParallelAgents int           `env:"DISPATCH_MAX_PARALLEL_AGENTS" envDefault:"4"`
	CapP0             int           `env:"DISPATCH_CAP_P0" envDefault:"4"`
	CapP1             int           `env:"DISPATCH_CAP_P1" envDefault:"3"`
	CapP2             int           `env:"DISPATCH_CAP_P2" envDefault:"2"`
	CapP3             int           `env:"DISPATCH_CAP_P3" envDefault:"1"`
	AttemptTimeout    time.Duration `env:"DISPATCH_ATTEMPT_TIMEOUT" envDefault:"120s"`
	MaxRetries        int           `env:"DISPATCH_MAX_RETRIES" envDefault:"2"`
	Backoff           time.Duration `env:"DISPATCH_BACKOFF" envDefault:"2s"`
	BackoffMultiplier float64       `env:"DISPATCH_BACKOFF_MULTIPLIER" envDefault:"2"`
	FailFast          bool          `env:"DISPATCH_FAIL_FAST" envDefault:"false"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	GraphExecutionTimeout time.Duration `env:"TIMEOUT_GRAPH_EXECUTION" envDefault:"3600s"`
	ShutdownTimeout       time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
	HealthCheckInterval   time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	default:
		return fmt.Errorf("unsupported backend: %s (must be memory or redis)", c.Backend)
	}

	switch c.Agent.Provider {
	case "", "noop":
	case "anthropic":
		if c.Agent.APIKey == "" {
			return fmt.Errorf("agent API key is required for provider anthropic")
		}
	default:
		return fmt.Errorf("unsupported agent provider: %s", c.Agent.Provider)
	}

	d := c.Dispatch
	if d.MaxParallelAgents < 1 {
		return fmt.Errorf("max parallel agents must be at least 1")
	}
	for p, v := range map[string]int{"P0": d.CapP0, "P1": d.CapP1, "P2": d.CapP2, "P3": d.CapP3} {
		if v < 0 {
			return fmt.Errorf("cap for %s must not be negative", p)
		}
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if d.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive")
	}
	if d.Backoff < 0 || d.BackoffMultiplier < 1 {
		return fmt.Errorf("invalid backoff: %s x%g", d.Backoff, d.BackoffMultiplier)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// Orchestrator returns the manager defaults described by the dispatch and
// timeout settings.
func (c *Config) Orchestrator() orchestrator.Config {
	d := c.Dispatch
	return orchestrator.Config{
		Limits: domain.DispatchLimits{
			MaxParallelAgents: d.MaxParallelAgents,
			PerPriorityCaps: map[domain.Priority]int{
				domain.PriorityP0: d.CapP0,
				domain.PriorityP1: d.CapP1,
				domain.PriorityP2: d.CapP2,
				domain.PriorityP3: d.CapP3,
			},
		},
		Policy: domain.DispatchPolicy{
			AttemptTimeout:      d.AttemptTimeout,
			MaxRetries:          d.MaxRetries,
			Backoff:             d.Backoff,
			BackoffMultiplier:   d.BackoffMultiplier,
			FailFastFutureWaves: d.FailFast,
		},
		GraphTimeout: c.Timeouts.GraphExecutionTimeout,
	}
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
