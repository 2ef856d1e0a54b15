package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/handoff/pkg/adapters/agent/anthropic"
	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/ports"
	"go.uber.org/zap"
)

// Config holds executor configuration
type Config struct {
	Provider  string
	APIKey    string
	Model     string
	MaxTokens int64
	NoopDelay time.Duration
	Logger    *zap.Logger
}

// NewExecutor creates a new executor based on provider
func NewExecutor(cfg *Config) (ports.Executor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewExecutor(cfg.APIKey, cfg.Model, cfg.MaxTokens, logger)
	case "noop", "":
		return NewNoopExecutor(cfg.NoopDelay, logger), nil
	default:
		return nil, fmt.Errorf("unsupported agent provider: %s", cfg.Provider)
	}
}

// NoopExecutor succeeds every attempt after an optional delay.
type NoopExecutor struct {
	delay  time.Duration
	logger *zap.Logger
}

// NewNoopExecutor creates a no-op executor
func NewNoopExecutor(delay time.Duration, logger *zap.Logger) *NoopExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopExecutor{delay: delay, logger: logger}
}

// Execute waits for the configured delay or until ctx is done
func (e *NoopExecutor) Execute(ctx context.Context, node domain.RuntimeNode, attempt int) error {
	e.logger.Debug("noop agent executing",
		zap.String("node_id", node.NodeID),
		zap.String("agent_id", node.AgentID),
		zap.Int("attempt", attempt))

	if e.delay <= 0 {
		return nil
	}

	timer := time.NewTimer(e.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
