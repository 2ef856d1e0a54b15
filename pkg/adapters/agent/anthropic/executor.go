package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/handoff/pkg/domain"
	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-sonnet-4-5"
	// DefaultMaxTokens bounds each response when not configured.
	DefaultMaxTokens int64 = 1024
)

// messageClient is the subset of the Messages service the executor uses.
type messageClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Executor hands each attempt to an agent through the Anthropic Messages API
type Executor struct {
	messages  messageClient
	model     string
	maxTokens int64
	logger    *zap.Logger
}

// NewExecutor creates a new Anthropic-backed executor
func NewExecutor(apiKey, model string, maxTokens int64, logger *zap.Logger) (*Executor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return newExecutor(&client.Messages, model, maxTokens, logger), nil
}

func newExecutor(messages messageClient, model string, maxTokens int64, logger *zap.Logger) *Executor {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		messages:  messages,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Execute sends the handoff prompt for node and succeeds when the model
// answers with a finished turn.
func (e *Executor) Execute(ctx context.Context, node domain.RuntimeNode, attempt int) error {
	start := time.Now()

	msg, err := e.messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(e.model),
		MaxTokens: e.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt(node)},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(Prompt(node, attempt))),
		},
	})
	if err != nil {
		e.logger.Error("agent call failed",
			zap.String("node_id", node.NodeID),
			zap.String("agent_id", node.AgentID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return fmt.Errorf("failed to call agent %s: %w", node.AgentID, err)
	}

	if msg.StopReason == sdk.StopReasonMaxTokens {
		return fmt.Errorf("agent %s response truncated at %d tokens", node.AgentID, e.maxTokens)
	}

	e.logger.Info("agent call completed",
		zap.String("node_id", node.NodeID),
		zap.String("agent_id", node.AgentID),
		zap.Int("attempt", attempt),
		zap.String("model", e.model),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.Int("response_chars", len(responseText(msg))),
		zap.Duration("latency", time.Since(start)))

	return nil
}

func systemPrompt(node domain.RuntimeNode) string {
	agent := node.AgentID
	if agent == "" {
		agent = "generalist"
	}
	return fmt.Sprintf("You are the %s agent in a multi-agent handoff. Complete only your assigned task.", agent)
}

// Prompt renders the user message for one attempt of node.
func Prompt(node domain.RuntimeNode, attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s", node.NodeID)
	if node.Title != "" {
		fmt.Fprintf(&b, ": %s", node.Title)
	}
	fmt.Fprintf(&b, "\nPriority: %s\nWave: %d\n", node.Priority, node.WaveIndex)
	if len(node.DependsOn) > 0 {
		fmt.Fprintf(&b, "Completed upstream tasks: %s\n", strings.Join(node.DependsOn, ", "))
	}
	if attempt > 1 {
		fmt.Fprintf(&b, "This is attempt %d; previous attempts did not finish.\n", attempt)
	}
	return b.String()
}

func responseText(msg *sdk.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
