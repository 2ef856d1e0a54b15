package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/aescanero/handoff/pkg/domain"
	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMessages struct {
	last sdk.MessageNewParams
	resp *sdk.Message
	err  error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.last = body
	return s.resp, s.err
}

func node() domain.RuntimeNode {
	return domain.RuntimeNode{PlanNode: domain.PlanNode{
		NodeID:    "api",
		Title:     "Build the API",
		AgentID:   "backend",
		Priority:  domain.PriorityP1,
		DependsOn: []string{"design"},
		WaveIndex: 1,
	}}
}

func TestExecuteSendsPrompt(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{StopReason: sdk.StopReasonEndTurn}}
	exec := newExecutor(stub, "", 0, nil)

	require.NoError(t, exec.Execute(context.Background(), node(), 2))
	assert.Equal(t, sdk.Model(DefaultModel), stub.last.Model)
	assert.Equal(t, DefaultMaxTokens, stub.last.MaxTokens)
	require.Len(t, stub.last.Messages, 1)
	require.Len(t, stub.last.System, 1)
	assert.Contains(t, stub.last.System[0].Text, "backend agent")
}

func TestExecuteFailures(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		exec := newExecutor(&stubMessages{err: errors.New("overloaded")}, "m", 10, nil)
		err := exec.Execute(context.Background(), node(), 1)
		assert.ErrorContains(t, err, "overloaded")
	})

	t.Run("truncated response", func(t *testing.T) {
		exec := newExecutor(&stubMessages{resp: &sdk.Message{StopReason: sdk.StopReasonMaxTokens}}, "m", 10, nil)
		err := exec.Execute(context.Background(), node(), 1)
		assert.ErrorContains(t, err, "truncated")
	})
}

func TestPrompt(t *testing.T) {
	p := Prompt(node(), 1)
	assert.Contains(t, p, "Task api: Build the API")
	assert.Contains(t, p, "Completed upstream tasks: design")
	assert.NotContains(t, p, "attempt")

	assert.Contains(t, Prompt(node(), 3), "This is attempt 3")
}

func TestNewExecutorRequiresKey(t *testing.T) {
	_, err := NewExecutor("", "", 0, nil)
	assert.Error(t, err)
}
