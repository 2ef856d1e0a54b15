package ports

import (
	"context"

	"github.com/aescanero/handoff/pkg/domain"
)

// TelemetrySink records the lifecycle event stream and run summaries per
// task. It never feeds back into scheduling.
type TelemetrySink interface {
	RecordEvent(ctx context.Context, event domain.LifecycleEvent) error
	RecordSummary(ctx context.Context, taskID string, summary domain.RunSummary) error
}

// Executor performs the actual work for one attempt of a node. A nil error
// means success. The context is cancelled once the attempt has settled,
// including when it timed out.
type Executor interface {
	Execute(ctx context.Context, node domain.RuntimeNode, attempt int) error
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, node domain.RuntimeNode, attempt int) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, node domain.RuntimeNode, attempt int) error {
	return f(ctx, node, attempt)
}
