package ports

import (
	"context"
	"errors"

	"github.com/aescanero/handoff/pkg/domain"
)

// ErrRunNotFound is returned by RunStore implementations for unknown ids.
var ErrRunNotFound = errors.New("run not found")

// RunStore snapshots run state between waves.
type RunStore interface {
	SaveRun(ctx context.Context, run *domain.RunState) error
	GetRun(ctx context.Context, runID string) (*domain.RunState, error)
	ListRuns(ctx context.Context) ([]string, error)
	DeleteRun(ctx context.Context, runID string) error
}
