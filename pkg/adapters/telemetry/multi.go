package telemetry

import (
	"context"
	"errors"

	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/ports"
)

// Multi fans out to every sink and joins their errors.
type Multi []ports.TelemetrySink

// RecordEvent records event on every sink
func (m Multi) RecordEvent(ctx context.Context, event domain.LifecycleEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RecordEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordSummary records summary on every sink
func (m Multi) RecordSummary(ctx context.Context, taskID string, summary domain.RunSummary) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RecordSummary(ctx, taskID, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
