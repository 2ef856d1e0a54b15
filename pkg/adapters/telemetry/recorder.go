package telemetry

import (
	"context"
	"sync"

	"github.com/aescanero/handoff/pkg/domain"
)

// Recorder keeps every event and an accumulated summary per task id.
type Recorder struct {
	mu        sync.RWMutex
	events    map[string][]domain.LifecycleEvent
	summaries map[string]domain.RunSummary
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{
		events:    make(map[string][]domain.LifecycleEvent),
		summaries: make(map[string]domain.RunSummary),
	}
}

// RecordEvent appends event to its task log
func (r *Recorder) RecordEvent(_ context.Context, event domain.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[event.TaskID] = append(r.events[event.TaskID], event)
	return nil
}

// RecordSummary adds summary to the task total
func (r *Recorder) RecordSummary(_ context.Context, taskID string, summary domain.RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := r.summaries[taskID]
	total.Add(summary)
	r.summaries[taskID] = total
	return nil
}

// Events returns a copy of the events recorded for taskID in emission order
func (r *Recorder) Events(taskID string) []domain.LifecycleEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.LifecycleEvent, len(r.events[taskID]))
	copy(out, r.events[taskID])
	return out
}

// Summary returns the accumulated summary for taskID
func (r *Recorder) Summary(taskID string) domain.RunSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.summaries[taskID]
}

// Reset forgets everything recorded for taskID
func (r *Recorder) Reset(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.events, taskID)
	delete(r.summaries, taskID)
}
