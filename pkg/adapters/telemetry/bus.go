package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic is the bus topic every dispatch event is published on.
const Topic = "dispatch.events"

var eventTypes = map[domain.LifecycleEventType]ports.EventType{
	domain.EventStart:   ports.EventTypeAttemptStarted,
	domain.EventSuccess: ports.EventTypeAttemptSucceeded,
	domain.EventFailure: ports.EventTypeAttemptFailed,
	domain.EventTimeout: ports.EventTypeAttemptTimedOut,
}

// BusSink publishes lifecycle events and summaries on an event bus.
type BusSink struct {
	bus    ports.EventBus
	topic  string
	logger *zap.Logger
}

// NewBusSink creates a sink publishing on Topic.
func NewBusSink(bus ports.EventBus, logger *zap.Logger) *BusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusSink{bus: bus, topic: Topic, logger: logger}
}

// RecordEvent converts event to a bus envelope and publishes it
func (s *BusSink) RecordEvent(ctx context.Context, event domain.LifecycleEvent) error {
	if err := s.bus.Publish(ctx, s.topic, ToBusEvent(event)); err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}
	return nil
}

// RecordSummary publishes a run.summary envelope
func (s *BusSink) RecordSummary(ctx context.Context, taskID string, summary domain.RunSummary) error {
	event := ports.Event{
		ID:          uuid.New().String(),
		Type:        ports.EventTypeRunSummary,
		Timestamp:   time.Now(),
		ExecutionID: taskID,
		Data: map[string]interface{}{
			"started":   summary.Started,
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
			"timedOut":  summary.TimedOut,
			"retried":   summary.Retried,
		},
	}
	if err := s.bus.Publish(ctx, s.topic, event); err != nil {
		return fmt.Errorf("failed to publish run summary: %w", err)
	}

	s.logger.Debug("run summary published",
		zap.String("task_id", taskID),
		zap.Int("started", summary.Started))
	return nil
}

// ToBusEvent converts a lifecycle event to its bus envelope. The
// execution id is the task id.
func ToBusEvent(event domain.LifecycleEvent) ports.Event {
	data := map[string]interface{}{
		"seq":              event.Seq,
		"event":            string(event.Event),
		"nodeId":           event.NodeID,
		"waveIndex":        event.WaveIndex,
		"attempt":          event.Attempt,
		"agentId":          event.AgentID,
		"priority":         string(event.Priority),
		"schedulePlanHash": event.SchedulePlanHash,
	}
	if event.DurationMs != nil {
		data["durationMs"] = *event.DurationMs
	}
	if event.ErrorMessage != "" {
		data["errorMessage"] = event.ErrorMessage
	}

	return ports.Event{
		ID:          uuid.New().String(),
		Type:        eventTypes[event.Event],
		Timestamp:   event.Timestamp,
		ExecutionID: event.TaskID,
		Data:        data,
	}
}
