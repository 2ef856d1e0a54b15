package ports

import (
	"context"
	"time"
)

// EventType identifies a bus event.
type EventType string

const (
	EventTypeAttemptStarted   EventType = "attempt.started"
	EventTypeAttemptSucceeded EventType = "attempt.succeeded"
	EventTypeAttemptFailed    EventType = "attempt.failed"
	EventTypeAttemptTimedOut  EventType = "attempt.timed_out"
	EventTypeRunSummary       EventType = "run.summary"
)

// Event is the envelope carried on the event bus.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	ExecutionID string                 `json:"execution_id"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EventHandler consumes bus events.
type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes and subscribes to topic-scoped events. Subscribe may
// share a topic's events between subscribers of one consumer group;
// SubscribeBroadcast always delivers every event.
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	SubscribeBroadcast(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
