package domain

import (
	"math"
	"time"
)

// NodeStatus is the dispatch state of a node.
type NodeStatus string

const (
	NodeStatusQueued    NodeStatus = "queued"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusTimedOut  NodeStatus = "timed_out"
	NodeStatusBlocked   NodeStatus = "blocked"
)

// IsTerminal reports whether no further transition happens within a wave.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusTimedOut, NodeStatusBlocked:
		return true
	}
	return false
}

// DispatchPolicy controls timeouts and retries of individual attempts.
type DispatchPolicy struct {
	AttemptTimeout      time.Duration `json:"attemptTimeout"`
	MaxRetries          int           `json:"maxRetries"`
	Backoff             time.Duration `json:"backoff"`
	BackoffMultiplier   float64       `json:"backoffMultiplier"`
	FailFastFutureWaves bool          `json:"failFastFutureWaves"`
}

// DefaultDispatchPolicy returns the stock retry/timeout policy.
func DefaultDispatchPolicy() DispatchPolicy {
	return DispatchPolicy{
		AttemptTimeout:    120 * time.Second,
		MaxRetries:        2,
		Backoff:           2 * time.Second,
		BackoffMultiplier: 2,
	}
}

// BackoffDelay is the wait before re-enqueueing after the given failed attempt.
func (p DispatchPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(p.BackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(p.Backoff) * factor)
}

// DispatchLimits caps concurrently running attempts globally and per tier.
// Both ceilings are enforced independently.
type DispatchLimits struct {
	MaxParallelAgents int              `json:"maxParallelAgents"`
	PerPriorityCaps   map[Priority]int `json:"perPriorityCaps"`
}

// DefaultDispatchLimits returns the stock concurrency caps.
func DefaultDispatchLimits() DispatchLimits {
	return DispatchLimits{
		MaxParallelAgents: 4,
		PerPriorityCaps: map[Priority]int{
			PriorityP0: 4,
			PriorityP1: 3,
			PriorityP2: 2,
			PriorityP3: 1,
		},
	}
}

// Cap returns the ceiling for p; tiers absent from the map use the default.
func (l DispatchLimits) Cap(p Priority) int {
	if c, ok := l.PerPriorityCaps[p]; ok {
		return c
	}
	return DefaultDispatchLimits().PerPriorityCaps[p]
}

// LifecycleEventType names an entry in the dispatch event log.
type LifecycleEventType string

const (
	EventStart   LifecycleEventType = "start"
	EventSuccess LifecycleEventType = "success"
	EventFailure LifecycleEventType = "failure"
	EventTimeout LifecycleEventType = "timeout"
)

// LifecycleEvent is an immutable entry of the dispatch event log.
type LifecycleEvent struct {
	Seq              int64              `json:"seq"`
	Event            LifecycleEventType `json:"event"`
	Timestamp        time.Time          `json:"timestamp"`
	TaskID           string             `json:"taskId"`
	NodeID           string             `json:"nodeId"`
	WaveIndex        int                `json:"waveIndex"`
	Attempt          int                `json:"attempt"`
	AgentID          string             `json:"agentId"`
	Priority         Priority           `json:"priority"`
	SchedulePlanHash string             `json:"schedulePlanHash"`
	// DurationMs is set on every settled-attempt event and never on start.
	DurationMs   *int64 `json:"durationMs,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// RunSummary counts attempts over one or more wave executions.
type RunSummary struct {
	Started   int `json:"started"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timedOut"`
	Retried   int `json:"retried"`
}

// Add accumulates o into s.
func (s *RunSummary) Add(o RunSummary) {
	s.Started += o.Started
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.TimedOut += o.TimedOut
	s.Retried += o.Retried
}

// AttemptOutcome is how a single attempt settled.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
	OutcomeTimeout AttemptOutcome = "timeout"
)

// DispatchEntry records one launch in dispatch order.
type DispatchEntry struct {
	NodeID    string `json:"nodeId"`
	Attempt   int    `json:"attempt"`
	WaveIndex int    `json:"waveIndex"`
}

// AttemptRecord records one settled attempt.
type AttemptRecord struct {
	NodeID       string         `json:"nodeId"`
	Attempt      int            `json:"attempt"`
	Outcome      AttemptOutcome `json:"outcome"`
	StartedAt    time.Time      `json:"startedAt"`
	DurationMs   int64          `json:"durationMs"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	// RetryDelay is set when the attempt was followed by a retry.
	RetryDelay time.Duration `json:"retryDelay,omitempty"`
}

// WaveResult is what the dispatch controller returns for one wave.
type WaveResult struct {
	WaveIndex          int                   `json:"waveIndex"`
	NodeStatuses       map[string]NodeStatus `json:"nodeStatuses"`
	DispatchSequence   []DispatchEntry       `json:"dispatchSequence"`
	AttemptTimeline    []AttemptRecord       `json:"attemptTimeline"`
	Events             []LifecycleEvent      `json:"events"`
	Summary            RunSummary            `json:"summary"`
	HasTerminalFailure bool                  `json:"hasTerminalFailure"`
}
