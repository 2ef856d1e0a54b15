package domain

import "time"

// RunStatus is the lifecycle of a whole orchestration run.
type RunStatus string

const (
	RunStatusSubmitted RunStatus = "submitted"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// WaveReport is the persisted digest of one executed wave.
type WaveReport struct {
	WaveIndex          int              `json:"waveIndex"`
	DispatchSequence   []DispatchEntry  `json:"dispatchSequence"`
	AttemptTimeline    []AttemptRecord  `json:"attemptTimeline"`
	Events             []LifecycleEvent `json:"events"`
	Summary            RunSummary       `json:"summary"`
	HasTerminalFailure bool             `json:"hasTerminalFailure"`
}

// RunState is the snapshot written to storage between waves.
type RunState struct {
	RunID        string                `json:"runId"`
	TaskID       string                `json:"taskId"`
	Status       RunStatus             `json:"status"`
	Plan         *SchedulePlan         `json:"plan,omitempty"`
	NodeStatuses map[string]NodeStatus `json:"nodeStatuses"`
	Waves        []WaveReport          `json:"waves"`
	Summary      RunSummary            `json:"summary"`
	Error        string                `json:"error,omitempty"`
	SubmittedAt  time.Time             `json:"submittedAt"`
	StartedAt    *time.Time            `json:"startedAt,omitempty"`
	CompletedAt  *time.Time            `json:"completedAt,omitempty"`
}
