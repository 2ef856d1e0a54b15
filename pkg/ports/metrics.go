package ports

import (
	"time"

	"github.com/aescanero/handoff/pkg/domain"
)

// MetricsCollector receives dispatch and planning measurements.
type MetricsCollector interface {
	RecordPlanCreated(waves, nodes int)
	RecordAttempt(priority domain.Priority, outcome domain.AttemptOutcome, duration time.Duration)
	RecordRetry(priority domain.Priority)
	RecordBlocked(priority domain.Priority)
	SetRunning(priority domain.Priority, count int)
	RecordWaveCompleted(terminalFailure bool)
	RecordRunCompleted(status domain.RunStatus, duration time.Duration)
	SetActiveRuns(count int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordPlanCreated(int, int)                                          {}
func (NopMetrics) RecordAttempt(domain.Priority, domain.AttemptOutcome, time.Duration) {}
func (NopMetrics) RecordRetry(domain.Priority)                                         {}
func (NopMetrics) RecordBlocked(domain.Priority)                                       {}
func (NopMetrics) SetRunning(domain.Priority, int)                                     {}
func (NopMetrics) RecordWaveCompleted(bool)                                            {}
func (NopMetrics) RecordRunCompleted(domain.RunStatus, time.Duration)                  {}
func (NopMetrics) SetActiveRuns(int)                                                   {}
