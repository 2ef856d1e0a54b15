package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/handoff/internal/application/graph"
	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/ports"
	"go.uber.org/zap"
)

// ErrCapacityExceeded means a launch pushed a running counter past its cap.
// It indicates a broken scheduler invariant and aborts the wave.
var ErrCapacityExceeded = errors.New("dispatch capacity invariant violated")

// WaveState is what the orchestrating caller carries between waves.
type WaveState struct {
	TaskID           string
	SchedulePlanHash string
	// NodeStatuses holds statuses from earlier waves. It is read, never mutated.
	NodeStatuses map[string]domain.NodeStatus
}

// Controller dispatches the nodes of one runtime wave at a time under
// global and per-priority concurrency caps, with per-attempt timeouts and
// exponential-backoff retries.
//
// Event sequence numbers are per Controller and keep increasing across
// waves. ExecuteWave calls on the same Controller are serialized.
type Controller struct {
	executor  ports.Executor
	telemetry ports.TelemetrySink
	metrics   ports.MetricsCollector
	clock     Clock
	logger    *zap.Logger

	mu  sync.Mutex
	seq int64
}

// NewController creates a dispatch controller. Only executor is required.
func NewController(
	executor ports.Executor,
	telemetry ports.TelemetrySink,
	metrics ports.MetricsCollector,
	clock Clock,
	logger *zap.Logger,
) *Controller {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		executor:  executor,
		telemetry: telemetry,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
}

type queueEntry struct {
	node    domain.RuntimeNode
	attempt int
}

type settlement struct {
	entry      queueEntry
	outcome    domain.AttemptOutcome
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// waveRun is the state owned by the coordinating loop of one ExecuteWave call.
type waveRun struct {
	c      *Controller
	ctx    context.Context
	wave   domain.RuntimeWave
	state  WaveState
	limits domain.DispatchLimits
	policy domain.DispatchPolicy

	statuses     map[string]domain.NodeStatus
	queue        []queueEntry
	runningTotal int
	runningBy    map[domain.Priority]int
	backingOff   int

	settled chan settlement
	requeue chan queueEntry

	result *domain.WaveResult
}

// ExecuteWave runs every node of wave to a terminal status. Nil limits or
// policy select the defaults. Execution and timeout failures are absorbed
// into the result; the returned error is reserved for invariant faults and
// cancellation of ctx, in which case the partial result is returned too.
func (c *Controller) ExecuteWave(
	ctx context.Context,
	wave domain.RuntimeWave,
	state WaveState,
	limits *domain.DispatchLimits,
	policy *domain.DispatchPolicy,
) (*domain.WaveResult, error) {
	if c.executor == nil {
		return nil, fmt.Errorf("dispatch controller requires an executor")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := c.newWaveRun(ctx, wave, state, limits, policy)

	c.logger.Info("wave dispatch started",
		zap.String("task_id", state.TaskID),
		zap.Int("wave_index", wave.WaveIndex),
		zap.Int("nodes", len(wave.Nodes)),
		zap.Int("queued", len(r.queue)),
		zap.Int("max_parallel_agents", r.limits.MaxParallelAgents))

	if err := r.loop(); err != nil {
		r.finish()
		return r.result, err
	}
	r.finish()

	c.logger.Info("wave dispatch finished",
		zap.String("task_id", state.TaskID),
		zap.Int("wave_index", wave.WaveIndex),
		zap.Int("started", r.result.Summary.Started),
		zap.Int("succeeded", r.result.Summary.Succeeded),
		zap.Int("failed", r.result.Summary.Failed),
		zap.Int("timed_out", r.result.Summary.TimedOut),
		zap.Int("retried", r.result.Summary.Retried),
		zap.Bool("terminal_failure", r.result.HasTerminalFailure))

	return r.result, nil
}

func (c *Controller) newWaveRun(
	ctx context.Context,
	wave domain.RuntimeWave,
	state WaveState,
	limits *domain.DispatchLimits,
	policy *domain.DispatchPolicy,
) *waveRun {
	r := &waveRun{
		c:         c,
		ctx:       ctx,
		wave:      wave,
		state:     state,
		limits:    domain.DefaultDispatchLimits(),
		policy:    domain.DefaultDispatchPolicy(),
		statuses:  make(map[string]domain.NodeStatus, len(state.NodeStatuses)+len(wave.Nodes)),
		runningBy: make(map[domain.Priority]int, len(domain.Priorities)),
		settled:   make(chan settlement, len(wave.Nodes)),
		requeue:   make(chan queueEntry, len(wave.Nodes)),
		result: &domain.WaveResult{
			WaveIndex:        wave.WaveIndex,
			DispatchSequence: []domain.DispatchEntry{},
			AttemptTimeline:  []domain.AttemptRecord{},
			Events:           []domain.LifecycleEvent{},
		},
	}
	if limits != nil {
		r.limits = *limits
	}
	if policy != nil {
		r.policy = *policy
	}
	if r.policy.MaxRetries < 0 {
		r.policy.MaxRetries = 0
	}
	if r.policy.BackoffMultiplier <= 0 {
		r.policy.BackoffMultiplier = 1
	}

	for id, st := range state.NodeStatuses {
		r.statuses[id] = st
	}
	for _, n := range wave.Nodes {
		st, known := r.statuses[n.NodeID]
		if known && st == domain.NodeStatusCompleted {
			continue
		}
		if !known {
			r.statuses[n.NodeID] = domain.NodeStatusQueued
		}
		r.queue = append(r.queue, queueEntry{node: n, attempt: 1})
	}
	return r
}

// loop is the single coordinating goroutine. Only it touches the queue, the
// counters, the status map and the event sequence.
func (r *waveRun) loop() error {
	for {
		if err := r.ctx.Err(); err != nil {
			return fmt.Errorf("wave %d interrupted: %w", r.wave.WaveIndex, err)
		}
		if len(r.queue) == 0 && r.runningTotal == 0 && r.backingOff == 0 {
			return nil
		}
		if idx := r.selectNext(); idx >= 0 {
			if err := r.launch(idx); err != nil {
				return err
			}
			continue
		}
		if r.runningTotal > 0 || r.backingOff > 0 {
			if err := r.wait(); err != nil {
				return err
			}
			continue
		}
		r.blockHead()
	}
}

// selectNext returns the index of the first queued entry that is ready and
// fits under both caps, or -1.
func (r *waveRun) selectNext() int {
	for i, e := range r.queue {
		if !graph.IsNodeReady(e.node, r.statuses) {
			continue
		}
		if r.runningTotal >= r.limits.MaxParallelAgents {
			continue
		}
		if r.runningBy[e.node.Priority] >= r.limits.Cap(e.node.Priority) {
			continue
		}
		return i
	}
	return -1
}

func (r *waveRun) launch(idx int) error {
	entry := r.queue[idx]
	r.queue = append(r.queue[:idx], r.queue[idx+1:]...)
	node := entry.node

	r.statuses[node.NodeID] = domain.NodeStatusRunning
	r.runningTotal++
	r.runningBy[node.Priority]++

	if err := r.checkCaps(); err != nil {
		r.c.logger.Error("dispatch invariant violated",
			zap.String("task_id", r.state.TaskID),
			zap.String("node_id", node.NodeID),
			zap.Error(err))
		return err
	}

	startedAt := r.c.clock.Now()
	r.emit(domain.EventStart, entry, startedAt, 0, "")
	r.result.Summary.Started++
	r.result.DispatchSequence = append(r.result.DispatchSequence, domain.DispatchEntry{
		NodeID:    node.NodeID,
		Attempt:   entry.attempt,
		WaveIndex: r.wave.WaveIndex,
	})
	r.c.metrics.SetRunning(node.Priority, r.runningBy[node.Priority])

	r.c.logger.Debug("attempt started",
		zap.String("task_id", r.state.TaskID),
		zap.String("node_id", node.NodeID),
		zap.String("agent_id", node.AgentID),
		zap.Int("attempt", entry.attempt),
		zap.Int("running", r.runningTotal))

	go r.c.runAttempt(r.ctx, entry, startedAt, r.policy.AttemptTimeout, r.settled)
	return nil
}

func (r *waveRun) checkCaps() error {
	if r.runningTotal > r.limits.MaxParallelAgents {
		return fmt.Errorf("%w: %d running, max parallel agents %d",
			ErrCapacityExceeded, r.runningTotal, r.limits.MaxParallelAgents)
	}
	for tier, running := range r.runningBy {
		if running > r.limits.Cap(tier) {
			return fmt.Errorf("%w: %d running at %s, cap %d",
				ErrCapacityExceeded, running, tier, r.limits.Cap(tier))
		}
	}
	return nil
}

// wait blocks until an attempt settles or a backoff elapses.
func (r *waveRun) wait() error {
	select {
	case s := <-r.settled:
		r.settle(s)
	case e := <-r.requeue:
		r.backingOff--
		r.queue = append(r.queue, e)
		sort.SliceStable(r.queue, func(i, j int) bool {
			a, b := r.queue[i].node, r.queue[j].node
			if a.PriorityRank != b.PriorityRank {
				return a.PriorityRank < b.PriorityRank
			}
			return a.NodeID < b.NodeID
		})
	case <-r.ctx.Done():
		return fmt.Errorf("wave %d interrupted: %w", r.wave.WaveIndex, r.ctx.Err())
	}
	return nil
}

func (r *waveRun) settle(s settlement) {
	node := s.entry.node
	r.runningTotal--
	r.runningBy[node.Priority]--
	r.c.metrics.SetRunning(node.Priority, r.runningBy[node.Priority])

	duration := s.finishedAt.Sub(s.startedAt)
	record := domain.AttemptRecord{
		NodeID:     node.NodeID,
		Attempt:    s.entry.attempt,
		Outcome:    s.outcome,
		StartedAt:  s.startedAt,
		DurationMs: duration.Milliseconds(),
	}
	r.c.metrics.RecordAttempt(node.Priority, s.outcome, duration)

	if s.outcome == domain.OutcomeSuccess {
		r.statuses[node.NodeID] = domain.NodeStatusCompleted
		r.result.Summary.Succeeded++
		r.emit(domain.EventSuccess, s.entry, s.finishedAt, duration.Milliseconds(), "")
		r.result.AttemptTimeline = append(r.result.AttemptTimeline, record)
		return
	}

	errMsg := ""
	if s.err != nil {
		errMsg = s.err.Error()
	}
	record.ErrorMessage = errMsg

	terminal := domain.NodeStatusFailed
	eventType := domain.EventFailure
	if s.outcome == domain.OutcomeTimeout {
		terminal = domain.NodeStatusTimedOut
		eventType = domain.EventTimeout
		r.result.Summary.TimedOut++
	} else {
		r.result.Summary.Failed++
	}
	r.emit(eventType, s.entry, s.finishedAt, duration.Milliseconds(), errMsg)

	if s.entry.attempt <= r.policy.MaxRetries {
		delay := r.policy.BackoffDelay(s.entry.attempt)
		record.RetryDelay = delay
		r.result.Summary.Retried++
		r.statuses[node.NodeID] = domain.NodeStatusQueued
		r.backingOff++
		r.c.metrics.RecordRetry(node.Priority)

		r.c.logger.Warn("attempt failed, retrying",
			zap.String("task_id", r.state.TaskID),
			zap.String("node_id", node.NodeID),
			zap.Int("attempt", s.entry.attempt),
			zap.String("outcome", string(s.outcome)),
			zap.Duration("backoff", delay),
			zap.String("error", errMsg))

		go r.backoff(queueEntry{node: node, attempt: s.entry.attempt + 1}, delay)
	} else {
		r.statuses[node.NodeID] = terminal
		r.result.HasTerminalFailure = true

		r.c.logger.Error("node exhausted retries",
			zap.String("task_id", r.state.TaskID),
			zap.String("node_id", node.NodeID),
			zap.Int("attempts", s.entry.attempt),
			zap.String("status", string(terminal)),
			zap.String("error", errMsg))
	}
	r.result.AttemptTimeline = append(r.result.AttemptTimeline, record)
}

func (r *waveRun) backoff(next queueEntry, delay time.Duration) {
	if err := r.c.clock.Sleep(r.ctx, delay); err != nil {
		return
	}
	r.requeue <- next
}

// blockHead drops the head of the queue when nothing can make progress.
// Only the head is sacrificed; the loop re-evaluates afterwards.
func (r *waveRun) blockHead() {
	head := r.queue[0]
	r.queue = r.queue[1:]
	r.statuses[head.node.NodeID] = domain.NodeStatusBlocked
	r.result.HasTerminalFailure = true
	r.c.metrics.RecordBlocked(head.node.Priority)

	r.c.logger.Warn("node blocked: no eligible work and nothing running",
		zap.String("task_id", r.state.TaskID),
		zap.String("node_id", head.node.NodeID),
		zap.Strings("depends_on", head.node.DependsOn),
		zap.Int("remaining", len(r.queue)))
}

func (r *waveRun) emit(typ domain.LifecycleEventType, entry queueEntry, ts time.Time, durationMs int64, errMsg string) {
	r.c.seq++
	event := domain.LifecycleEvent{
		Seq:              r.c.seq,
		Event:            typ,
		Timestamp:        ts,
		TaskID:           r.state.TaskID,
		NodeID:           entry.node.NodeID,
		WaveIndex:        r.wave.WaveIndex,
		Attempt:          entry.attempt,
		AgentID:          entry.node.AgentID,
		Priority:         entry.node.Priority,
		SchedulePlanHash: r.state.SchedulePlanHash,
		ErrorMessage:     errMsg,
	}
	if typ != domain.EventStart {
		event.DurationMs = &durationMs
	}
	r.result.Events = append(r.result.Events, event)

	if r.c.telemetry == nil {
		return
	}
	if err := r.c.telemetry.RecordEvent(r.ctx, event); err != nil {
		r.c.logger.Warn("failed to record lifecycle event",
			zap.String("task_id", event.TaskID),
			zap.Int64("seq", event.Seq),
			zap.Error(err))
	}
}

func (r *waveRun) finish() {
	r.result.NodeStatuses = r.statuses
	r.c.metrics.RecordWaveCompleted(r.result.HasTerminalFailure)

	if r.c.telemetry == nil {
		return
	}
	// The wave context may already be cancelled; the summary is still recorded.
	if err := r.c.telemetry.RecordSummary(context.WithoutCancel(r.ctx), r.state.TaskID, r.result.Summary); err != nil {
		r.c.logger.Warn("failed to record run summary",
			zap.String("task_id", r.state.TaskID),
			zap.Error(err))
	}
}

// runAttempt races the executor against the attempt timeout and reports
// exactly one settlement. A non-positive timeout disables the timer.
func (c *Controller) runAttempt(ctx context.Context, entry queueEntry, startedAt time.Time, timeout time.Duration, out chan<- settlement) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("executor panic: %v", rec)
			}
		}()
		done <- c.executor.Execute(attemptCtx, entry.node, entry.attempt)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		timer = c.clock.After(timeout)
	}

	s := settlement{entry: entry, startedAt: startedAt}
	select {
	case err := <-done:
		if err != nil {
			s.outcome = domain.OutcomeFailure
			s.err = err
		} else {
			s.outcome = domain.OutcomeSuccess
		}
	case <-timer:
		s.outcome = domain.OutcomeTimeout
		s.err = fmt.Errorf("attempt timed out after %s", timeout)
	}
	s.finishedAt = c.clock.Now()
	out <- s
}
