package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/handoff/internal/application/graph"
	"github.com/aescanero/handoff/internal/application/workers"
	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("run already in terminal state")
	// ErrShuttingDown is returned by Submit after Shutdown was called.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// RunRequest describes one orchestration run. Nil Limits or Policy select
// the manager defaults.
type RunRequest struct {
	TaskID string                 `json:"taskId"`
	Nodes  []domain.GraphNode     `json:"nodes"`
	Limits *domain.DispatchLimits `json:"limits,omitempty"`
	Policy *domain.DispatchPolicy `json:"policy,omitempty"`
}

// Config holds manager-wide defaults.
type Config struct {
	Limits       domain.DispatchLimits
	Policy       domain.DispatchPolicy
	GraphTimeout time.Duration
}

// DefaultConfig returns the dispatch defaults with a one hour graph timeout.
func DefaultConfig() Config {
	return Config{
		Limits:       domain.DefaultDispatchLimits(),
		Policy:       domain.DefaultDispatchPolicy(),
		GraphTimeout: time.Hour,
	}
}

// Manager validates graphs, plans them into waves and drives the waves in
// order through a dispatch controller, snapshotting run state after every
// wave.
type Manager struct {
	executor  ports.Executor
	storage   ports.RunStore
	telemetry ports.TelemetrySink
	metrics   ports.MetricsCollector
	validator *graph.Validator
	planner   *graph.Planner
	logger    *zap.Logger
	cfg       Config

	// Track active runs
	runs     sync.Map // map[string]*runContext
	active   atomic.Int64
	closing  atomic.Bool
	inflight sync.WaitGroup
}

// runContext holds the control handles of one asynchronous run.
type runContext struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
}

// NewManager creates a new orchestrator manager
func NewManager(
	executor ports.Executor,
	storage ports.RunStore,
	telemetry ports.TelemetrySink,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg Config,
) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GraphTimeout <= 0 {
		cfg.GraphTimeout = DefaultConfig().GraphTimeout
	}
	return &Manager{
		executor:  executor,
		storage:   storage,
		telemetry: telemetry,
		metrics:   metrics,
		validator: graph.NewValidator(),
		planner:   graph.NewPlanner(metrics, logger),
		logger:    logger,
		cfg:       cfg,
	}
}

// Defaults returns the limits and policy applied when a request omits them.
func (m *Manager) Defaults() (domain.DispatchLimits, domain.DispatchPolicy) {
	return m.cfg.Limits, m.cfg.Policy
}

// Validate normalizes and validates nodes and layers them by id.
func (m *Manager) Validate(nodes []domain.GraphNode) graph.BuildResult {
	return m.validator.Build(nodes)
}

// Plan validates nodes and returns their schedule plan.
func (m *Manager) Plan(nodes []domain.GraphNode) (*domain.SchedulePlan, error) {
	res := m.validator.Build(nodes)
	if err := graph.Err(res.Validation); err != nil {
		return nil, err
	}
	plan, err := m.planner.CreatePlan(res.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}
	return plan, nil
}

// Run executes a request synchronously and returns the final run state.
// Node failures are reported in the state, not as an error; the error is
// for invalid graphs, storage failures, invariant faults and cancellation.
func (m *Manager) Run(ctx context.Context, req RunRequest) (*domain.RunState, error) {
	state, plan, err := m.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	m.active.Add(1)
	defer m.active.Add(-1)

	err = m.execute(ctx, state, plan, req, nil)
	return state, err
}

// Submit validates and plans a request, stores it as submitted and runs it
// in the background under the graph timeout. It returns the run id.
func (m *Manager) Submit(ctx context.Context, req RunRequest) (string, error) {
	if m.closing.Load() {
		return "", ErrShuttingDown
	}

	state, plan, err := m.prepare(ctx, req)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), m.cfg.GraphTimeout)
	rc := &runContext{runID: state.RunID, cancel: cancel, done: make(chan struct{})}
	m.runs.Store(state.RunID, rc)
	m.active.Add(1)
	m.inflight.Add(1)

	go func() {
		defer m.inflight.Done()
		defer close(rc.done)
		defer m.runs.Delete(rc.runID)
		defer m.active.Add(-1)
		defer cancel()

		if err := m.execute(runCtx, state, plan, req, rc); err != nil {
			m.logger.Error("run ended with error",
				zap.String("run_id", state.RunID),
				zap.String("status", string(state.Status)),
				zap.Error(err))
		}
	}()

	m.logger.Info("run submitted",
		zap.String("run_id", state.RunID),
		zap.String("task_id", state.TaskID),
		zap.Int("waves", len(plan.Waves)))

	return state.RunID, nil
}

// GetRun retrieves the latest snapshot of a run.
func (m *Manager) GetRun(ctx context.Context, runID string) (*domain.RunState, error) {
	state, err := m.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return state, nil
}

// ListRuns returns every stored run.
func (m *Manager) ListRuns(ctx context.Context) ([]*domain.RunState, error) {
	ids, err := m.storage.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*domain.RunState, 0, len(ids))
	for _, id := range ids {
		state, err := m.storage.GetRun(ctx, id)
		if errors.Is(err, ports.ErrRunNotFound) {
			// Expired between list and get.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get run %s: %w", id, err)
		}
		runs = append(runs, state)
	}
	return runs, nil
}

// WaitRun blocks until a submitted run ends or ctx is done, then returns
// its stored state.
func (m *Manager) WaitRun(ctx context.Context, runID string) (*domain.RunState, error) {
	if val, ok := m.runs.Load(runID); ok {
		select {
		case <-val.(*runContext).done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.GetRun(ctx, runID)
}

// CancelRun cancels a running run. The run goroutine records the cancelled
// state once the in-flight wave has stopped.
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	val, ok := m.runs.Load(runID)
	if !ok {
		state, err := m.storage.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to get run: %w", err)
		}
		if state.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrRunFinished, state.Status)
		}
		return fmt.Errorf("run %s is not tracked by this instance", runID)
	}

	rc := val.(*runContext)
	rc.mu.Lock()
	rc.cancelled = true
	rc.mu.Unlock()
	rc.cancel()

	m.logger.Info("run cancellation requested", zap.String("run_id", runID))
	return nil
}

// ActiveRuns returns the number of runs currently executing.
func (m *Manager) ActiveRuns() int {
	return int(m.active.Load())
}

// Accepting reports whether the manager still takes new runs.
func (m *Manager) Accepting() bool {
	return !m.closing.Load()
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")
	m.closing.Store(true)

	// Cancel all active runs
	m.runs.Range(func(key, value interface{}) bool {
		rc := value.(*runContext)
		rc.mu.Lock()
		rc.cancelled = true
		rc.mu.Unlock()
		rc.cancel()
		return true
	})

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("orchestrator manager shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain runs: %w", ctx.Err())
	}
}

// prepare validates, plans and stores the initial submitted state.
func (m *Manager) prepare(ctx context.Context, req RunRequest) (*domain.RunState, *domain.SchedulePlan, error) {
	plan, err := m.Plan(req.Nodes)
	if err != nil {
		m.logger.Error("graph validation failed",
			zap.String("task_id", req.TaskID),
			zap.Error(err))
		return nil, nil, err
	}

	runID := uuid.New().String()
	taskID := req.TaskID
	if taskID == "" {
		taskID = runID
	}

	state := &domain.RunState{
		RunID:        runID,
		TaskID:       taskID,
		Status:       domain.RunStatusSubmitted,
		Plan:         plan,
		NodeStatuses: make(map[string]domain.NodeStatus, len(plan.Nodes)),
		Waves:        []domain.WaveReport{},
		SubmittedAt:  time.Now(),
	}
	for _, n := range plan.Nodes {
		state.NodeStatuses[n.NodeID] = domain.NodeStatusQueued
	}

	if err := m.storage.SaveRun(ctx, state); err != nil {
		m.logger.Error("failed to save initial state",
			zap.String("run_id", runID),
			zap.Error(err))
		return nil, nil, fmt.Errorf("failed to save run: %w", err)
	}
	return state, plan, nil
}

// execute drives every wave of plan in order. rc is nil for synchronous runs.
func (m *Manager) execute(ctx context.Context, state *domain.RunState, plan *domain.SchedulePlan, req RunRequest, rc *runContext) error {
	limits, policy := m.cfg.Limits, m.cfg.Policy
	if req.Limits != nil {
		limits = *req.Limits
	}
	if req.Policy != nil {
		policy = *req.Policy
	}

	started := time.Now()
	state.Status = domain.RunStatusRunning
	state.StartedAt = &started
	m.snapshot(state)

	ctrl := workers.NewController(m.executor, m.telemetry, m.metrics, nil, m.logger)
	statuses := state.NodeStatuses

	var runErr error
	for i, wave := range plan.Waves {
		rw, err := graph.ToRuntimeWave(plan, wave.WaveIndex)
		if err != nil {
			runErr = fmt.Errorf("failed to build runtime wave %d: %w", wave.WaveIndex, err)
			break
		}

		res, err := ctrl.ExecuteWave(ctx, rw, workers.WaveState{
			TaskID:           state.TaskID,
			SchedulePlanHash: plan.SchedulePlanHash,
			NodeStatuses:     statuses,
		}, &limits, &policy)
		if res != nil {
			statuses = res.NodeStatuses
			state.NodeStatuses = statuses
			state.Summary.Add(res.Summary)
			state.Waves = append(state.Waves, domain.WaveReport{
				WaveIndex:          res.WaveIndex,
				DispatchSequence:   res.DispatchSequence,
				AttemptTimeline:    res.AttemptTimeline,
				Events:             res.Events,
				Summary:            res.Summary,
				HasTerminalFailure: res.HasTerminalFailure,
			})
		}
		if err != nil {
			runErr = err
			break
		}
		m.snapshot(state)

		if res.HasTerminalFailure && policy.FailFastFutureWaves {
			blocked := m.blockRemaining(state, plan.Waves[i+1:])
			m.logger.Warn("fail fast: skipping remaining waves",
				zap.String("run_id", state.RunID),
				zap.Int("failed_wave", wave.WaveIndex),
				zap.Int("blocked_nodes", blocked))
			break
		}
	}

	m.complete(ctx, state, rc, runErr)
	m.snapshot(state)
	m.metrics.RecordRunCompleted(state.Status, time.Since(started))

	m.logger.Info("run finished",
		zap.String("run_id", state.RunID),
		zap.String("task_id", state.TaskID),
		zap.String("status", string(state.Status)),
		zap.Int("waves", len(state.Waves)),
		zap.Int("started", state.Summary.Started),
		zap.Int("succeeded", state.Summary.Succeeded),
		zap.Int("retried", state.Summary.Retried))

	return runErr
}

// blockRemaining marks every node of the given waves blocked.
func (m *Manager) blockRemaining(state *domain.RunState, waves []domain.PlanWave) int {
	count := 0
	for _, w := range waves {
		for _, id := range w.NodeIDs {
			state.NodeStatuses[id] = domain.NodeStatusBlocked
			if n, ok := state.Plan.Node(id); ok {
				m.metrics.RecordBlocked(n.Priority)
			}
			count++
		}
	}
	return count
}

// complete sets the terminal run status.
func (m *Manager) complete(ctx context.Context, state *domain.RunState, rc *runContext, runErr error) {
	now := time.Now()
	state.CompletedAt = &now

	cancelled := false
	if rc != nil {
		rc.mu.Lock()
		cancelled = rc.cancelled
		rc.mu.Unlock()
	}

	switch {
	case runErr != nil && cancelled:
		state.Status = domain.RunStatusCancelled
		state.Error = "run cancelled"
	case runErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		state.Status = domain.RunStatusFailed
		state.Error = "execution timeout"
	case runErr != nil && errors.Is(runErr, context.Canceled):
		state.Status = domain.RunStatusCancelled
		state.Error = runErr.Error()
	case runErr != nil:
		state.Status = domain.RunStatusFailed
		state.Error = runErr.Error()
	default:
		incomplete := 0
		for _, st := range state.NodeStatuses {
			if st != domain.NodeStatusCompleted {
				incomplete++
			}
		}
		if incomplete > 0 {
			state.Status = domain.RunStatusFailed
			state.Error = fmt.Sprintf("%d of %d nodes did not complete", incomplete, len(state.NodeStatuses))
		} else {
			state.Status = domain.RunStatusCompleted
		}
	}
}

// snapshot persists state. Storage failures are logged and do not stop the run.
func (m *Manager) snapshot(state *domain.RunState) {
	if err := m.storage.SaveRun(context.Background(), state); err != nil {
		m.logger.Error("failed to save run snapshot",
			zap.String("run_id", state.RunID),
			zap.String("status", string(state.Status)),
			zap.Error(err))
	}
}
