package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/handoff/internal/application/graph"
	"github.com/aescanero/handoff/pkg/adapters/telemetry"
	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances step on every Now call and records sleeps without
// blocking. After uses the real clock so timeouts still work.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	step   time.Duration
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// concurrencyProbe tracks how many executions overlap, globally and per tier.
type concurrencyProbe struct {
	mu         sync.Mutex
	running    int
	byPriority map[domain.Priority]int
	peak       int
	peakBy     map[domain.Priority]int
	delay      time.Duration
}

func newConcurrencyProbe(delay time.Duration) *concurrencyProbe {
	return &concurrencyProbe{
		byPriority: map[domain.Priority]int{},
		peakBy:     map[domain.Priority]int{},
		delay:      delay,
	}
}

func (p *concurrencyProbe) Execute(ctx context.Context, node domain.RuntimeNode, _ int) error {
	p.mu.Lock()
	p.running++
	p.byPriority[node.Priority]++
	if p.running > p.peak {
		p.peak = p.running
	}
	if p.byPriority[node.Priority] > p.peakBy[node.Priority] {
		p.peakBy[node.Priority] = p.byPriority[node.Priority]
	}
	p.mu.Unlock()

	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.running--
	p.byPriority[node.Priority]--
	p.mu.Unlock()
	return nil
}

// scripted fails the first failures[node] attempts of each node.
func scripted(failures map[string]int) ports.ExecutorFunc {
	return func(_ context.Context, node domain.RuntimeNode, attempt int) error {
		if attempt <= failures[node.NodeID] {
			return fmt.Errorf("%s attempt %d failed", node.NodeID, attempt)
		}
		return nil
	}
}

func planFor(t *testing.T, nodes []domain.GraphNode) *domain.SchedulePlan {
	t.Helper()
	res := graph.NewValidator().Build(nodes)
	require.True(t, res.Validation.Valid)
	plan, err := graph.NewPlanner(nil, nil).CreatePlan(nodes)
	require.NoError(t, err)
	return plan
}

func runtimeWave(t *testing.T, plan *domain.SchedulePlan, idx int) domain.RuntimeWave {
	t.Helper()
	wave, err := graph.ToRuntimeWave(plan, idx)
	require.NoError(t, err)
	return wave
}

func fastPolicy() *domain.DispatchPolicy {
	return &domain.DispatchPolicy{
		AttemptTimeout:    5 * time.Second,
		MaxRetries:        2,
		Backoff:           time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestExecuteWaveAcrossWaves(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{
		{ID: "A", AgentID: "planner"},
		{ID: "B", AgentID: "backend", DependsOn: []string{"A"}},
		{ID: "C", AgentID: "frontend", DependsOn: []string{"A"}},
		{ID: "D", AgentID: "qa", DependsOn: []string{"B", "C"}},
	})
	ctrl := NewController(scripted(nil), nil, nil, nil, nil)

	statuses := map[string]domain.NodeStatus{}
	var started []string
	for _, w := range plan.Waves {
		res, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, w.WaveIndex), WaveState{
			TaskID:           "task-1",
			SchedulePlanHash: plan.SchedulePlanHash,
			NodeStatuses:     statuses,
		}, nil, fastPolicy())
		require.NoError(t, err)
		assert.False(t, res.HasTerminalFailure)
		for _, e := range res.DispatchSequence {
			started = append(started, e.NodeID)
		}
		statuses = res.NodeStatuses
	}

	require.Len(t, started, 4)
	assert.Equal(t, "A", started[0])
	assert.ElementsMatch(t, []string{"B", "C"}, started[1:3])
	assert.Equal(t, "D", started[3])
	for _, id := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, domain.NodeStatusCompleted, statuses[id], id)
	}
}

func TestExecuteWaveRespectsCaps(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{
		{ID: "n0", Priority: domain.PriorityP0},
		{ID: "n1", Priority: domain.PriorityP1},
		{ID: "n2", Priority: domain.PriorityP2},
		{ID: "n3", Priority: domain.PriorityP2},
	})
	probe := newConcurrencyProbe(20 * time.Millisecond)
	ctrl := NewController(probe, nil, nil, nil, nil)

	limits := &domain.DispatchLimits{
		MaxParallelAgents: 2,
		PerPriorityCaps: map[domain.Priority]int{
			domain.PriorityP0: 1,
			domain.PriorityP1: 1,
			domain.PriorityP2: 1,
			domain.PriorityP3: 1,
		},
	}
	res, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{TaskID: "caps"}, limits, fastPolicy())
	require.NoError(t, err)

	assert.LessOrEqual(t, probe.peak, 2)
	assert.LessOrEqual(t, probe.peakBy[domain.PriorityP2], 1)
	assert.Equal(t, 4, res.Summary.Succeeded)
	assert.Equal(t, []string{"n0", "n1"}, []string{res.DispatchSequence[0].NodeID, res.DispatchSequence[1].NodeID})
	for _, st := range res.NodeStatuses {
		assert.Equal(t, domain.NodeStatusCompleted, st)
	}
}

func TestExecuteWaveRetryBackoff(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{{ID: "flaky", AgentID: "backend"}})
	clock := newFakeClock()
	ctrl := NewController(scripted(map[string]int{"flaky": 2}), nil, nil, clock, nil)

	policy := &domain.DispatchPolicy{
		AttemptTimeout:    5 * time.Second,
		MaxRetries:        2,
		Backoff:           2000 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	res, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{TaskID: "retry"}, nil, policy)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{2000 * time.Millisecond, 4000 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, 2, res.Summary.Retried)
	assert.Equal(t, 1, res.Summary.Succeeded)
	assert.Equal(t, 2, res.Summary.Failed)
	assert.Equal(t, 3, res.Summary.Started)
	assert.Equal(t, domain.NodeStatusCompleted, res.NodeStatuses["flaky"])
	assert.False(t, res.HasTerminalFailure)

	require.Len(t, res.AttemptTimeline, 3)
	assert.Equal(t, 2000*time.Millisecond, res.AttemptTimeline[0].RetryDelay)
	assert.Equal(t, domain.OutcomeSuccess, res.AttemptTimeline[2].Outcome)
}

func TestExecuteWaveExhaustsRetries(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{{ID: "broken"}})
	ctrl := NewController(scripted(map[string]int{"broken": 10}), nil, nil, newFakeClock(), nil)

	res, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{TaskID: "fail"}, nil, fastPolicy())
	require.NoError(t, err)

	assert.Equal(t, domain.NodeStatusFailed, res.NodeStatuses["broken"])
	assert.True(t, res.HasTerminalFailure)
	assert.Equal(t, 3, res.Summary.Failed)
	assert.Equal(t, 2, res.Summary.Retried)
	last := res.Events[len(res.Events)-1]
	assert.Equal(t, domain.EventFailure, last.Event)
	assert.Equal(t, "broken attempt 3 failed", last.ErrorMessage)
}

func TestExecuteWaveTimeout(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{{ID: "stuck"}})
	hang := ports.ExecutorFunc(func(ctx context.Context, _ domain.RuntimeNode, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctrl := NewController(hang, nil, nil, nil, nil)

	policy := &domain.DispatchPolicy{
		AttemptTimeout:    time.Millisecond,
		MaxRetries:        1,
		Backoff:           5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	res, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{TaskID: "timeout"}, nil, policy)
	require.NoError(t, err)

	assert.Equal(t, domain.NodeStatusTimedOut, res.NodeStatuses["stuck"])
	assert.Equal(t, 2, res.Summary.TimedOut)
	assert.Equal(t, 1, res.Summary.Retried)
	assert.True(t, res.HasTerminalFailure)

	var types []domain.LifecycleEventType
	for _, e := range res.Events {
		types = append(types, e.Event)
	}
	assert.Equal(t, []domain.LifecycleEventType{
		domain.EventStart, domain.EventTimeout, domain.EventStart, domain.EventTimeout,
	}, types)
}

type envelope struct {
	Seq       int64                     `json:"seq"`
	Event     domain.LifecycleEventType `json:"event"`
	NodeID    string                    `json:"nodeId"`
	WaveIndex int                       `json:"waveIndex"`
	Attempt   int                       `json:"attempt"`
}

func replayFailingNode(t *testing.T) string {
	t.Helper()
	plan := planFor(t, []domain.GraphNode{{ID: "only", AgentID: "ops", Priority: domain.PriorityP1}})
	ctrl := NewController(scripted(map[string]int{"only": 99}), nil, nil, newFakeClock(), nil)

	res, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{
		TaskID:           "replay",
		SchedulePlanHash: plan.SchedulePlanHash,
	}, nil, fastPolicy())
	require.NoError(t, err)

	envelopes := make([]envelope, 0, len(res.Events))
	for _, e := range res.Events {
		envelopes = append(envelopes, envelope{e.Seq, e.Event, e.NodeID, e.WaveIndex, e.Attempt})
	}
	out, err := json.Marshal(map[string]interface{}{
		"waves":            plan.Waves,
		"dispatchSequence": res.DispatchSequence,
		"attemptTimeline":  res.AttemptTimeline,
		"eventEnvelope":    envelopes,
	})
	require.NoError(t, err)
	return string(out)
}

func TestExecuteWaveDurationOnSettledEvents(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{{ID: "quick", AgentID: "backend"}})
	clock := newFakeClock()
	clock.step = 0
	ctrl := NewController(scripted(map[string]int{"quick": 1}), nil, nil, clock, nil)

	res, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{TaskID: "frozen"}, nil, fastPolicy())
	require.NoError(t, err)
	require.Len(t, res.Events, 4)

	for _, ev := range res.Events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)

		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &fields))
		if ev.Event == domain.EventStart {
			assert.NotContains(t, fields, "durationMs", "seq %d", ev.Seq)
			continue
		}
		require.Contains(t, fields, "durationMs", "seq %d", ev.Seq)
		assert.EqualValues(t, 0, fields["durationMs"])
	}
}

func TestExecuteWaveReplayIsDeterministic(t *testing.T) {
	assert.Equal(t, replayFailingNode(t), replayFailingNode(t))
}

func TestExecuteWaveBlocksOnZeroCap(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{
		{ID: "low", Priority: domain.PriorityP3},
		{ID: "high", Priority: domain.PriorityP0},
	})
	ctrl := NewController(scripted(nil), nil, nil, nil, nil)
	limits := &domain.DispatchLimits{
		MaxParallelAgents: 4,
		PerPriorityCaps:   map[domain.Priority]int{domain.PriorityP3: 0},
	}

	res, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{TaskID: "zero"}, limits, fastPolicy())
	require.NoError(t, err)

	assert.Equal(t, domain.NodeStatusCompleted, res.NodeStatuses["high"])
	assert.Equal(t, domain.NodeStatusBlocked, res.NodeStatuses["low"])
	assert.True(t, res.HasTerminalFailure)
	for _, e := range res.Events {
		assert.NotEqual(t, "low", e.NodeID)
	}
}

func TestExecuteWaveBlocksDependentsOfFailedNodes(t *testing.T) {
	wave := domain.RuntimeWave{
		WaveIndex: 1,
		Nodes: []domain.RuntimeNode{
			{PlanNode: domain.PlanNode{NodeID: "b", Priority: domain.PriorityP2, DependsOn: []string{"a"}, WaveIndex: 1}, PriorityRank: 2},
			{PlanNode: domain.PlanNode{NodeID: "c", Priority: domain.PriorityP2, WaveIndex: 1}, PriorityRank: 2},
		},
	}
	ctrl := NewController(scripted(nil), nil, nil, nil, nil)

	res, err := ctrl.ExecuteWave(context.Background(), wave, WaveState{
		TaskID:       "carry",
		NodeStatuses: map[string]domain.NodeStatus{"a": domain.NodeStatusFailed},
	}, nil, fastPolicy())
	require.NoError(t, err)

	assert.Equal(t, domain.NodeStatusBlocked, res.NodeStatuses["b"])
	assert.Equal(t, domain.NodeStatusCompleted, res.NodeStatuses["c"])
	assert.Equal(t, domain.NodeStatusFailed, res.NodeStatuses["a"])
	assert.True(t, res.HasTerminalFailure)
}

func TestExecuteWaveSkipsCompletedNodes(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{{ID: "x"}, {ID: "y"}})
	ctrl := NewController(scripted(nil), nil, nil, nil, nil)

	carried := map[string]domain.NodeStatus{"x": domain.NodeStatusCompleted}
	res, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{TaskID: "resume", NodeStatuses: carried}, nil, fastPolicy())
	require.NoError(t, err)

	require.Len(t, res.DispatchSequence, 1)
	assert.Equal(t, "y", res.DispatchSequence[0].NodeID)
	assert.Len(t, carried, 1, "caller map must not be mutated")
}

func TestExecuteWaveSequenceIsPerController(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}})
	recorder := telemetry.NewRecorder()
	ctrl := NewController(scripted(nil), recorder, nil, nil, nil)

	first, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{TaskID: "seq"}, nil, fastPolicy())
	require.NoError(t, err)
	second, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 1), WaveState{TaskID: "seq", NodeStatuses: first.NodeStatuses}, nil, fastPolicy())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, []int64{first.Events[0].Seq, first.Events[1].Seq})
	assert.Equal(t, []int64{3, 4}, []int64{second.Events[0].Seq, second.Events[1].Seq})

	recorded := recorder.Events("seq")
	require.Len(t, recorded, 4)
	for i, e := range recorded {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, 2, recorder.Summary("seq").Succeeded)

	fresh := NewController(scripted(nil), nil, nil, nil, nil)
	again, err := fresh.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{TaskID: "seq"}, nil, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Events[0].Seq)
}

func TestExecuteWaveRecoversExecutorPanic(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{{ID: "boom"}})
	exec := ports.ExecutorFunc(func(context.Context, domain.RuntimeNode, int) error {
		panic("agent crashed")
	})
	ctrl := NewController(exec, nil, nil, newFakeClock(), nil)

	res, err := ctrl.ExecuteWave(context.Background(), runtimeWave(t, plan, 0), WaveState{TaskID: "panic"}, nil,
		&domain.DispatchPolicy{AttemptTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusFailed, res.NodeStatuses["boom"])
	assert.Contains(t, res.AttemptTimeline[0].ErrorMessage, "agent crashed")
}

func TestExecuteWaveCancellation(t *testing.T) {
	plan := planFor(t, []domain.GraphNode{{ID: "slow"}})
	exec := ports.ExecutorFunc(func(ctx context.Context, _ domain.RuntimeNode, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctrl := NewController(exec, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := ctrl.ExecuteWave(ctx, runtimeWave(t, plan, 0), WaveState{TaskID: "cancel"}, nil,
		&domain.DispatchPolicy{AttemptTimeout: time.Minute})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Summary.Started)
}

func TestCheckCapsDetectsOverflow(t *testing.T) {
	r := &waveRun{
		limits:       domain.DefaultDispatchLimits(),
		runningBy:    map[domain.Priority]int{domain.PriorityP3: 2},
		runningTotal: 2,
	}
	assert.ErrorIs(t, r.checkCaps(), ErrCapacityExceeded)

	r.runningBy = map[domain.Priority]int{domain.PriorityP0: 1}
	r.runningTotal = 5
	assert.ErrorIs(t, r.checkCaps(), ErrCapacityExceeded)

	r.runningTotal = 1
	assert.NoError(t, r.checkCaps())
}

func TestNilExecutorIsRejected(t *testing.T) {
	_, err := NewController(nil, nil, nil, nil, nil).ExecuteWave(context.Background(), domain.RuntimeWave{}, WaveState{}, nil, nil)
	assert.Error(t, err)
}
