package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/ports"
	"go.uber.org/zap"
)

var (
	// ErrIncompleteLayering means some nodes never reached in-degree zero.
	ErrIncompleteLayering = errors.New("not every node was assigned a wave")
	ErrWaveNotFound       = errors.New("wave not found in plan")
	ErrPlanInconsistent   = errors.New("plan references unknown node")
)

// Planner turns validated nodes into a hashed, priority-ordered schedule plan.
type Planner struct {
	metrics ports.MetricsCollector
	logger  *zap.Logger
}

// NewPlanner creates a planner. Nil collaborators are replaced by no-ops.
func NewPlanner(metrics ports.MetricsCollector, logger *zap.Logger) *Planner {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{metrics: metrics, logger: logger}
}

// CreatePlan layers nodes by dependency depth, ordering every frontier and
// the final node list by (priority rank, node id). The input must already be
// valid; a graph that cannot be fully layered is a caller error.
func (p *Planner) CreatePlan(nodes []domain.GraphNode) (*domain.SchedulePlan, error) {
	normalized := Normalize(nodes)

	byID := make(map[string]domain.GraphNode, len(normalized))
	inDegree := make(map[string]int, len(normalized))
	dependents := make(map[string][]string, len(normalized))
	for _, n := range normalized {
		byID[n.ID] = n
		inDegree[n.ID] = len(n.DependsOn)
	}
	for _, n := range normalized {
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("failed to create plan: %w: node %s depends on %s", ErrMissingDependency, n.ID, dep)
			}
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	less := func(ids []string) func(i, j int) bool {
		return func(i, j int) bool {
			a, b := byID[ids[i]], byID[ids[j]]
			if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
				return ra < rb
			}
			return a.ID < b.ID
		}
	}

	var frontier []string
	for _, n := range normalized {
		if inDegree[n.ID] == 0 {
			frontier = append(frontier, n.ID)
		}
	}
	sort.Slice(frontier, less(frontier))

	waveOf := make(map[string]int, len(normalized))
	var waves []domain.PlanWave
	for len(frontier) > 0 {
		idx := len(waves)
		for _, id := range frontier {
			waveOf[id] = idx
		}
		waves = append(waves, domain.PlanWave{WaveIndex: idx, NodeIDs: frontier})

		var next []string
		for _, id := range frontier {
			for _, child := range dependents[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Slice(next, less(next))
		frontier = next
	}

	if len(waveOf) != len(normalized) {
		return nil, fmt.Errorf("failed to create plan: %w: assigned %d of %d", ErrIncompleteLayering, len(waveOf), len(normalized))
	}

	ordered := make([]string, 0, len(normalized))
	for _, n := range normalized {
		ordered = append(ordered, n.ID)
	}
	sort.Slice(ordered, less(ordered))

	planNodes := make([]domain.PlanNode, 0, len(ordered))
	for _, id := range ordered {
		n := byID[id]
		deps := make([]string, len(n.DependsOn))
		copy(deps, n.DependsOn)
		sort.Strings(deps)
		planNodes = append(planNodes, domain.PlanNode{
			NodeID:    n.ID,
			AgentID:   n.AgentID,
			Priority:  n.Priority,
			DependsOn: deps,
			WaveIndex: waveOf[id],
			Title:     n.Title,
		})
	}

	plan := &domain.SchedulePlan{Waves: waves, Nodes: planNodes}
	hash, err := HashPlan(plan)
	if err != nil {
		return nil, err
	}
	plan.SchedulePlanHash = hash

	p.metrics.RecordPlanCreated(len(waves), len(planNodes))
	p.logger.Debug("schedule plan created",
		zap.Int("waves", len(waves)),
		zap.Int("nodes", len(planNodes)),
		zap.String("schedule_plan_hash", hash))

	return plan, nil
}

type canonicalWave struct {
	WaveIndex int      `json:"waveIndex"`
	NodeIDs   []string `json:"nodeIds"`
}

type canonicalNode struct {
	NodeID    string   `json:"nodeId"`
	AgentID   string   `json:"agentId"`
	Priority  string   `json:"priority"`
	DependsOn []string `json:"dependsOn"`
	WaveIndex int      `json:"waveIndex"`
}

type canonicalPlan struct {
	Waves []canonicalWave `json:"waves"`
	Nodes []canonicalNode `json:"nodes"`
}

// HashPlan returns the lowercase hex sha256 of the canonical serialization
// of the plan's waves and node records. Field order is fixed by the struct
// definitions above; titles and the existing hash are not included.
func HashPlan(plan *domain.SchedulePlan) (string, error) {
	c := canonicalPlan{
		Waves: make([]canonicalWave, 0, len(plan.Waves)),
		Nodes: make([]canonicalNode, 0, len(plan.Nodes)),
	}
	for _, w := range plan.Waves {
		ids := w.NodeIDs
		if ids == nil {
			ids = []string{}
		}
		c.Waves = append(c.Waves, canonicalWave{WaveIndex: w.WaveIndex, NodeIDs: ids})
	}
	for _, n := range plan.Nodes {
		deps := n.DependsOn
		if deps == nil {
			deps = []string{}
		}
		c.Nodes = append(c.Nodes, canonicalNode{
			NodeID:    n.NodeID,
			AgentID:   n.AgentID,
			Priority:  string(n.Priority),
			DependsOn: deps,
			WaveIndex: n.WaveIndex,
		})
	}

	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal canonical plan: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ToRuntimeWave extracts one wave's node records for the dispatcher.
func ToRuntimeWave(plan *domain.SchedulePlan, waveIndex int) (domain.RuntimeWave, error) {
	if plan == nil {
		return domain.RuntimeWave{}, fmt.Errorf("%w: nil plan", ErrWaveNotFound)
	}
	var wave *domain.PlanWave
	for i := range plan.Waves {
		if plan.Waves[i].WaveIndex == waveIndex {
			wave = &plan.Waves[i]
			break
		}
	}
	if wave == nil {
		return domain.RuntimeWave{}, fmt.Errorf("%w: %d", ErrWaveNotFound, waveIndex)
	}

	byID := make(map[string]domain.PlanNode, len(plan.Nodes))
	for _, n := range plan.Nodes {
		byID[n.NodeID] = n
	}

	rw := domain.RuntimeWave{WaveIndex: waveIndex, Nodes: make([]domain.RuntimeNode, 0, len(wave.NodeIDs))}
	for _, id := range wave.NodeIDs {
		n, ok := byID[id]
		if !ok {
			return domain.RuntimeWave{}, fmt.Errorf("%w: %s in wave %d", ErrPlanInconsistent, id, waveIndex)
		}
		rw.Nodes = append(rw.Nodes, domain.RuntimeNode{PlanNode: n, PriorityRank: n.Priority.Rank()})
	}
	return rw, nil
}

// IsNodeReady reports whether every dependency of node has completed.
func IsNodeReady(node domain.RuntimeNode, statuses map[string]domain.NodeStatus) bool {
	for _, dep := range node.DependsOn {
		if statuses[dep] != domain.NodeStatusCompleted {
			return false
		}
	}
	return true
}
