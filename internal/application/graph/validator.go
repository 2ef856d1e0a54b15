package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aescanero/handoff/pkg/domain"
)

var (
	// ErrInvalidGraph wraps every validation failure returned as an error.
	ErrInvalidGraph       = errors.New("invalid graph")
	ErrEmptyNodeID        = errors.New("node id is required")
	ErrDuplicateNodeID    = errors.New("duplicate node id")
	ErrInvalidPriority    = errors.New("invalid priority")
	ErrMissingDependency  = errors.New("missing dependency")
	ErrCyclicDependencies = errors.New("cyclic dependencies")
)

// Validator checks node sets for structural problems and layers them into
// waves using adjacency information only.
type Validator struct{}

// NewValidator creates a new graph validator
func NewValidator() *Validator {
	return &Validator{}
}

// BuildResult is the output of Build. Waves is nil unless the graph is valid.
type BuildResult struct {
	Nodes      []domain.GraphNode      `json:"nodes"`
	Validation domain.ValidationResult `json:"validation"`
	Waves      [][]string              `json:"waves,omitempty"`
}

// Build normalizes nodes, validates them and, when valid, partitions them
// into waves with Kahn's algorithm ordered by id.
func (v *Validator) Build(nodes []domain.GraphNode) BuildResult {
	normalized := Normalize(nodes)
	result := BuildResult{
		Nodes:      normalized,
		Validation: v.Validate(normalized),
	}
	if result.Validation.Valid {
		result.Waves = layerByID(normalized)
	}
	return result
}

// Validate reports the first structural problem in nodes. Dependency
// references are checked before cycles; cycle search visits nodes in id order.
func (v *Validator) Validate(nodes []domain.GraphNode) domain.ValidationResult {
	byID := make(map[string]domain.GraphNode, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return domain.ValidationResult{Reason: domain.ReasonEmptyID}
		}
		if _, dup := byID[n.ID]; dup {
			return domain.ValidationResult{Reason: domain.ReasonDuplicateID, NodeID: n.ID, CyclePath: []string{n.ID}}
		}
		if !n.Priority.Valid() {
			return domain.ValidationResult{Reason: domain.ReasonInvalidPriority, NodeID: n.ID}
		}
		byID[n.ID] = n
	}

	ids := sortedIDs(byID)
	for _, id := range ids {
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; !ok {
				return domain.ValidationResult{
					Reason:    domain.ReasonMissingDependency,
					NodeID:    id,
					CyclePath: []string{dep},
				}
			}
		}
	}

	if cycle := findCycle(ids, byID); cycle != nil {
		return domain.ValidationResult{Reason: domain.ReasonCycle, NodeID: cycle[0], CyclePath: cycle}
	}
	return domain.ValidationResult{Valid: true}
}

// Err converts an invalid result into an error wrapping ErrInvalidGraph and
// a reason-specific sentinel. It returns nil for valid results.
func Err(res domain.ValidationResult) error {
	if res.Valid {
		return nil
	}
	switch res.Reason {
	case domain.ReasonEmptyID:
		return fmt.Errorf("%w: %w", ErrInvalidGraph, ErrEmptyNodeID)
	case domain.ReasonDuplicateID:
		return fmt.Errorf("%w: %w: %s", ErrInvalidGraph, ErrDuplicateNodeID, res.NodeID)
	case domain.ReasonInvalidPriority:
		return fmt.Errorf("%w: %w on node %s", ErrInvalidGraph, ErrInvalidPriority, res.NodeID)
	case domain.ReasonMissingDependency:
		return fmt.Errorf("%w: %w: node %s depends on %s", ErrInvalidGraph, ErrMissingDependency, res.NodeID, strings.Join(res.CyclePath, ""))
	case domain.ReasonCycle:
		return fmt.Errorf("%w: %w: %s", ErrInvalidGraph, ErrCyclicDependencies, strings.Join(res.CyclePath, " -> "))
	default:
		return ErrInvalidGraph
	}
}

// Normalize returns a copy of nodes with trimmed ids, deduplicated and sorted
// dependencies, defaulted priorities, sorted by id. Unknown priority strings
// are kept verbatim so Validate can report them.
func Normalize(nodes []domain.GraphNode) []domain.GraphNode {
	out := make([]domain.GraphNode, 0, len(nodes))
	for _, n := range nodes {
		norm := domain.GraphNode{
			ID:      strings.TrimSpace(n.ID),
			Title:   strings.TrimSpace(n.Title),
			AgentID: strings.TrimSpace(n.AgentID),
		}
		if p, err := domain.ParsePriority(string(n.Priority)); err == nil {
			norm.Priority = p
		} else {
			norm.Priority = n.Priority
		}
		seen := make(map[string]struct{}, len(n.DependsOn))
		deps := make([]string, 0, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				continue
			}
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		norm.DependsOn = deps
		out = append(out, norm)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type visitColor int

const (
	colorUnvisited visitColor = iota
	colorInProgress
	colorDone
)

// findCycle runs an iterative depth-first search along dependency edges and
// returns the first cycle found, with the repeated id at both ends.
func findCycle(ids []string, byID map[string]domain.GraphNode) []string {
	colors := make(map[string]visitColor, len(ids))

	type frame struct {
		id   string
		next int
	}

	for _, root := range ids {
		if colors[root] != colorUnvisited {
			continue
		}
		stack := []frame{{id: root}}
		path := []string{root}
		colors[root] = colorInProgress

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := byID[top.id].DependsOn
			if top.next >= len(deps) {
				colors[top.id] = colorDone
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
				continue
			}
			dep := deps[top.next]
			top.next++

			switch colors[dep] {
			case colorInProgress:
				start := indexOf(path, dep)
				cycle := make([]string, 0, len(path)-start+1)
				cycle = append(cycle, path[start:]...)
				return append(cycle, dep)
			case colorUnvisited:
				colors[dep] = colorInProgress
				stack = append(stack, frame{id: dep})
				path = append(path, dep)
			}
		}
	}
	return nil
}

// layerByID is a plain Kahn layering; each frontier is sorted by id.
func layerByID(nodes []domain.GraphNode) [][]string {
	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var frontier []string
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			frontier = append(frontier, n.ID)
		}
	}
	sort.Strings(frontier)

	var waves [][]string
	for len(frontier) > 0 {
		waves = append(waves, frontier)
		var next []string
		for _, id := range frontier {
			for _, child := range dependents[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}
	return waves
}

func sortedIDs(byID map[string]domain.GraphNode) []string {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func indexOf(items []string, target string) int {
	for i, item := range items {
		if item == target {
			return i
		}
	}
	return -1
}
