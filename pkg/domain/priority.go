package domain

import (
	"fmt"
	"strings"
)

// Priority is one of four ranked urgency tiers, P0 being the most urgent.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"

	// DefaultPriority is used when a node does not declare one.
	DefaultPriority = PriorityP2
)

// Priorities lists every tier from highest to lowest urgency.
var Priorities = []Priority{PriorityP0, PriorityP1, PriorityP2, PriorityP3}

// Rank returns 0 for P0 through 3 for P3. Unknown values rank after P3.
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	default:
		return len(Priorities)
	}
}

// Valid reports whether p is one of the four known tiers.
func (p Priority) Valid() bool {
	return p.Rank() < len(Priorities)
}

// ParsePriority accepts "P0".."P3" case-insensitively. An empty string yields
// DefaultPriority.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return DefaultPriority, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority: %q", s)
	}
	return p, nil
}
