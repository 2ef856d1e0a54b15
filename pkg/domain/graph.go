package domain

// GraphNode is a raw unit of work as supplied by the graph source.
type GraphNode struct {
	ID        string   `json:"id" yaml:"id"`
	Title     string   `json:"title,omitempty" yaml:"title"`
	AgentID   string   `json:"agentId" yaml:"agent"`
	DependsOn []string `json:"dependsOn,omitempty" yaml:"depends_on"`
	Priority  Priority `json:"priority,omitempty" yaml:"priority"`
}

// ValidationReason classifies why a graph was rejected.
type ValidationReason string

const (
	ReasonNone              ValidationReason = ""
	ReasonEmptyID           ValidationReason = "empty_id"
	ReasonDuplicateID       ValidationReason = "duplicate_id"
	ReasonInvalidPriority   ValidationReason = "invalid_priority"
	ReasonMissingDependency ValidationReason = "missing_dependency"
	ReasonCycle             ValidationReason = "cycle"
)

// ValidationResult is the structured outcome of graph validation. When the
// reason is a missing dependency, CyclePath holds only the missing id; for a
// cycle it starts and ends with the same id.
type ValidationResult struct {
	Valid     bool             `json:"valid"`
	Reason    ValidationReason `json:"reason,omitempty"`
	NodeID    string           `json:"nodeId,omitempty"`
	CyclePath []string         `json:"cyclePath,omitempty"`
}
