package domain

// PlanWave lists the node ids assigned to one wave, in dispatch order.
type PlanWave struct {
	WaveIndex int      `json:"waveIndex"`
	NodeIDs   []string `json:"nodeIds"`
}

// PlanNode is the per-node record of a schedule plan.
type PlanNode struct {
	NodeID    string   `json:"nodeId"`
	AgentID   string   `json:"agentId"`
	Priority  Priority `json:"priority"`
	DependsOn []string `json:"dependsOn"`
	WaveIndex int      `json:"waveIndex"`
	// Title is informational and is not part of the plan hash.
	Title string `json:"title,omitempty"`
}

// SchedulePlan is immutable once built.
type SchedulePlan struct {
	Waves            []PlanWave `json:"waves"`
	Nodes            []PlanNode `json:"nodes"`
	SchedulePlanHash string     `json:"schedulePlanHash"`
}

// Node returns the record for id.
func (p *SchedulePlan) Node(id string) (PlanNode, bool) {
	for _, n := range p.Nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return PlanNode{}, false
}

// RuntimeNode is a plan node prepared for dispatch.
type RuntimeNode struct {
	PlanNode
	PriorityRank int `json:"priorityRank"`
}

// RuntimeWave is the dispatcher's view of a single wave.
type RuntimeWave struct {
	WaveIndex int           `json:"waveIndex"`
	Nodes     []RuntimeNode `json:"nodes"`
}
