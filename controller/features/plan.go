package features

import (
	"encoding/json"
	"fmt"
)

// maxPlanDepth bounds the walk over malformed or hostile plan documents
const maxPlanDepth = 128

// PlanNode is one node of a PostgreSQL EXPLAIN (FORMAT JSON) tree
type PlanNode struct {
	NodeType     string      `json:"Node Type"`
	RelationName string      `json:"Relation Name,omitempty"`
	Schema       string      `json:"Schema,omitempty"`
	Alias        string      `json:"Alias,omitempty"`
	IndexName    string      `json:"Index Name,omitempty"`
	JoinType     string      `json:"Join Type,omitempty"`
	StartupCost  float64     `json:"Startup Cost"`
	TotalCost    float64     `json:"Total Cost"`
	PlanRows     float64     `json:"Plan Rows"`
	PlanWidth    float64     `json:"Plan Width"`
	Filter       string      `json:"Filter,omitempty"`
	Plans        []*PlanNode `json:"Plans,omitempty"`
}

// Explain is the root of a plan document
type Explain struct {
	Plan *PlanNode `json:"Plan"`
}

// ParsePlan decodes EXPLAIN (FORMAT JSON) output. PostgreSQL wraps the document in a
// one-element array; a bare object is accepted as well.
func ParsePlan(raw []byte) (*Explain, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty plan")
	}

	var wrapped []Explain
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if len(wrapped) == 0 || wrapped[0].Plan == nil {
			return nil, fmt.Errorf("plan document has no Plan node")
		}
		return &wrapped[0], nil
	}

	var single Explain
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if single.Plan == nil {
		return nil, fmt.Errorf("plan document has no Plan node")
	}
	return &single, nil
}

// Depth returns the number of edges on the longest root-to-leaf path.
// A lone root has depth 0.
func (n *PlanNode) Depth() int {
	return n.depth(0)
}

func (n *PlanNode) depth(level int) int {
	if n == nil || level >= maxPlanDepth {
		return level
	}
	deepest := level
	for _, child := range n.Plans {
		if d := child.depth(level + 1); d > deepest {
			deepest = d
		}
	}
	return deepest
}

// Relations lists the distinct relations scanned anywhere in the tree
func (n *PlanNode) Relations() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(node *PlanNode, level int)
	walk = func(node *PlanNode, level int) {
		if node == nil || level > maxPlanDepth {
			return
		}
		if node.RelationName != "" {
			name := node.RelationName
			if node.Schema != "" {
				name = node.Schema + "." + name
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
		for _, child := range node.Plans {
			walk(child, level+1)
		}
	}
	walk(n, 0)
	return out
}
