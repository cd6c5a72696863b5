package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fluxline-go/internal/engine/retry"
)

// Well-known edge ports.
const (
	PortMain  = "main"
	PortTrue  = "true"
	PortFalse = "false"
	PortError = "error"
)

// Node types the graph layer itself needs to know about. Everything
// else is opaque to the graph and resolved through the node registry.
const (
	TypeTrigger     = "trigger"
	TypeSubworkflow = "subworkflow"
	TypeLoop        = "loop"

	// TypeSplitInBatches is an alias for TypeLoop kept for workflow
	// definitions written against the batch-oriented name.
	TypeSplitInBatches = "splitInBatches"
)

// NodeSpec describes a single node of a workflow graph.
type NodeSpec struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	Type               string                 `json:"type"`
	Config             map[string]interface{} `json:"config,omitempty"`
	ErrorOutputEnabled bool                   `json:"errorOutputEnabled,omitempty"`
	Disabled           bool                   `json:"disabled,omitempty"`
	Retry              *retry.Policy          `json:"retry,omitempty"`
}

// EdgeSpec connects an output port of one node to an input port of another.
// Empty ports default to "main".
type EdgeSpec struct {
	From     string `json:"from"`
	FromPort string `json:"fromPort,omitempty"`
	To       string `json:"to"`
	ToPort   string `json:"toPort,omitempty"`
}

// Graph is the immutable workflow definition handed to the engine.
type Graph struct {
	ID    string     `json:"id"`
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges"`
}

// Severity of a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationError is a single finding produced by Validate.
type ValidationError struct {
	NodeID   string   `json:"nodeId,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (e ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
	}
	return e.Message
}

// CyclicGraphError names the nodes participating in a detected cycle.
type CyclicGraphError struct {
	Cycle []string
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("workflow graph contains a cycle: %s", strings.Join(e.Cycle, " -> "))
}

// Node returns the spec for a node id.
func (g *Graph) Node(id string) (*NodeSpec, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Port on an edge, defaulted.
func (e EdgeSpec) SourcePort() string {
	if e.FromPort == "" {
		return PortMain
	}
	return e.FromPort
}

func (e EdgeSpec) TargetPort() string {
	if e.ToPort == "" {
		return PortMain
	}
	return e.ToPort
}

// Validate checks the graph for structural problems. Fatal findings are
// duplicate node ids, dangling edge endpoints and cycles; nodes without
// a path from a trigger are reported as warnings only.
func Validate(g *Graph) []ValidationError {
	var findings []ValidationError

	if len(g.Nodes) == 0 {
		findings = append(findings, ValidationError{
			Message:  "workflow has no nodes",
			Severity: SeverityError,
		})
		return findings
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			findings = append(findings, ValidationError{
				Message:  "node with empty id",
				Severity: SeverityError,
			})
			continue
		}
		if seen[n.ID] {
			findings = append(findings, ValidationError{
				NodeID:   n.ID,
				Message:  "duplicate node id",
				Severity: SeverityError,
			})
		}
		seen[n.ID] = true
	}

	for _, e := range g.Edges {
		if !seen[e.From] {
			findings = append(findings, ValidationError{
				NodeID:   e.From,
				Message:  fmt.Sprintf("edge source %q does not exist", e.From),
				Severity: SeverityError,
			})
		}
		if !seen[e.To] {
			findings = append(findings, ValidationError{
				NodeID:   e.To,
				Message:  fmt.Sprintf("edge target %q does not exist", e.To),
				Severity: SeverityError,
			})
		}
	}

	// Cycle detection only makes sense on a structurally sound graph.
	if !hasFatal(findings) {
		if cycle := findCycle(g); cycle != nil {
			findings = append(findings, ValidationError{
				NodeID:   cycle.Cycle[0],
				Message:  cycle.Error(),
				Severity: SeverityError,
			})
		}

		for _, id := range unreachableNodes(g) {
			findings = append(findings, ValidationError{
				NodeID:   id,
				Message:  "node is not reachable from any trigger node",
				Severity: SeverityWarning,
			})
		}
	}

	return findings
}

// FatalError folds fatal findings into a single error, nil when the
// graph is executable.
func FatalError(findings []ValidationError) error {
	var fatal []string
	for _, f := range findings {
		if f.Severity == SeverityError {
			fatal = append(fatal, f.Error())
		}
	}
	if len(fatal) == 0 {
		return nil
	}
	return fmt.Errorf("invalid workflow graph: %s", strings.Join(fatal, "; "))
}

func hasFatal(findings []ValidationError) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// findCycle runs DFS with a recursion stack and reconstructs the cycle
// members when one is found.
func findCycle(g *Graph) *CyclicGraphError {
	adj := adjacency(g)

	const (
		white = 0 // unvisited
		grey  = 1 // on recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(g.Nodes))
	parent := make(map[string]string)

	var cycle []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = grey
		for _, next := range adj[id] {
			switch color[next] {
			case white:
				parent[next] = id
				if dfs(next) {
					return true
				}
			case grey:
				// Walk parents back to next to name the cycle.
				cycle = []string{next}
				for cur := id; cur != next; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				// Reverse into edge order.
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			}
		}
		color[id] = black
		return false
	}

	ids := nodeIDs(g)
	for _, id := range ids {
		if color[id] == white && dfs(id) {
			return &CyclicGraphError{Cycle: cycle}
		}
	}
	return nil
}

// unreachableNodes returns enabled nodes with no path from a start node.
func unreachableNodes(g *Graph) []string {
	adj := adjacency(g)
	reachable := make(map[string]bool)

	queue := StartNodes(g)
	for _, id := range queue {
		reachable[id] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	var orphans []string
	for _, n := range g.Nodes {
		if !reachable[n.ID] && !n.Disabled {
			orphans = append(orphans, n.ID)
		}
	}
	sort.Strings(orphans)
	return orphans
}

func adjacency(g *Graph) map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	return adj
}

func nodeIDs(g *Graph) []string {
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids
}
