package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond() *Graph {
	return &Graph{
		ID: "wf-diamond",
		Nodes: []NodeSpec{
			{ID: "a", Type: TypeTrigger},
			{ID: "b", Type: "noop"},
			{ID: "c", Type: "noop"},
			{ID: "d", Type: "merge"},
		},
		Edges: []EdgeSpec{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	}
}

func TestValidateAcceptsDiamond(t *testing.T) {
	findings := Validate(diamond())
	assert.Empty(t, findings)
	assert.NoError(t, FatalError(findings))
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	g := &Graph{
		ID: "wf",
		Nodes: []NodeSpec{
			{ID: "a", Type: TypeTrigger},
			{ID: "a", Type: "noop"},
		},
	}

	findings := Validate(g)
	require.NotEmpty(t, findings)
	assert.Error(t, FatalError(findings))
	assert.Contains(t, FatalError(findings).Error(), "duplicate node id")
}

func TestValidateRejectsDanglingEdges(t *testing.T) {
	g := &Graph{
		ID:    "wf",
		Nodes: []NodeSpec{{ID: "a", Type: TypeTrigger}},
		Edges: []EdgeSpec{{From: "a", To: "ghost"}},
	}

	err := FatalError(Validate(g))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `edge target "ghost" does not exist`)
}

func TestValidateRejectsCycle(t *testing.T) {
	g := &Graph{
		ID: "wf",
		Nodes: []NodeSpec{
			{ID: "a", Type: TypeTrigger},
			{ID: "b", Type: "noop"},
			{ID: "c", Type: "noop"},
		},
		Edges: []EdgeSpec{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "b"},
		},
	}

	err := FatalError(Validate(g))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateWarnsUnreachable(t *testing.T) {
	g := diamond()
	// A disabled entry point leaves its successor with no path from any
	// start node.
	g.Nodes = append(g.Nodes, NodeSpec{ID: "island", Type: "noop", Disabled: true})
	g.Nodes = append(g.Nodes, NodeSpec{ID: "island2", Type: "noop"})
	g.Edges = append(g.Edges, EdgeSpec{From: "island", To: "island2"})

	findings := Validate(g)
	// The island is only a warning, the graph stays executable.
	assert.NoError(t, FatalError(findings))

	var warned []string
	for _, f := range findings {
		if f.Severity == SeverityWarning {
			warned = append(warned, f.NodeID)
		}
	}
	assert.Contains(t, warned, "island2")
}

func TestTopologicalOrder(t *testing.T) {
	order, err := TopologicalOrder(diamond())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestTopologicalOrderRejectsCycle(t *testing.T) {
	g := diamond()
	g.Edges = append(g.Edges, EdgeSpec{From: "d", To: "a"})

	_, err := TopologicalOrder(g)
	require.Error(t, err)

	var cyclic *CyclicGraphError
	require.ErrorAs(t, err, &cyclic)
	assert.NotEmpty(t, cyclic.Cycle)
}

func TestStartNodes(t *testing.T) {
	assert.Equal(t, []string{"a"}, StartNodes(diamond()))

	g := diamond()
	g.Nodes = append(g.Nodes, NodeSpec{ID: "orphan", Type: "noop"})
	assert.Equal(t, []string{"a", "orphan"}, StartNodes(g))
}

func TestAncestorsAndDescendants(t *testing.T) {
	g := diamond()
	assert.Equal(t, []string{"a", "b", "c"}, Ancestors(g, "d"))
	assert.Equal(t, []string{"b", "c", "d"}, Descendants(g, "a"))
	assert.Empty(t, Ancestors(g, "a"))
	assert.Empty(t, Descendants(g, "d"))
}

func TestEdgePortDefaults(t *testing.T) {
	e := EdgeSpec{From: "a", To: "b"}
	assert.Equal(t, PortMain, e.SourcePort())
	assert.Equal(t, PortMain, e.TargetPort())

	e = EdgeSpec{From: "a", FromPort: PortTrue, To: "b", ToPort: "secondary"}
	assert.Equal(t, PortTrue, e.SourcePort())
	assert.Equal(t, "secondary", e.TargetPort())
}
