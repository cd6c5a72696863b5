package graph

import "sort"

// StartNodes returns trigger nodes plus any node with no inbound edges,
// sorted by id for determinism.
func StartNodes(g *Graph) []string {
	inbound := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		inbound[e.To]++
	}

	var starts []string
	for _, n := range g.Nodes {
		if n.Disabled {
			continue
		}
		if inbound[n.ID] == 0 || n.Type == TypeTrigger {
			starts = append(starts, n.ID)
		}
	}
	sort.Strings(starts)
	return starts
}

// TopologicalOrder returns node ids in dependency order using Kahn's
// algorithm. Nodes that become ready simultaneously are emitted in
// ascending id order, so the baseline order is deterministic. A cycle
// yields a CyclicGraphError.
func TopologicalOrder(g *Graph) ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		inDegree[n.ID] = 0
	}
	adj := adjacency(g)
	for _, e := range g.Edges {
		inDegree[e.To]++
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)

		inserted := false
		for _, next := range adj[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				inserted = true
			}
		}
		if inserted {
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.Nodes) {
		if cycle := findCycle(g); cycle != nil {
			return nil, cycle
		}
		return nil, &CyclicGraphError{Cycle: []string{"unknown"}}
	}
	return order, nil
}

// Ancestors returns every node upstream of id (direct and transitive).
func Ancestors(g *Graph, id string) []string {
	reverse := make(map[string][]string)
	for _, e := range g.Edges {
		reverse[e.To] = append(reverse[e.To], e.From)
	}

	visited := make(map[string]bool)
	var out []string
	var walk func(cur string)
	walk = func(cur string) {
		for _, up := range reverse[cur] {
			if !visited[up] {
				visited[up] = true
				out = append(out, up)
				walk(up)
			}
		}
	}
	walk(id)
	sort.Strings(out)
	return out
}

// Descendants returns every node downstream of id.
func Descendants(g *Graph, id string) []string {
	adj := adjacency(g)

	visited := make(map[string]bool)
	var out []string
	var walk func(cur string)
	walk = func(cur string) {
		for _, down := range adj[cur] {
			if !visited[down] {
				visited[down] = true
				out = append(out, down)
				walk(down)
			}
		}
	}
	walk(id)
	sort.Strings(out)
	return out
}

// OutEdges returns the edges leaving a node, optionally filtered by port.
func OutEdges(g *Graph, from string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range g.Edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

// InEdges returns the edges entering a node.
func InEdges(g *Graph, to string) []EdgeSpec {
	var in []EdgeSpec
	for _, e := range g.Edges {
		if e.To == to {
			in = append(in, e)
		}
	}
	return in
}
