package graph

// Apply returns a new graph with op applied. The input is never mutated.
// Malformed and unknown operations leave the graph unchanged.
func Apply(g Graph, op Operation) Graph {
	out := g.Clone()
	apply(&out, op)
	return out
}

// ApplyAll folds Apply over ops in order.
func ApplyAll(g Graph, ops []Operation) Graph {
	out := g.Clone()
	for _, op := range ops {
		apply(&out, op)
	}
	return out
}

func apply(g *Graph, op Operation) {
	if op == nil || op.Malformed() {
		return
	}

	switch o := op.(type) {
	case MoveNode:
		for i := range g.Nodes {
			if g.Nodes[i].ID == o.NodeID {
				p := *o.Position
				g.Nodes[i].Position = &p
				break
			}
		}

	case AddNode:
		if _, ok := g.Node(o.Node.ID); ok {
			return
		}
		n := *o.Node
		if n.Position != nil {
			p := *n.Position
			n.Position = &p
		}
		g.Nodes = append(g.Nodes, n)

	case DeleteNode:
		nodes := g.Nodes[:0]
		for _, n := range g.Nodes {
			if n.ID != o.NodeID {
				nodes = append(nodes, n)
			}
		}
		g.Nodes = nodes
		edges := g.Edges[:0]
		for _, e := range g.Edges {
			if e.From != o.NodeID && e.To != o.NodeID {
				edges = append(edges, e)
			}
		}
		g.Edges = edges

	case UpdateNode:
		for i := range g.Nodes {
			if g.Nodes[i].ID != o.NodeID {
				continue
			}
			if o.Label != nil {
				g.Nodes[i].Label = *o.Label
			}
			if o.Type != nil {
				g.Nodes[i].Type = *o.Type
			}
			break
		}

	case AddEdge:
		if g.HasEdge(o.Edge.From, o.Edge.To) {
			return
		}
		g.Edges = append(g.Edges, *o.Edge)

	case DeleteEdge:
		edges := g.Edges[:0]
		for _, e := range g.Edges {
			if e.From != o.From || e.To != o.To {
				edges = append(edges, e)
			}
		}
		g.Edges = edges

	case Unknown:
	}
}
