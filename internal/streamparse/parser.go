// Package streamparse recovers workflow nodes and edges from a token stream
// as soon as each object closes, without waiting for the full document.
package streamparse

import (
	"bytes"
	"encoding/json"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

// Result holds the elements first seen in a Feed call.
type Result struct {
	NewNodes []graph.Node
	NewEdges []graph.Edge
}

// Empty reports whether nothing new was found.
func (r Result) Empty() bool {
	return len(r.NewNodes) == 0 && len(r.NewEdges) == 0
}

// Parser accumulates streamed text and emits each node and edge once.
// A Parser is not safe for concurrent use.
type Parser struct {
	buf          []byte
	scan         scanner
	emittedNodes map[string]struct{}
	emittedEdges map[graph.Edge]struct{}
}

// New creates an empty parser.
func New() *Parser {
	return &Parser{
		emittedNodes: make(map[string]struct{}),
		emittedEdges: make(map[graph.Edge]struct{}),
	}
}

// Feed appends a chunk and returns the nodes and edges that became
// complete because of it, in order of appearance.
func (p *Parser) Feed(chunk string) Result {
	p.buf = append(p.buf, chunk...)
	leaves, _ := p.scan.advance(p.buf)

	var res Result
	for _, sp := range leaves {
		obj, ok := decodeObject(p.buf[sp.start:sp.end])
		if !ok {
			continue
		}
		if n, ok := graph.NodeFromObject(obj); ok {
			if _, seen := p.emittedNodes[n.ID]; seen {
				continue
			}
			p.emittedNodes[n.ID] = struct{}{}
			res.NewNodes = append(res.NewNodes, n)
			continue
		}
		if e, ok := graph.EdgeFromObject(obj); ok {
			if _, seen := p.emittedEdges[e]; seen {
				continue
			}
			p.emittedEdges[e] = struct{}{}
			res.NewEdges = append(res.NewEdges, e)
		}
	}
	return res
}

// Buffer returns everything fed so far.
func (p *Parser) Buffer() string {
	return string(p.buf)
}

// AllNodes rescans the whole buffer and returns every node, deduplicated
// by id, independent of what Feed has emitted.
func (p *Parser) AllNodes() []graph.Node {
	nodes, _ := collect(p.buf)
	return nodes
}

// AllEdges rescans the whole buffer and returns every edge, deduplicated
// by endpoints.
func (p *Parser) AllEdges() []graph.Edge {
	_, edges := collect(p.buf)
	return edges
}

func collect(buf []byte) ([]graph.Node, []graph.Edge) {
	var s scanner
	leaves, _ := s.advance(buf)

	var nodes []graph.Node
	var edges []graph.Edge
	seenNodes := make(map[string]struct{})
	seenEdges := make(map[graph.Edge]struct{})
	for _, sp := range leaves {
		obj, ok := decodeObject(buf[sp.start:sp.end])
		if !ok {
			continue
		}
		if n, ok := graph.NodeFromObject(obj); ok {
			if _, seen := seenNodes[n.ID]; !seen {
				seenNodes[n.ID] = struct{}{}
				nodes = append(nodes, n)
			}
			continue
		}
		if e, ok := graph.EdgeFromObject(obj); ok {
			if _, seen := seenEdges[e]; !seen {
				seenEdges[e] = struct{}{}
				edges = append(edges, e)
			}
		}
	}
	return nodes, edges
}

func decodeObject(data []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}
