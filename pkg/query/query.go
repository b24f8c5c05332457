// Package query implements the Query Engine: pure read-only traversal
// operations over a graph.Store (paths, BFS/DFS, neighbors, subgraph
// extraction, connected components).
package query

import (
	"github.com/loom-mesh/mesh/pkg/graph"
)

// Path is an ordered traversal result: the nodes visited in order, the
// edges connecting them, the total weight (edge weights summed, default
// weight 1 when absent), and the edge count.
type Path struct {
	Nodes  []*graph.Node
	Edges  []*graph.Edge
	Weight float64
	Length int
}

// Options constrains a traversal: the maximum depth/number of paths to
// explore, an edge-type allowlist (empty means any type), and whether
// edge direction is respected.
type Options struct {
	MaxDepth  int
	MaxPaths  int
	EdgeTypes []string
	Directed  bool
}

// VisitFunc is called with each visited node and its depth from the
// traversal start. Returning true stops the traversal early.
type VisitFunc func(node *graph.Node, depth int) bool

// Subgraph is the result of ExtractSubgraph: every node within bound and
// every edge whose endpoints are both in Nodes.
type Subgraph struct {
	Nodes []*graph.Node
	Edges []*graph.Edge
}

// Engine runs traversal queries over a graph.Store.
type Engine struct {
	store graph.Store
}

// NewEngine constructs a query Engine over store.
func NewEngine(store graph.Store) *Engine {
	return &Engine{store: store}
}

func edgeTypeAllowed(edgeType string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, t := range allow {
		if t == edgeType {
			return true
		}
	}
	return false
}

func weightOf(e *graph.Edge) float64 {
	if e.Weight == 0 {
		return 1
	}
	return e.Weight
}

// adjacency returns the edges leaving node (directed) or all incident
// edges (undirected), filtered by the allowed edge types.
func (e *Engine) adjacency(nodeID string, opts Options) ([]*graph.Edge, error) {
	out, err := e.store.GetOutgoingEdges(nodeID, "")
	if err != nil {
		return nil, err
	}
	var edges []*graph.Edge
	for _, edge := range out {
		if edgeTypeAllowed(edge.Type, opts.EdgeTypes) {
			edges = append(edges, edge)
		}
	}
	if opts.Directed {
		return edges, nil
	}
	in, err := e.store.GetIncomingEdges(nodeID, "")
	if err != nil {
		return nil, err
	}
	for _, edge := range in {
		if edgeTypeAllowed(edge.Type, opts.EdgeTypes) {
			edges = append(edges, edge)
		}
	}
	return edges, nil
}

// otherEnd returns the node id at the far end of edge from the
// perspective of nodeID. Direction is not checked here; adjacency already
// limits directed traversals to outgoing edges.
func otherEnd(edge *graph.Edge, nodeID string) string {
	if edge.From == nodeID {
		return edge.To
	}
	return edge.From
}
