// Package graph implements the Graph Store: a property-graph document
// store of nodes and directed edges with six secondary indexes, backed by
// the same replicated substrate the State Store uses.
package graph

import "time"

// Node is a vertex in the knowledge graph: a stable id, a type, and a
// schemaless property bag, per spec.md §3.
type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Labels     []string       `json:"labels,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Version    int64          `json:"version"`
	Deleted    bool           `json:"deleted,omitempty"`
}

// Edge is a relationship between two nodes, by id reference only. A
// dangling from/to is legal; queries skip it rather than refusing the
// write. Edges are directed by default; Undirected opts out, so the zero
// value matches the spec's "directed (default true)" without requiring
// every caller to set a flag.
type Edge struct {
	ID         string         `json:"id"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Labels     []string       `json:"labels,omitempty"`
	Weight     float64        `json:"weight"`
	Undirected bool           `json:"undirected,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Deleted    bool           `json:"deleted,omitempty"`
}

// Directed reports whether the edge should be treated as one-directional
// for traversal purposes.
func (e *Edge) Directed() bool { return !e.Undirected }

// NodeFilter selects nodes for QueryNodes.
type NodeFilter struct {
	Type          string
	Labels        []string // any-match
	Properties    map[string]any // all-equal
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// EdgeFilter selects edges for QueryEdges.
type EdgeFilter struct {
	Type      string
	From      string
	To        string
	Labels    []string
	MinWeight float64
	MaxWeight float64
	HasWeightBounds bool
	Limit     int
	Offset    int
}

// Store is the Graph Store contract of spec.md §4.2.
type Store interface {
	PutNode(node *Node) (*Node, error)
	GetNode(id string) (*Node, error)
	DeleteNode(id string) (bool, error)

	PutEdge(edge *Edge) (*Edge, error)
	GetEdge(id string) (*Edge, error)
	DeleteEdge(id string) (bool, error)

	GetOutgoingEdges(nodeID, edgeType string) ([]*Edge, error)
	GetIncomingEdges(nodeID, edgeType string) ([]*Edge, error)

	QueryNodes(filter NodeFilter) ([]*Node, error)
	QueryEdges(filter EdgeFilter) ([]*Edge, error)
}

func defaultWeight(w float64) float64 {
	if w == 0 {
		return 1
	}
	return w
}
