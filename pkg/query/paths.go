package query

import "github.com/loom-mesh/mesh/pkg/graph"

func defaultMaxDepth(d int) int {
	if d <= 0 {
		return 10
	}
	return d
}

// FindPaths enumerates simple paths (no repeated nodes within a path) from
// from to to via depth-first search, returning up to opts.MaxPaths in
// discovery order.
func (e *Engine) FindPaths(from, to string, opts Options) ([]Path, error) {
	maxDepth := defaultMaxDepth(opts.MaxDepth)
	maxPaths := opts.MaxPaths
	if maxPaths <= 0 {
		maxPaths = 10
	}

	startNode, err := e.store.GetNode(from)
	if err != nil {
		return nil, err
	}
	if startNode == nil {
		return nil, nil
	}

	var results []Path
	visited := map[string]bool{from: true}
	nodes := []*graph.Node{startNode}
	var edges []*graph.Edge
	weight := 0.0

	var dfs func(current string, depth int) error
	dfs = func(current string, depth int) error {
		if len(results) >= maxPaths {
			return nil
		}
		if current == to && depth > 0 {
			results = append(results, Path{
				Nodes:  append([]*graph.Node{}, nodes...),
				Edges:  append([]*graph.Edge{}, edges...),
				Weight: weight,
				Length: len(edges),
			})
			return nil
		}
		if depth >= maxDepth {
			return nil
		}

		adj, err := e.adjacency(current, opts)
		if err != nil {
			return err
		}
		for _, edge := range adj {
			if len(results) >= maxPaths {
				return nil
			}
			next := otherEnd(edge, current)
			if visited[next] {
				continue
			}
			nextNode, err := e.store.GetNode(next)
			if err != nil {
				return err
			}
			if nextNode == nil {
				continue
			}

			visited[next] = true
			nodes = append(nodes, nextNode)
			edges = append(edges, edge)
			weight += weightOf(edge)

			if err := dfs(next, depth+1); err != nil {
				return err
			}

			weight -= weightOf(edge)
			edges = edges[:len(edges)-1]
			nodes = nodes[:len(nodes)-1]
			visited[next] = false
		}
		return nil
	}

	if err := dfs(from, 0); err != nil {
		return nil, err
	}
	return results, nil
}

type bfsFrame struct {
	nodeID string
	depth  int
}

// FindShortestPath runs a unit-weight breadth-first search and returns the
// first path found, or nil if to is unreachable within opts.MaxDepth.
func (e *Engine) FindShortestPath(from, to string, opts Options) (*Path, error) {
	maxDepth := defaultMaxDepth(opts.MaxDepth)

	startNode, err := e.store.GetNode(from)
	if err != nil {
		return nil, err
	}
	if startNode == nil {
		return nil, nil
	}
	if from == to {
		return &Path{Nodes: []*graph.Node{startNode}}, nil
	}

	visited := map[string]bool{from: true}
	cameFrom := map[string]*graph.Edge{}
	queue := []bfsFrame{{from, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		adj, err := e.adjacency(cur.nodeID, opts)
		if err != nil {
			return nil, err
		}
		for _, edge := range adj {
			next := otherEnd(edge, cur.nodeID)
			if visited[next] {
				continue
			}
			visited[next] = true
			cameFrom[next] = edge

			if next == to {
				return e.reconstructPath(from, to, cameFrom)
			}
			queue = append(queue, bfsFrame{next, cur.depth + 1})
		}
	}
	return nil, nil
}

func (e *Engine) reconstructPath(from, to string, cameFrom map[string]*graph.Edge) (*Path, error) {
	var edgeChain []*graph.Edge
	cur := to
	for cur != from {
		edge, ok := cameFrom[cur]
		if !ok {
			return nil, nil
		}
		edgeChain = append([]*graph.Edge{edge}, edgeChain...)
		cur = otherEnd(edge, cur)
	}

	nodes := make([]*graph.Node, 0, len(edgeChain)+1)
	weight := 0.0
	walkFrom := from
	for _, edge := range edgeChain {
		n, err := e.store.GetNode(walkFrom)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		weight += weightOf(edge)
		walkFrom = otherEnd(edge, walkFrom)
	}
	last, err := e.store.GetNode(walkFrom)
	if err != nil {
		return nil, err
	}
	nodes = append(nodes, last)

	return &Path{Nodes: nodes, Edges: edgeChain, Weight: weight, Length: len(edgeChain)}, nil
}
