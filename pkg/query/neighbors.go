package query

import "github.com/loom-mesh/mesh/pkg/graph"

// GetNeighbors returns the nodes whose shortest unweighted distance from
// nodeID equals exactly depth (1 = direct neighbors), via breadth-first
// search.
func (e *Engine) GetNeighbors(nodeID string, depth int, opts Options) ([]*graph.Node, error) {
	if depth <= 0 {
		return nil, nil
	}

	start, err := e.store.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, nil
	}

	visited := map[string]int{nodeID: 0}
	queue := []bfsFrame{{nodeID, 0}}
	var atDepth []*graph.Node

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= depth {
			continue
		}

		adj, err := e.adjacency(cur.nodeID, opts)
		if err != nil {
			return nil, err
		}
		for _, edge := range adj {
			next := otherEnd(edge, cur.nodeID)
			if _, seen := visited[next]; seen {
				continue
			}
			nextDepth := cur.depth + 1
			visited[next] = nextDepth

			nextNode, err := e.store.GetNode(next)
			if err != nil {
				return nil, err
			}
			if nextNode == nil {
				continue
			}
			if nextDepth == depth {
				atDepth = append(atDepth, nextNode)
			}
			queue = append(queue, bfsFrame{next, nextDepth})
		}
	}
	return atDepth, nil
}

// ExtractSubgraph returns every node within opts.MaxDepth of centerId
// (filtered by nodeTypes) plus every edge whose endpoints are both in the
// result and whose type matches opts.EdgeTypes.
func (e *Engine) ExtractSubgraph(centerID string, nodeTypes []string, opts Options) (*Subgraph, error) {
	maxDepth := defaultMaxDepth(opts.MaxDepth)

	center, err := e.store.GetNode(centerID)
	if err != nil {
		return nil, err
	}
	if center == nil {
		return &Subgraph{}, nil
	}

	visited := map[string]bool{centerID: true}
	var nodes []*graph.Node
	if nodeTypeAllowed(center.Type, nodeTypes) {
		nodes = append(nodes, center)
	}

	queue := []bfsFrame{{centerID, 0}}
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

			nextNode, err := e.store.GetNode(next)
			if err != nil {
				return nil, err
			}
			if nextNode == nil {
				continue
			}
			if nodeTypeAllowed(nextNode.Type, nodeTypes) {
				nodes = append(nodes, nextNode)
			}
			queue = append(queue, bfsFrame{next, cur.depth + 1})
		}
	}

	inResult := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		inResult[n.ID] = true
	}

	var edges []*graph.Edge
	seenEdges := map[string]bool{}
	for id := range inResult {
		adj, err := e.adjacency(id, Options{Directed: opts.Directed, EdgeTypes: opts.EdgeTypes})
		if err != nil {
			return nil, err
		}
		for _, edge := range adj {
			if seenEdges[edge.ID] {
				continue
			}
			if inResult[edge.From] && inResult[edge.To] {
				edges = append(edges, edge)
				seenEdges[edge.ID] = true
			}
		}
	}

	return &Subgraph{Nodes: nodes, Edges: edges}, nil
}

func nodeTypeAllowed(nodeType string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, t := range allow {
		if t == nodeType {
			return true
		}
	}
	return false
}

// FindConnectedComponent returns every node reachable from nodeID via
// undirected depth-first search, ignoring edge direction entirely.
func (e *Engine) FindConnectedComponent(nodeID string, edgeTypes []string) ([]*graph.Node, error) {
	start, err := e.store.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, nil
	}

	opts := Options{Directed: false, EdgeTypes: edgeTypes, MaxDepth: 1 << 30}
	visited := map[string]bool{nodeID: true}
	component := []*graph.Node{start}

	var dfs func(id string) error
	dfs = func(id string) error {
		adj, err := e.adjacency(id, opts)
		if err != nil {
			return err
		}
		for _, edge := range adj {
			next := otherEnd(edge, id)
			if visited[next] {
				continue
			}
			visited[next] = true
			nextNode, err := e.store.GetNode(next)
			if err != nil {
				return err
			}
			if nextNode == nil {
				continue
			}
			component = append(component, nextNode)
			if err := dfs(next); err != nil {
				return err
			}
		}
		return nil
	}

	if err := dfs(nodeID); err != nil {
		return nil, err
	}
	return component, nil
}
