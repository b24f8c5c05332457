package query

// TraverseDFS walks the graph depth-first from start, calling visit with
// each node and its depth. Traversal stops early if visit returns true.
func (e *Engine) TraverseDFS(start string, visit VisitFunc, opts Options) error {
	maxDepth := defaultMaxDepth(opts.MaxDepth)
	startNode, err := e.store.GetNode(start)
	if err != nil {
		return err
	}
	if startNode == nil {
		return nil
	}

	visited := map[string]bool{start: true}

	var dfs func(nodeID string, depth int) (bool, error)
	dfs = func(nodeID string, depth int) (bool, error) {
		node, err := e.store.GetNode(nodeID)
		if err != nil || node == nil {
			return false, err
		}
		if visit(node, depth) {
			return true, nil
		}
		if depth >= maxDepth {
			return false, nil
		}

		adj, err := e.adjacency(nodeID, opts)
		if err != nil {
			return false, err
		}
		for _, edge := range adj {
			next := otherEnd(edge, nodeID)
			if visited[next] {
				continue
			}
			visited[next] = true
			stop, err := dfs(next, depth+1)
			if err != nil || stop {
				return stop, err
			}
		}
		return false, nil
	}

	_, err = dfs(start, 0)
	return err
}

// TraverseBFS walks the graph breadth-first from start, calling visit with
// each node and its depth. Traversal stops early if visit returns true.
func (e *Engine) TraverseBFS(start string, visit VisitFunc, opts Options) error {
	maxDepth := defaultMaxDepth(opts.MaxDepth)
	startNode, err := e.store.GetNode(start)
	if err != nil {
		return err
	}
	if startNode == nil {
		return nil
	}

	visited := map[string]bool{start: true}
	queue := []bfsFrame{{start, 0}}

	if visit(startNode, 0) {
		return nil
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		adj, err := e.adjacency(cur.nodeID, opts)
		if err != nil {
			return err
		}
		for _, edge := range adj {
			next := otherEnd(edge, cur.nodeID)
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
			if visit(nextNode, cur.depth+1) {
				return nil
			}
			queue = append(queue, bfsFrame{next, cur.depth + 1})
		}
	}
	return nil
}
