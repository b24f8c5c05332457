package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-mesh/mesh/pkg/graph"
	"github.com/loom-mesh/mesh/pkg/substrate"
)

// buildChain builds a -> b -> c -> d with KNOWS edges and returns the engine.
func buildChain(t *testing.T) *Engine {
	t.Helper()
	store := graph.NewSubstrateStore(context.Background(), substrate.NewMemoryBus())
	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := store.PutNode(&graph.Node{ID: id, Type: "n"})
		require.NoError(t, err)
	}
	edges := [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}}
	for i, pair := range edges {
		_, err := store.PutEdge(&graph.Edge{ID: edgeID(i), From: pair[0], To: pair[1], Type: "KNOWS"})
		require.NoError(t, err)
	}
	return NewEngine(store)
}

func edgeID(i int) string {
	return []string{"e0", "e1", "e2"}[i]
}

func TestFindShortestPath(t *testing.T) {
	e := buildChain(t)

	t.Run("finds_path_along_chain", func(t *testing.T) {
		path, err := e.FindShortestPath("a", "d", Options{MaxDepth: 5, Directed: true})
		require.NoError(t, err)
		require.NotNil(t, path)
		assert.Equal(t, 3, path.Length)
		assert.Equal(t, float64(3), path.Weight)
	})

	t.Run("unreachable_target_returns_nil", func(t *testing.T) {
		path, err := e.FindShortestPath("d", "a", Options{MaxDepth: 5, Directed: true})
		require.NoError(t, err)
		assert.Nil(t, path)
	})

	t.Run("unknown_start_returns_nil", func(t *testing.T) {
		path, err := e.FindShortestPath("ghost", "a", Options{Directed: true})
		require.NoError(t, err)
		assert.Nil(t, path)
	})
}

func TestFindPaths(t *testing.T) {
	e := buildChain(t)

	paths, err := e.FindPaths("a", "d", Options{MaxDepth: 5, MaxPaths: 10, Directed: true})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, 3, paths[0].Length)
}

func TestGetNeighbors(t *testing.T) {
	e := buildChain(t)

	t.Run("depth_one_is_direct_neighbor", func(t *testing.T) {
		neighbors, err := e.GetNeighbors("a", 1, Options{Directed: true})
		require.NoError(t, err)
		require.Len(t, neighbors, 1)
		assert.Equal(t, "b", neighbors[0].ID)
	})

	t.Run("depth_two_skips_direct_neighbor", func(t *testing.T) {
		neighbors, err := e.GetNeighbors("a", 2, Options{Directed: true})
		require.NoError(t, err)
		require.Len(t, neighbors, 1)
		assert.Equal(t, "c", neighbors[0].ID)
	})
}

func TestTraverseBFS_StopsEarly(t *testing.T) {
	e := buildChain(t)

	var visitedOrder []string
	err := e.TraverseBFS("a", func(n *graph.Node, depth int) bool {
		visitedOrder = append(visitedOrder, n.ID)
		return n.ID == "c"
	}, Options{Directed: true, MaxDepth: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, visitedOrder)
}

func TestExtractSubgraph(t *testing.T) {
	e := buildChain(t)

	sub, err := e.ExtractSubgraph("a", nil, Options{MaxDepth: 1, Directed: true})
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 2)
	assert.Len(t, sub.Edges, 1)
}

func TestFindConnectedComponent(t *testing.T) {
	e := buildChain(t)

	component, err := e.FindConnectedComponent("d", nil)
	require.NoError(t, err)
	assert.Len(t, component, 4)
}
