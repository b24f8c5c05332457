package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-mesh/mesh/pkg/mesherr"
	"github.com/loom-mesh/mesh/pkg/substrate"
)

func newTestStore() *SubstrateStore {
	return NewSubstrateStore(context.Background(), substrate.NewMemoryBus())
}

func TestSubstrateStore_PutAndGetNode(t *testing.T) {
	store := newTestStore()

	t.Run("rejects_node_without_type", func(t *testing.T) {
		_, err := store.PutNode(&Node{ID: "n1"})
		assert.ErrorIs(t, err, mesherr.ErrInvalid)
	})

	t.Run("assigns_id_when_absent", func(t *testing.T) {
		n, err := store.PutNode(&Node{Type: "sensor"})
		require.NoError(t, err)
		assert.NotEmpty(t, n.ID)
	})

	t.Run("roundtrips_through_get", func(t *testing.T) {
		n, err := store.PutNode(&Node{ID: "alice", Type: "person", Properties: map[string]any{"name": "Alice"}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n.Version)

		got, err := store.GetNode("alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Alice", got.Properties["name"])
	})

	t.Run("get_unknown_node_returns_nil", func(t *testing.T) {
		got, err := store.GetNode("ghost")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("repeat_put_bumps_version", func(t *testing.T) {
		_, err := store.PutNode(&Node{ID: "bob", Type: "person"})
		require.NoError(t, err)
		n2, err := store.PutNode(&Node{ID: "bob", Type: "person", Properties: map[string]any{"age": float64(30)}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n2.Version)
	})
}

func TestSubstrateStore_EdgesAndCascadeDelete(t *testing.T) {
	store := newTestStore()

	_, err := store.PutNode(&Node{ID: "alice", Type: "person"})
	require.NoError(t, err)
	_, err = store.PutNode(&Node{ID: "bob", Type: "person"})
	require.NoError(t, err)

	t.Run("rejects_edge_missing_required_fields", func(t *testing.T) {
		_, err := store.PutEdge(&Edge{ID: "e0"})
		assert.ErrorIs(t, err, mesherr.ErrInvalid)
	})

	t.Run("dangling_edge_endpoints_are_legal", func(t *testing.T) {
		e, err := store.PutEdge(&Edge{From: "alice", To: "nobody", Type: "KNOWS"})
		require.NoError(t, err)
		assert.Equal(t, float64(1), e.Weight)
	})

	e1, err := store.PutEdge(&Edge{ID: "e1", From: "alice", To: "bob", Type: "KNOWS"})
	require.NoError(t, err)

	t.Run("outgoing_and_incoming_indexes_agree", func(t *testing.T) {
		// alice has two outgoing edges: e1 and the dangling edge above.
		out, err := store.GetOutgoingEdges("alice", "")
		require.NoError(t, err)
		require.Len(t, out, 2)
		outIDs := []string{out[0].ID, out[1].ID}
		assert.Contains(t, outIDs, e1.ID)

		in, err := store.GetIncomingEdges("bob", "")
		require.NoError(t, err)
		require.Len(t, in, 1)
		assert.Equal(t, e1.ID, in[0].ID)
	})

	t.Run("cascade_delete_removes_incident_edges", func(t *testing.T) {
		ok, err := store.DeleteNode("alice")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetEdge("e1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delete_unknown_node_returns_false", func(t *testing.T) {
		ok, err := store.DeleteNode("never-existed")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete_strips_secondary_index_entries", func(t *testing.T) {
		_, err := store.PutNode(&Node{ID: "carol", Type: "person", Labels: []string{"vip"}})
		require.NoError(t, err)
		_, err = store.PutEdge(&Edge{ID: "e9", From: "carol", To: "bob", Type: "KNOWS"})
		require.NoError(t, err)

		ok, err := store.DeleteNode("carol")
		require.NoError(t, err)
		assert.True(t, ok)

		scanner := store.sub.(substrate.PrefixScanner)
		byType, err := scanner.ScanPrefix(context.Background(), substrate.Path{"index", "nodes", "by_type", "person"})
		require.NoError(t, err)
		assert.NotContains(t, byType, "carol", "delete must remove the entry, not just tombstone the document")

		byLabel, err := scanner.ScanPrefix(context.Background(), substrate.Path{"index", "nodes", "by_label", "vip"})
		require.NoError(t, err)
		assert.NotContains(t, byLabel, "carol")

		all, err := scanner.ScanPrefix(context.Background(), substrate.Path{"index", "nodes", "all"})
		require.NoError(t, err)
		assert.NotContains(t, all, "carol")

		outIdx, err := scanner.ScanPrefix(context.Background(), substrate.Path{"index", "edges", "out", "all", "carol"})
		require.NoError(t, err)
		assert.NotContains(t, outIdx, "e9")
	})
}

func TestSubstrateStore_RetypingNodeDropsStaleTypeIndexEntry(t *testing.T) {
	store := newTestStore()

	_, err := store.PutNode(&Node{ID: "n1", Type: "draft"})
	require.NoError(t, err)
	_, err = store.PutNode(&Node{ID: "n1", Type: "published"})
	require.NoError(t, err)

	drafts, err := store.QueryNodes(NodeFilter{Type: "draft"})
	require.NoError(t, err)
	assert.Empty(t, drafts, "re-typed node must not still satisfy the old type filter")

	published, err := store.QueryNodes(NodeFilter{Type: "published"})
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "n1", published[0].ID)
}

func TestSubstrateStore_QueryNodes(t *testing.T) {
	store := newTestStore()

	_, err := store.PutNode(&Node{ID: "w1", Type: "widget", Labels: []string{"red"}})
	require.NoError(t, err)
	_, err = store.PutNode(&Node{ID: "w2", Type: "widget", Labels: []string{"blue"}})
	require.NoError(t, err)
	_, err = store.PutNode(&Node{ID: "g1", Type: "gadget"})
	require.NoError(t, err)

	t.Run("filters_by_type", func(t *testing.T) {
		got, err := store.QueryNodes(NodeFilter{Type: "widget"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("filters_by_label", func(t *testing.T) {
		got, err := store.QueryNodes(NodeFilter{Type: "widget", Labels: []string{"red"}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "w1", got[0].ID)
	})
}

func TestSubstrateStore_QueryEdges(t *testing.T) {
	store := newTestStore()
	_, err := store.PutNode(&Node{ID: "a", Type: "n"})
	require.NoError(t, err)
	_, err = store.PutNode(&Node{ID: "b", Type: "n"})
	require.NoError(t, err)

	_, err = store.PutEdge(&Edge{ID: "e1", From: "a", To: "b", Type: "LIKES", Weight: 5})
	require.NoError(t, err)
	_, err = store.PutEdge(&Edge{ID: "e2", From: "a", To: "b", Type: "FOLLOWS", Weight: 1})
	require.NoError(t, err)

	t.Run("filters_by_weight_bounds", func(t *testing.T) {
		got, err := store.QueryEdges(EdgeFilter{From: "a", HasWeightBounds: true, MinWeight: 3, MaxWeight: 10})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "e1", got[0].ID)
	})
}
