package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	t.Run("adds_new_key", func(t *testing.T) {
		patches := Diff(map[string]any{}, map[string]any{"status": "active"})
		require.Len(t, patches, 1)
		assert.Equal(t, OpAdd, patches[0].Op)
		assert.Equal(t, []string{"status"}, patches[0].Path)
		assert.Equal(t, "active", patches[0].Value)
	})

	t.Run("replaces_changed_key", func(t *testing.T) {
		patches := Diff(map[string]any{"status": "idle"}, map[string]any{"status": "active"})
		require.Len(t, patches, 1)
		assert.Equal(t, OpReplace, patches[0].Op)
	})

	t.Run("removes_absent_key", func(t *testing.T) {
		patches := Diff(map[string]any{"status": "idle"}, map[string]any{})
		require.Len(t, patches, 1)
		assert.Equal(t, OpRemove, patches[0].Op)
		assert.Equal(t, []string{"status"}, patches[0].Path)
	})

	t.Run("recurses_into_nested_maps", func(t *testing.T) {
		old := map[string]any{"pos": map[string]any{"x": float64(1), "y": float64(2)}}
		next := map[string]any{"pos": map[string]any{"x": float64(1), "y": float64(5)}}
		patches := Diff(old, next)
		require.Len(t, patches, 1)
		assert.Equal(t, []string{"pos", "y"}, patches[0].Path)
	})

	t.Run("no_diff_for_identical_state", func(t *testing.T) {
		old := map[string]any{"count": float64(3)}
		patches := Diff(old, map[string]any{"count": float64(3)})
		assert.Empty(t, patches)
	})

	t.Run("treats_numeric_types_as_equal_by_json_value", func(t *testing.T) {
		patches := Diff(map[string]any{"count": 3}, map[string]any{"count": float64(3)})
		assert.Empty(t, patches)
	})
}

func TestApply(t *testing.T) {
	t.Run("applies_add_and_replace_in_order", func(t *testing.T) {
		base := map[string]any{"status": "idle"}
		patches := []Patch{
			{Op: OpReplace, Path: []string{"status"}, Value: "active"},
			{Op: OpAdd, Path: []string{"retries"}, Value: float64(0)},
		}
		result, err := Apply(base, patches)
		require.NoError(t, err)
		assert.Equal(t, "active", result["status"])
		assert.Equal(t, float64(0), result["retries"])
	})

	t.Run("applies_remove", func(t *testing.T) {
		base := map[string]any{"status": "idle", "scratch": true}
		result, err := Apply(base, []Patch{{Op: OpRemove, Path: []string{"scratch"}}})
		require.NoError(t, err)
		_, exists := result["scratch"]
		assert.False(t, exists)
	})

	t.Run("empty_patch_list_returns_clone", func(t *testing.T) {
		base := map[string]any{"status": "idle"}
		result, err := Apply(base, nil)
		require.NoError(t, err)
		assert.Equal(t, base, result)
	})

	t.Run("diff_then_apply_round_trips", func(t *testing.T) {
		old := map[string]any{"status": "idle", "count": float64(1)}
		next := map[string]any{"status": "active", "count": float64(2), "tag": "new"}
		patches := Diff(old, next)
		result, err := Apply(old, patches)
		require.NoError(t, err)
		assert.Equal(t, next, result)
	})
}

func TestMerge(t *testing.T) {
	t.Run("overrides_top_level_key", func(t *testing.T) {
		result := Merge(map[string]any{"status": "idle"}, map[string]any{"status": "active"})
		assert.Equal(t, "active", result["status"])
	})

	t.Run("merges_nested_maps_instead_of_replacing", func(t *testing.T) {
		prior := map[string]any{"pos": map[string]any{"x": float64(1), "y": float64(2)}}
		partial := map[string]any{"pos": map[string]any{"y": float64(9)}}
		result := Merge(prior, partial)
		pos := result["pos"].(map[string]any)
		assert.Equal(t, float64(1), pos["x"])
		assert.Equal(t, float64(9), pos["y"])
	})

	t.Run("does_not_mutate_prior", func(t *testing.T) {
		prior := map[string]any{"status": "idle"}
		_ = Merge(prior, map[string]any{"status": "active"})
		assert.Equal(t, "idle", prior["status"])
	})
}
