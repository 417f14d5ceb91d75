package patch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainyard/brainrun/brain/patch"
)

func TestDiffApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		a    any
		b    any
	}{
		{"empty to populated", map[string]any{}, map[string]any{"x": 1.0}},
		{"add and remove keys", map[string]any{"x": 1.0}, map[string]any{"y": 3.0}},
		{"nested object", map[string]any{"a": map[string]any{"b": 1.0}}, map[string]any{"a": map[string]any{"b": 2.0}}},
		{"array grows", map[string]any{"items": []any{1.0}}, map[string]any{"items": []any{1.0, 2.0, 3.0}}},
		{"array shrinks", map[string]any{"items": []any{1.0, 2.0, 3.0}}, map[string]any{"items": []any{1.0}}},
		{"no change", map[string]any{"x": 1.0}, map[string]any{"x": 1.0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ops, err := patch.Diff(tc.a, tc.b)
			require.NoError(t, err)
			got, err := patch.Apply(tc.a, ops)
			require.NoError(t, err)
			assert.Equal(t, tc.b, got)
		})
	}
}

func TestDiffS1TwoStepBrain(t *testing.T) {
	initial := map[string]any{}
	afterA, err := patch.Apply(initial, patch.Patch{{Op: "add", Path: "/x", Value: 1.0}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0}, afterA)

	opsA, err := patch.Diff(initial, map[string]any{"x": 1.0})
	require.NoError(t, err)
	require.Len(t, opsA, 1)
	assert.Equal(t, "add", opsA[0].Op)
	assert.Equal(t, "/x", opsA[0].Path)

	opsB, err := patch.Diff(map[string]any{"x": 1.0}, map[string]any{"x": 1.0, "y": 3.0})
	require.NoError(t, err)
	require.Len(t, opsB, 1)
	assert.Equal(t, "add", opsB[0].Op)
	assert.Equal(t, "/y", opsB[0].Path)
}

func TestApplyBadPatch(t *testing.T) {
	_, err := patch.Apply(map[string]any{}, patch.Patch{{Op: "bogus-op", Path: "/x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, patch.ErrBadPatch)
}

func TestApplyMoveCopyTest(t *testing.T) {
	state := map[string]any{"a": 1.0, "b": map[string]any{}}
	ops := patch.Patch{
		{Op: "test", Path: "/a", Value: 1.0},
		{Op: "copy", From: "/a", Path: "/c"},
		{Op: "move", From: "/a", Path: "/b/a"},
	}
	got, err := patch.Apply(state, ops)
	require.NoError(t, err)
	m := got.(map[string]any)
	assert.Equal(t, 1.0, m["c"])
	assert.Equal(t, 1.0, m["b"].(map[string]any)["a"])
	_, hasA := m["a"]
	assert.False(t, hasA)
}
