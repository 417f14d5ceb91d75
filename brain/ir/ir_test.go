package ir_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainyard/brainrun/brain/ir"
)

func TestBlockTitles(t *testing.T) {
	blocks := []ir.Block{
		ir.Step{Title: "A"},
		ir.Agent{Title: "B"},
		ir.BatchPrompt{Title: "C"},
		ir.Guard{},
		ir.Wait{},
		ir.SubBrain{Title: "D"},
	}
	want := []string{"A", "B", "C", "guard", "wait", "D"}
	for i, b := range blocks {
		assert.Equal(t, want[i], b.BlockTitle())
	}
}

func TestInjectDoneToolDefaultSchema(t *testing.T) {
	tools := map[string]ir.Tool{
		"search": {Name: "search", Terminal: false},
	}
	withDone := ir.InjectDoneTool(tools, nil)

	require.Len(t, withDone, 2)
	done, ok := withDone[ir.DoneToolName]
	require.True(t, ok)
	assert.True(t, done.Terminal)
	assert.Equal(t, []any{"result"}, done.InputSchema["required"])

	_, stillThere := withDone["search"]
	assert.True(t, stillThere)
	_, original := tools[ir.DoneToolName]
	assert.False(t, original, "InjectDoneTool must not mutate its input map")
}

func TestInjectDoneToolCustomSchema(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"summary"},
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
		},
	}
	withDone := ir.InjectDoneTool(nil, &ir.OutputSchema{Name: "report", Schema: schema})
	assert.Equal(t, schema, withDone[ir.DoneToolName].InputSchema)
}

func TestCompileAndValidateSchema(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"x"},
		"properties": map[string]any{
			"x": map[string]any{"type": "integer"},
		},
	}
	compiled, err := ir.CompileSchema(schema)
	require.NoError(t, err)

	require.NoError(t, ir.ValidateAgainstSchema(compiled, map[string]any{"x": 1}))
	assert.Error(t, ir.ValidateAgainstSchema(compiled, map[string]any{"x": "not-an-int"}))
	assert.Error(t, ir.ValidateAgainstSchema(compiled, map[string]any{}))
}

func TestStepActionSignature(t *testing.T) {
	var action ir.StepAction = func(ctx context.Context, sc ir.StepContext) (ir.StepResult, error) {
		state := sc.State.(map[string]any)
		return ir.StepResult{State: map[string]any{"x": state["x"].(float64) + 1}}, nil
	}
	res, err := action(context.Background(), ir.StepContext{State: map[string]any{"x": 1.0}})
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.State.(map[string]any)["x"])
}
