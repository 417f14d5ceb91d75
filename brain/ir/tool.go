package ir

import (
	"context"
	"encoding/json"
)

// ToolContext is the auxiliary context a tool's Execute function receives,
// mirroring the StepContext fields a tool needs to act on behalf of a run.
type ToolContext struct {
	RunID     string
	Resources Resources
	Page      Pages
	Env       Env
	Services  map[string]any
}

// ToolResult is what a non-terminal tool's Execute returns: either a plain
// value (folded into the conversation as the tool's result), or a waitFor
// registration that parks the whole run in waiting.
type ToolResult struct {
	Value   any
	WaitFor []WebhookRegistration
}

// ToolExecuteFunc runs a non-terminal tool. Terminal tools (Terminal ==
// true) are never called through Execute: their raw input becomes the
// agent's result directly.
type ToolExecuteFunc func(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error)

// Tool is the polymorphic capability an Agent block's tool set is made of.
// A terminal tool ends the agent loop; its Execute is never invoked.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Terminal    bool
	Execute     ToolExecuteFunc
}

// DoneToolName is the name of the terminal tool auto-injected into every
// Agent block's tool set.
const DoneToolName = "done"

var defaultDoneSchema = map[string]any{
	"type":     "object",
	"required": []any{"result"},
	"properties": map[string]any{
		"result": map[string]any{"type": "string"},
	},
}

// InjectDoneTool returns a copy of tools with the universal terminal "done"
// tool added. Its input schema is outputSchema.Schema when outputSchema is
// non-nil, else {result: string}. Callers never mutate the tool set after
// an Agent block's ConfigFn returns, so this always operates on a copy.
func InjectDoneTool(tools map[string]Tool, outputSchema *OutputSchema) map[string]Tool {
	schema := defaultDoneSchema
	if outputSchema != nil && outputSchema.Schema != nil {
		schema = outputSchema.Schema
	}
	out := make(map[string]Tool, len(tools)+1)
	for name, t := range tools {
		out[name] = t
	}
	out[DoneToolName] = Tool{
		Name:        DoneToolName,
		Description: "Ends the agent loop and returns its result.",
		InputSchema: schema,
		Terminal:    true,
	}
	return out
}
