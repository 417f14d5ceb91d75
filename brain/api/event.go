// Package api defines the wire-level types shared across the control
// plane: the closed Event variant set (§3), HTTP request/response bodies
// (§6), and the SSE payload shapes. Types here are plain data — no
// behavior — so brain/monitor, brain/runner, and brain/httpapi can all
// import them without creating cycles.
package api

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of event variants a run's log may contain.
type EventType string

const (
	EventStart                 EventType = "START"
	EventRestart               EventType = "RESTART"
	EventStepStatus            EventType = "STEP_STATUS"
	EventStepStart             EventType = "STEP_START"
	EventStepComplete          EventType = "STEP_COMPLETE"
	EventStepRetry             EventType = "STEP_RETRY"
	EventAgentStart            EventType = "AGENT_START"
	EventAgentIteration        EventType = "AGENT_ITERATION"
	EventAgentToolCall         EventType = "AGENT_TOOL_CALL"
	EventAgentToolResult       EventType = "AGENT_TOOL_RESULT"
	EventAgentAssistantMessage EventType = "AGENT_ASSISTANT_MESSAGE"
	EventAgentUserMessage      EventType = "AGENT_USER_MESSAGE"
	EventAgentComplete         EventType = "AGENT_COMPLETE"
	EventAgentTokenLimit       EventType = "AGENT_TOKEN_LIMIT"
	EventAgentWebhook          EventType = "AGENT_WEBHOOK"
	EventWebhook               EventType = "WEBHOOK"
	EventWebhookResponse       EventType = "WEBHOOK_RESPONSE"
	EventPaused                EventType = "PAUSED"
	EventResumed               EventType = "RESUMED"
	EventCancelled             EventType = "CANCELLED"
	EventError                 EventType = "ERROR"
	EventComplete              EventType = "COMPLETE"
)

// SerializedError is the wire shape of an error attached to an event,
// per spec.md §6.
type SerializedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// WaitForEntry names one webhook the run is now waiting on.
type WaitForEntry struct {
	Slug       string `json:"slug"`
	Identifier string `json:"identifier"`
}

// PatchOp mirrors brain/patch.Operation at the wire level, duplicated here
// (rather than imported) so brain/api has no dependency on brain/patch;
// both are plain RFC-6902 operation shapes and stay structurally
// compatible by construction.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// Event is one append-only, totally-ordered-within-a-run log record. Only
// the fields relevant to Type are populated; the rest are zero values.
// A single flat struct (rather than one Go type per variant) matches the
// wire format spec.md §6 describes: "{type, brainRunId, options,
// variant-specific fields}".
type Event struct {
	Seq        int64     `json:"seq"`
	Ts         time.Time `json:"ts"`
	RunID      string    `json:"brainRunId"`
	Type       EventType `json:"type"`
	Options    any       `json:"options,omitempty"`

	// STEP_START / STEP_STATUS / STEP_COMPLETE / STEP_RETRY
	StepTitle string    `json:"stepTitle,omitempty"`
	Patch     []PatchOp `json:"patch,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`

	// AGENT_START
	Prompt string `json:"prompt,omitempty"`
	System string `json:"system,omitempty"`

	// AGENT_ITERATION
	Iteration int `json:"iteration,omitempty"`

	// AGENT_TOOL_CALL / AGENT_TOOL_RESULT / AGENT_WEBHOOK
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"name,omitempty"`
	ToolInput  json.RawMessage `json:"input,omitempty"`
	ToolResult any             `json:"result,omitempty"`

	// AGENT_ASSISTANT_MESSAGE / AGENT_USER_MESSAGE
	Content string `json:"content,omitempty"`

	// AGENT_COMPLETE
	TerminalTool string `json:"terminalTool,omitempty"`
	AgentResult  any    `json:"agentResult,omitempty"`
	Iterations   int    `json:"iterations,omitempty"`

	// WEBHOOK
	WaitFor []WaitForEntry `json:"waitFor,omitempty"`

	// WEBHOOK_RESPONSE
	Response any `json:"response,omitempty"`

	// ERROR / STEP_RETRY
	Error *SerializedError `json:"error,omitempty"`
}
