package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/signal"
)

// toolSchema is the wire-safe projection of ir.Tool sent into the
// generateText activity: Execute is a func and cannot cross a real
// serialization boundary, so only the parts the model needs to decide
// calls travel with the request. Tool dispatch itself recomputes the full
// tool set (with Execute) from AgentConfig inside the dispatch activity.
type toolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
	Terminal    bool
}

func toolSchemas(tools map[string]ir.Tool) map[string]toolSchema {
	out := make(map[string]toolSchema, len(tools))
	for name, t := range tools {
		out[name] = toolSchema{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema, Terminal: t.Terminal}
	}
	return out
}

type generateTextInput struct {
	System   string
	Messages []ir.Message
	Tools    map[string]toolSchema
}

type generateTextOutput struct {
	Text             string
	ToolCalls        []ir.ToolCall
	Usage            ir.Usage
	ResponseMessages []ir.Message
}

type toolDispatchInput struct {
	RunID     string
	State     any
	Options   any
	ToolName  string
	ToolInput json.RawMessage
}

type toolDispatchOutput struct {
	Value   any
	WaitFor []ir.WebhookRegistration
}

// registerAgentActivities registers the two activities an Agent block's
// sub-loop calls out to: one generateText call per iteration, and one tool
// dispatch call per non-terminal tool invocation. Both recompute nothing
// expensive per call; tool dispatch recomputes AgentConfig from (state,
// options) to resolve the Execute closure for the named tool, which
// assumes ConfigFn is a pure, side-effect-free function of its arguments
// (documented in DESIGN.md).
func (r *Runner) registerAgentActivities(eng engine.Engine, prefix string, agent ir.Agent) {
	eng.RegisterActivity(engine.ActivityDefinition{
		Name: agentGenActivityName(prefix, agent.Title),
		Handler: func(ctx context.Context, input any) (any, error) {
			in, ok := input.(generateTextInput)
			if !ok {
				return nil, fmt.Errorf("runner: agent %q generateText: unexpected input type %T", agent.Title, input)
			}
			tools := make(map[string]ir.Tool, len(in.Tools))
			for name, s := range in.Tools {
				tools[name] = ir.Tool{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema, Terminal: s.Terminal}
			}
			res, err := r.generator.GenerateText(ctx, ir.GenerateTextRequest{
				System:   in.System,
				Messages: in.Messages,
				Tools:    tools,
			})
			if err != nil {
				return nil, err
			}
			return generateTextOutput{Text: res.Text, ToolCalls: res.ToolCalls, Usage: res.Usage, ResponseMessages: res.ResponseMessages}, nil
		},
	})

	eng.RegisterActivity(engine.ActivityDefinition{
		Name: agentToolActivityName(prefix, agent.Title),
		Handler: func(ctx context.Context, input any) (any, error) {
			in, ok := input.(toolDispatchInput)
			if !ok {
				return nil, fmt.Errorf("runner: agent %q tool dispatch: unexpected input type %T", agent.Title, input)
			}
			cfg, err := agent.ConfigFn(in.State, in.Options)
			if err != nil {
				return nil, fmt.Errorf("runner: agent %q config for tool dispatch: %w", agent.Title, err)
			}
			tool, ok := cfg.Tools[in.ToolName]
			if !ok {
				return nil, fmt.Errorf("runner: agent %q: unknown tool %q", agent.Title, in.ToolName)
			}
			res, err := tool.Execute(ctx, in.ToolInput, ir.ToolContext{
				RunID:     in.RunID,
				Resources: r.resources,
				Page:      r.pages,
				Env:       r.env,
				Services:  r.services,
			})
			if err != nil {
				return nil, err
			}
			return toolDispatchOutput{Value: res.Value, WaitFor: res.WaitFor}, nil
		},
	})
}

// execAgent drives one Agent block's tool-calling sub-loop to completion:
// ConfigFn is called once on entry, then generateText/tool-dispatch
// activity calls alternate until the model invokes a terminal tool or the
// loop exhausts MaxIterations/MaxTokens (spec.md §4.F.1/§4.F.2). A tool
// call that itself suspends on a waitFor registration parks the whole run
// in waiting and, once the webhook response arrives, re-enters the loop by
// re-emitting AGENT_START — the fsm only allows AgentLoop via Running, so
// resuming the same conversation after a wait always passes back through
// Running first (WEBHOOK_RESPONSE: Waiting->Running, then
// AGENT_START: Running->AgentLoop).
func (x *execState) execAgent(agent ir.Agent) error {
	cfg, err := agent.ConfigFn(x.state, x.options)
	if err != nil {
		return fmt.Errorf("runner: agent %q config: %w", agent.Title, err)
	}
	tools := ir.InjectDoneTool(cfg.Tools, cfg.OutputSchema)
	schemas := toolSchemas(tools)

	if _, err := x.r.mon.Append(x.runID, api.Event{
		Type:      api.EventAgentStart,
		StepTitle: agent.Title,
		Prompt:    cfg.Prompt,
		System:    cfg.System,
	}, fsm.AgentLoop); err != nil {
		return err
	}

	messages := []ir.Message{{Role: "user", Content: cfg.Prompt}}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 25
	}
	totalTokens := 0
	iteration := 0

	for {
		if err := x.checkControlSignals(); err != nil {
			return err
		}
		iteration++
		if iteration > maxIterations {
			return fmt.Errorf("runner: agent %q exceeded max iterations (%d)", agent.Title, maxIterations)
		}
		if _, err := x.r.mon.Append(x.runID, api.Event{
			Type:      api.EventAgentIteration,
			StepTitle: agent.Title,
			Iteration: iteration,
		}, fsm.AgentLoop); err != nil {
			return err
		}

		var out generateTextOutput
		if err := x.wctx.ExecuteActivity(
			agentGenActivityName(x.namePrefix(), agent.Title),
			generateTextInput{System: cfg.System, Messages: messages, Tools: schemas},
			engine.ActivityOptions{},
			&out,
		); err != nil {
			return fmt.Errorf("runner: agent %q generateText: %w", agent.Title, err)
		}
		totalTokens += out.Usage.TotalTokens
		if cfg.MaxTokens > 0 && totalTokens > cfg.MaxTokens {
			if _, err := x.r.mon.Append(x.runID, api.Event{
				Type:      api.EventAgentTokenLimit,
				StepTitle: agent.Title,
			}, fsm.AgentLoop); err != nil {
				return err
			}
			return fmt.Errorf("runner: agent %q exceeded max tokens (%d)", agent.Title, cfg.MaxTokens)
		}
		if out.Text != "" {
			if _, err := x.r.mon.Append(x.runID, api.Event{
				Type:      api.EventAgentAssistantMessage,
				StepTitle: agent.Title,
				Content:   out.Text,
			}, fsm.AgentLoop); err != nil {
				return err
			}
		}
		messages = append(messages, out.ResponseMessages...)

		terminalHandled := false
		for _, call := range out.ToolCalls {
			if _, err := x.r.mon.Append(x.runID, api.Event{
				Type:       api.EventAgentToolCall,
				StepTitle:  agent.Title,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				ToolInput:  json.RawMessage(call.Input),
			}, fsm.AgentLoop); err != nil {
				return err
			}

			schema, known := schemas[call.Name]
			if !known {
				return fmt.Errorf("runner: agent %q: model called unknown tool %q", agent.Title, call.Name)
			}
			if schema.Terminal {
				var result any
				if err := json.Unmarshal(call.Input, &result); err != nil {
					return fmt.Errorf("runner: agent %q: decode terminal tool input: %w", agent.Title, err)
				}
				if err := x.finishAgent(agent, cfg, call.Name, result, iteration); err != nil {
					return err
				}
				terminalHandled = true
				break
			}

			var dispatchOut toolDispatchOutput
			if err := x.wctx.ExecuteActivity(
				agentToolActivityName(x.namePrefix(), agent.Title),
				toolDispatchInput{RunID: x.runID, State: x.state, Options: x.options, ToolName: call.Name, ToolInput: call.Input},
				engine.ActivityOptions{},
				&dispatchOut,
			); err != nil {
				return fmt.Errorf("runner: agent %q tool %q: %w", agent.Title, call.Name, err)
			}

			if len(dispatchOut.WaitFor) > 0 {
				if _, err := x.r.mon.Append(x.runID, api.Event{
					Type:       api.EventAgentWebhook,
					StepTitle:  agent.Title,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					ToolInput:  json.RawMessage(call.Input),
				}, fsm.AgentLoop); err != nil {
					return err
				}
				response, err := x.waitForWebhookResponse(agent.Title, dispatchOut.WaitFor)
				if err != nil {
					return err
				}
				if _, err := x.r.mon.Append(x.runID, api.Event{
					Type:      api.EventAgentStart,
					StepTitle: agent.Title,
				}, fsm.AgentLoop); err != nil {
					return err
				}
				messages = append(messages, ir.Message{Role: "tool", Content: toJSONString(response), ToolCallID: call.ID})
				continue
			}

			if _, err := x.r.mon.Append(x.runID, api.Event{
				Type:       api.EventAgentToolResult,
				StepTitle:  agent.Title,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				ToolResult: dispatchOut.Value,
			}, fsm.AgentLoop); err != nil {
				return err
			}
			messages = append(messages, ir.Message{Role: "tool", Content: toJSONString(dispatchOut.Value), ToolCallID: call.ID})
		}
		if terminalHandled {
			return nil
		}

		if sig := x.pollUserMessage(); sig != nil {
			content := toJSONString(sig.Payload)
			messages = append(messages, ir.Message{Role: "user", Content: content})
			if _, err := x.r.mon.Append(x.runID, api.Event{
				Type:      api.EventAgentUserMessage,
				StepTitle: agent.Title,
				Content:   content,
			}, fsm.AgentLoop); err != nil {
				return err
			}
		}
	}
}

// pollUserMessage returns the oldest pending USER_MESSAGE signal, if any,
// without blocking, re-enqueueing everything else so it remains available
// at the next checkpoint (spec.md §4.F.1's mid-loop USER_MESSAGE handling).
func (x *execState) pollUserMessage() *signal.Signal {
	x.drainChannel()
	all := x.queue.GetSignals(signal.All)
	var found *signal.Signal
	for _, s := range all {
		if s.Type == fsm.SignalUserMessage && found == nil {
			sig := s
			found = &sig
			continue
		}
		x.queue.Enqueue(s)
	}
	return found
}

// finishAgent validates the terminal tool's input against the agent's
// OutputSchema (when set), merges it into run state, and emits
// AGENT_COMPLETE with the computed patch.
func (x *execState) finishAgent(agent ir.Agent, cfg ir.AgentConfig, toolName string, result any, iterations int) error {
	if cfg.OutputSchema != nil {
		compiled, err := ir.CompileSchema(cfg.OutputSchema.Schema)
		if err != nil {
			return fmt.Errorf("runner: agent %q output schema: %w", agent.Title, err)
		}
		if err := ir.ValidateAgainstSchema(compiled, result); err != nil {
			return fmt.Errorf("runner: agent %q result failed validation: %w", agent.Title, err)
		}
	}
	key := "result"
	if cfg.OutputSchema != nil && cfg.OutputSchema.Name != "" {
		key = cfg.OutputSchema.Name
	}
	merged := mergeStateKey(x.state, key, result)
	ops, applied, err := computePatch(x.state, merged)
	if err != nil {
		return err
	}
	x.state = applied
	_, err = x.r.mon.Append(x.runID, api.Event{
		Type:         api.EventAgentComplete,
		StepTitle:    agent.Title,
		TerminalTool: toolName,
		AgentResult:  result,
		Iterations:   iterations,
		Patch:        ops,
	}, fsm.Running)
	return err
}
