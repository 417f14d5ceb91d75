package runner

import (
	"context"
	"fmt"

	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/ir"
)

func stepActivityName(prefix, title string) string     { return prefix + "/step/" + title }
func waitActivityName(prefix, title string) string      { return prefix + "/wait/" + title }
func agentGenActivityName(prefix, title string) string  { return prefix + "/agent/" + title + "/generateText" }
func agentToolActivityName(prefix, title string) string { return prefix + "/agent/" + title + "/tool" }
func batchItemActivityName(prefix, title string) string { return prefix + "/batch/" + title + "/item" }

// registerBlockActivities recursively registers every side-effecting unit
// of work a brain's blocks need (step actions, agent model calls and tool
// dispatch, batch items, wait actions) with eng, including those of nested
// SubBrain blocks under a qualified prefix. Guard never registers an
// activity: its predicate is pure and evaluated directly in workflow code.
//
// Step/Agent/Wait/BatchPrompt titles must be unique within their
// containing brain (and across a SubBrain boundary, within that nested
// brain): activity names are derived from (prefix, title), not a
// positional index, so two blocks sharing a title would collide.
func (r *Runner) registerBlockActivities(eng engine.Engine, prefix string, blocks []ir.Block) {
	for _, block := range blocks {
		switch b := block.(type) {
		case ir.Step:
			r.registerStepActivity(eng, prefix, b)
		case ir.Agent:
			r.registerAgentActivities(eng, prefix, b)
		case ir.BatchPrompt:
			r.registerBatchActivity(eng, prefix, b)
		case ir.Wait:
			r.registerWaitActivity(eng, prefix, b)
		case ir.SubBrain:
			r.registerBlockActivities(eng, prefix+"/"+b.Title, b.Inner.Blocks)
		}
	}
}

// stepInput is the serializable payload crossing into a step/wait
// activity. The Client/Resources/Page/Env/Services members of
// ir.StepContext never travel over this boundary: the activity handler
// closure reconstructs them from the Runner it was registered against, the
// same way a Temporal activity closes over its process's own service
// dependencies rather than receiving them as call arguments.
type stepInput struct {
	State    any
	Options  any
	Response any
}

type stepOutput struct {
	State   any
	WaitFor []ir.WebhookRegistration
}

func (r *Runner) registerStepActivity(eng engine.Engine, prefix string, step ir.Step) {
	eng.RegisterActivity(engine.ActivityDefinition{
		Name: stepActivityName(prefix, step.Title),
		Handler: func(ctx context.Context, input any) (any, error) {
			in, ok := input.(stepInput)
			if !ok {
				return nil, fmt.Errorf("runner: step %q: unexpected input type %T", step.Title, input)
			}
			res, err := step.Action(ctx, r.stepContext(in.State, in.Options, in.Response))
			if err != nil {
				return nil, err
			}
			return stepOutput{State: res.State, WaitFor: res.WaitFor}, nil
		},
	})
}

type waitOutput struct {
	WaitFor []ir.WebhookRegistration
}

func (r *Runner) registerWaitActivity(eng engine.Engine, prefix string, wait ir.Wait) {
	eng.RegisterActivity(engine.ActivityDefinition{
		Name: waitActivityName(prefix, wait.Title),
		Handler: func(ctx context.Context, input any) (any, error) {
			in, ok := input.(stepInput)
			if !ok {
				return nil, fmt.Errorf("runner: wait %q: unexpected input type %T", wait.Title, input)
			}
			regs, err := wait.Action(ctx, r.stepContext(in.State, in.Options, in.Response))
			if err != nil {
				return nil, err
			}
			return waitOutput{WaitFor: regs}, nil
		},
	})
}

func (r *Runner) stepContext(state, options, response any) ir.StepContext {
	return ir.StepContext{
		State:     state,
		Options:   options,
		Client:    r.generator,
		Resources: r.resources,
		Response:  response,
		Page:      r.pages,
		Env:       r.env,
		Services:  r.services,
	}
}
