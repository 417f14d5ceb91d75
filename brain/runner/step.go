package runner

import (
	"fmt"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/ir"
)

// execStep runs one Step block's action via its registered activity. A
// StepResult carrying WaitFor registrations suspends the run; once the
// matching webhook response arrives, the same activity is invoked again
// with Response populated, letting the action decide how to proceed with
// the delivered payload. A StepResult may carry both a new State and
// WaitFor at once: the state delta is committed (STEP_COMPLETE) before the
// WEBHOOK event and park, so the delta is never lost and is always visible
// before the run suspends. A STEP_START with no matching STEP_COMPLETE is
// exactly what crash recovery (reconstructResumePoint) re-executes.
func (x *execState) execStep(step ir.Step) error {
	if _, err := x.r.mon.Append(x.runID, api.Event{Type: api.EventStepStart, StepTitle: step.Title}, fsm.Running); err != nil {
		return err
	}
	var response any
	for {
		var out stepOutput
		if err := x.wctx.ExecuteActivity(
			stepActivityName(x.namePrefix(), step.Title),
			stepInput{State: x.state, Options: x.options, Response: response},
			engine.ActivityOptions{},
			&out,
		); err != nil {
			return fmt.Errorf("runner: step %q: %w", step.Title, err)
		}
		if out.State != nil {
			ops, applied, err := computePatch(x.state, out.State)
			if err != nil {
				return err
			}
			x.state = applied
			if _, err := x.r.mon.Append(x.runID, api.Event{
				Type:      api.EventStepComplete,
				StepTitle: step.Title,
				Patch:     ops,
			}, fsm.Running); err != nil {
				return err
			}
		}
		if len(out.WaitFor) > 0 {
			resp, err := x.waitForWebhookResponse(step.Title, out.WaitFor)
			if err != nil {
				return err
			}
			response = resp
			continue
		}
		return nil
	}
}
