package runner

import (
	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/ir"
)

// execGuard ends the run successfully (errGuardStopped unwinds run to a
// COMPLETE, not an ERROR) when Predicate returns false. Predicate is pure
// and evaluated directly in workflow code; it never needs an activity.
func (x *execState) execGuard(guard ir.Guard) error {
	if guard.Predicate(x.state, x.options) {
		return nil
	}
	return errGuardStopped
}

// execWait unconditionally suspends the run on Action's webhook
// registration(s), without first computing a state-mutating result.
func (x *execState) execWait(wait ir.Wait) error {
	if _, err := x.r.mon.Append(x.runID, api.Event{Type: api.EventStepStart, StepTitle: wait.Title}, fsm.Running); err != nil {
		return err
	}
	var out waitOutput
	if err := x.wctx.ExecuteActivity(
		waitActivityName(x.namePrefix(), wait.Title),
		stepInput{State: x.state, Options: x.options},
		engine.ActivityOptions{},
		&out,
	); err != nil {
		return err
	}
	if len(out.WaitFor) > 0 {
		if _, err := x.waitForWebhookResponse(wait.Title, out.WaitFor); err != nil {
			return err
		}
	}
	_, err := x.r.mon.Append(x.runID, api.Event{Type: api.EventStepComplete, StepTitle: wait.Title}, fsm.Running)
	return err
}
