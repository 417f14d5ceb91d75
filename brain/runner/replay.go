package runner

import (
	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/patch"
)

// reconstructResumePoint folds every STEP_COMPLETE/AGENT_COMPLETE patch in
// events into state (in Seq order) and returns the block index execution
// should resume from: the block whose STEP_START/AGENT_START has no
// matching *_COMPLETE, or len(brain.Blocks) if every block already
// completed. This is the crash-recovery replay discipline of spec.md
// §4.F: a block interrupted mid-execution is re-executed from scratch
// rather than assumed partially applied, since a block's effect on state
// only ever lands via its completion patch.
//
// A Step whose action returns both a state delta and a waitFor commits an
// interim STEP_COMPLETE before parking (execStep), so a single block title
// can produce more than one STEP_COMPLETE before it is truly done; a
// WEBHOOK event for that same title reopens it as still in-flight, undoing
// the premature close the interim STEP_COMPLETE would otherwise cause.
func reconstructResumePoint(events []api.Event, brain *ir.Brain, initialState any) (any, int) {
	state := initialState
	titleIndex := make(map[string]int, len(brain.Blocks))
	for i, b := range brain.Blocks {
		titleIndex[b.BlockTitle()] = i
	}

	resumeIdx := 0
	pendingTitle := ""
	for _, evt := range events {
		switch evt.Type {
		case api.EventStepStart, api.EventAgentStart:
			if evt.StepTitle != "" {
				pendingTitle = evt.StepTitle
			}
		case api.EventStepComplete, api.EventAgentComplete:
			if len(evt.Patch) > 0 {
				p := make(patch.Patch, len(evt.Patch))
				for i, op := range evt.Patch {
					p[i] = patch.Operation{Op: op.Op, Path: op.Path, Value: op.Value, From: op.From}
				}
				if applied, err := patch.Apply(state, p); err == nil {
					state = applied
				}
			}
			if idx, ok := titleIndex[evt.StepTitle]; ok {
				resumeIdx = idx + 1
			}
			pendingTitle = ""
		case api.EventWebhook:
			if evt.StepTitle != "" {
				if idx, ok := titleIndex[evt.StepTitle]; ok {
					resumeIdx = idx
				}
				pendingTitle = evt.StepTitle
			}
		}
	}
	if pendingTitle != "" {
		if idx, ok := titleIndex[pendingTitle]; ok {
			resumeIdx = idx
		}
	}
	return state, resumeIdx
}
