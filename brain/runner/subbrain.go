package runner

import (
	"fmt"

	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/signal"
)

// execSubBrain runs sb.Inner to completion as a nested execution sharing
// the outer run's engine workflow, signal channel, and Monitor run_id: its
// blocks were registered under the qualified activity prefix
// "<outerPrefix>/<subBrainTitle>" by registerBlockActivities, and its
// events are appended to the same run rather than a separate one (spec.md
// does not call for a distinct run_id per nested brain).
func (x *execState) execSubBrain(sb ir.SubBrain) error {
	innerState, err := sb.InitialState(x.state)
	if err != nil {
		return fmt.Errorf("runner: subbrain %q initial state: %w", sb.Title, err)
	}
	inner := &execState{
		r:       x.r,
		wctx:    x.wctx,
		runID:   x.runID,
		brain:   &ir.Brain{Title: x.brain.Title + "/" + sb.Title, Blocks: sb.Inner.Blocks, Meta: sb.Inner.Meta},
		state:   innerState,
		options: x.options,
		queue:   signal.New(signal.DefaultCapacity),
		sigCh:   x.sigCh,
	}
	finalInner, err := inner.run(0)
	if err != nil && err != errGuardStopped {
		// A Guard inside the nested brain only ends the nested brain's own
		// execution (like an early return), not the outer run; any other
		// error (including a KILL-triggered errCancelled) propagates and
		// ends the outer run too.
		return err
	}
	folded, err := sb.Fold(x.state, finalInner)
	if err != nil {
		return fmt.Errorf("runner: subbrain %q fold: %w", sb.Title, err)
	}
	x.state = folded
	return nil
}
