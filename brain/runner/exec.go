package runner

import (
	"errors"
	"fmt"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/monitor"
	"github.com/brainyard/brainrun/brain/signal"
)

// errGuardStopped and errCancelled are internal sentinels execState.run
// uses to tell workflowFunc how a non-nil return from run should be
// reported: a Guard stopping the run is a successful COMPLETE, not an
// ERROR; a KILL signal is a CANCELLED, not an ERROR.
var (
	errGuardStopped = errors.New("runner: guard stopped the run")
	errCancelled    = errors.New("runner: run cancelled")
)

// execState is the mutable state threaded through one brain run's block
// execution, mirroring the teacher's runLoopState shape.
type execState struct {
	r       *Runner
	wctx    engine.WorkflowContext
	runID   string
	brain   *ir.Brain
	state   any
	options any
	queue   *signal.Queue
	sigCh   engine.SignalChannel
}

func (x *execState) namePrefix() string { return x.brain.Title }

// run executes blocks[from:] in order, returning the final state. A Guard
// that stops the run or a KILL signal both unwind via their sentinel error;
// workflowFunc maps those back to COMPLETE/CANCELLED respectively.
func (x *execState) run(from int) (any, error) {
	blocks := x.brain.Blocks
	for i := from; i < len(blocks); i++ {
		if err := x.checkControlSignals(); err != nil {
			return x.state, err
		}
		if err := x.execBlock(blocks[i]); err != nil {
			if errors.Is(err, errGuardStopped) {
				return x.state, errGuardStopped
			}
			return x.state, err
		}
	}
	return x.state, nil
}

func (x *execState) execBlock(block ir.Block) error {
	switch b := block.(type) {
	case ir.Step:
		return x.execStep(b)
	case ir.Agent:
		return x.execAgent(b)
	case ir.BatchPrompt:
		return x.execBatchPrompt(b)
	case ir.Guard:
		return x.execGuard(b)
	case ir.Wait:
		return x.execWait(b)
	case ir.SubBrain:
		return x.execSubBrain(b)
	default:
		return fmt.Errorf("runner: unknown block type %T for %q", block, block.BlockTitle())
	}
}

// checkControlSignals drains KILL/PAUSE from the engine signal channel into
// the local priority queue and honors whichever is most urgent. It is
// called at every block boundary (spec.md's "cooperative checkpoint").
func (x *execState) checkControlSignals() error {
	x.drainChannel()
	for _, sig := range x.queue.GetSignals(signal.Control) {
		switch sig.Type {
		case fsm.SignalKill:
			return x.handleKill()
		case fsm.SignalPause:
			if err := x.handlePause(); err != nil {
				return err
			}
		}
	}
	return nil
}

// drainChannel pulls every currently-pending value off the engine signal
// channel into the local priority queue without blocking.
func (x *execState) drainChannel() {
	for {
		v, ok := x.sigCh.ReceiveAsync()
		if !ok {
			return
		}
		sig, ok := v.(signal.Signal)
		if !ok {
			continue
		}
		x.queue.Enqueue(sig)
	}
}

func (x *execState) handleKill() error {
	x.queue.SetTerminal(true)
	return errCancelled
}

// handlePause transitions the run to paused, blocks until RESUME or KILL
// arrives, then transitions back to running. Any other signals that arrive
// while paused are re-enqueued on the local queue, where the agent loop's
// USER_MESSAGE poll can still pick them up once resumed;
// waitForWebhookResponse reads only the engine signal channel, not this
// queue.
func (x *execState) handlePause() error {
	if _, err := x.r.mon.Append(x.runID, api.Event{Type: api.EventPaused}, fsm.Paused); err != nil {
		return err
	}
	for {
		v, ok := x.sigCh.Receive(x.wctx.Context())
		if !ok {
			return fmt.Errorf("runner: signal channel closed while paused")
		}
		sig, ok := v.(signal.Signal)
		if !ok {
			continue
		}
		switch sig.Type {
		case fsm.SignalKill:
			x.queue.SetTerminal(true)
			return errCancelled
		case fsm.SignalResume:
			_, err := x.r.mon.Append(x.runID, api.Event{Type: api.EventResumed}, fsm.Running)
			return err
		default:
			x.queue.Enqueue(sig)
		}
	}
}

// waitForWebhookResponse suspends the run on the given registrations,
// registering a Monitor waiter for each, and blocks until a
// WEBHOOK_RESPONSE signal arrives (or KILL). It returns the response
// payload delivered by the matching webhook delivery.
func (x *execState) waitForWebhookResponse(stepTitle string, regs []ir.WebhookRegistration) (any, error) {
	entries := make([]api.WaitForEntry, len(regs))
	for i, reg := range regs {
		x.r.mon.RegisterWaiter(monitor.Waiter{
			RunID:         x.runID,
			Slug:          reg.Slug,
			Identifier:    reg.Identifier,
			ExpectedToken: reg.ExpectedToken,
		})
		entries[i] = api.WaitForEntry{Slug: reg.Slug, Identifier: reg.Identifier}
	}
	if _, err := x.r.mon.Append(x.runID, api.Event{
		Type:      api.EventWebhook,
		StepTitle: stepTitle,
		WaitFor:   entries,
	}, fsm.Waiting); err != nil {
		return nil, err
	}

	for {
		v, ok := x.sigCh.Receive(x.wctx.Context())
		if !ok {
			return nil, fmt.Errorf("runner: signal channel closed while waiting")
		}
		sig, ok := v.(signal.Signal)
		if !ok {
			continue
		}
		switch sig.Type {
		case fsm.SignalKill:
			x.r.mon.RemoveWaitersForRun(x.runID)
			x.queue.SetTerminal(true)
			return nil, errCancelled
		case fsm.SignalWebhookResponse:
			if _, err := x.r.mon.Append(x.runID, api.Event{
				Type:     api.EventWebhookResponse,
				Response: sig.Payload,
			}, fsm.Running); err != nil {
				return nil, err
			}
			return sig.Payload, nil
		default:
			x.queue.Enqueue(sig)
		}
	}
}
