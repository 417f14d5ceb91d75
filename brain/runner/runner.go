// Package runner is the Durable Runner (spec.md §4.F): the actor that walks
// a Brain's blocks in order against a durable engine.Engine, emitting the
// full Event Log as it goes and consulting the Signal Queue and Run State
// Machine at every checkpoint. One Runner serves every brain registered
// with it; one workflow execution (engine.WorkflowHandle) corresponds to
// one brain run.
//
// Grounded on the teacher's runtime/agent/runtime package: block execution
// publishes events the way its workflow loop publishes hook events around
// each planner turn, and the per-run mutable loop state
// (execState here) mirrors its runLoopState.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/monitor"
	"github.com/brainyard/brainrun/brain/patch"
	"github.com/brainyard/brainrun/brain/signal"
	"github.com/brainyard/brainrun/brain/telemetry"
)

// WorkflowName is the single engine.WorkflowDefinition name every brain run
// registers under; RunInput.BrainTitle selects which registered brain a
// given execution drives. A single workflow name (rather than one per
// brain) keeps worker registration static and independent of which brains
// have been loaded into the manifest at any given moment.
const WorkflowName = "brainRun"

// controlSignalName is the engine.SignalChannel a run's out-of-band control
// messages (KILL/PAUSE/RESUME/USER_MESSAGE/WEBHOOK_RESPONSE) are delivered
// on.
const controlSignalName = "control"

// ErrUnknownBrain is returned by Start/workflowFunc when RunInput.BrainTitle
// has no matching RegisterBrain call.
var ErrUnknownBrain = fmt.Errorf("runner: unknown brain")

// ErrAborted is the terminal error a BatchPrompt item's exhausted
// ErrorPolicyAbort surfaces as.
var ErrAborted = fmt.Errorf("runner: aborted")

// Runner drives registered brains to completion. Construct with New, then
// RegisterBrain every brain it must be able to run, then RegisterWith an
// engine.Engine before the engine's Start is called.
type Runner struct {
	mon       *monitor.Store
	generator ir.ObjectGenerator
	resources ir.Resources
	pages     ir.Pages
	env       ir.Env
	services  map[string]any
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	tracer    telemetry.Tracer

	mu     sync.RWMutex
	brains map[string]*ir.Brain

	handlesMu sync.Mutex
	handles   map[string]engine.WorkflowHandle
}

// Option configures a Runner.
type Option func(*Runner)

func WithResources(r ir.Resources) Option       { return func(rn *Runner) { rn.resources = r } }
func WithPages(p ir.Pages) Option                { return func(rn *Runner) { rn.pages = p } }
func WithEnv(e ir.Env) Option                    { return func(rn *Runner) { rn.env = e } }
func WithServices(s map[string]any) Option       { return func(rn *Runner) { rn.services = s } }
func WithLogger(l telemetry.Logger) Option       { return func(rn *Runner) { rn.logger = l } }
func WithMetrics(m telemetry.Metrics) Option     { return func(rn *Runner) { rn.metrics = m } }
func WithTracer(t telemetry.Tracer) Option       { return func(rn *Runner) { rn.tracer = t } }

// New constructs a Runner backed by mon for event logging/projection and
// generator as the ObjectGenerator every block's model calls go through;
// ir.Meta.DefaultClient is not consulted.
func New(mon *monitor.Store, generator ir.ObjectGenerator, opts ...Option) *Runner {
	r := &Runner{
		mon:       mon,
		generator: generator,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
		brains:    make(map[string]*ir.Brain),
		handles:   make(map[string]engine.WorkflowHandle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterBrain makes brain runnable: it is recorded by title for lookup
// from inside the workflow function, and every block's side-effecting work
// (step actions, agent model calls, tool execution, batch items) is
// registered as a named activity with eng so the engine's worker picks it
// up at Start. Call this for every brain before eng.Start runs.
func (r *Runner) RegisterBrain(eng engine.Engine, brain *ir.Brain) {
	r.mu.Lock()
	r.brains[brain.Title] = brain
	r.mu.Unlock()
	r.registerBlockActivities(eng, brain.Title, brain.Blocks)
}

// RegisterWith registers the shared brainRun workflow handler with eng. Call
// once per Engine, after every RegisterBrain call.
func (r *Runner) RegisterWith(eng engine.Engine) {
	eng.RegisterWorkflow(engine.WorkflowDefinition{
		Name:    WorkflowName,
		Handler: r.workflowFunc,
	})
}

// RunInput is the serializable payload a brainRun workflow execution
// starts from. It carries no closures: the Brain itself (with its Go
// action/tool func fields) is resolved in-process from r.brains by
// BrainTitle, exactly as a Temporal worker resolves activity business logic
// from dependencies captured at registration time rather than from the
// workflow's wire input.
type RunInput struct {
	BrainTitle   string
	Options      any
	InitialState any
	Resume       bool // true when this execution is a manual/operator restart of an existing run
}

// Start registers runID with the Monitor and kicks off a new workflow
// execution. The returned handle is retained for Signal/Cancel dispatch.
func (r *Runner) Start(ctx context.Context, eng engine.Engine, runID string, brain *ir.Brain, options, initialState any) (engine.WorkflowHandle, error) {
	r.mon.CreateRun(runID, brain.Title, brain.Description, options, initialState)
	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:   runID,
		Name: WorkflowName,
		Input: RunInput{
			BrainTitle:   brain.Title,
			Options:      options,
			InitialState: initialState,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("runner: start workflow: %w", err)
	}
	r.handlesMu.Lock()
	r.handles[runID] = handle
	r.handlesMu.Unlock()
	return handle, nil
}

// Restart re-invokes the workflow for an already-known runID whose last
// execution ended without reaching a terminal status (a crash, or an
// operator-forced restart). It replays the event log to fast-forward state
// and the resume block index before resuming block execution.
func (r *Runner) Restart(ctx context.Context, eng engine.Engine, runID string, brain *ir.Brain, options, initialState any) (engine.WorkflowHandle, error) {
	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:   runID,
		Name: WorkflowName,
		Input: RunInput{
			BrainTitle:   brain.Title,
			Options:      options,
			InitialState: initialState,
			Resume:       true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("runner: restart workflow: %w", err)
	}
	r.handlesMu.Lock()
	r.handles[runID] = handle
	r.handlesMu.Unlock()
	return handle, nil
}

// Signal validates sigType against the run's current fsm status (P4) and,
// if admissible, delivers it over the engine's durable signal channel.
// ok is false (with a nil error) when the signal is inadmissible in the
// run's current status; httpapi translates that into a 409 Conflict
// rather than a 202.
func (r *Runner) Signal(ctx context.Context, runID string, sigType fsm.SignalType, payload any) (ok bool, err error) {
	status, err := r.mon.Status(runID)
	if err != nil {
		return false, err
	}
	if !fsm.IsSignalValid(status, sigType) {
		return false, nil
	}
	r.handlesMu.Lock()
	handle, known := r.handles[runID]
	r.handlesMu.Unlock()
	if !known {
		return false, fmt.Errorf("runner: no running execution for %q", runID)
	}
	if err := handle.Signal(ctx, controlSignalName, signal.Signal{Type: sigType, Payload: payload}); err != nil {
		return false, fmt.Errorf("runner: deliver signal: %w", err)
	}
	return true, nil
}

func (r *Runner) brain(title string) (*ir.Brain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brains[title]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBrain, title)
	}
	return b, nil
}

// workflowFunc is the replay-safe function driving one brain run. It is
// registered once (WorkflowName) and dispatches on RunInput.BrainTitle.
func (r *Runner) workflowFunc(wctx engine.WorkflowContext, input any) (any, error) {
	in, ok := input.(RunInput)
	if !ok {
		return nil, fmt.Errorf("runner: unexpected workflow input type %T", input)
	}
	brain, err := r.brain(in.BrainTitle)
	if err != nil {
		return nil, err
	}
	runID := wctx.WorkflowID()

	x := &execState{
		r:       r,
		wctx:    wctx,
		runID:   runID,
		brain:   brain,
		state:   in.InitialState,
		options: in.Options,
		queue:   signal.New(signal.DefaultCapacity),
		sigCh:   wctx.SignalChannel(controlSignalName),
	}

	startIdx := 0
	if in.Resume {
		events, err := r.mon.Events(runID, 0)
		if err != nil {
			return nil, fmt.Errorf("runner: replay events for resume: %w", err)
		}
		resumeState, idx := reconstructResumePoint(events, brain, in.InitialState)
		x.state = resumeState
		startIdx = idx
		if _, err := r.mon.Append(runID, api.Event{Type: api.EventRestart}, fsm.Running); err != nil {
			return nil, fmt.Errorf("runner: append RESTART: %w", err)
		}
	} else {
		if _, err := r.mon.Append(runID, api.Event{Type: api.EventStart}, fsm.Running); err != nil {
			return nil, fmt.Errorf("runner: append START: %w", err)
		}
	}

	finalState, err := x.run(startIdx)
	if err != nil {
		if err == errGuardStopped {
			if _, aerr := r.mon.Append(runID, api.Event{Type: api.EventComplete}, fsm.Complete); aerr != nil {
				return nil, aerr
			}
			return finalState, nil
		}
		if err == errCancelled {
			r.mon.RemoveWaitersForRun(runID)
			if _, aerr := r.mon.Append(runID, api.Event{Type: api.EventCancelled}, fsm.Cancelled); aerr != nil {
				return nil, aerr
			}
			return finalState, nil
		}
		serr := &api.SerializedError{Name: fmt.Sprintf("%T", err), Message: err.Error()}
		if _, aerr := r.mon.Append(runID, api.Event{Type: api.EventError, Error: serr}, fsm.Error); aerr != nil {
			return nil, aerr
		}
		return nil, err
	}

	if _, err := r.mon.Append(runID, api.Event{Type: api.EventComplete}, fsm.Complete); err != nil {
		return nil, err
	}
	return finalState, nil
}

// computePatch diffs prev against next for the STEP_COMPLETE/BatchPrompt
// event patch field; failures here are a runner bug (both sides are always
// JSON-convertible by construction), so they surface as a fatal error
// rather than a silently-empty patch.
func computePatch(prev, next any) ([]api.PatchOp, any, error) {
	p, err := patch.Diff(prev, next)
	if err != nil {
		return nil, prev, fmt.Errorf("runner: diff state: %w", err)
	}
	applied, err := patch.Apply(prev, p)
	if err != nil {
		return nil, prev, fmt.Errorf("runner: apply own diff: %w", err)
	}
	out := make([]api.PatchOp, len(p))
	for i, op := range p {
		out[i] = api.PatchOp{Op: op.Op, Path: op.Path, Value: op.Value, From: op.From}
	}
	return out, applied, nil
}
