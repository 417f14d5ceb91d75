package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/telemetry"
)

// workflowContext adapts a Temporal workflow.Context to engine.WorkflowContext.
//
// Context() intentionally does not return a context usable for blocking
// calls: Temporal workflow code must never block outside workflow.Context
// primitives, or replay determinism breaks. It returns a cancellable,
// value-carrying context.Context suitable for passing to non-blocking
// helper functions; anything that actually waits must go through
// ExecuteActivity or SignalChannel.
type workflowContext struct {
	wfCtx   workflow.Context
	passCtx context.Context
	cancel  context.CancelFunc
	engine  *Engine
}

func newWorkflowContext(wfCtx workflow.Context, e *Engine) *workflowContext {
	passCtx, cancel := context.WithCancel(context.Background())
	workflow.Go(wfCtx, func(ctx workflow.Context) {
		ctx.Done().Receive(ctx, nil)
		cancel()
	})
	return &workflowContext{wfCtx: wfCtx, passCtx: passCtx, cancel: cancel, engine: e}
}

func (w *workflowContext) Context() context.Context { return w.passCtx }
func (w *workflowContext) WorkflowID() string        { return workflow.GetInfo(w.wfCtx).WorkflowExecution.ID }
func (w *workflowContext) RunID() string             { return workflow.GetInfo(w.wfCtx).WorkflowExecution.RunID }
func (w *workflowContext) Logger() telemetry.Logger   { return w.engine.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.engine.metrics }
func (w *workflowContext) Tracer() telemetry.Tracer   { return w.engine.tracer }
func (w *workflowContext) Now() time.Time             { return workflow.Now(w.wfCtx) }

func (w *workflowContext) activityOptionsFor(opts engine.ActivityOptions) workflow.ActivityOptions {
	ao := workflow.ActivityOptions{
		TaskQueue:           opts.Queue,
		StartToCloseTimeout: opts.Timeout,
	}
	if ao.StartToCloseTimeout == 0 {
		ao.StartToCloseTimeout = time.Minute
	}
	if opts.RetryPolicy.MaxAttempts > 0 || opts.RetryPolicy.InitialInterval > 0 {
		initial := opts.RetryPolicy.InitialInterval
		if initial == 0 {
			initial = time.Second
		}
		backoff := opts.RetryPolicy.BackoffCoefficient
		if backoff == 0 {
			backoff = 2.0
		}
		ao.RetryPolicy = &temporal.RetryPolicy{
			InitialInterval:    initial,
			BackoffCoefficient: backoff,
			MaximumAttempts:    int32(opts.RetryPolicy.MaxAttempts),
		}
	}
	return ao
}

func (w *workflowContext) ExecuteActivity(name string, input any, opts engine.ActivityOptions, result any) error {
	ctx := workflow.WithActivityOptions(w.wfCtx, w.activityOptionsFor(opts))
	future := workflow.ExecuteActivity(ctx, name, input)
	return normalizeError(future.Get(ctx, result))
}

func (w *workflowContext) ExecuteActivityAsync(name string, input any, opts engine.ActivityOptions) engine.Future {
	ctx := workflow.WithActivityOptions(w.wfCtx, w.activityOptionsFor(opts))
	return &future{wfCtx: ctx, f: workflow.ExecuteActivity(ctx, name, input)}
}

type future struct {
	wfCtx workflow.Context
	f     workflow.Future
}

func (f *future) Get(result any) error {
	return normalizeError(f.f.Get(f.wfCtx, result))
}

func (f *future) IsReady() bool { return f.f.IsReady() }

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return &signalChannel{wfCtx: w.wfCtx, ch: workflow.GetSignalChannel(w.wfCtx, name)}
}

type signalChannel struct {
	wfCtx workflow.Context
	ch    workflow.ReceiveChannel
}

// Receive blocks (within workflow.Context's cooperative scheduler) until a
// value arrives or ctx's deadline passes; a ctx without a deadline is
// waited on indefinitely, and cancelling ctx does not end the wait. It uses
// a selector with a timer rather than a raw goroutine so it stays
// replay-safe.
func (s *signalChannel) Receive(ctx context.Context) (any, bool) {
	var value any
	received := false
	selector := workflow.NewSelector(s.wfCtx)
	selector.AddReceive(s.ch, func(c workflow.ReceiveChannel, more bool) {
		c.Receive(s.wfCtx, &value)
		received = true
	})
	if deadline, ok := ctx.Deadline(); ok {
		timer := workflow.NewTimer(s.wfCtx, time.Until(deadline))
		selector.AddFuture(timer, func(workflow.Future) {})
	}
	selector.Select(s.wfCtx)
	return value, received
}

func (s *signalChannel) ReceiveAsync() (any, bool) {
	var value any
	ok := s.ch.ReceiveAsync(&value)
	return value, ok
}
