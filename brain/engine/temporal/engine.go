// Package temporal is the production Engine adapter: every workflow
// execution is a real Temporal workflow, giving the Durable Runner actual
// process-restart survival (spec.md §9's "Durable Objects" note). Grounded
// on the teacher's runtime/agent/engine/temporal package: signal delivery
// via workflow.GetSignalChannel, activity-options derivation, and
// cancellation-error normalization via temporal.IsCanceledError.
package temporal

import (
	"context"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/telemetry"
)

// Engine is the Temporal-backed engine.Engine implementation. Register*
// calls before Start are buffered; Start constructs the worker.Worker and
// registers everything with it.
type Engine struct {
	client    client.Client
	taskQueue string
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	tracer    telemetry.Tracer

	mu         sync.Mutex
	workflows  []engine.WorkflowDefinition
	activities []engine.ActivityDefinition
	worker     worker.Worker
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l telemetry.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(e *Engine) { e.tracer = t } }

// New constructs an Engine bound to an already-connected Temporal client
// and default task queue.
func New(c client.Client, taskQueue string, opts ...Option) *Engine {
	e := &Engine{
		client:    c,
		taskQueue: taskQueue,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) RegisterWorkflow(def engine.WorkflowDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows = append(e.workflows, def)
}

func (e *Engine) RegisterActivity(def engine.ActivityDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities = append(e.activities, def)
}

// Start builds the Temporal worker for e.taskQueue, registers every
// buffered workflow/activity, and begins polling. It blocks until ctx is
// cancelled, at which point the worker stops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	w := worker.New(e.client, e.taskQueue, worker.Options{})
	for _, def := range e.workflows {
		handler := def.Handler
		w.RegisterWorkflowWithOptions(
			func(wfCtx workflow.Context, input any) (any, error) {
				wctx := newWorkflowContext(wfCtx, e)
				return handler(wctx, input)
			},
			workflow.RegisterOptions{Name: def.Name},
		)
	}
	for _, def := range e.activities {
		handler := def.Handler
		w.RegisterActivityWithOptions(
			func(actCtx context.Context, input any) (any, error) { return handler(actCtx, input) },
			activity.RegisterOptions{Name: def.Name},
		)
	}
	e.worker = w
	e.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(worker.InterruptCh()) }()

	select {
	case <-ctx.Done():
		w.Stop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	taskQueue := req.TaskQueue
	if taskQueue == "" {
		taskQueue = e.taskQueue
	}
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: taskQueue,
	}, req.Name, req.Input)
	if err != nil {
		return nil, normalizeError(err)
	}
	return &workflowHandle{client: e.client, run: run}, nil
}

type workflowHandle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *workflowHandle) Wait(ctx context.Context) (any, error) {
	var result any
	err := h.run.Get(ctx, &result)
	return result, normalizeError(err)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, value any) error {
	return normalizeError(h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, value))
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return normalizeError(h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID()))
}

// normalizeError maps Temporal's cancellation error to context.Canceled so
// callers written against engine.Engine do not need a Temporal import to
// recognize cancellation, matching the teacher's normalizeTemporalError.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}
