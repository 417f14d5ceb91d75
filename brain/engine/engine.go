// Package engine abstracts the durable execution backend the Durable
// Runner is built on (spec.md §9: "Durable Objects / per-instance SQLite —
// conceptually a single-writer actor with an attached embedded KV/SQL
// store; any ordered, atomic, single-writer store suffices"). brain/runner
// is written once against this interface; brain/engine/inmem provides a
// goroutine-backed default, brain/engine/temporal provides a
// process-restart-surviving production backend.
package engine

import (
	"context"
	"time"

	"github.com/brainyard/brainrun/brain/telemetry"
)

// Engine starts and supervises workflow executions (one per brain run) and
// the activities they call out to.
type Engine interface {
	RegisterWorkflow(def WorkflowDefinition)
	RegisterActivity(def ActivityDefinition)
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
}

// WorkflowDefinition registers a named, replayable run-driving function.
type WorkflowDefinition struct {
	Name      string
	TaskQueue string
	Handler   WorkflowFunc
}

// WorkflowFunc drives one brain run to completion (or suspension). Input
// and the return value are engine-opaque; brain/runner defines their
// concrete shape.
type WorkflowFunc func(wctx WorkflowContext, input any) (any, error)

// WorkflowContext is the durable-execution-aware context a WorkflowFunc
// runs under. It is deliberately narrow: everything blocking or
// replay-sensitive is reached through it rather than ambient globals or a
// raw context.Context, so the same WorkflowFunc runs unmodified against
// either adapter.
type WorkflowContext interface {
	Context() context.Context
	WorkflowID() string
	RunID() string
	// ExecuteActivity runs an activity synchronously (from the workflow's
	// point of view) and decodes its result into result (a pointer).
	ExecuteActivity(name string, input any, opts ActivityOptions, result any) error
	// ExecuteActivityAsync schedules an activity and returns a handle the
	// caller can poll or block on, for fan-out (e.g. BatchPrompt).
	ExecuteActivityAsync(name string, input any, opts ActivityOptions) Future
	// SignalChannel returns the named durable signal channel (control
	// signals ride on this in the temporal adapter; the inmem adapter
	// backs it with a bounded, arrival-ordered Go channel instead).
	SignalChannel(name string) SignalChannel
	Logger() telemetry.Logger
	Metrics() telemetry.Metrics
	Tracer() telemetry.Tracer
	// Now returns replay-safe wall-clock time; WorkflowFunc must never call
	// time.Now() directly.
	Now() time.Time
}

// Future is a handle to an in-flight asynchronous activity call.
type Future interface {
	// Get blocks until the activity completes and decodes its result into
	// result (a pointer), or returns the activity's error.
	Get(result any) error
	IsReady() bool
}

// ActivityDefinition registers a named unit of (potentially side-effecting,
// potentially retried) work a workflow can call out to.
type ActivityDefinition struct {
	Name    string
	Handler ActivityFunc
}

// ActivityFunc performs one activity invocation. input and its result are
// opaque to the engine.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// ActivityOptions configures one ExecuteActivity/ExecuteActivityAsync call.
type ActivityOptions struct {
	Queue       string
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

// RetryPolicy configures activity-level retry, independent of the
// step/BatchPrompt-level retry described in spec.md §4.F.3/§4.F (those are
// business-logic retries; this is transport-level retry of the activity
// call itself, e.g. to survive a transient worker restart).
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
}

// SignalChannel is a named, durable, single-reader signal stream.
type SignalChannel interface {
	// Receive blocks until a value is available or ctx is cancelled.
	Receive(ctx context.Context) (any, bool)
	// ReceiveAsync returns immediately with the next pending value, if any.
	ReceiveAsync() (any, bool)
}

// WorkflowStartRequest starts one workflow execution.
type WorkflowStartRequest struct {
	ID        string
	Name      string
	TaskQueue string
	Input     any
}

// WorkflowHandle references a started workflow execution.
type WorkflowHandle interface {
	Wait(ctx context.Context) (any, error)
	Signal(ctx context.Context, name string, value any) error
	Cancel(ctx context.Context) error
}
