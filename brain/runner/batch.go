package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/ir"
)

type batchItemInput struct {
	State   any
	Options any
	Item    any
}

type batchItemOutput struct {
	Value any
}

func (r *Runner) registerBatchActivity(eng engine.Engine, prefix string, b ir.BatchPrompt) {
	eng.RegisterActivity(engine.ActivityDefinition{
		Name: batchItemActivityName(prefix, b.Title),
		Handler: func(ctx context.Context, input any) (any, error) {
			in, ok := input.(batchItemInput)
			if !ok {
				return nil, fmt.Errorf("runner: batch %q: unexpected input type %T", b.Title, input)
			}
			prompt, err := b.Template(in.Item)
			if err != nil {
				return nil, fmt.Errorf("runner: batch %q template: %w", b.Title, err)
			}
			value, err := r.generator.GenerateObject(ctx, ir.GenerateObjectRequest{
				Schema:     b.Schema,
				SchemaName: b.SchemaName,
				Prompt:     prompt,
			})
			if err != nil {
				return nil, err
			}
			return batchItemOutput{Value: value}, nil
		},
	})
}

// batchRetryOptions maps a BatchPrompt's business-level RetryPolicy onto
// the engine's transport-level ActivityOptions.RetryPolicy: each retried
// attempt is a fresh activity invocation of the same item.
func batchRetryOptions(retry *ir.RetryPolicy) engine.ActivityOptions {
	if retry == nil {
		return engine.ActivityOptions{}
	}
	coeff := 1.0
	if retry.Backoff == ir.BackoffExponential {
		coeff = 2.0
	}
	return engine.ActivityOptions{
		RetryPolicy: engine.RetryPolicy{
			MaxAttempts:        retry.MaxRetries + 1,
			InitialInterval:    time.Duration(retry.InitialDelay) * time.Millisecond,
			BackoffCoefficient: coeff,
		},
	}
}

// execBatchPrompt fans Template/GenerateObject out across Over(state) with
// bounded concurrency (ChunkSize), applies per-item retry and error
// policy, and merges the ordered results under SchemaName into state
// (spec.md §4.F.3).
func (x *execState) execBatchPrompt(b ir.BatchPrompt) error {
	if _, err := x.r.mon.Append(x.runID, api.Event{Type: api.EventStepStart, StepTitle: b.Title}, fsm.Running); err != nil {
		return err
	}
	items, err := b.Over(x.state)
	if err != nil {
		return fmt.Errorf("runner: batch %q over: %w", b.Title, err)
	}
	chunkSize := b.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1
	}
	opts := batchRetryOptions(b.Retry)
	name := batchItemActivityName(x.namePrefix(), b.Title)

	results := make([]any, len(items))
	for start := 0; start < len(items); start += chunkSize {
		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}
		if err := x.checkControlSignals(); err != nil {
			return err
		}
		futures := make([]engine.Future, end-start)
		for i := start; i < end; i++ {
			futures[i-start] = x.wctx.ExecuteActivityAsync(name, batchItemInput{State: x.state, Options: x.options, Item: items[i]}, opts)
		}
		for i := start; i < end; i++ {
			var out batchItemOutput
			itemErr := futures[i-start].Get(&out)
			if itemErr == nil {
				results[i] = out.Value
				continue
			}
			value, handled, aborted := x.applyErrorPolicy(b, items[i], itemErr)
			if aborted {
				return fmt.Errorf("%w: batch %q item %d: %v", ErrAborted, b.Title, i, itemErr)
			}
			if handled {
				results[i] = value
			}
		}
	}

	merged := mergeStateKey(x.state, b.SchemaName, results)
	ops, applied, err := computePatch(x.state, merged)
	if err != nil {
		return err
	}
	x.state = applied
	_, err = x.r.mon.Append(x.runID, api.Event{
		Type:      api.EventStepComplete,
		StepTitle: b.Title,
		Patch:     ops,
	}, fsm.Running)
	return err
}

// applyErrorPolicy runs once an item's activity-level retries are
// exhausted. handled is false only for ErrorPolicySkip, leaving the
// result slot nil; aborted signals the whole batch (and run) must fail.
func (x *execState) applyErrorPolicy(b ir.BatchPrompt, item any, itemErr error) (value any, handled, aborted bool) {
	switch b.ErrorPolicy.Kind {
	case ir.ErrorPolicyNull:
		return nil, true, false
	case ir.ErrorPolicyAbort:
		return nil, false, true
	case ir.ErrorPolicyCustom:
		if b.ErrorPolicy.Custom == nil {
			return nil, false, true
		}
		v, err := b.ErrorPolicy.Custom(item, itemErr)
		if err != nil {
			return nil, false, true
		}
		return v, true, false
	default: // ErrorPolicySkip
		return nil, false, false
	}
}
