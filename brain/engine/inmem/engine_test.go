package inmem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/engine/inmem"
)

func TestStartWorkflowRunsHandlerAndReturnsResult(t *testing.T) {
	e := inmem.New()
	e.RegisterWorkflow(engine.WorkflowDefinition{
		Name: "echo",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			return input, nil
		},
	})
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "r1", Name: "echo", Input: "hi"})
	require.NoError(t, err)
	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", result)
}

func TestStartWorkflowUnknownName(t *testing.T) {
	e := inmem.New()
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "r1", Name: "nope"})
	assert.Error(t, err)
}

func TestExecuteActivityDecodesResult(t *testing.T) {
	e := inmem.New()
	e.RegisterActivity(engine.ActivityDefinition{
		Name: "double",
		Handler: func(ctx context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	})
	e.RegisterWorkflow(engine.WorkflowDefinition{
		Name: "uses-activity",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var out int
			if err := wctx.ExecuteActivity("double", 21, engine.ActivityOptions{}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	})
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "r1", Name: "uses-activity"})
	require.NoError(t, err)
	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestExecuteActivityRetriesUntilSuccess(t *testing.T) {
	e := inmem.New()
	attempts := 0
	e.RegisterActivity(engine.ActivityDefinition{
		Name: "flaky",
		Handler: func(ctx context.Context, input any) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	})
	e.RegisterWorkflow(engine.WorkflowDefinition{
		Name: "retrying",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var out string
			err := wctx.ExecuteActivity("flaky", nil, engine.ActivityOptions{
				RetryPolicy: engine.RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond},
			}, &out)
			return out, err
		},
	})
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "r1", Name: "retrying"})
	require.NoError(t, err)
	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestSignalChannelDeliveryAndReceive(t *testing.T) {
	e := inmem.New()
	received := make(chan any, 1)
	e.RegisterWorkflow(engine.WorkflowDefinition{
		Name: "waits-for-signal",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			v, ok := wctx.SignalChannel("pause").Receive(wctx.Context())
			if ok {
				received <- v
			}
			return nil, nil
		},
	})
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "r1", Name: "waits-for-signal"})
	require.NoError(t, err)

	require.NoError(t, h.Signal(context.Background(), "pause", "now"))
	select {
	case v := <-received:
		assert.Equal(t, "now", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal delivery")
	}
	_, _ = h.Wait(context.Background())
}
