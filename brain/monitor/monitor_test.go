package monitor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/monitor"
)

func TestAppendFoldsPatchIntoState(t *testing.T) {
	s := monitor.NewStore()
	s.CreateRun("r1", "two-step", "", nil, map[string]any{})

	_, err := s.Append("r1", api.Event{Type: api.EventStart}, fsm.Running)
	require.NoError(t, err)

	_, err = s.Append("r1", api.Event{
		Type:      api.EventStepComplete,
		StepTitle: "A",
		Patch:     []api.PatchOp{{Op: "add", Path: "/x", Value: 1.0}},
	}, fsm.Running)
	require.NoError(t, err)

	_, err = s.Append("r1", api.Event{
		Type:      api.EventStepComplete,
		StepTitle: "B",
		Patch:     []api.PatchOp{{Op: "add", Path: "/y", Value: 3.0}},
	}, fsm.Running)
	require.NoError(t, err)

	_, err = s.Append("r1", api.Event{Type: api.EventComplete}, fsm.Complete)
	require.NoError(t, err)

	run, err := s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, "complete", run.Status)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 3.0}, run.State)
	require.NotNil(t, run.CompletedAt)
}

func TestEventSeqMonotoneAndContiguous(t *testing.T) {
	s := monitor.NewStore()
	s.CreateRun("r1", "b", "", nil, map[string]any{})
	for i := 0; i < 5; i++ {
		_, err := s.Append("r1", api.Event{Type: api.EventStepStart}, fsm.Running)
		require.NoError(t, err)
	}
	events, err := s.Events("r1", 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i), e.Seq)
	}
}

func TestEventsSinceSeq(t *testing.T) {
	s := monitor.NewStore()
	s.CreateRun("r1", "b", "", nil, map[string]any{})
	for i := 0; i < 3; i++ {
		_, err := s.Append("r1", api.Event{Type: api.EventStepStart}, fsm.Running)
		require.NoError(t, err)
	}
	events, err := s.Events("r1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Seq)
}

func TestGetUnknownRun(t *testing.T) {
	s := monitor.NewStore()
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, monitor.ErrRunNotFound)
}

func TestHistoryFiltersByBrainTitleAndLimit(t *testing.T) {
	s := monitor.NewStore()
	s.CreateRun("r1", "alpha", "", nil, nil)
	s.CreateRun("r2", "alpha", "", nil, nil)
	s.CreateRun("r3", "beta", "", nil, nil)

	alpha := s.History("alpha", 0)
	assert.Len(t, alpha, 2)

	limited := s.History("", 1)
	assert.Len(t, limited, 1)
}

func TestWaiterRegisterFindConsumeIsAtomic(t *testing.T) {
	s := monitor.NewStore()
	s.RegisterWaiter(monitor.Waiter{RunID: "r1", Slug: "approve", Identifier: "r1"})

	found, err := s.FindWaitingBrain("approve", "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", found.RunID)

	consumed, err := s.ConsumeWaiter("approve", "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", consumed.RunID)

	_, err = s.ConsumeWaiter("approve", "r1")
	assert.ErrorIs(t, err, monitor.ErrWaiterNotFound)
}

func TestRemoveWaitersForRunOnKill(t *testing.T) {
	s := monitor.NewStore()
	s.RegisterWaiter(monitor.Waiter{RunID: "r1", Slug: "approve", Identifier: "r1"})
	s.RemoveWaitersForRun("r1")
	_, err := s.FindWaitingBrain("approve", "r1")
	assert.ErrorIs(t, err, monitor.ErrWaiterNotFound)
}

type recordingSubscriber struct {
	snapshots []api.RunningBrainsSnapshot
}

func (r *recordingSubscriber) HandleSnapshot(s api.RunningBrainsSnapshot) error {
	r.snapshots = append(r.snapshots, s)
	return nil
}

func TestWatchRunningDeliversInitialAndDeltaSnapshots(t *testing.T) {
	s := monitor.NewStore()
	s.CreateRun("r1", "b", "", nil, nil)

	sub := &recordingSubscriber{}
	subscription := s.WatchRunning(sub)
	defer subscription.Close()

	require.Len(t, sub.snapshots, 1)
	assert.Empty(t, sub.snapshots[0].RunningBrains)

	_, err := s.Append("r1", api.Event{Type: api.EventStart}, fsm.Running)
	require.NoError(t, err)

	require.Len(t, sub.snapshots, 2)
	require.Len(t, sub.snapshots[1].RunningBrains, 1)
	assert.Equal(t, "r1", sub.snapshots[1].RunningBrains[0].RunID)
}

func TestMaxEventsPerRunTrimsHistoryNotState(t *testing.T) {
	s := monitor.NewStore(monitor.WithMaxEventsPerRun(2))
	s.CreateRun("r1", "b", "", nil, map[string]any{})
	for i := 0; i < 5; i++ {
		_, err := s.Append("r1", api.Event{
			Type:  api.EventStepComplete,
			Patch: []api.PatchOp{{Op: "add", Path: "/" + string(rune('a'+i)), Value: i}},
		}, fsm.Running)
		require.NoError(t, err)
	}
	events, err := s.Events("r1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	run, err := s.Get("r1")
	require.NoError(t, err)
	state := run.State.(map[string]any)
	assert.Len(t, state, 5, "state fold must retain all patches even though event history is trimmed")
}
