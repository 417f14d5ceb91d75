package signal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/signal"
)

func TestGetSignalsPriorityOrderNotArrivalOrder(t *testing.T) {
	q := signal.New(0)
	q.Enqueue(signal.Signal{Type: fsm.SignalUserMessage})
	q.Enqueue(signal.Signal{Type: fsm.SignalResume})
	q.Enqueue(signal.Signal{Type: fsm.SignalPause})
	q.Enqueue(signal.Signal{Type: fsm.SignalKill})

	got := q.GetSignals(signal.All)
	require.Len(t, got, 4)
	assert.Equal(t, fsm.SignalKill, got[0].Type)
	assert.Equal(t, fsm.SignalPause, got[1].Type)
	assert.Equal(t, fsm.SignalResume, got[2].Type)
	assert.Equal(t, fsm.SignalUserMessage, got[3].Type)
}

func TestGetSignalsIsConsumeOnRead(t *testing.T) {
	q := signal.New(0)
	q.Enqueue(signal.Signal{Type: fsm.SignalPause})

	first := q.GetSignals(signal.All)
	require.Len(t, first, 1)
	second := q.GetSignals(signal.All)
	assert.Empty(t, second)
}

func TestGetSignalsControlFilterLeavesOthersPending(t *testing.T) {
	q := signal.New(0)
	q.Enqueue(signal.Signal{Type: fsm.SignalUserMessage})
	q.Enqueue(signal.Signal{Type: fsm.SignalKill})

	control := q.GetSignals(signal.Control)
	require.Len(t, control, 1)
	assert.Equal(t, fsm.SignalKill, control[0].Type)
	assert.Equal(t, 1, q.Len())

	all := q.GetSignals(signal.All)
	require.Len(t, all, 1)
	assert.Equal(t, fsm.SignalUserMessage, all[0].Type)
}

func TestEnqueueDroppedWhenTerminal(t *testing.T) {
	q := signal.New(0)
	q.SetTerminal(true)
	q.Enqueue(signal.Signal{Type: fsm.SignalKill})
	assert.Equal(t, 0, q.Len())
}

func TestEnqueueEvictsLowestPriorityAtCapacity(t *testing.T) {
	q := signal.New(1)
	q.Enqueue(signal.Signal{Type: fsm.SignalKill})
	q.Enqueue(signal.Signal{Type: fsm.SignalPause})
	assert.Equal(t, 1, q.Len())
	got := q.GetSignals(signal.All)
	require.Len(t, got, 1)
	assert.Equal(t, fsm.SignalKill, got[0].Type)
}

func TestFIFOTiebreakWithinSamePriority(t *testing.T) {
	q := signal.New(0)
	q.Enqueue(signal.Signal{Type: fsm.SignalPause, Payload: "first"})
	q.Enqueue(signal.Signal{Type: fsm.SignalPause, Payload: "second"})
	got := q.GetSignals(signal.All)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Payload)
	assert.Equal(t, "second", got[1].Payload)
}
