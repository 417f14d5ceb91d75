package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/engine/inmem"
	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/manifest"
	"github.com/brainyard/brainrun/brain/monitor"
	"github.com/brainyard/brainrun/brain/runner"
	"github.com/brainyard/brainrun/brain/scheduler"
)

func newHarness(t *testing.T) (*scheduler.Scheduler, *monitor.Store) {
	t.Helper()
	mon := monitor.NewStore()
	eng := inmem.New()
	r := runner.New(mon, nil)

	brain := &ir.Brain{
		Title: "daily-report",
		Blocks: []ir.Block{
			ir.Step{Title: "send", Action: func(_ context.Context, sc ir.StepContext) (ir.StepResult, error) {
				return ir.StepResult{State: sc.State}, nil
			}},
		},
	}
	r.RegisterBrain(eng, brain)
	r.RegisterWith(eng)

	m := manifest.New()
	m.Register(brain)

	return scheduler.New(r, eng, m), mon
}

func TestCreateScheduleRejectsMalformedCron(t *testing.T) {
	s, _ := newHarness(t)
	_, err := s.CreateSchedule(api.ScheduleRequest{BrainTitle: "daily-report", Cron: "not a cron", Enabled: true})
	assert.Error(t, err)
}

func TestCreateScheduleComputesNextRunAt(t *testing.T) {
	s, _ := newHarness(t)
	sched, err := s.CreateSchedule(api.ScheduleRequest{BrainTitle: "daily-report", Cron: "* * * * *", Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(sched.CreatedAt) || sched.NextRunAt.Equal(sched.CreatedAt))
}

func TestDeleteScheduleUnknownErrors(t *testing.T) {
	s, _ := newHarness(t)
	err := s.DeleteSchedule("nope")
	assert.ErrorIs(t, err, scheduler.ErrScheduleNotFound)
}

// firingHarness returns a Scheduler with a single enabled schedule whose
// NextRunAt already arrived, exercising tick/fire without waiting a full
// tick interval for the test.
func firingHarness(t *testing.T) (*scheduler.Scheduler, *monitor.Store, string) {
	s, mon := newHarness(t)
	sched, err := s.CreateSchedule(api.ScheduleRequest{BrainTitle: "daily-report", Cron: "@every 1s", Enabled: true})
	require.NoError(t, err)
	return s, mon, sched.ID
}

func TestStartFiresDueScheduleImmediatelyAndInsertsTriggeredRun(t *testing.T) {
	s, _, scheduleID := firingHarness(t)
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	var runs []api.ScheduledRun
	for time.Now().Before(deadline) {
		runs = s.ListScheduledRuns(scheduleID, "", 0)
		if len(runs) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, runs, 1)
	assert.NotEmpty(t, runs[0].BrainRunID)
}

func TestCompletedRunUpdatesScheduledRunStatus(t *testing.T) {
	s, _, scheduleID := firingHarness(t)
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runs := s.ListScheduledRuns(scheduleID, "complete", 0)
		if len(runs) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduled run never reached complete status")
}

func TestUnknownBrainRecordsErrorRun(t *testing.T) {
	s, _ := newHarness(t)
	sched, err := s.CreateSchedule(api.ScheduleRequest{BrainTitle: "ghost-brain", Cron: "@every 1s", Enabled: true})
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runs := s.ListScheduledRuns(sched.ID, "error", 0)
		if len(runs) > 0 {
			assert.NotEmpty(t, runs[0].Error)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("unknown brain never recorded an error scheduled run")
}
