// Package scheduler is the Scheduler (spec.md §4.H): an in-process actor
// holding the `schedules` and `scheduled_runs` tables, driven by a
// persistent 60-second alarm that starts any schedule whose next_run_at
// has arrived and then unconditionally rearms (P7), independent of
// whether that tick's work succeeded.
//
// Grounded on the teacher's domain/scheduler/scheduler.go (NewScheduler,
// mutex-guarded task table, Start/Stop lifecycle), generalized from its
// named ad-hoc TaskFunc registrations to the schedule/run rows spec.md
// describes, and driving the literal tick-scan loop of §4.H itself rather
// than robfig/cron's own internal dispatcher — cron.Schedule is still used
// for what it is good at: parsing and validating 5-field cron expressions
// and computing next_run_at.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/telemetry"
)

// tickInterval is the persistent alarm period of spec.md §4.H.
const tickInterval = 60 * time.Second

// ErrScheduleNotFound is returned by DeleteSchedule for an unknown id.
var ErrScheduleNotFound = errors.New("scheduler: schedule not found")

// Runner is the subset of runner.Runner the Scheduler starts brain runs
// through.
type Runner interface {
	Start(ctx context.Context, eng engine.Engine, runID string, brain *ir.Brain, options, initialState any) (engine.WorkflowHandle, error)
}

// BrainResolver is the subset of manifest.StaticManifest the Scheduler
// resolves a schedule's brainTitle against.
type BrainResolver interface {
	Resolve(identifier string) (*ir.Brain, error)
}

type scheduleRecord struct {
	api.Schedule
	cronSchedule cron.Schedule
}

// Scheduler is the Scheduler component. Construct with New, Start it once
// at process boot, and Stop it during graceful shutdown.
type Scheduler struct {
	runner Runner
	eng    engine.Engine
	brains BrainResolver
	logger telemetry.Logger
	parser cron.Parser

	mu        sync.Mutex
	schedules map[string]*scheduleRecord
	runs      map[string]*api.ScheduledRun

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger injects a structured logger; defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New constructs a Scheduler. runner and eng are used to start brain runs
// when a schedule fires; brains resolves a schedule's BrainTitle to the
// ir.Brain to run.
func New(runner Runner, eng engine.Engine, brains BrainResolver, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:    runner,
		eng:       eng,
		brains:    brains,
		logger:    telemetry.NewNoopLogger(),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		schedules: make(map[string]*scheduleRecord),
		runs:      make(map[string]*api.ScheduledRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSchedule validates req.Cron as a standard 5-field cron expression,
// computes its first NextRunAt from now, and registers it.
func (s *Scheduler) CreateSchedule(req api.ScheduleRequest) (api.Schedule, error) {
	cronSchedule, err := s.parser.Parse(req.Cron)
	if err != nil {
		return api.Schedule{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", req.Cron, err)
	}
	now := time.Now()
	next := cronSchedule.Next(now)
	rec := &scheduleRecord{
		Schedule: api.Schedule{
			ID:         uuid.NewString(),
			BrainTitle: req.BrainTitle,
			Cron:       req.Cron,
			Enabled:    req.Enabled,
			CreatedAt:  now,
			NextRunAt:  &next,
		},
		cronSchedule: cronSchedule,
	}
	s.mu.Lock()
	s.schedules[rec.ID] = rec
	s.mu.Unlock()
	return rec.Schedule, nil
}

// ListSchedules returns every registered schedule, sorted by creation time.
func (s *Scheduler) ListSchedules() []api.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Schedule, 0, len(s.schedules))
	for _, rec := range s.schedules {
		out = append(out, rec.Schedule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeleteSchedule removes a schedule; it has no effect on scheduled_runs
// rows already recorded.
func (s *Scheduler) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(s.schedules, id)
	return nil
}

// ListScheduledRuns returns scheduled_runs rows, most recent first,
// optionally filtered by scheduleID and/or status and capped at limit (0
// means unbounded).
func (s *Scheduler) ListScheduledRuns(scheduleID, status string, limit int) []api.ScheduledRun {
	s.mu.Lock()
	var matches []api.ScheduledRun
	for _, r := range s.runs {
		if scheduleID != "" && r.ScheduleID != scheduleID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		matches = append(matches, *r)
	}
	s.mu.Unlock()
	sort.Slice(matches, func(i, j int) bool { return matches[i].RanAt.After(matches[j].RanAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Start arms the persistent alarm. Per spec.md §4.H the alarm survives
// restart: since Scheduler has no durable storage of its own, every boot
// is itself "no alarm armed", so Start always ticks immediately before
// settling into its 60-second cadence.
func (s *Scheduler) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx)
}

// Stop disarms the alarm and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	func() {
		defer func() { _ = recover() }()
		s.tick(ctx)
	}()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// P7: rearm unconditionally regardless of what tick does, a
			// panicking task must never leave the alarm disarmed.
			func() {
				defer func() { _ = recover() }()
				s.tick(ctx)
			}()
		}
	}
}

// tick starts every due, enabled schedule and recomputes its NextRunAt,
// per spec.md §4.H.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	var due []*scheduleRecord
	for _, rec := range s.schedules {
		if rec.Enabled && rec.NextRunAt != nil && !rec.NextRunAt.After(now) {
			due = append(due, rec)
		}
	}
	s.mu.Unlock()

	for _, rec := range due {
		s.fire(ctx, rec, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, rec *scheduleRecord, now time.Time) {
	runID := uuid.NewString()
	run := &api.ScheduledRun{
		ID:         uuid.NewString(),
		ScheduleID: rec.ID,
		BrainRunID: runID,
		Status:     "triggered",
		RanAt:      now,
	}

	brain, err := s.brains.Resolve(rec.BrainTitle)
	if err != nil {
		run.Status = "error"
		run.Error = err.Error()
		completed := time.Now()
		run.CompletedAt = &completed
		s.logger.Error(ctx, "scheduler: unknown brain", "scheduleId", rec.ID, "brainTitle", rec.BrainTitle, "error", err)
	} else if handle, serr := s.runner.Start(ctx, s.eng, runID, brain, nil, nil); serr != nil {
		run.Status = "error"
		run.Error = serr.Error()
		completed := time.Now()
		run.CompletedAt = &completed
		s.logger.Error(ctx, "scheduler: failed to start run", "scheduleId", rec.ID, "error", serr)
	} else {
		go s.awaitCompletion(run.ID, handle)
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	next := rec.cronSchedule.Next(now)
	rec.NextRunAt = &next
	s.mu.Unlock()
}

// awaitCompletion blocks on handle.Wait and folds the outcome back into
// the scheduled_runs row it triggered.
func (s *Scheduler) awaitCompletion(scheduledRunID string, handle engine.WorkflowHandle) {
	_, err := handle.Wait(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[scheduledRunID]
	if !ok {
		return
	}
	now := time.Now()
	run.CompletedAt = &now
	if err != nil {
		run.Status = "error"
		run.Error = err.Error()
	} else {
		run.Status = "complete"
	}
}
