// Package monitor is the append-only Event Log & Monitor (spec.md §4.D): it
// exclusively owns Event rows and the `runs` projection, fans out SSE
// snapshots of the running set, and answers history/get/events/
// findWaitingBrain queries. The Durable Runner is the single writer per
// run; HTTP handlers only ever read through Store's snapshot-consistent
// accessors.
package monitor

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/patch"
	"github.com/brainyard/brainrun/brain/telemetry"
)

// ErrRunNotFound is returned by operations addressing a run_id the store
// does not know about.
var ErrRunNotFound = errors.New("monitor: run not found")

// runRecord is the mutable projection Store maintains per run, folding in
// the authoritative Run record fields from spec.md §3.
type runRecord struct {
	runID        string
	brainTitle   string
	brainDesc    string
	options      any
	status       fsm.Status
	err          *api.SerializedError
	createdAt    time.Time
	startedAt    *time.Time
	completedAt  *time.Time
	currentStep  int
	stepStatuses []api.StepStatus
	state        any
	events       []api.Event
	nextSeq      int64
}

func (r *runRecord) summary() api.RunSummary {
	return api.RunSummary{
		RunID:        r.runID,
		BrainTitle:   r.brainTitle,
		Status:       fsm.WireStatus(r.status),
		Options:      r.options,
		Error:        r.err,
		CreatedAt:    r.createdAt,
		StartedAt:    r.startedAt,
		CompletedAt:  r.completedAt,
		CurrentStep:  r.currentStep,
		StepStatuses: append([]api.StepStatus(nil), r.stepStatuses...),
		State:        r.state,
	}
}

// Store is the in-memory Monitor backing a single process. Any ordered,
// atomic, single-writer store suffices per spec.md §9; this implementation
// is the "Durable Object... attached embedded KV/SQL store" made concrete
// as a mutex-guarded map, matching the actor-singleton/append-only-log
// invariant without requiring an external database.
type Store struct {
	mu              sync.RWMutex
	runs            map[string]*runRecord
	waiters         map[waiterKey]*Waiter
	broadcaster     *broadcaster
	maxEventsPerRun int
	logger          telemetry.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger injects a structured logger; defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxEventsPerRun bounds per-run event retention (spec.md §9: retention
// is an external policy knob). 0 (the default) means unbounded: the full
// event log is kept for the run's lifetime. Trimming only discards history
// available to `events`/replay; the running `state` fold is unaffected
// since Store maintains it incrementally regardless of trimming.
func WithMaxEventsPerRun(n int) Option {
	return func(s *Store) { s.maxEventsPerRun = n }
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		runs:        make(map[string]*runRecord),
		waiters:     make(map[waiterKey]*Waiter),
		broadcaster: newBroadcaster(),
		logger:      telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRun registers a new run in the idle ("pending") state ahead of its
// first START/RESTART event.
func (s *Store) CreateRun(runID, brainTitle, brainDescription string, options any, initialState any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = &runRecord{
		runID:      runID,
		brainTitle: brainTitle,
		brainDesc:  brainDescription,
		options:    options,
		status:     fsm.Idle,
		createdAt:  time.Now(),
		state:      initialState,
	}
}

// Append atomically inserts evt into runID's log and updates the run
// projection to status. It assigns Seq and Ts, folds evt.Patch into the
// tracked state (I-2), and updates StartedAt/CompletedAt per I-1. It
// returns the stamped event.
func (s *Store) Append(runID string, evt api.Event, status fsm.Status) (api.Event, error) {
	s.mu.Lock()
	rec, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return api.Event{}, ErrRunNotFound
	}

	evt.RunID = runID
	evt.Seq = rec.nextSeq
	rec.nextSeq++
	evt.Ts = time.Now()

	prevStatus := rec.status
	rec.status = status
	if len(evt.Patch) > 0 {
		folded, err := patch.Apply(rec.state, toPatch(evt.Patch))
		if err != nil {
			s.mu.Unlock()
			return api.Event{}, err
		}
		rec.state = folded
	}
	if evt.StepTitle != "" {
		rec.stepStatuses = upsertStepStatus(rec.stepStatuses, evt.StepTitle, string(evt.Type))
	}
	if prevStatus == fsm.Idle && status != fsm.Idle && rec.startedAt == nil {
		now := evt.Ts
		rec.startedAt = &now
	}
	if fsm.IsTerminal(status) && rec.completedAt == nil {
		now := evt.Ts
		rec.completedAt = &now
	}
	if evt.Error != nil {
		rec.err = evt.Error
	}

	rec.events = append(rec.events, evt)
	if s.maxEventsPerRun > 0 && len(rec.events) > s.maxEventsPerRun {
		rec.events = rec.events[len(rec.events)-s.maxEventsPerRun:]
	}

	shouldBroadcast := status == fsm.Running || status == fsm.AgentLoop || fsm.IsTerminal(status) || prevStatus != status
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if shouldBroadcast {
		s.broadcaster.publish(snapshot)
	}
	return evt, nil
}

func toPatch(ops []api.PatchOp) patch.Patch {
	out := make(patch.Patch, len(ops))
	for i, op := range ops {
		out[i] = patch.Operation{Op: op.Op, Path: op.Path, Value: op.Value, From: op.From}
	}
	return out
}

func upsertStepStatus(existing []api.StepStatus, title, status string) []api.StepStatus {
	for i := range existing {
		if existing[i].Title == title {
			existing[i].Status = status
			return existing
		}
	}
	return append(existing, api.StepStatus{Title: title, Status: status})
}

// Get returns the current RunSummary projection for runID.
func (s *Store) Get(runID string) (api.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return api.RunSummary{}, ErrRunNotFound
	}
	return rec.summary(), nil
}

// Status returns the current internal fsm.Status for runID, used by the
// webhook router and signals endpoint to consult admissibility.
func (s *Store) Status(runID string) (fsm.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return "", ErrRunNotFound
	}
	return rec.status, nil
}

// Events returns runID's log, optionally only events with Seq > sinceSeq.
func (s *Store) Events(runID string, sinceSeq int64) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if sinceSeq <= 0 {
		return append([]api.Event(nil), rec.events...), nil
	}
	var out []api.Event
	for _, e := range rec.events {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// History returns the latest limit runs for brainTitle ordered by
// created_at desc. An empty brainTitle matches every brain.
func (s *Store) History(brainTitle string, limit int) []api.RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []*runRecord
	for _, rec := range s.runs {
		if brainTitle == "" || rec.brainTitle == brainTitle {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].createdAt.After(matches[j].createdAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]api.RunSummary, len(matches))
	for i, rec := range matches {
		out[i] = rec.summary()
	}
	return out
}

// snapshotLocked builds the running-brains SSE payload; caller must hold
// at least a read lock.
func (s *Store) snapshotLocked() api.RunningBrainsSnapshot {
	var running []api.RunSummary
	for _, rec := range s.runs {
		if !fsm.IsTerminal(rec.status) && rec.status != fsm.Idle {
			running = append(running, rec.summary())
		}
	}
	sort.Slice(running, func(i, j int) bool { return running[i].CreatedAt.Before(running[j].CreatedAt) })
	return api.RunningBrainsSnapshot{RunningBrains: running}
}

// Snapshot returns the current running-set snapshot, for a new SSE
// subscriber's initial frame.
func (s *Store) Snapshot() api.RunningBrainsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// WatchRunning registers sub to receive the initial snapshot followed by a
// new one on every projection change. The returned Subscription's Close
// unregisters it; callers must always Close once done (matching the
// teacher's scoped-acquire-release discipline for SSE controllers).
func (s *Store) WatchRunning(sub Subscriber) Subscription {
	subscription := s.broadcaster.register(sub)
	sub.HandleSnapshot(s.Snapshot())
	return subscription
}
