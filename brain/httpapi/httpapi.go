// Package httpapi is the HTTP Control API (spec.md §4.I): a chi router
// exposing the brain/run/schedule/webhook surface described in spec.md §6
// over plain JSON (and one SSE stream). It is a thin translation layer —
// every handler decodes its request, calls straight into the Monitor,
// Manifest, Runner, Scheduler, or webhook.Router it was constructed with,
// and encodes the result; no business logic lives here.
//
// Grounded on the teacher's runtime/agent/hooks and the wider pack's
// other_examples platform-internal-api-runs.go: a Server struct holding its
// collaborators, MountXRoutes functions registering chi.Router handlers,
// and writeJSON/writeError helpers producing the {error: string} body
// spec.md §7 fixes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/manifest"
	"github.com/brainyard/brainrun/brain/monitor"
	"github.com/brainyard/brainrun/brain/telemetry"
	"github.com/brainyard/brainrun/brain/webhook"
)

// Monitor is the subset of monitor.Store the API reads run history and the
// running set through.
type Monitor interface {
	Status(runID string) (fsm.Status, error)
	Events(runID string, sinceSeq int64) ([]api.Event, error)
	History(brainTitle string, limit int) []api.RunSummary
	WatchRunning(sub monitor.Subscriber) monitor.Subscription
}

// Manifest is the subset of manifest.StaticManifest the API resolves and
// lists brains through.
type Manifest interface {
	Resolve(identifier string) (*ir.Brain, error)
	List() []api.BrainSummary
	Search(q string) []api.BrainSummary
}

// RunStarter is the subset of runner.Runner the API starts new runs
// through.
type RunStarter interface {
	Start(ctx context.Context, eng engine.Engine, runID string, brain *ir.Brain, options, initialState any) (engine.WorkflowHandle, error)
}

// Signaler is the subset of runner.Runner the API delivers signals
// (including KILL) through.
type Signaler interface {
	Signal(ctx context.Context, runID string, sigType fsm.SignalType, payload any) (ok bool, err error)
}

// Scheduler is the subset of scheduler.Scheduler the API manages schedules
// through.
type Scheduler interface {
	CreateSchedule(req api.ScheduleRequest) (api.Schedule, error)
	ListSchedules() []api.Schedule
	DeleteSchedule(id string) error
	ListScheduledRuns(scheduleID, status string, limit int) []api.ScheduledRun
}

// WebhookRouter is the subset of webhook.Router the API delivers incoming
// webhook requests through.
type WebhookRouter interface {
	Deliver(ctx context.Context, slug, identifier, token string, payload any, rawBody []byte) webhook.Result
	DeliverUIForm(ctx context.Context, values url.Values) webhook.Result
}

// Server bundles every collaborator the Control API's handlers call into.
type Server struct {
	mon       Monitor
	manifest  Manifest
	starter   RunStarter
	signaler  Signaler
	scheduler Scheduler
	webhook   WebhookRouter
	eng       engine.Engine
	logger    telemetry.Logger

	allowedOrigins []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger injects a structured logger; defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option { return func(s *Server) { s.logger = l } }

// WithAllowedOrigins configures the CORS middleware's allowed origins;
// defaults to "*" (spec.md does not constrain this, and the control API is
// designed to be called from an operator-facing dashboard on another
// origin).
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// New constructs a Server.
func New(mon Monitor, man Manifest, starter RunStarter, signaler Signaler, sched Scheduler, wh WebhookRouter, eng engine.Engine, opts ...Option) *Server {
	s := &Server{
		mon:       mon,
		manifest:  man,
		starter:   starter,
		signaler:  signaler,
		scheduler: sched,
		webhook:   wh,
		eng:       eng,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi.Mux serving every endpoint of spec.md §4.I/§6.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins(),
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/brains", s.handleListBrains)
	r.Get("/brains/watch", s.handleWatch)
	r.Get("/brains/{title}/history", s.handleHistory)
	r.Get("/brains/{id}/events", s.handleEvents)
	r.Post("/brains/runs", s.handleCreateRun)
	r.Delete("/brains/runs/{id}", s.handleKillRun)
	r.Post("/brains/runs/{id}/signals", s.handleSignal)

	r.Get("/schedules", s.handleListSchedules)
	r.Post("/schedules", s.handleCreateSchedule)
	r.Delete("/schedules/{id}", s.handleDeleteSchedule)
	r.Get("/schedules/runs", s.handleScheduledRuns)

	r.Post("/webhooks/system/ui-form", s.handleWebhookUIForm)
	r.Post("/webhooks/{slug}", s.handleWebhook)

	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins
	}
	return []string{"*"}
}

func (s *Server) handleListBrains(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("q"); q != "" {
		writeJSON(w, http.StatusOK, s.manifest.Search(q))
		return
	}
	writeJSON(w, http.StatusOK, s.manifest.List())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	title := chi.URLParam(r, "title")
	limit := intQuery(r, "limit", 0)
	writeJSON(w, http.StatusOK, s.mon.History(title, limit))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	since := int64(intQuery(r, "since", 0))
	events, err := s.mon.Events(runID, since)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	identifier := req.BrainTitle
	if identifier == "" {
		identifier = req.Identifier
	}
	brain, err := s.manifest.Resolve(identifier)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	runID := uuid.NewString()
	if _, err := s.starter.Start(r.Context(), s.eng, runID, brain, req.Options, nil); err != nil {
		s.logger.Error(r.Context(), "httpapi: start run failed", "brainTitle", brain.Title, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusCreated, api.CreateRunResponse{BrainRunID: runID})
}

func (s *Server) handleKillRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	status, err := s.mon.Status(runID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if fsm.IsTerminal(status) {
		writeError(w, http.StatusConflict, "run has already finished")
		return
	}
	ok, err := s.signaler.Signal(r.Context(), runID, fsm.SignalKill, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "run cannot be killed in its current state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.mon.Status(runID); err != nil {
		s.writeErr(w, err)
		return
	}

	var req api.SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var payload any = req.Payload
	if payload == nil && req.Content != "" {
		payload = req.Content
	}

	ok, err := s.signaler.Signal(r.Context(), runID, fsm.SignalType(req.Type), payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		// P4: 202 iff the signal is admissible against the run's current
		// status; otherwise report the conflict rather than silently
		// dropping it.
		writeError(w, http.StatusConflict, "signal is not admissible in the run's current state")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := newSnapshotSubscriber()
	subscription := s.mon.WatchRunning(sub)
	defer subscription.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-sub.ch:
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// snapshotSubscriber bridges monitor.Store's synchronous, possibly
// concurrent broadcaster.publish calls to a single consumer goroutine (the
// SSE handler) via a drop-oldest buffered channel, so writes to the
// response body only ever happen from the handler's own goroutine.
type snapshotSubscriber struct {
	ch chan api.RunningBrainsSnapshot
}

func newSnapshotSubscriber() *snapshotSubscriber {
	return &snapshotSubscriber{ch: make(chan api.RunningBrainsSnapshot, 8)}
}

func (s *snapshotSubscriber) HandleSnapshot(snapshot api.RunningBrainsSnapshot) error {
	select {
	case s.ch <- snapshot:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
		default:
		}
	}
	return nil
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.ListSchedules())
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req api.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sched, err := s.scheduler.CreateSchedule(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scheduler.DeleteSchedule(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScheduledRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs := s.scheduler.ListScheduledRuns(q.Get("scheduleId"), q.Get("status"), intQuery(r, "limit", 0))
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	identifier := r.URL.Query().Get("identifier")

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	payload, token, err := webhook.DecodeJSONPayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res := s.webhook.Deliver(r.Context(), slug, identifier, token, payload, body)
	writeJSON(w, res.Status, res.Body)
}

func (s *Server) handleWebhookUIForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	res := s.webhook.DeliverUIForm(r.Context(), r.Form)
	writeJSON(w, res.Status, res.Body)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, monitor.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if errors.Is(err, manifest.ErrUnknownBrain) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
