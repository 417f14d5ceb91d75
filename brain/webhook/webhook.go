// Package webhook is the Webhook Router (spec.md §4.G): it matches an
// incoming delivery to a `(slug, identifier)` waiter registered by the
// Durable Runner, validates the delivery's CSRF token, consults the Run
// State Machine for admissibility, and — on success — enqueues a
// WEBHOOK_RESPONSE signal and wakes the runner. No pack repo ships a
// literal webhook router; the closed `{received, action}` response
// vocabulary is modeled on the teacher's closed-event-type style
// (runtime/agent/hooks/events.go). The router has no net/http handler of
// its own: brain/httpapi's chi handlers call Deliver and DeliverUIForm.
package webhook

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/monitor"
	"github.com/brainyard/brainrun/brain/telemetry"
)

// CSRFTokenField is the body field a JSON delivery's CSRF token is read
// from, matching the source system's convention (spec.md S5).
const CSRFTokenField = "__positronic_token"

// VerificationFunc inspects a delivery's raw body before waiter lookup and
// may short-circuit the request entirely, returning the challenge value to
// echo back untouched (Slack/Stripe style URL verification challenges).
// ok is false when body is not a verification request, in which case normal
// waiter matching proceeds.
type VerificationFunc func(body []byte) (challenge string, ok bool)

// Signaler is the subset of runner.Runner the router needs: delivering a
// signal only once it has already been judged admissible against the run's
// current status (P4). runner.Runner satisfies this directly.
type Signaler interface {
	Signal(ctx context.Context, runID string, sigType fsm.SignalType, payload any) (ok bool, err error)
}

// Waiters is the subset of monitor.Store the router reads/consumes waiters
// through.
type Waiters interface {
	FindWaitingBrain(slug, identifier string) (monitor.Waiter, error)
	ConsumeWaiter(slug, identifier string) (monitor.Waiter, error)
	Status(runID string) (fsm.Status, error)
}

// Router is the Webhook Router. Construct with New, optionally attach
// per-slug VerificationFuncs with RegisterVerifier, then call Deliver and
// DeliverUIForm from HTTP handlers.
type Router struct {
	waiters   Waiters
	signaler  Signaler
	logger    telemetry.Logger
	devMode   bool
	verifiers map[string]VerificationFunc
}

// Option configures a Router.
type Option func(*Router)

// WithLogger injects a structured logger; defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option { return func(r *Router) { r.logger = l } }

// WithDevMode enables the token-missing warning spec.md §6 describes for
// NODE_ENV=development: when neither side of a delivery presents a CSRF
// token, the request is still honored, but a warning is logged instead of
// proceeding silently.
func WithDevMode(dev bool) Option { return func(r *Router) { r.devMode = dev } }

// New constructs a Router backed by waiters for waiter lookup/consumption
// and signaler for admissibility-checked WEBHOOK_RESPONSE delivery.
func New(waiters Waiters, signaler Signaler, opts ...Option) *Router {
	r := &Router{
		waiters:   waiters,
		signaler:  signaler,
		logger:    telemetry.NewNoopLogger(),
		verifiers: make(map[string]VerificationFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterVerifier attaches a verification-challenge handler for slug,
// consulted before waiter matching.
func (r *Router) RegisterVerifier(slug string, fn VerificationFunc) {
	r.verifiers[slug] = fn
}

// Result bundles the response body spec.md §6 describes with the HTTP
// status code it maps to, since the router has no HTTP dependency of its
// own beyond form decoding (brain/httpapi owns the actual net/http wiring).
type Result struct {
	Status int
	Body   api.WebhookResponse
}

// Deliver runs the algorithm of spec.md §4.G for a webhook addressed at
// (slug, identifier), with the delivery's body already parsed into a
// generic JSON value and token extracted by the caller (JSON body field or
// form field, depending on content type).
func (r *Router) Deliver(ctx context.Context, slug, identifier, token string, payload any, rawBody []byte) Result {
	if verify, ok := r.verifiers[slug]; ok {
		if challenge, matched := verify(rawBody); matched {
			return Result{Status: 200, Body: api.WebhookResponse{
				Received: true, Action: api.WebhookActionVerification, Challenge: challenge,
			}}
		}
	}

	waiter, err := r.waiters.FindWaitingBrain(slug, identifier)
	if err != nil {
		return Result{Status: 404, Body: api.WebhookResponse{Received: true, Action: api.WebhookActionNotFound}}
	}

	if waiter.ExpectedToken == "" && token == "" {
		if r.devMode {
			r.logger.Warn(ctx, "webhook delivered with no CSRF token configured", "slug", slug, "identifier", identifier)
		}
	} else if waiter.ExpectedToken != "" && (token == "" || token != waiter.ExpectedToken) {
		return Result{Status: 403, Body: api.WebhookResponse{
			Received: false, Action: api.WebhookActionIgnored, Identifier: identifier, Reason: "token mismatch",
		}}
	}

	status, err := r.waiters.Status(waiter.RunID)
	if err != nil || !fsm.IsSignalValid(status, fsm.SignalWebhookResponse) {
		return Result{Status: 409, Body: api.WebhookResponse{
			Received: true, Action: api.WebhookActionIgnored, Identifier: identifier, BrainRunID: waiter.RunID,
			Reason: "run is not awaiting a webhook response",
		}}
	}

	if _, err := r.waiters.ConsumeWaiter(slug, identifier); err != nil {
		return Result{Status: 404, Body: api.WebhookResponse{Received: true, Action: api.WebhookActionNotFound}}
	}

	ok, err := r.signaler.Signal(ctx, waiter.RunID, fsm.SignalWebhookResponse, payload)
	if err != nil || !ok {
		return Result{Status: 409, Body: api.WebhookResponse{
			Received: true, Action: api.WebhookActionIgnored, Identifier: identifier, BrainRunID: waiter.RunID,
			Reason: "run is not awaiting a webhook response",
		}}
	}

	return Result{Status: 200, Body: api.WebhookResponse{
		Received: true, Action: api.WebhookActionResumed, Identifier: identifier, BrainRunID: waiter.RunID,
	}}
}

// DecodeJSONPayload parses a JSON delivery body into a generic value and
// extracts its CSRF token field, per CSRFTokenField.
func DecodeJSONPayload(body []byte) (payload map[string]any, token string, err error) {
	if len(body) == 0 {
		return map[string]any{}, "", nil
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "", err
	}
	if v, ok := payload[CSRFTokenField].(string); ok {
		token = v
	}
	return payload, token, nil
}

// DeliverUIForm handles the built-in system/ui-form slug: identifier and the
// CSRF token both travel as form fields rather than a query parameter and
// JSON body field, and a missing identifier is rejected before any waiter
// lookup (spec.md §4.G).
func (r *Router) DeliverUIForm(ctx context.Context, values url.Values) Result {
	identifier := values.Get("identifier")
	if identifier == "" {
		return Result{Status: 400, Body: api.WebhookResponse{
			Received: false, Action: api.WebhookActionIgnored, Reason: "missing identifier",
		}}
	}
	payload, token := DecodeFormPayload(values)
	delete(payload, "identifier")
	return r.Deliver(ctx, "system/ui-form", identifier, token, payload, nil)
}

// DecodeFormPayload parses url.Values (a decoded application/x-www-form-urlencoded
// or multipart/form-data body, the shape the built-in system/ui-form webhook
// consumes) into `{key: string | string[]}`, preserving `key[]` array
// semantics per spec.md §4.G.
func DecodeFormPayload(values url.Values) (payload map[string]any, token string) {
	payload = make(map[string]any, len(values))
	for k, vs := range values {
		key := strings.TrimSuffix(k, "[]")
		if strings.HasSuffix(k, "[]") || len(vs) > 1 {
			payload[key] = append([]string(nil), vs...)
		} else if len(vs) == 1 {
			payload[key] = vs[0]
		}
	}
	if v, ok := payload[CSRFTokenField].(string); ok {
		token = v
	}
	return payload, token
}
