package webhook_test

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/monitor"
	"github.com/brainyard/brainrun/brain/webhook"
)

type stubSignaler struct {
	ok  bool
	err error
}

func (s *stubSignaler) Signal(_ context.Context, _ string, _ fsm.SignalType, _ any) (bool, error) {
	return s.ok, s.err
}

func TestDeliverNotFound(t *testing.T) {
	mon := monitor.NewStore()
	r := webhook.New(mon, &stubSignaler{ok: true})

	res := r.Deliver(context.Background(), "slack", "T123", "", nil, nil)
	assert.Equal(t, 404, res.Status)
	assert.Equal(t, api.WebhookActionNotFound, res.Body.Action)
	assert.True(t, res.Body.Received)
}

func TestDeliverCSRFMismatch(t *testing.T) {
	mon := monitor.NewStore()
	mon.CreateRun("r1", "onboarding", "", nil, nil)
	mon.Append("r1", api.Event{Type: api.EventStart}, fsm.Running)
	mon.Append("r1", api.Event{Type: api.EventWebhook, StepTitle: "approve"}, fsm.Waiting)
	mon.RegisterWaiter(monitor.Waiter{RunID: "r1", Slug: "slack", Identifier: "T123", ExpectedToken: "secret"})
	r := webhook.New(mon, &stubSignaler{ok: true})

	res := r.Deliver(context.Background(), "slack", "T123", "wrong", nil, nil)
	assert.Equal(t, 403, res.Status)
	assert.Equal(t, api.WebhookActionIgnored, res.Body.Action)
	assert.False(t, res.Body.Received)

	// a corrected resubmission still finds the waiter, since the mismatch
	// branch never consumed it.
	res = r.Deliver(context.Background(), "slack", "T123", "secret", map[string]any{"ok": true}, nil)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, api.WebhookActionResumed, res.Body.Action)
	assert.Equal(t, "r1", res.Body.BrainRunID)
}

func TestDeliverNoTokenConfiguredDevModeLogsButSucceeds(t *testing.T) {
	mon := monitor.NewStore()
	mon.CreateRun("r1", "onboarding", "", nil, nil)
	mon.Append("r1", api.Event{Type: api.EventStart}, fsm.Running)
	mon.Append("r1", api.Event{Type: api.EventWebhook, StepTitle: "approve"}, fsm.Waiting)
	mon.RegisterWaiter(monitor.Waiter{RunID: "r1", Slug: "slack", Identifier: "T123"})
	r := webhook.New(mon, &stubSignaler{ok: true}, webhook.WithDevMode(true))

	res := r.Deliver(context.Background(), "slack", "T123", "", map[string]any{"ok": true}, nil)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, api.WebhookActionResumed, res.Body.Action)
}

func TestDeliverInadmissibleStatusIgnored(t *testing.T) {
	mon := monitor.NewStore()
	mon.CreateRun("r1", "onboarding", "", nil, nil)
	mon.Append("r1", api.Event{Type: api.EventStart}, fsm.Running)
	// never transitions to Waiting: the waiter is registered but the run's
	// status has since moved on (e.g. completed) before delivery arrives.
	mon.RegisterWaiter(monitor.Waiter{RunID: "r1", Slug: "slack", Identifier: "T123"})
	mon.Append("r1", api.Event{Type: api.EventComplete}, fsm.Complete)
	r := webhook.New(mon, &stubSignaler{ok: true})

	res := r.Deliver(context.Background(), "slack", "T123", "", nil, nil)
	assert.Equal(t, 409, res.Status)
	assert.Equal(t, api.WebhookActionIgnored, res.Body.Action)

	// the waiter is left in place on the inadmissible branch; a later
	// attempt with the same state still reports ignored rather than
	// resurfacing as not_found.
	_, err := mon.FindWaitingBrain("slack", "T123")
	require.NoError(t, err)
}

func TestDeliverSignalerRejectsStillIgnored(t *testing.T) {
	mon := monitor.NewStore()
	mon.CreateRun("r1", "onboarding", "", nil, nil)
	mon.Append("r1", api.Event{Type: api.EventStart}, fsm.Running)
	mon.Append("r1", api.Event{Type: api.EventWebhook, StepTitle: "approve"}, fsm.Waiting)
	mon.RegisterWaiter(monitor.Waiter{RunID: "r1", Slug: "slack", Identifier: "T123"})
	r := webhook.New(mon, &stubSignaler{ok: false})

	res := r.Deliver(context.Background(), "slack", "T123", "", nil, nil)
	assert.Equal(t, 409, res.Status)
	assert.Equal(t, api.WebhookActionIgnored, res.Body.Action)
}

func TestDeliverVerificationChallengePassesThroughWithoutTouchingRun(t *testing.T) {
	mon := monitor.NewStore()
	r := webhook.New(mon, &stubSignaler{ok: true})
	r.RegisterVerifier("slack", func(body []byte) (string, bool) {
		return "echo-me", string(body) == "challenge-body"
	})

	res := r.Deliver(context.Background(), "slack", "T123", "", nil, []byte("challenge-body"))
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, api.WebhookActionVerification, res.Body.Action)
	assert.Equal(t, "echo-me", res.Body.Challenge)
}

func TestDecodeJSONPayloadExtractsToken(t *testing.T) {
	payload, token, err := webhook.DecodeJSONPayload([]byte(`{"ok":true,"__positronic_token":"secret"}`))
	require.NoError(t, err)
	assert.Equal(t, "secret", token)
	assert.Equal(t, true, payload["ok"])
}

func TestDeliverUIFormMissingIdentifier(t *testing.T) {
	mon := monitor.NewStore()
	r := webhook.New(mon, &stubSignaler{ok: true})

	res := r.DeliverUIForm(context.Background(), url.Values{"name": {"Ada"}})
	assert.Equal(t, 400, res.Status)
	assert.False(t, res.Body.Received)
}

func TestDeliverUIFormResumesRun(t *testing.T) {
	mon := monitor.NewStore()
	mon.CreateRun("r1", "onboarding", "", nil, nil)
	mon.Append("r1", api.Event{Type: api.EventStart}, fsm.Running)
	mon.Append("r1", api.Event{Type: api.EventWebhook, StepTitle: "approve"}, fsm.Waiting)
	mon.RegisterWaiter(monitor.Waiter{RunID: "r1", Slug: "system/ui-form", Identifier: "r1", ExpectedToken: "tok"})
	r := webhook.New(mon, &stubSignaler{ok: true})

	res := r.DeliverUIForm(context.Background(), url.Values{
		"identifier":          {"r1"},
		"__positronic_token":  {"tok"},
		"name":                {"Ada"},
	})
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, api.WebhookActionResumed, res.Body.Action)
}

func TestDecodeFormPayloadPreservesArrayFields(t *testing.T) {
	values := url.Values{
		"name":        {"Ada"},
		"interests[]": {"go", "systems"},
		"__positronic_token": {"tok"},
	}
	payload, token := webhook.DecodeFormPayload(values)
	assert.Equal(t, "Ada", payload["name"])
	assert.Equal(t, []string{"go", "systems"}, payload["interests"])
	assert.Equal(t, "tok", token)
}
