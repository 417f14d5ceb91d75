package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/engine/inmem"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/httpapi"
	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/manifest"
	"github.com/brainyard/brainrun/brain/monitor"
	"github.com/brainyard/brainrun/brain/runner"
	"github.com/brainyard/brainrun/brain/scheduler"
	"github.com/brainyard/brainrun/brain/webhook"
)

func newTestServer(t *testing.T) (*httpapi.Server, *monitor.Store) {
	t.Helper()
	mon := monitor.NewStore()
	eng := inmem.New()
	r := runner.New(mon, nil)

	waitBrain := &ir.Brain{
		Title: "approval-flow",
		Blocks: []ir.Block{
			ir.Step{Title: "ask", Action: func(_ context.Context, sc ir.StepContext) (ir.StepResult, error) {
				if sc.Response == nil {
					return ir.StepResult{
						WaitFor: []ir.WebhookRegistration{{Slug: "approve", Identifier: "r1"}},
					}, nil
				}
				return ir.StepResult{State: sc.Response}, nil
			}},
			ir.Step{Title: "done", Action: func(_ context.Context, sc ir.StepContext) (ir.StepResult, error) {
				return ir.StepResult{State: sc.State}, nil
			}},
		},
	}
	r.RegisterBrain(eng, waitBrain)
	r.RegisterWith(eng)

	m := manifest.New()
	m.Register(waitBrain, "approval")

	sch := scheduler.New(r, eng, m)
	wh := webhook.New(mon, r)

	s := httpapi.New(mon, m, r, r, sch, wh, eng)
	return s, mon
}

func TestListBrains(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/brains")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var brains []api.BrainSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&brains))
	require.Len(t, brains, 1)
	assert.Equal(t, "approval-flow", brains[0].Title)
}

func TestCreateRunUnknownBrainReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(api.CreateRunRequest{BrainTitle: "ghost"})
	resp, err := http.Post(srv.URL+"/brains/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRunThenKill(t *testing.T) {
	s, mon := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(api.CreateRunRequest{BrainTitle: "approval-flow"})
	resp, err := http.Post(srv.URL+"/brains/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created api.CreateRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.BrainRunID)

	waitForStatus(t, mon, created.BrainRunID, fsm.Waiting, 2*time.Second)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/brains/runs/"+created.BrainRunID, nil)
	require.NoError(t, err)
	killResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer killResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, killResp.StatusCode)

	waitForStatus(t, mon, created.BrainRunID, fsm.Cancelled, 2*time.Second)
}

func TestKillUnknownRunReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/brains/runs/does-not-exist", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignalsEndpointReturnsConflictWhenInadmissible(t *testing.T) {
	s, mon := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(api.CreateRunRequest{BrainTitle: "approval-flow"})
	resp, err := http.Post(srv.URL+"/brains/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var created api.CreateRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	waitForStatus(t, mon, created.BrainRunID, fsm.Waiting, 2*time.Second)

	// PAUSE is inadmissible from Waiting per the transition table.
	sigBody, _ := json.Marshal(api.SignalRequest{Type: string(fsm.SignalPause)})
	sigResp, err := http.Post(srv.URL+"/brains/runs/"+created.BrainRunID+"/signals", "application/json", bytes.NewReader(sigBody))
	require.NoError(t, err)
	defer sigResp.Body.Close()
	assert.Equal(t, http.StatusConflict, sigResp.StatusCode)
}

func TestScheduleCRUD(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(api.ScheduleRequest{BrainTitle: "approval-flow", Cron: "* * * * *", Enabled: true})
	resp, err := http.Post(srv.URL+"/schedules", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sched api.Schedule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sched))
	require.NotEmpty(t, sched.ID)

	listResp, err := http.Get(srv.URL + "/schedules")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var schedules []api.Schedule
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&schedules))
	assert.Len(t, schedules, 1)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/schedules/"+sched.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestWebhookNotFoundReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhooks/approve?identifier=r1", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body api.WebhookResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, api.WebhookActionNotFound, body.Action)
}

func TestWebhookResumesWaitingRun(t *testing.T) {
	s, mon := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(api.CreateRunRequest{BrainTitle: "approval-flow"})
	resp, err := http.Post(srv.URL+"/brains/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var created api.CreateRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	waitForStatus(t, mon, created.BrainRunID, fsm.Waiting, 2*time.Second)

	whResp, err := http.Post(srv.URL+"/webhooks/approve?identifier=r1", "application/json", bytes.NewReader([]byte(`{"approved":true}`)))
	require.NoError(t, err)
	defer whResp.Body.Close()
	assert.Equal(t, http.StatusOK, whResp.StatusCode)

	var whBody api.WebhookResponse
	require.NoError(t, json.NewDecoder(whResp.Body).Decode(&whBody))
	assert.Equal(t, api.WebhookActionResumed, whBody.Action)

	waitForStatus(t, mon, created.BrainRunID, fsm.Complete, 2*time.Second)
}

func waitForStatus(t *testing.T, mon *monitor.Store, runID string, want fsm.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got, err := mon.Status(runID); err == nil && got == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
}
