// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gaiahq/gaia/internal/approval"
	"github.com/gaiahq/gaia/internal/idle"
	"github.com/gaiahq/gaia/internal/sleepwake"
	"github.com/gaiahq/gaia/internal/timeline"
	"github.com/gaiahq/gaia/internal/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiRig struct {
	mgr  *sleepwake.Manager
	idle *idle.Monitor
	srv  *httptest.Server
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	cfg := sleepwake.DefaultManagerConfig()
	cfg.DrowsyGrace = time.Millisecond
	tl := timeline.New(t.TempDir())

	rig := &apiRig{
		mgr:  sleepwake.NewManager(cfg, tl),
		idle: idle.NewMonitor(),
	}
	sched := sleepwake.NewScheduler(tl)
	require.NoError(t, sleepwake.RegisterBuiltinTasks(sched, tl))
	wd := watchdog.New(watchdog.DefaultConfig(), nil, nil, nil, nil)

	server := NewServer(rig.mgr, sched, rig.idle, approval.NewStore(), wd)
	rig.srv = httptest.NewServer(server.Routes())
	t.Cleanup(rig.srv.Close)
	return rig
}

func (r *apiRig) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, r.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (r *apiRig) sleepNow(t *testing.T) {
	t.Helper()
	require.True(t, r.mgr.InitiateDrowsy(context.Background()))
	require.Equal(t, sleepwake.StateAsleep, r.mgr.State())
}

func decodeMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestHealthEndpoint(t *testing.T) {
	r := newAPIRig(t)
	resp := r.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "gaia-core", body["service"])
}

func TestWakeEndpointRecordsActivity(t *testing.T) {
	r := newAPIRig(t)
	resp := r.do(t, http.MethodPost, "/sleep/wake", map[string]string{"source": "discord"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeMap(t, resp)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "ACTIVE", body["state"])
	assert.NotEmpty(t, body["timestamp"])

	_, source := r.idle.LastActivity()
	assert.Equal(t, "discord", source)
}

func TestWakeEndpointWhileAsleep(t *testing.T) {
	r := newAPIRig(t)
	r.sleepNow(t)

	resp := r.do(t, http.MethodPost, "/sleep/wake", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, "ASLEEP", body["state"], "transition happens on the next loop tick")
	assert.True(t, r.mgr.WakeSignalPending())
}

func TestSleepStatusShape(t *testing.T) {
	r := newAPIRig(t)
	resp := r.do(t, http.MethodGet, "/sleep/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeMap(t, resp)
	assert.Equal(t, "ACTIVE", body["state"])
	assert.Contains(t, body, "seconds_in_state")
	assert.Equal(t, false, body["wake_signal_pending"])
	assert.NotContains(t, body, "current_task")
}

func TestTasksEndpoint(t *testing.T) {
	r := newAPIRig(t)
	resp := r.do(t, http.MethodGet, "/sleep/tasks", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Tasks []sleepwake.TaskView `json:"tasks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Tasks, 4)
}

func TestStudyHandoffRoundTrip(t *testing.T) {
	r := newAPIRig(t)
	r.sleepNow(t)

	resp := r.do(t, http.MethodPost, "/sleep/study-handoff",
		map[string]string{"direction": "prime_to_study", "handoff_id": "h-42"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "DREAMING", body["state"])

	back := r.do(t, http.MethodPost, "/sleep/study-handoff",
		map[string]string{"direction": "study_to_prime", "handoff_id": "h-42"})
	assert.Equal(t, http.StatusOK, back.StatusCode)
	assert.Equal(t, "ASLEEP", decodeMap(t, back)["state"])
}

func TestStudyHandoffRejections(t *testing.T) {
	r := newAPIRig(t)

	bad := r.do(t, http.MethodPost, "/sleep/study-handoff",
		map[string]string{"direction": "sideways"})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	// ACTIVE -> DREAMING is not a legal transition
	illegal := r.do(t, http.MethodPost, "/sleep/study-handoff",
		map[string]string{"direction": "prime_to_study", "handoff_id": "h-1"})
	assert.Equal(t, http.StatusConflict, illegal.StatusCode)
	assert.Equal(t, sleepwake.StateActive, r.mgr.State(), "rejected request mutates nothing")
}

func TestDistractedCheck(t *testing.T) {
	r := newAPIRig(t)

	resp := r.do(t, http.MethodGet, "/sleep/distracted-check", nil)
	body := decodeMap(t, resp)
	assert.Equal(t, "ACTIVE", body["state"])
	assert.NotContains(t, body, "canned_response")

	r.sleepNow(t)
	asleep := r.do(t, http.MethodGet, "/sleep/distracted-check", nil)
	asleepBody := decodeMap(t, asleep)
	assert.Equal(t, "ASLEEP", asleepBody["state"])
	assert.NotEmpty(t, asleepBody["canned_response"])
}

func TestShutdownEndpoint(t *testing.T) {
	r := newAPIRig(t)
	resp := r.do(t, http.MethodPost, "/sleep/shutdown", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeMap(t, resp)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "offline", body["state"])
	assert.Equal(t, sleepwake.StateOffline, r.mgr.State())
}

func TestHAStatusEndpoint(t *testing.T) {
	r := newAPIRig(t)
	resp := r.do(t, http.MethodGet, "/ha/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, "DEGRADED", body["ha_status"], "no sweep has run yet")
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

func TestApprovalWorkflow(t *testing.T) {
	r := newAPIRig(t)

	created := r.do(t, http.MethodPost, "/approvals", map[string]any{
		"method":   "update_config",
		"params":   map[string]any{"key": "drowsy_grace", "value": "90s"},
		"proposal": "Increase the drowsy grace window to 90 seconds",
	})
	require.Equal(t, http.StatusCreated, created.StatusCode)
	var pending approval.Pending
	require.NoError(t, json.NewDecoder(created.Body).Decode(&pending))
	assert.Len(t, pending.Challenge, 5)

	list := r.do(t, http.MethodGet, "/approvals", nil)
	var listBody struct {
		Pending []approval.View `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&listBody))
	require.Len(t, listBody.Pending, 1)

	wrong := r.do(t, http.MethodPost, "/approvals/"+pending.ActionID+"/approve",
		map[string]string{"challenge": pending.Challenge})
	assert.Equal(t, http.StatusForbidden, wrong.StatusCode, "unreversed challenge rejected")

	ok := r.do(t, http.MethodPost, "/approvals/"+pending.ActionID+"/approve",
		map[string]string{"challenge": reverse(pending.Challenge)})
	require.Equal(t, http.StatusOK, ok.StatusCode)
	okBody := decodeMap(t, ok)
	assert.Equal(t, true, okBody["approved"])

	gone := r.do(t, http.MethodPost, "/approvals/"+pending.ActionID+"/approve",
		map[string]string{"challenge": reverse(pending.Challenge)})
	assert.Equal(t, http.StatusNotFound, gone.StatusCode, "approval consumes the action")
}

func TestApprovalCreateRequiresMethod(t *testing.T) {
	r := newAPIRig(t)
	resp := r.do(t, http.MethodPost, "/approvals", map[string]any{"params": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApprovalCancel(t *testing.T) {
	r := newAPIRig(t)
	created := r.do(t, http.MethodPost, "/approvals", map[string]any{"method": "noop"})
	var pending approval.Pending
	require.NoError(t, json.NewDecoder(created.Body).Decode(&pending))

	cancel := r.do(t, http.MethodPost, "/approvals/"+pending.ActionID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, cancel.StatusCode)

	again := r.do(t, http.MethodPost, "/approvals/"+pending.ActionID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestRequestIDEchoed(t *testing.T) {
	r := newAPIRig(t)

	resp := r.do(t, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), "minted when absent")

	req, err := http.NewRequest(http.MethodGet, r.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	echo, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = echo.Body.Close() }()
	assert.Equal(t, "req-123", echo.Header.Get("X-Request-ID"))
}

func TestWakeRateLimited(t *testing.T) {
	r := newAPIRig(t)

	var limited bool
	for i := 0; i < 40; i++ {
		resp := r.do(t, http.MethodPost, "/sleep/wake", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.True(t, limited, "burst beyond the limit is throttled")
}
