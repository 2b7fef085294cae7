package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/usagemeter"
	"github.com/ineyio/usagemeter/httpapi"
	"github.com/ineyio/usagemeter/meter"
	"github.com/ineyio/usagemeter/store/memory"
)

type testServer struct {
	srv   *httptest.Server
	clock *quartz.Mock
	store *memory.Store
}

func newTestServer(t *testing.T, opts ...usagemeter.Option) *testServer {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	st := memory.New()
	reg := prometheus.NewRegistry()

	registry := usagemeter.NewRegistry(append([]usagemeter.Option{
		usagemeter.WithClock(clock),
		usagemeter.WithStore(st),
		usagemeter.WithMeter(meter.NewPromMeter(reg)),
		usagemeter.WithIdleTimeout(0),
	}, opts...)...)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	h := httpapi.NewHandler(registry, httpapi.WithHistory(st), httpapi.WithMetrics(reg))
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, clock: clock, store: st}
}

func (s *testServer) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil))
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	var st usagemeter.Status
	code := s.do(t, http.MethodPost, "/v1/users/u1/init", `{"plan":"basic"}`, &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, usagemeter.PlanBasic, st.Plan)
	assert.Equal(t, int64(120), st.MinutesRemaining)

	var credits usagemeter.CreditCheck
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/users/u1/credits", "", &credits))
	assert.True(t, credits.Allowed)

	var started struct {
		SessionID string `json:"session_id"`
	}
	code = s.do(t, http.MethodPost, "/v1/users/u1/sessions", `{"topic":"travel","mode":"voice"}`, &started)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, started.SessionID)

	// A second start while the first is live conflicts.
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/v1/users/u1/sessions", "", nil))

	s.clock.Advance(5 * time.Second)
	var hb usagemeter.HeartbeatResult
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/users/u1/sessions/"+started.SessionID+"/heartbeat", "", &hb))
	assert.Equal(t, int64(1), hb.MinutesUsed)

	var end usagemeter.EndResult
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/users/u1/sessions/"+started.SessionID+"/end", `{"reason":"user_ended"}`, &end))
	assert.Equal(t, int64(1), end.MinutesUsed)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/users/u1/status", "", &st))
	assert.Equal(t, int64(1), st.MinutesUsed)
	assert.False(t, st.HasActiveSession)

	var history []map[string]any
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/users/u1/sessions?limit=5", "", &history))
	require.Len(t, history, 1)
	assert.Equal(t, "user_ended", history[0]["end_reason"])
	assert.Equal(t, "travel", history[0]["context"].(map[string]any)["topic"])
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	var e struct {
		Code string `json:"code"`
	}
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/users/nobody/status", "", &e))
	assert.Equal(t, "not_initialized", e.Code)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/users/u1/init", `{"plan":"platinum"}`, &e))
	assert.Equal(t, "unknown_plan", e.Code)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/users/u1/init", `{"plan":`, &e))
	assert.Equal(t, "bad_request", e.Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/users/u1/init", `{"plan":"free"}`, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/v1/users/u1/sessions/missing/heartbeat", "", &e))
	assert.Equal(t, "no_active_session", e.Code)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/users/u1/sessions/missing/end", `{"reason":"bored"}`, &e))
	assert.Equal(t, "bad_request", e.Code)

	var st usagemeter.Status
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/users/u1/plan", `{"plan":"pro","reset_usage":true}`, &st))
	assert.Equal(t, usagemeter.PlanPro, st.Plan)
	assert.Equal(t, int64(600), st.MinutesLimit)
}

func TestNoCredits_PaymentRequired(t *testing.T) {
	catalog := usagemeter.DefaultCatalog()
	catalog["trial"] = usagemeter.PlanTier{ID: "trial", Name: "Trial", MonthlyMinutes: 0}
	s := newTestServer(t, usagemeter.WithCatalog(catalog))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/users/u1/init", `{"plan":"trial"}`, nil))

	var credits usagemeter.CreditCheck
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/users/u1/credits", "", &credits))
	assert.False(t, credits.Allowed)
	assert.NotEmpty(t, credits.Reason)

	var e struct {
		Code string `json:"code"`
	}
	assert.Equal(t, http.StatusPaymentRequired, s.do(t, http.MethodPost, "/v1/users/u1/sessions", "", &e))
	assert.Equal(t, "no_credits", e.Code)
}

func TestEnsure_KeepsUsage(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/users/u1/init", `{"plan":"basic"}`, nil))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/users/u1/plan", `{"plan":"pro"}`, nil))

	var st usagemeter.Status
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/users/u1/init", `{"plan":"basic","ensure":true}`, &st))
	assert.Equal(t, usagemeter.PlanPro, st.Plan)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/users/u1/init", `{"plan":"basic"}`, nil))
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/users/u1/sessions", "", nil))

	resp, err := http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var sb strings.Builder
	_, err = io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "usagemeter_sessions_started_total")
}
