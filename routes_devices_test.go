package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statuslanes/app"
	"statuslanes/calsync"
	"statuslanes/config"
	"statuslanes/providers"
	"statuslanes/status"
	"statuslanes/webhook"
)

var testNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type stubSource struct {
	events []status.NormalizedEvent
	err    error
}

func (s *stubSource) Fetch(ctx context.Context, device *status.Device, ref status.CalendarRef, w providers.Window) ([]status.NormalizedEvent, error) {
	return s.events, s.err
}

type webhookReceiver struct {
	mu       sync.Mutex
	payloads []webhook.Payload
	server   *httptest.Server
}

func newWebhookReceiver(t *testing.T) *webhookReceiver {
	t.Helper()
	rec := &webhookReceiver{}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.payloads = append(rec.payloads, p)
		rec.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (rec *webhookReceiver) received() []webhook.Payload {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]webhook.Payload(nil), rec.payloads...)
}

type testEnv struct {
	svc      *app.App
	source   *stubSource
	receiver *webhookReceiver
	server   *server
	router   http.Handler
	mu       sync.Mutex
	synced   []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{source: &stubSource{}, receiver: newWebhookReceiver(t)}
	policy := webhook.DefaultRetryPolicy()
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	svc, err := app.New(client, config.RuntimeConfig{SyncConcurrency: 2}, app.Options{
		WebhookClient: env.receiver.server.Client(),
		RetryPolicy:   &policy,
		Sources:       map[status.Provider]calsync.EventSource{status.ProviderICS: env.source},
		Now:           func() time.Time { return testNow },
	})
	require.NoError(t, err)
	env.svc = svc

	env.server = newServer(svc, func(deviceID string) {
		env.mu.Lock()
		env.synced = append(env.synced, deviceID)
		env.mu.Unlock()
	})
	env.server.feed = svc.Feed.WithBlock(200 * time.Millisecond)
	env.router = newRouter(env.server)
	return env
}

func (env *testEnv) dispatched() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]string(nil), env.synced...)
}

func (env *testEnv) putDevice(t *testing.T, id string, calendars ...status.CalendarRef) {
	t.Helper()
	require.NoError(t, env.svc.Store.PutDevice(context.Background(), id, status.DeviceConfig{
		WebhookURL: env.receiver.server.URL,
		Timezone:   "UTC",
		DateFormat: status.DateYMD,
		TimeFormat: status.Time24h,
		Statuses: []status.StatusDefinition{
			{Key: 1, Label: "Available", Enabled: true},
			{Key: 2, Label: "In a meeting", Enabled: true},
			{Key: 3, Label: "Out of office", Enabled: true},
		},
		Rules: status.ClassificationRules{
			MeetingStatusKey: 2,
			OOOStatusKey:     3,
			IdleStatusKey:    1,
		},
		Calendars: calendars,
	}))
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

var icsCalendar = status.CalendarRef{Provider: status.ProviderICS, URL: "https://calendar.example.com/team.ics"}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "statuslanes", resp.Service)
	assert.Equal(t, VERSION, resp.Version)
}

func TestSyncRouteAppliesMeetingAndSchedulesWake(t *testing.T) {
	env := newTestEnv(t)
	env.putDevice(t, "lobby", icsCalendar)
	meetingEnd := testNow.Add(30 * time.Minute)
	env.source.events = []status.NormalizedEvent{
		{Start: testNow.Add(-30 * time.Minute), End: meetingEnd, Title: "Design review"},
	}

	rr := env.do(t, http.MethodPost, "/devices/lobby/sync", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var report calsync.DeviceReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Cached)
	assert.Equal(t, status.StateEventActive, report.State)
	assert.True(t, report.Pushed)

	payloads := env.receiver.received()
	require.Len(t, payloads, 1)
	assert.Equal(t, "In a meeting", payloads[0].MergeVariables["status"])
	assert.Equal(t, "2", payloads[0].MergeVariables["status_key"])
	assert.Equal(t, "calendar", payloads[0].MergeVariables["source"])
	assert.Equal(t, "2024-03-04 10:30", payloads[0].MergeVariables["until"])
	assert.Equal(t, "replace", payloads[0].MergeStrategy)

	rr = env.do(t, http.MethodGet, "/devices/lobby", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var dev deviceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dev))
	assert.Equal(t, 2, dev.Device.Active.Key)
	assert.Equal(t, "2024-03-04 10:00", dev.UpdatedAt)
	require.Len(t, dev.PendingWakeups, 1)
	assert.True(t, dev.PendingWakeups[0].Equal(meetingEnd))

	// A second sync with the same events changes nothing.
	rr = env.do(t, http.MethodPost, "/devices/lobby/sync", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, env.receiver.received(), 1)
}

func TestSyncRouteErrors(t *testing.T) {
	env := newTestEnv(t)
	env.putDevice(t, "bare")
	env.putDevice(t, "lobby", icsCalendar)
	env.putDevice(t, "outlook", status.CalendarRef{Provider: status.ProviderOutlook, ID: "primary"})

	rr := env.do(t, http.MethodPost, "/devices/missing/sync", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodPost, "/devices/bare/sync", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "no calendars")

	rr = env.do(t, http.MethodPost, "/devices/outlook/sync", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	env.source.err = errors.New("feed unreachable")
	rr = env.do(t, http.MethodPost, "/devices/lobby/sync", nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "feed unreachable")
	assert.Empty(t, env.receiver.received())
}

func TestReconcileRoute(t *testing.T) {
	env := newTestEnv(t)
	env.putDevice(t, "lobby", icsCalendar)

	rr := env.do(t, http.MethodPost, "/devices/lobby/reconcile", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var res resultResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, status.StateEmpty, res.State)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Cache)

	unlock, err := env.svc.Locker.Lock(context.Background(), "lobby", time.Minute)
	require.NoError(t, err)
	defer unlock()

	rr = env.do(t, http.MethodPost, "/devices/lobby/reconcile", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, "/devices/missing/reconcile", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSetStatusRoute(t *testing.T) {
	env := newTestEnv(t)
	env.putDevice(t, "lobby", icsCalendar)

	rr := env.do(t, http.MethodPost, "/devices/lobby/status", status.StatusRequest{Key: 3})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res resultResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.Changed)
	assert.True(t, res.Pushed)
	assert.Equal(t, "Out of office", res.Active.Label)
	assert.Equal(t, status.SourceManual, res.Active.Source)
	assert.Equal(t, 3, res.Active.PreferredKey)

	rr = env.do(t, http.MethodPost, "/devices/lobby/status", status.StatusRequest{Key: 1, Label: "Back at 2", Source: status.SourceAutomation})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "Back at 2", res.Active.Label)
	assert.Equal(t, 3, res.Active.PreferredKey, "automation leaves the preferred status alone")

	payloads := env.receiver.received()
	require.Len(t, payloads, 2)
	assert.Equal(t, "automation", payloads[1].MergeVariables["source"])
}

func TestSetStatusRouteRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	env.putDevice(t, "lobby", icsCalendar)

	tests := []struct {
		name string
		body any
		code int
	}{
		{name: "missing key", body: map[string]any{"label": "Busy"}, code: http.StatusBadRequest},
		{name: "unknown key", body: status.StatusRequest{Key: 9}, code: http.StatusBadRequest},
		{name: "bad source", body: status.StatusRequest{Key: 1, Source: status.SourceCalendar}, code: http.StatusBadRequest},
		{name: "long label", body: status.StatusRequest{Key: 1, Label: string(bytes.Repeat([]byte("x"), 61))}, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/devices/lobby/status", tt.body)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/devices/lobby/status", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/devices/missing/status", status.StatusRequest{Key: 1})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, env.receiver.received())
}

func TestGetDeviceNotFound(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/devices/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
