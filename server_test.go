package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "secret"

type advancingClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type testEnv struct {
	clock  advancingClock
	sim    *Simulator
	events *EventLog
	srv    *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	sim := newSimulator(SimulatorOptions{Clock: clock, Rand: constRand(0.5), SeedMinutes: 3})
	events := newEventLog(clock, 0)
	events.Observe(sim)
	telemetry := newTelemetry()
	telemetry.Observe(sim)
	controls := newDeviceControls("", events)

	srv := newServer(&Config{Token: testToken}, sim, events, controls, telemetry, zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.closeSubscribers()
		ts.Close()
		sim.Stop()
	})
	return &testEnv{clock: clock, sim: sim, events: events, srv: srv, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthIsOpen(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.http.URL + "/api/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	env.srv.SetToken("")
	resp2, err := http.Get(env.http.URL + "/api/snapshot")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestSnapshotEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := decode[DeviceMetrics](t, resp)
	assert.Equal(t, 73.0, snap.SyncLevel)
	assert.Equal(t, "3 minutes ago", snap.LastSyncLabel)
	assert.Equal(t, -42, snap.NetworkStrengthDbm)
}

func TestSyncEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/sync", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, decode[DeviceMetrics](t, resp).Syncing)

	env.clock.Advance(3100 * time.Millisecond)
	assert.Eventually(t, func() bool {
		snap := env.sim.Snapshot()
		return !snap.Syncing && snap.LastSyncLabel == "Just now"
	}, waitFor, pollEvery)
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPut, "/api/settings", `{"auto_sync":true,"volume":150,"brightness":10}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/settings", `{"volume":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/settings", `{"auto_sync":true,"power_save":true,"volume":30,"brightness":10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	settings := decode[DeviceSettings](t, resp)
	assert.Equal(t, 30, settings.Volume)
	assert.True(t, settings.PowerSave)

	resp = env.do(t, http.MethodGet, "/api/settings", "")
	assert.Equal(t, settings, decode[DeviceSettings](t, resp))
}

func TestNetworkEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/network", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[NetworkStatus](t, resp)
	assert.Equal(t, "SynqBox-Network", status.SSID)
	assert.Equal(t, "Excellent", status.SignalQuality)
	assert.True(t, status.Connected)

	resp = env.do(t, http.MethodPut, "/api/network", `{"ssid":"Lab","password":"longenough"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status = decode[NetworkStatus](t, resp)
	assert.Equal(t, "Lab", status.SSID)
	assert.Empty(t, status.Password)

	resp = env.do(t, http.MethodPut, "/api/network", `{"ssid":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPresetEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/presets", "")
	assert.Len(t, decode[[]Preset](t, resp), 3)

	resp = env.do(t, http.MethodPost, "/api/presets/3/activate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Sleep Mode", decode[Preset](t, resp).Name)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/presets/3/activate", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/presets/9/activate", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/presets/abc/activate", "").StatusCode)
}

func TestLogEndpoints(t *testing.T) {
	env := newTestEnv(t)
	seedEventLog(env.events)

	resp := env.do(t, http.MethodGet, "/api/logs?status=warning", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := decode[[]LogEntry](t, resp)
	require.Len(t, logs, 2)
	assert.Equal(t, "Connection Warning", logs[0].EventType)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/logs?status=loud", "").StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/logs", "")
	assert.Equal(t, map[string]int{"cleared": 8}, decode[map[string]int](t, resp))
	assert.Zero(t, env.events.Len())
}

func TestDeviceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/device", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, deviceInfo(), decode[DeviceInfo](t, resp))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.sim.tick()
	env.do(t, http.MethodGet, "/api/snapshot", "")

	scrape := func() string {
		resp, err := http.Get(env.http.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	// The request counter is bumped after the response has been written.
	var text string
	assert.Eventually(t, func() bool {
		text = scrape()
		return strings.Contains(text, `http_requests_total{endpoint="/api/snapshot",method="GET",status="200"} 1`)
	}, waitFor, pollEvery)
	assert.Contains(t, text, "synqbox_sync_level_percent 73")
	assert.Contains(t, text, "synqbox_sync_speed_mbps 47.5")
	assert.Contains(t, text, "synqbox_snapshots_published_total 1")
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(ServerMessage) bool) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	first := readUntil(t, conn, func(m ServerMessage) bool { return true })
	require.Equal(t, "snapshot", first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, "3 minutes ago", first.Snapshot.LastSyncLabel)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "request_sync"}))
	syncing := readUntil(t, conn, func(m ServerMessage) bool {
		return m.Type == "snapshot" && m.Snapshot.Syncing
	})
	assert.True(t, syncing.Snapshot.Syncing)

	started := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == "log" })
	assert.Equal(t, "Sync Started", started.Entry.EventType)

	env.clock.Advance(3 * time.Second)
	done := readUntil(t, conn, func(m ServerMessage) bool {
		return m.Type == "snapshot" && !m.Snapshot.Syncing
	})
	assert.Equal(t, "Just now", done.Snapshot.LastSyncLabel)
	readUntil(t, conn, func(m ServerMessage) bool {
		return m.Type == "log" && m.Entry.EventType == "Sync Completed"
	})

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "list_logs", Status: "success"}))
	logs := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == "logs" })
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, "Sync Completed", logs.Logs[0].EventType)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "reboot"}))
	errMsg := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == "error" })
	assert.Equal(t, "unknown message type: reboot", errMsg.Message)
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
