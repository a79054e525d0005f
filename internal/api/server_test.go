package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sleepwake/internal/clock"
	"sleepwake/internal/config"
	"sleepwake/internal/metrics"
	"sleepwake/internal/player"
	"sleepwake/internal/sleepwake"
	"sleepwake/internal/timeofday"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	server  *Server
	service *sleepwake.Service
	player  *player.MockClient
	metrics *metrics.Metrics
	http    *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	mock := player.NewMockClient(40)
	resolver := &timeofday.Resolver{}
	store := config.NewStore(filepath.Join(t.TempDir(), "sleepwake.yaml"), resolver.Validate, logger)
	m := metrics.New()

	svc := sleepwake.NewService(mock, store, resolver, nil, clk, m, logger)
	require.NoError(t, svc.Start())

	srv := NewServer(svc, m, logger, 0)
	srv.startEvents()
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.stopEvents()
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, svc.Stop(ctx))
	})

	return &testServer{server: srv, service: svc, player: mock, metrics: m, http: ts}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// frame is an envelope with the payload left raw
type frame struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts"`
	Data json.RawMessage `json:"data"`
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.server.handleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])
}

func TestSitemap(t *testing.T) {
	ts := newTestServer(t)

	t.Run("plain text for terminals", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "/api/events/{name}/fire")
		assert.Contains(t, string(body), "/metrics")
	})

	t.Run("html for browsers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		w := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), "<h1>Sleep/Wake API</h1>")
	})
}

func TestPrefersHTML(t *testing.T) {
	assert.True(t, prefersHTML("text/html"))
	assert.True(t, prefersHTML("*/*"))
	assert.False(t, prefersHTML("application/json"))
	assert.False(t, prefersHTML(""))
}

func TestGetSettings(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got config.Settings
	decode(t, resp, &got)
	assert.Equal(t, config.Defaults(), got)
}

func TestSaveSettings(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPut, "/api/settings", `{"sleepTime":"23:30","minutesFade":30}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got config.Settings
	decode(t, resp, &got)
	assert.Equal(t, "23:30", got.SleepTime)
	assert.Equal(t, 30, got.MinutesFade)
	assert.Equal(t, "07:00", got.WakeTime, "untouched fields keep their value")

	next := ts.service.NextFires()
	assert.Equal(t, time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC), next["sleep"])

	// POST is accepted too
	resp = ts.do(t, http.MethodPost, "/api/settings", `{"playlist":"birds"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "birds", ts.service.Store().Snapshot().Playlist)
}

func TestSaveSettingsValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPut, "/api/settings", `{"wakeTime":"25:00","startVolume":150}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	decode(t, resp, &body)
	assert.Contains(t, body.Fields, "wakeTime")
	assert.Contains(t, body.Fields, "startVolume")
	assert.Equal(t, config.Defaults(), ts.service.Store().Snapshot(), "nothing persisted")

	resp = ts.do(t, http.MethodPut, "/api/settings", `{"bedtime":"22:00"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")

	resp = ts.do(t, http.MethodPut, "/api/settings", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/metrics", "")
	body2, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body2), `sleepwake_settings_saves_total{result="invalid"} 3`)
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		State string                `json:"state"`
		Next  map[string]*time.Time `json:"next"`
	}
	decode(t, resp, &got)
	assert.Equal(t, "idle", got.State)
	require.NotNil(t, got.Next["sleep"])
	require.NotNil(t, got.Next["wake"])
	assert.True(t, got.Next["sleep"].Equal(time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC)))
	assert.True(t, got.Next["wake"].Equal(time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC)))
}

func TestFire(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/events/nap/fire", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/events/sleep/fire", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	_, err := ts.service.Store().Save(config.Patch{
		VolumeDecrease: intPtr(2),
		MinutesFade:    intPtr(0),
	})
	require.NoError(t, err)

	resp = ts.do(t, http.MethodPost, "/api/events/sleep/fire", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		return len(ts.player.CallsOf(player.OpStop)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{39, 38}, ts.player.SetVolumes())
}

func TestWebsocketStream(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() frame {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	first := read()
	assert.Equal(t, "state_init", first.Type)
	require.NotNil(t, first.Ts)
	var initial struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(first.Data, &initial))
	assert.Equal(t, "idle", initial.State)

	_, err = ts.service.Store().Save(config.Patch{
		VolumeDecrease: intPtr(2),
		MinutesFade:    intPtr(0),
	})
	require.NoError(t, err)
	require.NoError(t, ts.service.Fire("sleep"))

	var types []string
	var volumes []int
	for {
		env := read()
		types = append(types, env.Type)
		raw := env.Data

		if env.Type == "ramp_step" {
			var step rampStepData
			require.NoError(t, json.Unmarshal(raw, &step))
			assert.Equal(t, "sleep", step.Activity)
			volumes = append(volumes, step.Volume)
		}
		if env.Type == "state_changed" {
			var changed stateChangedData
			require.NoError(t, json.Unmarshal(raw, &changed))
			if changed.State == "idle" {
				break
			}
		}
	}

	assert.Equal(t, []string{"state_changed", "ramp_step", "ramp_step", "ramp_finished", "state_changed"}, types)
	assert.Equal(t, []int{39, 38}, volumes)
}

// state_init is the first frame even while broadcasts are flowing
func TestWebsocketInitComesFirst(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/ws"

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := []byte(`{"type":"tick"}`)
		for {
			select {
			case <-stop:
				return
			default:
				ts.server.hub.Broadcast(tick)
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	for i := 0; i < 20; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		assert.Equal(t, "state_init", f.Type, "connection %d", i)
		conn.Close()
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.server.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	// never read; the send buffer and socket eventually fill up
	noise := []byte(`{"type":"noise","data":"` + strings.Repeat("x", 64<<10) + `"}`)
	assert.Eventually(t, func() bool {
		ts.server.hub.Broadcast(noise)
		return ts.server.hub.Clients() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestEncodeEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 22, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	msg, ok := encodeEvent(sleepwake.Event{
		Type:     sleepwake.EventRampStep,
		Time:     at,
		RunID:    "r1",
		Activity: "sleep",
		Step:     3,
		Volume:   17,
	})
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"ramp_step","ts":"2024-05-01T20:00:00Z","data":{"run_id":"r1","activity":"sleep","step":3,"volume":17}}`, string(msg))

	_, ok = encodeEvent(sleepwake.Event{Type: "unknown"})
	assert.False(t, ok)
}

func intPtr(v int) *int { return &v }
