package mockserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walkerholic/fallwatch/internal/client"
)

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// offset shifts the server clock forward from t0.
type offset struct{ d atomic.Int64 }

func (o *offset) set(d time.Duration) { o.d.Store(int64(d)) }

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	s, ts, _ := newClockedServer(t, opts)
	return s, ts
}

func newClockedServer(t *testing.T, opts Options) (*Server, *httptest.Server, *offset) {
	t.Helper()
	opts.Seed = 7
	opts.Logger = quietLogger()
	s := New(opts)
	off := &offset{}
	s.now = func() time.Time { return t0.Add(time.Duration(off.d.Load())) }
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.hub.CloseAll()
		ts.Close()
	})
	return s, ts, off
}

// dial connects as user and consumes the connection_established frame, so
// the peer is registered with the hub when it returns.
func dial(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + user
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := readUntil(t, conn, client.MsgConnectionEstablished)
	assert.Contains(t, string(env.Data), user)
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, want client.MessageType) client.Envelope {
	t.Helper()
	var env client.Envelope
	require.NoError(t, json.Unmarshal(readRaw(t, conn, want), &env))
	return env
}

// readRaw returns the first frame of type want, skipping any others.
func readRaw(t *testing.T, conn *websocket.Conn, want client.MessageType) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		var env client.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == want {
			return data
		}
	}
}

func alertOf(t *testing.T, env client.Envelope) client.AlertPayload {
	t.Helper()
	var a client.AlertPayload
	require.NoError(t, json.Unmarshal(env.Data, &a))
	return a
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	out, err := client.NewHTTPClient(ts.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", out["status"])
}

func TestResolveWithoutEmergencyWarns(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp, err := client.NewHTTPClient(ts.URL).ResolveEmergency(context.Background(), "demo_user",
		client.ResolveRequest{ResolutionType: "user_ok"})
	require.NoError(t, err)
	assert.Equal(t, "warning", resp.Status)
}

func TestInjectedFallThenResolve(t *testing.T) {
	s, ts, clk := newClockedServer(t, Options{})
	conn := dial(t, ts, "demo_user")
	api := client.NewHTTPClient(ts.URL)
	ctx := context.Background()

	res, err := http.Post(ts.URL+"/api/mock/fall/demo_user", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	fall := alertOf(t, readUntil(t, conn, client.MsgFallAlert))
	assert.Equal(t, "demo_user", fall.UserID)
	assert.Equal(t, "HIGH", fall.EmergencyLevel)

	// A second fall while one is open is refused.
	res, err = http.Post(ts.URL+"/api/mock/fall/demo_user", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	st, err := api.CurrentEmergency(ctx, "demo_user")
	require.NoError(t, err)
	assert.True(t, st.HasEmergency)
	assert.Equal(t, "MONITORING", st.EmergencyLevel)
	assert.InDelta(t, 30.0, st.TimeUntilCritical, 1e-9)

	clk.set(12 * time.Second)
	resp, err := api.ResolveEmergency(ctx, "demo_user", client.ResolveRequest{ResolutionType: "user_ok"})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)

	resolved := alertOf(t, readUntil(t, conn, client.MsgEmergencyResolved))
	assert.Equal(t, "user_ok", resolved.ResolutionType)
	assert.Equal(t, 12, resolved.DurationSeconds)

	st, err = api.CurrentEmergency(ctx, "demo_user")
	require.NoError(t, err)
	assert.False(t, st.HasEmergency)
	assert.Equal(t, labelDaily, s.gen.currentLabel("demo_user"))
}

func TestCurrentEmergencyTurnsCritical(t *testing.T) {
	s, ts, clk := newClockedServer(t, Options{Window: 30 * time.Second})
	require.True(t, s.gen.Fall("demo_user", t0))

	clk.set(31 * time.Second)
	st, err := client.NewHTTPClient(ts.URL).CurrentEmergency(context.Background(), "demo_user")
	require.NoError(t, err)
	assert.True(t, st.HasEmergency)
	assert.Equal(t, "CRITICAL", st.EmergencyLevel)
	assert.Zero(t, st.TimeUntilCritical)
}

func TestConfirmHelpBroadcastsCritical(t *testing.T) {
	tests := []struct {
		name      string
		automatic bool
		wantBy    string
	}{
		{"user", false, "user_response"},
		{"timeout", true, "auto"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ts := newTestServer(t, Options{})
			conn := dial(t, ts, "demo_user")
			require.True(t, s.gen.Fall("demo_user", t0))
			readUntil(t, conn, client.MsgFallAlert)

			resp, err := client.NewHTTPClient(ts.URL).ConfirmHelpNeeded(context.Background(), "demo_user",
				client.HelpRequest{HelpType: "general_help", Automatic: tt.automatic})
			require.NoError(t, err)
			assert.Equal(t, "success", resp.Status)

			crit := alertOf(t, readUntil(t, conn, client.MsgEmergencyConfirmedCritical))
			assert.Equal(t, tt.wantBy, crit.ConfirmedBy)
			assert.Equal(t, "CRITICAL", crit.EmergencyLevel)
			assert.False(t, s.em.active("demo_user"))
		})
	}
}

func TestHealthCheckFrame(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	conn := dial(t, ts, "demo_user")

	require.NoError(t, conn.WriteJSON(client.HealthCheckFrame{Type: client.MsgHealthCheck}))
	env := readUntil(t, conn, client.MsgHealthCheckResponse)
	assert.Contains(t, string(env.Data), "healthy")
}

func TestFallDetectedFrameStartsEmergency(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	conn := dial(t, ts, "demo_user")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"fall_detected"}`)))
	readUntil(t, conn, client.MsgFallAlert)
	assert.True(t, s.em.active("demo_user"))
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8080", true},
		{"http://example.test", true}, // same host as the request
		{"https://evil.example", false},
		{"::bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://example.test/ws/u", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(r), tt.origin)
	}
}
