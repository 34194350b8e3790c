package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldimaggi/agentmesh/internal/bus"
	"github.com/ldimaggi/agentmesh/internal/config"
	"github.com/ldimaggi/agentmesh/pkg/protocol"
)

type fakeBus struct {
	mu        sync.Mutex
	pingErr   error
	published []struct {
		channel string
		env     protocol.Envelope
	}
}

func (f *fakeBus) Publish(ctx context.Context, channel string, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, struct {
		channel string
		env     protocol.Envelope
	}{channel, env})
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string, h bus.Handler) (func(), error) {
	return func() {}, nil
}

func (f *fakeBus) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeBus) Latency(ctx context.Context) (time.Duration, error) {
	if f.pingErr != nil {
		return 0, f.pingErr
	}
	return time.Millisecond, nil
}

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) sent() []struct {
	channel string
	env     protocol.Envelope
} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]struct {
		channel string
		env     protocol.Envelope
	}, len(f.published))
	copy(out, f.published)
	return out
}

func dialTestServer(t *testing.T, s *Server) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(s.BuildMux())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		ts.Close()
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestStreamWelcomeAckAndPublish(t *testing.T) {
	fb := &fakeBus{}
	s := NewServer(config.Default(), fb, nil)
	conn, cleanup := dialTestServer(t, s)
	defer cleanup()

	welcome := readFrame(t, conn)
	assert.Equal(t, protocol.FrameWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.ClientID)

	require.NoError(t, conn.WriteJSON(map[string]string{"content": "hi", "user_id": "user-1"}))
	ack := readFrame(t, conn)
	assert.Equal(t, protocol.FrameAck, ack.Type)

	sent := fb.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ChannelHumanInput, sent[0].channel)
	assert.Equal(t, protocol.TypeQuestion, sent[0].env.Type)
	input, ok := sent[0].env.Payload.(protocol.HumanInput)
	require.True(t, ok)
	assert.Equal(t, "user-1", input.UserID)
	assert.Equal(t, "hi", input.Content)
	assert.Equal(t, "websocket", input.Source)
}

func TestStreamUserIDFallsBackToClientID(t *testing.T) {
	fb := &fakeBus{}
	s := NewServer(config.Default(), fb, nil)
	conn, cleanup := dialTestServer(t, s)
	defer cleanup()

	welcome := readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"content": "anonymous hello"}))
	readFrame(t, conn) // ack

	sent := fb.sent()
	require.Len(t, sent, 1)
	input := sent[0].env.Payload.(protocol.HumanInput)
	assert.Equal(t, welcome.ClientID, input.UserID)
}

func TestStreamMalformedMessageGetsErrorFrameAndStaysOpen(t *testing.T) {
	fb := &fakeBus{}
	s := NewServer(config.Default(), fb, nil)
	conn, cleanup := dialTestServer(t, s)
	defer cleanup()

	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errFrame := readFrame(t, conn)
	assert.Equal(t, protocol.FrameError, errFrame.Type)
	assert.NotEmpty(t, errFrame.Message)

	require.NoError(t, conn.WriteJSON(map[string]string{"user_id": "u"})) // missing content
	errFrame = readFrame(t, conn)
	assert.Equal(t, protocol.FrameError, errFrame.Type)

	// The connection survives both: a valid message still round-trips.
	require.NoError(t, conn.WriteJSON(map[string]string{"content": "still here"}))
	ack := readFrame(t, conn)
	assert.Equal(t, protocol.FrameAck, ack.Type)
	assert.Empty(t, fb.sent()[0].env.InResponseTo)
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	fb := &fakeBus{}
	s := NewServer(config.Default(), fb, nil)
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"

	const n = 3
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()
		conns[i] = conn
		readFrame(t, conn) // welcome means the socket is in the OPEN state
	}

	env := protocol.Envelope{
		ID:        "bcast-1",
		From:      "orchestrator",
		To:        "user-1",
		Type:      protocol.TypeResponse,
		Timestamp: time.Now().UTC(),
	}
	s.broadcast(protocol.ChannelChatterOutput, env)

	for _, conn := range conns {
		frame := readFrame(t, conn)
		assert.Equal(t, protocol.FrameBroadcast, frame.Type)
		assert.Equal(t, protocol.ChannelChatterOutput, frame.Channel)
		assert.NotZero(t, frame.Timestamp)
	}
}

func TestHealthHealthy(t *testing.T) {
	s := NewServer(config.Default(), &fakeBus{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Services      struct {
			Bus struct {
				Connected bool  `json:"connected"`
				LatencyMS int64 `json:"latency_ms"`
			} `json:"bus"`
			LogStore struct {
				Connected bool  `json:"connected"`
				LatencyMS int64 `json:"latency_ms"`
			} `json:"log_store"`
			WebSocket struct {
				Connections int `json:"connections"`
			} `json:"websocket"`
		} `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.True(t, body.Services.Bus.Connected)
	assert.GreaterOrEqual(t, body.Services.Bus.LatencyMS, int64(0))
	assert.Equal(t, int64(-1), body.Services.LogStore.LatencyMS)
	assert.Equal(t, 0, body.Services.WebSocket.Connections)
}

func TestHealthUnhealthyWhenBusUnreachable(t *testing.T) {
	s := NewServer(config.Default(), &fakeBus{pingErr: assertErr("no route")}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
	assert.Contains(t, rec.Body.String(), `"latency_ms":-1`)
}

func TestHealthCountsConnections(t *testing.T) {
	s := NewServer(config.Default(), &fakeBus{}, nil)
	conn, cleanup := dialTestServer(t, s)
	defer cleanup()
	readFrame(t, conn)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	assert.Contains(t, rec.Body.String(), `"connections":1`)
}

func TestCheckOriginAllowsAllWhenUnconfigured(t *testing.T) {
	s := NewServer(config.Default(), &fakeBus{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	assert.True(t, s.checkOrigin(req))
}

func TestCheckOriginRejectsUnlisted(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.AllowedOrigins = []string{"https://trusted.example"}
	s := NewServer(cfg, &fakeBus{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, s.checkOrigin(req))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
