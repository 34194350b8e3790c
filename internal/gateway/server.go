// Package gateway implements the Message Gateway: the WebSocket-facing
// bridge between browser clients and the bus.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ldimaggi/agentmesh/internal/bus"
	"github.com/ldimaggi/agentmesh/internal/config"
	"github.com/ldimaggi/agentmesh/internal/store"
	"github.com/ldimaggi/agentmesh/pkg/protocol"
)

// Server is the gateway's HTTP/WebSocket listener.
type Server struct {
	cfg    *config.Config
	client bus.Client
	acts   *store.ActivityStore

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	startedAt    time.Time
	unsubForward func()

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds a gateway server. acts may be nil, in which case
// activity logging is skipped.
func NewServer(cfg *config.Config, client bus.Client, acts *store.ActivityStore) *Server {
	s := &Server{
		cfg:       cfg,
		client:    client,
		acts:      acts,
		clients:   make(map[string]*Client),
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the WebSocket origin against the configured
// allowlist. An empty allowlist means all origins are accepted — the
// local/dev default.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Snapshot().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway: rejected websocket origin", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleWebSocket)
	mux.HandleFunc("/api/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start begins forwarding configured bus channels to connected clients and
// listens for HTTP/WebSocket connections until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	if len(s.cfg.Snapshot().ForwardedChannels) > 0 {
		unsub, err := s.subscribeForwarding(ctx)
		if err != nil {
			return fmt.Errorf("gateway: subscribe forwarded channels: %w", err)
		}
		s.unsubForward = unsub
	}

	mux := s.BuildMux()
	s.httpServer = &http.Server{Addr: s.cfg.Snapshot().ListenAddr, Handler: mux}

	slog.Info("gateway starting", "addr", s.cfg.Snapshot().ListenAddr)

	go func() {
		<-ctx.Done()
		if s.unsubForward != nil {
			s.unsubForward()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// subscribeForwarding wires every configured bus channel to a broadcast to
// all connected WebSocket clients.
func (s *Server) subscribeForwarding(ctx context.Context) (func(), error) {
	var unsubs []func()
	for _, channel := range s.cfg.Snapshot().ForwardedChannels {
		ch := channel
		unsub, err := s.client.Subscribe(ctx, ch, func(_ context.Context, env protocol.Envelope) {
			s.broadcast(ch, env)
		})
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

// broadcast fans a forwarded bus envelope out to every open client socket.
// enqueue drops the frame for sockets no longer in the OPEN state.
func (s *Server) broadcast(channel string, env protocol.Envelope) {
	frame := protocol.Frame{
		Type:      protocol.FrameBroadcast,
		Channel:   channel,
		Data:      env,
		Timestamp: time.Now().UnixMilli(),
	}
	s.mu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(frame)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	heartbeat := config.ParseDuration(s.cfg.Snapshot().HeartbeatInterval, 30*time.Second)

	client := newClient(conn, heartbeat, s.acts, s.client)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	slog.Info("gateway: client connected", "client", client.id)
	client.run(r.Context())
	slog.Info("gateway: client disconnected", "client", client.id)
}

// healthBody is the /api/health response document.
type healthBody struct {
	Status         string         `json:"status"`
	Timestamp      time.Time      `json:"timestamp"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	Services       healthServices `json:"services"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

type healthServices struct {
	Bus       dependencyHealth `json:"bus"`
	LogStore  dependencyHealth `json:"log_store"`
	WebSocket socketHealth     `json:"websocket"`
}

type dependencyHealth struct {
	Connected bool  `json:"connected"`
	LatencyMS int64 `json:"latency_ms"`
}

type socketHealth struct {
	Connections int `json:"connections"`
}

// handleHealth probes every dependency and reports 200 only when all of
// them answered. Latency is -1 for a dependency that is unreachable or not
// configured.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()

	body := healthBody{
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Services: healthServices{
			Bus:       probe(r.Context(), s.client.Latency),
			WebSocket: socketHealth{Connections: clientCount},
		},
	}

	if s.acts != nil {
		body.Services.LogStore = probe(r.Context(), s.acts.Latency)
	} else {
		body.Services.LogStore = dependencyHealth{Connected: false, LatencyMS: -1}
	}

	code := http.StatusOK
	// A missing log store is a degraded deployment, not an unhealthy one:
	// the bus path keeps working without it.
	if !body.Services.Bus.Connected || (s.acts != nil && !body.Services.LogStore.Connected) {
		body.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	body.ResponseTimeMS = time.Since(started).Milliseconds()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func probe(ctx context.Context, latency func(context.Context) (time.Duration, error)) dependencyHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := latency(ctx)
	if err != nil {
		return dependencyHealth{Connected: false, LatencyMS: -1}
	}
	return dependencyHealth{Connected: true, LatencyMS: d.Milliseconds()}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
}
