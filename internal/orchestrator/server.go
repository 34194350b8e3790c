package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ldimaggi/agentmesh/internal/bus"
	"github.com/ldimaggi/agentmesh/internal/correlate"
	"github.com/ldimaggi/agentmesh/internal/store"
	"github.com/ldimaggi/agentmesh/pkg/protocol"
)

// siblings is every agent whose channel the orchestrator listens on for
// response envelopes: consultable agents plus the workers whose task
// completions arrive the same way.
var siblings = []string{"planner", "researcher", "frontend", "backend", "archivist"}

// Server wires the orchestrator onto the bus: it consumes human-input,
// routes sibling responses into the correlation table, folds worker
// heartbeats into the status registry, and publishes each turn's reply on
// chatter-output.
type Server struct {
	bus    bus.Client
	loop   *Loop
	table  *correlate.Table
	status *StatusRegistry
	acts   *store.ActivityStore
	self   string
}

// NewServer builds the orchestrator's bus front end. acts may be nil.
func NewServer(b bus.Client, loop *Loop, table *correlate.Table, status *StatusRegistry, acts *store.ActivityStore, self string) *Server {
	return &Server{bus: b, loop: loop, table: table, status: status, acts: acts, self: self}
}

// Run subscribes everything and blocks until ctx is canceled or a shutdown
// broadcast arrives.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subs := []struct {
		channel string
		handler bus.Handler
	}{
		{protocol.ChannelHumanInput, s.handleHumanInput},
		{protocol.ChannelAgentStatus, s.handleStatus},
		{protocol.ChannelBroadcast, func(_ context.Context, env protocol.Envelope) {
			if cmd, ok := broadcastCommand(env.Payload); ok && cmd == protocol.CommandShutdown {
				slog.Info("orchestrator: shutdown broadcast received")
				cancel()
			}
		}},
	}
	for _, name := range siblings {
		subs = append(subs, struct {
			channel string
			handler bus.Handler
		}{protocol.AgentChannel(name), s.handleSibling})
	}

	var unsubs []func()
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()
	for _, sub := range subs {
		unsub, err := s.bus.Subscribe(ctx, sub.channel, sub.handler)
		if err != nil {
			return fmt.Errorf("orchestrator: subscribe %s: %w", sub.channel, err)
		}
		unsubs = append(unsubs, unsub)
	}

	slog.Info("orchestrator ready", "channels", len(subs))

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if n := s.table.Sweep(); n > 0 {
				slog.Info("orchestrator: swept abandoned requests", "count", n)
			}
		}
	}
}

// handleHumanInput validates one stamped browser message and hands the
// turn to its own goroutine: a turn can sit in LLM and tool calls for
// minutes, and the channel's dispatch loop must stay free for the next
// delivery.
func (s *Server) handleHumanInput(ctx context.Context, env protocol.Envelope) {
	input, ok := humanInput(env.Payload)
	if !ok || input.Content == "" {
		slog.Warn("orchestrator: discarding malformed human-input payload", "id", env.ID)
		return
	}
	go s.runTurn(ctx, env, input)
}

// runTurn runs one conversational turn and always answers on
// chatter-output — a failed turn becomes an error-flagged reply, never
// silence.
func (s *Server) runTurn(ctx context.Context, env protocol.Envelope, input protocol.HumanInput) {
	reply, err := s.loop.Turn(ctx, input.UserID, input.Content)

	out := protocol.ChatterOutput{
		UserID:    input.UserID,
		Content:   reply,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		out.Content = fmt.Sprintf("I encountered an error: %v", err)
		out.Error = err.Error()
	}

	resp := protocol.Envelope{
		ID:           uuid.New().String(),
		From:         s.self,
		To:           input.UserID,
		Type:         protocol.TypeResponse,
		Payload:      out,
		Timestamp:    time.Now().UTC(),
		InResponseTo: env.ID,
	}

	if s.acts != nil {
		s.acts.RecordEnvelope(ctx, protocol.ChannelChatterOutput, resp)
	}
	if err := s.bus.Publish(ctx, protocol.ChannelChatterOutput, resp); err != nil {
		slog.Warn("orchestrator: failed to publish reply", "user", input.UserID, "error", err)
	}
}

// handleSibling delivers response envelopes to whoever is awaiting them.
// Everything else on a sibling channel is that agent's own request traffic
// and is not ours to consume.
func (s *Server) handleSibling(_ context.Context, env protocol.Envelope) {
	if env.Type != protocol.TypeResponse || env.InResponseTo == "" {
		return
	}
	s.table.Deliver(env.InResponseTo, env)
}

// handleStatus folds worker heartbeats into the status registry backing
// check-agent-status.
func (s *Server) handleStatus(_ context.Context, env protocol.Envelope) {
	if env.Type != protocol.TypeStatus {
		return
	}
	var ws protocol.WorkerStatus
	if !decodePayload(env.Payload, &ws) {
		return
	}
	s.status.Record(env.From, ws.Status, ws.CurrentTaskID)
}

func humanInput(payload interface{}) (protocol.HumanInput, bool) {
	var in protocol.HumanInput
	if !decodePayload(payload, &in) {
		return in, false
	}
	return in, in.UserID != "" || in.Content != ""
}

func broadcastCommand(payload interface{}) (string, bool) {
	var cmd protocol.BroadcastCommand
	if !decodePayload(payload, &cmd) {
		return "", false
	}
	return cmd.Command, cmd.Command != ""
}

// decodePayload converts the envelope's decoded-JSON payload (usually a
// map[string]interface{}) into a concrete struct.
func decodePayload(payload interface{}, dst interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}
