package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ldimaggi/agentmesh/internal/bus"
	"github.com/ldimaggi/agentmesh/internal/store"
	"github.com/ldimaggi/agentmesh/pkg/protocol"
)

// connState is the per-socket lifecycle: CONNECTING -> OPEN -> {CLOSING,
// ERRORED} -> CLOSED. Transitions out of OPEN remove the socket from the
// broadcast set and stop the heartbeat ticker.
type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateErrored
	stateClosed
)

const (
	writeWait = 10 * time.Second
	pongWait  = 90 * time.Second
)

// Client represents one browser WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	acts *store.ActivityStore
	bus  bus.Client

	heartbeat time.Duration
	limiter   *rate.Limiter

	mu    sync.Mutex
	state connState
	send  chan protocol.Frame
}

func newClient(conn *websocket.Conn, heartbeat time.Duration, acts *store.ActivityStore, b bus.Client) *Client {
	return &Client{
		id:        newClientID(),
		conn:      conn,
		acts:      acts,
		bus:       b,
		heartbeat: heartbeat,
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		state:     stateConnecting,
		send:      make(chan protocol.Frame, 64),
	}
}

// run drives the connection until the context is canceled or the socket
// errors. It starts the write pump, sends the welcome frame, then reads
// messages until the connection closes.
func (c *Client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setState(stateOpen)
	go c.writePump(ctx)

	c.enqueue(protocol.Frame{Type: protocol.FrameWelcome, ClientID: c.id})

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.setState(stateErrored)
				slog.Warn("gateway: client connection errored", "client", c.id, "error", err)
			} else {
				c.setState(stateClosing)
			}
			return
		}
		c.handleMessage(ctx, data)
	}
}

// handleMessage validates one inbound client message, stamps it, publishes
// it to the human-input channel, and acks. Malformed input yields an error
// frame but never closes the connection.
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	if !c.limiter.Allow() {
		c.sendError("rate limit exceeded")
		return
	}

	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("could not parse message as JSON")
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		c.sendError("content is required")
		return
	}

	userID := msg.UserID
	if userID == "" {
		userID = c.id
	}

	env := protocol.Envelope{
		ID:   uuid.New().String(),
		From: "gateway",
		To:   "orchestrator",
		Type: protocol.TypeQuestion,
		Payload: protocol.HumanInput{
			UserID:    userID,
			Content:   msg.Content,
			Timestamp: time.Now().UTC(),
			Source:    "websocket",
		},
		Timestamp: time.Now().UTC(),
	}

	if c.acts != nil {
		c.acts.RecordEnvelope(ctx, protocol.ChannelHumanInput, env)
	}

	if err := c.bus.Publish(ctx, protocol.ChannelHumanInput, env); err != nil {
		slog.Warn("gateway: publish failed", "client", c.id, "error", err)
		c.sendError("could not forward message")
		return
	}

	c.enqueue(protocol.Frame{Type: protocol.FrameAck})
}

func (c *Client) sendError(message string) {
	c.enqueue(protocol.Frame{Type: protocol.FrameError, Message: message})
}

// enqueue hands a frame to the write pump, dropping it if the client's send
// buffer is full or the socket is no longer open. Broadcast fan-out must
// never block on one slow client.
func (c *Client) enqueue(frame protocol.Frame) {
	c.mu.Lock()
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open {
		return
	}
	select {
	case c.send <- frame:
	default:
		slog.Warn("gateway: dropping frame for slow client", "client", c.id, "frame", frame.Type)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.setState(stateErrored)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.setState(stateErrored)
				return
			}
			if err := c.conn.WriteJSON(protocol.Frame{Type: protocol.FrameHeartbeat}); err != nil {
				c.setState(stateErrored)
				return
			}
		}
	}
}

func (c *Client) setState(s connState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Client) close() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	c.conn.Close()
}

func newClientID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
