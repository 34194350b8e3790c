package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ldimaggi/agentmesh/pkg/protocol"
)

// RedisClient is the Client implementation backed by Redis pub/sub. It keeps
// two independent connections — one for publishing commands, one dedicated
// to subscriptions — so a slow or stuck subscriber never blocks publishes.
type RedisClient struct {
	cmd *redis.Client
	sub *redis.Client

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	ps       *redis.PubSub
	cancel   context.CancelFunc
	handlers map[int]Handler
	nextID   int
}

// NewRedisClient dials two independent Redis connections against addr.
// Command retries are handled explicitly in Publish per reconnectDelay;
// the subscriber connection reconnects and re-subscribes on its own, with
// the OnConnect hook making each reconnect visible in the logs.
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	opts := &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			slog.Info("bus: connection established", "addr", addr)
			return nil
		},
	}
	cmd := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cmd.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: connect command conn: %w", err)
	}

	return &RedisClient{
		cmd:  cmd,
		sub:  sub,
		subs: make(map[string]*subscription),
	}, nil
}

// maxPublishAttempts bounds how long a transiently failing publish is
// retried before the error surfaces to the caller.
const maxPublishAttempts = 5

func (c *RedisClient) Publish(ctx context.Context, channel string, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxPublishAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDelay(attempt - 1)):
			}
		}
		if lastErr = c.cmd.Publish(ctx, channel, data).Err(); lastErr == nil {
			return nil
		}
		slog.Warn("bus: publish failed, retrying", "channel", channel, "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("bus: publish %s: %w", channel, lastErr)
}

// Subscribe registers handler for channel. The first Subscribe call for a
// channel opens the underlying Redis subscription and starts its dispatch
// goroutine; subsequent calls for the same channel share it.
func (c *RedisClient) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("bus: client closed")
	}

	sub, ok := c.subs[channel]
	if !ok {
		ps := c.sub.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, fmt.Errorf("bus: subscribe %s: %w", channel, err)
		}
		subCtx, cancel := context.WithCancel(context.Background())
		sub = &subscription{ps: ps, cancel: cancel, handlers: make(map[int]Handler)}
		c.subs[channel] = sub
		go c.dispatchLoop(subCtx, channel, sub)
	}

	id := sub.nextID
	sub.nextID++
	sub.handlers[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		sub, ok := c.subs[channel]
		if !ok {
			return
		}
		delete(sub.handlers, id)
		if len(sub.handlers) == 0 {
			sub.cancel()
			sub.ps.Close()
			delete(c.subs, channel)
		}
	}, nil
}

// dispatchLoop is the single consumer for one channel's subscription.
// Handlers run inline, so per-channel delivery order is exactly handler
// invocation order; each channel has its own dispatch goroutine, so a slow
// handler only stalls its own channel, and the subscription's buffered
// message channel bounds the backlog behind it. Handlers that kick off
// long work must hand it to their own goroutine and return promptly.
func (c *RedisClient) dispatchLoop(ctx context.Context, channel string, sub *subscription) {
	ch := sub.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("bus: dropping malformed envelope", "channel", channel, "error", err)
				continue
			}
			c.mu.Lock()
			handlers := make([]Handler, 0, len(sub.handlers))
			for _, h := range sub.handlers {
				handlers = append(handlers, h)
			}
			c.mu.Unlock()

			for _, h := range handlers {
				h(ctx, env)
			}
		}
	}
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return c.cmd.Ping(ctx).Err()
}

// Latency times a PING round trip on the command connection.
func (c *RedisClient) Latency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.cmd.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, sub := range c.subs {
		sub.cancel()
		sub.ps.Close()
	}
	c.subs = nil
	if err := c.sub.Close(); err != nil {
		return err
	}
	return c.cmd.Close()
}

// reconnectDelay returns the backoff before attempt n: 50ms per attempt,
// capped at 2s. It accepts any attempt number; Publish stops retrying after
// maxPublishAttempts.
func reconnectDelay(attempt int) time.Duration {
	d := time.Duration(attempt*50) * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}
