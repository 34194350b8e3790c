// Package bus implements the Redis-backed publish/subscribe transport that
// every component (gateway, orchestrator, worker) uses to exchange
// protocol.Envelope messages.
package bus

import (
	"context"
	"time"

	"github.com/ldimaggi/agentmesh/pkg/protocol"
)

// Handler processes an envelope delivered on a subscribed channel.
type Handler func(ctx context.Context, env protocol.Envelope)

// Client is the transport every component depends on. Implementations must
// be safe for concurrent use. Every recipient in this system — browser
// client, named agent, worker — is addressed by channel name alone, so one
// publish/subscribe surface covers broadcasts and directed messages alike.
type Client interface {
	// Publish sends an envelope on the given channel. It does not wait for
	// any subscriber to receive it.
	Publish(ctx context.Context, channel string, env protocol.Envelope) error

	// Subscribe registers handler to run for every envelope delivered on
	// channel. Returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler Handler) (func(), error)

	// Ping issues a round-trip liveness check against the broker.
	Ping(ctx context.Context) error

	// Latency measures the round-trip time of a liveness check. Used by
	// the gateway's health endpoint.
	Latency(ctx context.Context) (time.Duration, error)

	Close() error
}
