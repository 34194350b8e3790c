// Package store persists the append-only activity log and per-agent log
// lines to Postgres. Writes are best-effort: a failing write logs a warning
// and is dropped rather than blocking the caller, since the activity log is
// an observability aid, not a source of truth for any running component.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ldimaggi/agentmesh/pkg/protocol"
)

// writeTimeout bounds how long any best-effort write may hold up a caller
// when the store is unhealthy.
const writeTimeout = 2 * time.Second

// ActivityStore records every envelope that crosses a component boundary
// and free-form log lines emitted by each binary.
type ActivityStore struct {
	pool *pgxpool.Pool
}

// Open connects a pgx pool against dsn. Call Close when done.
func Open(ctx context.Context, dsn string) (*ActivityStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &ActivityStore{pool: pool}, nil
}

func (s *ActivityStore) Close() {
	s.pool.Close()
}

// Latency times a liveness round trip against the store.
func (s *ActivityStore) Latency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// RecordEnvelope appends env to the activity log, tagged with the channel
// it was observed on. Best-effort: failures are logged, never returned.
func (s *ActivityStore) RecordEnvelope(ctx context.Context, channel string, env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_log (id, channel, from_agent, to_agent, type, in_response_to, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		env.ID, channel, env.From, env.To, env.Type, nullIfEmpty(env.InResponseTo), env.Payload, env.Timestamp)
	if err != nil {
		slog.Warn("store: record envelope failed", "channel", channel, "id", env.ID, "error", err)
	}
}

// RecordLog appends a single log line from agent. metadata may be nil.
func (s *ActivityStore) RecordLog(ctx context.Context, agent, level, message string, metadata map[string]interface{}) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO logs (agent, level, message, metadata, created_at) VALUES ($1, $2, $3, $4, $5)`,
		agent, level, message, metadata, time.Now().UTC())
	if err != nil {
		slog.Warn("store: record log failed", "agent", agent, "error", err)
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
