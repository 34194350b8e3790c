package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldimaggi/agentmesh/internal/correlate"
	"github.com/ldimaggi/agentmesh/internal/providers"
	"github.com/ldimaggi/agentmesh/pkg/protocol"
)

func newTestServer(provider providers.Provider, fb *fakeBus) (*Server, *correlate.Table) {
	tbl := correlate.New()
	status := NewStatusRegistry(time.Minute)
	loop := newTestLoop(provider, fb, tbl, NewConversationStore(50, time.Hour), time.Second)
	return NewServer(fb, loop, tbl, status, nil, "orchestrator"), tbl
}

func TestHandleHumanInputPublishesReply(t *testing.T) {
	fb := &fakeBus{}
	provider := &fakeProvider{responses: []*providers.ChatResponse{
		{Content: "hello", FinishReason: "stop"},
	}}
	srv, _ := newTestServer(provider, fb)

	in := protocol.Envelope{
		ID:        "msg-1",
		From:      "gateway",
		To:        "orchestrator",
		Type:      protocol.TypeQuestion,
		Timestamp: time.Now().UTC(),
	}
	srv.runTurn(context.Background(), in, protocol.HumanInput{
		UserID:  "user-7",
		Content: "hi",
		Source:  "websocket",
	})

	sent := fb.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ChannelChatterOutput, sent[0].channel)
	assert.Equal(t, protocol.TypeResponse, sent[0].env.Type)
	assert.Equal(t, "msg-1", sent[0].env.InResponseTo)

	out, ok := sent[0].env.Payload.(protocol.ChatterOutput)
	require.True(t, ok)
	assert.Equal(t, "user-7", out.UserID)
	assert.Equal(t, "hello", out.Content)
	assert.Empty(t, out.Error)
}

func TestHandleHumanInputAlwaysAnswersOnFailure(t *testing.T) {
	fb := &fakeBus{}
	provider := &fakeProvider{err: errors.New("model unavailable")}
	srv, _ := newTestServer(provider, fb)

	srv.runTurn(context.Background(), protocol.Envelope{
		ID:   "msg-2",
		Type: protocol.TypeQuestion,
	}, protocol.HumanInput{UserID: "user-8", Content: "hi"})

	sent := fb.sent()
	require.Len(t, sent, 1)
	out, ok := sent[0].env.Payload.(protocol.ChatterOutput)
	require.True(t, ok)
	assert.Contains(t, out.Content, "I encountered an error:")
	assert.Contains(t, out.Error, "model unavailable")
}

func TestHandleHumanInputDiscardsMalformedPayload(t *testing.T) {
	fb := &fakeBus{}
	srv, _ := newTestServer(&fakeProvider{}, fb)

	srv.handleHumanInput(context.Background(), protocol.Envelope{ID: "bad", Payload: "not an object"})
	assert.Empty(t, fb.sent())
}

func TestHandleSiblingDeliversTrackedResponse(t *testing.T) {
	fb := &fakeBus{}
	srv, tbl := newTestServer(&fakeProvider{}, fb)

	wait := tbl.Track("req-9", "planner", time.Second)
	srv.handleSibling(context.Background(), protocol.Envelope{
		ID:           "resp-9",
		From:         "planner",
		Type:         protocol.TypeResponse,
		Payload:      map[string]interface{}{"answer": "split it into three tasks"},
		InResponseTo: "req-9",
	})

	v, err := wait(context.Background())
	require.NoError(t, err)
	env, ok := v.(protocol.Envelope)
	require.True(t, ok)
	assert.Equal(t, "planner", env.From)
}

func TestHandleSiblingIgnoresNonResponses(t *testing.T) {
	fb := &fakeBus{}
	srv, tbl := newTestServer(&fakeProvider{}, fb)

	wait := tbl.Track("req-10", "planner", 30*time.Millisecond)
	// A question on the sibling channel is that agent's inbound traffic,
	// not a reply to us.
	srv.handleSibling(context.Background(), protocol.Envelope{
		ID:      "q-1",
		Type:    protocol.TypeQuestion,
		Payload: map[string]interface{}{"question": "unrelated"},
	})

	_, err := wait(context.Background())
	assert.Error(t, err)
}

func TestHandleStatusFeedsRegistry(t *testing.T) {
	fb := &fakeBus{}
	srv, _ := newTestServer(&fakeProvider{}, fb)

	srv.handleStatus(context.Background(), protocol.Envelope{
		From: "frontend",
		Type: protocol.TypeStatus,
		Payload: map[string]interface{}{
			"status":          "working",
			"current_task_id": "task-3",
			"completed_count": 2,
			"uptime_seconds":  120,
		},
	})

	st, ok := srv.status.Get("frontend")
	require.True(t, ok)
	assert.Equal(t, "working", st.State)
	assert.Equal(t, "task-3", st.Detail)
}
