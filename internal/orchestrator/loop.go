// Package orchestrator implements the Conversational Orchestrator: the
// agent that turns each human message into one synthesized reply, running
// the LLM tool-calling loop and dispatching agent consultations over the
// bus.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ldimaggi/agentmesh/internal/providers"
)

var tracer = otel.Tracer("agentmesh/orchestrator")

// systemPrompt is the fixed directive sent with every LLM call: role,
// workflow, available collaborators, communication style, error stance.
const systemPrompt = `You are the coordinator of a small team of software agents. You receive messages from a human operator and reply once per message.

You can consult the planner for strategy, consult the researcher for analysis of the existing code, assign implementation tasks to the frontend or backend worker, check any agent's status, or escalate a decision back to the human.

Workflow: understand the request, consult agents only when their input changes your answer, and assign tasks only when the operator asked for work to be done. Task assignments are asynchronous; tell the operator the task was handed off rather than waiting for it.

Style: concise and concrete. Report what you did and what you learned, not your internal process.

If a tool fails or an agent does not respond, say so plainly and continue with what you have. Never invent an agent's answer.`

// Loop runs the Think -> Act -> Observe turn cycle for one conversation.
type Loop struct {
	provider   providers.Provider
	model      string
	catalog    *Catalog
	dispatcher *Dispatcher
	convos     *ConversationStore
	maxIter    int
}

// NewLoop builds the orchestrator's turn loop.
func NewLoop(provider providers.Provider, model string, catalog *Catalog, dispatcher *Dispatcher, convos *ConversationStore, maxIter int) *Loop {
	if maxIter <= 0 {
		maxIter = 10
	}
	return &Loop{provider: provider, model: model, catalog: catalog, dispatcher: dispatcher, convos: convos, maxIter: maxIter}
}

// Turn appends the user's message, runs the tool-calling loop until the
// model stops asking for tools, and returns the final text. A non-nil error
// means the turn failed outright (LLM unreachable); the caller owes the
// user an error reply either way. History survives a failed turn.
func (l *Loop) Turn(ctx context.Context, conversationKey, userMessage string) (string, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.turn")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.key", conversationKey))

	l.convos.Append(conversationKey, providers.Message{Role: "user", Content: userMessage})

	for iter := 0; iter < l.maxIter; iter++ {
		resp, err := l.provider.Chat(ctx, providers.ChatRequest{
			System:   systemPrompt,
			Messages: l.convos.History(conversationKey),
			Tools:    l.catalog.Definitions(),
			Model:    l.model,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("orchestrator: llm call failed", "conversation", conversationKey, "error", err)
			return "", err
		}

		l.convos.Append(conversationKey, providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		// Tool calls run strictly in the order the model emitted them; the
		// next LLM call happens only once every result is appended.
		for _, tc := range resp.ToolCalls {
			l.convos.Append(conversationKey, l.runOne(ctx, tc))
		}
	}

	return "I wasn't able to finish this within the allowed number of steps. Please try rephrasing your request.", nil
}

func (l *Loop) runOne(ctx context.Context, tc providers.ToolCall) providers.Message {
	ctx, span := tracer.Start(ctx, "orchestrator.tool_call")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", tc.Name), attribute.String("tool.id", tc.ID))

	start := time.Now()

	if err := l.catalog.Validate(tc.Name, tc.Arguments); err != nil {
		span.RecordError(err)
		return toolError(tc, err)
	}

	result, err := l.dispatcher.Dispatch(ctx, tc.Name, tc.Arguments)

	slog.Info("tool call", "tool", tc.Name, "duration", time.Since(start), "error", err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return toolError(tc, err)
	}

	return providers.Message{Role: "tool", Content: result, ToolCallID: tc.ID}
}

// toolError wraps a failed tool call as an error-flagged result; the model
// is expected to recover or surface it to the user.
func toolError(tc providers.ToolCall, err error) providers.Message {
	return providers.Message{
		Role:       "tool",
		Content:    fmt.Sprintf("Error: %v", err),
		ToolCallID: tc.ID,
		IsError:    true,
	}
}
