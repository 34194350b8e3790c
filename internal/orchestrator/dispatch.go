package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ldimaggi/agentmesh/internal/bus"
	"github.com/ldimaggi/agentmesh/internal/correlate"
	"github.com/ldimaggi/agentmesh/pkg/protocol"
)

// Dispatcher executes one tool call against the bus and returns the text to
// feed back to the LLM as the tool's result.
type Dispatcher struct {
	bus         bus.Client
	table       *correlate.Table
	status      *StatusRegistry
	self        string
	toolTimeout time.Duration
	taskTimeout time.Duration
}

func NewDispatcher(b bus.Client, table *correlate.Table, status *StatusRegistry, self string, toolTimeout, taskTimeout time.Duration) *Dispatcher {
	if toolTimeout <= 0 {
		toolTimeout = 5 * time.Minute
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Minute
	}
	return &Dispatcher{bus: b, table: table, status: status, self: self, toolTimeout: toolTimeout, taskTimeout: taskTimeout}
}

// Dispatch routes a validated tool call to its implementation.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	switch name {
	case protocol.ToolConsultPlanner:
		return d.consult(ctx, "planner", args)
	case protocol.ToolConsultResearcher:
		return d.consult(ctx, "researcher", args)
	case protocol.ToolAssignTask:
		return d.assignTask(ctx, args)
	case protocol.ToolCheckAgentStatus:
		return d.checkStatus(str(args, "agent")), nil
	case protocol.ToolEscalateToHuman:
		return escalationMessage(args), nil
	default:
		return "", fmt.Errorf("dispatch: unknown tool %q", name)
	}
}

// consult publishes a question envelope to the named agent's channel and
// blocks, via the correlation table, for the one response envelope whose
// InResponseTo matches. Track happens before the publish so a fast reply
// can't race the registration. This is the request/response half of the bus
// — assignTask below is the fire-and-forget half.
func (d *Dispatcher) consult(ctx context.Context, agentName string, args map[string]interface{}) (string, error) {
	reqID := uuid.New().String()
	wait := d.table.Track(reqID, agentName, d.toolTimeout)

	env := protocol.Envelope{
		ID:        reqID,
		From:      d.self,
		To:        agentName,
		Type:      protocol.TypeQuestion,
		Payload:   args,
		Timestamp: time.Now().UTC(),
	}
	if err := d.bus.Publish(ctx, protocol.AgentChannel(agentName), env); err != nil {
		d.table.Reject(reqID, err)
		return "", fmt.Errorf("consult %s: %w", agentName, err)
	}

	v, err := wait(ctx)
	if err != nil {
		return "", err
	}
	reply, _ := v.(protocol.Envelope)
	return payloadText(reply.Payload), nil
}

// assignTask publishes a fire-and-forget task assignment to the named
// worker's channel and acks immediately. The worker's eventual completion
// arrives later as a response envelope on the worker's own agent channel —
// assignment and completion are decoupled by design.
func (d *Dispatcher) assignTask(ctx context.Context, args map[string]interface{}) (string, error) {
	agent := str(args, "agent")
	taskID := uuid.New().String()

	env := protocol.Envelope{
		ID:   taskID,
		From: d.self,
		To:   agent,
		Type: protocol.TypeTask,
		Payload: protocol.TaskAssignment{
			TaskID:            taskID,
			CommandFile:       str(args, "command_file"),
			TimeoutSec:        int(d.taskTimeout.Seconds()),
			Priority:          str(args, "priority"),
			EstimatedDuration: str(args, "estimated_duration"),
		},
		Timestamp: time.Now().UTC(),
	}
	if err := d.bus.Publish(ctx, protocol.AgentChannel(agent), env); err != nil {
		return "", fmt.Errorf("assign task to %s: %w", agent, err)
	}
	return fmt.Sprintf("Task %s handed off to %s. It will report progress and completion asynchronously.", taskID, agent), nil
}

func (d *Dispatcher) checkStatus(agent string) string {
	st, ok := d.status.Get(agent)
	if !ok {
		return fmt.Sprintf("%s: unknown (no recent heartbeat)", agent)
	}
	line := fmt.Sprintf("%s: %s, last heard from %s ago", st.Name, st.State, time.Since(st.UpdatedAt).Round(time.Second))
	if st.Detail != "" {
		line += fmt.Sprintf(" (current task: %s)", st.Detail)
	}
	return line
}

// escalationMessage renders the escalate-to-human call as structured text
// the LLM folds into its next draft for the user.
func escalationMessage(args map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DECISION NEEDED: %s\n", str(args, "question"))
	fmt.Fprintf(&b, "Context: %s", str(args, "context"))
	if opts := strSlice(args, "options"); len(opts) > 0 {
		b.WriteString("\nOptions:")
		for i, o := range opts {
			fmt.Fprintf(&b, "\n  %d. %s", i+1, o)
		}
	}
	if rec := str(args, "recommendation"); rec != "" {
		fmt.Fprintf(&b, "\nRecommendation: %s", rec)
	}
	return b.String()
}

func str(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func strSlice(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func payloadText(payload interface{}) string {
	switch v := payload.(type) {
	case string:
		return v
	case map[string]interface{}:
		if answer, ok := v["answer"].(string); ok {
			return answer
		}
	}
	data, _ := json.Marshal(payload)
	return string(data)
}
