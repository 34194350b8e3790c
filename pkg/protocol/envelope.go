// Package protocol defines the wire types shared by every component that
// talks to the bus or the browser-facing gateway.
package protocol

import "time"

// Envelope message types. Every envelope on every channel carries exactly
// one of these.
const (
	TypeTask     = "task"
	TypeQuestion = "question"
	TypeResponse = "response"
	TypeStatus   = "status"
	TypeProgress = "progress"
	TypeError    = "error"
)

// Envelope is the single message shape carried on every bus channel.
// Request/response correlation is done purely through InResponseTo: a
// response envelope always names the ID of the request it answers, and
// only response envelopes set it.
type Envelope struct {
	ID           string      `json:"id"`
	From         string      `json:"from"`
	To           string      `json:"to"`
	Type         string      `json:"type"`
	Payload      interface{} `json:"payload,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	InResponseTo string      `json:"in_response_to,omitempty"`
}

// Tool catalog names. Fixed set — the orchestrator never discovers tools
// dynamically.
const (
	ToolConsultPlanner    = "consult-planner"
	ToolConsultResearcher = "consult-researcher"
	ToolAssignTask        = "assign-task"
	ToolCheckAgentStatus  = "check-agent-status"
	ToolEscalateToHuman   = "escalate-to-human"
)

// AgentChannel returns the channel a named agent listens on. Requests for
// an agent and that agent's responses both travel on its own channel.
func AgentChannel(agentName string) string { return "agent:" + agentName }

// Well-known channels.
const (
	ChannelHumanInput    = "human-input"    // gateway -> orchestrator
	ChannelChatterOutput = "chatter-output" // orchestrator -> gateway
	ChannelAgentStatus   = "agent:status"   // supervisors -> any
	ChannelAgentProgress = "agent:progress" // supervisors -> any
	ChannelBroadcast     = "broadcast"      // any -> all
	ChannelSystem        = "system"         // system notices forwarded to browsers
)

// HumanInput is the payload the gateway publishes on human-input for each
// stamped browser message.
type HumanInput struct {
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// ChatterOutput is the payload the orchestrator publishes on chatter-output
// when a turn completes. Error carries a summary when the turn failed.
type ChatterOutput struct {
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// TaskAssignment is the payload of a task-typed envelope on a worker's
// agent channel. CommandFile is the full command text the worker
// materializes to disk before spawning its tool.
type TaskAssignment struct {
	TaskID            string `json:"task_id"`
	CommandFile       string `json:"command_file"`
	TimeoutSec        int    `json:"timeout_sec,omitempty"`
	Priority          string `json:"priority,omitempty"`
	EstimatedDuration string `json:"estimated_duration,omitempty"`
}

// TaskProgress is the payload of each progress envelope streamed while a
// worker's subprocess runs.
type TaskProgress struct {
	TaskID string `json:"task_id"`
	Output string `json:"output"`
}

// Task terminal statuses.
const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskRejected  = "rejected"
)

// TaskResult is the payload of the terminal response envelope ending a task.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"` // set when rejected or failed
	Result     *ProcessResult `json:"result,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// ProcessResult captures the subprocess outcome inside a TaskResult.
type ProcessResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// WorkerStatus is the payload of the periodic status envelope every
// supervisor publishes on agent:status.
type WorkerStatus struct {
	Status         string `json:"status"`
	CurrentTaskID  string `json:"current_task_id,omitempty"`
	CompletedCount int    `json:"completed_count"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// BroadcastCommand is the payload of system messages on the broadcast
// channel, e.g. {"command": "shutdown"}.
type BroadcastCommand struct {
	Command string `json:"command"`
}

const CommandShutdown = "shutdown"
