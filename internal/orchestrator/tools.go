package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ldimaggi/agentmesh/internal/providers"
	"github.com/ldimaggi/agentmesh/pkg/protocol"
)

// toolSchemaSource holds the JSON Schema for each catalog tool's arguments.
// The orchestrator never discovers tools dynamically — this is the
// complete, fixed set named in the protocol package.
var toolSchemaSource = map[string]string{
	protocol.ToolConsultPlanner: `{
		"type": "object",
		"properties": {
			"question": {"type": "string", "minLength": 1},
			"context": {"type": "string"},
			"priority": {"type": "string", "enum": ["low", "medium", "high"]}
		},
		"required": ["question"],
		"additionalProperties": false
	}`,
	protocol.ToolConsultResearcher: `{
		"type": "object",
		"properties": {
			"question": {"type": "string", "minLength": 1},
			"repos": {"type": "string", "enum": ["frontend", "backend", "both"]},
			"focus_areas": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["question", "repos"],
		"additionalProperties": false
	}`,
	protocol.ToolAssignTask: `{
		"type": "object",
		"properties": {
			"agent": {"type": "string", "enum": ["frontend", "backend"]},
			"command_file": {"type": "string", "minLength": 1},
			"priority": {"type": "string", "enum": ["low", "medium", "high"]},
			"estimated_duration": {"type": "string"}
		},
		"required": ["agent", "command_file"],
		"additionalProperties": false
	}`,
	protocol.ToolCheckAgentStatus: `{
		"type": "object",
		"properties": {"agent": {"type": "string", "minLength": 1}},
		"required": ["agent"],
		"additionalProperties": false
	}`,
	protocol.ToolEscalateToHuman: `{
		"type": "object",
		"properties": {
			"question": {"type": "string", "minLength": 1},
			"context": {"type": "string", "minLength": 1},
			"options": {"type": "array", "items": {"type": "string"}},
			"recommendation": {"type": "string"}
		},
		"required": ["question", "context"],
		"additionalProperties": false
	}`,
}

// toolDescriptions is paired 1:1 with toolSchemaSource for building the
// ToolDefinition list sent to the LLM.
var toolDescriptions = map[string]string{
	protocol.ToolConsultPlanner:    "Ask the planner agent for a strategic breakdown or coordination advice and wait for its answer.",
	protocol.ToolConsultResearcher: "Ask the researcher agent to analyze existing code snapshots. Specify which repos to look at: frontend, backend, or both.",
	protocol.ToolAssignTask:        "Hand an implementation job to the frontend or backend worker. The command_file is the full instruction text the worker will execute against its repository. Does not wait for completion.",
	protocol.ToolCheckAgentStatus:  "Check whether a named agent or worker is currently reachable and what it's doing.",
	protocol.ToolEscalateToHuman:   "Ask the human operator to decide something. State the question and its context, optionally with options and your recommendation.",
}

// Catalog compiles the fixed tool schemas once and validates arguments
// against them before dispatch.
type Catalog struct {
	schemas map[string]*jsonschema.Schema
}

// NewCatalog compiles every schema in toolSchemaSource. A compile failure
// here is a programming error, not a runtime condition — it panics.
func NewCatalog() *Catalog {
	c := &Catalog{schemas: make(map[string]*jsonschema.Schema, len(toolSchemaSource))}
	compiler := jsonschema.NewCompiler()
	for name, src := range toolSchemaSource {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			panic(fmt.Sprintf("orchestrator: invalid schema literal for %s: %v", name, err))
		}
		resourceName := name + ".json"
		if err := compiler.AddResource(resourceName, doc); err != nil {
			panic(fmt.Sprintf("orchestrator: add schema resource %s: %v", name, err))
		}
		schema, err := compiler.Compile(resourceName)
		if err != nil {
			panic(fmt.Sprintf("orchestrator: compile schema %s: %v", name, err))
		}
		c.schemas[name] = schema
	}
	return c
}

// Validate checks args against name's schema. Unknown tool names are
// rejected the same as a schema violation.
func (c *Catalog) Validate(name string, args map[string]interface{}) error {
	schema, ok := c.schemas[name]
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if err := schema.Validate(normalizeJSON(args)); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

// normalizeJSON round-trips args through encoding/json so numeric types
// match what the validator expects regardless of how the provider decoded
// them.
func normalizeJSON(args map[string]interface{}) interface{} {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

// Definitions returns the ToolDefinition list to send on every LLM request,
// in a fixed order so prompts are stable across calls.
func (c *Catalog) Definitions() []providers.ToolDefinition {
	order := []string{
		protocol.ToolConsultPlanner,
		protocol.ToolConsultResearcher,
		protocol.ToolAssignTask,
		protocol.ToolCheckAgentStatus,
		protocol.ToolEscalateToHuman,
	}
	defs := make([]providers.ToolDefinition, 0, len(order))
	for _, name := range order {
		var schema map[string]interface{}
		_ = json.Unmarshal([]byte(toolSchemaSource[name]), &schema)
		defs = append(defs, providers.ToolDefinition{
			Name:        name,
			Description: toolDescriptions[name],
			InputSchema: schema,
		})
	}
	return defs
}
