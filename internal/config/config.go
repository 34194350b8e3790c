// Package config loads and hot-reloads the JSON5 configuration file shared
// by the gateway, orchestrator, and worker binaries.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration document. Every optional field has a
// safe zero-value fallback applied by Default/applyEnvOverrides, so a
// missing config file is not an error; required fields are checked by each
// binary's Validate call.
type Config struct {
	mu sync.RWMutex

	Bus          BusConfig          `json:"bus"`
	Database     DatabaseConfig     `json:"database"`
	Gateway      GatewayConfig      `json:"gateway"`
	Worker       WorkerConfig       `json:"worker"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
}

// BusConfig configures the Redis pub/sub connection.
type BusConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"` // env-only, never written to disk
	DB       int    `json:"db"`
}

// DatabaseConfig configures the Postgres activity log store.
type DatabaseConfig struct {
	URL string `json:"-"` // env-only: the DSN carries credentials
}

// GatewayConfig configures the Message Gateway's HTTP/WebSocket surface.
type GatewayConfig struct {
	ListenAddr        string   `json:"listen_addr"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	ForwardedChannels []string `json:"forwarded_channels,omitempty"` // bus channels broadcast to every WS client
	HeartbeatInterval string   `json:"heartbeat_interval,omitempty"` // Go duration string, default "30s"
}

// WorkerConfig configures a Local Worker Supervisor instance.
type WorkerConfig struct {
	Name           string `json:"name"`
	RepoPath       string `json:"repo_path"`
	Tool           string `json:"tool"`                      // invocable command, e.g. "claude"
	CommandFile    string `json:"command_file,omitempty"`    // scratch file, relative to repo_path, default ".claude-command.md"
	TaskTimeout    string `json:"task_timeout,omitempty"`    // default "30m", per-task override comes on the envelope
	GraceTimeout   string `json:"grace_timeout,omitempty"`   // default "5s"
	HeartbeatEvery string `json:"heartbeat_every,omitempty"` // default "60s"
	ShutdownGrace  string `json:"shutdown_grace,omitempty"`  // default "30s"
}

// OrchestratorConfig configures the Conversational Orchestrator.
type OrchestratorConfig struct {
	Model             string `json:"model"`
	APIKey            string `json:"-"` // env-only
	MaxToolIterations int    `json:"max_tool_iterations,omitempty"` // default 10
	HistoryCap        int    `json:"history_cap,omitempty"`         // default 50
	IdleEviction      string `json:"idle_eviction,omitempty"`       // default "1h"
	ToolTimeout       string `json:"tool_timeout,omitempty"`        // per tool call, default "5m"
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Default returns a Config populated with the system's baked-in defaults,
// matching the constants named in each field's comment above.
func Default() *Config {
	return &Config{
		Bus: BusConfig{Addr: "localhost:6379"},
		Gateway: GatewayConfig{
			ListenAddr:        ":8080",
			ForwardedChannels: []string{"chatter-output", "system"},
			HeartbeatInterval: "30s",
		},
		Worker: WorkerConfig{
			CommandFile:    ".claude-command.md",
			TaskTimeout:    "30m",
			GraceTimeout:   "5s",
			HeartbeatEvery: "60s",
			ShutdownGrace:  "30s",
		},
		Orchestrator: OrchestratorConfig{
			Model:             "claude-sonnet-4-5",
			MaxToolIterations: 10,
			HistoryCap:        50,
			IdleEviction:      "1h",
			ToolTimeout:       "5m",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentmesh",
		},
	}
}

// Load reads a JSON5 config file at path, falling back to Default() when
// the file doesn't exist, then overlays AGENTMESH_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays AGENTMESH_* environment variables. Env vars
// always take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("AGENTMESH_BUS_ADDR", &c.Bus.Addr)
	envStr("AGENTMESH_BUS_PASSWORD", &c.Bus.Password)
	envInt("AGENTMESH_BUS_DB", &c.Bus.DB)

	envStr("AGENTMESH_DATABASE_URL", &c.Database.URL)

	envStr("AGENTMESH_GATEWAY_LISTEN_ADDR", &c.Gateway.ListenAddr)
	if v := os.Getenv("AGENTMESH_GATEWAY_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("AGENTMESH_GATEWAY_FORWARDED_CHANNELS"); v != "" {
		c.Gateway.ForwardedChannels = strings.Split(v, ",")
	}

	envStr("AGENTMESH_WORKER_NAME", &c.Worker.Name)
	envStr("AGENTMESH_WORKER_REPO_PATH", &c.Worker.RepoPath)
	envStr("AGENTMESH_WORKER_TOOL", &c.Worker.Tool)
	envStr("AGENTMESH_WORKER_COMMAND_FILE", &c.Worker.CommandFile)
	envStr("AGENTMESH_WORKER_TASK_TIMEOUT", &c.Worker.TaskTimeout)

	envStr("AGENTMESH_MODEL", &c.Orchestrator.Model)
	envStr("AGENTMESH_ANTHROPIC_API_KEY", &c.Orchestrator.APIKey)
	envInt("AGENTMESH_HISTORY_CAP", &c.Orchestrator.HistoryCap)
	envStr("AGENTMESH_IDLE_EVICTION", &c.Orchestrator.IdleEviction)
	envStr("AGENTMESH_TOOL_TIMEOUT", &c.Orchestrator.ToolTimeout)

	if v := os.Getenv("AGENTMESH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	envStr("AGENTMESH_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
}

// MissingError aggregates every required option a binary found unset, so
// startup reports them all at once instead of one at a time.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("config: missing required options: %s", strings.Join(e.Names, ", "))
}

// ValidateGateway checks the options the gateway binary cannot run without.
func (c *Config) ValidateGateway() error {
	return c.requireAll(map[string]string{
		"bus.addr":            c.Bus.Addr,
		"gateway.listen_addr": c.Gateway.ListenAddr,
	})
}

// ValidateOrchestrator checks the options the orchestrator cannot run
// without.
func (c *Config) ValidateOrchestrator() error {
	return c.requireAll(map[string]string{
		"bus.addr":                          c.Bus.Addr,
		"orchestrator.model":                c.Orchestrator.Model,
		"AGENTMESH_ANTHROPIC_API_KEY (env)": c.Orchestrator.APIKey,
	})
}

// ValidateWorker checks the options the worker cannot run without, and that
// its repository path names an existing directory.
func (c *Config) ValidateWorker() error {
	if err := c.requireAll(map[string]string{
		"bus.addr":         c.Bus.Addr,
		"worker.name":      c.Worker.Name,
		"worker.repo_path": c.Worker.RepoPath,
		"worker.tool":      c.Worker.Tool,
	}); err != nil {
		return err
	}
	repo := ExpandHome(c.Worker.RepoPath)
	info, err := os.Stat(repo)
	if err != nil {
		return fmt.Errorf("config: worker.repo_path %q: %w", repo, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: worker.repo_path %q is not a directory", repo)
	}
	return nil
}

func (c *Config) requireAll(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingError{Names: missing}
	}
	return nil
}

// Hash returns a short content hash of the config, used to detect whether a
// hot-reload actually changed anything worth re-announcing.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(struct {
		Bus          BusConfig          `json:"bus"`
		Database     DatabaseConfig     `json:"database"`
		Gateway      GatewayConfig      `json:"gateway"`
		Worker       WorkerConfig       `json:"worker"`
		Orchestrator OrchestratorConfig `json:"orchestrator"`
		Telemetry    TelemetryConfig    `json:"telemetry"`
	}{c.Bus, c.Database, c.Gateway, c.Worker, c.Orchestrator, c.Telemetry})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

// Snapshot returns a copy of the gateway section, the part of the config
// that hot reload replaces, safe to read without holding c's lock. The
// gateway reads it per request for the origin allowlist and per connection
// for the heartbeat interval; its forwarded channels are read once, when
// the gateway starts.
func (c *Config) Snapshot() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

// ReplaceFrom atomically swaps in the dynamic fields from a freshly reloaded
// config, preserving c's mutex and any fields not meant to hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
}

// ExpandHome expands a leading "~" in path to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ParseDuration parses a Go duration string, returning fallback when s is
// empty or malformed. The config file keeps durations as strings so JSON5
// stays hand-editable.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
