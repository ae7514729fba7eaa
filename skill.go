package goskills

import (
	"context"
	"encoding/json"
	"time"
)

// LoadParams carries everything a skill needs to come up.
type LoadParams struct {
	// DataDir is the skill's private directory for config and databases.
	DataDir string `json:"data_dir"`

	// Credentials is an opaque blob forwarded from the host's secret
	// store. Skills that persist their own config.json may ignore it.
	Credentials json.RawMessage `json:"credentials,omitempty"`

	// Options toggles named option groups (e.g. tool categories).
	// Absent keys fall back to the option's declared default.
	Options map[string]bool `json:"options,omitempty"`
}

// Status is the snapshot returned by Skill.Status. It is served from
// memory and must never block on I/O.
type Status struct {
	ConnectionStatus string         `json:"connection_status"`
	AuthStatus       string         `json:"auth_status"`
	Initialized      bool           `json:"initialized"`
	LastSync         time.Time      `json:"last_sync,omitzero"`
	CurrentUser      map[string]any `json:"current_user,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Connection status values used by Status.ConnectionStatus.
const (
	ConnDisconnected = "disconnected"
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnError        = "error"
)

// Auth status values used by Status.AuthStatus.
const (
	AuthUnknown          = "unknown"
	AuthNotAuthenticated = "not_authenticated"
	AuthAuthenticated    = "authenticated"
)

// ToolResult is the uniform envelope every tool call returns.
// Content is a single text blob: either pre-formatted prose or a
// JSON-serialized payload.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// TextResult wraps plain text in a successful ToolResult.
func TextResult(text string) ToolResult {
	return ToolResult{Content: text}
}

// ErrorResult wraps a message in a failed ToolResult.
func ErrorResult(msg string) ToolResult {
	return ToolResult{Content: msg, IsError: true}
}

// JSONResult marshals v into a successful ToolResult. Marshal failures
// surface as an error result rather than a panic.
func JSONResult(v any) ToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("failed to encode result: " + err.Error())
	}
	return ToolResult{Content: string(data)}
}

// ToolDefinition describes a tool for host-side listing.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// OptionDefinition is a host-visible toggle, typically gating a group
// of tools behind one boolean (e.g. "enable_admin_tools").
type OptionDefinition struct {
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Default     bool     `json:"default"`
	Group       string   `json:"group,omitempty"`
	ToolFilter  []string `json:"tool_filter,omitempty"`
}

// Skill is the contract every per-skill session runtime implements.
//
// Load brings the skill up (open stores, connect the client, start
// ingest). Unload tears everything down and resets all state tiers.
// Tick runs periodic work: summarization, pruning, entity refresh.
// All methods are called from the host's control task; long-running
// work happens on skill-owned goroutines that honor ctx.
type Skill interface {
	Name() string

	Load(ctx context.Context, params LoadParams) error
	Unload(ctx context.Context) error
	Tick(ctx context.Context) error
	Status() Status

	// SetupStart begins the setup wizard. It returns either the first
	// step, or a completed result when no setup is needed.
	SetupStart(ctx context.Context) (*SetupStep, *SetupResult, error)
	SetupSubmit(ctx context.Context, stepID string, values map[string]any) (*SetupResult, error)
	SetupCancel(ctx context.Context)

	// CallTool dispatches a tool by name. Unknown names yield an error
	// result, never a Go error.
	CallTool(ctx context.Context, name string, args map[string]any) ToolResult
	Tools() []ToolDefinition
	Options() []OptionDefinition

	RegisterTrigger(t Trigger) error
	RemoveTrigger(id string)
	TriggerSchema() TriggerSchema

	// Disconnect clears persisted credentials and unloads.
	Disconnect(ctx context.Context) error
}

// Entity is one node upserted into the host's knowledge graph. The host
// merges on (Source, SourceID).
type Entity struct {
	Type     string         `json:"type"`
	Source   string         `json:"source"`
	SourceID string         `json:"source_id"`
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Relationship is one edge in the host's knowledge graph. SourceID and
// TargetID are namespaced with the emitting skill's source prefix
// (e.g. "telegram:12345") so IDs never collide across skills.
type Relationship struct {
	SourceID string         `json:"source_id"`
	TargetID string         `json:"target_id"`
	Type     string         `json:"type"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
