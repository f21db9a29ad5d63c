// Package agent spawns external coding-agent processes, parses their
// line-delimited event streams, and reduces each invocation to a single
// Response. Ordinary failures surface through the Response status and error
// fields; Invoke returns a hard error only when a process cannot be spawned
// at all.
package agent

import (
	"encoding/json"
	"time"
)

// Status labels the outcome of one agent invocation.
type Status string

const (
	// StatusSuccess means the process completed and produced usable content.
	StatusSuccess Status = "success"
	// StatusError means the process failed at the transport or exit level.
	StatusError Status = "error"
	// StatusBlocked means the process completed its protocol but reported
	// that it could not finish the work.
	StatusBlocked Status = "blocked"
)

// Response is the immutable outcome of one agent invocation. RuleIndex and
// RuleMethod are filled in later by whoever classifies the content; they are
// meaningful only when RuleMethod is non-empty.
type Response struct {
	Agent      string         `json:"agent"`
	Status     Status         `json:"status"`
	Content    string         `json:"content,omitempty"`
	Structured map[string]any `json:"structured,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id,omitempty"`
	RuleIndex  int            `json:"rule_index,omitempty"`
	RuleMethod string         `json:"rule_method,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// InvokeOptions carries the per-call knobs for one invocation.
type InvokeOptions struct {
	// WorkingDir is the directory the process runs in; empty inherits the
	// caller's.
	WorkingDir string
	// SessionID resumes a previous conversation when the provider supports
	// it; empty starts fresh.
	SessionID string
	// Model overrides the profile's model id.
	Model string
	// Permission selects the provider's access tier flag.
	Permission string
	// Schema, when non-nil, asks the adapter to extract a structured JSON
	// object from the final text. The schema itself travels inside the
	// prompt; its presence here only switches extraction on.
	Schema json.RawMessage
	// OnEvent receives every normalized stream event as it arrives.
	OnEvent func(StreamEvent)
}

// EventKind labels a normalized stream event.
type EventKind string

const (
	// EventInit reports the model and session id the process started with.
	EventInit EventKind = "init"
	// EventText is an incremental fragment of visible reply text.
	EventText EventKind = "text"
	// EventThinking is an incremental fragment of reasoning text.
	EventThinking EventKind = "thinking"
	// EventToolUse marks the start of a tool invocation.
	EventToolUse EventKind = "tool_use"
	// EventToolOutput is an incremental fragment of tool input or output.
	EventToolOutput EventKind = "tool_output"
	// EventToolResult carries a completed tool invocation's result.
	EventToolResult EventKind = "tool_result"
	// EventTurn carries the completed text of one assistant turn.
	EventTurn EventKind = "turn"
	// EventResult carries the final outcome of the whole invocation.
	EventResult EventKind = "result"
	// EventError reports a failure event emitted by the process.
	EventError EventKind = "error"
)

// StreamEvent is one normalized event from an agent's output stream. Fields
// beyond Kind and Text are populated only where the kind calls for them.
type StreamEvent struct {
	Kind      EventKind
	Text      string
	Model     string
	SessionID string
	Tool      string
	IsError   bool
}

// Permission tiers accepted by InvokeOptions. They mirror the workflow
// model's step permissions.
const (
	PermissionReadOnly = "read-only"
	PermissionEdit     = "edit"
	PermissionFull     = "full"
)
