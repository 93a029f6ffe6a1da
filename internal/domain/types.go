package domain

import (
	"strings"
	"time"
)

// Session statuses.
const (
	SessionIdle    = "idle"
	SessionRunning = "running"
	SessionError   = "error"
)

// Step statuses.
const (
	StepRunning   = "running"
	StepDone      = "done"
	StepCancelled = "cancelled"
	StepError     = "error"
)

// Tool policies, in increasing order of trust.
const (
	PolicyDeny  = "deny"
	PolicyAsk   = "ask"
	PolicyAllow = "allow"
)

// Global permission modes. ModeAllow bypasses per-tool policies entirely.
const (
	ModeAsk   = "ask"
	ModeAllow = "allow"
)

// Permission request statuses. A request leaves "pending" exactly once.
const (
	PermissionPending  = "pending"
	PermissionApproved = "approved"
	PermissionDenied   = "denied"
	PermissionExpired  = "expired"
)

// Approval scopes.
const (
	ScopeOnce    = "once"
	ScopeSession = "session"
	ScopeAlways  = "always"
)

// Session holds metadata about a conversation session.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionSettings holds per-session overrides of server defaults.
type SessionSettings struct {
	SessionID     string `json:"session_id"`
	OverrideModel string `json:"override_model,omitempty"`
}

// Message is one entry of the durable conversation transcript.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one user request and everything the agent did to answer it.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserText  string    `json:"user_text"`
	CreatedAt time.Time `json:"created_at"`
}

// Step is one model iteration within a turn. Idx is 1-based.
type Step struct {
	ID         string    `json:"id"`
	TurnID     string    `json:"turn_id"`
	Idx        int       `json:"idx"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// PermissionRequest is a pending (or resolved) approval for one tool call.
type PermissionRequest struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	TurnID     string         `json:"turn_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	Input      map[string]any `json:"input,omitempty"`
	Status     string         `json:"status"`
	Scope      string         `json:"scope"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt time.Time      `json:"resolved_at,omitzero"`
}

// FileChange records one applied workspace mutation as a unified diff.
type FileChange struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Path      string    `json:"path"`
	Diff      string    `json:"diff"`
	CreatedAt time.Time `json:"created_at"`
}

// FileVersion is a pre-image snapshot taken before a mutation. Idx is dense
// and 1-based per (session, path).
type FileVersion struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Path      string    `json:"path"`
	Idx       int       `json:"idx"`
	Content   string    `json:"content,omitempty"`
	SHA256    string    `json:"sha256"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Context item kinds.
const (
	ContextFile    = "file"
	ContextWeb     = "web"
	ContextSummary = "summary"
	ContextMemory  = "memory"
)

// ContextItem is a candidate or pinned piece of model context.
type ContextItem struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Kind          string    `json:"kind"`
	Title         string    `json:"title,omitempty"`
	ContentRef    string    `json:"content_ref"`
	Pinned        bool      `json:"pinned"`
	Summary       string    `json:"summary,omitempty"`
	SummarySHA256 string    `json:"summary_sha256,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TerminalChunk is a persisted fragment of command output attributed to a
// tool call.
type TerminalChunk struct {
	ID         int64   `json:"id"`
	SessionID  string  `json:"session_id"`
	TurnID     string  `json:"turn_id,omitempty"`
	StepID     string  `json:"step_id,omitempty"`
	ToolCallID string  `json:"tool_call_id"`
	Stream     string  `json:"stream"`
	Text       string  `json:"text"`
	TS         float64 `json:"ts"`
}

// MemoryEntry is one record of the global key/value agent memory.
type MemoryEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContentBlock represents a structured content block in a message.
type ContentBlock struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	Signature  string         `json:"signature,omitempty"` // thinking blocks only
	ToolUseID  string         `json:"tool_use_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolResult string         `json:"tool_result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// TranscriptMessage is a message with a role and content blocks.
type TranscriptMessage struct {
	Role    string
	Content string
	Blocks  []ContentBlock
}

// HasBlocks reports whether the message has structured content blocks.
func (m TranscriptMessage) HasBlocks() bool {
	return len(m.Blocks) > 0
}

// TextContent extracts the plain text content from a message.
func (m TranscriptMessage) TextContent() string {
	if !m.HasBlocks() {
		return m.Content
	}
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
