package domain

import "time"

// Persisted event types. Every entry here is assigned a global id and a
// per-session seq and can be replayed after reconnect.
const (
	EventStatus        = "status"
	EventMessageDelta  = "message_delta"
	EventThinking      = "thinking"
	EventToolCall      = "tool_call"
	EventToolResult    = "tool_result"
	EventTerminalChunk = "terminal_chunk"
	EventDiff          = "diff"
	EventSubagent      = "subagent"
	EventSubagentBlock = "subagent_block"
	EventFinal         = "final"
	EventError         = "error"
)

// SSE control frames. Never persisted, never sequenced.
const (
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
)

// Tool call statuses carried in tool_call event payloads.
const (
	ToolCallPermissionRequired = "permission_required"
	ToolCallRunning            = "running"
	ToolCallCompleted          = "completed"
	ToolCallError              = "error"
)

// Event is the envelope shared by the event log, the JSON replay endpoint
// and the SSE stream. ID is globally monotonic; Seq is gapless per session.
type Event struct {
	ID        int64          `json:"id"`
	Seq       int64          `json:"seq"`
	TS        float64        `json:"ts"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// TSNow returns the current time as unix seconds with sub-second precision,
// the timestamp representation used on the event wire.
func TSNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
