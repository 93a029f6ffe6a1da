// Package provider adapts model APIs to a single streaming interface. The
// agent consumes a channel of ModelEvents and never sees wire formats.
package provider

import (
	"context"
	"strings"

	"github.com/batalabs/agentd/internal/domain"
)

// ---------------------------------------------------------------------------
// Provider-agnostic tool types
// ---------------------------------------------------------------------------

// ToolSpec is a provider-agnostic tool definition. Each provider converts
// these to its own wire format.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]ToolProp
	Required    []string
}

// ToolProp describes a single tool input property.
type ToolProp struct {
	Type        string
	Description string
	Enum        []string
	// Items describes the element schema when Type is "array".
	Items *ToolProp
	// Properties describes nested object properties (when Type is "object"
	// or Items.Type is "object").
	Properties map[string]ToolProp
	// Required lists required fields when this prop describes an object.
	Required []string
}

// Usage contains token accounting for a streamed model call.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// ---------------------------------------------------------------------------
// Streaming interface
// ---------------------------------------------------------------------------

// ModelEvent kinds, in the order a stream can produce them. Exactly one
// terminal event (stop or error) ends every stream.
const (
	KindTextDelta     = "text_delta"
	KindThinkingDelta = "thinking_delta"
	KindThinkingEnd   = "thinking_end"
	KindToolCall      = "tool_call"
	KindStop          = "stop"
	KindError         = "error"
)

// ModelEvent is one increment of a streaming model response.
type ModelEvent struct {
	Kind string

	// text_delta and thinking_delta carry the chunk; thinking_end carries
	// the assembled thinking text.
	Text      string
	Signature string

	// tool_call, emitted once the input JSON is complete.
	ToolID    string
	ToolName  string
	ToolInput map[string]any

	// stop
	StopReason string
	Usage      Usage

	// error
	Err error
}

// Request describes one streaming model call.
type Request struct {
	APIKey   string
	Model    string
	System   string
	Messages []domain.TranscriptMessage
	Tools    []ToolSpec

	// MaxTokens defaults to 16384 when zero.
	MaxTokens int
	// ThinkingBudget enables extended thinking with the given token budget
	// when positive.
	ThinkingBudget int
}

// Provider is a streaming model API.
type Provider interface {
	// Open starts a model call. Events arrive on the returned channel in
	// wire order; the channel closes after the terminal event. Cancelling
	// ctx tears the stream down.
	Open(ctx context.Context, req Request) (<-chan ModelEvent, error)

	// Name returns the provider name (e.g. "anthropic").
	Name() string
}

// ---------------------------------------------------------------------------
// Model alias resolution
// ---------------------------------------------------------------------------

// DefaultModel is the model used when none is configured.
const DefaultModel = "claude-sonnet-4-6"

// ModelAliases maps user-friendly names to Anthropic API model IDs.
var ModelAliases = map[string]string{
	"claude-sonnet": "claude-sonnet-4-6",
	"claude-haiku":  "claude-haiku-4-5-20251001",
	"claude-opus":   "claude-opus-4-6",
}

// ResolveModel maps user-friendly names to Anthropic API model IDs.
func ResolveModel(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return DefaultModel
	}
	trimmed = strings.TrimPrefix(trimmed, "anthropic/")
	trimmed = strings.TrimPrefix(trimmed, "anthropic.")
	lower := strings.ToLower(trimmed)
	if resolved, ok := ModelAliases[lower]; ok {
		return resolved
	}
	return trimmed
}
