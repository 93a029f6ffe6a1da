// Package tools defines the agent's tool surface: each tool binds a
// provider-agnostic spec to a handler that runs against the session's
// sandboxed workspace, plus a default permission policy consulted when no
// stored policy overrides it.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/batalabs/agentd/internal/bus"
	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
	"github.com/batalabs/agentd/internal/sandbox"
	"github.com/batalabs/agentd/internal/store"
)

// ToolContext provides shared state to tool implementations. The ids tie
// version snapshots and published events to the step being executed.
type ToolContext struct {
	FS         *sandbox.FS
	Store      *store.Store
	Bus        *bus.Bus
	SessionID  string
	TurnID     string
	StepID     string
	ToolCallID string

	BraveAPIKey string

	// Spawn runs a sub-agent to completion and returns its final text.
	// Set by the agent loop; nil disables spawn_subagent.
	Spawn func(ctx context.Context, task, label string, allowlist []string) (string, error)
}

// ToolFunc is the signature for tool execution functions.
type ToolFunc func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error)

// ToolDef binds a provider-agnostic tool specification to its
// implementation and its default permission policy.
type ToolDef struct {
	Spec          provider.ToolSpec
	DefaultPolicy string
	Execute       ToolFunc
}

// AllTools returns the built-in tool definitions.
func AllTools() []ToolDef {
	return []ToolDef{
		readFileTool(),
		writeFileTool(),
		applyPatchTool(),
		listFilesTool(),
		searchTool(),
		httpFetchTool(),
		spawnSubagentTool(),
		memoryTool(),
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds the runtime tool set: built-ins plus tools joined from
// external MCP servers at startup. Reads vastly outnumber writes; writes
// happen only during startup and admin calls.
type Registry struct {
	mu       sync.RWMutex
	defs     []ToolDef
	index    map[string]int
	disabled map[string]bool
}

// NewRegistry creates a registry seeded with the given definitions.
func NewRegistry(defs []ToolDef) *Registry {
	r := &Registry{
		index:    make(map[string]int),
		disabled: make(map[string]bool),
	}
	for _, d := range defs {
		r.register(d)
	}
	return r
}

func (r *Registry) register(def ToolDef) bool {
	if _, taken := r.index[def.Spec.Name]; taken {
		return false
	}
	r.index[def.Spec.Name] = len(r.defs)
	r.defs = append(r.defs, def)
	return true
}

// Register adds a tool definition. It reports false when the name is
// already taken; the existing definition wins.
func (r *Registry) Register(def ToolDef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(def)
}

// Find looks up a tool by name. Disabled tools are still found; callers
// check Enabled separately so a disabled tool fails with a precise error
// instead of "unknown tool".
func (r *Registry) Find(name string) (ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return ToolDef{}, false
	}
	return r.defs[i], true
}

// All returns every registered definition, including disabled ones.
func (r *Registry) All() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDef, len(r.defs))
	copy(out, r.defs)
	return out
}

// Names returns all registered tool names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for _, d := range r.defs {
		names = append(names, d.Spec.Name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the specs offered to the model: every enabled tool.
func (r *Registry) Specs() []provider.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var specs []provider.ToolSpec
	for _, d := range r.defs {
		if r.disabled[d.Spec.Name] {
			continue
		}
		specs = append(specs, d.Spec)
	}
	return specs
}

// SpecsFor returns the specs for an allowlisted view (the sub-agent tool
// surface). Disabled tools stay excluded even when allowlisted.
func (r *Registry) SpecsFor(allowed map[string]bool) []provider.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var specs []provider.ToolSpec
	for _, d := range r.defs {
		if !allowed[d.Spec.Name] || r.disabled[d.Spec.Name] {
			continue
		}
		specs = append(specs, d.Spec)
	}
	return specs
}

// DefaultPolicies maps every registered tool to its default policy;
// this seeds the permission gate's registry defaults.
func (r *Registry) DefaultPolicies() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.defs))
	for _, d := range r.defs {
		policy := d.DefaultPolicy
		if policy == "" {
			policy = domain.PolicyAsk
		}
		out[d.Spec.Name] = policy
	}
	return out
}

// SetDisabled replaces the disabled set (from config's tools_disabled).
func (r *Registry) SetDisabled(disabled map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = make(map[string]bool, len(disabled))
	for name, off := range disabled {
		if off {
			r.disabled[name] = true
		}
	}
}

// Enabled reports whether a tool may execute.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.disabled[name]
}

// ---------------------------------------------------------------------------
// Shared output handling
// ---------------------------------------------------------------------------

// maxToolOutput caps what a single tool returns to the model.
const maxToolOutput = 50 * 1024

func truncateOutput(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... (truncated at 50KB)"
}

// truncate returns s trimmed to maxLen characters.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
