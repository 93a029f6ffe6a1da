package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
)

// ---------------------------------------------------------------------------
// spawn_subagent
// ---------------------------------------------------------------------------

func spawnSubagentTool() ToolDef {
	return ToolDef{
		// Spawning is compute-only orchestration; the child's own tool
		// calls still pass the permission gate.
		DefaultPolicy: domain.PolicyAllow,
		Spec: provider.ToolSpec{
			Name:        "spawn_subagent",
			Description: "Spawn a sub-agent to handle an independent subtask. The sub-agent gets a fresh conversation and a restricted tool set (read_file, list_files, search, http_fetch by default; tools_allowlist may widen it, but never with spawn_subagent). It runs to completion and returns its final text.",
			Properties: map[string]provider.ToolProp{
				"task":  {Type: "string", Description: "Detailed prompt for the sub-agent describing what to do"},
				"label": {Type: "string", Description: "Short label for the subtask (3-5 words)"},
				"tools_allowlist": {
					Type:        "array",
					Description: "Tool names the sub-agent may use instead of the default read-only set",
					Items:       &provider.ToolProp{Type: "string"},
				},
			},
			Required: []string{"task"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			if tc == nil || tc.Spawn == nil {
				return "", fmt.Errorf("sub-agent spawning not available")
			}

			task, _ := input["task"].(string)
			if strings.TrimSpace(task) == "" {
				return "", fmt.Errorf("task is required")
			}
			label, _ := input["label"].(string)

			var allowlist []string
			if raw, ok := input["tools_allowlist"].([]any); ok {
				for _, v := range raw {
					if name, ok := v.(string); ok && name != "" {
						allowlist = append(allowlist, name)
					}
				}
			}

			result, err := tc.Spawn(ctx, task, label, allowlist)
			if err != nil {
				return "", fmt.Errorf("sub-agent failed: %w", err)
			}
			return truncateOutput(result), nil
		},
	}
}

// DefaultSubagentTools is the tool view a sub-agent gets when the caller
// passes no allowlist.
func DefaultSubagentTools() []string {
	return []string{"read_file", "list_files", "search", "http_fetch"}
}

// SubagentView builds the child tool view from an allowlist. An empty
// allowlist yields the default read-only set; spawn_subagent is stripped
// in every case, so sub-agents never recurse.
func SubagentView(allowlist []string) map[string]bool {
	names := allowlist
	if len(names) == 0 {
		names = DefaultSubagentTools()
	}
	view := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "spawn_subagent" {
			continue
		}
		view[name] = true
	}
	return view
}
