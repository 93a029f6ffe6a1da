package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
	"github.com/batalabs/agentd/internal/store"
)

// ---------------------------------------------------------------------------
// memory — cross-session key/value facts
// ---------------------------------------------------------------------------

func memoryTool() ToolDef {
	return ToolDef{
		DefaultPolicy: domain.PolicyAllow,
		Spec: provider.ToolSpec{
			Name:        "memory",
			Description: "Read or update persistent agent memory. Facts are key-value pairs shared across all sessions. Use action 'list' to see everything, 'get' to read one key, 'set' to add or update, 'remove' to delete.",
			Properties: map[string]provider.ToolProp{
				"action": {Type: "string", Description: "One of: list, get, set, remove", Enum: []string{"list", "get", "set", "remove"}},
				"key":    {Type: "string", Description: "Fact key (required for get, set, remove)"},
				"value":  {Type: "string", Description: "Fact value (required for set)"},
			},
			Required: []string{"action"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			if tc == nil || tc.Store == nil {
				return "", fmt.Errorf("memory not available")
			}

			action, _ := input["action"].(string)
			action = strings.ToLower(strings.TrimSpace(action))
			key, _ := input["key"].(string)
			key = strings.TrimSpace(key)
			value, _ := input["value"].(string)

			switch action {
			case "list":
				entries, err := tc.Store.MemoryAll()
				if err != nil {
					return "", fmt.Errorf("loading memory: %w", err)
				}
				if len(entries) == 0 {
					return "No memory facts stored.", nil
				}
				var b strings.Builder
				for _, e := range entries {
					fmt.Fprintf(&b, "%s: %s\n", e.Key, e.Value)
				}
				return strings.TrimRight(b.String(), "\n"), nil

			case "get":
				if key == "" {
					return "", fmt.Errorf("key is required for get")
				}
				value, err := tc.Store.MemoryGet(key)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Sprintf("Key %q not found in memory.", key), nil
				}
				if err != nil {
					return "", fmt.Errorf("loading memory: %w", err)
				}
				return value, nil

			case "set":
				if key == "" {
					return "", fmt.Errorf("key is required for set")
				}
				if strings.TrimSpace(value) == "" {
					return "", fmt.Errorf("value is required for set")
				}
				if err := tc.Store.MemorySet(key, value); err != nil {
					return "", fmt.Errorf("saving memory: %w", err)
				}
				return fmt.Sprintf("Saved memory fact: %s = %s", key, value), nil

			case "remove":
				if key == "" {
					return "", fmt.Errorf("key is required for remove")
				}
				if err := tc.Store.MemoryDelete(key); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Sprintf("Key %q not found in memory.", key), nil
					}
					return "", fmt.Errorf("removing memory fact: %w", err)
				}
				return fmt.Sprintf("Removed memory fact: %s", key), nil

			default:
				return "", fmt.Errorf("invalid action %q: must be list, get, set, or remove", action)
			}
		},
	}
}
