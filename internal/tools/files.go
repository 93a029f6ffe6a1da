package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
	"github.com/batalabs/agentd/internal/sandbox"
)

// ---------------------------------------------------------------------------
// read_file
// ---------------------------------------------------------------------------

func readFileTool() ToolDef {
	return ToolDef{
		DefaultPolicy: domain.PolicyAllow,
		Spec: provider.ToolSpec{
			Name:        "read_file",
			Description: "Read a file from the workspace. PDF, DOCX, and XLSX files are converted to plain text. Paths are relative to the workspace root.",
			Properties: map[string]provider.ToolProp{
				"path":      {Type: "string", Description: "Workspace-relative file path to read"},
				"max_bytes": {Type: "integer", Description: "Maximum number of bytes to return (default: 50KB)"},
			},
			Required: []string{"path"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			path, ok := input["path"].(string)
			if !ok || path == "" {
				return "", fmt.Errorf("path is required")
			}
			if tc == nil || tc.FS == nil {
				return "", fmt.Errorf("workspace not available")
			}

			data, rel, err := tc.FS.ReadFile(path)
			if err != nil {
				return "", err
			}

			text, extracted, err := sandbox.ExtractText(rel, data)
			if err != nil {
				return "", fmt.Errorf("extracting %s: %w", rel, err)
			}
			if extracted {
				text = fmt.Sprintf("[extracted text: %s]\n\n%s", rel, text)
			} else if sandbox.IsBinary(data) {
				return "", fmt.Errorf("%s is a binary file (only .pdf, .docx, and .xlsx are converted to text)", rel)
			}

			if v, ok := input["max_bytes"].(float64); ok && v > 0 && len(text) > int(v) {
				text = text[:int(v)] + fmt.Sprintf("\n... (truncated at %d bytes)", int(v))
			}
			text = truncateOutput(text)

			// Successful reads become candidate context; capture is best-effort.
			if tc.Store != nil {
				tc.Store.AddContextItem(tc.SessionID, domain.ContextFile, rel, rel, false)
			}

			return text, nil
		},
	}
}

// ---------------------------------------------------------------------------
// write_file
// ---------------------------------------------------------------------------

func writeFileTool() ToolDef {
	return ToolDef{
		DefaultPolicy: domain.PolicyAsk,
		Spec: provider.ToolSpec{
			Name:        "write_file",
			Description: "Create or overwrite a workspace file. Parent directories are created automatically. The previous content is snapshotted as a version before the write, and a diff is recorded.",
			Properties: map[string]provider.ToolProp{
				"path":    {Type: "string", Description: "Workspace-relative file path to write"},
				"content": {Type: "string", Description: "Content to write to the file"},
			},
			Required: []string{"path", "content"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			path, ok := input["path"].(string)
			if !ok || path == "" {
				return "", fmt.Errorf("path is required")
			}
			content, _ := input["content"].(string)
			if tc == nil || tc.FS == nil || tc.Store == nil {
				return "", fmt.Errorf("workspace not available")
			}

			res, err := tc.FS.WriteFile(path, content)
			if err != nil {
				return "", err
			}
			if err := recordMutation(tc, res, content, "write_file"); err != nil {
				return "", err
			}

			lines := strings.Count(content, "\n") + 1
			return fmt.Sprintf("Wrote %d bytes (%d lines) to %s", len(content), lines, res.Path), nil
		},
	}
}

// recordMutation persists the version snapshot and the change row for a
// completed write, then publishes the diff event. Both rows are durable
// before any subscriber sees the diff. A no-op write records nothing.
func recordMutation(tc *ToolContext, res *sandbox.WriteResult, content, note string) error {
	diff := sandbox.Unified(res.Path, res.Previous, content)
	if diff == "" {
		return nil
	}

	if res.Existed {
		if _, err := tc.Store.AddFileVersion(tc.SessionID, tc.TurnID, tc.StepID, res.Path, res.Previous, note); err != nil {
			return fmt.Errorf("snapshotting %s: %w", res.Path, err)
		}
	}
	if _, err := tc.Store.AddFileChange(tc.SessionID, tc.TurnID, tc.StepID, res.Path, diff); err != nil {
		return fmt.Errorf("recording change to %s: %w", res.Path, err)
	}

	if tc.Bus != nil {
		_, err := tc.Bus.Publish(tc.SessionID, tc.TurnID, tc.StepID, domain.EventDiff, map[string]any{
			"tool_call_id": tc.ToolCallID,
			"path":         res.Path,
			"diff":         diff,
		})
		if err != nil {
			return fmt.Errorf("publishing diff for %s: %w", res.Path, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// list_files
// ---------------------------------------------------------------------------

func listFilesTool() ToolDef {
	return ToolDef{
		DefaultPolicy: domain.PolicyAllow,
		Spec: provider.ToolSpec{
			Name:        "list_files",
			Description: "List all files in the workspace as relative paths. Directories have a / suffix. Hidden and generated directories are skipped.",
			Properties:  map[string]provider.ToolProp{},
			Required:    []string{},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			if tc == nil || tc.FS == nil {
				return "", fmt.Errorf("workspace not available")
			}

			entries, truncated, err := tc.FS.ListTree(0)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "No entries found.", nil
			}

			lines := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.Dir {
					lines = append(lines, e.Path+"/")
				} else {
					lines = append(lines, e.Path)
				}
			}
			result := strings.Join(lines, "\n")
			if truncated {
				result += fmt.Sprintf("\n... (truncated at %d entries)", len(entries))
			}
			return result, nil
		},
	}
}
