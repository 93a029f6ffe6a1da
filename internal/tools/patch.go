package tools

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
)

// ---------------------------------------------------------------------------
// apply_patch — unified diff applier with version bookkeeping
// ---------------------------------------------------------------------------

func applyPatchTool() ToolDef {
	return ToolDef{
		DefaultPolicy: domain.PolicyAsk,
		Spec: provider.ToolSpec{
			Name:        "apply_patch",
			Description: "Apply a unified diff to one workspace file. The patch must use standard unified diff format (@@ hunk headers; ---/+++ file headers are optional). Context lines are validated against the current content. The previous content is snapshotted as a version and a diff is recorded.",
			Properties: map[string]provider.ToolProp{
				"path":  {Type: "string", Description: "Workspace-relative path of the file to patch"},
				"patch": {Type: "string", Description: "Unified diff content to apply"},
			},
			Required: []string{"path", "patch"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			path, ok := input["path"].(string)
			if !ok || path == "" {
				return "", fmt.Errorf("path is required")
			}
			patch, ok := input["patch"].(string)
			if !ok || patch == "" {
				return "", fmt.Errorf("patch is required")
			}
			if tc == nil || tc.FS == nil || tc.Store == nil {
				return "", fmt.Errorf("workspace not available")
			}

			abs, err := tc.FS.Resolve(path)
			if err != nil {
				return "", err
			}
			rel, err := tc.FS.Rel(abs)
			if err != nil {
				return "", err
			}

			files, err := parsePatch(patch)
			if err != nil {
				return "", fmt.Errorf("parsing patch: %w", err)
			}
			if len(files) == 0 {
				return "", fmt.Errorf("no hunks found in patch")
			}
			if len(files) > 1 {
				return "", fmt.Errorf("patch touches %d files; apply_patch patches one file per call", len(files))
			}
			fd := files[0]
			if fd.path != "" && fd.path != rel {
				return "", fmt.Errorf("patch header names %s, not %s", fd.path, rel)
			}
			if len(fd.hunks) == 0 {
				return "", fmt.Errorf("no hunks found in patch")
			}

			var after string
			res, err := tc.FS.Update(path, func(prev string, existed bool) (string, error) {
				next, err := applyHunks(prev, fd.hunks)
				if err != nil {
					return "", err
				}
				after = next
				return next, nil
			})
			if err != nil {
				return "", fmt.Errorf("applying patch to %s: %w", rel, err)
			}
			if err := recordMutation(tc, res, after, "apply_patch"); err != nil {
				return "", err
			}

			return fmt.Sprintf("Applied %d hunk(s) to %s", len(fd.hunks), res.Path), nil
		},
	}
}

// fileDiff groups the hunks addressed to a single file.
type fileDiff struct {
	path  string
	hunks []hunk
}

// hunk is a single @@ section.
type hunk struct {
	oldStart int
	oldCount int
	newStart int
	newCount int
	lines    []diffLine
}

// diffLine is one line of a hunk body.
type diffLine struct {
	op   byte   // ' ' (context), '+' (add), '-' (remove)
	text string // line content without the op prefix
}

// parsePatch splits a unified diff into per-file hunk groups. Hunks that
// appear before any ---/+++ header form a single unnamed group, so bare
// "@@ ... @@" patches parse without headers.
func parsePatch(patch string) ([]fileDiff, error) {
	lines := strings.Split(patch, "\n")
	// The final newline of the patch text is not a patch line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	var files []fileDiff
	var current *fileDiff

	i := 0
	for i < len(lines) {
		line := lines[i]

		if strings.HasPrefix(line, "--- ") {
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				i++
				continue
			}
			path := parseFilePath(lines[i+1][4:])
			if path == "" {
				// Deletion patch: the destination is /dev/null, so the
				// target file is named by the --- side.
				path = parseFilePath(lines[i][4:])
			}
			files = append(files, fileDiff{path: path})
			current = &files[len(files)-1]
			i += 2
			continue
		}

		if strings.HasPrefix(line, "@@") {
			if current == nil {
				files = append(files, fileDiff{})
				current = &files[len(files)-1]
			}
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}

			i++
			for i < len(lines) {
				l := lines[i]
				if strings.HasPrefix(l, "@@") || strings.HasPrefix(l, "--- ") || strings.HasPrefix(l, "diff ") {
					break
				}
				if len(l) == 0 {
					// An empty patch line is a context line with empty content.
					h.lines = append(h.lines, diffLine{op: ' ', text: ""})
					i++
					continue
				}
				op := l[0]
				if op != '+' && op != '-' && op != ' ' && op != '\\' {
					break
				}
				if op == '\\' {
					// "\ No newline at end of file"
					i++
					continue
				}
				h.lines = append(h.lines, diffLine{op: op, text: l[1:]})
				i++
			}
			current.hunks = append(current.hunks, h)
			continue
		}

		// Skip decoration (diff --git, index, mode lines).
		i++
	}

	return files, nil
}

// parseFilePath strips the conventional a/ and b/ prefixes. /dev/null maps
// to "" (creation and deletion sides carry no path).
func parseFilePath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(raw, "a/") || strings.HasPrefix(raw, "b/") {
		return raw[2:]
	}
	return raw
}

// parseHunkHeader parses "@@ -oldStart,oldCount +newStart,newCount @@".
func parseHunkHeader(line string) (hunk, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "@@") {
		return hunk{}, fmt.Errorf("not a hunk header: %s", line)
	}

	end := strings.Index(line[2:], "@@")
	if end < 0 {
		return hunk{}, fmt.Errorf("malformed hunk header: %s", line)
	}
	inner := strings.TrimSpace(line[2 : 2+end])

	parts := strings.Fields(inner)
	if len(parts) < 2 {
		return hunk{}, fmt.Errorf("malformed hunk header: %s", line)
	}

	oldStart, oldCount, err := parseRange(parts[0])
	if err != nil {
		return hunk{}, fmt.Errorf("old range: %w", err)
	}
	newStart, newCount, err := parseRange(parts[1])
	if err != nil {
		return hunk{}, fmt.Errorf("new range: %w", err)
	}

	return hunk{
		oldStart: oldStart,
		oldCount: oldCount,
		newStart: newStart,
		newCount: newCount,
	}, nil
}

// parseRange parses "-10,5" or "+10,5"; a bare "-10" means count 1.
func parseRange(s string) (int, int, error) {
	if len(s) == 0 {
		return 0, 0, fmt.Errorf("empty range")
	}
	s = s[1:]
	if idx := strings.Index(s, ","); idx >= 0 {
		start, err := strconv.Atoi(s[:idx])
		if err != nil {
			return 0, 0, fmt.Errorf("parsing start: %w", err)
		}
		count, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			return 0, 0, fmt.Errorf("parsing count: %w", err)
		}
		return start, count, nil
	}
	start, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing start: %w", err)
	}
	return start, 1, nil
}

// applyHunks applies all hunks to content and returns the new content.
// Hunks apply in descending line order so earlier offsets stay valid.
func applyHunks(content string, hunks []hunk) (string, error) {
	var lines []string
	if len(content) > 0 {
		lines = strings.Split(content, "\n")
	}

	ordered := make([]hunk, len(hunks))
	copy(ordered, hunks)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].oldStart > ordered[j].oldStart
	})

	for _, h := range ordered {
		next, err := applyHunk(lines, h)
		if err != nil {
			return "", fmt.Errorf("hunk at line %d: %w", h.oldStart, err)
		}
		lines = next
	}

	return strings.Join(lines, "\n"), nil
}

// applyHunk validates the hunk's context against lines and splices in the
// additions.
func applyHunk(lines []string, h hunk) ([]string, error) {
	// oldStart is 1-based.
	startIdx := h.oldStart - 1
	if startIdx < 0 {
		startIdx = 0
	}

	lineIdx := startIdx
	for _, dl := range h.lines {
		if dl.op == ' ' || dl.op == '-' {
			if lineIdx >= len(lines) {
				return nil, fmt.Errorf("context line %d out of range (file has %d lines)", lineIdx+1, len(lines))
			}
			if lines[lineIdx] != dl.text {
				return nil, fmt.Errorf("context mismatch at line %d: expected %q, got %q", lineIdx+1, dl.text, lines[lineIdx])
			}
			lineIdx++
		}
	}

	var out []string
	out = append(out, lines[:startIdx]...)
	for _, dl := range h.lines {
		if dl.op == ' ' || dl.op == '+' {
			out = append(out, dl.text)
		}
	}
	if lineIdx < len(lines) {
		out = append(out, lines[lineIdx:]...)
	}
	return out, nil
}
