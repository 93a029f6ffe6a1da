// Package agent runs turns: it streams model output, executes tool calls
// through the permission gate, publishes progress on the event bus and
// persists every durable artifact before the matching event goes out.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
	"github.com/batalabs/agentd/internal/sandbox"
	"github.com/batalabs/agentd/internal/store"
)

// ---------------------------------------------------------------------------
// Context builder
// ---------------------------------------------------------------------------

// Pinned context budgets. Oversized items are summarized or truncated,
// never dropped silently; the trailing marker tells the model when the
// section was cut short.
const (
	maxPinnedItems      = 12
	pinnedCharBudget    = 60000
	summaryTriggerChars = 12000
	rawItemCharCap      = 18000
	summaryMaxTokens    = 900
	historyLimit        = 50
)

// summarizerPrompt steers the short model call that condenses oversized
// pinned items into a digest.
const summarizerPrompt = `You summarize developer docs/code into a compact context digest for a coding agent.
Output Markdown. Focus on key goals, constraints, APIs, configs, and any rules.
Do not include long excerpts. Keep it short and actionable.`

// ContextBuilder assembles the model-facing view of a session: the system
// prompt with the pinned-context section, plus recent transcript history.
// File content loads only through the sandbox, so pinning cannot leak paths
// outside the workspace root.
type ContextBuilder struct {
	Store    *store.Store
	FS       *sandbox.FS
	Provider provider.Provider
	APIKey   string
	Model    string
}

// SystemPrompt builds the full system prompt for a session: base identity,
// pinned context within budget, and saved memory notes. toolNames is the
// roster offered to the model this turn.
func (b *ContextBuilder) SystemPrompt(ctx context.Context, sessionID string, toolNames []string) string {
	prompt := basePrompt(b.FS.Root(), toolNames)
	if pinned := b.pinnedSection(ctx, sessionID); pinned != "" {
		prompt += "\n\n---\n\n" + pinned
	}
	if mem := b.memorySection(); mem != "" {
		prompt += "\n\n---\n\n" + mem
	}
	return prompt
}

// History returns the last messages of the session's durable transcript,
// oldest first. The just-persisted user text is the final entry.
func (b *ContextBuilder) History(sessionID string) ([]domain.TranscriptMessage, error) {
	return b.Store.RecentMessages(sessionID, historyLimit)
}

func basePrompt(root string, toolNames []string) string {
	roster := "(none)"
	if len(toolNames) > 0 {
		roster = strings.Join(toolNames, ", ")
	}
	return fmt.Sprintf(`You are agentd, a coding agent running as a server on the user's own machine.

Environment:
- Workspace root: %s
- Platform: %s/%s
- Date: %s

All file paths are relative to the workspace root. You cannot see or modify
anything outside it.

Tools available: %s

Guidelines:
- Read a file before editing it so patches match the exact content.
- Prefer apply_patch for targeted edits; write_file replaces whole files.
- Use list_files to explore structure before opening files.
- Use search and http_fetch for current information, docs, or APIs.
- Use spawn_subagent to delegate self-contained research subtasks.
- Use memory to save durable facts that should survive this session.
- Some tools need user approval. When a result says the permission was
  denied, respect the decision and continue without that action.
- Be concise. Explain what you're doing and why.`,
		root, runtime.GOOS, runtime.GOARCH, time.Now().Format("2006-01-02"), roster)
}

// ---------------------------------------------------------------------------
// Pinned context section
// ---------------------------------------------------------------------------

func (b *ContextBuilder) pinnedSection(ctx context.Context, sessionID string) string {
	items, err := b.Store.PinnedContextItems(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: pinned context: %v\n", err)
		return ""
	}
	if len(items) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("# Pinned Context\n")
	sb.WriteString("The following items were explicitly pinned by the user for this session.\n")
	sb.WriteString("Use them as high-priority background. If content is truncated or summarized, you can use tools to open the full source.\n\n")

	seen := make(map[string]bool)
	used := 0
	count := 0
	for _, it := range items {
		if count >= maxPinnedItems {
			break
		}
		key := it.Kind + "\x00" + it.ContentRef
		if seen[key] {
			continue
		}
		seen[key] = true

		body, note := b.renderItem(ctx, it)
		head := "## " + itemTitle(it) + "\nkind: " + it.Kind + "\nref: " + it.ContentRef + "\n"
		if note != "" {
			head += "notes: " + note + "\n"
		}
		entry := head + "\n" + body + "\n\n---\n"
		if used+len(entry) > pinnedCharBudget {
			sb.WriteString("(Additional pinned context omitted due to size limits.)\n")
			break
		}
		sb.WriteString(entry)
		used += len(entry)
		count++
	}
	return sb.String()
}

// renderItem resolves one pinned item to prompt text. The note tags how the
// body was produced when it is not the raw content.
func (b *ContextBuilder) renderItem(ctx context.Context, it domain.ContextItem) (body, note string) {
	switch it.Kind {
	case domain.ContextFile:
		data, _, err := b.FS.ReadFile(it.ContentRef)
		if err != nil {
			return "(Missing file)", ""
		}
		content, handled, exErr := sandbox.ExtractText(it.ContentRef, data)
		if !handled || exErr != nil {
			if sandbox.IsBinary(data) {
				return "(Binary file)", ""
			}
			content = string(data)
		}
		if len(content) <= summaryTriggerChars {
			return content, ""
		}
		if sum, cached := b.summaryFor(ctx, it, content); sum != "" {
			if cached {
				return sum, "summary=cached"
			}
			return sum, "summary=generated"
		}
		return clip(content, rawItemCharCap), "truncated"
	case domain.ContextWeb:
		if it.Summary != "" {
			return it.Summary, "summary=cached"
		}
		return "(Pinned URL only. Use http_fetch to read the page if needed.)", ""
	default:
		return "(Unsupported pinned context kind)", ""
	}
}

// summaryFor returns the item's summary, reusing the cached one when its
// hash still matches and synthesizing + caching a fresh one otherwise.
// An empty return means summarization failed and the caller should degrade
// to truncation.
func (b *ContextBuilder) summaryFor(ctx context.Context, it domain.ContextItem, content string) (string, bool) {
	sha := summarySHA(it.ContentRef, content)
	if it.Summary != "" && it.SummarySHA256 == sha {
		return it.Summary, true
	}
	sum := b.summarize(ctx, itemTitle(it), content)
	if sum == "" {
		return "", false
	}
	if err := b.Store.UpdateContextSummary(it.ID, sum, sha); err != nil {
		fmt.Fprintf(os.Stderr, "agent: cache summary %s: %v\n", it.ID, err)
	}
	return sum, false
}

// summarize condenses content with a short non-streaming model call.
// Returns "" on any failure.
func (b *ContextBuilder) summarize(ctx context.Context, title, content string) string {
	if b.Provider == nil {
		return ""
	}
	if len(content) > 80000 {
		content = content[:60000] + "\n\n...(middle truncated for summarization)...\n\n" + content[len(content)-10000:]
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	events, err := b.Provider.Open(ctx, provider.Request{
		APIKey: b.APIKey,
		Model:  b.Model,
		System: summarizerPrompt,
		Messages: []domain.TranscriptMessage{
			{Role: "user", Content: fmt.Sprintf("Title: %s\n\nContent:\n%s", title, content)},
		},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: summarize: %v\n", err)
		return ""
	}
	var out strings.Builder
	for ev := range events {
		switch ev.Kind {
		case provider.KindTextDelta:
			out.WriteString(ev.Text)
		case provider.KindError:
			fmt.Fprintf(os.Stderr, "agent: summarize stream: %v\n", ev.Err)
			return ""
		}
	}
	return strings.TrimSpace(out.String())
}

func (b *ContextBuilder) memorySection() string {
	entries, err := b.Store.MemoryAll()
	if err != nil || len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# Memory\n")
	sb.WriteString("Durable notes saved in earlier sessions:\n")
	for _, e := range entries {
		v := e.Value
		if len(v) > 500 {
			v = v[:500] + "..."
		}
		sb.WriteString("- " + e.Key + ": " + v + "\n")
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func itemTitle(it domain.ContextItem) string {
	if it.Title != "" {
		return it.Title
	}
	if it.ContentRef != "" {
		return it.ContentRef
	}
	return it.ID
}

// summarySHA fingerprints a (ref, content) pair; a summary is valid only
// while both match.
func summarySHA(ref, content string) string {
	sum := sha256.Sum256([]byte(ref + content))
	return hex.EncodeToString(sum[:])
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n\n...(truncated)..."
}
