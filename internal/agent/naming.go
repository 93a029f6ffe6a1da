package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
)

const titlePrompt = `Generate a short chat title (4-12 words) for the following user message. Reply with ONLY the title, no quotes, no explanation. If the message is in Chinese, reply in Chinese. If the message is in English, reply in English.`

// autoTitle names a session after its first user message. Generation
// failure falls back to a truncated prefix of the text; the turn never
// waits on it.
func (r *Runner) autoTitle(sessionID, userText string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title := r.generateTitle(ctx, userText)
	if title == "" {
		title = fallbackTitle(userText)
	}
	if title == "" {
		return
	}
	if err := r.Store.UpdateSessionTitle(sessionID, title); err != nil {
		fmt.Fprintf(os.Stderr, "agent: set session title: %v\n", err)
	}
}

func (r *Runner) generateTitle(ctx context.Context, userText string) string {
	if r.Provider == nil {
		return ""
	}
	snippet := userText
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	events, err := r.Provider.Open(ctx, provider.Request{
		APIKey: r.APIKey,
		Model:  provider.ResolveModel(r.Model),
		Messages: []domain.TranscriptMessage{
			{Role: "user", Content: titlePrompt + "\n\n" + snippet},
		},
		MaxTokens: 50,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: generate title: %v\n", err)
		return ""
	}
	var out strings.Builder
	for ev := range events {
		switch ev.Kind {
		case provider.KindTextDelta:
			out.WriteString(ev.Text)
		case provider.KindError:
			fmt.Fprintf(os.Stderr, "agent: generate title stream: %v\n", ev.Err)
			return ""
		}
	}
	title := strings.TrimSpace(out.String())
	title = strings.Trim(title, `"'`)
	title = strings.Join(strings.Fields(title), " ")
	if len(title) > 60 {
		title = title[:60]
	}
	return title
}

// fallbackTitle collapses the user text into a single-line prefix.
func fallbackTitle(userText string) string {
	t := strings.Join(strings.Fields(userText), " ")
	if t == "" {
		return ""
	}
	if len(t) > 50 {
		t = t[:50] + "..."
	}
	return t
}
