package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/batalabs/agentd/internal/provider"
)

// titleRunner wires just enough of a Runner to exercise auto-naming.
func titleRunner(fx *contextFixture) *Runner {
	return &Runner{Store: fx.store, Provider: fx.prov, Model: "claude-sonnet-4-6"}
}

func (fx *contextFixture) sessionTitle(t *testing.T) string {
	t.Helper()
	sess, err := fx.store.GetSession(fx.session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return sess.Title
}

func TestAutoTitle_Generates(t *testing.T) {
	fx := newContextFixture(t,
		textStop("  \"Fix the   login\nrace\"  ", provider.Usage{}),
	)
	titleRunner(fx).autoTitle(fx.session.ID, "the login handler races on refresh")

	if got := fx.sessionTitle(t); got != "Fix the login race" {
		t.Errorf("title = %q, want quotes stripped and whitespace collapsed", got)
	}

	reqs := fx.prov.Requests()
	if len(reqs) != 1 {
		t.Fatalf("model calls = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.MaxTokens != 50 || req.Model != "claude-sonnet-4-6" {
		t.Errorf("request = model %q maxTokens %d", req.Model, req.MaxTokens)
	}
	content := req.Messages[0].Content
	if !strings.HasPrefix(content, titlePrompt) {
		t.Errorf("prompt missing title instructions")
	}
	if !strings.Contains(content, "the login handler races on refresh") {
		t.Errorf("prompt missing user text")
	}
}

func TestAutoTitle_SnippetCapped(t *testing.T) {
	long := strings.Repeat("abcdefghij", 30) // 300 chars
	fx := newContextFixture(t, textStop("A Title", provider.Usage{}))
	titleRunner(fx).autoTitle(fx.session.ID, long)

	content := fx.prov.Requests()[0].Messages[0].Content
	if !strings.Contains(content, long[:200]) {
		t.Errorf("snippet head missing from prompt")
	}
	if strings.Contains(content, long) {
		t.Errorf("full 300-char text sent; want the 200-char snippet")
	}
}

func TestAutoTitle_LongResultClipped(t *testing.T) {
	fx := newContextFixture(t,
		textStop(strings.Repeat("word ", 20), provider.Usage{}), // ~100 chars
	)
	titleRunner(fx).autoTitle(fx.session.ID, "anything")

	if got := fx.sessionTitle(t); len(got) != 60 {
		t.Errorf("title length = %d, want clipped to 60", len(got))
	}
}

func TestAutoTitle_FallbackOnOpenError(t *testing.T) {
	fx := newContextFixture(t) // no scripts: Open fails
	titleRunner(fx).autoTitle(fx.session.ID, "explain   the\tscheduler behavior")

	if got := fx.sessionTitle(t); got != "explain the scheduler behavior" {
		t.Errorf("fallback title = %q", got)
	}
}

func TestAutoTitle_FallbackOnStreamError(t *testing.T) {
	fx := newContextFixture(t,
		[]provider.ModelEvent{{Kind: provider.KindError, Err: errors.New("overloaded")}},
	)
	long := "summarize every requests handler in this service and point out the slow ones"
	titleRunner(fx).autoTitle(fx.session.ID, long)

	want := long[:50] + "..."
	if got := fx.sessionTitle(t); got != want {
		t.Errorf("fallback title = %q, want %q", got, want)
	}
}

func TestAutoTitle_NothingToName(t *testing.T) {
	fx := newContextFixture(t) // Open fails, and the text is blank
	titleRunner(fx).autoTitle(fx.session.ID, "   ")

	if got := fx.sessionTitle(t); got != "context test" {
		t.Errorf("blank input overwrote the title: %q", got)
	}
}

func TestFallbackTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"   ", ""},
		{"hi", "hi"},
		{"  a   b\n c ", "a b c"},
		{strings.Repeat("z", 60), strings.Repeat("z", 50) + "..."},
	}
	for _, tc := range cases {
		if got := fallbackTitle(tc.in); got != tc.want {
			t.Errorf("fallbackTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
