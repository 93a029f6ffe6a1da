package notify

import (
	"strings"
	"testing"

	"github.com/batalabs/agentd/internal/domain"
)

func TestRenderPermissionPrompt(t *testing.T) {
	ev := domain.Event{
		SessionID: "ses_abc123",
		Type:      domain.EventToolCall,
		Payload: map[string]any{
			"tool_name": "write_file",
			"status":    domain.ToolCallPermissionRequired,
		},
	}
	text, notify := Render(ev)
	if !notify {
		t.Fatal("permission prompt should notify")
	}
	if !strings.Contains(text, "write_file") || !strings.Contains(text, "ses_abc123") {
		t.Errorf("unexpected message: %q", text)
	}

	// Ordinary running tool calls stay quiet.
	ev.Payload["status"] = domain.ToolCallRunning
	if _, notify := Render(ev); notify {
		t.Error("running tool call should not notify")
	}
}

func TestRenderFinal(t *testing.T) {
	ev := domain.Event{
		SessionID: "ses_abc123",
		Type:      domain.EventFinal,
		Payload:   map[string]any{"text": "All done.", "finish_reason": "stop"},
	}
	text, notify := Render(ev)
	if !notify || !strings.Contains(text, "All done.") {
		t.Errorf("unexpected final rendering: %q (notify=%v)", text, notify)
	}

	ev.Payload["text"] = "   "
	if _, notify := Render(ev); notify {
		t.Error("blank final should not notify")
	}
}

func TestRenderFinalClipsLongText(t *testing.T) {
	long := strings.Repeat("x", maxNotifyLen*2)
	ev := domain.Event{
		SessionID: "ses_1",
		Type:      domain.EventFinal,
		Payload:   map[string]any{"text": long},
	}
	text, notify := Render(ev)
	if !notify {
		t.Fatal("expected notification")
	}
	if len(text) > maxNotifyLen+64 {
		t.Errorf("message not clipped: %d bytes", len(text))
	}
	if !strings.HasSuffix(text, "...") {
		t.Errorf("clipped message should end with ellipsis: %q", text[len(text)-16:])
	}
}

func TestRenderError(t *testing.T) {
	ev := domain.Event{
		SessionID: "ses_1",
		Type:      domain.EventError,
		Payload:   map[string]any{"code": "provider", "message": "model unavailable"},
	}
	text, notify := Render(ev)
	if !notify || !strings.Contains(text, "model unavailable") {
		t.Errorf("unexpected error rendering: %q", text)
	}

	// Cancellation is user-initiated; no ping.
	ev.Payload = map[string]any{"code": "cancelled", "message": "turn cancelled"}
	if _, notify := Render(ev); notify {
		t.Error("cancelled turns should not notify")
	}
}

func TestRenderIgnoresStreamTraffic(t *testing.T) {
	for _, typ := range []string{
		domain.EventStatus, domain.EventMessageDelta, domain.EventThinking,
		domain.EventToolResult, domain.EventTerminalChunk, domain.EventDiff,
		domain.EventSubagent, domain.EventSubagentBlock,
	} {
		if _, notify := Render(domain.Event{Type: typ, Payload: map[string]any{}}); notify {
			t.Errorf("%s events should not notify", typ)
		}
	}
}

func TestClipRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10) // 2 bytes per rune
	got := clip(s, 5)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis: %q", got)
	}
	body := strings.TrimSuffix(got, "...")
	if body != strings.Repeat("é", 2) {
		t.Errorf("clip split a rune: %q", body)
	}
}
