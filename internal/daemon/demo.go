package daemon

import (
	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/sandbox"
)

const (
	demoUserText      = "Demo: show a tool call, terminal streaming, and a diff."
	demoAssistantText = "Demo completed. You should see tool cards, terminal output, and a diff in the inspector."
	demoFilePath      = "data/demo.txt"
	demoFileText      = "hello from agentd demo\n"
)

// maybeSeedDemo creates a demo session on first boot (no existing sessions)
// and replays a canned tool trace through the bus, so the UI pipeline can be
// exercised before any model is configured. The workspace is untouched; only
// the store and event log are populated.
func (s *Server) maybeSeedDemo() error {
	n, err := s.store.CountSessions()
	if err != nil || n > 0 {
		return err
	}

	sess, err := s.store.CreateSession("Demo")
	if err != nil {
		return err
	}
	if _, err := s.store.AppendMessage(sess.ID, "user", demoUserText); err != nil {
		return err
	}
	turn, err := s.store.CreateTurn(sess.ID, demoUserText)
	if err != nil {
		return err
	}
	step, err := s.store.CreateStep(turn.ID, 1)
	if err != nil {
		return err
	}

	pub := func(eventType string, payload map[string]any) error {
		_, err := s.bus.Publish(sess.ID, turn.ID, step.ID, eventType, payload)
		return err
	}

	if err := pub(domain.EventStatus, map[string]any{"status": "started"}); err != nil {
		return err
	}
	if err := pub(domain.EventThinking, map[string]any{"status": "start"}); err != nil {
		return err
	}
	if err := pub(domain.EventThinking, map[string]any{"status": "delta", "text": "Planning a demo run..."}); err != nil {
		return err
	}
	if err := pub(domain.EventThinking, map[string]any{"status": "end", "duration_ms": 120}); err != nil {
		return err
	}

	// Simulated command with streamed output.
	tc1 := domain.NewShortID("tc")
	if err := pub(domain.EventToolCall, map[string]any{
		"tool_call_id": tc1,
		"tool_name":    "run_command",
		"input":        map[string]any{"command": "echo hello"},
		"status":       domain.ToolCallRunning,
	}); err != nil {
		return err
	}
	if err := s.store.AddTerminalChunk(sess.ID, turn.ID, step.ID, tc1, "stdout", "hello\n"); err != nil {
		return err
	}
	if err := pub(domain.EventTerminalChunk, map[string]any{
		"tool_call_id": tc1,
		"stream":       "stdout",
		"text":         "hello\n",
	}); err != nil {
		return err
	}
	if err := pub(domain.EventToolResult, map[string]any{
		"tool_call_id": tc1,
		"tool_name":    "run_command",
		"ok":           true,
		"output":       "hello\n",
		"duration_ms":  50,
	}); err != nil {
		return err
	}

	// Simulated patch with a recorded diff.
	tc2 := domain.NewShortID("tc")
	if err := pub(domain.EventToolCall, map[string]any{
		"tool_call_id": tc2,
		"tool_name":    "apply_patch",
		"input":        map[string]any{"patch": "(demo patch)"},
		"status":       domain.ToolCallRunning,
	}); err != nil {
		return err
	}
	diff := sandbox.Unified(demoFilePath, "", demoFileText)
	if _, err := s.store.AddFileChange(sess.ID, turn.ID, step.ID, demoFilePath, diff); err != nil {
		return err
	}
	if err := pub(domain.EventDiff, map[string]any{
		"tool_call_id": tc2,
		"path":         demoFilePath,
		"diff":         diff,
	}); err != nil {
		return err
	}
	if err := pub(domain.EventToolResult, map[string]any{
		"tool_call_id": tc2,
		"tool_name":    "apply_patch",
		"ok":           true,
		"output":       "applied (demo)",
		"duration_ms":  30,
	}); err != nil {
		return err
	}

	if err := pub(domain.EventFinal, map[string]any{
		"role":          "assistant",
		"message_id":    domain.NewShortID("msg"),
		"text":          demoAssistantText,
		"finish_reason": "stop",
		"usage":         map[string]any{},
	}); err != nil {
		return err
	}
	if err := s.store.FinishStep(step.ID, domain.StepDone); err != nil {
		return err
	}
	if _, err := s.store.AppendMessage(sess.ID, "assistant", demoAssistantText); err != nil {
		return err
	}
	return nil
}
