package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/batalabs/agentd/internal/bus"
	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/permission"
	"github.com/batalabs/agentd/internal/provider"
	"github.com/batalabs/agentd/internal/sandbox"
	"github.com/batalabs/agentd/internal/store"
	"github.com/batalabs/agentd/internal/tools"
)

const (
	defaultMaxSteps    = 24
	defaultToolTimeout = 2 * time.Minute

	// maxStreamAttempts bounds retries of one model call. Retries happen
	// only before any stream output exists, so clients never see
	// duplicated deltas.
	maxStreamAttempts = 3

	// eventClipChars bounds tool output carried on the event wire. The
	// model still receives the full text through history.
	eventClipChars = 2000
)

// Runner executes turns. One Runner serves the whole process; per-turn
// state lives on the stack of Run, so concurrent turns on different
// sessions are safe.
type Runner struct {
	Store    *store.Store
	Bus      *bus.Bus
	Gate     *permission.Gate
	Registry *tools.Registry
	Provider provider.Provider
	FS       *sandbox.FS

	APIKey      string
	Model       string
	BraveAPIKey string

	// MaxSteps bounds model iterations per turn; 0 means 24.
	MaxSteps int
	// ToolTimeout bounds one tool execution; 0 means 2 minutes.
	ToolTimeout time.Duration
	// ThinkingBudget enables extended thinking when positive.
	ThinkingBudget int
}

// Run executes one turn to completion. The daemon calls it on its own
// goroutine after persisting the user message and creating the turn;
// cancelling ctx stops the turn at the next boundary. Every outcome,
// including failure, is reported through events.
func (r *Runner) Run(ctx context.Context, sessionID, turnID, userText string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.publish(sessionID, turnID, "", domain.EventError, map[string]any{
				"code":    "runner",
				"message": fmt.Sprintf("runner panic: %v", rec),
			})
			r.setStatus(sessionID, domain.SessionError)
		}
	}()

	r.setStatus(sessionID, domain.SessionRunning)

	// First user message of the session names it.
	if n, err := r.Store.CountMessages(sessionID); err == nil && n == 1 {
		go r.autoTitle(sessionID, userText)
	}

	model := r.resolveModel(sessionID)
	specs := r.Registry.Specs()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}

	builder := r.contextBuilder(model)
	system := builder.SystemPrompt(ctx, sessionID, names)
	history, err := builder.History(sessionID)
	if err != nil {
		r.failTurn(sessionID, turnID, "", "runner", fmt.Sprintf("loading history: %v", err))
		return
	}

	var total provider.Usage

	for idx := 1; ; idx++ {
		if idx > r.maxSteps() {
			r.publish(sessionID, turnID, "", domain.EventError, map[string]any{
				"code":    "loop_limit",
				"message": fmt.Sprintf("turn stopped after %d steps", r.maxSteps()),
			})
			r.setStatus(sessionID, domain.SessionIdle)
			return
		}

		step, err := r.Store.CreateStep(turnID, idx)
		if err != nil {
			r.failTurn(sessionID, turnID, "", "runner", fmt.Sprintf("creating step: %v", err))
			return
		}
		if idx == 1 {
			r.publish(sessionID, turnID, step.ID, domain.EventStatus, map[string]any{"status": "started"})
		}
		if ctx.Err() != nil {
			r.cancelTurn(sessionID, turnID, step.ID)
			return
		}

		events, err := r.openStream(ctx, provider.Request{
			APIKey:         r.APIKey,
			Model:          model,
			System:         system,
			Messages:       history,
			Tools:          specs,
			ThinkingBudget: r.ThinkingBudget,
		})
		if err != nil {
			if ctx.Err() != nil {
				r.cancelTurn(sessionID, turnID, step.ID)
				return
			}
			r.failTurn(sessionID, turnID, step.ID, "model", err.Error())
			return
		}

		res := r.consumeStream(events, sessionID, turnID, step.ID)
		total = addUsage(total, res.usage)

		if ctx.Err() != nil {
			r.cancelTurn(sessionID, turnID, step.ID)
			return
		}
		if res.err != nil {
			r.failTurn(sessionID, turnID, step.ID, "model", res.err.Error())
			return
		}

		if len(res.calls) == 0 {
			if res.text != "" {
				if _, err := r.Store.AppendMessage(sessionID, "assistant", res.text); err != nil {
					fmt.Fprintf(os.Stderr, "agent: persist assistant message: %v\n", err)
				}
			}
			reason := res.stopReason
			if reason == "" {
				reason = "end_turn"
			}
			r.publish(sessionID, turnID, step.ID, domain.EventFinal, map[string]any{
				"role":          "assistant",
				"message_id":    res.messageID,
				"text":          res.text,
				"finish_reason": reason,
				"usage":         usagePayload(total),
			})
			r.finishStep(step.ID, domain.StepDone)
			r.setStatus(sessionID, domain.SessionIdle)
			r.touch(sessionID)
			return
		}

		// Tool-use step: echo the assistant blocks into history, run each
		// call in emission order, then feed the results back.
		history = append(history, assistantMessage(res))
		results := make([]domain.ContentBlock, 0, len(res.calls))
		for _, call := range res.calls {
			block, torn := r.runToolCall(ctx, sessionID, turnID, step.ID, call)
			if torn {
				return
			}
			results = append(results, block)
		}
		history = append(history, domain.TranscriptMessage{Role: "user", Blocks: results})

		r.finishStep(step.ID, domain.StepDone)
	}
}

func (r *Runner) contextBuilder(model string) *ContextBuilder {
	return &ContextBuilder{
		Store:    r.Store,
		FS:       r.FS,
		Provider: r.Provider,
		APIKey:   r.APIKey,
		Model:    model,
	}
}

func (r *Runner) maxSteps() int {
	if r.MaxSteps > 0 {
		return r.MaxSteps
	}
	return defaultMaxSteps
}

func (r *Runner) toolTimeout() time.Duration {
	if r.ToolTimeout > 0 {
		return r.ToolTimeout
	}
	return defaultToolTimeout
}

// resolveModel applies the session's model override, falling back to the
// server default.
func (r *Runner) resolveModel(sessionID string) string {
	model := r.Model
	if st, err := r.Store.GetSessionSettings(sessionID); err == nil && st.OverrideModel != "" {
		model = st.OverrideModel
	}
	return provider.ResolveModel(model)
}

// ---------------------------------------------------------------------------
// Stream handling
// ---------------------------------------------------------------------------

type toolCall struct {
	id    string
	name  string
	input map[string]any
}

type streamResult struct {
	messageID   string
	text        string
	thinking    string
	thinkingSig string
	calls       []toolCall
	stopReason  string
	usage       provider.Usage
	err         error
}

// openStream starts a model call, retrying transient failures with
// backoff and jitter. A server-supplied Retry-After hint wins over the
// computed delay.
func (r *Runner) openStream(ctx context.Context, req provider.Request) (<-chan provider.ModelEvent, error) {
	var lastErr error
	for attempt := 0; attempt < maxStreamAttempts; attempt++ {
		if attempt > 0 {
			delay := provider.RetryDelay(lastErr, attempt-1)
			delay += time.Duration(rand.Intn(250)) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		events, err := r.Provider.Open(ctx, req)
		if err == nil {
			return events, nil
		}
		lastErr = err
		if !provider.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// consumeStream drains one model stream, publishing deltas live.
func (r *Runner) consumeStream(events <-chan provider.ModelEvent, sessionID, turnID, stepID string) streamResult {
	res := streamResult{messageID: domain.NewID("msg")}
	var text, thinking strings.Builder
	var thinkingStart time.Time

	for ev := range events {
		switch ev.Kind {
		case provider.KindTextDelta:
			text.WriteString(ev.Text)
			r.publish(sessionID, turnID, stepID, domain.EventMessageDelta, map[string]any{
				"role":       "assistant",
				"message_id": res.messageID,
				"delta":      ev.Text,
			})
		case provider.KindThinkingDelta:
			if thinkingStart.IsZero() {
				thinkingStart = time.Now()
				r.publish(sessionID, turnID, stepID, domain.EventThinking, map[string]any{"status": "start"})
			}
			thinking.WriteString(ev.Text)
			r.publish(sessionID, turnID, stepID, domain.EventThinking, map[string]any{
				"status": "delta",
				"text":   ev.Text,
			})
		case provider.KindThinkingEnd:
			if ev.Text != "" {
				thinking.Reset()
				thinking.WriteString(ev.Text)
			}
			res.thinkingSig = ev.Signature
			if !thinkingStart.IsZero() {
				r.publish(sessionID, turnID, stepID, domain.EventThinking, map[string]any{
					"status":      "end",
					"duration_ms": time.Since(thinkingStart).Milliseconds(),
				})
				thinkingStart = time.Time{}
			}
		case provider.KindToolCall:
			id := ev.ToolID
			if id == "" {
				id = domain.NewShortID("tc")
			}
			res.calls = append(res.calls, toolCall{id: id, name: ev.ToolName, input: ev.ToolInput})
		case provider.KindStop:
			res.stopReason = ev.StopReason
			res.usage = ev.Usage
		case provider.KindError:
			res.err = ev.Err
		}
	}
	res.text = text.String()
	res.thinking = thinking.String()
	return res
}

// collectStream drains a model stream without publishing anything.
// Sub-agents use it; their activity reaches clients as subagent_block
// events instead of live deltas.
func collectStream(events <-chan provider.ModelEvent) streamResult {
	res := streamResult{messageID: domain.NewID("msg")}
	var text, thinking strings.Builder
	for ev := range events {
		switch ev.Kind {
		case provider.KindTextDelta:
			text.WriteString(ev.Text)
		case provider.KindThinkingDelta:
			thinking.WriteString(ev.Text)
		case provider.KindThinkingEnd:
			if ev.Text != "" {
				thinking.Reset()
				thinking.WriteString(ev.Text)
			}
			res.thinkingSig = ev.Signature
		case provider.KindToolCall:
			id := ev.ToolID
			if id == "" {
				id = domain.NewShortID("tc")
			}
			res.calls = append(res.calls, toolCall{id: id, name: ev.ToolName, input: ev.ToolInput})
		case provider.KindStop:
			res.stopReason = ev.StopReason
			res.usage = ev.Usage
		case provider.KindError:
			res.err = ev.Err
		}
	}
	res.text = text.String()
	res.thinking = thinking.String()
	return res
}

// assistantMessage converts a drained stream into the transcript entry fed
// back on the next iteration. Thinking comes first: the provider requires
// signed thinking blocks to precede tool use on replay.
func assistantMessage(res streamResult) domain.TranscriptMessage {
	var blocks []domain.ContentBlock
	if res.thinking != "" {
		blocks = append(blocks, domain.ContentBlock{
			Type:      "thinking",
			Text:      res.thinking,
			Signature: res.thinkingSig,
		})
	}
	if res.text != "" {
		blocks = append(blocks, domain.ContentBlock{Type: "text", Text: res.text})
	}
	for _, c := range res.calls {
		blocks = append(blocks, domain.ContentBlock{
			Type:      "tool_use",
			ToolUseID: c.id,
			ToolName:  c.name,
			ToolInput: c.input,
		})
	}
	return domain.TranscriptMessage{Role: "assistant", Blocks: blocks}
}

// ---------------------------------------------------------------------------
// Tool execution
// ---------------------------------------------------------------------------

// runToolCall gates and executes one tool call, publishing its lifecycle
// events, and returns the transcript block carrying the result. torn
// reports that the turn was cancelled mid-call and the caller must return.
func (r *Runner) runToolCall(ctx context.Context, sessionID, turnID, stepID string, call toolCall) (block domain.ContentBlock, torn bool) {
	def, known := r.Registry.Find(call.name)
	if !known {
		return r.toolFailure(sessionID, turnID, stepID, call, "unknown tool", 0), false
	}
	if !r.Registry.Enabled(call.name) {
		return r.toolFailure(sessionID, turnID, stepID, call,
			fmt.Sprintf("Tool '%s' is disabled by configuration", call.name), 0), false
	}

	policy, err := r.Gate.EffectivePolicy(sessionID, call.name)
	if err != nil {
		return r.toolFailure(sessionID, turnID, stepID, call,
			fmt.Sprintf("resolving policy: %v", err), 0), false
	}
	switch policy {
	case domain.PolicyDeny:
		return r.toolFailure(sessionID, turnID, stepID, call,
			fmt.Sprintf("Permission denied for tool '%s'", call.name), 0), false
	case domain.PolicyAsk:
		req, err := r.Gate.CreateRequest(sessionID, turnID, stepID, call.name, call.input)
		if err != nil {
			return r.toolFailure(sessionID, turnID, stepID, call,
				fmt.Sprintf("creating permission request: %v", err), 0), false
		}
		r.publish(sessionID, turnID, stepID, domain.EventToolCall, map[string]any{
			"tool_call_id":          call.id,
			"tool_name":             call.name,
			"input":                 call.input,
			"status":                domain.ToolCallPermissionRequired,
			"permission_request_id": req.ID,
			"choices":               []string{"once", "session", "always", "deny"},
		})
		dec := r.Gate.Wait(ctx, req.ID)
		if ctx.Err() != nil {
			r.cancelTurn(sessionID, turnID, stepID)
			return domain.ContentBlock{}, true
		}
		if !dec.Approved {
			msg := fmt.Sprintf("Permission denied for tool '%s'", call.name)
			if dec.Status == domain.PermissionExpired {
				msg = fmt.Sprintf("Permission request expired for tool '%s'", call.name)
			}
			return r.toolFailure(sessionID, turnID, stepID, call, msg, 0), false
		}
	}

	r.publish(sessionID, turnID, stepID, domain.EventToolCall, map[string]any{
		"tool_call_id": call.id,
		"tool_name":    call.name,
		"input":        call.input,
		"status":       domain.ToolCallRunning,
	})

	tc := &tools.ToolContext{
		FS:          r.FS,
		Store:       r.Store,
		Bus:         r.Bus,
		SessionID:   sessionID,
		TurnID:      turnID,
		StepID:      stepID,
		ToolCallID:  call.id,
		BraveAPIKey: r.BraveAPIKey,
	}
	if call.name == "spawn_subagent" {
		job := subagentJob{
			sessionID:        sessionID,
			turnID:           turnID,
			stepID:           stepID,
			parentToolCallID: call.id,
		}
		tc.Spawn = func(sctx context.Context, task, label string, allowlist []string) (string, error) {
			j := job
			j.task, j.label, j.allowlist = task, label, allowlist
			return r.runSubagent(sctx, j)
		}
	}

	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, r.toolTimeout())
	output, execErr := def.Execute(tctx, call.input, tc)
	cancel()
	elapsed := time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		r.publishToolResult(sessionID, turnID, stepID, call, false, "", "cancelled", elapsed)
		r.cancelTurn(sessionID, turnID, stepID)
		return domain.ContentBlock{}, true
	}
	if execErr != nil {
		msg := execErr.Error()
		if errors.Is(execErr, context.DeadlineExceeded) {
			msg = fmt.Sprintf("timeout after %s", r.toolTimeout())
		}
		return r.toolFailure(sessionID, turnID, stepID, call, msg, elapsed), false
	}

	r.publishToolResult(sessionID, turnID, stepID, call, true, output, "", elapsed)
	return domain.ContentBlock{
		Type:       "tool_result",
		ToolUseID:  call.id,
		ToolResult: output,
	}, false
}

// toolFailure publishes a failed tool_result and returns the matching
// transcript block so the model sees why the call did not run.
func (r *Runner) toolFailure(sessionID, turnID, stepID string, call toolCall, msg string, elapsedMS int64) domain.ContentBlock {
	r.publishToolResult(sessionID, turnID, stepID, call, false, "", msg, elapsedMS)
	return domain.ContentBlock{
		Type:       "tool_result",
		ToolUseID:  call.id,
		ToolResult: msg,
		IsError:    true,
	}
}

func (r *Runner) publishToolResult(sessionID, turnID, stepID string, call toolCall, ok bool, output, errMsg string, elapsedMS int64) {
	payload := map[string]any{
		"tool_call_id": call.id,
		"tool_name":    call.name,
		"ok":           ok,
		"duration_ms":  elapsedMS,
	}
	if ok {
		payload["output"] = eventClip(output)
	} else {
		payload["error"] = eventClip(errMsg)
	}
	r.publish(sessionID, turnID, stepID, domain.EventToolResult, payload)
}

// ---------------------------------------------------------------------------
// Termination paths
// ---------------------------------------------------------------------------

// cancelTurn tears a turn down after ctx cancellation: pending approval
// prompts expire, the step is marked cancelled, and no final is emitted.
func (r *Runner) cancelTurn(sessionID, turnID, stepID string) {
	if err := r.Store.ExpirePendingRequests(turnID); err != nil {
		fmt.Fprintf(os.Stderr, "agent: expire pending requests: %v\n", err)
	}
	r.publish(sessionID, turnID, stepID, domain.EventError, map[string]any{
		"code":    "cancelled",
		"message": "turn cancelled",
	})
	r.finishStep(stepID, domain.StepCancelled)
	r.setStatus(sessionID, domain.SessionIdle)
}

// failTurn reports an unrecoverable turn failure and leaves the session in
// the error state.
func (r *Runner) failTurn(sessionID, turnID, stepID, code, msg string) {
	r.publish(sessionID, turnID, stepID, domain.EventError, map[string]any{
		"code":    code,
		"message": msg,
	})
	if stepID != "" {
		r.finishStep(stepID, domain.StepError)
	}
	r.setStatus(sessionID, domain.SessionError)
}

// ---------------------------------------------------------------------------
// Small helpers
// ---------------------------------------------------------------------------

func (r *Runner) publish(sessionID, turnID, stepID, eventType string, payload map[string]any) {
	if _, err := r.Bus.Publish(sessionID, turnID, stepID, eventType, payload); err != nil {
		fmt.Fprintf(os.Stderr, "agent: publish %s: %v\n", eventType, err)
	}
}

func (r *Runner) setStatus(sessionID, status string) {
	if err := r.Store.SetSessionStatus(sessionID, status); err != nil {
		fmt.Fprintf(os.Stderr, "agent: set session status: %v\n", err)
	}
}

func (r *Runner) finishStep(stepID, status string) {
	if stepID == "" {
		return
	}
	if err := r.Store.FinishStep(stepID, status); err != nil {
		fmt.Fprintf(os.Stderr, "agent: finish step: %v\n", err)
	}
}

func (r *Runner) touch(sessionID string) {
	if err := r.Store.TouchSession(sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "agent: touch session: %v\n", err)
	}
}

func eventClip(s string) string {
	if len(s) <= eventClipChars {
		return s
	}
	return s[:eventClipChars] + "..."
}

func addUsage(a, b provider.Usage) provider.Usage {
	return provider.Usage{
		InputTokens:              a.InputTokens + b.InputTokens,
		OutputTokens:             a.OutputTokens + b.OutputTokens,
		CacheCreationInputTokens: a.CacheCreationInputTokens + b.CacheCreationInputTokens,
		CacheReadInputTokens:     a.CacheReadInputTokens + b.CacheReadInputTokens,
	}
}

func usagePayload(u provider.Usage) map[string]any {
	p := map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
	}
	if u.CacheCreationInputTokens > 0 {
		p["cache_creation_input_tokens"] = u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens > 0 {
		p["cache_read_input_tokens"] = u.CacheReadInputTokens
	}
	return p
}
