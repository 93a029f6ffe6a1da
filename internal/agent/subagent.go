package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
	"github.com/batalabs/agentd/internal/tools"
)

const maxSubagentIterations = 12

const subagentRules = `# Subagent
You are a subagent running inside a parent tool call.

Rules:
- Stay focused on the given task.
- Do not ask the user questions; make reasonable assumptions.
- Return a clear final answer summarizing what you found or did.`

// subagentJob carries the parent coordinates a child run reports under.
type subagentJob struct {
	sessionID        string
	turnID           string
	stepID           string
	parentToolCallID string
	task             string
	label            string
	allowlist        []string
}

// runSubagent executes a child agent loop to completion and returns its
// final text. The child shares the parent's session, gate and event
// stream; its inner activity reaches clients as subagent_block events
// rather than live deltas.
func (r *Runner) runSubagent(ctx context.Context, job subagentJob) (string, error) {
	subID := domain.NewShortID("sub")
	display := job.label
	if display == "" {
		display = job.task
		if len(display) > 40 {
			display = display[:40] + "..."
		}
	}

	r.publishSubagentStatus(job, subID, "start", display, "", "")

	allowed := tools.SubagentView(job.allowlist)
	specs := r.Registry.SpecsFor(allowed)
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	model := r.resolveModel(job.sessionID)
	system := r.contextBuilder(model).SystemPrompt(ctx, job.sessionID, names) +
		"\n\n---\n\n" + subagentRules

	messages := []domain.TranscriptMessage{{Role: "user", Content: job.task}}
	finalText := ""

	for iter := 1; iter <= maxSubagentIterations; iter++ {
		events, err := r.openStream(ctx, provider.Request{
			APIKey:   r.APIKey,
			Model:    model,
			System:   system,
			Messages: messages,
			Tools:    specs,
		})
		if err != nil {
			return "", r.subagentFailed(job, subID, display, err)
		}
		res := collectStream(events)
		if ctx.Err() != nil {
			return "", r.subagentFailed(job, subID, display, ctx.Err())
		}
		if res.err != nil {
			return "", r.subagentFailed(job, subID, display, res.err)
		}

		if res.thinking != "" {
			r.publishSubagentBlock(job, subID, map[string]any{
				"id":          fmt.Sprintf("thinking_%s_%d", subID, iter),
				"type":        "thinking",
				"text":        res.thinking,
				"duration_ms": 0,
			})
		}

		if len(res.calls) == 0 {
			finalText = res.text
			if finalText != "" {
				r.publishSubagentBlock(job, subID, map[string]any{
					"id":   "assistant_" + subID,
					"type": "assistant",
					"text": finalText,
				})
			}
			break
		}

		messages = append(messages, assistantMessage(res))
		results := make([]domain.ContentBlock, 0, len(res.calls))
		for _, call := range res.calls {
			results = append(results, r.runSubagentTool(ctx, job, subID, call, allowed))
			if ctx.Err() != nil {
				return "", r.subagentFailed(job, subID, display, ctx.Err())
			}
		}
		messages = append(messages, domain.TranscriptMessage{Role: "user", Blocks: results})
	}

	if finalText == "" {
		finalText = "(no response)"
	}
	r.publishSubagentStatus(job, subID, "end", display, finalText, "")
	return finalText, nil
}

// runSubagentTool gates and executes one child tool call, mirroring its
// lifecycle as subagent_block events, and returns the transcript block fed
// back to the child.
func (r *Runner) runSubagentTool(ctx context.Context, job subagentJob, subID string, call toolCall, allowed map[string]bool) domain.ContentBlock {
	fail := func(msg string, elapsedMS int64) domain.ContentBlock {
		r.publishSubagentBlock(job, subID, toolCallBlock(call, domain.ToolCallError, "", msg, elapsedMS, ""))
		return domain.ContentBlock{
			Type:       "tool_result",
			ToolUseID:  call.id,
			ToolResult: msg,
			IsError:    true,
		}
	}

	def, known := r.Registry.Find(call.name)
	if !known || !allowed[call.name] {
		return fail("unknown tool", 0)
	}
	if !r.Registry.Enabled(call.name) {
		return fail(fmt.Sprintf("Tool '%s' is disabled by configuration", call.name), 0)
	}

	policy, err := r.Gate.EffectivePolicy(job.sessionID, call.name)
	if err != nil {
		return fail(fmt.Sprintf("resolving policy: %v", err), 0)
	}
	switch policy {
	case domain.PolicyDeny:
		return fail(fmt.Sprintf("Permission denied for tool '%s'", call.name), 0)
	case domain.PolicyAsk:
		req, err := r.Gate.CreateRequest(job.sessionID, job.turnID, job.stepID, call.name, call.input)
		if err != nil {
			return fail(fmt.Sprintf("creating permission request: %v", err), 0)
		}
		r.publishSubagentBlock(job, subID,
			toolCallBlock(call, domain.ToolCallPermissionRequired, "", "", 0, req.ID))
		dec := r.Gate.Wait(ctx, req.ID)
		if !dec.Approved {
			msg := fmt.Sprintf("Permission denied for tool '%s'", call.name)
			if dec.Status == domain.PermissionExpired {
				msg = fmt.Sprintf("Permission request expired for tool '%s'", call.name)
			}
			return fail(msg, 0)
		}
	}

	r.publishSubagentBlock(job, subID, toolCallBlock(call, domain.ToolCallRunning, "", "", 0, ""))

	// No Spawn: the view never includes spawn_subagent, and a nil Spawn
	// keeps depth bounded even if a widened allowlist tried.
	tc := &tools.ToolContext{
		FS:          r.FS,
		Store:       r.Store,
		Bus:         r.Bus,
		SessionID:   job.sessionID,
		TurnID:      job.turnID,
		StepID:      job.stepID,
		ToolCallID:  call.id,
		BraveAPIKey: r.BraveAPIKey,
	}

	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, r.toolTimeout())
	output, execErr := def.Execute(tctx, call.input, tc)
	cancel()
	elapsed := time.Since(start).Milliseconds()

	if execErr != nil {
		msg := execErr.Error()
		if errors.Is(execErr, context.DeadlineExceeded) {
			msg = fmt.Sprintf("timeout after %s", r.toolTimeout())
		}
		return fail(msg, elapsed)
	}

	r.publishSubagentBlock(job, subID, toolCallBlock(call, domain.ToolCallCompleted, output, "", elapsed, ""))
	return domain.ContentBlock{
		Type:       "tool_result",
		ToolUseID:  call.id,
		ToolResult: output,
	}
}

func (r *Runner) subagentFailed(job subagentJob, subID, display string, err error) error {
	msg := err.Error()
	r.publishSubagentBlock(job, subID, map[string]any{
		"id":   "error_" + subID,
		"type": "error",
		"text": msg,
	})
	r.publishSubagentStatus(job, subID, "error", display, "", msg)
	return err
}

func (r *Runner) publishSubagentStatus(job subagentJob, subID, status, label, result, errMsg string) {
	r.publish(job.sessionID, job.turnID, job.stepID, domain.EventSubagent, map[string]any{
		"parent_tool_call_id": job.parentToolCallID,
		"subagent_id":         subID,
		"status":              status,
		"label":               label,
		"task":                job.task,
		"result":              eventClip(result),
		"error":               errMsg,
	})
}

func (r *Runner) publishSubagentBlock(job subagentJob, subID string, block map[string]any) {
	r.publish(job.sessionID, job.turnID, job.stepID, domain.EventSubagentBlock, map[string]any{
		"parent_tool_call_id": job.parentToolCallID,
		"subagent_id":         subID,
		"block":               block,
	})
}

// toolCallBlock renders one child tool call state for the block stream.
func toolCallBlock(call toolCall, status, output, errMsg string, elapsedMS int64, permissionRequestID string) map[string]any {
	b := map[string]any{
		"id":           call.id,
		"type":         "tool_call",
		"tool_call_id": call.id,
		"tool_name":    call.name,
		"input":        call.input,
		"status":       status,
		"output":       eventClip(output),
		"error":        eventClip(errMsg),
		"duration_ms":  elapsedMS,
	}
	if permissionRequestID != "" {
		b["permission_request_id"] = permissionRequestID
	}
	return b
}
