package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/store"
)

// exportSchema versions the JSON export layout.
const exportSchema = "agentd.session_export.v1"

const (
	exportMaxTurns       = 500
	exportMaxEvents      = 20000
	exportEventDigest    = 500
	exportMaxFileChanges = 200
	exportMaxContext     = 200
	exportMaxPermissions = 200
)

// sessionExport is the complete durable record of one session.
type sessionExport struct {
	Schema             string                     `json:"schema"`
	ExportedAt         string                     `json:"exported_at"`
	Session            *domain.Session            `json:"session"`
	Messages           []domain.Message           `json:"messages"`
	Turns              []domain.Turn              `json:"turns"`
	StepsByTurn        map[string][]domain.Step   `json:"steps_by_turn"`
	Events             []domain.Event             `json:"events"`
	FileChanges        []domain.FileChange        `json:"file_changes"`
	TerminalChunks     []domain.TerminalChunk     `json:"terminal_chunks"`
	ContextItems       []domain.ContextItem       `json:"context_items"`
	PermissionRequests []domain.PermissionRequest `json:"permission_requests"`
}

func (s *Server) collectExport(sessionID string) (*sessionExport, error) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.GetMessages(sessionID)
	if err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(sessionID)
	if err != nil {
		return nil, err
	}
	if len(turns) > exportMaxTurns {
		turns = turns[:exportMaxTurns]
	}
	stepsByTurn := make(map[string][]domain.Step, len(turns))
	for _, t := range turns {
		steps, err := s.store.ListSteps(t.ID)
		if err != nil {
			return nil, err
		}
		if steps == nil {
			steps = []domain.Step{}
		}
		stepsByTurn[t.ID] = steps
	}
	events, err := s.store.EventsAfter(sessionID, 0, exportMaxEvents)
	if err != nil {
		return nil, err
	}
	changes, err := s.store.ListFileChanges(sessionID)
	if err != nil {
		return nil, err
	}
	terminal, err := s.store.ListTerminalChunks(sessionID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListContextItems(sessionID)
	if err != nil {
		return nil, err
	}
	perms, err := s.store.ListPermissionRequests(sessionID)
	if err != nil {
		return nil, err
	}

	out := &sessionExport{
		Schema:             exportSchema,
		ExportedAt:         time.Now().UTC().Format(time.RFC3339),
		Session:            sess,
		Messages:           messages,
		Turns:              turns,
		StepsByTurn:        stepsByTurn,
		Events:             events,
		FileChanges:        changes,
		TerminalChunks:     terminal,
		ContextItems:       items,
		PermissionRequests: perms,
	}
	if out.Messages == nil {
		out.Messages = []domain.Message{}
	}
	if out.Turns == nil {
		out.Turns = []domain.Turn{}
	}
	if out.Events == nil {
		out.Events = []domain.Event{}
	}
	if out.FileChanges == nil {
		out.FileChanges = []domain.FileChange{}
	}
	if out.TerminalChunks == nil {
		out.TerminalChunks = []domain.TerminalChunk{}
	}
	if out.ContextItems == nil {
		out.ContextItems = []domain.ContextItem{}
	}
	if out.PermissionRequests == nil {
		out.PermissionRequests = []domain.PermissionRequest{}
	}
	return out, nil
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.collectExport(id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".json"))
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		s.logf("daemon: export json: %v", err)
	}
}

func (s *Server) handleExportMarkdown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.collectExport(id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".md"))
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, renderMarkdown(data)); err != nil {
		s.logf("daemon: export md: %v", err)
	}
}

// renderMarkdown turns an export into a human-readable digest: transcript,
// event log, diffs, terminal output, context and permission history.
func renderMarkdown(data *sessionExport) string {
	title := strings.TrimSpace(data.Session.Title)
	if title == "" {
		title = "Session"
	}

	var lines []string
	lines = append(lines,
		"# "+title,
		"",
		fmt.Sprintf("- Session ID: `%s`", data.Session.ID),
		fmt.Sprintf("- Created: `%s`", data.Session.CreatedAt.UTC().Format(time.RFC3339)),
		fmt.Sprintf("- Updated: `%s`", data.Session.UpdatedAt.UTC().Format(time.RFC3339)),
		fmt.Sprintf("- Exported: `%s`", data.ExportedAt),
		"",
		"## Messages",
		"",
	)
	for _, m := range data.Messages {
		lines = append(lines,
			"### "+m.Role,
			fmt.Sprintf("*%s*", m.CreatedAt.UTC().Format(time.RFC3339)),
			"",
			m.Content,
			"",
		)
	}

	lines = append(lines, "## Events", "")
	events := data.Events
	if len(events) > exportEventDigest {
		events = events[len(events)-exportEventDigest:]
	}
	for _, e := range events {
		lines = append(lines, fmt.Sprintf("- `%d` `%s` `%s` `%s` `%s`",
			e.Seq, e.Type, e.TurnID, e.StepID, strconv.FormatFloat(e.TS, 'f', 3, 64)))
	}
	lines = append(lines, "")

	lines = append(lines, "## File Changes", "")
	changes := data.FileChanges
	if len(changes) > exportMaxFileChanges {
		changes = changes[:exportMaxFileChanges]
	}
	for _, fc := range changes {
		lines = append(lines,
			fmt.Sprintf("### `%s`", fc.Path),
			"",
			"```diff",
			strings.TrimRight(fc.Diff, "\n"),
			"```",
			"",
		)
	}

	lines = append(lines, "## Terminal", "")
	var term strings.Builder
	for _, c := range data.TerminalChunks {
		term.WriteString(c.Text)
	}
	if strings.TrimSpace(term.String()) != "" {
		lines = append(lines, "```text", strings.TrimRight(term.String(), "\n"), "```", "")
	} else {
		lines = append(lines, "(no terminal output)", "")
	}

	lines = append(lines, "## Context Items", "")
	items := data.ContextItems
	if len(items) > exportMaxContext {
		items = items[:exportMaxContext]
	}
	for _, ci := range items {
		pinned := "unpinned"
		if ci.Pinned {
			pinned = "pinned"
		}
		lines = append(lines, fmt.Sprintf("- `%s` `%s` %s", pinned, ci.Kind, ci.Title))
	}
	lines = append(lines, "")

	lines = append(lines, "## Permission Requests", "")
	perms := data.PermissionRequests
	if len(perms) > exportMaxPermissions {
		perms = perms[:exportMaxPermissions]
	}
	for _, pr := range perms {
		lines = append(lines, fmt.Sprintf("- `%s` `%s` `%s` `%s`",
			pr.Status, pr.Scope, pr.ToolName, pr.ID))
	}
	lines = append(lines, "")

	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
}
