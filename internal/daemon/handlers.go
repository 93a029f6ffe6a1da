package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
	"github.com/batalabs/agentd/internal/sandbox"
	"github.com/batalabs/agentd/internal/store"
)

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New Chat"
	}
	sess, err := s.store.CreateSession(title)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	// A live runner goroutine overrides whatever status the row carries.
	for i := range sessions {
		if s.turnActive(sessions[i].ID) {
			sessions[i].Status = domain.SessionRunning
		}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	if s.turnActive(sess.ID) {
		sess.Status = domain.SessionRunning
	}
	msgs, err := s.store.GetMessages(sess.ID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, struct {
		domain.Session
		Messages []domain.Message `json:"messages"`
	}{*sess, msgs})
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}
	if err := s.store.UpdateSessionTitle(sess.ID, title); err != nil {
		s.serverError(w, r, err)
		return
	}
	updated, err := s.store.GetSession(sess.ID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}

	s.mu.Lock()
	h := s.running[sess.ID]
	delete(s.running, sess.ID)
	s.mu.Unlock()
	if h != nil && !h.finished() {
		h.cancel()
		<-h.done
	}
	s.gate.ClearSession(sess.ID)

	if err := s.store.DeleteSession(sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	msgs, err := s.store.GetMessages(sess.ID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	var req struct {
		OverrideModel string `json:"override_model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	model := strings.TrimSpace(req.OverrideModel)
	if model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "override_model is required"})
		return
	}
	if err := s.store.PutSessionSettings(sess.ID, model); err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SessionSettings{SessionID: sess.ID, OverrideModel: model})
}

func (s *Server) handleDeleteSettings(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	if err := s.store.DeleteSessionSettings(sess.ID); err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ---------------------------------------------------------------------------
// Turns
// ---------------------------------------------------------------------------

// handleStartTurn admits one turn per session: the user message and turn row
// are durable before the runner goroutine starts, and the caller gets the
// turn id back immediately while events flow over SSE.
func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	// Admission and spawn happen under one lock so two concurrent posts
	// cannot both pass the busy check.
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.running[sess.ID]; h != nil && !h.finished() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session is busy"})
		return
	}
	delete(s.running, sess.ID)

	if _, err := s.store.AppendMessage(sess.ID, "user", content); err != nil {
		s.serverError(w, r, err)
		return
	}
	if err := s.store.TouchSession(sess.ID); err != nil {
		s.serverError(w, r, err)
		return
	}
	turn, err := s.store.CreateTurn(sess.ID, content)
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	h := &turnHandle{turnID: turn.ID, cancel: cancel, done: make(chan struct{})}
	s.running[sess.ID] = h
	go func() {
		defer cancel()
		defer close(h.done)
		s.runner.Run(ctx, sess.ID, turn.ID, content)
	}()

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":   true,
		"session_id": sess.ID,
		"turn_id":    turn.ID,
	})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	turns, err := s.store.ListTurns(sess.ID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	turn, err := s.store.GetTurn(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "turn not found"})
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTurn(id); errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "turn not found"})
		return
	} else if err != nil {
		s.serverError(w, r, err)
		return
	}
	steps, err := s.store.ListSteps(id)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if steps == nil {
		steps = []domain.Step{}
	}
	writeJSON(w, http.StatusOK, steps)
}

// handleCancelTurn cancels the in-flight turn, if any. The runner publishes
// the cancelled events on its own; 204 means there was nothing to cancel.
func (s *Server) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	s.mu.Lock()
	h := s.running[sess.ID]
	s.mu.Unlock()
	if h == nil || h.finished() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.cancel()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// ---------------------------------------------------------------------------
// Event replay
// ---------------------------------------------------------------------------

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	q := r.URL.Query()
	limit := int(queryInt64(q, "limit"))

	var events []domain.Event
	var err error
	if q.Has("since_seq") {
		events, err = s.store.EventsAfterSeq(sess.ID, queryInt64(q, "since_seq"), limit)
	} else {
		events, err = s.store.EventsAfter(sess.ID, queryInt64(q, "since"), limit)
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryInt64(q url.Values, key string) int64 {
	n, err := strconv.ParseInt(q.Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ---------------------------------------------------------------------------
// Permissions
// ---------------------------------------------------------------------------

func (s *Server) handlePendingPermissions(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	reqs, err := s.store.PendingPermissionRequests(sess.ID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []domain.PermissionRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Scope  string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Status != domain.PermissionApproved && req.Status != domain.PermissionDenied {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be approved or denied"})
		return
	}
	scope := req.Scope
	if scope == "" {
		scope = domain.ScopeOnce
	}
	if scope != domain.ScopeOnce && scope != domain.ScopeSession && scope != domain.ScopeAlways {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "scope must be once, session, or always"})
		return
	}

	err := s.gate.Resolve(r.PathValue("id"), req.Status, scope)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "permission request not found"})
	case errors.Is(err, store.ErrAlreadyResolved):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		s.serverError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleGetPermissionMode(w http.ResponseWriter, r *http.Request) {
	mode, err := s.store.GetPermissionMode()
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": mode})
}

func (s *Server) handleSetPermissionMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Mode != domain.ModeAsk && req.Mode != domain.ModeAllow {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mode must be ask or allow"})
		return
	}
	if err := s.store.SetPermissionMode(req.Mode); err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
}

// ---------------------------------------------------------------------------
// Tools
// ---------------------------------------------------------------------------

type toolView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func specSchema(spec provider.ToolSpec) map[string]any {
	props := make(map[string]any, len(spec.Properties))
	for name, p := range spec.Properties {
		props[name] = propSchema(p)
	}
	required := spec.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func propSchema(p provider.ToolProp) map[string]any {
	m := map[string]any{"type": p.Type}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		m["enum"] = p.Enum
	}
	if p.Items != nil {
		m["items"] = propSchema(*p.Items)
	}
	if len(p.Properties) > 0 {
		nested := make(map[string]any, len(p.Properties))
		for name, np := range p.Properties {
			nested[name] = propSchema(np)
		}
		m["properties"] = nested
	}
	if len(p.Required) > 0 {
		m["required"] = p.Required
	}
	return m
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	stored, err := s.store.ListToolPolicies()
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	policies := s.registry.DefaultPolicies()
	for name, policy := range stored {
		if _, known := policies[name]; known {
			policies[name] = policy
		}
	}

	defs := s.registry.All()
	views := make([]toolView, 0, len(defs))
	enabled := make(map[string]bool, len(defs))
	for _, d := range defs {
		views = append(views, toolView{
			Name:        d.Spec.Name,
			Description: d.Spec.Description,
			InputSchema: specSchema(d.Spec),
		})
		enabled[d.Spec.Name] = s.registry.Enabled(d.Spec.Name)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{
		"tools":    views,
		"policies": policies,
		"enabled":  enabled,
	})
}

func (s *Server) handleSetToolPolicy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.registry.Find(name); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tool"})
		return
	}
	var req struct {
		Policy string `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Policy != domain.PolicyDeny && req.Policy != domain.PolicyAsk && req.Policy != domain.PolicyAllow {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "policy must be deny, ask, or allow"})
		return
	}
	if err := s.store.SetToolPolicy(name, req.Policy); err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tool": name, "policy": req.Policy})
}

// ---------------------------------------------------------------------------
// Workspace inspection
// ---------------------------------------------------------------------------

func (s *Server) handleFSTree(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	entries, truncated, err := s.fs.ListTree(0)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if entries == nil {
		entries = []sandbox.TreeEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"root":      s.fs.Root(),
		"entries":   entries,
		"truncated": truncated,
	})
}

const defaultReadLimit = 256 * 1024

func (s *Server) handleFSRead(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	q := r.URL.Query()
	reqPath := q.Get("path")
	if reqPath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	maxBytes := int(queryInt64(q, "max_bytes"))
	if maxBytes <= 0 {
		maxBytes = defaultReadLimit
	}

	data, rel, err := s.fs.ReadFile(reqPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	size := len(data)
	truncated := false
	if size > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}
	resp := map[string]any{
		"path":      rel,
		"size":      size,
		"truncated": truncated,
		"binary":    false,
		"content":   "",
	}
	if sandbox.IsBinary(data) {
		resp["binary"] = true
	} else {
		content := string(data)
		resp["content"] = content
		resp["language"] = sandbox.DetectLanguage(rel, content)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFSVersions(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	reqPath := r.URL.Query().Get("path")
	if reqPath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	versions, err := s.store.ListFileVersions(sess.ID, reqPath)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if versions == nil {
		versions = []domain.FileVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleFSVersion(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	fv, err := s.store.GetFileVersion(r.PathValue("vid"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "version not found"})
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if fv.SessionID != sess.ID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "version not found"})
		return
	}
	writeJSON(w, http.StatusOK, fv)
}

// handleFSRollback restores a file to a stored version. The current content
// is snapshotted first, so a rollback can itself be rolled back, and the
// restore shows up as a diff event like any tool write.
func (s *Server) handleFSRollback(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	var req struct {
		Path      string `json:"path"`
		VersionID string `json:"version_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Path == "" || req.VersionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path and version_id are required"})
		return
	}

	fv, err := s.store.GetFileVersion(req.VersionID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "version not found"})
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if fv.SessionID != sess.ID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "version not found"})
		return
	}
	if fv.Path != req.Path {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version does not belong to path"})
		return
	}

	res, err := s.fs.Update(req.Path, func(string, bool) (string, error) {
		return fv.Content, nil
	})
	if errors.Is(err, sandbox.ErrOutsideRoot) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	diff := sandbox.Unified(res.Path, res.Previous, fv.Content)
	if diff == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok": true, "path": res.Path, "version_id": fv.ID, "changed": false,
		})
		return
	}
	if res.Existed {
		if _, err := s.store.AddFileVersion(sess.ID, "", "", res.Path, res.Previous, "rollback"); err != nil {
			s.serverError(w, r, err)
			return
		}
	}
	if _, err := s.store.AddFileChange(sess.ID, "", "", res.Path, diff); err != nil {
		s.serverError(w, r, err)
		return
	}
	if _, err := s.bus.Publish(sess.ID, "", "", domain.EventDiff, map[string]any{
		"path": res.Path,
		"diff": diff,
		"note": "rollback",
	}); err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "path": res.Path, "version_id": fv.ID, "changed": true,
	})
}

func (s *Server) handleListFileChanges(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	changes, err := s.store.ListFileChanges(sess.ID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if changes == nil {
		changes = []domain.FileChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleListTerminal(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	chunks, err := s.store.ListTerminalChunks(sess.ID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []domain.TerminalChunk{}
	}
	writeJSON(w, http.StatusOK, chunks)
}

// ---------------------------------------------------------------------------
// Context items
// ---------------------------------------------------------------------------

func (s *Server) handleListContext(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	items, err := s.store.ListContextItems(sess.ID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.ContextItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handlePinContext(w http.ResponseWriter, r *http.Request) {
	s.setContextPinned(w, r, true)
}

func (s *Server) handleUnpinContext(w http.ResponseWriter, r *http.Request) {
	s.setContextPinned(w, r, false)
}

func (s *Server) setContextPinned(w http.ResponseWriter, r *http.Request, pinned bool) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	var req struct {
		ContextID string `json:"context_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ContextID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "context_id is required"})
		return
	}
	err := s.store.SetContextPinned(req.ContextID, pinned)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "context item not found"})
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSetPinnedRef upserts a context item by reference, so a UI can pin a
// file or URL without knowing whether the item already exists.
func (s *Server) handleSetPinnedRef(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOr404(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	var req struct {
		Kind       string `json:"kind"`
		Title      string `json:"title"`
		ContentRef string `json:"content_ref"`
		Pinned     bool   `json:"pinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Kind != domain.ContextFile && req.Kind != domain.ContextWeb {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be file or web"})
		return
	}
	if strings.TrimSpace(req.ContentRef) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content_ref is required"})
		return
	}

	item, err := s.store.AddContextItem(sess.ID, req.Kind, req.Title, req.ContentRef, req.Pinned)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if item.Pinned != req.Pinned {
		if err := s.store.SetContextPinned(item.ID, req.Pinned); err != nil {
			s.serverError(w, r, err)
			return
		}
		item.Pinned = req.Pinned
	}
	writeJSON(w, http.StatusOK, item)
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.MemoryAll()
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.MemoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handlePutMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key is required"})
		return
	}
	if err := s.store.MemorySet(key, req.Value); err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "key": key})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	err := s.store.MemoryDelete(r.PathValue("key"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
