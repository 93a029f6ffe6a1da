package daemon

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/batalabs/agentd/internal/agent"
	"github.com/batalabs/agentd/internal/bus"
	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/permission"
	"github.com/batalabs/agentd/internal/provider"
	"github.com/batalabs/agentd/internal/sandbox"
	"github.com/batalabs/agentd/internal/store"
	"github.com/batalabs/agentd/internal/tools"

	_ "modernc.org/sqlite"
)

// stubProvider replays one scripted event list per Open call. Calls past the
// end of the script produce a bare stop. When hold is set, emission waits
// until the channel closes so a turn can be kept in flight.
type stubProvider struct {
	mu      sync.Mutex
	scripts [][]provider.ModelEvent
	calls   int
	hold    chan struct{}
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Open(ctx context.Context, req provider.Request) (<-chan provider.ModelEvent, error) {
	p.mu.Lock()
	script := []provider.ModelEvent{{Kind: provider.KindStop, StopReason: "end_turn"}}
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	}
	p.calls++
	hold := p.hold
	p.mu.Unlock()

	ch := make(chan provider.ModelEvent, len(script))
	go func() {
		defer close(ch)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				ch <- provider.ModelEvent{Kind: provider.KindError, Err: ctx.Err()}
				return
			}
		}
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func textStop(text string) []provider.ModelEvent {
	return []provider.ModelEvent{
		{Kind: provider.KindTextDelta, Text: text},
		{Kind: provider.KindStop, StopReason: "end_turn"},
	}
}

type serverFixture struct {
	srv  *Server
	mux  *http.ServeMux
	st   *store.Store
	bus  *bus.Bus
	gate *permission.Gate
	reg  *tools.Registry
	fs   *sandbox.FS
	prov *stubProvider
}

func newServerFixture(t *testing.T, scripts ...[]provider.ModelEvent) *serverFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.NewFromDB(db)
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New(st, 64)
	reg := tools.NewRegistry(tools.AllTools())
	gate := permission.NewGate(st, reg.DefaultPolicies(), time.Minute)
	fs, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	prov := &stubProvider{scripts: scripts}
	runner := &agent.Runner{
		Store:       st,
		Bus:         b,
		Gate:        gate,
		Registry:    reg,
		Provider:    prov,
		FS:          fs,
		APIKey:      "test-key",
		Model:       "test-model",
		MaxSteps:    8,
		ToolTimeout: 5 * time.Second,
	}
	srv := NewServer(Options{
		Store:         st,
		Bus:           b,
		Gate:          gate,
		Registry:      reg,
		FS:            fs,
		Runner:        runner,
		Version:       "test",
		Model:         "test-model",
		DBPath:        ":memory:",
		Heartbeat:     50 * time.Millisecond,
		LLMConfigured: true,
	})
	mux := http.NewServeMux()
	srv.registerRoutes(mux)
	return &serverFixture{srv: srv, mux: mux, st: st, bus: b, gate: gate, reg: reg, fs: fs, prov: prov}
}

func (fx *serverFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	fx.mux.ServeHTTP(w, req)
	return w
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return m
}

// seededSession creates a session with one prior message, so starting a turn
// does not trigger the first-message auto-title goroutine.
func (fx *serverFixture) seededSession(t *testing.T, title string) *domain.Session {
	t.Helper()
	sess, err := fx.st.CreateSession(title)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.st.AppendMessage(sess.ID, "user", "earlier message"); err != nil {
		t.Fatal(err)
	}
	return sess
}

// waitTurn blocks until the session's runner goroutine finishes.
func (fx *serverFixture) waitTurn(t *testing.T, sessionID string) {
	t.Helper()
	fx.srv.mu.Lock()
	h := fx.srv.running[sessionID]
	fx.srv.mu.Unlock()
	if h == nil {
		t.Fatalf("no running turn for session %s", sessionID)
	}
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
}

// ---------------------------------------------------------------------------
// Health + lifecycle
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	w := fx.do(t, "GET", "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeMap(t, w)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if resp["version"] != "test" || resp["model"] != "test-model" {
		t.Errorf("unexpected version/model: %v / %v", resp["version"], resp["model"])
	}
	if resp["llm_configured"] != true {
		t.Errorf("expected llm_configured true, got %v", resp["llm_configured"])
	}
	if resp["db_path"] != ":memory:" {
		t.Errorf("unexpected db_path: %v", resp["db_path"])
	}
}

func TestShutdownCancelsRunningTurn(t *testing.T) {
	fx := newServerFixture(t)
	fx.prov.hold = make(chan struct{})
	sess := fx.seededSession(t, "shutdown test")

	w := fx.do(t, "POST", "/api/sessions/"+sess.ID+"/turns", map[string]string{"content": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("start turn: %d: %s", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := fx.srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	fx.srv.mu.Lock()
	h := fx.srv.running[sess.ID]
	fx.srv.mu.Unlock()
	if h == nil || !h.finished() {
		t.Fatal("expected the running turn to be finished after shutdown")
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestCreateSession(t *testing.T) {
	fx := newServerFixture(t)

	w := fx.do(t, "POST", "/api/sessions", map[string]string{"title": "My Chat"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeMap(t, w)
	if resp["title"] != "My Chat" {
		t.Errorf("expected title My Chat, got %v", resp["title"])
	}
	if resp["id"] == "" {
		t.Error("expected non-empty id")
	}
	if resp["status"] != domain.SessionIdle {
		t.Errorf("expected idle status, got %v", resp["status"])
	}
}

func TestCreateSessionDefaultTitle(t *testing.T) {
	fx := newServerFixture(t)
	w := fx.do(t, "POST", "/api/sessions", map[string]string{})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decodeMap(t, w); resp["title"] != "New Chat" {
		t.Errorf("expected default title, got %v", resp["title"])
	}
}

func TestListSessions(t *testing.T) {
	fx := newServerFixture(t)
	if _, err := fx.st.CreateSession("one"); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.st.CreateSession("two"); err != nil {
		t.Fatal(err)
	}

	w := fx.do(t, "GET", "/api/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sessions []domain.Session
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestListSessionsEmpty(t *testing.T) {
	fx := newServerFixture(t)
	w := fx.do(t, "GET", "/api/sessions", nil)
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestGetSessionIncludesMessages(t *testing.T) {
	fx := newServerFixture(t)
	sess, err := fx.st.CreateSession("detail")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.st.AppendMessage(sess.ID, "user", "hello"); err != nil {
		t.Fatal(err)
	}

	w := fx.do(t, "GET", "/api/sessions/"+sess.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeMap(t, w)
	if resp["id"] != sess.ID {
		t.Errorf("expected id %s, got %v", sess.ID, resp["id"])
	}
	msgs, ok := resp["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %v", resp["messages"])
	}
}

func TestGetSessionNotFound(t *testing.T) {
	fx := newServerFixture(t)
	w := fx.do(t, "GET", "/api/sessions/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPatchSessionTitle(t *testing.T) {
	fx := newServerFixture(t)
	sess, err := fx.st.CreateSession("before")
	if err != nil {
		t.Fatal(err)
	}

	w := fx.do(t, "PATCH", "/api/sessions/"+sess.ID, map[string]string{"title": "after"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decodeMap(t, w); resp["title"] != "after" {
		t.Errorf("expected title after, got %v", resp["title"])
	}

	w = fx.do(t, "PATCH", "/api/sessions/"+sess.ID, map[string]string{"title": "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank title, got %d", w.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	fx := newServerFixture(t)
	sess, err := fx.st.CreateSession("doomed")
	if err != nil {
		t.Fatal(err)
	}

	w := fx.do(t, "DELETE", "/api/sessions/"+sess.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decodeMap(t, w); resp["deleted"] != true {
		t.Errorf("expected deleted true, got %v", resp["deleted"])
	}
	if _, err := fx.st.GetSession(sess.ID); err == nil {
		t.Error("expected session to be gone")
	}

	w = fx.do(t, "DELETE", "/api/sessions/"+sess.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for second delete, got %d", w.Code)
	}
}

func TestSessionSettings(t *testing.T) {
	fx := newServerFixture(t)
	sess, err := fx.st.CreateSession("settings")
	if err != nil {
		t.Fatal(err)
	}

	w := fx.do(t, "PUT", "/api/sessions/"+sess.ID+"/settings", map[string]string{"override_model": "claude-opus-4-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeMap(t, w); resp["override_model"] != "claude-opus-4-1" {
		t.Errorf("unexpected override_model: %v", resp["override_model"])
	}
	st, err := fx.st.GetSessionSettings(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.OverrideModel != "claude-opus-4-1" {
		t.Errorf("settings not persisted: %q", st.OverrideModel)
	}

	w = fx.do(t, "PUT", "/api/sessions/"+sess.ID+"/settings", map[string]string{"override_model": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank model, got %d", w.Code)
	}

	w = fx.do(t, "DELETE", "/api/sessions/"+sess.ID+"/settings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Turns
// ---------------------------------------------------------------------------

func TestStartTurn(t *testing.T) {
	fx := newServerFixture(t, textStop("hello there"))
	sess := fx.seededSession(t, "turn test")

	w := fx.do(t, "POST", "/api/sessions/"+sess.ID+"/turns", map[string]string{"content": "say hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeMap(t, w)
	if resp["accepted"] != true {
		t.Errorf("expected accepted true, got %v", resp["accepted"])
	}
	if resp["session_id"] != sess.ID {
		t.Errorf("unexpected session_id: %v", resp["session_id"])
	}
	turnID, _ := resp["turn_id"].(string)
	if turnID == "" {
		t.Fatal("expected a turn_id")
	}

	fx.waitTurn(t, sess.ID)

	msgs, err := fx.st.GetMessages(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages (seed, user, assistant), got %d", len(msgs))
	}
	if msgs[1].Role != "user" || msgs[1].Content != "say hello" {
		t.Errorf("user message not persisted: %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" || msgs[2].Content != "hello there" {
		t.Errorf("assistant message not persisted: %+v", msgs[2])
	}

	turn, err := fx.st.GetTurn(turnID)
	if err != nil {
		t.Fatal(err)
	}
	if turn.UserText != "say hello" {
		t.Errorf("unexpected turn user_text: %q", turn.UserText)
	}
}

func TestStartTurnValidation(t *testing.T) {
	fx := newServerFixture(t)
	sess := fx.seededSession(t, "validation")

	w := fx.do(t, "POST", "/api/sessions/"+sess.ID+"/turns", map[string]string{"content": "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank content, got %d", w.Code)
	}
	w = fx.do(t, "POST", "/api/sessions/missing/turns", map[string]string{"content": "hi"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing session, got %d", w.Code)
	}
}

func TestStartTurnBusy(t *testing.T) {
	fx := newServerFixture(t)
	fx.prov.hold = make(chan struct{})
	sess := fx.seededSession(t, "busy test")

	w := fx.do(t, "POST", "/api/sessions/"+sess.ID+"/turns", map[string]string{"content": "first"})
	if w.Code != http.StatusOK {
		t.Fatalf("first turn: %d", w.Code)
	}

	w = fx.do(t, "POST", "/api/sessions/"+sess.ID+"/turns", map[string]string{"content": "second"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while busy, got %d", w.Code)
	}
	if resp := decodeMap(t, w); resp["error"] != "session is busy" {
		t.Errorf("unexpected error body: %v", resp["error"])
	}

	close(fx.prov.hold)
	fx.waitTurn(t, sess.ID)

	// The session accepts a new turn once the first finishes.
	fx.prov.hold = nil
	w = fx.do(t, "POST", "/api/sessions/"+sess.ID+"/turns", map[string]string{"content": "third"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after turn finished, got %d", w.Code)
	}
	fx.waitTurn(t, sess.ID)
}

func TestCancelTurn(t *testing.T) {
	fx := newServerFixture(t)
	fx.prov.hold = make(chan struct{})
	sess := fx.seededSession(t, "cancel test")

	w := fx.do(t, "POST", "/api/sessions/"+sess.ID+"/turns", map[string]string{"content": "long job"})
	if w.Code != http.StatusOK {
		t.Fatalf("start turn: %d", w.Code)
	}

	w = fx.do(t, "POST", "/api/sessions/"+sess.ID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decodeMap(t, w); resp["cancelled"] != true {
		t.Errorf("expected cancelled true, got %v", resp["cancelled"])
	}
	fx.waitTurn(t, sess.ID)

	w = fx.do(t, "POST", "/api/sessions/"+sess.ID+"/cancel", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 when idle, got %d", w.Code)
	}
}

func TestCancelTurnIdle(t *testing.T) {
	fx := newServerFixture(t)
	sess := fx.seededSession(t, "idle cancel")
	w := fx.do(t, "POST", "/api/sessions/"+sess.ID+"/cancel", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestListTurnsAndSteps(t *testing.T) {
	fx := newServerFixture(t, textStop("done"))
	sess := fx.seededSession(t, "turns list")

	w := fx.do(t, "POST", "/api/sessions/"+sess.ID+"/turns", map[string]string{"content": "go"})
	if w.Code != http.StatusOK {
		t.Fatalf("start turn: %d", w.Code)
	}
	turnID := decodeMap(t, w)["turn_id"].(string)
	fx.waitTurn(t, sess.ID)

	w = fx.do(t, "GET", "/api/sessions/"+sess.ID+"/turns", nil)
	var turns []domain.Turn
	if err := json.NewDecoder(w.Body).Decode(&turns); err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].ID != turnID {
		t.Fatalf("expected the one turn, got %+v", turns)
	}

	w = fx.do(t, "GET", "/api/turns/"+turnID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get turn: %d", w.Code)
	}

	w = fx.do(t, "GET", "/api/turns/"+turnID+"/steps", nil)
	var steps []domain.Step
	if err := json.NewDecoder(w.Body).Decode(&steps); err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
	if steps[0].Idx != 1 || steps[0].Status != domain.StepDone {
		t.Errorf("unexpected step: %+v", steps[0])
	}

	w = fx.do(t, "GET", "/api/turns/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing turn, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestAuthMiddleware(t *testing.T) {
	fx := newServerFixture(t)
	srv := NewServer(Options{
		Store:     fx.st,
		Bus:       fx.bus,
		Gate:      fx.gate,
		Registry:  fx.reg,
		FS:        fx.fs,
		Runner:    fx.srv.runner,
		AuthToken: "sekrit",
	})
	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	post := func(token string) int {
		body, _ := json.Marshal(map[string]string{"title": "x"})
		req := httptest.NewRequest("POST", "/api/sessions", bytes.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w.Code
	}

	if code := post(""); code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", code)
	}
	if code := post("wrong"); code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", code)
	}
	if code := post("sekrit"); code != http.StatusOK {
		t.Errorf("expected 200 with correct token, got %d", code)
	}

	// Reads stay open.
	req := httptest.NewRequest("GET", "/api/sessions", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected open GET, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Static UI
// ---------------------------------------------------------------------------

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}

	fx := newServerFixture(t)
	srv := NewServer(Options{
		Store:     fx.st,
		Bus:       fx.bus,
		Gate:      fx.gate,
		Registry:  fx.reg,
		FS:        fx.fs,
		Runner:    fx.srv.runner,
		StaticDir: dir,
	})
	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	get := func(target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", target, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	if w := get("/app.js"); w.Body.String() != "console.log(1)" {
		t.Errorf("expected asset body, got %q", w.Body.String())
	}
	if w := get("/sessions/abc123"); w.Body.String() != "<html>app</html>" {
		t.Errorf("expected index fallback, got %q", w.Body.String())
	}
	if w := get("/"); w.Body.String() != "<html>app</html>" {
		t.Errorf("expected index at root, got %q", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Wire helpers
// ---------------------------------------------------------------------------

func TestWriteEventFraming(t *testing.T) {
	w := httptest.NewRecorder()
	writeEvent(w, w, domain.Event{
		ID:        42,
		Seq:       7,
		Type:      domain.EventFinal,
		SessionID: "ses_x",
		Payload:   map[string]any{"text": "done"},
	})
	body := w.Body.String()
	want := "id: 42\nevent: event\ndata: "
	if !bytes.HasPrefix([]byte(body), []byte(want)) {
		t.Fatalf("unexpected framing: %q", body)
	}
	if !bytes.HasSuffix([]byte(body), []byte("\n\n")) {
		t.Fatalf("frame not terminated: %q", body)
	}
}

func TestWriteSSENoIDLine(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSE(w, w, domain.EventHeartbeat, map[string]any{"ts": 1.5})
	body := w.Body.String()
	if bytes.Contains([]byte(body), []byte("id:")) {
		t.Fatalf("control frame must not carry an id line: %q", body)
	}
	if !bytes.HasPrefix([]byte(body), []byte("event: heartbeat\ndata: ")) {
		t.Fatalf("unexpected framing: %q", body)
	}
}

func TestSetQuiet(t *testing.T) {
	fx := newServerFixture(t)
	if fx.srv.quiet {
		t.Error("expected quiet=false initially")
	}
	fx.srv.SetQuiet(true)
	if !fx.srv.quiet {
		t.Error("expected quiet=true after SetQuiet")
	}
}
