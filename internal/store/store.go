package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/batalabs/agentd/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyResolved is returned when a permission request has already left
// the pending state. A request resolves exactly once.
var ErrAlreadyResolved = errors.New("permission request already resolved")

// maxVersionContent is the snapshot size cap. Pre-images larger than this
// are not versioned (the mutation still proceeds).
const maxVersionContent = 1 << 20

// Store wraps a SQLite database for all agent server persistence.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the SQLite database at the given path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewFromDB creates a Store from an existing *sql.DB and runs migrations.
// This is useful for testing with an in-memory database. A :memory:
// database exists per connection, so the pool is pinned to one connection
// to keep every query on the same database.
func NewFromDB(db *sql.DB) (*Store, error) {
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT 'New Session',
			status TEXT NOT NULL DEFAULT 'idle',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS session_settings (
			session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			override_model TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			user_text TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			started_at TEXT NOT NULL DEFAULT (datetime('now')),
			finished_at TEXT
		);
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			ts REAL NOT NULL,
			type TEXT NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			UNIQUE(session_id, seq)
		);
		CREATE TABLE IF NOT EXISTS tool_policies (
			tool_name TEXT PRIMARY KEY,
			policy TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS permission_mode (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			mode TEXT NOT NULL DEFAULT 'ask'
		);
		CREATE TABLE IF NOT EXISTS permission_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			turn_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			scope TEXT NOT NULL DEFAULT 'once',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			resolved_at TEXT
		);
		CREATE TABLE IF NOT EXISTS file_changes (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			turn_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			diff TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS file_versions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			turn_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			idx INTEGER NOT NULL,
			content BLOB NOT NULL,
			sha256 TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(session_id, path, idx)
		);
		CREATE TABLE IF NOT EXISTS context_items (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content_ref TEXT NOT NULL,
			pinned INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			summary_sha256 TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS terminal_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			turn_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			stream TEXT NOT NULL DEFAULT 'stdout',
			text TEXT NOT NULL,
			ts REAL NOT NULL
		);
		CREATE TABLE IF NOT EXISTS memory (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`); err != nil {
		return err
	}

	// Seed the permission mode singleton.
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO permission_mode (id, mode) VALUES (1, 'ask')`); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_steps_turn ON steps(turn_id, idx);
		CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);
		CREATE INDEX IF NOT EXISTS idx_permission_requests_pending ON permission_requests(session_id, status);
		CREATE INDEX IF NOT EXISTS idx_file_changes_session ON file_changes(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_file_versions_path ON file_versions(session_id, path, idx);
		CREATE INDEX IF NOT EXISTS idx_context_items_session ON context_items(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_terminal_chunks_session ON terminal_chunks(session_id, id);
	`)
	return err
}

// ---------------------------------------------------------------------------
// Session CRUD
// ---------------------------------------------------------------------------

// CreateSession inserts a new idle session.
func (s *Store) CreateSession(title string) (*domain.Session, error) {
	if strings.TrimSpace(title) == "" {
		title = "New Session"
	}
	sess := &domain.Session{
		ID:        domain.NewID("ses"),
		Title:     title,
		Status:    domain.SessionIdle,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, title, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Status,
		sess.CreatedAt.Format(time.RFC3339),
		sess.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(id string) (*domain.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, title, status, created_at, updated_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions() ([]domain.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, title, status, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var createdStr, updatedStr string
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Status, &createdStr, &updatedStr); err != nil {
			return nil, err
		}
		if t, err := parseAnyTime(createdStr); err == nil {
			sess.CreatedAt = t
		}
		if t, err := parseAnyTime(updatedStr); err == nil {
			sess.UpdatedAt = t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and everything hanging off it
// (via ON DELETE CASCADE).
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionTitle sets the title of a session.
func (s *Store) UpdateSessionTitle(id, title string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET title = ?, updated_at = datetime('now') WHERE id = ?`,
		title, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionStatus transitions a session between idle, running and error.
func (s *Store) SetSessionStatus(id, status string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id)
	return err
}

// TouchSession updates the session's updated_at timestamp.
func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET updated_at = datetime('now') WHERE id = ?`, id)
	return err
}

// CountSessions returns the total number of sessions.
func (s *Store) CountSessions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Session settings
// ---------------------------------------------------------------------------

// GetSessionSettings returns the settings row for a session.
func (s *Store) GetSessionSettings(sessionID string) (*domain.SessionSettings, error) {
	var st domain.SessionSettings
	err := s.db.QueryRow(
		`SELECT session_id, override_model FROM session_settings WHERE session_id = ?`,
		sessionID).Scan(&st.SessionID, &st.OverrideModel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// PutSessionSettings upserts the per-session model override.
func (s *Store) PutSessionSettings(sessionID, overrideModel string) error {
	_, err := s.db.Exec(
		`INSERT INTO session_settings (session_id, override_model) VALUES (?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET override_model = excluded.override_model`,
		sessionID, overrideModel)
	return err
}

// DeleteSessionSettings removes any per-session overrides.
func (s *Store) DeleteSessionSettings(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM session_settings WHERE session_id = ?`, sessionID)
	return err
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// AppendMessage stores one transcript entry for a session.
func (s *Store) AppendMessage(sessionID, role, content string) (*domain.Message, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, now.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := s.TouchSession(sessionID); err != nil {
		return nil, err
	}
	return &domain.Message{ID: id, SessionID: sessionID, Role: role, Content: content, CreatedAt: now}, nil
}

// GetMessages returns all messages for a session, oldest first.
func (s *Store) GetMessages(sessionID string) ([]domain.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, created_at FROM messages
		 WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the last limit messages in chronological order,
// shaped for the model request builder.
func (s *Store) RecentMessages(sessionID string, limit int) ([]domain.TranscriptMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT role, content FROM (
		   SELECT id, role, content FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.TranscriptMessage
	for rows.Next() {
		var m domain.TranscriptMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of messages in a session.
func (s *Store) CountMessages(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Turns and steps
// ---------------------------------------------------------------------------

// CreateTurn records one user request against a session.
func (s *Store) CreateTurn(sessionID, userText string) (*domain.Turn, error) {
	t := &domain.Turn{
		ID:        domain.NewID("turn"),
		SessionID: sessionID,
		UserText:  userText,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO turns (id, session_id, user_text, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.SessionID, t.UserText, t.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTurn retrieves a turn by id.
func (s *Store) GetTurn(id string) (*domain.Turn, error) {
	var t domain.Turn
	var createdStr string
	err := s.db.QueryRow(
		`SELECT id, session_id, user_text, created_at FROM turns WHERE id = ?`, id).
		Scan(&t.ID, &t.SessionID, &t.UserText, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ts, err := parseAnyTime(createdStr); err == nil {
		t.CreatedAt = ts
	}
	return &t, nil
}

// ListTurns returns all turns for a session, oldest first.
func (s *Store) ListTurns(sessionID string) ([]domain.Turn, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, user_text, created_at FROM turns
		 WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var createdStr string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserText, &createdStr); err != nil {
			return nil, err
		}
		if ts, err := parseAnyTime(createdStr); err == nil {
			t.CreatedAt = ts
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CreateStep records the start of one model iteration within a turn.
func (s *Store) CreateStep(turnID string, idx int) (*domain.Step, error) {
	st := &domain.Step{
		ID:        domain.NewID("step"),
		TurnID:    turnID,
		Idx:       idx,
		Status:    domain.StepRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO steps (id, turn_id, idx, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		st.ID, st.TurnID, st.Idx, st.Status, st.StartedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return st, nil
}

// FinishStep marks a step done, cancelled or errored.
func (s *Store) FinishStep(stepID, status string) error {
	_, err := s.db.Exec(
		`UPDATE steps SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), stepID)
	return err
}

// ListSteps returns all steps of a turn ordered by idx.
func (s *Store) ListSteps(turnID string) ([]domain.Step, error) {
	rows, err := s.db.Query(
		`SELECT id, turn_id, idx, status, started_at, COALESCE(finished_at, '') FROM steps
		 WHERE turn_id = ? ORDER BY idx`, turnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		var st domain.Step
		var startedStr, finishedStr string
		if err := rows.Scan(&st.ID, &st.TurnID, &st.Idx, &st.Status, &startedStr, &finishedStr); err != nil {
			return nil, err
		}
		if t, err := parseAnyTime(startedStr); err == nil {
			st.StartedAt = t
		}
		if t, ok := parseOptionalTime(finishedStr); ok {
			st.FinishedAt = t
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// AppendEvent persists one event, atomically assigning its global id and its
// per-session seq. Seq allocation retries a few times when two writers race
// on the same session.
func (s *Store) AppendEvent(sessionID, turnID, stepID, eventType string, payload map[string]any) (*domain.Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		ev, err := s.appendEventOnce(sessionID, turnID, stepID, eventType, string(data), payload)
		if err == nil {
			return ev, nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("append event: %w", lastErr)
}

func (s *Store) appendEventOnce(sessionID, turnID, stepID, eventType, payloadJSON string, payload map[string]any) (*domain.Event, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`, sessionID).
		Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	ts := domain.TSNow()
	res, err := tx.Exec(
		`INSERT INTO events (session_id, seq, ts, type, turn_id, step_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, ts, eventType, turnID, stepID, payloadJSON)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &domain.Event{
		ID:        id,
		Seq:       seq,
		TS:        ts,
		Type:      eventType,
		SessionID: sessionID,
		TurnID:    turnID,
		StepID:    stepID,
		Payload:   payload,
	}, nil
}

// EventsAfter returns persisted events with id > sinceID, oldest first.
// An empty sessionID matches all sessions.
func (s *Store) EventsAfter(sessionID string, sinceID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = s.db.Query(
			`SELECT id, session_id, seq, ts, type, turn_id, step_id, payload FROM events
			 WHERE id > ? ORDER BY id LIMIT ?`, sinceID, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT id, session_id, seq, ts, type, turn_id, step_id, payload FROM events
			 WHERE session_id = ? AND id > ? ORDER BY id LIMIT ?`, sessionID, sinceID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfterSeq returns a session's events with seq > sinceSeq, oldest first.
func (s *Store) EventsAfterSeq(sessionID string, sinceSeq int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, seq, ts, type, turn_id, step_id, payload FROM events
		 WHERE session_id = ? AND seq > ? ORDER BY seq LIMIT ?`, sessionID, sinceSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEventID returns the highest assigned global event id, or 0.
func (s *Store) LatestEventID() (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id)
	return id, err
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var payloadJSON string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.TS, &ev.Type, &ev.TurnID, &ev.StepID, &payloadJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			ev.Payload = map[string]any{}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// Tool policies and permission mode
// ---------------------------------------------------------------------------

// GetToolPolicy returns the stored policy for a tool, or "" when unset.
func (s *Store) GetToolPolicy(toolName string) (string, error) {
	var policy string
	err := s.db.QueryRow(
		`SELECT policy FROM tool_policies WHERE tool_name = ?`, toolName).Scan(&policy)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return policy, err
}

// SetToolPolicy upserts the stored policy for a tool.
func (s *Store) SetToolPolicy(toolName, policy string) error {
	_, err := s.db.Exec(
		`INSERT INTO tool_policies (tool_name, policy) VALUES (?, ?)
		 ON CONFLICT(tool_name) DO UPDATE SET policy = excluded.policy`,
		toolName, policy)
	return err
}

// ListToolPolicies returns all stored tool policies.
func (s *Store) ListToolPolicies() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT tool_name, policy FROM tool_policies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, policy string
		if err := rows.Scan(&name, &policy); err != nil {
			return nil, err
		}
		out[name] = policy
	}
	return out, rows.Err()
}

// GetPermissionMode returns the global permission mode.
func (s *Store) GetPermissionMode() (string, error) {
	var mode string
	err := s.db.QueryRow(`SELECT mode FROM permission_mode WHERE id = 1`).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModeAsk, nil
	}
	return mode, err
}

// SetPermissionMode sets the global permission mode.
func (s *Store) SetPermissionMode(mode string) error {
	_, err := s.db.Exec(`UPDATE permission_mode SET mode = ? WHERE id = 1`, mode)
	return err
}

// ---------------------------------------------------------------------------
// Permission requests
// ---------------------------------------------------------------------------

// CreatePermissionRequest inserts a new pending approval request.
func (s *Store) CreatePermissionRequest(sessionID, turnID, stepID, toolName string, input map[string]any) (*domain.PermissionRequest, error) {
	if input == nil {
		input = map[string]any{}
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	req := &domain.PermissionRequest{
		ID:        domain.NewID("pr"),
		SessionID: sessionID,
		TurnID:    turnID,
		StepID:    stepID,
		ToolName:  toolName,
		Input:     input,
		Status:    domain.PermissionPending,
		Scope:     domain.ScopeOnce,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(
		`INSERT INTO permission_requests (id, session_id, turn_id, step_id, tool_name, input, status, scope, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, req.TurnID, req.StepID, req.ToolName, string(inputJSON),
		req.Status, req.Scope, req.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return req, nil
}

// GetPermissionRequest retrieves one request by id.
func (s *Store) GetPermissionRequest(id string) (*domain.PermissionRequest, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, turn_id, step_id, tool_name, input, status, scope, created_at, COALESCE(resolved_at, '')
		 FROM permission_requests WHERE id = ?`, id)
	return scanPermissionRequest(row)
}

// PendingPermissionRequests returns a session's pending requests, oldest first.
func (s *Store) PendingPermissionRequests(sessionID string) ([]domain.PermissionRequest, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, turn_id, step_id, tool_name, input, status, scope, created_at, COALESCE(resolved_at, '')
		 FROM permission_requests WHERE session_id = ? AND status = 'pending' ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []domain.PermissionRequest
	for rows.Next() {
		req, err := scanPermissionRequestRows(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

// ListPermissionRequests returns all of a session's requests, any status,
// oldest first.
func (s *Store) ListPermissionRequests(sessionID string) ([]domain.PermissionRequest, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, turn_id, step_id, tool_name, input, status, scope, created_at, COALESCE(resolved_at, '')
		 FROM permission_requests WHERE session_id = ? ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []domain.PermissionRequest
	for rows.Next() {
		req, err := scanPermissionRequestRows(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

// ResolvePermissionRequest moves a request out of pending. The guarded
// UPDATE makes the transition happen at most once; late or duplicate
// resolutions get ErrAlreadyResolved.
func (s *Store) ResolvePermissionRequest(id, status, scope string) error {
	res, err := s.db.Exec(
		`UPDATE permission_requests SET status = ?, scope = ?, resolved_at = ?
		 WHERE id = ? AND status = 'pending'`,
		status, scope, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetPermissionRequest(id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}
	return nil
}

// ExpirePendingRequests expires every pending request of a turn. Used when
// a turn is cancelled while waiting on an approval.
func (s *Store) ExpirePendingRequests(turnID string) error {
	_, err := s.db.Exec(
		`UPDATE permission_requests SET status = 'expired', resolved_at = ?
		 WHERE turn_id = ? AND status = 'pending'`,
		time.Now().UTC().Format(time.RFC3339), turnID)
	return err
}

func scanPermissionRequest(row *sql.Row) (*domain.PermissionRequest, error) {
	var req domain.PermissionRequest
	var inputJSON, createdStr, resolvedStr string
	err := row.Scan(&req.ID, &req.SessionID, &req.TurnID, &req.StepID, &req.ToolName,
		&inputJSON, &req.Status, &req.Scope, &createdStr, &resolvedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	fillPermissionRequest(&req, inputJSON, createdStr, resolvedStr)
	return &req, nil
}

func scanPermissionRequestRows(rows *sql.Rows) (*domain.PermissionRequest, error) {
	var req domain.PermissionRequest
	var inputJSON, createdStr, resolvedStr string
	if err := rows.Scan(&req.ID, &req.SessionID, &req.TurnID, &req.StepID, &req.ToolName,
		&inputJSON, &req.Status, &req.Scope, &createdStr, &resolvedStr); err != nil {
		return nil, err
	}
	fillPermissionRequest(&req, inputJSON, createdStr, resolvedStr)
	return &req, nil
}

func fillPermissionRequest(req *domain.PermissionRequest, inputJSON, createdStr, resolvedStr string) {
	if err := json.Unmarshal([]byte(inputJSON), &req.Input); err != nil {
		req.Input = map[string]any{}
	}
	if t, err := parseAnyTime(createdStr); err == nil {
		req.CreatedAt = t
	}
	if t, ok := parseOptionalTime(resolvedStr); ok {
		req.ResolvedAt = t
	}
}

// ---------------------------------------------------------------------------
// File changes and versions
// ---------------------------------------------------------------------------

// AddFileChange records one applied mutation as a unified diff.
func (s *Store) AddFileChange(sessionID, turnID, stepID, path, diff string) (*domain.FileChange, error) {
	fc := &domain.FileChange{
		ID:        domain.NewID("fc"),
		SessionID: sessionID,
		TurnID:    turnID,
		StepID:    stepID,
		Path:      path,
		Diff:      diff,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO file_changes (id, session_id, turn_id, step_id, path, diff, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fc.ID, fc.SessionID, fc.TurnID, fc.StepID, fc.Path, fc.Diff,
		fc.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return fc, nil
}

// ListFileChanges returns a session's file changes, oldest first.
func (s *Store) ListFileChanges(sessionID string) ([]domain.FileChange, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, turn_id, step_id, path, diff, created_at FROM file_changes
		 WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []domain.FileChange
	for rows.Next() {
		var fc domain.FileChange
		var createdStr string
		if err := rows.Scan(&fc.ID, &fc.SessionID, &fc.TurnID, &fc.StepID, &fc.Path, &fc.Diff, &createdStr); err != nil {
			return nil, err
		}
		if t, err := parseAnyTime(createdStr); err == nil {
			fc.CreatedAt = t
		}
		changes = append(changes, fc)
	}
	return changes, rows.Err()
}

// AddFileVersion snapshots a pre-image of path, assigning the next dense
// version index for (session, path). Oversized content and content identical
// to the latest snapshot are skipped; both return (nil, nil) so skipped
// snapshots consume no index.
func (s *Store) AddFileVersion(sessionID, turnID, stepID, path, content, note string) (*domain.FileVersion, error) {
	if len(content) > maxVersionContent {
		return nil, nil
	}
	sum := sha256.Sum256([]byte(content))
	sha := hex.EncodeToString(sum[:])

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var lastSHA string
	err = tx.QueryRow(
		`SELECT sha256 FROM file_versions WHERE session_id = ? AND path = ?
		 ORDER BY idx DESC LIMIT 1`, sessionID, path).Scan(&lastSHA)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if lastSHA == sha {
		return nil, nil
	}

	var idx int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(idx), 0) + 1 FROM file_versions WHERE session_id = ? AND path = ?`,
		sessionID, path).Scan(&idx); err != nil {
		return nil, err
	}

	fv := &domain.FileVersion{
		ID:        domain.NewID("fv"),
		SessionID: sessionID,
		TurnID:    turnID,
		StepID:    stepID,
		Path:      path,
		Idx:       idx,
		Content:   content,
		SHA256:    sha,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.Exec(
		`INSERT INTO file_versions (id, session_id, turn_id, step_id, path, idx, content, sha256, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fv.ID, fv.SessionID, fv.TurnID, fv.StepID, fv.Path, fv.Idx,
		[]byte(fv.Content), fv.SHA256, fv.Note, fv.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return fv, nil
}

// ListFileVersions returns version metadata for a path, oldest first.
// Content is omitted; fetch it with GetFileVersion.
func (s *Store) ListFileVersions(sessionID, path string) ([]domain.FileVersion, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, turn_id, step_id, path, idx, sha256, note, created_at
		 FROM file_versions WHERE session_id = ? AND path = ? ORDER BY idx`, sessionID, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []domain.FileVersion
	for rows.Next() {
		var fv domain.FileVersion
		var createdStr string
		if err := rows.Scan(&fv.ID, &fv.SessionID, &fv.TurnID, &fv.StepID, &fv.Path,
			&fv.Idx, &fv.SHA256, &fv.Note, &createdStr); err != nil {
			return nil, err
		}
		if t, err := parseAnyTime(createdStr); err == nil {
			fv.CreatedAt = t
		}
		versions = append(versions, fv)
	}
	return versions, rows.Err()
}

// GetFileVersion retrieves one snapshot with its content.
func (s *Store) GetFileVersion(id string) (*domain.FileVersion, error) {
	var fv domain.FileVersion
	var content []byte
	var createdStr string
	err := s.db.QueryRow(
		`SELECT id, session_id, turn_id, step_id, path, idx, content, sha256, note, created_at
		 FROM file_versions WHERE id = ?`, id).
		Scan(&fv.ID, &fv.SessionID, &fv.TurnID, &fv.StepID, &fv.Path, &fv.Idx,
			&content, &fv.SHA256, &fv.Note, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	fv.Content = string(content)
	if t, err := parseAnyTime(createdStr); err == nil {
		fv.CreatedAt = t
	}
	return &fv, nil
}

// ---------------------------------------------------------------------------
// Context items
// ---------------------------------------------------------------------------

// AddContextItem inserts a context item, deduplicating on
// (session, kind, content_ref): re-adding refreshes the title and returns
// the existing row.
func (s *Store) AddContextItem(sessionID, kind, title, contentRef string, pinned bool) (*domain.ContextItem, error) {
	existing, err := s.findContextItem(sessionID, kind, contentRef)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if title != "" && title != existing.Title {
			if _, err := s.db.Exec(
				`UPDATE context_items SET title = ? WHERE id = ?`, title, existing.ID); err != nil {
				return nil, err
			}
			existing.Title = title
		}
		if pinned && !existing.Pinned {
			if err := s.SetContextPinned(existing.ID, true); err != nil {
				return nil, err
			}
			existing.Pinned = true
		}
		return existing, nil
	}

	item := &domain.ContextItem{
		ID:         domain.NewID("ctx"),
		SessionID:  sessionID,
		Kind:       kind,
		Title:      title,
		ContentRef: contentRef,
		Pinned:     pinned,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.Exec(
		`INSERT INTO context_items (id, session_id, kind, title, content_ref, pinned, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.SessionID, item.Kind, item.Title, item.ContentRef,
		boolToInt(item.Pinned), item.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Store) findContextItem(sessionID, kind, contentRef string) (*domain.ContextItem, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, kind, title, content_ref, pinned, summary, summary_sha256, created_at
		 FROM context_items WHERE session_id = ? AND kind = ? AND content_ref = ?`,
		sessionID, kind, contentRef)
	return scanContextItem(row)
}

// GetContextItem retrieves one context item by id.
func (s *Store) GetContextItem(id string) (*domain.ContextItem, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, kind, title, content_ref, pinned, summary, summary_sha256, created_at
		 FROM context_items WHERE id = ?`, id)
	return scanContextItem(row)
}

// ListContextItems returns all of a session's context items, oldest first.
func (s *Store) ListContextItems(sessionID string) ([]domain.ContextItem, error) {
	return s.queryContextItems(
		`SELECT id, session_id, kind, title, content_ref, pinned, summary, summary_sha256, created_at
		 FROM context_items WHERE session_id = ? ORDER BY created_at, id`, sessionID)
}

// PinnedContextItems returns the session's pinned items, oldest first.
func (s *Store) PinnedContextItems(sessionID string) ([]domain.ContextItem, error) {
	return s.queryContextItems(
		`SELECT id, session_id, kind, title, content_ref, pinned, summary, summary_sha256, created_at
		 FROM context_items WHERE session_id = ? AND pinned = 1 ORDER BY created_at, id`, sessionID)
}

func (s *Store) queryContextItems(query string, args ...any) ([]domain.ContextItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ContextItem
	for rows.Next() {
		var item domain.ContextItem
		var pinned int
		var createdStr string
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Kind, &item.Title,
			&item.ContentRef, &pinned, &item.Summary, &item.SummarySHA256, &createdStr); err != nil {
			return nil, err
		}
		item.Pinned = pinned != 0
		if t, err := parseAnyTime(createdStr); err == nil {
			item.CreatedAt = t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetContextPinned pins or unpins a context item.
func (s *Store) SetContextPinned(id string, pinned bool) error {
	res, err := s.db.Exec(
		`UPDATE context_items SET pinned = ? WHERE id = ?`, boolToInt(pinned), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateContextSummary stores a synthesized summary and the content hash it
// was derived from.
func (s *Store) UpdateContextSummary(id, summary, summarySHA string) error {
	res, err := s.db.Exec(
		`UPDATE context_items SET summary = ?, summary_sha256 = ? WHERE id = ?`,
		summary, summarySHA, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanContextItem(row *sql.Row) (*domain.ContextItem, error) {
	var item domain.ContextItem
	var pinned int
	var createdStr string
	err := row.Scan(&item.ID, &item.SessionID, &item.Kind, &item.Title,
		&item.ContentRef, &pinned, &item.Summary, &item.SummarySHA256, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Pinned = pinned != 0
	if t, err := parseAnyTime(createdStr); err == nil {
		item.CreatedAt = t
	}
	return &item, nil
}

// ---------------------------------------------------------------------------
// Terminal chunks
// ---------------------------------------------------------------------------

// AddTerminalChunk persists one fragment of command output.
func (s *Store) AddTerminalChunk(sessionID, turnID, stepID, toolCallID, stream, text string) error {
	_, err := s.db.Exec(
		`INSERT INTO terminal_chunks (session_id, turn_id, step_id, tool_call_id, stream, text, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, turnID, stepID, toolCallID, stream, text, domain.TSNow())
	return err
}

// ListTerminalChunks returns a session's terminal output, oldest first.
func (s *Store) ListTerminalChunks(sessionID string) ([]domain.TerminalChunk, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, turn_id, step_id, tool_call_id, stream, text, ts
		 FROM terminal_chunks WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.TerminalChunk
	for rows.Next() {
		var tc domain.TerminalChunk
		if err := rows.Scan(&tc.ID, &tc.SessionID, &tc.TurnID, &tc.StepID,
			&tc.ToolCallID, &tc.Stream, &tc.Text, &tc.TS); err != nil {
			return nil, err
		}
		chunks = append(chunks, tc)
	}
	return chunks, rows.Err()
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// MemorySet upserts one memory entry.
func (s *Store) MemorySet(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO memory (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	return err
}

// MemoryGet returns the value stored under key.
func (s *Store) MemoryGet(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM memory WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// MemoryAll returns all memory entries sorted by key.
func (s *Store) MemoryAll() ([]domain.MemoryEntry, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_at FROM memory ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.MemoryEntry
	for rows.Next() {
		var e domain.MemoryEntry
		var updatedStr string
		if err := rows.Scan(&e.Key, &e.Value, &updatedStr); err != nil {
			return nil, err
		}
		if t, err := parseAnyTime(updatedStr); err == nil {
			e.UpdatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MemoryDelete removes one memory entry.
func (s *Store) MemoryDelete(key string) error {
	res, err := s.db.Exec(`DELETE FROM memory WHERE key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func scanSession(row *sql.Row) (*domain.Session, error) {
	var sess domain.Session
	var createdStr, updatedStr string
	err := row.Scan(&sess.ID, &sess.Title, &sess.Status, &createdStr, &updatedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t, err := parseAnyTime(createdStr); err == nil {
		sess.CreatedAt = t
	}
	if t, err := parseAnyTime(updatedStr); err == nil {
		sess.UpdatedAt = t
	}
	return &sess, nil
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var createdStr string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdStr); err != nil {
			return nil, err
		}
		if t, err := parseAnyTime(createdStr); err == nil {
			m.CreatedAt = t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseOptionalTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := parseAnyTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseAnyTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
