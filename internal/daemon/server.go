package daemon

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/batalabs/agentd/internal/agent"
	"github.com/batalabs/agentd/internal/bus"
	"github.com/batalabs/agentd/internal/config"
	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/permission"
	"github.com/batalabs/agentd/internal/sandbox"
	"github.com/batalabs/agentd/internal/store"
	"github.com/batalabs/agentd/internal/tools"
)

// Options wires the server to its collaborators. Store, Bus, Gate, Registry,
// FS and Runner are required; the zero values of the rest disable the
// matching feature (no auth token, no bundled UI).
type Options struct {
	Store    *store.Store
	Bus      *bus.Bus
	Gate     *permission.Gate
	Registry *tools.Registry
	FS       *sandbox.FS
	Runner   *agent.Runner
	Log      *config.Logger

	Version       string
	Model         string
	DBPath        string
	AuthToken     string // empty leaves mutating routes open
	StaticDir     string // empty disables the bundled UI
	Heartbeat     time.Duration
	LLMConfigured bool
}

// turnHandle tracks one in-flight turn so busy checks and cancellation can
// reach the runner goroutine.
type turnHandle struct {
	turnID string
	cancel context.CancelFunc
	done   chan struct{} // closed when the runner goroutine returns
}

func (h *turnHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Server is the HTTP daemon: the REST surface plus the SSE event stream.
type Server struct {
	store    *store.Store
	bus      *bus.Bus
	gate     *permission.Gate
	registry *tools.Registry
	fs       *sandbox.FS
	runner   *agent.Runner
	log      *config.Logger

	version       string
	model         string
	dbPath        string
	token         string
	staticDir     string
	heartbeat     time.Duration
	llmConfigured bool

	mu      sync.Mutex
	running map[string]*turnHandle // sessionID -> in-flight turn

	port   int
	ready  chan struct{} // closed once the listener is bound in Start()
	server *http.Server
	quiet  bool

	// base parents every request and turn context, so Shutdown ends
	// long-lived SSE streams and running turns together.
	base       context.Context
	baseCancel context.CancelFunc
}

// NewServer creates a daemon server. Call Start to begin serving.
func NewServer(opts Options) *Server {
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = 15 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		store:         opts.Store,
		bus:           opts.Bus,
		gate:          opts.Gate,
		registry:      opts.Registry,
		fs:            opts.FS,
		runner:        opts.Runner,
		log:           opts.Log,
		version:       opts.Version,
		model:         opts.Model,
		dbPath:        opts.DBPath,
		token:         opts.AuthToken,
		staticDir:     opts.StaticDir,
		heartbeat:     hb,
		llmConfigured: opts.LLMConfigured,
		running:       make(map[string]*turnHandle),
		ready:         make(chan struct{}),
		base:          base,
		baseCancel:    cancel,
	}
}

// SetQuiet controls whether startup logs are suppressed.
func (s *Server) SetQuiet(quiet bool) {
	s.quiet = quiet
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Start begins listening on bind:port. If the port is taken, falls back to
// an OS-assigned one. Blocks until the server shuts down.
func (s *Server) Start(bind string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bind, port))
	if err != nil {
		// Port in use -- let the OS assign one.
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:0", bind))
		if err != nil {
			return fmt.Errorf("listening: %w", err)
		}
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	if !s.quiet {
		fmt.Fprintf(os.Stderr, "agentd listening on %s:%d\n", bind, s.port)
	}
	close(s.ready) // signal that port is assigned

	if err := s.maybeSeedDemo(); err != nil {
		// The demo session is a convenience; it never blocks startup.
		s.logf("daemon: demo seed: %v", err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return s.base },
	}
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Port returns the actual listening port. Blocks until Start() has bound the
// listener and assigned the port.
func (s *Server) Port() int {
	<-s.ready
	return s.port
}

// Shutdown stops the server. Running turns are cancelled and publish their
// cancelled events before the store goes away; SSE streams end with the base
// context; in-flight requests get until ctx expires to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*turnHandle, 0, len(s.running))
	for _, h := range s.running {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	s.baseCancel()
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
		}
	}

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/sessions", s.withAuth(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.withAuth(s.handlePatchSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.withAuth(s.handleDeleteSession))
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("PUT /api/sessions/{id}/settings", s.withAuth(s.handlePutSettings))
	mux.HandleFunc("DELETE /api/sessions/{id}/settings", s.withAuth(s.handleDeleteSettings))

	mux.HandleFunc("POST /api/sessions/{id}/turns", s.withAuth(s.handleStartTurn))
	mux.HandleFunc("GET /api/sessions/{id}/turns", s.handleListTurns)
	mux.HandleFunc("GET /api/turns/{id}", s.handleGetTurn)
	mux.HandleFunc("GET /api/turns/{id}/steps", s.handleListSteps)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.withAuth(s.handleCancelTurn))

	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /event", s.handleEventStream)

	mux.HandleFunc("GET /api/sessions/{id}/permissions/pending", s.handlePendingPermissions)
	mux.HandleFunc("POST /api/permissions/{id}/resolve", s.withAuth(s.handleResolvePermission))
	mux.HandleFunc("GET /api/permissions/mode", s.handleGetPermissionMode)
	mux.HandleFunc("POST /api/permissions/mode", s.withAuth(s.handleSetPermissionMode))

	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("PUT /api/tools/{name}/policy", s.withAuth(s.handleSetToolPolicy))

	mux.HandleFunc("GET /api/sessions/{id}/fs/tree", s.handleFSTree)
	mux.HandleFunc("GET /api/sessions/{id}/fs/read", s.handleFSRead)
	mux.HandleFunc("GET /api/sessions/{id}/fs/versions", s.handleFSVersions)
	mux.HandleFunc("GET /api/sessions/{id}/fs/version/{vid}", s.handleFSVersion)
	mux.HandleFunc("POST /api/sessions/{id}/fs/rollback", s.withAuth(s.handleFSRollback))

	mux.HandleFunc("GET /api/sessions/{id}/file_changes", s.handleListFileChanges)
	mux.HandleFunc("GET /api/sessions/{id}/terminal", s.handleListTerminal)

	mux.HandleFunc("GET /api/sessions/{id}/context", s.handleListContext)
	mux.HandleFunc("POST /api/sessions/{id}/context/pin", s.withAuth(s.handlePinContext))
	mux.HandleFunc("POST /api/sessions/{id}/context/unpin", s.withAuth(s.handleUnpinContext))
	mux.HandleFunc("POST /api/sessions/{id}/context/set_pinned_ref", s.withAuth(s.handleSetPinnedRef))

	mux.HandleFunc("GET /api/sessions/{id}/export.json", s.handleExportJSON)
	mux.HandleFunc("GET /api/sessions/{id}/export.md", s.handleExportMarkdown)

	mux.HandleFunc("GET /api/memory", s.handleGetMemory)
	mux.HandleFunc("PUT /api/memory", s.withAuth(s.handlePutMemory))
	mux.HandleFunc("DELETE /api/memory/{key}", s.withAuth(s.handleDeleteMemory))

	if s.staticDir != "" {
		mux.Handle("/", s.staticHandler())
	}
}

// withAuth guards mutating routes with the configured bearer token. An empty
// token leaves the surface open, the local single-user default.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next(w, r)
			return
		}
		got := strings.TrimSpace(r.Header.Get("Authorization"))
		const bearer = "Bearer "
		if strings.HasPrefix(got, bearer) {
			got = strings.TrimSpace(strings.TrimPrefix(got, bearer))
		}
		// Constant-time compare to avoid token oracle behavior.
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"model":          s.model,
		"llm_configured": s.llmConfigured,
		"db_path":        s.dbPath,
	})
}

// staticHandler serves the bundled UI. Paths that do not name a real file
// fall back to index.html so client-side routes survive a refresh.
func (s *Server) staticHandler() http.Handler {
	files := http.FileServer(http.Dir(s.staticDir))
	index := filepath.Join(s.staticDir, "index.html")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.NotFound(w, r)
			return
		}
		rel := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if rel != "" {
			info, err := os.Stat(filepath.Join(s.staticDir, filepath.FromSlash(rel)))
			if err == nil && !info.IsDir() {
				files.ServeHTTP(w, r)
				return
			}
		}
		http.ServeFile(w, r, index)
	})
}

// ---------------------------------------------------------------------------
// Shared handler helpers
// ---------------------------------------------------------------------------

// serverError logs the failure under a correlation id and returns the id in
// the body so a bug report can be matched to the log line.
func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	id := domain.NewShortID("err")
	s.logf("daemon: %s %s: %s: %v", r.Method, r.URL.Path, id, err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":    "internal error",
		"error_id": id,
	})
}

// sessionOr404 loads a session or writes the 404 and returns nil.
func (s *Server) sessionOr404(w http.ResponseWriter, r *http.Request, id string) *domain.Session {
	sess, err := s.store.GetSession(id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return nil
	}
	if err != nil {
		s.serverError(w, r, err)
		return nil
	}
	return sess
}

// turnActive reports whether the session has a live runner goroutine.
func (s *Server) turnActive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.running[sessionID]
	return h != nil && !h.finished()
}

// ---------------------------------------------------------------------------
// SSE + JSON helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: write json response: %v\n", err)
	}
}

// writeSSE frames a control event (connected, heartbeat). Control frames
// carry no id: line so they never disturb Last-Event-ID resume state.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(b))
	flusher.Flush()
}

// writeEvent frames a persisted event. The id: line carries the global event
// id so browsers resume from the right spot via Last-Event-ID.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: event\ndata: %s\n\n", ev.ID, string(b))
	flusher.Flush()
}
