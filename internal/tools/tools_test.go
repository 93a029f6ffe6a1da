package tools

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/batalabs/agentd/internal/bus"
	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
	"github.com/batalabs/agentd/internal/sandbox"
	"github.com/batalabs/agentd/internal/store"

	_ "modernc.org/sqlite"
)

// testToolContext builds a ToolContext over a temp workspace, an in-memory
// store with one session, and a live bus.
func testToolContext(t *testing.T) *ToolContext {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.NewFromDB(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	sess, err := st.CreateSession("tools test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	fs, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("create sandbox: %v", err)
	}

	return &ToolContext{
		FS:         fs,
		Store:      st,
		Bus:        bus.New(st, 16),
		SessionID:  sess.ID,
		ToolCallID: "tc_test",
	}
}

// nextEvent receives one bus event or fails the test.
func nextEvent(t *testing.T, sub *bus.Subscriber) domain.Event {
	t.Helper()
	select {
	case ev := <-sub.Events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

// noEvent asserts the subscriber's queue is empty.
func noEvent(t *testing.T, sub *bus.Subscriber) {
	t.Helper()
	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected event: %s %v", ev.Type, ev.Payload)
	default:
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry(t *testing.T) {
	t.Run("finds registered tools", func(t *testing.T) {
		r := NewRegistry(AllTools())
		if _, ok := r.Find("read_file"); !ok {
			t.Fatal("read_file not found")
		}
		if _, ok := r.Find("no_such_tool"); ok {
			t.Fatal("unexpected tool found")
		}
	})

	t.Run("register rejects duplicate names", func(t *testing.T) {
		r := NewRegistry(AllTools())
		if r.Register(readFileTool()) {
			t.Fatal("duplicate registration accepted")
		}
		mcpDef := ToolDef{
			DefaultPolicy: domain.PolicyAsk,
			Spec:          provider.ToolSpec{Name: "mcp__docs__lookup", Description: "external"},
		}
		if !r.Register(mcpDef) {
			t.Fatal("new registration rejected")
		}
		if _, ok := r.Find("mcp__docs__lookup"); !ok {
			t.Fatal("registered tool not found")
		}
	})

	t.Run("specs exclude disabled tools", func(t *testing.T) {
		r := NewRegistry(AllTools())
		r.SetDisabled(map[string]bool{"write_file": true})

		if r.Enabled("write_file") {
			t.Fatal("write_file should be disabled")
		}
		if !r.Enabled("read_file") {
			t.Fatal("read_file should stay enabled")
		}
		for _, spec := range r.Specs() {
			if spec.Name == "write_file" {
				t.Fatal("disabled tool offered to the model")
			}
		}
		// Still findable so callers can report "disabled", not "unknown".
		if _, ok := r.Find("write_file"); !ok {
			t.Fatal("disabled tool should remain findable")
		}
	})

	t.Run("specs for subagent view", func(t *testing.T) {
		r := NewRegistry(AllTools())
		specs := r.SpecsFor(SubagentView(nil))
		if len(specs) != 4 {
			t.Fatalf("expected 4 specs, got %d", len(specs))
		}
		names := map[string]bool{}
		for _, s := range specs {
			names[s.Name] = true
		}
		for _, want := range []string{"read_file", "list_files", "search", "http_fetch"} {
			if !names[want] {
				t.Errorf("missing %s in subagent view", want)
			}
		}
	})

	t.Run("default policies", func(t *testing.T) {
		r := NewRegistry(AllTools())
		policies := r.DefaultPolicies()
		want := map[string]string{
			"read_file":      domain.PolicyAllow,
			"list_files":     domain.PolicyAllow,
			"search":         domain.PolicyAllow,
			"http_fetch":     domain.PolicyAllow,
			"memory":         domain.PolicyAllow,
			"spawn_subagent": domain.PolicyAllow,
			"write_file":     domain.PolicyAsk,
			"apply_patch":    domain.PolicyAsk,
		}
		for name, policy := range want {
			if policies[name] != policy {
				t.Errorf("%s: policy = %q, want %q", name, policies[name], policy)
			}
		}
	})

	t.Run("names sorted", func(t *testing.T) {
		r := NewRegistry(AllTools())
		names := r.Names()
		for i := 1; i < len(names); i++ {
			if names[i-1] >= names[i] {
				t.Fatalf("names not sorted: %v", names)
			}
		}
	})
}

func TestSubagentView(t *testing.T) {
	t.Run("default view is read-only", func(t *testing.T) {
		view := SubagentView(nil)
		want := []string{"read_file", "list_files", "search", "http_fetch"}
		if len(view) != len(want) {
			t.Fatalf("view = %v, want %v", view, want)
		}
		for _, name := range want {
			if !view[name] {
				t.Errorf("missing %s", name)
			}
		}
	})

	t.Run("allowlist never includes spawn_subagent", func(t *testing.T) {
		view := SubagentView([]string{"write_file", "spawn_subagent"})
		if view["spawn_subagent"] {
			t.Fatal("spawn_subagent must be stripped from the child view")
		}
		if !view["write_file"] {
			t.Fatal("allowlisted tool missing")
		}
		if len(view) != 1 {
			t.Fatalf("view = %v, want only write_file", view)
		}
	})
}

func TestTruncateOutput(t *testing.T) {
	small := "hello"
	if got := truncateOutput(small); got != small {
		t.Errorf("small output changed: %q", got)
	}

	big := strings.Repeat("x", maxToolOutput+100)
	got := truncateOutput(big)
	if len(got) >= len(big) {
		t.Fatal("big output not truncated")
	}
	if !strings.HasSuffix(got, "... (truncated at 50KB)") {
		t.Errorf("missing truncation marker: %q", got[len(got)-40:])
	}
}
