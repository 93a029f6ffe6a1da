package permission

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/store"
	_ "modernc.org/sqlite"
)

func testGate(t *testing.T, timeout time.Duration) (*Gate, *store.Store, *domain.Session) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st, err := store.NewFromDB(db)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	sess, err := st.CreateSession("gate test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defaults := map[string]string{
		"read_file":  domain.PolicyAllow,
		"write_file": domain.PolicyAsk,
		"run_shell":  domain.PolicyAsk,
	}
	return NewGate(st, defaults, timeout), st, sess
}

func TestEffectivePolicy_ResolutionOrder(t *testing.T) {
	g, st, sess := testGate(t, time.Minute)

	t.Run("registry default", func(t *testing.T) {
		p, err := g.EffectivePolicy(sess.ID, "read_file")
		if err != nil {
			t.Fatalf("effective policy: %v", err)
		}
		if p != domain.PolicyAllow {
			t.Fatalf("policy = %q, want allow", p)
		}
	})

	t.Run("unknown tool falls back to ask", func(t *testing.T) {
		p, err := g.EffectivePolicy(sess.ID, "no_such_tool")
		if err != nil {
			t.Fatalf("effective policy: %v", err)
		}
		if p != domain.PolicyAsk {
			t.Fatalf("policy = %q, want ask", p)
		}
	})

	t.Run("stored policy beats default", func(t *testing.T) {
		if err := st.SetToolPolicy("read_file", domain.PolicyDeny); err != nil {
			t.Fatalf("set policy: %v", err)
		}
		p, err := g.EffectivePolicy(sess.ID, "read_file")
		if err != nil {
			t.Fatalf("effective policy: %v", err)
		}
		if p != domain.PolicyDeny {
			t.Fatalf("policy = %q, want deny", p)
		}
	})

	t.Run("mode allow beats stored deny", func(t *testing.T) {
		if err := st.SetPermissionMode(domain.ModeAllow); err != nil {
			t.Fatalf("set mode: %v", err)
		}
		p, err := g.EffectivePolicy(sess.ID, "read_file")
		if err != nil {
			t.Fatalf("effective policy: %v", err)
		}
		if p != domain.PolicyAllow {
			t.Fatalf("policy = %q, want allow", p)
		}
		if err := st.SetPermissionMode(domain.ModeAsk); err != nil {
			t.Fatalf("reset mode: %v", err)
		}
	})

	t.Run("spawn_subagent never prompts", func(t *testing.T) {
		if err := st.SetToolPolicy("spawn_subagent", domain.PolicyDeny); err != nil {
			t.Fatalf("set policy: %v", err)
		}
		p, err := g.EffectivePolicy(sess.ID, "spawn_subagent")
		if err != nil {
			t.Fatalf("effective policy: %v", err)
		}
		if p != domain.PolicyAllow {
			t.Fatalf("policy = %q, want allow", p)
		}
	})
}

func TestResolve_OnceScope(t *testing.T) {
	g, st, sess := testGate(t, time.Minute)

	req, err := g.CreateRequest(sess.ID, "turn_1", "step_1", "write_file", map[string]any{"path": "a.txt"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if req.Status != domain.PermissionPending {
		t.Fatalf("status = %q, want pending", req.Status)
	}

	done := make(chan Decision, 1)
	go func() { done <- g.Wait(context.Background(), req.ID) }()

	if err := g.Resolve(req.ID, domain.PermissionApproved, domain.ScopeOnce); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	d := <-done
	if !d.Approved || d.Status != domain.PermissionApproved || d.Scope != domain.ScopeOnce {
		t.Fatalf("decision = %+v, want approved once", d)
	}

	// once leaves no trace: next call still asks
	p, err := g.EffectivePolicy(sess.ID, "write_file")
	if err != nil {
		t.Fatalf("effective policy: %v", err)
	}
	if p != domain.PolicyAsk {
		t.Fatalf("policy after once = %q, want ask", p)
	}
	stored, err := st.GetToolPolicy("write_file")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if stored != "" {
		t.Fatalf("stored policy = %q, want unset", stored)
	}
}

func TestResolve_SessionScope(t *testing.T) {
	g, st, sess := testGate(t, time.Minute)

	req, err := g.CreateRequest(sess.ID, "turn_1", "step_1", "write_file", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := g.Resolve(req.ID, domain.PermissionApproved, domain.ScopeSession); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	p, err := g.EffectivePolicy(sess.ID, "write_file")
	if err != nil {
		t.Fatalf("effective policy: %v", err)
	}
	if p != domain.PolicyAllow {
		t.Fatalf("policy in session = %q, want allow", p)
	}

	// the override is per-session
	other, err := st.CreateSession("other")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	p, err = g.EffectivePolicy(other.ID, "write_file")
	if err != nil {
		t.Fatalf("effective policy: %v", err)
	}
	if p != domain.PolicyAsk {
		t.Fatalf("policy in other session = %q, want ask", p)
	}

	// and it does not survive session deletion
	g.ClearSession(sess.ID)
	p, err = g.EffectivePolicy(sess.ID, "write_file")
	if err != nil {
		t.Fatalf("effective policy: %v", err)
	}
	if p != domain.PolicyAsk {
		t.Fatalf("policy after clear = %q, want ask", p)
	}
}

func TestResolve_AlwaysScope(t *testing.T) {
	g, st, sess := testGate(t, time.Minute)

	t.Run("approved persists allow", func(t *testing.T) {
		req, err := g.CreateRequest(sess.ID, "turn_1", "step_1", "write_file", nil)
		if err != nil {
			t.Fatalf("create request: %v", err)
		}
		if err := g.Resolve(req.ID, domain.PermissionApproved, domain.ScopeAlways); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		stored, err := st.GetToolPolicy("write_file")
		if err != nil {
			t.Fatalf("get policy: %v", err)
		}
		if stored != domain.PolicyAllow {
			t.Fatalf("stored policy = %q, want allow", stored)
		}
	})

	t.Run("denied persists deny", func(t *testing.T) {
		req, err := g.CreateRequest(sess.ID, "turn_2", "step_2", "run_shell", nil)
		if err != nil {
			t.Fatalf("create request: %v", err)
		}
		if err := g.Resolve(req.ID, domain.PermissionDenied, domain.ScopeAlways); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		stored, err := st.GetToolPolicy("run_shell")
		if err != nil {
			t.Fatalf("get policy: %v", err)
		}
		if stored != domain.PolicyDeny {
			t.Fatalf("stored policy = %q, want deny", stored)
		}
	})
}

func TestResolve_FirstDecisionWins(t *testing.T) {
	g, st, sess := testGate(t, time.Minute)

	req, err := g.CreateRequest(sess.ID, "turn_1", "step_1", "write_file", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := g.Resolve(req.ID, domain.PermissionDenied, domain.ScopeOnce); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	err = g.Resolve(req.ID, domain.PermissionApproved, domain.ScopeAlways)
	if !errors.Is(err, store.ErrAlreadyResolved) {
		t.Fatalf("second resolve err = %v, want ErrAlreadyResolved", err)
	}

	got, err := st.GetPermissionRequest(req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != domain.PermissionDenied {
		t.Fatalf("status = %q, want denied to stand", got.Status)
	}
	stored, err := st.GetToolPolicy("write_file")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if stored != "" {
		t.Fatalf("losing resolution persisted policy %q", stored)
	}
}

func TestWait_Timeout(t *testing.T) {
	g, st, sess := testGate(t, 30*time.Millisecond)

	req, err := g.CreateRequest(sess.ID, "turn_1", "step_1", "write_file", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	d := g.Wait(context.Background(), req.ID)
	if d.Approved || d.Status != domain.PermissionExpired {
		t.Fatalf("decision = %+v, want expired denial", d)
	}

	got, err := st.GetPermissionRequest(req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != domain.PermissionExpired {
		t.Fatalf("stored status = %q, want expired", got.Status)
	}
	if got.ResolvedAt.IsZero() {
		t.Fatal("expired request has no resolved_at")
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	g, st, sess := testGate(t, time.Minute)

	req, err := g.CreateRequest(sess.ID, "turn_1", "step_1", "write_file", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	go func() { done <- g.Wait(ctx, req.ID) }()

	cancel()
	d := <-done
	if d.Approved || d.Status != domain.PermissionExpired {
		t.Fatalf("decision = %+v, want expired denial", d)
	}

	got, err := st.GetPermissionRequest(req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != domain.PermissionExpired {
		t.Fatalf("stored status = %q, want expired", got.Status)
	}
}

func TestWait_ResolutionBeforeWait(t *testing.T) {
	g, _, sess := testGate(t, time.Minute)

	req, err := g.CreateRequest(sess.ID, "turn_1", "step_1", "write_file", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	// decision lands before anyone waits; the buffered waiter holds it
	if err := g.Resolve(req.ID, domain.PermissionApproved, domain.ScopeOnce); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	d := g.Wait(context.Background(), req.ID)
	if !d.Approved || d.Status != domain.PermissionApproved {
		t.Fatalf("decision = %+v, want approved", d)
	}
}

func TestWait_UnknownRequestReadsStore(t *testing.T) {
	g, st, sess := testGate(t, time.Minute)

	// a request created directly in the store has no waiter; Wait falls
	// back to the stored outcome
	req, err := st.CreatePermissionRequest(sess.ID, "turn_1", "step_1", "write_file", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := st.ResolvePermissionRequest(req.ID, domain.PermissionDenied, domain.ScopeOnce); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	d := g.Wait(context.Background(), req.ID)
	if d.Approved || d.Status != domain.PermissionDenied {
		t.Fatalf("decision = %+v, want denied", d)
	}
}
