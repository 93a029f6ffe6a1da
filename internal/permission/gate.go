// Package permission decides whether tool calls run, prompt the user, or
// are refused. Decisions come from the global mode, per-session approvals,
// stored per-tool policies and registry defaults, in that order.
package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/store"
)

// Store is the slice of persistence the gate needs.
type Store interface {
	GetPermissionMode() (string, error)
	GetToolPolicy(toolName string) (string, error)
	SetToolPolicy(toolName, policy string) error
	CreatePermissionRequest(sessionID, turnID, stepID, toolName string, input map[string]any) (*domain.PermissionRequest, error)
	GetPermissionRequest(id string) (*domain.PermissionRequest, error)
	ResolvePermissionRequest(id, status, scope string) error
}

// Decision is the outcome of one approval prompt.
type Decision struct {
	Approved bool
	Status   string
	Scope    string
}

// Gate evaluates tool policies and coordinates pending approval prompts.
type Gate struct {
	store    Store
	defaults map[string]string
	timeout  time.Duration

	mu        sync.Mutex
	waiters   map[string]chan Decision
	overrides map[string]map[string]string // session id -> tool -> policy
}

// NewGate creates a Gate. defaults maps tool names to their registry
// policies; timeout bounds how long a prompt stays pending.
func NewGate(s Store, defaults map[string]string, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Gate{
		store:     s,
		defaults:  defaults,
		timeout:   timeout,
		waiters:   make(map[string]chan Decision),
		overrides: make(map[string]map[string]string),
	}
}

// EffectivePolicy resolves the policy for one tool call in one session.
// spawn_subagent never prompts: the spawn itself is compute-only and each
// tool the child runs passes the gate on its own.
func (g *Gate) EffectivePolicy(sessionID, toolName string) (string, error) {
	mode, err := g.store.GetPermissionMode()
	if err != nil {
		return "", err
	}
	if mode == domain.ModeAllow {
		return domain.PolicyAllow, nil
	}
	if toolName == "spawn_subagent" {
		return domain.PolicyAllow, nil
	}

	g.mu.Lock()
	if byTool, ok := g.overrides[sessionID]; ok {
		if p, ok := byTool[toolName]; ok {
			g.mu.Unlock()
			return p, nil
		}
	}
	g.mu.Unlock()

	stored, err := g.store.GetToolPolicy(toolName)
	if err != nil {
		return "", err
	}
	if stored != "" {
		return stored, nil
	}
	if p, ok := g.defaults[toolName]; ok {
		return p, nil
	}
	return domain.PolicyAsk, nil
}

// CreateRequest persists a pending approval request and registers a waiter
// for its decision.
func (g *Gate) CreateRequest(sessionID, turnID, stepID, toolName string, input map[string]any) (*domain.PermissionRequest, error) {
	req, err := g.store.CreatePermissionRequest(sessionID, turnID, stepID, toolName, input)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.waiters[req.ID] = make(chan Decision, 1)
	g.mu.Unlock()
	return req, nil
}

// Wait blocks until the request is resolved, the prompt times out, or ctx
// is cancelled. Timeout and cancellation both expire the request; an
// expired request is a denial.
func (g *Gate) Wait(ctx context.Context, requestID string) Decision {
	g.mu.Lock()
	ch, ok := g.waiters[requestID]
	g.mu.Unlock()
	if !ok {
		return g.settledDecision(requestID)
	}
	defer func() {
		g.mu.Lock()
		delete(g.waiters, requestID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d
	case <-timer.C:
		return g.expire(requestID)
	case <-ctx.Done():
		return g.expire(requestID)
	}
}

// expire moves a request to expired. If a resolution raced in first, that
// decision stands.
func (g *Gate) expire(requestID string) Decision {
	err := g.store.ResolvePermissionRequest(requestID, domain.PermissionExpired, domain.ScopeOnce)
	if errors.Is(err, store.ErrAlreadyResolved) {
		return g.settledDecision(requestID)
	}
	return Decision{Approved: false, Status: domain.PermissionExpired, Scope: domain.ScopeOnce}
}

// settledDecision reads an already-resolved request's outcome.
func (g *Gate) settledDecision(requestID string) Decision {
	req, err := g.store.GetPermissionRequest(requestID)
	if err != nil {
		return Decision{Approved: false, Status: domain.PermissionExpired, Scope: domain.ScopeOnce}
	}
	return Decision{
		Approved: req.Status == domain.PermissionApproved,
		Status:   req.Status,
		Scope:    req.Scope,
	}
}

// Resolve applies a user decision to a pending request. The first
// resolution wins; later attempts return store.ErrAlreadyResolved. Scope
// side effects apply only on the winning resolution:
//
//	once    — nothing persists beyond this call
//	session — remembered in memory for this session
//	always  — stored as the tool's policy
func (g *Gate) Resolve(requestID, status, scope string) error {
	req, err := g.store.GetPermissionRequest(requestID)
	if err != nil {
		return err
	}
	if err := g.store.ResolvePermissionRequest(requestID, status, scope); err != nil {
		return err
	}

	approved := status == domain.PermissionApproved
	policy := domain.PolicyAllow
	if !approved {
		policy = domain.PolicyDeny
	}
	switch scope {
	case domain.ScopeSession:
		g.mu.Lock()
		if g.overrides[req.SessionID] == nil {
			g.overrides[req.SessionID] = make(map[string]string)
		}
		g.overrides[req.SessionID][req.ToolName] = policy
		g.mu.Unlock()
	case domain.ScopeAlways:
		if err := g.store.SetToolPolicy(req.ToolName, policy); err != nil {
			return err
		}
	}

	g.mu.Lock()
	ch, ok := g.waiters[requestID]
	g.mu.Unlock()
	if ok {
		ch <- Decision{Approved: approved, Status: status, Scope: scope}
	}
	return nil
}

// ClearSession drops a session's in-memory approvals. Called when the
// session is deleted.
func (g *Gate) ClearSession(sessionID string) {
	g.mu.Lock()
	delete(g.overrides, sessionID)
	g.mu.Unlock()
}
