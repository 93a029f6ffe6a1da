// Package mcp connects to configured Model Context Protocol servers and
// exposes their tools as registry ToolDefs under namespaced names.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/tools"
)

// serverStatus describes the connection state of an MCP server.
type serverStatus int

const (
	statusDisconnected serverStatus = iota
	statusConnecting
	statusConnected
	statusError
)

func (s serverStatus) String() string {
	switch s {
	case statusDisconnected:
		return "disconnected"
	case statusConnecting:
		return "connecting"
	case statusConnected:
		return "connected"
	case statusError:
		return "error"
	default:
		return "unknown"
	}
}

// serverConn holds the state for a single MCP server connection.
type serverConn struct {
	name    string
	config  ServerConfig
	session *mcpsdk.ClientSession
	tools   []*mcpsdk.Tool
	cancel  context.CancelFunc
	status  serverStatus
	lastErr error
}

// Manager owns MCP server connections and tool discovery.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*serverConn
}

// NewManager creates an empty MCP server manager.
func NewManager() *Manager {
	return &Manager{
		servers: make(map[string]*serverConn),
	}
}

// connectTimeout bounds connecting to and listing tools on one server.
var connectTimeout = 30 * time.Second

// callTimeout bounds a single tool invocation.
const callTimeout = 30 * time.Second

// StartAll connects to every configured server. A server that fails to
// connect is reported on stderr and skipped; the rest still come up.
func (m *Manager) StartAll(ctx context.Context, cfg Config) error {
	for name, sc := range cfg.MCPServers {
		conn := &serverConn{
			name:   name,
			config: sc,
			status: statusConnecting,
		}
		m.mu.Lock()
		m.servers[name] = conn
		m.mu.Unlock()

		if err := m.connectServer(ctx, conn); err != nil {
			m.mu.Lock()
			conn.status = statusError
			conn.lastErr = err
			m.mu.Unlock()
			fmt.Fprintf(os.Stderr, "mcp: server %q failed to connect: %v\n", name, err)
			continue
		}

		m.mu.Lock()
		conn.status = statusConnected
		m.mu.Unlock()
	}
	return nil
}

// newTransport builds the transport for a server config. Override in tests.
var newTransport = defaultNewTransport

func defaultNewTransport(sc ServerConfig) (mcpsdk.Transport, context.CancelFunc) {
	switch sc.Type {
	case "http":
		return &mcpsdk.StreamableClientTransport{Endpoint: sc.URL}, func() {}
	default: // stdio
		cmd := exec.Command(sc.Command, sc.Args...)
		if len(sc.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range sc.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, func() {
			if cmd.Process != nil {
				// The child may already have exited.
				_ = cmd.Process.Kill()
			}
		}
	}
}

func (m *Manager) connectServer(ctx context.Context, conn *serverConn) error {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "agentd",
		Version: "1.0",
	}, nil)

	transport, killFunc := newTransport(conn.config)

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	session, err := client.Connect(connCtx, transport, nil)
	if err != nil {
		killFunc()
		return fmt.Errorf("connecting: %w", err)
	}

	conn.cancel = killFunc
	conn.session = session

	listCtx, listCancel := context.WithTimeout(ctx, connectTimeout)
	defer listCancel()

	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		conn.cancel()
		return fmt.Errorf("listing tools: %w", err)
	}
	conn.tools = result.Tools
	return nil
}

// StopAll closes all server connections.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.servers {
		if conn.session != nil {
			if err := conn.session.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "mcp: close session: %v\n", err)
			}
		}
		if conn.cancel != nil {
			conn.cancel()
		}
		conn.status = statusDisconnected
	}
}

// ToolDefs returns the discovered tools as registry definitions. External
// tools default to the ask policy; a stored policy can widen that.
func (m *Manager) ToolDefs() []tools.ToolDef {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var defs []tools.ToolDef
	for _, conn := range m.servers {
		if conn.status != statusConnected {
			continue
		}
		for _, tool := range conn.tools {
			spec := ToToolSpec(conn.name, tool)
			serverName := conn.name
			toolName := tool.Name
			defs = append(defs, tools.ToolDef{
				Spec:          spec,
				DefaultPolicy: domain.PolicyAsk,
				Execute: func(ctx context.Context, input map[string]any, _ *tools.ToolContext) (string, error) {
					result, isErr := m.CallTool(ctx, serverName, toolName, input)
					if isErr {
						return "", fmt.Errorf("%s", result)
					}
					return result, nil
				},
			})
		}
	}
	return defs
}

// CallTool invokes an MCP tool on the named server.
// Returns (result text, isError).
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (string, bool) {
	m.mu.RLock()
	conn, ok := m.servers[serverName]
	m.mu.RUnlock()

	if !ok {
		return fmt.Sprintf("MCP server %q not found", serverName), true
	}
	if conn.status != statusConnected || conn.session == nil {
		errMsg := fmt.Sprintf("MCP server %q is unavailable", serverName)
		if conn.lastErr != nil {
			errMsg += ": " + conn.lastErr.Error()
		}
		return errMsg, true
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := conn.session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return fmt.Sprintf("MCP tool call timed out after %s", callTimeout), true
		}
		return fmt.Sprintf("MCP tool call failed: %v", err), true
	}

	if result == nil {
		return "MCP server returned empty response", true
	}

	text := extractTextContent(result.Content)
	if text == "" {
		return "MCP server returned empty response", true
	}

	return text, result.IsError
}

// extractTextContent concatenates text from MCP Content items.
func extractTextContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ServerStatuses reports the connection status per server, with the error
// appended for failed ones.
func (m *Manager) ServerStatuses() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]string, len(m.servers))
	for name, conn := range m.servers {
		s := conn.status.String()
		if conn.lastErr != nil && conn.status == statusError {
			s += ": " + conn.lastErr.Error()
		}
		statuses[name] = s
	}
	return statuses
}
