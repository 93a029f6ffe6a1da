// agentd server entry point
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/batalabs/agentd/internal/agent"
	"github.com/batalabs/agentd/internal/bus"
	"github.com/batalabs/agentd/internal/config"
	"github.com/batalabs/agentd/internal/daemon"
	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/mcp"
	"github.com/batalabs/agentd/internal/notify"
	"github.com/batalabs/agentd/internal/permission"
	"github.com/batalabs/agentd/internal/provider"
	"github.com/batalabs/agentd/internal/sandbox"
	"github.com/batalabs/agentd/internal/store"
	"github.com/batalabs/agentd/internal/tools"
)

var version = "dev"

func init() {
	if version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

func main() {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	bindFlag := flag.String("bind", "", "Network interface to bind (127.0.0.1, 0.0.0.0, or a specific IP)")
	portFlag := flag.Int("port", 0, "HTTP port (0 uses the configured port, falling back to an ephemeral one if taken)")
	dbFlag := flag.String("db", "", "SQLite database path")
	rootFlag := flag.String("root", "", "Workspace root the agent may read and write")
	modelFlag := flag.String("model", "", "Model ID (e.g. claude-sonnet-4-6)")
	staticFlag := flag.String("static", "", "Directory with the browser UI to serve at /")
	qrFlag := flag.Bool("qr", false, "Print a QR code for the UI URL on startup")
	flag.Parse()

	// All stderr diagnostics are also appended to ~/.local/share/agentd/agentd.log.
	logger := config.NewLogger()
	defer logger.Close()

	if *versionFlag {
		fmt.Printf("agentd %s\n", version)
		return
	}

	cfg := config.Load()
	if *bindFlag != "" {
		cfg.BindAddress = *bindFlag
	}
	if *portFlag != 0 {
		cfg.Port = *portFlag
	}
	if *dbFlag != "" {
		cfg.DBPath = *dbFlag
	}
	if *rootFlag != "" {
		cfg.WorkspaceRoot = *rootFlag
	}
	if *modelFlag != "" {
		cfg.Model = *modelFlag
	}
	if *staticFlag != "" {
		cfg.StaticDir = *staticFlag
	}

	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error resolving database path: %v\n", err)
		os.Exit(1)
	}
	root := resolveWorkspaceRoot(cfg)

	st, err := store.OpenStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if mode := cfg.PermissionMode; mode == domain.ModeAsk || mode == domain.ModeAllow {
		if err := st.SetPermissionMode(mode); err != nil {
			fmt.Fprintf(os.Stderr, "warning: applying permission mode: %v\n", err)
		}
	}

	fs, err := sandbox.New(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening workspace %s: %v\n", root, err)
		os.Exit(1)
	}

	b := bus.New(st, cfg.QueueSize())
	registry := tools.NewRegistry(tools.AllTools())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// External tool servers join the registry under namespaced names.
	mcpManager := startMCP(ctx, cfg, root, registry, logger)
	if mcpManager != nil {
		defer mcpManager.StopAll()
	}

	registry.SetDisabled(cfg.DisabledToolsSet())

	policies := registry.DefaultPolicies()
	for name, policy := range cfg.ToolPolicies {
		if policy != domain.PolicyDeny && policy != domain.PolicyAsk && policy != domain.PolicyAllow {
			fmt.Fprintf(os.Stderr, "warning: ignoring invalid policy %q for tool %s\n", policy, name)
			continue
		}
		policies[name] = policy
	}
	gate := permission.NewGate(st, policies, cfg.PermissionTimeout())

	apiKey := cfg.ResolveAnthropicKey()
	if apiKey == "" {
		fmt.Fprintf(os.Stderr, "warning: no Anthropic API key configured; turns will fail until ANTHROPIC_API_KEY is set\n")
	}

	runner := &agent.Runner{
		Store:       st,
		Bus:         b,
		Gate:        gate,
		Registry:    registry,
		Provider:    &provider.AnthropicProvider{},
		FS:          fs,
		APIKey:      apiKey,
		Model:       cfg.Model,
		BraveAPIKey: cfg.ResolveBraveKey(),
		MaxSteps:    cfg.MaxSteps(),
		ToolTimeout: cfg.ToolTimeout(),
	}

	srv := daemon.NewServer(daemon.Options{
		Store:         st,
		Bus:           b,
		Gate:          gate,
		Registry:      registry,
		FS:            fs,
		Runner:        runner,
		Log:           logger,
		Version:       version,
		Model:         cfg.Model,
		DBPath:        dbPath,
		AuthToken:     cfg.ResolveAuthToken(),
		StaticDir:     cfg.StaticDir,
		Heartbeat:     cfg.HeartbeatInterval(),
		LLMConfigured: apiKey != "",
	})

	startNotifier(ctx, cfg, b, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: shutdown: %v\n", err)
		}
	}()

	// Port() blocks until Start() has bound the listener, so no race.
	go printBanner(srv, cfg, root, *qrFlag)

	if err := srv.Start(cfg.BindAddress, cfg.Port); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// resolveDBPath picks the database location: flag/config override, else
// ~/.local/share/agentd/agentd.db. The parent directory is created.
func resolveDBPath(cfg config.Config) (string, error) {
	path := cfg.DBPath
	if path == "" {
		dir, err := config.DataDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, "agentd.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating database dir: %w", err)
	}
	return path, nil
}

func resolveWorkspaceRoot(cfg config.Config) string {
	if cfg.WorkspaceRoot != "" {
		return cfg.WorkspaceRoot
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// startMCP connects configured Model Context Protocol servers and registers
// their tools. Failures are reported and skipped; the server runs without
// them.
func startMCP(ctx context.Context, cfg config.Config, root string, registry *tools.Registry, logger *config.Logger) *mcp.Manager {
	mcpCfg, err := mcp.Load(cfg.MCPConfigPath, root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: mcp config: %v\n", err)
		return nil
	}
	if len(mcpCfg.MCPServers) == 0 {
		return nil
	}

	mgr := mcp.NewManager()
	if err := mgr.StartAll(ctx, mcpCfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: mcp startup: %v\n", err)
	}
	defs := mgr.ToolDefs()
	for _, def := range defs {
		registry.Register(def)
	}
	for name, status := range mgr.ServerStatuses() {
		logger.Printf("mcp: server %s: %s", name, status)
	}
	if len(defs) > 0 {
		fmt.Fprintf(os.Stderr, "mcp: %d tools from %d servers\n", len(defs), len(mcpCfg.MCPServers))
	}
	return mgr
}

// startNotifier launches the Telegram push notifier when it is configured.
// A missing token just disables it; a token without chat ids is a mistake
// worth warning about.
func startNotifier(ctx context.Context, cfg config.Config, b *bus.Bus, logger *config.Logger) {
	if cfg.ResolveTelegramToken() == "" {
		return
	}
	tgCfg, err := config.LoadTelegramConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: telegram notifications disabled: %v\n", err)
		return
	}
	n, err := notify.New(tgCfg, b, logger.Printf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: telegram notifications disabled: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "notifications: telegram bot @%s\n", n.BotName())
	go func() {
		if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("notify: %v", err)
		}
	}()
}

// printBanner waits for the listener, then prints how to reach the UI. With
// --qr it also renders a scannable code for phones on the same network.
func printBanner(srv *daemon.Server, cfg config.Config, root string, qr bool) {
	port := srv.Port()

	host := cfg.BindAddress
	if host == "0.0.0.0" || host == "" {
		if ips := daemon.GetLocalIPs(); len(ips) > 0 {
			host = ips[0]
		} else {
			host = "127.0.0.1"
		}
	}

	token := cfg.ResolveAuthToken()
	fmt.Fprintf(os.Stderr, "  ui:        http://%s:%d/\n", host, port)
	fmt.Fprintf(os.Stderr, "  workspace: %s\n", root)
	if token != "" {
		fmt.Fprintf(os.Stderr, "  token:     %s\n", config.MaskKey(token))
	}
	if qr {
		ascii, err := daemon.GenerateQRCodeASCII(host, port, token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "QR generation failed: %v\n", err)
			return
		}
		fmt.Fprintf(os.Stderr, "\n%s\n", ascii)
	}
}
