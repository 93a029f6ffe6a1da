package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// configDirOverride is set by tests to redirect ConfigDir.
var configDirOverride string

// ConfigDir returns the config directory for agentd.
func ConfigDir() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agentd")
}

// DataDir returns ~/.local/share/agentd, creating it if needed.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".local", "share", "agentd")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// ConfigFilePath returns the absolute path to config.json.
func ConfigFilePath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.json")
}

// Config holds server settings. Persisted to ~/.config/agentd/config.json;
// secrets may instead come from the environment (see the Resolve helpers).
type Config struct {
	Model           string `json:"model,omitempty"`
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`
	BraveAPIKey     string `json:"brave_api_key,omitempty"`

	// HTTP surface
	BindAddress string `json:"bind_address,omitempty"`
	Port        int    `json:"port,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
	StaticDir   string `json:"static_dir,omitempty"`

	// Storage and workspace
	DBPath        string `json:"db_path,omitempty"`
	WorkspaceRoot string `json:"workspace_root,omitempty"`

	// Agent behavior
	PermissionMode        string            `json:"permission_mode,omitempty"`
	ToolPolicies          map[string]string `json:"tool_policies,omitempty"`
	ToolsDisabled         string            `json:"tools_disabled,omitempty"`
	MaxTurnSteps          int               `json:"max_turn_steps,omitempty"`
	ToolTimeoutSecs       int               `json:"tool_timeout_seconds,omitempty"`
	PermissionTimeoutSecs int               `json:"permission_timeout_seconds,omitempty"`

	// Event streaming
	HeartbeatSecs   int `json:"heartbeat_seconds,omitempty"`
	SubscriberQueue int `json:"subscriber_queue,omitempty"`

	// External tool servers (MCP)
	MCPConfigPath string `json:"mcp_config_path,omitempty"`

	// Telegram notifications
	TelegramBotToken string  `json:"telegram_bot_token,omitempty"`
	TelegramChatIDs  []int64 `json:"telegram_chat_ids,omitempty"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Model:       "claude-sonnet-4-6",
		BindAddress: "127.0.0.1",
		Port:        8790,
	}
}

// Load reads config.json, falling back to defaults when it does not exist.
func Load() Config {
	c := DefaultConfig()
	path := ConfigFilePath()
	if path == "" {
		return c
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	if err := json.Unmarshal(data, &c); err != nil {
		fmt.Fprintf(os.Stderr, "config: parse %s: %v\n", path, err)
		return DefaultConfig()
	}
	warnInsecurePermissions(path)
	if sanitizeConfig(&c) {
		// Persist cleaned values so paste artifacts don't accumulate.
		if err := Save(c); err != nil {
			fmt.Fprintf(os.Stderr, "config: save sanitized config: %v\n", err)
		}
	}
	return c
}

// Save writes the config to ~/.config/agentd/config.json.
func Save(c Config) error {
	dir := ConfigDir()
	if dir == "" {
		return fmt.Errorf("could not determine config directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0o600)
}

// ---------------------------------------------------------------------------
// Secret resolution — environment wins over the config file
// ---------------------------------------------------------------------------

// ResolveAnthropicKey returns the Anthropic API key from ANTHROPIC_API_KEY
// or the config file. Empty means the model surface is unconfigured.
func (c Config) ResolveAnthropicKey() string {
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		return key
	}
	return strings.TrimSpace(c.AnthropicAPIKey)
}

// ResolveBraveKey returns the Brave Search API key from
// BRAVE_SEARCH_API_KEY or the config file.
func (c Config) ResolveBraveKey() string {
	if key := strings.TrimSpace(os.Getenv("BRAVE_SEARCH_API_KEY")); key != "" {
		return key
	}
	return strings.TrimSpace(c.BraveAPIKey)
}

// ResolveAuthToken returns the bearer token protecting mutating endpoints,
// from AGENTD_TOKEN or the config file. Empty disables auth.
func (c Config) ResolveAuthToken() string {
	if tok := strings.TrimSpace(os.Getenv("AGENTD_TOKEN")); tok != "" {
		return tok
	}
	return strings.TrimSpace(c.AuthToken)
}

// ResolveTelegramToken returns the notifier bot token from
// TELEGRAM_BOT_TOKEN or the config file. Empty disables the notifier.
func (c Config) ResolveTelegramToken() string {
	if tok := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); tok != "" {
		return tok
	}
	return strings.TrimSpace(c.TelegramBotToken)
}

// ---------------------------------------------------------------------------
// Effective tunables
// ---------------------------------------------------------------------------

// MaxSteps returns the per-turn model iteration cap.
func (c Config) MaxSteps() int {
	if c.MaxTurnSteps > 0 {
		return c.MaxTurnSteps
	}
	return 24
}

// ToolTimeout returns the per-tool-call execution timeout.
func (c Config) ToolTimeout() time.Duration {
	if c.ToolTimeoutSecs > 0 {
		return time.Duration(c.ToolTimeoutSecs) * time.Second
	}
	return 120 * time.Second
}

// PermissionTimeout returns how long an approval prompt stays pending
// before it expires as denied.
func (c Config) PermissionTimeout() time.Duration {
	if c.PermissionTimeoutSecs > 0 {
		return time.Duration(c.PermissionTimeoutSecs) * time.Second
	}
	return 5 * time.Minute
}

// HeartbeatInterval returns the SSE heartbeat cadence.
func (c Config) HeartbeatInterval() time.Duration {
	if c.HeartbeatSecs > 0 {
		return time.Duration(c.HeartbeatSecs) * time.Second
	}
	return 15 * time.Second
}

// QueueSize returns the per-subscriber event queue bound.
func (c Config) QueueSize() int {
	if c.SubscriberQueue > 0 {
		return c.SubscriberQueue
	}
	return 256
}

// DisabledToolsSet parses tools_disabled into a normalized set.
// Format: comma-separated tool names (e.g. "search,http_fetch").
func (c Config) DisabledToolsSet() map[string]bool {
	out := map[string]bool{}
	raw := strings.TrimSpace(c.ToolsDisabled)
	if raw == "" {
		return out
	}
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		out[name] = true
	}
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// SanitizeValue strips null bytes, ASCII control characters (< 32 except
// \n and \t), and DEL (0x7F) from a string value and trims surrounding
// whitespace. API keys and secrets should never contain control characters —
// these typically sneak in through clipboard paste artifacts.
func SanitizeValue(s string) string {
	return strings.Map(func(r rune) rune {
		if (r < 32 && r != '\n' && r != '\t') || r == 0x7F {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// sanitizeConfig strips control characters from all string fields of an
// already-loaded Config. Returns true if any field was modified.
func sanitizeConfig(c *Config) bool {
	changed := false
	sanitize := func(s *string) {
		cleaned := SanitizeValue(*s)
		if cleaned != *s {
			*s = cleaned
			changed = true
		}
	}
	sanitize(&c.Model)
	sanitize(&c.AnthropicAPIKey)
	sanitize(&c.BraveAPIKey)
	sanitize(&c.BindAddress)
	sanitize(&c.AuthToken)
	sanitize(&c.StaticDir)
	sanitize(&c.DBPath)
	sanitize(&c.WorkspaceRoot)
	sanitize(&c.PermissionMode)
	sanitize(&c.ToolsDisabled)
	sanitize(&c.MCPConfigPath)
	sanitize(&c.TelegramBotToken)
	return changed
}

// MaskKey masks an API key for display, showing only the last 4 characters.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// ParseBoolish parses a boolean-like string value.
func ParseBoolish(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "on", "yes", "1":
		return true, nil
	case "false", "off", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s (use true/false, on/off, yes/no)", s)
	}
}

// warnInsecurePermissions prints a warning to stderr if the config file is
// readable by group or others. On Windows, file permission bits don't map
// to ACLs, so the check is skipped.
func warnInsecurePermissions(path string) {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		fmt.Fprintf(os.Stderr, "WARNING: %s is readable by others (mode %o). Run: chmod 600 %s\n",
			path, info.Mode().Perm(), path)
	}
}
