package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config holds the MCP server table loaded from mcp.json files.
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes how to reach a single MCP server.
type ServerConfig struct {
	Type    string            `json:"type"`              // "stdio" or "http"
	Command string            `json:"command,omitempty"` // stdio: executable
	Args    []string          `json:"args,omitempty"`    // stdio: arguments
	Env     map[string]string `json:"env,omitempty"`     // stdio: env vars
	URL     string            `json:"url,omitempty"`     // http: server URL
}

// userConfigDir returns the user-scope MCP config directory. Override in
// tests.
var userConfigDir = defaultUserConfigDir

func defaultUserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agentd")
}

// Load resolves the MCP server table. An explicit path (config.json's
// mcp_config_path) is authoritative and must exist. Otherwise the user
// scope file (~/.config/agentd/mcp.json) is merged with the workspace's
// .mcp.json, workspace entries overriding user entries. Values are
// env-expanded and validated either way.
func Load(explicitPath, workspaceRoot string) (Config, error) {
	merged := Config{MCPServers: map[string]ServerConfig{}}

	if explicitPath != "" {
		cfg, err := loadConfigFile(explicitPath)
		if err != nil {
			return Config{}, fmt.Errorf("loading mcp config %s: %w", explicitPath, err)
		}
		merged = cfg
	} else {
		if userDir := userConfigDir(); userDir != "" {
			if cfg, err := loadConfigFile(filepath.Join(userDir, "mcp.json")); err == nil {
				for name, sc := range cfg.MCPServers {
					merged.MCPServers[name] = sc
				}
			}
		}
		if workspaceRoot != "" {
			if cfg, err := loadConfigFile(filepath.Join(workspaceRoot, ".mcp.json")); err == nil {
				for name, sc := range cfg.MCPServers {
					merged.MCPServers[name] = sc
				}
			}
		}
	}

	for name, sc := range merged.MCPServers {
		sc.Command = expandEnvVars(sc.Command)
		sc.URL = expandEnvVars(sc.URL)
		for i, arg := range sc.Args {
			sc.Args[i] = expandEnvVars(arg)
		}
		for k, v := range sc.Env {
			sc.Env[k] = expandEnvVars(v)
		}
		if err := validateServerConfig(name, sc); err != nil {
			return Config{}, err
		}
		merged.MCPServers[name] = sc
	}

	return merged, nil
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]ServerConfig{}
	}
	return cfg, nil
}

func validateServerConfig(name string, sc ServerConfig) error {
	switch sc.Type {
	case "stdio", "":
		if sc.Command == "" {
			return fmt.Errorf("MCP server %q: stdio type requires 'command'", name)
		}
	case "http":
		if sc.URL == "" {
			return fmt.Errorf("MCP server %q: http type requires 'url'", name)
		}
	default:
		return fmt.Errorf("MCP server %q: unknown type %q (expected 'stdio' or 'http')", name, sc.Type)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// lookupEnvFunc is os.LookupEnv, overridable in tests.
var lookupEnvFunc = os.LookupEnv

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		if len(groups) >= 3 {
			defaultVal = groups[2]
		}
		if val, exists := lookupEnvFunc(varName); exists {
			return val
		}
		return strings.TrimSpace(defaultVal)
	})
}
