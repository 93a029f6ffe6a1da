package mcp

import "strings"

const mcpPrefix = "mcp__"

// NamespacedName builds the registry-facing name for a discovered tool:
// "mcp__<server>__<tool>". Server names are sanitized so the composite is
// a valid model-facing identifier.
func NamespacedName(serverName, toolName string) string {
	return mcpPrefix + sanitizeName(serverName) + "__" + toolName
}

// ParseNamespacedName splits a namespaced tool name back into its server
// and tool parts. ok is false when name does not follow the scheme.
func ParseNamespacedName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, mcpPrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// IsMCPTool reports whether the tool name carries the mcp__ prefix.
func IsMCPTool(name string) bool {
	return strings.HasPrefix(name, mcpPrefix)
}

// sanitizeName maps a server name to lowercase alphanumerics and hyphens.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name)
}
