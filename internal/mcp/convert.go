package mcp

import (
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/batalabs/agentd/internal/provider"
)

// ToToolSpec converts a discovered MCP tool into a provider.ToolSpec under
// its namespaced name. InputSchema arrives as a generic JSON Schema map;
// anything that is not one yields a spec with no properties.
func ToToolSpec(serverName string, tool *mcpsdk.Tool) provider.ToolSpec {
	spec := provider.ToolSpec{
		Name:        NamespacedName(serverName, tool.Name),
		Description: tool.Description,
	}

	schema, ok := tool.InputSchema.(map[string]any)
	if !ok {
		return spec
	}

	spec.Properties, spec.Required = extractProperties(schema)
	return spec
}

// extractProperties pulls properties and required fields out of a JSON
// Schema object map.
func extractProperties(schema map[string]any) (map[string]provider.ToolProp, []string) {
	props := map[string]provider.ToolProp{}

	if propsMap, ok := schema["properties"].(map[string]any); ok {
		for name, raw := range propsMap {
			propMap, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			props[name] = convertProp(propMap)
		}
	}

	var required []string
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}

	return props, required
}

// convertProp converts one JSON Schema property map to a ToolProp.
// Untyped and combinator schemas (oneOf, anyOf) degrade to "object".
func convertProp(propMap map[string]any) provider.ToolProp {
	tp := provider.ToolProp{}

	if t, ok := propMap["type"].(string); ok {
		tp.Type = t
	} else {
		tp.Type = "object"
	}

	if d, ok := propMap["description"].(string); ok {
		tp.Description = d
	}

	if enumList, ok := propMap["enum"].([]any); ok {
		for _, e := range enumList {
			tp.Enum = append(tp.Enum, fmt.Sprintf("%v", e))
		}
	}

	if tp.Type == "array" {
		if items, ok := propMap["items"].(map[string]any); ok {
			itemProp := convertProp(items)
			tp.Items = &itemProp
		}
	}

	if tp.Type == "object" {
		if nested, ok := propMap["properties"].(map[string]any); ok {
			tp.Properties = map[string]provider.ToolProp{}
			for name, raw := range nested {
				if pm, ok := raw.(map[string]any); ok {
					tp.Properties[name] = convertProp(pm)
				}
			}
		}
		if reqList, ok := propMap["required"].([]any); ok {
			for _, r := range reqList {
				if s, ok := r.(string); ok {
					tp.Required = append(tp.Required, s)
				}
			}
		}
	}

	return tp
}
