package protocol

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolList mirrors the result payload of a tools/list call.
type ToolList struct {
	Tools []*mcp.Tool `json:"tools"`
}

// ResourceList mirrors the result payload of a resources/list call.
type ResourceList struct {
	Resources []*mcp.Resource `json:"resources"`
}

// PromptList mirrors the result payload of a prompts/list call.
type PromptList struct {
	Prompts []*mcp.Prompt `json:"prompts"`
}

// InitializeResult is the subset of an initialize response the gateway reads.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocolVersion,omitempty"`
	Capabilities    map[string]any      `json:"capabilities,omitempty"`
	ServerInfo      *mcp.Implementation `json:"serverInfo,omitempty"`
}

// DecodeToolNames extracts tool names from a tools/list result. Providers
// return either the canonical {"tools": [...]} object or a bare array; both
// forms are accepted. Malformed payloads yield an empty set.
func DecodeToolNames(raw json.RawMessage) []string {
	var wrapped ToolList
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Tools) > 0 {
		return toolNames(wrapped.Tools)
	}
	var bare []*mcp.Tool
	if err := json.Unmarshal(raw, &bare); err == nil {
		return toolNames(bare)
	}
	return nil
}

// DecodePromptNames extracts prompt names from a prompts/list result.
func DecodePromptNames(raw json.RawMessage) []string {
	var wrapped PromptList
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Prompts) > 0 {
		return promptNames(wrapped.Prompts)
	}
	var bare []*mcp.Prompt
	if err := json.Unmarshal(raw, &bare); err == nil {
		return promptNames(bare)
	}
	return nil
}

// DecodeResourceURIs extracts resource URIs from a resources/list result.
func DecodeResourceURIs(raw json.RawMessage) []string {
	var wrapped ResourceList
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Resources) > 0 {
		return resourceURIs(wrapped.Resources)
	}
	var bare []*mcp.Resource
	if err := json.Unmarshal(raw, &bare); err == nil {
		return resourceURIs(bare)
	}
	return nil
}

func toolNames(tools []*mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t != nil && t.Name != "" {
			names = append(names, t.Name)
		}
	}
	return names
}

func promptNames(prompts []*mcp.Prompt) []string {
	names := make([]string, 0, len(prompts))
	for _, p := range prompts {
		if p != nil && p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return names
}

func resourceURIs(resources []*mcp.Resource) []string {
	uris := make([]string, 0, len(resources))
	for _, r := range resources {
		if r != nil && r.URI != "" {
			uris = append(uris, r.URI)
		}
	}
	return uris
}
