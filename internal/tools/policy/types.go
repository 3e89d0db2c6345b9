// Package policy provides tool authorization for worker tool calls: which
// tools a chat-model worker may invoke directly, which MCP-published tools
// are reachable through a given server, and how those names collapse to a
// single canonical form for matching.
package policy

import "strings"

// Profile is a pre-configured tool access level.
type Profile string

const (
	// ProfileMinimal allows no tools beyond bare completions.
	ProfileMinimal Profile = "minimal"

	// ProfileCoding allows filesystem, exec, and web tools.
	ProfileCoding Profile = "coding"

	// ProfileFull allows all tools except explicitly denied ones.
	ProfileFull Profile = "full"
)

// Policy defines tool access rules for a worker, combining a profile with
// explicit allow and deny lists. Deny rules always take precedence.
type Policy struct {
	Profile Profile `json:"profile,omitempty" yaml:"profile"`

	// Allow explicitly allows these tools (in addition to the profile).
	Allow []string `json:"allow,omitempty" yaml:"allow"`

	// Deny explicitly denies these tools (overrides allow).
	Deny []string `json:"deny,omitempty" yaml:"deny"`

	// ByProvider applies additional rules scoped to a tool provider. For
	// MCP tools the provider key is "mcp:<server>"; for built-in tools
	// it is "core".
	ByProvider map[string]*Policy `json:"by_provider,omitempty" yaml:"by_provider,omitempty"`
}

// ToolGroup is a named group of tools for convenient bulk permissions.
type ToolGroup struct {
	Name  string
	Tools []string
}

// DefaultGroups are the built-in tool groups referenceable from a Policy's
// Allow/Deny lists as "group:<name>".
var DefaultGroups = map[string][]string{
	"group:fs":   {"read", "write", "edit", "apply_patch"},
	"group:exec": {"exec", "process"},
	"group:web":  {"web_search", "web_fetch"},
	"group:core": {
		"read", "write", "edit", "apply_patch",
		"exec", "process",
		"web_search", "web_fetch",
	},
	// MCP tools are registered dynamically via Resolver.RegisterMCPServer;
	// "mcp:*" in a policy allows all of them.
	"group:mcp": {},
}

// ProfileDefaults defines the default allow list for each profile.
var ProfileDefaults = map[Profile]*Policy{
	ProfileMinimal: {},
	ProfileCoding:  {Allow: []string{"group:fs", "group:exec", "group:web"}},
	ProfileFull:    {}, // full allows everything not explicitly denied
}

// ToolAliases maps alternative tool names to their canonical form.
var ToolAliases = map[string]string{
	"bash":      "exec",
	"shell":     "exec",
	"websearch": "web_search",
	"webfetch":  "web_fetch",
	"searchweb": "web_search",
}

// NormalizeTool lowercases, trims, and resolves a tool name to its
// canonical form via ToolAliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// NormalizeTools normalizes a list of tool names, dropping empty entries.
func NormalizeTools(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		if normalized := NormalizeTool(name); normalized != "" {
			result = append(result, normalized)
		}
	}
	return result
}

// UnifiedPolicyBuilder builds a Policy fluently, covering native and MCP
// tools in one call chain instead of hand-assembling Allow/Deny slices.
type UnifiedPolicyBuilder struct {
	policy *Policy
}

// NewUnifiedPolicy starts a new policy builder.
func NewUnifiedPolicy() *UnifiedPolicyBuilder {
	return &UnifiedPolicyBuilder{policy: &Policy{}}
}

// WithProfile sets the base profile.
func (b *UnifiedPolicyBuilder) WithProfile(profile Profile) *UnifiedPolicyBuilder {
	b.policy.Profile = profile
	return b
}

// AllowNative allows specific built-in tools.
func (b *UnifiedPolicyBuilder) AllowNative(tools ...string) *UnifiedPolicyBuilder {
	for _, t := range tools {
		b.policy.Allow = append(b.policy.Allow, NormalizeTool(t))
	}
	return b
}

// AllowNativeGroup allows a built-in tool group by name (e.g. "fs").
func (b *UnifiedPolicyBuilder) AllowNativeGroup(groups ...string) *UnifiedPolicyBuilder {
	for _, g := range groups {
		if !strings.HasPrefix(g, "group:") {
			g = "group:" + g
		}
		b.policy.Allow = append(b.policy.Allow, g)
	}
	return b
}

// AllowMCPServer allows every tool published by an MCP server.
func (b *UnifiedPolicyBuilder) AllowMCPServer(serverIDs ...string) *UnifiedPolicyBuilder {
	for _, id := range serverIDs {
		b.policy.Allow = append(b.policy.Allow, "mcp:"+id+".*")
	}
	return b
}

// AllowMCPTool allows one specific MCP tool.
func (b *UnifiedPolicyBuilder) AllowMCPTool(serverID, toolName string) *UnifiedPolicyBuilder {
	b.policy.Allow = append(b.policy.Allow, "mcp:"+serverID+"."+toolName)
	return b
}

// AllowAllMCP allows every MCP tool from every server.
func (b *UnifiedPolicyBuilder) AllowAllMCP() *UnifiedPolicyBuilder {
	b.policy.Allow = append(b.policy.Allow, "mcp:*")
	return b
}

// DenyNative denies specific built-in tools.
func (b *UnifiedPolicyBuilder) DenyNative(tools ...string) *UnifiedPolicyBuilder {
	for _, t := range tools {
		b.policy.Deny = append(b.policy.Deny, NormalizeTool(t))
	}
	return b
}

// DenyMCPServer denies every tool published by an MCP server.
func (b *UnifiedPolicyBuilder) DenyMCPServer(serverIDs ...string) *UnifiedPolicyBuilder {
	for _, id := range serverIDs {
		b.policy.Deny = append(b.policy.Deny, "mcp:"+id+".*")
	}
	return b
}

// DenyMCPTool denies one specific MCP tool.
func (b *UnifiedPolicyBuilder) DenyMCPTool(serverID, toolName string) *UnifiedPolicyBuilder {
	b.policy.Deny = append(b.policy.Deny, "mcp:"+serverID+"."+toolName)
	return b
}

// WithMCPServerPolicy sets a provider-scoped override for one MCP server.
func (b *UnifiedPolicyBuilder) WithMCPServerPolicy(serverID string, p *Policy) *UnifiedPolicyBuilder {
	if b.policy.ByProvider == nil {
		b.policy.ByProvider = make(map[string]*Policy)
	}
	b.policy.ByProvider["mcp:"+serverID] = p
	return b
}

// WithNativePolicy sets a provider-scoped override for built-in tools.
func (b *UnifiedPolicyBuilder) WithNativePolicy(p *Policy) *UnifiedPolicyBuilder {
	if b.policy.ByProvider == nil {
		b.policy.ByProvider = make(map[string]*Policy)
	}
	b.policy.ByProvider["core"] = p
	return b
}

// Build returns the constructed policy.
func (b *UnifiedPolicyBuilder) Build() *Policy {
	return b.policy
}

// IsMCPTool reports whether a tool name refers to an MCP-published tool.
func IsMCPTool(toolName string) bool {
	normalized := strings.ToLower(strings.TrimSpace(toolName))
	return strings.HasPrefix(normalized, "mcp:")
}

// ParseMCPToolName splits an "mcp:server.tool" reference into its server
// and tool parts. Returns empty strings if toolName is not an MCP tool.
func ParseMCPToolName(toolName string) (serverID, tool string) {
	normalized := strings.ToLower(strings.TrimSpace(toolName))
	if !strings.HasPrefix(normalized, "mcp:") {
		return "", ""
	}
	trimmed := strings.TrimPrefix(normalized, "mcp:")
	parts := strings.SplitN(trimmed, ".", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
