package policy

import "testing"

func TestResolverAllowsMCPAliasViaExactRule(t *testing.T) {
	resolver := NewResolver()
	resolver.RegisterMCPServer("github", []string{"search"})
	resolver.RegisterAlias("mcp_github_search", "mcp:github.search")

	p := &Policy{Allow: []string{"mcp:github.search"}}
	if !resolver.IsAllowed(p, "mcp_github_search") {
		t.Fatal("expected alias tool to be allowed")
	}
}

func TestResolverAllowsMCPAliasViaWildcard(t *testing.T) {
	resolver := NewResolver()
	resolver.RegisterMCPServer("github", []string{"search"})
	resolver.RegisterAlias("mcp_github_search", "mcp:github.search")

	p := &Policy{Allow: []string{"mcp:github.*"}}
	if !resolver.IsAllowed(p, "mcp_github_search") {
		t.Fatal("expected alias tool to be allowed via wildcard")
	}
}

func TestResolverDenyOverridesAllow(t *testing.T) {
	resolver := NewResolver()
	p := &Policy{Allow: []string{"*"}, Deny: []string{"exec"}}

	if resolver.IsAllowed(p, "exec") {
		t.Fatal("expected exec to be denied despite wildcard allow")
	}
	if !resolver.IsAllowed(p, "read") {
		t.Fatal("expected read to remain allowed")
	}
}

func TestResolverProfileCodingAllowsFilesystemGroup(t *testing.T) {
	resolver := NewResolver()
	p := &Policy{Profile: ProfileCoding}

	for _, tool := range []string{"read", "write", "edit", "exec", "web_search"} {
		if !resolver.IsAllowed(p, tool) {
			t.Errorf("expected %q to be allowed under coding profile", tool)
		}
	}
}

func TestResolverProfileMinimalDeniesEverythingByDefault(t *testing.T) {
	resolver := NewResolver()
	p := &Policy{Profile: ProfileMinimal}

	if resolver.IsAllowed(p, "exec") {
		t.Fatal("expected exec to be denied under minimal profile")
	}
}

func TestResolverByProviderOverridesBaseForMCP(t *testing.T) {
	resolver := NewResolver()
	resolver.RegisterMCPServer("github", []string{"search"})

	p := &Policy{
		Allow:      []string{"read"},
		ByProvider: map[string]*Policy{"mcp:github": {Allow: []string{"mcp:github.search"}}},
	}

	if !resolver.IsAllowed(p, "mcp:github.search") {
		t.Fatal("expected provider override to allow the mcp tool")
	}
	if resolver.IsAllowed(p, "exec") {
		t.Fatal("expected base allow list not to leak through provider scoping for an unrelated tool")
	}
}

func TestNormalizeToolResolvesAliases(t *testing.T) {
	if got := NormalizeTool("BASH"); got != "exec" {
		t.Errorf("NormalizeTool(BASH) = %q, want exec", got)
	}
	if got := NormalizeTool("WebSearch"); got != "web_search" {
		t.Errorf("NormalizeTool(WebSearch) = %q, want web_search", got)
	}
}

func TestMergeAccumulatesAllowAndDeny(t *testing.T) {
	a := &Policy{Allow: []string{"read"}, Deny: []string{"exec"}}
	b := &Policy{Allow: []string{"write"}, Profile: ProfileCoding}

	merged := Merge(a, b)
	if merged.Profile != ProfileCoding {
		t.Errorf("Profile = %q, want %q (last wins)", merged.Profile, ProfileCoding)
	}
	if len(merged.Allow) != 2 || len(merged.Deny) != 1 {
		t.Errorf("merged Allow/Deny = %v / %v, want 2 allows and 1 deny", merged.Allow, merged.Deny)
	}
}

func TestParseMCPToolName(t *testing.T) {
	server, tool := ParseMCPToolName("mcp:github.search")
	if server != "github" || tool != "search" {
		t.Errorf("ParseMCPToolName = (%q, %q), want (github, search)", server, tool)
	}
	if !IsMCPTool("mcp:github.search") {
		t.Error("expected mcp:github.search to be identified as an MCP tool")
	}
	if IsMCPTool("exec") {
		t.Error("expected exec not to be identified as an MCP tool")
	}
}
