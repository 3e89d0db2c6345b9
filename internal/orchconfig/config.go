// Package orchconfig loads the orchestrator CLI's YAML configuration:
// the trust store path, router tuning, LLM provider credentials, and
// the ACP agent binary table. It follows the same env-expand-then-decode
// shape as the gateway's broader config package, scoped down to what
// the orchestrate() pipeline actually reads.
package orchconfig

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "orchestrator.yaml"

// Config is the orchestrator's full configuration surface.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Trust         TrustConfig         `yaml:"trust"`
	Router        RouterConfig        `yaml:"router"`
	LLM           LLMConfig           `yaml:"llm"`
	ACP           ACPConfig           `yaml:"acp"`
	Skills        SkillsConfig        `yaml:"skills"`
	Tools         ToolsConfig         `yaml:"tools"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ToolsConfig scopes the local in-process tools (file read/write/edit,
// shell exec, web search) to a workspace directory.
type ToolsConfig struct {
	Workspace    string `yaml:"workspace"`
	MaxReadBytes int    `yaml:"max_read_bytes"`
	WebSearchTTL int    `yaml:"web_search_cache_ttl_seconds"`
}

// ApprovalConfig mirrors agent.ApprovalPolicy plus the result-guard settings
// applied to every tool result before it re-enters a conversation, so both
// can be tuned from orchestrator.yaml without reaching into Go code.
type ApprovalConfig struct {
	Allowlist       []string      `yaml:"allowlist"`
	Denylist        []string      `yaml:"denylist"`
	RequireApproval []string      `yaml:"require_approval"`
	SafeBins        []string      `yaml:"safe_bins"`
	SkillAllowlist  bool          `yaml:"skill_allowlist"`
	AskFallback     bool          `yaml:"ask_fallback"`
	RequestTTL      time.Duration `yaml:"request_ttl"`

	GuardMaxChars        int      `yaml:"guard_max_chars"`
	GuardDenylist        []string `yaml:"guard_denylist"`
	GuardSanitizeSecrets bool     `yaml:"guard_sanitize_secrets"`
}

// SkillsConfig configures where the orchestrator discovers installed
// skills from, beyond the bundled and workspace-local defaults.
type SkillsConfig struct {
	WorkspacePath string   `yaml:"workspace_path"`
	ExtraDirs     []string `yaml:"extra_dirs"`
	Watch         bool     `yaml:"watch"`
}

// ObservabilityConfig configures structured logging and trace export.
type ObservabilityConfig struct {
	LogLevel      string  `yaml:"log_level"`
	LogFormat     string  `yaml:"log_format"`
	TraceEndpoint string  `yaml:"trace_endpoint"`
	SamplingRate  float64 `yaml:"sampling_rate"`
}

// ServerConfig configures the WebSocket control plane.
type ServerConfig struct {
	WSAddr string `yaml:"ws_addr"`
}

// TrustConfig configures the eval-signal/trust-score store.
type TrustConfig struct {
	DBPath string `yaml:"db_path"`
}

// RouterConfig tunes the router's model selection and reroute behavior.
type RouterConfig struct {
	UnhealthyCooldown time.Duration `yaml:"unhealthy_cooldown"`
	MaxToolIterations int           `yaml:"max_tool_iterations"`
}

// LLMConfig mirrors the subset of the gateway's LLM config the chat-model
// worker needs: a default provider name and its per-provider credentials.
type LLMConfig struct {
	DefaultProvider string                      `yaml:"default_provider"`
	Providers       map[string]LLMProviderEntry `yaml:"providers"`
}

// LLMProviderEntry holds one provider's credentials and default model.
// A provider authenticates either with a static APIKey or, when OAuth is
// set, via the OAuth2 client-credentials grant described there.
type LLMProviderEntry struct {
	APIKey       string                  `yaml:"api_key"`
	DefaultModel string                  `yaml:"default_model"`
	BaseURL      string                  `yaml:"base_url"`
	OAuth        *OAuthClientCredentials `yaml:"oauth,omitempty"`
}

// OAuthClientCredentials configures an OAuth2 client-credentials token
// source for providers fronted by an identity provider instead of a
// long-lived API key.
type OAuthClientCredentials struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// ACPConfig maps agent_type names to the subprocess command that speaks
// the Agent Client Protocol for that coding agent.
type ACPConfig struct {
	Agents map[string]ACPAgentEntry `yaml:"agents"`
}

// ACPAgentEntry is one entry in the agent_type -> binary table.
type ACPAgentEntry struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Load reads, env-expands, and decodes the YAML config at path, then
// fills in defaults for anything left zero.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single YAML document")
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.WSAddr == "" {
		cfg.Server.WSAddr = "127.0.0.1:8787"
	}
	if cfg.Trust.DBPath == "" {
		cfg.Trust.DBPath = "orchestrator-trust.db"
	}
	if cfg.Router.UnhealthyCooldown <= 0 {
		cfg.Router.UnhealthyCooldown = 2 * time.Minute
	}
	if cfg.Router.MaxToolIterations <= 0 {
		cfg.Router.MaxToolIterations = 5
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "openai"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.SamplingRate <= 0 {
		cfg.Observability.SamplingRate = 1.0
	}
	if cfg.Skills.WorkspacePath == "" {
		cfg.Skills.WorkspacePath = "."
	}
	if cfg.Tools.Workspace == "" {
		cfg.Tools.Workspace = "."
	}
	if cfg.Tools.MaxReadBytes <= 0 {
		cfg.Tools.MaxReadBytes = 200000
	}
	if cfg.Tools.WebSearchTTL <= 0 {
		cfg.Tools.WebSearchTTL = 300
	}
}
