// Package main provides the CLI entry point for the orchestrator core.
//
// orchestrator-core routes a conversational turn to the right worker
// (a direct chat-model loop, an MCP-published tool, or an ACP coding
// agent subprocess), streams its events back, reroutes around
// transient failures, and records the resulting eval signal for the
// trust model that biases future routing decisions.
//
// # Basic usage
//
//	orchestrator serve --config orchestrator.yaml
//	orchestrator acp spawn claude-code .
//	orchestrator trust show code_generation gpt-4o
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/orchestrator-core/internal/agent"
	"github.com/haasonsaas/orchestrator-core/internal/agent/acp"
	"github.com/haasonsaas/orchestrator-core/internal/agent/bridge"
	"github.com/haasonsaas/orchestrator-core/internal/agent/orchestrator"
	"github.com/haasonsaas/orchestrator-core/internal/agent/providers"
	"github.com/haasonsaas/orchestrator-core/internal/agent/routing"
	"github.com/haasonsaas/orchestrator-core/internal/agent/trust"
	"github.com/haasonsaas/orchestrator-core/internal/agent/worker"
	"github.com/haasonsaas/orchestrator-core/internal/controlplane"
	"github.com/haasonsaas/orchestrator-core/internal/observability"
	"github.com/haasonsaas/orchestrator-core/internal/orchconfig"
	"github.com/haasonsaas/orchestrator-core/internal/skills"
	execplane "github.com/haasonsaas/orchestrator-core/internal/tools/exec"
	"github.com/haasonsaas/orchestrator-core/internal/tools/files"
	"github.com/haasonsaas/orchestrator-core/internal/tools/websearch"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "orchestrator",
		Short:        "orchestrator-core - routes, runs, and reroutes AI assistant turns",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildAcpCmd(), buildTrustCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator gateway server",
		Long: `Start the orchestrator gateway server.

The server loads configuration, opens the trust store, wires the
router and ACP session manager, and listens for conversation turns on
the WebSocket control plane until a shutdown signal arrives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", orchconfig.DefaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := orchconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "orchestrator-core",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.TraceEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
	})
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Warn("tracer shutdown error", "error", err)
		}
	}()

	metrics := observability.NewMetrics()

	db, err := sql.Open("sqlite", cfg.Trust.DBPath)
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}
	defer db.Close()
	if err := trust.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("migrate trust store: %w", err)
	}

	trustStore := trust.NewStore(db)
	router := routing.NewRouter(trustStore, cfg.Router.UnhealthyCooldown)

	binaries := make(map[string]acp.AgentBinary, len(cfg.ACP.Agents))
	for name, a := range cfg.ACP.Agents {
		binaries[name] = acp.AgentBinary{Command: a.Command, Args: a.Args}
	}
	acpManager := acp.NewManager(binaries)
	toolBridge := bridge.New()

	provider, err := defaultProvider(cfg)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}
	toolRegistry := buildToolRegistry(cfg)
	approvals := buildApprovalChecker(cfg)
	factory := &defaultWorkerFactory{
		provider:         provider,
		tools:            toolRegistry,
		maxIterations:    cfg.Router.MaxToolIterations,
		acpManager:       acpManager,
		defaultAgentType: firstAgentType(cfg.ACP.Agents),
		defaultCwd:       ".",
		bridge:           toolBridge,
		approvals:        approvals,
		resultGuard:      buildResultGuard(cfg),
	}

	skillsMgr, err := skills.NewManager(&skills.SkillsConfig{
		Load: &skills.LoadConfig{ExtraDirs: cfg.Skills.ExtraDirs, Watch: cfg.Skills.Watch},
	}, cfg.Skills.WorkspacePath, nil)
	if err != nil {
		return fmt.Errorf("build skill manager: %w", err)
	}
	if err := skillsMgr.Discover(ctx); err != nil {
		slog.Warn("skill discovery failed", "error", err)
	}
	if err := skillsMgr.StartWatching(ctx); err != nil {
		slog.Warn("skill watch start failed", "error", err)
	}
	defer skillsMgr.Close()

	orch := orchestrator.New(router, trustStore, factory, trustStore).WithMetrics(metrics).WithSkills(skillsMgr)

	control := controlplane.NewControlPlane(orch, acpManager, toolBridge, cfg.Server.WSAddr)

	slog.Info("orchestrator serve starting",
		"version", version,
		"ws_addr", cfg.Server.WSAddr,
		"trust_db", cfg.Trust.DBPath,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- control.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining sessions")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		for _, id := range acpManager.Sessions() {
			if err := acpManager.Terminate(id); err != nil {
				slog.Warn("error terminating acp session during shutdown", "session_id", id, "error", err)
			}
		}
		_ = shutdownCtx
		return control.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildAcpCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "acp", Short: "Manage ACP coding-agent sessions"}
	cmd.AddCommand(buildAcpSpawnCmd())
	return cmd
}

func buildAcpSpawnCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "spawn <agent_type> <cwd>",
		Short: "Spawn an ACP agent subprocess and print its session id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := orchconfig.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			binaries := make(map[string]acp.AgentBinary, len(cfg.ACP.Agents))
			for name, a := range cfg.ACP.Agents {
				binaries[name] = acp.AgentBinary{Command: a.Command, Args: a.Args}
			}
			mgr := acp.NewManager(binaries)
			sess, err := mgr.Spawn(cmd.Context(), args[0], args[1], acp.SessionConfig{})
			if err != nil {
				return err
			}
			fmt.Println(sess.ID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", orchconfig.DefaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildTrustCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "trust", Short: "Inspect the routing trust store"}
	cmd.AddCommand(buildTrustShowCmd())
	return cmd
}

func buildTrustShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show <task_type> <model_id>",
		Short: "Print the aggregated trust score for a task type and model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := orchconfig.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := sql.Open("sqlite", cfg.Trust.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			store := trust.NewStore(db)
			score, err := store.TrustScoreFor(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("task_type=%s model_id=%s positive=%d negative=%d trust_level=%.3f trusted=%v\n",
				args[0], args[1], score.Positive, score.Negative, score.TrustLevel(), score.IsTrusted())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", orchconfig.DefaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// defaultProvider selects the LLM provider implementation for the
// configured default, following the router's chat-model fallback path.
// Only OpenAI-compatible providers are wired today; additional
// providers register here as they gain an agent.LLMProvider adapter.
func defaultProvider(cfg *orchconfig.Config) (agent.LLMProvider, error) {
	p, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("no provider configured for default_provider %q", cfg.LLM.DefaultProvider)
	}
	if p.OAuth != nil {
		ccCfg := clientcredentials.Config{
			ClientID:     p.OAuth.ClientID,
			ClientSecret: p.OAuth.ClientSecret,
			TokenURL:     p.OAuth.TokenURL,
			Scopes:       p.OAuth.Scopes,
		}
		return providers.NewOpenAIProviderWithTokenSource(ccCfg.TokenSource(context.Background()), p.BaseURL), nil
	}
	return providers.NewOpenAIProvider(p.APIKey, p.BaseURL), nil
}

// buildToolRegistry registers the local in-process tools a ChatModel or
// McpPublisher worker can dispatch directly, scoped to cfg.Tools.Workspace:
// filesystem read/write/edit/patch, a sandboxed shell exec, and web
// search/fetch for the classifier's research task type.
func buildToolRegistry(cfg *orchconfig.Config) *agent.ToolRegistry {
	registry := agent.NewToolRegistry()

	filesCfg := files.Config{Workspace: cfg.Tools.Workspace, MaxReadBytes: cfg.Tools.MaxReadBytes}
	registry.Register(files.NewReadTool(filesCfg))
	registry.Register(files.NewWriteTool(filesCfg))
	registry.Register(files.NewEditTool(filesCfg))
	registry.Register(files.NewApplyPatchTool(filesCfg))

	execMgr := execplane.NewManager(cfg.Tools.Workspace)
	registry.Register(execplane.NewExecTool("exec", execMgr))
	registry.Register(execplane.NewProcessTool(execMgr))

	registry.Register(websearch.NewWebSearchTool(&websearch.Config{
		DefaultBackend:     websearch.BackendDuckDuckGo,
		ExtractContent:     true,
		DefaultResultCount: 5,
		CacheTTL:           cfg.Tools.WebSearchTTL,
	}))
	registry.Register(websearch.NewWebFetchTool(&websearch.FetchConfig{}))

	return registry
}

// buildApprovalChecker translates cfg.Approval into an agent.ApprovalChecker.
// Fields left at their zero value fall back to agent.DefaultApprovalPolicy
// (e.g. an unconfigured orchestrator.yaml still gets the default safe-bin
// allowlist and a 5 minute request TTL).
func buildApprovalChecker(cfg *orchconfig.Config) *agent.ApprovalChecker {
	a := cfg.Approval
	return agent.NewApprovalChecker(&agent.ApprovalPolicy{
		Allowlist:       a.Allowlist,
		Denylist:        a.Denylist,
		RequireApproval: a.RequireApproval,
		SafeBins:        a.SafeBins,
		SkillAllowlist:  a.SkillAllowlist,
		AskFallback:     a.AskFallback,
		DefaultDecision: agent.ApprovalPending,
		RequestTTL:      a.RequestTTL,
	})
}

// buildResultGuard translates cfg.Approval's guard_* fields into a
// ToolResultGuard applied to every tool result before it re-enters
// conversation history. Secret sanitization is always on; size and
// denylist are opt-in so a default config doesn't surprise-truncate output.
func buildResultGuard(cfg *orchconfig.Config) agent.ToolResultGuard {
	a := cfg.Approval
	return agent.ToolResultGuard{
		Enabled:         true,
		MaxChars:        a.GuardMaxChars,
		Denylist:        a.GuardDenylist,
		SanitizeSecrets: true,
	}
}

// defaultWorkerFactory builds the concrete Worker for a routing
// decision: a ChatModel for direct completions, or an AcpAgent spawned
// through the shared acp.Manager for file-touching code generation.
//
// RoutingDecision carries a worker type and model but not a workspace
// path, since the router's job is model selection, not file-system
// scoping. Until the control plane threads a per-conversation cwd
// through orchestrator.Request, ACP spawns use defaultAgentType and
// defaultCwd from configuration; a fuller build lets each conversation
// pin its own coding-agent workspace.
type defaultWorkerFactory struct {
	provider         agent.LLMProvider
	tools            *agent.ToolRegistry
	maxIterations    int
	acpManager       *acp.Manager
	defaultAgentType string
	defaultCwd       string
	bridge           *bridge.Bridge
	approvals        *agent.ApprovalChecker
	resultGuard      agent.ToolResultGuard
}

func (f *defaultWorkerFactory) Build(ctx context.Context, decision routing.RoutingDecision) (worker.Worker, error) {
	switch decision.WorkerType {
	case routing.WorkerAcpAgent:
		sess, err := f.acpManager.Spawn(ctx, f.defaultAgentType, f.defaultCwd, acp.SessionConfig{})
		if err != nil {
			return nil, fmt.Errorf("spawn acp agent: %w", err)
		}
		return worker.NewAcpAgent(sess), nil
	case routing.WorkerMcpPublisher:
		toolExec := agent.NewToolExecutor(f.tools, agent.DefaultToolExecConfig())
		pub := worker.NewMcpPublisher(decision.McpSlug, f.provider, f.tools, toolExec, f.maxIterations)
		pub.WithBridge(f.bridge).WithApprovals(f.approvals, decision.ModelID).WithResultGuard(f.resultGuard)
		return pub, nil
	default:
		toolExec := agent.NewToolExecutor(f.tools, agent.DefaultToolExecConfig())
		return worker.NewChatModel(f.provider, f.tools, toolExec, f.maxIterations).
			WithBridge(f.bridge).
			WithApprovals(f.approvals, decision.ModelID).
			WithResultGuard(f.resultGuard), nil
	}
}

// firstAgentType picks a stable default agent_type out of the
// configured table so a single-agent deployment doesn't need to repeat
// its name elsewhere. Multi-agent deployments should prefer routing
// decisions that name the agent explicitly once that plumbing exists.
func firstAgentType(agents map[string]orchconfig.ACPAgentEntry) string {
	for name := range agents {
		return name
	}
	return ""
}
