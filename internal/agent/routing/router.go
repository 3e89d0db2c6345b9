// Package routing selects a worker type and model for a classified task,
// and reorders reroute candidates when a worker fails mid-flight.
package routing

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/orchestrator-core/internal/agent/classifier"
	"github.com/haasonsaas/orchestrator-core/internal/agent/trust"
)

// WorkerType is the closed set of worker kinds the orchestrator can spawn.
type WorkerType string

const (
	WorkerChatModel    WorkerType = "chat_model"
	WorkerMcpPublisher WorkerType = "mcp_publisher"
	WorkerAcpAgent     WorkerType = "acp_agent"
)

// Delegation describes how closely the orchestrator supervises a worker.
type Delegation string

const (
	// DelegationInLoop requires the orchestrator to surface every tool call
	// for approval before it runs.
	DelegationInLoop Delegation = "in_loop"
	// DelegationFullHandoff lets a sufficiently trusted worker run tool
	// calls without per-call approval.
	DelegationFullHandoff Delegation = "full_handoff"
)

// UserCapabilities describes what the requesting session is allowed and
// able to use: the models it has credentials for, any explicit model
// pinned by the user, and whether an ACP-capable coding agent is
// registered for this workspace.
type UserCapabilities struct {
	AvailableModels []string
	PreferredModels []string
	SelectedModel   string
	DefaultModel    string
	AvailableTools  []string
	HasAcpAgent     bool
}

// RoutingDecision is the router's output for one orchestrate() call.
type RoutingDecision struct {
	WorkerType WorkerType
	ModelID    string
	McpSlug    string
	Delegation Delegation
	Reason     string
}

// MaxRerouteAttempts bounds how many times the orchestrator will retry a
// failed worker with a different model before surfacing the error.
const MaxRerouteAttempts = 2

// defaultModelPreference is the hardcoded fallback order used when no
// trust history or user preference disambiguates a choice.
var defaultModelPreference = []string{
	"claude-opus-4", "claude-sonnet-4", "gpt-4o", "gpt-4o-mini",
}

// Router picks a worker type, model, and delegation mode for a classified
// task, and reorders candidates when a worker needs to be rerouted.
type Router struct {
	trust           *trust.Store
	failureCooldown time.Duration
	healthMu        sync.Mutex
	unhealthy       map[string]time.Time
}

// NewRouter builds a Router backed by the given trust store. failureCooldown
// of zero disables the circuit breaker.
func NewRouter(trustStore *trust.Store, failureCooldown time.Duration) *Router {
	return &Router{
		trust:           trustStore,
		failureCooldown: failureCooldown,
		unhealthy:       make(map[string]time.Time),
	}
}

// Route implements the three-step worker-selection algorithm: prefer an
// ACP coding agent for file-touching code generation, then an MCP
// publisher when the task requires a published tool, and otherwise a
// direct chat model.
func (r *Router) Route(ctx context.Context, c classifier.TaskClassification, caps UserCapabilities) (RoutingDecision, error) {
	decision := RoutingDecision{}

	switch {
	case c.TaskType == classifier.TaskCodeGeneration && c.RequiresFileSystem && caps.HasAcpAgent:
		decision.WorkerType = WorkerAcpAgent
		decision.Reason = "code generation task requires filesystem access and an ACP agent is registered"

	case c.RequiresTools && mcpSlugFor(caps.AvailableTools) != "":
		decision.WorkerType = WorkerMcpPublisher
		decision.McpSlug = mcpSlugFor(caps.AvailableTools)
		decision.Reason = fmt.Sprintf("task requires tools published by mcp publisher %q", decision.McpSlug)

	default:
		decision.WorkerType = WorkerChatModel
		decision.Reason = "default chat model worker"
	}

	modelID, modelReason, err := r.selectModel(caps)
	if err != nil {
		return RoutingDecision{}, err
	}
	decision.ModelID = modelID
	decision.Reason = decision.Reason + "; " + modelReason

	decision.Delegation = DelegationInLoop
	if r.trust != nil {
		score, err := r.trust.TrustScoreFor(ctx, string(c.TaskType), modelID)
		if err == nil && score.IsTrusted() {
			decision.Delegation = DelegationFullHandoff
			decision.Reason += "; model is trusted for this task type, granting full handoff"
		}
	}

	return decision, nil
}

// selectModel applies the model-selection authority order: an explicit
// user selection wins outright, then the user's ordered preference list,
// then any available model, then the documented default.
func (r *Router) selectModel(caps UserCapabilities) (string, string, error) {
	available := make(map[string]bool, len(caps.AvailableModels))
	for _, m := range caps.AvailableModels {
		available[m] = true
	}

	if caps.SelectedModel != "" {
		if len(available) == 0 || available[caps.SelectedModel] {
			return caps.SelectedModel, "user-selected model", nil
		}
	}

	for _, m := range caps.PreferredModels {
		if available[m] && r.isHealthy(m) {
			return m, "first available model from user preference list", nil
		}
	}

	for _, m := range caps.AvailableModels {
		if r.isHealthy(m) {
			return m, "first available model", nil
		}
	}

	if caps.DefaultModel != "" {
		return caps.DefaultModel, "no available models reported, using documented default", nil
	}

	return "", "", fmt.Errorf("routing: no model available and no default configured")
}

// RerouteOnFailure picks the next model to retry after a worker failure,
// excluding every model already tried in this conversation turn. It
// prefers models with a positive trust history for the task type, then
// the hardcoded preference list, then any other available model.
func (r *Router) RerouteOnFailure(ctx context.Context, taskType string, tried []string, available []string, caps UserCapabilities) (modelID string, reason string, ok bool) {
	triedSet := make(map[string]bool, len(tried))
	for _, m := range tried {
		triedSet[m] = true
	}
	availableSet := make(map[string]bool, len(available))
	for _, m := range available {
		availableSet[m] = true
	}

	if r.trust != nil {
		positives, err := r.trust.PositiveModelsFor(ctx, taskType)
		if err == nil {
			for _, m := range positives {
				if !triedSet[m] && availableSet[m] && r.isHealthy(m) {
					return m, "previously satisfactory model for this task type", true
				}
			}
		}
	}

	for _, m := range defaultModelPreference {
		if !triedSet[m] && availableSet[m] && r.isHealthy(m) {
			return m, "next model in default preference order", true
		}
	}

	remaining := make([]string, 0, len(available))
	for _, m := range available {
		if !triedSet[m] && r.isHealthy(m) {
			remaining = append(remaining, m)
		}
	}
	sort.Strings(remaining)
	if len(remaining) > 0 {
		return remaining[0], "first remaining untried available model", true
	}

	return "", "", false
}

// nonReroutableCode and reroutableCode match an HTTP status code embedded
// anywhere in an error message (the gateway and provider SDKs both fold the
// status into the message text rather than surfacing it as a separate
// field), bounded so "4003" or "15502" don't false-match on "400" or "502".
var (
	nonReroutableCode = regexp.MustCompile(`\b(400|401|403)\b`)
	reroutableCode    = regexp.MustCompile(`\b(408|429|502|503|504)\b`)
)

// IsReroutableError reports whether a worker failure should trigger a
// reroute to a different model rather than surfacing the error to the
// user. Timeouts, rate limits, and upstream/gateway failures are
// reroutable; authentication, authorization, and billing failures are
// not, since retrying with a different model won't fix them.
//
// statusCode is an optional out-of-band hint and takes priority when
// set; callers that only have an error string (statusCode 0) fall back to
// scanning msg itself, since providers report the status as text embedded
// in the message rather than as a separate field.
func IsReroutableError(statusCode int, msg string) bool {
	switch statusCode {
	case 408, 429, 502, 503, 504:
		return true
	case 400, 401, 403:
		return false
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "api key"),
		strings.Contains(lower, "insufficient credits"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "forbidden"),
		nonReroutableCode.MatchString(msg):
		return false
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "unavailable"),
		strings.Contains(lower, "connection reset"),
		reroutableCode.MatchString(msg):
		return true
	}
	return false
}

func mcpSlugFor(tools []string) string {
	for _, t := range tools {
		if strings.HasPrefix(t, "mcp__") {
			parts := strings.SplitN(t, "__", 3)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return ""
}

func (r *Router) isHealthy(modelID string) bool {
	if r == nil || r.failureCooldown <= 0 {
		return true
	}
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	until, ok := r.unhealthy[modelID]
	if !ok {
		return true
	}
	if time.Now().After(until) {
		delete(r.unhealthy, modelID)
		return true
	}
	return false
}

// MarkUnhealthy starts a cooldown window for modelID, so subsequent Route
// and RerouteOnFailure calls skip it until the cooldown expires. This is a
// circuit breaker layered on top of the reroute algorithm, not a
// replacement for it.
func (r *Router) MarkUnhealthy(modelID string) {
	if r == nil || r.failureCooldown <= 0 {
		return
	}
	r.healthMu.Lock()
	r.unhealthy[modelID] = time.Now().Add(r.failureCooldown)
	r.healthMu.Unlock()
}
