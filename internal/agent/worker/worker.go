// Package worker implements the three worker kinds the orchestrator can
// spawn for a routed task: a direct chat-model loop, an MCP-publisher
// variant scoped to one publisher's tools, and an adapter over an ACP
// coding agent session. All three speak the same WorkerEvent protocol so
// the orchestrator never special-cases the worker type once spawned.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/orchestrator-core/internal/agent"
	"github.com/haasonsaas/orchestrator-core/internal/agent/bridge"
	"github.com/haasonsaas/orchestrator-core/pkg/models"
)

// toolExecutionTimeout bounds how long a remote, UI-delegated tool call
// waits on the bridge before the turn fails with a timeout result.
const toolExecutionTimeout = bridge.DefaultTimeout

// maxToolResultContextBytes truncates a tool result's content before it is
// fed back into history, so one oversized result (a huge file read, a
// verbose command dump) can't blow out the model's context window.
const maxToolResultContextBytes = 30 * 1024

// EventKind is the closed set of WorkerEvent variants. Exactly one
// terminal event (Complete or Error) is ever emitted per Execute call.
type EventKind string

const (
	EventContent           EventKind = "content"
	EventThinking          EventKind = "thinking"
	EventToolCall          EventKind = "tool_call"
	EventToolResult        EventKind = "tool_result"
	EventDiff              EventKind = "diff"
	EventPermissionRequest EventKind = "permission_request"
	EventDiffProposal      EventKind = "diff_proposal"
	EventComplete          EventKind = "complete"
	EventError             EventKind = "error"
)

// WorkerEvent is the tagged union streamed from a worker to the
// orchestrator. Only the fields relevant to Kind are populated.
type WorkerEvent struct {
	Kind EventKind

	Content  string // EventContent
	Thinking string // EventThinking

	ToolCall   *models.ToolCall   // EventToolCall
	ToolResult *models.ToolResult // EventToolResult

	DiffPath string // EventDiff, EventDiffProposal
	DiffText string // EventDiff, EventDiffProposal

	RequestID  string   // EventPermissionRequest
	Options    []string // EventPermissionRequest
	ProposalID string   // EventDiffProposal

	InputTokens  int      // EventComplete
	OutputTokens int      // EventComplete
	Cost         *float64 // EventComplete

	Err error // EventError
}

// Request carries everything a worker needs to process one turn: the
// conversation so far, the model chosen by the router, and the tools
// available to this task.
type Request struct {
	ModelID      string
	SystemPrompt string
	History      []agent.CompletionMessage
	Tools        []agent.Tool
	MaxTokens    int
}

// Worker is implemented by each of the three worker kinds. Execute blocks
// until the turn completes, is cancelled, or fails, streaming WorkerEvents
// to events as it goes. Cancel requests early termination; it is safe to
// call concurrently with Execute and may be called more than once.
type Worker interface {
	Execute(ctx context.Context, req Request, events chan<- WorkerEvent) error
	Cancel()
}

// ChatModel drives the classic tool-use loop directly against an
// agent.LLMProvider: stream a completion, execute any requested tool
// calls through the registry, and feed results back until the model
// stops requesting tools or the iteration cap is reached.
type ChatModel struct {
	provider      agent.LLMProvider
	tools         *agent.ToolRegistry
	toolExec      *agent.ToolExecutor
	maxIterations int
	bridge        *bridge.Bridge
	approvals     *agent.ApprovalChecker
	agentID       string
	resultGuard   agent.ToolResultGuard
	cancelled     atomic.Bool
}

// NewChatModel builds a ChatModel worker. maxIterations bounds how many
// tool-use round trips one Execute call will make before returning
// agent.ErrMaxIterations. Tool calls the local registry doesn't recognize
// are treated as remote until WithBridge attaches a Tool-Execution Bridge.
func NewChatModel(provider agent.LLMProvider, tools *agent.ToolRegistry, toolExec *agent.ToolExecutor, maxIterations int) *ChatModel {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	return &ChatModel{provider: provider, tools: tools, toolExec: toolExec, maxIterations: maxIterations}
}

// WithBridge attaches the Tool-Execution Bridge used to dispatch tool
// calls the local registry has no handler for to the UI for execution,
// and returns c for chaining at construction time.
func (c *ChatModel) WithBridge(b *bridge.Bridge) *ChatModel {
	c.bridge = b
	return c
}

// WithApprovals attaches an approval policy checker scoped to agentID. Every
// tool call the model requests is evaluated against it before dispatch; a
// denied call never reaches the registry or the bridge, and a pending call
// is surfaced to the UI as a permission_request and held open on the bridge
// until approved, denied, or the request expires.
func (c *ChatModel) WithApprovals(checker *agent.ApprovalChecker, agentID string) *ChatModel {
	c.approvals = checker
	c.agentID = agentID
	return c
}

// WithResultGuard attaches a ToolResultGuard applied to every tool result
// (local or remote) before it is emitted and re-enters conversation history,
// so secret redaction and size limits cover both dispatch paths uniformly.
func (c *ChatModel) WithResultGuard(guard agent.ToolResultGuard) *ChatModel {
	c.resultGuard = guard
	return c
}

// Cancel marks the current or next Execute call for early termination. A
// remote tool call blocked in awaitRemoteTool observes ctx cancellation
// directly and drops its own bridge registration.
func (c *ChatModel) Cancel() {
	c.cancelled.Store(true)
}

// Execute runs the tool-use loop until the model emits a final answer
// with no further tool calls, the context is cancelled, Cancel is called,
// or maxIterations is exceeded.
func (c *ChatModel) Execute(ctx context.Context, req Request, events chan<- WorkerEvent) error {
	c.cancelled.Store(false)
	history := append([]agent.CompletionMessage(nil), req.History...)

	for iteration := 0; iteration < c.maxIterations; iteration++ {
		if c.cancelled.Load() || ctx.Err() != nil {
			return context.Canceled
		}

		completion := &agent.CompletionRequest{
			Model:     req.ModelID,
			System:    req.SystemPrompt,
			Messages:  history,
			Tools:     req.Tools,
			MaxTokens: req.MaxTokens,
		}

		chunks, err := c.provider.Complete(ctx, completion)
		if err != nil {
			events <- WorkerEvent{Kind: EventError, Err: err}
			return err
		}

		var textBuilder []byte
		var pendingCalls []models.ToolCall
		var inputTokens, outputTokens int
		var cost *float64

		for chunk := range chunks {
			if c.cancelled.Load() {
				return context.Canceled
			}
			switch {
			case chunk.Error != nil:
				werr := agent.NewWorkerError(c.provider.Name(), chunk.Error)
				events <- WorkerEvent{Kind: EventError, Err: werr}
				return werr
			case chunk.ThinkingStart, chunk.Thinking != "":
				if chunk.Thinking != "" {
					events <- WorkerEvent{Kind: EventThinking, Thinking: chunk.Thinking}
				}
			case chunk.ToolCall != nil:
				pendingCalls = append(pendingCalls, *chunk.ToolCall)
				events <- WorkerEvent{Kind: EventToolCall, ToolCall: chunk.ToolCall}
			case chunk.Text != "":
				textBuilder = append(textBuilder, chunk.Text...)
				events <- WorkerEvent{Kind: EventContent, Content: chunk.Text}
			}
			if chunk.Done {
				inputTokens = chunk.InputTokens
				outputTokens = chunk.OutputTokens
				cost = chunk.Cost
			}
		}

		assistantMsg := agent.CompletionMessage{Role: "assistant", Content: string(textBuilder)}
		if len(pendingCalls) > 0 {
			assistantMsg.ToolCalls = pendingCalls
		}
		history = append(history, assistantMsg)

		if len(pendingCalls) == 0 {
			events <- WorkerEvent{Kind: EventComplete, InputTokens: inputTokens, OutputTokens: outputTokens, Cost: cost}
			return nil
		}

		var localCalls, remoteCalls []models.ToolCall
		toolResults := make([]models.ToolResult, 0, len(pendingCalls))
		for _, call := range pendingCalls {
			if blocked, result := c.checkApproval(ctx, events, call); blocked {
				toolResults = append(toolResults, result)
				continue
			}
			if _, ok := c.tools.Get(call.Name); ok {
				localCalls = append(localCalls, call)
			} else {
				remoteCalls = append(remoteCalls, call)
			}
		}

		if len(localCalls) > 0 {
			for _, r := range c.toolExec.ExecuteConcurrently(ctx, localCalls, nil) {
				toolResults = append(toolResults, r.Result)
			}
		}
		for _, call := range remoteCalls {
			toolResults = append(toolResults, c.awaitRemoteTool(ctx, call))
		}

		toolMsg := agent.CompletionMessage{Role: "tool"}
		for i := range toolResults {
			truncateToolResult(&toolResults[i])
			toolResults[i] = c.resultGuard.Apply(resultToolName(pendingCalls, toolResults[i]), toolResults[i], nil)
			events <- WorkerEvent{Kind: EventToolResult, ToolResult: &toolResults[i]}
			toolMsg.ToolResults = append(toolMsg.ToolResults, toolResults[i])
		}
		history = append(history, toolMsg)
	}

	err := agent.ErrMaxIterations
	events <- WorkerEvent{Kind: EventError, Err: err}
	return err
}

// awaitRemoteTool dispatches a tool call the local registry has no
// handler for to the UI via the Tool-Execution Bridge, blocking until the
// UI submits a result, the context is cancelled, or toolExecutionTimeout
// elapses. If no bridge is attached, the call fails immediately.
func (c *ChatModel) awaitRemoteTool(ctx context.Context, call models.ToolCall) models.ToolResult {
	if c.bridge == nil {
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %q is not locally registered and no remote bridge is configured", call.Name),
			IsError:    true,
		}
	}

	receiver := c.bridge.Register(call.ID)
	timer := time.NewTimer(toolExecutionTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.bridge.Drop(call.ID)
		return models.ToolResult{ToolCallID: call.ID, Content: ctx.Err().Error(), IsError: true}
	case <-timer.C:
		c.bridge.Drop(call.ID)
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("remote tool %q timed out after %s", call.Name, toolExecutionTimeout),
			IsError:    true,
		}
	case res := <-receiver:
		return models.ToolResult{ToolCallID: call.ID, Content: res.Content, IsError: res.IsError}
	}
}

// approvalPollInterval bounds how often checkApproval re-checks a pending
// approval request's decision while it waits.
const approvalPollInterval = 250 * time.Millisecond

// checkApproval evaluates call against the attached approval policy. When no
// checker is attached it reports not-blocked so callers fall through to
// their normal local/remote dispatch. A denied call short-circuits with an
// error result; a pending call emits a permission_request event and blocks
// (polling the approval store) until the request is resolved, the context
// is cancelled, or it expires.
func (c *ChatModel) checkApproval(ctx context.Context, events chan<- WorkerEvent, call models.ToolCall) (bool, models.ToolResult) {
	if c.approvals == nil {
		return false, models.ToolResult{}
	}

	decision, reason := c.approvals.Check(ctx, c.agentID, call)
	switch decision {
	case agent.ApprovalAllowed:
		return false, models.ToolResult{}
	case agent.ApprovalDenied:
		return true, models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("tool call denied: %s", reason), IsError: true}
	default: // ApprovalPending
		return c.awaitApproval(ctx, events, call, reason)
	}
}

// awaitApproval creates a pending approval request, surfaces it to the UI as
// a permission_request, and polls the store until the request is approved,
// denied, expires, or the context ends. It returns blocked=false (dispatch
// proceeds normally) only when the request is approved.
func (c *ChatModel) awaitApproval(ctx context.Context, events chan<- WorkerEvent, call models.ToolCall, reason string) (bool, models.ToolResult) {
	req, err := c.approvals.CreateApprovalRequest(ctx, c.agentID, "", call, reason)
	if err != nil {
		return true, models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("approval request failed: %v", err), IsError: true}
	}

	events <- WorkerEvent{Kind: EventPermissionRequest, RequestID: req.ID, Content: call.Name, Options: []string{"allow", "deny"}}

	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(toolExecutionTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, models.ToolResult{ToolCallID: call.ID, Content: ctx.Err().Error(), IsError: true}
		case <-deadline.C:
			return true, models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("approval for %q timed out", call.Name), IsError: true}
		case <-ticker.C:
			current, err := c.approvals.GetRequest(ctx, req.ID)
			if err != nil || current == nil {
				continue
			}
			switch current.Decision {
			case agent.ApprovalAllowed:
				return false, models.ToolResult{}
			case agent.ApprovalDenied:
				return true, models.ToolResult{ToolCallID: call.ID, Content: "tool call denied by approver", IsError: true}
			}
		}
	}
}

// resultToolName resolves the tool name for a result by matching its
// ToolCallID back against the calls issued this round, for guard rules that
// key on tool name rather than call id.
func resultToolName(calls []models.ToolCall, result models.ToolResult) string {
	for _, call := range calls {
		if call.ID == result.ToolCallID {
			return call.Name
		}
	}
	return ""
}

// truncateToolResult caps a tool result's content at
// maxToolResultContextBytes before it re-enters the conversation history
// sent back to the model, so one oversized result can't blow out context.
func truncateToolResult(r *models.ToolResult) {
	if len(r.Content) <= maxToolResultContextBytes {
		return
	}
	r.Content = r.Content[:maxToolResultContextBytes] + "\n...[truncated]"
}

// McpPublisher is a ChatModel scoped to the tools published by a single
// MCP publisher slug. The orchestrator routes to it instead of a plain
// ChatModel when the classified task's required tools are all published
// by one MCP server, so the registry only ever exposes that publisher's
// tool surface.
type McpPublisher struct {
	*ChatModel
	Slug string
}

// NewMcpPublisher wraps a ChatModel scoped to slug's routing path. When
// provider implements agent.PublisherScoped (every provider that fronts the
// gateway's /publishers/{slug}/chat/completions routes), the request path
// is rewritten accordingly; otherwise the publisher is scoped in name only
// and requests fall through to the provider's default endpoint.
func NewMcpPublisher(slug string, provider agent.LLMProvider, tools *agent.ToolRegistry, toolExec *agent.ToolExecutor, maxIterations int) *McpPublisher {
	if scoped, ok := provider.(agent.PublisherScoped); ok {
		provider = scoped.ForPublisher(slug)
	}
	return &McpPublisher{
		ChatModel: NewChatModel(provider, tools, toolExec, maxIterations),
		Slug:      slug,
	}
}

// AcpSession is the narrow slice of an ACP agent session the worker
// adapter needs: send a prompt, receive session updates, and cancel the
// in-flight turn.
type AcpSession interface {
	Prompt(ctx context.Context, text string) error
	Updates() <-chan AcpUpdate
	Cancel(ctx context.Context) error
}

// AcpUpdate is the minimal session_update shape the adapter translates
// into WorkerEvents; the full protocol type lives in package acp.
type AcpUpdate struct {
	Kind       EventKind
	Text       string
	DiffPath   string
	DiffText   string
	ToolCall   *models.ToolCall
	ToolResult *models.ToolResult
	RequestID  string
	Options    []string
	ProposalID string
	Err        error
	Done       bool
}

// AcpAgent adapts an ACP coding-agent session to the Worker interface so
// the orchestrator can treat it identically to a ChatModel.
type AcpAgent struct {
	session AcpSession
}

// NewAcpAgent wraps an active ACP session as a Worker.
func NewAcpAgent(session AcpSession) *AcpAgent {
	return &AcpAgent{session: session}
}

// Cancel forwards cancellation to the underlying ACP session using a
// background context, matching the fire-and-forget semantics of the ACP
// cancel notification.
func (a *AcpAgent) Cancel() {
	_ = a.session.Cancel(context.Background())
}

// Execute sends the latest user turn as a prompt and relays session
// updates as WorkerEvents until the agent reports the turn complete or
// the context ends.
func (a *AcpAgent) Execute(ctx context.Context, req Request, events chan<- WorkerEvent) error {
	prompt := lastUserText(req.History)
	if err := a.session.Prompt(ctx, prompt); err != nil {
		events <- WorkerEvent{Kind: EventError, Err: err}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-a.session.Updates():
			if !ok {
				return fmt.Errorf("acp agent: session closed before turn completed")
			}
			if upd.Err != nil {
				events <- WorkerEvent{Kind: EventError, Err: upd.Err}
				return upd.Err
			}
			events <- toWorkerEvent(upd)
			if upd.Done {
				return nil
			}
		}
	}
}

func toWorkerEvent(u AcpUpdate) WorkerEvent {
	switch u.Kind {
	case EventDiff:
		return WorkerEvent{Kind: EventDiff, DiffPath: u.DiffPath, DiffText: u.DiffText}
	case EventToolCall:
		return WorkerEvent{Kind: EventToolCall, ToolCall: u.ToolCall}
	case EventToolResult:
		return WorkerEvent{Kind: EventToolResult, ToolResult: u.ToolResult}
	case EventThinking:
		return WorkerEvent{Kind: EventThinking, Thinking: u.Text}
	case EventPermissionRequest:
		return WorkerEvent{Kind: EventPermissionRequest, RequestID: u.RequestID, Content: u.Text, Options: u.Options}
	case EventDiffProposal:
		return WorkerEvent{Kind: EventDiffProposal, ProposalID: u.ProposalID, DiffPath: u.DiffPath, DiffText: u.DiffText}
	case EventComplete:
		return WorkerEvent{Kind: EventComplete}
	default:
		return WorkerEvent{Kind: EventContent, Content: u.Text}
	}
}

func lastUserText(history []agent.CompletionMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}

// MarshalToolArgs is a small helper used by callers constructing synthetic
// tool calls (e.g. for testing or for the ACP adapter's terminal tool
// bridge) so they don't each reimplement JSON marshaling with error
// swallowing.
func MarshalToolArgs(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
