package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/orchestrator-core/internal/agent/worker"
	"github.com/haasonsaas/orchestrator-core/pkg/models"
)

// mediationTimeout bounds how long a pending permission request or diff
// proposal waits for a UI response before it is treated as denied/rejected.
const mediationTimeout = 5 * time.Minute

func toolCallFrom(p sessionUpdateParams) models.ToolCall {
	return models.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Input: p.ToolInput}
}

func toolResultFrom(p sessionUpdateParams) models.ToolResult {
	return models.ToolResult{ToolCallID: p.ToolCallID, Content: p.ToolOutput, IsError: p.IsError}
}

// handshakeTimeout bounds how long Connect waits for the agent's initial
// session/new response before giving up and composing an error from the
// captured stderr tail.
const handshakeTimeout = 30 * time.Second

// PermissionRequest mirrors the params of an inbound request_permission
// call: the agent is asking whether it may perform a described action.
type PermissionRequest struct {
	ToolCallID  string   `json:"tool_call_id"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
}

// FileReader and FileWriter satisfy the agent's fs/read_text_file and
// fs/write_text_file inbound requests against the session's working
// directory.
type FileReader func(ctx context.Context, path string) (string, error)
type FileWriter func(ctx context.Context, path string, content string) error

// SessionConfig parameterizes a new Session. Permission requests and write
// diff proposals are always mediated through worker update events and the
// RespondToPermission/RespondToDiffProposal methods rather than a
// synchronous callback, so the UI stays the single approval authority.
type SessionConfig struct {
	AgentType   string
	Command     string
	Args        []string
	Cwd         string
	Env         map[string]string
	OnReadFile  FileReader
	OnWriteFile FileWriter
	Terminals   *TerminalManager
}

// Session is one live ACP conversation with a spawned coding-agent
// subprocess. It implements worker.AcpSession so the orchestrator can
// drive it through worker.AcpAgent without special-casing ACP.
type Session struct {
	id        string
	cfg       SessionConfig
	transport *Transport
	logger    *slog.Logger

	updates chan worker.AcpUpdate

	mu                   sync.Mutex
	cancelled            bool
	mode                 string
	pendingPermissions   map[string]chan string
	pendingDiffProposals map[string]chan bool

	// mediationTimeoutOverride lets tests shrink mediationTimeout; zero
	// means use the package default.
	mediationTimeoutOverride time.Duration

	closeOnce sync.Once
}

func (s *Session) mediationTimeout() time.Duration {
	if s.mediationTimeoutOverride > 0 {
		return s.mediationTimeoutOverride
	}
	return mediationTimeout
}

// NewSession constructs a Session without connecting it. Call Connect to
// spawn the subprocess and perform the session/new handshake.
func NewSession(id string, cfg SessionConfig) *Session {
	s := &Session{
		id:                   id,
		cfg:                  cfg,
		logger:               slog.Default().With("session_id", id, "agent_type", cfg.AgentType),
		updates:              make(chan worker.AcpUpdate, 64),
		mode:                 "default",
		pendingPermissions:   make(map[string]chan string),
		pendingDiffProposals: make(map[string]chan bool),
	}
	s.transport = NewTransport(cfg.Command, cfg.Args, cfg.Cwd, cfg.Env, s.handleInboundRequest)
	return s
}

// ID returns the session identifier used to look it up in a Manager.
func (s *Session) ID() string { return s.id }

// Connect spawns the subprocess, starts relaying its notifications into
// session updates, and performs the session/new handshake within
// handshakeTimeout. On handshake failure it composes an error from the
// subprocess's last 50 stderr lines.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("acp session %s: %w", s.id, err)
	}

	go s.relayNotifications()

	handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, err := s.transport.Call(handshakeCtx, "session/new", map[string]any{
		"cwd": s.cfg.Cwd,
	}, handshakeTimeout)
	if err != nil {
		tail := strings.Join(s.transport.StderrTail(), "\n")
		if isAuthFailure(err.Error()) {
			return fmt.Errorf("acp session %s: authentication required: %w", s.id, err)
		}
		if tail != "" {
			return fmt.Errorf("acp session %s: handshake failed: %w\nstderr:\n%s", s.id, err, tail)
		}
		return fmt.Errorf("acp session %s: handshake failed: %w", s.id, err)
	}

	s.logger.Info("acp session established")
	return nil
}

// Prompt sends the user's latest turn to the agent. It satisfies
// worker.AcpSession.
func (s *Session) Prompt(ctx context.Context, text string) error {
	_, err := s.transport.Call(ctx, "session/prompt", map[string]any{
		"session_id": s.id,
		"prompt":     text,
	}, 0)
	return err
}

// Updates satisfies worker.AcpSession, exposing the stream of translated
// session notifications.
func (s *Session) Updates() <-chan worker.AcpUpdate {
	return s.updates
}

// Cancel sends an in-flight-turn cancellation notification. Per the ACP
// protocol this is fire-and-forget and is not itself a reroutable
// failure: the agent is expected to wind down and emit a final update.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	return s.transport.Notify("session/cancel", map[string]any{"session_id": s.id})
}

// SetMode switches the session's permission mode (e.g. "default",
// "accept_edits", "bypass_permissions", "plan").
func (s *Session) SetMode(ctx context.Context, mode string) error {
	_, err := s.transport.Call(ctx, "session/set_mode", map[string]any{
		"session_id": s.id,
		"mode":       mode,
	}, 10*time.Second)
	if err == nil {
		s.mu.Lock()
		s.mode = mode
		s.mu.Unlock()
	}
	return err
}

// Terminate tears down the session's subprocess and transport. The
// update channel is closed by relayNotifications once the transport's
// notification stream drains, so callers should stop reading from
// Updates() after this returns rather than relying on an immediate close.
func (s *Session) Terminate() error {
	return s.transport.Close()
}

func (s *Session) relayNotifications() {
	defer s.closeUpdatesOnce()
	for notif := range s.transport.Notifications() {
		upd := s.translateNotification(notif)
		select {
		case s.updates <- upd:
		default:
			s.logger.Warn("update channel full, dropping notification", "method", notif.Method)
		}
		if upd.Done {
			return
		}
	}
}

func (s *Session) closeUpdatesOnce() {
	s.closeOnce.Do(func() { close(s.updates) })
}

func (s *Session) translateNotification(notif *JSONRPCNotification) worker.AcpUpdate {
	switch notif.Method {
	case "session/update":
		return s.translateSessionUpdate(notif.Params)
	default:
		return worker.AcpUpdate{Kind: worker.EventContent, Text: ""}
	}
}

type sessionUpdateParams struct {
	Kind       string          `json:"kind"`
	Text       string          `json:"text"`
	DiffPath   string          `json:"diff_path"`
	DiffText   string          `json:"diff_text"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input"`
	ToolOutput string          `json:"tool_output"`
	IsError    bool            `json:"is_error"`
	StopReason string          `json:"stop_reason"`
}

func (s *Session) translateSessionUpdate(params json.RawMessage) worker.AcpUpdate {
	var p sessionUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return worker.AcpUpdate{Kind: worker.EventError, Err: fmt.Errorf("acp session %s: malformed update: %w", s.id, err)}
	}

	switch p.Kind {
	case "agent_message_chunk", "assistant_message":
		return worker.AcpUpdate{Kind: worker.EventContent, Text: p.Text}
	case "agent_thought_chunk":
		return worker.AcpUpdate{Kind: worker.EventThinking, Text: p.Text}
	case "tool_call":
		tc := toolCallFrom(p)
		return worker.AcpUpdate{Kind: worker.EventToolCall, ToolCall: &tc}
	case "tool_call_update":
		tr := toolResultFrom(p)
		return worker.AcpUpdate{Kind: worker.EventToolResult, ToolResult: &tr}
	case "diff":
		return worker.AcpUpdate{Kind: worker.EventDiff, DiffPath: p.DiffPath, DiffText: p.DiffText}
	case "turn_complete", "stop":
		return worker.AcpUpdate{Kind: worker.EventComplete, Done: true}
	default:
		return worker.AcpUpdate{Kind: worker.EventContent, Text: p.Text}
	}
}

func (s *Session) handleInboundRequest(ctx context.Context, req InboundRequest) (json.RawMessage, error) {
	switch req.Method {
	case "session/request_permission":
		return s.handlePermissionRequest(ctx, req.Params)
	case "fs/read_text_file":
		return s.handleReadFile(ctx, req.Params)
	case "fs/write_text_file":
		return s.handleWriteFile(ctx, req.Params)
	case "terminal/create", "terminal/output", "terminal/wait_for_exit", "terminal/kill", "terminal/release":
		if s.cfg.Terminals == nil {
			return nil, fmt.Errorf("acp session %s: no terminal manager configured", s.id)
		}
		return s.cfg.Terminals.Handle(ctx, s.id, req.Method, req.Params)
	default:
		return nil, fmt.Errorf("acp session %s: unsupported inbound method %q", s.id, req.Method)
	}
}

// handlePermissionRequest mediates an inbound session/request_permission
// call through the UI rather than deciding synchronously: it registers a
// reply channel keyed by a generated request_id, emits a
// worker.EventPermissionRequest update carrying that id and the available
// options, and blocks until RespondToPermission delivers an answer, the
// context is cancelled, or mediationTimeout elapses (treated as denied).
func (s *Session) handlePermissionRequest(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p PermissionRequest
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("malformed permission request: %w", err)
	}

	requestID := uuid.NewString()
	reply := make(chan string, 1)
	s.mu.Lock()
	s.pendingPermissions[requestID] = reply
	s.mu.Unlock()

	s.emitUpdate(worker.AcpUpdate{
		Kind:      worker.EventPermissionRequest,
		RequestID: requestID,
		Text:      p.Description,
		Options:   p.Options,
	})

	timer := time.NewTimer(s.mediationTimeout())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.dropPermission(requestID)
		return nil, ctx.Err()
	case <-timer.C:
		s.dropPermission(requestID)
		return json.Marshal(map[string]string{"outcome": "denied"})
	case optionID := <-reply:
		return json.Marshal(map[string]string{"outcome": optionID})
	}
}

// RespondToPermission delivers a UI decision for a pending permission
// request. It returns false if requestID has no pending request (already
// answered, timed out, or unknown).
func (s *Session) RespondToPermission(requestID, optionID string) bool {
	s.mu.Lock()
	reply, ok := s.pendingPermissions[requestID]
	if ok {
		delete(s.pendingPermissions, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	reply <- optionID
	return true
}

func (s *Session) dropPermission(requestID string) {
	s.mu.Lock()
	delete(s.pendingPermissions, requestID)
	s.mu.Unlock()
}

// RespondToDiffProposal delivers a UI accept/reject decision for a pending
// write_text_file diff proposal. It returns false if proposalID has no
// pending proposal.
func (s *Session) RespondToDiffProposal(proposalID string, accepted bool) bool {
	s.mu.Lock()
	reply, ok := s.pendingDiffProposals[proposalID]
	if ok {
		delete(s.pendingDiffProposals, proposalID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	reply <- accepted
	return true
}

func (s *Session) dropDiffProposal(proposalID string) {
	s.mu.Lock()
	delete(s.pendingDiffProposals, proposalID)
	s.mu.Unlock()
}

// emitUpdate forwards an update to the session's channel, dropping it with
// a warning if the channel is full rather than blocking the transport's
// read loop.
func (s *Session) emitUpdate(upd worker.AcpUpdate) {
	select {
	case s.updates <- upd:
	default:
		s.logger.Warn("update channel full, dropping mediation event", "kind", upd.Kind)
	}
}

func (s *Session) handleReadFile(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("malformed read_text_file request: %w", err)
	}
	if s.cfg.OnReadFile == nil {
		return nil, fmt.Errorf("file read not permitted")
	}
	content, err := s.cfg.OnReadFile(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"content": content})
}

// handleWriteFile mediates an inbound fs/write_text_file call as a diff
// proposal rather than applying it unconditionally: it registers a reply
// channel keyed by a generated proposal_id, emits a
// worker.EventDiffProposal update carrying the path and content, and blocks
// for the UI's accept/reject decision before invoking OnWriteFile.
func (s *Session) handleWriteFile(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("malformed write_text_file request: %w", err)
	}
	if s.cfg.OnWriteFile == nil {
		return nil, fmt.Errorf("file write not permitted")
	}

	proposalID := uuid.NewString()
	reply := make(chan bool, 1)
	s.mu.Lock()
	s.pendingDiffProposals[proposalID] = reply
	s.mu.Unlock()

	s.emitUpdate(worker.AcpUpdate{
		Kind:       worker.EventDiffProposal,
		ProposalID: proposalID,
		DiffPath:   p.Path,
		DiffText:   p.Content,
	})

	timer := time.NewTimer(s.mediationTimeout())
	defer timer.Stop()

	var accepted bool
	select {
	case <-ctx.Done():
		s.dropDiffProposal(proposalID)
		return nil, ctx.Err()
	case <-timer.C:
		s.dropDiffProposal(proposalID)
		return nil, fmt.Errorf("acp session %s: diff proposal %s timed out awaiting review", s.id, proposalID)
	case accepted = <-reply:
	}

	if !accepted {
		return nil, fmt.Errorf("acp session %s: diff proposal %s rejected", s.id, proposalID)
	}
	if err := s.cfg.OnWriteFile(ctx, p.Path, p.Content); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]bool{"ok": true})
}
