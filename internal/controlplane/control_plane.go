package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/orchestrator-core/internal/agent/acp"
	"github.com/haasonsaas/orchestrator-core/internal/agent/bridge"
	"github.com/haasonsaas/orchestrator-core/internal/agent/orchestrator"
	"github.com/haasonsaas/orchestrator-core/internal/agent/routing"
)

const (
	controlPlaneMaxPayloadBytes = 1 << 20
	controlPlaneWriteWait       = 10 * time.Second
	controlPlanePongWait        = 45 * time.Second
	controlPlanePingInterval    = 15 * time.Second
)

// frame is the envelope every control-plane WebSocket message uses,
// tagged by Type so one connection can carry prompt requests alongside
// transition and event notifications without separate sockets.
type frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Event  string          `json:"event,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type promptParams struct {
	ConversationID  string   `json:"conversationId"`
	MessageID       string   `json:"messageId"`
	Prompt          string   `json:"prompt"`
	AvailableModels []string `json:"availableModels"`
	SelectedModel   string   `json:"selectedModel"`
	DefaultModel    string   `json:"defaultModel"`
	HasAcpAgent     bool     `json:"hasAcpAgent"`
}

type cancelParams struct {
	ConversationID string `json:"conversationId"`
}

type submitToolResultParams struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError"`
}

type respondToPermissionParams struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId"`
}

type respondToDiffProposalParams struct {
	SessionID  string `json:"sessionId"`
	ProposalID string `json:"proposalId"`
	Accepted   bool   `json:"accepted"`
}

// ControlPlane serves the WebSocket connection the desktop UI drives one
// conversation over: it accepts a "prompt" frame, runs it through the
// orchestrator, and streams back "transition" and "event" frames until
// the turn resolves.
type ControlPlane struct {
	orch   *orchestrator.Orchestrator
	acp    *acp.Manager
	bridge *bridge.Bridge
	addr   string
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewControlPlane builds a ControlPlane bound to addr (host:port). The
// bridge is the same instance handed to the worker factory's ChatModels,
// so a "submit_tool_result" frame reaches the goroutine awaiting that
// tool call regardless of which conversation it belongs to.
func NewControlPlane(orch *orchestrator.Orchestrator, acpManager *acp.Manager, toolBridge *bridge.Bridge, addr string) *ControlPlane {
	return &ControlPlane{
		orch:   orch,
		acp:    acpManager,
		bridge: toolBridge,
		addr:   addr,
		logger: slog.Default().With("component", "control_plane"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ListenAndServe blocks serving the control plane until ctx is
// cancelled or the listener fails.
func (c *ControlPlane) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", c.handleHealthz)
	mux.HandleFunc("/ws", c.handleWS)

	listener, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	c.mu.Lock()
	c.server = server
	c.listener = listener
	c.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	select {
	case <-ctx.Done():
		return c.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown drains in-flight connections with a bounded grace period.
func (c *ControlPlane) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (c *ControlPlane) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (c *ControlPlane) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(controlPlaneMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(controlPlanePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(controlPlanePongWait))
	})

	writeMu := &sync.Mutex{}
	writeFrame := func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(controlPlaneWriteWait))
		return conn.WriteJSON(f)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.pingLoop(ctx, conn, writeMu)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case "prompt":
			go c.handlePrompt(ctx, f, writeFrame)
		case "cancel":
			c.handleCancel(f)
		case "submit_tool_result":
			c.handleSubmitToolResult(f, writeFrame)
		case "respond_to_permission":
			c.handleRespondToPermission(f, writeFrame)
		case "respond_to_diff_proposal":
			c.handleRespondToDiffProposal(f, writeFrame)
		}
	}
}

func (c *ControlPlane) pingLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) {
	ticker := time.NewTicker(controlPlanePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(controlPlaneWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *ControlPlane) handlePrompt(ctx context.Context, f frame, writeFrame func(frame) error) {
	var p promptParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		_ = writeFrame(errorFrame(f.ID, "bad_request", err.Error()))
		return
	}

	caps := routing.UserCapabilities{
		AvailableModels: p.AvailableModels,
		SelectedModel:   p.SelectedModel,
		DefaultModel:    p.DefaultModel,
		HasAcpAgent:     p.HasAcpAgent,
	}

	transitions := make(chan orchestrator.Transition, 8)
	envelopes := make(chan orchestrator.Envelope, 32)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case t, ok := <-transitions:
				if !ok {
					transitions = nil
					continue
				}
				_ = writeFrame(frame{Type: "transition", ID: f.ID, Result: mustJSON(t)})
			case e, ok := <-envelopes:
				if !ok {
					return
				}
				_ = writeFrame(frame{Type: "event", ID: f.ID, Result: mustJSON(e.Event)})
			}
		}
	}()

	err := c.orch.Orchestrate(ctx, orchestrator.Request{
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		Prompt:         p.Prompt,
		Capabilities:   caps,
	}, transitions, envelopes)
	close(transitions)
	close(envelopes)
	<-done

	if err != nil {
		_ = writeFrame(errorFrame(f.ID, "orchestrate_failed", err.Error()))
		return
	}
	ok := true
	_ = writeFrame(frame{Type: "response", ID: f.ID, OK: &ok})
}

func (c *ControlPlane) handleCancel(f frame) {
	var p cancelParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		return
	}
	c.orch.Cancel(p.ConversationID)
}

// handleSubmitToolResult delivers a UI-executed remote tool's result to
// the bridge goroutine awaiting it in ChatModel.Execute.
func (c *ControlPlane) handleSubmitToolResult(f frame, writeFrame func(frame) error) {
	var p submitToolResultParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		_ = writeFrame(errorFrame(f.ID, "bad_request", err.Error()))
		return
	}
	if c.bridge == nil || !c.bridge.Submit(p.ToolCallID, p.Content, p.IsError) {
		_ = writeFrame(errorFrame(f.ID, "unknown_tool_call", "no tool call is awaiting this result"))
		return
	}
	ok := true
	_ = writeFrame(frame{Type: "response", ID: f.ID, OK: &ok})
}

func (c *ControlPlane) handleRespondToPermission(f frame, writeFrame func(frame) error) {
	var p respondToPermissionParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		_ = writeFrame(errorFrame(f.ID, "bad_request", err.Error()))
		return
	}
	sess, ok := c.acp.Get(p.SessionID)
	if !ok || !sess.RespondToPermission(p.RequestID, p.OptionID) {
		_ = writeFrame(errorFrame(f.ID, "unknown_request", "no pending permission request with that id"))
		return
	}
	okResp := true
	_ = writeFrame(frame{Type: "response", ID: f.ID, OK: &okResp})
}

func (c *ControlPlane) handleRespondToDiffProposal(f frame, writeFrame func(frame) error) {
	var p respondToDiffProposalParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		_ = writeFrame(errorFrame(f.ID, "bad_request", err.Error()))
		return
	}
	sess, ok := c.acp.Get(p.SessionID)
	if !ok || !sess.RespondToDiffProposal(p.ProposalID, p.Accepted) {
		_ = writeFrame(errorFrame(f.ID, "unknown_proposal", "no pending diff proposal with that id"))
		return
	}
	okResp := true
	_ = writeFrame(frame{Type: "response", ID: f.ID, OK: &okResp})
}

func errorFrame(id, code, message string) frame {
	ok := false
	return frame{Type: "response", ID: id, OK: &ok, Error: &frameError{Code: code, Message: message}}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}
