package acp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/orchestrator-core/internal/agent/worker"
)

// sessionAgentScript answers session/new and session/prompt, then emits
// one content chunk and a turn_complete notification, exercising the
// full handshake -> prompt -> update relay path.
const sessionAgentScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(echo "$line" | sed -n 's/.*"method":"\([a-z_\/]*\)".*/\1/p')
  if [ "$method" = "session/prompt" ]; then
    echo "{\"jsonrpc\":\"2.0\",\"method\":\"session/update\",\"params\":{\"kind\":\"agent_message_chunk\",\"text\":\"working on it\"}}"
    echo "{\"jsonrpc\":\"2.0\",\"method\":\"session/update\",\"params\":{\"kind\":\"turn_complete\"}}"
  fi
  if [ -n "$id" ]; then
    echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{}}"
  fi
done
`

func TestSessionConnectAndPrompt(t *testing.T) {
	session := NewSession("sess-1", SessionConfig{
		Command: "sh",
		Args:    []string{"-c", sessionAgentScript},
	})

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer session.Terminate()

	if err := session.Prompt(context.Background(), "fix the failing test"); err != nil {
		t.Fatalf("Prompt() error: %v", err)
	}

	var gotContent, gotComplete bool
	timeout := time.After(5 * time.Second)
	for !gotComplete {
		select {
		case upd := <-session.Updates():
			if upd.Text == "working on it" {
				gotContent = true
			}
			if upd.Done {
				gotComplete = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for session updates")
		}
	}
	if !gotContent {
		t.Error("expected a content update before completion")
	}
}

func TestSessionConnectHandshakeFailure(t *testing.T) {
	session := NewSession("sess-2", SessionConfig{
		Command: "sh",
		Args:    []string{"-c", "echo not-json-at-all; sleep 0.2"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := session.Connect(ctx); err == nil {
		t.Error("expected handshake failure")
		session.Terminate()
	}
}

func TestSessionTranslateSessionUpdate(t *testing.T) {
	session := NewSession("sess-3", SessionConfig{Command: "true"})

	params, _ := json.Marshal(sessionUpdateParams{Kind: "tool_call", ToolCallID: "tc-1", ToolName: "shell"})
	upd := session.translateSessionUpdate(params)
	if upd.ToolCall == nil || upd.ToolCall.ID != "tc-1" {
		t.Fatalf("expected tool call update with ID tc-1, got %+v", upd)
	}

	params, _ = json.Marshal(sessionUpdateParams{Kind: "diff", DiffPath: "main.go", DiffText: "+x"})
	upd = session.translateSessionUpdate(params)
	if upd.DiffPath != "main.go" {
		t.Fatalf("expected diff update, got %+v", upd)
	}
}

func TestSessionHandlePermissionRequestAwaitsResponse(t *testing.T) {
	session := NewSession("sess-4", SessionConfig{Command: "true"})

	params, _ := json.Marshal(PermissionRequest{ToolCallID: "tc-9", Description: "delete file", Options: []string{"allow", "deny"}})

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := session.handlePermissionRequest(context.Background(), params)
		resultCh <- result
		errCh <- err
	}()

	var upd worker.AcpUpdate
	select {
	case u := <-session.Updates():
		upd = u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for permission_request update")
	}
	if upd.RequestID == "" {
		t.Fatal("expected a non-empty request id on the permission_request update")
	}

	if !session.RespondToPermission(upd.RequestID, "allow") {
		t.Fatal("RespondToPermission() returned false for a known request id")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("handlePermissionRequest() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlePermissionRequest to return")
	}

	var resp map[string]string
	if err := json.Unmarshal(<-resultCh, &resp); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if resp["outcome"] != "allow" {
		t.Errorf("outcome = %q, want allow", resp["outcome"])
	}

	if session.RespondToPermission(upd.RequestID, "allow") {
		t.Error("RespondToPermission() returned true for an already-answered request id")
	}
}

func TestSessionHandlePermissionRequestTimesOutAsDenied(t *testing.T) {
	session := NewSession("sess-5", SessionConfig{Command: "true"})
	session.mediationTimeoutOverride = 50 * time.Millisecond

	params, _ := json.Marshal(PermissionRequest{ToolCallID: "tc-1"})
	result, err := session.handlePermissionRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("handlePermissionRequest() error: %v", err)
	}

	var resp map[string]string
	json.Unmarshal(result, &resp)
	if resp["outcome"] != "denied" {
		t.Errorf("outcome = %q, want denied after timeout", resp["outcome"])
	}
}

func TestSessionHandleReadFileRequiresHandler(t *testing.T) {
	session := NewSession("sess-6", SessionConfig{Command: "true"})

	params, _ := json.Marshal(map[string]string{"path": "/etc/passwd"})
	if _, err := session.handleReadFile(context.Background(), params); err == nil {
		t.Error("expected error with no OnReadFile handler configured")
	}
}
