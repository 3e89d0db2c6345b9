package acp

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestTerminalManagerCreateOutputAndWait(t *testing.T) {
	m := NewTerminalManager()

	createParams, _ := json.Marshal(terminalCreateParams{Command: "sh", Args: []string{"-c", "echo hello"}})
	result, err := m.Handle(context.Background(), "sess-1", "terminal/create", createParams)
	if err != nil {
		t.Fatalf("terminal/create error: %v", err)
	}

	var created map[string]string
	json.Unmarshal(result, &created)
	termID := created["terminal_id"]
	if termID == "" {
		t.Fatal("expected non-empty terminal_id")
	}

	var exited bool
	deadline := time.After(3 * time.Second)
	for !exited {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for terminal to exit")
		}
		idParams, _ := json.Marshal(terminalIDParams{TerminalID: termID})
		out, err := m.Handle(context.Background(), "sess-1", "terminal/output", idParams)
		if err != nil {
			t.Fatalf("terminal/output error: %v", err)
		}
		var resp map[string]any
		json.Unmarshal(out, &resp)
		if _, ok := resp["exit_status"]; ok {
			exited = true
			if resp["output"] != "hello\n" {
				t.Errorf("output = %q, want %q", resp["output"], "hello\n")
			}
		}
	}
}

func TestTerminalManagerUnknownSession(t *testing.T) {
	m := NewTerminalManager()
	idParams, _ := json.Marshal(terminalIDParams{TerminalID: "term-1"})
	if _, err := m.Handle(context.Background(), "no-such-session", "terminal/output", idParams); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestTerminalManagerRelease(t *testing.T) {
	m := NewTerminalManager()
	createParams, _ := json.Marshal(terminalCreateParams{Command: "sh", Args: []string{"-c", "sleep 1"}})
	result, err := m.Handle(context.Background(), "sess-2", "terminal/create", createParams)
	if err != nil {
		t.Fatalf("terminal/create error: %v", err)
	}
	var created map[string]string
	json.Unmarshal(result, &created)

	idParams, _ := json.Marshal(terminalIDParams{TerminalID: created["terminal_id"]})
	if _, err := m.Handle(context.Background(), "sess-2", "terminal/kill", idParams); err != nil {
		t.Fatalf("terminal/kill error: %v", err)
	}
	if _, err := m.Handle(context.Background(), "sess-2", "terminal/release", idParams); err != nil {
		t.Fatalf("terminal/release error: %v", err)
	}
	if _, err := m.Handle(context.Background(), "sess-2", "terminal/output", idParams); err == nil {
		t.Error("expected error after release")
	}
}

func TestTerminalAppendOutputTruncates(t *testing.T) {
	h := &terminalHandle{}
	big := make([]byte, terminalOutputCap+100)
	h.appendOutput(big)
	if !h.truncated {
		t.Error("expected truncated flag set")
	}
	if len(h.output) != terminalOutputCap {
		t.Errorf("len(output) = %d, want %d", len(h.output), terminalOutputCap)
	}
}
