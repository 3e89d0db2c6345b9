// Package bridge correlates tool calls a worker delegates to the UI for
// execution (a "remote" tool, one the orchestrator has no local handler
// for) with the UI's eventual submit_tool_result response.
package bridge

import (
	"sync"
	"time"
)

// Result is what the UI hands back for a remote tool call.
type Result struct {
	Content string
	IsError bool
}

// DefaultTimeout is how long a worker waits on a registered tool call
// before treating it as failed, per TOOL_EXECUTION_TIMEOUT.
const DefaultTimeout = 5 * time.Minute

// Bridge is the registration table correlating outbound tool_call_ids
// with the UI's inbound results. Each id is fulfilled at most once;
// submitting against an unknown or already-fulfilled id is a no-op that
// reports failure rather than panicking, matching the one-shot-approval
// pattern used elsewhere for tool execution.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]chan Result
}

// New builds an empty Bridge.
func New() *Bridge {
	return &Bridge{pending: make(map[string]chan Result)}
}

// Register opens a one-shot receiver for toolCallID. Call this before
// emitting the ToolCall event to the UI so a fast UI response can never
// race ahead of the registration.
func (b *Bridge) Register(toolCallID string) <-chan Result {
	ch := make(chan Result, 1)
	b.mu.Lock()
	b.pending[toolCallID] = ch
	b.mu.Unlock()
	return ch
}

// Submit fulfils the pending receiver for toolCallID, if one is still
// registered. It returns false if no entry was registered or it was
// already fulfilled — the UI's submit_tool_result handler should treat
// false as a harmless, idempotent drop rather than an error.
func (b *Bridge) Submit(toolCallID string, content string, isError bool) bool {
	b.mu.Lock()
	ch, ok := b.pending[toolCallID]
	if ok {
		delete(b.pending, toolCallID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- Result{Content: content, IsError: isError}
	close(ch)
	return true
}

// Drop removes a pending registration without fulfilling it, used when a
// worker is cancelled while still awaiting a remote tool result.
func (b *Bridge) Drop(toolCallID string) {
	b.mu.Lock()
	delete(b.pending, toolCallID)
	b.mu.Unlock()
}

// Pending reports how many tool calls are currently awaiting a UI
// response, exported for the orchestrator's pending-bridge-size gauge.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
