package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestToolErrorType_IsRetryable(t *testing.T) {
	tests := []struct {
		typ  ToolErrorType
		want bool
	}{
		{ToolErrorTimeout, true},
		{ToolErrorNetwork, true},
		{ToolErrorRateLimit, true},
		{ToolErrorNotFound, false},
		{ToolErrorInvalidInput, false},
		{ToolErrorPermission, false},
		{ToolErrorExecution, false},
		{ToolErrorPanic, false},
		{ToolErrorUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolError_Error(t *testing.T) {
	err := NewToolError("test_tool", errors.New("connection refused")).
		WithType(ToolErrorNetwork).
		WithToolCallID("call-123").
		WithAttempts(3)

	errStr := err.Error()
	if errStr == "" {
		t.Error("error string should not be empty")
	}

	// Should contain key information
	tests := []string{"tool:network", "test_tool", "attempts=3"}
	for _, want := range tests {
		if !contains(errStr, want) {
			t.Errorf("error string %q should contain %q", errStr, want)
		}
	}
}

func TestNewToolError_Classification(t *testing.T) {
	tests := []struct {
		name     string
		errMsg   string
		wantType ToolErrorType
	}{
		{"timeout", "context deadline exceeded", ToolErrorTimeout},
		{"network", "connection refused", ToolErrorNetwork},
		{"rate_limit", "rate limit exceeded", ToolErrorRateLimit},
		{"permission", "permission denied", ToolErrorPermission},
		{"invalid", "invalid input parameter", ToolErrorInvalidInput},
		{"unknown", "some random error", ToolErrorExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewToolError("tool", errors.New(tt.errMsg))
			if err.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", err.Type, tt.wantType)
			}
		})
	}
}

func TestToolError_Unwrap(t *testing.T) {
	cause := errors.New("underlying cause")
	err := NewToolError("tool", cause)

	if !errors.Is(err, cause) {
		t.Error("should unwrap to underlying cause")
	}
}

func TestIsToolError(t *testing.T) {
	toolErr := NewToolError("tool", errors.New("test"))
	regularErr := errors.New("regular error")

	if !IsToolError(toolErr) {
		t.Error("should recognize ToolError")
	}
	if IsToolError(regularErr) {
		t.Error("should not recognize regular error as ToolError")
	}
}

func TestGetToolError(t *testing.T) {
	toolErr := NewToolError("tool", errors.New("test"))

	got, ok := GetToolError(toolErr)
	if !ok {
		t.Fatal("should extract ToolError")
	}
	if got.ToolName != "tool" {
		t.Errorf("ToolName = %q, want %q", got.ToolName, "tool")
	}
}

func TestIsToolRetryable(t *testing.T) {
	retryable := NewToolError("tool", errors.New("timeout")).WithType(ToolErrorTimeout)
	nonRetryable := NewToolError("tool", errors.New("invalid")).WithType(ToolErrorInvalidInput)

	if !IsToolRetryable(retryable) {
		t.Error("timeout error should be retryable")
	}
	if IsToolRetryable(nonRetryable) {
		t.Error("invalid input error should not be retryable")
	}

	// Test with raw errors
	if !IsToolRetryable(errors.New("connection timeout")) {
		t.Error("raw timeout error should be retryable")
	}
}

func TestLoopError(t *testing.T) {
	cause := errors.New("provider error")
	err := &LoopError{
		Phase:     PhaseStream,
		Iteration: 3,
		Message:   "streaming failed",
		Cause:     cause,
	}

	errStr := err.Error()
	if !contains(errStr, "stream") {
		t.Errorf("error should contain phase: %s", errStr)
	}
	if !contains(errStr, "3") {
		t.Errorf("error should contain iteration: %s", errStr)
	}
	if !contains(errStr, "streaming failed") {
		t.Errorf("error should contain message: %s", errStr)
	}

	if !errors.Is(err, cause) {
		t.Error("should unwrap to cause")
	}
}

func TestLoopPhases(t *testing.T) {
	phases := []LoopPhase{
		PhaseInit,
		PhaseStream,
		PhaseExecuteTools,
		PhaseContinue,
		PhaseComplete,
	}

	for _, p := range phases {
		if string(p) == "" {
			t.Errorf("phase %v should have string representation", p)
		}
	}
}

func TestSentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrMaxIterations,
		ErrContextCancelled,
		ErrNoProvider,
		ErrToolNotFound,
		ErrToolTimeout,
		ErrToolPanic,
		ErrBackpressure,
	}

	for _, err := range sentinels {
		if err == nil {
			t.Error("sentinel error should not be nil")
		}
		if err.Error() == "" {
			t.Errorf("sentinel %v should have message", err)
		}
	}
}

func TestWorkerErrorKind_Reroutable(t *testing.T) {
	tests := []struct {
		kind WorkerErrorKind
		want bool
	}{
		{WorkerErrorTransient, true},
		{WorkerErrorAuth, false},
		{WorkerErrorClient, false},
		{WorkerErrorTimeout, false},
		{WorkerErrorCancelled, false},
		{WorkerErrorProtocol, false},
		{WorkerErrorUnknown, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Reroutable(); got != tt.want {
				t.Errorf("Reroutable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewWorkerError_Classification(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  WorkerErrorKind
	}{
		{"gateway 503", errors.New("gateway error (status 503): upstream unavailable"), WorkerErrorTransient},
		{"rate limited", errors.New("429 too many requests"), WorkerErrorTransient},
		{"bad api key", errors.New("invalid API key provided"), WorkerErrorAuth},
		{"forbidden", errors.New("403 forbidden"), WorkerErrorAuth},
		{"insufficient credits", errors.New("insufficient credits remaining"), WorkerErrorClient},
		{"bad request", errors.New("400 bad request: malformed payload"), WorkerErrorClient},
		{"deadline", context.DeadlineExceeded, WorkerErrorTimeout},
		{"cancelled", context.Canceled, WorkerErrorCancelled},
		{"garbled response", errors.New("unexpected token in JSON"), WorkerErrorProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			werr := NewWorkerError("openai", tt.cause)
			if werr.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", werr.Kind, tt.want)
			}
			if werr.Unwrap() != tt.cause {
				t.Error("Unwrap() did not return the original cause")
			}
		})
	}
}

func TestWorkerError_Error(t *testing.T) {
	werr := NewWorkerError("openai", errors.New("gateway error (status 502): bad gateway"))
	msg := werr.Error()
	if !contains(msg, "worker:transient") || !contains(msg, "openai") || !contains(msg, "bad gateway") {
		t.Errorf("Error() = %q, missing expected components", msg)
	}
}

func TestGetWorkerError(t *testing.T) {
	werr := NewWorkerError("openai", errors.New("503 service unavailable"))
	wrapped := fmt.Errorf("worker failed: %w", werr)

	got, ok := GetWorkerError(wrapped)
	if !ok {
		t.Fatal("expected GetWorkerError to find the wrapped WorkerError")
	}
	if got.Kind != WorkerErrorTransient {
		t.Errorf("Kind = %q, want transient", got.Kind)
	}

	if _, ok := GetWorkerError(errors.New("plain error")); ok {
		t.Error("expected GetWorkerError to return false for a non-WorkerError")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > 0 && containsAt(s, substr))
}

func containsAt(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
