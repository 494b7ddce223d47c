package agent

import (
	"context"
	"fmt"

	"github.com/babushkai/agentorchestrators/internal/tools"
)

// CompletionRequest is one call into an LLM Provider.
type CompletionRequest struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
	Tools       []map[string]any
	ToolChoice  string
	Stop        []string
}

// CompletionResult is a Provider's response to a CompletionRequest.
type CompletionResult struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
	LatencyMS        int64
	ToolCalls        []tools.ToolCall
}

// HasToolCalls reports whether the model asked to invoke tools rather than
// returning a final textual answer.
func (r CompletionResult) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ProviderErrorKind classifies a Provider failure for the retry/backoff
// wrapper, never by inspecting error strings.
type ProviderErrorKind string

const (
	ProviderErrorRetriable ProviderErrorKind = "retriable" // rate limit, transient transport
	ProviderErrorFatal     ProviderErrorKind = "fatal"      // bad request, auth, content policy
)

// ProviderError wraps a Provider failure with its retry classification.
type ProviderError struct {
	Kind    ProviderErrorKind
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retriable reports whether the caller's retry+backoff wrapper should retry.
func (e *ProviderError) Retriable() bool {
	return e.Kind == ProviderErrorRetriable
}

// Provider is the abstract LLM client contract the Agent Runtime depends on.
// No concrete HTTP-backed implementation ships here; provider adapters
// (Anthropic, OpenAI, Bedrock, local) are out of scope and plug in behind
// this interface.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan string, <-chan error)
}
