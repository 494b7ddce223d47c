// Package tools implements the tool contract, registry, and bounded executor
// that the Agent Runtime calls into during its think/act phases.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/babushkai/agentorchestrators/internal/core/resilience"
	"github.com/babushkai/agentorchestrators/internal/domain"
)

// ToolCall is a single invocation request produced by the LLM (or, when the
// text-tool-call fallback is enabled, parsed from free text).
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewToolCall stamps a ToolCall with a fresh id and timestamp.
func NewToolCall(name string, args map[string]any) ToolCall {
	return ToolCall{ID: uuid.NewString(), Name: name, Arguments: args, Timestamp: time.Now().UTC()}
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID    string `json:"tool_call_id"`
	Name          string `json:"name"`
	Success       bool   `json:"success"`
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	ExecutionMS   float64 `json:"execution_time_ms"`
}

// Tool is the contract every built-in and plugin-backed tool implements.
type Tool interface {
	Name() string
	Description() string
	ParametersSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// LLMSchema renders a Tool into the OpenAI/Anthropic-compatible function
// schema the Agent Runtime hands the model on each turn.
func LLMSchema(t Tool) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.ParametersSchema(),
		},
	}
}

// FunctionTool adapts a plain Go function into a Tool, backed by a
// domain.ToolConfig for its schema and operational limits.
type FunctionTool struct {
	config domain.ToolConfig
	fn     func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionTool wraps fn as a Tool named per config.
func NewFunctionTool(config domain.ToolConfig, fn func(ctx context.Context, args map[string]any) (any, error)) *FunctionTool {
	return &FunctionTool{config: config, fn: fn}
}

func (f *FunctionTool) Name() string                     { return f.config.Name }
func (f *FunctionTool) Description() string               { return f.config.Description }
func (f *FunctionTool) ParametersSchema() map[string]any   { return f.config.ParametersSchema }
func (f *FunctionTool) Config() domain.ToolConfig          { return f.config }
func (f *FunctionTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.fn(ctx, args)
}

// Registry is the set of tools available to agents at runtime.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name; a no-op if absent.
func (r *Registry) Unregister(name string) {
	delete(r.tools, name)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool in unspecified order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// LLMSchemas returns the function schemas for the named tools, or for every
// registered tool when allowed is nil.
func (r *Registry) LLMSchemas(allowed []string) []map[string]any {
	var names map[string]struct{}
	if allowed != nil {
		names = make(map[string]struct{}, len(allowed))
		for _, n := range allowed {
			names[n] = struct{}{}
		}
	}
	schemas := make([]map[string]any, 0, len(r.tools))
	for name, t := range r.tools {
		if names != nil {
			if _, ok := names[name]; !ok {
				continue
			}
		}
		schemas = append(schemas, LLMSchema(t))
	}
	return schemas
}

// Executor runs tool calls with a per-call timeout and bounded retries,
// mirroring a built-in tool's own ToolConfig when present. A shared rate
// limiter bounds aggregate tool-call throughput so one runaway agent loop
// cannot starve the process of outbound HTTP/subprocess capacity.
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	maxRetries     int
	limiter        *resilience.RateLimiter
}

// NewExecutor constructs an Executor against registry, capped at 50 tool
// calls/second with bursts up to 100 and a hard 200-per-second window cap.
func NewExecutor(registry *Registry, defaultTimeout time.Duration, maxRetries int) *Executor {
	return &Executor{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		maxRetries:     maxRetries,
		limiter:        resilience.NewRateLimiter(100, 50, time.Second, 200),
	}
}

// Execute runs a single tool call, retrying up to the tool's (or the
// executor's default) retry budget on timeout or error.
func (e *Executor) Execute(ctx context.Context, call ToolCall) ToolResult {
	start := time.Now()

	if !e.limiter.Allow() {
		return ToolResult{ToolCallID: call.ID, Name: call.Name, Success: false, Error: "tool call throughput limit exceeded, try again shortly"}
	}

	t, ok := e.registry.Get(call.Name)
	if !ok {
		return ToolResult{ToolCallID: call.ID, Name: call.Name, Success: false, Error: fmt.Sprintf("tool %q not found", call.Name)}
	}

	timeout := e.defaultTimeout
	maxRetries := e.maxRetries
	var retryDelay time.Duration
	if ft, ok := t.(*FunctionTool); ok {
		cfg := ft.Config()
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		if cfg.RetryCount > 0 {
			maxRetries = cfg.RetryCount
		}
		retryDelay = time.Duration(cfg.RetryDelaySeconds * float64(time.Second))
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := t.Execute(callCtx, call.Arguments)
		cancel()

		if err == nil {
			return ToolResult{
				ToolCallID:  call.ID,
				Name:        call.Name,
				Success:     true,
				Result:      result,
				ExecutionMS: float64(time.Since(start).Microseconds()) / 1000,
			}
		}
		lastErr = err
		if attempt < maxRetries && retryDelay > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = maxRetries
			}
		}
	}

	return ToolResult{
		ToolCallID:  call.ID,
		Name:        call.Name,
		Success:     false,
		Error:       lastErr.Error(),
		ExecutionMS: float64(time.Since(start).Microseconds()) / 1000,
	}
}

// ExecuteBatch runs every call concurrently and returns results in order.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	done := make(chan struct{}, len(calls))
	for i, c := range calls {
		go func(i int, c ToolCall) {
			results[i] = e.Execute(ctx, c)
			done <- struct{}{}
		}(i, c)
	}
	for range calls {
		<-done
	}
	return results
}
