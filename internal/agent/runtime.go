package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/babushkai/agentorchestrators/internal/core/resilience"
	"github.com/babushkai/agentorchestrators/internal/domain"
	"github.com/babushkai/agentorchestrators/internal/tools"
)

var textToolCallPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)` + "```json\\s*(\\{.*?\\})\\s*```"),
	regexp.MustCompile(`(?s)` + "```\\s*(\\{.*?\\})\\s*```"),
}

// parseTextToolCall best-effort extracts a {"name": ..., "arguments": ...}
// object from free text content, restricted to names in allowed.
func parseTextToolCall(content string, allowed map[string]struct{}) *tools.ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	candidates := []string{}
	for _, re := range textToolCallPatterns {
		if m := re.FindStringSubmatch(content); len(m) > 1 {
			candidates = append(candidates, m[1])
		}
	}
	if strings.HasPrefix(content, "{") && strings.HasSuffix(content, "}") {
		candidates = append(candidates, content)
	}

	for _, c := range candidates {
		var data map[string]any
		if err := json.Unmarshal([]byte(c), &data); err != nil {
			continue
		}
		name, _ := data["name"].(string)
		if name == "" {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[name]; !ok {
				continue
			}
		}
		args, _ := data["parameters"].(map[string]any)
		if args == nil {
			args, _ = data["arguments"].(map[string]any)
		}
		if args == nil {
			args = map[string]any{}
		}
		call := tools.NewToolCall(name, args)
		return &call
	}
	return nil
}

// EventHandler receives domain events emitted during a task execution
// (LLM calls, tool calls) for forwarding onto the messaging fabric.
type EventHandler func(ctx context.Context, evt *domain.DomainEvent)

// ExecutionResult is the outcome of one Agent Runtime task execution.
type ExecutionResult struct {
	Success        bool
	Result         any
	Error          string
	Iterations     int
	TotalTokens     int
	ExecutionTimeMS float64
}

// Runtime is the observe-think-act execution engine for one AgentDefinition.
type Runtime struct {
	definition *domain.AgentDefinition
	provider   Provider
	registry   *tools.Registry
	executor   *tools.Executor
	memory     *AgentMemory
	onEvent    EventHandler
	breaker    *resilience.CircuitBreaker

	// allowTextFallback gates the text-based tool-call extraction path for
	// models that emit tool calls as JSON text instead of a structured
	// tool_calls field. Disabled by default: enabling it trades a small
	// false-positive risk (prose that happens to parse as {"name": ...}) for
	// compatibility with models that don't support structured calling.
	allowTextFallback bool

	status        domain.AgentStatus
	currentTaskID *uuid.UUID
}

// SetTextToolCallFallback enables or disables the text-based tool-call
// extraction path. Call before ExecuteTask.
func (r *Runtime) SetTextToolCallFallback(enabled bool) {
	r.allowTextFallback = enabled
}

// NewRuntime constructs a Runtime for definition. When memory is nil, an
// unbounded-within-window in-process store is created per the definition's
// configured short-term window.
//
// The LLM client layer carries its own circuit breaker, one per Runtime: a
// 60s rolling window evaluated in 12 buckets, opening once the window holds
// at least 5 calls and at least 95% of them failed (the 1.0 rate passed
// here is capped at 0.95 on the first evaluation), cooling down for 30s
// before a single half-open probe is allowed through. It counts the failure
// rate, not consecutive failures: with successes in the window, five
// failures in a row do not open it.
func NewRuntime(definition *domain.AgentDefinition, provider Provider, registry *tools.Registry, memory *AgentMemory, onEvent EventHandler) *Runtime {
	if memory == nil {
		store := NewInMemoryStore(definition.Memory.ShortTermMaxMessages)
		memory = NewAgentMemory(definition.ID, store, definition.Memory.ShortTermMaxMessages)
	}
	executor := tools.NewExecutor(registry, time.Duration(definition.Constraints.MaxExecutionTimeSeconds)*time.Second, 0)
	return &Runtime{
		definition: definition,
		provider:   provider,
		registry:   registry,
		executor:   executor,
		memory:     memory,
		onEvent:    onEvent,
		breaker:    resilience.NewCircuitBreakerAdaptive(60*time.Second, 12, 5, 1.0, 30*time.Second, 1),
		status:     domain.AgentIdle,
	}
}

func (r *Runtime) Status() domain.AgentStatus { return r.status }
func (r *Runtime) AgentID() uuid.UUID         { return r.definition.ID }

// ExecuteTask drives the observe-think-act loop to completion, failure, or
// the agent's iteration/token/time budget, whichever comes first.
func (r *Runtime) ExecuteTask(ctx context.Context, taskID uuid.UUID, taskInput string) ExecutionResult {
	r.status = domain.AgentRunning
	r.currentTaskID = &taskID
	defer func() { r.currentTaskID = nil }()

	start := time.Now()
	totalTokens := 0
	iterations := 0

	constraints := r.definition.Constraints
	if constraints.MaxExecutionTimeSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(constraints.MaxExecutionTimeSeconds)*time.Second)
		defer cancel()
	}

	r.memory.SetTask(taskID)
	if err := r.memory.AddUserMessage(ctx, taskInput); err != nil {
		return r.fail(err.Error(), iterations, totalTokens, start)
	}

	systemPrompt := r.definition.SystemPrompt()
	schemas := r.registry.LLMSchemas(constraints.AllowedTools)
	allowedSet := make(map[string]struct{}, len(constraints.AllowedTools))
	for _, n := range constraints.AllowedTools {
		allowedSet[n] = struct{}{}
	}

	for iterations < constraints.MaxIterations {
		if constraints.MaxExecutionTimeSeconds > 0 && time.Since(start) > time.Duration(constraints.MaxExecutionTimeSeconds)*time.Second {
			return r.fail(fmt.Sprintf("execution timeout: wall-clock budget of %ds exceeded", constraints.MaxExecutionTimeSeconds), iterations, totalTokens, start)
		}
		iterations++

		messages, err := r.buildMessages(ctx, systemPrompt)
		if err != nil {
			return r.fail(err.Error(), iterations, totalTokens, start)
		}

		req := CompletionRequest{
			Messages:    messages,
			Model:       r.definition.LLMConfig.ModelID,
			Temperature: r.definition.LLMConfig.Temperature,
			MaxTokens:   r.definition.LLMConfig.MaxTokens,
			Tools:       schemas,
		}
		if len(schemas) > 0 {
			req.ToolChoice = "auto"
		}

		if !r.breaker.Allow() {
			return r.fail("llm provider circuit open: too many recent failures, cooling down", iterations, totalTokens, start)
		}
		resp, err := resilience.Retry(ctx, 3, 200*time.Millisecond, func() (CompletionResult, error) {
			result, cerr := r.provider.Complete(ctx, req)
			r.breaker.RecordResult(cerr == nil)
			return result, cerr
		})
		if err != nil {
			return r.fail(err.Error(), iterations, totalTokens, start)
		}

		totalTokens += resp.PromptTokens + resp.CompletionTokens
		r.emit(ctx, domain.EventAgentLLMCall, taskID, map[string]any{
			"model":             resp.Model,
			"prompt_tokens":     resp.PromptTokens,
			"completion_tokens": resp.CompletionTokens,
			"latency_ms":        resp.LatencyMS,
		})

		if constraints.MaxTokensPerTask > 0 && totalTokens >= constraints.MaxTokensPerTask {
			return r.fail(fmt.Sprintf("token limit exceeded: %d >= %d", totalTokens, constraints.MaxTokensPerTask), iterations, totalTokens, start)
		}

		if resp.HasToolCalls() {
			if constraints.MaxToolCallsPerIter > 0 && len(resp.ToolCalls) > constraints.MaxToolCallsPerIter {
				resp.ToolCalls = resp.ToolCalls[:constraints.MaxToolCallsPerIter]
			}
			result, done, err := r.handleToolCalls(ctx, resp, taskID)
			if err != nil {
				return r.fail(err.Error(), iterations, totalTokens, start)
			}
			if done {
				return r.succeed(result, iterations, totalTokens, start)
			}
			continue
		}

		if r.allowTextFallback {
			if call := parseTextToolCall(resp.Content, allowedSet); call != nil {
				slog.Warn("text tool-call fallback fired",
					"agent_id", r.definition.ID, "task_id", taskID, "tool_name", call.Name)
				if call.Name == tools.FinalAnswerToolName {
					return r.succeed(call.Arguments["answer"], iterations, totalTokens, start)
				}
				result := r.executor.Execute(ctx, *call)
				r.emit(ctx, domain.EventAgentToolCall, taskID, map[string]any{
					"tool_name": call.Name, "success": result.Success, "execution_time_ms": result.ExecutionMS,
				})
				_ = r.memory.AddAssistantMessage(ctx, resp.Content, nil)
				content := result.Error
				if result.Success {
					b, _ := json.Marshal(result.Result)
					content = string(b)
				}
				_ = r.memory.AddToolResult(ctx, call.Name, call.ID, content)
				continue
			}
		}

		_ = r.memory.AddAssistantMessage(ctx, resp.Content, nil)
		return r.succeed(resp.Content, iterations, totalTokens, start)
	}

	return r.fail(fmt.Sprintf("max iterations reached: %d", iterations), iterations, totalTokens, start)
}

func (r *Runtime) buildMessages(ctx context.Context, systemPrompt string) ([]Message, error) {
	history, err := r.memory.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: "system", Content: systemPrompt, Timestamp: time.Now().UTC()})
	messages = append(messages, history...)
	return messages, nil
}

// handleToolCalls executes every structured tool call from resp. It returns
// (answer, true, nil) the moment final_answer is invoked.
func (r *Runtime) handleToolCalls(ctx context.Context, resp CompletionResult, taskID uuid.UUID) (any, bool, error) {
	toolCallsData := make([]map[string]any, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		toolCallsData = append(toolCallsData, map[string]any{"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments})
	}
	if err := r.memory.AddAssistantMessage(ctx, resp.Content, toolCallsData); err != nil {
		return nil, false, err
	}

	for _, tc := range resp.ToolCalls {
		if tc.Name == tools.FinalAnswerToolName {
			return tc.Arguments["answer"], true, nil
		}

		result := r.executor.Execute(ctx, tc)
		r.emit(ctx, domain.EventAgentToolCall, taskID, map[string]any{
			"tool_name": tc.Name, "success": result.Success, "execution_time_ms": result.ExecutionMS,
		})

		content := result.Error
		if result.Success {
			b, _ := json.Marshal(result.Result)
			content = string(b)
		}
		if err := r.memory.AddToolResult(ctx, tc.Name, tc.ID, content); err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

func (r *Runtime) succeed(result any, iterations, tokens int, start time.Time) ExecutionResult {
	r.status = domain.AgentIdle
	return ExecutionResult{Success: true, Result: result, Iterations: iterations, TotalTokens: tokens, ExecutionTimeMS: msSince(start)}
}

func (r *Runtime) fail(errMsg string, iterations, tokens int, start time.Time) ExecutionResult {
	r.status = domain.AgentError
	return ExecutionResult{Success: false, Error: errMsg, Iterations: iterations, TotalTokens: tokens, ExecutionTimeMS: msSince(start)}
}

func (r *Runtime) emit(ctx context.Context, eventType domain.EventType, taskID uuid.UUID, payload map[string]any) {
	if r.onEvent == nil {
		return
	}
	evt := domain.NewDomainEvent(eventType, r.definition.ID, "agent", stringOrEmpty(r.definition.TenantID), 0, payload)
	payload["task_id"] = taskID.String()
	r.onEvent(ctx, evt)
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// Stop transitions the runtime to TERMINATED, waiting for an in-flight task
// to finish first when graceful is true.
func (r *Runtime) Stop(ctx context.Context, graceful bool) {
	if graceful {
		for r.currentTaskID != nil {
			select {
			case <-ctx.Done():
				r.status = domain.AgentTerminated
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	r.status = domain.AgentTerminated
}
