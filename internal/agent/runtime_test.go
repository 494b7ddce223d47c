package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/babushkai/agentorchestrators/internal/domain"
	"github.com/babushkai/agentorchestrators/internal/tools"
)

// scriptedProvider replays a fixed sequence of completions; past the end of
// the script it repeats the last entry.
type scriptedProvider struct {
	mu      sync.Mutex
	script  []CompletionResult
	errs    []error
	calls   int
}

func (p *scriptedProvider) Complete(_ context.Context, _ CompletionRequest) (CompletionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return CompletionResult{}, p.errs[i]
	}
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	return p.script[i], nil
}

func (p *scriptedProvider) Stream(context.Context, CompletionRequest) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error)
	close(out)
	close(errc)
	return out, errc
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func toolCallResult(name string, args map[string]any) CompletionResult {
	return CompletionResult{
		Model:        "mock",
		FinishReason: "tool_calls",
		PromptTokens: 10, CompletionTokens: 10,
		ToolCalls: []tools.ToolCall{tools.NewToolCall(name, args)},
	}
}

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	registry.Register(tools.NewFunctionTool(domain.ToolConfig{
		ToolID: "test_add", Name: "add", Description: "adds two numbers",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return a + b, nil
	}))
	return registry
}

func testAgentDefinition(constraints domain.AgentConstraints) *domain.AgentDefinition {
	now := time.Now().UTC()
	return &domain.AgentDefinition{
		ID:          uuid.New(),
		Name:        "Calculator",
		Role:        "arithmetic assistant",
		Goal:        "answer arithmetic questions",
		LLMConfig:   domain.ModelConfig{Provider: domain.ProviderLocal, ModelID: "mock", MaxTokens: 512},
		Memory:      domain.MemoryConfig{ShortTermEnabled: true, ShortTermMaxMessages: 20},
		Constraints: constraints,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

type capturedEvents struct {
	mu     sync.Mutex
	events []*domain.DomainEvent
}

func (c *capturedEvents) handler(_ context.Context, evt *domain.DomainEvent) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *capturedEvents) ofType(eventType domain.EventType) []*domain.DomainEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*domain.DomainEvent
	for _, e := range c.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestExecuteTaskToolCallThenFinalAnswer(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResult{
		toolCallResult("add", map[string]any{"a": float64(2), "b": float64(3)}),
		toolCallResult(tools.FinalAnswerToolName, map[string]any{"answer": "5"}),
	}}
	events := &capturedEvents{}
	rt := NewRuntime(testAgentDefinition(domain.AgentConstraints{
		MaxIterations: 5, MaxExecutionTimeSeconds: 10, MaxTokensPerTask: 10_000,
	}), provider, testRegistry(t), nil, events.handler)

	result := rt.ExecuteTask(context.Background(), uuid.New(), "what is 2+3?")
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Result != "5" {
		t.Fatalf("expected result \"5\", got %v", result.Result)
	}
	if result.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", result.Iterations)
	}
	if result.TotalTokens != 40 {
		t.Fatalf("expected 40 accumulated tokens, got %d", result.TotalTokens)
	}

	if got := len(events.ofType(domain.EventAgentLLMCall)); got != 2 {
		t.Fatalf("expected 2 llm_call events, got %d", got)
	}
	toolEvents := events.ofType(domain.EventAgentToolCall)
	if len(toolEvents) != 1 {
		t.Fatalf("expected 1 tool_call event, got %d", len(toolEvents))
	}
	if ok, _ := toolEvents[0].Payload["success"].(bool); !ok {
		t.Fatalf("expected successful tool call, payload %v", toolEvents[0].Payload)
	}
	if rt.Status() != domain.AgentIdle {
		t.Fatalf("expected runtime back to idle, got %s", rt.Status())
	}
}

func TestExecuteTaskPlainContentIsFinalAnswer(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResult{
		{Content: "the answer is 5", Model: "mock", FinishReason: "stop", PromptTokens: 5, CompletionTokens: 5},
	}}
	rt := NewRuntime(testAgentDefinition(domain.AgentConstraints{
		MaxIterations: 5, MaxExecutionTimeSeconds: 10, MaxTokensPerTask: 10_000,
	}), provider, testRegistry(t), nil, nil)

	result := rt.ExecuteTask(context.Background(), uuid.New(), "what is 2+3?")
	if !result.Success || result.Result != "the answer is 5" {
		t.Fatalf("expected content returned as final answer, got %+v", result)
	}
	if result.Iterations != 1 {
		t.Fatalf("expected single iteration, got %d", result.Iterations)
	}
}

func TestExecuteTaskFailsAtMaxIterations(t *testing.T) {
	// The model never produces a final answer: every turn is a think call.
	provider := &scriptedProvider{script: []CompletionResult{
		toolCallResult(tools.ThinkToolName, map[string]any{"thought": "still thinking"}),
	}}
	events := &capturedEvents{}
	rt := NewRuntime(testAgentDefinition(domain.AgentConstraints{
		MaxIterations: 2, MaxExecutionTimeSeconds: 10, MaxTokensPerTask: 10_000,
	}), provider, testRegistry(t), nil, events.handler)

	result := rt.ExecuteTask(context.Background(), uuid.New(), "loop forever")
	if result.Success {
		t.Fatalf("expected budget failure")
	}
	if !strings.Contains(result.Error, "max iterations") {
		t.Fatalf("error must name the exhausted budget, got %q", result.Error)
	}
	if result.Iterations != 2 {
		t.Fatalf("expected exactly 2 iterations, got %d", result.Iterations)
	}
	if got := len(events.ofType(domain.EventAgentLLMCall)); got != 2 {
		t.Fatalf("expected exactly 2 llm_call events, got %d", got)
	}
}

func TestExecuteTaskFailsAtTokenBudget(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResult{
		toolCallResult(tools.ThinkToolName, map[string]any{"thought": "expensive"}),
	}}
	rt := NewRuntime(testAgentDefinition(domain.AgentConstraints{
		MaxIterations: 10, MaxExecutionTimeSeconds: 10, MaxTokensPerTask: 15,
	}), provider, testRegistry(t), nil, nil)

	result := rt.ExecuteTask(context.Background(), uuid.New(), "burn tokens")
	if result.Success || !strings.Contains(result.Error, "token limit") {
		t.Fatalf("expected token-limit failure, got %+v", result)
	}
	if result.TotalTokens < 15 {
		t.Fatalf("token counter must reflect the overrun, got %d", result.TotalTokens)
	}
}

// sleepyProvider burns wall clock on every call and never produces a final
// answer. It deliberately ignores ctx so the loop's own budget check, not a
// provider error, is what ends the execution.
type sleepyProvider struct {
	delay time.Duration
}

func (p *sleepyProvider) Complete(_ context.Context, _ CompletionRequest) (CompletionResult, error) {
	time.Sleep(p.delay)
	return toolCallResult(tools.ThinkToolName, map[string]any{"thought": "still going"}), nil
}

func (p *sleepyProvider) Stream(context.Context, CompletionRequest) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error)
	close(out)
	close(errc)
	return out, errc
}

func TestExecuteTaskFailsAtWallClockBudget(t *testing.T) {
	rt := NewRuntime(testAgentDefinition(domain.AgentConstraints{
		MaxIterations: 20, MaxExecutionTimeSeconds: 1, MaxTokensPerTask: 100_000,
	}), &sleepyProvider{delay: 600 * time.Millisecond}, testRegistry(t), nil, nil)

	result := rt.ExecuteTask(context.Background(), uuid.New(), "take your time")
	if result.Success {
		t.Fatalf("expected wall-clock budget failure")
	}
	if !strings.Contains(result.Error, "timeout") {
		t.Fatalf("error must name the timeout budget, got %q", result.Error)
	}
	if result.Iterations >= 20 {
		t.Fatalf("the clock, not the iteration cap, must have ended the loop (iterations=%d)", result.Iterations)
	}
}

func TestExecuteTaskTruncatesToolCallsPerIteration(t *testing.T) {
	burst := CompletionResult{
		Model: "mock", FinishReason: "tool_calls", PromptTokens: 5, CompletionTokens: 5,
		ToolCalls: []tools.ToolCall{
			tools.NewToolCall("add", map[string]any{"a": float64(1), "b": float64(1)}),
			tools.NewToolCall("add", map[string]any{"a": float64(2), "b": float64(2)}),
			tools.NewToolCall("add", map[string]any{"a": float64(3), "b": float64(3)}),
		},
	}
	provider := &scriptedProvider{script: []CompletionResult{
		burst,
		toolCallResult(tools.FinalAnswerToolName, map[string]any{"answer": "done"}),
	}}
	events := &capturedEvents{}
	rt := NewRuntime(testAgentDefinition(domain.AgentConstraints{
		MaxIterations: 5, MaxExecutionTimeSeconds: 10, MaxTokensPerTask: 10_000, MaxToolCallsPerIter: 2,
	}), provider, testRegistry(t), nil, events.handler)

	result := rt.ExecuteTask(context.Background(), uuid.New(), "burst")
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if got := len(events.ofType(domain.EventAgentToolCall)); got != 2 {
		t.Fatalf("expected the third call truncated, got %d tool_call events", got)
	}
}

func TestExecuteTaskProviderErrorSurfacesAfterRetries(t *testing.T) {
	fail := errors.New("transport down")
	provider := &scriptedProvider{errs: []error{fail, fail, fail, fail}}
	rt := NewRuntime(testAgentDefinition(domain.AgentConstraints{
		MaxIterations: 3, MaxExecutionTimeSeconds: 10, MaxTokensPerTask: 10_000,
	}), provider, testRegistry(t), nil, nil)

	result := rt.ExecuteTask(context.Background(), uuid.New(), "anything")
	if result.Success {
		t.Fatalf("expected provider failure to surface")
	}
	if provider.callCount() < 2 {
		t.Fatalf("expected retries before giving up, saw %d attempts", provider.callCount())
	}
	if rt.Status() != domain.AgentError {
		t.Fatalf("expected error status, got %s", rt.Status())
	}
}

func TestParseTextToolCallBareObject(t *testing.T) {
	allowed := map[string]struct{}{"add": {}}
	call := parseTextToolCall(`{"name":"add","arguments":{"a":2,"b":3}}`, allowed)
	if call == nil {
		t.Fatalf("expected a parsed tool call")
	}
	if call.Name != "add" {
		t.Fatalf("wrong name %q", call.Name)
	}
	if call.Arguments["a"] != float64(2) || call.Arguments["b"] != float64(3) {
		t.Fatalf("arguments not preserved: %v", call.Arguments)
	}
}

func TestParseTextToolCallParametersAlias(t *testing.T) {
	allowed := map[string]struct{}{"add": {}}
	call := parseTextToolCall(`{"name":"add","parameters":{"a":1,"b":1}}`, allowed)
	if call == nil || call.Arguments["a"] != float64(1) {
		t.Fatalf("expected \"parameters\" accepted as alias for \"arguments\", got %v", call)
	}
}

func TestParseTextToolCallCodeFence(t *testing.T) {
	allowed := map[string]struct{}{"add": {}}
	content := "Sure, calling the tool:\n```json\n{\"name\":\"add\",\"arguments\":{\"a\":4,\"b\":5}}\n```\n"
	call := parseTextToolCall(content, allowed)
	if call == nil || call.Name != "add" || call.Arguments["b"] != float64(5) {
		t.Fatalf("expected fenced JSON parsed, got %v", call)
	}
}

func TestParseTextToolCallRejectsDisallowedName(t *testing.T) {
	allowed := map[string]struct{}{"add": {}}
	if call := parseTextToolCall(`{"name":"delete_everything","arguments":{}}`, allowed); call != nil {
		t.Fatalf("disallowed tool name must not parse, got %v", call)
	}
}

func TestParseTextToolCallRejectsProse(t *testing.T) {
	allowed := map[string]struct{}{"add": {}}
	if call := parseTextToolCall("I think the answer is {probably} 5", allowed); call != nil {
		t.Fatalf("prose must not parse as a tool call, got %v", call)
	}
}

func TestTextFallbackDisabledTreatsJSONAsAnswer(t *testing.T) {
	content := `{"name":"add","arguments":{"a":2,"b":3}}`
	provider := &scriptedProvider{script: []CompletionResult{
		{Content: content, Model: "mock", FinishReason: "stop", PromptTokens: 5, CompletionTokens: 5},
	}}
	rt := NewRuntime(testAgentDefinition(domain.AgentConstraints{
		MaxIterations: 5, MaxExecutionTimeSeconds: 10, MaxTokensPerTask: 10_000,
	}), provider, testRegistry(t), nil, nil)

	result := rt.ExecuteTask(context.Background(), uuid.New(), "2+3")
	if !result.Success || result.Result != content {
		t.Fatalf("with the fallback off, JSON-looking content is the final answer; got %+v", result)
	}
}

func TestTextFallbackEnabledExecutesParsedCall(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResult{
		{Content: `{"name":"add","arguments":{"a":2,"b":3}}`, Model: "mock", FinishReason: "stop", PromptTokens: 5, CompletionTokens: 5},
		toolCallResult(tools.FinalAnswerToolName, map[string]any{"answer": "5"}),
	}}
	events := &capturedEvents{}
	rt := NewRuntime(testAgentDefinition(domain.AgentConstraints{
		MaxIterations: 5, MaxExecutionTimeSeconds: 10, MaxTokensPerTask: 10_000,
		AllowedTools: []string{"add", tools.FinalAnswerToolName},
	}), provider, testRegistry(t), nil, events.handler)
	rt.SetTextToolCallFallback(true)

	result := rt.ExecuteTask(context.Background(), uuid.New(), "2+3")
	if !result.Success || result.Result != "5" {
		t.Fatalf("expected fallback-parsed call then final answer, got %+v", result)
	}
	if got := len(events.ofType(domain.EventAgentToolCall)); got != 1 {
		t.Fatalf("expected the parsed call executed once, got %d tool_call events", got)
	}
}

func TestInMemoryStoreBoundsWindow(t *testing.T) {
	store := NewInMemoryStore(3)
	agentID := uuid.New()
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		if err := store.AddMessage(ctx, agentID, Message{Role: "user", Content: content}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	msgs, err := store.GetMessages(ctx, agentID, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected window of 3, got %d", len(msgs))
	}
	if msgs[0].Content != "three" || msgs[2].Content != "five" {
		t.Fatalf("expected oldest messages dropped in insertion order, got %v", msgs)
	}
}

func TestInMemoryStoreGetLimitReturnsMostRecent(t *testing.T) {
	store := NewInMemoryStore(10)
	agentID := uuid.New()
	ctx := context.Background()
	for _, content := range []string{"a", "b", "c"} {
		_ = store.AddMessage(ctx, agentID, Message{Role: "user", Content: content})
	}
	msgs, _ := store.GetMessages(ctx, agentID, 2)
	if len(msgs) != 2 || msgs[0].Content != "b" {
		t.Fatalf("expected the 2 most recent in order, got %v", msgs)
	}
}

func TestRuntimeStopMarksTerminated(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResult{
		toolCallResult(tools.FinalAnswerToolName, map[string]any{"answer": "ok"}),
	}}
	rt := NewRuntime(testAgentDefinition(domain.AgentConstraints{
		MaxIterations: 2, MaxExecutionTimeSeconds: 10, MaxTokensPerTask: 1000,
	}), provider, testRegistry(t), nil, nil)

	rt.Stop(context.Background(), true)
	if rt.Status() != domain.AgentTerminated {
		t.Fatalf("expected terminated, got %s", rt.Status())
	}
}
