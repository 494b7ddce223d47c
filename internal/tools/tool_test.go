package tools

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

func addTool() Tool {
	return NewFunctionTool(domain.ToolConfig{
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
	})
}

func TestExecutorRunsRegisteredTool(t *testing.T) {
	registry := NewRegistry()
	registry.Register(addTool())
	executor := NewExecutor(registry, 5*time.Second, 0)

	result := executor.Execute(context.Background(), NewToolCall("add", map[string]any{"a": float64(2), "b": float64(3)}))
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if result.Result != float64(5) {
		t.Fatalf("expected 5, got %v", result.Result)
	}
}

func TestExecutorUnknownToolFailsWithoutRetry(t *testing.T) {
	executor := NewExecutor(NewRegistry(), time.Second, 3)
	result := executor.Execute(context.Background(), NewToolCall("vanish", nil))
	if result.Success {
		t.Fatalf("expected failure for unknown tool")
	}
	if !strings.Contains(result.Error, `"vanish"`) || !strings.Contains(result.Error, "not found") {
		t.Fatalf("error must name the missing tool, got %q", result.Error)
	}
}

func TestExecutorRetriesUpToToolBudget(t *testing.T) {
	var attempts int32
	flaky := NewFunctionTool(domain.ToolConfig{
		ToolID: "test_flaky", Name: "flaky", Description: "fails twice then succeeds",
		ParametersSchema:  map[string]any{"type": "object"},
		RetryCount:        2,
		RetryDelaySeconds: 0.01,
	}, func(context.Context, map[string]any) (any, error) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	registry := NewRegistry()
	registry.Register(flaky)
	executor := NewExecutor(registry, time.Second, 0)

	result := executor.Execute(context.Background(), NewToolCall("flaky", nil))
	if !result.Success {
		t.Fatalf("expected success after retries, got %q", result.Error)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestExecutorExhaustedRetriesSurfaceLastError(t *testing.T) {
	broken := NewFunctionTool(domain.ToolConfig{
		ToolID: "test_broken", Name: "broken", Description: "always fails",
		ParametersSchema:  map[string]any{"type": "object"},
		RetryCount:        1,
		RetryDelaySeconds: 0.01,
	}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("permanently broken")
	})
	registry := NewRegistry()
	registry.Register(broken)
	executor := NewExecutor(registry, time.Second, 0)

	result := executor.Execute(context.Background(), NewToolCall("broken", nil))
	if result.Success || result.Error != "permanently broken" {
		t.Fatalf("expected last error surfaced, got %+v", result)
	}
}

func TestExecutorTimesOutSlowTool(t *testing.T) {
	slow := NewFunctionTool(domain.ToolConfig{
		ToolID: "test_slow", Name: "slow", Description: "never returns in time",
		ParametersSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(10 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	registry := NewRegistry()
	registry.Register(slow)
	executor := NewExecutor(registry, 50*time.Millisecond, 0)

	start := time.Now()
	result := executor.Execute(context.Background(), NewToolCall("slow", nil))
	if result.Success {
		t.Fatalf("expected timeout failure")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout did not bound the call")
	}
}

func TestExecuteBatchPreservesOrder(t *testing.T) {
	registry := NewRegistry()
	registry.Register(addTool())
	executor := NewExecutor(registry, time.Second, 0)

	calls := []ToolCall{
		NewToolCall("add", map[string]any{"a": float64(1), "b": float64(1)}),
		NewToolCall("add", map[string]any{"a": float64(2), "b": float64(2)}),
		NewToolCall("missing", nil),
	}
	results := executor.ExecuteBatch(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Result != float64(2) || results[1].Result != float64(4) {
		t.Fatalf("results out of order: %v", results)
	}
	if results[2].Success {
		t.Fatalf("expected third call to fail")
	}
}

func TestLLMSchemasFilterSkipsUnknownNames(t *testing.T) {
	registry := NewRegistry()
	RegisterBuiltins(registry)
	registry.Register(addTool())

	schemas := registry.LLMSchemas([]string{"add", "no_such_tool"})
	if len(schemas) != 1 {
		t.Fatalf("unknown allow-list names must be silently skipped, got %d schemas", len(schemas))
	}
	fn, _ := schemas[0]["function"].(map[string]any)
	if fn["name"] != "add" {
		t.Fatalf("unexpected schema %v", schemas[0])
	}
}

func TestLLMSchemasNilAllowListReturnsAll(t *testing.T) {
	registry := NewRegistry()
	RegisterBuiltins(registry)
	registry.Register(addTool())

	schemas := registry.LLMSchemas(nil)
	if len(schemas) != 3 {
		t.Fatalf("expected every registered tool, got %d", len(schemas))
	}
	for _, s := range schemas {
		if s["type"] != "function" {
			t.Fatalf("schema missing function envelope: %v", s)
		}
	}
}

func TestBuiltinSentinelsRegistered(t *testing.T) {
	registry := NewRegistry()
	RegisterBuiltins(registry)

	if _, ok := registry.Get(FinalAnswerToolName); !ok {
		t.Fatalf("final_answer must always be present")
	}
	think, ok := registry.Get(ThinkToolName)
	if !ok {
		t.Fatalf("think must always be present")
	}

	out, err := think.Execute(context.Background(), map[string]any{"thought": "checking"})
	if err != nil {
		t.Fatalf("think failed: %v", err)
	}
	if s, _ := out.(string); !strings.Contains(s, "checking") {
		t.Fatalf("think must echo the thought, got %v", out)
	}
}
