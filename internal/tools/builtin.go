package tools

import (
	"context"
	"fmt"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// ThinkToolName and FinalAnswerToolName are the two sentinel tools every
// agent gets regardless of its allow/deny list: "think" records a scratchpad
// thought and loops, "final_answer" ends the observe-think-act loop. All
// other built-in tool backends (HTTP, file, scraping, code exec, ...) are out
// of scope; they can be registered as plugins without changing the runtime.
const (
	ThinkToolName       = "think"
	FinalAnswerToolName = "final_answer"
)

// NewThinkTool returns the "think" sentinel tool: it performs no side effect
// beyond echoing the recorded thought back into memory via its result.
func NewThinkTool() Tool {
	config := domain.ToolConfig{
		ToolID:      "builtin_think",
		Name:        ThinkToolName,
		Description: "Use this tool to think through a problem step by step before taking action.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"thought": map[string]any{
					"type":        "string",
					"description": "Your reasoning or thought process",
				},
			},
			"required": []string{"thought"},
		},
	}
	return NewFunctionTool(config, func(ctx context.Context, args map[string]any) (any, error) {
		thought, _ := args["thought"].(string)
		return fmt.Sprintf("Thought recorded: %s", thought), nil
	})
}

// NewFinalAnswerTool returns the "final_answer" sentinel tool. The Agent
// Runtime special-cases this tool's name: it never actually calls Execute,
// it reads the "answer" argument directly to end the loop. The Execute body
// exists so the tool can still be registered and schema-advertised uniformly.
func NewFinalAnswerTool() Tool {
	config := domain.ToolConfig{
		ToolID:      "builtin_final_answer",
		Name:        FinalAnswerToolName,
		Description: "Use this tool to provide your final answer to the user's request.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"answer": map[string]any{
					"type":        "string",
					"description": "Your final answer",
				},
			},
			"required": []string{"answer"},
		},
	}
	return NewFunctionTool(config, func(ctx context.Context, args map[string]any) (any, error) {
		return args["answer"], nil
	})
}

// RegisterBuiltins installs the reserved sentinel tools into r. Callers
// register domain-specific tools (plugin-backed or otherwise) separately.
func RegisterBuiltins(r *Registry) {
	r.Register(NewThinkTool())
	r.Register(NewFinalAnswerTool())
}
