package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/babushkai/agentorchestrators/internal/agent"
	"github.com/babushkai/agentorchestrators/internal/tools"
)

// LocalProvider is a minimal, non-networked agent.Provider. It never calls
// out to a model: it deterministically answers with the task's own input via
// a synthesized final_answer. Provider adapters for real backends
// (Anthropic, OpenAI, Bedrock) plug in behind the same interface;
// LocalProvider exists so the binary is runnable end to end without a
// networked model behind it.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider { return &LocalProvider{} }

func (p *LocalProvider) Complete(ctx context.Context, req agent.CompletionRequest) (agent.CompletionResult, error) {
	start := time.Now()
	var last string
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	answer := fmt.Sprintf("acknowledged: %s", last)
	return agent.CompletionResult{
		Content:      "",
		Model:        "local-echo",
		PromptTokens: len(last) / 4,
		CompletionTokens: len(answer) / 4,
		FinishReason: "tool_calls",
		LatencyMS:    time.Since(start).Milliseconds(),
		ToolCalls: []tools.ToolCall{
			tools.NewToolCall(tools.FinalAnswerToolName, map[string]any{"answer": answer}),
		},
	}, nil
}

func (p *LocalProvider) Stream(ctx context.Context, req agent.CompletionRequest) (<-chan string, <-chan error) {
	out := make(chan string, 1)
	errc := make(chan error, 1)
	res, err := p.Complete(ctx, req)
	if err != nil {
		errc <- err
		close(out)
		close(errc)
		return out, errc
	}
	out <- res.Content
	close(out)
	close(errc)
	return out, errc
}
