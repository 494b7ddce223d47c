package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	osexec "os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// Plugin is a direct-execution backend for an AGENT_TASK step that needs no
// LLM involvement — a plain HTTP call or shell command rendered from the
// step's task_template. Selected via task_template["backend"]; steps that
// omit it go through the normal Router/Agent Runtime dispatch path instead
// (internal/engine's AgentTaskExecutor), keeping the Tool/Plugin boundary the
// rest of the system draws: plugins execute workflow steps, tools are an
// agent's own instruments.
type Plugin interface {
	Name() string
	Execute(ctx context.Context, params map[string]any, exec *domain.WorkflowExecution) (map[string]any, error)
}

// PluginRegistry looks up a Plugin by its task_template["backend"] name.
type PluginRegistry struct {
	plugins map[string]Plugin
}

// NewPluginRegistry registers the two backends this module implements
// directly: HTTPPlugin and ShellPlugin. Both read their entire target from
// the rendered step params and need no standing external infrastructure.
func NewPluginRegistry() *PluginRegistry {
	pr := &PluginRegistry{plugins: make(map[string]Plugin)}
	pr.Register(NewHTTPPlugin())
	pr.Register(NewShellPlugin())
	return pr
}

func (pr *PluginRegistry) Register(p Plugin) {
	pr.plugins[p.Name()] = p
}

func (pr *PluginRegistry) Execute(ctx context.Context, backend string, params map[string]any, exec *domain.WorkflowExecution) (map[string]any, error) {
	p, ok := pr.plugins[backend]
	if !ok {
		return nil, fmt.Errorf("unsupported plugin backend: %s", backend)
	}
	return p.Execute(ctx, params, exec)
}

// HTTPPlugin issues a single HTTP request whose url/method/headers/body come
// from the rendered step params (already ${...}-interpolated by the caller).
type HTTPPlugin struct {
	client *http.Client
	tracer trace.Tracer
}

func NewHTTPPlugin() *HTTPPlugin {
	return &HTTPPlugin{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("orchestrator-plugin-http"),
	}
}

func (hp *HTTPPlugin) Name() string { return "http" }

func (hp *HTTPPlugin) Execute(ctx context.Context, params map[string]any, exec *domain.WorkflowExecution) (map[string]any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http plugin: missing url")
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	ctx, span := hp.tracer.Start(ctx, "http.request", trace.WithAttributes(
		attribute.String("url", url), attribute.String("method", method),
	))
	defer span.End()

	var body io.Reader
	if raw, ok := params["body"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("http plugin: marshal body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("http plugin: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workflow-Execution-ID", exec.ID.String())
	req.Header.Set("User-Agent", "agentorchestrators/1.0")
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := hp.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http plugin: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("http plugin: read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode), attribute.Int("http.response_size", len(respBody)))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http plugin: http %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			parsed = map[string]any{"body": string(respBody)}
		}
	} else {
		parsed = map[string]any{}
	}
	parsed["status_code"] = resp.StatusCode
	return parsed, nil
}

// ShellPlugin runs a whitelisted command, capturing stdout/stderr/exit code.
// Not a general-purpose sandbox: the whitelist is the entire defense.
type ShellPlugin struct {
	allowedCommands map[string]bool
	tracer          trace.Tracer
}

func NewShellPlugin() *ShellPlugin {
	return &ShellPlugin{
		allowedCommands: map[string]bool{
			"echo": true, "cat": true, "grep": true, "awk": true,
			"sed": true, "jq": true, "curl": true, "wget": true, "python": true,
		},
		tracer: otel.Tracer("orchestrator-plugin-shell"),
	}
}

func (shp *ShellPlugin) Name() string { return "shell" }

func (shp *ShellPlugin) Execute(ctx context.Context, params map[string]any, exec *domain.WorkflowExecution) (map[string]any, error) {
	_, span := shp.tracer.Start(ctx, "shell.execute")
	defer span.End()

	script, _ := params["command"].(string)
	parts := strings.Fields(script)
	if len(parts) == 0 {
		return nil, fmt.Errorf("shell plugin: empty command")
	}
	if !shp.allowedCommands[parts[0]] {
		return nil, fmt.Errorf("shell plugin: command not allowed: %s", parts[0])
	}

	cmd := osexec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil && exitCode == 0 {
		return nil, fmt.Errorf("shell plugin: command failed: %w\nstderr: %s", runErr, stderr.String())
	}

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}, nil
}
