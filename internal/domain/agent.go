package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle of an Agent Instance.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentRunning    AgentStatus = "running"
	AgentPaused     AgentStatus = "paused"
	AgentError      AgentStatus = "error"
	AgentTerminated AgentStatus = "terminated"
)

// ModelProvider enumerates the LLM providers the abstract Provider contract may back.
type ModelProvider string

const (
	ProviderAnthropic ModelProvider = "anthropic"
	ProviderOpenAI    ModelProvider = "openai"
	ProviderBedrock   ModelProvider = "bedrock"
	ProviderLocal     ModelProvider = "local"
)

// ModelConfig is the LLM call configuration carried by an Agent Definition.
type ModelConfig struct {
	Provider       ModelProvider  `json:"provider"`
	ModelID        string         `json:"model_id"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	TopP           float64        `json:"top_p"`
	StopSequences  []string       `json:"stop_sequences,omitempty"`
	ExtraParams    map[string]any `json:"extra_params,omitempty"`
}

// ToolConfig configures one tool an agent may invoke.
type ToolConfig struct {
	ToolID              string         `json:"tool_id"`
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	ParametersSchema    map[string]any `json:"parameters_schema"`
	RequiredPermissions []string       `json:"required_permissions,omitempty"`
	TimeoutSeconds      int            `json:"timeout_seconds"`
	RetryCount          int            `json:"retry_count"`
	RetryDelaySeconds   float64        `json:"retry_delay_seconds"`
}

// MemoryConfig configures an agent's short/long-term memory.
type MemoryConfig struct {
	ShortTermEnabled      bool   `json:"short_term_enabled"`
	ShortTermMaxMessages  int    `json:"short_term_max_messages"`
	LongTermEnabled       bool   `json:"long_term_enabled"`
	LongTermProvider      string `json:"long_term_provider,omitempty"`
	SharedMemoryEnabled   bool   `json:"shared_memory_enabled"`
	SharedMemoryNamespace string `json:"shared_memory_namespace,omitempty"`
}

// AgentConstraints bounds one execution of the Agent Runtime loop.
type AgentConstraints struct {
	MaxIterations           int      `json:"max_iterations"`
	MaxExecutionTimeSeconds int      `json:"max_execution_time_seconds"`
	MaxTokensPerTask        int      `json:"max_tokens_per_task"`
	MaxToolCallsPerIter     int      `json:"max_tool_calls_per_iteration"`
	AllowedTools            []string `json:"allowed_tools,omitempty"` // nil means all allowed
	DeniedTools             []string `json:"denied_tools,omitempty"`
}

// IsToolAllowed applies the allow/deny-list rule: explicit deny wins, then
// allow-list (nil means all tools allowed).
func (c AgentConstraints) IsToolAllowed(name string) bool {
	for _, d := range c.DeniedTools {
		if d == name {
			return false
		}
	}
	if c.AllowedTools == nil {
		return true
	}
	for _, a := range c.AllowedTools {
		if a == name {
			return true
		}
	}
	return false
}

// AgentDefinition is an immutable configuration describing a role, goal, model,
// tools, memory, and operational constraints.
type AgentDefinition struct {
	ID           uuid.UUID    `json:"agent_id"`
	Name         string       `json:"name"`
	Role         string       `json:"role"`
	Goal         string       `json:"goal"`
	Backstory    *string      `json:"backstory,omitempty"`
	LLMConfig    ModelConfig  `json:"llm_config"`
	Tools        []ToolConfig `json:"tools"`
	Memory       MemoryConfig `json:"memory"`
	Constraints  AgentConstraints `json:"constraints"`
	Capabilities []string     `json:"capabilities"`

	TenantID  *string        `json:"tenant_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SystemPrompt renders the per-execution system prompt from the definition,
// per the Agent Runtime's message-assembly step.
func (d *AgentDefinition) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s.", d.Name, d.Role)
	fmt.Fprintf(&b, "\nYour goal: %s", d.Goal)
	if d.Backstory != nil && *d.Backstory != "" {
		fmt.Fprintf(&b, "\nBackground: %s", *d.Backstory)
	}
	if len(d.Tools) > 0 {
		names := make([]string, len(d.Tools))
		for i, t := range d.Tools {
			names[i] = t.Name
		}
		fmt.Fprintf(&b, "\nYou have access to the following tools: %s", strings.Join(names, ", "))
	}
	return b.String()
}

// CapabilitySet returns the definition's capabilities as a membership set for
// router matching.
func (d *AgentDefinition) CapabilitySet() map[string]struct{} {
	set := make(map[string]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		set[c] = struct{}{}
	}
	return set
}

// AgentInstance is the runtime state of one agent tied to a worker process.
type AgentInstance struct {
	ID           uuid.UUID  `json:"instance_id"`
	DefinitionID uuid.UUID  `json:"agent_definition_id"`
	Status       AgentStatus `json:"status"`

	CurrentTaskID *uuid.UUID `json:"current_task_id,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	TasksCompleted        int     `json:"tasks_completed"`
	TasksFailed           int     `json:"tasks_failed"`
	TotalTokensUsed       int64   `json:"total_tokens_used"`
	TotalExecutionTimeMS  float64 `json:"total_execution_time_ms"`

	// Version is used for optimistic-concurrency writes by the worker and the
	// supervisor's health-check sweep.
	Version uint64 `json:"version"`
}

// IsAvailable reports whether the instance may be assigned a new task.
func (a *AgentInstance) IsAvailable() bool {
	return a.Status == AgentIdle && a.CurrentTaskID == nil
}

// AverageExecutionMS is the fastest-historical-average dispatch metric;
// zero completions sort last via the mathInf sentinel (1<<63 - 1).
func (a *AgentInstance) AverageExecutionMS() float64 {
	if a.TasksCompleted == 0 {
		return mathInf
	}
	return a.TotalExecutionTimeMS / float64(a.TasksCompleted)
}

// RecordTaskCompletion updates cumulative counters after a task terminates.
func (a *AgentInstance) RecordTaskCompletion(tokensUsed int64, executionTimeMS float64, success bool) {
	if success {
		a.TasksCompleted++
	} else {
		a.TasksFailed++
	}
	a.TotalTokensUsed += tokensUsed
	a.TotalExecutionTimeMS += executionTimeMS
}

const mathInf = 1<<63 - 1 // sentinel "infinity" in milliseconds for sort-last semantics
