// Package domain holds the shared entity types for the orchestrator: tasks,
// agent definitions and instances, workflow definitions and executions, and
// domain events. These are plain structs circulated by every other package;
// nothing here reaches back into router/engine/agent.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskPriority orders dispatch within the router's priority queue.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// TaskStatus is the lifecycle of a Task. Once terminal it never transitions again.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether status is one from which no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	default:
		return false
	}
}

// Task is a unit of LLM-driven work produced by a user or a workflow step.
type Task struct {
	ID                   uuid.UUID      `json:"task_id"`
	TenantID             string         `json:"tenant_id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	InputData            map[string]any `json:"input_data"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Priority             TaskPriority   `json:"priority"`
	Status               TaskStatus     `json:"status"`
	AssignedAgentID      *uuid.UUID     `json:"assigned_agent_id,omitempty"`

	ParentWorkflowID *uuid.UUID `json:"parent_workflow_id,omitempty"`
	ParentStepID     *string    `json:"parent_step_id,omitempty"`

	// IdempotencyKey, when set, dedupes resubmission at insert time.
	IdempotencyKey *string `json:"idempotency_key,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds"`
	RetryCount     int `json:"retry_count"`
	MaxRetries     int `json:"max_retries"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// NewTask constructs a Task with default status/timestamps.
func NewTask(tenantID, name, description string, caps []string, priority TaskPriority) *Task {
	return &Task{
		ID:                   uuid.New(),
		TenantID:             tenantID,
		Name:                 name,
		Description:          description,
		InputData:            map[string]any{},
		RequiredCapabilities: caps,
		Priority:             priority,
		Status:               TaskPending,
		TimeoutSeconds:       300,
		MaxRetries:           3,
		CreatedAt:            time.Now().UTC(),
	}
}

// Start transitions the task to RUNNING and records the assigned agent.
func (t *Task) Start(agentID uuid.UUID) {
	now := time.Now().UTC()
	t.Status = TaskRunning
	t.AssignedAgentID = &agentID
	t.StartedAt = &now
}

// Complete marks the task COMPLETED with the given result.
func (t *Task) Complete(result map[string]any) {
	now := time.Now().UTC()
	t.Status = TaskCompleted
	t.Result = result
	t.CompletedAt = &now
}

// Fail marks the task FAILED with the given error message.
func (t *Task) Fail(errMsg string) {
	now := time.Now().UTC()
	t.Status = TaskFailed
	t.Error = errMsg
	t.CompletedAt = &now
}

// Cancel marks the task CANCELLED.
func (t *Task) Cancel() {
	now := time.Now().UTC()
	t.Status = TaskCancelled
	t.CompletedAt = &now
}

// CanRetry reports whether the task has retry budget remaining.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// RequiresSubsetOf reports whether required is a subset of have.
func RequiresSubsetOf(required []string, have map[string]struct{}) bool {
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}
