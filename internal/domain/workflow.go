package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStepType enumerates the kinds of nodes a Workflow Definition's DAG
// may contain.
type WorkflowStepType string

const (
	StepAgentTask     WorkflowStepType = "agent_task"
	StepParallel      WorkflowStepType = "parallel"
	StepConditional   WorkflowStepType = "conditional"
	StepLoop          WorkflowStepType = "loop"
	StepWait          WorkflowStepType = "wait"
	StepHumanApproval WorkflowStepType = "human_approval"
	StepSubprocess    WorkflowStepType = "subprocess"
)

// RetryPolicy bounds per-step retry attempts with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	InitialWait time.Duration `json:"initial_wait"`
	MaxWait     time.Duration `json:"max_wait"`
	Multiplier  float64       `json:"multiplier"`
}

// DefaultRetryPolicy is used when a step omits RetryPolicy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialWait: 200 * time.Millisecond, MaxWait: 5 * time.Second, Multiplier: 2.0}
}

// WorkflowStep is a node of the workflow DAG.
type WorkflowStep struct {
	StepID   string           `json:"step_id"`
	Name     string           `json:"name"`
	StepType WorkflowStepType `json:"step_type"`

	// AGENT_TASK
	AgentID      *uuid.UUID     `json:"agent_id,omitempty"`
	TaskTemplate map[string]any `json:"task_template,omitempty"`

	// CONDITIONAL
	Condition string `json:"condition,omitempty"`

	// PARALLEL / LOOP / CONDITIONAL children
	Children []WorkflowStep `json:"children,omitempty"`

	// WAIT
	WaitSeconds *int `json:"wait_seconds,omitempty"`

	// HUMAN_APPROVAL
	ApprovalTimeoutSeconds int `json:"approval_timeout_seconds,omitempty"`

	// SUBPROCESS
	SubworkflowID *uuid.UUID `json:"subworkflow_id,omitempty"`

	// Saga compensation
	Compensation map[string]any `json:"compensation,omitempty"`

	TimeoutSeconds int          `json:"timeout_seconds"`
	RetryPolicy    *RetryPolicy `json:"retry_policy,omitempty"`

	DependsOn []string `json:"depends_on,omitempty"`
}

// EffectiveRetryPolicy returns the step's policy or the package default.
func (s *WorkflowStep) EffectiveRetryPolicy() RetryPolicy {
	if s.RetryPolicy != nil {
		return *s.RetryPolicy
	}
	return DefaultRetryPolicy()
}

// WorkflowDefinition is a named, versioned DAG of Workflow Steps.
type WorkflowDefinition struct {
	ID          uuid.UUID      `json:"workflow_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version"`
	Steps       []WorkflowStep `json:"steps"`

	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	TenantID  string         `json:"tenant_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// GetStep finds a step by id, searching top-level steps then their children.
func (d *WorkflowDefinition) GetStep(stepID string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].StepID == stepID {
			return &d.Steps[i]
		}
		for j := range d.Steps[i].Children {
			if d.Steps[i].Children[j].StepID == stepID {
				return &d.Steps[i].Children[j]
			}
		}
	}
	return nil
}

// WorkflowStatus is the lifecycle of a Workflow Execution.
type WorkflowStatus string

const (
	WorkflowPending      WorkflowStatus = "pending"
	WorkflowRunning      WorkflowStatus = "running"
	WorkflowPaused       WorkflowStatus = "paused"
	WorkflowCompleted    WorkflowStatus = "completed"
	WorkflowFailed       WorkflowStatus = "failed"
	WorkflowCompensating WorkflowStatus = "compensating"
	WorkflowCompensated  WorkflowStatus = "compensated"
	WorkflowCancelled    WorkflowStatus = "cancelled"
)

// WorkflowExecution is a running instance of a WorkflowDefinition.
type WorkflowExecution struct {
	ID                   uuid.UUID      `json:"execution_id"`
	WorkflowDefinitionID uuid.UUID      `json:"workflow_definition_id"`
	TenantID             string         `json:"tenant_id"`

	Status        WorkflowStatus `json:"status"`
	CurrentStepID string         `json:"current_step_id,omitempty"`

	CompletedSteps []string       `json:"completed_steps"`
	StepResults    map[string]any `json:"step_results"`
	FailedStepID   string         `json:"failed_step_id,omitempty"`

	InputData      map[string]any `json:"input_data"`
	OutputData     map[string]any `json:"output_data,omitempty"`
	CheckpointData map[string]any `json:"checkpoint_data"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewWorkflowExecution constructs a pending execution for a definition.
func NewWorkflowExecution(def *WorkflowDefinition, input map[string]any) *WorkflowExecution {
	return &WorkflowExecution{
		ID:                   uuid.New(),
		WorkflowDefinitionID: def.ID,
		TenantID:             def.TenantID,
		Status:               WorkflowPending,
		CompletedSteps:       []string{},
		StepResults:          map[string]any{},
		InputData:            input,
		CheckpointData:       map[string]any{"total_steps": totalStepCount(def.Steps)},
		CreatedAt:            time.Now().UTC(),
	}
}

func totalStepCount(steps []WorkflowStep) int {
	n := 0
	for _, s := range steps {
		n++
		n += len(s.Children)
	}
	return n
}

// ProgressPercentage is |completed_steps| / checkpoint_data.total_steps * 100.
func (e *WorkflowExecution) ProgressPercentage() float64 {
	total, ok := e.CheckpointData["total_steps"].(int)
	if !ok || total == 0 {
		return 0
	}
	return float64(len(e.CompletedSteps)) / float64(total) * 100
}

// Start transitions the execution to RUNNING.
func (e *WorkflowExecution) Start() {
	now := time.Now().UTC()
	e.Status = WorkflowRunning
	e.StartedAt = &now
}

// CompleteStep records a successful step result and advances completed_steps.
func (e *WorkflowExecution) CompleteStep(stepID string, result any) {
	e.CompletedSteps = append(e.CompletedSteps, stepID)
	e.StepResults[stepID] = result
}

// Fail marks the execution FAILED at the given step.
func (e *WorkflowExecution) Fail(stepID, errMsg string) {
	now := time.Now().UTC()
	e.Status = WorkflowFailed
	e.FailedStepID = stepID
	e.Error = errMsg
	e.CompletedAt = &now
}

// Complete marks the execution COMPLETED with the given output.
func (e *WorkflowExecution) Complete(output map[string]any) {
	now := time.Now().UTC()
	e.Status = WorkflowCompleted
	e.OutputData = output
	e.CompletedAt = &now
}
