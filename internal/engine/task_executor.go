package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// TaskSubmitter is the subset of the Task Router this package depends on:
// enqueue a task for capability-matched dispatch. Kept as a function type
// rather than an import of internal/router to avoid a package cycle (the
// application wiring layer owns both and connects them).
type TaskSubmitter func(ctx context.Context, t *domain.Task) *domain.Task

// WorkflowLookup resolves a subworkflow definition by id for SUBPROCESS steps.
type WorkflowLookup func(ctx context.Context, id uuid.UUID) (*domain.WorkflowDefinition, error)

type taskOutcome struct {
	success bool
	result  map[string]any
	errMsg  string
}

// TaskAwaiter lets the engine block on a dispatched task's terminal outcome.
// The application wiring layer feeds it by forwarding task.completed/
// task.failed events (however they arrive — direct router callback or a
// messaging-fabric subscription) into Notify.
type TaskAwaiter struct {
	mu      sync.Mutex
	waiters map[uuid.UUID]chan taskOutcome
}

func NewTaskAwaiter() *TaskAwaiter {
	return &TaskAwaiter{waiters: make(map[uuid.UUID]chan taskOutcome)}
}

func (a *TaskAwaiter) register(taskID uuid.UUID) <-chan taskOutcome {
	ch := make(chan taskOutcome, 1)
	a.mu.Lock()
	a.waiters[taskID] = ch
	a.mu.Unlock()
	return ch
}

func (a *TaskAwaiter) cancel(taskID uuid.UUID) {
	a.mu.Lock()
	delete(a.waiters, taskID)
	a.mu.Unlock()
}

// Notify delivers a task's terminal outcome. A no-op if nobody registered for
// taskID (it wasn't dispatched through an engine AGENT_TASK step).
func (a *TaskAwaiter) Notify(taskID uuid.UUID, success bool, result map[string]any, errMsg string) {
	a.mu.Lock()
	ch, ok := a.waiters[taskID]
	if ok {
		delete(a.waiters, taskID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	ch <- taskOutcome{success: success, result: result, errMsg: errMsg}
}

// ApprovalDecision is an external human verdict on a HUMAN_APPROVAL step.
type ApprovalDecision struct {
	Approved   bool
	ApprovedBy string
	Reason     string
}

// ApprovalAwaiter lets the engine block on a HUMAN_APPROVAL step until
// Decide is called for the (execution, step) pair, or it times out.
type ApprovalAwaiter struct {
	mu      sync.Mutex
	waiters map[string]chan ApprovalDecision
}

func NewApprovalAwaiter() *ApprovalAwaiter {
	return &ApprovalAwaiter{waiters: make(map[string]chan ApprovalDecision)}
}

func approvalKey(executionID uuid.UUID, stepID string) string {
	return executionID.String() + ":" + stepID
}

func (a *ApprovalAwaiter) register(key string) <-chan ApprovalDecision {
	ch := make(chan ApprovalDecision, 1)
	a.mu.Lock()
	a.waiters[key] = ch
	a.mu.Unlock()
	return ch
}

func (a *ApprovalAwaiter) cancel(key string) {
	a.mu.Lock()
	delete(a.waiters, key)
	a.mu.Unlock()
}

// Decide delivers a human verdict for executionID/stepID. Returns false if
// nobody is currently waiting on it (already timed out, or never requested).
func (a *ApprovalAwaiter) Decide(executionID uuid.UUID, stepID string, decision ApprovalDecision) bool {
	key := approvalKey(executionID, stepID)
	a.mu.Lock()
	ch, ok := a.waiters[key]
	if ok {
		delete(a.waiters, key)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decision
	return true
}

// AgentTaskExecutor implements StepExecutor: AGENT_TASK steps are rendered
// and either submitted to the Task Router and awaited (the normal path, an
// LLM-driven task) or, when the rendered template names a "backend" plugin,
// executed directly through the PluginRegistry (§4.3's HTTP/shell backends,
// no agent involved). SUBPROCESS steps recurse into the same Engine against
// a looked-up subworkflow definition. HUMAN_APPROVAL blocks on an external
// decision delivered through approvals.
type AgentTaskExecutor struct {
	submit         TaskSubmitter
	awaiter        *TaskAwaiter
	approvals      *ApprovalAwaiter
	plugins        *PluginRegistry
	engine         *Engine
	lookupWorkflow WorkflowLookup
}

// NewAgentTaskExecutor wires the engine's StepExecutor to the Task Router
// (submit/awaiter), the plugin registry, and this Engine for recursive
// SUBPROCESS execution. lookupWorkflow may be nil if SUBPROCESS steps are
// never used by the deployment.
func NewAgentTaskExecutor(submit TaskSubmitter, awaiter *TaskAwaiter, approvals *ApprovalAwaiter, plugins *PluginRegistry, eng *Engine, lookupWorkflow WorkflowLookup) *AgentTaskExecutor {
	return &AgentTaskExecutor{
		submit:         submit,
		awaiter:        awaiter,
		approvals:      approvals,
		plugins:        plugins,
		engine:         eng,
		lookupWorkflow: lookupWorkflow,
	}
}

func (e *AgentTaskExecutor) ExecuteAgentTask(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution) (map[string]any, error) {
	rendered, _ := InterpolateValue(step.TaskTemplate, exec).(map[string]any)
	if rendered == nil {
		rendered = map[string]any{}
	}

	if backend, ok := rendered["backend"].(string); ok && backend != "" {
		if e.plugins == nil {
			return nil, fmt.Errorf("step %s: backend %q requested but no plugin registry configured", step.StepID, backend)
		}
		return e.plugins.Execute(ctx, backend, rendered, exec)
	}

	return e.dispatchToRouter(ctx, step, exec, rendered)
}

func (e *AgentTaskExecutor) dispatchToRouter(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution, rendered map[string]any) (map[string]any, error) {
	name, _ := rendered["name"].(string)
	if name == "" {
		name = step.Name
	}
	description, _ := rendered["description"].(string)

	var caps []string
	if raw, ok := rendered["required_capabilities"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				caps = append(caps, s)
			}
		}
	}

	task := domain.NewTask(exec.TenantID, name, description, caps, domain.PriorityNormal)
	execID := exec.ID
	task.ParentWorkflowID = &execID
	stepID := step.StepID
	task.ParentStepID = &stepID
	if input, ok := rendered["input_data"].(map[string]any); ok {
		task.InputData = input
	} else {
		task.InputData = rendered
	}
	if step.TimeoutSeconds > 0 {
		task.TimeoutSeconds = step.TimeoutSeconds
	}

	outcome := e.awaiter.register(task.ID)
	e.submit(ctx, task)

	select {
	case o := <-outcome:
		if !o.success {
			return nil, errors.New(o.errMsg)
		}
		return o.result, nil
	case <-ctx.Done():
		e.awaiter.cancel(task.ID)
		return nil, ctx.Err()
	}
}

func (e *AgentTaskExecutor) ExecuteSubprocess(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution) (map[string]any, error) {
	if step.SubworkflowID == nil {
		return nil, fmt.Errorf("subprocess step %s: missing subworkflow_id", step.StepID)
	}
	if e.lookupWorkflow == nil || e.engine == nil {
		return nil, fmt.Errorf("subprocess step %s: no subworkflow executor configured", step.StepID)
	}
	def, err := e.lookupWorkflow(ctx, *step.SubworkflowID)
	if err != nil {
		return nil, fmt.Errorf("subprocess step %s: %w", step.StepID, err)
	}
	rendered, _ := InterpolateValue(step.TaskTemplate, exec).(map[string]any)

	subExec := domain.NewWorkflowExecution(def, rendered)
	subExec.TenantID = exec.TenantID
	if err := e.engine.Execute(ctx, def, subExec, e); err != nil {
		return nil, fmt.Errorf("subprocess step %s: %w", step.StepID, err)
	}
	return subExec.OutputData, nil
}

func (e *AgentTaskExecutor) RequestHumanApproval(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution) (map[string]any, error) {
	key := approvalKey(exec.ID, step.StepID)
	ch := e.approvals.register(key)

	timeout := time.Duration(step.ApprovalTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		if !decision.Approved {
			return nil, fmt.Errorf("step %s: approval rejected by %s: %s", step.StepID, decision.ApprovedBy, decision.Reason)
		}
		return map[string]any{"approved": true, "approved_by": decision.ApprovedBy, "reason": decision.Reason}, nil
	case <-timer.C:
		e.approvals.cancel(key)
		return nil, fmt.Errorf("step %s: approval timed out after %s", step.StepID, timeout)
	case <-ctx.Done():
		e.approvals.cancel(key)
		return nil, ctx.Err()
	}
}
