package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// stubExecutor implements StepExecutor with per-step-id canned outcomes,
// counts how many times an agent task is invoked, and records the order in
// which compensation steps run.
type stubExecutor struct {
	mu            sync.Mutex
	failSteps     map[string]string
	delay         time.Duration
	calls         int32
	compensations []string
}

func (s *stubExecutor) ExecuteAgentTask(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution) (map[string]any, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	if strings.HasSuffix(step.StepID, ":compensate") {
		s.compensations = append(s.compensations, strings.TrimSuffix(step.StepID, ":compensate"))
	}
	reason, shouldFail := s.failSteps[step.StepID]
	s.mu.Unlock()
	if shouldFail {
		return nil, fmt.Errorf("%s", reason)
	}
	return map[string]any{"step": step.StepID, "ok": true}, nil
}

func (s *stubExecutor) compensated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.compensations...)
}

func (s *stubExecutor) ExecuteSubprocess(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution) (map[string]any, error) {
	return map[string]any{"subprocess": step.StepID}, nil
}

func (s *stubExecutor) RequestHumanApproval(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution) (map[string]any, error) {
	return map[string]any{"approved": true}, nil
}

func newTestEngine() *Engine {
	meter := noopmetric.MeterProvider{}.Meter("test")
	return NewEngine(meter, 4)
}

func newTestDefinition(steps ...domain.WorkflowStep) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:       uuid.New(),
		Name:     "test-workflow",
		Version:  "1",
		TenantID: "tenant-a",
		Steps:    steps,
	}
}

func TestEngineExecuteLinearChain(t *testing.T) {
	def := newTestDefinition(
		domain.WorkflowStep{StepID: "a", Name: "a", StepType: domain.StepAgentTask},
		domain.WorkflowStep{StepID: "b", Name: "b", StepType: domain.StepAgentTask, DependsOn: []string{"a"}},
	)
	exec := domain.NewWorkflowExecution(def, nil)
	executor := &stubExecutor{failSteps: map[string]string{}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := newTestEngine().Execute(ctx, def, exec, executor); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if exec.Status != domain.WorkflowCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if len(exec.CompletedSteps) != 2 {
		t.Fatalf("expected 2 completed steps, got %d", len(exec.CompletedSteps))
	}
}

func TestEngineExecuteDetectsCycle(t *testing.T) {
	def := newTestDefinition(
		domain.WorkflowStep{StepID: "a", StepType: domain.StepAgentTask, DependsOn: []string{"b"}},
		domain.WorkflowStep{StepID: "b", StepType: domain.StepAgentTask, DependsOn: []string{"a"}},
	)
	exec := domain.NewWorkflowExecution(def, nil)
	executor := &stubExecutor{failSteps: map[string]string{}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := newTestEngine().Execute(ctx, def, exec, executor); err == nil {
		t.Fatalf("expected circular dependency error")
	}
}

func TestEngineTopLevelPassIsSequentialInListedOrder(t *testing.T) {
	def := newTestDefinition(
		domain.WorkflowStep{StepID: "root", StepType: domain.StepAgentTask},
		domain.WorkflowStep{StepID: "c1", StepType: domain.StepAgentTask, DependsOn: []string{"root"}},
		domain.WorkflowStep{StepID: "c2", StepType: domain.StepAgentTask, DependsOn: []string{"root"}},
		domain.WorkflowStep{StepID: "c3", StepType: domain.StepAgentTask, DependsOn: []string{"root"}},
	)
	exec := domain.NewWorkflowExecution(def, nil)
	executor := &stubExecutor{failSteps: map[string]string{}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := newTestEngine().Execute(ctx, def, exec, executor); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	want := []string{"root", "c1", "c2", "c3"}
	if len(exec.CompletedSteps) != len(want) {
		t.Fatalf("expected %d completed steps, got %v", len(want), exec.CompletedSteps)
	}
	for i, id := range want {
		if exec.CompletedSteps[i] != id {
			t.Fatalf("single forward pass must complete steps in listed order: got %v", exec.CompletedSteps)
		}
	}
}

func TestEngineParallelStepRunsChildrenConcurrently(t *testing.T) {
	def := newTestDefinition(
		domain.WorkflowStep{
			StepID: "fan", StepType: domain.StepParallel,
			Children: []domain.WorkflowStep{
				{StepID: "c1", StepType: domain.StepAgentTask},
				{StepID: "c2", StepType: domain.StepAgentTask},
				{StepID: "c3", StepType: domain.StepAgentTask},
			},
		},
	)
	exec := domain.NewWorkflowExecution(def, nil)
	executor := &stubExecutor{failSteps: map[string]string{}, delay: 100 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := newTestEngine().Execute(ctx, def, exec, executor); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("children of a PARALLEL step must run concurrently, took %s", elapsed)
	}
	if atomic.LoadInt32(&executor.calls) != 3 {
		t.Fatalf("expected all 3 children executed, got %d", executor.calls)
	}
}

func TestEngineResumeSkipsCompletedSteps(t *testing.T) {
	def := newTestDefinition(
		domain.WorkflowStep{StepID: "a", StepType: domain.StepAgentTask},
		domain.WorkflowStep{StepID: "b", StepType: domain.StepAgentTask, DependsOn: []string{"a"}},
	)
	exec := domain.NewWorkflowExecution(def, nil)
	// Checkpoint state from a previous run: a already done.
	exec.CompleteStep("a", map[string]any{"ok": true})
	executor := &stubExecutor{failSteps: map[string]string{}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := newTestEngine().Execute(ctx, def, exec, executor); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if atomic.LoadInt32(&executor.calls) != 1 {
		t.Fatalf("resume must skip completed steps, executor ran %d times", executor.calls)
	}
	if len(exec.CompletedSteps) != 2 || exec.CompletedSteps[1] != "b" {
		t.Fatalf("unexpected completion record: %v", exec.CompletedSteps)
	}
}

func TestEngineCompensatesOnFailure(t *testing.T) {
	def := newTestDefinition(
		domain.WorkflowStep{
			StepID: "reserve", StepType: domain.StepAgentTask,
			Compensation: map[string]any{"action": "release"},
		},
		domain.WorkflowStep{StepID: "charge", StepType: domain.StepAgentTask, DependsOn: []string{"reserve"}},
	)
	exec := domain.NewWorkflowExecution(def, nil)
	executor := &stubExecutor{failSteps: map[string]string{"charge": "card declined"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := newTestEngine().Execute(ctx, def, exec, executor)
	if err == nil {
		t.Fatalf("expected failure from charge step")
	}
	if exec.Status != domain.WorkflowCompensated {
		t.Fatalf("expected compensated status after rollback, got %s", exec.Status)
	}
	if exec.FailedStepID != "charge" || exec.Error == "" {
		t.Fatalf("failure details must survive compensation: %+v", exec)
	}
	if got := executor.compensated(); len(got) != 1 || got[0] != "reserve" {
		t.Fatalf("expected reserve compensated exactly once, got %v", got)
	}
}

func TestEngineCompensatesInReverseCompletionOrder(t *testing.T) {
	noRetry := &domain.RetryPolicy{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
	def := newTestDefinition(
		domain.WorkflowStep{
			StepID: "reserve", StepType: domain.StepAgentTask, RetryPolicy: noRetry,
			Compensation: map[string]any{"action": "release_hold"},
		},
		domain.WorkflowStep{
			StepID: "charge", StepType: domain.StepAgentTask, DependsOn: []string{"reserve"}, RetryPolicy: noRetry,
			Compensation: map[string]any{"action": "refund"},
		},
		domain.WorkflowStep{
			StepID: "ship", StepType: domain.StepAgentTask, DependsOn: []string{"charge"}, RetryPolicy: noRetry,
		},
	)
	exec := domain.NewWorkflowExecution(def, nil)
	executor := &stubExecutor{failSteps: map[string]string{"ship": "no carrier"}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := newTestEngine().Execute(ctx, def, exec, executor); err == nil {
		t.Fatalf("expected failure from ship step")
	}

	got := executor.compensated()
	if len(got) != 2 || got[0] != "charge" || got[1] != "reserve" {
		t.Fatalf("compensation must run in reverse completion order, got %v", got)
	}
	if exec.Status != domain.WorkflowCompensated {
		t.Fatalf("expected compensated, got %s", exec.Status)
	}
}

func TestEngineParallelChildFailureCompensatesSiblings(t *testing.T) {
	noRetry := &domain.RetryPolicy{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
	def := newTestDefinition(
		domain.WorkflowStep{
			StepID: "fan", StepType: domain.StepParallel, RetryPolicy: noRetry,
			Children: []domain.WorkflowStep{
				{StepID: "A", StepType: domain.StepAgentTask, Compensation: map[string]any{"action": "undo_A"}},
				{StepID: "B", StepType: domain.StepAgentTask},
			},
		},
	)
	exec := domain.NewWorkflowExecution(def, nil)
	executor := &stubExecutor{failSteps: map[string]string{"B": "boom"}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := newTestEngine().Execute(ctx, def, exec, executor)
	if err == nil {
		t.Fatalf("expected parallel failure to propagate")
	}
	if !strings.Contains(err.Error(), "B") {
		t.Fatalf("aggregated error must name the failing child, got %v", err)
	}
	if exec.Status != domain.WorkflowCompensated {
		t.Fatalf("expected compensated, got %s", exec.Status)
	}
	if len(exec.CompletedSteps) != 1 || exec.CompletedSteps[0] != "A" {
		t.Fatalf("expected only A completed, got %v", exec.CompletedSteps)
	}
	if got := executor.compensated(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("expected undo for A exactly once, got %v", got)
	}
}

func TestEngineConditionalStepSkipsWhenFalse(t *testing.T) {
	def := newTestDefinition(
		domain.WorkflowStep{
			StepID: "maybe", StepType: domain.StepConditional, Condition: "input.go == true",
			Children: []domain.WorkflowStep{{StepID: "inner", StepType: domain.StepAgentTask}},
		},
	)
	exec := domain.NewWorkflowExecution(def, map[string]any{"go": false})
	executor := &stubExecutor{failSteps: map[string]string{}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := newTestEngine().Execute(ctx, def, exec, executor); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if atomic.LoadInt32(&executor.calls) != 0 {
		t.Fatalf("expected conditional to skip children, executor was invoked %d times", executor.calls)
	}
}

func TestEngineLoopStepIteratesItems(t *testing.T) {
	def := newTestDefinition(
		domain.WorkflowStep{
			StepID: "each", StepType: domain.StepLoop,
			TaskTemplate: map[string]any{"items_from": "batch"},
			Children:     []domain.WorkflowStep{{StepID: "process", StepType: domain.StepAgentTask}},
		},
	)
	exec := domain.NewWorkflowExecution(def, map[string]any{"batch": []any{"x", "y", "z"}})
	executor := &stubExecutor{failSteps: map[string]string{}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := newTestEngine().Execute(ctx, def, exec, executor); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if atomic.LoadInt32(&executor.calls) != 3 {
		t.Fatalf("expected 3 loop iterations, got %d", executor.calls)
	}
}

func TestCancellationManagerCancelStopsExecution(t *testing.T) {
	cm := NewCancellationManager(noopmetric.MeterProvider{}.Meter("test"))
	def := newTestDefinition(domain.WorkflowStep{StepID: "a", StepType: domain.StepAgentTask})
	exec := domain.NewWorkflowExecution(def, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cm.Register(exec, cancel)

	if err := cm.Cancel(context.Background(), exec.ID, "operator request"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected context to be cancelled")
	}

	status, ok := cm.GetStatus(exec.ID)
	if !ok || status != TrackedCancelled {
		t.Fatalf("expected tracked cancelled status, got %v (found=%v)", status, ok)
	}

	if err := cm.Cancel(context.Background(), exec.ID, "again"); err == nil {
		t.Fatalf("expected error cancelling an already-cancelled execution")
	}
}

func TestCancellationManagerUnknownExecution(t *testing.T) {
	cm := NewCancellationManager(noopmetric.MeterProvider{}.Meter("test"))
	if err := cm.Cancel(context.Background(), uuid.New(), "reason"); err == nil {
		t.Fatalf("expected error for unregistered execution")
	}
}

func TestInterpolateResolvesInputAndStepPaths(t *testing.T) {
	def := newTestDefinition()
	exec := domain.NewWorkflowExecution(def, map[string]any{"user": map[string]any{"name": "ada"}})
	exec.StepResults["fetch"] = map[string]any{"items": []any{"one", "two"}}

	got := Interpolate("hello ${input.user.name}, first item ${steps.fetch.items.0}", exec)
	want := "hello ada, first item one"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInterpolateLeavesUnresolvedPlaceholderLiteral(t *testing.T) {
	def := newTestDefinition()
	exec := domain.NewWorkflowExecution(def, map[string]any{})
	got := Interpolate("value: ${input.missing.path}", exec)
	if got != "value: ${input.missing.path}" {
		t.Fatalf("expected literal placeholder preserved, got %q", got)
	}
}

func TestAgentTaskExecutorDispatchesToRouterAndAwaitsOutcome(t *testing.T) {
	awaiter := NewTaskAwaiter()
	var submitted *domain.Task
	submit := func(ctx context.Context, tk *domain.Task) *domain.Task {
		submitted = tk
		go awaiter.Notify(tk.ID, true, map[string]any{"answer": 42}, "")
		return tk
	}

	executor := NewAgentTaskExecutor(submit, awaiter, NewApprovalAwaiter(), NewPluginRegistry(), nil, nil)
	def := newTestDefinition()
	exec := domain.NewWorkflowExecution(def, nil)
	step := &domain.WorkflowStep{StepID: "ask", Name: "ask", StepType: domain.StepAgentTask, TaskTemplate: map[string]any{"name": "ask"}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := executor.ExecuteAgentTask(ctx, step, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if submitted == nil {
		t.Fatalf("expected task to be submitted to router")
	}
	if result["answer"] != 42 {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestAgentTaskExecutorBackendBypassesRouter(t *testing.T) {
	submit := func(ctx context.Context, tk *domain.Task) *domain.Task {
		t.Fatalf("router should not be invoked for a backend-routed step")
		return tk
	}
	executor := NewAgentTaskExecutor(submit, NewTaskAwaiter(), NewApprovalAwaiter(), NewPluginRegistry(), nil, nil)
	def := newTestDefinition()
	exec := domain.NewWorkflowExecution(def, nil)
	step := &domain.WorkflowStep{
		StepID: "echo", StepType: domain.StepAgentTask,
		TaskTemplate: map[string]any{"backend": "shell", "command": "echo hi"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := executor.ExecuteAgentTask(ctx, step, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["exit_code"] != 0 {
		t.Fatalf("expected exit code 0, got %v", result["exit_code"])
	}
}

func TestApprovalAwaiterDecideUnblocksWaiter(t *testing.T) {
	approvals := NewApprovalAwaiter()
	executor := NewAgentTaskExecutor(nil, NewTaskAwaiter(), approvals, NewPluginRegistry(), nil, nil)
	def := newTestDefinition()
	exec := domain.NewWorkflowExecution(def, nil)
	step := &domain.WorkflowStep{StepID: "approve-refund", ApprovalTimeoutSeconds: 2}

	go func() {
		time.Sleep(20 * time.Millisecond)
		if !approvals.Decide(exec.ID, step.StepID, ApprovalDecision{Approved: true, ApprovedBy: "ops"}) {
			t.Errorf("expected Decide to find a waiter")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := executor.RequestHumanApproval(ctx, step, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["approved_by"] != "ops" {
		t.Fatalf("unexpected result: %v", result)
	}
}
