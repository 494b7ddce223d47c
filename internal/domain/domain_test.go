package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTaskStatusTerminality(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskPending, TaskQueued, TaskAssigned, TaskRunning} {
		if s.IsTerminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestTaskLifecycleTimestamps(t *testing.T) {
	task := NewTask("tenant-a", "demo", "a demo task", []string{"sum"}, PriorityHigh)
	if task.Status != TaskPending || task.StartedAt != nil || task.CompletedAt != nil {
		t.Fatalf("fresh task in wrong state: %+v", task)
	}

	agentID := uuid.New()
	task.Start(agentID)
	if task.Status != TaskRunning || task.StartedAt == nil {
		t.Fatalf("started_at must be set when the task reaches RUNNING")
	}
	if task.AssignedAgentID == nil || *task.AssignedAgentID != agentID {
		t.Fatalf("assigned agent not recorded")
	}

	task.Complete(map[string]any{"answer": "5"})
	if task.Status != TaskCompleted || task.CompletedAt == nil {
		t.Fatalf("completion must set status and timestamp")
	}
	if task.Result["answer"] != "5" {
		t.Fatalf("result not recorded")
	}
}

func TestTaskCanRetry(t *testing.T) {
	task := NewTask("t", "retry", "", nil, PriorityNormal)
	task.MaxRetries = 2
	for i := 0; i < 2; i++ {
		if !task.CanRetry() {
			t.Fatalf("retry budget should remain at count %d", task.RetryCount)
		}
		task.RetryCount++
	}
	if task.CanRetry() {
		t.Fatalf("retry budget must be exhausted at retry_count == max_retries")
	}
}

func TestRequiresSubsetOf(t *testing.T) {
	have := map[string]struct{}{"sum": {}, "search": {}}
	if !RequiresSubsetOf([]string{"sum"}, have) {
		t.Fatalf("subset must match")
	}
	if !RequiresSubsetOf(nil, have) {
		t.Fatalf("empty requirement matches anything")
	}
	if RequiresSubsetOf([]string{"sum", "research"}, have) {
		t.Fatalf("missing capability must not match")
	}
}

func TestPriorityStrings(t *testing.T) {
	cases := map[TaskPriority]string{
		PriorityLow: "LOW", PriorityNormal: "NORMAL", PriorityHigh: "HIGH", PriorityCritical: "CRITICAL",
	}
	for p, want := range cases {
		if p.String() != want {
			t.Fatalf("priority %d: got %s, want %s", p, p.String(), want)
		}
	}
}

func TestIsToolAllowedDenyWins(t *testing.T) {
	c := AgentConstraints{
		AllowedTools: []string{"add", "search"},
		DeniedTools:  []string{"search"},
	}
	if !c.IsToolAllowed("add") {
		t.Fatalf("allow-listed tool must pass")
	}
	if c.IsToolAllowed("search") {
		t.Fatalf("explicit deny must win over allow")
	}
	if c.IsToolAllowed("scrape") {
		t.Fatalf("tool outside the allow-list must be rejected")
	}

	open := AgentConstraints{DeniedTools: []string{"shell"}}
	if !open.IsToolAllowed("anything") {
		t.Fatalf("nil allow-list means all tools allowed")
	}
	if open.IsToolAllowed("shell") {
		t.Fatalf("deny applies even with nil allow-list")
	}
}

func TestAgentInstanceAvailability(t *testing.T) {
	inst := &AgentInstance{ID: uuid.New(), Status: AgentIdle}
	if !inst.IsAvailable() {
		t.Fatalf("idle instance with no task must be available")
	}
	taskID := uuid.New()
	inst.CurrentTaskID = &taskID
	if inst.IsAvailable() {
		t.Fatalf("instance with a current task must not be available")
	}
	inst.CurrentTaskID = nil
	inst.Status = AgentError
	if inst.IsAvailable() {
		t.Fatalf("errored instance must be excluded from dispatch")
	}
}

func TestAverageExecutionSortsZeroCompletionsLast(t *testing.T) {
	fresh := &AgentInstance{ID: uuid.New()}
	seasoned := &AgentInstance{ID: uuid.New(), TasksCompleted: 10, TotalExecutionTimeMS: 50_000}
	if fresh.AverageExecutionMS() <= seasoned.AverageExecutionMS() {
		t.Fatalf("zero-completion agents must sort after any measured agent")
	}
	if got := seasoned.AverageExecutionMS(); got != 5000 {
		t.Fatalf("expected average 5000ms, got %v", got)
	}
}

func TestSystemPromptIncludesToolNames(t *testing.T) {
	backstory := "forged in unit tests"
	def := &AgentDefinition{
		Name: "Calc", Role: "calculator", Goal: "add numbers", Backstory: &backstory,
		Tools: []ToolConfig{{Name: "add"}, {Name: "subtract"}},
	}
	prompt := def.SystemPrompt()
	for _, want := range []string{"Calc", "calculator", "add numbers", "forged in unit tests", "add, subtract"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestDomainEventCausationChain(t *testing.T) {
	root := NewTaskEvent(EventTaskCreated, uuid.New(), "tenant-a", 0, map[string]any{"name": "root"})
	if root.CorrelationID != root.EventID {
		t.Fatalf("a fresh event starts its own correlation chain")
	}

	child := NewTaskEvent(EventTaskAssigned, root.AggregateID, "tenant-a", 1, nil).CausedBy(root)
	if child.CausationID == nil || *child.CausationID != root.EventID {
		t.Fatalf("causation must point at the parent event")
	}
	if child.CorrelationID != root.CorrelationID {
		t.Fatalf("correlation must be inherited down the chain")
	}

	grandchild := NewAgentEvent(EventAgentLLMCall, uuid.New(), "tenant-a", 0, nil).CausedBy(child)
	if grandchild.CorrelationID != root.CorrelationID {
		t.Fatalf("correlation must survive transitive causation")
	}
}

func TestWorkflowExecutionProgress(t *testing.T) {
	def := &WorkflowDefinition{
		ID: uuid.New(), Name: "wf", Version: "1",
		Steps: []WorkflowStep{
			{StepID: "a", StepType: StepAgentTask},
			{StepID: "b", StepType: StepAgentTask},
			{StepID: "par", StepType: StepParallel, Children: []WorkflowStep{
				{StepID: "c1", StepType: StepAgentTask},
				{StepID: "c2", StepType: StepAgentTask},
			}},
		},
	}
	exec := NewWorkflowExecution(def, map[string]any{"k": "v"})
	if exec.CheckpointData["total_steps"] != 5 {
		t.Fatalf("expected 5 total steps counting children, got %v", exec.CheckpointData["total_steps"])
	}
	if exec.ProgressPercentage() != 0 {
		t.Fatalf("fresh execution must be at 0%%")
	}

	exec.CompleteStep("a", map[string]any{"ok": true})
	if got := exec.ProgressPercentage(); got != 20 {
		t.Fatalf("expected 20%%, got %v", got)
	}
}

func TestWorkflowExecutionCompleteStepOrdering(t *testing.T) {
	def := &WorkflowDefinition{ID: uuid.New(), Steps: []WorkflowStep{{StepID: "a"}, {StepID: "b"}}}
	exec := NewWorkflowExecution(def, nil)
	exec.CompleteStep("b", 1)
	exec.CompleteStep("a", 2)
	if exec.CompletedSteps[0] != "b" || exec.CompletedSteps[1] != "a" {
		t.Fatalf("completed_steps must record completion order, got %v", exec.CompletedSteps)
	}
}

func TestGetStepSearchesChildren(t *testing.T) {
	def := &WorkflowDefinition{
		ID: uuid.New(),
		Steps: []WorkflowStep{
			{StepID: "par", StepType: StepParallel, Children: []WorkflowStep{
				{StepID: "inner", StepType: StepAgentTask},
			}},
		},
	}
	if def.GetStep("inner") == nil {
		t.Fatalf("GetStep must descend into children")
	}
	if def.GetStep("missing") != nil {
		t.Fatalf("GetStep must return nil for unknown ids")
	}
}

func TestEffectiveRetryPolicyDefaults(t *testing.T) {
	s := &WorkflowStep{StepID: "a"}
	got := s.EffectiveRetryPolicy()
	if got.MaxAttempts != 3 || got.Multiplier != 2.0 {
		t.Fatalf("unexpected default policy: %+v", got)
	}

	custom := RetryPolicy{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
	s.RetryPolicy = &custom
	if s.EffectiveRetryPolicy().MaxAttempts != 1 {
		t.Fatalf("explicit policy must win")
	}
}

func TestOrchestratorErrorKind(t *testing.T) {
	err := NewError(KindBudget, "max iterations reached")
	if !IsKind(err, KindBudget) {
		t.Fatalf("expected budget kind")
	}
	if IsKind(err, KindTimeout) {
		t.Fatalf("kind must not match a different category")
	}

	wrapped := Wrap(KindTimeout, "step deadline", err)
	if wrapped.Unwrap() != err {
		t.Fatalf("wrap must preserve the cause")
	}
}
