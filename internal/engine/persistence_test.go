package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := domain.NewTask("tenant-a", "persisted", "survives restarts", []string{"sum"}, domain.PriorityHigh)
	if err := store.PutTask(ctx, task); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, found, err := store.GetTask(ctx, task.ID)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Name != "persisted" || got.Priority != domain.PriorityHigh || got.Status != domain.TaskPending {
		t.Fatalf("round trip lost fields: %+v", got)
	}

	if _, found, _ := store.GetTask(ctx, uuid.New()); found {
		t.Fatalf("unknown id must not be found")
	}
}

func TestStoreIdempotencyIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := "submit-once"
	task := domain.NewTask("tenant-a", "dedupe", "", nil, domain.PriorityNormal)
	task.IdempotencyKey = &key
	if err := store.PutTask(ctx, task); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, found, err := store.FindTaskByIdempotencyKey(ctx, key)
	if err != nil || !found {
		t.Fatalf("index lookup: found=%v err=%v", found, err)
	}
	if got.ID != task.ID {
		t.Fatalf("index resolved the wrong task: %s", got.ID)
	}

	if _, found, _ := store.FindTaskByIdempotencyKey(ctx, "never-used"); found {
		t.Fatalf("unused key must not resolve")
	}
}

func TestStoreWorkflowDefinitionVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "wf", Version: "1", TenantID: "tenant-a",
		Steps:     []domain.WorkflowStep{{StepID: "a", StepType: domain.StepAgentTask}},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.PutWorkflowDefinition(ctx, def); err != nil {
		t.Fatalf("put v1: %v", err)
	}

	def.Version = "2"
	if err := store.PutWorkflowDefinition(ctx, def); err != nil {
		t.Fatalf("put v2: %v", err)
	}

	got, found, err := store.GetWorkflowDefinition(ctx, def.ID)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Version != "2" {
		t.Fatalf("expected latest revision, got %s", got.Version)
	}
}

func TestStoreExecutionCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "wf", Version: "1",
		Steps: []domain.WorkflowStep{
			{StepID: "a", StepType: domain.StepAgentTask},
			{StepID: "b", StepType: domain.StepAgentTask, DependsOn: []string{"a"}},
		},
	}
	exec := domain.NewWorkflowExecution(def, map[string]any{"k": "v"})
	exec.Start()
	exec.CompleteStep("a", map[string]any{"ok": true})

	if err := store.PutWorkflowExecution(ctx, exec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, found, err := store.GetWorkflowExecution(ctx, exec.ID)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Status != domain.WorkflowRunning {
		t.Fatalf("expected running checkpoint, got %s", got.Status)
	}
	if len(got.CompletedSteps) != 1 || got.CompletedSteps[0] != "a" {
		t.Fatalf("completed_steps lost: %v", got.CompletedSteps)
	}

	listed, err := store.ListWorkflowExecutions(ctx, def.ID, 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("list: %v (%d entries)", err, len(listed))
	}
}

func TestStoreEventLogOrderedScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	aggregate := uuid.New()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		evt := domain.NewTaskEvent(domain.EventTaskProgress, aggregate, "tenant-a", int64(i), map[string]any{"step": i})
		evt.OccurredAt = base.Add(time.Duration(i) * time.Millisecond)
		if err := store.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// An event for a different aggregate must not leak into the scan.
	other := domain.NewTaskEvent(domain.EventTaskCreated, uuid.New(), "tenant-a", 0, nil)
	if err := store.AppendEvent(ctx, other); err != nil {
		t.Fatalf("append other: %v", err)
	}

	events, err := store.ListEvents(ctx, aggregate, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for the aggregate, got %d", len(events))
	}
	for i, evt := range events {
		if evt.Version != int64(i) {
			t.Fatalf("events out of version order: got %d at position %d", evt.Version, i)
		}
	}
}

func TestStoreScheduleBlobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutSchedule(ctx, "nightly", []byte(`{"cron":"0 2 * * *"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	all, err := store.ListSchedules(ctx)
	if err != nil || string(all["nightly"]) != `{"cron":"0 2 * * *"}` {
		t.Fatalf("list: %v %v", err, all)
	}
	if err := store.DeleteSchedule(ctx, "nightly"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, _ = store.ListSchedules(ctx)
	if len(all) != 0 {
		t.Fatalf("expected empty schedules, got %v", all)
	}
}
