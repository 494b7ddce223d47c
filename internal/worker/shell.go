// Package worker implements the worker process shell: the process that
// drives an agent runtime to completion for a task the router assigned,
// publishing results and heartbeats back over the messaging fabric.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/babushkai/agentorchestrators/internal/agent"
	"github.com/babushkai/agentorchestrators/internal/domain"
	"github.com/babushkai/agentorchestrators/internal/tools"
)

// Publisher is the subset of the messaging fabric the worker shell needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// DefinitionLookup resolves the AgentDefinition assigned to a task, if any.
type DefinitionLookup func(ctx context.Context, id uuid.UUID) (*domain.AgentDefinition, bool, error)

// Shell is a pool of concurrency-bounded task executors: it receives
// assigned tasks (via Handle, wired to a messaging-fabric subscription by
// the application layer), builds a fresh agent.Runtime per task, runs it,
// and publishes the terminal RESULTS.* event and periodic WORKERS.heartbeat.
type Shell struct {
	workerID    string
	concurrency int
	provider    agent.Provider
	registry    *tools.Registry
	lookupDef    DefinitionLookup
	publisher    Publisher
	textFallback bool
	logger       *slog.Logger

	sem         chan struct{}
	activeTasks int64

	tasksHandled  metric.Int64Counter
	tasksFailed   metric.Int64Counter
	tracer        trace.Tracer

	wg sync.WaitGroup
}

// Config bundles the Shell's construction parameters.
type Config struct {
	WorkerID    string
	Concurrency int
	Provider    agent.Provider
	Registry    *tools.Registry
	LookupDef   DefinitionLookup
	Publisher   Publisher

	// TextToolCallFallback propagates to every runtime this shell builds.
	TextToolCallFallback bool
}

func New(cfg Config, meter metric.Meter, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	tasksHandled, _ := meter.Int64Counter("orchestrator_worker_tasks_total")
	tasksFailed, _ := meter.Int64Counter("orchestrator_worker_tasks_failed_total")
	return &Shell{
		workerID:     workerID,
		concurrency:  concurrency,
		provider:     cfg.Provider,
		registry:     cfg.Registry,
		lookupDef:    cfg.LookupDef,
		publisher:    cfg.Publisher,
		textFallback: cfg.TextToolCallFallback,
		logger:       logger.With("component", "worker", "worker_id", workerID),
		sem:          make(chan struct{}, concurrency),
		tasksHandled: tasksHandled,
		tasksFailed:  tasksFailed,
		tracer:       otel.Tracer("orchestrator-worker"),
	}
}

func (s *Shell) WorkerID() string { return s.workerID }

// Handle processes one task.assigned event payload. It acquires a semaphore
// slot (blocking, bounded by ctx) so at most concurrency tasks run at once.
func (s *Shell) Handle(ctx context.Context, evt *domain.DomainEvent, task *domain.Task) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	atomic.AddInt64(&s.activeTasks, 1)
	s.wg.Add(1)
	go func() {
		defer func() {
			<-s.sem
			atomic.AddInt64(&s.activeTasks, -1)
			s.wg.Done()
		}()
		s.execute(context.WithoutCancel(ctx), task)
	}()
	return nil
}

func (s *Shell) execute(ctx context.Context, task *domain.Task) {
	ctx, span := s.tracer.Start(ctx, "worker.execute_task", trace.WithAttributes(
		attribute.String("task_id", task.ID.String()), attribute.String("worker_id", s.workerID),
	))
	defer span.End()

	definition := s.resolveDefinition(ctx, task)

	runtime := agent.NewRuntime(definition, s.provider, s.registry, nil, s.publishAgentEvent)
	runtime.SetTextToolCallFallback(s.textFallback)

	input := task.Description
	if len(task.InputData) > 0 {
		b, _ := json.Marshal(task.InputData)
		input = fmt.Sprintf("%s\n\nInput data: %s", input, string(b))
	}

	_ = s.publish(ctx, "TASKS.started", map[string]any{
		"task_id": task.ID.String(), "worker_id": s.workerID, "agent_id": definition.ID.String(),
	})

	result := runtime.ExecuteTask(ctx, task.ID, input)

	s.tasksHandled.Add(ctx, 1, metric.WithAttributes(attribute.String("worker_id", s.workerID)))

	if result.Success {
		_ = s.publish(ctx, "RESULTS.completed", map[string]any{
			"task_id": task.ID.String(), "worker_id": s.workerID,
			"agent_id": definition.ID.String(), "result": result.Result,
			"iterations": result.Iterations, "total_tokens": result.TotalTokens,
		})
	} else {
		s.tasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("worker_id", s.workerID)))
		_ = s.publish(ctx, "RESULTS.failed", map[string]any{
			"task_id": task.ID.String(), "worker_id": s.workerID, "error": result.Error,
		})
	}
}

// resolveDefinition loads the task's assigned agent, falling back to a
// generic capability-matched definition when none is set or the lookup
// misses, so a task never dies for lack of a stored definition.
func (s *Shell) resolveDefinition(ctx context.Context, task *domain.Task) *domain.AgentDefinition {
	if task.AssignedAgentID != nil && s.lookupDef != nil {
		if def, found, err := s.lookupDef(ctx, *task.AssignedAgentID); err == nil && found {
			return def
		}
	}
	s.logger.Warn("using default agent definition", "task_id", task.ID)
	return defaultDefinition(task.RequiredCapabilities)
}

func defaultDefinition(capabilities []string) *domain.AgentDefinition {
	now := time.Now().UTC()
	return &domain.AgentDefinition{
		ID:           uuid.New(),
		Name:         "Worker Agent",
		Role:         "general purpose task executor",
		Goal:         "complete the assigned task efficiently and accurately",
		Capabilities: capabilities,
		LLMConfig:    domain.ModelConfig{Provider: domain.ProviderLocal, ModelID: "local-echo", Temperature: 0.7, MaxTokens: 4096},
		Memory:       domain.MemoryConfig{ShortTermEnabled: true, ShortTermMaxMessages: 20},
		Constraints:  domain.AgentConstraints{MaxIterations: 8, MaxExecutionTimeSeconds: 120, MaxTokensPerTask: 16000, MaxToolCallsPerIter: 4},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *Shell) publishAgentEvent(ctx context.Context, evt *domain.DomainEvent) {
	_ = s.publish(ctx, "AGENTS.events."+string(evt.EventType), evt)
}

func (s *Shell) publish(ctx context.Context, subject string, payload any) error {
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.Publish(ctx, subject, payload); err != nil {
		s.logger.Warn("failed to publish", "subject", subject, "error", err)
		return err
	}
	return nil
}

// Heartbeat publishes this worker's current load. The application layer
// calls this on a ticker; the shell itself holds no timer so shutdown
// ordering stays with the caller.
func (s *Shell) Heartbeat(ctx context.Context) {
	active := atomic.LoadInt64(&s.activeTasks)
	_ = s.publish(ctx, "WORKERS.heartbeat", map[string]any{
		"worker_id":    s.workerID,
		"active_tasks": active,
		"capacity":     int64(s.concurrency) - active,
	})
}

// Wait blocks until every in-flight execute has returned, used during
// graceful shutdown after the subscription is torn down.
func (s *Shell) Wait() { s.wg.Wait() }
