// Package app assembles every subsystem (store, messaging fabric, router,
// tool registry, workflow engine, worker shell) into one application
// context, wired exactly once at process startup. No package-level mutable
// state: everything lives on *App and is passed down explicitly rather than
// reaching for globals.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/babushkai/agentorchestrators/internal/config"
	"github.com/babushkai/agentorchestrators/internal/domain"
	"github.com/babushkai/agentorchestrators/internal/engine"
	"github.com/babushkai/agentorchestrators/internal/messaging"
	"github.com/babushkai/agentorchestrators/internal/router"
	"github.com/babushkai/agentorchestrators/internal/tools"
	"github.com/babushkai/agentorchestrators/internal/worker"
)

// App holds every wired subsystem for the lifetime of the process.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Store    *engine.Store
	Fabric   *messaging.Fabric
	Router   *router.Router
	Supervisor *router.Supervisor

	Tools *tools.Registry

	Engine        *engine.Engine
	Plugins       *engine.PluginRegistry
	Cancellation  *engine.CancellationManager
	Scheduler     *engine.Scheduler
	TaskAwaiter   *engine.TaskAwaiter
	Approvals     *engine.ApprovalAwaiter
	StepExecutor  *engine.AgentTaskExecutor

	Worker *worker.Shell

	publish router.EventPublisher

	// localInstances are the agent instances this process registered; the
	// heartbeat loop publishes AGENTS.heartbeat for each so the supervisor
	// (here or in another process consuming the same stream) sees them live.
	mu             sync.Mutex
	localInstances []uuid.UUID
}

// New wires every subsystem against cfg. Nothing here talks to the network
// or disk except Store (bbolt file) and Fabric (NATS dial) — both of which
// can fail, hence the error return.
func New(ctx context.Context, cfg config.Config, meter metric.Meter, logger *slog.Logger) (*App, error) {
	store, err := engine.NewStore(cfg.Store.DBPath, meter)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	fabric, err := messaging.Connect(messaging.Config{
		Servers:              cfg.NATS.Servers,
		ConnectTimeout:       cfg.NATS.ConnectTimeout,
		MaxReconnectAttempts: cfg.NATS.MaxReconnectAttempts,
		User:                 cfg.NATS.User,
		Password:             cfg.NATS.Password,
		Token:                cfg.NATS.Token,
	}, meter, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connect messaging fabric: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, Store: store, Fabric: fabric}

	publish := func(ctx context.Context, evt *domain.DomainEvent) {
		subject := subjectFor(evt.EventType)
		if subject == "" {
			return
		}
		if err := fabric.Publish(ctx, subject, evt); err != nil {
			logger.Warn("failed to publish domain event", "event_type", evt.EventType, "error", err)
		}
	}

	a.publish = publish
	a.Router = router.New(publish, logger)
	a.Router.SetPersistHook(func(ctx context.Context, t *domain.Task) {
		if err := store.PutTask(ctx, t); err != nil {
			logger.Warn("failed to persist task", "task_id", t.ID, "error", err)
		}
	})

	a.Supervisor = router.NewSupervisor(30*time.Second, 5*time.Second, func(ctx context.Context, instanceID uuid.UUID, taskID *uuid.UUID) {
		logger.Warn("agent instance unhealthy", "instance_id", instanceID)
		if taskID != nil {
			a.Router.ReleaseTask(ctx, *taskID)
		}
	}, logger)

	a.Tools = tools.NewRegistry()
	tools.RegisterBuiltins(a.Tools)

	a.Engine = engine.NewEngine(meter, 8)
	a.Plugins = engine.NewPluginRegistry()
	a.Cancellation = engine.NewCancellationManager(meter)
	a.TaskAwaiter = engine.NewTaskAwaiter()
	a.Approvals = engine.NewApprovalAwaiter()

	a.StepExecutor = engine.NewAgentTaskExecutor(
		a.Router.SubmitTask,
		a.TaskAwaiter,
		a.Approvals,
		a.Plugins,
		a.Engine,
		func(ctx context.Context, id uuid.UUID) (*domain.WorkflowDefinition, error) {
			def, found, err := store.GetWorkflowDefinition(ctx, id)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, fmt.Errorf("workflow definition not found: %s", id)
			}
			return def, nil
		},
	)

	a.Scheduler = engine.NewScheduler(store, a.Engine, a.StepExecutor, meter, logger)

	a.Worker = worker.New(worker.Config{
		WorkerID:             cfg.Worker.WorkerID,
		Concurrency:          cfg.Worker.Concurrency,
		Provider:             worker.NewLocalProvider(),
		Registry:             a.Tools,
		TextToolCallFallback: cfg.Runtime.AllowTextToolCallFallback,
		LookupDef: func(ctx context.Context, id uuid.UUID) (*domain.AgentDefinition, bool, error) {
			return store.GetAgentDefinition(ctx, id)
		},
		Publisher: fabric,
	}, meter, logger)

	return a, nil
}

// Start brings up background loops: the router's dispatch goroutine, the
// supervisor's health checker, the scheduler's cron runner, persisted
// schedule and agent-definition restoration, the messaging subscriptions
// that bridge assigned tasks to the worker shell, terminal results back to
// the router/engine, and agent heartbeats into the supervisor, and the
// heartbeat ticker.
func (a *App) Start(ctx context.Context) error {
	a.Router.Start(ctx)
	a.Supervisor.Start(ctx)
	a.Scheduler.Start()
	go a.Cancellation.StartCleanupLoop(ctx, time.Minute, time.Hour)

	if err := a.Scheduler.RestoreSchedules(ctx); err != nil {
		a.Logger.Warn("failed to restore schedules", "error", err)
	}

	// Bring every persisted agent definition back as a live, supervised
	// instance, the same way schedules are restored above.
	if defs, err := a.Store.ListAgentDefinitions(ctx); err != nil {
		a.Logger.Warn("failed to restore agent definitions", "error", err)
	} else {
		for _, def := range defs {
			if _, err := a.RegisterAgent(ctx, def); err != nil {
				a.Logger.Warn("failed to register restored agent", "agent_id", def.ID, "error", err)
			}
		}
	}

	if _, err := a.Fabric.Subscribe("TASKS.assigned", "orchestrator-workers", "worker-task-assigned", a.handleAssigned); err != nil {
		return fmt.Errorf("subscribe TASKS.assigned: %w", err)
	}
	if _, err := a.Fabric.Subscribe("RESULTS.*", "orchestrator-result-handlers", "result-handler", a.handleResult); err != nil {
		return fmt.Errorf("subscribe RESULTS.*: %w", err)
	}
	if _, err := a.Fabric.Subscribe("AGENTS.heartbeat", "orchestrator-supervisors", "agent-heartbeat", a.handleAgentHeartbeat); err != nil {
		return fmt.Errorf("subscribe AGENTS.heartbeat: %w", err)
	}

	go a.heartbeatLoop(ctx)
	return nil
}

// Stop drains in-flight work and tears down connections, in roughly reverse
// order of Start.
func (a *App) Stop(ctx context.Context) {
	a.Worker.Wait()
	_ = a.Scheduler.Stop(ctx)
	a.Supervisor.Stop()
	a.Router.Stop()
	a.Fabric.Close()
	_ = a.Store.Close()
}

// RegisterAgent persists def, creates a live instance in the Router's
// dispatch pool, and places that same instance record under Supervisor
// watch, so a missed heartbeat moves it to ERROR and releases its task.
// Both sides see one shared *AgentInstance; this is the only place the two
// are bridged.
func (a *App) RegisterAgent(ctx context.Context, def *domain.AgentDefinition) (*domain.AgentInstance, error) {
	if a.Store != nil {
		if err := a.Store.PutAgentDefinition(ctx, def); err != nil {
			return nil, fmt.Errorf("persist agent definition: %w", err)
		}
	}

	instance := a.Router.RegisterAgent(def)
	now := time.Now().UTC()
	instance.LastHeartbeat = &now
	a.Supervisor.Register(instance)

	a.mu.Lock()
	a.localInstances = append(a.localInstances, instance.ID)
	a.mu.Unlock()

	if a.publish != nil {
		tenant := ""
		if def.TenantID != nil {
			tenant = *def.TenantID
		}
		a.publish(ctx, domain.NewAgentEvent(domain.EventAgentRegistered, def.ID, tenant, 0, map[string]any{
			"instance_id":  instance.ID.String(),
			"capabilities": def.Capabilities,
		}))
	}
	return instance, nil
}

// UnregisterAgent removes an instance from dispatch and supervision.
func (a *App) UnregisterAgent(instanceID uuid.UUID) {
	a.Router.UnregisterAgent(instanceID)
	a.Supervisor.Unregister(instanceID)

	a.mu.Lock()
	for i, id := range a.localInstances {
		if id == instanceID {
			a.localInstances = append(a.localInstances[:i], a.localInstances[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
}

// handleAgentHeartbeat consumes AGENTS.heartbeat and feeds the supervisor,
// whether the beat came from this process's own heartbeat loop or from a
// worker elsewhere on the same stream.
func (a *App) handleAgentHeartbeat(_ context.Context, data []byte) error {
	var payload struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode agent heartbeat: %w", err)
	}
	id, err := uuid.Parse(payload.InstanceID)
	if err != nil {
		return fmt.Errorf("invalid instance_id in agent heartbeat: %w", err)
	}
	a.Supervisor.Heartbeat(id)
	return nil
}

// handleAssigned is fed every TASKS.assigned event: it resolves the full
// Task from the store (the event envelope itself carries only the id and a
// thin payload) and hands it to the worker shell.
func (a *App) handleAssigned(ctx context.Context, data []byte) error {
	var evt domain.DomainEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode task.assigned event: %w", err)
	}
	task, found, err := a.Store.GetTask(ctx, evt.AggregateID)
	if err != nil {
		return fmt.Errorf("load assigned task: %w", err)
	}
	if !found {
		a.Logger.Warn("assigned task not found in store", "task_id", evt.AggregateID)
		return nil
	}
	return a.Worker.Handle(ctx, &evt, task)
}

// handleResult consumes RESULTS.completed/RESULTS.failed, the canonical
// terminal-outcome subjects the worker shell publishes to, and threads the
// outcome back into the in-process Router (frees the agent, persists
// status) and the Workflow Engine's TaskAwaiter (unblocks any AGENT_TASK
// step waiting on this task).
func (a *App) handleResult(ctx context.Context, data []byte) error {
	var payload struct {
		TaskID string `json:"task_id"`
		Result any    `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode result event: %w", err)
	}
	taskID, err := uuid.Parse(payload.TaskID)
	if err != nil {
		return fmt.Errorf("invalid task_id in result event: %w", err)
	}

	if payload.Error != "" {
		a.Router.FailTask(ctx, taskID, payload.Error)
		a.TaskAwaiter.Notify(taskID, false, nil, payload.Error)
		return nil
	}
	// The worker publishes the agent's final answer as-is; a non-object
	// answer is carried under "answer".
	result, ok := payload.Result.(map[string]any)
	if !ok && payload.Result != nil {
		result = map[string]any{"answer": payload.Result}
	}
	a.Router.CompleteTask(ctx, taskID, result)
	a.TaskAwaiter.Notify(taskID, true, result, "")
	return nil
}

func (a *App) heartbeatLoop(ctx context.Context) {
	interval := a.Config.Worker.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Worker.Heartbeat(ctx)
			a.publishAgentHeartbeats(ctx)
		}
	}
}

// publishAgentHeartbeats emits one AGENTS.heartbeat per locally-registered
// instance; the supervisor consumes them back off the stream.
func (a *App) publishAgentHeartbeats(ctx context.Context) {
	a.mu.Lock()
	ids := append([]uuid.UUID(nil), a.localInstances...)
	a.mu.Unlock()
	for _, id := range ids {
		if err := a.Fabric.Publish(ctx, "AGENTS.heartbeat", map[string]any{"instance_id": id.String()}); err != nil {
			a.Logger.Warn("failed to publish agent heartbeat", "instance_id", id, "error", err)
		}
	}
}

// subjectFor maps a domain event type onto the stream subject it belongs
// to, matching the stream table declared in internal/messaging.
func subjectFor(t domain.EventType) string {
	switch {
	case isTaskEvent(t):
		return "TASKS." + taskSuffix(t)
	case isWorkflowEvent(t):
		return "WORKFLOWS.events." + string(t)
	case isAgentEvent(t):
		return "AGENTS.events." + string(t)
	case isSystemEvent(t):
		return "OBSERVE.system"
	default:
		return ""
	}
}

func isTaskEvent(t domain.EventType) bool {
	switch t {
	case domain.EventTaskCreated, domain.EventTaskAssigned, domain.EventTaskStarted,
		domain.EventTaskProgress, domain.EventTaskCompleted, domain.EventTaskFailed,
		domain.EventTaskCancelled, domain.EventTaskTimedOut:
		return true
	default:
		return false
	}
}

func taskSuffix(t domain.EventType) string {
	switch t {
	case domain.EventTaskCreated:
		return "created"
	case domain.EventTaskAssigned:
		return "assigned"
	case domain.EventTaskStarted:
		return "started"
	case domain.EventTaskProgress:
		return "progress"
	case domain.EventTaskCompleted:
		return "completed"
	case domain.EventTaskFailed:
		return "failed"
	case domain.EventTaskCancelled:
		return "cancelled"
	case domain.EventTaskTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

func isWorkflowEvent(t domain.EventType) bool {
	switch t {
	case domain.EventWorkflowCreated, domain.EventWorkflowStarted, domain.EventWorkflowStepStarted,
		domain.EventWorkflowStepDone, domain.EventWorkflowStepFailed, domain.EventWorkflowPaused,
		domain.EventWorkflowResumed, domain.EventWorkflowCompensating, domain.EventWorkflowCompleted,
		domain.EventWorkflowFailed, domain.EventWorkflowCancelled:
		return true
	default:
		return false
	}
}

func isAgentEvent(t domain.EventType) bool {
	switch t {
	case domain.EventAgentRegistered, domain.EventAgentStarted, domain.EventAgentStopped,
		domain.EventAgentStatus, domain.EventAgentHeartbeat, domain.EventAgentThinking,
		domain.EventAgentOutput, domain.EventAgentLLMCall, domain.EventAgentToolCall, domain.EventAgentError:
		return true
	default:
		return false
	}
}

func isSystemEvent(t domain.EventType) bool {
	switch t {
	case domain.EventSystemScaleUp, domain.EventSystemScaleDown, domain.EventSystemCircuitOpen, domain.EventSystemCircuitClose:
		return true
	default:
		return false
	}
}
