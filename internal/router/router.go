package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// EventPublisher forwards a domain event onto the messaging fabric. The
// router never blocks dispatch on publish failure; it only logs.
type EventPublisher func(ctx context.Context, evt *domain.DomainEvent)

// Router owns task submission, capability-based agent matching, and
// dispatch. It holds no long-lived state beyond process memory; durable
// task state is the persistence layer's job (internal/engine.Store), wired
// in by the application layer via Router.SetPersistHook.
type Router struct {
	mu          sync.RWMutex
	definitions map[uuid.UUID]*domain.AgentDefinition
	instances   map[uuid.UUID]*domain.AgentInstance
	pending     map[uuid.UUID]*domain.Task
	seenIdemKey map[string]uuid.UUID

	queue     *PriorityQueue
	publish   EventPublisher
	persist   func(ctx context.Context, t *domain.Task)

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger *slog.Logger
}

// New constructs a Router. publish may be nil (events are dropped).
func New(publish EventPublisher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		definitions: map[uuid.UUID]*domain.AgentDefinition{},
		instances:   map[uuid.UUID]*domain.AgentInstance{},
		pending:     map[uuid.UUID]*domain.Task{},
		seenIdemKey: map[string]uuid.UUID{},
		queue:       NewPriorityQueue(),
		publish:     publish,
		logger:      logger.With("component", "router"),
	}
}

// SetPersistHook registers a callback invoked whenever a task's state
// changes, letting the application layer durably persist it without the
// router importing the persistence package directly.
func (r *Router) SetPersistHook(fn func(ctx context.Context, t *domain.Task)) {
	r.persist = fn
}

// SetPublisher replaces the event publisher. Useful when the publisher
// needs a reference back to the constructed Router (e.g. an in-process
// bridge from task.assigned to a worker); call before Start.
func (r *Router) SetPublisher(publish EventPublisher) {
	r.publish = publish
}

// PendingTask returns a submitted, not-yet-terminal task by id.
func (r *Router) PendingTask(id uuid.UUID) (*domain.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.pending[id]
	return t, ok
}

// Start launches the dispatch loop in the background.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.dispatchLoop(ctx)
}

// Stop halts the dispatch loop and waits for it to exit.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}

// RegisterAgent adds a new instance backing definition and returns it.
func (r *Router) RegisterAgent(definition *domain.AgentDefinition) *domain.AgentInstance {
	now := time.Now().UTC()
	instance := &domain.AgentInstance{
		ID:           uuid.New(),
		DefinitionID: definition.ID,
		Status:       domain.AgentIdle,
		StartedAt:    &now,
	}

	r.mu.Lock()
	r.definitions[definition.ID] = definition
	r.instances[instance.ID] = instance
	r.mu.Unlock()

	r.logger.Info("agent registered", "agent_id", definition.ID, "instance_id", instance.ID, "capabilities", definition.Capabilities)
	return instance
}

// UnregisterAgent removes an instance from the pool.
func (r *Router) UnregisterAgent(instanceID uuid.UUID) {
	r.mu.Lock()
	delete(r.instances, instanceID)
	r.mu.Unlock()
	r.logger.Info("agent unregistered", "instance_id", instanceID)
}

// SubmitTask enqueues t for dispatch. If t carries an IdempotencyKey already
// seen and that earlier task is still pending in this router, the earlier
// task is returned instead of a duplicate being queued; once it has left the
// pending set, t is queued as a new task.
func (r *Router) SubmitTask(ctx context.Context, t *domain.Task) *domain.Task {
	r.mu.Lock()
	if t.IdempotencyKey != nil {
		if existingID, ok := r.seenIdemKey[*t.IdempotencyKey]; ok {
			if existing, ok := r.pending[existingID]; ok {
				r.mu.Unlock()
				return existing
			}
		}
		r.seenIdemKey[*t.IdempotencyKey] = t.ID
	}
	t.Status = domain.TaskQueued
	r.pending[t.ID] = t
	r.mu.Unlock()

	r.queue.Push(t)
	r.persistTask(ctx, t)

	r.logger.Info("task submitted", "task_id", t.ID, "name", t.Name, "priority", t.Priority.String())
	r.publishEvent(ctx, domain.EventTaskCreated, t, map[string]any{
		"name": t.Name, "description": t.Description, "input_data": t.InputData,
	})
	return t
}

func (r *Router) dispatchLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, ok := r.queue.Pop()
			if !ok {
				continue
			}
			if agent := r.findAgent(task); agent != nil {
				r.assignTask(ctx, task, agent)
			} else {
				r.queue.Push(task) // no suitable agent right now, requeue
			}
		}
	}
}

// findAgent selects the idle candidate whose definition's capability set
// covers the task's requirements, preferring the fastest historical average
// execution time (zero-completion agents sort last).
func (r *Router) findAgent(task *domain.Task) *domain.AgentInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*domain.AgentInstance
	for _, instance := range r.instances {
		if !instance.IsAvailable() {
			continue
		}
		def, ok := r.definitions[instance.DefinitionID]
		if !ok {
			continue
		}
		if len(task.RequiredCapabilities) > 0 && !domain.RequiresSubsetOf(task.RequiredCapabilities, def.CapabilitySet()) {
			continue
		}
		candidates = append(candidates, instance)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i].AverageExecutionMS(), candidates[j].AverageExecutionMS()
		if ai != aj {
			return ai < aj
		}
		return candidates[i].ID.String() < candidates[j].ID.String()
	})
	return candidates[0]
}

func (r *Router) assignTask(ctx context.Context, task *domain.Task, agent *domain.AgentInstance) {
	r.mu.Lock()
	task.Status = domain.TaskAssigned
	task.AssignedAgentID = &agent.DefinitionID
	agent.CurrentTaskID = &task.ID
	agent.Status = domain.AgentRunning
	agent.Version++
	r.mu.Unlock()

	r.persistTask(ctx, task)
	r.logger.Info("task assigned", "task_id", task.ID, "agent_id", agent.DefinitionID, "instance_id", agent.ID)
	r.publishEvent(ctx, domain.EventTaskAssigned, task, map[string]any{"agent_id": agent.DefinitionID.String()})
}

// CompleteTask records a successful task outcome and frees its agent.
func (r *Router) CompleteTask(ctx context.Context, taskID uuid.UUID, result map[string]any) {
	r.mu.Lock()
	task, ok := r.pending[taskID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("complete: task not found", "task_id", taskID)
		return
	}
	task.Complete(result)
	delete(r.pending, taskID)
	r.freeAgentFor(taskID, true)
	r.mu.Unlock()

	r.persistTask(ctx, task)
	r.logger.Info("task completed", "task_id", taskID)
	r.publishEvent(ctx, domain.EventTaskCompleted, task, map[string]any{"result": result})
}

// FailTask records a failed attempt, requeuing for retry when budget
// remains or marking the task permanently failed otherwise.
func (r *Router) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string) {
	r.mu.Lock()
	task, ok := r.pending[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	task.Error = errMsg
	r.freeAgentFor(taskID, false)

	retry := task.CanRetry()
	if retry {
		task.RetryCount++
		task.Status = domain.TaskPending
	} else {
		task.Fail(errMsg)
		delete(r.pending, taskID)
	}
	r.mu.Unlock()

	r.persistTask(ctx, task)
	if retry {
		r.queue.Push(task)
		r.logger.Info("task requeued for retry", "task_id", taskID, "retry_count", task.RetryCount)
		return
	}
	r.logger.Error("task failed permanently", "task_id", taskID, "error", errMsg)
	r.publishEvent(ctx, domain.EventTaskFailed, task, map[string]any{"error": errMsg})
}

// freeAgentFor must be called with r.mu held.
func (r *Router) freeAgentFor(taskID uuid.UUID, success bool) {
	for _, agent := range r.instances {
		if agent.CurrentTaskID != nil && *agent.CurrentTaskID == taskID {
			agent.CurrentTaskID = nil
			agent.Status = domain.AgentIdle
			agent.Version++
			if success {
				agent.TasksCompleted++
			} else {
				agent.TasksFailed++
			}
			return
		}
	}
}

// ReleaseTask is called by the Supervisor when an agent's heartbeat times
// out mid-task: the task returns to the queue without counting against the
// agent's completion stats (the agent, not the task, is presumed at fault).
func (r *Router) ReleaseTask(ctx context.Context, taskID uuid.UUID) {
	r.mu.Lock()
	task, ok := r.pending[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	task.RetryCount++
	task.Status = domain.TaskPending
	task.AssignedAgentID = nil
	r.mu.Unlock()

	r.persistTask(ctx, task)
	r.queue.Push(task)
	r.logger.Warn("task released after heartbeat timeout", "task_id", taskID, "retry_count", task.RetryCount)
}

func (r *Router) persistTask(ctx context.Context, t *domain.Task) {
	if r.persist != nil {
		r.persist(ctx, t)
	}
}

func (r *Router) publishEvent(ctx context.Context, eventType domain.EventType, t *domain.Task, payload map[string]any) {
	if r.publish == nil {
		return
	}
	evt := domain.NewDomainEvent(eventType, t.ID, "task", t.TenantID, int64(t.RetryCount), payload)
	r.publish(ctx, evt)
}

// Metrics is the router's point-in-time snapshot for the supervisor's
// scaling signal and for observability.
type Metrics struct {
	QueueDepth   int
	PendingTasks int
	TotalAgents  int
	ActiveAgents int
	IdleAgents   int
}

// GetMetrics returns a snapshot of queue depth and agent pool state.
func (r *Router) GetMetrics() Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := Metrics{QueueDepth: r.queue.Len(), PendingTasks: len(r.pending), TotalAgents: len(r.instances)}
	for _, a := range r.instances {
		switch a.Status {
		case domain.AgentRunning:
			m.ActiveAgents++
		case domain.AgentIdle:
			m.IdleAgents++
		}
	}
	return m
}

// Instance returns the registered instance by id, if any.
func (r *Router) Instance(id uuid.UUID) (*domain.AgentInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}
