// Package engine implements the Workflow Engine: a single-threaded forward
// pass over WorkflowStep dependencies (concurrency only inside explicit
// PARALLEL steps), condition/template evaluation, saga-style compensation on
// failure, bbolt persistence, cron/event scheduling, and cancellation.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// StepExecutor performs the work behind step types the DAG engine cannot
// execute on its own: AGENT_TASK dispatches into the Agent Runtime/Router,
// SUBPROCESS runs a nested workflow, HUMAN_APPROVAL blocks on an external
// signal. PARALLEL/CONDITIONAL/LOOP/WAIT are handled natively by the engine.
type StepExecutor interface {
	ExecuteAgentTask(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution) (map[string]any, error)
	ExecuteSubprocess(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution) (map[string]any, error)
	RequestHumanApproval(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution) (map[string]any, error)
}

// Engine executes workflow definitions as a single forward pass over their
// listed steps, with saga compensation on irrecoverable failure.
type Engine struct {
	taskDuration     metric.Float64Histogram
	taskRetries      metric.Int64Counter
	taskFailures     metric.Int64Counter
	parallelismGauge metric.Int64Gauge

	maxWorkers  int
	resultCache *ResultCache
	tracer      trace.Tracer
}

// NewEngine constructs an Engine reporting through meter. maxWorkers bounds
// how many of a PARALLEL step's children run concurrently; the top-level
// pass itself is sequential.
func NewEngine(meter metric.Meter, maxWorkers int) *Engine {
	taskDuration, _ := meter.Float64Histogram("orchestrator_workflow_step_duration_ms")
	taskRetries, _ := meter.Int64Counter("orchestrator_workflow_step_retries_total")
	taskFailures, _ := meter.Int64Counter("orchestrator_workflow_step_failures_total")
	parallelism, _ := meter.Int64Gauge("orchestrator_workflow_parallelism")

	return &Engine{
		taskDuration:     taskDuration,
		taskRetries:      taskRetries,
		taskFailures:     taskFailures,
		parallelismGauge: parallelism,
		maxWorkers:       maxWorkers,
		resultCache:      NewResultCache(1000, 30*time.Minute),
		tracer:           otel.Tracer("orchestrator-engine"),
	}
}

// ResultCache is an LRU cache with TTL for step results, keyed by a hash of
// the step id, the step's task template as written (before rendering) and
// the execution's input data; earlier steps' results are not part of the key.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	result    map[string]any
	expiresAt time.Time
	lastUsed  time.Time
}

// NewResultCache returns a cache bounded to maxSize entries, each valid for ttl.
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	rc := &ResultCache{entries: make(map[string]*cacheEntry), maxSize: maxSize, ttl: ttl}
	go rc.cleanup()
	return rc
}

func (rc *ResultCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rc.mu.Lock()
		now := time.Now()
		for key, entry := range rc.entries {
			if now.After(entry.expiresAt) {
				delete(rc.entries, key)
			}
		}
		rc.mu.Unlock()
	}
}

func (rc *ResultCache) Get(key string) (map[string]any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, exists := rc.entries[key]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	entry.lastUsed = time.Now()
	return entry.result, true
}

func (rc *ResultCache) Put(key string, result map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.entries) >= rc.maxSize {
		rc.evictOldest()
	}
	rc.entries[key] = &cacheEntry{result: result, expiresAt: time.Now().Add(rc.ttl), lastUsed: time.Now()}
}

func (rc *ResultCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range rc.entries {
		if oldestKey == "" || entry.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastUsed
		}
	}
	if oldestKey != "" {
		delete(rc.entries, oldestKey)
	}
}

// stepNode is one DAG node with resolved dependency edges.
type stepNode struct {
	Step     *domain.WorkflowStep
	InDegree int
	Children []*stepNode
	CacheKey string
}

type dag struct {
	Nodes     map[string]*stepNode
	RootNodes []*stepNode
	StepCount int
}

func buildDAG(steps []domain.WorkflowStep) (*dag, error) {
	nodes := make(map[string]*stepNode, len(steps))
	for i := range steps {
		s := &steps[i]
		nodes[s.StepID] = &stepNode{Step: s, InDegree: len(s.DependsOn)}
	}

	for _, node := range nodes {
		for _, depID := range node.Step.DependsOn {
			parent, ok := nodes[depID]
			if !ok {
				return nil, fmt.Errorf("step %s depends on non-existent step %s", node.Step.StepID, depID)
			}
			parent.Children = append(parent.Children, node)
		}
	}

	var roots []*stepNode
	for _, node := range nodes {
		if node.InDegree == 0 {
			roots = append(roots, node)
		}
	}
	if len(nodes) > 0 && len(roots) == 0 {
		return nil, errors.New("workflow has circular dependencies")
	}

	return &dag{Nodes: nodes, RootNodes: roots, StepCount: len(nodes)}, nil
}

// Execute runs def's top-level steps to completion, or triggers saga
// compensation in reverse completion order on irrecoverable failure.
func (e *Engine) Execute(ctx context.Context, def *domain.WorkflowDefinition, exec *domain.WorkflowExecution, executor StepExecutor) error {
	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(attribute.String("workflow", def.Name)))
	defer span.End()

	dag, err := buildDAG(def.Steps)
	if err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}

	exec.Start()

	if err := e.executeDAG(ctx, dag, def.Steps, exec, executor); err != nil {
		exec.Fail(exec.FailedStepID, err.Error())
		// compensate leaves FAILED in place when nothing had completed;
		// otherwise the execution terminates COMPENSATED.
		e.compensate(ctx, def, exec, executor)
		return err
	}

	exec.Complete(exec.StepResults)
	return nil
}

// executeDAG runs the definition's steps in their listed order, a single
// forward pass: a step runs when every depends_on id is already in
// completed_steps and is skipped otherwise. ValidateDefinition rejects
// definitions whose listed order is inconsistent with their dependencies,
// so a skip here only happens on a resumed execution or an unvalidated
// definition. Concurrency exists only inside an explicit PARALLEL step.
func (e *Engine) executeDAG(ctx context.Context, dag *dag, steps []domain.WorkflowStep, exec *domain.WorkflowExecution, executor StepExecutor) error {
	for i := range steps {
		step := &steps[i]
		if stepDone(exec, step.StepID) {
			continue // resuming past a checkpoint
		}
		if !depsSatisfied(step, exec) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		exec.CurrentStepID = step.StepID
		output, err := e.executeStep(ctx, dag.Nodes[step.StepID], exec, executor)
		if err != nil {
			exec.FailedStepID = step.StepID
			return fmt.Errorf("step %s failed: %w", step.StepID, err)
		}
		exec.CompleteStep(step.StepID, output)
	}
	return nil
}

func stepDone(exec *domain.WorkflowExecution, stepID string) bool {
	for _, id := range exec.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

func depsSatisfied(step *domain.WorkflowStep, exec *domain.WorkflowExecution) bool {
	for _, dep := range step.DependsOn {
		if !stepDone(exec, dep) {
			return false
		}
	}
	return true
}

// executeStep dispatches on step type, applying the step's retry policy and
// result cache around whatever the step type does.
func (e *Engine) executeStep(ctx context.Context, node *stepNode, exec *domain.WorkflowExecution, executor StepExecutor) (map[string]any, error) {
	step := node.Step

	ctx, span := e.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("step_id", step.StepID),
		attribute.String("step_type", string(step.StepType)),
	))
	defer span.End()

	if step.StepType == domain.StepConditional {
		ok, err := EvaluateCondition(step.Condition, exec)
		if err != nil {
			return nil, fmt.Errorf("condition evaluation: %w", err)
		}
		if !ok {
			return map[string]any{"skipped": true}, nil
		}
	}

	cacheKey := node.CacheKey
	if cacheKey == "" {
		cacheKey = e.generateCacheKey(step, exec)
		node.CacheKey = cacheKey
	}
	if cached, found := e.resultCache.Get(cacheKey); found {
		span.AddEvent("cache_hit")
		return cached, nil
	}

	policy := step.EffectiveRetryPolicy()
	start := time.Now()
	wait := policy.InitialWait
	var lastErr error

	for attempt := 1; attempt <= maxInt(policy.MaxAttempts, 1); attempt++ {
		timeout := time.Duration(step.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := e.runByType(stepCtx, step, exec, executor)
		cancel()

		if err == nil {
			e.taskDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("step", step.StepID), attribute.String("type", string(step.StepType))))
			if step.StepType == domain.StepAgentTask {
				e.resultCache.Put(cacheKey, output)
			}
			return output, nil
		}

		lastErr = err
		if attempt < policy.MaxAttempts {
			e.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step.StepID), attribute.Int("attempt", attempt)))
			time.Sleep(wait)
			wait = time.Duration(float64(wait) * policy.Multiplier)
			if wait > policy.MaxWait {
				wait = policy.MaxWait
			}
		}
	}

	e.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step.StepID)))
	return nil, lastErr
}

func (e *Engine) runByType(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution, executor StepExecutor) (map[string]any, error) {
	switch step.StepType {
	case domain.StepAgentTask:
		return executor.ExecuteAgentTask(ctx, step, exec)

	case domain.StepSubprocess:
		return executor.ExecuteSubprocess(ctx, step, exec)

	case domain.StepHumanApproval:
		return executor.RequestHumanApproval(ctx, step, exec)

	case domain.StepWait:
		seconds := 0
		if step.WaitSeconds != nil {
			seconds = *step.WaitSeconds
		}
		select {
		case <-time.After(time.Duration(seconds) * time.Second):
			return map[string]any{"waited_seconds": seconds}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case domain.StepConditional:
		return e.executeChildren(ctx, step, exec, executor)

	case domain.StepParallel:
		return e.executeChildrenParallel(ctx, step, exec, executor)

	case domain.StepLoop:
		return e.executeLoop(ctx, step, exec, executor)

	default:
		return nil, fmt.Errorf("unknown step type %q", step.StepType)
	}
}

// executeChildren runs a CONDITIONAL step's children sequentially (the
// branch taken when its own condition already evaluated true).
func (e *Engine) executeChildren(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution, executor StepExecutor) (map[string]any, error) {
	results := make(map[string]any, len(step.Children))
	for i := range step.Children {
		child := &step.Children[i]
		out, err := e.runByType(ctx, child, exec, executor)
		if err != nil {
			return nil, err
		}
		exec.CompleteStep(child.StepID, out)
		results[child.StepID] = out
	}
	return results, nil
}

// executeChildrenParallel fans a PARALLEL step's children out concurrently,
// bounded by the engine's maxWorkers, and waits for all of them. This is the
// only place the engine runs steps concurrently.
func (e *Engine) executeChildrenParallel(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution, executor StepExecutor) (map[string]any, error) {
	type out struct {
		id  string
		res map[string]any
		err error
	}
	workers := e.maxWorkers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	outs := make(chan out, len(step.Children))
	for i := range step.Children {
		child := &step.Children[i]
		go func(child *domain.WorkflowStep) {
			sem <- struct{}{}
			defer func() { <-sem }()
			e.parallelismGauge.Record(ctx, 1)
			res, err := e.runByType(ctx, child, exec, executor)
			e.parallelismGauge.Record(ctx, -1)
			outs <- out{id: child.StepID, res: res, err: err}
		}(child)
	}

	results := make(map[string]any, len(step.Children))
	var errs []error
	for range step.Children {
		o := <-outs
		if o.err != nil {
			errs = append(errs, fmt.Errorf("child %s: %w", o.id, o.err))
			continue
		}
		exec.CompleteStep(o.id, o.res)
		results[o.id] = o.res
	}
	return results, errors.Join(errs...)
}

// executeLoop runs a LOOP step's children once per item in the input
// collection named by the step's task_template["items_from"] key (per
// step_results/input_data lookup), capped to avoid runaway iteration.
func (e *Engine) executeLoop(ctx context.Context, step *domain.WorkflowStep, exec *domain.WorkflowExecution, executor StepExecutor) (map[string]any, error) {
	const maxLoopIterations = 1000

	itemsKey, _ := step.TaskTemplate["items_from"].(string)
	items := resolveLoopItems(itemsKey, exec)

	iterResults := make([]any, 0, len(items))
	for i, item := range items {
		if i >= maxLoopIterations {
			return nil, fmt.Errorf("loop step %s exceeded %d iterations", step.StepID, maxLoopIterations)
		}
		exec.CheckpointData[fmt.Sprintf("%s.loop_item", step.StepID)] = item
		out, err := e.executeChildren(ctx, step, exec, executor)
		if err != nil {
			return nil, err
		}
		iterResults = append(iterResults, out)
	}
	return map[string]any{"iterations": iterResults}, nil
}

func resolveLoopItems(key string, exec *domain.WorkflowExecution) []any {
	if key == "" {
		return nil
	}
	if v, ok := exec.InputData[key]; ok {
		if items, ok := v.([]any); ok {
			return items
		}
	}
	if v, ok := exec.StepResults[key]; ok {
		if items, ok := v.([]any); ok {
			return items
		}
	}
	return nil
}

// compensate invokes each completed step's compensation action in reverse
// completion order (saga pattern), best-effort: a compensation failure is
// logged via the span but does not stop the remaining rollback.
func (e *Engine) compensate(ctx context.Context, def *domain.WorkflowDefinition, exec *domain.WorkflowExecution, executor StepExecutor) {
	if len(exec.CompletedSteps) == 0 {
		return
	}
	exec.Status = domain.WorkflowCompensating

	for i := len(exec.CompletedSteps) - 1; i >= 0; i-- {
		stepID := exec.CompletedSteps[i]
		step := def.GetStep(stepID)
		if step == nil || step.Compensation == nil {
			continue
		}
		compStep := &domain.WorkflowStep{
			StepID:       stepID + ":compensate",
			Name:         "compensate:" + step.Name,
			StepType:     domain.StepAgentTask,
			TaskTemplate: step.Compensation,
			AgentID:      step.AgentID,
		}
		if _, err := executor.ExecuteAgentTask(ctx, compStep, exec); err != nil {
			_, span := e.tracer.Start(ctx, "step.compensate_failed")
			span.RecordError(err)
			span.End()
		}
	}
	exec.Status = domain.WorkflowCompensated
}

func (e *Engine) generateCacheKey(step *domain.WorkflowStep, exec *domain.WorkflowExecution) string {
	data, _ := json.Marshal(struct {
		StepID   string
		Template map[string]any
		Input    map[string]any
	}{step.StepID, step.TaskTemplate, exec.InputData})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
