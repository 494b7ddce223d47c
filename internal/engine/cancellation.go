package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// CancellationManager tracks in-flight workflow executions so an external
// cancel request (control subject, API call) can reach the context.CancelFunc
// backing an Engine.Execute call in progress.
type CancellationManager struct {
	mu               sync.RWMutex
	activeExecutions map[uuid.UUID]*CancellableExecution

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// CancellableExecution pairs a WorkflowExecution with the cancel func of its
// running context and a tracking status distinct from domain.WorkflowStatus
// (this manager's bookkeeping, not the execution's own authoritative state —
// that remains exec.Status, mutated only by the Engine).
type CancellableExecution struct {
	Exec         *domain.WorkflowExecution
	CancelFunc   context.CancelFunc
	CancelReason string
	CancelledAt  time.Time
	Tracked      TrackedStatus
}

// TrackedStatus is the CancellationManager's own view of an execution's
// lifecycle, kept separate from domain.WorkflowStatus so a cancellation
// request is never confused with a step failure.
type TrackedStatus string

const (
	TrackedRunning   TrackedStatus = "running"
	TrackedCompleted TrackedStatus = "completed"
	TrackedFailed    TrackedStatus = "failed"
	TrackedCancelled TrackedStatus = "cancelled"
)

func NewCancellationManager(meter metric.Meter) *CancellationManager {
	cancellations, _ := meter.Int64Counter("orchestrator_workflow_cancellations_total")
	return &CancellationManager{
		activeExecutions: make(map[uuid.UUID]*CancellableExecution),
		cancellations:    cancellations,
		tracer:           otel.Tracer("orchestrator-cancellation"),
	}
}

// Register adds a running execution for tracking.
func (cm *CancellationManager) Register(exec *domain.WorkflowExecution, cancelFunc context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.activeExecutions[exec.ID] = &CancellableExecution{Exec: exec, CancelFunc: cancelFunc, Tracked: TrackedRunning}
}

// Cancel triggers the context cancellation backing executionID's Engine.Execute
// call. It does not itself mutate exec.Status — the Engine observes ctx.Done()
// and the caller is expected to set WorkflowCancelled once Execute returns.
func (cm *CancellationManager) Cancel(ctx context.Context, executionID uuid.UUID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "cancellation.cancel", trace.WithAttributes(
		attribute.String("execution_id", executionID.String()), attribute.String("reason", reason),
	))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cancellable, exists := cm.activeExecutions[executionID]
	if !exists {
		return fmt.Errorf("execution not found or already completed: %s", executionID)
	}
	if cancellable.Tracked != TrackedRunning {
		return fmt.Errorf("execution is not running: %s (status: %s)", executionID, cancellable.Tracked)
	}

	cancellable.CancelFunc()
	cancellable.CancelReason = reason
	cancellable.CancelledAt = time.Now().UTC()
	cancellable.Tracked = TrackedCancelled

	cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	span.AddEvent("execution_cancelled")
	return nil
}

// Complete records the terminal tracked status of an execution that finished
// on its own (success or failure), distinguishing it from an externally
// requested cancellation.
func (cm *CancellationManager) Complete(executionID uuid.UUID, status TrackedStatus) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cancellable, exists := cm.activeExecutions[executionID]; exists {
		cancellable.Tracked = status
	}
}

func (cm *CancellationManager) GetStatus(executionID uuid.UUID) (TrackedStatus, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cancellable, exists := cm.activeExecutions[executionID]
	if !exists {
		return "", false
	}
	return cancellable.Tracked, true
}

func (cm *CancellationManager) ListActive() []*CancellableExecution {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	active := make([]*CancellableExecution, 0)
	for _, cancellable := range cm.activeExecutions {
		if cancellable.Tracked == TrackedRunning {
			active = append(active, cancellable)
		}
	}
	return active
}

// Cleanup evicts terminal entries older than retentionPeriod from tracking.
func (cm *CancellationManager) Cleanup(retentionPeriod time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for id, cancellable := range cm.activeExecutions {
		if cancellable.Tracked == TrackedRunning {
			continue
		}
		completionTime := cancellable.CancelledAt
		if completionTime.IsZero() && cancellable.Exec.CompletedAt != nil {
			completionTime = *cancellable.Exec.CompletedAt
		}
		if !completionTime.IsZero() && now.Sub(completionTime) > retentionPeriod {
			delete(cm.activeExecutions, id)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs Cleanup on a ticker until ctx is cancelled.
func (cm *CancellationManager) StartCleanupLoop(ctx context.Context, interval, retentionPeriod time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Cleanup(retentionPeriod)
		}
	}
}

// CancelAll cancels every running execution, used on process shutdown.
func (cm *CancellationManager) CancelAll(ctx context.Context, reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cancelled := 0
	for id, cancellable := range cm.activeExecutions {
		if cancellable.Tracked == TrackedRunning {
			cancellable.CancelFunc()
			cancellable.CancelReason = reason
			cancellable.CancelledAt = time.Now().UTC()
			cancellable.Tracked = TrackedCancelled
			cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
			cancelled++
		}
		delete(cm.activeExecutions, id)
	}
	return cancelled
}

func (cm *CancellationManager) GetMetrics() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	metrics := map[string]int{"total": len(cm.activeExecutions), "running": 0, "completed": 0, "failed": 0, "cancelled": 0}
	for _, cancellable := range cm.activeExecutions {
		switch cancellable.Tracked {
		case TrackedRunning:
			metrics["running"]++
		case TrackedCompleted:
			metrics["completed"]++
		case TrackedFailed:
			metrics["failed"]++
		case TrackedCancelled:
			metrics["cancelled"]++
		}
	}
	return metrics
}
