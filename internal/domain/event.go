package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType is a closed enumeration of domain events the messaging fabric
// will carry. New event kinds require a code change, not configuration.
type EventType string

const (
	EventTaskCreated   EventType = "task.created"
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskStarted   EventType = "task.started"
	EventTaskProgress  EventType = "task.progress"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskTimedOut  EventType = "task.timed_out"

	EventAgentRegistered EventType = "agent.registered"
	EventAgentStarted    EventType = "agent.started"
	EventAgentStopped    EventType = "agent.stopped"
	EventAgentStatus     EventType = "agent.status_changed"
	EventAgentHeartbeat  EventType = "agent.heartbeat"
	EventAgentThinking   EventType = "agent.thinking"
	EventAgentOutput     EventType = "agent.output"
	EventAgentLLMCall    EventType = "agent.llm_call"
	EventAgentToolCall   EventType = "agent.tool_call"
	EventAgentError      EventType = "agent.error"

	EventWorkflowCreated      EventType = "workflow.created"
	EventWorkflowStarted      EventType = "workflow.started"
	EventWorkflowStepStarted  EventType = "workflow.step_started"
	EventWorkflowStepDone     EventType = "workflow.step_completed"
	EventWorkflowStepFailed   EventType = "workflow.step_failed"
	EventWorkflowPaused       EventType = "workflow.paused"
	EventWorkflowResumed      EventType = "workflow.resumed"
	EventWorkflowCompensating EventType = "workflow.compensating"
	EventWorkflowCompleted    EventType = "workflow.completed"
	EventWorkflowFailed       EventType = "workflow.failed"
	EventWorkflowCancelled    EventType = "workflow.cancelled"

	EventSystemScaleUp      EventType = "system.scale_up"
	EventSystemScaleDown    EventType = "system.scale_down"
	EventSystemCircuitOpen  EventType = "system.circuit_open"
	EventSystemCircuitClose EventType = "system.circuit_close"
)

// DomainEvent is a versioned, immutable envelope recording one fact that
// happened in the system. Events chain via correlation/causation IDs so a
// full execution can be reconstructed from the event log alone.
type DomainEvent struct {
	EventID       uuid.UUID      `json:"event_id"`
	EventType     EventType      `json:"event_type"`
	EventVersion  int            `json:"event_version"`
	AggregateID   uuid.UUID      `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`

	// Version is monotonically increasing per aggregate; used to detect gaps
	// or reordering in a durable subscriber.
	Version int64 `json:"version"`

	TenantID      string    `json:"tenant_id"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	CausationID   *uuid.UUID `json:"causation_id,omitempty"`

	Payload   map[string]any `json:"payload"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// NewDomainEvent constructs an event whose CorrelationID defaults to its own
// EventID (the start of a new causal chain) unless overridden by the caller.
func NewDomainEvent(eventType EventType, aggregateID uuid.UUID, aggregateType, tenantID string, version int64, payload map[string]any) *DomainEvent {
	id := uuid.New()
	return &DomainEvent{
		EventID:       id,
		EventType:     eventType,
		EventVersion:  1,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
		TenantID:      tenantID,
		CorrelationID: id,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
	}
}

// CausedBy sets the causation chain: this event was produced in response to
// parent, and inherits parent's correlation id.
func (e *DomainEvent) CausedBy(parent *DomainEvent) *DomainEvent {
	e.CorrelationID = parent.CorrelationID
	e.CausationID = &parent.EventID
	return e
}

// NewTaskEvent is a convenience constructor for task-aggregate events.
func NewTaskEvent(eventType EventType, taskID uuid.UUID, tenantID string, version int64, payload map[string]any) *DomainEvent {
	return NewDomainEvent(eventType, taskID, "task", tenantID, version, payload)
}

// NewAgentEvent is a convenience constructor for agent-aggregate events.
func NewAgentEvent(eventType EventType, agentID uuid.UUID, tenantID string, version int64, payload map[string]any) *DomainEvent {
	return NewDomainEvent(eventType, agentID, "agent", tenantID, version, payload)
}

// NewWorkflowEvent is a convenience constructor for workflow-execution-aggregate events.
func NewWorkflowEvent(eventType EventType, executionID uuid.UUID, tenantID string, version int64, payload map[string]any) *DomainEvent {
	return NewDomainEvent(eventType, executionID, "workflow", tenantID, version, payload)
}
