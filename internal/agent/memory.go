// Package agent implements the observe-think-act Agent Runtime: message
// assembly from memory, LLM calls through the Provider contract, tool-call
// dispatch, and the conversation memory that backs it.
package agent

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one turn of an agent conversation, persisted by a MemoryStore.
type Message struct {
	Role       string         `json:"role"` // system | user | assistant | tool
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []map[string]any `json:"tool_calls,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// MemoryStore persists and replays a bounded conversation window per agent.
type MemoryStore interface {
	AddMessage(ctx context.Context, agentID uuid.UUID, msg Message) error
	GetMessages(ctx context.Context, agentID uuid.UUID, limit int) ([]Message, error)
	Clear(ctx context.Context, agentID uuid.UUID) error
}

// InMemoryStore keeps a bounded deque of messages per agent in process
// memory; durable/shared memory is out of scope (no Redis adapter), but the
// MemoryStore contract is the seam a future implementation plugs into.
type InMemoryStore struct {
	mu       sync.Mutex
	maxItems int
	byAgent  map[uuid.UUID]*list.List
}

// NewInMemoryStore bounds each agent's history to maxItems messages.
func NewInMemoryStore(maxItems int) *InMemoryStore {
	if maxItems <= 0 {
		maxItems = 50
	}
	return &InMemoryStore{maxItems: maxItems, byAgent: map[uuid.UUID]*list.List{}}
}

func (s *InMemoryStore) AddMessage(_ context.Context, agentID uuid.UUID, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byAgent[agentID]
	if !ok {
		l = list.New()
		s.byAgent[agentID] = l
	}
	l.PushBack(msg)
	for l.Len() > s.maxItems {
		l.Remove(l.Front())
	}
	return nil
}

func (s *InMemoryStore) GetMessages(_ context.Context, agentID uuid.UUID, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byAgent[agentID]
	if !ok {
		return nil, nil
	}
	all := make([]Message, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(Message))
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *InMemoryStore) Clear(_ context.Context, agentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byAgent, agentID)
	return nil
}

// AgentMemory is the high-level memory manager an AgentRuntime drives: it
// binds a MemoryStore to one agent and the task currently in flight.
type AgentMemory struct {
	agentID    uuid.UUID
	store      MemoryStore
	windowSize int
	taskID     uuid.UUID
}

// NewAgentMemory constructs a memory manager bound to agentID, replaying at
// most windowSize messages into the LLM context on each turn.
func NewAgentMemory(agentID uuid.UUID, store MemoryStore, windowSize int) *AgentMemory {
	return &AgentMemory{agentID: agentID, store: store, windowSize: windowSize}
}

// SetTask records taskID as the task in flight. The store is keyed by agent
// only: taskID does not separate one task's messages from another's, so
// every task run through this memory shares one conversation.
func (m *AgentMemory) SetTask(taskID uuid.UUID) {
	m.taskID = taskID
}

func (m *AgentMemory) AddUserMessage(ctx context.Context, content string) error {
	return m.store.AddMessage(ctx, m.agentID, Message{Role: "user", Content: content, Timestamp: time.Now().UTC()})
}

func (m *AgentMemory) AddAssistantMessage(ctx context.Context, content string, toolCalls []map[string]any) error {
	return m.store.AddMessage(ctx, m.agentID, Message{Role: "assistant", Content: content, ToolCalls: toolCalls, Timestamp: time.Now().UTC()})
}

func (m *AgentMemory) AddToolResult(ctx context.Context, toolName, toolCallID, result string) error {
	return m.store.AddMessage(ctx, m.agentID, Message{Role: "tool", Name: toolName, ToolCallID: toolCallID, Content: result, Timestamp: time.Now().UTC()})
}

// GetContext returns the last windowSize messages stored for the agent,
// whichever task wrote them.
func (m *AgentMemory) GetContext(ctx context.Context) ([]Message, error) {
	return m.store.GetMessages(ctx, m.agentID, m.windowSize)
}

// ClearTaskMemory drops the agent's stored conversation entirely.
func (m *AgentMemory) ClearTaskMemory(ctx context.Context) error {
	return m.store.Clear(ctx, m.agentID)
}
