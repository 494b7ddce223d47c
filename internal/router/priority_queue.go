// Package router implements task submission, capability-based dispatch, and
// agent-instance health supervision.
package router

import (
	"container/list"
	"sync"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// PriorityQueue is a bank of FIFO queues, one per domain.TaskPriority level,
// drained CRITICAL-first. A single mutex guards all four lists: get() must
// scan every level under one consistent view, so four independent locks
// would not help.
type PriorityQueue struct {
	mu    sync.Mutex
	lanes map[domain.TaskPriority]*list.List
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	lanes := make(map[domain.TaskPriority]*list.List, 4)
	for _, p := range []domain.TaskPriority{domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh, domain.PriorityCritical} {
		lanes[p] = list.New()
	}
	return &PriorityQueue{lanes: lanes}
}

// Push enqueues t onto its priority's lane.
func (q *PriorityQueue) Push(t *domain.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lanes[t.Priority].PushBack(t)
}

// Pop dequeues the oldest task from the highest non-empty priority lane, or
// returns (nil, false) if every lane is empty.
func (q *PriorityQueue) Pop() (*domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range []domain.TaskPriority{domain.PriorityCritical, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		l := q.lanes[p]
		if e := l.Front(); e != nil {
			l.Remove(e)
			return e.Value.(*domain.Task), true
		}
	}
	return nil, false
}

// Len returns the total number of queued tasks across all lanes.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += l.Len()
	}
	return n
}
