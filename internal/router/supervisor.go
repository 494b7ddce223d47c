package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// ScalingRecommendation is the advisory signal handed to an external
// autoscaler (e.g. KEDA) based on current agent utilization.
type ScalingRecommendation struct {
	TotalAgents   int
	RunningAgents int
	IdleAgents    int
	ErrorAgents   int
	Utilization   float64
	Recommend     string // scale_up | scale_down | stable
}

// Supervisor monitors registered agent instances via heartbeats and
// releases tasks stuck behind a dead agent back to the Router.
type Supervisor struct {
	mu               sync.RWMutex
	instances        map[uuid.UUID]*domain.AgentInstance
	heartbeatTimeout time.Duration
	checkInterval    time.Duration

	onUnhealthy func(ctx context.Context, instanceID uuid.UUID, taskID *uuid.UUID)

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewSupervisor constructs a Supervisor. onUnhealthy is invoked once per
// timed-out instance with its in-flight task id, if any (the router uses
// this to call ReleaseTask).
func NewSupervisor(heartbeatTimeout, checkInterval time.Duration, onUnhealthy func(ctx context.Context, instanceID uuid.UUID, taskID *uuid.UUID), logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		instances:        map[uuid.UUID]*domain.AgentInstance{},
		heartbeatTimeout: heartbeatTimeout,
		checkInterval:    checkInterval,
		onUnhealthy:      onUnhealthy,
		logger:           logger.With("component", "supervisor"),
	}
}

// Register begins monitoring instance.
func (s *Supervisor) Register(instance *domain.AgentInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = instance
}

// Unregister stops monitoring an instance.
func (s *Supervisor) Unregister(instanceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
}

// Heartbeat records a liveness ping from instanceID.
func (s *Supervisor) Heartbeat(instanceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[instanceID]; ok {
		now := time.Now().UTC()
		inst.LastHeartbeat = &now
	}
}

// Start launches the periodic health-check loop in the background.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.healthCheckLoop(ctx)
}

// Stop halts the health-check loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) healthCheckLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

func (s *Supervisor) checkHealth(ctx context.Context) {
	now := time.Now().UTC()

	var unhealthy []uuid.UUID
	s.mu.RLock()
	for id, inst := range s.instances {
		// ERROR instances were already handled; they stay excluded from
		// dispatch until a supervisor action clears them.
		if inst.Status == domain.AgentTerminated || inst.Status == domain.AgentError {
			continue
		}
		if inst.LastHeartbeat != nil && now.Sub(*inst.LastHeartbeat) > s.heartbeatTimeout {
			unhealthy = append(unhealthy, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range unhealthy {
		s.handleUnhealthy(ctx, id)
	}
}

func (s *Supervisor) handleUnhealthy(ctx context.Context, instanceID uuid.UUID) {
	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	inst.Status = domain.AgentError
	taskID := inst.CurrentTaskID
	inst.CurrentTaskID = nil
	inst.Version++
	s.mu.Unlock()

	s.logger.Warn("agent heartbeat timeout", "instance_id", instanceID, "task_id", taskID)
	if taskID != nil && s.onUnhealthy != nil {
		s.onUnhealthy(ctx, instanceID, taskID)
	}
}

// GetScalingRecommendation computes the advisory autoscale signal: scale_up
// above 0.8 utilization with zero idle agents, scale_down below 0.2 with
// more than one agent registered, otherwise stable.
func (s *Supervisor) GetScalingRecommendation() ScalingRecommendation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var running, idle, errored int
	total := len(s.instances)
	for _, inst := range s.instances {
		switch inst.Status {
		case domain.AgentRunning:
			running++
		case domain.AgentIdle:
			idle++
		case domain.AgentError:
			errored++
		}
	}

	var utilization float64
	if total > 0 {
		utilization = float64(running) / float64(total)
	}

	recommend := "stable"
	if utilization > 0.8 && idle == 0 {
		recommend = "scale_up"
	} else if utilization < 0.2 && total > 1 {
		recommend = "scale_down"
	}

	return ScalingRecommendation{
		TotalAgents:   total,
		RunningAgents: running,
		IdleAgents:    idle,
		ErrorAgents:   errored,
		Utilization:   utilization,
		Recommend:     recommend,
	}
}
