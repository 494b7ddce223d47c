package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// ScheduleConfig defines when and how to trigger a workflow execution,
// either on a cron expression or in reaction to a named event.
type ScheduleConfig struct {
	WorkflowID    uuid.UUID      `json:"workflow_id"`
	WorkflowName  string         `json:"workflow_name"`
	CronExpr      string         `json:"cron_expr,omitempty"`
	EventType     string         `json:"event_type,omitempty"`
	EventFilter   map[string]any `json:"event_filter,omitempty"`
	Enabled       bool           `json:"enabled"`
	MaxConcurrent int            `json:"max_concurrent,omitempty"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// eventSchedules tracks every ScheduleConfig registered against one event
// type and the concurrency currently in flight for it.
type eventSchedules struct {
	mu          sync.Mutex
	schedules   []*ScheduleConfig
	running     int
	lastTrigger time.Time
}

// Scheduler triggers workflow executions on a cron schedule or in reaction
// to named events (e.g. forwarded from the messaging fabric).
type Scheduler struct {
	cron          *cron.Cron
	store         *Store
	engine        *Engine
	executor      StepExecutor
	eventHandlers map[string]*eventSchedules
	mu            sync.RWMutex

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
	logger        *slog.Logger
}

// NewScheduler wires cron-and-event-triggered execution against store and
// engine, dispatching workflow steps through executor.
func NewScheduler(store *Store, eng *Engine, executor StepExecutor, meter metric.Meter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	scheduleRuns, _ := meter.Int64Counter("orchestrator_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("orchestrator_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("orchestrator_schedule_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         store,
		engine:        eng,
		executor:      executor,
		eventHandlers: make(map[string]*eventSchedules),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("orchestrator-scheduler"),
		logger:        logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// AddSchedule registers config's cron entry or event handler and persists it
// for restart recovery.
func (s *Scheduler) AddSchedule(ctx context.Context, config *ScheduleConfig) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule", trace.WithAttributes(
		attribute.String("workflow_id", config.WorkflowID.String()), attribute.String("cron", config.CronExpr),
	))
	defer span.End()

	switch {
	case config.CronExpr != "":
		if _, err := s.cron.AddFunc(config.CronExpr, func() {
			s.executeScheduledWorkflow(context.Background(), config)
		}); err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		s.logger.Info("cron schedule added", "workflow_id", config.WorkflowID, "cron", config.CronExpr)

	case config.EventType != "":
		s.registerEventHandler(config)
		s.logger.Info("event trigger added", "workflow_id", config.WorkflowID, "event_type", config.EventType)

	default:
		return fmt.Errorf("schedule for workflow %s needs either cron_expr or event_type", config.WorkflowID)
	}

	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.store.PutSchedule(ctx, config.WorkflowID.String(), data)
}

// RemoveSchedule drops config's event handlers and persisted entry.
// robfig/cron has no remove-by-arbitrary-key API (only by numeric EntryID
// returned at AddFunc time), so an active cron entry keeps firing until
// process restart — RestoreSchedules skips disabled/removed entries then.
func (s *Scheduler) RemoveSchedule(ctx context.Context, workflowID uuid.UUID) error {
	s.mu.Lock()
	for eventType, handler := range s.eventHandlers {
		kept := handler.schedules[:0]
		for _, sched := range handler.schedules {
			if sched.WorkflowID != workflowID {
				kept = append(kept, sched)
			}
		}
		handler.schedules = kept
		if len(handler.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	if err := s.store.DeleteSchedule(ctx, workflowID.String()); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	s.logger.Info("schedule removed", "workflow_id", workflowID)
	return nil
}

func (s *Scheduler) ListSchedules(ctx context.Context) ([]*ScheduleConfig, error) {
	blobs, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	schedules := make([]*ScheduleConfig, 0, len(blobs))
	for _, data := range blobs {
		var config ScheduleConfig
		if err := json.Unmarshal(data, &config); err != nil {
			continue
		}
		schedules = append(schedules, &config)
	}
	return schedules, nil
}

// TriggerEvent fires every enabled, filter-matching, under-concurrency-limit
// schedule registered against eventType.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]any) {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	handler, exists := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !exists {
		return
	}
	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, schedule := range handler.schedules {
		if !schedule.Enabled || !matchesFilter(eventData, schedule.EventFilter) {
			continue
		}

		handler.mu.Lock()
		if schedule.MaxConcurrent > 0 && handler.running >= schedule.MaxConcurrent {
			handler.mu.Unlock()
			s.logger.Warn("max concurrent schedule executions reached", "workflow_id", schedule.WorkflowID, "max", schedule.MaxConcurrent)
			continue
		}
		handler.running++
		handler.lastTrigger = time.Now().UTC()
		handler.mu.Unlock()

		go func(cfg *ScheduleConfig) {
			defer func() {
				handler.mu.Lock()
				handler.running--
				handler.mu.Unlock()
			}()
			execCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, cfg.Timeout)
				defer cancel()
			}
			s.executeScheduledWorkflow(execCtx, cfg)
		}(schedule)
	}
}

func (s *Scheduler) executeScheduledWorkflow(ctx context.Context, config *ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "scheduler.execute_workflow", trace.WithAttributes(attribute.String("workflow_id", config.WorkflowID.String())))
	defer span.End()
	start := time.Now()

	def, found, err := s.store.GetWorkflowDefinition(ctx, config.WorkflowID)
	if err != nil || !found {
		s.logger.Error("scheduled workflow not found", "workflow_id", config.WorkflowID, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", config.WorkflowID.String())))
		return
	}

	exec := domain.NewWorkflowExecution(def, map[string]any{})
	if err := s.engine.Execute(ctx, def, exec, s.executor); err != nil {
		s.logger.Error("scheduled workflow execution failed", "workflow_id", config.WorkflowID, "error", err, "duration_ms", time.Since(start).Milliseconds())
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", config.WorkflowID.String())))
	} else {
		s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", config.WorkflowID.String()), attribute.String("status", "success")))
		s.logger.Info("scheduled workflow completed", "workflow_id", config.WorkflowID, "execution_id", exec.ID, "duration_ms", time.Since(start).Milliseconds())
	}

	if err := s.store.PutWorkflowExecution(ctx, exec); err != nil {
		s.logger.Error("failed to persist scheduled execution", "error", err)
	}
}

func (s *Scheduler) registerEventHandler(config *ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handler, exists := s.eventHandlers[config.EventType]
	if !exists {
		handler = &eventSchedules{}
		s.eventHandlers[config.EventType] = handler
	}
	handler.schedules = append(handler.schedules, config)
}

func matchesFilter(eventData, filter map[string]any) bool {
	for key, expected := range filter {
		actual, ok := eventData[key]
		if !ok || fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}

func (s *Scheduler) GetScheduleStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalSchedules := len(s.cron.Entries())
	handlerStats := make(map[string]any, len(s.eventHandlers))
	for eventType, handler := range s.eventHandlers {
		handler.mu.Lock()
		handlerStats[eventType] = map[string]any{
			"schedules": len(handler.schedules), "running": handler.running, "last_trigger": handler.lastTrigger,
		}
		totalSchedules += len(handler.schedules)
		handler.mu.Unlock()
	}
	return map[string]any{
		"cron_entries": len(s.cron.Entries()), "event_handlers": len(s.eventHandlers),
		"total_schedules": totalSchedules, "event_handler_stats": handlerStats,
	}
}

// RestoreSchedules loads persisted schedule configs on startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	restored, failed := 0, 0
	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, schedule); err != nil {
			s.logger.Error("failed to restore schedule", "workflow_id", schedule.WorkflowID, "error", err)
			failed++
			continue
		}
		restored++
	}
	s.logger.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}
