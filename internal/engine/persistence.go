package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// Store is the system-of-record for tasks, agent definitions, workflow
// definitions/executions, and the append-only event log (§6's persisted-
// state contract). BoltDB, chosen over a networked store for single-binary
// deployment with no external dependency beyond a data directory.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	workflowDefCache map[uuid.UUID]*domain.WorkflowDefinition
	executionCache   map[uuid.UUID]*domain.WorkflowExecution
	maxCacheSize     int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

var (
	bucketTasks            = []byte("tasks")
	bucketIdempotency      = []byte("idempotency")
	bucketAgentDefinitions = []byte("agent_definitions")
	bucketWorkflowDefs     = []byte("workflow_definitions")
	bucketWorkflowVersions = []byte("workflow_versions")
	bucketExecutions       = []byte("workflow_executions")
	bucketExecutionIndex   = []byte("workflow_execution_index")
	bucketEvents           = []byte("events")
	bucketSchedules        = []byte("schedules")
)

// NewStore opens (creating if absent) a BoltDB file under the dataDir
// directory and provisions every bucket the store uses.
func NewStore(dataDir string, meter metric.Meter) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(filepath.Join(dataDir, "orchestrator.db"), 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	buckets := [][]byte{
		bucketTasks, bucketIdempotency, bucketAgentDefinitions,
		bucketWorkflowDefs, bucketWorkflowVersions, bucketExecutions,
		bucketExecutionIndex, bucketEvents, bucketSchedules,
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("orchestrator_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("orchestrator_store_write_ms")
	cacheHits, _ := meter.Int64Counter("orchestrator_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("orchestrator_store_cache_misses_total")

	s := &Store{
		db:               db,
		workflowDefCache: make(map[uuid.UUID]*domain.WorkflowDefinition),
		executionCache:   make(map[uuid.UUID]*domain.WorkflowExecution),
		maxCacheSize:     1000,
		readLatency:      readLatency,
		writeLatency:     writeLatency,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
	}
	if err := s.warmWorkflowCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) recordLatency(ctx context.Context, h metric.Float64Histogram, start time.Time, op string) {
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

// PutTask upserts a task and, when it carries an idempotency key, its
// secondary index entry.
func (s *Store) PutTask(ctx context.Context, t *domain.Task) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.writeLatency, start, "put_task")

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTasks).Put(idBytes(t.ID), data); err != nil {
			return err
		}
		if t.IdempotencyKey != nil && *t.IdempotencyKey != "" {
			return tx.Bucket(bucketIdempotency).Put([]byte(*t.IdempotencyKey), idBytes(t.ID))
		}
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, bool, error) {
	start := time.Now()
	defer s.recordLatency(ctx, s.readLatency, start, "get_task")

	var t domain.Task
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(idBytes(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &t, true, nil
}

// FindTaskByIdempotencyKey resolves the idempotency index, then the task.
func (s *Store) FindTaskByIdempotencyKey(ctx context.Context, key string) (*domain.Task, bool, error) {
	var taskID uuid.UUID
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		idData := tx.Bucket(bucketIdempotency).Get([]byte(key))
		if idData == nil {
			return nil
		}
		id, err := uuid.ParseBytes(idData)
		if err != nil {
			return err
		}
		taskID = id
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	return s.GetTask(ctx, taskID)
}

// PutAgentDefinition upserts an agent definition, keyed by its id.
func (s *Store) PutAgentDefinition(ctx context.Context, def *domain.AgentDefinition) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.writeLatency, start, "put_agent_definition")

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal agent definition: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAgentDefinitions).Put(idBytes(def.ID), data)
	})
}

func (s *Store) GetAgentDefinition(ctx context.Context, id uuid.UUID) (*domain.AgentDefinition, bool, error) {
	var def domain.AgentDefinition
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAgentDefinitions).Get(idBytes(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &def)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &def, true, nil
}

func (s *Store) ListAgentDefinitions(ctx context.Context) ([]*domain.AgentDefinition, error) {
	var defs []*domain.AgentDefinition
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAgentDefinitions).ForEach(func(_, v []byte) error {
			var def domain.AgentDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return nil
			}
			defs = append(defs, &def)
			return nil
		})
	})
	return defs, err
}

// PutWorkflowDefinition upserts a workflow definition, archiving the
// previous revision under bucketWorkflowVersions if one existed.
func (s *Store) PutWorkflowDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.writeLatency, start, "put_workflow_definition")

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal workflow definition: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflowDefs)
		if existing := bucket.Get(idBytes(def.ID)); existing != nil {
			versionKey := fmt.Sprintf("%s:%d", def.ID, time.Now().UnixNano())
			if err := tx.Bucket(bucketWorkflowVersions).Put([]byte(versionKey), existing); err != nil {
				return err
			}
		}
		return bucket.Put(idBytes(def.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write workflow definition: %w", err)
	}

	s.mu.Lock()
	s.workflowDefCache[def.ID] = def
	s.mu.Unlock()
	return nil
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, id uuid.UUID) (*domain.WorkflowDefinition, bool, error) {
	s.mu.RLock()
	if def, ok := s.workflowDefCache[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow_definition")))
		return def, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow_definition")))

	var def domain.WorkflowDefinition
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflowDefs).Get(idBytes(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &def)
	})
	if err != nil || !found {
		return nil, false, err
	}

	s.mu.Lock()
	s.workflowDefCache[id] = &def
	s.mu.Unlock()
	return &def, true, nil
}

func (s *Store) ListWorkflowDefinitions(ctx context.Context, limit, offset int) ([]*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.WorkflowDefinition, 0, len(s.workflowDefCache))
	for _, def := range s.workflowDefCache {
		all = append(all, def)
	}
	start := offset
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// PutWorkflowExecution upserts an execution and its time-ordered index entry
// under its workflow definition.
func (s *Store) PutWorkflowExecution(ctx context.Context, exec *domain.WorkflowExecution) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.writeLatency, start, "put_execution")

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put(idBytes(exec.ID), data); err != nil {
			return err
		}
		indexKey := fmt.Sprintf("%s:%d:%s", exec.WorkflowDefinitionID, exec.CreatedAt.UnixNano(), exec.ID)
		return tx.Bucket(bucketExecutionIndex).Put([]byte(indexKey), idBytes(exec.ID))
	})
	if err != nil {
		return fmt.Errorf("write execution: %w", err)
	}

	s.mu.Lock()
	if len(s.executionCache) >= s.maxCacheSize {
		s.evictOldestExecution()
	}
	s.executionCache[exec.ID] = exec
	s.mu.Unlock()
	return nil
}

func (s *Store) GetWorkflowExecution(ctx context.Context, id uuid.UUID) (*domain.WorkflowExecution, bool, error) {
	s.mu.RLock()
	if exec, ok := s.executionCache[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))
		return exec, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))

	var exec domain.WorkflowExecution
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get(idBytes(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &exec)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &exec, true, nil
}

// ListWorkflowExecutions returns up to limit executions of workflowDefID,
// oldest first, via the time-ordered index.
func (s *Store) ListWorkflowExecutions(ctx context.Context, workflowDefID uuid.UUID, limit int) ([]*domain.WorkflowExecution, error) {
	executions := make([]*domain.WorkflowExecution, 0, limit)
	prefix := []byte(workflowDefID.String() + ":")

	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketExecutionIndex)
		execBucket := tx.Bucket(bucketExecutions)
		cursor := indexBucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			data := execBucket.Get(v)
			if data == nil {
				continue
			}
			var exec domain.WorkflowExecution
			if err := json.Unmarshal(data, &exec); err != nil {
				continue
			}
			executions = append(executions, &exec)
			count++
		}
		return nil
	})
	return executions, err
}

// AppendEvent writes a domain event to the append-only log, indexed by
// aggregate id and occurrence time for ListEvents' cursor scan.
func (s *Store) AppendEvent(ctx context.Context, evt *domain.DomainEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := fmt.Sprintf("%s:%d:%s", evt.AggregateID, evt.OccurredAt.UnixNano(), evt.EventID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).Put([]byte(key), data)
	})
}

// ListEvents returns up to limit events for aggregateID in occurrence order.
func (s *Store) ListEvents(ctx context.Context, aggregateID uuid.UUID, limit int) ([]*domain.DomainEvent, error) {
	events := make([]*domain.DomainEvent, 0, limit)
	prefix := []byte(aggregateID.String() + ":")

	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var evt domain.DomainEvent
			if err := json.Unmarshal(v, &evt); err != nil {
				continue
			}
			events = append(events, &evt)
			count++
		}
		return nil
	})
	return events, err
}

// PutSchedule persists an opaque schedule config blob keyed by workflow
// name, for internal/engine's scheduler to restore on restart.
func (s *Store) PutSchedule(ctx context.Context, name string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(name), data)
	})
}

func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ListSchedules returns every persisted schedule config blob keyed by name.
func (s *Store) ListSchedules(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[string(k)] = cp
			return nil
		})
	})
	return out, err
}

func (s *Store) GetStats() map[string]any {
	stats := make(map[string]any)
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range [][]byte{bucketTasks, bucketAgentDefinitions, bucketWorkflowDefs, bucketExecutions, bucketEvents, bucketSchedules} {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	s.mu.RLock()
	stats["cache_workflow_definitions"] = len(s.workflowDefCache)
	stats["cache_executions"] = len(s.executionCache)
	s.mu.RUnlock()
	return stats
}

func (s *Store) warmWorkflowCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflowDefs).ForEach(func(_, v []byte) error {
			var def domain.WorkflowDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return nil
			}
			s.workflowDefCache[def.ID] = &def
			return nil
		})
	})
}

// evictOldestExecution must be called with s.mu held.
func (s *Store) evictOldestExecution() {
	var oldestID uuid.UUID
	var oldestTime time.Time
	first := true
	for id, exec := range s.executionCache {
		if first || exec.CreatedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = exec.CreatedAt
			first = false
		}
	}
	if !first {
		delete(s.executionCache, oldestID)
	}
}

func idBytes(id uuid.UUID) []byte {
	return []byte(id.String())
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
