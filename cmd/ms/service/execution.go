package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/kv"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

const executionKeyPrefix = "execution/"

// ExecutionService is the MS-side execution index. Worklets report
// execution lifecycle into it so operators can correlate task instances
// with their runs.
type ExecutionService struct {
	store kv.Store
	log   *logger.Logger

	mu         sync.RWMutex
	executions map[string]*models.Execution
}

// NewExecutionService creates the index and reloads it from the store.
func NewExecutionService(ctx context.Context, store kv.Store, log *logger.Logger) (*ExecutionService, error) {
	s := &ExecutionService{
		store:      store,
		log:        log,
		executions: make(map[string]*models.Execution),
	}
	pairs, err := store.ScanPrefix(ctx, executionKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to reload execution index: %w", err)
	}
	for _, p := range pairs {
		var e models.Execution
		if err := json.Unmarshal(p.Value, &e); err != nil {
			log.Warn("skipping undecodable execution record", "key", p.Key, "error", err)
			continue
		}
		s.executions[e.ExecutionID] = &e
	}
	return s, nil
}

// Record upserts an execution record.
func (s *ExecutionService) Record(ctx context.Context, exec models.Execution) error {
	if exec.ExecutionID == "" {
		return apperr.New(apperr.KindInvalidRequest, "execution_id is required")
	}
	if exec.UpdatedAtMs == 0 {
		exec.UpdatedAtMs = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(&exec)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to encode execution %s", exec.ExecutionID)
	}
	if err := s.store.Put(ctx, executionKeyPrefix+exec.ExecutionID, raw); err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to persist execution %s", exec.ExecutionID)
	}
	s.mu.Lock()
	cp := exec
	s.executions[exec.ExecutionID] = &cp
	s.mu.Unlock()
	return nil
}

// Get returns one execution.
func (s *ExecutionService) Get(executionID string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[executionID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "execution %s not found", executionID)
	}
	cp := *e
	return &cp, nil
}

// ListByTask returns executions for a task, newest first.
func (s *ExecutionService) ListByTask(taskID string) []models.Execution {
	return s.list(func(e *models.Execution) bool { return e.TaskID == taskID })
}

// ListByInstance returns executions for an instance, newest first.
func (s *ExecutionService) ListByInstance(instanceID string) []models.Execution {
	return s.list(func(e *models.Execution) bool { return e.InstanceID == instanceID })
}

func (s *ExecutionService) list(match func(*models.Execution) bool) []models.Execution {
	s.mu.RLock()
	out := make([]models.Execution, 0)
	for _, e := range s.executions {
		if match(e) {
			out = append(out, *e)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAtMs != out[j].StartedAtMs {
			return out[i].StartedAtMs > out[j].StartedAtMs
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out
}
