package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/eventbus"
	"github.com/taskmesh/taskmesh/common/kv"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
	"github.com/taskmesh/taskmesh/common/models"
)

const taskKeyPrefix = "task/"

// RegisterTaskRequest is the input for task registration.
type RegisterTaskRequest struct {
	Name          string
	Description   string
	Priority      models.TaskPriority
	NodeUUID      string
	Endpoint      string
	Version       string
	Capabilities  []string
	Metadata      map[string]string
	Config        map[string]string
	Executable    *models.TaskExecutable
	ExecutionKind models.ExecutionKind
}

// ListTasksFilter composes with AND; Status/Priority use the -1 sentinel
// for "no filter".
type ListTasksFilter struct {
	NodeUUID string
	Status   int32
	Priority int32
	Limit    int
	Offset   int
}

// TaskService owns the task catalog. All mutations on a single task are
// serialized through a per-task lock so status_version checks are race
// free. Records are persisted to the primary KV store and events go out on
// the unified bus.
type TaskService struct {
	store kv.Store
	bus   *eventbus.Bus
	log   *logger.Logger
	m     *metrics.MS

	mu    sync.RWMutex
	tasks map[string]*models.Task
	locks map[string]*sync.Mutex

	now func() int64
}

// NewTaskService creates the service and reloads the catalog from the
// primary store.
func NewTaskService(ctx context.Context, store kv.Store, bus *eventbus.Bus, log *logger.Logger, m *metrics.MS) (*TaskService, error) {
	s := &TaskService{
		store: store,
		bus:   bus,
		log:   log,
		m:     m,
		tasks: make(map[string]*models.Task),
		locks: make(map[string]*sync.Mutex),
		now:   func() int64 { return time.Now().Unix() },
	}
	pairs, err := store.ScanPrefix(ctx, taskKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to reload task catalog: %w", err)
	}
	for _, p := range pairs {
		var t models.Task
		if err := json.Unmarshal(p.Value, &t); err != nil {
			log.Warn("skipping undecodable task record", "key", p.Key, "error", err)
			continue
		}
		s.tasks[t.TaskID] = &t
	}
	if len(s.tasks) > 0 {
		log.Info("task catalog reloaded", "count", len(s.tasks))
	}
	return s, nil
}

func (s *TaskService) taskLock(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	return l
}

func (s *TaskService) persist(ctx context.Context, t *models.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to encode task %s", t.TaskID)
	}
	if err := s.store.Put(ctx, taskKeyPrefix+t.TaskID, raw); err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to persist task %s", t.TaskID)
	}
	return nil
}

func (s *TaskService) publish(ctx context.Context, op models.EventOp, t *models.Task) {
	if _, err := s.bus.Publish(ctx, models.ResourceTypeTask, op, t.NodeUUID, t.TaskID, t); err != nil {
		s.log.Error("failed to publish task event", "task_id", t.TaskID, "op", op, "error", err)
		return
	}
	s.m.EventsPublished.WithLabelValues(string(models.ResourceTypeTask), string(op)).Inc()
}

// Register assigns a task id, persists the record and publishes task/create.
func (s *TaskService) Register(ctx context.Context, req RegisterTaskRequest) (*models.Task, error) {
	if req.Name == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "task name is required")
	}
	now := s.now()
	t := &models.Task{
		TaskID:        uuid.NewString(),
		Name:          req.Name,
		Description:   req.Description,
		Status:        models.TaskStatusRegistered,
		StatusVersion: 1,
		Priority:      req.Priority,
		NodeUUID:      req.NodeUUID,
		Endpoint:      req.Endpoint,
		Version:       req.Version,
		Capabilities:  req.Capabilities,
		Metadata:      req.Metadata,
		Config:        req.Config,
		Executable:    req.Executable,
		ExecutionKind: req.ExecutionKind.Normalize(),
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	if t.Priority == models.TaskPriorityUnknown {
		t.Priority = models.TaskPriorityNormal
	}

	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.tasks[t.TaskID] = t
	s.mu.Unlock()

	s.m.TasksRegistered.Inc()
	s.publish(ctx, models.EventOpCreate, t)
	s.log.Info("task registered", "task_id", t.TaskID, "name", t.Name, "node_uuid", t.NodeUUID)
	return t.Clone(), nil
}

// Get returns a copy of the task.
func (s *TaskService) Get(taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", taskID)
	}
	return t.Clone(), nil
}

// List returns tasks matching the filter plus the total match count before
// pagination.
func (s *TaskService) List(f ListTasksFilter) ([]*models.Task, int) {
	s.mu.RLock()
	matched := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.NodeUUID != "" && t.NodeUUID != f.NodeUUID {
			continue
		}
		if f.Status != models.NoFilter && int32(t.Status) != f.Status {
			continue
		}
		if f.Priority != models.NoFilter && int32(t.Priority) != f.Priority {
			continue
		}
		matched = append(matched, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RegisteredAt != matched[j].RegisteredAt {
			return matched[i].RegisteredAt < matched[j].RegisteredAt
		}
		return matched[i].TaskID < matched[j].TaskID
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []*models.Task{}, total
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total
}

// UpdateTaskRequest carries mutable catalog fields for a generic update.
// Status and the result trail have their own guarded operations and are
// never touched here.
type UpdateTaskRequest struct {
	Name         string
	Description  string
	Priority     models.TaskPriority
	Endpoint     string
	Version      string
	Capabilities []string
	Metadata     map[string]string
	Config       map[string]string
}

// Update rewrites the mutable descriptive fields of a task and publishes
// task/update.
func (s *TaskService) Update(ctx context.Context, taskID string, req UpdateTaskRequest) (*models.Task, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", taskID)
	}
	t := cur.Clone()
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Description != "" {
		t.Description = req.Description
	}
	if req.Priority != models.TaskPriorityUnknown {
		t.Priority = req.Priority
	}
	if req.Endpoint != "" {
		t.Endpoint = req.Endpoint
	}
	if req.Version != "" {
		t.Version = req.Version
	}
	if req.Capabilities != nil {
		t.Capabilities = req.Capabilities
	}
	if req.Metadata != nil {
		t.Metadata = req.Metadata
	}
	if req.Config != nil {
		t.Config = req.Config
	}
	t.UpdatedAt = s.now()
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.tasks[taskID] = t
	s.mu.Unlock()
	s.publish(ctx, models.EventOpUpdate, t)
	return t.Clone(), nil
}

// UpdateStatus applies a status transition guarded by status_version.
// Unknown tasks and stale versions report success=false without emitting an
// event; the accepted version bumps past the incoming one so a repeat of
// the same update is rejected.
func (s *TaskService) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, nodeUUID string, statusVersion int64, updatedAt int64, reason string) (*models.Task, bool, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if statusVersion < cur.StatusVersion {
		s.log.Warn("stale task status update rejected",
			"task_id", taskID, "status_version", statusVersion, "current_version", cur.StatusVersion)
		return nil, false, nil
	}

	t := cur.Clone()
	t.Status = status
	t.StatusVersion = max64(statusVersion, t.StatusVersion) + 1
	if updatedAt > 0 {
		t.UpdatedAt = updatedAt
	} else {
		t.UpdatedAt = s.now()
	}
	if err := s.persist(ctx, t); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	s.tasks[taskID] = t
	s.mu.Unlock()
	s.publish(ctx, models.EventOpUpdate, t)
	s.log.Info("task status updated", "task_id", taskID, "status", status.String(), "reason", reason)
	return t.Clone(), true, nil
}

// Unregister marks the task unregistered and publishes task/cancel (the
// delete op on the unified bus). The record is retained.
func (s *TaskService) Unregister(ctx context.Context, taskID, reason string) (bool, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	t := cur.Clone()
	t.Status = models.TaskStatusUnregistered
	t.StatusVersion++
	t.UpdatedAt = s.now()
	if err := s.persist(ctx, t); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.tasks[taskID] = t
	s.mu.Unlock()
	s.publish(ctx, models.EventOpDelete, t)
	s.log.Info("task unregistered", "task_id", taskID, "reason", reason)
	return true, nil
}

// UpdateResult appends a result URI, updates the last_* trail and publishes
// task/update.
func (s *TaskService) UpdateResult(ctx context.Context, taskID, uri, status string, metadata map[string]string, completedAt int64) (*models.Task, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", taskID)
	}
	t := cur.Clone()
	if uri != "" {
		t.ResultURIs = append(t.ResultURIs, uri)
		t.LastResultURI = uri
	}
	t.LastResultStatus = strings.ToLower(status)
	t.LastCompletedAt = completedAt
	t.LastResultMetadata = metadata
	t.UpdatedAt = s.now()
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.tasks[taskID] = t
	s.mu.Unlock()
	s.publish(ctx, models.EventOpUpdate, t)
	s.log.Info("task result updated", "task_id", taskID, "status", t.LastResultStatus, "uri", uri)
	return t.Clone(), nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
