// Package execution is the worklet's task execution core: artifacts, tasks
// and instances managed over pluggable runtimes, with results written back
// to the metadata server.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
	"github.com/taskmesh/taskmesh/common/models"
)

// InvocationType selects the submission semantics of SubmitExecution.
type InvocationType string

const (
	InvocationNewTask      InvocationType = "new_task"
	InvocationExistingTask InvocationType = "existing_task"
)

// InvokeRequest targets an existing task.
type InvokeRequest struct {
	TaskID       string            `json:"task_id"`
	InvocationID string            `json:"invocation_id,omitempty"`
	FunctionName string            `json:"function_name,omitempty"`
	Payload      []byte            `json:"payload,omitempty"`
	TimeoutMs    int64             `json:"timeout_ms,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Sync         bool              `json:"sync,omitempty"`
}

// InvokeFunctionRequest can create an artifact/task on the fly.
type InvokeFunctionRequest struct {
	TaskID         string         `json:"task_id,omitempty"`
	InvocationType InvocationType `json:"invocation_type"`
	ArtifactSpec   *ArtifactSpec  `json:"artifact_spec,omitempty"`
	FunctionName   string         `json:"function_name,omitempty"`
	Payload        []byte         `json:"payload,omitempty"`
	TimeoutMs      int64          `json:"timeout_ms,omitempty"`
}

// ResultWriter is the slice of the MS client the completion hook needs.
type ResultWriter interface {
	UpdateTaskResult(ctx context.Context, taskID, uri, status string, metadata map[string]string, completedAt int64) error
	RecordExecution(ctx context.Context, exec models.Execution) error
}

// TaskFetcher resolves tasks the worklet does not hold yet.
type TaskFetcher interface {
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
}

// ManagerConfig tunes the execution manager.
type ManagerConfig struct {
	DefaultTimeout  time.Duration
	Pool            PoolConfig
	ScalingInterval time.Duration

	WritebackRetries int
	WritebackBackoff time.Duration
}

// DefaultManagerConfig returns the defaults used by the worklet binary.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultTimeout:   30 * time.Second,
		Pool:             DefaultPoolConfig,
		ScalingInterval:  10 * time.Second,
		WritebackRetries: 3,
		WritebackBackoff: time.Second,
	}
}

// Manager owns the artifact/task/instance maps and the submission paths.
type Manager struct {
	cfg      ManagerConfig
	runtimes *RuntimeManager
	writer   ResultWriter
	fetcher  TaskFetcher
	nodeUUID string
	log      *logger.Logger
	m        *metrics.Worklet

	mu        sync.RWMutex
	tasks     map[string]*Task
	artifacts map[string]*Artifact
	pools     map[string]*InstancePool

	execMu     sync.RWMutex
	executions map[string]*models.Execution
}

// NewManager wires the execution manager.
func NewManager(cfg ManagerConfig, runtimes *RuntimeManager, writer ResultWriter, fetcher TaskFetcher, nodeUUID string, log *logger.Logger, m *metrics.Worklet) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.WritebackRetries <= 0 {
		cfg.WritebackRetries = 3
	}
	if cfg.WritebackBackoff <= 0 {
		cfg.WritebackBackoff = time.Second
	}
	return &Manager{
		cfg:        cfg,
		runtimes:   runtimes,
		writer:     writer,
		fetcher:    fetcher,
		nodeUUID:   nodeUUID,
		log:        log,
		m:          m,
		tasks:      make(map[string]*Task),
		artifacts:  make(map[string]*Artifact),
		pools:      make(map[string]*InstancePool),
		executions: make(map[string]*models.Execution),
	}
}

// HasTask reports whether the manager holds the task locally.
func (mgr *Manager) HasTask(taskID string) bool {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	_, ok := mgr.tasks[taskID]
	return ok
}

// GetExecution returns a local execution record.
func (mgr *Manager) GetExecution(executionID string) (*models.Execution, error) {
	mgr.execMu.RLock()
	defer mgr.execMu.RUnlock()
	e, ok := mgr.executions[executionID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "execution %s not found", executionID)
	}
	cp := *e
	return &cp, nil
}

// ListExecutions returns all local execution records.
func (mgr *Manager) ListExecutions() []models.Execution {
	mgr.execMu.RLock()
	defer mgr.execMu.RUnlock()
	out := make([]models.Execution, 0, len(mgr.executions))
	for _, e := range mgr.executions {
		out = append(out, *e)
	}
	return out
}

// EnsureTaskFromCatalog materialises the artifact and task for a catalog
// record, creating the instance pool lazily.
func (mgr *Manager) EnsureTaskFromCatalog(src *models.Task) (*Task, error) {
	if src == nil || src.TaskID == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "task record is empty")
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if t, ok := mgr.tasks[src.TaskID]; ok {
		return t, nil
	}
	artifact := artifactFromCatalog(src)
	if existing, ok := mgr.artifacts[artifact.ArtifactID]; ok {
		artifact = existing
	} else {
		mgr.artifacts[artifact.ArtifactID] = artifact
	}
	t := taskFromCatalog(src, artifact)
	if _, err := mgr.runtimes.Get(t.RuntimeType); err != nil {
		return nil, err
	}
	mgr.tasks[t.TaskID] = t
	artifact.TaskIDs = append(artifact.TaskIDs, t.TaskID)
	mgr.log.Info("task materialised", "task_id", t.TaskID, "artifact_id", artifact.ArtifactID, "execution_kind", string(t.ExecutionKind))
	return t, nil
}

// HandleTaskCreate is the subscriber's dispatch target: ensure the task
// exists locally and launch an execution. task is nil when the id is
// already known.
func (mgr *Manager) HandleTaskCreate(ctx context.Context, taskID string, task *models.Task) error {
	if task != nil {
		if _, err := mgr.EnsureTaskFromCatalog(task); err != nil {
			return err
		}
	}
	_, err := mgr.SubmitInvocation(ctx, InvokeRequest{
		TaskID:       taskID,
		InvocationID: uuid.NewString(),
		Sync:         false,
	})
	return err
}

// resolveTask finds the task locally, fetching it from the MS once when
// missing. A task unknown to the MS is a terminal error.
func (mgr *Manager) resolveTask(ctx context.Context, taskID string) (*Task, error) {
	mgr.mu.RLock()
	t, ok := mgr.tasks[taskID]
	mgr.mu.RUnlock()
	if ok {
		return t, nil
	}
	src, err := mgr.fetcher.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return mgr.EnsureTaskFromCatalog(src)
}

func (mgr *Manager) pool(t *Task) (*InstancePool, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if p, ok := mgr.pools[t.TaskID]; ok {
		return p, nil
	}
	rt, err := mgr.runtimes.Get(t.RuntimeType)
	if err != nil {
		return nil, err
	}
	p := NewInstancePool(t, rt, mgr.cfg.Pool, mgr.log)
	mgr.pools[t.TaskID] = p
	return p, nil
}

// SubmitInvocation runs an existing task. Sync requests block until a
// terminal status; async requests return the pending record and complete
// in the background.
func (mgr *Manager) SubmitInvocation(ctx context.Context, req InvokeRequest) (*models.Execution, error) {
	if req.TaskID == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "task_id is required")
	}
	t, err := mgr.resolveTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if req.InvocationID == "" {
		req.InvocationID = uuid.NewString()
	}

	exec := &models.Execution{
		ExecutionID:  uuid.NewString(),
		InvocationID: req.InvocationID,
		TaskID:       t.TaskID,
		FunctionName: req.FunctionName,
		NodeUUID:     mgr.nodeUUID,
		Status:       models.ExecutionStatusPending,
		Metadata:     req.Metadata,
		UpdatedAtMs:  time.Now().UnixMilli(),
	}
	mgr.storeExecution(exec)

	if req.Sync {
		mgr.run(ctx, t, req, exec.ExecutionID)
		return mgr.GetExecution(exec.ExecutionID)
	}
	go mgr.run(context.WithoutCancel(ctx), t, req, exec.ExecutionID)
	cp := *exec
	return &cp, nil
}

// SubmitExecution handles function invocations that may create their task
// on the fly. The execution_kind policy is enforced here: long-running
// tasks may only be launched through SubmitInvocation.
func (mgr *Manager) SubmitExecution(ctx context.Context, req InvokeFunctionRequest) (*models.Execution, error) {
	switch req.InvocationType {
	case InvocationNewTask:
		if req.ArtifactSpec == nil {
			return nil, apperr.New(apperr.KindInvalidRequest, "artifact_spec is required for new_task invocations")
		}
		t, err := mgr.ensureTaskFromSpec(req)
		if err != nil {
			return nil, err
		}
		return mgr.SubmitInvocation(ctx, InvokeRequest{
			TaskID:       t.TaskID,
			FunctionName: req.FunctionName,
			Payload:      req.Payload,
			TimeoutMs:    req.TimeoutMs,
			Sync:         true,
		})
	case InvocationExistingTask:
		if req.TaskID == "" {
			return nil, apperr.New(apperr.KindInvalidRequest, "task_id is required")
		}
		t, err := mgr.resolveTask(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		if t.ExecutionKind == models.ExecutionKindLongRunning {
			return nil, apperr.New(apperr.KindNotSupported,
				"long_running task %s must be invoked through submit_invocation", t.TaskID)
		}
		return mgr.SubmitInvocation(ctx, InvokeRequest{
			TaskID:       t.TaskID,
			FunctionName: req.FunctionName,
			Payload:      req.Payload,
			TimeoutMs:    req.TimeoutMs,
			Sync:         true,
		})
	default:
		return nil, apperr.New(apperr.KindInvalidRequest, "unknown invocation type %q", req.InvocationType)
	}
}

// ensureTaskFromSpec builds an artifact and task from an invocation's
// artifact spec.
func (mgr *Manager) ensureTaskFromSpec(req InvokeFunctionRequest) (*Task, error) {
	spec := *req.ArtifactSpec
	if spec.ArtifactID == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "artifact_id is required")
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if t, ok := mgr.tasks[taskID]; ok {
		return t, nil
	}
	artifact, ok := mgr.artifacts[spec.ArtifactID]
	if !ok {
		artifact = artifactFromSpec(spec)
		mgr.artifacts[artifact.ArtifactID] = artifact
	}
	kind := models.ExecutionKind(spec.Metadata["execution_kind"]).Normalize()
	t := &Task{
		TaskID:        taskID,
		Name:          taskID,
		Version:       spec.Version,
		ArtifactID:    artifact.ArtifactID,
		ExecutionKind: kind,
		RuntimeType:   RuntimeTypeForExecutable(artifact.Type),
		ExecutableURI: artifact.Location,
	}
	if _, err := mgr.runtimes.Get(t.RuntimeType); err != nil {
		return nil, err
	}
	mgr.tasks[taskID] = t
	artifact.TaskIDs = append(artifact.TaskIDs, taskID)
	return t, nil
}

// run drives one execution to a terminal status and fires the completion
// hook exactly once.
func (mgr *Manager) run(ctx context.Context, t *Task, req InvokeRequest, executionID string) {
	timeout := mgr.cfg.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := mgr.pool(t)
	if err != nil {
		mgr.finish(ctx, t, executionID, models.ExecutionStatusFailed, "", err)
		return
	}
	inst, err := pool.Acquire(runCtx)
	if err != nil {
		status := models.ExecutionStatusFailed
		if apperr.IsKind(err, apperr.KindTimeout) {
			status = models.ExecutionStatusTimeout
		}
		mgr.finish(ctx, t, executionID, status, "", err)
		return
	}
	defer pool.Release(inst)

	mgr.updateExecution(executionID, func(e *models.Execution) {
		e.Status = models.ExecutionStatusRunning
		e.InstanceID = inst.InstanceID
		e.StartedAtMs = time.Now().UnixMilli()
	})
	mgr.m.InstancesRunning.Inc()
	defer mgr.m.InstancesRunning.Dec()

	rt, err := mgr.runtimes.Get(t.RuntimeType)
	if err != nil {
		mgr.finish(ctx, t, executionID, models.ExecutionStatusFailed, "", err)
		return
	}

	started := time.Now()
	resp, err := rt.Execute(runCtx, inst, ExecutionContext{
		RequestID:    req.InvocationID,
		FunctionName: req.FunctionName,
		InputData:    req.Payload,
		TimeoutMs:    timeout.Milliseconds(),
		Metadata:     req.Metadata,
	})
	mgr.m.ExecutionSeconds.Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		uri := ""
		if resp != nil && len(resp.OutputData) > 0 {
			uri = "inline:" + resp.ExecutionID
		}
		mgr.finish(ctx, t, executionID, models.ExecutionStatusCompleted, uri, nil)
	case runCtx.Err() == context.DeadlineExceeded || apperr.IsKind(err, apperr.KindTimeout):
		mgr.finish(ctx, t, executionID, models.ExecutionStatusTimeout, "", err)
	default:
		mgr.finish(ctx, t, executionID, models.ExecutionStatusFailed, "", err)
	}
}

// finish records the terminal status, mirrors the record to the MS and
// writes the task result back exactly once. Writeback failures are logged
// and retried with bounded backoff; the local status stays authoritative.
func (mgr *Manager) finish(ctx context.Context, t *Task, executionID string, status models.ExecutionStatus, resultURI string, cause error) {
	completedAt := time.Now()
	exec := mgr.updateExecution(executionID, func(e *models.Execution) {
		e.Status = status
		e.CompletedAtMs = completedAt.UnixMilli()
		if cause != nil {
			if e.Metadata == nil {
				e.Metadata = make(map[string]string)
			}
			e.Metadata["error"] = cause.Error()
		}
	})
	mgr.m.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	if cause != nil {
		mgr.log.Error("execution finished with error", "execution_id", executionID, "task_id", t.TaskID, "status", string(status), "error", cause)
	} else {
		mgr.log.Info("execution finished", "execution_id", executionID, "task_id", t.TaskID, "status", string(status))
	}

	mgr.writeback(ctx, t, exec, resultURI, completedAt)
}

func (mgr *Manager) writeback(ctx context.Context, t *Task, exec *models.Execution, resultURI string, completedAt time.Time) {
	metadata := map[string]string{
		"execution_id": exec.ExecutionID,
		"node_uuid":    mgr.nodeUUID,
	}
	lastErr := mgr.writeResultWithRetry(ctx, t.TaskID, resultURI, string(exec.Status), metadata, completedAt.Unix())
	if lastErr != nil {
		mgr.m.ResultWritebacks.WithLabelValues("failed").Inc()
		mgr.log.Error("result writeback failed", "task_id", t.TaskID, "execution_id", exec.ExecutionID, "error", lastErr)
	} else {
		mgr.m.ResultWritebacks.WithLabelValues("ok").Inc()
	}

	if err := mgr.writer.RecordExecution(ctx, *exec); err != nil {
		mgr.log.Error("execution record mirror failed", "execution_id", exec.ExecutionID, "error", err)
	}
}

// writeResultWithRetry performs the single result writeback with bounded
// backoff. The retry budget, not the caller, owns the loop so the hook
// fires exactly once per execution.
func (mgr *Manager) writeResultWithRetry(ctx context.Context, taskID, uri, status string, metadata map[string]string, completedAt int64) error {
	var lastErr error
	for attempt := 1; attempt <= mgr.cfg.WritebackRetries; attempt++ {
		lastErr = mgr.writer.UpdateTaskResult(ctx, taskID, uri, status, metadata, completedAt)
		if lastErr == nil {
			return nil
		}
		if attempt == mgr.cfg.WritebackRetries {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(mgr.cfg.WritebackBackoff * time.Duration(attempt)):
		}
	}
	return lastErr
}

func (mgr *Manager) storeExecution(e *models.Execution) {
	mgr.execMu.Lock()
	mgr.executions[e.ExecutionID] = e
	mgr.execMu.Unlock()
}

func (mgr *Manager) updateExecution(executionID string, fn func(*models.Execution)) *models.Execution {
	mgr.execMu.Lock()
	defer mgr.execMu.Unlock()
	e, ok := mgr.executions[executionID]
	if !ok {
		return nil
	}
	fn(e)
	e.UpdatedAtMs = time.Now().UnixMilli()
	cp := *e
	return &cp
}

// RunScaler applies periodic scaling decisions until ctx ends.
func (mgr *Manager) RunScaler(ctx context.Context) {
	interval := mgr.cfg.ScalingInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.mu.RLock()
			pools := make([]*InstancePool, 0, len(mgr.pools))
			for _, p := range mgr.pools {
				pools = append(pools, p)
			}
			mgr.mu.RUnlock()
			for _, p := range pools {
				d := p.ComputeScalingDecision()
				if d.Action != ScaleHold {
					mgr.log.Debug("applying scaling decision", "task_id", p.task.TaskID, "action", string(d.Action), "count", d.Count)
					p.ApplyScalingDecision(ctx, d)
				}
			}
		}
	}
}
