package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
	"github.com/taskmesh/taskmesh/common/models"
)

// stubRuntime is an in-memory runtime for tests.
type stubRuntime struct {
	mu       sync.Mutex
	executed int
	fail     bool
	delay    time.Duration
}

func (r *stubRuntime) Type() RuntimeType                 { return RuntimeTypeProcess }
func (r *stubRuntime) ValidateConfig(InstanceConfig) error { return nil }

func (r *stubRuntime) CreateInstance(_ context.Context, cfg InstanceConfig) (*TaskInstance, error) {
	return NewTaskInstance(cfg.TaskID, cfg), nil
}

func (r *stubRuntime) StartInstance(_ context.Context, inst *TaskInstance) error {
	inst.SetStatus(InstanceStatusIdle)
	return nil
}

func (r *stubRuntime) StopInstance(_ context.Context, inst *TaskInstance) error {
	inst.SetStatus(InstanceStatusTerminated)
	return nil
}

func (r *stubRuntime) Execute(ctx context.Context, _ *TaskInstance, ec ExecutionContext) (*RuntimeExecutionResponse, error) {
	r.mu.Lock()
	r.executed++
	fail, delay := r.fail, r.delay
	r.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, apperr.New(apperr.KindTimeout, "stub deadline")
		case <-time.After(delay):
		}
	}
	if fail {
		return nil, apperr.New(apperr.KindInternal, "stub failure")
	}
	return &RuntimeExecutionResponse{ExecutionID: "exec-1", OutputData: []byte("ok"), DurationMs: 1}, nil
}

func (r *stubRuntime) HealthCheck(context.Context, *TaskInstance) (bool, error) { return true, nil }
func (r *stubRuntime) GetMetrics(context.Context, *TaskInstance) (map[string]any, error) {
	return nil, nil
}
func (r *stubRuntime) ScaleInstance(context.Context, *TaskInstance, ResourceLimits) error { return nil }
func (r *stubRuntime) CleanupInstance(_ context.Context, inst *TaskInstance) error {
	inst.SetStatus(InstanceStatusTerminated)
	return nil
}
func (r *stubRuntime) Capabilities() RuntimeCapabilities { return RuntimeCapabilities{} }

// fakeMS records writebacks and serves catalog fetches.
type fakeMS struct {
	mu         sync.Mutex
	results    []resultCall
	executions []models.Execution
	tasks      map[string]*models.Task
}

type resultCall struct {
	taskID      string
	status      string
	completedAt int64
}

func newFakeMS() *fakeMS {
	return &fakeMS{tasks: make(map[string]*models.Task)}
}

func (f *fakeMS) UpdateTaskResult(_ context.Context, taskID, _, status string, _ map[string]string, completedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, resultCall{taskID: taskID, status: status, completedAt: completedAt})
	return nil
}

func (f *fakeMS) RecordExecution(_ context.Context, exec models.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, exec)
	return nil
}

func (f *fakeMS) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", taskID)
	}
	return t.Clone(), nil
}

func (f *fakeMS) resultCalls() []resultCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resultCall(nil), f.results...)
}

func newTestManager(t *testing.T, ms *fakeMS) (*Manager, *stubRuntime) {
	t.Helper()
	rt := &stubRuntime{}
	rm := NewRuntimeManager()
	require.NoError(t, rm.Register(rt))
	cfg := DefaultManagerConfig()
	cfg.WritebackBackoff = time.Millisecond
	mgr := NewManager(cfg, rm, ms, ms, "node-1", logger.New("error", "json"), metrics.NewWorklet(prometheus.NewRegistry()))
	return mgr, rt
}

func catalogTask(taskID string, kind models.ExecutionKind) *models.Task {
	return &models.Task{
		TaskID:        taskID,
		Name:          "t",
		Version:       "v1",
		NodeUUID:      "node-1",
		ExecutionKind: kind,
		Executable: &models.TaskExecutable{
			Type: models.ExecutableTypeProcess,
			URI:  "file:///bin/echo",
		},
	}
}

func TestSubmitInvocationRequiresTaskID(t *testing.T) {
	mgr, _ := newTestManager(t, newFakeMS())
	_, err := mgr.SubmitInvocation(context.Background(), InvokeRequest{})
	require.True(t, apperr.IsKind(err, apperr.KindInvalidRequest))
}

func TestSubmitInvocationSyncCompletes(t *testing.T) {
	ms := newFakeMS()
	mgr, rt := newTestManager(t, ms)
	_, err := mgr.EnsureTaskFromCatalog(catalogTask("t1", models.ExecutionKindShortRunning))
	require.NoError(t, err)

	exec, err := mgr.SubmitInvocation(context.Background(), InvokeRequest{TaskID: "t1", Sync: true})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	require.NotZero(t, exec.CompletedAtMs)
	require.Equal(t, 1, rt.executed)
}

func TestResultWritebackExactlyOnce(t *testing.T) {
	ms := newFakeMS()
	mgr, _ := newTestManager(t, ms)
	_, err := mgr.EnsureTaskFromCatalog(catalogTask("t1", models.ExecutionKindShortRunning))
	require.NoError(t, err)

	_, err = mgr.SubmitInvocation(context.Background(), InvokeRequest{TaskID: "t1", Sync: true})
	require.NoError(t, err)

	calls := ms.resultCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "t1", calls[0].taskID)
	require.Equal(t, "completed", calls[0].status)
	require.NotZero(t, calls[0].completedAt)
}

func TestFailedExecutionWritesFailureBack(t *testing.T) {
	ms := newFakeMS()
	mgr, rt := newTestManager(t, ms)
	rt.fail = true
	_, err := mgr.EnsureTaskFromCatalog(catalogTask("t1", models.ExecutionKindShortRunning))
	require.NoError(t, err)

	exec, err := mgr.SubmitInvocation(context.Background(), InvokeRequest{TaskID: "t1", Sync: true})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusFailed, exec.Status)
	require.Contains(t, exec.Metadata["error"], "stub failure")

	calls := ms.resultCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "failed", calls[0].status)
}

func TestExecutionTimeout(t *testing.T) {
	ms := newFakeMS()
	mgr, rt := newTestManager(t, ms)
	rt.delay = 200 * time.Millisecond
	_, err := mgr.EnsureTaskFromCatalog(catalogTask("t1", models.ExecutionKindShortRunning))
	require.NoError(t, err)

	exec, err := mgr.SubmitInvocation(context.Background(), InvokeRequest{TaskID: "t1", Sync: true, TimeoutMs: 20})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusTimeout, exec.Status)
}

func TestMissingTaskFetchedFromCatalogOnce(t *testing.T) {
	ms := newFakeMS()
	ms.tasks["t9"] = catalogTask("t9", models.ExecutionKindShortRunning)
	mgr, _ := newTestManager(t, ms)

	exec, err := mgr.SubmitInvocation(context.Background(), InvokeRequest{TaskID: "t9", Sync: true})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	require.True(t, mgr.HasTask("t9"))
}

func TestUnknownTaskIsTerminal(t *testing.T) {
	mgr, _ := newTestManager(t, newFakeMS())
	_, err := mgr.SubmitInvocation(context.Background(), InvokeRequest{TaskID: "ghost", Sync: true})
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestExecutionKindGate(t *testing.T) {
	ms := newFakeMS()
	mgr, _ := newTestManager(t, ms)
	_, err := mgr.EnsureTaskFromCatalog(catalogTask("t-long", models.ExecutionKindLongRunning))
	require.NoError(t, err)
	_, err = mgr.EnsureTaskFromCatalog(catalogTask("t-short", models.ExecutionKindShortRunning))
	require.NoError(t, err)

	// ExistingTask targeting a long-running task is not supported.
	_, err = mgr.SubmitExecution(context.Background(), InvokeFunctionRequest{
		TaskID:         "t-long",
		InvocationType: InvocationExistingTask,
	})
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindNotSupported))

	// The same task through SubmitInvocation succeeds.
	exec, err := mgr.SubmitInvocation(context.Background(), InvokeRequest{TaskID: "t-long", Sync: true})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, exec.Status)

	// Short-running tasks pass through either path.
	exec, err = mgr.SubmitExecution(context.Background(), InvokeFunctionRequest{
		TaskID:         "t-short",
		InvocationType: InvocationExistingTask,
	})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, exec.Status)
}

func TestSubmitExecutionNewTaskCreatesArtifact(t *testing.T) {
	ms := newFakeMS()
	mgr, _ := newTestManager(t, ms)

	exec, err := mgr.SubmitExecution(context.Background(), InvokeFunctionRequest{
		InvocationType: InvocationNewTask,
		ArtifactSpec: &ArtifactSpec{
			ArtifactID:   "artifact-a",
			ArtifactType: models.ExecutableTypeProcess,
			Location:     "file:///bin/true",
			Version:      "v1",
		},
	})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	require.True(t, mgr.HasTask(exec.TaskID))
}

func TestSubmitExecutionNewTaskRequiresSpec(t *testing.T) {
	mgr, _ := newTestManager(t, newFakeMS())
	_, err := mgr.SubmitExecution(context.Background(), InvokeFunctionRequest{InvocationType: InvocationNewTask})
	require.True(t, apperr.IsKind(err, apperr.KindInvalidRequest))
}

func TestHandleTaskCreateLaunchesExecution(t *testing.T) {
	ms := newFakeMS()
	mgr, _ := newTestManager(t, ms)

	err := mgr.HandleTaskCreate(context.Background(), "t1", catalogTask("t1", models.ExecutionKindShortRunning))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(ms.resultCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
