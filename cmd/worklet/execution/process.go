package execution

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/logger"
)

// ProcessRuntime executes tasks as local OS processes. Instances are
// lightweight slots; each execution spawns the task's executable and
// captures its stdout as the output payload.
type ProcessRuntime struct {
	log *logger.Logger
}

// NewProcessRuntime creates the process backend.
func NewProcessRuntime(log *logger.Logger) *ProcessRuntime {
	return &ProcessRuntime{log: log}
}

func (r *ProcessRuntime) Type() RuntimeType { return RuntimeTypeProcess }

func (r *ProcessRuntime) ValidateConfig(cfg InstanceConfig) error {
	if cfg.TaskID == "" {
		return apperr.New(apperr.KindInvalidConfiguration, "task_id is required")
	}
	if cfg.ExecutableURI == "" {
		return apperr.New(apperr.KindInvalidConfiguration, "executable uri is required for process tasks")
	}
	return nil
}

func (r *ProcessRuntime) CreateInstance(_ context.Context, cfg InstanceConfig) (*TaskInstance, error) {
	return NewTaskInstance(cfg.TaskID, cfg), nil
}

func (r *ProcessRuntime) StartInstance(_ context.Context, inst *TaskInstance) error {
	inst.SetStatus(InstanceStatusIdle)
	return nil
}

func (r *ProcessRuntime) StopInstance(_ context.Context, inst *TaskInstance) error {
	inst.SetStatus(InstanceStatusTerminated)
	return nil
}

// Execute spawns the executable and waits for it. The passed context
// already carries the execution deadline.
func (r *ProcessRuntime) Execute(ctx context.Context, inst *TaskInstance, ec ExecutionContext) (*RuntimeExecutionResponse, error) {
	path := strings.TrimPrefix(inst.Config.ExecutableURI, "file://")
	args := inst.Config.ExecutableArgs
	if ec.FunctionName != "" {
		args = append(append([]string(nil), args...), ec.FunctionName)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	if len(inst.Config.ExecutableEnv) > 0 {
		cmd.Env = os.Environ()
		for k, v := range inst.Config.ExecutableEnv {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if len(ec.InputData) > 0 {
		cmd.Stdin = bytes.NewReader(ec.InputData)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	duration := time.Since(started)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, apperr.New(apperr.KindTimeout, "process execution exceeded deadline")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "process failed: %s", strings.TrimSpace(stderr.String()))
	}
	return &RuntimeExecutionResponse{
		ExecutionID: uuid.NewString(),
		OutputData:  stdout.Bytes(),
		DurationMs:  duration.Milliseconds(),
	}, nil
}

func (r *ProcessRuntime) HealthCheck(_ context.Context, inst *TaskInstance) (bool, error) {
	return inst.Status() != InstanceStatusTerminated, nil
}

func (r *ProcessRuntime) GetMetrics(_ context.Context, inst *TaskInstance) (map[string]any, error) {
	return map[string]any{
		"status":     string(inst.Status()),
		"idle_since": inst.IdleSince().Seconds(),
	}, nil
}

func (r *ProcessRuntime) ScaleInstance(_ context.Context, _ *TaskInstance, _ ResourceLimits) error {
	// Process instances have no adjustable limits; scaling is a no-op.
	return nil
}

func (r *ProcessRuntime) CleanupInstance(_ context.Context, inst *TaskInstance) error {
	inst.SetStatus(InstanceStatusTerminated)
	return nil
}

func (r *ProcessRuntime) Capabilities() RuntimeCapabilities {
	return RuntimeCapabilities{SupportsHealthCheck: true}
}
