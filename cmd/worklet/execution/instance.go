package execution

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle state of one physical instance. Status
// transitions are driven only by the owning runtime.
type InstanceStatus string

const (
	InstanceStatusUnknown     InstanceStatus = "unknown"
	InstanceStatusRunning     InstanceStatus = "running"
	InstanceStatusIdle        InstanceStatus = "idle"
	InstanceStatusTerminating InstanceStatus = "terminating"
	InstanceStatusTerminated  InstanceStatus = "terminated"
)

// ResourceLimits bounds one instance.
type ResourceLimits struct {
	CPUMillis   int64 `json:"cpu_millis,omitempty"`
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	DiskBytes   int64 `json:"disk_bytes,omitempty"`
}

// InstanceConfig parameterises instance creation.
type InstanceConfig struct {
	TaskID                string            `json:"task_id"`
	ArtifactID            string            `json:"artifact_id"`
	ExecutableURI         string            `json:"executable_uri,omitempty"`
	ExecutableArgs        []string          `json:"executable_args,omitempty"`
	ExecutableEnv         map[string]string `json:"executable_env,omitempty"`
	MaxConcurrentRequests int               `json:"max_concurrent_requests,omitempty"`
	RequestTimeoutMs      int64             `json:"request_timeout_ms,omitempty"`
	ResourceLimits        ResourceLimits    `json:"resource_limits,omitempty"`
}

// TaskInstance is a physical running copy of a task. Each instance belongs
// to exactly one task.
type TaskInstance struct {
	InstanceID string
	TaskID     string
	Config     InstanceConfig

	// Secret is an opaque token for the instance's own hostcall-layer
	// authentication.
	Secret string

	mu       sync.Mutex
	status   InstanceStatus
	lastUsed time.Time
}

// NewTaskInstance creates an instance for a task.
func NewTaskInstance(taskID string, cfg InstanceConfig) *TaskInstance {
	return &TaskInstance{
		InstanceID: uuid.NewString(),
		TaskID:     taskID,
		Config:     cfg,
		Secret:     uuid.NewString(),
		status:     InstanceStatusUnknown,
		lastUsed:   time.Now(),
	}
}

// Status returns the current status.
func (i *TaskInstance) Status() InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// SetStatus records a runtime-driven transition.
func (i *TaskInstance) SetStatus(s InstanceStatus) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = s
}

// Touch marks the instance as just used.
func (i *TaskInstance) Touch() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastUsed = time.Now()
}

// IdleSince reports how long the instance has been unused.
func (i *TaskInstance) IdleSince() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.lastUsed)
}
