package execution

import (
	"context"
	"sync"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/models"
)

// RuntimeType tags a runtime backend.
type RuntimeType string

const (
	RuntimeTypeProcess   RuntimeType = "process"
	RuntimeTypeContainer RuntimeType = "container"
	RuntimeTypeWasm      RuntimeType = "wasm"
)

// ExecutionContext is the input to one runtime execution.
type ExecutionContext struct {
	RequestID    string            `json:"request_id"`
	FunctionName string            `json:"function_name,omitempty"`
	InputData    []byte            `json:"input_data,omitempty"`
	TimeoutMs    int64             `json:"timeout_ms,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RuntimeExecutionResponse is the synchronous result of one execution.
type RuntimeExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	OutputData  []byte `json:"output_data,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// RuntimeCapabilities describes what a backend can do.
type RuntimeCapabilities struct {
	SupportsScaling     bool `json:"supports_scaling"`
	SupportsHealthCheck bool `json:"supports_health_check"`
	MaxInstances        int  `json:"max_instances,omitempty"`
}

// Runtime is the contract every execution backend satisfies.
type Runtime interface {
	Type() RuntimeType
	CreateInstance(ctx context.Context, cfg InstanceConfig) (*TaskInstance, error)
	StartInstance(ctx context.Context, inst *TaskInstance) error
	StopInstance(ctx context.Context, inst *TaskInstance) error
	Execute(ctx context.Context, inst *TaskInstance, ec ExecutionContext) (*RuntimeExecutionResponse, error)
	HealthCheck(ctx context.Context, inst *TaskInstance) (bool, error)
	GetMetrics(ctx context.Context, inst *TaskInstance) (map[string]any, error)
	ScaleInstance(ctx context.Context, inst *TaskInstance, limits ResourceLimits) error
	CleanupInstance(ctx context.Context, inst *TaskInstance) error
	ValidateConfig(cfg InstanceConfig) error
	Capabilities() RuntimeCapabilities
}

// RuntimeManager is the registry of runtime backends, keyed by type.
// Selection happens once at construction; lookups are read-only after.
type RuntimeManager struct {
	mu       sync.RWMutex
	runtimes map[RuntimeType]Runtime
}

// NewRuntimeManager creates an empty registry.
func NewRuntimeManager() *RuntimeManager {
	return &RuntimeManager{runtimes: make(map[RuntimeType]Runtime)}
}

// Register adds a backend; duplicate types are rejected.
func (m *RuntimeManager) Register(rt Runtime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runtimes[rt.Type()]; ok {
		return apperr.New(apperr.KindAlreadyExists, "runtime %s already registered", rt.Type())
	}
	m.runtimes[rt.Type()] = rt
	return nil
}

// Get returns the backend for a type.
func (m *RuntimeManager) Get(t RuntimeType) (Runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[t]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "runtime %s not registered", t)
	}
	return rt, nil
}

// RuntimeTypeForExecutable maps a catalog executable type onto a runtime.
func RuntimeTypeForExecutable(executableType string) RuntimeType {
	switch executableType {
	case models.ExecutableTypeWasm:
		return RuntimeTypeWasm
	case models.ExecutableTypeContainer:
		return RuntimeTypeContainer
	default:
		return RuntimeTypeProcess
	}
}
