package models

// ExecutionStatus is the lifecycle state of one task execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusUnknown   ExecutionStatus = "unknown"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusTimeout:
		return true
	default:
		return false
	}
}

// Execution is one run of a task function on an instance, mirrored into the
// MS execution index by the worklet.
type Execution struct {
	ExecutionID   string            `json:"execution_id"`
	InvocationID  string            `json:"invocation_id,omitempty"`
	TaskID        string            `json:"task_id"`
	FunctionName  string            `json:"function_name,omitempty"`
	NodeUUID      string            `json:"node_uuid,omitempty"`
	InstanceID    string            `json:"instance_id,omitempty"`
	Status        ExecutionStatus   `json:"status"`
	StartedAtMs   int64             `json:"started_at_ms,omitempty"`
	CompletedAtMs int64             `json:"completed_at_ms,omitempty"`
	LogRef        string            `json:"log_ref,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	UpdatedAtMs   int64             `json:"updated_at_ms"`
}
