package models

import "encoding/json"

// ResourceType tags the entity an event describes.
type ResourceType string

const (
	ResourceTypeNode ResourceType = "node"
	ResourceTypeTask ResourceType = "task"
)

// EventOp is the mutation class of an event.
type EventOp string

const (
	EventOpCreate EventOp = "create"
	EventOpUpdate EventOp = "update"
	EventOpDelete EventOp = "delete"
)

// UnifiedEvent is one entry of a durable, per-stream ordered change feed.
// Within one stream, Seq is dense and strictly increasing; the same logical
// event appears in every multiplexed view with that view's own sequence.
type UnifiedEvent struct {
	Stream       string          `json:"stream"`
	Seq          int64           `json:"seq"`
	TS           int64           `json:"ts"`
	ResourceType ResourceType    `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Op           EventOp         `json:"op"`
	NodeUUID     string          `json:"node_uuid,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// TaskEventKind is the legacy per-node task event classification.
type TaskEventKind string

const (
	TaskEventCreate TaskEventKind = "create"
	TaskEventUpdate TaskEventKind = "update"
	TaskEventCancel TaskEventKind = "cancel"
)

// TaskEvent is the legacy projection of a task event on a node stream.
type TaskEvent struct {
	EventID       int64         `json:"event_id"`
	TS            int64         `json:"ts"`
	NodeUUID      string        `json:"node_uuid"`
	TaskID        string        `json:"task_id"`
	Kind          TaskEventKind `json:"kind"`
	ExecutionKind ExecutionKind `json:"execution_kind"`
}

// TaskEventFromUnified derives the legacy view from a task event on a node
// stream. Returns ok=false for non-task events.
func TaskEventFromUnified(ev UnifiedEvent) (TaskEvent, bool) {
	if ev.ResourceType != ResourceTypeTask {
		return TaskEvent{}, false
	}
	kind := TaskEventUpdate
	switch ev.Op {
	case EventOpCreate:
		kind = TaskEventCreate
	case EventOpDelete:
		kind = TaskEventCancel
	}
	te := TaskEvent{
		EventID:       ev.Seq,
		TS:            ev.TS,
		NodeUUID:      ev.NodeUUID,
		TaskID:        ev.ResourceID,
		Kind:          kind,
		ExecutionKind: ExecutionKindShortRunning,
	}
	var t Task
	if err := json.Unmarshal(ev.Payload, &t); err == nil {
		te.ExecutionKind = t.ExecutionKind.Normalize()
		if t.Status == TaskStatusUnregistered {
			te.Kind = TaskEventCancel
		}
	}
	return te, true
}
