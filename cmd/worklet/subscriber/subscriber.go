// Package subscriber consumes the worklet's task event stream from the
// metadata server with a durable cursor, and dispatches create events into
// the execution manager.
package subscriber

import (
	"context"
	"time"

	"github.com/taskmesh/taskmesh/common/clients"
	"github.com/taskmesh/taskmesh/common/config"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

// EventStream is one open subscription.
type EventStream interface {
	Next() (models.TaskEvent, error)
	Close() error
}

// Streamer opens the per-node task event stream.
type Streamer interface {
	SubscribeTaskEvents(ctx context.Context, nodeUUID string, lastEventID int64) (EventStream, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
}

// MSStreamer adapts the MS client to the Streamer interface.
type MSStreamer struct {
	*clients.MSClient
}

// SubscribeTaskEvents narrows the concrete stream to EventStream.
func (m MSStreamer) SubscribeTaskEvents(ctx context.Context, nodeUUID string, lastEventID int64) (EventStream, error) {
	return m.MSClient.SubscribeTaskEvents(ctx, nodeUUID, lastEventID)
}

// Dispatcher receives create events; update and cancel stay no-ops in
// execution for now. task is nil when the manager already knows the id.
type Dispatcher interface {
	HasTask(taskID string) bool
	HandleTaskCreate(ctx context.Context, taskID string, task *models.Task) error
}

// Subscriber runs the consume loop.
type Subscriber struct {
	cfg      *config.WorkletConfig
	client   Streamer
	dispatch Dispatcher
	nodeUUID string
	cursor   *Cursor
	log      *logger.Logger

	// fetched remembers task ids already fetched from the MS so a missing
	// task is fetched exactly once.
	fetched map[string]bool
}

// New creates a subscriber for the given identity.
func New(cfg *config.WorkletConfig, client Streamer, dispatch Dispatcher, nodeUUID string, log *logger.Logger) *Subscriber {
	return &Subscriber{
		cfg:      cfg,
		client:   client,
		dispatch: dispatch,
		nodeUUID: nodeUUID,
		cursor:   NewCursor(cfg.DataDir, nodeUUID),
		log:      log.WithNodeUUID(nodeUUID),
		fetched:  make(map[string]bool),
	}
}

// Run consumes the stream until ctx ends, reconnecting from the persisted
// cursor after any stream error.
func (s *Subscriber) Run(ctx context.Context) {
	for ctx.Err() == nil {
		last := s.cursor.Load()
		stream, err := s.client.SubscribeTaskEvents(ctx, s.nodeUUID, last)
		if err != nil {
			s.log.Warn("task event subscribe failed, retrying", "error", err, "last_event_id", last)
			s.sleep(ctx)
			continue
		}
		s.log.Info("task event stream open", "last_event_id", last)
		s.consume(ctx, stream)
		stream.Close()
		s.sleep(ctx)
	}
}

func (s *Subscriber) consume(ctx context.Context, stream EventStream) {
	for {
		ev, err := stream.Next()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("task event stream error, reconnecting", "error", err)
			}
			return
		}
		s.handle(ctx, ev)
		if err := s.cursor.Store(ev.EventID); err != nil {
			s.log.Error("failed to persist event cursor", "event_id", ev.EventID, "error", err)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, ev models.TaskEvent) {
	// The subscription is already filtered; this guards against a
	// misrouted frame.
	if ev.NodeUUID != s.nodeUUID {
		s.log.Debug("ignoring event for other node", "event_id", ev.EventID, "node_uuid", ev.NodeUUID)
		return
	}
	s.log.Debug("task event received", "event_id", ev.EventID, "kind", ev.Kind, "task_id", ev.TaskID)

	switch ev.Kind {
	case models.TaskEventCreate:
		task, known, err := s.resolveTask(ctx, ev.TaskID)
		if err != nil {
			s.log.Error("failed to resolve task for create event", "task_id", ev.TaskID, "error", err)
			return
		}
		if task == nil && !known {
			return
		}
		if err := s.dispatch.HandleTaskCreate(ctx, ev.TaskID, task); err != nil {
			s.log.Error("task create dispatch failed", "task_id", ev.TaskID, "error", err)
		}
	case models.TaskEventUpdate, models.TaskEventCancel:
		// No execution action; cancel may terminate instances in the future.
	}
}

// resolveTask returns the task for a create event, fetching it from the MS
// at most once per missing task id. known reports that the manager already
// holds the task locally.
func (s *Subscriber) resolveTask(ctx context.Context, taskID string) (*models.Task, bool, error) {
	if s.dispatch.HasTask(taskID) {
		return nil, true, nil
	}
	if s.fetched[taskID] {
		return nil, false, nil
	}
	s.fetched[taskID] = true
	task, err := s.client.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	return task, false, nil
}

func (s *Subscriber) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.ConnectRetry):
	}
}
