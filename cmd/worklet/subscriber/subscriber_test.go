package subscriber

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/config"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

func TestCursorRoundTrip(t *testing.T) {
	c := NewCursor(t.TempDir(), "node-1")
	require.Equal(t, int64(0), c.Load())

	require.NoError(t, c.Store(42))
	require.Equal(t, int64(42), c.Load())

	require.NoError(t, c.Store(43))
	require.Equal(t, int64(43), c.Load())
}

func TestCursorFileIsPerNode(t *testing.T) {
	dir := t.TempDir()
	a := NewCursor(dir, "node-a")
	b := NewCursor(dir, "node-b")
	require.NoError(t, a.Store(7))
	require.Equal(t, int64(0), b.Load())
	require.Equal(t, int64(7), a.Load())
}

// fakeStream feeds a fixed event list then errors like a broken socket.
type fakeStream struct {
	mu     sync.Mutex
	events []models.TaskEvent
}

func (f *fakeStream) Next() (models.TaskEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return models.TaskEvent{}, io.EOF
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeStream) Close() error { return nil }

type fakeStreamer struct {
	mu         sync.Mutex
	streams    []*fakeStream
	subscribed []int64
	tasks      map[string]*models.Task
	fetches    map[string]int
}

func (f *fakeStreamer) SubscribeTaskEvents(_ context.Context, _ string, last int64) (EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, last)
	if len(f.streams) == 0 {
		return nil, apperr.New(apperr.KindUnavailable, "no stream")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeStreamer) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[taskID]++
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", taskID)
	}
	return task.Clone(), nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	known   map[string]bool
	created []string
}

func (d *fakeDispatcher) HasTask(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.known[taskID]
}

func (d *fakeDispatcher) HandleTaskCreate(_ context.Context, taskID string, task *models.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, taskID)
	d.known[taskID] = true
	return nil
}

func (d *fakeDispatcher) createdTasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.created...)
}

func newTestSubscriber(t *testing.T, streamer *fakeStreamer, dispatch *fakeDispatcher) *Subscriber {
	t.Helper()
	cfg := &config.WorkletConfig{
		DataDir:      t.TempDir(),
		ConnectRetry: 5 * time.Millisecond,
	}
	return New(cfg, streamer, dispatch, "node-1", logger.New("error", "json"))
}

func TestSubscriberDispatchesCreateAndPersistsCursor(t *testing.T) {
	streamer := &fakeStreamer{
		streams: []*fakeStream{{events: []models.TaskEvent{
			{EventID: 1, NodeUUID: "node-1", TaskID: "t1", Kind: models.TaskEventCreate},
			{EventID: 2, NodeUUID: "node-1", TaskID: "t1", Kind: models.TaskEventUpdate},
		}}},
		tasks:   map[string]*models.Task{"t1": {TaskID: "t1", Name: "t"}},
		fetches: map[string]int{},
	}
	dispatch := &fakeDispatcher{known: map[string]bool{}}
	s := newTestSubscriber(t, streamer, dispatch)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return s.cursor.Load() == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"t1"}, dispatch.createdTasks())
	require.Equal(t, 1, streamer.fetches["t1"])
}

func TestSubscriberIgnoresForeignNodeEvents(t *testing.T) {
	streamer := &fakeStreamer{
		streams: []*fakeStream{{events: []models.TaskEvent{
			{EventID: 5, NodeUUID: "other-node", TaskID: "tx", Kind: models.TaskEventCreate},
		}}},
		tasks:   map[string]*models.Task{},
		fetches: map[string]int{},
	}
	dispatch := &fakeDispatcher{known: map[string]bool{}}
	s := newTestSubscriber(t, streamer, dispatch)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return s.cursor.Load() == 5
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, dispatch.createdTasks())
	require.Zero(t, streamer.fetches["tx"])
}

func TestSubscriberFetchesMissingTaskOnlyOnce(t *testing.T) {
	// Two create events for a task the MS does not know: the fetch happens
	// exactly once.
	streamer := &fakeStreamer{
		streams: []*fakeStream{{events: []models.TaskEvent{
			{EventID: 1, NodeUUID: "node-1", TaskID: "ghost", Kind: models.TaskEventCreate},
			{EventID: 2, NodeUUID: "node-1", TaskID: "ghost", Kind: models.TaskEventCreate},
		}}},
		tasks:   map[string]*models.Task{},
		fetches: map[string]int{},
	}
	dispatch := &fakeDispatcher{known: map[string]bool{}}
	s := newTestSubscriber(t, streamer, dispatch)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return s.cursor.Load() == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, streamer.fetches["ghost"])
	require.Empty(t, dispatch.createdTasks())
}

func TestSubscriberResumesFromCursorOnReconnect(t *testing.T) {
	streamer := &fakeStreamer{
		streams: []*fakeStream{
			{events: []models.TaskEvent{{EventID: 3, NodeUUID: "node-1", TaskID: "t1", Kind: models.TaskEventUpdate}}},
			{events: []models.TaskEvent{}},
		},
		tasks:   map[string]*models.Task{},
		fetches: map[string]int{},
	}
	dispatch := &fakeDispatcher{known: map[string]bool{}}
	s := newTestSubscriber(t, streamer, dispatch)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	streamer.mu.Lock()
	defer streamer.mu.Unlock()
	require.GreaterOrEqual(t, len(streamer.subscribed), 2)
	require.Equal(t, int64(0), streamer.subscribed[0])
	require.Equal(t, int64(3), streamer.subscribed[1])
}
