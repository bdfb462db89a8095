package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/eventbus"
	"github.com/taskmesh/taskmesh/common/kv"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
	"github.com/taskmesh/taskmesh/common/models"
)

type fixture struct {
	bus       *eventbus.Bus
	nodes     *NodeService
	resources *ResourceService
	store     kv.Store
	log       *logger.Logger
	m         *metrics.MS
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New("error", "json")
	store := kv.NewMemoryStore()
	bus := eventbus.New(store, log)
	m := metrics.NewMS(prometheus.NewRegistry())
	return &fixture{
		bus:       bus,
		nodes:     NewNodeService(bus, log, m),
		resources: NewResourceService(),
		store:     store,
		log:       log,
		m:         m,
	}
}

func onlineNode(uuid string, lastHeartbeat int64) models.Node {
	return models.Node{
		UUID:          uuid,
		IPAddress:     "10.0.0.1",
		Port:          8001,
		Status:        models.NodeStatusOnline,
		LastHeartbeat: lastHeartbeat,
		RegisteredAt:  lastHeartbeat,
	}
}

func TestRegisterNodeEmitsCreateEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().Unix()

	require.NoError(t, f.nodes.Register(ctx, onlineNode("n1", now)))

	events, err := f.bus.ReplaySince(ctx, eventbus.StreamForNode("n1"), 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, models.ResourceTypeNode, ev.ResourceType)
	require.Equal(t, models.EventOpCreate, ev.Op)
	require.Equal(t, "n1", ev.ResourceID)
	require.Equal(t, "n1", ev.NodeUUID)
	require.GreaterOrEqual(t, ev.Seq, int64(1))
}

func TestHeartbeatUnknownNodeIsNotFound(t *testing.T) {
	f := newFixture(t)
	err := f.nodes.Heartbeat(context.Background(), "ghost", time.Now().Unix())
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestHeartbeatFlipsOfflineNodeBackOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().Unix()

	node := onlineNode("n1", now)
	node.Status = models.NodeStatusOffline
	require.NoError(t, f.nodes.Register(ctx, node))

	require.NoError(t, f.nodes.Heartbeat(ctx, "n1", now+5))

	got, err := f.nodes.Get("n1")
	require.NoError(t, err)
	require.Equal(t, models.NodeStatusOnline, got.Status)
	require.Equal(t, now+5, got.LastHeartbeat)

	events, err := f.bus.ReplaySince(ctx, eventbus.StreamForNode("n1"), 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2) // create + online flip
	require.Equal(t, models.EventOpUpdate, events[1].Op)
}

func TestHeartbeatWhileOnlineEmitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().Unix()
	require.NoError(t, f.nodes.Register(ctx, onlineNode("n1", now)))

	require.NoError(t, f.nodes.Heartbeat(ctx, "n1", now+1))

	events, err := f.bus.ReplaySince(ctx, eventbus.StreamForNode("n1"), 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestOfflineSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := time.Now().Unix() - 3600
	require.NoError(t, f.nodes.Register(ctx, onlineNode("n1", stale)))

	flipped := f.nodes.MarkStaleOffline(ctx, time.Minute)
	require.Len(t, flipped, 1)
	require.Equal(t, models.NodeStatusOffline, flipped[0].Status)

	// A second sweep with no intervening heartbeat flips nothing and emits
	// nothing.
	flipped = f.nodes.MarkStaleOffline(ctx, time.Minute)
	require.Empty(t, flipped)

	events, err := f.bus.ReplaySince(ctx, eventbus.StreamForNode("n1"), 0, 100)
	require.NoError(t, err)
	updates := 0
	for _, ev := range events {
		if ev.Op == models.EventOpUpdate {
			updates++
		}
	}
	require.Equal(t, 1, updates)
}

func TestOfflineSweepNeverDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.nodes.Register(ctx, onlineNode("n1", 1)))

	f.nodes.MarkStaleOffline(ctx, time.Minute)

	got, err := f.nodes.Get("n1")
	require.NoError(t, err)
	require.Equal(t, models.NodeStatusOffline, got.Status)
}

func TestUpdateNodeRequiresExistence(t *testing.T) {
	f := newFixture(t)
	err := f.nodes.Update(context.Background(), onlineNode("ghost", 1))
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestListNodesFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().Unix()
	require.NoError(t, f.nodes.Register(ctx, onlineNode("n1", now)))
	off := onlineNode("n2", now)
	off.Status = models.NodeStatusOffline
	require.NoError(t, f.nodes.Register(ctx, off))

	require.Len(t, f.nodes.List(""), 2)
	online := f.nodes.List(models.NodeStatusOnline)
	require.Len(t, online, 1)
	require.Equal(t, "n1", online[0].UUID)
}

func TestNodeWithResourceComposition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().Unix()
	require.NoError(t, f.nodes.Register(ctx, onlineNode("n1", now)))

	got, err := GetNodeWithResource(f.nodes, f.resources, "n1")
	require.NoError(t, err)
	require.Nil(t, got.Resource)

	require.NoError(t, f.resources.Update(models.NodeResource{NodeUUID: "n1", CPUUsagePercent: 12}))
	got, err = GetNodeWithResource(f.nodes, f.resources, "n1")
	require.NoError(t, err)
	require.NotNil(t, got.Resource)
	require.Equal(t, 12.0, got.Resource.CPUUsagePercent)
}
