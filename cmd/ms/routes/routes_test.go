package routes

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/cmd/ms/container"
	"github.com/taskmesh/taskmesh/cmd/ms/service"
	"github.com/taskmesh/taskmesh/cmd/worklet/registration"
	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/clients"
	"github.com/taskmesh/taskmesh/common/config"
	"github.com/taskmesh/taskmesh/common/kv"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

func testMSConfig() *config.MSConfig {
	return &config.MSConfig{
		Service:          config.ServiceConfig{Name: "ms", LogLevel: "error", LogFormat: "json"},
		HTTPAddr:         ":0",
		HeartbeatTimeout: time.Minute,
		CleanupInterval:  time.Minute,
		PrimaryKV:        kv.Config{Backend: "memory"},
		EventKV:          kv.Config{Backend: "memory"},
		Placement: config.PlacementConfig{
			WeightCPU: 0.4, WeightMemory: 0.3, WeightDisk: 0.2, WeightLoad: 0.1,
			MaxCandidates: 3,
			BaseCooldown:  5 * time.Second,
			CooldownCap:   6,
			DecisionTTL:   time.Minute,
		},
	}
}

func newTestGateway(t *testing.T) (*container.Container, *httptest.Server, *clients.MSClient) {
	t.Helper()
	log := logger.New("error", "json")
	c, err := container.New(context.Background(), testMSConfig(), log)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	e := echo.New()
	e.HideBanner = true
	Register(e, c)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	addr := strings.TrimPrefix(srv.URL, "http://")
	client := clients.NewMSClient(addr, 2*time.Second, log)
	return c, srv, client
}

func onlineNode(uuid string) models.Node {
	now := time.Now().Unix()
	return models.Node{
		UUID:          uuid,
		IPAddress:     "10.0.0.1",
		Port:          8001,
		Status:        models.NodeStatusOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
}

func taskRegistration(nodeUUID string) service.RegisterTaskRequest {
	return service.RegisterTaskRequest{
		Name:     "t",
		Priority: models.TaskPriorityNormal,
		NodeUUID: nodeUUID,
		Endpoint: "http://x",
		Version:  "v1",
	}
}

func jsonDecode(resp *http.Response, out any) error {
	return json.NewDecoder(resp.Body).Decode(out)
}

func TestGatewayNodeRegisterAndClientErrors(t *testing.T) {
	_, _, client := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, client.RegisterNode(ctx, onlineNode("n1")))

	node, err := client.GetTask(ctx, "missing")
	require.Nil(t, node)
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))

	// Heartbeat for an unknown node maps 404 onto not_found.
	err = client.Heartbeat(ctx, "ghost", time.Now().Unix(), nil)
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))

	require.NoError(t, client.Heartbeat(ctx, "n1", time.Now().Unix(), &models.NodeResource{CPUUsagePercent: 10}))
}

func TestGatewayUnifiedEventStreamDeliversNodeCreate(t *testing.T) {
	_, srv, client := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, client.RegisterNode(ctx, onlineNode("n1")))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/subscribe?node_uuid=n1&after_seq=0"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var ev models.UnifiedEvent
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, models.ResourceTypeNode, ev.ResourceType)
	require.Equal(t, models.EventOpCreate, ev.Op)
	require.Equal(t, "n1", ev.ResourceID)
	require.Equal(t, "n1", ev.NodeUUID)
	require.GreaterOrEqual(t, ev.Seq, int64(1))
}

func TestGatewayTaskLifecycle(t *testing.T) {
	c, srv, _ := newTestGateway(t)
	ctx := context.Background()

	task, err := c.Tasks.Register(ctx, taskRegistration("n1"))
	require.NoError(t, err)

	// First status update at the registered version succeeds, a replay is
	// rejected.
	_, ok, err := c.Tasks.UpdateStatus(ctx, task.TaskID, models.TaskStatusActive, "n1", 1, 0, "activate")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = c.Tasks.UpdateStatus(ctx, task.TaskID, models.TaskStatusInactive, "n1", 1, 0, "replay")
	require.NoError(t, err)
	require.False(t, ok)

	resp, err := http.Get(srv.URL + "/api/v1/tasks/" + task.TaskID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGatewayTaskEventSubscriptionReplaysAndTails(t *testing.T) {
	c, _, client := newTestGateway(t)
	ctx := context.Background()

	first, err := c.Tasks.Register(ctx, taskRegistration("n1"))
	require.NoError(t, err)

	stream, err := client.SubscribeTaskEvents(ctx, "n1", 0)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, models.TaskEventCreate, ev.Kind)
	require.Equal(t, first.TaskID, ev.TaskID)
	require.Equal(t, "n1", ev.NodeUUID)
	firstID := ev.EventID

	// A live event arrives on the open stream.
	second, err := c.Tasks.Register(ctx, taskRegistration("n1"))
	require.NoError(t, err)
	ev, err = stream.Next()
	require.NoError(t, err)
	require.Equal(t, second.TaskID, ev.TaskID)
	require.Greater(t, ev.EventID, firstID)

	// A fresh subscription past the first event replays only the second.
	stream2, err := client.SubscribeTaskEvents(ctx, "n1", firstID)
	require.NoError(t, err)
	defer stream2.Close()
	ev, err = stream2.Next()
	require.NoError(t, err)
	require.Equal(t, second.TaskID, ev.TaskID)
}

func TestGatewayPlacementPenaltyFlow(t *testing.T) {
	c, srv, _ := newTestGateway(t)
	ctx := context.Background()

	for _, uuid := range []string{"n-good", "n-bad"} {
		require.NoError(t, c.Nodes.Register(ctx, onlineNode(uuid)))
		require.NoError(t, c.Resources.Update(models.NodeResource{
			NodeUUID: uuid, CPUUsagePercent: 1, MemoryUsagePercent: 1, DiskUsagePercent: 1, LoadAverage1m: 0.1,
		}))
	}

	place := func() map[string]bool {
		resp, err := http.Post(srv.URL+"/api/v1/placement/invocations/place", "application/json",
			strings.NewReader(`{"request_id":"r1","task_id":"t1","max_candidates":10}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			DecisionID string             `json:"decision_id"`
			Candidates []models.Candidate `json:"candidates"`
		}
		require.NoError(t, jsonDecode(resp, &out))
		seen := make(map[string]bool)
		for _, cand := range out.Candidates {
			seen[cand.NodeUUID] = true
		}
		return seen
	}

	seen := place()
	require.True(t, seen["n-good"] && seen["n-bad"])

	resp, err := http.Post(srv.URL+"/api/v1/placement/invocations/report-outcome", "application/json",
		strings.NewReader(`{"decision_id":"d","request_id":"r2","task_id":"t1","node_uuid":"n-bad","outcome_class":"unavailable"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	seen = place()
	require.True(t, seen["n-good"])
	require.False(t, seen["n-bad"])
}

func TestWorkletReconnectsAfterMSRestart(t *testing.T) {
	log := logger.New("error", "json")
	c, err := container.New(context.Background(), testMSConfig(), log)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	e := echo.New()
	e.HideBanner = true
	Register(e, c)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	httpSrv := &http.Server{Handler: e}
	go httpSrv.Serve(ln)

	cfg := &config.WorkletConfig{
		NodeName:              "reconnect-test",
		AdvertiseIP:           "127.0.0.1",
		AdvertisePort:         9100,
		MSAddr:                addr,
		AutoRegister:          true,
		HeartbeatInterval:     20 * time.Millisecond,
		ConnectTimeout:        200 * time.Millisecond,
		ConnectRetry:          10 * time.Millisecond,
		ReconnectTotalTimeout: 5 * time.Second,
		DataDir:               t.TempDir(),
	}
	client := clients.NewMSClient(addr, cfg.ConnectTimeout, log)
	m := registration.NewManager(cfg, client, "node-reconnect", log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		return m.State() == registration.StateRegistered
	}, 3*time.Second, 10*time.Millisecond)

	// Stop the MS; the worklet falls back to connecting.
	httpSrv.Close()
	require.Eventually(t, func() bool {
		return m.State() == registration.StateConnecting
	}, 3*time.Second, 10*time.Millisecond)

	// Restart on the same endpoint; the worklet recovers on its own.
	ln2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	httpSrv2 := &http.Server{Handler: e}
	go httpSrv2.Serve(ln2)
	t.Cleanup(func() { httpSrv2.Close() })

	require.Eventually(t, func() bool {
		return m.State() == registration.StateRegistered
	}, 5*time.Second, 10*time.Millisecond)
}
