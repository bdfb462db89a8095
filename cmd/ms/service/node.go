package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/eventbus"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
	"github.com/taskmesh/taskmesh/common/models"
)

// NodeService owns the node registry: registration, heartbeats and the
// offline sweep. A single RWMutex protects the node map; writers are
// short-lived and event publication happens outside the lock.
type NodeService struct {
	bus *eventbus.Bus
	log *logger.Logger
	m   *metrics.MS

	mu    sync.RWMutex
	nodes map[string]*models.Node

	now func() int64
}

// NewNodeService creates an empty registry.
func NewNodeService(bus *eventbus.Bus, log *logger.Logger, m *metrics.MS) *NodeService {
	return &NodeService{
		bus:   bus,
		log:   log,
		m:     m,
		nodes: make(map[string]*models.Node),
		now:   func() int64 { return time.Now().Unix() },
	}
}

// Register inserts or overwrites a node and publishes node/create.
func (s *NodeService) Register(ctx context.Context, node models.Node) error {
	if node.UUID == "" {
		return apperr.New(apperr.KindInvalidRequest, "node uuid is required")
	}
	if node.RegisteredAt == 0 {
		node.RegisteredAt = s.now()
	}
	if node.Status == "" {
		node.Status = models.NodeStatusOnline
	}

	s.mu.Lock()
	cp := node
	s.nodes[node.UUID] = &cp
	s.mu.Unlock()

	s.updateOnlineGauge()
	if _, err := s.bus.Publish(ctx, models.ResourceTypeNode, models.EventOpCreate, node.UUID, node.UUID, node); err != nil {
		s.log.Error("failed to publish node/create event", "node_uuid", node.UUID, "error", err)
		return err
	}
	s.m.EventsPublished.WithLabelValues(string(models.ResourceTypeNode), string(models.EventOpCreate)).Inc()
	s.log.Info("node registered", "node_uuid", node.UUID, "address", node.Address())
	return nil
}

// Get returns a copy of the node.
func (s *NodeService) Get(uuid string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[uuid]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "node %s not found", uuid)
	}
	cp := *node
	return &cp, nil
}

// List returns nodes, optionally filtered by status.
func (s *NodeService) List(statusFilter string) []models.Node {
	statusFilter = strings.ToLower(strings.TrimSpace(statusFilter))
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		if statusFilter != "" && strings.ToLower(node.Status) != statusFilter {
			continue
		}
		out = append(out, *node)
	}
	return out
}

// Update replaces an existing node and publishes node/update.
func (s *NodeService) Update(ctx context.Context, node models.Node) error {
	s.mu.Lock()
	if _, ok := s.nodes[node.UUID]; !ok {
		s.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "node %s not found", node.UUID)
	}
	cp := node
	s.nodes[node.UUID] = &cp
	s.mu.Unlock()

	s.updateOnlineGauge()
	if _, err := s.bus.Publish(ctx, models.ResourceTypeNode, models.EventOpUpdate, node.UUID, node.UUID, node); err != nil {
		s.log.Error("failed to publish node/update event", "node_uuid", node.UUID, "error", err)
		return err
	}
	s.m.EventsPublished.WithLabelValues(string(models.ResourceTypeNode), string(models.EventOpUpdate)).Inc()
	return nil
}

// Delete removes a node and publishes node/delete.
func (s *NodeService) Delete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	node, ok := s.nodes[uuid]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "node %s not found", uuid)
	}
	snapshot := *node
	delete(s.nodes, uuid)
	s.mu.Unlock()

	s.updateOnlineGauge()
	if _, err := s.bus.Publish(ctx, models.ResourceTypeNode, models.EventOpDelete, uuid, uuid, snapshot); err != nil {
		s.log.Error("failed to publish node/delete event", "node_uuid", uuid, "error", err)
		return err
	}
	s.m.EventsPublished.WithLabelValues(string(models.ResourceTypeNode), string(models.EventOpDelete)).Inc()
	return nil
}

// Heartbeat records a heartbeat. When the node was not online it flips it
// back and publishes node/update; unknown nodes get not_found so the
// worklet re-registers.
func (s *NodeService) Heartbeat(ctx context.Context, uuid string, ts int64) error {
	s.mu.Lock()
	node, ok := s.nodes[uuid]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "node %s not found", uuid)
	}
	node.LastHeartbeat = ts
	var flipped *models.Node
	if !strings.EqualFold(node.Status, models.NodeStatusOnline) {
		node.Status = models.NodeStatusOnline
		cp := *node
		flipped = &cp
	}
	s.mu.Unlock()

	s.m.HeartbeatsReceived.Inc()
	if flipped == nil {
		return nil
	}
	s.updateOnlineGauge()
	if _, err := s.bus.Publish(ctx, models.ResourceTypeNode, models.EventOpUpdate, uuid, uuid, *flipped); err != nil {
		s.log.Error("failed to publish node/update event", "node_uuid", uuid, "error", err)
		return err
	}
	s.m.EventsPublished.WithLabelValues(string(models.ResourceTypeNode), string(models.EventOpUpdate)).Inc()
	s.log.Info("node back online", "node_uuid", uuid)
	return nil
}

// MarkStaleOffline flips nodes whose heartbeat is older than timeout to
// offline and publishes one node/update per flipped node. The sweep is
// idempotent: already-offline nodes are left alone and never deleted.
func (s *NodeService) MarkStaleOffline(ctx context.Context, timeout time.Duration) []models.Node {
	threshold := s.now() - int64(timeout.Seconds())

	s.mu.Lock()
	flipped := make([]models.Node, 0)
	for _, node := range s.nodes {
		if node.LastHeartbeat >= threshold {
			continue
		}
		if strings.EqualFold(node.Status, models.NodeStatusOffline) {
			continue
		}
		node.Status = models.NodeStatusOffline
		flipped = append(flipped, *node)
	}
	s.mu.Unlock()

	if len(flipped) == 0 {
		return nil
	}
	s.updateOnlineGauge()
	for _, node := range flipped {
		if _, err := s.bus.Publish(ctx, models.ResourceTypeNode, models.EventOpUpdate, node.UUID, node.UUID, node); err != nil {
			s.log.Error("failed to publish offline event", "node_uuid", node.UUID, "error", err)
			continue
		}
		s.m.EventsPublished.WithLabelValues(string(models.ResourceTypeNode), string(models.EventOpUpdate)).Inc()
		s.log.Warn("node marked offline", "node_uuid", node.UUID, "last_heartbeat", node.LastHeartbeat)
	}
	return flipped
}

// RunOfflineSweep periodically marks stale nodes offline until ctx ends.
func (s *NodeService) RunOfflineSweep(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.MarkStaleOffline(ctx, timeout)
		}
	}
}

func (s *NodeService) updateOnlineGauge() {
	s.mu.RLock()
	online := 0
	for _, node := range s.nodes {
		if strings.EqualFold(node.Status, models.NodeStatusOnline) {
			online++
		}
	}
	s.mu.RUnlock()
	s.m.NodesOnline.Set(float64(online))
}
