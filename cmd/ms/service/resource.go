package service

import (
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/models"
)

// ResourceService stores the latest telemetry snapshot per node. Snapshots
// are whole-record overwrites, so per-key atomicity is enough.
type ResourceService struct {
	mu        sync.RWMutex
	resources map[string]*models.NodeResource
}

// NewResourceService creates an empty snapshot store.
func NewResourceService() *ResourceService {
	return &ResourceService{resources: make(map[string]*models.NodeResource)}
}

// Update overwrites the snapshot for a node.
func (s *ResourceService) Update(res models.NodeResource) error {
	if res.NodeUUID == "" {
		return apperr.New(apperr.KindInvalidRequest, "node_uuid is required")
	}
	if res.UpdatedAt == 0 {
		res.UpdatedAt = time.Now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := res
	s.resources[res.NodeUUID] = &cp
	return nil
}

// Get returns the snapshot for a node.
func (s *ResourceService) Get(nodeUUID string) (*models.NodeResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[nodeUUID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "resource for node %s not found", nodeUUID)
	}
	cp := *res
	return &cp, nil
}

// List returns snapshots for the given node uuids, or all when empty.
func (s *ResourceService) List(nodeUUIDs []string) []models.NodeResource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.NodeResource, 0)
	if len(nodeUUIDs) == 0 {
		for _, res := range s.resources {
			out = append(out, *res)
		}
		return out
	}
	for _, uuid := range nodeUUIDs {
		if res, ok := s.resources[uuid]; ok {
			out = append(out, *res)
		}
	}
	return out
}

// GetNodeWithResource composes the node record with its latest snapshot.
func GetNodeWithResource(nodes *NodeService, resources *ResourceService, uuid string) (*models.NodeWithResource, error) {
	node, err := nodes.Get(uuid)
	if err != nil {
		return nil, err
	}
	out := &models.NodeWithResource{Node: *node}
	if res, err := resources.Get(uuid); err == nil {
		out.Resource = res
	}
	return out, nil
}
