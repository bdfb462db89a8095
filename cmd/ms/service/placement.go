package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/config"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
	"github.com/taskmesh/taskmesh/common/models"
)

// loadNormalizeCores caps the 1-minute load contribution so one busy core
// does not dominate the score.
const loadNormalizeCores = 16.0

type penaltyState struct {
	failCount     int
	cooldownUntil int64
}

// PlacementService selects candidate nodes from live telemetry and feeds a
// per-node penalty/circuit-breaker from reported invocation outcomes.
// Decisions are ephemeral and retained only for correlation.
type PlacementService struct {
	cfg       config.PlacementConfig
	nodes     *NodeService
	resources *ResourceService
	log       *logger.Logger
	m         *metrics.MS

	mu        sync.Mutex
	penalties map[string]*penaltyState
	decisions map[string]*models.PlacementDecision

	now func() int64
}

// NewPlacementService creates a placement engine over the node and resource
// registries.
func NewPlacementService(cfg config.PlacementConfig, nodes *NodeService, resources *ResourceService, log *logger.Logger, m *metrics.MS) *PlacementService {
	return &PlacementService{
		cfg:       cfg,
		nodes:     nodes,
		resources: resources,
		log:       log,
		m:         m,
		penalties: make(map[string]*penaltyState),
		decisions: make(map[string]*models.PlacementDecision),
		now:       func() int64 { return time.Now().Unix() },
	}
}

// PlaceInvocation scores online, non-cooling nodes and returns up to
// maxCandidates of them ordered by score descending, ties broken by
// node_uuid ascending for determinism.
func (s *PlacementService) PlaceInvocation(_ context.Context, requestID, taskID string, maxCandidates int, labels map[string]string) (*models.PlacementDecision, error) {
	if maxCandidates <= 0 {
		maxCandidates = s.cfg.MaxCandidates
	}
	now := s.now()

	nodes := s.nodes.List(models.NodeStatusOnline)
	candidates := make([]models.Candidate, 0, len(nodes))
	for _, node := range nodes {
		if s.cooling(node.UUID, now) {
			continue
		}
		if !matchLabels(node.Metadata, labels) {
			continue
		}
		candidates = append(candidates, models.Candidate{
			NodeUUID:  node.UUID,
			IPAddress: node.IPAddress,
			Port:      node.Port,
			Score:     s.score(node.UUID),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].NodeUUID < candidates[j].NodeUUID
	})
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	decision := &models.PlacementDecision{
		DecisionID: uuid.NewString(),
		RequestID:  requestID,
		TaskID:     taskID,
		Candidates: candidates,
		CreatedAt:  now,
	}

	s.mu.Lock()
	s.purgeDecisionsLocked(now)
	s.decisions[decision.DecisionID] = decision
	s.mu.Unlock()

	s.m.PlacementDecisions.Inc()
	s.log.Debug("placement decision minted",
		"decision_id", decision.DecisionID, "task_id", taskID, "candidates", len(candidates))
	return decision, nil
}

// ReportInvocationOutcome records an outcome for a node and updates its
// penalty state. Success and bad_request clear the state; overloaded,
// unavailable, timeout and internal enter or extend the cooldown with an
// exponential, capped curve; rejected and unknown are recorded only.
func (s *PlacementService) ReportInvocationOutcome(_ context.Context, decisionID, requestID, taskID, nodeUUID string, outcome models.OutcomeClass, errorMessage string) (bool, error) {
	if nodeUUID == "" {
		return false, apperr.New(apperr.KindInvalidRequest, "node_uuid is required")
	}
	s.m.PlacementPenalties.WithLabelValues(string(outcome)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case outcome.Resets():
		delete(s.penalties, nodeUUID)
	case outcome.Penalizes():
		st, ok := s.penalties[nodeUUID]
		if !ok {
			st = &penaltyState{}
			s.penalties[nodeUUID] = st
		}
		st.failCount++
		exp := st.failCount - 1
		if exp > s.cfg.CooldownCap {
			exp = s.cfg.CooldownCap
		}
		cooldown := s.cfg.BaseCooldown * (1 << exp)
		st.cooldownUntil = s.now() + int64(cooldown.Seconds())
		s.log.Warn("node penalized",
			"node_uuid", nodeUUID, "outcome", outcome, "fail_count", st.failCount,
			"cooldown_until", st.cooldownUntil, "decision_id", decisionID,
			"request_id", requestID, "task_id", taskID, "error", errorMessage)
	default:
		s.log.Debug("invocation outcome recorded",
			"node_uuid", nodeUUID, "outcome", outcome, "decision_id", decisionID)
	}
	return true, nil
}

// PenaltySnapshot exposes a node's penalty state for inspection.
func (s *PlacementService) PenaltySnapshot(nodeUUID string) (failCount int, cooldownUntil int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.penalties[nodeUUID]
	if !ok {
		return 0, 0, false
	}
	return st.failCount, st.cooldownUntil, true
}

func (s *PlacementService) cooling(nodeUUID string, now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.penalties[nodeUUID]
	return ok && now < st.cooldownUntil
}

// score computes the weighted headroom score for a node. Missing telemetry
// scores as a fully idle node; the first heartbeat corrects it.
func (s *PlacementService) score(nodeUUID string) float64 {
	res, err := s.resources.Get(nodeUUID)
	if err != nil {
		return s.cfg.WeightCPU + s.cfg.WeightMemory + s.cfg.WeightDisk
	}
	loadNorm := res.LoadAverage1m / loadNormalizeCores
	if loadNorm > 1 {
		loadNorm = 1
	}
	return s.cfg.WeightCPU*(1-res.CPUUsagePercent/100) +
		s.cfg.WeightMemory*(1-res.MemoryUsagePercent/100) +
		s.cfg.WeightDisk*(1-res.DiskUsagePercent/100) -
		s.cfg.WeightLoad*loadNorm
}

func (s *PlacementService) purgeDecisionsLocked(now int64) {
	ttl := int64(s.cfg.DecisionTTL.Seconds())
	if ttl <= 0 {
		return
	}
	for id, d := range s.decisions {
		if now-d.CreatedAt > ttl {
			delete(s.decisions, id)
		}
	}
}

// matchLabels reports whether every requested label is present with the
// same value in the node metadata.
func matchLabels(metadata, labels map[string]string) bool {
	for k, v := range labels {
		if metadata[k] != v {
			return false
		}
	}
	return true
}
