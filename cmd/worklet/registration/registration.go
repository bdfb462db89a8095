// Package registration runs the worklet's register/heartbeat loop against
// the metadata server: connect with bounded retries, heartbeat on a fixed
// cadence with the local telemetry snapshot piggybacked, and fall back to
// reconnecting whenever the server forgets us or the stream of heartbeats
// starts failing.
package registration

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/config"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
	"github.com/taskmesh/taskmesh/common/models"
)

// State is the registration state machine position.
type State string

const (
	StateUnregistered State = "unregistered"
	StateConnecting   State = "connecting"
	StateRegistered   State = "registered"
)

// backoffCap bounds the exponential reconnect backoff.
const backoffCap = 10 * time.Second

// Client is the slice of the MS client the manager needs.
type Client interface {
	RegisterNode(ctx context.Context, node models.Node) error
	Heartbeat(ctx context.Context, nodeUUID string, ts int64, resource *models.NodeResource) error
}

// Manager drives the registration state machine.
type Manager struct {
	cfg      *config.WorkletConfig
	client   Client
	nodeUUID string
	log      *logger.Logger

	state atomic.Value

	// sample produces the telemetry snapshot piggybacked on heartbeats.
	sample func(nodeUUID string) *models.NodeResource
	now    func() int64
}

// NewManager creates a registration manager for the given identity.
func NewManager(cfg *config.WorkletConfig, client Client, nodeUUID string, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		client:   client,
		nodeUUID: nodeUUID,
		log:      log.WithNodeUUID(nodeUUID),
		sample:   metrics.SampleNodeResource,
		now:      func() int64 { return time.Now().Unix() },
	}
	m.state.Store(StateUnregistered)
	return m
}

// State returns the current state machine position.
func (m *Manager) State() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(s State) {
	if m.state.Swap(s) != s {
		m.log.Info("registration state changed", "state", string(s))
	}
}

// Run drives the loop until ctx is cancelled. Each outage gets a fresh
// reconnect budget; exhausting it logs and starts over rather than giving
// up, so a long MS outage heals without intervention.
func (m *Manager) Run(ctx context.Context) {
	for ctx.Err() == nil {
		m.setState(StateConnecting)
		if err := m.registerWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error("registration budget exhausted, restarting", "error", err)
			continue
		}
		m.setState(StateRegistered)
		m.heartbeatLoop(ctx)
	}
	m.setState(StateUnregistered)
}

// registerWithRetry attempts registration with exponential backoff until it
// succeeds or the total reconnect budget runs out.
func (m *Manager) registerWithRetry(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.ReconnectTotalTimeout)
	backoff := m.cfg.ConnectRetry

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		err := m.client.RegisterNode(attemptCtx, m.nodeRecord())
		cancel()
		if err == nil {
			m.log.Info("registered with ms", "ms_addr", m.cfg.MSAddr)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn("register attempt failed", "error", err, "retry_in", backoff)

		if time.Now().Add(backoff).After(deadline) {
			return apperr.New(apperr.KindTimeout, "reconnect budget %s exhausted", m.cfg.ReconnectTotalTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// heartbeatLoop sends heartbeats until the server forgets us, a heartbeat
// fails, or ctx ends. Any exit returns to the reconnect path.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
			err := m.client.Heartbeat(hbCtx, m.nodeUUID, m.now(), m.sample(m.nodeUUID))
			cancel()
			if err == nil {
				continue
			}
			if apperr.IsKind(err, apperr.KindNotFound) {
				m.log.Warn("ms forgot this node, re-registering")
			} else {
				m.log.Warn("heartbeat failed, reconnecting", "error", err)
			}
			return
		}
	}
}

func (m *Manager) nodeRecord() models.Node {
	now := m.now()
	return models.Node{
		UUID:          m.nodeUUID,
		IPAddress:     m.cfg.AdvertiseIP,
		Port:          m.cfg.AdvertisePort,
		Status:        models.NodeStatusOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
		Metadata:      map[string]string{"node_name": m.cfg.NodeName},
	}
}
