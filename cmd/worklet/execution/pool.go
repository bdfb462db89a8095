package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/logger"
)

// PoolConfig bounds one task's instance pool.
type PoolConfig struct {
	Min     int
	Max     int
	IdleTTL time.Duration
}

// DefaultPoolConfig is applied to tasks without explicit pool settings.
var DefaultPoolConfig = PoolConfig{Min: 0, Max: 4, IdleTTL: 5 * time.Minute}

// ScalingAction is what a scaling decision does.
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
	ScaleHold ScalingAction = "hold"
)

// ScalingDecision is one periodic pool adjustment.
type ScalingDecision struct {
	Action ScalingAction
	Count  int
}

// InstancePool manages the physical instances of one task. Acquire hands
// out an idle instance, creating one when the pool has headroom; a bounded
// queue forms implicitly through the waiters counter feeding scaling.
type InstancePool struct {
	task    *Task
	runtime Runtime
	cfg     PoolConfig
	log     *logger.Logger

	mu        sync.Mutex
	instances []*TaskInstance

	running int64 // requests currently executing
	waiting int64 // requests waiting for an instance
}

// NewInstancePool creates a pool for a task over its runtime.
func NewInstancePool(task *Task, runtime Runtime, cfg PoolConfig, log *logger.Logger) *InstancePool {
	if cfg.Max <= 0 {
		cfg.Max = DefaultPoolConfig.Max
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultPoolConfig.IdleTTL
	}
	return &InstancePool{task: task, runtime: runtime, cfg: cfg, log: log}
}

// Acquire returns an instance ready to execute, creating one when the pool
// is below Max. When the pool is saturated the caller waits briefly and
// retries until ctx expires.
func (p *InstancePool) Acquire(ctx context.Context) (*TaskInstance, error) {
	atomic.AddInt64(&p.waiting, 1)
	defer atomic.AddInt64(&p.waiting, -1)

	for {
		inst, err := p.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			atomic.AddInt64(&p.running, 1)
			inst.SetStatus(InstanceStatusRunning)
			inst.Touch()
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(ctx.Err(), apperr.KindTimeout, "no instance available for task %s", p.task.TaskID)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (p *InstancePool) tryAcquire(ctx context.Context) (*TaskInstance, error) {
	p.mu.Lock()
	for _, inst := range p.instances {
		if inst.Status() == InstanceStatusIdle {
			p.mu.Unlock()
			return inst, nil
		}
	}
	if len(p.instances) >= p.cfg.Max {
		p.mu.Unlock()
		return nil, nil
	}
	p.mu.Unlock()

	inst, err := p.createInstance(ctx)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (p *InstancePool) createInstance(ctx context.Context) (*TaskInstance, error) {
	cfg := p.task.instanceConfig()
	if err := p.runtime.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	inst, err := p.runtime.CreateInstance(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.runtime.StartInstance(ctx, inst); err != nil {
		p.runtime.CleanupInstance(ctx, inst)
		return nil, err
	}
	inst.SetStatus(InstanceStatusIdle)

	p.mu.Lock()
	p.instances = append(p.instances, inst)
	count := len(p.instances)
	p.mu.Unlock()
	p.log.Debug("instance created", "task_id", p.task.TaskID, "instance_id", inst.InstanceID, "pool_size", count)
	return inst, nil
}

// Release returns an instance to the idle set.
func (p *InstancePool) Release(inst *TaskInstance) {
	atomic.AddInt64(&p.running, -1)
	inst.SetStatus(InstanceStatusIdle)
	inst.Touch()
}

// Size returns the current instance count.
func (p *InstancePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// ComputeScalingDecision derives the next pool adjustment from running
// requests, queue depth and idle age.
func (p *InstancePool) ComputeScalingDecision() ScalingDecision {
	waiting := atomic.LoadInt64(&p.waiting)
	p.mu.Lock()
	size := len(p.instances)
	idleExpired := 0
	for _, inst := range p.instances {
		if inst.Status() == InstanceStatusIdle && inst.IdleSince() > p.cfg.IdleTTL {
			idleExpired++
		}
	}
	p.mu.Unlock()

	if waiting > 0 && size < p.cfg.Max {
		n := int(waiting)
		if size+n > p.cfg.Max {
			n = p.cfg.Max - size
		}
		return ScalingDecision{Action: ScaleUp, Count: n}
	}
	if idleExpired > 0 && size-idleExpired >= p.cfg.Min {
		return ScalingDecision{Action: ScaleDown, Count: idleExpired}
	}
	if idleExpired > 0 && size > p.cfg.Min {
		return ScalingDecision{Action: ScaleDown, Count: size - p.cfg.Min}
	}
	return ScalingDecision{Action: ScaleHold}
}

// ApplyScalingDecision executes a decision through the runtime. Re-applying
// a scale-down decision is a no-op once the expired idle instances are
// retired; re-applying a scale-up decision creates Count more instances,
// bounded only by Max.
func (p *InstancePool) ApplyScalingDecision(ctx context.Context, d ScalingDecision) {
	switch d.Action {
	case ScaleUp:
		for i := 0; i < d.Count; i++ {
			if p.Size() >= p.cfg.Max {
				return
			}
			if _, err := p.createInstance(ctx); err != nil {
				p.log.Error("scale up failed", "task_id", p.task.TaskID, "error", err)
				return
			}
		}
	case ScaleDown:
		for i := 0; i < d.Count; i++ {
			if !p.retireOneIdle(ctx) {
				return
			}
		}
	}
}

// retireOneIdle stops and cleans one expired idle instance, keeping Min.
func (p *InstancePool) retireOneIdle(ctx context.Context) bool {
	p.mu.Lock()
	var victim *TaskInstance
	idx := -1
	for i, inst := range p.instances {
		if inst.Status() == InstanceStatusIdle && inst.IdleSince() > p.cfg.IdleTTL {
			victim = inst
			idx = i
			break
		}
	}
	if victim == nil || len(p.instances)-1 < p.cfg.Min {
		p.mu.Unlock()
		return false
	}
	victim.SetStatus(InstanceStatusTerminating)
	p.instances = append(p.instances[:idx], p.instances[idx+1:]...)
	p.mu.Unlock()

	if err := p.runtime.StopInstance(ctx, victim); err != nil {
		p.log.Error("stop instance failed", "instance_id", victim.InstanceID, "error", err)
	}
	if err := p.runtime.CleanupInstance(ctx, victim); err != nil {
		p.log.Error("cleanup instance failed", "instance_id", victim.InstanceID, "error", err)
	}
	victim.SetStatus(InstanceStatusTerminated)
	p.log.Debug("instance retired", "task_id", p.task.TaskID, "instance_id", victim.InstanceID)
	return true
}
