package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradingrun/agentrun/pkg/logger"
	"github.com/tradingrun/agentrun/pkg/models"
)

// AgentRegistry is the slice of agent discovery the WorkerManager needs:
// enumerate currently-active agents and bulk-clear heartbeats on startup
// (§4.8, §4.9).
type AgentRegistry interface {
	ListActiveAgents(ctx context.Context) ([]models.Agent, error)
	ClearAllHeartbeatsForActiveAgents(ctx context.Context) error
}

// RunnerFactory builds the Runner (and its cadence) for a given agent,
// resolving its strategy template, trader, and AI/quant engine. Returning an
// error here is treated the same as a claim failure: the agent is left
// unowned and retried on the next sync.
type RunnerFactory func(ctx context.Context, agent *models.Agent) (Runner, time.Duration, error)

// ManagerConfig bundles everything a Manager needs to supervise a fleet of
// agents across however many process instances are running (§4.8).
type ManagerConfig struct {
	InstanceID string

	Registry  AgentRegistry
	Store     AgentStore
	Ownership OwnershipCoordinator
	ExecLock  CycleLocker
	Factory   RunnerFactory

	SyncInterval      time.Duration
	HeartbeatInterval time.Duration
	CycleTimeout      time.Duration

	MaxConsecutiveErrors int
	ErrorWindow          time.Duration
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	BackoffJitter        bool
}

// Manager is the process-wide supervisor: it discovers active agents,
// claims as many as it can, runs one AgentWorker per claimed agent, and
// periodically re-syncs to pick up orphaned agents and shed ones lost to
// another instance (§4.8), mirroring the teacher's bot.Manager but keyed by
// agent id instead of Telegram user id.
type Manager struct {
	cfg ManagerConfig

	mu      sync.RWMutex
	workers map[uuid.UUID]*AgentWorker

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds a Manager with documented sync-interval defaults (§6.3).
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 60 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		workers: make(map[uuid.UUID]*AgentWorker),
	}
}

// Start clears stale heartbeats, claims and starts a worker for every
// currently active agent, and launches the periodic sync loop (§4.8
// "Startup").
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.cfg.Registry.ClearAllHeartbeatsForActiveAgents(m.ctx); err != nil {
		logger.Warn("worker manager: clear heartbeats at startup failed", zap.Error(err))
	}

	agents, err := m.cfg.Registry.ListActiveAgents(m.ctx)
	if err != nil {
		return err
	}
	for i := range agents {
		m.tryStart(m.ctx, &agents[i])
	}

	go m.syncLoop(m.ctx)
	return nil
}

// tryStart claims ownership for agent and, on success, builds and starts an
// AgentWorker for it. A claim or build failure leaves the agent unowned for
// the next sync pass to retry.
func (m *Manager) tryStart(ctx context.Context, agent *models.Agent) {
	m.mu.RLock()
	_, already := m.workers[agent.ID]
	m.mu.RUnlock()
	if already {
		return
	}

	ok, err := m.cfg.Ownership.Claim(ctx, agent.ID, m.cfg.InstanceID)
	if err != nil {
		logger.Warn("worker manager: claim ownership failed", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	runner, interval, err := m.cfg.Factory(ctx, agent)
	if err != nil {
		logger.Error("worker manager: build runner failed", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		if relErr := m.cfg.Ownership.Release(ctx, agent.ID, m.cfg.InstanceID); relErr != nil {
			logger.Warn("worker manager: release ownership after failed build", zap.String("agent_id", agent.ID.String()), zap.Error(relErr))
		}
		return
	}

	aw := NewAgentWorker(AgentWorkerConfig{
		AgentID:    agent.ID,
		InstanceID: m.cfg.InstanceID,
		Interval:   interval,

		Store:     m.cfg.Store,
		Ownership: m.cfg.Ownership,
		ExecLock:  m.cfg.ExecLock,
		Runner:    runner,

		HeartbeatInterval: m.cfg.HeartbeatInterval,
		CycleTimeout:      m.cfg.CycleTimeout,

		MaxConsecutiveErrors: m.cfg.MaxConsecutiveErrors,
		ErrorWindow:          m.cfg.ErrorWindow,
		BackoffBase:          m.cfg.BackoffBase,
		BackoffMax:           m.cfg.BackoffMax,
		BackoffJitter:        m.cfg.BackoffJitter,
	})
	aw.Start(ctx)

	m.mu.Lock()
	m.workers[agent.ID] = aw
	m.mu.Unlock()

	logger.Info("worker manager: started agent worker", zap.String("agent_id", agent.ID.String()))
}

// StopAgentWorker stops and forgets a single agent's worker, if running.
func (m *Manager) StopAgentWorker(agentID uuid.UUID, timeout time.Duration) {
	m.mu.Lock()
	aw, ok := m.workers[agentID]
	if ok {
		delete(m.workers, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	aw.Stop(timeout)
	logger.Info("worker manager: stopped agent worker", zap.String("agent_id", agentID.String()))
}

// ActiveWorkerCount reports how many agents this instance currently runs.
func (m *Manager) ActiveWorkerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// syncLoop reaps workers that stopped themselves or lost ownership, then
// re-discovers active agents so orphans (previous owner crashed, key
// expired) get picked up (§4.8 "Periodic sync").
func (m *Manager) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapStopped()
			m.resync(ctx)
		}
	}
}

// reapStopped drops bookkeeping for any worker whose execution loop already
// called requestStop (agent no longer active, permanent error, or lost
// ownership), without waiting for an external StopAgentWorker call.
func (m *Manager) reapStopped() {
	m.mu.Lock()
	var done []uuid.UUID
	for id, aw := range m.workers {
		if aw.Stopped() {
			done = append(done, id)
		}
	}
	m.mu.Unlock()

	for _, id := range done {
		m.StopAgentWorker(id, 30*time.Second)
	}
}

func (m *Manager) resync(ctx context.Context) {
	agents, err := m.cfg.Registry.ListActiveAgents(ctx)
	if err != nil {
		logger.Warn("worker manager: resync list active agents failed", zap.Error(err))
		return
	}
	for i := range agents {
		m.tryStart(ctx, &agents[i])
	}
}

// Shutdown stops every running worker, each releasing its own ownership key
// (§4.8 "Graceful shutdown").
func (m *Manager) Shutdown(timeout time.Duration) {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopAgentWorker(id, timeout)
	}
	logger.Info("worker manager: shutdown complete")
}
