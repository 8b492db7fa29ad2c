package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradingrun/agentrun/internal/retry"
	"github.com/tradingrun/agentrun/pkg/logger"
	"github.com/tradingrun/agentrun/pkg/models"
	pkgworker "github.com/tradingrun/agentrun/pkg/worker"
)

// Runner drives one execution cycle for a single claimed agent. Concrete
// implementations wrap either the quant engines or the AI engine and are
// responsible for persisting whatever decision/execution records their
// domain produces; AgentWorker only cares about success or failure.
//
// A Runner that also implements io.Closer has its Close method called when
// the AgentWorker stops, mirroring trader.Trader's own Close contract.
type Runner interface {
	RunCycle(ctx context.Context) error
}

// OwnershipCoordinator is the ownership-key surface an AgentWorker and a
// Manager need. OwnershipManager is the Redis-backed implementation; tests
// use a fake.
type OwnershipCoordinator interface {
	Claim(ctx context.Context, agentID uuid.UUID, instanceID string) (bool, error)
	Refresh(ctx context.Context, agentID uuid.UUID, instanceID string) error
	Release(ctx context.Context, agentID uuid.UUID, instanceID string) error
}

// CycleLocker is the execution-lock surface an AgentWorker needs.
// ExecutionLock is the Redis-backed implementation; tests use a fake.
type CycleLocker interface {
	Acquire(ctx context.Context, agentID uuid.UUID) bool
	Release(ctx context.Context, agentID uuid.UUID)
}

// AgentStore is the slice of the agent registry an AgentWorker needs: read
// the latest status, and record heartbeat/cycle bookkeeping (§4.7, §4.9).
type AgentStore interface {
	GetAgent(ctx context.Context, agentID uuid.UUID) (*models.Agent, error)
	UpdateHeartbeat(ctx context.Context, agentID uuid.UUID, instanceID string, at time.Time) error
	ClearHeartbeat(ctx context.Context, agentID uuid.UUID) error
	RecordCycleSuccess(ctx context.Context, agentID uuid.UUID, lastRunAt, nextRunAt time.Time) error
	SetStatusError(ctx context.Context, agentID uuid.UUID, message string) error
}

// AgentWorkerConfig bundles everything one AgentWorker needs to run. The
// caller (WorkerManager) is responsible for claiming ownership before
// constructing one.
type AgentWorkerConfig struct {
	AgentID    uuid.UUID
	InstanceID string
	Interval   time.Duration

	Store     AgentStore
	Ownership OwnershipCoordinator
	ExecLock  CycleLocker
	Runner    Runner

	HeartbeatInterval time.Duration
	CycleTimeout      time.Duration

	MaxConsecutiveErrors int
	ErrorWindow          time.Duration
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	BackoffJitter        bool
}

// AgentWorker owns one claimed agent's heartbeat, ownership refresh and
// execution loop (§4.7). It assumes ownership has already been claimed by
// the caller; it only refreshes and eventually releases it.
type AgentWorker struct {
	cfg AgentWorkerConfig

	errWindow *retry.ErrorWindow

	group  *pkgworker.WorkerGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	attempt int
	stopped bool
}

// NewAgentWorker builds an AgentWorker from cfg, filling in documented
// defaults (§6.3) for any zero-valued timing field.
func NewAgentWorker(cfg AgentWorkerConfig) *AgentWorker {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.CycleTimeout == 0 {
		cfg.CycleTimeout = 300 * time.Second
	}
	if cfg.MaxConsecutiveErrors == 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.ErrorWindow == 0 {
		cfg.ErrorWindow = 600 * time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	return &AgentWorker{
		cfg:       cfg,
		errWindow: retry.NewErrorWindow(cfg.ErrorWindow, cfg.MaxConsecutiveErrors),
	}
}

// Start spins up the heartbeat, ownership refresher and execution loop
// sub-tasks. Ownership must already be held by cfg.InstanceID.
func (w *AgentWorker) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.group = pkgworker.NewWorkerGroup(ctx)
	w.group.Add(heartbeatTask{w}, w.cfg.HeartbeatInterval)
	w.group.Add(ownershipRefreshTask{w}, w.cfg.HeartbeatInterval)
	w.group.Add(executionTask{w}, w.cfg.Interval)
	w.group.Start()
}

// Stop cancels the three sub-tasks, clears the heartbeat, releases
// ownership and closes the runner if it is an io.Closer (§4.7 "Graceful
// stop").
func (w *AgentWorker) Stop(timeout time.Duration) {
	if w.cancel != nil {
		w.cancel()
	}
	if w.group != nil {
		w.group.Stop(timeout)
	}

	ctx := context.Background()
	if err := w.cfg.Store.ClearHeartbeat(ctx, w.cfg.AgentID); err != nil {
		logger.Warn("agent worker: clear heartbeat failed", zap.String("agent_id", w.cfg.AgentID.String()), zap.Error(err))
	}
	if err := w.cfg.Ownership.Release(ctx, w.cfg.AgentID, w.cfg.InstanceID); err != nil {
		logger.Warn("agent worker: release ownership failed", zap.String("agent_id", w.cfg.AgentID.String()), zap.Error(err))
	}
	if closer, ok := w.cfg.Runner.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("agent worker: close runner failed", zap.String("agent_id", w.cfg.AgentID.String()), zap.Error(err))
		}
	}
}

// Stopped reports whether the execution loop has requested its own
// shutdown (permanent error or agent no longer active), so the manager
// knows to reap this worker instead of assuming it is still running.
func (w *AgentWorker) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// requestStop cancels the worker's context from inside a sub-task, causing
// all three loops to exit on their next select. Idempotent.
func (w *AgentWorker) requestStop() {
	w.mu.Lock()
	already := w.stopped
	w.stopped = true
	w.mu.Unlock()
	if !already && w.cancel != nil {
		w.cancel()
	}
}

// heartbeatTask writes worker_heartbeat_at/worker_instance_id every
// HeartbeatInterval (§4.7 step 1).
type heartbeatTask struct{ w *AgentWorker }

func (t heartbeatTask) Name() string { return "heartbeat:" + t.w.cfg.AgentID.String() }

func (t heartbeatTask) Run(ctx context.Context) error {
	return t.w.cfg.Store.UpdateHeartbeat(ctx, t.w.cfg.AgentID, t.w.cfg.InstanceID, time.Now())
}

// ownershipRefreshTask extends the Redis ownership key or stops the worker
// if it has been lost to another instance (§4.7 step 2).
type ownershipRefreshTask struct{ w *AgentWorker }

func (t ownershipRefreshTask) Name() string { return "ownership-refresh:" + t.w.cfg.AgentID.String() }

func (t ownershipRefreshTask) Run(ctx context.Context) error {
	err := t.w.cfg.Ownership.Refresh(ctx, t.w.cfg.AgentID, t.w.cfg.InstanceID)
	if err != nil {
		logger.Warn("agent worker: lost ownership, stopping",
			zap.String("agent_id", t.w.cfg.AgentID.String()), zap.Error(err))
		t.w.requestStop()
	}
	return err
}

// executionTask drives one strategy cycle per Interval: acquire the
// execution lock, refresh the heartbeat, verify the agent is still active,
// run the engine, classify failures and back off (§4.7 step 3).
type executionTask struct{ w *AgentWorker }

func (t executionTask) Name() string { return "execution:" + t.w.cfg.AgentID.String() }

func (t executionTask) Run(ctx context.Context) error {
	w := t.w
	cfg := w.cfg

	if !cfg.ExecLock.Acquire(ctx, cfg.AgentID) {
		return nil
	}
	defer cfg.ExecLock.Release(context.Background(), cfg.AgentID)

	now := time.Now()
	if err := cfg.Store.UpdateHeartbeat(ctx, cfg.AgentID, cfg.InstanceID, now); err != nil {
		logger.Warn("agent worker: heartbeat update at cycle start failed",
			zap.String("agent_id", cfg.AgentID.String()), zap.Error(err))
	}

	agent, err := cfg.Store.GetAgent(ctx, cfg.AgentID)
	if err != nil {
		return w.handleCycleError(ctx, fmt.Errorf("agent worker: load agent: %w", err))
	}
	if agent.Status != models.AgentActive {
		w.requestStop()
		return nil
	}

	cycleCtx, cancel := context.WithTimeout(ctx, cfg.CycleTimeout)
	defer cancel()

	if err := cfg.Runner.RunCycle(cycleCtx); err != nil {
		return w.handleCycleError(ctx, err)
	}

	w.errWindow.Reset()
	w.mu.Lock()
	w.attempt = 0
	w.mu.Unlock()

	lastRun := time.Now()
	nextRun := lastRun.Add(cfg.Interval)
	if err := cfg.Store.RecordCycleSuccess(ctx, cfg.AgentID, lastRun, nextRun); err != nil {
		logger.Warn("agent worker: record cycle success failed",
			zap.String("agent_id", cfg.AgentID.String()), zap.Error(err))
	}
	return nil
}

// handleCycleError classifies err, marks the agent permanently failed and
// stops the worker on a Permanent verdict or a tripped error window, and
// otherwise records the error and sleeps a backoff delay before returning
// (§4.7 step 3, §4.1).
func (w *AgentWorker) handleCycleError(ctx context.Context, cycleErr error) error {
	cfg := w.cfg
	errType := retry.Classify(cycleErr)

	if errType == retry.Permanent {
		if err := cfg.Store.SetStatusError(context.Background(), cfg.AgentID, cycleErr.Error()); err != nil {
			logger.Warn("agent worker: mark agent error failed",
				zap.String("agent_id", cfg.AgentID.String()), zap.Error(err))
		}
		w.requestStop()
		return cycleErr
	}

	w.errWindow.RecordError()
	if w.errWindow.ShouldStop() {
		msg := fmt.Sprintf("too many consecutive errors in %s: %s", cfg.ErrorWindow, cycleErr)
		if err := cfg.Store.SetStatusError(context.Background(), cfg.AgentID, msg); err != nil {
			logger.Warn("agent worker: mark agent error failed",
				zap.String("agent_id", cfg.AgentID.String()), zap.Error(err))
		}
		w.requestStop()
		return cycleErr
	}

	w.mu.Lock()
	attempt := w.attempt
	w.attempt++
	w.mu.Unlock()

	delay := retry.Backoff(attempt, cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter)
	logger.Warn("agent worker: cycle error, backing off",
		zap.String("agent_id", cfg.AgentID.String()), zap.String("error_type", string(errType)),
		zap.Duration("delay", delay), zap.Error(cycleErr))
	_ = retry.Sleep(ctx, delay)
	return cycleErr
}
