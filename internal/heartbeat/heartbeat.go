// Package heartbeat detects agents whose worker process died without a
// clean shutdown and marks them errored, mirroring worker_heartbeat.py's
// stale-detection sweep (§4.9).
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradingrun/agentrun/internal/agents"
	"github.com/tradingrun/agentrun/pkg/logger"
	"github.com/tradingrun/agentrun/pkg/models"
)

// Repository is the slice of internal/agents.Repository the heartbeat sweep
// needs: find stale candidates, mark them errored, and answer ad hoc
// "is this agent really running" checks.
type Repository interface {
	DetectStale(ctx context.Context, timeout time.Duration) ([]agents.StaleCandidate, error)
	SetStatusError(ctx context.Context, agentID uuid.UUID, message string) error
	RunningState(ctx context.Context, agentID uuid.UUID) (*agents.RunningCandidate, error)
}

// Service runs the periodic stale-agent sweep a single process instance
// owns (distinct from internal/worker's per-agent heartbeat writes, which
// any number of AgentWorkers perform concurrently).
type Service struct {
	repo Repository

	timeout      time.Duration
	startupGrace time.Duration
}

// NewService builds a Service. timeout is how long an agent may go without
// a fresh heartbeat (or, absent one, without a last_run_at update) before
// it's considered stale; startupGrace additionally protects an agent that
// was just activated and hasn't sent its first heartbeat yet.
func NewService(repo Repository, timeout, startupGrace time.Duration) *Service {
	return &Service{repo: repo, timeout: timeout, startupGrace: startupGrace}
}

// MarkStaleAsError finds every active agent whose heartbeat (or absent
// heartbeat, whose last_run_at) is older than the configured timeout, and
// transitions each to error status with a message describing which branch
// tripped, mirroring mark_stale_agents_as_error's two message formats.
func (s *Service) MarkStaleAsError(ctx context.Context) (int, error) {
	stale, err := s.repo.DetectStale(ctx, s.timeout)
	if err != nil {
		return 0, fmt.Errorf("heartbeat: detect stale: %w", err)
	}

	count := 0
	for _, c := range stale {
		msg := staleMessage(c, s.timeout)
		if err := s.repo.SetStatusError(ctx, c.ID, msg); err != nil {
			logger.Error("heartbeat: failed to mark agent as error", zap.String("agent_id", c.ID.String()), zap.Error(err))
			continue
		}
		logger.Warn("heartbeat: marked agent as error", zap.String("agent_id", c.ID.String()), zap.String("reason", msg))
		count++
	}
	logger.Info("heartbeat: marked stale agents as error", zap.Int("count", count))
	return count, nil
}

func staleMessage(c agents.StaleCandidate, timeout time.Duration) string {
	if c.WorkerHeartbeatAt != nil {
		return fmt.Sprintf(
			"worker heartbeat timeout - agent may have crashed (last heartbeat: %s, timeout: %dmin)",
			c.WorkerHeartbeatAt.Format(time.RFC3339), int(timeout.Minutes()))
	}
	lastRun := "never"
	if c.LastRunAt != nil {
		lastRun = c.LastRunAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("worker startup incomplete - no heartbeat received (last run: %s)", lastRun)
}

// IsRunning reports whether agentID's worker appears to be alive: active
// status and either a fresh heartbeat, or no heartbeat yet but still within
// the startup grace period since its last update (§4.9 "is_agent_running").
func (s *Service) IsRunning(ctx context.Context, agentID uuid.UUID) (bool, error) {
	c, err := s.repo.RunningState(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("heartbeat: running state: %w", err)
	}
	return isRunning(c, s.timeout, s.startupGrace, time.Now()), nil
}

func isRunning(c *agents.RunningCandidate, timeout, startupGrace time.Duration, now time.Time) bool {
	if c.Status != models.AgentActive {
		return false
	}
	if c.WorkerHeartbeatAt == nil {
		return c.UpdatedAt.After(now.Add(-startupGrace))
	}
	return c.WorkerHeartbeatAt.After(now.Add(-timeout))
}
