// Package agents persists Agent rows and the queries the worker fleet needs
// to discover, claim, and track them (§3, §4.8, §4.9).
package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tradingrun/agentrun/pkg/models"
)

// Repository persists Agent rows.
type Repository struct {
	db *sqlx.DB
}

// NewRepository wraps a connected *sqlx.DB.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new agent in draft status.
func (r *Repository) Create(ctx context.Context, a *models.Agent) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO agents
			(id, user_id, account_id, strategy_id, status, execution_mode,
			 execution_interval_minutes, allocated_capital, allocated_capital_percent,
			 auto_execute, ai_model, debate_enabled, debate_models, debate_consensus_mode,
			 debate_min_participants, created_at, updated_at)
		VALUES
			(:id, :user_id, :account_id, :strategy_id, :status, :execution_mode,
			 :execution_interval_minutes, :allocated_capital, :allocated_capital_percent,
			 :auto_execute, :ai_model, :debate_enabled, :debate_models, :debate_consensus_mode,
			 :debate_min_participants, :created_at, :updated_at)`, a)
	if err != nil {
		return fmt.Errorf("agent repository: create: %w", err)
	}
	return nil
}

// Get retrieves a single agent by id.
func (r *Repository) Get(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	var a models.Agent
	err := r.db.GetContext(ctx, &a, `SELECT * FROM agents WHERE id = $1`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agent repository: get: %w", err)
	}
	return &a, nil
}

// GetAgent satisfies worker.AgentStore.
func (r *Repository) GetAgent(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	return r.Get(ctx, agentID)
}

// ListForUser returns every agent owned by a user, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Agent, error) {
	var rows []models.Agent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM agents WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("agent repository: list for user: %w", err)
	}
	return rows, nil
}

// ListActiveAgents returns every agent in active status, across all users
// (§4.8 "Startup" / periodic resync).
func (r *Repository) ListActiveAgents(ctx context.Context) ([]models.Agent, error) {
	var rows []models.Agent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM agents WHERE status = $1`, models.AgentActive)
	if err != nil {
		return nil, fmt.Errorf("agent repository: list active agents: %w", err)
	}
	return rows, nil
}

// ActiveAgentsForAccount satisfies positions.AgentCapitalProvider: every
// active, paused or warning agent sharing an account, for capital allocation
// checks (§4.2.2).
func (r *Repository) ActiveAgentsForAccount(ctx context.Context, accountID uuid.UUID) ([]models.Agent, error) {
	var rows []models.Agent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM agents WHERE account_id = $1 AND status IN ($2, $3, $4)`,
		accountID, models.AgentActive, models.AgentPaused, models.AgentWarning)
	if err != nil {
		return nil, fmt.Errorf("agent repository: active agents for account: %w", err)
	}
	return rows, nil
}

// OpenPositionsMargin satisfies positions.AgentCapitalProvider: the total
// margin (size_usd / leverage) an agent currently has committed across its
// open and pending positions. Queries agent_positions directly rather than
// importing the positions package, which would create an import cycle
// (positions already depends on this interface).
func (r *Repository) OpenPositionsMargin(ctx context.Context, agentID uuid.UUID) (float64, error) {
	var margin float64
	err := r.db.GetContext(ctx, &margin, `
		SELECT COALESCE(SUM(size_usd / GREATEST(leverage, 1)), 0)
		FROM agent_positions
		WHERE agent_id = $1 AND status IN ('open', 'pending')`, agentID)
	if err != nil {
		return 0, fmt.Errorf("agent repository: open positions margin: %w", err)
	}
	return margin, nil
}

// UpdateStatus transitions an agent's status.
func (r *Repository) UpdateStatus(ctx context.Context, agentID uuid.UUID, status models.AgentStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`, agentID, status)
	if err != nil {
		return fmt.Errorf("agent repository: update status: %w", err)
	}
	return nil
}

// SetStatusError satisfies worker.AgentStore: marks an agent errored with a
// message, for the AgentWorker to call on a permanent failure or a tripped
// error window (§4.7).
func (r *Repository) SetStatusError(ctx context.Context, agentID uuid.UUID, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agents SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`,
		agentID, models.AgentError, message)
	if err != nil {
		return fmt.Errorf("agent repository: set status error: %w", err)
	}
	return nil
}

// RecordCycleSuccess satisfies worker.AgentStore: stamps the timestamps of a
// completed execution cycle (§4.7 step 3g).
func (r *Repository) RecordCycleSuccess(ctx context.Context, agentID uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agents SET last_run_at = $2, next_run_at = $3, updated_at = now() WHERE id = $1`,
		agentID, lastRunAt, nextRunAt)
	if err != nil {
		return fmt.Errorf("agent repository: record cycle success: %w", err)
	}
	return nil
}

// UpdateHeartbeat satisfies worker.AgentStore (§4.9).
func (r *Repository) UpdateHeartbeat(ctx context.Context, agentID uuid.UUID, instanceID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agents SET worker_heartbeat_at = $2, worker_instance_id = $3, updated_at = now()
		WHERE id = $1`, agentID, at, instanceID)
	if err != nil {
		return fmt.Errorf("agent repository: update heartbeat: %w", err)
	}
	return nil
}

// ClearHeartbeat satisfies worker.AgentStore: wipes the heartbeat on a
// graceful stop, so a stale-detector never flags an agent that exited
// cleanly (§4.9).
func (r *Repository) ClearHeartbeat(ctx context.Context, agentID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agents SET worker_heartbeat_at = NULL, worker_instance_id = NULL, updated_at = now()
		WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("agent repository: clear heartbeat: %w", err)
	}
	return nil
}

// ClearAllHeartbeatsForActiveAgents satisfies worker.AgentRegistry: run once
// at process startup so a crash-and-restart never leaves every active agent
// looking falsely "running" under the previous instance id (§4.8 "Startup").
func (r *Repository) ClearAllHeartbeatsForActiveAgents(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agents SET worker_heartbeat_at = NULL, worker_instance_id = NULL, updated_at = now()
		WHERE status = $1`, models.AgentActive)
	if err != nil {
		return fmt.Errorf("agent repository: clear all heartbeats: %w", err)
	}
	return nil
}

// StaleCandidate is an active agent whose heartbeat (or, absent one,
// last_run_at) is old enough to suspect its worker died without a clean
// shutdown (§4.9 "detect_stale_agents").
type StaleCandidate struct {
	ID                uuid.UUID  `db:"id"`
	WorkerHeartbeatAt *time.Time `db:"worker_heartbeat_at"`
	WorkerInstanceID  *string    `db:"worker_instance_id"`
	LastRunAt         *time.Time `db:"last_run_at"`
}

// DetectStale returns active agents whose heartbeat is older than timeout,
// or which never had a heartbeat but whose last_run_at is older than
// timeout, mirroring the original service's two-branch staleness check.
func (r *Repository) DetectStale(ctx context.Context, timeout time.Duration) ([]StaleCandidate, error) {
	cutoff := time.Now().Add(-timeout)
	var rows []StaleCandidate
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, worker_heartbeat_at, worker_instance_id, last_run_at
		FROM agents
		WHERE status = $1
		  AND (
		        (worker_heartbeat_at IS NOT NULL AND worker_heartbeat_at < $2)
		     OR (worker_heartbeat_at IS NULL AND last_run_at IS NOT NULL AND last_run_at < $2)
		      )`, models.AgentActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("agent repository: detect stale: %w", err)
	}
	return rows, nil
}

// RunningCandidate is the subset of Agent fields IsRunning needs to decide
// whether an agent's worker is currently alive (§4.9 "is_agent_running").
type RunningCandidate struct {
	Status            models.AgentStatus `db:"status"`
	WorkerHeartbeatAt *time.Time         `db:"worker_heartbeat_at"`
	UpdatedAt         time.Time          `db:"updated_at"`
}

// RunningState loads the fields IsRunning needs for a single agent.
func (r *Repository) RunningState(ctx context.Context, agentID uuid.UUID) (*RunningCandidate, error) {
	var c RunningCandidate
	err := r.db.GetContext(ctx, &c, `
		SELECT status, worker_heartbeat_at, updated_at FROM agents WHERE id = $1`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agent repository: running state: %w", err)
	}
	return &c, nil
}

// RecordTradeOutcome updates the running performance counters after a
// realized close (§4: total_pnl, total_trades, winning/losing_trades,
// max_drawdown).
func (r *Repository) RecordTradeOutcome(ctx context.Context, agentID uuid.UUID, realizedPnL float64) error {
	winning, losing := 0, 0
	if realizedPnL >= 0 {
		winning = 1
	} else {
		losing = 1
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE agents
		SET total_pnl = total_pnl + $2,
		    total_trades = total_trades + 1,
		    winning_trades = winning_trades + $3,
		    losing_trades = losing_trades + $4,
		    max_drawdown = GREATEST(max_drawdown, GREATEST(-$2, 0)),
		    updated_at = now()
		WHERE id = $1`, agentID, realizedPnL, winning, losing)
	if err != nil {
		return fmt.Errorf("agent repository: record trade outcome: %w", err)
	}
	return nil
}

// GetRuntimeState loads a quant engine's persisted runtime_state (§4.3), the
// narrow projection an engine needs to resume idempotently on its next
// cycle. Kept out of the Agent struct's whole-row mapping since nothing
// else touches this column.
func (r *Repository) GetRuntimeState(ctx context.Context, agentID uuid.UUID) (map[string]interface{}, error) {
	var raw []byte
	err := r.db.GetContext(ctx, &raw, `SELECT runtime_state FROM agents WHERE id = $1`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agent repository: get runtime state: %w", err)
	}
	state := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("agent repository: get runtime state: unmarshal: %w", err)
		}
	}
	return state, nil
}

// UpdateRuntimeState persists a quant engine's runtime_state back to its
// agent after every cycle (§4.3).
func (r *Repository) UpdateRuntimeState(ctx context.Context, agentID uuid.UUID, state map[string]interface{}) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("agent repository: update runtime state: marshal: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE agents SET runtime_state = $2, updated_at = now() WHERE id = $1`, agentID, raw)
	if err != nil {
		return fmt.Errorf("agent repository: update runtime state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("agent repository: update runtime state: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an agent record.
func (r *Repository) Delete(ctx context.Context, agentID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("agent repository: delete: %w", err)
	}
	return nil
}

// ErrNotFound is returned when an agent id has no matching row.
var ErrNotFound = errors.New("agent repository: not found")
