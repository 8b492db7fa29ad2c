package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle status of an Agent (§3).
type AgentStatus string

const (
	AgentDraft   AgentStatus = "draft"
	AgentActive  AgentStatus = "active"
	AgentPaused  AgentStatus = "paused"
	AgentStopped AgentStatus = "stopped"
	AgentError   AgentStatus = "error"
	AgentWarning AgentStatus = "warning"
)

// ExecutionMode selects between a live venue and the in-memory simulator.
type ExecutionMode string

const (
	ExecutionLive ExecutionMode = "live"
	ExecutionMock ExecutionMode = "mock"
)

// StrategyKind distinguishes AI-driven agents from rule-based quant agents.
type StrategyKind string

const (
	StrategyAI   StrategyKind = "ai"
	StrategyQuant StrategyKind = "quant"
)

// QuantStrategyType is the tag of a quant StrategyConfig union (§9).
type QuantStrategyType string

const (
	QuantGrid QuantStrategyType = "grid"
	QuantDCA  QuantStrategyType = "dca"
	QuantRSI  QuantStrategyType = "rsi"
)

// ConsensusMode selects how a debate's per-model votes are aggregated (§4.6).
type ConsensusMode string

const (
	ConsensusMajorityVote      ConsensusMode = "majority_vote"
	ConsensusHighestConfidence ConsensusMode = "highest_confidence"
	ConsensusWeightedAverage   ConsensusMode = "weighted_average"
	ConsensusUnanimous         ConsensusMode = "unanimous"
)

// UnownedAgentID is the well-known all-zero UUID used to attribute
// reconciliation orphans (exchange positions with no claiming agent), §4.2.3.
var UnownedAgentID = uuid.Nil

// Agent is a running trading instance bound to a strategy template, an
// optional account, an execution mode, an interval, and (for AI strategies)
// an LLM configuration (§3).
type Agent struct {
	ID         uuid.UUID   `db:"id" json:"id"`
	UserID     uuid.UUID   `db:"user_id" json:"user_id"`
	AccountID  *uuid.UUID  `db:"account_id" json:"account_id,omitempty"`
	StrategyID uuid.UUID   `db:"strategy_id" json:"strategy_id"`
	Status     AgentStatus `db:"status" json:"status"`

	ExecutionMode             ExecutionMode `db:"execution_mode" json:"execution_mode"`
	ExecutionIntervalMinutes  int           `db:"execution_interval_minutes" json:"execution_interval_minutes"`

	AllocatedCapital        *float64 `db:"allocated_capital" json:"allocated_capital,omitempty"`
	AllocatedCapitalPercent *float64 `db:"allocated_capital_percent" json:"allocated_capital_percent,omitempty"`

	AutoExecute          bool          `db:"auto_execute" json:"auto_execute"`
	AIModel              string        `db:"ai_model" json:"ai_model,omitempty"`
	DebateEnabled        bool          `db:"debate_enabled" json:"debate_enabled"`
	DebateModels         []string      `db:"debate_models" json:"debate_models,omitempty"`
	DebateConsensusMode  ConsensusMode `db:"debate_consensus_mode" json:"debate_consensus_mode,omitempty"`
	DebateMinParticipants int          `db:"debate_min_participants" json:"debate_min_participants,omitempty"`

	WorkerHeartbeatAt  *time.Time `db:"worker_heartbeat_at" json:"worker_heartbeat_at,omitempty"`
	WorkerInstanceID   *string    `db:"worker_instance_id" json:"worker_instance_id,omitempty"`

	LastRunAt *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`

	TotalPnL      float64 `db:"total_pnl" json:"total_pnl"`
	TotalTrades   int     `db:"total_trades" json:"total_trades"`
	WinningTrades int     `db:"winning_trades" json:"winning_trades"`
	LosingTrades  int     `db:"losing_trades" json:"losing_trades"`
	MaxDrawdown   float64 `db:"max_drawdown" json:"max_drawdown"`

	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Validate enforces the Agent invariants of §3.
func (a *Agent) Validate() error {
	if a.AllocatedCapital != nil && a.AllocatedCapitalPercent != nil {
		return errAgentDualAllocation
	}
	if a.Status == AgentActive && a.AccountID == nil && a.ExecutionMode != ExecutionMock {
		return errAgentActiveNeedsAccount
	}
	if a.ExecutionIntervalMinutes < 1 {
		return errAgentIntervalTooShort
	}
	return nil
}

// EffectiveCapital resolves the agent's applicable capital budget: the fixed
// allocation if set, else a percentage of equity, else "no limit" (nil).
func (a *Agent) EffectiveCapital(accountEquity float64) *float64 {
	if a.AllocatedCapital != nil {
		v := *a.AllocatedCapital
		return &v
	}
	if a.AllocatedCapitalPercent != nil {
		v := *a.AllocatedCapitalPercent * accountEquity
		return &v
	}
	return nil
}

// AgentPositionStatus is the lifecycle state of an AgentPosition (§3).
type AgentPositionStatus string

const (
	PositionPending AgentPositionStatus = "pending"
	PositionOpen    AgentPositionStatus = "open"
	PositionClosed  AgentPositionStatus = "closed"
)

// AgentPosition is the authoritative per-agent position record: one row per
// (agent, symbol) currently open or pending (§3).
type AgentPosition struct {
	ID        uuid.UUID           `db:"id" json:"id"`
	AgentID   uuid.UUID           `db:"agent_id" json:"agent_id"`
	AgentType StrategyKind        `db:"agent_type" json:"agent_type"`
	AccountID *uuid.UUID          `db:"account_id" json:"account_id,omitempty"`
	Symbol    string              `db:"symbol" json:"symbol"`
	Side      PositionSide        `db:"side" json:"side"`
	Size      float64             `db:"size" json:"size"`
	SizeUSD   float64             `db:"size_usd" json:"size_usd"`
	EntryPrice float64            `db:"entry_price" json:"entry_price"`
	Leverage  int                 `db:"leverage" json:"leverage"`
	Status    AgentPositionStatus `db:"status" json:"status"`

	OpenedAt    time.Time  `db:"opened_at" json:"opened_at"`
	ClosePrice  *float64   `db:"close_price" json:"close_price,omitempty"`
	RealizedPnL *float64   `db:"realized_pnl" json:"realized_pnl,omitempty"`
	ClosedAt    *time.Time `db:"closed_at" json:"closed_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsPendingStale reports whether a pending claim is garbage (§3: "pending
// records older than 5 minutes are garbage").
func (p *AgentPosition) IsPendingStale(now time.Time, maxAge time.Duration) bool {
	return p.Status == PositionPending && now.Sub(p.OpenedAt) > maxAge
}

type agentValidationError string

func (e agentValidationError) Error() string { return string(e) }

const (
	errAgentDualAllocation    agentValidationError = "agent: at most one of allocated_capital/allocated_capital_percent may be set"
	errAgentActiveNeedsAccount agentValidationError = "agent: active status requires account_id unless execution_mode is mock"
	errAgentIntervalTooShort  agentValidationError = "agent: execution_interval_minutes must be >= 1"
)
