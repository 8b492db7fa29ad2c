package models

import (
	"time"

	"github.com/google/uuid"
)

// ActionType is the closed enumeration of trading actions a decision may
// carry (§9 "Decision schema").
type ActionType string

const (
	ActionOpenLong   ActionType = "open_long"
	ActionOpenShort  ActionType = "open_short"
	ActionCloseLong  ActionType = "close_long"
	ActionCloseShort ActionType = "close_short"
	ActionHold       ActionType = "hold"
	ActionWait       ActionType = "wait"
)

// RiskControls are hard limits enforced by the decision parser and the AI
// engine's execution step regardless of what the model suggests (§4.5).
type RiskControls struct {
	MaxLeverage            int     `json:"max_leverage"`
	MaxPositionRatio       float64 `json:"max_position_ratio"`
	MaxTotalExposure       float64 `json:"max_total_exposure"`
	MinRiskRewardRatio     float64 `json:"min_risk_reward_ratio"`
	MaxDrawdownPercent     float64 `json:"max_drawdown_percent"`
	MinConfidence          int     `json:"min_confidence"`
	DefaultSLATRMultiplier float64 `json:"default_sl_atr_multiplier"`
	DefaultTPATRMultiplier float64 `json:"default_tp_atr_multiplier"`
	MaxSLPercent           float64 `json:"max_sl_percent"`
}

// DefaultRiskControls mirrors the original defaults.
func DefaultRiskControls() RiskControls {
	return RiskControls{
		MaxLeverage:            5,
		MaxPositionRatio:       0.2,
		MaxTotalExposure:       0.8,
		MinRiskRewardRatio:     2.0,
		MaxDrawdownPercent:     0.1,
		MinConfidence:          60,
		DefaultSLATRMultiplier: 1.5,
		DefaultTPATRMultiplier: 3.0,
		MaxSLPercent:           0.10,
	}
}

// TradingDecision is a single action the model wants to take on a symbol
// (§4.5).
type TradingDecision struct {
	Symbol           string     `json:"symbol"`
	Action           ActionType `json:"action"`
	Leverage         int        `json:"leverage"`
	PositionSizeUSD  float64    `json:"position_size_usd"`
	EntryPrice       *float64   `json:"entry_price,omitempty"`
	StopLoss         *float64   `json:"stop_loss,omitempty"`
	TakeProfit       *float64   `json:"take_profit,omitempty"`
	Confidence       int        `json:"confidence"`
	RiskUSD          float64    `json:"risk_usd"`
	Reasoning        string     `json:"reasoning"`
}

// ShouldExecute reports whether a decision clears the confidence bar and
// isn't a no-op action, with a human-readable reason when it is skipped
// (§4.5 "should_execute filter", supplemented from decision_parser.py).
func (d *TradingDecision) ShouldExecute(minConfidence int) (bool, string) {
	if d.Action == ActionHold || d.Action == ActionWait {
		return false, "action is " + string(d.Action)
	}
	if d.Confidence < minConfidence {
		return false, "confidence below minimum threshold"
	}
	if isOpenAction(d.Action) && d.PositionSizeUSD <= 0 {
		return false, "position size is zero"
	}
	return true, ""
}

func isOpenAction(a ActionType) bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

func isCloseAction(a ActionType) bool {
	return a == ActionCloseLong || a == ActionCloseShort
}

// DecisionResponse is the validated output of the decision parser (§4.5).
type DecisionResponse struct {
	ChainOfThought     string             `json:"chain_of_thought"`
	MarketAssessment   string             `json:"market_assessment"`
	Decisions          []TradingDecision  `json:"decisions"`
	RiskControls       RiskControls       `json:"risk_controls"`
	OverallConfidence  int                `json:"overall_confidence"`
	NextReviewMinutes  int                `json:"next_review_minutes"`
}

// DecisionExecutionResult records the outcome of dispatching one
// TradingDecision to the trader (§4.4 step 7/8).
type DecisionExecutionResult struct {
	Symbol      string  `json:"symbol"`
	Action      ActionType `json:"action"`
	Success     bool    `json:"success"`
	SkippedReason string `json:"skipped_reason,omitempty"`
	OrderID     string  `json:"order_id,omitempty"`
	FilledSize  float64 `json:"filled_size,omitempty"`
	FilledPrice float64 `json:"filled_price,omitempty"`
	RealizedPnL *float64 `json:"realized_pnl,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// DecisionRecord is the append-only audit row persisted every cycle, even
// skipped ones (§3).
type DecisionRecord struct {
	ID        uuid.UUID `db:"id" json:"id"`
	AgentID   uuid.UUID `db:"agent_id" json:"agent_id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`

	SystemPrompt string `db:"system_prompt" json:"system_prompt"`
	UserPrompt   string `db:"user_prompt" json:"user_prompt"`
	RawResponse  string `db:"raw_response" json:"raw_response"`

	ChainOfThought    string            `db:"chain_of_thought" json:"chain_of_thought"`
	MarketAssessment  string            `db:"market_assessment" json:"market_assessment"`
	Decisions         []TradingDecision `db:"decisions" json:"decisions"`
	OverallConfidence int               `db:"overall_confidence" json:"overall_confidence"`

	ExecutionResults []DecisionExecutionResult `db:"execution_results" json:"execution_results"`

	AIModel    string `db:"ai_model" json:"ai_model"`
	TokensUsed int    `db:"tokens_used" json:"tokens_used"`
	LatencyMs  int    `db:"latency_ms" json:"latency_ms"`

	IsDebate              bool          `db:"is_debate" json:"is_debate"`
	DebateModels          []string      `db:"debate_models" json:"debate_models,omitempty"`
	DebateResponses       []string      `db:"debate_responses" json:"debate_responses,omitempty"`
	DebateConsensusMode   ConsensusMode `db:"debate_consensus_mode" json:"debate_consensus_mode,omitempty"`
	DebateAgreementScore  float64       `db:"debate_agreement_score" json:"debate_agreement_score,omitempty"`

	MarketContextSnapshot string `db:"market_context_snapshot" json:"market_context_snapshot,omitempty"`
	AccountStateSnapshot  string `db:"account_state_snapshot" json:"account_state_snapshot,omitempty"`

	Error string `db:"error" json:"error,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
