package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StrategyTemplate is reusable strategy logic shared by many agents (§3).
// It is either type ai (prompt sections, watchlist, risk controls, timeframes)
// or type quant (a tagged-union QuantConfig by StrategyType).
type StrategyTemplate struct {
	ID   uuid.UUID    `db:"id" json:"id"`
	Name string       `db:"name" json:"name"`
	Kind StrategyKind `db:"kind" json:"kind"`

	// AI fields.
	PromptSections      map[string]string `db:"-" json:"prompt_sections,omitempty"`
	WatchlistSymbols     []string          `db:"-" json:"watchlist_symbols,omitempty"`
	RiskControls         RiskControls      `db:"-" json:"risk_controls,omitempty"`
	TradingMode          string            `db:"-" json:"trading_mode,omitempty"`
	Timeframes           []string          `db:"-" json:"timeframes,omitempty"`
	Language             string            `db:"-" json:"language,omitempty"`
	CustomInstructions   string            `db:"-" json:"custom_instructions,omitempty"`

	// Quant fields: StrategyType selects which of the *Config pointers is set.
	StrategyType QuantStrategyType `db:"strategy_type" json:"strategy_type,omitempty"`
	GridConfig   *GridConfig       `db:"-" json:"grid_config,omitempty"`
	DCAConfig    *DCAConfig        `db:"-" json:"dca_config,omitempty"`
	RSIConfig    *RSIConfig        `db:"-" json:"rsi_config,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Validate enforces the invariants a tagged union can't express in its
// field types alone: a quant template trades exactly one symbol (grid/dca/
// rsi have no concept of a watchlist), and its type-specific config must
// match StrategyType.
func (t *StrategyTemplate) Validate() error {
	switch t.Kind {
	case StrategyAI:
		if len(t.WatchlistSymbols) == 0 {
			return fmt.Errorf("strategy template: ai strategy requires at least one watchlist symbol")
		}
	case StrategyQuant:
		if len(t.WatchlistSymbols) != 1 {
			return fmt.Errorf("strategy template: quant strategy requires exactly one watchlist symbol, got %d", len(t.WatchlistSymbols))
		}
		switch t.StrategyType {
		case QuantGrid:
			if t.GridConfig == nil {
				return fmt.Errorf("strategy template: grid strategy missing grid_config")
			}
			return t.GridConfig.Validate()
		case QuantDCA:
			if t.DCAConfig == nil {
				return fmt.Errorf("strategy template: dca strategy missing dca_config")
			}
			return t.DCAConfig.Validate()
		case QuantRSI:
			if t.RSIConfig == nil {
				return fmt.Errorf("strategy template: rsi strategy missing rsi_config")
			}
			return t.RSIConfig.Validate()
		default:
			return fmt.Errorf("strategy template: unknown strategy type %q", t.StrategyType)
		}
	default:
		return fmt.Errorf("strategy template: unknown kind %q", t.Kind)
	}
	return nil
}

// Symbol returns the single traded symbol for a quant template (§4.3).
// Callers must only call this after Validate has confirmed exactly one
// watchlist entry.
func (t *StrategyTemplate) Symbol() string {
	if len(t.WatchlistSymbols) == 0 {
		return ""
	}
	return t.WatchlistSymbols[0]
}

// GridConfig is the GridEngine's per-type config schema (§4.3.2).
type GridConfig struct {
	UpperPrice      float64 `json:"upper_price"`
	LowerPrice      float64 `json:"lower_price"`
	GridCount       int     `json:"grid_count"`
	TotalInvestment float64 `json:"total_investment"`
	Leverage        int     `json:"leverage"`
}

// Validate enforces §4.3.2's schema validator.
func (c *GridConfig) Validate() error {
	if c.UpperPrice <= c.LowerPrice {
		return fmt.Errorf("grid: upper_price must exceed lower_price")
	}
	if c.GridCount < 2 || c.GridCount > 200 {
		return fmt.Errorf("grid: grid_count must be in [2, 200]")
	}
	if c.TotalInvestment <= 0 {
		return fmt.Errorf("grid: total_investment must be positive")
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.Leverage > 50 {
		return fmt.Errorf("grid: leverage must be in [1, 50]")
	}
	return nil
}

// DCAConfig is the DCAEngine's per-type config schema (§4.3.3).
type DCAConfig struct {
	OrderAmount      float64 `json:"order_amount"`
	IntervalMinutes  int     `json:"interval_minutes"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
	TotalBudget      float64 `json:"total_budget"` // 0 = unlimited
	MaxOrders        int     `json:"max_orders"`   // 0 = unlimited
}

// Validate enforces §4.3.3's schema validator, filling in documented defaults.
func (c *DCAConfig) Validate() error {
	if c.OrderAmount <= 0 {
		return fmt.Errorf("dca: order_amount must be positive")
	}
	if c.IntervalMinutes < 1 {
		return fmt.Errorf("dca: interval_minutes must be at least 1")
	}
	if c.TakeProfitPercent <= 0 {
		c.TakeProfitPercent = 5
	}
	return nil
}

// RSIConfig is the RSIEngine's per-type config schema (§4.3.4).
type RSIConfig struct {
	RSIPeriod           int     `json:"rsi_period"`
	OverboughtThreshold float64 `json:"overbought_threshold"`
	OversoldThreshold   float64 `json:"oversold_threshold"`
	OrderAmount         float64 `json:"order_amount"`
	Timeframe           string  `json:"timeframe"`
	Leverage            int     `json:"leverage"`
}

// Validate enforces §4.3.4's schema validator, filling in documented defaults.
func (c *RSIConfig) Validate() error {
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.OverboughtThreshold == 0 {
		c.OverboughtThreshold = 70
	}
	if c.OversoldThreshold == 0 {
		c.OversoldThreshold = 30
	}
	if c.OverboughtThreshold <= c.OversoldThreshold {
		return fmt.Errorf("rsi: overbought_threshold must exceed oversold_threshold")
	}
	if c.OrderAmount <= 0 {
		return fmt.Errorf("rsi: order_amount must be positive")
	}
	if c.Timeframe == "" {
		c.Timeframe = "1h"
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	return nil
}
