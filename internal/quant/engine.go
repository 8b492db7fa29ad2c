// Package quant implements the rule-based strategy engines: grid trading,
// dollar-cost averaging, and RSI threshold trading (§4.3). Each engine's
// RunCycle is called periodically by an AgentWorker.
package quant

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tradingrun/agentrun/internal/positions"
	"github.com/tradingrun/agentrun/internal/trader"
	"github.com/tradingrun/agentrun/pkg/models"
)

// CycleResult summarizes one RunCycle invocation (§4.3).
type CycleResult struct {
	Success        bool
	TradesExecuted int
	PnLChange      float64
	TotalSizeUSD   float64
	Message        string
}

// Engine is the capability every quant strategy implements.
type Engine interface {
	RunCycle(ctx context.Context) (*CycleResult, error)
	State() map[string]interface{}
}

// base holds the fields and position-isolation helpers shared by every
// concrete engine, grounded in QuantEngineBase (§4.3).
type base struct {
	agentID   uuid.UUID
	accountID *uuid.UUID
	symbol    string
	trader    trader.Trader
	positions *positions.Service
	agent     *models.Agent

	cachedEquity *float64
	runtimeState map[string]interface{}
}

func newBase(agentID uuid.UUID, accountID *uuid.UUID, symbol string, t trader.Trader, ps *positions.Service, agent *models.Agent, state map[string]interface{}) base {
	if state == nil {
		state = map[string]interface{}{}
	}
	return base{
		agentID:      agentID,
		accountID:    accountID,
		symbol:       symbol,
		trader:       t,
		positions:    ps,
		agent:        agent,
		runtimeState: state,
	}
}

func (b *base) State() map[string]interface{} { return b.runtimeState }

// currentPrice fetches the market price, erroring on non-positive reads.
func (b *base) currentPrice(ctx context.Context) (float64, error) {
	price, err := b.trader.GetMarketPrice(ctx, b.symbol)
	if err != nil {
		return 0, fmt.Errorf("quant engine: get market price: %w", err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("quant engine: invalid market price for %s: %v", b.symbol, price)
	}
	return price, nil
}

// openWithIsolation claims the symbol slot when an account is configured
// (with a capital check when the agent record is also set), places the
// order, and confirms or accumulates the
// claim on success, releasing it on failure. On exception-class order
// failures where the exchange nonetheless shows a position, the claim is
// confirmed rather than released to avoid an untracked position (§4.2,
// §4.3 "claim-then-execute").
func (b *base) openWithIsolation(ctx context.Context, sizeUSD float64, leverage int, side models.PositionSide) (*models.OrderResult, error) {
	var claim *models.AgentPosition
	isExistingPosition := false

	if b.positions != nil && b.accountID != nil {
		var err error
		if b.agent != nil {
			if b.cachedEquity == nil {
				state, stateErr := b.trader.GetAccountState(ctx)
				if stateErr != nil {
					return nil, fmt.Errorf("quant engine: get account state: %w", stateErr)
				}
				equity := state.Equity.InexactFloat64()
				b.cachedEquity = &equity
			}
			claim, err = b.positions.ClaimWithCapitalCheck(ctx, b.agentID, models.StrategyQuant, *b.accountID, b.symbol, side, leverage, *b.cachedEquity, sizeUSD, b.agent)
		} else {
			claim, err = b.positions.ClaimPosition(ctx, b.agentID, models.StrategyQuant, *b.accountID, b.symbol, side, leverage)
		}

		if err != nil {
			return &models.OrderResult{Success: false, Error: err.Error()}, nil
		}
		isExistingPosition = claim.Status == models.PositionOpen
	}

	var result *models.OrderResult
	var err error
	if side == models.PositionLong {
		result, err = b.trader.OpenLong(ctx, b.symbol, sizeUSD, leverage, nil, nil)
	} else {
		result, err = b.trader.OpenShort(ctx, b.symbol, sizeUSD, leverage, nil, nil)
	}
	if err != nil {
		if b.positions != nil && claim != nil && !isExistingPosition {
			b.recoverFailedClaim(ctx, claim)
		}
		return nil, err
	}

	if b.positions != nil && claim != nil {
		if result.Success {
			size := result.FilledSize.InexactFloat64()
			fillPrice := result.FilledPrice.InexactFloat64()
			if isExistingPosition {
				_ = b.positions.AccumulatePosition(ctx, claim.ID, size, sizeUSD, fillPrice)
			} else {
				_ = b.positions.ConfirmPosition(ctx, claim.ID, size, sizeUSD, fillPrice)
			}
		} else if !isExistingPosition {
			_ = b.positions.ReleaseClaim(ctx, claim.ID)
		}
	}

	return result, nil
}

// recoverFailedClaim checks whether the exchange nonetheless opened a
// position despite the order call erroring, confirming the claim instead of
// releasing it when so (§4.3 "claim-then-execute" exception path).
func (b *base) recoverFailedClaim(ctx context.Context, claim *models.AgentPosition) {
	pos, posErr := b.trader.GetPosition(ctx, b.symbol)
	if posErr == nil && pos != nil && pos.Size.IsPositive() {
		_ = b.positions.ConfirmPosition(ctx, claim.ID, pos.Size.InexactFloat64(),
			pos.Size.Mul(pos.CurrentPrice).InexactFloat64(), pos.EntryPrice.InexactFloat64())
		return
	}
	_ = b.positions.ReleaseClaim(ctx, claim.ID)
}

// closeWithIsolation closes the engine's position and marks the position
// record closed on success.
func (b *base) closeWithIsolation(ctx context.Context) (*models.OrderResult, error) {
	var record *models.AgentPosition
	if b.positions != nil {
		owner, err := b.positions.PositionForSymbol(ctx, b.agentID, b.symbol)
		if err == nil {
			record = owner
		}
	}

	result, err := b.trader.ClosePosition(ctx, b.symbol)
	if err != nil {
		return nil, err
	}

	if b.positions != nil && record != nil && result.Success {
		_ = b.positions.ClosePosition(ctx, record.ID, result.FilledPrice.InexactFloat64(), 0)
	}
	return result, nil
}
