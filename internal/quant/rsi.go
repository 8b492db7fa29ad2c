package quant

import (
	"context"
	"fmt"

	"github.com/tradingrun/agentrun/pkg/models"
)

// RSIEngine buys when RSI drops below the oversold threshold and sells when
// it rises above the overbought threshold (§4.3.4).
type RSIEngine struct {
	base
	cfg models.RSIConfig
}

// NewRSIEngine builds an RSIEngine. runtimeState may be nil on first run.
func NewRSIEngine(b base, cfg models.RSIConfig) *RSIEngine {
	return &RSIEngine{base: b, cfg: cfg}
}

func (r *RSIEngine) RunCycle(ctx context.Context) (*CycleResult, error) {
	state := r.runtimeState
	if initialized, _ := state["initialized"].(bool); !initialized {
		state = map[string]interface{}{
			"initialized":       true,
			"has_position":      false,
			"entry_price":       0.0,
			"position_size_usd": 0.0,
		}
		r.runtimeState = state
	}

	currentPrice, err := r.currentPrice(ctx)
	if err != nil {
		return &CycleResult{Success: false, Message: err.Error()}, nil
	}

	rsiValue, err := r.calculateRSI(ctx, r.cfg.Timeframe, r.cfg.RSIPeriod)
	if err != nil || rsiValue == nil {
		state["last_price"] = currentPrice
		return &CycleResult{Success: true, Message: "insufficient data for RSI calculation"}, nil
	}

	hasPosition, _ := state["has_position"].(bool)

	// Reconcile has_position with actual exchange state to prevent drift
	// from a manual close, liquidation, or close by another strategy.
	if actualPos, posErr := r.trader.GetPosition(ctx, r.symbol); posErr == nil {
		actualHasPosition := actualPos != nil && actualPos.Size.IsPositive()
		switch {
		case hasPosition && !actualHasPosition:
			state["has_position"] = false
			state["entry_price"] = 0.0
			state["position_size_usd"] = 0.0
			hasPosition = false
		case !hasPosition && actualHasPosition:
			state["has_position"] = true
			state["entry_price"] = actualPos.EntryPrice.InexactFloat64()
			state["position_size_usd"] = actualPos.Size.Mul(actualPos.EntryPrice).InexactFloat64()
			hasPosition = true
		}
	}
	state["last_rsi"] = *rsiValue

	tradesExecuted := 0
	pnlChange := 0.0
	totalSizeUSD := 0.0

	switch {
	case *rsiValue <= r.cfg.OversoldThreshold && !hasPosition:
		leverage := r.cfg.Leverage
		if leverage <= 0 {
			leverage = 1
		}
		result, openErr := r.openWithIsolation(ctx, r.cfg.OrderAmount, leverage, models.PositionLong)
		if openErr == nil && result.Success {
			tradesExecuted++
			totalSizeUSD += r.cfg.OrderAmount
			actualEntry := currentPrice
			if result.FilledPrice.IsPositive() {
				actualEntry = result.FilledPrice.InexactFloat64()
			}
			state["has_position"] = true
			state["entry_price"] = actualEntry
			state["position_size_usd"] = r.cfg.OrderAmount
			state["last_signal"] = "buy"
		}

	case *rsiValue >= r.cfg.OverboughtThreshold && hasPosition:
		entryPrice, _ := state["entry_price"].(float64)
		positionSize, _ := state["position_size_usd"].(float64)

		result, closeErr := r.closeWithIsolation(ctx)
		if closeErr == nil && result.Success {
			tradesExecuted++
			totalSizeUSD += positionSize
			actualClose := currentPrice
			if result.FilledPrice.IsPositive() {
				actualClose = result.FilledPrice.InexactFloat64()
			}
			if entryPrice > 0 {
				pnlChange = positionSize * ((actualClose - entryPrice) / entryPrice)
			}
			state["has_position"] = false
			state["entry_price"] = 0.0
			state["position_size_usd"] = 0.0
			state["last_signal"] = "sell"
		}
	}

	state["last_price"] = currentPrice
	r.runtimeState = state

	return &CycleResult{
		Success:        true,
		TradesExecuted: tradesExecuted,
		PnLChange:      pnlChange,
		TotalSizeUSD:   totalSizeUSD,
		Message:        fmt.Sprintf("RSI=%.1f, price=%.2f, trades=%d", *rsiValue, currentPrice, tradesExecuted),
	}, nil
}

// calculateRSI computes Wilder's smoothed RSI from recent klines. The
// smoothing recursion must match Python's iterative average exactly, so it
// is hand-rolled rather than delegated to a library implementation.
func (r *RSIEngine) calculateRSI(ctx context.Context, timeframe string, period int) (*float64, error) {
	klines, err := r.trader.GetKlines(ctx, r.symbol, timeframe, period+10)
	if err != nil {
		return nil, fmt.Errorf("rsi engine: get klines: %w", err)
	}
	if len(klines) < period+1 {
		return nil, nil
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close.InexactFloat64()
	}

	deltas := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		deltas[i-1] = closes[i] - closes[i-1]
	}

	gains := make([]float64, len(deltas))
	losses := make([]float64, len(deltas))
	for i, d := range deltas {
		if d > 0 {
			gains[i] = d
		} else {
			losses[i] = -d
		}
	}

	var avgGain, avgLoss float64
	for i := 0; i < period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		rsi := 100.0
		return &rsi, nil
	}

	rs := avgGain / avgLoss
	rsi := round2(100.0 - (100.0 / (1.0 + rs)))
	return &rsi, nil
}
