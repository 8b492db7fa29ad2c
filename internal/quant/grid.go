package quant

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tradingrun/agentrun/pkg/models"
)

// GridEngine creates a grid of buy/sell levels within a price range and
// profits from price oscillation (§4.3.2).
type GridEngine struct {
	base
	cfg models.GridConfig
}

// NewGridEngine builds a GridEngine. runtimeState may be nil on first run.
func NewGridEngine(b base, cfg models.GridConfig) *GridEngine {
	return &GridEngine{base: b, cfg: cfg}
}

func (g *GridEngine) RunCycle(ctx context.Context) (*CycleResult, error) {
	if g.cfg.UpperPrice <= g.cfg.LowerPrice {
		return &CycleResult{Success: false, Message: "upper_price must be > lower_price"}, nil
	}
	if g.cfg.GridCount < 1 {
		return &CycleResult{Success: false, Message: "grid_count must be >= 1"}, nil
	}

	gridStep := (g.cfg.UpperPrice - g.cfg.LowerPrice) / float64(g.cfg.GridCount)
	amountPerGrid := g.cfg.TotalInvestment / float64(g.cfg.GridCount)

	currentPrice, err := g.currentPrice(ctx)
	if err != nil {
		return &CycleResult{Success: false, Message: err.Error()}, nil
	}

	configHash := fmt.Sprintf("%v:%v:%v", g.cfg.UpperPrice, g.cfg.LowerPrice, g.cfg.GridCount)
	state := g.runtimeState
	if initialized, _ := state["initialized"].(bool); !initialized || stateHash(state) != configHash {
		levels := make([]float64, 0, g.cfg.GridCount+1)
		for i := 0; i <= g.cfg.GridCount; i++ {
			levels = append(levels, round2(g.cfg.LowerPrice+float64(i)*gridStep))
		}
		state = map[string]interface{}{
			"initialized":    true,
			"config_hash":    configHash,
			"grid_levels":    levels,
			"filled_buys":    map[string]bool{},
			"filled_sells":   map[string]bool{},
			"total_invested": 0.0,
			"total_returned": 0.0,
		}
		g.runtimeState = state
	}

	levels, _ := state["grid_levels"].([]float64)
	filledBuys, _ := state["filled_buys"].(map[string]bool)
	filledSells, _ := state["filled_sells"].(map[string]bool)
	if filledBuys == nil {
		filledBuys = map[string]bool{}
	}
	if filledSells == nil {
		filledSells = map[string]bool{}
	}

	tradesExecuted := 0
	pnlChange := 0.0
	totalSizeUSD := 0.0

	for i, level := range levels {
		key := fmt.Sprintf("%d", i)

		switch {
		case currentPrice <= level && !filledBuys[key]:
			leverage := g.cfg.Leverage
			if leverage <= 0 {
				leverage = 1
			}
			result, err := g.openWithIsolation(ctx, amountPerGrid, leverage, models.PositionLong)
			if err == nil && result.Success {
				filledBuys[key] = true
				tradesExecuted++
				totalSizeUSD += amountPerGrid
				state["total_invested"] = state["total_invested"].(float64) + amountPerGrid
			}

		case currentPrice >= level+gridStep && filledBuys[key] && !filledSells[key]:
			result, err := g.closeWithIsolation(ctx)
			if err == nil && result.Success {
				filledSells[key] = true
				tradesExecuted++
				totalSizeUSD += amountPerGrid
				profit := 0.0
				if level > 0 {
					profit = amountPerGrid * (gridStep / level)
				}
				pnlChange += profit
				state["total_returned"] = state["total_returned"].(float64) + amountPerGrid + profit
			}
		}
	}

	state["filled_buys"] = filledBuys
	state["filled_sells"] = filledSells
	state["last_price"] = currentPrice
	state["last_check"] = time.Now()
	g.runtimeState = state

	return &CycleResult{
		Success:        true,
		TradesExecuted: tradesExecuted,
		PnLChange:      pnlChange,
		TotalSizeUSD:   totalSizeUSD,
		Message:        fmt.Sprintf("grid check: price=%.2f, trades=%d", currentPrice, tradesExecuted),
	}, nil
}

func stateHash(state map[string]interface{}) string {
	v, _ := state["config_hash"].(string)
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
