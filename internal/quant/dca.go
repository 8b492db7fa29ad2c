package quant

import (
	"context"
	"fmt"
	"time"

	"github.com/tradingrun/agentrun/pkg/models"
)

// DCAEngine places fixed-size buys on an interval, closing the whole
// position once a take-profit percentage is reached (§4.3.3).
type DCAEngine struct {
	base
	cfg models.DCAConfig
}

// NewDCAEngine builds a DCAEngine. runtimeState may be nil on first run.
func NewDCAEngine(b base, cfg models.DCAConfig) *DCAEngine {
	return &DCAEngine{base: b, cfg: cfg}
}

func (d *DCAEngine) RunCycle(ctx context.Context) (*CycleResult, error) {
	state := d.runtimeState
	totalInvested, _ := state["total_invested"].(float64)
	ordersPlaced, _ := state["orders_placed"].(int)
	avgCost, _ := state["avg_cost"].(float64)
	avgSize, _ := state["avg_size"].(float64)

	currentPrice, err := d.currentPrice(ctx)
	if err != nil {
		return &CycleResult{Success: false, Message: err.Error()}, nil
	}

	// Take-profit check: close the whole position if already open.
	if avgSize > 0 && avgCost > 0 {
		pnlPct := (currentPrice - avgCost) / avgCost * 100
		if pnlPct >= d.cfg.TakeProfitPercent {
			result, err := d.closeWithIsolation(ctx)
			if err != nil {
				return &CycleResult{Success: false, Message: err.Error()}, nil
			}
			if result.Success {
				realizedPnL := avgSize * avgCost * (pnlPct / 100)
				state["total_invested"] = 0.0
				state["orders_placed"] = 0
				state["avg_cost"] = 0.0
				state["avg_size"] = 0.0
				d.runtimeState = state
				return &CycleResult{
					Success:        true,
					TradesExecuted: 1,
					PnLChange:      realizedPnL,
					TotalSizeUSD:   avgSize * avgCost,
					Message:        fmt.Sprintf("dca take-profit at %.2f%%, closed", pnlPct),
				}, nil
			}
		}
	}

	// Budget / max-orders gating.
	if d.cfg.TotalBudget > 0 && totalInvested+d.cfg.OrderAmount > d.cfg.TotalBudget {
		return &CycleResult{Success: true, Message: "dca: budget exhausted, skipping"}, nil
	}
	if d.cfg.MaxOrders > 0 && ordersPlaced >= d.cfg.MaxOrders {
		return &CycleResult{Success: true, Message: "dca: max_orders reached, skipping"}, nil
	}

	// Interval enforcement.
	if lastOrder, ok := state["last_order_time"].(time.Time); ok {
		interval := time.Duration(d.cfg.IntervalMinutes) * time.Minute
		if time.Since(lastOrder) < interval {
			return &CycleResult{Success: true, Message: "dca: interval not yet elapsed"}, nil
		}
	}

	result, err := d.openWithIsolation(ctx, d.cfg.OrderAmount, 1, models.PositionLong)
	if err != nil {
		return &CycleResult{Success: false, Message: err.Error()}, nil
	}
	if !result.Success {
		return &CycleResult{Success: true, Message: "dca: order rejected"}, nil
	}

	filledSize := result.FilledSize.InexactFloat64()
	filledPrice := result.FilledPrice.InexactFloat64()

	newTotalSize := avgSize + filledSize
	newAvgCost := filledPrice
	if newTotalSize > 0 {
		newAvgCost = (avgSize*avgCost + filledSize*filledPrice) / newTotalSize
	}

	state["total_invested"] = totalInvested + d.cfg.OrderAmount
	state["orders_placed"] = ordersPlaced + 1
	state["avg_cost"] = newAvgCost
	state["avg_size"] = newTotalSize
	state["last_order_time"] = time.Now()
	d.runtimeState = state

	return &CycleResult{
		Success:        true,
		TradesExecuted: 1,
		TotalSizeUSD:   d.cfg.OrderAmount,
		Message:        fmt.Sprintf("dca: order #%d placed at %.2f", ordersPlaced+1, filledPrice),
	}, nil
}
