package quant

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tradingrun/agentrun/pkg/models"
)

func TestDCAEngineFirstOrder(t *testing.T) {
	ft := &fakeTrader{price: 100}
	b := newBase(uuid.New(), nil, "ETH/USDT", ft, nil, nil, nil)
	d := NewDCAEngine(b, models.DCAConfig{OrderAmount: 50, IntervalMinutes: 60, TakeProfitPercent: 5})

	result, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TradesExecuted != 1 {
		t.Fatalf("expected first cycle to place an order, got %d trades: %s", result.TradesExecuted, result.Message)
	}

	ordersPlaced, _ := d.runtimeState["orders_placed"].(int)
	if ordersPlaced != 1 {
		t.Errorf("expected orders_placed=1, got %d", ordersPlaced)
	}
}

func TestDCAEngineIntervalGating(t *testing.T) {
	ft := &fakeTrader{price: 100}
	b := newBase(uuid.New(), nil, "ETH/USDT", ft, nil, nil, nil)
	d := NewDCAEngine(b, models.DCAConfig{OrderAmount: 50, IntervalMinutes: 60, TakeProfitPercent: 5})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TradesExecuted != 0 {
		t.Errorf("expected interval to gate the second order, got %d trades", result.TradesExecuted)
	}
}

func TestDCAEngineMaxOrdersGating(t *testing.T) {
	ft := &fakeTrader{price: 100}
	b := newBase(uuid.New(), nil, "ETH/USDT", ft, nil, nil, nil)
	d := NewDCAEngine(b, models.DCAConfig{OrderAmount: 50, IntervalMinutes: 60, TakeProfitPercent: 5, MaxOrders: 1})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Force the interval gate open so max_orders is the thing under test.
	d.runtimeState["last_order_time"] = time.Now().Add(-2 * time.Hour)

	result, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TradesExecuted != 0 {
		t.Errorf("expected max_orders to gate further buys, got %d trades", result.TradesExecuted)
	}
}

func TestDCAEngineTakeProfitCloses(t *testing.T) {
	ft := &fakeTrader{price: 100}
	b := newBase(uuid.New(), nil, "ETH/USDT", ft, nil, nil, nil)
	d := NewDCAEngine(b, models.DCAConfig{OrderAmount: 50, IntervalMinutes: 60, TakeProfitPercent: 5})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ft.price = 110 // +10%, above the 5% take-profit threshold
	result, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TradesExecuted != 1 {
		t.Fatalf("expected take-profit close, got %d trades: %s", result.TradesExecuted, result.Message)
	}
	if result.PnLChange <= 0 {
		t.Errorf("expected positive realized pnl, got %f", result.PnLChange)
	}

	avgSize, _ := d.runtimeState["avg_size"].(float64)
	if avgSize != 0 {
		t.Errorf("expected position state reset after take-profit close, got avg_size=%f", avgSize)
	}
}
