package aiengine

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/tradingrun/agentrun/internal/aiclient"
	"github.com/tradingrun/agentrun/pkg/models"
)

func testAgent() *models.Agent {
	return &models.Agent{
		ID:                       uuid.New(),
		ExecutionIntervalMinutes: 15,
		AIModel:                  "gpt-4-turbo-preview",
	}
}

func defaultRiskLimits() RiskConfigLimits {
	return RiskConfigLimits{
		MaxPositionRatio:     0.3,
		MinOrderNotionalUSD:  10,
		AccountCapitalCapPct: 0.95,
	}
}

func TestRunCycleFatalRiskGate(t *testing.T) {
	ft := newFakeTrader()
	ft.equity = 0
	client := aiclient.NewMockClient("gpt-4-turbo-preview", "")

	e := NewEngine(Dependencies{
		Trader:     ft,
		AIClient:   client,
		Risk:       models.DefaultRiskControls(),
		RiskConfig: defaultRiskLimits(),
	})

	tpl := testTemplate()
	result := e.RunCycle(context.Background(), testAgent(), tpl, nil)

	if !result.Skipped {
		t.Fatal("expected the cycle to be skipped on zero equity")
	}
	if result.SkippedReason == "" {
		t.Error("expected a skipped reason to be recorded")
	}
}

func TestRunCycleOpensPosition(t *testing.T) {
	ft := newFakeTrader()
	ft.prices["BTCUSDT"] = 50000
	ft.prices["ETHUSDT"] = 3000
	ft.klines["BTCUSDT"] = makeCandles("BTCUSDT", 60, 49000, 10)
	ft.klines["ETHUSDT"] = makeCandles("ETHUSDT", 60, 2900, 1)

	response := `{"chain_of_thought":"trend looks strong","market_assessment":"bullish",` +
		`"decisions":[{"symbol":"BTCUSDT","action":"open_long","leverage":2,` +
		`"position_size_usd":500,"confidence":80,"reasoning":"momentum"}],` +
		`"overall_confidence":80,"next_review_minutes":30}`
	client := aiclient.NewMockClient("gpt-4-turbo-preview", response)

	e := NewEngine(Dependencies{
		Trader:     ft,
		AIClient:   client,
		Risk:       models.DefaultRiskControls(),
		RiskConfig: defaultRiskLimits(),
	})

	tpl := testTemplate()
	result := e.RunCycle(context.Background(), testAgent(), tpl, nil)

	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if len(result.ExecutionResults) != 1 {
		t.Fatalf("expected 1 execution result, got %d", len(result.ExecutionResults))
	}
	exec := result.ExecutionResults[0]
	if !exec.Success {
		t.Fatalf("expected the open to succeed, got error %q skipped %q", exec.Error, exec.SkippedReason)
	}
	if _, ok := ft.positions["BTCUSDT"]; !ok {
		t.Error("expected a position to be opened on the fake trader")
	}
}

func TestRunCycleSkipsSymbolOffWatchlist(t *testing.T) {
	ft := newFakeTrader()
	ft.prices["BTCUSDT"] = 50000
	ft.klines["BTCUSDT"] = makeCandles("BTCUSDT", 60, 49000, 10)

	response := `{"decisions":[{"symbol":"SOLUSDT","action":"open_long","leverage":1,` +
		`"position_size_usd":500,"confidence":80,"reasoning":"x"}],"overall_confidence":80}`
	client := aiclient.NewMockClient("gpt-4-turbo-preview", response)

	e := NewEngine(Dependencies{
		Trader:     ft,
		AIClient:   client,
		Risk:       models.DefaultRiskControls(),
		RiskConfig: defaultRiskLimits(),
	})

	tpl := testTemplate()
	result := e.RunCycle(context.Background(), testAgent(), tpl, nil)

	if len(result.ExecutionResults) != 1 {
		t.Fatalf("expected 1 execution result, got %d", len(result.ExecutionResults))
	}
	if result.ExecutionResults[0].SkippedReason != "symbol not on watchlist" {
		t.Errorf("expected watchlist skip reason, got %q", result.ExecutionResults[0].SkippedReason)
	}
}

func TestRunCycleClosesPosition(t *testing.T) {
	ft := newFakeTrader()
	ft.prices["BTCUSDT"] = 51000
	ft.klines["BTCUSDT"] = makeCandles("BTCUSDT", 60, 49000, 10)
	ft.positions["BTCUSDT"] = &models.Position{
		Symbol:     "BTCUSDT",
		Side:       models.PositionLong,
		Size:       models.NewDecimal(0.01),
		EntryPrice: models.NewDecimal(50000),
		Leverage:   2,
	}

	response := `{"decisions":[{"symbol":"BTCUSDT","action":"close_long","leverage":2,` +
		`"position_size_usd":0,"confidence":90,"reasoning":"take profit"}],"overall_confidence":90}`
	client := aiclient.NewMockClient("gpt-4-turbo-preview", response)

	e := NewEngine(Dependencies{
		Trader:     ft,
		AIClient:   client,
		Risk:       models.DefaultRiskControls(),
		RiskConfig: defaultRiskLimits(),
	})

	tpl := testTemplate()
	result := e.RunCycle(context.Background(), testAgent(), tpl, nil)

	if len(result.ExecutionResults) != 1 || !result.ExecutionResults[0].Success {
		t.Fatalf("expected a successful close, got %+v (error=%s)", result.ExecutionResults, result.Error)
	}
	if _, stillOpen := ft.positions["BTCUSDT"]; stillOpen {
		t.Error("expected the position to be closed on the fake trader")
	}
}

func TestApplyPositionLimitsCapsToMarginRatio(t *testing.T) {
	got := applyPositionLimits(100000, 1000, 10000, 5, 0.3, 0.95)
	want := 1000 * 0.3 * 5
	if got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestApplyPositionLimitsPassesThroughSmallRequest(t *testing.T) {
	got := applyPositionLimits(100, 1000, 10000, 5, 0.3, 0.95)
	if got != 100 {
		t.Errorf("expected requested size to pass through unmodified, got %v", got)
	}
}
