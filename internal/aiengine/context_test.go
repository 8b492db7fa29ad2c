package aiengine

import (
	"context"
	"testing"
)

func TestContextBuilderBuildSkipsFailedSymbols(t *testing.T) {
	ft := newFakeTrader()
	ft.prices["BTCUSDT"] = 50000
	ft.klines["BTCUSDT"] = makeCandles("BTCUSDT", 60, 100, 1)
	// ETHUSDT has no price registered, GetMarketPrice will error.

	b := NewContextBuilder(ft, []string{"1h"})
	out := b.Build(context.Background(), []string{"BTCUSDT", "ETHUSDT"})

	if len(out) != 1 {
		t.Fatalf("expected 1 context built, got %d", len(out))
	}
	if _, ok := out["BTCUSDT"]; !ok {
		t.Fatal("expected BTCUSDT context to be present")
	}
}

func TestContextBuilderComputesIndicators(t *testing.T) {
	ft := newFakeTrader()
	ft.prices["BTCUSDT"] = 150
	ft.klines["BTCUSDT"] = makeCandles("BTCUSDT", 60, 100, 1)

	b := NewContextBuilder(ft, []string{"1h"})
	out := b.Build(context.Background(), []string{"BTCUSDT"})

	ctx, ok := out["BTCUSDT"]
	if !ok {
		t.Fatal("expected BTCUSDT context")
	}
	ind, ok := ctx.Indicators["1h"]
	if !ok {
		t.Fatal("expected 1h indicators")
	}
	if ind.RSI == nil {
		t.Error("expected RSI to be calculated")
	}
	if ind.ATR == nil {
		t.Error("expected ATR to be calculated")
	}
	if len(ind.EMA) == 0 {
		t.Error("expected EMA values")
	}
	// Rising price series should read as a bullish EMA trend.
	if trend := ind.EMATrend(); trend != "bullish" {
		t.Errorf("expected bullish EMA trend for a rising series, got %q", trend)
	}
}

func TestRSISignalThresholds(t *testing.T) {
	high := 75.0
	ti := &TechnicalIndicators{RSI: &high}
	if got := ti.RSISignal(); got != "overbought" {
		t.Errorf("expected overbought, got %q", got)
	}

	low := 20.0
	ti2 := &TechnicalIndicators{RSI: &low}
	if got := ti2.RSISignal(); got != "oversold" {
		t.Errorf("expected oversold, got %q", got)
	}
}

func TestMACDSignal(t *testing.T) {
	ti := &TechnicalIndicators{MACD: MACDValues{Histogram: 1.5}}
	if got := ti.MACDSignal(); got != "bullish" {
		t.Errorf("expected bullish, got %q", got)
	}
	ti.MACD.Histogram = -0.5
	if got := ti.MACDSignal(); got != "bearish" {
		t.Errorf("expected bearish, got %q", got)
	}
}

func TestPreferredATRPrefers1h(t *testing.T) {
	atr1h := 5.0
	atr4h := 10.0
	ctx := &MarketContext{
		Indicators: map[string]*TechnicalIndicators{
			"4h": {ATR: &atr4h},
			"1h": {ATR: &atr1h},
		},
	}
	got, ok := preferredATR(ctx)
	if !ok || got != atr1h {
		t.Errorf("expected 1h ATR %v, got %v (ok=%v)", atr1h, got, ok)
	}
}
