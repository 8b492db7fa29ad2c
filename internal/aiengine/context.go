package aiengine

import (
	"context"

	"github.com/tradingrun/agentrun/internal/indicators"
	"github.com/tradingrun/agentrun/internal/trader"
	"github.com/tradingrun/agentrun/pkg/models"
)

// defaultEMAPeriods/defaultSMAPeriods are the moving-average periods surfaced
// to the prompt, matching the original's multi-period EMA/SMA display.
var (
	defaultEMAPeriods = []int{9, 21, 50}
	defaultSMAPeriods = []int{20, 50}
)

const defaultKlineLimit = 200
const atrPeriod = 14

// MACDValues is MACD/signal/histogram for one timeframe.
type MACDValues struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// BollingerValues is upper/middle/lower band for one timeframe.
type BollingerValues struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// TechnicalIndicators is the calculated-indicator set for one symbol and
// timeframe, adapted from market_context.py's TechnicalIndicators dataclass
// including its derived signal properties.
type TechnicalIndicators struct {
	EMA       map[int]float64
	SMA       map[int]float64
	RSI       *float64
	MACD      MACDValues
	ATR       *float64
	Bollinger BollingerValues
	VolumeSMA *float64
}

// RSISignal classifies the RSI reading (market_context.py's rsi_signal).
func (t *TechnicalIndicators) RSISignal() string {
	if t.RSI == nil {
		return "unknown"
	}
	switch {
	case *t.RSI >= 70:
		return "overbought"
	case *t.RSI <= 30:
		return "oversold"
	case *t.RSI >= 60:
		return "bullish"
	case *t.RSI <= 40:
		return "bearish"
	default:
		return "neutral"
	}
}

// MACDSignal classifies the MACD histogram sign (market_context.py's
// macd_signal).
func (t *TechnicalIndicators) MACDSignal() string {
	switch {
	case t.MACD.Histogram > 0:
		return "bullish"
	case t.MACD.Histogram < 0:
		return "bearish"
	default:
		return "neutral"
	}
}

// EMATrend reports whether EMAs are stacked bullish (short>mid>long),
// bearish (short<mid<long), or mixed (market_context.py's ema_trend).
func (t *TechnicalIndicators) EMATrend() string {
	periods := sortedIntKeys(t.EMA)
	if len(periods) < 2 {
		return "unknown"
	}
	values := make([]float64, len(periods))
	for i, p := range periods {
		values[i] = t.EMA[p]
	}
	descending, ascending := true, true
	for i := 0; i < len(values)-1; i++ {
		if !(values[i] > values[i+1]) {
			descending = false
		}
		if !(values[i] < values[i+1]) {
			ascending = false
		}
	}
	switch {
	case descending:
		return "bullish"
	case ascending:
		return "bearish"
	default:
		return "mixed"
	}
}

// MarketContext is the complete per-symbol market view fed into the prompt
// builder, adapted from market_context.py's MarketContext dataclass. Funding
// rate history is not carried: the Trader contract (§6.1) exposes only the
// current funding rate, not a time series.
type MarketContext struct {
	Symbol      string
	Price       float64
	FundingRate float64
	Klines      map[string][]models.Candle
	Indicators  map[string]*TechnicalIndicators
}

// ContextBuilder fetches per-symbol price, K-lines, and indicators, adapted
// from DataAccessLayer/get_market_contexts into a single Trader-backed
// fetcher (no separate cache layer; §4.4 step 3 prefers cached klines via an
// external cache interface not in this core's scope).
type ContextBuilder struct {
	trader     trader.Trader
	calc       *indicators.Calculator
	timeframes []string
}

// NewContextBuilder builds a ContextBuilder driving t for the given
// timeframes (e.g. ["15m", "1h", "4h"]).
func NewContextBuilder(t trader.Trader, timeframes []string) *ContextBuilder {
	return &ContextBuilder{trader: t, calc: indicators.NewCalculator(), timeframes: timeframes}
}

// Build fetches a MarketContext per symbol, skipping symbols whose price
// read fails rather than aborting the whole cycle (§4.4 step 3, grounded on
// _get_market_data's try/except-continue loop).
func (b *ContextBuilder) Build(ctx context.Context, symbols []string) map[string]*MarketContext {
	out := make(map[string]*MarketContext, len(symbols))
	for _, symbol := range symbols {
		mc, err := b.buildOne(ctx, symbol)
		if err != nil {
			continue
		}
		out[symbol] = mc
	}
	return out
}

func (b *ContextBuilder) buildOne(ctx context.Context, symbol string) (*MarketContext, error) {
	price, err := b.trader.GetMarketPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	funding, _ := b.trader.GetFundingRate(ctx, symbol)

	mc := &MarketContext{
		Symbol:      symbol,
		Price:       price,
		FundingRate: funding,
		Klines:      make(map[string][]models.Candle, len(b.timeframes)),
		Indicators:  make(map[string]*TechnicalIndicators, len(b.timeframes)),
	}

	for _, tf := range b.timeframes {
		candles, err := b.trader.GetKlines(ctx, symbol, tf, defaultKlineLimit)
		if err != nil || len(candles) == 0 {
			continue
		}
		mc.Klines[tf] = candles
		mc.Indicators[tf] = b.calculateIndicators(candles)
	}

	return mc, nil
}

// calculateIndicators computes the full indicator set for one timeframe's
// candles, tolerating insufficient history for any individual indicator
// rather than failing the whole timeframe.
func (b *ContextBuilder) calculateIndicators(candles []models.Candle) *TechnicalIndicators {
	ti := &TechnicalIndicators{EMA: map[int]float64{}, SMA: map[int]float64{}}

	if base, err := b.calc.Calculate(candles); err == nil {
		if r, ok := base.RSI["14"]; ok {
			v := r.InexactFloat64()
			ti.RSI = &v
		}
		if base.MACD != nil {
			ti.MACD = MACDValues{
				MACD:      base.MACD.MACD.InexactFloat64(),
				Signal:    base.MACD.Signal.InexactFloat64(),
				Histogram: base.MACD.Histogram.InexactFloat64(),
			}
		}
		if base.BollingerBands != nil {
			ti.Bollinger = BollingerValues{
				Upper:  base.BollingerBands.Upper.InexactFloat64(),
				Middle: base.BollingerBands.Middle.InexactFloat64(),
				Lower:  base.BollingerBands.Lower.InexactFloat64(),
			}
		}
		if base.Volume != nil {
			v := base.Volume.Average.InexactFloat64()
			ti.VolumeSMA = &v
		}
	}

	for _, p := range defaultEMAPeriods {
		if v, err := b.calc.CalculateEMA(candles, p); err == nil {
			ti.EMA[p] = v
		}
	}
	for _, p := range defaultSMAPeriods {
		if v, err := b.calc.CalculateSMA(candles, p); err == nil {
			ti.SMA[p] = v
		}
	}
	if v, err := b.calc.CalculateVolatility(candles, atrPeriod); err == nil {
		ti.ATR = &v
	}

	return ti
}

// preferredATR returns the ATR for the 1h timeframe if present, else the
// first timeframe (in a fixed preference order) that has one (§4.4 step 6,
// grounded on _update_parser_market_data's timeframe preference list).
func preferredATR(ctx *MarketContext) (float64, bool) {
	for _, tf := range []string{"1h", "4h", "15m", "30m", "1d"} {
		if ind, ok := ctx.Indicators[tf]; ok && ind.ATR != nil {
			return *ind.ATR, true
		}
	}
	for _, ind := range ctx.Indicators {
		if ind.ATR != nil {
			return *ind.ATR, true
		}
	}
	return 0, false
}

func sortedIntKeys(m map[int]float64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
