package trader

import (
	"context"
	"fmt"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"github.com/tradingrun/agentrun/pkg/models"
)

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// CCXTTrader is the live-mode Trader, a thin adapter over one ccxt exchange
// instance. ccxt speaks to dozens of venues through one client, so a single
// generic adapter replaces what the teacher split into per-venue clients
// (§6.1, §1B).
type CCXTTrader struct {
	exchange ccxt.IExchange
	name     string
}

// NewCCXTTrader wraps an already-configured ccxt exchange (API key/secret,
// sandbox flag, and default type "swap" set by the caller).
func NewCCXTTrader(exchange ccxt.IExchange, name string) *CCXTTrader {
	return &CCXTTrader{exchange: exchange, name: name}
}

func (t *CCXTTrader) Name() string { return t.name }

func (t *CCXTTrader) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	ticker, err := t.exchange.FetchTicker(symbol)
	if err != nil {
		return 0, fmt.Errorf("ccxt trader: fetch ticker %s: %w", symbol, err)
	}
	if ticker.Last == nil {
		return 0, fmt.Errorf("ccxt trader: no last price for %s", symbol)
	}
	return *ticker.Last, nil
}

func (t *CCXTTrader) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	ohlcv, err := t.exchange.FetchOHLCV(symbol, ccxt.WithFetchOHLCVTimeframe(timeframe), ccxt.WithFetchOHLCVLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("ccxt trader: fetch ohlcv %s: %w", symbol, err)
	}
	candles := make([]models.Candle, 0, len(ohlcv))
	for _, c := range ohlcv {
		candles = append(candles, candleFromOHLCV(symbol, timeframe, c))
	}
	return candles, nil
}

func (t *CCXTTrader) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	rate, err := t.exchange.FetchFundingRate(symbol)
	if err != nil {
		return 0, fmt.Errorf("ccxt trader: fetch funding rate %s: %w", symbol, err)
	}
	if rate.FundingRate == nil {
		return 0, nil
	}
	return *rate.FundingRate, nil
}

func (t *CCXTTrader) GetAccountState(ctx context.Context) (*models.AccountState, error) {
	balance, err := t.exchange.FetchBalance()
	if err != nil {
		return nil, fmt.Errorf("ccxt trader: fetch balance: %w", err)
	}
	positions, err := t.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	total, free, used := 0.0, 0.0, 0.0
	if v, ok := balance.Total["USDT"]; ok && v != nil {
		total = *v
	}
	if v, ok := balance.Free["USDT"]; ok && v != nil {
		free = *v
	}
	if v, ok := balance.Used["USDT"]; ok && v != nil {
		used = *v
	}

	unrealized := 0.0
	for _, p := range positions {
		unrealized += p.UnrealizedPnL.InexactFloat64()
	}

	return &models.AccountState{
		Equity:           models.NewDecimal(total),
		AvailableBalance: models.NewDecimal(free),
		TotalMarginUsed:  models.NewDecimal(used),
		UnrealizedPnL:    models.NewDecimal(unrealized),
		Positions:        positions,
	}, nil
}

func (t *CCXTTrader) GetPositions(ctx context.Context) ([]models.Position, error) {
	raw, err := t.exchange.FetchPositions()
	if err != nil {
		return nil, fmt.Errorf("ccxt trader: fetch positions: %w", err)
	}
	positions := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, positionFromCCXT(p))
	}
	return positions, nil
}

func (t *CCXTTrader) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	positions, err := t.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return &p, nil
		}
	}
	return nil, nil
}

func (t *CCXTTrader) OpenLong(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*models.OrderResult, error) {
	return t.open(symbol, sizeUSD, leverage, "buy", stopLoss, takeProfit)
}

func (t *CCXTTrader) OpenShort(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*models.OrderResult, error) {
	return t.open(symbol, sizeUSD, leverage, "sell", stopLoss, takeProfit)
}

func (t *CCXTTrader) open(symbol string, sizeUSD float64, leverage int, side string, stopLoss, takeProfit *float64) (*models.OrderResult, error) {
	if leverage > 0 {
		if err := t.exchange.SetLeverage(float64(leverage), ccxt.WithSetLeverageSymbol(symbol)); err != nil {
			return nil, fmt.Errorf("ccxt trader: set leverage: %w", err)
		}
	}

	price, err := t.GetMarketPrice(context.Background(), symbol)
	if err != nil {
		return nil, err
	}
	amount := sizeUSD / price

	order, err := t.exchange.CreateOrder(symbol, "market", side, amount)
	if err != nil {
		return &models.OrderResult{Success: false, Error: err.Error()}, nil
	}

	filledPrice := price
	if order.Average != nil {
		filledPrice = *order.Average
	}
	filledSize := amount
	if order.Filled != nil {
		filledSize = *order.Filled
	}

	result := &models.OrderResult{
		Success:     true,
		OrderID:     order.Id,
		FilledSize:  models.NewDecimal(filledSize),
		FilledPrice: models.NewDecimal(filledPrice),
		Status:      "filled",
	}

	t.attachTriggerOrders(symbol, side, amount, stopLoss, takeProfit)
	return result, nil
}

// attachTriggerOrders places stop-loss/take-profit reduce-only orders at the
// given prices, without adjustment, after a fill succeeds. Failures are
// discarded: the trade is not failed, and an attach failure is neither
// logged nor returned to the caller.
func (t *CCXTTrader) attachTriggerOrders(symbol, entrySide string, amount float64, stopLoss, takeProfit *float64) {
	closeSide := "sell"
	if entrySide == "sell" {
		closeSide = "buy"
	}
	if stopLoss != nil {
		_, _ = t.exchange.CreateOrder(symbol, "stop_market", closeSide, amount, ccxt.WithCreateOrderParams(map[string]interface{}{
			"stopPrice": *stopLoss, "reduceOnly": true,
		}))
	}
	if takeProfit != nil {
		_, _ = t.exchange.CreateOrder(symbol, "take_profit_market", closeSide, amount, ccxt.WithCreateOrderParams(map[string]interface{}{
			"stopPrice": *takeProfit, "reduceOnly": true,
		}))
	}
}

func (t *CCXTTrader) ClosePosition(ctx context.Context, symbol string) (*models.OrderResult, error) {
	pos, err := t.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return &models.OrderResult{Success: false, Error: "no open position"}, nil
	}
	side := "sell"
	if pos.Side == models.PositionShort {
		side = "buy"
	}
	order, err := t.exchange.CreateOrder(symbol, "market", side, pos.Size.InexactFloat64(), ccxt.WithCreateOrderParams(map[string]interface{}{"reduceOnly": true}))
	if err != nil {
		return &models.OrderResult{Success: false, Error: err.Error()}, nil
	}
	filledPrice := pos.CurrentPrice.InexactFloat64()
	if order.Average != nil {
		filledPrice = *order.Average
	}
	return &models.OrderResult{
		Success:     true,
		OrderID:     order.Id,
		FilledSize:  pos.Size,
		FilledPrice: models.NewDecimal(filledPrice),
		Status:      "filled",
	}, nil
}

func (t *CCXTTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return t.exchange.SetLeverage(float64(leverage), ccxt.WithSetLeverageSymbol(symbol))
}

func (t *CCXTTrader) Close() error { return nil }

func candleFromOHLCV(symbol, timeframe string, c ccxt.OHLCV) models.Candle {
	ts := int64(0)
	if c.Timestamp != nil {
		ts = int64(*c.Timestamp)
	}
	return models.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: msToTime(ts),
		Open:      models.NewDecimal(valueOr(c.Open)),
		High:      models.NewDecimal(valueOr(c.High)),
		Low:       models.NewDecimal(valueOr(c.Low)),
		Close:     models.NewDecimal(valueOr(c.Close)),
		Volume:    models.NewDecimal(valueOr(c.Volume)),
	}
}

func positionFromCCXT(p ccxt.Position) models.Position {
	side := models.PositionLong
	if p.Side != nil && *p.Side == "short" {
		side = models.PositionShort
	}
	return models.Position{
		Symbol:           strOr(p.Symbol),
		Side:             side,
		Size:             models.NewDecimal(valueOr(p.Contracts)),
		EntryPrice:       models.NewDecimal(valueOr(p.EntryPrice)),
		CurrentPrice:     models.NewDecimal(valueOr(p.MarkPrice)),
		Leverage:         int(valueOr(p.Leverage)),
		UnrealizedPnL:    models.NewDecimal(valueOr(p.UnrealizedPnl)),
		LiquidationPrice: models.NewDecimal(valueOr(p.LiquidationPrice)),
		Margin:           models.NewDecimal(valueOr(p.InitialMargin)),
	}
}

func valueOr(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func strOr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
