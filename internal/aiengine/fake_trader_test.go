package aiengine

import (
	"context"
	"fmt"

	"github.com/tradingrun/agentrun/pkg/models"
)

// fakeTrader is a deterministic multi-symbol trader stub, grounded on
// quant's single-symbol fakeTrader but generalized since one AI-engine
// cycle spans the whole watchlist.
type fakeTrader struct {
	prices    map[string]float64
	klines    map[string][]models.Candle
	positions map[string]*models.Position
	equity    float64
	available float64

	openErr  error
	closeErr error
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{
		prices:    map[string]float64{},
		klines:    map[string][]models.Candle{},
		positions: map[string]*models.Position{},
		equity:    10000,
		available: 10000,
	}
}

func (f *fakeTrader) Name() string { return "fake" }

func (f *fakeTrader) GetAccountState(ctx context.Context) (*models.AccountState, error) {
	return &models.AccountState{
		Equity:           models.NewDecimal(f.equity),
		AvailableBalance: models.NewDecimal(f.available),
	}, nil
}

func (f *fakeTrader) GetPositions(ctx context.Context) ([]models.Position, error) {
	out := make([]models.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeTrader) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	return f.positions[symbol], nil
}

func (f *fakeTrader) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	p, ok := f.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("fake trader: no price for %s", symbol)
	}
	return p, nil
}

func (f *fakeTrader) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	return f.klines[symbol], nil
}

func (f *fakeTrader) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (f *fakeTrader) open(symbol string, sizeUSD float64, leverage int, side models.PositionSide) (*models.OrderResult, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	price := f.prices[symbol]
	size := sizeUSD / price
	f.positions[symbol] = &models.Position{
		Symbol:     symbol,
		Side:       side,
		Size:       models.NewDecimal(size),
		EntryPrice: models.NewDecimal(price),
		Leverage:   leverage,
	}
	return &models.OrderResult{Success: true, FilledSize: models.NewDecimal(size), FilledPrice: models.NewDecimal(price)}, nil
}

func (f *fakeTrader) OpenLong(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*models.OrderResult, error) {
	return f.open(symbol, sizeUSD, leverage, models.PositionLong)
}

func (f *fakeTrader) OpenShort(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*models.OrderResult, error) {
	return f.open(symbol, sizeUSD, leverage, models.PositionShort)
}

func (f *fakeTrader) ClosePosition(ctx context.Context, symbol string) (*models.OrderResult, error) {
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	pos, ok := f.positions[symbol]
	if !ok {
		return &models.OrderResult{Success: false, Error: "no position"}, nil
	}
	result := &models.OrderResult{Success: true, FilledSize: pos.Size, FilledPrice: models.NewDecimal(f.prices[symbol])}
	delete(f.positions, symbol)
	return result, nil
}

func (f *fakeTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (f *fakeTrader) Close() error { return nil }

// makeCandles builds a deterministic, mildly trending candle series long
// enough to clear the indicator package's warmup requirements.
func makeCandles(symbol string, n int, start, step float64) []models.Candle {
	candles := make([]models.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		open := price
		price += step
		high := open + step + 1
		low := open - 1
		if low > price {
			low = price - 1
		}
		candles[i] = models.Candle{
			Symbol:    symbol,
			Timeframe: "1h",
			Open:      models.NewDecimal(open),
			High:      models.NewDecimal(high),
			Low:       models.NewDecimal(low),
			Close:     models.NewDecimal(price),
			Volume:    models.NewDecimal(100 + float64(i)),
		}
	}
	return candles
}
