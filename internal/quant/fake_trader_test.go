package quant

import (
	"context"

	"github.com/tradingrun/agentrun/pkg/models"
)

// fakeTrader is a deterministic, single-symbol trader stub for exercising
// engine arithmetic without the randomness of trader.MockTrader.
type fakeTrader struct {
	price    float64
	klines   []models.Candle
	position *models.Position
	orderSeq int

	openErr  error
	closeErr error
}

func (f *fakeTrader) Name() string { return "fake" }

func (f *fakeTrader) GetAccountState(ctx context.Context) (*models.AccountState, error) {
	return &models.AccountState{Equity: models.NewDecimal(10000)}, nil
}

func (f *fakeTrader) GetPositions(ctx context.Context) ([]models.Position, error) {
	if f.position == nil {
		return nil, nil
	}
	return []models.Position{*f.position}, nil
}

func (f *fakeTrader) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	return f.position, nil
}

func (f *fakeTrader) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}

func (f *fakeTrader) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	return f.klines, nil
}

func (f *fakeTrader) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (f *fakeTrader) open(symbol string, sizeUSD float64, leverage int, side models.PositionSide) (*models.OrderResult, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.orderSeq++
	size := sizeUSD / f.price
	f.position = &models.Position{
		Symbol:     symbol,
		Side:       side,
		Size:       models.NewDecimal(size),
		EntryPrice: models.NewDecimal(f.price),
		Leverage:   leverage,
	}
	return &models.OrderResult{Success: true, FilledSize: models.NewDecimal(size), FilledPrice: models.NewDecimal(f.price)}, nil
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
	if f.position == nil {
		return &models.OrderResult{Success: false, Error: "no position"}, nil
	}
	result := &models.OrderResult{Success: true, FilledSize: f.position.Size, FilledPrice: models.NewDecimal(f.price)}
	f.position = nil
	return result, nil
}

func (f *fakeTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (f *fakeTrader) Close() error { return nil }
