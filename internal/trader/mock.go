package trader

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tradingrun/agentrun/internal/config"
	"github.com/tradingrun/agentrun/pkg/models"
)

// MockTrader simulates a venue in-memory: random-walk prices, immediate
// fills, and a configurable fee model. Adapted from the teacher's
// MockExchange (§6.1, §6.3). OpenLong/OpenShort accept stopLoss and
// takeProfit but ignore them: no trigger orders are simulated.
type MockTrader struct {
	mu sync.Mutex

	name      string
	cfg       config.SimulatorConfig
	prices    map[string]float64
	equity    float64
	positions map[string]*models.Position
	orderSeq  int
}

// NewMockTrader seeds every watched symbol at startPrice and equity at
// cfg.InitialEquity.
func NewMockTrader(cfg config.SimulatorConfig, symbols []string, startPrice float64) *MockTrader {
	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		prices[s] = startPrice
	}
	return &MockTrader{
		name:      "mock",
		cfg:       cfg,
		prices:    prices,
		equity:    cfg.InitialEquity,
		positions: make(map[string]*models.Position),
	}
}

func (m *MockTrader) Name() string { return m.name }

func (m *MockTrader) walk(symbol string) float64 {
	p, ok := m.prices[symbol]
	if !ok {
		p = 100
	}
	move := (rand.Float64()*2 - 1) * 0.01
	p = p * (1 + move)
	if p < 0.01 {
		p = 0.01
	}
	m.prices[symbol] = p
	return p
}

func (m *MockTrader) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walk(symbol), nil
}

func (m *MockTrader) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 1
	}
	candles := make([]models.Candle, 0, limit)
	last := m.prices[symbol]
	if last == 0 {
		last = 100
	}
	now := time.Now()
	for i := limit; i > 0; i-- {
		open := last
		move := (rand.Float64()*2 - 1) * 0.015
		close := open * (1 + move)
		high := math.Max(open, close) * (1 + rand.Float64()*0.005)
		low := math.Min(open, close) * (1 - rand.Float64()*0.005)
		candles = append(candles, models.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: now.Add(-time.Duration(i) * timeframeDuration(timeframe)),
			Open:      models.NewDecimal(open),
			High:      models.NewDecimal(high),
			Low:       models.NewDecimal(low),
			Close:     models.NewDecimal(close),
			Volume:    models.NewDecimal(100 + rand.Float64()*900),
		})
		last = close
	}
	m.prices[symbol] = last
	return candles, nil
}

func timeframeDuration(tf string) time.Duration {
	switch tf {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

func (m *MockTrader) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return 0.0001, nil
}

func (m *MockTrader) GetAccountState(ctx context.Context) (*models.AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usedMargin := 0.0
	unrealized := 0.0
	positions := make([]models.Position, 0, len(m.positions))
	for symbol, p := range m.positions {
		price := m.prices[symbol]
		p.CurrentPrice = models.NewDecimal(price)
		p.UnrealizedPnL = models.NewDecimal(unrealizedPnL(p, price))
		usedMargin += p.Margin.InexactFloat64()
		unrealized += p.UnrealizedPnL.InexactFloat64()
		positions = append(positions, *p)
	}

	return &models.AccountState{
		Equity:           models.NewDecimal(m.equity + unrealized),
		AvailableBalance: models.NewDecimal(m.equity - usedMargin),
		TotalMarginUsed:  models.NewDecimal(usedMargin),
		UnrealizedPnL:    models.NewDecimal(unrealized),
		Positions:        positions,
	}, nil
}

func unrealizedPnL(p *models.Position, currentPrice float64) float64 {
	entry := p.EntryPrice.InexactFloat64()
	size := p.Size.InexactFloat64()
	if p.Side == models.PositionShort {
		return size * (entry - currentPrice)
	}
	return size * (currentPrice - entry)
}

func (m *MockTrader) GetPositions(ctx context.Context) ([]models.Position, error) {
	state, err := m.GetAccountState(ctx)
	if err != nil {
		return nil, err
	}
	return state.Positions, nil
}

func (m *MockTrader) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	price := m.prices[symbol]
	cp := *p
	cp.CurrentPrice = models.NewDecimal(price)
	cp.UnrealizedPnL = models.NewDecimal(unrealizedPnL(p, price))
	return &cp, nil
}

func (m *MockTrader) nextOrderID() string {
	m.orderSeq++
	return fmt.Sprintf("mock-%d", m.orderSeq)
}

func (m *MockTrader) open(symbol string, sizeUSD float64, leverage int, side models.PositionSide) (*models.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sizeUSD <= 0 {
		return &models.OrderResult{Success: false, Error: "size_usd must be positive"}, nil
	}
	if leverage < 1 {
		leverage = 1
	}

	price := m.walk(symbol)
	slippage := 1 + m.cfg.DefaultSlippage
	if side == models.PositionShort {
		slippage = 1 - m.cfg.DefaultSlippage
	}
	fillPrice := price * slippage
	fee := sizeUSD * m.cfg.TakerFee
	size := sizeUSD / fillPrice
	margin := sizeUSD / float64(leverage)

	m.equity -= fee

	existing, ok := m.positions[symbol]
	if ok && existing.Side == side {
		totalSize := existing.Size.InexactFloat64() + size
		newEntry := (existing.Size.InexactFloat64()*existing.EntryPrice.InexactFloat64() + size*fillPrice) / totalSize
		existing.Size = models.NewDecimal(totalSize)
		existing.EntryPrice = models.NewDecimal(newEntry)
		existing.Margin = models.NewDecimal(existing.Margin.InexactFloat64() + margin)
	} else {
		m.positions[symbol] = &models.Position{
			Symbol:     symbol,
			Side:       side,
			Size:       models.NewDecimal(size),
			EntryPrice: models.NewDecimal(fillPrice),
			Leverage:   leverage,
			Margin:     models.NewDecimal(margin),
			Timestamp:  time.Now(),
		}
	}

	return &models.OrderResult{
		Success:     true,
		OrderID:     m.nextOrderID(),
		FilledSize:  models.NewDecimal(size),
		FilledPrice: models.NewDecimal(fillPrice),
		Status:      "filled",
	}, nil
}

func (m *MockTrader) OpenLong(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*models.OrderResult, error) {
	return m.open(symbol, sizeUSD, leverage, models.PositionLong)
}

func (m *MockTrader) OpenShort(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*models.OrderResult, error) {
	return m.open(symbol, sizeUSD, leverage, models.PositionShort)
}

func (m *MockTrader) ClosePosition(ctx context.Context, symbol string) (*models.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[symbol]
	if !ok {
		return &models.OrderResult{Success: false, Error: "no open position"}, nil
	}

	price := m.walk(symbol)
	fee := p.Size.InexactFloat64() * price * m.cfg.TakerFee
	pnl := unrealizedPnL(p, price)
	m.equity += pnl - fee
	delete(m.positions, symbol)

	return &models.OrderResult{
		Success:     true,
		OrderID:     m.nextOrderID(),
		FilledSize:  p.Size,
		FilledPrice: models.NewDecimal(price),
		Status:      "filled",
	}, nil
}

func (m *MockTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *MockTrader) Close() error { return nil }
