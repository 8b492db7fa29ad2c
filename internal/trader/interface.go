// Package trader defines the capability every execution venue (live or
// simulated) must implement, adapted from the exchange adapter surface to
// the narrower long/short position contract agents actually use (§6.1).
package trader

import (
	"context"

	"github.com/tradingrun/agentrun/pkg/models"
)

// Trader is the capability an AgentWorker drives each cycle: price/kline
// reads, account/position reads, and order placement with automatic SL/TP
// attachment.
type Trader interface {
	Name() string

	GetAccountState(ctx context.Context) (*models.AccountState, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)

	GetMarketPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)

	// OpenLong/OpenShort place a market order sized in USD notional at the
	// given leverage. When stopLoss/takeProfit are non-nil, trigger orders
	// are placed immediately after the fill (§6.1 "SL/TP auto-adjust").
	OpenLong(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*models.OrderResult, error)
	OpenShort(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*models.OrderResult, error)
	ClosePosition(ctx context.Context, symbol string) (*models.OrderResult, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Close() error
}
