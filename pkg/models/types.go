package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewDecimal creates decimal from float64
func NewDecimal(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// TradingMode represents the bot's operating mode
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// BotStatus represents current bot state
type BotStatus string

const (
	StatusRunning     BotStatus = "running"
	StatusStopped     BotStatus = "stopped"
	StatusCircuitOpen BotStatus = "circuit_open"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType represents order type
type OrderType string

const (
	TypeMarket           OrderType = "market"
	TypeLimit            OrderType = "limit"
	TypeStopMarket       OrderType = "stop_market"        // Stop-loss market order
	TypeStopLimit        OrderType = "stop_limit"         // Stop-loss limit order
	TypeTakeProfitMarket OrderType = "take_profit_market" // Take-profit market order
	TypeTakeProfitLimit  OrderType = "take_profit_limit"  // Take-profit limit order
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
	PositionNone  PositionSide = "none"
)

// Ticker represents market ticker data
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Change24h decimal.Decimal `json:"change_24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// Candle represents OHLCV candlestick data
type Candle struct {
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	Timestamp   time.Time       `json:"timestamp"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	Trades      int             `json:"trades"`
}

// OrderBook represents exchange order book
type OrderBook struct {
	Symbol    string          `json:"symbol"`
	Bids      []OrderBookItem `json:"bids"`
	Asks      []OrderBookItem `json:"asks"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderBookItem represents single order book level
type OrderBookItem struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Balance represents account balance
type Balance struct {
	Total      decimal.Decimal            `json:"total"`
	Free       decimal.Decimal            `json:"free"`
	Used       decimal.Decimal            `json:"used"`
	Currencies map[string]CurrencyBalance `json:"currencies"`
}

// CurrencyBalance represents balance for specific currency
type CurrencyBalance struct {
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
	Free     decimal.Decimal `json:"free"`
	Used     decimal.Decimal `json:"used"`
}

// Order represents trading order
type Order struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Type        OrderType       `json:"type"`
	Side        OrderSide       `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Filled      decimal.Decimal `json:"filled"`
	Remaining   decimal.Decimal `json:"remaining"`
	Status      string          `json:"status"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"fee_currency"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Position represents open futures position
type Position struct {
	Symbol           string          `json:"symbol"`
	Side             PositionSide    `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	Leverage         int             `json:"leverage"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Margin           decimal.Decimal `json:"margin"`
	Timestamp        time.Time       `json:"timestamp"`
}

// MarketData aggregates all market information for one symbol at cycle start
type MarketData struct {
	Symbol       string               `json:"symbol"`
	Ticker       *Ticker              `json:"ticker"`
	Candles      map[string][]Candle  `json:"candles"` // timeframe -> candles
	OrderBook    *OrderBook           `json:"order_book"`
	FundingRate  decimal.Decimal      `json:"funding_rate"`
	OpenInterest decimal.Decimal      `json:"open_interest"`
	Indicators   *TechnicalIndicators `json:"indicators"`
	Timestamp    time.Time            `json:"timestamp"`
}

// TechnicalIndicators represents calculated technical indicators
type TechnicalIndicators struct {
	RSI            map[string]decimal.Decimal `json:"rsi"` // timeframe -> value
	EMA            map[int]decimal.Decimal    `json:"ema"` // period -> value
	SMA            map[int]decimal.Decimal    `json:"sma"` // period -> value
	MACD           *MACDIndicator             `json:"macd"`
	BollingerBands *BollingerBandsIndicator   `json:"bollinger_bands"`
	Volume         *VolumeIndicator           `json:"volume"`
	ATR            decimal.Decimal            `json:"atr"`
}

// MACDIndicator represents MACD indicator values
type MACDIndicator struct {
	MACD      decimal.Decimal `json:"macd"`
	Signal    decimal.Decimal `json:"signal"`
	Histogram decimal.Decimal `json:"histogram"`
}

// BollingerBandsIndicator represents Bollinger Bands values
type BollingerBandsIndicator struct {
	Upper  decimal.Decimal `json:"upper"`
	Middle decimal.Decimal `json:"middle"`
	Lower  decimal.Decimal `json:"lower"`
}

// VolumeIndicator represents volume analysis
type VolumeIndicator struct {
	Current decimal.Decimal `json:"current"`
	Average decimal.Decimal `json:"average"`
	Ratio   decimal.Decimal `json:"ratio"` // current/average
}

// AccountState is the Trader-level account snapshot (§3 Trader-level types).
type AccountState struct {
	Equity           decimal.Decimal `json:"equity"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	TotalMarginUsed  decimal.Decimal `json:"total_margin_used"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	Positions        []Position      `json:"positions"`
}

// OrderResult is the Trader-level order outcome (§3 Trader-level types).
type OrderResult struct {
	Success     bool            `json:"success"`
	OrderID     string          `json:"order_id,omitempty"`
	FilledSize  decimal.Decimal `json:"filled_size,omitempty"`
	FilledPrice decimal.Decimal `json:"filled_price,omitempty"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
}
