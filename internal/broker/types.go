// Package broker defines the uniform venue client contract shared by the
// equity and crypto implementations, along with the order/account/bar types
// and the error vocabulary the rest of the engine dispatches on.
package broker

import (
	"context"
	"strings"
	"time"
)

// Venue identifies an external brokerage or exchange endpoint.
type Venue string

const (
	VenueAlpaca Venue = "alpaca"
	VenueKraken Venue = "kraken"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls order lifetime.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// Bar is one OHLCV candle. Bars are immutable; indicator functions operate
// on chronologically ordered slices of them.
type Bar struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Account is the venue account snapshot.
type Account struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
	Cash        float64 `json:"cash"`
	Status      string  `json:"status"`
}

// ExternalPosition is a holding as reported by the venue, before the engine
// adopts it into a managed TradePosition.
type ExternalPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AvgEntry     float64 `json:"avg_entry"`
	CurrentPrice float64 `json:"current_price"`
	MarketValue  float64 `json:"market_value"`
	UnrealizedPL float64 `json:"unrealized_pl"`
}

// Order is an open or recently filled order as reported by the venue.
type Order struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Qty        float64   `json:"qty"`
	FilledQty  float64   `json:"filled_qty"`
	LimitPrice float64   `json:"limit_price"`
	StopPrice  float64   `json:"stop_price"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// OrderRequest describes a plain entry or exit order.
// LimitPrice is ignored for market orders. ClientOrderID should be set by
// the caller so ambiguous network failures never double-fill.
type OrderRequest struct {
	Symbol        string
	Qty           float64
	Side          Side
	Type          OrderType
	TimeInForce   TimeInForce
	LimitPrice    float64
	ClientOrderID string
}

// BracketRequest describes a compound entry with venue-side take-profit and
// stop-loss legs, accepted atomically where the venue supports it.
type BracketRequest struct {
	Symbol        string
	Qty           float64
	Side          Side
	TakeProfit    float64
	StopLoss      float64
	LimitPrice    float64
	ClientOrderID string
}

// ReplaceRequest carries the mutable fields of an open order. Nil means
// leave the field unchanged.
type ReplaceRequest struct {
	Qty        *float64
	LimitPrice *float64
	StopPrice  *float64
}

// Client is the capability set every venue must provide. Implementations
// return *Error values so callers can dispatch on Kind.
type Client interface {
	Venue() Venue

	Account(ctx context.Context) (Account, error)
	Positions(ctx context.Context) ([]ExternalPosition, error)

	LatestBar(ctx context.Context, symbol string) (Bar, error)
	// History returns up to n bars in chronological order.
	History(ctx context.Context, symbol string, n int) ([]Bar, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	PlaceBracket(ctx context.Context, req BracketRequest) (string, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	ReplaceOrder(ctx context.Context, orderID string, req ReplaceRequest) error

	// CancelAll cancels open orders; empty symbol means all symbols.
	CancelAll(ctx context.Context, symbol string) error
	// CloseAll liquidates every position at market. Emergency path.
	CloseAll(ctx context.Context) error

	// MarketOpen reports whether the venue accepts new entries right now.
	MarketOpen(ctx context.Context) (bool, error)

	SupportsBrackets() bool
	SupportsFractional() bool
}

// NormalizeSymbol upper-cases equity tickers so map lookups are
// case-insensitive. Crypto pairs pass through the venue's own
// normalization instead.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
