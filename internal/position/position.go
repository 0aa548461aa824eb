// Package position holds the trade position record and the lifecycle
// manager that opens, protects and closes positions through a broker.
package position

import (
	"fmt"
	"math"
	"time"

	"autonomous-trading-engine/internal/broker"
)

// MaxPartialExitLevels caps the partial-exit bitmask width.
const MaxPartialExitLevels = 3

// TradePosition is the invariant bundle for one open long position. The
// record is immutable: every mutator returns a new value, so the owning
// control loop can hand copies around without aliasing worries.
type TradePosition struct {
	Symbol           string    `json:"symbol"`
	Strategy         string    `json:"strategy"`
	EntryPrice       float64   `json:"entryPrice"`
	Quantity         float64   `json:"quantity"`
	StopLoss         float64   `json:"stopLoss"`
	TakeProfit       float64   `json:"takeProfit"`
	EntryTime        time.Time `json:"entryTime"`
	HighestPrice     float64   `json:"highestPrice"`
	PartialExitsMask uint8     `json:"partialExitsMask"`
}

// New builds a validated position at entry time. HighestPrice starts at
// the entry price.
func New(symbol, strategy string, entryPrice, quantity, stopLoss, takeProfit float64, entryTime time.Time) (TradePosition, error) {
	p := TradePosition{
		Symbol:       symbol,
		Strategy:     strategy,
		EntryPrice:   entryPrice,
		Quantity:     quantity,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		EntryTime:    entryTime,
		HighestPrice: entryPrice,
	}
	if err := p.Validate(); err != nil {
		return TradePosition{}, err
	}
	return p, nil
}

// Validate enforces the entry-time invariants. A trailing stop may later
// rise above the entry price; that is the one sanctioned departure and it
// is handled by the monotone mutators, not here.
func (p TradePosition) Validate() error {
	if p.Symbol == "" {
		return invalid("empty symbol")
	}
	if p.EntryPrice <= 0 {
		return invalid("entry price %.4f must be positive", p.EntryPrice)
	}
	if p.Quantity <= 0 {
		return invalid("quantity %.8f must be positive", p.Quantity)
	}
	if p.StopLoss >= p.EntryPrice {
		return invalid("stop loss %.4f must be below entry %.4f", p.StopLoss, p.EntryPrice)
	}
	if p.TakeProfit <= p.EntryPrice {
		return invalid("take profit %.4f must be above entry %.4f", p.TakeProfit, p.EntryPrice)
	}
	if p.HighestPrice < p.EntryPrice {
		return invalid("highest price %.4f below entry %.4f", p.HighestPrice, p.EntryPrice)
	}
	if p.PartialExitsMask >= 1<<MaxPartialExitLevels {
		return invalid("partial exits mask %#x exceeds %d levels", p.PartialExitsMask, MaxPartialExitLevels)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return broker.NewError(broker.KindInvalidPosition, "", "position", fmt.Errorf(format, args...))
}

// WithHigh returns a copy whose HighestPrice reflects the tick. The high
// only ever rises.
func (p TradePosition) WithHigh(price float64) TradePosition {
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
	return p
}

// TrailingCandidate is the stop implied by the current high and a trail
// percent, before the monotonicity clamp.
func (p TradePosition) TrailingCandidate(trailPct float64) float64 {
	return p.HighestPrice * (1 - trailPct)
}

// WithTrailingTick folds one price tick into the position: the high is
// raised if needed and the stop is advanced to the trailing candidate.
// The stop never moves down. The bool reports whether the stop rose.
func (p TradePosition) WithTrailingTick(price, trailPct float64) (TradePosition, bool) {
	if trailPct <= 0 {
		return p.WithHigh(price), false
	}
	next := p.WithHigh(price)
	candidate := next.TrailingCandidate(trailPct)
	if candidate > next.StopLoss {
		next.StopLoss = candidate
		return next, true
	}
	return next, false
}

// PartialExitTaken reports whether the given level's bit is set.
func (p TradePosition) PartialExitTaken(level int) bool {
	if level < 0 || level >= MaxPartialExitLevels {
		return false
	}
	return p.PartialExitsMask&(1<<uint(level)) != 0
}

// WithPartialExit marks a level as taken and reduces the quantity by the
// sold amount. A level fires at most once for the life of the position.
func (p TradePosition) WithPartialExit(level int, soldQty float64) (TradePosition, error) {
	if level < 0 || level >= MaxPartialExitLevels {
		return p, invalid("partial exit level %d out of range", level)
	}
	if p.PartialExitTaken(level) {
		return p, invalid("partial exit level %d already taken for %s", level, p.Symbol)
	}
	if soldQty <= 0 || soldQty >= p.Quantity {
		return p, invalid("partial exit qty %.8f must be in (0, %.8f)", soldQty, p.Quantity)
	}
	p.PartialExitsMask |= 1 << uint(level)
	p.Quantity -= soldQty
	return p, nil
}

// WithQuantity returns a copy with the given quantity. Used by the
// micro-scaling add-ons; the caller guarantees the fill happened.
func (p TradePosition) WithQuantity(qty float64) (TradePosition, error) {
	if qty <= 0 {
		return p, invalid("quantity %.8f must be positive", qty)
	}
	p.Quantity = qty
	return p, nil
}

// ProfitPercent is the unrealized move from entry as a fraction.
func (p TradePosition) ProfitPercent(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// UnrealizedPL is the open profit at the given price.
func (p TradePosition) UnrealizedPL(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity
}

// Value is the position's market value at the given price.
func (p TradePosition) Value(price float64) float64 {
	return math.Abs(price * p.Quantity)
}
