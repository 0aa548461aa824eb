// Package events carries the typed event bus that decouples the trading
// core from the dashboard websocket sender.
package events

import (
	"sync"
	"time"
)

// Type identifies a kind of system event.
type Type string

const (
	TypeTradeOpened     Type = "TRADE_OPENED"
	TypeTradeClosed     Type = "TRADE_CLOSED"
	TypePartialExit     Type = "PARTIAL_EXIT"
	TypeOrderPlaced     Type = "ORDER_PLACED"
	TypeSignal          Type = "SIGNAL_GENERATED"
	TypeStatus          Type = "STATUS_UPDATE"
	TypeAnomaly         Type = "ANOMALY_DETECTED"
	TypeSafeMode        Type = "SAFE_MODE"
	TypeDrawdownHalt    Type = "DRAWDOWN_HALT"
	TypeEmergency       Type = "EMERGENCY_FLATTEN"
	TypeDegradation     Type = "DEGRADATION_CHANGED"
	TypeBreakerChange   Type = "CIRCUIT_BREAKER_UPDATE"
	TypeHeartbeatMissed Type = "HEARTBEAT_MISSED"
)

// Event is one bus message. Data is a typed payload struct from this
// package; the websocket sender marshals it as-is.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// TradeOpened is published after an entry order is accepted.
type TradeOpened struct {
	Symbol     string  `json:"symbol"`
	Profile    string  `json:"profile"`
	Strategy   string  `json:"strategy"`
	EntryPrice float64 `json:"entryPrice"`
	Quantity   float64 `json:"quantity"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
}

// TradeClosed is published after an exit fill is journalled.
type TradeClosed struct {
	Symbol     string  `json:"symbol"`
	Profile    string  `json:"profile"`
	EntryPrice float64 `json:"entryPrice"`
	ExitPrice  float64 `json:"exitPrice"`
	Quantity   float64 `json:"quantity"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnlPercent"`
	Reason     string  `json:"reason"`
}

// PartialExit is published when a profit level fires.
type PartialExit struct {
	Symbol    string  `json:"symbol"`
	Profile   string  `json:"profile"`
	Level     int     `json:"level"`
	SoldQty   float64 `json:"soldQty"`
	ExitPrice float64 `json:"exitPrice"`
	Remaining float64 `json:"remaining"`
}

// Signal mirrors a strategy decision for the dashboard feed.
type Signal struct {
	Symbol  string  `json:"symbol"`
	Profile string  `json:"profile"`
	Action  string  `json:"action"`
	Reason  string  `json:"reason"`
	Regime  string  `json:"regime"`
	Price   float64 `json:"price"`
}

// Status is the per-cycle health push.
type Status struct {
	Profile     string  `json:"profile"`
	Degradation string  `json:"degradation"`
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buyingPower"`
	Positions   int     `json:"positions"`
	MarketOpen  bool    `json:"marketOpen"`
	Cycle       int64   `json:"cycle"`
}

// OrderPlaced reports a standalone order outside the entry/exit pair,
// currently micro-scaling add-ons.
type OrderPlaced struct {
	Symbol  string  `json:"symbol"`
	Profile string  `json:"profile"`
	Side    string  `json:"side"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
	Purpose string  `json:"purpose"`
}

// Anomaly reports a detector hit.
type Anomaly struct {
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	ZScore   float64 `json:"zScore"`
	Severity string  `json:"severity"`
	Detail   string  `json:"detail"`
}

// SafeMode reports an activation or restore.
type SafeMode struct {
	Active  bool    `json:"active"`
	Reason  string  `json:"reason"`
	Sizing  float64 `json:"sizingMultiplier"`
	Stops   float64 `json:"stopMultiplier"`
	Cycle   float64 `json:"cycleMultiplier"`
	Expires string  `json:"expires,omitempty"`
}

// DrawdownHalt reports the portfolio guard latching closed on one venue.
type DrawdownHalt struct {
	Venue      string  `json:"venue"`
	Profile    string  `json:"profile"`
	PeakEquity float64 `json:"peakEquity"`
	Equity     float64 `json:"equity"`
	Drawdown   float64 `json:"drawdown"`
}

// Emergency reports a dead-man trip and the flatten outcome.
type Emergency struct {
	Component string `json:"component"`
	Detail    string `json:"detail"`
	Flattened bool   `json:"flattened"`
}

// Degradation reports a change of the aggregate degradation level.
type Degradation struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BreakerChange reports a circuit breaker state transition.
type BreakerChange struct {
	Venue string `json:"venue"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// HeartbeatMissed reports a component exceeding its maximum silent interval.
type HeartbeatMissed struct {
	Component string `json:"component"`
	Silent    string `json:"silent"`
}

// Subscriber handles events. Handlers run on their own goroutine and must
// tolerate out-of-order delivery.
type Subscriber func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(t Type, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers the event to all matching subscribers without blocking
// the caller.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// Emit is shorthand for publishing a typed payload.
func (b *Bus) Emit(t Type, data any) {
	b.Publish(Event{Type: t, Data: data})
}
