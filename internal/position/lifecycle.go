package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/events"
	"autonomous-trading-engine/internal/journal"
	"autonomous-trading-engine/internal/metrics"
)

// Exit reasons recorded in the journal and pushed on the bus.
const (
	ReasonStopLoss     = "stop_loss"
	ReasonTakeProfit   = "take_profit"
	ReasonTrailingStop = "trailing_stop"
	ReasonSignalSell   = "signal_sell"
	ReasonEmergency    = "emergency_flatten"
	ReasonBracketFill  = "bracket_fill"
	ReasonSafetyExit   = "safety_exit"
)

// Micro-scaling: enter with half the calculated size, add a quarter at
// each profit trigger.
const (
	microInitialFraction = 0.50
	microAddOnFraction   = 0.25
	microAddOnTrigger1   = 0.005
	microAddOnTrigger2   = 0.010
)

// PartialLevel is one profit-taking rung.
type PartialLevel struct {
	ProfitPct float64
	Fraction  float64
}

// DefaultPartialLevels returns the standard three rungs: sell a quarter
// at +1%, +2% and +3%.
func DefaultPartialLevels() []PartialLevel {
	return []PartialLevel{
		{ProfitPct: 0.01, Fraction: 0.25},
		{ProfitPct: 0.02, Fraction: 0.25},
		{ProfitPct: 0.03, Fraction: 0.25},
	}
}

// Config tunes one profile's lifecycle manager.
type Config struct {
	Profile         string
	TrailingStopPct float64
	SlippagePct     float64
	PartialExits    bool
	PartialLevels   []PartialLevel
	MicroScaling    bool
}

// Lifecycle opens, protects and closes positions for one profile. The
// owning control loop is the only goroutine driving it; positions travel
// by value and come back as new values.
type Lifecycle struct {
	client broker.Client
	store  journal.Store
	bus    *events.Bus
	mset   *metrics.Set
	logger zerolog.Logger
	cfg    Config

	mu       sync.Mutex
	tradeIDs map[string]int64
	realized map[string]float64
	scales   map[string]*scalePlan
}

// scalePlan tracks micro-scaling progress toward the full calculated size.
type scalePlan struct {
	fullQty float64
	added   [2]bool
}

// NewLifecycle wires a lifecycle manager for one profile.
func NewLifecycle(client broker.Client, store journal.Store, bus *events.Bus, mset *metrics.Set, logger zerolog.Logger, cfg Config) *Lifecycle {
	if cfg.SlippagePct <= 0 {
		cfg.SlippagePct = 0.001
	}
	if cfg.PartialExits && len(cfg.PartialLevels) == 0 {
		cfg.PartialLevels = DefaultPartialLevels()
	}
	if len(cfg.PartialLevels) > MaxPartialExitLevels {
		cfg.PartialLevels = cfg.PartialLevels[:MaxPartialExitLevels]
	}
	return &Lifecycle{
		client:   client,
		store:    store,
		bus:      bus,
		mset:     mset,
		logger:   logger.With().Str("profile", cfg.Profile).Logger(),
		cfg:      cfg,
		tradeIDs: make(map[string]int64),
		realized: make(map[string]float64),
		scales:   make(map[string]*scalePlan),
	}
}

// OpenRequest carries a sized entry decision.
type OpenRequest struct {
	Symbol     string
	Strategy   string
	Price      float64
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
}

// HasBracket reports whether the venue protects this position itself.
// Fractional quantities cannot ride a bracket, so they get client-side
// triggers instead.
func (l *Lifecycle) HasBracket(p TradePosition) bool {
	return l.client.SupportsBrackets() && isWhole(p.Quantity)
}

// Open places the entry and records the position once the order is
// accepted. Micro-scaling profiles enter with half the calculated size;
// the rest arrives through CheckScaleIn.
func (l *Lifecycle) Open(ctx context.Context, req OpenRequest) (TradePosition, error) {
	venue := l.client.Venue()

	qty := req.Quantity
	if l.cfg.MicroScaling {
		scaled := broker.RoundOutbound(venue, broker.FieldQuantity, req.Symbol, qty*microInitialFraction)
		if scaled > 0 {
			l.mu.Lock()
			l.scales[req.Symbol] = &scalePlan{fullQty: qty}
			l.mu.Unlock()
			qty = scaled
		}
	}

	limit := broker.RoundOutbound(venue, broker.FieldPrice, req.Symbol, req.Price*(1+l.cfg.SlippagePct))
	stop := broker.RoundOutbound(venue, broker.FieldPrice, req.Symbol, req.StopLoss)
	target := broker.RoundOutbound(venue, broker.FieldPrice, req.Symbol, req.TakeProfit)

	useBracket := l.client.SupportsBrackets() && isWhole(qty)

	// One key per logical order; the resilient client resubmits the same
	// request on retry, so the venue deduplicates ambiguous failures.
	clientID := uuid.NewString()

	var orderID string
	var err error
	if useBracket {
		orderID, err = l.client.PlaceBracket(ctx, broker.BracketRequest{
			Symbol:        req.Symbol,
			Qty:           qty,
			Side:          broker.SideBuy,
			TakeProfit:    target,
			StopLoss:      stop,
			LimitPrice:    limit,
			ClientOrderID: clientID,
		})
	} else {
		orderID, err = l.client.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:        req.Symbol,
			Qty:           qty,
			Side:          broker.SideBuy,
			Type:          broker.OrderTypeLimit,
			TimeInForce:   broker.TIFDay,
			LimitPrice:    limit,
			ClientOrderID: clientID,
		})
	}
	if err != nil {
		return TradePosition{}, fmt.Errorf("entry order for %s: %w", req.Symbol, err)
	}

	pos, err := New(req.Symbol, req.Strategy, req.Price, qty, stop, target, time.Now())
	if err != nil {
		return TradePosition{}, err
	}

	if l.mset != nil {
		l.mset.OrdersSubmitted.WithLabelValues(string(venue), string(broker.SideBuy)).Inc()
	}

	id, jerr := l.store.RecordOpen(ctx, journal.TradeRecord{
		Symbol:     pos.Symbol,
		Strategy:   pos.Strategy,
		Profile:    l.cfg.Profile,
		EntryTime:  pos.EntryTime,
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
	})
	if jerr != nil {
		l.logger.Error().Err(jerr).Str("symbol", pos.Symbol).Msg("journal open failed, position tracked in memory only")
	} else {
		l.mu.Lock()
		l.tradeIDs[pos.Symbol] = id
		l.mu.Unlock()
	}

	l.logger.Info().
		Str("symbol", pos.Symbol).
		Str("order_id", orderID).
		Float64("qty", qty).
		Float64("entry", pos.EntryPrice).
		Float64("stop", pos.StopLoss).
		Float64("target", pos.TakeProfit).
		Bool("bracket", useBracket).
		Msg("position opened")

	if l.bus != nil {
		l.bus.Emit(events.TypeTradeOpened, events.TradeOpened{
			Symbol:     pos.Symbol,
			Profile:    l.cfg.Profile,
			Strategy:   pos.Strategy,
			EntryPrice: pos.EntryPrice,
			Quantity:   pos.Quantity,
			StopLoss:   pos.StopLoss,
			TakeProfit: pos.TakeProfit,
		})
	}

	return pos, nil
}

// ManageExits folds one price tick into the position: trailing-stop
// advance, server-side stop sync, client-side safety triggers and partial
// exits, in that order. It returns the updated position and whether the
// position was fully closed.
func (l *Lifecycle) ManageExits(ctx context.Context, pos TradePosition, price float64) (TradePosition, bool, error) {
	if price <= 0 {
		return pos, false, nil
	}

	pos, raised := pos.WithTrailingTick(price, l.cfg.TrailingStopPct)
	if raised {
		l.logger.Debug().
			Str("symbol", pos.Symbol).
			Float64("stop", pos.StopLoss).
			Float64("high", pos.HighestPrice).
			Msg("trailing stop advanced")
		if l.HasBracket(pos) {
			l.syncServerStop(ctx, pos)
		}
	}

	if !l.HasBracket(pos) {
		if price <= pos.StopLoss {
			reason := ReasonStopLoss
			if pos.StopLoss > pos.EntryPrice {
				reason = ReasonTrailingStop
			}
			if err := l.Close(ctx, pos, price, reason); err != nil {
				return pos, false, err
			}
			return pos, true, nil
		}
		if price >= pos.TakeProfit {
			if err := l.Close(ctx, pos, price, ReasonTakeProfit); err != nil {
				return pos, false, err
			}
			return pos, true, nil
		}
	}

	if l.cfg.PartialExits {
		var err error
		pos, err = l.checkPartialExits(ctx, pos, price)
		if err != nil {
			l.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("partial exit failed")
		}
	}

	return pos, false, nil
}

func (l *Lifecycle) checkPartialExits(ctx context.Context, pos TradePosition, price float64) (TradePosition, error) {
	profit := pos.ProfitPercent(price)
	venue := l.client.Venue()

	for i, lvl := range l.cfg.PartialLevels {
		if pos.PartialExitTaken(i) || profit < lvl.ProfitPct {
			continue
		}
		soldQty := broker.RoundOutbound(venue, broker.FieldQuantity, pos.Symbol, pos.Quantity*lvl.Fraction)
		if soldQty <= 0 || soldQty >= pos.Quantity {
			continue
		}
		if _, err := l.client.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:        pos.Symbol,
			Qty:           soldQty,
			Side:          broker.SideSell,
			Type:          broker.OrderTypeMarket,
			TimeInForce:   broker.TIFDay,
			ClientOrderID: uuid.NewString(),
		}); err != nil {
			return pos, fmt.Errorf("partial exit level %d for %s: %w", i, pos.Symbol, err)
		}

		next, err := pos.WithPartialExit(i, soldQty)
		if err != nil {
			return pos, err
		}
		pos = next

		l.mu.Lock()
		l.realized[pos.Symbol] += (price - pos.EntryPrice) * soldQty
		l.mu.Unlock()

		if l.mset != nil {
			l.mset.OrdersSubmitted.WithLabelValues(string(venue), string(broker.SideSell)).Inc()
		}
		l.logger.Info().
			Str("symbol", pos.Symbol).
			Int("level", i).
			Float64("sold", soldQty).
			Float64("remaining", pos.Quantity).
			Float64("profit_pct", profit*100).
			Msg("partial exit")
		if l.bus != nil {
			l.bus.Emit(events.TypePartialExit, events.PartialExit{
				Symbol:    pos.Symbol,
				Profile:   l.cfg.Profile,
				Level:     i,
				SoldQty:   soldQty,
				ExitPrice: price,
				Remaining: pos.Quantity,
			})
		}
	}
	return pos, nil
}

// CheckScaleIn places the micro-scaling add-ons once their profit
// triggers are met, capped by available buying power.
func (l *Lifecycle) CheckScaleIn(ctx context.Context, pos TradePosition, price, buyingPower float64) (TradePosition, error) {
	if !l.cfg.MicroScaling {
		return pos, nil
	}

	l.mu.Lock()
	plan, ok := l.scales[pos.Symbol]
	l.mu.Unlock()
	if !ok {
		return pos, nil
	}

	profit := pos.ProfitPercent(price)
	triggers := [2]float64{microAddOnTrigger1, microAddOnTrigger2}
	venue := l.client.Venue()

	for i, trigger := range triggers {
		if plan.added[i] || profit < trigger {
			continue
		}
		addQty := broker.RoundOutbound(venue, broker.FieldQuantity, pos.Symbol, plan.fullQty*microAddOnFraction)
		if addQty <= 0 {
			plan.added[i] = true
			continue
		}
		if addQty*price > buyingPower {
			l.logger.Debug().
				Str("symbol", pos.Symbol).
				Float64("needed", addQty*price).
				Float64("buying_power", buyingPower).
				Msg("scale-in skipped, insufficient buying power")
			return pos, nil
		}
		if _, err := l.client.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:        pos.Symbol,
			Qty:           addQty,
			Side:          broker.SideBuy,
			Type:          broker.OrderTypeMarket,
			TimeInForce:   broker.TIFDay,
			ClientOrderID: uuid.NewString(),
		}); err != nil {
			return pos, fmt.Errorf("scale-in add-on %d for %s: %w", i+1, pos.Symbol, err)
		}

		plan.added[i] = true
		buyingPower -= addQty * price
		next, err := pos.WithQuantity(pos.Quantity + addQty)
		if err != nil {
			return pos, err
		}
		pos = next

		if l.mset != nil {
			l.mset.OrdersSubmitted.WithLabelValues(string(venue), string(broker.SideBuy)).Inc()
		}
		l.logger.Info().
			Str("symbol", pos.Symbol).
			Int("addon", i+1).
			Float64("qty", addQty).
			Float64("total", pos.Quantity).
			Msg("scaled into position")
		if l.bus != nil {
			l.bus.Emit(events.TypeOrderPlaced, events.OrderPlaced{
				Symbol:  pos.Symbol,
				Profile: l.cfg.Profile,
				Side:    string(broker.SideBuy),
				Qty:     addQty,
				Price:   price,
				Purpose: "scale_in",
			})
		}
	}
	return pos, nil
}

// Close cancels any resting orders for the symbol, sells the remaining
// quantity at market and journals the realized P&L.
func (l *Lifecycle) Close(ctx context.Context, pos TradePosition, price float64, reason string) error {
	venue := l.client.Venue()

	if err := l.client.CancelAll(ctx, pos.Symbol); err != nil {
		l.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("cancel before close failed")
	}

	if _, err := l.client.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:        pos.Symbol,
		Qty:           pos.Quantity,
		Side:          broker.SideSell,
		Type:          broker.OrderTypeMarket,
		TimeInForce:   broker.TIFDay,
		ClientOrderID: uuid.NewString(),
	}); err != nil {
		return fmt.Errorf("exit order for %s: %w", pos.Symbol, err)
	}

	if l.mset != nil {
		l.mset.OrdersSubmitted.WithLabelValues(string(venue), string(broker.SideSell)).Inc()
	}

	l.finalize(ctx, pos, price, reason)
	return nil
}

// ReconcileClosed journals a position the venue already closed (a bracket
// leg filled server-side). No orders are issued.
func (l *Lifecycle) ReconcileClosed(ctx context.Context, pos TradePosition, price float64, reason string) {
	l.finalize(ctx, pos, price, reason)
}

func (l *Lifecycle) finalize(ctx context.Context, pos TradePosition, price float64, reason string) {
	l.mu.Lock()
	id, hasID := l.tradeIDs[pos.Symbol]
	realized := l.realized[pos.Symbol]
	delete(l.tradeIDs, pos.Symbol)
	delete(l.realized, pos.Symbol)
	delete(l.scales, pos.Symbol)
	l.mu.Unlock()

	pnl := (price-pos.EntryPrice)*pos.Quantity + realized

	if hasID {
		if err := l.store.RecordClose(ctx, id, time.Now(), price, pnl, reason); err != nil {
			l.logger.Error().Err(err).Str("symbol", pos.Symbol).Int64("trade_id", id).Msg("journal close failed")
		}
	}

	pnlPct := pos.ProfitPercent(price) * 100
	l.logger.Info().
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Float64("exit", price).
		Float64("pnl", pnl).
		Float64("pnl_pct", pnlPct).
		Msg("position closed")

	if l.bus != nil {
		l.bus.Emit(events.TypeTradeClosed, events.TradeClosed{
			Symbol:     pos.Symbol,
			Profile:    l.cfg.Profile,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  price,
			Quantity:   pos.Quantity,
			PnL:        pnl,
			PnLPercent: pnlPct,
			Reason:     reason,
		})
	}
}

// syncServerStop pushes a raised trailing stop onto the venue's resting
// stop order. Failure never blocks client-side protection.
func (l *Lifecycle) syncServerStop(ctx context.Context, pos TradePosition) {
	orders, err := l.client.OpenOrders(ctx, pos.Symbol)
	if err != nil {
		l.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("open orders lookup for stop sync failed")
		return
	}

	newStop := broker.RoundOutbound(l.client.Venue(), broker.FieldPrice, pos.Symbol, pos.StopLoss)
	for _, o := range orders {
		if o.Side != broker.SideSell || o.StopPrice == 0 {
			continue
		}
		if o.StopPrice >= newStop {
			return
		}
		if err := l.client.ReplaceOrder(ctx, o.ID, broker.ReplaceRequest{StopPrice: &newStop}); err != nil {
			l.logger.Warn().Err(err).
				Str("symbol", pos.Symbol).
				Str("order_id", o.ID).
				Float64("stop", newStop).
				Msg("server stop sync failed, client-side trigger remains")
			return
		}
		l.logger.Debug().Str("symbol", pos.Symbol).Float64("stop", newStop).Msg("server stop synced")
		return
	}
}

// TradeID returns the journal row backing an open symbol, if known.
func (l *Lifecycle) TradeID(symbol string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.tradeIDs[symbol]
	return id, ok
}

// RestoreState relinks recovered positions to their journal rows after a
// restart.
func (l *Lifecycle) RestoreState(tradeIDs map[string]int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sym, id := range tradeIDs {
		l.tradeIDs[sym] = id
	}
}

func isWhole(q float64) bool {
	return q == math.Trunc(q)
}
