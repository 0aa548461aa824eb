package bot

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"autonomous-trading-engine/internal/advisor"
	"autonomous-trading-engine/internal/anomaly"
	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/events"
	"autonomous-trading-engine/internal/indicators"
	"autonomous-trading-engine/internal/journal"
	"autonomous-trading-engine/internal/marketdata"
	"autonomous-trading-engine/internal/metrics"
	"autonomous-trading-engine/internal/pdt"
	"autonomous-trading-engine/internal/position"
	"autonomous-trading-engine/internal/risk"
	"autonomous-trading-engine/internal/statestore"
	"autonomous-trading-engine/internal/strategy"
	"autonomous-trading-engine/internal/supervisor"
)

const (
	defaultHistory       = 50
	defaultTestFrequency = 5
	defaultVolThreshold  = 20
	defaultVolHysteresis = 2

	minCycleInterval  = time.Second
	rateLimitCooldown = 2 * time.Minute

	// dustQty matches the venue dust threshold: residuals below it count
	// as flat.
	dustQty = 1e-8

	reasonExternalFill = "external_fill"
)

// Fill is an execution report forwarded from a venue's private stream.
type Fill struct {
	Symbol string
	Side   broker.Side
	Price  float64
	Qty    float64
}

// LoopConfig tunes behavior shared across profiles.
type LoopConfig struct {
	// History is how many bars each signal evaluation sees.
	History int
	// InitialCapital caps effective equity when the venue reports more;
	// zero disables the cap.
	InitialCapital float64
	// PortfolioStopLoss liquidates the profile outright when drawdown
	// reaches this fraction; zero disables. It sits beyond the drawdown
	// halt, which only blocks entries.
	PortfolioStopLoss float64
	// AdvisorThreshold is the minimum advisor score an entry needs while
	// advisors are configured.
	AdvisorThreshold float64
	// VolThreshold and VolHysteresis drive the volatility classifier.
	VolThreshold  float64
	VolHysteresis float64

	MarketHoursBypass bool
	TestMode          bool
	TestFrequency     int

	// Degradation reports the aggregate level for status pushes; nil
	// reports NORMAL.
	Degradation func() Level
}

// LoopDeps are the collaborators one control loop drives. Advisors, Bus,
// Metrics and Fills may be nil; everything else is required. Crypto
// profiles get a pdt.Guard constructed disabled.
type LoopDeps struct {
	Client     broker.Client
	Cache      *marketdata.Cache
	Risk       *risk.Engine
	Lifecycle  *position.Lifecycle
	Strategy   *strategy.Engine
	Guard      *pdt.Guard
	Monitor    *anomaly.Monitor
	SafeMode   *anomaly.SafeMode
	Supervisor *supervisor.Supervisor
	States     *statestore.Store
	Journal    journal.Store
	Advisors   *advisor.Bus
	Bus        *events.Bus
	Metrics    *metrics.Set
	Fills      <-chan Fill
}

// Loop is one profile's control loop. The run goroutine owns every
// mutation in normal operation; the mutex exists for the dashboard's read
// view and for the supervisor's emergency flatten.
type Loop struct {
	profile Profile
	cfg     LoopConfig
	logger  zerolog.Logger

	client    broker.Client
	cache     *marketdata.Cache
	risk      *risk.Engine
	lifecycle *position.Lifecycle
	strategy  *strategy.Engine
	guard     *pdt.Guard
	monitor   *anomaly.Monitor
	safeMode  *anomaly.SafeMode
	super     *supervisor.Supervisor
	advisors  *advisor.Bus
	states    *statestore.Store
	store     journal.Store
	bus       *events.Bus
	mset      *metrics.Set
	fills     <-chan Fill

	mu        sync.Mutex
	positions map[string]position.TradePosition

	cycle atomic.Int64

	// cycle-goroutine state, never shared
	volStates     map[string]indicators.VolatilityState
	symbolBackoff map[string]time.Time
	cycleBars     map[string][]broker.Bar
	adopted       bool
	haltSeen      bool
	stopFlattened bool
}

// NewLoop wires a control loop for one profile.
func NewLoop(profile Profile, deps LoopDeps, cfg LoopConfig, logger zerolog.Logger) *Loop {
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	if cfg.TestFrequency <= 0 {
		cfg.TestFrequency = defaultTestFrequency
	}
	if cfg.VolThreshold <= 0 {
		cfg.VolThreshold = defaultVolThreshold
	}
	if cfg.VolHysteresis <= 0 {
		cfg.VolHysteresis = defaultVolHysteresis
	}
	return &Loop{
		profile:       profile,
		cfg:           cfg,
		logger:        logger.With().Str("profile", profile.Name).Str("venue", string(profile.Venue)).Logger(),
		client:        deps.Client,
		cache:         deps.Cache,
		risk:          deps.Risk,
		lifecycle:     deps.Lifecycle,
		strategy:      deps.Strategy,
		guard:         deps.Guard,
		monitor:       deps.Monitor,
		safeMode:      deps.SafeMode,
		super:         deps.Supervisor,
		advisors:      deps.Advisors,
		states:        deps.States,
		store:         deps.Journal,
		bus:           deps.Bus,
		mset:          deps.Metrics,
		fills:         deps.Fills,
		positions:     make(map[string]position.TradePosition),
		volStates:     make(map[string]indicators.VolatilityState),
		symbolBackoff: make(map[string]time.Time),
		cycleBars:     make(map[string][]broker.Bar),
	}
}

// Run drives cycles until ctx is cancelled. The sleep between cycles is
// the profile cadence scaled by the live safe-mode multiplier, so a clamp
// tightens the loop without restarting it.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info().
		Dur("interval", l.profile.CycleInterval).
		Strs("bullish", l.profile.BullishSymbols).
		Strs("bearish", l.profile.BearishSymbols).
		Msg("control loop started")
	defer l.logger.Info().Msg("control loop stopped")

	for {
		l.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.interval()):
		}
	}
}

func (l *Loop) interval() time.Duration {
	interval := l.profile.CycleInterval
	if params := l.safeMode.Params(); params.CycleMultiplier > 0 {
		interval = time.Duration(float64(interval) * params.CycleMultiplier)
	}
	if interval < minCycleInterval {
		interval = minCycleInterval
	}
	return interval
}

// Component is the loop's supervisor registration name.
func (l *Loop) Component() string { return "loop:" + l.profile.Name }

// MaxSilent is how long the supervisor tolerates this loop staying quiet:
// several cycles plus room for breaker cool-downs and retry backoffs.
func (l *Loop) MaxSilent() time.Duration {
	silent := 5 * l.profile.CycleInterval
	if silent < 3*time.Minute {
		silent = 3 * time.Minute
	}
	return silent
}

// Name returns the profile name.
func (l *Loop) Name() string { return l.profile.Name }

// Venue returns the venue the loop trades.
func (l *Loop) Venue() broker.Venue { return l.client.Venue() }

// Cycle returns the current cycle count.
func (l *Loop) Cycle() int64 { return l.cycle.Load() }

// RunCycle executes one full pass: streamed fills, venue snapshot, health
// push, guards, then the sequential symbol pipeline. Every return path
// except context cancellation beats the supervisor, because a beat means
// the loop is alive, not that it traded.
func (l *Loop) RunCycle(ctx context.Context) {
	cycle := l.cycle.Add(1)
	l.cycleBars = make(map[string][]broker.Bar)

	l.drainFills(ctx)

	snap, err := l.cache.Snapshot(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("venue snapshot unavailable, cycle reduced to heartbeat")
		l.beat()
		return
	}

	equity := l.effectiveEquity(snap.Account.Equity)
	l.risk.UpdateEquity(equity)
	if l.mset != nil {
		l.mset.EquityGauge.WithLabelValues(string(l.client.Venue())).Set(equity)
	}

	if !l.adopted {
		l.adopt(ctx, snap, equity)
		l.adopted = true
	}
	l.reconcile(ctx, snap)

	marketOpen := l.isMarketOpen(ctx)
	l.broadcastStatus(snap.Account, equity, marketOpen, cycle)

	if l.risk.ShouldHalt() {
		l.announceHalt()
		l.maybePortfolioStop(ctx)
		l.beat()
		return
	}
	l.haltSeen = false
	l.stopFlattened = false

	if !marketOpen && !l.profile.ExtendedHours && !l.cfg.MarketHoursBypass {
		l.logger.Debug().Msg("market closed, trading steps skipped")
		l.beat()
		return
	}

	symbols := l.activeSymbols(ctx)
	failures := 0
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		if err := l.processSymbol(ctx, symbol, snap.Account, equity); err != nil {
			failures++
			l.logger.Error().Err(err).Str("symbol", symbol).Msg("symbol processing failed")
		}
	}
	if len(symbols) > 0 {
		if res := l.monitor.CheckErrorRate(float64(failures) / float64(len(symbols))); res.Critical() {
			l.safeMode.Activate("cycle error rate", res.ZScore)
		}
	}

	l.maybeTestEntry(ctx, snap.Account, equity, cycle)

	l.beat()
}

func (l *Loop) beat() {
	l.super.Beat(l.Component())
	if l.mset != nil {
		l.mset.CyclesCompleted.WithLabelValues(l.profile.Name).Inc()
		l.mset.PositionsOpen.WithLabelValues(l.profile.Name).Set(float64(l.positionCount()))
	}
}

func (l *Loop) effectiveEquity(equity float64) float64 {
	if l.cfg.InitialCapital > 0 && equity > l.cfg.InitialCapital {
		return l.cfg.InitialCapital
	}
	return equity
}

func (l *Loop) isMarketOpen(ctx context.Context) bool {
	open, err := l.client.MarketOpen(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("market clock unavailable, assuming closed")
		return false
	}
	return open
}

func (l *Loop) announceHalt() {
	state := l.risk.State()
	if l.haltSeen {
		l.logger.Debug().Float64("drawdown", state.Drawdown).Msg("drawdown halt holding")
		return
	}
	l.haltSeen = true
	l.logger.Warn().
		Float64("peak", state.PeakEquity).
		Float64("equity", state.Equity).
		Float64("drawdown", state.Drawdown).
		Msg("drawdown guard engaged, cycle reduced to heartbeat")
	if l.bus != nil {
		l.bus.Emit(events.TypeDrawdownHalt, events.DrawdownHalt{
			Venue:      string(l.client.Venue()),
			Profile:    l.profile.Name,
			PeakEquity: state.PeakEquity,
			Equity:     state.Equity,
			Drawdown:   state.Drawdown,
		})
	}
}

// maybePortfolioStop liquidates the profile once drawdown reaches the
// portfolio stop, the level past the entry halt where holding through the
// slide is no longer acceptable. Latched until the halt clears.
func (l *Loop) maybePortfolioStop(ctx context.Context) {
	if l.cfg.PortfolioStopLoss <= 0 || l.stopFlattened {
		return
	}
	state := l.risk.State()
	if state.Drawdown < l.cfg.PortfolioStopLoss {
		return
	}
	l.stopFlattened = true
	l.logger.Error().
		Float64("drawdown", state.Drawdown).
		Float64("limit", l.cfg.PortfolioStopLoss).
		Msg("portfolio stop reached, liquidating profile")
	if err := l.EmergencyFlatten(ctx); err != nil {
		l.logger.Error().Err(err).Msg("portfolio stop liquidation incomplete")
	}
}

// activeSymbols is the configured list for the current regime plus every
// symbol already held, so exits stay managed after a regime flip
// deselects a name.
func (l *Loop) activeSymbols(ctx context.Context) []string {
	configured := l.profile.BullishSymbols
	if len(l.profile.BearishSymbols) > 0 && l.marketRegime(ctx) == strategy.RegimeStrongBear {
		configured = l.profile.BearishSymbols
	}

	seen := make(map[string]bool, len(configured))
	out := make([]string, 0, len(configured))
	for _, s := range configured {
		symbol := broker.NormalizeSymbol(s)
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		out = append(out, symbol)
	}
	for _, symbol := range l.heldSymbols() {
		if !seen[symbol] {
			seen[symbol] = true
			out = append(out, symbol)
		}
	}
	return out
}

// marketRegime classifies the broad market from the profile's first
// bullish symbol, the designated benchmark for list selection.
func (l *Loop) marketRegime(ctx context.Context) strategy.MarketRegime {
	ref := broker.NormalizeSymbol(l.profile.BullishSymbols[0])
	bars, err := l.fetchBars(ctx, ref)
	if err != nil || len(bars) == 0 {
		return strategy.RegimeNeutral
	}
	return strategy.DetectRegime(bars, l.volState(ref, realizedVolatility(bars)))
}

// processSymbol runs the full pipeline for one symbol: bars, anomaly
// detectors, regime, then exit management or entry consideration. Errors
// bubble to the cycle's isolation perimeter.
func (l *Loop) processSymbol(ctx context.Context, symbol string, acct broker.Account, equity float64) error {
	if until, ok := l.symbolBackoff[symbol]; ok {
		if time.Now().Before(until) {
			l.logger.Debug().Str("symbol", symbol).Time("until", until).Msg("symbol in rate-limit cooldown")
			return nil
		}
		delete(l.symbolBackoff, symbol)
	}

	bars, err := l.fetchBars(ctx, symbol)
	if err != nil {
		if broker.KindOf(err) == broker.KindRateLimited {
			l.symbolBackoff[symbol] = time.Now().Add(rateLimitCooldown)
		}
		return fmt.Errorf("history for %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		l.logger.Debug().Str("symbol", symbol).Msg("no bars available")
		return nil
	}
	last := bars[len(bars)-1]
	price := last.Close
	if price <= 0 {
		return nil
	}

	if len(bars) >= 2 {
		if res := l.monitor.CheckPriceMove(symbol, bars[len(bars)-2].Close, price); res.Critical() {
			l.safeMode.Activate("price dislocation on "+symbol, res.ZScore)
		}
	}
	if res := l.monitor.CheckVolume(symbol, last.Volume); res.Critical() {
		l.safeMode.Activate("volume spike on "+symbol, res.ZScore)
	}

	vol := realizedVolatility(bars)
	volState := l.volState(symbol, vol)
	regime := strategy.DetectRegime(bars, volState)

	if pos, held := l.position(symbol); held {
		return l.manageHeld(ctx, pos, price, equity, acct.BuyingPower, bars, volState, regime)
	}
	return l.considerEntry(ctx, symbol, price, vol, equity, acct.BuyingPower, bars, volState, regime)
}

// manageHeld runs the exit side for one held symbol: protective exits
// first (trailing, stops, targets, partials), then micro-scaling, then
// the strategy's own sell. A day-trade denial leaves the venue bracket as
// the only protection until the window clears.
func (l *Loop) manageHeld(ctx context.Context, pos position.TradePosition, price, equity, buyingPower float64, bars []broker.Bar, volState indicators.VolatilityState, regime strategy.MarketRegime) error {
	symbol := pos.Symbol

	if dec := l.guard.CanClose(ctx, symbol, pos.EntryTime, equity); !dec.Allowed {
		l.logger.Warn().Str("symbol", symbol).Str("reason", dec.Reason).Msg("exit management paused by day-trade rule")
		return nil
	}

	next, closed, err := l.lifecycle.ManageExits(ctx, pos, price)
	if err != nil {
		return fmt.Errorf("exit management for %s: %w", symbol, err)
	}
	if closed {
		l.forget(ctx, symbol)
		return nil
	}
	pos = next
	l.setPosition(pos)

	if l.profile.MicroScaling {
		scaled, serr := l.lifecycle.CheckScaleIn(ctx, pos, price, buyingPower)
		if serr != nil {
			l.logger.Warn().Err(serr).Str("symbol", symbol).Msg("scale-in failed")
		} else {
			pos = scaled
			l.setPosition(pos)
		}
	}

	sig := l.strategy.Signal(symbol, regime, volState, bars)
	l.publishSignal(sig, regime)
	if sig.Action == strategy.ActionSell {
		if err := l.lifecycle.Close(ctx, pos, price, position.ReasonSignalSell); err != nil {
			return fmt.Errorf("signal exit for %s: %w", symbol, err)
		}
		l.forget(ctx, symbol)
		return nil
	}

	l.saveState(ctx, pos)
	return nil
}

// considerEntry evaluates the signal for an idle symbol and, when every
// gate passes, opens the position.
func (l *Loop) considerEntry(ctx context.Context, symbol string, price, vol, equity, buyingPower float64, bars []broker.Bar, volState indicators.VolatilityState, regime strategy.MarketRegime) error {
	sig := l.strategy.Signal(symbol, regime, volState, bars)
	l.publishSignal(sig, regime)
	if sig.Action != strategy.ActionBuy {
		return nil
	}

	if reason, ok := l.entryGate(ctx, equity); !ok {
		l.logger.Info().Str("symbol", symbol).Str("reason", reason).Msg("entry blocked")
		return nil
	}

	if l.advisors != nil && l.advisors.Enabled() {
		if score := l.advisors.Score(ctx, symbol); score < l.cfg.AdvisorThreshold {
			l.logger.Info().Str("symbol", symbol).
				Float64("score", score).
				Float64("threshold", l.cfg.AdvisorThreshold).
				Msg("entry skipped on advisor score")
			return nil
		}
	}

	return l.open(ctx, symbol, price, vol, equity, buyingPower, strategyFor(regime))
}

// entryGate holds every reason a new entry is refused before sizing even
// runs. Exits never pass through here.
func (l *Loop) entryGate(ctx context.Context, equity float64) (string, bool) {
	if l.super.Tripped() {
		return "dead-man switch tripped", false
	}
	if params := l.safeMode.Params(); params.EntriesPaused {
		return "safe mode entry pause", false
	}
	tier := risk.ParamsForEquity(l.budget(equity))
	if l.positionCount() >= tier.MaxPositions {
		return fmt.Sprintf("tier %s position cap %d reached", tier.Tier, tier.MaxPositions), false
	}
	if dec := l.guard.CanOpen(ctx, equity); !dec.Allowed {
		return dec.Reason, false
	}
	return "", true
}

// open sizes and places one entry. Venue refusals that are expected in
// normal operation (funds, market hours) are absorbed here; everything
// else is a symbol failure.
func (l *Loop) open(ctx context.Context, symbol string, price, vol, equity, buyingPower float64, strategyName string) error {
	budget := l.budget(equity)
	stop, target := l.risk.ExitLevels(price, risk.GetTier(budget), l.exitParams())

	qty := l.risk.CalculatePositionSize(risk.SizeRequest{
		Symbol:     symbol,
		Venue:      l.client.Venue(),
		Equity:     budget,
		Price:      price,
		StopLoss:   stop,
		Volatility: vol,
		Stats:      l.symbolStats(ctx, symbol),
	})
	if qty <= 0 {
		l.logger.Debug().Str("symbol", symbol).Float64("budget", budget).Msg("sized to zero, entry skipped")
		return nil
	}
	if cost := qty * price; cost > buyingPower {
		l.logger.Info().Str("symbol", symbol).
			Float64("cost", cost).
			Float64("buying_power", buyingPower).
			Msg("entry skipped, exceeds buying power")
		return nil
	}

	pos, err := l.lifecycle.Open(ctx, position.OpenRequest{
		Symbol:     symbol,
		Strategy:   strategyName,
		Price:      price,
		Quantity:   qty,
		StopLoss:   stop,
		TakeProfit: target,
	})
	if err != nil {
		switch broker.KindOf(err) {
		case broker.KindInsufficientFunds, broker.KindMarketClosed:
			l.logger.Info().Err(err).Str("symbol", symbol).Msg("entry rejected by venue")
			return nil
		}
		return err
	}

	l.setPosition(pos)
	l.saveState(ctx, pos)
	return nil
}

// budget is the slice of deployable capital this profile may size
// against.
func (l *Loop) budget(equity float64) float64 {
	return l.risk.DeployableCapital(equity) * l.profile.CapitalFraction
}

func (l *Loop) exitParams() risk.ExitParams {
	return risk.ExitParams{
		StopLossPercent:   l.profile.StopLossPercent,
		TakeProfitPercent: l.profile.TakeProfitPercent,
		Override:          l.profile.ExitOverride,
	}
}

func (l *Loop) symbolStats(ctx context.Context, symbol string) *journal.SymbolStats {
	stats, err := l.store.SymbolStats(ctx, symbol)
	if err != nil {
		l.logger.Debug().Err(err).Str("symbol", symbol).Msg("symbol stats unavailable")
		return nil
	}
	return &stats
}

// strategyFor names the sub-strategy the regime dispatches to, recorded
// in the journal for per-strategy analysis.
func strategyFor(regime strategy.MarketRegime) string {
	switch regime {
	case strategy.RegimeStrongBull, strategy.RegimeStrongBear, strategy.RegimeHighVolatility:
		return "macd_trend"
	default:
		return "rsi_reversion"
	}
}

// fetchBars memoizes history per cycle so the regime benchmark and the
// symbol pipeline share one venue call.
func (l *Loop) fetchBars(ctx context.Context, symbol string) ([]broker.Bar, error) {
	if bars, ok := l.cycleBars[symbol]; ok {
		return bars, nil
	}
	bars, err := l.client.History(ctx, symbol, l.cfg.History)
	if err != nil {
		return nil, err
	}
	l.cycleBars[symbol] = bars
	return bars, nil
}

func (l *Loop) volState(symbol string, vol float64) indicators.VolatilityState {
	prev := l.volStates[symbol]
	next := indicators.ClassifyVolatility(prev, vol, l.cfg.VolThreshold, l.cfg.VolHysteresis)
	if next != prev {
		if prev != "" {
			l.logger.Info().Str("symbol", symbol).Float64("vol", vol).
				Str("from", string(prev)).Str("to", string(next)).
				Msg("volatility state transition")
		}
		l.volStates[symbol] = next
	}
	return next
}

// realizedVolatility is the engine's volatility proxy: annualized standard
// deviation of bar-over-bar log returns, in percent, comparable to a
// VIX-style index level. Annualization uses calendar time between bars
// since crypto sessions run continuously.
func realizedVolatility(bars []broker.Bar) float64 {
	if len(bars) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		rets = append(rets, math.Log(cur/prev))
	}
	if len(rets) < 2 {
		return 0
	}
	spacing := bars[len(bars)-1].OpenTime.Sub(bars[0].OpenTime) / time.Duration(len(bars)-1)
	if spacing <= 0 {
		return 0
	}
	perYear := float64(365*24*time.Hour) / float64(spacing)
	return stat.StdDev(rets, nil) * math.Sqrt(perYear) * 100
}

// drainFills applies every fill buffered since the previous cycle, before
// the exit pass reads position state.
func (l *Loop) drainFills(ctx context.Context) {
	if l.fills == nil {
		return
	}
	for {
		select {
		case fill := <-l.fills:
			l.applyFill(ctx, fill)
		default:
			return
		}
	}
}

// applyFill folds one streamed execution into the position map. A sell of
// the full quantity means the venue closed the position between cycles;
// buys are confirmations of the loop's own orders and carry no new state.
func (l *Loop) applyFill(ctx context.Context, fill Fill) {
	symbol := broker.NormalizeSymbol(fill.Symbol)
	pos, held := l.position(symbol)
	if !held {
		l.logger.Debug().Str("symbol", symbol).Str("side", string(fill.Side)).Msg("fill for unmanaged symbol ignored")
		return
	}
	if fill.Side != broker.SideSell {
		l.logger.Debug().Str("symbol", symbol).Float64("qty", fill.Qty).Msg("buy fill confirmed")
		return
	}

	remaining := pos.Quantity - fill.Qty
	if remaining <= dustQty {
		l.logger.Info().Str("symbol", symbol).Float64("price", fill.Price).Msg("position closed by streamed fill")
		l.lifecycle.ReconcileClosed(ctx, pos, fill.Price, reasonExternalFill)
		l.forget(ctx, symbol)
		return
	}
	next, err := pos.WithQuantity(remaining)
	if err != nil {
		l.logger.Warn().Err(err).Str("symbol", symbol).Msg("partial fill not applicable")
		return
	}
	l.setPosition(next)
	l.saveState(ctx, next)
	l.logger.Info().Str("symbol", symbol).
		Float64("sold", fill.Qty).
		Float64("remaining", remaining).
		Msg("partial external sell applied")
}

// adopt runs once, on the first cycle: saved positions are recovered with
// their high-water marks, and venue holdings inside the profile's universe
// that have no saved state come under management as fresh entries at the
// venue's average cost.
func (l *Loop) adopt(ctx context.Context, snap marketdata.Snapshot, equity float64) {
	saved, err := l.states.LoadAll(ctx, l.profile.Name)
	if err != nil {
		l.logger.Warn().Err(err).Msg("position state unavailable, adopting venue holdings bare")
		saved = nil
	}
	universe := l.profile.universe()

	ids := make(map[string]int64)
	for _, h := range snap.Holdings {
		symbol := broker.NormalizeSymbol(h.Symbol)
		if h.Quantity <= 0 {
			continue
		}
		if rec, ok := saved[symbol]; ok {
			pos := rec.Position
			if pos.Quantity != h.Quantity {
				adjusted, qerr := pos.WithQuantity(h.Quantity)
				if qerr != nil {
					l.logger.Warn().Err(qerr).Str("symbol", symbol).Msg("saved position unusable, re-adopting bare")
					l.adoptExternal(ctx, symbol, h, equity)
					continue
				}
				pos = adjusted
			}
			pos = pos.WithHigh(h.CurrentPrice)
			l.setPosition(pos)
			if rec.TradeID != 0 {
				ids[symbol] = rec.TradeID
			}
			l.logger.Info().
				Str("symbol", symbol).
				Float64("qty", pos.Quantity).
				Float64("stop", pos.StopLoss).
				Float64("high", pos.HighestPrice).
				Msg("position recovered from state store")
			continue
		}
		if universe[symbol] {
			l.adoptExternal(ctx, symbol, h, equity)
		}
	}
	if len(ids) > 0 {
		l.lifecycle.RestoreState(ids)
	}

	for symbol := range saved {
		if _, held := l.position(symbol); !held {
			l.logger.Info().Str("symbol", symbol).Msg("stale saved position dropped, venue no longer holds it")
			if derr := l.states.Delete(ctx, l.profile.Name, symbol); derr != nil {
				l.logger.Warn().Err(derr).Str("symbol", symbol).Msg("stale state delete failed")
			}
		}
	}
}

func (l *Loop) adoptExternal(ctx context.Context, symbol string, h marketdata.Holding, equity float64) {
	entry := h.AvgEntry
	if entry <= 0 {
		entry = h.CurrentPrice
	}
	if entry <= 0 {
		l.logger.Warn().Str("symbol", symbol).Msg("holding has no usable price, left unmanaged")
		return
	}

	stop, target := l.risk.ExitLevels(entry, risk.GetTier(l.budget(equity)), l.exitParams())
	pos, err := position.New(symbol, "adopted", entry, h.Quantity, stop, target, time.Now())
	if err != nil {
		l.logger.Warn().Err(err).Str("symbol", symbol).Msg("holding not adoptable")
		return
	}
	pos = pos.WithHigh(h.CurrentPrice)

	id, jerr := l.store.RecordOpen(ctx, journal.TradeRecord{
		Symbol:     pos.Symbol,
		Strategy:   pos.Strategy,
		Profile:    l.profile.Name,
		EntryTime:  pos.EntryTime,
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
	})
	if jerr != nil {
		l.logger.Warn().Err(jerr).Str("symbol", symbol).Msg("journal open for adopted holding failed")
	} else {
		l.lifecycle.RestoreState(map[string]int64{symbol: id})
	}

	l.setPosition(pos)
	l.saveState(ctx, pos)
	l.logger.Info().
		Str("symbol", symbol).
		Float64("qty", pos.Quantity).
		Float64("entry", pos.EntryPrice).
		Float64("stop", pos.StopLoss).
		Float64("target", pos.TakeProfit).
		Msg("external holding adopted")
}

// reconcile drops managed positions the venue no longer holds: a bracket
// leg filled server-side, or an operator closed the position by hand. A
// resting buy keeps the position, the entry fill just hasn't landed yet.
func (l *Loop) reconcile(ctx context.Context, snap marketdata.Snapshot) {
	if snap.PositionsStale {
		return
	}
	held := make(map[string]float64, len(snap.Holdings))
	for _, h := range snap.Holdings {
		held[broker.NormalizeSymbol(h.Symbol)] = h.Quantity
	}
	for _, pos := range l.Positions() {
		if held[pos.Symbol] > dustQty {
			continue
		}
		orders, err := l.client.OpenOrders(ctx, pos.Symbol)
		if err != nil {
			l.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("open orders unavailable, reconcile deferred")
			continue
		}
		if hasResting(orders, broker.SideBuy) {
			continue
		}
		price := l.exitPrice(ctx, pos)
		l.logger.Info().Str("symbol", pos.Symbol).Float64("price", price).Msg("venue closed position, reconciling")
		l.lifecycle.ReconcileClosed(ctx, pos, price, position.ReasonBracketFill)
		l.forget(ctx, pos.Symbol)
	}
}

func hasResting(orders []broker.Order, side broker.Side) bool {
	for _, o := range orders {
		if o.Side == side {
			return true
		}
	}
	return false
}

// exitPrice approximates where a venue-side close filled. The stop is the
// pessimistic fallback when no quote is available.
func (l *Loop) exitPrice(ctx context.Context, pos position.TradePosition) float64 {
	bar, err := l.client.LatestBar(ctx, pos.Symbol)
	if err == nil && bar.Close > 0 {
		return bar.Close
	}
	return pos.StopLoss
}

// maybeTestEntry drives the synthetic entry used to exercise the order
// pipeline against paper credentials. The risk gates still apply; only
// the signal requirement is waived.
func (l *Loop) maybeTestEntry(ctx context.Context, acct broker.Account, equity float64, cycle int64) {
	if !l.cfg.TestMode || cycle%int64(l.cfg.TestFrequency) != 0 {
		return
	}
	if reason, ok := l.entryGate(ctx, equity); !ok {
		l.logger.Debug().Str("reason", reason).Msg("test entry blocked")
		return
	}
	for _, s := range l.profile.BullishSymbols {
		symbol := broker.NormalizeSymbol(s)
		if _, held := l.position(symbol); held {
			continue
		}
		bars, err := l.fetchBars(ctx, symbol)
		if err != nil || len(bars) == 0 {
			continue
		}
		price := bars[len(bars)-1].Close
		if price <= 0 {
			continue
		}
		l.logger.Info().Str("symbol", symbol).Int64("cycle", cycle).Msg("test mode forcing entry")
		if err := l.open(ctx, symbol, price, realizedVolatility(bars), equity, acct.BuyingPower, "test_mode"); err != nil {
			l.logger.Warn().Err(err).Str("symbol", symbol).Msg("test entry failed")
		}
		return
	}
}

func (l *Loop) broadcastStatus(acct broker.Account, equity float64, marketOpen bool, cycle int64) {
	if l.bus == nil {
		return
	}
	level := LevelNormal
	if l.cfg.Degradation != nil {
		level = l.cfg.Degradation()
	}
	l.bus.Emit(events.TypeStatus, events.Status{
		Profile:     l.profile.Name,
		Degradation: level.String(),
		Equity:      equity,
		BuyingPower: acct.BuyingPower,
		Positions:   l.positionCount(),
		MarketOpen:  marketOpen,
		Cycle:       cycle,
	})
}

// publishSignal pushes actionable decisions to the dashboard feed. Holds
// stay in the logs.
func (l *Loop) publishSignal(sig strategy.Signal, regime strategy.MarketRegime) {
	l.logger.Debug().Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Str("regime", string(regime)).
		Str("reason", sig.Reason).
		Msg("signal")
	if l.bus == nil || sig.Action == strategy.ActionHold {
		return
	}
	l.bus.Emit(events.TypeSignal, events.Signal{
		Symbol:  sig.Symbol,
		Profile: l.profile.Name,
		Action:  string(sig.Action),
		Reason:  sig.Reason,
		Regime:  string(regime),
		Price:   sig.Price,
	})
}

// EmergencyFlatten is the supervisor's dead-man path: cancel everything,
// liquidate the venue account and journal every managed close. It runs on
// the supervisor's goroutine; swapping the position map out first keeps
// the trading cycle from re-entering the flattened names.
func (l *Loop) EmergencyFlatten(ctx context.Context) error {
	l.mu.Lock()
	held := l.positions
	l.positions = make(map[string]position.TradePosition)
	l.mu.Unlock()

	l.logger.Error().Int("positions", len(held)).Msg("emergency flatten engaged")

	if err := l.client.CancelAll(ctx, ""); err != nil {
		l.logger.Warn().Err(err).Msg("cancel-all during flatten failed")
	}
	err := l.client.CloseAll(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("venue liquidation incomplete")
	}

	symbols := make([]string, 0, len(held))
	for symbol := range held {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		pos := held[symbol]
		l.lifecycle.ReconcileClosed(ctx, pos, l.exitPrice(ctx, pos), position.ReasonEmergency)
		if derr := l.states.Delete(ctx, l.profile.Name, symbol); derr != nil {
			l.logger.Warn().Err(derr).Str("symbol", symbol).Msg("state delete during flatten failed")
		}
	}
	return err
}

func (l *Loop) position(symbol string) (position.TradePosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	return pos, ok
}

func (l *Loop) setPosition(pos position.TradePosition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[pos.Symbol] = pos
}

func (l *Loop) positionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

func (l *Loop) heldSymbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.positions))
	for symbol := range l.positions {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Positions returns the managed positions sorted by symbol, for the
// dashboard.
func (l *Loop) Positions() []position.TradePosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]position.TradePosition, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (l *Loop) forget(ctx context.Context, symbol string) {
	l.mu.Lock()
	delete(l.positions, symbol)
	l.mu.Unlock()
	if err := l.states.Delete(ctx, l.profile.Name, symbol); err != nil {
		l.logger.Warn().Err(err).Str("symbol", symbol).Msg("position state delete failed")
	}
}

func (l *Loop) saveState(ctx context.Context, pos position.TradePosition) {
	id, _ := l.lifecycle.TradeID(pos.Symbol)
	if err := l.states.Save(ctx, l.profile.Name, pos, id); err != nil {
		l.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("position state save failed")
	}
}
