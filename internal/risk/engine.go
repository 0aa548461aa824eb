package risk

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/journal"
)

// volReference is the volatility proxy level at which sizing is unscaled;
// above it, dollar risk shrinks proportionally.
const volReference = 20.0

// Kelly sizing bounds as fractions of deployable capital.
const (
	kellyFloor     = 0.01
	kellyCeiling   = 0.25
	kellyMinTrades = 10
)

// Config holds the risk engine settings.
type Config struct {
	MaxDrawdown    float64 // fraction of peak equity, e.g. 0.25
	ReservePercent float64 // capital kept out of sizing
	KellyEnabled   bool
	KellyFraction  float64 // multiplier on the Kelly-optimal fraction
	RewardRisk     float64 // configured reward:risk used by Kelly
}

// Engine sizes positions, derives exits and enforces the drawdown guard.
// Safe mode tightens it through SetAdjustments.
type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	logger zerolog.Logger

	peakEquity   float64
	lastEquity   float64
	breachWarned bool
	lastTier     CapitalTier

	// safe-mode clamps; 1.0 when operating normally
	sizingAdj float64
	stopAdj   float64
}

// New creates a risk engine.
func New(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.RewardRisk <= 0 {
		cfg.RewardRisk = 2.0
	}
	if cfg.KellyFraction <= 0 {
		cfg.KellyFraction = 0.5
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		sizingAdj: 1.0,
		stopAdj:   1.0,
	}
}

// SetAdjustments applies or lifts the safe-mode clamp. sizing scales the
// dollar risk, stop scales the stop-loss percent distance.
func (e *Engine) SetAdjustments(sizing, stop float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sizingAdj = sizing
	e.stopAdj = stop
	e.logger.Info().Float64("sizing", sizing).Float64("stop", stop).Msg("risk adjustments updated")
}

// DeployableCapital is the single authoritative reserve formula: all
// sizing percentages apply to this value.
func (e *Engine) DeployableCapital(equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	return equity * (1 - e.cfg.ReservePercent)
}

// SizeRequest carries everything sizing needs. Equity is the deployable
// equity budgeted to the requesting profile. Stats is the cached journal
// aggregate; nil or thin samples fall back to tier sizing.
type SizeRequest struct {
	Symbol     string
	Venue      broker.Venue
	Equity     float64
	Price      float64
	StopLoss   float64
	Volatility float64
	Stats      *journal.SymbolStats
}

// CalculatePositionSize returns the number of shares/units to buy, already
// rounded to venue precision. Zero means no trade: bad inputs, too small a
// position, or nothing left after the caps.
func (e *Engine) CalculatePositionSize(req SizeRequest) float64 {
	if req.Price <= 0 || req.Equity <= 0 {
		return 0
	}
	riskPerShare := req.Price - req.StopLoss
	if riskPerShare <= 0 {
		return 0
	}

	tier := ParamsForEquity(req.Equity)

	e.mu.RLock()
	sizingAdj := e.sizingAdj
	kellyOn := e.cfg.KellyEnabled
	kellyFraction := e.cfg.KellyFraction
	rewardRisk := e.cfg.RewardRisk
	e.mu.RUnlock()

	var shares float64
	if kellyOn && req.Stats != nil && req.Stats.TotalTrades >= kellyMinTrades {
		f := clampFraction(kellyFraction * kellyStar(req.Stats.WinRate, rewardRisk))
		shares = req.Equity * f * sizingAdj / req.Price
	} else {
		volAdj := math.Min(1, volReference/math.Max(volReference, req.Volatility))
		dollarRisk := req.Equity * tier.RiskPerTradePercent * volAdj * sizingAdj
		shares = dollarRisk / riskPerShare
	}

	maxShares := req.Equity * tier.MaxPositionPercent / req.Price
	if shares > maxShares {
		shares = maxShares
	}

	if shares*req.Price < tier.MinPositionValue {
		return 0
	}

	if tier.PreferWholeShares {
		whole := math.Floor(shares)
		if whole*req.Price >= tier.MinPositionValue {
			shares = whole
		}
	}

	return broker.RoundOutbound(req.Venue, broker.FieldQuantity, req.Symbol, shares)
}

// ExitParams are the percent exit distances for a profile. Override marks
// a venue-specific fixed override (crypto micro-profit): the values are
// used exactly, skipping tier multipliers.
type ExitParams struct {
	StopLossPercent   float64
	TakeProfitPercent float64
	Override          bool
}

// ExitLevels derives the stop and target for an entry price. Precedence:
// venue override, then tier multiplier on the profile baseline. The
// safe-mode stop clamp applies in every case.
func (e *Engine) ExitLevels(entry float64, tier CapitalTier, p ExitParams) (stopLoss, takeProfit float64) {
	e.mu.RLock()
	stopAdj := e.stopAdj
	e.mu.RUnlock()

	slPct := p.StopLossPercent
	tpPct := p.TakeProfitPercent
	if !p.Override {
		row := Params(tier)
		slPct *= row.SLMultiplier
		tpPct *= row.TPMultiplier
	}
	slPct *= stopAdj

	return entry * (1 - slPct), entry * (1 + tpPct)
}

// kellyStar computes the Kelly-optimal fraction f* = W - (1-W)/R.
func kellyStar(winRate, rewardRisk float64) float64 {
	if rewardRisk <= 0 {
		return 0
	}
	return winRate - (1-winRate)/rewardRisk
}

func clampFraction(f float64) float64 {
	if f < kellyFloor {
		return kellyFloor
	}
	if f > kellyCeiling {
		return kellyCeiling
	}
	return f
}
