// Package strategy generates Buy/Sell/Hold signals. The engine is pure:
// it holds only configuration and computes each signal from the history
// slice it is handed.
package strategy

import (
	"fmt"
	"time"

	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/indicators"
)

// Action is a tagged signal variant.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is one strategy decision. Reason is diagnostic only, it never
// influences execution.
type Signal struct {
	Action    Action
	Symbol    string
	Reason    string
	Price     float64
	Timestamp time.Time
}

// HoldInsufficientData is the reason attached when history is too short
// for the selected sub-strategy.
const HoldInsufficientData = "insufficient data"

// Config holds the signal thresholds.
type Config struct {
	RSIPeriod     int
	RSILower      float64
	RSIUpper      float64
	RSIVolWiden   float64 // symmetric widening under high volatility
	MACDFast      int
	MACDSlow      int
	MACDSignal    int
	MACDThreshold float64
	BullScale     float64 // threshold scale in strong bull (easier entry)
	BearScale     float64 // threshold scale in strong bear (harder entry)
	VolScale      float64 // threshold scale under high volatility
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		RSIPeriod:     14,
		RSILower:      30,
		RSIUpper:      70,
		RSIVolWiden:   5,
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
		MACDThreshold: 0.1,
		BullScale:     0.5,
		BearScale:     1.5,
		VolScale:      3.0,
	}
}

// Engine selects a sub-strategy per regime and evaluates it.
type Engine struct {
	cfg Config
}

// NewEngine creates a signal engine, filling missing thresholds with
// defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = def.RSIPeriod
	}
	if cfg.RSILower <= 0 {
		cfg.RSILower = def.RSILower
	}
	if cfg.RSIUpper <= 0 {
		cfg.RSIUpper = def.RSIUpper
	}
	if cfg.RSIVolWiden <= 0 {
		cfg.RSIVolWiden = def.RSIVolWiden
	}
	if cfg.MACDFast <= 0 {
		cfg.MACDFast = def.MACDFast
	}
	if cfg.MACDSlow <= 0 {
		cfg.MACDSlow = def.MACDSlow
	}
	if cfg.MACDSignal <= 0 {
		cfg.MACDSignal = def.MACDSignal
	}
	if cfg.MACDThreshold <= 0 {
		cfg.MACDThreshold = def.MACDThreshold
	}
	if cfg.BullScale <= 0 {
		cfg.BullScale = def.BullScale
	}
	if cfg.BearScale <= 0 {
		cfg.BearScale = def.BearScale
	}
	if cfg.VolScale <= 0 {
		cfg.VolScale = def.VolScale
	}
	return &Engine{cfg: cfg}
}

// Signal evaluates the regime-selected sub-strategy over the history.
// Regimes map as follows: RANGE_BOUND and NEUTRAL trade RSI
// mean-reversion, STRONG_BULL and STRONG_BEAR trade the MACD trend with
// scaled thresholds, HIGH_VOLATILITY trades MACD with the whipsaw guard
// and falls back to widened RSI when MACD lacks history.
func (e *Engine) Signal(symbol string, regime MarketRegime, volState indicators.VolatilityState, bars []broker.Bar) Signal {
	closes := indicators.Closes(bars)
	price := 0.0
	if len(closes) > 0 {
		price = closes[len(closes)-1]
	}

	base := Signal{
		Action:    ActionHold,
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
	}

	switch regime {
	case RegimeStrongBull:
		return e.macdTrend(base, closes, e.cfg.MACDThreshold*e.cfg.BullScale)
	case RegimeStrongBear:
		return e.macdTrend(base, closes, e.cfg.MACDThreshold*e.cfg.BearScale)
	case RegimeHighVolatility:
		sig := e.macdTrend(base, closes, e.cfg.MACDThreshold*e.cfg.VolScale)
		if sig.Reason == HoldInsufficientData {
			return e.rsiMeanReversion(base, closes, volState)
		}
		return sig
	default:
		return e.rsiMeanReversion(base, closes, volState)
	}
}

// rsiMeanReversion buys oversold and sells overbought. Elevated and
// extreme volatility widen the bands symmetrically.
func (e *Engine) rsiMeanReversion(base Signal, closes []float64, volState indicators.VolatilityState) Signal {
	rsi := indicators.RSI(closes, e.cfg.RSIPeriod)
	if rsi == nil {
		base.Reason = HoldInsufficientData
		return base
	}

	lower, upper := e.cfg.RSILower, e.cfg.RSIUpper
	if volState == indicators.VolElevated || volState == indicators.VolExtreme {
		lower -= e.cfg.RSIVolWiden
		upper += e.cfg.RSIVolWiden
	}

	switch {
	case *rsi < lower:
		base.Action = ActionBuy
		base.Reason = fmt.Sprintf("RSI oversold: %.2f < %.2f", *rsi, lower)
	case *rsi > upper:
		base.Action = ActionSell
		base.Reason = fmt.Sprintf("RSI overbought: %.2f > %.2f", *rsi, upper)
	default:
		base.Reason = fmt.Sprintf("RSI neutral: %.2f", *rsi)
	}
	return base
}

// macdTrend buys a bullish MACD stance whose histogram clears the
// threshold and sells the bearish cross.
func (e *Engine) macdTrend(base Signal, closes []float64, threshold float64) Signal {
	macd := indicators.MACD(closes, e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)
	if macd == nil {
		base.Reason = HoldInsufficientData
		return base
	}

	switch {
	case macd.Line > macd.Signal && macd.Histogram > threshold:
		base.Action = ActionBuy
		base.Reason = fmt.Sprintf("MACD bullish: hist %.4f > %.4f", macd.Histogram, threshold)
	case macd.Line < macd.Signal:
		base.Action = ActionSell
		base.Reason = fmt.Sprintf("MACD bearish cross: %.4f < %.4f", macd.Line, macd.Signal)
	default:
		base.Reason = fmt.Sprintf("MACD flat: hist %.4f", macd.Histogram)
	}
	return base
}
