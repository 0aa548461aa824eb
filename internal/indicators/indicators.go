// Package indicators provides pure technical-indicator functions over
// chronologically ordered price series. Every function is stateless; a nil
// result means the series is too short to produce a value.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"

	"autonomous-trading-engine/internal/broker"
)

// RSI returns the latest RSI value for the period, or nil when the series
// is too short.
func RSI(closes []float64, period int) *float64 {
	if period <= 0 || len(closes) < period+1 {
		return nil
	}
	values := talib.Rsi(closes, period)
	return lastValid(values)
}

// EMA returns the latest exponential moving average, or nil when the series
// is too short.
func EMA(closes []float64, period int) *float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	values := talib.Ema(closes, period)
	return lastValid(values)
}

// MACDResult holds the last values of the MACD line, its signal line and
// the histogram (line minus signal).
type MACDResult struct {
	Line      float64
	Signal    float64
	Histogram float64
}

// MACD computes the MACD with the given fast/slow/signal periods. The
// signal line is a true EMA of the MACD series. Returns nil when the series
// cannot warm up all three components.
func MACD(closes []float64, fast, slow, signal int) *MACDResult {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return nil
	}
	if len(closes) < slow+signal {
		return nil
	}
	line, sig, hist := talib.Macd(closes, fast, slow, signal)
	l := lastValid(line)
	s := lastValid(sig)
	h := lastValid(hist)
	if l == nil || s == nil || h == nil {
		return nil
	}
	return &MACDResult{Line: *l, Signal: *s, Histogram: *h}
}

// ATR returns the latest average true range, or nil when the series is too
// short.
func ATR(bars []broker.Bar, period int) *float64 {
	if period <= 0 || len(bars) < period+1 {
		return nil
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	values := talib.Atr(highs, lows, closes, period)
	return lastValid(values)
}

// Closes extracts the close series from a bar slice.
func Closes(bars []broker.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func lastValid(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	last := values[len(values)-1]
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return nil
	}
	return &last
}
