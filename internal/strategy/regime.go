package strategy

import (
	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/indicators"
)

// MarketRegime classifies the market so the engine can pick a
// sub-strategy.
type MarketRegime string

const (
	RegimeStrongBull     MarketRegime = "STRONG_BULL"
	RegimeStrongBear     MarketRegime = "STRONG_BEAR"
	RegimeRangeBound     MarketRegime = "RANGE_BOUND"
	RegimeHighVolatility MarketRegime = "HIGH_VOLATILITY"
	RegimeNeutral        MarketRegime = "NEUTRAL"
)

// Trend divergence bands on (EMA20-EMA50)/EMA50.
const (
	trendStrongBand = 0.01
	trendFlatBand   = 0.002
)

// DetectRegime derives the market regime from trend strength and the
// volatility state. Extreme volatility dominates any trend reading.
// Too little history for the slow EMA yields NEUTRAL.
func DetectRegime(bars []broker.Bar, volState indicators.VolatilityState) MarketRegime {
	if volState == indicators.VolExtreme {
		return RegimeHighVolatility
	}

	closes := indicators.Closes(bars)
	fast := indicators.EMA(closes, 20)
	slow := indicators.EMA(closes, 50)
	if fast == nil || slow == nil || *slow == 0 {
		return RegimeNeutral
	}

	div := (*fast - *slow) / *slow
	switch {
	case div > trendStrongBand:
		return RegimeStrongBull
	case div < -trendStrongBand:
		return RegimeStrongBear
	case div <= trendFlatBand && div >= -trendFlatBand:
		return RegimeRangeBound
	default:
		return RegimeNeutral
	}
}
