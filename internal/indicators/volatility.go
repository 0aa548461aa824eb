package indicators

// VolatilityState classifies the venue-level volatility index (VIX for
// equities) into bands.
type VolatilityState string

const (
	VolLow      VolatilityState = "LOW"
	VolNormal   VolatilityState = "NORMAL"
	VolElevated VolatilityState = "ELEVATED"
	VolExtreme  VolatilityState = "EXTREME"
)

// volatilityStates in rising order; boundaries sit between neighbours.
var volatilityStates = [4]VolatilityState{VolLow, VolNormal, VolElevated, VolExtreme}

// volatilityBounds returns the three boundaries between the four states.
// The configured threshold sets the NORMAL/ELEVATED boundary; LOW/NORMAL
// and ELEVATED/EXTREME sit at fixed offsets around it.
func volatilityBounds(threshold float64) [3]float64 {
	return [3]float64{threshold - 5, threshold, threshold + 10}
}

// ClassifyVolatility applies hysteresis around each boundary: a rising
// transition requires clearing the boundary by at least the hysteresis
// band, a falling transition requires re-crossing it by the same margin.
// Values inside a band keep the previous state, so the classifier never
// oscillates on the exact threshold.
func ClassifyVolatility(prev VolatilityState, value, threshold, hysteresis float64) VolatilityState {
	bounds := volatilityBounds(threshold)

	idx := stateIndex(prev)
	if idx < 0 {
		// no prior state: classify by band membership alone
		for i := 2; i >= 0; i-- {
			if value >= bounds[i] {
				return volatilityStates[i+1]
			}
		}
		return VolLow
	}

	for idx < 3 && value >= bounds[idx]+hysteresis {
		idx++
	}
	for idx > 0 && value <= bounds[idx-1]-hysteresis {
		idx--
	}
	return volatilityStates[idx]
}

func stateIndex(s VolatilityState) int {
	for i, v := range volatilityStates {
		if v == s {
			return i
		}
	}
	return -1
}
