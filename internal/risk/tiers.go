// Package risk implements capital-tier adaptive position sizing, stop and
// target derivation, and the portfolio drawdown guard.
package risk

// CapitalTier classifies the account equity band. The tier alone selects
// the risk parameter row.
type CapitalTier string

const (
	TierMicro    CapitalTier = "MICRO"
	TierSmall    CapitalTier = "SMALL"
	TierMedium   CapitalTier = "MEDIUM"
	TierStandard CapitalTier = "STANDARD"
	TierPDT      CapitalTier = "PDT"
)

// TierParameters is one row of the capital tier table. Percent fields are
// fractions (0.50 = 50%).
type TierParameters struct {
	Tier                CapitalTier
	MaxPositionPercent  float64
	RiskPerTradePercent float64
	MaxPositions        int
	MinPositionValue    float64
	SLMultiplier        float64
	TPMultiplier        float64
	PreferWholeShares   bool
	Hint                string
}

// tierTable is the authoritative parameter table, ordered by equity band.
var tierTable = []TierParameters{
	{
		Tier:                TierMicro,
		MaxPositionPercent:  0.50,
		RiskPerTradePercent: 0.005,
		MaxPositions:        2,
		MinPositionValue:    5,
		SLMultiplier:        1.5,
		TPMultiplier:        0.5,
		PreferWholeShares:   true,
		Hint:                "micro account: take profits fast, give stops room",
	},
	{
		Tier:                TierSmall,
		MaxPositionPercent:  0.35,
		RiskPerTradePercent: 0.010,
		MaxPositions:        3,
		MinPositionValue:    10,
		SLMultiplier:        1.25,
		TPMultiplier:        0.75,
		PreferWholeShares:   true,
		Hint:                "small account: conservative concentration",
	},
	{
		Tier:                TierMedium,
		MaxPositionPercent:  0.30,
		RiskPerTradePercent: 0.015,
		MaxPositions:        4,
		MinPositionValue:    15,
		SLMultiplier:        1.1,
		TPMultiplier:        0.9,
		PreferWholeShares:   true,
		Hint:                "medium account: approaching standard parameters",
	},
	{
		Tier:                TierStandard,
		MaxPositionPercent:  0.25,
		RiskPerTradePercent: 0.020,
		MaxPositions:        5,
		MinPositionValue:    25,
		SLMultiplier:        1.0,
		TPMultiplier:        1.0,
		PreferWholeShares:   false,
		Hint:                "standard account: baseline risk parameters",
	},
	{
		Tier:                TierPDT,
		MaxPositionPercent:  0.20,
		RiskPerTradePercent: 0.020,
		MaxPositions:        8,
		MinPositionValue:    50,
		SLMultiplier:        1.0,
		TPMultiplier:        1.0,
		PreferWholeShares:   false,
		Hint:                "pattern-day-trader account: diversify across more names",
	},
}

// Equity bands between tiers, ascending.
const (
	microCeiling    = 500
	smallCeiling    = 2_000
	mediumCeiling   = 5_000
	standardCeiling = 25_000
)

// GetTier maps equity to its capital tier.
func GetTier(equity float64) CapitalTier {
	switch {
	case equity < microCeiling:
		return TierMicro
	case equity < smallCeiling:
		return TierSmall
	case equity < mediumCeiling:
		return TierMedium
	case equity < standardCeiling:
		return TierStandard
	default:
		return TierPDT
	}
}

// Params returns the parameter row for a tier. Unknown tiers fall back to
// MICRO, the most conservative row.
func Params(tier CapitalTier) TierParameters {
	for _, row := range tierTable {
		if row.Tier == tier {
			return row
		}
	}
	return tierTable[0]
}

// ParamsForEquity is GetTier followed by Params.
func ParamsForEquity(equity float64) TierParameters {
	return Params(GetTier(equity))
}
