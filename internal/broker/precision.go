package broker

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Field selects which numeric field a precision rule applies to.
type Field string

const (
	FieldPrice    Field = "price"
	FieldQuantity Field = "quantity"
)

// krakenMajors are priced to 1 decimal on Kraken; everything else gets 2.
var krakenMajors = map[string]bool{
	"XBT": true,
	"BTC": true,
	"ETH": true,
}

// VenuePrecision returns the number of decimal places the venue accepts for
// the given field and symbol. All outbound rounding goes through this one
// table rather than ad-hoc rounding at call sites.
func VenuePrecision(venue Venue, field Field, symbol string) int32 {
	switch venue {
	case VenueAlpaca:
		if field == FieldQuantity {
			// fractional equity quantities
			return 9
		}
		return 2
	case VenueKraken:
		if field == FieldQuantity {
			return 8
		}
		base := krakenBase(symbol)
		if krakenMajors[base] {
			return 1
		}
		return 2
	default:
		return 8
	}
}

// RoundOutbound rounds a value to the venue-allowed precision before
// transmission. Quantities round down so an order can never exceed the
// computed size; prices round half-up.
func RoundOutbound(venue Venue, field Field, symbol string, v float64) float64 {
	places := VenuePrecision(venue, field, symbol)
	d := decimal.NewFromFloat(v)
	if field == FieldQuantity {
		f, _ := d.RoundFloor(places).Float64()
		return f
	}
	f, _ := d.Round(places).Float64()
	return f
}

func krakenBase(symbol string) string {
	s := strings.ToUpper(symbol)
	if i := strings.IndexAny(s, "/-"); i > 0 {
		s = s[:i]
	}
	// Kraken's legacy X/Z prefixes (XXBT, ZUSD)
	if len(s) == 4 && (s[0] == 'X' || s[0] == 'Z') {
		s = s[1:]
	}
	for _, quote := range []string{"USD", "USDT", "USDC", "EUR"} {
		if len(s) > len(quote) && strings.HasSuffix(s, quote) {
			return s[:len(s)-len(quote)]
		}
	}
	return s
}
