package indicators

import (
	"math"
	"testing"
	"time"

	"autonomous-trading-engine/internal/broker"
)

func series(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func TestRSIWarmup(t *testing.T) {
	closes := series(14, func(i int) float64 { return 100 + float64(i) })
	if got := RSI(closes, 14); got != nil {
		t.Errorf("14 closes cannot warm a 14-period RSI, got %f", *got)
	}
	closes = append(closes, 115)
	if got := RSI(closes, 14); got == nil {
		t.Error("15 closes should warm a 14-period RSI")
	}
	if got := RSI(closes, 0); got != nil {
		t.Error("Zero period must yield nil")
	}
}

func TestRSIExtremes(t *testing.T) {
	rising := series(30, func(i int) float64 { return 100 + float64(i) })
	up := RSI(rising, 14)
	if up == nil || *up < 95 {
		t.Fatalf("All-gain series should push RSI toward 100, got %v", up)
	}

	falling := series(30, func(i int) float64 { return 100 - float64(i) })
	down := RSI(falling, 14)
	if down == nil || *down > 5 {
		t.Fatalf("All-loss series should push RSI toward 0, got %v", down)
	}
}

func TestEMAConstantSeries(t *testing.T) {
	closes := series(25, func(int) float64 { return 42 })
	got := EMA(closes, 10)
	if got == nil {
		t.Fatal("25 closes should warm a 10-period EMA")
	}
	if math.Abs(*got-42) > 1e-9 {
		t.Errorf("EMA of a constant series must equal the constant, got %f", *got)
	}
	if EMA(closes[:9], 10) != nil {
		t.Error("9 closes cannot warm a 10-period EMA")
	}
}

func TestMACDRejectsBadPeriods(t *testing.T) {
	closes := series(100, func(i int) float64 { return 100 + float64(i) })
	cases := []struct {
		name               string
		fast, slow, signal int
	}{
		{"zero fast", 0, 26, 9},
		{"slow not above fast", 12, 12, 9},
		{"zero signal", 12, 26, 0},
	}
	for _, tc := range cases {
		if got := MACD(closes, tc.fast, tc.slow, tc.signal); got != nil {
			t.Errorf("%s: expected nil, got %+v", tc.name, got)
		}
	}
	if got := MACD(closes[:34], 12, 26, 9); got != nil {
		t.Errorf("34 closes cannot warm MACD(12,26,9), got %+v", got)
	}
}

func TestMACDTrendSign(t *testing.T) {
	flat := series(80, func(int) float64 { return 100 })
	if got := MACD(flat, 12, 26, 9); got == nil {
		t.Fatal("Flat series long enough to warm up should produce a result")
	} else if math.Abs(got.Line) > 1e-9 || math.Abs(got.Histogram) > 1e-9 {
		t.Errorf("Flat series should produce a zero MACD, got %+v", got)
	}

	rising := series(80, func(i int) float64 { return 100 + float64(i) })
	got := MACD(rising, 12, 26, 9)
	if got == nil {
		t.Fatal("Rising series should produce a result")
	}
	if got.Line <= 0 {
		t.Errorf("Sustained uptrend should hold the MACD line positive, got %+v", got)
	}
	if math.Abs(got.Histogram-(got.Line-got.Signal)) > 1e-9 {
		t.Errorf("Histogram must equal line minus signal, got %+v", got)
	}
}

func TestATRConstantRange(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	bars := make([]broker.Bar, 30)
	for i := range bars {
		bars[i] = broker.Bar{
			OpenTime: t0.Add(time.Duration(i) * time.Minute),
			Open:     100,
			High:     101,
			Low:      99,
			Close:    100,
			Volume:   1000,
		}
	}

	got := ATR(bars, 14)
	if got == nil {
		t.Fatal("30 bars should warm a 14-period ATR")
	}
	if math.Abs(*got-2) > 1e-9 {
		t.Errorf("Constant 2-point range must give ATR 2, got %f", *got)
	}
	if ATR(bars[:14], 14) != nil {
		t.Error("14 bars cannot warm a 14-period ATR")
	}
}

func TestClosesPreservesOrder(t *testing.T) {
	bars := []broker.Bar{
		{Close: 10}, {Close: 11}, {Close: 9},
	}
	got := Closes(bars)
	want := []float64{10, 11, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Closes[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestClassifyVolatilityFirstObservation(t *testing.T) {
	// threshold 20 puts the boundaries at 15, 20 and 30
	cases := []struct {
		value float64
		want  VolatilityState
	}{
		{10, VolLow},
		{17, VolNormal},
		{25, VolElevated},
		{35, VolExtreme},
	}
	for _, tc := range cases {
		if got := ClassifyVolatility("", tc.value, 20, 2); got != tc.want {
			t.Errorf("value %.0f: got %s, want %s", tc.value, got, tc.want)
		}
	}
}

func TestClassifyVolatilityHysteresis(t *testing.T) {
	// Rising needs boundary plus the band; falling needs boundary minus it.
	if got := ClassifyVolatility(VolNormal, 21, 20, 2); got != VolNormal {
		t.Errorf("21 inside the band should keep NORMAL, got %s", got)
	}
	if got := ClassifyVolatility(VolNormal, 22, 20, 2); got != VolElevated {
		t.Errorf("22 clears the band, want ELEVATED, got %s", got)
	}
	if got := ClassifyVolatility(VolElevated, 19, 20, 2); got != VolElevated {
		t.Errorf("19 inside the band should keep ELEVATED, got %s", got)
	}
	if got := ClassifyVolatility(VolElevated, 18, 20, 2); got != VolNormal {
		t.Errorf("18 re-crosses the band, want NORMAL, got %s", got)
	}
}

func TestClassifyVolatilityNeverOscillatesOnThreshold(t *testing.T) {
	state := VolNormal
	for i := 0; i < 10; i++ {
		next := ClassifyVolatility(state, 20, 20, 2)
		if next != state {
			t.Fatalf("Exact-threshold reading flipped %s to %s on pass %d", state, next, i)
		}
		state = next
	}
}

func TestClassifyVolatilityCrossesMultipleBands(t *testing.T) {
	if got := ClassifyVolatility(VolLow, 35, 20, 2); got != VolExtreme {
		t.Errorf("A spike to 35 should step LOW straight to EXTREME, got %s", got)
	}
	if got := ClassifyVolatility(VolExtreme, 5, 20, 2); got != VolLow {
		t.Errorf("A collapse to 5 should step EXTREME straight to LOW, got %s", got)
	}
}
