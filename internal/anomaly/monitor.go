// Package anomaly watches market and process health series for statistical
// outliers and, through SafeMode, clamps the engine's risk parameters while
// conditions stay abnormal.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"autonomous-trading-engine/internal/events"
	"autonomous-trading-engine/internal/metrics"
)

const (
	ringSize   = 64
	minSamples = 8

	zWarning  = 3.0
	zCritical = 4.0

	priceMoveCritical = 0.05
	volumeSpikeFactor = 10.0
	errorRateCritical = 0.10
)

// Severity classifies one observation.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func maxSeverity(a, b Severity) Severity {
	rank := map[Severity]int{SeverityNone: 0, SeverityWarning: 1, SeverityCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Result is one classification. ZScore is zero while the series is too
// short or has no spread.
type Result struct {
	Metric   string
	Value    float64
	ZScore   float64
	Severity Severity
	Detail   string
}

// Critical reports whether the observation should engage safe mode.
func (r Result) Critical() bool { return r.Severity == SeverityCritical }

type ring struct {
	values []float64
	next   int
}

func (r *ring) push(v float64) {
	if len(r.values) < ringSize {
		r.values = append(r.values, v)
		return
	}
	r.values[r.next] = v
	r.next = (r.next + 1) % ringSize
}

func (r *ring) samples() []float64 {
	return append([]float64(nil), r.values...)
}

// Monitor keeps a bounded ring of recent samples per metric name and
// classifies each new observation against the ring's prior contents.
type Monitor struct {
	logger zerolog.Logger
	bus    *events.Bus
	mset   *metrics.Set

	mu           sync.Mutex
	rings        map[string]*ring
	lastCritical time.Time

	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

// NewMonitor builds an empty monitor.
func NewMonitor(bus *events.Bus, mset *metrics.Set, logger zerolog.Logger) *Monitor {
	return &Monitor{
		logger: logger,
		bus:    bus,
		mset:   mset,
		rings:  make(map[string]*ring),
	}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Check records value under the metric name and returns its z-score
// classification against the samples seen before it.
func (m *Monitor) Check(metric string, value float64) Result {
	res, _ := m.record(metric, value)
	return m.publish(res)
}

// CheckPriceMove classifies the move between two adjacent price samples.
// A move of 5% or more is critical regardless of history.
func (m *Monitor) CheckPriceMove(symbol string, prev, current float64) Result {
	if prev <= 0 {
		return Result{Metric: "price_move:" + symbol, Severity: SeverityNone}
	}
	move := math.Abs(current-prev) / prev
	res, _ := m.record("price_move:"+symbol, move)
	if move >= priceMoveCritical {
		res.Severity = SeverityCritical
		res.Detail = fmt.Sprintf("price moved %.1f%% between samples", move*100)
	}
	return m.publish(res)
}

// CheckVolume classifies a volume sample against its trailing average.
// Ten times the trailing average is critical.
func (m *Monitor) CheckVolume(symbol string, volume float64) Result {
	res, prior := m.record("volume:"+symbol, volume)
	if len(prior) >= minSamples {
		if trailing := stat.Mean(prior, nil); trailing > 0 && volume >= volumeSpikeFactor*trailing {
			res.Severity = SeverityCritical
			res.Detail = fmt.Sprintf("volume %.0fx trailing average", volume/trailing)
		}
	}
	return m.publish(res)
}

// CheckErrorRate classifies one cycle's error fraction. Ten percent or more
// is critical regardless of history.
func (m *Monitor) CheckErrorRate(rate float64) Result {
	res, _ := m.record("error_rate", rate)
	if rate >= errorRateCritical {
		res.Severity = maxSeverity(res.Severity, SeverityCritical)
		res.Detail = fmt.Sprintf("error rate %.0f%% over cycle window", rate*100)
	}
	return m.publish(res)
}

// LastCritical returns when the monitor last saw a critical observation.
// SafeMode's recovery sweep uses it to decide whether conditions cleared.
func (m *Monitor) LastCritical() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCritical
}

// record pushes the value and computes the z classification against the
// prior ring contents. A constant history yields no z classification; the
// detectors' hard thresholds still apply.
func (m *Monitor) record(metric string, value float64) (Result, []float64) {
	m.mu.Lock()
	rg, ok := m.rings[metric]
	if !ok {
		rg = &ring{}
		m.rings[metric] = rg
	}
	prior := rg.samples()
	rg.push(value)
	m.mu.Unlock()

	res := Result{Metric: metric, Value: value, Severity: SeverityNone}
	if len(prior) < minSamples {
		return res, prior
	}
	mean := stat.Mean(prior, nil)
	std := stat.StdDev(prior, nil)
	if std <= 0 {
		return res, prior
	}
	res.ZScore = (value - mean) / std
	switch az := math.Abs(res.ZScore); {
	case az >= zCritical:
		res.Severity = SeverityCritical
		res.Detail = fmt.Sprintf("z-score %.1f against %d samples", res.ZScore, len(prior))
	case az >= zWarning:
		res.Severity = SeverityWarning
		res.Detail = fmt.Sprintf("z-score %.1f against %d samples", res.ZScore, len(prior))
	}
	return res, prior
}

func (m *Monitor) publish(res Result) Result {
	switch res.Severity {
	case SeverityWarning:
		m.logger.Warn().Str("metric", res.Metric).Float64("value", res.Value).
			Float64("z", res.ZScore).Msg("anomaly warning")
	case SeverityCritical:
		m.mu.Lock()
		m.lastCritical = m.now()
		m.mu.Unlock()
		m.logger.Error().Str("metric", res.Metric).Float64("value", res.Value).
			Float64("z", res.ZScore).Str("detail", res.Detail).Msg("critical anomaly")
		if m.mset != nil {
			m.mset.AnomaliesDetected.WithLabelValues(res.Metric).Inc()
		}
		if m.bus != nil {
			m.bus.Emit(events.TypeAnomaly, events.Anomaly{
				Metric:   res.Metric,
				Value:    res.Value,
				ZScore:   res.ZScore,
				Severity: string(res.Severity),
				Detail:   res.Detail,
			})
		}
	}
	return res
}
