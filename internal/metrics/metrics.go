// Package metrics declares the Prometheus collectors for the engine. The
// collector set is owned by the Runtime and registered on its registry; the
// dashboard server exposes it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set groups every collector the engine writes to.
type Set struct {
	Registry *prometheus.Registry

	BrokerCalls        *prometheus.CounterVec
	BrokerRetries      *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	BrokerInflight     *prometheus.GaugeVec

	CacheRequests *prometheus.CounterVec

	CyclesCompleted *prometheus.CounterVec
	OrdersSubmitted *prometheus.CounterVec
	PositionsOpen   *prometheus.GaugeVec
	EquityGauge     *prometheus.GaugeVec

	SafeModeActive    prometheus.Gauge
	AnomaliesDetected *prometheus.CounterVec
	HeartbeatMisses   *prometheus.CounterVec
}

// New builds and registers the collector set on a fresh registry.
func New() *Set {
	s := &Set{
		Registry: prometheus.NewRegistry(),

		BrokerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_broker_calls_total",
				Help: "Broker calls by venue, endpoint class and outcome.",
			},
			[]string{"venue", "endpoint", "outcome"},
		),
		BrokerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_broker_retries_total",
				Help: "Retries performed by the resilient client.",
			},
			[]string{"venue", "endpoint"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_breaker_transitions_total",
				Help: "Circuit breaker state transitions.",
			},
			[]string{"venue", "from", "to"},
		),
		BrokerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_broker_inflight",
				Help: "Broker calls currently in flight.",
			},
			[]string{"venue"},
		),

		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_marketdata_cache_requests_total",
				Help: "Market data cache reads by result (hit, stale, refresh, error).",
			},
			[]string{"result"},
		),

		CyclesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_cycles_completed_total",
				Help: "Control loop cycles completed per profile.",
			},
			[]string{"profile"},
		),
		OrdersSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_submitted_total",
				Help: "Orders submitted by venue and side.",
			},
			[]string{"venue", "side"},
		),
		PositionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_positions_open",
				Help: "Open positions per profile.",
			},
			[]string{"profile"},
		),
		EquityGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_equity",
				Help: "Current effective account equity per venue.",
			},
			[]string{"venue"},
		),

		SafeModeActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_safe_mode_active",
				Help: "1 while safe mode is engaged.",
			},
		),
		AnomaliesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_anomalies_detected_total",
				Help: "Anomalies detected by metric name.",
			},
			[]string{"metric"},
		),
		HeartbeatMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_heartbeat_misses_total",
				Help: "Supervisor heartbeat misses per component.",
			},
			[]string{"name"},
		),
	}

	s.Registry.MustRegister(
		s.BrokerCalls,
		s.BrokerRetries,
		s.BreakerTransitions,
		s.BrokerInflight,
		s.CacheRequests,
		s.CyclesCompleted,
		s.OrdersSubmitted,
		s.PositionsOpen,
		s.EquityGauge,
		s.SafeModeActive,
		s.AnomaliesDetected,
		s.HeartbeatMisses,
	)

	return s
}
