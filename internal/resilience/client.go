// Package resilience wraps a broker client with a rate limiter, a circuit
// breaker and jittered retries, in that order. It is the only path the
// engine uses to reach a venue.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/metrics"
)

// EndpointClass buckets venue endpoints for rate limiting. Order traffic
// must never starve behind market-data polling.
type EndpointClass string

const (
	ClassAccount    EndpointClass = "account"
	ClassMarketData EndpointClass = "marketdata"
	ClassOrders     EndpointClass = "orders"
)

// Limit is one token bucket's shape.
type Limit struct {
	RPS   float64
	Burst int
}

// Config tunes the tolerances.
type Config struct {
	MaxRetries      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	CallTimeout     time.Duration
	BreakerFailures uint32
	BreakerWindow   time.Duration
	BreakerCooldown time.Duration
	Limits          map[EndpointClass]Limit

	// OnBreakerChange is invoked on every breaker transition so the
	// runtime can update its degradation level.
	OnBreakerChange func(from, to string)
}

// DefaultConfig returns tolerances suited to a tens-of-seconds trading
// cadence.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseBackoff:     500 * time.Millisecond,
		MaxBackoff:      8 * time.Second,
		CallTimeout:     10 * time.Second,
		BreakerFailures: 5,
		BreakerWindow:   10 * time.Second,
		BreakerCooldown: 30 * time.Second,
		Limits: map[EndpointClass]Limit{
			ClassAccount:    {RPS: 2, Burst: 4},
			ClassMarketData: {RPS: 5, Burst: 10},
			ClassOrders:     {RPS: 2, Burst: 4},
		},
	}
}

// Client decorates a broker.Client. It satisfies broker.Client itself so
// callers cannot tell the difference.
type Client struct {
	inner    broker.Client
	breaker  *gobreaker.CircuitBreaker
	limiters map[EndpointClass]*rate.Limiter
	cfg      Config
	mset     *metrics.Set
	logger   zerolog.Logger
}

// Wrap builds the resilient decorator around a venue client.
func Wrap(inner broker.Client, cfg Config, mset *metrics.Set, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = def.BreakerWindow
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if cfg.Limits == nil {
		cfg.Limits = def.Limits
	}

	venue := string(inner.Venue())
	log := logger.With().Str("venue", venue).Logger()

	settings := gobreaker.Settings{
		Name:     venue,
		Interval: cfg.BreakerWindow,
		Timeout:  cfg.BreakerCooldown,
	}
	failures := cfg.BreakerFailures
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= failures
	}
	onChange := cfg.OnBreakerChange
	settings.OnStateChange = func(_ string, from, to gobreaker.State) {
		log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker transition")
		if mset != nil {
			mset.BreakerTransitions.WithLabelValues(venue, from.String(), to.String()).Inc()
		}
		if onChange != nil {
			onChange(from.String(), to.String())
		}
	}

	limiters := make(map[EndpointClass]*rate.Limiter, len(cfg.Limits))
	for class, lim := range cfg.Limits {
		limiters[class] = rate.NewLimiter(rate.Limit(lim.RPS), lim.Burst)
	}

	return &Client{
		inner:    inner,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		limiters: limiters,
		cfg:      cfg,
		mset:     mset,
		logger:   log,
	}
}

// BreakerState exposes the current breaker state for status reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// call runs fn behind the limiter, breaker and retry tolerances.
func (c *Client) call(ctx context.Context, class EndpointClass, endpoint string, fn func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	venue := c.inner.Venue()

	// Fast-fail while the breaker is open: no token spent, no venue hit.
	if c.breaker.State() == gobreaker.StateOpen {
		err := broker.NewError(broker.KindRateLimited, venue, endpoint, gobreaker.ErrOpenState)
		c.observe(endpoint, err)
		return err
	}

	if err := c.wait(ctx, class, endpoint); err != nil {
		c.observe(endpoint, err)
		return err
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.attempt(ctx, class, endpoint, fn)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = broker.NewError(broker.KindRateLimited, venue, endpoint, err)
	}
	c.observe(endpoint, err)
	return err
}

// attempt is the retry loop inside one breaker execution. Only Network
// failures are retried; the first token was already taken by call.
func (c *Client) attempt(ctx context.Context, class EndpointClass, endpoint string, fn func(context.Context) error) error {
	venue := string(c.inner.Venue())

	var last error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			if c.mset != nil {
				c.mset.BrokerRetries.WithLabelValues(venue, endpoint).Inc()
			}
			select {
			case <-ctx.Done():
				return broker.NewError(broker.KindNetwork, c.inner.Venue(), endpoint, ctx.Err())
			case <-time.After(c.backoff(i)):
			}
			if err := c.wait(ctx, class, endpoint); err != nil {
				return err
			}
		}

		if c.mset != nil {
			c.mset.BrokerInflight.WithLabelValues(venue).Inc()
		}
		err := fn(ctx)
		if c.mset != nil {
			c.mset.BrokerInflight.WithLabelValues(venue).Dec()
		}

		if err == nil {
			return nil
		}
		last = err
		if !broker.KindOf(err).Retryable() {
			return err
		}
		c.logger.Debug().Err(err).Str("endpoint", endpoint).Int("attempt", i+1).Msg("retryable failure")
	}
	return last
}

// wait blocks for a token; an exhausted deadline surfaces as RateLimited.
func (c *Client) wait(ctx context.Context, class EndpointClass, endpoint string) error {
	lim, ok := c.limiters[class]
	if !ok {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return broker.NewError(broker.KindRateLimited, c.inner.Venue(), endpoint, err)
	}
	return nil
}

// backoff is exponential with full jitter, capped at MaxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	max := c.cfg.BaseBackoff << uint(attempt-1)
	if max > c.cfg.MaxBackoff {
		max = c.cfg.MaxBackoff
	}
	if max <= 0 {
		max = c.cfg.BaseBackoff
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func (c *Client) observe(endpoint string, err error) {
	if c.mset == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(broker.KindOf(err))
	}
	c.mset.BrokerCalls.WithLabelValues(string(c.inner.Venue()), endpoint, outcome).Inc()
}

// --- broker.Client ---

func (c *Client) Venue() broker.Venue { return c.inner.Venue() }

func (c *Client) Account(ctx context.Context) (broker.Account, error) {
	var out broker.Account
	err := c.call(ctx, ClassAccount, "account", func(ctx context.Context) error {
		var err error
		out, err = c.inner.Account(ctx)
		return err
	})
	return out, err
}

func (c *Client) Positions(ctx context.Context) ([]broker.ExternalPosition, error) {
	var out []broker.ExternalPosition
	err := c.call(ctx, ClassAccount, "positions", func(ctx context.Context) error {
		var err error
		out, err = c.inner.Positions(ctx)
		return err
	})
	return out, err
}

func (c *Client) LatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	var out broker.Bar
	err := c.call(ctx, ClassMarketData, "bars", func(ctx context.Context) error {
		var err error
		out, err = c.inner.LatestBar(ctx, symbol)
		return err
	})
	return out, err
}

func (c *Client) History(ctx context.Context, symbol string, n int) ([]broker.Bar, error) {
	var out []broker.Bar
	err := c.call(ctx, ClassMarketData, "bars", func(ctx context.Context) error {
		var err error
		out, err = c.inner.History(ctx, symbol, n)
		return err
	})
	return out, err
}

func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	var out string
	err := c.call(ctx, ClassOrders, "orders", func(ctx context.Context) error {
		var err error
		out, err = c.inner.PlaceOrder(ctx, req)
		return err
	})
	return out, err
}

func (c *Client) PlaceBracket(ctx context.Context, req broker.BracketRequest) (string, error) {
	var out string
	err := c.call(ctx, ClassOrders, "orders", func(ctx context.Context) error {
		var err error
		out, err = c.inner.PlaceBracket(ctx, req)
		return err
	})
	return out, err
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	var out []broker.Order
	err := c.call(ctx, ClassOrders, "orders", func(ctx context.Context) error {
		var err error
		out, err = c.inner.OpenOrders(ctx, symbol)
		return err
	})
	return out, err
}

func (c *Client) ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) error {
	return c.call(ctx, ClassOrders, "orders", func(ctx context.Context) error {
		return c.inner.ReplaceOrder(ctx, orderID, req)
	})
}

func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	return c.call(ctx, ClassOrders, "orders", func(ctx context.Context) error {
		return c.inner.CancelAll(ctx, symbol)
	})
}

// CloseAll is the emergency path: it skips the limiter and breaker so a
// venue outage cannot block the flatten, and relies on the venue call's
// own deadline.
func (c *Client) CloseAll(ctx context.Context) error {
	err := c.inner.CloseAll(ctx)
	c.observe("close_all", err)
	return err
}

func (c *Client) MarketOpen(ctx context.Context) (bool, error) {
	var out bool
	err := c.call(ctx, ClassAccount, "clock", func(ctx context.Context) error {
		var err error
		out, err = c.inner.MarketOpen(ctx)
		return err
	})
	return out, err
}

func (c *Client) SupportsBrackets() bool   { return c.inner.SupportsBrackets() }
func (c *Client) SupportsFractional() bool { return c.inner.SupportsFractional() }
