// Package marketdata holds the single-writer, many-reader snapshot cache
// between the control loops and a venue. Readers always get pre-materialized
// views; venue I/O happens only inside the one elected refresher per TTL.
package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/journal"
	"autonomous-trading-engine/internal/metrics"
)

var errBackoff = errors.New("venue in rate-limit backoff")

// Holding is one venue position enriched for display and deployment math.
type Holding struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AvgEntry     float64 `json:"avg_entry"`
	CurrentPrice float64 `json:"current_price"`
	MarketValue  float64 `json:"market_value"`
	UnrealizedPL float64 `json:"unrealized_pl"`
	PLPercent    float64 `json:"pl_percent"`
}

// Deployment summarizes how much of the account is working.
type Deployment struct {
	Equity        float64 `json:"equity"`
	Cash          float64 `json:"cash"`
	BuyingPower   float64 `json:"buying_power"`
	Deployed      float64 `json:"deployed"`
	DeployedPct   float64 `json:"deployed_pct"`
	PositionCount int     `json:"position_count"`
}

// Snapshot is one published cache generation. Section staleness flags mark
// data carried over from an earlier refresh after a partial failure; Stale
// marks the whole snapshot as served past its TTL.
type Snapshot struct {
	Account      broker.Account        `json:"account"`
	Holdings     []Holding             `json:"holdings"`
	Deployment   Deployment            `json:"deployment"`
	RecentTrades []journal.TradeRecord `json:"recent_trades"`

	FetchedAt      time.Time `json:"fetched_at"`
	Stale          bool      `json:"stale"`
	AccountStale   bool      `json:"account_stale"`
	PositionsStale bool      `json:"positions_stale"`
	TradesStale    bool      `json:"trades_stale"`
}

// Config tunes cache freshness.
type Config struct {
	TTL         time.Duration
	Backoff     time.Duration
	CallSpacing time.Duration
	TradeLimit  int
}

// Cache serves account, holdings and trade views for one venue. A reader
// whose view expired is elected to refresh; everyone else serves stale.
type Cache struct {
	client broker.Client
	store  journal.Store
	mset   *metrics.Set
	logger zerolog.Logger
	cfg    Config

	mu           sync.Mutex
	snap         Snapshot
	haveSnap     bool
	refreshing   bool
	done         chan struct{}
	backoffUntil time.Time
}

// New builds a cache over the given venue client and trade journal.
func New(client broker.Client, store journal.Store, mset *metrics.Set, logger zerolog.Logger, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 120 * time.Second
	}
	if cfg.CallSpacing <= 0 {
		cfg.CallSpacing = 250 * time.Millisecond
	}
	if cfg.TradeLimit <= 0 {
		cfg.TradeLimit = 20
	}
	return &Cache{
		client: client,
		store:  store,
		mset:   mset,
		logger: logger.With().Str("venue", string(client.Venue())).Logger(),
		cfg:    cfg,
	}
}

// Snapshot returns the current view, refreshing it first if the TTL expired
// and no backoff window is active. Concurrent expired readers trigger at
// most one refresh; the rest are served the previous generation.
func (c *Cache) Snapshot(ctx context.Context) (Snapshot, error) {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		now := time.Now()

		if c.haveSnap {
			fresh := now.Sub(c.snap.FetchedAt) < c.cfg.TTL
			if fresh || now.Before(c.backoffUntil) || c.refreshing {
				snap := c.copyLocked()
				snap.Stale = !fresh
				c.mu.Unlock()
				if fresh {
					c.observe("hit")
				} else {
					c.observe("stale")
				}
				return snap, nil
			}
		} else {
			if now.Before(c.backoffUntil) {
				venue := c.client.Venue()
				c.mu.Unlock()
				c.observe("error")
				return Snapshot{}, broker.NewError(broker.KindRateLimited, venue, "marketdata", errBackoff)
			}
			if c.refreshing {
				done := c.done
				c.mu.Unlock()
				if attempt > 1 {
					return Snapshot{}, errors.New("market data unavailable")
				}
				select {
				case <-ctx.Done():
					return Snapshot{}, ctx.Err()
				case <-done:
				}
				continue
			}
		}

		// This reader is elected to refresh.
		c.refreshing = true
		c.done = make(chan struct{})
		prev := c.copyLocked()
		havePrev := c.haveSnap
		c.mu.Unlock()

		next, rateLimited, err := c.fetch(ctx, prev, havePrev)

		c.mu.Lock()
		c.refreshing = false
		close(c.done)
		if rateLimited {
			c.backoffUntil = time.Now().Add(c.cfg.Backoff)
			c.logger.Warn().Dur("backoff", c.cfg.Backoff).Msg("market data entering rate-limit backoff")
		}
		if err == nil {
			c.snap = next
			c.haveSnap = true
			out := c.copyLocked()
			c.mu.Unlock()
			c.observe("refresh")
			return out, nil
		}
		c.mu.Unlock()

		if havePrev {
			prev.Stale = true
			c.observe("stale")
			return prev, nil
		}
		c.observe("error")
		return Snapshot{}, err
	}
}

// Refresh is the scheduler entry point: it warms the cache and discards the
// view. Honors the same TTL, backoff and single-flight rules as readers.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err := c.Snapshot(ctx)
	return err
}

// Backoff reports whether the cache is inside a rate-limit backoff window.
func (c *Cache) Backoff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.backoffUntil)
}

// fetch performs the batched venue read: account, then positions, then the
// recent trade history, keeping whichever sections succeed. The snapshot is
// publishable when at least one venue section succeeded.
func (c *Cache) fetch(ctx context.Context, prev Snapshot, havePrev bool) (Snapshot, bool, error) {
	next := prev
	next.AccountStale = true
	next.PositionsStale = true
	next.TradesStale = true
	next.Stale = false

	var (
		venueOK     int
		rateLimited bool
		firstErr    error
	)
	note := func(section string, err error) {
		if broker.KindOf(err) == broker.KindRateLimited {
			rateLimited = true
		}
		if firstErr == nil {
			firstErr = err
		}
		c.logger.Warn().Err(err).Str("section", section).Msg("market data section failed")
	}

	if acct, err := c.client.Account(ctx); err != nil {
		note("account", err)
	} else {
		next.Account = acct
		next.AccountStale = false
		venueOK++
	}

	if err := c.space(ctx); err != nil {
		return c.finish(next, venueOK, rateLimited, firstErr, err)
	}

	if positions, err := c.client.Positions(ctx); err != nil {
		note("positions", err)
	} else {
		next.Holdings = buildHoldings(positions)
		next.PositionsStale = false
		venueOK++
	}

	if c.store != nil {
		if trades, err := c.store.RecentTrades(ctx, c.cfg.TradeLimit); err != nil {
			note("trades", err)
		} else {
			next.RecentTrades = trades
			next.TradesStale = false
		}
	} else {
		next.RecentTrades = nil
		next.TradesStale = false
	}

	return c.finish(next, venueOK, rateLimited, firstErr, nil)
}

func (c *Cache) finish(next Snapshot, venueOK int, rateLimited bool, firstErr, spacingErr error) (Snapshot, bool, error) {
	if venueOK == 0 {
		err := firstErr
		if err == nil {
			err = spacingErr
		}
		return Snapshot{}, rateLimited, err
	}
	next.Deployment = buildDeployment(next.Account, next.Holdings)
	next.FetchedAt = time.Now()
	return next, rateLimited, nil
}

// space keeps inter-call spacing between venue reads inside one refresh.
func (c *Cache) space(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.CallSpacing):
		return nil
	}
}

func (c *Cache) copyLocked() Snapshot {
	snap := c.snap
	snap.Holdings = append([]Holding(nil), c.snap.Holdings...)
	snap.RecentTrades = append([]journal.TradeRecord(nil), c.snap.RecentTrades...)
	return snap
}

func (c *Cache) observe(result string) {
	if c.mset == nil {
		return
	}
	c.mset.CacheRequests.WithLabelValues(result).Inc()
}

func buildHoldings(positions []broker.ExternalPosition) []Holding {
	holdings := make([]Holding, 0, len(positions))
	for _, p := range positions {
		h := Holding{
			Symbol:       p.Symbol,
			Quantity:     p.Quantity,
			AvgEntry:     p.AvgEntry,
			CurrentPrice: p.CurrentPrice,
			MarketValue:  p.MarketValue,
			UnrealizedPL: p.UnrealizedPL,
		}
		if basis := p.AvgEntry * p.Quantity; basis != 0 {
			h.PLPercent = p.UnrealizedPL / basis * 100
		}
		holdings = append(holdings, h)
	}
	return holdings
}

func buildDeployment(acct broker.Account, holdings []Holding) Deployment {
	d := Deployment{
		Equity:        acct.Equity,
		Cash:          acct.Cash,
		BuyingPower:   acct.BuyingPower,
		PositionCount: len(holdings),
	}
	for _, h := range holdings {
		d.Deployed += h.MarketValue
	}
	if acct.Equity > 0 {
		d.DeployedPct = d.Deployed / acct.Equity * 100
	}
	return d
}
