package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/journal"
)

// stubVenue counts venue hits and scripts per-endpoint failures. A non-nil
// gate makes Account block until the gate closes.
type stubVenue struct {
	mu           sync.Mutex
	accountHits  int
	positionHits int
	acct         broker.Account
	holdings     []broker.ExternalPosition
	accountErr   error
	positionsErr error
	gate         chan struct{}
}

func (s *stubVenue) Venue() broker.Venue { return broker.VenueAlpaca }

func (s *stubVenue) Account(ctx context.Context) (broker.Account, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountHits++
	if s.accountErr != nil {
		return broker.Account{}, s.accountErr
	}
	return s.acct, nil
}

func (s *stubVenue) Positions(ctx context.Context) ([]broker.ExternalPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionHits++
	if s.positionsErr != nil {
		return nil, s.positionsErr
	}
	return s.holdings, nil
}

func (s *stubVenue) hits() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountHits, s.positionHits
}

func (s *stubVenue) setEquity(equity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acct.Equity = equity
}

func (s *stubVenue) setPositionsErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionsErr = err
}

func (s *stubVenue) LatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	return broker.Bar{}, nil
}
func (s *stubVenue) History(ctx context.Context, symbol string, n int) ([]broker.Bar, error) {
	return nil, nil
}
func (s *stubVenue) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	return "", nil
}
func (s *stubVenue) PlaceBracket(ctx context.Context, req broker.BracketRequest) (string, error) {
	return "", nil
}
func (s *stubVenue) OpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	return nil, nil
}
func (s *stubVenue) ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) error {
	return nil
}
func (s *stubVenue) CancelAll(ctx context.Context, symbol string) error { return nil }
func (s *stubVenue) CloseAll(ctx context.Context) error                 { return nil }
func (s *stubVenue) MarketOpen(ctx context.Context) (bool, error)       { return true, nil }
func (s *stubVenue) SupportsBrackets() bool                             { return true }
func (s *stubVenue) SupportsFractional() bool                           { return true }

func rateLimitedErr() error {
	return broker.NewError(broker.KindRateLimited, broker.VenueAlpaca, "test", errors.New("429"))
}

func testCache(venue *stubVenue, store journal.Store, cfg Config) *Cache {
	if cfg.CallSpacing == 0 {
		cfg.CallSpacing = time.Millisecond
	}
	return New(venue, store, nil, zerolog.Nop(), cfg)
}

// TestSnapshotSingleFlight verifies concurrent cold readers trigger exactly
// one venue refresh and all end up with the same generation.
func TestSnapshotSingleFlight(t *testing.T) {
	venue := &stubVenue{
		acct: broker.Account{Equity: 5000, Cash: 5000},
		gate: make(chan struct{}),
	}
	cache := testCache(venue, nil, Config{TTL: time.Hour})

	const readers = 5
	var wg sync.WaitGroup
	errs := make([]error, readers)
	snaps := make([]Snapshot, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = cache.Snapshot(context.Background())
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(venue.gate)
	wg.Wait()

	for i := 0; i < readers; i++ {
		if errs[i] != nil {
			t.Fatalf("Expected reader %d to succeed, got %v", i, errs[i])
		}
		if snaps[i].Account.Equity != 5000 {
			t.Errorf("Expected reader %d to see equity 5000, got %.2f", i, snaps[i].Account.Equity)
		}
	}
	if hits, _ := venue.hits(); hits != 1 {
		t.Errorf("Expected a single account fetch across %d readers, got %d", readers, hits)
	}
}

// TestSnapshotHitsWithinTTL verifies a fresh snapshot is served from memory.
func TestSnapshotHitsWithinTTL(t *testing.T) {
	venue := &stubVenue{acct: broker.Account{Equity: 1000}}
	cache := testCache(venue, nil, Config{TTL: time.Hour})
	ctx := context.Background()

	first, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Expected first snapshot, got %v", err)
	}
	second, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Expected cached snapshot, got %v", err)
	}

	if hits, _ := venue.hits(); hits != 1 {
		t.Errorf("Expected one venue fetch, got %d", hits)
	}
	if second.Stale {
		t.Error("Expected fresh snapshot within TTL")
	}
	if !second.FetchedAt.Equal(first.FetchedAt) {
		t.Error("Expected second read to serve the same generation")
	}
}

// TestSnapshotRefreshesAfterTTL verifies an expired reader is elected to
// refresh and sees new venue data.
func TestSnapshotRefreshesAfterTTL(t *testing.T) {
	venue := &stubVenue{acct: broker.Account{Equity: 1000}}
	cache := testCache(venue, nil, Config{TTL: 5 * time.Millisecond})
	ctx := context.Background()

	if _, err := cache.Snapshot(ctx); err != nil {
		t.Fatalf("Expected first snapshot, got %v", err)
	}
	venue.setEquity(2000)
	time.Sleep(10 * time.Millisecond)

	snap, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Expected refreshed snapshot, got %v", err)
	}
	if snap.Account.Equity != 2000 {
		t.Errorf("Expected refreshed equity 2000, got %.2f", snap.Account.Equity)
	}
	if hits, _ := venue.hits(); hits != 2 {
		t.Errorf("Expected two venue fetches, got %d", hits)
	}
}

// TestPartialSuccessKeepsSurvivingSections verifies a rate-limited positions
// fetch publishes the account section, carries the old holdings, and opens
// the backoff window so later readers serve stale.
func TestPartialSuccessKeepsSurvivingSections(t *testing.T) {
	venue := &stubVenue{
		acct: broker.Account{Equity: 1000, Cash: 400},
		holdings: []broker.ExternalPosition{
			{Symbol: "AAPL", Quantity: 4, AvgEntry: 150, CurrentPrice: 155, MarketValue: 620, UnrealizedPL: 20},
		},
	}
	cache := testCache(venue, nil, Config{TTL: 5 * time.Millisecond, Backoff: time.Minute})
	ctx := context.Background()

	if _, err := cache.Snapshot(ctx); err != nil {
		t.Fatalf("Expected first snapshot, got %v", err)
	}

	venue.setEquity(1200)
	venue.setPositionsErr(rateLimitedErr())
	time.Sleep(10 * time.Millisecond)

	snap, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Expected partial snapshot, got %v", err)
	}
	if snap.Account.Equity != 1200 {
		t.Errorf("Expected fresh account section, got equity %.2f", snap.Account.Equity)
	}
	if !snap.PositionsStale {
		t.Error("Expected positions section flagged stale")
	}
	if snap.AccountStale {
		t.Error("Expected account section fresh")
	}
	if len(snap.Holdings) != 1 || snap.Holdings[0].Symbol != "AAPL" {
		t.Errorf("Expected holdings carried over, got %+v", snap.Holdings)
	}
	if !cache.Backoff() {
		t.Error("Expected rate-limit backoff window open")
	}

	// Expired + in backoff: serve stale without touching the venue.
	accountHits, _ := venue.hits()
	time.Sleep(10 * time.Millisecond)
	stale, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Expected stale snapshot during backoff, got %v", err)
	}
	if !stale.Stale {
		t.Error("Expected snapshot marked stale during backoff")
	}
	if hitsNow, _ := venue.hits(); hitsNow != accountHits {
		t.Errorf("Expected no venue fetch during backoff, got %d extra", hitsNow-accountHits)
	}
}

// TestColdStartRateLimited verifies a fully rate-limited cold start fails
// with a rate-limit error and subsequent calls respect the backoff window.
func TestColdStartRateLimited(t *testing.T) {
	venue := &stubVenue{accountErr: rateLimitedErr(), positionsErr: rateLimitedErr()}
	cache := testCache(venue, nil, Config{TTL: time.Hour, Backoff: time.Minute})
	ctx := context.Background()

	_, err := cache.Snapshot(ctx)
	if err == nil {
		t.Fatal("Expected cold rate-limited snapshot to fail")
	}
	if kind := broker.KindOf(err); kind != broker.KindRateLimited {
		t.Errorf("Expected KindRateLimited, got %s", kind)
	}

	accountHits, _ := venue.hits()
	_, err = cache.Snapshot(ctx)
	if err == nil {
		t.Fatal("Expected backoff window to reject cold reads")
	}
	if kind := broker.KindOf(err); kind != broker.KindRateLimited {
		t.Errorf("Expected KindRateLimited during backoff, got %s", kind)
	}
	if hitsNow, _ := venue.hits(); hitsNow != accountHits {
		t.Errorf("Expected no venue fetch during backoff, got %d extra", hitsNow-accountHits)
	}
}

// TestDerivedViews verifies holdings and deployment are materialized with
// the snapshot.
func TestDerivedViews(t *testing.T) {
	venue := &stubVenue{
		acct: broker.Account{Equity: 10000, Cash: 6000, BuyingPower: 12000},
		holdings: []broker.ExternalPosition{
			{Symbol: "AAPL", Quantity: 10, AvgEntry: 150, CurrentPrice: 160, MarketValue: 1600, UnrealizedPL: 100},
			{Symbol: "MSFT", Quantity: 6, AvgEntry: 400, CurrentPrice: 400, MarketValue: 2400, UnrealizedPL: 0},
		},
	}
	cache := testCache(venue, nil, Config{TTL: time.Hour})

	snap, err := cache.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Expected snapshot, got %v", err)
	}

	if snap.Deployment.Deployed != 4000 {
		t.Errorf("Expected deployed 4000, got %.2f", snap.Deployment.Deployed)
	}
	if snap.Deployment.DeployedPct != 40 {
		t.Errorf("Expected deployed pct 40, got %.2f", snap.Deployment.DeployedPct)
	}
	if snap.Deployment.PositionCount != 2 {
		t.Errorf("Expected 2 positions, got %d", snap.Deployment.PositionCount)
	}

	aapl := snap.Holdings[0]
	wantPL := 100.0 / 1500.0 * 100
	if diff := aapl.PLPercent - wantPL; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected AAPL PL%% %.4f, got %.4f", wantPL, aapl.PLPercent)
	}
}

// TestRecentTradesFromJournal verifies the trade view is sourced from the
// journal and flagged fresh.
func TestRecentTradesFromJournal(t *testing.T) {
	store := journal.NewMemory()
	entry := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	if _, err := store.RecordOpen(context.Background(), journal.TradeRecord{
		Symbol: "AAPL", Strategy: "rsi_meanrev", Profile: "equity",
		EntryTime: entry, EntryPrice: 150, Quantity: 4, StopLoss: 148, TakeProfit: 154,
	}); err != nil {
		t.Fatalf("Expected journal write, got %v", err)
	}

	venue := &stubVenue{acct: broker.Account{Equity: 1000}}
	cache := testCache(venue, store, Config{TTL: time.Hour})

	snap, err := cache.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Expected snapshot, got %v", err)
	}
	if len(snap.RecentTrades) != 1 || snap.RecentTrades[0].Symbol != "AAPL" {
		t.Errorf("Expected one journal trade in view, got %+v", snap.RecentTrades)
	}
	if snap.TradesStale {
		t.Error("Expected trades section fresh")
	}
}
