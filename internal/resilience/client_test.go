package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/broker"
)

// fakeBroker scripts failures for the Account endpoint and counts how many
// times the venue was actually hit.
type fakeBroker struct {
	attempts int
	failNext int
	failKind broker.Kind
}

func (f *fakeBroker) tick() error {
	f.attempts++
	if f.failNext > 0 {
		f.failNext--
		return broker.NewError(f.failKind, broker.VenueAlpaca, "account", errors.New("scripted failure"))
	}
	return nil
}

func (f *fakeBroker) Venue() broker.Venue { return broker.VenueAlpaca }

func (f *fakeBroker) Account(ctx context.Context) (broker.Account, error) {
	if err := f.tick(); err != nil {
		return broker.Account{}, err
	}
	return broker.Account{Equity: 1000}, nil
}

func (f *fakeBroker) Positions(ctx context.Context) ([]broker.ExternalPosition, error) {
	return nil, nil
}
func (f *fakeBroker) LatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	return broker.Bar{}, nil
}
func (f *fakeBroker) History(ctx context.Context, symbol string, n int) ([]broker.Bar, error) {
	return nil, nil
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	return "", nil
}
func (f *fakeBroker) PlaceBracket(ctx context.Context, req broker.BracketRequest) (string, error) {
	return "", nil
}
func (f *fakeBroker) OpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	return nil, nil
}
func (f *fakeBroker) ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) error {
	return nil
}
func (f *fakeBroker) CancelAll(ctx context.Context, symbol string) error { return nil }
func (f *fakeBroker) CloseAll(ctx context.Context) error                 { return nil }
func (f *fakeBroker) MarketOpen(ctx context.Context) (bool, error)       { return true, nil }
func (f *fakeBroker) SupportsBrackets() bool                             { return true }
func (f *fakeBroker) SupportsFractional() bool                           { return true }

func testConfig() Config {
	return Config{
		MaxRetries:      1,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		CallTimeout:     time.Second,
		BreakerFailures: 5,
		BreakerWindow:   10 * time.Second,
		BreakerCooldown: 50 * time.Millisecond,
		Limits: map[EndpointClass]Limit{
			ClassAccount:    {RPS: 1000, Burst: 1000},
			ClassMarketData: {RPS: 1000, Burst: 1000},
			ClassOrders:     {RPS: 1000, Burst: 1000},
		},
	}
}

// TestBreakerTripAndRecovery drives the breaker through its full cycle:
// consecutive failures open it, open calls fail fast without touching the
// venue, and a successful probe after the cooldown closes it again.
func TestBreakerTripAndRecovery(t *testing.T) {
	fake := &fakeBroker{failNext: 1 << 10, failKind: broker.KindNetwork}
	cfg := testConfig()

	var transitions []string
	cfg.OnBreakerChange = func(from, to string) {
		transitions = append(transitions, from+">"+to)
	}

	client := Wrap(fake, cfg, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := client.Account(ctx); err == nil {
			t.Fatalf("Expected call %d to fail", i+1)
		}
	}
	if client.BreakerState() != "open" {
		t.Fatalf("Expected breaker open after 5 consecutive failures, got %s", client.BreakerState())
	}
	if len(transitions) == 0 || transitions[len(transitions)-1] != "closed>open" {
		t.Errorf("Expected closed>open transition, got %v", transitions)
	}

	attemptsWhenOpened := fake.attempts

	// Open breaker: fail fast, venue untouched.
	_, err := client.Account(ctx)
	if err == nil {
		t.Fatal("Expected fast failure while breaker open")
	}
	if kind := broker.KindOf(err); kind != broker.KindRateLimited {
		t.Errorf("Expected KindRateLimited while open, got %s", kind)
	}
	if fake.attempts != attemptsWhenOpened {
		t.Errorf("Expected no venue attempts while open, got %d extra", fake.attempts-attemptsWhenOpened)
	}

	// After the cooldown a single successful probe closes the breaker.
	time.Sleep(cfg.BreakerCooldown + 20*time.Millisecond)
	fake.failNext = 0
	if _, err := client.Account(ctx); err != nil {
		t.Fatalf("Expected probe to succeed, got %v", err)
	}
	if client.BreakerState() != "closed" {
		t.Errorf("Expected breaker closed after probe, got %s", client.BreakerState())
	}
}

// TestRetriesRecoverTransientFailure verifies a network blip is absorbed by
// the retry loop without surfacing to the caller.
func TestRetriesRecoverTransientFailure(t *testing.T) {
	fake := &fakeBroker{failNext: 2, failKind: broker.KindNetwork}
	cfg := testConfig()
	cfg.MaxRetries = 3

	client := Wrap(fake, cfg, nil, zerolog.Nop())

	acct, err := client.Account(context.Background())
	if err != nil {
		t.Fatalf("Expected retries to recover, got %v", err)
	}
	if acct.Equity != 1000 {
		t.Errorf("Expected account from inner client, got %+v", acct)
	}
	if fake.attempts != 3 {
		t.Errorf("Expected 3 attempts (2 failures + success), got %d", fake.attempts)
	}
}

// TestRetriesAreBounded verifies the attempt count never exceeds
// 1 + MaxRetries.
func TestRetriesAreBounded(t *testing.T) {
	fake := &fakeBroker{failNext: 1 << 10, failKind: broker.KindNetwork}
	cfg := testConfig()
	cfg.MaxRetries = 2

	client := Wrap(fake, cfg, nil, zerolog.Nop())

	_, err := client.Account(context.Background())
	if err == nil {
		t.Fatal("Expected exhausted retries to fail")
	}
	if kind := broker.KindOf(err); kind != broker.KindNetwork {
		t.Errorf("Expected KindNetwork, got %s", kind)
	}
	if fake.attempts != 3 {
		t.Errorf("Expected 3 attempts (1 + 2 retries), got %d", fake.attempts)
	}
}

// TestAuthFailuresAreNotRetried verifies non-transient error kinds go
// straight back to the caller.
func TestAuthFailuresAreNotRetried(t *testing.T) {
	fake := &fakeBroker{failNext: 1 << 10, failKind: broker.KindAuth}
	client := Wrap(fake, testConfig(), nil, zerolog.Nop())

	_, err := client.Account(context.Background())
	if err == nil {
		t.Fatal("Expected auth failure to surface")
	}
	if kind := broker.KindOf(err); kind != broker.KindAuth {
		t.Errorf("Expected KindAuth, got %s", kind)
	}
	if fake.attempts != 1 {
		t.Errorf("Expected a single attempt for auth failure, got %d", fake.attempts)
	}
}

// TestLimiterDeadlineSurfacesAsRateLimited verifies a token wait that
// cannot finish inside the call deadline is reported as rate limited, not
// as a network fault.
func TestLimiterDeadlineSurfacesAsRateLimited(t *testing.T) {
	fake := &fakeBroker{}
	cfg := testConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	cfg.Limits = map[EndpointClass]Limit{
		ClassAccount: {RPS: 0.001, Burst: 1},
	}

	client := Wrap(fake, cfg, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := client.Account(ctx); err != nil {
		t.Fatalf("Expected first call to pass on the burst token, got %v", err)
	}

	_, err := client.Account(ctx)
	if err == nil {
		t.Fatal("Expected second call to fail on limiter wait")
	}
	if kind := broker.KindOf(err); kind != broker.KindRateLimited {
		t.Errorf("Expected KindRateLimited, got %s", kind)
	}
	if fake.attempts != 1 {
		t.Errorf("Expected venue untouched by limited call, got %d attempts", fake.attempts)
	}
}

// TestCapabilityPassthrough verifies the decorator is transparent for
// venue capability checks and emergency flatten.
func TestCapabilityPassthrough(t *testing.T) {
	fake := &fakeBroker{}
	client := Wrap(fake, testConfig(), nil, zerolog.Nop())

	if client.Venue() != broker.VenueAlpaca {
		t.Errorf("Expected venue passthrough, got %s", client.Venue())
	}
	if !client.SupportsBrackets() || !client.SupportsFractional() {
		t.Error("Expected capability passthrough")
	}
	if err := client.CloseAll(context.Background()); err != nil {
		t.Errorf("Expected CloseAll passthrough, got %v", err)
	}
}
