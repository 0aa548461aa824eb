package advisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdvisor struct {
	name  string
	score float64
	err   error
	delay time.Duration
}

func (s *stubAdvisor) Name() string { return s.name }

func (s *stubAdvisor) Score(ctx context.Context, symbol string) (float64, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.score, s.err
}

func testBus(advisors ...Advisor) *Bus {
	return NewBus(advisors, nil, zerolog.Nop())
}

func TestHTTPAdvisorParsesScore(t *testing.T) {
	var symbol string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		symbol = r.URL.Query().Get("symbol")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 0.42}`))
	}))
	defer srv.Close()

	adv := NewHTTPAdvisor("sentiment", srv.URL, time.Second)
	score, err := adv.Score(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 0.42, score)
	assert.Equal(t, "AAPL", symbol)
}

func TestHTTPAdvisorRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adv := NewHTTPAdvisor("sentiment", srv.URL, time.Second)
	_, err := adv.Score(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBusAveragesAdvisors(t *testing.T) {
	b := testBus(
		&stubAdvisor{name: "a", score: 0.5},
		&stubAdvisor{name: "b", score: -0.1},
	)
	assert.InDelta(t, 0.2, b.Score(context.Background(), "AAPL"), 1e-9)
}

func TestBusClampsOutOfRange(t *testing.T) {
	b := testBus(&stubAdvisor{name: "wild", score: 3.0})
	assert.Equal(t, 1.0, b.Score(context.Background(), "AAPL"))
}

func TestBusIgnoresFailedAdvisorsInMean(t *testing.T) {
	b := testBus(
		&stubAdvisor{name: "ok", score: 0.6},
		&stubAdvisor{name: "down", err: errors.New("timeout")},
	)
	assert.InDelta(t, 0.6, b.Score(context.Background(), "AAPL"), 1e-9)
}

func TestBusFallsBackToMemoOnFailure(t *testing.T) {
	adv := &stubAdvisor{name: "flaky", score: 0.4}
	b := testBus(adv)
	ctx := context.Background()

	require.InDelta(t, 0.4, b.Score(ctx, "AAPL"), 1e-9)

	adv.err = errors.New("connection refused")
	assert.InDelta(t, 0.4, b.Score(ctx, "AAPL"), 1e-9)
}

func TestBusMemoExpires(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	adv := &stubAdvisor{name: "flaky", score: 0.4}
	b := testBus(adv)
	b.Now = func() time.Time { return now }
	ctx := context.Background()

	b.Score(ctx, "AAPL")
	adv.err = errors.New("connection refused")
	now = now.Add(61 * time.Second)

	assert.Equal(t, 0.0, b.Score(ctx, "AAPL"))
}

func TestBusNeutralWhenColdAndFailing(t *testing.T) {
	b := testBus(&stubAdvisor{name: "down", err: errors.New("unreachable")})
	assert.Equal(t, 0.0, b.Score(context.Background(), "AAPL"))
}

func TestBusDisabledWithoutAdvisors(t *testing.T) {
	b := testBus()
	assert.False(t, b.Enabled())
	assert.Equal(t, 0.0, b.Score(context.Background(), "AAPL"))
}

func TestBusTimeoutBoundsSlowAdvisor(t *testing.T) {
	b := testBus(&stubAdvisor{name: "slow", score: 0.9, delay: 5 * time.Second})
	b.timeout = 20 * time.Millisecond

	start := time.Now()
	score := b.Score(context.Background(), "AAPL")
	elapsed := time.Since(start)

	assert.Equal(t, 0.0, score)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestBusRedisWriteThrough(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewBus([]Advisor{
		&stubAdvisor{name: "a", score: 0.5},
		&stubAdvisor{name: "b", score: -0.1},
	}, db, zerolog.Nop())

	mock.ExpectSet("engine:advisor:AAPL", "0.2000", cacheTTL).SetVal("OK")

	assert.InDelta(t, 0.2, b.Score(context.Background(), "AAPL"), 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBusServesRedisCachedScore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewBus([]Advisor{&stubAdvisor{name: "down", err: errors.New("unreachable")}}, db, zerolog.Nop())

	mock.ExpectGet("engine:advisor:AAPL").SetVal("0.3300")

	assert.InDelta(t, 0.33, b.Score(context.Background(), "AAPL"), 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}
