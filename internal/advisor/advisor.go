// Package advisor fans prospective entries out to optional external scoring
// services (sentiment, ML, risk) and folds the answers into one scalar in
// [-1, 1]. The bus is strictly best-effort: advisors can slow an entry
// decision by at most their timeout and can never fail a cycle.
package advisor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	scoreMin = -1.0
	scoreMax = 1.0

	defaultTimeout = 2 * time.Second
	cacheTTL       = 60 * time.Second

	cacheKeyPrefix = "engine:advisor:"
)

// Advisor scores a prospective entry for a symbol. Implementations should
// stay within [-1, 1]; the bus clamps anything outside.
type Advisor interface {
	Name() string
	Score(ctx context.Context, symbol string) (float64, error)
}

// HTTPAdvisor queries one external scoring endpoint:
// GET {url}?symbol=SYM returning {"score": 0.42}.
type HTTPAdvisor struct {
	name string
	url  string
	http *resty.Client
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// NewHTTPAdvisor builds an advisor client. The timeout bounds a single
// request; the bus applies its own deadline on top.
func NewHTTPAdvisor(name, url string, timeout time.Duration) *HTTPAdvisor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPAdvisor{
		name: name,
		url:  url,
		http: resty.New().SetTimeout(timeout),
	}
}

func (a *HTTPAdvisor) Name() string { return a.name }

func (a *HTTPAdvisor) Score(ctx context.Context, symbol string) (float64, error) {
	var out scoreResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get(a.url)
	if err != nil {
		return 0, fmt.Errorf("advisor %s: %w", a.name, err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("advisor %s: status %d", a.name, resp.StatusCode())
	}
	return out.Score, nil
}

type cachedScore struct {
	score float64
	at    time.Time
}

// Bus aggregates advisor scores per symbol. Fresh answers are written
// through to Redis and an in-memory memo; when every advisor fails the
// last cached score is served, and with no cache the neutral 0.
type Bus struct {
	advisors []Advisor
	rdb      *redis.Client
	logger   zerolog.Logger
	timeout  time.Duration
	ttl      time.Duration

	mu   sync.RWMutex
	memo map[string]cachedScore

	Now func() time.Time
}

// NewBus builds the bus. rdb may be nil; the memo then carries the cache
// alone.
func NewBus(advisors []Advisor, rdb *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{
		advisors: advisors,
		rdb:      rdb,
		logger:   logger.With().Str("component", "advisor").Logger(),
		timeout:  defaultTimeout,
		ttl:      cacheTTL,
		memo:     make(map[string]cachedScore),
		Now:      time.Now,
	}
}

// Enabled reports whether any advisor is configured.
func (b *Bus) Enabled() bool { return len(b.advisors) > 0 }

// Score returns the mean advisor score for a symbol, clamped to [-1, 1].
// The call never errors and never outlives the bus timeout.
func (b *Bus) Score(ctx context.Context, symbol string) float64 {
	if len(b.advisors) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type answer struct {
		name  string
		score float64
		err   error
	}
	answers := make(chan answer, len(b.advisors))
	for _, adv := range b.advisors {
		go func(adv Advisor) {
			s, err := adv.Score(ctx, symbol)
			answers <- answer{name: adv.Name(), score: s, err: err}
		}(adv)
	}

	var sum float64
	var ok int
	for range b.advisors {
		a := <-answers
		if a.err != nil {
			b.logger.Debug().Err(a.err).Str("advisor", a.name).Str("symbol", symbol).Msg("advisor unavailable")
			continue
		}
		sum += clamp(a.score)
		ok++
	}

	if ok > 0 {
		score := sum / float64(ok)
		b.cache(ctx, symbol, score)
		return score
	}

	if score, found := b.cached(ctx, symbol); found {
		b.logger.Debug().Str("symbol", symbol).Float64("score", score).Msg("serving cached advisor score")
		return score
	}
	return 0
}

func clamp(s float64) float64 {
	return math.Max(scoreMin, math.Min(scoreMax, s))
}

func (b *Bus) cache(ctx context.Context, symbol string, score float64) {
	b.mu.Lock()
	b.memo[symbol] = cachedScore{score: score, at: b.Now()}
	b.mu.Unlock()

	if b.rdb == nil {
		return
	}
	key := cacheKeyPrefix + symbol
	if err := b.rdb.Set(ctx, key, strconv.FormatFloat(score, 'f', 4, 64), b.ttl).Err(); err != nil {
		b.logger.Debug().Err(err).Msg("advisor cache write skipped")
	}
}

func (b *Bus) cached(ctx context.Context, symbol string) (float64, bool) {
	if b.rdb != nil {
		raw, err := b.rdb.Get(ctx, cacheKeyPrefix+symbol).Result()
		if err == nil {
			if score, perr := strconv.ParseFloat(raw, 64); perr == nil {
				return clamp(score), true
			}
		}
	}

	b.mu.RLock()
	entry, found := b.memo[symbol]
	b.mu.RUnlock()
	if !found || b.Now().Sub(entry.at) > b.ttl {
		return 0, false
	}
	return entry.score, true
}
