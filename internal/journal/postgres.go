package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig holds the journal database settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// statsMemoTTL bounds how long a per-symbol aggregate is served without
// re-querying. Kelly sizing reads stats every cycle for every candidate.
const statsMemoTTL = time.Minute

type statsMemo struct {
	stats SymbolStats
	at    time.Time
}

// Postgres is the production journal store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	memoMu sync.Mutex
	memo   map[string]statsMemo
}

// NewPostgres connects, verifies the connection and runs migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse journal dsn: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create journal pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}

	p := &Postgres{pool: pool, logger: logger, memo: make(map[string]statsMemo)}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().Str("database", cfg.Database).Msg("journal connected")
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(24) NOT NULL,
			strategy VARCHAR(64) NOT NULL,
			profile VARCHAR(64) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL,
			exit_time TIMESTAMPTZ,
			exit_price DOUBLE PRECISION,
			pnl DOUBLE PRECISION,
			exit_reason VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_entry_time ON trades(entry_time)`,
		// rolling day-trade index: the PDT guard queries by exit window
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time) WHERE exit_time IS NOT NULL`,
	}

	for i, m := range migrations {
		if _, err := p.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("journal migration %d: %w", i+1, err)
		}
	}
	return nil
}

const tradeColumns = `id, symbol, strategy, profile, entry_time, entry_price, quantity,
	stop_loss, take_profit, exit_time, exit_price, pnl, COALESCE(exit_reason, '')`

// RecordOpen appends an open trade and returns its journal id.
func (p *Postgres) RecordOpen(ctx context.Context, rec TradeRecord) (int64, error) {
	query := `
		INSERT INTO trades (symbol, strategy, profile, entry_time, entry_price, quantity, stop_loss, take_profit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	var id int64
	err := p.pool.QueryRow(
		ctx, query,
		rec.Symbol, rec.Strategy, rec.Profile, rec.EntryTime,
		rec.EntryPrice, rec.Quantity, rec.StopLoss, rec.TakeProfit,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("journal record open: %w", err)
	}
	return id, nil
}

// RecordClose finalizes a trade. Closing an already-closed trade is
// rejected so the journal stays append-only.
func (p *Postgres) RecordClose(ctx context.Context, id int64, exitTime time.Time, exitPrice, pnl float64, reason string) error {
	query := `
		UPDATE trades
		SET exit_time = $2, exit_price = $3, pnl = $4, exit_reason = $5
		WHERE id = $1 AND exit_time IS NULL
	`
	tag, err := p.pool.Exec(ctx, query, id, exitTime, exitPrice, pnl, reason)
	if err != nil {
		return fmt.Errorf("journal record close: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("journal record close: trade %d not open", id)
	}

	// A close changes some symbol's aggregates; the id does not say which.
	p.memoMu.Lock()
	clear(p.memo)
	p.memoMu.Unlock()
	return nil
}

// OpenTrades returns trades without an exit, newest first.
func (p *Postgres) OpenTrades(ctx context.Context) ([]TradeRecord, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades WHERE exit_time IS NULL ORDER BY entry_time DESC`
	return p.queryTrades(ctx, query)
}

// RecentTrades returns the latest records, open or closed.
func (p *Postgres) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades ORDER BY entry_time DESC LIMIT $1`
	return p.queryTrades(ctx, query, limit)
}

// ClosedTradesSince returns closed trades with exit_time >= since, oldest
// first.
func (p *Postgres) ClosedTradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades WHERE exit_time IS NOT NULL AND exit_time >= $1 ORDER BY exit_time ASC`
	return p.queryTrades(ctx, query, since)
}

// SymbolStats aggregates closed-trade outcomes for one symbol. Results are
// memoized for a minute; any recorded close drops the memo.
func (p *Postgres) SymbolStats(ctx context.Context, symbol string) (SymbolStats, error) {
	p.memoMu.Lock()
	if m, ok := p.memo[symbol]; ok && time.Since(m.at) < statsMemoTTL {
		p.memoMu.Unlock()
		return m.stats, nil
	}
	p.memoMu.Unlock()

	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE pnl > 0),
		       COALESCE(AVG(pnl) FILTER (WHERE pnl > 0), 0),
		       COALESCE(AVG(-pnl) FILTER (WHERE pnl <= 0), 0)
		FROM trades
		WHERE symbol = $1 AND exit_time IS NOT NULL
	`
	stats := SymbolStats{Symbol: symbol}
	err := p.pool.QueryRow(ctx, query, symbol).Scan(
		&stats.TotalTrades, &stats.Wins, &stats.AvgWin, &stats.AvgLoss,
	)
	if err != nil {
		return SymbolStats{}, fmt.Errorf("journal symbol stats: %w", err)
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
	}

	p.memoMu.Lock()
	p.memo[symbol] = statsMemo{stats: stats, at: time.Now()}
	p.memoMu.Unlock()
	return stats, nil
}

// Summary aggregates the whole journal.
func (p *Postgres) Summary(ctx context.Context) (Summary, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE exit_time IS NULL),
		       COUNT(*) FILTER (WHERE pnl > 0),
		       COUNT(*) FILTER (WHERE exit_time IS NOT NULL AND pnl <= 0),
		       COALESCE(SUM(pnl), 0),
		       COALESCE(AVG(pnl) FILTER (WHERE pnl > 0), 0),
		       COALESCE(AVG(-pnl) FILTER (WHERE exit_time IS NOT NULL AND pnl <= 0), 0)
		FROM trades
	`
	var s Summary
	err := p.pool.QueryRow(ctx, query).Scan(
		&s.TotalTrades, &s.OpenTrades, &s.Wins, &s.Losses, &s.TotalPnL, &s.AvgWin, &s.AvgLoss,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("journal summary: %w", err)
	}
	closed := s.TotalTrades - s.OpenTrades
	if closed > 0 {
		s.WinRate = float64(s.Wins) / float64(closed)
	}
	return s, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) queryTrades(ctx context.Context, query string, args ...interface{}) ([]TradeRecord, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTrade(row pgx.Row) (TradeRecord, error) {
	var rec TradeRecord
	err := row.Scan(
		&rec.ID, &rec.Symbol, &rec.Strategy, &rec.Profile,
		&rec.EntryTime, &rec.EntryPrice, &rec.Quantity,
		&rec.StopLoss, &rec.TakeProfit,
		&rec.ExitTime, &rec.ExitPrice, &rec.PnL, &rec.ExitReason,
	)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("journal scan trade: %w", err)
	}
	return rec, nil
}
