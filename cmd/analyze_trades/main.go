// Offline journal analyzer. Connects to the same Postgres journal the
// engine writes, aggregates closed trades per symbol and per exit reason,
// and points at symbols worth pruning from the watchlists.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"autonomous-trading-engine/config"
	"autonomous-trading-engine/internal/journal"
	"autonomous-trading-engine/internal/logging"
)

type symbolStats struct {
	Symbol      string
	TotalTrades int
	Winners     int
	Losers      int
	TotalPnL    float64
	TotalWins   float64
	TotalLosses float64
	WinRate     float64
	AvgPnL      float64
}

func main() {
	days := flag.Int("days", 30, "analysis window in days, 0 for the full journal")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New("warn", true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := journal.NewPostgres(ctx, journal.PostgresConfig{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	}, logger)
	if err != nil {
		fmt.Printf("❌ connect trade journal: %v\n", err)
		os.Exit(3)
	}
	defer store.Close()

	line := strings.Repeat("=", 80)
	fmt.Println(line)
	fmt.Println("📊 TRADE JOURNAL ANALYSIS")
	fmt.Println(line)

	summary, err := store.Summary(ctx)
	if err != nil {
		fmt.Printf("❌ read journal summary: %v\n", err)
		os.Exit(3)
	}
	fmt.Printf("\n💰 Journal: %d trades, %d still open\n", summary.TotalTrades, summary.OpenTrades)
	fmt.Printf("📈 All-time PnL: $%.2f | Win rate: %.1f%%\n", summary.TotalPnL, summary.WinRate*100)

	since := time.Time{}
	if *days > 0 {
		since = time.Now().AddDate(0, 0, -*days)
	}
	trades, err := store.ClosedTradesSince(ctx, since)
	if err != nil {
		fmt.Printf("❌ read closed trades: %v\n", err)
		os.Exit(3)
	}
	if len(trades) == 0 {
		fmt.Println("\n❌ No closed trades in the window")
		return
	}
	if *days > 0 {
		fmt.Printf("\n🔄 Analyzing %d trades closed in the last %d days...\n", len(trades), *days)
	} else {
		fmt.Printf("\n🔄 Analyzing %d closed trades...\n", len(trades))
	}

	perSymbol := make(map[string]*symbolStats)
	reasonCounts := make(map[string]int)
	reasonPnL := make(map[string]float64)
	profilePnL := make(map[string]float64)
	dayTrades := 0

	for _, t := range trades {
		if t.PnL == nil {
			continue
		}
		pnl := *t.PnL

		s, ok := perSymbol[t.Symbol]
		if !ok {
			s = &symbolStats{Symbol: t.Symbol}
			perSymbol[t.Symbol] = s
		}
		s.TotalTrades++
		s.TotalPnL += pnl
		switch {
		case pnl > 0:
			s.Winners++
			s.TotalWins += pnl
		case pnl < 0:
			s.Losers++
			s.TotalLosses += pnl
		}

		reasonCounts[t.ExitReason]++
		reasonPnL[t.ExitReason] += pnl
		profilePnL[t.Profile] += pnl
		if t.IsDayTrade(time.Local) {
			dayTrades++
		}
	}

	sorted := make([]*symbolStats, 0, len(perSymbol))
	for _, s := range perSymbol {
		s.WinRate = float64(s.Winners) / float64(s.TotalTrades) * 100
		s.AvgPnL = s.TotalPnL / float64(s.TotalTrades)
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TotalPnL > sorted[j].TotalPnL })

	fmt.Println("\n" + line)
	fmt.Println("📈 PERFORMANCE BY SYMBOL")
	fmt.Println(line)

	fmt.Println("┌──────────────┬────────┬─────────┬─────────┬──────────────┬──────────────┬──────────┐")
	fmt.Println("│ Symbol       │ Trades │ Winners │ Losers  │ Total PnL    │ Avg PnL      │ Win Rate │")
	fmt.Println("├──────────────┼────────┼─────────┼─────────┼──────────────┼──────────────┼──────────┤")

	var totalPnL float64
	var totalTrades, totalWins, totalLosses int
	for _, s := range sorted {
		emoji := "🟢"
		if s.TotalPnL < 0 {
			emoji = "🔴"
		}
		fmt.Printf("│ %s %-10s │ %6d │ %7d │ %7d │ %+12.2f │ %+12.2f │ %7.1f%% │\n",
			emoji, truncate(s.Symbol, 10),
			s.TotalTrades, s.Winners, s.Losers,
			s.TotalPnL, s.AvgPnL, s.WinRate)
		totalPnL += s.TotalPnL
		totalTrades += s.TotalTrades
		totalWins += s.Winners
		totalLosses += s.Losers
	}

	fmt.Println("├──────────────┼────────┼─────────┼─────────┼──────────────┼──────────────┼──────────┤")
	winRate := 0.0
	if totalTrades > 0 {
		winRate = float64(totalWins) / float64(totalTrades) * 100
	}
	fmt.Printf("│ 📊 TOTAL     │ %6d │ %7d │ %7d │ %+12.2f │ %+12.2f │ %7.1f%% │\n",
		totalTrades, totalWins, totalLosses,
		totalPnL, totalPnL/float64(max(totalTrades, 1)), winRate)
	fmt.Println("└──────────────┴────────┴─────────┴─────────┴──────────────┴──────────────┴──────────┘")

	fmt.Println("\n" + line)
	fmt.Println("🚪 EXITS BY REASON")
	fmt.Println(line)
	reasons := make([]string, 0, len(reasonCounts))
	for r := range reasonCounts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasonCounts[reasons[i]] > reasonCounts[reasons[j]] })
	for _, r := range reasons {
		name := r
		if name == "" {
			name = "(unrecorded)"
		}
		fmt.Printf("   %-18s %5d trades  $%+10.2f\n", name, reasonCounts[r], reasonPnL[r])
	}

	if len(profilePnL) > 1 {
		fmt.Println("\n" + line)
		fmt.Println("👥 PnL BY PROFILE")
		fmt.Println(line)
		names := make([]string, 0, len(profilePnL))
		for p := range profilePnL {
			names = append(names, p)
		}
		sort.Strings(names)
		for _, p := range names {
			fmt.Printf("   %-12s $%+10.2f\n", p, profilePnL[p])
		}
	}

	fmt.Println("\n" + line)
	fmt.Println("💡 INSIGHTS")
	fmt.Println(line)

	if winRate < 50 {
		fmt.Printf("\n   ⚠️  Win rate %.1f%% is below 50%%\n", winRate)
		fmt.Println("   → Consider a higher MACD_THRESHOLD or a tighter RSI band")
		fmt.Println("   → With advisors configured, a higher ADVISOR_THRESHOLD filters weak entries")
	} else {
		fmt.Printf("\n   ✅ Win rate %.1f%% holds above 50%%\n", winRate)
	}

	if stops, takes := reasonCounts["stop_loss"], reasonCounts["take_profit"]; stops > 2*takes && stops >= 5 {
		fmt.Printf("\n   ⚠️  Stops outnumber targets %d to %d\n", stops, takes)
		fmt.Println("   → Entries are landing against the move; review the symbol lists before widening stops")
	}

	if dayTrades > 0 {
		fmt.Printf("\n   📅 %d day trades in the window (the PDT guard counts a rolling 5 business days)\n", dayTrades)
	}

	fmt.Println("\n   🚫 PRUNE CANDIDATES (negative PnL, sub-45% win rate, 3+ trades):")
	pruned := 0
	for i := len(sorted) - 1; i >= 0; i-- {
		s := sorted[i]
		if s.TotalPnL < 0 && s.WinRate < 45 && s.TotalTrades >= 3 {
			fmt.Printf("      - %s (PnL: $%.2f, win rate: %.1f%%, trades: %d)\n",
				s.Symbol, s.TotalPnL, s.WinRate, s.TotalTrades)
			pruned++
		}
	}
	if pruned == 0 {
		fmt.Println("      None identified")
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
