// cmd/backtest replays recorded trades from SQLite through the jump detector
// and the paper exchange, and prints the session summary.
//
// Usage:
//
//	go run ./cmd/backtest --symbol=ETHUSD_PERP --speed=0 --from=0
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dexety/dex-trading-system/config"
	"github.com/dexety/dex-trading-system/internal/app"
	"github.com/dexety/dex-trading-system/internal/exchange/paper"
	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/marketdata/bus"
	"github.com/dexety/dex-trading-system/internal/marketdata/replay"
	"github.com/dexety/dex-trading-system/internal/model"
	sqlitestore "github.com/dexety/dex-trading-system/internal/store/sqlite"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (strategy and paper sections are used)")
	dbPath := flag.String("db", "", "SQLite database with recorded trades (default: sqlite.path from config)")
	symbol := flag.String("symbol", "", "Recorded symbol to replay (default: binance.symbol from config)")
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	fromMs := flag.Int64("from", 0, "Replay trades at or after this unix ms timestamp (0=all)")
	toMs := flag.Int64("to", 0, "Replay trades before this unix ms timestamp (0=all)")
	journal := flag.Bool("journal", false, "Record backtest cycles in the SQLite journal")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	cfg.Mode = config.ModePaper
	if *dbPath == "" {
		*dbPath = cfg.SQLite.Path
	}
	if *symbol == "" {
		*symbol = cfg.Binance.Symbol
	}

	log, err := logger.Init("backtest", logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}

	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", *dbPath).Msg("sqlite open failed")
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	runID := app.RunID(cfg)

	// ---- Pipeline: replay → paper (in step) → fan-out → detector ----
	replayer := replay.New(reader)
	tradeCh := make(chan model.Trade, 10000)
	fanout := bus.New[model.Trade](4096)
	var drops, replayed atomic.Int64
	fanout.OnDrop = func(string) { drops.Add(1) }
	detectorCh := fanout.Subscribe("detector")

	// The paper exchange matches every trade on the replay goroutine, so a
	// coordinator timeout registered on the replay clock cancels its orders
	// before any later trade can fill them.
	px := paper.New(paper.Config{SlippageBps: cfg.Paper.SlippageBps, BufferSize: cfg.Paper.BufferSize})
	replayer.OnTrade = px.OnTrade

	coord, err := app.NewCoordinator(cfg, runID, px)
	if err != nil {
		log.Fatal().Err(err).Msg("coordinator init failed")
	}
	coord.SetClock(replayer)
	session := app.NewSession(cfg, coord)
	if *journal {
		j, err := sqlitestore.NewJournal(*dbPath)
		if err != nil {
			log.Fatal().Err(err).Msg("journal open failed")
		}
		defer j.Close()
		coord.AddSink(j)
	}

	go coord.RunAccount(ctx, px.Updates())
	go fanout.Run(ctx, tradeCh)

	go func() {
		defer close(tradeCh)
		n, err := replayer.Run(ctx, *symbol, *fromMs, *toMs, *speed, tradeCh)
		replayed.Store(int64(n))
		if err != nil {
			log.Error().Err(err).Msg("replay error")
		}
	}()

	started := time.Now()
	if err := coord.Run(ctx, detectorCh); err != nil {
		log.Error().Err(err).Msg("coordinator stopped")
	}

	sum := session.Tracker.Summary()
	ok, reason := session.Risk.Allow()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        BACKTEST COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Symbol:            %-16s ║\n", *symbol)
	fmt.Printf("║  Trades replayed:   %-16d ║\n", replayed.Load())
	fmt.Printf("║  Detector drops:    %-16d ║\n", drops.Load())
	fmt.Printf("║  Cycles:            %-16d ║\n", sum.Cycles)
	fmt.Printf("║  Traded:            %-16d ║\n", sum.Traded)
	fmt.Printf("║  Win rate:          %-16s ║\n", fmt.Sprintf("%.1f%%", sum.WinRate()*100))
	fmt.Printf("║  Profit:            %-16s ║\n", sum.Profit.StringFixed(4))
	fmt.Printf("║  Max drawdown:      %-16s ║\n", sum.MaxDrawdown.StringFixed(4))
	for outcome, n := range sum.ByOutcome {
		fmt.Printf("║  %-17s  %-16d ║\n", string(outcome)+":", n)
	}
	if !ok {
		fmt.Printf("║  Halted:            %-16s ║\n", reason)
	}
	fmt.Printf("║  Elapsed:           %-16s ║\n", time.Since(started).Round(time.Millisecond))
	fmt.Println("╚══════════════════════════════════════╝")
}
