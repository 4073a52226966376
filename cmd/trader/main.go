// cmd/trader runs the jump-signal trader for one symbol: Binance trades feed
// the detector, cycles are sent to the dYdX order relay (live) or to the
// in-process paper exchange (paper). Any coordinator error stops the process.
//
// Usage:
//
//	go run ./cmd/trader --config=config/trader.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/config"
	"github.com/dexety/dex-trading-system/internal/api"
	"github.com/dexety/dex-trading-system/internal/app"
	"github.com/dexety/dex-trading-system/internal/exchange/dydx"
	"github.com/dexety/dex-trading-system/internal/exchange/paper"
	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/marketdata/binance"
	"github.com/dexety/dex-trading-system/internal/marketdata/bus"
	"github.com/dexety/dex-trading-system/internal/metrics"
	"github.com/dexety/dex-trading-system/internal/model"
	"github.com/dexety/dex-trading-system/internal/notification"
	kafkastore "github.com/dexety/dex-trading-system/internal/store/kafka"
	redisstore "github.com/dexety/dex-trading-system/internal/store/redis"
	sqlitestore "github.com/dexety/dex-trading-system/internal/store/sqlite"
	"github.com/dexety/dex-trading-system/internal/trader"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (optional; defaults + TRADER_* env otherwise)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	log, err := logger.Init("trader", logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("trader stopped")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	runID := app.RunID(cfg)
	log = log.With().Str("run_id", runID).Str("mode", cfg.Mode).Str("symbol", cfg.Strategy.Symbol).Logger()
	log.Info().Msg("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	alerter := app.Alerter(cfg)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	health.Expect(cfg.Mode == config.ModeLive, cfg.Redis.Enabled, true)
	metricsSrv := metrics.NewServer(cfg.Metrics.Addr, health, nil)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Stop(shutdownCtx)
	}()

	// ---- Storage ----
	if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
		return fmt.Errorf("sqlite dir: %w", err)
	}
	journal, err := sqlitestore.NewJournal(cfg.SQLite.Path)
	if err != nil {
		return err
	}
	defer journal.Close()

	var recorder *sqlitestore.Writer
	if cfg.Binance.Record {
		recorder, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLite.Path})
		if err != nil {
			return err
		}
		defer recorder.Close()
		recorder.OnFlush = func(_ int, took time.Duration) {
			prom.SQLiteCommitDur.Observe(took.Seconds())
		}
	}

	var publisher *redisstore.Publisher
	var buffered *redisstore.BufferedPublisher
	if cfg.Redis.Enabled {
		publisher, err = redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, cycles will be buffered")
			publisher = redisstore.NewWithClient(goredis.NewClient(&goredis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			}), redisstore.Config{})
		}
		defer publisher.Close()

		cb := redisstore.NewCircuitBreaker(cfg.Redis.MaxFailures, cfg.Redis.ResetAfter)
		cb.OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("redis circuit breaker")
		}
		buffered = redisstore.NewBufferedPublisher(publisher, cb, 0)
		buffered.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
	}

	var producer *kafkastore.Producer
	if cfg.Kafka.Enabled {
		producer, err = kafkastore.NewProducer(
			kafkastore.WithBrokers(cfg.Kafka.Brokers...),
			kafkastore.WithTopic(cfg.Kafka.Topic),
			kafkastore.WithCompression(cfg.Kafka.Compression),
		)
		if err != nil {
			return err
		}
		defer producer.Close()
		producer.OnPublish = func(took time.Duration, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			prom.KafkaPublishDur.WithLabelValues(result).Observe(took.Seconds())
		}
	}

	var rdb *goredis.Client
	if publisher != nil {
		rdb = publisher.Client()
	}
	health.StartLivenessChecker(ctx, rdb, journal.DB(), 10*time.Second)

	// ---- Market data: Binance trades → fan-out ----
	ingest, err := binance.New(binance.Config{
		BaseURL:           cfg.Binance.URL,
		Symbol:            cfg.Binance.Symbol,
		ReconnectDelay:    cfg.Binance.ReconnectDelay,
		MaxReconnectDelay: cfg.Binance.MaxReconnectDelay,
	})
	if err != nil {
		return err
	}
	ingest.OnReconnect = func() {
		prom.FeedReconnects.WithLabelValues("binance").Inc()
		health.SetTradeFeedConnected(false)
	}
	ingest.OnTrade = func() {
		prom.TradesTotal.Inc()
		health.SetTradeFeedConnected(true)
		health.SetLastTradeTime(time.Now())
	}

	tradeCh := make(chan model.Trade, 10000)
	fanout := bus.New[model.Trade](4096)
	fanout.OnDrop = func(name string) { prom.FanoutDrops.WithLabelValues(name).Inc() }
	detectorCh := fanout.Subscribe("detector")

	// ---- Exchange ----
	var (
		ex        trader.Exchange
		accountCh <-chan model.AccountUpdate
	)
	switch cfg.Mode {
	case config.ModeLive:
		client, err := dydx.NewClient(dydx.Config{
			BaseURL:    cfg.Dydx.RESTURL,
			APIKey:     cfg.Dydx.APIKey,
			Passphrase: cfg.Dydx.Passphrase,
			Timeout:    cfg.Dydx.Timeout,
			LimitFee:   cfg.Dydx.LimitFee,
		})
		if err != nil {
			return err
		}
		feed, err := dydx.NewFeed(dydx.FeedConfig{
			URL:        cfg.Dydx.WSURL,
			APIKey:     cfg.Dydx.APIKey,
			Passphrase: cfg.Dydx.Passphrase,
		})
		if err != nil {
			return err
		}
		feed.OnReconnect = func() { prom.FeedReconnects.WithLabelValues("dydx").Inc() }
		feed.OnConnected = health.SetAccountFeedConnected

		ch := make(chan model.AccountUpdate, 1024)
		go func() {
			if err := feed.Start(ctx, ch); err != nil {
				log.Error().Err(err).Msg("account feed stopped")
			}
		}()
		ex, accountCh = client, ch

	default:
		px := paper.New(paper.Config{SlippageBps: cfg.Paper.SlippageBps, BufferSize: cfg.Paper.BufferSize})
		go px.Run(ctx, fanout.SubscribeLossless("paper"))
		ex, accountCh = px, px.Updates()
	}

	if recorder != nil {
		go recorder.Run(ctx, fanout.Subscribe("recorder"))
	}

	// ---- Coordinator ----
	coord, err := app.NewCoordinator(cfg, runID, ex)
	if err != nil {
		return err
	}
	session := app.NewSession(cfg, coord)
	coord.AddSink(journal)
	if buffered != nil {
		coord.AddSink(buffered)
	}
	if producer != nil {
		coord.AddSink(producer)
	}
	alerts := notification.NewCycleAlerter(alerter)
	alerts.Verbose = cfg.Notify.Verbose
	coord.AddSink(alerts)
	app.Instrument(coord, session, prom, health)

	metricsSrv.Mount("/api/", api.NewRouter(api.Session{
		Symbol:  cfg.Strategy.Symbol,
		Tracker: session.Tracker,
		Risk:    session.Risk,
		Store:   journal,
	}))
	metricsSrv.Start()

	go fanout.Run(ctx, tradeCh)
	go func() {
		if err := ingest.Start(ctx, tradeCh); err != nil {
			log.Error().Err(err).Msg("trade feed stopped")
		}
	}()
	go coord.RunAccount(ctx, accountCh)
	go reportSaturation(ctx, fanout, prom)

	coordErr := make(chan error, 1)
	go func() { coordErr <- coord.Run(ctx, detectorCh) }()

	log.Info().
		Str("exchange", cfg.Mode).
		Str("trade_feed", cfg.Binance.Symbol).
		Float64("signal_threshold", cfg.Strategy.SignalThreshold).
		Str("quantity", cfg.Strategy.Quantity.String()).
		Msg("pipeline ready")

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
		cancel()
		if coord.Busy() {
			log.Warn().Msg("cycle in flight at shutdown, canceling open orders")
			cancelCtx, cancelDone := context.WithTimeout(context.Background(), 5*time.Second)
			if err := ex.CancelAllOrders(cancelCtx, cfg.Strategy.Symbol); err != nil {
				log.Error().Err(err).Msg("cancel on shutdown failed")
			}
			cancelDone()
		}
		<-coordErr
		summary := session.Tracker.Summary()
		log.Info().
			Int("cycles", summary.Cycles).
			Int("traded", summary.Traded).
			Str("profit", summary.Profit.String()).
			Msg("session summary")
		return nil

	case err := <-coordErr:
		if err == nil {
			return errors.New("trade stream ended")
		}
		app.Fatal(alerter, "trader", err)
		cancel()
		return err
	}
}

func reportSaturation(ctx context.Context, fo *bus.FanOut[model.Trade], prom *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range fo.ChannelStats() {
				if s.Cap > 0 {
					prom.ChannelSaturation.WithLabelValues(s.Name).Set(float64(s.Len) / float64(s.Cap) * 100)
				}
			}
		}
	}
}
