// Package redis publishes finished trade cycles to Redis: a pub/sub
// notification, an append to the per-symbol stream and the latest snapshot.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

const (
	defaultStreamMaxLen = 10000
	defaultLatestTTL    = 24 * time.Hour
)

// Config configures the Redis publisher.
type Config struct {
	Addr      string // e.g. "localhost:6379"
	Password  string
	DB        int
	MaxLen    int64         // approximate stream length cap, default 10000
	LatestTTL time.Duration // TTL of cycle:latest:{symbol}, default 24h
}

// StreamKey is the stream holding every cycle report of a symbol.
func StreamKey(symbol string) string { return "cycle:" + symbol }

// LatestKey holds the most recent cycle report of a symbol.
func LatestKey(symbol string) string { return "cycle:latest:" + symbol }

// ChannelKey is the pub/sub channel cycle reports are announced on.
func ChannelKey(symbol string) string { return "pub:cycle:" + symbol }

// Publisher writes cycle reports to Redis.
type Publisher struct {
	client    *goredis.Client
	maxLen    int64
	latestTTL time.Duration
	log       zerolog.Logger
}

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := NewWithClient(client, cfg)
	p.log.Info().Str("addr", cfg.Addr).Msg("connected")
	return p, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config) *Publisher {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = defaultStreamMaxLen
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = defaultLatestTTL
	}
	return &Publisher{
		client:    client,
		maxLen:    cfg.MaxLen,
		latestTTL: cfg.LatestTTL,
		log:       logger.For("redis"),
	}
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Ping reports whether the server is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// RecordCycle implements trader.CycleSink with a single pipelined
// XADD + SET + PUBLISH.
func (p *Publisher) RecordCycle(ctx context.Context, r model.CycleReport) error {
	return p.writeCycle(ctx, r)
}

func (p *Publisher) writeCycle(ctx context.Context, r model.CycleReport) error {
	jsonData := string(r.JSON())

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(r.Symbol),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, LatestKey(r.Symbol), jsonData, p.latestTTL)
	pipe.Publish(ctx, ChannelKey(r.Symbol), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish cycle %s: %w", r.Key(), err)
	}
	p.log.Debug().Str("cycle", r.Key()).Str("outcome", string(r.Outcome)).Msg("published cycle")
	return nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
