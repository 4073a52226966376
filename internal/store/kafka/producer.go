// Package kafka produces cycle reports to a Kafka topic, keyed by symbol.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

// Config configures the producer.
type Config struct {
	Brokers      []string
	Topic        string
	RequiredAcks int    // -1 all, 1 leader, 0 none
	Compression  string // gzip|snappy|lz4|zstd
	MaxAttempts  int
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// Option mutates a Config.
type Option func(*Config)

func WithBrokers(brokers ...string) Option { return func(c *Config) { c.Brokers = brokers } }
func WithTopic(topic string) Option        { return func(c *Config) { c.Topic = topic } }
func WithCompression(s string) Option      { return func(c *Config) { c.Compression = s } }
func WithRequiredAcks(n int) Option        { return func(c *Config) { c.RequiredAcks = n } }

// Producer writes JSON cycle reports.
type Producer struct {
	writer *kafka.Writer
	topic  string
	log    zerolog.Logger

	// OnPublish is called after every write attempt.
	OnPublish func(took time.Duration, err error)
}

// NewProducer creates a producer. No connection is made until the first write.
func NewProducer(opts ...Option) (*Producer, error) {
	cfg := &Config{
		RequiredAcks: -1,
		Compression:  "gzip",
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
	}

	l := logger.For("kafka")
	l.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("producer ready")
	return &Producer{writer: writer, topic: cfg.Topic, log: l}, nil
}

// RecordCycle implements trader.CycleSink.
func (p *Producer) RecordCycle(ctx context.Context, r model.CycleReport) error {
	start := time.Now()
	err := p.writer.WriteMessages(ctx, message(r, start))
	if p.OnPublish != nil {
		p.OnPublish(time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("kafka: write cycle %s: %w", r.Key(), err)
	}
	return nil
}

// Topic returns the destination topic.
func (p *Producer) Topic() string { return p.topic }

// Close flushes pending messages and closes the writer.
func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

func message(r model.CycleReport, at time.Time) kafka.Message {
	return kafka.Message{
		Key:   []byte(r.Symbol),
		Value: r.JSON(),
		Time:  at,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(r.RunID)},
			{Key: "outcome", Value: []byte(r.Outcome)},
		},
	}
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}
