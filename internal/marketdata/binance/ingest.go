// Package binance streams public trades from the Binance futures websocket
// and normalizes them into model.Trade.
//
// The expected JSON message on the wire is the raw @trade stream payload:
//
//	{"e":"trade","E":1700000000001,"s":"ETHUSD_PERP","t":42,"p":"2000.10","q":"3","T":1700000000000,"m":false}
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

// DefaultBaseURL is the coin-margined futures stream endpoint.
const DefaultBaseURL = "wss://dstream.binance.com/ws"

// Config holds configuration for the trade ingest.
type Config struct {
	// BaseURL of the stream server; the stream path "/{symbol}@trade" is appended.
	BaseURL string
	Symbol  string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// ReadTimeout drops a silent connection. Defaults to 30s.
	ReadTimeout time.Duration
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
}

// StreamURL returns the full @trade stream URL.
func (c Config) StreamURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.ToLower(c.Symbol) + "@trade"
}

// Ingest connects to the trade stream and pushes trades into a channel.
type Ingest struct {
	cfg Config
	log zerolog.Logger

	// Optional hooks.
	OnReconnect func()
	OnTrade     func()
	OnDrop      func()
}

// New creates a new Ingest. Returns an error if the URL is unparseable.
func New(cfg Config) (*Ingest, error) {
	cfg.defaults()
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("binance ingest: symbol is required")
	}
	if _, err := url.Parse(cfg.StreamURL()); err != nil {
		return nil, fmt.Errorf("binance ingest: %w", err)
	}
	return &Ingest{cfg: cfg, log: logger.For("binance")}, nil
}

// Start streams trades into tradeCh until ctx is cancelled, reconnecting
// with exponential backoff on disconnect.
func (ing *Ingest) Start(ctx context.Context, tradeCh chan<- model.Trade) error {
	delay := ing.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := ing.runOnce(ctx, tradeCh)
		if err == nil {
			return nil
		}

		ing.log.Warn().Err(err).Dur("retry_in", delay).Msg("disconnected, reconnecting")
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or ctx cancel.
func (ing *Ingest) runOnce(ctx context.Context, tradeCh chan<- model.Trade) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, ing.cfg.StreamURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ing.log.Info().Str("url", ing.cfg.StreamURL()).Msg("connected")

	conn.SetReadLimit(1 << 20)
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(ing.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(ing.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		trade, err := ParseTrade(raw)
		if err != nil {
			ing.log.Warn().Err(err).Bytes("raw", raw).Msg("parse error")
			continue
		}
		if ing.OnTrade != nil {
			ing.OnTrade()
		}

		select {
		case tradeCh <- trade:
		default:
			if ing.OnDrop != nil {
				ing.OnDrop()
			}
			ing.log.Debug().Msg("trade channel full, dropping trade")
		}
	}
}

// wireTrade lists every single-letter key of the payload: encoding/json
// matches keys case-insensitively, so "t" and "E" must have their own
// fields or they would land in "T" and "e".
type wireTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
	BestMatch    bool   `json:"M"`
}

// ParseTrade decodes one @trade payload.
func ParseTrade(raw []byte) (model.Trade, error) {
	var w wireTrade
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Trade{}, fmt.Errorf("decode: %w", err)
	}
	if w.EventType != "" && w.EventType != "trade" {
		return model.Trade{}, fmt.Errorf("unexpected event %q", w.EventType)
	}
	price, err := strconv.ParseFloat(w.Price, 64)
	if err != nil || price <= 0 {
		return model.Trade{}, fmt.Errorf("invalid price %q", w.Price)
	}
	qty, err := strconv.ParseFloat(w.Quantity, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("invalid quantity %q", w.Quantity)
	}
	if w.TradeTime <= 0 {
		return model.Trade{}, fmt.Errorf("missing trade time")
	}
	return model.Trade{
		Symbol:       w.Symbol,
		Price:        price,
		Qty:          qty,
		BuyerIsMaker: w.BuyerIsMaker,
		TS:           w.TradeTime,
	}, nil
}
