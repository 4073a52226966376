package dydx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

// FeedConfig holds account stream settings.
type FeedConfig struct {
	URL           string
	AccountNumber string
	APIKey        string
	Passphrase    string
	Signature     string
	Timestamp     string

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

func (c *FeedConfig) defaults() {
	if c.AccountNumber == "" {
		c.AccountNumber = "0"
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Feed streams account updates from the v3_accounts channel.
type Feed struct {
	cfg FeedConfig
	log zerolog.Logger

	// Optional hooks.
	OnReconnect func()
	OnConnected func(connected bool)
}

// NewFeed creates an account feed.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	cfg.defaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("dydx feed: url is required")
	}
	return &Feed{cfg: cfg, log: logger.For("dydx-feed")}, nil
}

type subscribeMsg struct {
	Type          string `json:"type"`
	Channel       string `json:"channel"`
	AccountNumber string `json:"accountNumber"`
	APIKey        string `json:"apiKey,omitempty"`
	Passphrase    string `json:"passphrase,omitempty"`
	Signature     string `json:"signature,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

type wireMessage struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	Message  string          `json:"message"`
	Contents json.RawMessage `json:"contents"`
}

type wireContents struct {
	Orders []struct {
		ClientID     string `json:"clientId"`
		Status       string `json:"status"`
		CancelReason string `json:"cancelReason"`
	} `json:"orders"`
	Fills []struct {
		OrderClientID string          `json:"orderClientId"`
		Price         decimal.Decimal `json:"price"`
		Size          decimal.Decimal `json:"size"`
	} `json:"fills"`
}

// Start streams updates into out until ctx is cancelled, reconnecting with
// exponential backoff. Updates are delivered in order and never dropped.
func (f *Feed) Start(ctx context.Context, out chan<- model.AccountUpdate) error {
	delay := f.cfg.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := f.runOnce(ctx, out)
		if f.OnConnected != nil {
			f.OnConnected(false)
		}
		if err == nil {
			return nil
		}

		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("account stream disconnected, reconnecting")
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

func (f *Feed) runOnce(ctx context.Context, out chan<- model.AccountUpdate) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	sub := subscribeMsg{
		Type:          "subscribe",
		Channel:       "v3_accounts",
		AccountNumber: f.cfg.AccountNumber,
		APIKey:        f.cfg.APIKey,
		Passphrase:    f.cfg.Passphrase,
		Signature:     f.cfg.Signature,
		Timestamp:     f.cfg.Timestamp,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.log.Warn().Err(err).Bytes("raw", raw).Msg("parse error")
			continue
		}

		switch msg.Type {
		case "connected":
			f.log.Info().Str("url", f.cfg.URL).Msg("connected")
		case "subscribed":
			f.log.Info().Str("channel", msg.Channel).Msg("subscribed")
			if f.OnConnected != nil {
				f.OnConnected(true)
			}
			// After a reconnect the snapshot may be the only place a fill of
			// the running cycle shows up. Fills of unknown client ids are
			// ignored downstream.
			u, err := ParseContents(msg.Contents)
			if err != nil {
				f.log.Warn().Err(err).Msg("bad snapshot")
				continue
			}
			if err := deliver(ctx, out, u); err != nil {
				return nil
			}
		case "channel_data":
			u, err := ParseContents(msg.Contents)
			if err != nil {
				f.log.Warn().Err(err).Bytes("raw", raw).Msg("bad channel data")
				continue
			}
			if err := deliver(ctx, out, u); err != nil {
				return nil
			}
		case "error":
			return fmt.Errorf("server error: %s", msg.Message)
		}
	}
}

func deliver(ctx context.Context, out chan<- model.AccountUpdate, u model.AccountUpdate) error {
	if u.Empty() {
		return nil
	}
	select {
	case out <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseContents converts a v3_accounts contents object into an AccountUpdate.
func ParseContents(raw json.RawMessage) (model.AccountUpdate, error) {
	var u model.AccountUpdate
	if len(raw) == 0 || string(raw) == "null" {
		return u, nil
	}
	var c wireContents
	if err := decodeJSON(raw, &c); err != nil {
		return u, err
	}
	for _, f := range c.Fills {
		u.Fills = append(u.Fills, model.Fill{OrderClientID: f.OrderClientID, Price: f.Price, Size: f.Size})
	}
	for _, o := range c.Orders {
		u.Orders = append(u.Orders, model.OrderUpdate{
			ClientID:     o.ClientID,
			Status:       model.OrderStatus(o.Status),
			CancelReason: o.CancelReason,
		})
	}
	return u, nil
}

func decodeJSON(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
