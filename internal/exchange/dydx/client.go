// Package dydx talks to the dYdX v3 order API through an order relay and
// consumes the v3_accounts websocket channel.
//
// The relay holds the account keys and signs orders; this package only
// speaks its JSON surface, which mirrors the exchange's own:
//
//	POST   {base}/v3/orders          place an order
//	DELETE {base}/v3/orders?market=  cancel every open order of a market
package dydx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

// ErrRejected is returned when the relay or the exchange refuses a command.
var ErrRejected = errors.New("dydx: rejected")

// Time-in-force values accepted by the order API.
const (
	TimeInForceGTT = "GTT"
	TimeInForceFOK = "FOK"
)

// Config holds relay connection settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Passphrase string
	Timeout    time.Duration
	LimitFee   string // max fee rate accepted per order
	Expiration time.Duration
}

func (c *Config) defaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.LimitFee == "" {
		c.LimitFee = "0.015"
	}
	if c.Expiration == 0 {
		c.Expiration = 24 * time.Hour
	}
}

// Client places and cancels orders. It implements trader.Exchange.
type Client struct {
	cfg  Config
	http *resty.Client
	now  func() time.Time
	log  zerolog.Logger
}

// NewClient creates a relay client. Requests are never retried: a
// duplicate submission is worse than a failed one.
func NewClient(cfg Config) (*Client, error) {
	cfg.defaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("dydx: base url is required")
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		h.SetHeader("DYDX-API-KEY", cfg.APIKey)
	}
	if cfg.Passphrase != "" {
		h.SetHeader("DYDX-PASSPHRASE", cfg.Passphrase)
	}
	return &Client{cfg: cfg, http: h, now: time.Now, log: logger.For("dydx")}, nil
}

// orderRequest is the body of POST /v3/orders.
type orderRequest struct {
	Market          string           `json:"market"`
	Side            model.Side       `json:"side"`
	Type            string           `json:"type"`
	Size            decimal.Decimal  `json:"size"`
	Price           decimal.Decimal  `json:"price"`
	TrailingPercent *decimal.Decimal `json:"trailingPercent,omitempty"`
	ClientID        string           `json:"clientId"`
	TimeInForce     string           `json:"timeInForce"`
	PostOnly        bool             `json:"postOnly"`
	LimitFee        string           `json:"limitFee"`
	Expiration      string           `json:"expiration"`
}

type orderResponse struct {
	Order struct {
		ID       string `json:"id"`
		ClientID string `json:"clientId"`
		Status   string `json:"status"`
	} `json:"order"`
}

type errorResponse struct {
	Errors []struct {
		Msg string `json:"msg"`
	} `json:"errors"`
}

// SendMarketOrder places a fill-or-kill market order bounded by o.Price.
func (c *Client) SendMarketOrder(ctx context.Context, o model.OrderIntent) error {
	return c.place(ctx, o, "MARKET", TimeInForceFOK)
}

// SendLimitOrder places a good-til-time limit order.
func (c *Client) SendLimitOrder(ctx context.Context, o model.OrderIntent) error {
	return c.place(ctx, o, "LIMIT", TimeInForceGTT)
}

// SendTrailingStopOrder places a trailing stop; o.Price is its worst price.
func (c *Client) SendTrailingStopOrder(ctx context.Context, o model.OrderIntent) error {
	return c.place(ctx, o, "TRAILING_STOP", TimeInForceGTT)
}

func (c *Client) place(ctx context.Context, o model.OrderIntent, typ, tif string) error {
	req := orderRequest{
		Market:      o.Symbol,
		Side:        o.Side,
		Type:        typ,
		Size:        o.Quantity,
		Price:       o.Price,
		ClientID:    o.ClientID,
		TimeInForce: tif,
		LimitFee:    c.cfg.LimitFee,
		Expiration:  c.now().Add(c.cfg.Expiration).UTC().Format(time.RFC3339),
	}
	if typ == "TRAILING_STOP" {
		tp := o.TrailingPercent
		req.TrailingPercent = &tp
	}

	var out orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v3/orders")
	if err != nil {
		return fmt.Errorf("dydx: place %s %s: %w", typ, o.ClientID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: place %s %s: %s", ErrRejected, typ, o.ClientID, errorBody(resp))
	}

	c.log.Debug().
		Str("client_id", o.ClientID).
		Str("order_id", out.Order.ID).
		Str("status", out.Order.Status).
		Msg("order acknowledged")
	return nil
}

// CancelAllOrders cancels every open order on the market.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("market", symbol).
		Delete("/v3/orders")
	if err != nil {
		return fmt.Errorf("dydx: cancel all %s: %w", symbol, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: cancel all %s: %s", ErrRejected, symbol, errorBody(resp))
	}
	return nil
}

func errorBody(resp *resty.Response) string {
	var e errorResponse
	if err := decodeJSON(resp.Body(), &e); err == nil && len(e.Errors) > 0 {
		msgs := make([]string, len(e.Errors))
		for i, m := range e.Errors {
			msgs[i] = m.Msg
		}
		return fmt.Sprintf("%d %s", resp.StatusCode(), strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("%d %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
}
