// Package paper simulates an exchange in process. It fills orders against
// the public trade stream and reports outcomes on an account stream shaped
// like the live one, so the coordinator runs unchanged on top of it.
package paper

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

// ErrUnknownOrder is returned for client ids the exchange never saw.
var ErrUnknownOrder = errors.New("paper: unknown order")

// Cancel reasons reported on the account stream.
const (
	ReasonUserCanceled = "USER_CANCELED"
	ReasonNoLiquidity  = "NO_LIQUIDITY"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// Config holds simulation parameters.
type Config struct {
	SlippageBps int64 // applied against the taker on market fills
	BufferSize  int   // account stream buffer
}

// Order is the exchange-side view of one order.
type Order struct {
	Intent model.OrderIntent `json:"intent"`
	Status model.OrderStatus `json:"status"`
	Fill   *model.Fill       `json:"fill,omitempty"`

	// best price seen since placement; trailing stops only
	anchor decimal.Decimal
}

// Exchange is a paper exchange for a single market.
type Exchange struct {
	mu       sync.Mutex
	cfg      Config
	last     decimal.Decimal
	haveLast bool
	orders   map[string]*Order
	live     []string // client ids of live orders, placement order
	fills    []model.Fill
	updates  chan model.AccountUpdate
	log      zerolog.Logger

	// OnFill is called for every simulated execution.
	OnFill func(f model.Fill)
}

// New creates a paper exchange.
func New(cfg Config) *Exchange {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Exchange{
		cfg:     cfg,
		orders:  make(map[string]*Order),
		updates: make(chan model.AccountUpdate, cfg.BufferSize),
		log:     logger.For("paper"),
	}
}

// Updates returns the account stream.
func (e *Exchange) Updates() <-chan model.AccountUpdate {
	return e.updates
}

// Run consumes trades and matches live orders against them.
// Blocks until ctx is cancelled or trades is closed.
func (e *Exchange) Run(ctx context.Context, trades <-chan model.Trade) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-trades:
			if !ok {
				return
			}
			e.OnTrade(t)
		}
	}
}

// OnTrade updates the last price and triggers any order the print crosses.
func (e *Exchange) OnTrade(t model.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()

	px := decimal.NewFromFloat(t.Price)
	e.last = px
	e.haveLast = true

	var upd model.AccountUpdate
	kept := e.live[:0]
	for _, id := range e.live {
		o := e.orders[id]
		fillPx, hit := e.match(o, px)
		if !hit {
			kept = append(kept, id)
			continue
		}
		f := e.fillLocked(o, fillPx)
		upd.Fills = append(upd.Fills, f)
		upd.Orders = append(upd.Orders, model.OrderUpdate{ClientID: id, Status: model.StatusFilled})
	}
	e.live = kept

	if !upd.Empty() {
		e.emitLocked(upd)
	}
}

// match reports whether price px executes o, and at what price.
func (e *Exchange) match(o *Order, px decimal.Decimal) (decimal.Decimal, bool) {
	in := o.Intent
	switch in.Role {
	case model.RoleLimit:
		if in.Side == model.SideSell && px.GreaterThanOrEqual(in.Price) {
			return in.Price, true
		}
		if in.Side == model.SideBuy && px.LessThanOrEqual(in.Price) {
			return in.Price, true
		}
	case model.RoleTrailingStop:
		off := in.TrailingPercent.Abs()
		if o.anchor.IsZero() {
			o.anchor = px
		}
		if in.Side == model.SideSell {
			if px.GreaterThan(o.anchor) {
				o.anchor = px
			}
			if px.LessThanOrEqual(o.anchor.Mul(decimal.NewFromInt(1).Sub(off))) {
				return px, true
			}
		} else {
			if px.LessThan(o.anchor) {
				o.anchor = px
			}
			if px.GreaterThanOrEqual(o.anchor.Mul(decimal.NewFromInt(1).Add(off))) {
				return px, true
			}
		}
	}
	return decimal.Zero, false
}

// SendMarketOrder fills immediately at the last price plus slippage, or
// cancels the order when no trade has been seen yet.
func (e *Exchange) SendMarketOrder(_ context.Context, in model.OrderIntent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := &Order{Intent: in, Status: model.StatusPending}
	e.orders[in.ClientID] = o

	if !e.haveLast {
		o.Status = model.StatusCanceled
		e.emitLocked(model.AccountUpdate{Orders: []model.OrderUpdate{{
			ClientID: in.ClientID, Status: model.StatusCanceled, CancelReason: ReasonNoLiquidity,
		}}})
		return nil
	}

	slip := e.last.Mul(decimal.NewFromInt(e.cfg.SlippageBps)).Div(bpsDivisor)
	px := e.last.Add(slip)
	if in.Side == model.SideSell {
		px = e.last.Sub(slip)
	}

	f := e.fillLocked(o, px)
	e.emitLocked(model.AccountUpdate{
		Fills:  []model.Fill{f},
		Orders: []model.OrderUpdate{{ClientID: in.ClientID, Status: model.StatusFilled}},
	})
	return nil
}

// SendLimitOrder rests a limit order. It reports OPEN; a crossing trade fills it.
func (e *Exchange) SendLimitOrder(_ context.Context, in model.OrderIntent) error {
	return e.rest(in, model.StatusOpen)
}

// SendTrailingStopOrder rests a trailing stop anchored at the last price.
// It reports UNTRIGGERED until a trade moves the offset away from the best
// price seen since placement.
func (e *Exchange) SendTrailingStopOrder(_ context.Context, in model.OrderIntent) error {
	return e.rest(in, model.StatusUntriggered)
}

func (e *Exchange) rest(in model.OrderIntent, st model.OrderStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := &Order{Intent: in, Status: st}
	if e.haveLast {
		o.anchor = e.last
	}
	e.orders[in.ClientID] = o
	e.live = append(e.live, in.ClientID)
	e.emitLocked(model.AccountUpdate{Orders: []model.OrderUpdate{{ClientID: in.ClientID, Status: st}}})
	return nil
}

// CancelAllOrders cancels every live order.
func (e *Exchange) CancelAllOrders(_ context.Context, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.live) == 0 {
		return nil
	}
	var upd model.AccountUpdate
	for _, id := range e.live {
		e.orders[id].Status = model.StatusCanceled
		upd.Orders = append(upd.Orders, model.OrderUpdate{
			ClientID: id, Status: model.StatusCanceled, CancelReason: ReasonUserCanceled,
		})
	}
	e.live = e.live[:0]
	e.emitLocked(upd)
	return nil
}

// Order returns a copy of the order with the given client id.
func (e *Exchange) Order(clientID string) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientID]
	if !ok {
		return Order{}, ErrUnknownOrder
	}
	return *o, nil
}

// LiveOrders returns the client ids of resting orders.
func (e *Exchange) LiveOrders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.live...)
}

// Fills returns a snapshot of all fills.
func (e *Exchange) Fills() []model.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]model.Fill, len(e.fills))
	copy(cp, e.fills)
	return cp
}

// LastPrice returns the last traded price, if any.
func (e *Exchange) LastPrice() (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.haveLast
}

func (e *Exchange) fillLocked(o *Order, px decimal.Decimal) model.Fill {
	f := model.Fill{OrderClientID: o.Intent.ClientID, Price: px, Size: o.Intent.Quantity}
	o.Status = model.StatusFilled
	o.Fill = &f
	e.fills = append(e.fills, f)

	e.log.Info().
		Str("client_id", f.OrderClientID).
		Str("side", string(o.Intent.Side)).
		Str("price", px.String()).
		Str("size", f.Size.String()).
		Msg("paper fill")
	if e.OnFill != nil {
		e.OnFill(f)
	}
	return f
}

// emitLocked delivers an update in order. Updates are never dropped; it
// blocks while the account stream is full.
func (e *Exchange) emitLocked(u model.AccountUpdate) {
	e.updates <- u
}
