// Package trader sequences one trade cycle per signal: a market entry, a
// take-profit limit plus a trailing stop on the opposite side, and either
// the first of those to fill or, after a timeout, a cancel and a market
// close of the position.
//
// The exchange has no native one-cancels-other, so the Coordinator cancels
// the sibling itself. Order outcomes arrive asynchronously on the account
// stream and are attributed by the client id the Coordinator generated.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
	"github.com/dexety/dex-trading-system/internal/strategy"
)

var (
	// ErrCycleInFlight is returned when a signal arrives mid-cycle.
	ErrCycleInFlight = errors.New("trader: cycle in flight")
	// ErrCloseCanceled means the close-position order was canceled, leaving
	// an open position the coordinator can no longer account for.
	ErrCloseCanceled = errors.New("trader: close-position order canceled")
)

// Exchange accepts order commands. Implementations return once the order
// is acknowledged; its outcome arrives on the account stream.
type Exchange interface {
	SendMarketOrder(ctx context.Context, o model.OrderIntent) error
	SendLimitOrder(ctx context.Context, o model.OrderIntent) error
	SendTrailingStopOrder(ctx context.Context, o model.OrderIntent) error
	CancelAllOrders(ctx context.Context, symbol string) error
}

// CycleSink receives every finished cycle.
type CycleSink interface {
	RecordCycle(ctx context.Context, r model.CycleReport) error
}

// Guard can veto new cycles, e.g. once a session loss limit is hit.
type Guard interface {
	Allow() (ok bool, reason string)
}

// Config is the per-symbol strategy surface.
type Config struct {
	RunID           string
	Symbol          string
	Quantity        decimal.Decimal
	ProfitThreshold decimal.Decimal
	TrailingPercent decimal.Decimal
	RoundDigits     int32
	WaitTimeout     time.Duration
	Fees            Commissions
}

// Coordinator runs trade cycles for one symbol. At most one cycle is in
// flight at a time.
type Coordinator struct {
	cfg  Config
	ex   Exchange
	det  *strategy.JumpDetector
	gate *strategy.TradeGate

	sinks []CycleSink
	guard Guard
	clock Clock
	start int64 // run start, ms; part of every client id. Set on the first cycle when zero.

	inFlight atomic.Bool
	state    atomic.Int32
	cycle    atomic.Int64
	cs       *cycleState

	log zerolog.Logger

	// Optional hooks (set before Run).
	OnSignal       func(sig model.Signal)
	OnOrderSent    func(o model.OrderIntent)
	OnOrderUpdate  func(u model.OrderUpdate)
	OnTickFiltered func()
	OnCycle        func(r model.CycleReport, d time.Duration)
}

// New creates a coordinator owning det and gate.
func New(cfg Config, ex Exchange, det *strategy.JumpDetector, gate *strategy.TradeGate) *Coordinator {
	if gate == nil {
		gate = strategy.NewTradeGate(false, 0)
	}
	c := &Coordinator{
		cfg:   cfg,
		ex:    ex,
		det:   det,
		gate:  gate,
		clock: wallClock{},
		cs:    newCycleState(),
		log:   logger.For("trader").With().Str("symbol", cfg.Symbol).Logger(),
	}
	c.start = c.now().UnixMilli()
	return c
}

func (c *Coordinator) now() time.Time { return c.clock.Now() }

// AddSink registers a receiver for cycle reports.
func (c *Coordinator) AddSink(s CycleSink) { c.sinks = append(c.sinks, s) }

// SetGuard installs a guard consulted before every signal is acted on.
func (c *Coordinator) SetGuard(g Guard) { c.guard = g }

// SetClock replaces the wall clock, e.g. with replay event time. Call
// before Run. The run start used in client ids is taken on the first cycle.
func (c *Coordinator) SetClock(clk Clock) {
	c.clock = clk
	c.start = 0
}

// State returns the current cycle state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Cycles returns the number of cycles started.
func (c *Coordinator) Cycles() int64 { return c.cycle.Load() }

// Busy reports whether a cycle is in flight.
func (c *Coordinator) Busy() bool { return c.inFlight.Load() }

// Run consumes trades, and runs a cycle inline whenever the detector fires.
// The trade stream is not read while a cycle runs. Returns nil when the
// stream closes or ctx is cancelled, and the cycle error otherwise.
func (c *Coordinator) Run(ctx context.Context, trades <-chan model.Trade) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-trades:
			if !ok {
				return nil
			}
			if !c.gate.Allow(t) {
				if c.OnTickFiltered != nil {
					c.OnTickFiltered()
				}
				continue
			}
			sig := c.det.ObserveTrade(t)
			if sig == nil {
				continue
			}
			c.det.Window().Clear()

			if c.guard != nil {
				if ok, reason := c.guard.Allow(); !ok {
					c.log.Warn().Str("reason", reason).Str("direction", string(sig.Direction)).Msg("signal vetoed")
					continue
				}
			}

			_, err := c.HandleSignal(ctx, *sig)
			if errors.Is(err, ErrCycleInFlight) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			c.gate.CycleEnded(c.now().UnixMilli())
		}
	}
}

// RunAccount consumes the account stream in delivery order.
func (c *Coordinator) RunAccount(ctx context.Context, updates <-chan model.AccountUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			c.OnAccountUpdate(u)
		}
	}
}

// OnAccountUpdate attributes fills and status changes to the current cycle.
// Updates for unknown client ids are ignored.
func (c *Coordinator) OnAccountUpdate(u model.AccountUpdate) {
	if u.Empty() {
		return
	}
	for _, o := range u.Orders {
		c.log.Info().
			Str("client_id", o.ClientID).
			Str("status", string(o.Status)).
			Str("cancel_reason", o.CancelReason).
			Msg("order update")
		if c.OnOrderUpdate != nil {
			c.OnOrderUpdate(o)
		}
	}
	c.cs.apply(u)
}

// HandleSignal runs one full cycle for sig and returns its report. It returns
// ErrCycleInFlight without side effects when a cycle is already running.
// Exchange errors end the cycle and are returned wrapped; the caller is
// expected to stop trading.
func (c *Coordinator) HandleSignal(ctx context.Context, sig model.Signal) (model.CycleReport, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return model.CycleReport{}, ErrCycleInFlight
	}
	defer c.inFlight.Store(false)

	if c.OnSignal != nil {
		c.OnSignal(sig)
	}

	started := c.now()
	report, err := c.runCycle(ctx, sig, started)
	report.EndedAt = c.now()
	c.reset()
	if err != nil {
		return report, err
	}

	c.log.Info().
		Int64("cycle", report.Cycle).
		Str("outcome", string(report.Outcome)).
		Str("profit", report.Profit.String()).
		Dur("took", report.EndedAt.Sub(started)).
		Msg("cycle complete")

	if c.OnCycle != nil {
		c.OnCycle(report, report.EndedAt.Sub(started))
	}
	for _, s := range c.sinks {
		if err := s.RecordCycle(ctx, report); err != nil {
			c.log.Warn().Err(err).Int64("cycle", report.Cycle).Msg("cycle sink failed")
		}
	}
	return report, nil
}

func (c *Coordinator) runCycle(ctx context.Context, sig model.Signal, started time.Time) (model.CycleReport, error) {
	n := c.cycle.Add(1)
	if c.start == 0 {
		at := started
		if at.IsZero() {
			at = time.Now()
		}
		c.start = at.UnixMilli()
	}
	side := sig.Direction
	exit := side.Opposite()
	c.cs.begin(side, n)

	ctx = logger.WithCycleID(ctx, logger.GenerateCycleID(c.cfg.Symbol, n, c.start))
	log := logger.Ctx(ctx, c.log).With().Int64("cycle", n).Logger()

	report := model.CycleReport{
		RunID:     c.cfg.RunID,
		Cycle:     n,
		Symbol:    c.cfg.Symbol,
		Side:      side,
		Quantity:  c.cfg.Quantity,
		Signal:    sig,
		StartedAt: started,
	}

	log.Info().
		Str("side", string(side)).
		Float64("ratio", sig.Ratio).
		Float64("min", sig.Min).
		Float64("max", sig.Max).
		Msg("jump detected")

	c.setState(StateMarketSent)
	if err := c.send(ctx, log, c.intent(model.RoleMarket, side, n, WorstPrice(side))); err != nil {
		return report, err
	}

	if err := wait(ctx, c.cs.marketDone); err != nil {
		return report, err
	}
	snap := c.cs.snapshot()
	if !snap.marketFilled {
		c.setState(StateMarketCanceled)
		log.Info().Str("side", string(side)).Msg("market canceled")
		report.Outcome = model.OutcomeMarketCanceled
		return report, nil
	}
	c.setState(StateMarketFilled)
	report.OpenPrice = snap.openingFill
	log.Info().Str("side", string(side)).Str("price", snap.openingFill.String()).Msg("market filled")

	c.setState(StateProtectiveSent)
	limitPx := LimitPrice(snap.openingFill, exit, c.cfg.ProfitThreshold, c.cfg.RoundDigits)
	if err := c.send(ctx, log, c.intent(model.RoleLimit, exit, n, limitPx)); err != nil {
		return report, err
	}
	ts := c.intent(model.RoleTrailingStop, exit, n, WorstPrice(exit))
	ts.TrailingPercent = TrailingPercent(exit, c.cfg.TrailingPercent)
	if err := c.send(ctx, log, ts); err != nil {
		return report, err
	}

	timeout, release := c.clock.Deadline(c.now().Add(c.cfg.WaitTimeout))
	defer release()
	select {
	case <-c.cs.mirrorFilled.Done():
	case <-timeout:
	case <-ctx.Done():
		return report, ctx.Err()
	}

	if c.cs.mirrorFilled.IsSet() {
		c.setState(StateMirrorFilled)
		if err := c.cancelAll(ctx, log); err != nil {
			return report, err
		}
		snap = c.cs.snapshot()
		by := model.RoleTrailingStop
		if snap.limitFilled {
			by = model.RoleLimit
		}
		return c.closeOut(log, report, snap, by), nil
	}

	c.setState(StateTimeout)
	log.Info().Msg("timeout reached, cancelling all orders")
	if err := c.cancelAll(ctx, log); err != nil {
		return report, err
	}
	c.setState(StateOrdersCanceled)

	// A leg that was live when the cancel went out may still have filled;
	// wait for its terminal status before deciding to flatten.
	snap = c.cs.snapshot()
	if snap.limitOpened || c.cs.limitDone.IsSet() {
		if err := wait(ctx, c.cs.limitDone); err != nil {
			return report, err
		}
		if s := c.cs.snapshot(); s.limitFilled {
			return c.closeOut(log, report, s, model.RoleLimit), nil
		}
	}
	if snap.trailingOpened || c.cs.trailingDone.IsSet() {
		if err := wait(ctx, c.cs.trailingDone); err != nil {
			return report, err
		}
		if s := c.cs.snapshot(); s.trailingFilled {
			return c.closeOut(log, report, s, model.RoleTrailingStop), nil
		}
	}

	c.setState(StatePositionClosing)
	log.Info().Str("side", string(exit)).Msg("orders canceled, closing position")
	if err := c.send(ctx, log, c.intent(model.RoleClosePosition, exit, n, WorstPrice(exit))); err != nil {
		return report, err
	}
	if err := wait(ctx, c.cs.closeDone); err != nil {
		return report, err
	}
	snap = c.cs.snapshot()
	if !snap.closeFilled {
		return report, ErrCloseCanceled
	}
	c.setState(StatePositionClosed)
	return c.closeOut(log, report, snap, model.RoleClosePosition), nil
}

// closeOut fills the exit side of the report for the leg that closed the
// position.
func (c *Coordinator) closeOut(log zerolog.Logger, r model.CycleReport, s snapshot, by model.OrderRole) model.CycleReport {
	r.ClosedBy = by
	switch by {
	case model.RoleLimit:
		r.Outcome = model.OutcomeLimitFilled
		r.ClosePrice = s.limitFill
	case model.RoleTrailingStop:
		r.Outcome = model.OutcomeTrailingFilled
		r.ClosePrice = s.trailingFill
	default:
		r.Outcome = model.OutcomePositionClosed
		r.ClosePrice = s.closeFill
	}
	r.Profit = Profit(r.Side, r.OpenPrice, r.ClosePrice, r.Quantity, by == model.RoleLimit, c.cfg.Fees)

	log.Info().
		Str("closed_by", by.String()).
		Str("price", r.ClosePrice.String()).
		Str("profit", r.Profit.String()).
		Msg("position closed")
	return r
}

func (c *Coordinator) intent(role model.OrderRole, side model.Side, cycle int64, price decimal.Decimal) model.OrderIntent {
	return model.OrderIntent{
		Role:     role,
		Symbol:   c.cfg.Symbol,
		Side:     side,
		Price:    price,
		Quantity: c.cfg.Quantity,
		ClientID: model.ClientID(role, side, cycle, c.start),
	}
}

func (c *Coordinator) send(ctx context.Context, log zerolog.Logger, o model.OrderIntent) error {
	c.cs.register(o.ClientID, o.Role)

	var err error
	switch o.Role {
	case model.RoleLimit:
		err = c.ex.SendLimitOrder(ctx, o)
	case model.RoleTrailingStop:
		err = c.ex.SendTrailingStopOrder(ctx, o)
	default:
		err = c.ex.SendMarketOrder(ctx, o)
	}
	if err != nil {
		return fmt.Errorf("trader: send %s order %s: %w", o.Role, o.ClientID, err)
	}

	ev := log.Info().
		Str("role", o.Role.String()).
		Str("side", string(o.Side)).
		Str("client_id", o.ClientID).
		Str("price", o.Price.String())
	if o.Role == model.RoleTrailingStop {
		ev = ev.Str("percent", o.TrailingPercent.String())
	}
	ev.Msg("order sent")

	if c.OnOrderSent != nil {
		c.OnOrderSent(o)
	}
	return nil
}

func (c *Coordinator) cancelAll(ctx context.Context, log zerolog.Logger) error {
	if err := c.ex.CancelAllOrders(ctx, c.cfg.Symbol); err != nil {
		return fmt.Errorf("trader: cancel all orders: %w", err)
	}
	log.Info().Msg("all orders canceled")
	return nil
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Coordinator) reset() {
	c.cs.reset()
	c.det.Window().Clear()
	c.setState(StateIdle)
}

// wait blocks until l is set or ctx ends.
func wait(ctx context.Context, l *latch) error {
	select {
	case <-l.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
