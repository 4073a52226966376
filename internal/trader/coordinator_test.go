package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexety/dex-trading-system/internal/model"
	"github.com/dexety/dex-trading-system/internal/strategy"
)

// fakeExchange records commands and lets each test script the account
// stream's reaction to them.
type fakeExchange struct {
	mu      sync.Mutex
	cmds    []string
	intents []model.OrderIntent

	onMarket   func(o model.OrderIntent)
	onLimit    func(o model.OrderIntent)
	onTrailing func(o model.OrderIntent)
	onClose    func(o model.OrderIntent)
	onCancel   func()
	limitErr   error
}

func (f *fakeExchange) record(cmd string, o *model.OrderIntent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if o != nil {
		f.intents = append(f.intents, *o)
	}
}

func (f *fakeExchange) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func (f *fakeExchange) intent(role model.OrderRole) model.OrderIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.intents {
		if o.Role == role {
			return o
		}
	}
	return model.OrderIntent{}
}

func (f *fakeExchange) SendMarketOrder(_ context.Context, o model.OrderIntent) error {
	f.record(o.Role.String(), &o)
	if o.Role == model.RoleClosePosition {
		if f.onClose != nil {
			f.onClose(o)
		}
		return nil
	}
	if f.onMarket != nil {
		f.onMarket(o)
	}
	return nil
}

func (f *fakeExchange) SendLimitOrder(_ context.Context, o model.OrderIntent) error {
	if f.limitErr != nil {
		return f.limitErr
	}
	f.record("limit", &o)
	if f.onLimit != nil {
		f.onLimit(o)
	}
	return nil
}

func (f *fakeExchange) SendTrailingStopOrder(_ context.Context, o model.OrderIntent) error {
	f.record("trailing", &o)
	if f.onTrailing != nil {
		f.onTrailing(o)
	}
	return nil
}

func (f *fakeExchange) CancelAllOrders(_ context.Context, _ string) error {
	f.record("cancel_all", nil)
	if f.onCancel != nil {
		f.onCancel()
	}
	return nil
}

type sinkRecorder struct {
	mu      sync.Mutex
	reports []model.CycleReport
}

func (s *sinkRecorder) RecordCycle(_ context.Context, r model.CycleReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *sinkRecorder) all() []model.CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CycleReport(nil), s.reports...)
}

func filled(clientID, price string) model.AccountUpdate {
	return model.AccountUpdate{
		Fills:  []model.Fill{{OrderClientID: clientID, Price: decimal.RequireFromString(price), Size: decimal.RequireFromString("0.5")}},
		Orders: []model.OrderUpdate{{ClientID: clientID, Status: model.StatusFilled}},
	}
}

func status(clientID string, st model.OrderStatus, reason string) model.AccountUpdate {
	return model.AccountUpdate{Orders: []model.OrderUpdate{{ClientID: clientID, Status: st, CancelReason: reason}}}
}

func testConfig(wait time.Duration) Config {
	return Config{
		RunID:           "run-1",
		Symbol:          "ETH-USD",
		Quantity:        decimal.RequireFromString("0.5"),
		ProfitThreshold: decimal.RequireFromString("0.001"),
		TrailingPercent: decimal.RequireFromString("0.3"),
		RoundDigits:     1,
		WaitTimeout:     wait,
		Fees: Commissions{
			Maker: decimal.RequireFromString("0.0002"),
			Taker: decimal.RequireFromString("0.0005"),
		},
	}
}

func newTestCoordinator(ex Exchange, wait time.Duration) *Coordinator {
	det := strategy.NewJumpDetector(1000, 0.015, strategy.Continuation)
	return New(testConfig(wait), ex, det, strategy.NewTradeGate(true, 0))
}

var buySignal = model.Signal{Direction: model.SideBuy, DetectedAt: 1, Min: 100, Max: 102, Ratio: 1.02}

func TestCoordinator_HappyPath(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, 5*time.Second)

	ex.onMarket = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "2000")) }
	ex.onLimit = func(o model.OrderIntent) { c.OnAccountUpdate(status(o.ClientID, model.StatusOpen, "")) }
	ex.onTrailing = func(o model.OrderIntent) {
		c.OnAccountUpdate(status(o.ClientID, model.StatusUntriggered, ""))
		lm := ex.intent(model.RoleLimit)
		go c.OnAccountUpdate(filled(lm.ClientID, lm.Price.String()))
	}

	sink := &sinkRecorder{}
	c.AddSink(sink)

	report, err := c.HandleSignal(context.Background(), buySignal)
	require.NoError(t, err)

	assert.Equal(t, []string{"market", "limit", "trailing", "cancel_all"}, ex.commands())
	assert.Equal(t, model.OutcomeLimitFilled, report.Outcome)
	assert.Equal(t, model.RoleLimit, report.ClosedBy)
	assert.True(t, report.OpenPrice.Equal(decimal.RequireFromString("2000")))
	assert.True(t, report.ClosePrice.Equal(decimal.RequireFromString("2002.1")), "close %s", report.ClosePrice)
	assert.True(t, report.Profit.Equal(decimal.RequireFromString("0.349790")), "profit %s", report.Profit)
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Busy())
	require.Len(t, sink.all(), 1)

	mk := ex.intent(model.RoleMarket)
	assert.Equal(t, model.SideBuy, mk.Side)
	assert.Equal(t, "100000000", mk.Price.String())

	ts := ex.intent(model.RoleTrailingStop)
	assert.Equal(t, model.SideSell, ts.Side)
	assert.Equal(t, "-0.3", ts.TrailingPercent.String())
	assert.Equal(t, "1", ts.Price.String())
}

func TestCoordinator_TrailingFillsFirst(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, 5*time.Second)

	ex.onMarket = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "2000")) }
	ex.onTrailing = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "1994")) }

	sig := buySignal
	sig.Direction = model.SideSell
	report, err := c.HandleSignal(context.Background(), sig)
	require.NoError(t, err)

	assert.Equal(t, []string{"market", "limit", "trailing", "cancel_all"}, ex.commands())
	assert.Equal(t, model.OutcomeTrailingFilled, report.Outcome)
	assert.True(t, report.ClosePrice.Equal(decimal.RequireFromString("1994")))

	// short 0.5 @ 2000 covered @ 1994: gross 3, fees 0.4985 + 0.5
	assert.True(t, report.Profit.Equal(decimal.RequireFromString("2.0015")), "profit %s", report.Profit)
	assert.Equal(t, "0.3", ex.intent(model.RoleTrailingStop).TrailingPercent.String())
	assert.True(t, ex.intent(model.RoleLimit).Price.Equal(decimal.RequireFromString("1998")))
}

func TestCoordinator_TimeoutUnwind(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, 30*time.Millisecond)

	release := make(chan struct{})
	ex.onMarket = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "2000")) }
	ex.onCancel = func() {
		c.OnAccountUpdate(model.AccountUpdate{Orders: []model.OrderUpdate{
			{ClientID: ex.intent(model.RoleLimit).ClientID, Status: model.StatusCanceled, CancelReason: "USER_CANCELED"},
			{ClientID: ex.intent(model.RoleTrailingStop).ClientID, Status: model.StatusCanceled, CancelReason: "USER_CANCELED"},
		}})
	}
	ex.onClose = func(o model.OrderIntent) {
		go func() {
			<-release
			c.OnAccountUpdate(filled(o.ClientID, "1999"))
		}()
	}

	type result struct {
		r   model.CycleReport
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := c.HandleSignal(context.Background(), buySignal)
		done <- result{r, err}
	}()

	require.Eventually(t, func() bool { return c.State() == StatePositionClosing }, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("cycle completed before the close-position fill")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	var res result
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("cycle did not complete after the close-position fill")
	}
	require.NoError(t, res.err)

	assert.Equal(t, []string{"market", "limit", "trailing", "cancel_all", "close_position"}, ex.commands())
	assert.Equal(t, model.OutcomePositionClosed, res.r.Outcome)
	assert.Equal(t, model.RoleClosePosition, res.r.ClosedBy)
	assert.True(t, res.r.ClosePrice.Equal(decimal.RequireFromString("1999")))

	cp := ex.intent(model.RoleClosePosition)
	assert.Equal(t, model.SideSell, cp.Side)
	assert.Equal(t, "1", cp.Price.String())
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_FillRacesCancel(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, 30*time.Millisecond)

	ex.onMarket = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "2000")) }
	ex.onLimit = func(o model.OrderIntent) { c.OnAccountUpdate(status(o.ClientID, model.StatusOpen, "")) }
	ex.onCancel = func() {
		lm := ex.intent(model.RoleLimit)
		ts := ex.intent(model.RoleTrailingStop)
		go func() {
			time.Sleep(10 * time.Millisecond)
			c.OnAccountUpdate(filled(lm.ClientID, lm.Price.String()))
			c.OnAccountUpdate(status(ts.ClientID, model.StatusCanceled, "USER_CANCELED"))
		}()
	}

	report, err := c.HandleSignal(context.Background(), buySignal)
	require.NoError(t, err)

	assert.Equal(t, []string{"market", "limit", "trailing", "cancel_all"}, ex.commands())
	assert.Equal(t, model.OutcomeLimitFilled, report.Outcome)
}

func TestCoordinator_LiveLegsCanceledThenClose(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, 20*time.Millisecond)

	ex.onMarket = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "2000")) }
	ex.onLimit = func(o model.OrderIntent) { c.OnAccountUpdate(status(o.ClientID, model.StatusOpen, "")) }
	ex.onTrailing = func(o model.OrderIntent) { c.OnAccountUpdate(status(o.ClientID, model.StatusUntriggered, "")) }
	ex.onCancel = func() {
		lm := ex.intent(model.RoleLimit)
		ts := ex.intent(model.RoleTrailingStop)
		go func() {
			c.OnAccountUpdate(status(lm.ClientID, model.StatusCanceled, "USER_CANCELED"))
			time.Sleep(10 * time.Millisecond)
			c.OnAccountUpdate(status(ts.ClientID, model.StatusCanceled, "USER_CANCELED"))
		}()
	}
	ex.onClose = func(o model.OrderIntent) { go c.OnAccountUpdate(filled(o.ClientID, "2001")) }

	report, err := c.HandleSignal(context.Background(), buySignal)
	require.NoError(t, err)
	assert.Equal(t, []string{"market", "limit", "trailing", "cancel_all", "close_position"}, ex.commands())
	assert.Equal(t, model.OutcomePositionClosed, report.Outcome)
}

func TestCoordinator_MarketCanceled(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, time.Second)
	ex.onMarket = func(o model.OrderIntent) {
		c.OnAccountUpdate(status(o.ClientID, model.StatusCanceled, "FAILED"))
	}

	report, err := c.HandleSignal(context.Background(), buySignal)
	require.NoError(t, err)
	assert.Equal(t, []string{"market"}, ex.commands())
	assert.Equal(t, model.OutcomeMarketCanceled, report.Outcome)
	assert.False(t, report.Traded())
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_FilledStatusWaitsForFillRecord(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, 5*time.Second)
	ex.onMarket = func(o model.OrderIntent) {
		c.OnAccountUpdate(status(o.ClientID, model.StatusFilled, ""))
		go c.OnAccountUpdate(model.AccountUpdate{Fills: []model.Fill{{
			OrderClientID: o.ClientID,
			Price:         decimal.RequireFromString("2000"),
			Size:          decimal.RequireFromString("0.5"),
		}}})
	}
	ex.onLimit = func(o model.OrderIntent) { go c.OnAccountUpdate(filled(o.ClientID, o.Price.String())) }

	report, err := c.HandleSignal(context.Background(), buySignal)
	require.NoError(t, err)
	assert.True(t, report.OpenPrice.Equal(decimal.RequireFromString("2000")))
	assert.Equal(t, model.OutcomeLimitFilled, report.Outcome)
}

func TestCoordinator_SignalDuringCycleIgnored(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.HandleSignal(ctx, buySignal)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return c.State() == StateMarketSent && len(ex.commands()) == 1
	}, time.Second, time.Millisecond)

	_, err := c.HandleSignal(ctx, buySignal)
	assert.ErrorIs(t, err, ErrCycleInFlight)
	assert.Equal(t, []string{"market"}, ex.commands())

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.False(t, c.Busy())
}

func TestCoordinator_ExchangeErrorPropagates(t *testing.T) {
	rejected := errors.New("order rejected")
	ex := &fakeExchange{limitErr: rejected}
	c := newTestCoordinator(ex, time.Second)
	ex.onMarket = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "2000")) }

	_, err := c.HandleSignal(context.Background(), buySignal)
	require.ErrorIs(t, err, rejected)
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_CloseCanceledIsFatal(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, 10*time.Millisecond)
	ex.onMarket = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "2000")) }
	ex.onClose = func(o model.OrderIntent) {
		c.OnAccountUpdate(status(o.ClientID, model.StatusCanceled, "FAILED"))
	}

	_, err := c.HandleSignal(context.Background(), buySignal)
	require.ErrorIs(t, err, ErrCloseCanceled)
}

func TestCoordinator_StaleUpdatesIgnored(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, time.Second)
	var firstMarket string
	ex.onMarket = func(o model.OrderIntent) {
		if firstMarket == "" {
			firstMarket = o.ClientID
			c.OnAccountUpdate(status(o.ClientID, model.StatusCanceled, ""))
			return
		}
		// an old cycle's fill must not complete this one
		c.OnAccountUpdate(filled(firstMarket, "1"))
		c.OnAccountUpdate(status(o.ClientID, model.StatusCanceled, ""))
	}

	_, err := c.HandleSignal(context.Background(), buySignal)
	require.NoError(t, err)
	report, err := c.HandleSignal(context.Background(), buySignal)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeMarketCanceled, report.Outcome)
	assert.Equal(t, int64(2), c.Cycles())

	c.OnAccountUpdate(filled("mk-BUY-99-1", "5"))
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_RunTradesIntoCycle(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, time.Second)
	ex.onMarket = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "102")) }
	ex.onLimit = func(o model.OrderIntent) { go c.OnAccountUpdate(filled(o.ClientID, o.Price.String())) }

	sink := &sinkRecorder{}
	c.AddSink(sink)

	var filtered int
	c.OnTickFiltered = func() { filtered++ }

	t0 := int64(1_700_000_000_000)
	trades := make(chan model.Trade, 8)
	trades <- model.Trade{Symbol: "ETHUSD", Price: 100, TS: t0}
	trades <- model.Trade{Symbol: "ETHUSD", Price: 50, TS: t0 + 50, BuyerIsMaker: true}
	trades <- model.Trade{Symbol: "ETHUSD", Price: 100, TS: t0 + 100}
	trades <- model.Trade{Symbol: "ETHUSD", Price: 100.5, TS: t0 + 200}
	trades <- model.Trade{Symbol: "ETHUSD", Price: 102, TS: t0 + 300}
	close(trades)

	require.NoError(t, c.Run(context.Background(), trades))

	reports := sink.all()
	require.Len(t, reports, 1)
	assert.Equal(t, model.SideBuy, reports[0].Side)
	assert.Equal(t, t0+300, reports[0].Signal.DetectedAt)
	assert.Equal(t, model.OutcomeLimitFilled, reports[0].Outcome)
	assert.Equal(t, 1, filtered)
	assert.Equal(t, 0, c.det.Window().Len())
}

type denyGuard struct{ reason string }

func (g denyGuard) Allow() (bool, string) { return g.reason == "", g.reason }

func TestCoordinator_GuardVetoesSignal(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, time.Second)
	c.SetGuard(denyGuard{reason: "max session loss reached"})

	t0 := int64(1_700_000_000_000)
	trades := make(chan model.Trade, 4)
	trades <- model.Trade{Symbol: "ETHUSD", Price: 100, TS: t0}
	trades <- model.Trade{Symbol: "ETHUSD", Price: 102, TS: t0 + 100}
	close(trades)

	require.NoError(t, c.Run(context.Background(), trades))
	assert.Empty(t, ex.commands())
	assert.Equal(t, int64(0), c.Cycles())
	assert.Equal(t, 0, c.det.Window().Len())
}

// manualClock only moves when the test says so.
type manualClock struct {
	mu       sync.Mutex
	now      time.Time
	at       time.Time
	fired    chan struct{}
	released chan struct{}
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) Deadline(at time.Time) (<-chan struct{}, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.at = at
	m.fired = make(chan struct{})
	released := make(chan struct{})
	var once sync.Once
	m.released = released
	return m.fired, func() { once.Do(func() { close(released) }) }
}

func (m *manualClock) armed() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.at, m.fired != nil
}

func (m *manualClock) advance(to time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = to
	if m.fired != nil && !to.Before(m.at) {
		close(m.fired)
		m.fired = nil
	}
}

func TestCoordinator_TimeoutFollowsInjectedClock(t *testing.T) {
	ex := &fakeExchange{}
	// an hour of wall time would never elapse in a test
	c := newTestCoordinator(ex, time.Hour)
	start := time.UnixMilli(1_700_000_000_000).UTC()
	clk := &manualClock{now: start}
	c.SetClock(clk)

	ex.onMarket = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "2000")) }
	ex.onCancel = func() {
		c.OnAccountUpdate(status(ex.intent(model.RoleLimit).ClientID, model.StatusCanceled, "USER_CANCELED"))
		c.OnAccountUpdate(status(ex.intent(model.RoleTrailingStop).ClientID, model.StatusCanceled, "USER_CANCELED"))
	}
	ex.onClose = func(o model.OrderIntent) { c.OnAccountUpdate(filled(o.ClientID, "1999")) }

	done := make(chan model.CycleReport, 1)
	go func() {
		r, err := c.HandleSignal(context.Background(), buySignal)
		assert.NoError(t, err)
		done <- r
	}()

	require.Eventually(t, func() bool { _, ok := clk.armed(); return ok }, time.Second, time.Millisecond)
	at, _ := clk.armed()
	assert.Equal(t, start.Add(time.Hour), at)

	clk.advance(start.Add(59 * time.Minute))
	select {
	case <-done:
		t.Fatal("timed out before the deadline on the injected clock")
	case <-time.After(20 * time.Millisecond):
	}

	clk.advance(start.Add(time.Hour))
	var r model.CycleReport
	select {
	case r = <-done:
	case <-time.After(time.Second):
		t.Fatal("cycle did not time out on the injected clock")
	}
	assert.Equal(t, model.OutcomePositionClosed, r.Outcome)
	assert.Equal(t, []string{"market", "limit", "trailing", "cancel_all", "close_position"}, ex.commands())
	assert.Equal(t, start.Add(time.Hour), r.EndedAt)

	select {
	case <-clk.released:
	default:
		t.Error("deadline was not released")
	}
	assert.Equal(t, model.ClientID(model.RoleMarket, model.SideBuy, 1, start.UnixMilli()), ex.intent(model.RoleMarket).ClientID)
}

func TestCoordinator_ZeroClockFallsBackForClientIDs(t *testing.T) {
	ex := &fakeExchange{}
	c := newTestCoordinator(ex, time.Second)
	c.SetClock(&manualClock{})
	ex.onMarket = func(o model.OrderIntent) { c.OnAccountUpdate(status(o.ClientID, model.StatusCanceled, "NO_LIQUIDITY")) }

	before := time.Now().UnixMilli()
	_, err := c.HandleSignal(context.Background(), buySignal)
	require.NoError(t, err)

	id := ex.intent(model.RoleMarket).ClientID
	assert.NotContains(t, id, "--")
	assert.GreaterOrEqual(t, c.start, before)
}
