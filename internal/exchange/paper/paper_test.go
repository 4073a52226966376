package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexety/dex-trading-system/internal/marketdata/replay"
	"github.com/dexety/dex-trading-system/internal/model"
	"github.com/dexety/dex-trading-system/internal/strategy"
	"github.com/dexety/dex-trading-system/internal/trader"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func next(t *testing.T, e *Exchange) model.AccountUpdate {
	t.Helper()
	select {
	case u := <-e.Updates():
		return u
	case <-time.After(time.Second):
		t.Fatal("no account update")
	}
	return model.AccountUpdate{}
}

func intent(role model.OrderRole, side model.Side, price string) model.OrderIntent {
	return model.OrderIntent{
		Role:     role,
		Symbol:   "ETH-USD",
		Side:     side,
		Price:    dec(price),
		Quantity: dec("0.5"),
		ClientID: model.ClientID(role, side, 1, 1),
	}
}

func TestMarket_NoPriceCancels(t *testing.T) {
	e := New(Config{})
	require.NoError(t, e.SendMarketOrder(context.Background(), intent(model.RoleMarket, model.SideBuy, "100000000")))

	u := next(t, e)
	require.Len(t, u.Orders, 1)
	assert.Equal(t, model.StatusCanceled, u.Orders[0].Status)
	assert.Equal(t, ReasonNoLiquidity, u.Orders[0].CancelReason)
	assert.Empty(t, u.Fills)
}

func TestMarket_FillsWithSlippage(t *testing.T) {
	e := New(Config{SlippageBps: 10})
	e.OnTrade(model.Trade{Price: 2000, TS: 1})

	require.NoError(t, e.SendMarketOrder(context.Background(), intent(model.RoleMarket, model.SideBuy, "100000000")))
	u := next(t, e)
	require.Len(t, u.Fills, 1)
	assert.True(t, u.Fills[0].Price.Equal(dec("2002")), "price %s", u.Fills[0].Price)
	assert.Equal(t, model.StatusFilled, u.Orders[0].Status)

	require.NoError(t, e.SendMarketOrder(context.Background(), intent(model.RoleClosePosition, model.SideSell, "1")))
	u = next(t, e)
	assert.True(t, u.Fills[0].Price.Equal(dec("1998")), "price %s", u.Fills[0].Price)
	assert.Len(t, e.Fills(), 2)
}

func TestLimit_FillsOnCross(t *testing.T) {
	e := New(Config{})
	e.OnTrade(model.Trade{Price: 2000, TS: 1})

	lm := intent(model.RoleLimit, model.SideSell, "2002.1")
	require.NoError(t, e.SendLimitOrder(context.Background(), lm))
	assert.Equal(t, model.StatusOpen, next(t, e).Orders[0].Status)

	e.OnTrade(model.Trade{Price: 2002, TS: 2})
	select {
	case u := <-e.Updates():
		t.Fatalf("limit should not fill below its price: %+v", u)
	default:
	}

	e.OnTrade(model.Trade{Price: 2003, TS: 3})
	u := next(t, e)
	require.Len(t, u.Fills, 1)
	assert.True(t, u.Fills[0].Price.Equal(dec("2002.1")))

	o, err := e.Order(lm.ClientID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, o.Status)
}

func TestTrailingStop_TriggersFromPeak(t *testing.T) {
	e := New(Config{})
	e.OnTrade(model.Trade{Price: 100, TS: 1})

	ts := intent(model.RoleTrailingStop, model.SideSell, "1")
	ts.TrailingPercent = dec("-0.01")
	require.NoError(t, e.SendTrailingStopOrder(context.Background(), ts))
	assert.Equal(t, model.StatusUntriggered, next(t, e).Orders[0].Status)

	e.OnTrade(model.Trade{Price: 110, TS: 2})   // new peak
	e.OnTrade(model.Trade{Price: 109.5, TS: 3}) // within 1%
	select {
	case u := <-e.Updates():
		t.Fatalf("stop should not trigger yet: %+v", u)
	default:
	}

	e.OnTrade(model.Trade{Price: 108.9, TS: 4}) // 110 * 0.99 = 108.9
	u := next(t, e)
	require.Len(t, u.Fills, 1)
	assert.True(t, u.Fills[0].Price.Equal(dec("108.9")))
}

func TestTrailingStop_BuySide(t *testing.T) {
	e := New(Config{})
	e.OnTrade(model.Trade{Price: 100, TS: 1})

	ts := intent(model.RoleTrailingStop, model.SideBuy, "100000000")
	ts.TrailingPercent = dec("0.02")
	require.NoError(t, e.SendTrailingStopOrder(context.Background(), ts))
	next(t, e)

	e.OnTrade(model.Trade{Price: 90, TS: 2})
	e.OnTrade(model.Trade{Price: 91.8, TS: 3})
	u := next(t, e)
	require.Len(t, u.Fills, 1)
	assert.True(t, u.Fills[0].Price.Equal(dec("91.8")))
}

func TestCancelAll(t *testing.T) {
	e := New(Config{})
	e.OnTrade(model.Trade{Price: 100, TS: 1})
	lm := intent(model.RoleLimit, model.SideSell, "200")
	ts := intent(model.RoleTrailingStop, model.SideSell, "1")
	ts.TrailingPercent = dec("-0.5")
	require.NoError(t, e.SendLimitOrder(context.Background(), lm))
	require.NoError(t, e.SendTrailingStopOrder(context.Background(), ts))
	next(t, e)
	next(t, e)

	require.NoError(t, e.CancelAllOrders(context.Background(), "ETH-USD"))
	u := next(t, e)
	require.Len(t, u.Orders, 2)
	for _, o := range u.Orders {
		assert.Equal(t, model.StatusCanceled, o.Status)
		assert.Equal(t, ReasonUserCanceled, o.CancelReason)
	}

	// nothing left to cancel or fill
	require.NoError(t, e.CancelAllOrders(context.Background(), "ETH-USD"))
	e.OnTrade(model.Trade{Price: 300, TS: 2})
	select {
	case u := <-e.Updates():
		t.Fatalf("unexpected update %+v", u)
	default:
	}

	_, err := e.Order("nope")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

// The coordinator runs a full cycle against the paper exchange: the market
// entry fills at the last price and the take-profit fills on a later print.
func TestCoordinatorRoundTrip(t *testing.T) {
	e := New(Config{})
	det := strategy.NewJumpDetector(1000, 0.015, strategy.Continuation)
	c := trader.New(trader.Config{
		Symbol:          "ETH-USD",
		Quantity:        dec("0.5"),
		ProfitThreshold: dec("0.001"),
		TrailingPercent: dec("0.05"),
		RoundDigits:     1,
		WaitTimeout:     5 * time.Second,
		Fees:            trader.Commissions{Maker: dec("0.0002"), Taker: dec("0.0005")},
	}, e, det, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunAccount(ctx, e.Updates())

	e.OnTrade(model.Trade{Price: 2000, TS: 1})

	done := make(chan model.CycleReport, 1)
	go func() {
		r, err := c.HandleSignal(ctx, model.Signal{Direction: model.SideBuy, DetectedAt: 1})
		assert.NoError(t, err)
		done <- r
	}()

	require.Eventually(t, func() bool { return len(e.LiveOrders()) == 2 }, time.Second, time.Millisecond)
	e.OnTrade(model.Trade{Price: 2003, TS: 2})

	select {
	case r := <-done:
		assert.Equal(t, model.OutcomeLimitFilled, r.Outcome)
		assert.True(t, r.OpenPrice.Equal(dec("2000")))
		assert.True(t, r.ClosePrice.Equal(dec("2002.1")))
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not complete")
	}
}

type tradeList []model.Trade

func (l tradeList) ReadTrades(string, int64, int64) ([]model.Trade, error) { return l, nil }

// notifyingClock reports when the coordinator arms its timeout.
type notifyingClock struct {
	*replay.Replayer
	armed chan struct{}
}

func (c notifyingClock) Deadline(at time.Time) (<-chan struct{}, func()) {
	fired, release := c.Replayer.Deadline(at)
	select {
	case c.armed <- struct{}{}:
	default:
	}
	return fired, release
}

// On the replay clock the take-profit print an hour later arrives after the
// wait timeout, so the cycle unwinds instead of filling the limit.
func TestCoordinatorReplayTimeoutUsesEventTime(t *testing.T) {
	e := New(Config{})
	det := strategy.NewJumpDetector(1000, 0.015, strategy.Continuation)
	c := trader.New(trader.Config{
		Symbol:          "ETH-USD",
		Quantity:        dec("0.5"),
		ProfitThreshold: dec("0.001"),
		TrailingPercent: dec("0.05"),
		RoundDigits:     1,
		WaitTimeout:     2 * time.Second,
		Fees:            trader.Commissions{Maker: dec("0.0002"), Taker: dec("0.0005")},
	}, e, det, nil)

	rp := replay.New(tradeList{
		{Symbol: "ETH-USD", Price: 2000, TS: 1000},
		{Symbol: "ETH-USD", Price: 2003, TS: 1000 + time.Hour.Milliseconds()},
	})
	clk := notifyingClock{Replayer: rp, armed: make(chan struct{}, 1)}
	c.SetClock(clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunAccount(ctx, e.Updates())

	done := make(chan model.CycleReport, 1)
	rp.OnTrade = func(tr model.Trade) {
		e.OnTrade(tr)
		if tr.TS != 1000 {
			return
		}
		go func() {
			r, err := c.HandleSignal(ctx, model.Signal{Direction: model.SideBuy, DetectedAt: tr.TS})
			assert.NoError(t, err)
			done <- r
		}()
		select {
		case <-clk.armed:
		case <-time.After(2 * time.Second):
			t.Error("timeout was never armed")
		}
	}

	n, err := rp.Run(ctx, "ETH-USD", 0, 0, 0, make(chan model.Trade, 4))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	select {
	case r := <-done:
		assert.Equal(t, model.OutcomePositionClosed, r.Outcome)
		assert.Equal(t, model.RoleClosePosition, r.ClosedBy)
		assert.True(t, r.ClosePrice.Equal(dec("2000")), "closed at %s", r.ClosePrice)
		assert.Equal(t, time.UnixMilli(1000).UTC(), r.StartedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not complete")
	}
	assert.Empty(t, e.LiveOrders())

	// Client ids carry the event time of the first cycle, not the zero time.
	fills := e.Fills()
	require.NotEmpty(t, fills)
	assert.Equal(t, model.ClientID(model.RoleMarket, model.SideBuy, 1, 1000), fills[0].OrderClientID)
}
