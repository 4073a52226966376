package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexety/dex-trading-system/config"
	"github.com/dexety/dex-trading-system/internal/exchange/paper"
	"github.com/dexety/dex-trading-system/internal/metrics"
	"github.com/dexety/dex-trading-system/internal/model"
)

func TestTraderConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	tc := TraderConfig(cfg, "run-1")
	assert.Equal(t, "run-1", tc.RunID)
	assert.Equal(t, "ETH-USD", tc.Symbol)
	assert.Equal(t, 30*time.Second, tc.WaitTimeout)
	assert.True(t, tc.Fees.Maker.Equal(decimal.RequireFromString("0.0002")))
	assert.Equal(t, int32(1), tc.RoundDigits)
}

func TestRunID(t *testing.T) {
	cfg := &config.Config{}
	a, b := RunID(cfg), RunID(cfg)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)

	cfg.RunID = "fixed"
	assert.Equal(t, "fixed", RunID(cfg))
}

func TestSession_HaltsAndInstruments(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Risk.MaxConsecutiveLosses = 1

	c, err := NewCoordinator(cfg, "run", paper.New(paper.Config{}))
	require.NoError(t, err)
	s := NewSession(cfg, c)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	h := metrics.NewHealthStatus()
	Instrument(c, s, m, h)

	for _, sink := range []interface {
		RecordCycle(context.Context, model.CycleReport) error
	}{s.Risk, s.Tracker} {
		require.NoError(t, sink.RecordCycle(context.Background(), model.CycleReport{
			Cycle: 1, Outcome: model.OutcomePositionClosed, ClosedBy: model.RoleClosePosition,
			Profit: decimal.RequireFromString("-1.25"),
		}))
	}

	ok, reason := s.Risk.Allow()
	assert.False(t, ok)
	assert.Equal(t, "max consecutive losses reached", reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradingHalted))
	assert.Equal(t, -1.25, testutil.ToFloat64(m.SessionProfit))
	assert.True(t, h.Halted)
}

func TestNewCoordinator_BadPolarity(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Strategy.Polarity = "sideways"
	_, err = NewCoordinator(cfg, "run", paper.New(paper.Config{}))
	assert.Error(t, err)
}
