// Package app assembles a coordinator and its sinks from configuration.
// It is shared by the trader and backtest binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dexety/dex-trading-system/config"
	"github.com/dexety/dex-trading-system/internal/metrics"
	"github.com/dexety/dex-trading-system/internal/model"
	"github.com/dexety/dex-trading-system/internal/notification"
	"github.com/dexety/dex-trading-system/internal/portfolio"
	"github.com/dexety/dex-trading-system/internal/strategy"
	"github.com/dexety/dex-trading-system/internal/trader"
)

// RunID returns the configured run id or a fresh one.
func RunID(cfg *config.Config) string {
	if cfg.RunID != "" {
		return cfg.RunID
	}
	return uuid.NewString()
}

// TraderConfig maps the strategy section onto the coordinator config.
func TraderConfig(cfg *config.Config, runID string) trader.Config {
	s := cfg.Strategy
	return trader.Config{
		RunID:           runID,
		Symbol:          s.Symbol,
		Quantity:        s.Quantity,
		ProfitThreshold: s.ProfitThreshold,
		TrailingPercent: s.TrailingPercent,
		RoundDigits:     s.RoundDigits,
		WaitTimeout:     s.SecToWait,
		Fees: trader.Commissions{
			Maker: s.MakerCommission,
			Taker: s.TakerCommission,
		},
	}
}

// NewCoordinator builds the detector, trade gate and coordinator for cfg.
func NewCoordinator(cfg *config.Config, runID string, ex trader.Exchange) (*trader.Coordinator, error) {
	pol, err := strategy.ParsePolarity(cfg.Strategy.Polarity)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	det := strategy.NewJumpDetector(cfg.Strategy.WindowMs, cfg.Strategy.SignalThreshold, pol)
	gate := strategy.NewTradeGate(cfg.Strategy.IsTakerOnly(), cfg.Strategy.SecAfterTrade.Milliseconds())
	return trader.New(TraderConfig(cfg, runID), ex, det, gate), nil
}

// Session bundles the in-process sinks every run gets.
type Session struct {
	Tracker *portfolio.Tracker
	Risk    *portfolio.RiskManager
}

// NewSession attaches a risk guard and a PnL tracker to c. The risk
// manager sees each report before the tracker announces it.
func NewSession(cfg *config.Config, c *trader.Coordinator) *Session {
	s := &Session{
		Tracker: portfolio.NewTracker(0),
		Risk: portfolio.NewRiskManager(portfolio.RiskLimits{
			MaxSessionLoss:       cfg.Risk.MaxSessionLoss,
			MaxDrawdown:          cfg.Risk.MaxDrawdown,
			MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		}),
	}
	c.AddSink(s.Risk)
	c.AddSink(s.Tracker)
	c.SetGuard(s.Risk)
	return s
}

// Instrument routes coordinator and session events into m and h. Either
// may be nil.
func Instrument(c *trader.Coordinator, s *Session, m *metrics.Metrics, h *metrics.HealthStatus) {
	c.OnSignal = func(sig model.Signal) {
		if m != nil {
			m.ObserveSignal(sig)
		}
	}
	c.OnOrderSent = func(o model.OrderIntent) {
		if m != nil {
			m.OrdersSent.WithLabelValues(o.Role.String()).Inc()
			m.CoordState.Set(float64(c.State()))
		}
		if h != nil {
			h.SetCoordinatorState(c.State().String())
		}
	}
	c.OnOrderUpdate = func(u model.OrderUpdate) {
		if m != nil {
			m.OrderUpdates.WithLabelValues(string(u.Status)).Inc()
		}
	}
	c.OnTickFiltered = func() {
		if m != nil {
			m.TradesFiltered.Inc()
		}
	}
	c.OnCycle = func(r model.CycleReport, d time.Duration) {
		if m != nil {
			m.ObserveCycle(r, d.Seconds())
			m.CoordState.Set(float64(c.State()))
		}
		if h != nil {
			h.SetCoordinatorState(c.State().String())
		}
	}
	if s != nil {
		s.Tracker.OnUpdate = func(sum portfolio.Summary) {
			if m != nil {
				m.SetProfit(sum.Profit)
			}
			ok, _ := s.Risk.Allow()
			if m != nil {
				if ok {
					m.TradingHalted.Set(0)
				} else {
					m.TradingHalted.Set(1)
				}
			}
			if h != nil {
				h.SetHalted(!ok)
			}
		}
	}
}

// Alerter builds the notifier chain: always the log, plus the webhook
// when configured.
func Alerter(cfg *config.Config) notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier()}
	if cfg.Notify.WebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	return n
}

// Fatal sends a critical alert with a bounded timeout.
func Fatal(n notification.Notifier, component string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.Send(ctx, notification.Fatal(component, err))
}
