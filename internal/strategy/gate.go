package strategy

import "github.com/dexety/dex-trading-system/internal/model"

// TradeGate decides which ticks reach the detector.
//
// With takerOnly set, only prints where the buyer was the aggressor pass.
// After a cycle ends, ticks stamped before end+cooldown are dropped: they were
// queued while the cycle ran and describe a market the cycle already traded.
type TradeGate struct {
	takerOnly  bool
	cooldownMs int64
	resumeAt   int64
}

// NewTradeGate creates a gate.
func NewTradeGate(takerOnly bool, cooldownMs int64) *TradeGate {
	return &TradeGate{takerOnly: takerOnly, cooldownMs: cooldownMs}
}

// Allow reports whether t should be observed.
func (g *TradeGate) Allow(t model.Trade) bool {
	if g.takerOnly && t.BuyerIsMaker {
		return false
	}
	return t.TS >= g.resumeAt
}

// CycleEnded starts the cool-down from endMs.
func (g *TradeGate) CycleEnded(endMs int64) {
	g.resumeAt = endMs + g.cooldownMs
}

// ResumeAt returns the earliest tick timestamp currently allowed.
func (g *TradeGate) ResumeAt() int64 { return g.resumeAt }
