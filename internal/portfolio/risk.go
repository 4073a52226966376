package portfolio

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

// RiskLimits stops new cycles once the session has lost too much. Zero
// values disable a limit.
type RiskLimits struct {
	MaxSessionLoss       decimal.Decimal `json:"max_session_loss"`       // in quote currency, positive
	MaxDrawdown          decimal.Decimal `json:"max_drawdown"`           // from the session profit peak
	MaxConsecutiveLosses int             `json:"max_consecutive_losses"` // losing traded cycles in a row
}

// RiskManager checks RiskLimits against the realized cycle results. It
// implements trader.CycleSink and trader.Guard.
type RiskManager struct {
	mu     sync.RWMutex
	limits RiskLimits

	profit     decimal.Decimal
	peak       decimal.Decimal
	lossStreak int
	halted     string

	log zerolog.Logger
}

// NewRiskManager creates a RiskManager.
func NewRiskManager(limits RiskLimits) *RiskManager {
	return &RiskManager{limits: limits, log: logger.For("risk")}
}

// Allow reports whether a new cycle may start, with the reason when not.
func (rm *RiskManager) Allow() (bool, string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if rm.halted != "" {
		return false, rm.halted
	}
	return true, ""
}

// RecordCycle updates the session result and latches a halt reason once a
// limit is breached.
func (rm *RiskManager) RecordCycle(_ context.Context, r model.CycleReport) error {
	if !r.Traded() {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.profit = rm.profit.Add(r.Profit)
	if rm.profit.GreaterThan(rm.peak) {
		rm.peak = rm.profit
	}
	if r.Profit.IsPositive() {
		rm.lossStreak = 0
	} else {
		rm.lossStreak++
	}

	if rm.halted != "" {
		return nil
	}
	switch {
	case rm.limits.MaxSessionLoss.IsPositive() && rm.profit.LessThanOrEqual(rm.limits.MaxSessionLoss.Neg()):
		rm.halted = "max session loss reached"
	case rm.limits.MaxDrawdown.IsPositive() && rm.peak.Sub(rm.profit).GreaterThanOrEqual(rm.limits.MaxDrawdown):
		rm.halted = "max drawdown reached"
	case rm.limits.MaxConsecutiveLosses > 0 && rm.lossStreak >= rm.limits.MaxConsecutiveLosses:
		rm.halted = "max consecutive losses reached"
	}
	if rm.halted != "" {
		rm.log.Warn().
			Str("reason", rm.halted).
			Str("profit", rm.profit.String()).
			Str("peak", rm.peak.String()).
			Int("loss_streak", rm.lossStreak).
			Msg("trading halted")
	}
	return nil
}

// Resume clears a halt, e.g. at the start of a new session.
func (rm *RiskManager) Resume() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.halted = ""
	rm.lossStreak = 0
	rm.profit = decimal.Zero
	rm.peak = decimal.Zero
}

// Status returns the current risk status.
func (rm *RiskManager) Status() map[string]interface{} {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return map[string]interface{}{
		"profit":      rm.profit.String(),
		"peak":        rm.peak.String(),
		"drawdown":    rm.peak.Sub(rm.profit).String(),
		"loss_streak": rm.lossStreak,
		"halted":      rm.halted != "",
		"reason":      rm.halted,
		"limits":      rm.limits,
	}
}
