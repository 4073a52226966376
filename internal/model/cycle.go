package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is how a trade cycle ended.
type Outcome string

const (
	OutcomeMarketCanceled Outcome = "market_canceled"
	OutcomeLimitFilled    Outcome = "limit_filled"
	OutcomeTrailingFilled Outcome = "trailing_filled"
	OutcomePositionClosed Outcome = "position_closed"
)

// CycleReport summarizes a completed trade cycle.
type CycleReport struct {
	RunID      string          `json:"run_id"`
	Cycle      int64           `json:"cycle"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Outcome    Outcome         `json:"outcome"`
	Quantity   decimal.Decimal `json:"quantity"`
	OpenPrice  decimal.Decimal `json:"open_price"`
	ClosePrice decimal.Decimal `json:"close_price"`
	ClosedBy   OrderRole       `json:"closed_by"`
	Profit     decimal.Decimal `json:"profit"`
	Signal     Signal          `json:"signal"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`
}

// Traded reports whether the cycle opened a position.
func (r *CycleReport) Traded() bool {
	return r.Outcome != OutcomeMarketCanceled
}

// Key returns "symbol:cycle".
func (r *CycleReport) Key() string {
	return r.Symbol + ":" + itoa(r.Cycle)
}

// JSON returns the JSON-encoded report (ignoring errors for hot-path usage).
func (r *CycleReport) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// itoa is a minimal int-to-string without importing strconv in hot path.
func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
