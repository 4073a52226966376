package trader

import (
	"github.com/shopspring/decimal"

	"github.com/dexety/dex-trading-system/internal/model"
)

var (
	one        = decimal.NewFromInt(1)
	worstSell  = decimal.NewFromInt(1)
	worstBuy   = decimal.NewFromInt(100_000_000)
	halfTickOf = decimal.NewFromFloat(0.5)
)

// LimitPrice returns the take-profit price for closing a position on exit.
// A SELL exit sits above the fill, a BUY exit below it. The half-tick nudge
// keeps rounding from pulling the price back through the fill.
func LimitPrice(fill decimal.Decimal, exit model.Side, profitThreshold decimal.Decimal, roundDigits int32) decimal.Decimal {
	halfTick := halfTickOf.Shift(-roundDigits)
	var p decimal.Decimal
	if exit == model.SideSell {
		p = fill.Mul(one.Add(profitThreshold)).Add(halfTick)
	} else {
		p = fill.Mul(one.Sub(profitThreshold)).Sub(halfTick)
	}
	return p.Round(roundDigits)
}

// TrailingPercent returns the signed trailing offset for a stop on exit:
// positive for BUY stops, negative for SELL stops.
func TrailingPercent(exit model.Side, percent decimal.Decimal) decimal.Decimal {
	if exit == model.SideBuy {
		return percent.Abs()
	}
	return percent.Abs().Neg()
}

// WorstPrice is the price bound sent with market and stop orders so that
// they execute at any price.
func WorstPrice(side model.Side) decimal.Decimal {
	if side == model.SideSell {
		return worstSell
	}
	return worstBuy
}

// Commissions holds the fee rates applied to notional.
type Commissions struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// Profit returns the net result of a round trip opened on side.
// The opening leg always pays taker; the closing leg pays maker only when the
// take-profit limit closed the position.
func Profit(side model.Side, open, closePx, qty decimal.Decimal, closedByLimit bool, fees Commissions) decimal.Decimal {
	gross := closePx.Sub(open).Mul(qty).Mul(decimal.NewFromInt(side.Sign()))

	closeRate := fees.Taker
	if closedByLimit {
		closeRate = fees.Maker
	}
	closeFee := closePx.Mul(qty).Mul(closeRate)
	openFee := open.Mul(qty).Mul(fees.Taker)

	return gross.Sub(closeFee).Sub(openFee)
}
