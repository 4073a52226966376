package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or a signal.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the exit side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for BUY and -1 for SELL.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderRole identifies which leg of a trade cycle an order belongs to.
type OrderRole int

const (
	RoleUnknown OrderRole = iota
	RoleMarket
	RoleLimit
	RoleTrailingStop
	RoleClosePosition
)

// Prefix is the short tag the role contributes to a client id.
func (r OrderRole) Prefix() string {
	switch r {
	case RoleMarket:
		return "mk"
	case RoleLimit:
		return "lm"
	case RoleTrailingStop:
		return "ts"
	case RoleClosePosition:
		return "cp"
	default:
		return "xx"
	}
}

func (r OrderRole) String() string {
	switch r {
	case RoleMarket:
		return "market"
	case RoleLimit:
		return "limit"
	case RoleTrailingStop:
		return "trailing"
	case RoleClosePosition:
		return "close_position"
	default:
		return "unknown"
	}
}

// OrderType is the exchange order type implied by the role.
func (r OrderRole) OrderType() string {
	switch r {
	case RoleLimit:
		return "LIMIT"
	case RoleTrailingStop:
		return "TRAILING_STOP"
	default:
		return "MARKET"
	}
}

// OrderStatus mirrors the exchange order lifecycle states the trader reacts to.
type OrderStatus string

const (
	StatusPending     OrderStatus = "PENDING"
	StatusOpen        OrderStatus = "OPEN"
	StatusUntriggered OrderStatus = "UNTRIGGERED"
	StatusFilled      OrderStatus = "FILLED"
	StatusCanceled    OrderStatus = "CANCELED"
)

// Terminal reports whether no further updates are expected for the order.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled
}

// OrderIntent is one order the coordinator asks the exchange to place.
type OrderIntent struct {
	Role            OrderRole       `json:"role"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"` // limit price, or worst acceptable price for market/stop
	Quantity        decimal.Decimal `json:"quantity"`
	TrailingPercent decimal.Decimal `json:"trailing_percent"` // trailing stops only
	ClientID        string          `json:"client_id"`
}

// ClientID builds the client order id for a cycle leg: "{role}-{side}-{cycle}-{start}".
func ClientID(role OrderRole, side Side, cycle int64, start int64) string {
	return fmt.Sprintf("%s-%s-%d-%d", role.Prefix(), side, cycle, start)
}

// MarshalText encodes the role by name.
func (r OrderRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name produced by MarshalText.
func (r *OrderRole) UnmarshalText(b []byte) error {
	switch string(b) {
	case "market":
		*r = RoleMarket
	case "limit":
		*r = RoleLimit
	case "trailing":
		*r = RoleTrailingStop
	case "close_position":
		*r = RoleClosePosition
	case "", "unknown":
		*r = RoleUnknown
	default:
		return fmt.Errorf("model: unknown order role %q", b)
	}
	return nil
}
