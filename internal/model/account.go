package model

import "github.com/shopspring/decimal"

// OrderUpdate is an order status transition from the account stream.
type OrderUpdate struct {
	ClientID     string      `json:"client_id"`
	Status       OrderStatus `json:"status"`
	CancelReason string      `json:"cancel_reason,omitempty"`
}

// Fill is an execution reported on the account stream.
type Fill struct {
	OrderClientID string          `json:"order_client_id"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
}

// AccountUpdate is one message of the account stream. Fills are applied
// before order status transitions.
type AccountUpdate struct {
	Orders []OrderUpdate `json:"orders,omitempty"`
	Fills  []Fill        `json:"fills,omitempty"`
}

// Empty reports whether the update carries nothing actionable.
func (u AccountUpdate) Empty() bool {
	return len(u.Orders) == 0 && len(u.Fills) == 0
}
