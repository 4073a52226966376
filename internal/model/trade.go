package model

import "time"

// Trade is a single public trade print from the reference venue.
// TS is the exchange trade time in epoch milliseconds.
type Trade struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Qty          float64 `json:"qty"`
	BuyerIsMaker bool    `json:"buyer_is_maker"` // true when the aggressor was the seller
	TS           int64   `json:"ts"`
}

// Time returns the trade timestamp as a UTC time.Time.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.TS).UTC()
}

// Point returns the price sample fed to the sliding window.
func (t Trade) Point() PricePoint {
	return PricePoint{Price: t.Price, TS: t.TS}
}

// PricePoint is an immutable (price, event-time) sample.
type PricePoint struct {
	Price float64 `json:"price"`
	TS    int64   `json:"ts"` // epoch milliseconds
}
