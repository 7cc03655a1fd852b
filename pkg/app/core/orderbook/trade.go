package orderbook

import "time"

// Trade is an immutable execution record produced by the matching core.
// Price is always the resting order's price.
type Trade struct {
	ID              string    `json:"id"`
	Instrument      string    `json:"instrument"`
	Sequence        uint64    `json:"sequence"`
	RestingOrderID  string    `json:"restingOrderId"`
	IncomingOrderID string    `json:"incomingOrderId"`
	RestingOwner    string    `json:"restingOwner"`
	IncomingOwner   string    `json:"incomingOwner"`
	AggressorSide   Side      `json:"aggressorSide"`
	Price           int64     `json:"price"`
	Quantity        int64     `json:"quantity"`
	ExecutedAt      time.Time `json:"executedAt"`
}

// Involves reports whether orderID was either side of the trade.
func (t Trade) Involves(orderID string) bool {
	return t.RestingOrderID == orderID || t.IncomingOrderID == orderID
}

// Notional returns price x quantity in tick-lots.
func (t Trade) Notional() int64 { return t.Price * t.Quantity }
