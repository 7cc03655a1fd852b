package api

import (
	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the body of POST /orders. The owner is taken from
// the API key, never from the body.
type SubmitOrderRequest struct {
	Instrument string              `json:"instrument"`
	Side       orderbook.Side      `json:"side"`  // "buy" or "sell"
	Type       orderbook.OrderType `json:"type"`  // "limit" or "market"
	Price      int64               `json:"price"` // ticks; omit for market orders
	Quantity   int64               `json:"quantity"`
}

type RegisterRequest struct {
	Name string `json:"name"`
}

type InstrumentRequest struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	TickSize int64  `json:"tickSize"`
	LotSize  int64  `json:"lotSize"`
	Tradable *bool  `json:"tradable,omitempty"`
}

type TradableRequest struct {
	Tradable bool `json:"tradable"`
}

// ==============================
// REST Response Types
// ==============================

type SubmitOrderResponse struct {
	OrderID            string            `json:"orderId"`
	Sequence           uint64            `json:"sequence"`
	Status             orderbook.Status  `json:"status"`
	Remaining          int64             `json:"remaining"`
	Filled             int64             `json:"filled"`
	LiquidityExhausted bool              `json:"liquidityExhausted,omitempty"`
	Trades             []orderbook.Trade `json:"trades"`
}

type CancelOrderResponse struct {
	OrderID   string           `json:"orderId"`
	Status    orderbook.Status `json:"status"`
	Remaining int64            `json:"remaining"`
}

type RegisterResponse struct {
	TraderID string `json:"traderId"`
	APIKey   string `json:"apiKey"`
}

// TraderResponse is a trader profile without key material.
type TraderResponse struct {
	TraderID string `json:"traderId"`
	Name     string `json:"name,omitempty"`
	Admin    bool   `json:"admin"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	OrderID string `json:"orderId,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients, e.g.
// {"op":"subscribe","channels":["book:ACME","trades:ACME"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// BookUpdate is pushed on "book:<symbol>" after the book changed.
type BookUpdate struct {
	Type          string                `json:"type"` // "book"
	Symbol        string                `json:"symbol"`
	Bids          []orderbook.LevelView `json:"bids"`
	Asks          []orderbook.LevelView `json:"asks"`
	LastPrice     int64                 `json:"lastPrice"`
	TradeSequence uint64                `json:"tradeSequence"`
	Timestamp     int64                 `json:"timestamp"` // Unix milliseconds
}

// TradeUpdate is pushed on "trades:<symbol>" for every execution.
type TradeUpdate struct {
	Type  string          `json:"type"` // "trade"
	Trade orderbook.Trade `json:"trade"`
}
