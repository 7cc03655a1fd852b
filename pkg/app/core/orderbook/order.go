package orderbook

import (
	"fmt"
	"time"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an incoming order of side s matches against.
func (s Side) Opposite() Side { return -s }

func (s Side) Valid() bool { return s == Buy || s == Sell }

// MarshalText renders invalid sides as "unknown" so rejection events for
// malformed requests still encode.
func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buy", "BUY":
		*s = Buy
	case "sell", "SELL":
		*s = Sell
	default:
		return fmt.Errorf("invalid side %q", b)
	}
	return nil
}

type OrderType int8

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

func (t OrderType) Valid() bool { return t == Limit || t == Market }

func (t OrderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *OrderType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "limit", "LIMIT":
		*t = Limit
	case "market", "MARKET":
		*t = Market
	default:
		return fmt.Errorf("invalid order type %q", b)
	}
	return nil
}

// Status is the order lifecycle state. Transitions are monotonic:
//
//	Open            -> PartiallyFilled | Filled | Cancelled
//	PartiallyFilled -> PartiallyFilled | Filled | Cancelled
//
// Filled, Cancelled and Rejected are terminal.
type Status int8

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
	Rejected
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Active reports whether an order in this state may rest in a ladder.
func (s Status) Active() bool { return s == Open || s == PartiallyFilled }

func (s Status) Terminal() bool { return !s.Active() }

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	switch from {
	case Open, PartiallyFilled:
		return to == PartiallyFilled || to == Filled || to == Cancelled
	default:
		return false
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s < Open || s > Rejected {
		return nil, fmt.Errorf("invalid status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for c := Open; c <= Rejected; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("invalid status %q", b)
}

// Order is one buy or sell instruction against a single instrument.
// Prices are integer ticks and quantities integer lots.
type Order struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Price      int64     `json:"price,omitempty"` // zero for market orders
	Quantity   int64     `json:"quantity"`
	Remaining  int64     `json:"remaining"`
	Owner      string    `json:"owner"`
	Sequence   uint64    `json:"sequence"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Filled returns the executed quantity so far.
func (o *Order) Filled() int64 { return o.Quantity - o.Remaining }

func (o *Order) transition(to Status, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// fill decrements the remaining quantity and moves the status forward.
func (o *Order) fill(qty int64, now time.Time) error {
	if qty <= 0 || qty > o.Remaining {
		return fmt.Errorf("order %s: fill %d outside remaining %d", o.ID, qty, o.Remaining)
	}
	next := PartiallyFilled
	if qty == o.Remaining {
		next = Filled
	}
	if err := o.transition(next, now); err != nil {
		return err
	}
	o.Remaining -= qty
	return nil
}
