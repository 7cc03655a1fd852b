// Package events defines what the engine reports to the outside world:
// accepted and rejected orders, executed trades and order status changes.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
)

type Type string

const (
	OrderAccepted      Type = "order_accepted"
	OrderRejected      Type = "order_rejected"
	TradeExecuted      Type = "trade_executed"
	OrderStatusChanged Type = "order_status_changed"
)

func (t Type) Valid() bool {
	switch t {
	case OrderAccepted, OrderRejected, TradeExecuted, OrderStatusChanged:
		return true
	}
	return false
}

func (t *Type) UnmarshalText(b []byte) error {
	v := Type(b)
	if !v.Valid() {
		return fmt.Errorf("unknown event type %q", b)
	}
	*t = v
	return nil
}

// Event is one record in an instrument's event stream. Sequence is
// strictly increasing per instrument. Order and Trade are copies and safe
// to retain.
type Event struct {
	Type       Type             `json:"type"`
	Instrument string           `json:"instrument"`
	Sequence   uint64           `json:"sequence"`
	Time       time.Time        `json:"time"`
	Order      *orderbook.Order `json:"order,omitempty"`
	Trade      *orderbook.Trade `json:"trade,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// Sink receives the events of one engine call, in the order they
// logically occurred. Publish is invoked while the instrument is held
// exclusively: implementations must not block and must not call back into
// the engine.
type Sink interface {
	Publish(events []Event)
}

type SinkFunc func(events []Event)

func (f SinkFunc) Publish(events []Event) { f(events) }

// MultiSink fans out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(events []Event) {
	for _, s := range m {
		s.Publish(events)
	}
}

type NopSink struct{}

func (NopSink) Publish([]Event) {}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(events []Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types, optionally only for one instrument.
func (r *Recorder) Types(instrument string) []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Type
	for _, e := range r.events {
		if instrument == "" || e.Instrument == instrument {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
