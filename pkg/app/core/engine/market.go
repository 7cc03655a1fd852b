package engine

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/exchange/pkg/app/core/events"
	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
)

type command struct {
	fn   func() error
	done chan error
}

// market is the serialization unit of one instrument. A single worker
// goroutine drains the mailbox and runs every mutation under mu; readers
// take mu.RLock and never see a match in progress.
type market struct {
	symbol string
	sink   events.Sink
	log    *zap.SugaredLogger

	mu       sync.RWMutex
	book     *orderbook.OrderBook
	orders   map[string]*orderbook.Order // active plus the most recent terminal
	byOwner  map[string]map[string]*orderbook.Order
	retired  *list.List // terminal order ids, oldest first
	retain   int
	seq      uint64 // last order sequence
	eventSeq uint64
	halted   error

	admit   sync.RWMutex
	closed  bool
	mailbox chan command
	quit    chan struct{}
	stopped chan struct{}
}

func newMarket(symbol string, mailboxSize, retain int, sink events.Sink, log *zap.SugaredLogger) *market {
	m := &market{
		symbol:  symbol,
		sink:    sink,
		log:     log.With("instrument", symbol),
		book:    orderbook.NewOrderBook(symbol),
		orders:  make(map[string]*orderbook.Order),
		byOwner: make(map[string]map[string]*orderbook.Order),
		retired: list.New(),
		retain:  retain,
		mailbox: make(chan command, mailboxSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *market) run() {
	defer close(m.stopped)
	for {
		select {
		case c := <-m.mailbox:
			c.done <- m.exec(c.fn)
		case <-m.quit:
			// Nothing new can be admitted once quit is closed.
			for {
				select {
				case c := <-m.mailbox:
					c.done <- m.exec(c.fn)
				default:
					return
				}
			}
		}
	}
}

func (m *market) exec(fn func() error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted != nil {
		return m.halted
	}
	defer func() {
		if r := recover(); r != nil {
			err = &InvariantViolation{Instrument: m.symbol, Detail: fmt.Sprintf("panic: %v", r), Committed: true, Err: ErrMarketHalted}
			m.halt(err)
		}
	}()
	return fn()
}

// halt stops all further mutation on this instrument. Callers hold mu.
func (m *market) halt(cause error) {
	m.halted = &InvariantViolation{Instrument: m.symbol, Detail: cause.Error(), Committed: true, Err: ErrMarketHalted}
	m.log.Errorw("market_halted", "error", cause)
}

// do runs fn on the market worker. ctx bounds only the wait: once fn is
// admitted to the mailbox it runs to completion regardless.
func (m *market) do(ctx context.Context, fn func() error) error {
	c := command{fn: fn, done: make(chan error, 1)}

	m.admit.RLock()
	if m.closed {
		m.admit.RUnlock()
		return ErrEngineClosed
	}
	select {
	case m.mailbox <- c:
	case <-ctx.Done():
		m.admit.RUnlock()
		return ctx.Err()
	}
	m.admit.RUnlock()

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *market) close() {
	m.admit.Lock()
	if m.closed {
		m.admit.Unlock()
		<-m.stopped
		return
	}
	m.closed = true
	m.admit.Unlock()
	close(m.quit)
	<-m.stopped
}

// record registers a newly accepted order. Callers hold mu.
func (m *market) record(o *orderbook.Order) {
	m.orders[o.ID] = o
	owned := m.byOwner[o.Owner]
	if owned == nil {
		owned = make(map[string]*orderbook.Order)
		m.byOwner[o.Owner] = owned
	}
	owned[o.ID] = o
	if o.Sequence > m.seq {
		m.seq = o.Sequence
	}
}

// retire marks a recorded order terminal and drops the oldest terminal
// orders beyond the retention limit, returning their ids. Callers hold mu.
func (m *market) retire(id string) []string {
	m.retired.PushBack(id)
	var evicted []string
	for m.retired.Len() > m.retain {
		old := m.retired.Remove(m.retired.Front()).(string)
		if o, ok := m.orders[old]; ok {
			delete(m.orders, old)
			if owned := m.byOwner[o.Owner]; owned != nil {
				delete(owned, old)
				if len(owned) == 0 {
					delete(m.byOwner, o.Owner)
				}
			}
		}
		evicted = append(evicted, old)
	}
	return evicted
}

// emit stamps and publishes one call's events. Callers hold mu.
func (m *market) emit(evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	for i := range evs {
		m.eventSeq++
		evs[i].Instrument = m.symbol
		evs[i].Sequence = m.eventSeq
	}
	m.sink.Publish(evs)
}

func orderEvent(t events.Type, o orderbook.Order) events.Event {
	return events.Event{Type: t, Time: o.UpdatedAt, Order: &o}
}
