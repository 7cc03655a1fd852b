package engine

import (
	"fmt"
	"sort"

	"github.com/uhyunpark/exchange/pkg/app/core/instrument"
	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
)

const (
	DefaultOrdersLimit = 100
	MaxOrdersLimit     = 1000
)

// OrderFilter narrows Orders. Zero values match everything.
type OrderFilter struct {
	Instrument string
	Status     *orderbook.Status
	Limit      int
}

func (e *Engine) snapshotMarket(symbol string) (*market, error) {
	symbol = instrument.NormalizeSymbol(symbol)
	if m, ok := e.existing(symbol); ok {
		return m, nil
	}
	if _, ok := e.catalog.Instrument(symbol); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	return nil, nil
}

// Depth returns up to maxLevels aggregated levels per side; maxLevels <= 0
// returns the whole book.
func (e *Engine) Depth(symbol string, maxLevels int) (BookSnapshot, error) {
	m, err := e.snapshotMarket(symbol)
	if err != nil {
		return BookSnapshot{}, err
	}
	snap := BookSnapshot{
		Instrument: instrument.NormalizeSymbol(symbol),
		Bids:       []orderbook.LevelView{},
		Asks:       []orderbook.LevelView{},
	}
	if m == nil {
		return snap, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.book.Depth(maxLevels)
	snap.Bids, snap.Asks = d.Bids, d.Asks
	snap.LastPrice = m.book.LastPrice()
	snap.TradeSequence = m.book.TradeSequence()
	return snap, nil
}

func (e *Engine) BestBid(symbol string) (int64, bool, error) {
	return e.best(symbol, (*orderbook.OrderBook).BestBid)
}

func (e *Engine) BestAsk(symbol string) (int64, bool, error) {
	return e.best(symbol, (*orderbook.OrderBook).BestAsk)
}

func (e *Engine) best(symbol string, fn func(*orderbook.OrderBook) (int64, bool)) (int64, bool, error) {
	m, err := e.snapshotMarket(symbol)
	if err != nil || m == nil {
		return 0, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := fn(m.book)
	return p, ok, nil
}

// Order returns a copy of an order visible to requester, falling back to
// History for orders no longer held in memory.
func (e *Engine) Order(orderID string, requester Identity) (orderbook.Order, error) {
	o, ok := e.held(orderID)
	if !ok {
		return e.retired(orderID, requester)
	}
	if o.Owner != requester.TraderID && !requester.Admin {
		return orderbook.Order{}, &PermissionError{OrderID: orderID, TraderID: requester.TraderID}
	}
	return o, nil
}

func (e *Engine) held(orderID string) (orderbook.Order, bool) {
	symbol, ok := e.lookup(orderID)
	if !ok {
		return orderbook.Order{}, false
	}
	m, ok := e.existing(symbol)
	if !ok {
		return orderbook.Order{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return orderbook.Order{}, false
	}
	return *o, true
}

// Orders lists the requester's own orders held in memory, newest first:
// every active order and the most recent terminal ones.
func (e *Engine) Orders(requester Identity, f OrderFilter) []orderbook.Order {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultOrdersLimit
	}
	if limit > MaxOrdersLimit {
		limit = MaxOrdersLimit
	}

	e.mu.RLock()
	markets := make([]*market, 0, len(e.markets))
	for sym, m := range e.markets {
		if f.Instrument == "" || instrument.NormalizeSymbol(f.Instrument) == sym {
			markets = append(markets, m)
		}
	}
	e.mu.RUnlock()

	var out []orderbook.Order
	for _, m := range markets {
		m.mu.RLock()
		for _, o := range m.byOwner[requester.TraderID] {
			if f.Status != nil && o.Status != *f.Status {
				continue
			}
			out = append(out, *o)
		}
		m.mu.RUnlock()
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Sequence > out[j].Sequence
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// HasActiveOrders reports whether any order rests in symbol's book.
func (e *Engine) HasActiveOrders(symbol string) bool {
	m, ok := e.existing(instrument.NormalizeSymbol(symbol))
	if !ok {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.book.Empty()
}

func sortBySequence(orders []*orderbook.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].Sequence < orders[j].Sequence })
}
