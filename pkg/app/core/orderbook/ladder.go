package orderbook

import (
	"container/list"
	"fmt"

	"github.com/google/btree"
)

const ladderDegree = 32

// Ladder is one side of a book: price levels keyed by price in a B-tree,
// ordered best first (bids descending, asks ascending), each holding a
// FIFO queue. An order index gives O(log levels + 1) removal by id.
type Ladder struct {
	side   Side
	levels *btree.BTreeG[*PriceLevel]
	index  map[string]*list.Element
}

func NewLadder(side Side) *Ladder {
	less := func(a, b *PriceLevel) bool { return a.price < b.price }
	if side == Buy {
		less = func(a, b *PriceLevel) bool { return a.price > b.price }
	}
	return &Ladder{
		side:   side,
		levels: btree.NewG(ladderDegree, less),
		index:  make(map[string]*list.Element),
	}
}

func (l *Ladder) Side() Side { return l.side }

// Add appends o behind every order already resting at its price.
func (l *Ladder) Add(o *Order) error {
	switch {
	case o.Side != l.side:
		return fmt.Errorf("order %s: side %s does not belong on %s ladder", o.ID, o.Side, l.side)
	case o.Type != Limit:
		return fmt.Errorf("order %s: only limit orders rest", o.ID)
	case o.Remaining <= 0:
		return fmt.Errorf("order %s: zero remaining quantity cannot rest", o.ID)
	case !o.Status.Active():
		return fmt.Errorf("order %s: status %s cannot rest", o.ID, o.Status)
	}
	if _, dup := l.index[o.ID]; dup {
		return fmt.Errorf("order %s already resting", o.ID)
	}
	lvl, ok := l.levels.Get(&PriceLevel{price: o.Price})
	if !ok {
		lvl = newPriceLevel(o.Price)
		l.levels.ReplaceOrInsert(lvl)
	}
	l.index[o.ID] = lvl.push(o)
	return nil
}

// Best returns the best price level, or false when the side is empty.
func (l *Ladder) Best() (*PriceLevel, bool) {
	return l.levels.Min()
}

// Level returns the level at price, if any.
func (l *Ladder) Level(price int64) (*PriceLevel, bool) {
	return l.levels.Get(&PriceLevel{price: price})
}

// Remove takes an order out of its level by identity and drops the level
// once it is empty.
func (l *Ladder) Remove(orderID string) (*Order, bool) {
	e, ok := l.index[orderID]
	if !ok {
		return nil, false
	}
	o := e.Value.(*Order)
	lvl, ok := l.levels.Get(&PriceLevel{price: o.Price})
	if !ok {
		return nil, false
	}
	lvl.remove(e)
	delete(l.index, orderID)
	if lvl.Empty() {
		l.levels.Delete(lvl)
	}
	return o, true
}

func (l *Ladder) Contains(orderID string) bool {
	_, ok := l.index[orderID]
	return ok
}

// Len returns the number of price levels.
func (l *Ladder) Len() int { return l.levels.Len() }

// Orders returns the number of resting orders.
func (l *Ladder) Orders() int { return len(l.index) }

func (l *Ladder) Empty() bool { return l.levels.Len() == 0 }

// Ascend walks levels from best to worst until fn returns false.
func (l *Ladder) Ascend(fn func(*PriceLevel) bool) {
	l.levels.Ascend(func(lvl *PriceLevel) bool { return fn(lvl) })
}

// Quantity sums remaining quantity across every level.
func (l *Ladder) Quantity() int64 {
	var total int64
	l.Ascend(func(lvl *PriceLevel) bool {
		total += lvl.total
		return true
	})
	return total
}

// crosses reports whether a limit price on the other side would trade
// against a level priced at p.
func (l *Ladder) crosses(p, limit int64) bool {
	if l.side == Sell {
		return p <= limit
	}
	return p >= limit
}
