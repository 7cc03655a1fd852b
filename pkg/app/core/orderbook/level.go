package orderbook

import "container/list"

// PriceLevel is the FIFO queue of resting orders at one price.
// Front of the queue is the earliest sequence number.
type PriceLevel struct {
	price  int64
	orders *list.List // of *Order
	total  int64      // sum of Remaining
}

func newPriceLevel(price int64) *PriceLevel {
	return &PriceLevel{price: price, orders: list.New()}
}

func (l *PriceLevel) Price() int64 { return l.price }

// Quantity is the aggregate remaining quantity resting at this price.
func (l *PriceLevel) Quantity() int64 { return l.total }

func (l *PriceLevel) Len() int { return l.orders.Len() }

func (l *PriceLevel) Empty() bool { return l.orders.Len() == 0 }

// Head returns the order with the highest time priority.
func (l *PriceLevel) Head() *Order {
	if e := l.orders.Front(); e != nil {
		return e.Value.(*Order)
	}
	return nil
}

// Each visits orders in time priority until fn returns false.
func (l *PriceLevel) Each(fn func(*Order) bool) {
	for e := l.orders.Front(); e != nil; e = e.Next() {
		if !fn(e.Value.(*Order)) {
			return
		}
	}
}

func (l *PriceLevel) push(o *Order) *list.Element {
	l.total += o.Remaining
	return l.orders.PushBack(o)
}

func (l *PriceLevel) remove(e *list.Element) *Order {
	o := l.orders.Remove(e).(*Order)
	l.total -= o.Remaining
	return o
}

// reduce accounts for qty executed against an order still in the level.
func (l *PriceLevel) reduce(qty int64) { l.total -= qty }
