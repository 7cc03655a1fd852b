package orderbook

import "fmt"

// LevelView is an aggregated, read-only price level.
type LevelView struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}

// Depth is a point-in-time copy of the top of both ladders.
type Depth struct {
	Bids []LevelView `json:"bids"` // best (highest) first
	Asks []LevelView `json:"asks"` // best (lowest) first
}

// OrderBook holds the bid and ask ladders of one instrument. It is not
// safe for concurrent use: the engine owns each book from a single
// serialization unit. All mutation goes through Match, Cancel and Rest.
type OrderBook struct {
	instrument string
	bids       *Ladder
	asks       *Ladder

	tradeSeq  uint64
	lastPrice int64
}

func NewOrderBook(instrument string) *OrderBook {
	return &OrderBook{
		instrument: instrument,
		bids:       NewLadder(Buy),
		asks:       NewLadder(Sell),
	}
}

func (b *OrderBook) Instrument() string { return b.instrument }

// Bids and Asks expose the ladders for read-only inspection.
func (b *OrderBook) Bids() *Ladder { return b.bids }
func (b *OrderBook) Asks() *Ladder { return b.asks }

func (b *OrderBook) ladder(s Side) *Ladder {
	if s == Buy {
		return b.bids
	}
	return b.asks
}

// BestBid returns the highest bid price.
func (b *OrderBook) BestBid() (int64, bool) {
	lvl, ok := b.bids.Best()
	if !ok {
		return 0, false
	}
	return lvl.price, true
}

// BestAsk returns the lowest ask price.
func (b *OrderBook) BestAsk() (int64, bool) {
	lvl, ok := b.asks.Best()
	if !ok {
		return 0, false
	}
	return lvl.price, true
}

// LastPrice is the price of the most recent trade, zero before any.
func (b *OrderBook) LastPrice() int64 { return b.lastPrice }

// TradeSequence is the sequence number of the most recent trade.
func (b *OrderBook) TradeSequence() uint64 { return b.tradeSeq }

// Contains reports whether orderID is resting on either side.
func (b *OrderBook) Contains(orderID string) bool {
	return b.bids.Contains(orderID) || b.asks.Contains(orderID)
}

// Empty reports whether no order rests on either side.
func (b *OrderBook) Empty() bool { return b.bids.Empty() && b.asks.Empty() }

// Depth returns up to maxLevels levels per side. maxLevels <= 0 returns
// every level.
func (b *OrderBook) Depth(maxLevels int) Depth {
	return Depth{
		Bids: levelViews(b.bids, maxLevels),
		Asks: levelViews(b.asks, maxLevels),
	}
}

func levelViews(l *Ladder, maxLevels int) []LevelView {
	n := l.Len()
	if maxLevels > 0 && maxLevels < n {
		n = maxLevels
	}
	out := make([]LevelView, 0, n)
	l.Ascend(func(lvl *PriceLevel) bool {
		if len(out) == n {
			return false
		}
		out = append(out, LevelView{Price: lvl.price, Quantity: lvl.total, Orders: lvl.Len()})
		return true
	})
	return out
}

// Crossed reports best bid >= best ask with both sides present.
func (b *OrderBook) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	return okBid && okAsk && bid >= ask
}

// CheckInvariants verifies the quiescent-state properties of the book:
// no crossing, no empty levels, level totals match their orders, every
// resting order is active with positive remaining quantity.
func (b *OrderBook) CheckInvariants() error {
	if b.Crossed() {
		bid, _ := b.BestBid()
		ask, _ := b.BestAsk()
		return &InvariantError{Instrument: b.instrument, Detail: fmt.Sprintf("crossed book: bid %d >= ask %d", bid, ask), Committed: true}
	}
	for _, l := range []*Ladder{b.bids, b.asks} {
		var err error
		count := 0
		l.Ascend(func(lvl *PriceLevel) bool {
			if lvl.Empty() {
				err = fmt.Errorf("empty %s level at %d", l.side, lvl.price)
				return false
			}
			var sum int64
			lvl.Each(func(o *Order) bool {
				count++
				if o.Remaining <= 0 || !o.Status.Active() || o.Price != lvl.price || o.Side != l.side {
					err = fmt.Errorf("order %s resting with remaining %d status %s", o.ID, o.Remaining, o.Status)
					return false
				}
				sum += o.Remaining
				return true
			})
			if err == nil && sum != lvl.total {
				err = fmt.Errorf("%s level %d total %d, orders sum %d", l.side, lvl.price, lvl.total, sum)
			}
			return err == nil
		})
		if err == nil && count != l.Orders() {
			err = fmt.Errorf("%s ladder indexes %d orders, levels hold %d", l.side, l.Orders(), count)
		}
		if err != nil {
			return &InvariantError{Instrument: b.instrument, Detail: err.Error(), Committed: true}
		}
	}
	return nil
}
