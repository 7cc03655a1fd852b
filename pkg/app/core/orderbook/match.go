package orderbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SelfTradePolicy decides what happens when an incoming order would
// execute against a resting order of the same owner.
type SelfTradePolicy int8

const (
	SelfTradeAllow SelfTradePolicy = iota
	SelfTradeCancelResting
	SelfTradeCancelIncoming
)

func (p SelfTradePolicy) String() string {
	switch p {
	case SelfTradeAllow:
		return "allow"
	case SelfTradeCancelResting:
		return "cancel_resting"
	case SelfTradeCancelIncoming:
		return "cancel_incoming"
	default:
		return "unknown"
	}
}

func ParseSelfTradePolicy(s string) (SelfTradePolicy, error) {
	for p := SelfTradeAllow; p <= SelfTradeCancelIncoming; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return SelfTradeAllow, fmt.Errorf("unknown self-trade policy %q", s)
}

// MarketPolicy decides what happens to a market order the opposing side
// cannot fully absorb.
type MarketPolicy int8

const (
	// MarketCancelRemainder fills what it can and cancels the rest.
	MarketCancelRemainder MarketPolicy = iota
	// MarketRejectInsufficient rejects the order untouched.
	MarketRejectInsufficient
)

func (p MarketPolicy) String() string {
	switch p {
	case MarketCancelRemainder:
		return "cancel_remainder"
	case MarketRejectInsufficient:
		return "reject"
	default:
		return "unknown"
	}
}

func ParseMarketPolicy(s string) (MarketPolicy, error) {
	for p := MarketCancelRemainder; p <= MarketRejectInsufficient; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return MarketCancelRemainder, fmt.Errorf("unknown market liquidity policy %q", s)
}

type Policy struct {
	SelfTrade SelfTradePolicy
	Market    MarketPolicy
}

var (
	// ErrInsufficientLiquidity is returned by Match, before any mutation,
	// for a market order under MarketRejectInsufficient.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrNotResting is returned by Cancel for an order not in the book.
	ErrNotResting = errors.New("order not resting")
)

// InvariantError reports a broken book or matching contract. Committed is
// false when the violation was caught before the book was touched.
type InvariantError struct {
	Instrument string
	OrderID    string
	Detail     string
	Committed  bool
}

func (e *InvariantError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("invariant violation on %s (order %s): %s", e.Instrument, e.OrderID, e.Detail)
	}
	return fmt.Sprintf("invariant violation on %s: %s", e.Instrument, e.Detail)
}

// Fill is one step of a match against a resting order. Trade is nil when
// the resting order was cancelled by self-trade prevention. Resting is a
// copy of the resting order after the step.
type Fill struct {
	Trade   *Trade
	Resting Order
}

// Result describes what Match did to the incoming order and the book.
type Result struct {
	Fills  []Fill
	Rested bool
	// LiquidityExhausted is set when a market order ran out of opposing
	// liquidity and its remainder was cancelled.
	LiquidityExhausted bool
	// SelfTradeCancelled is set when self-trade prevention cancelled the
	// incoming remainder.
	SelfTradeCancelled bool
}

// Trades returns the executed trades in match order.
func (r Result) Trades() []Trade {
	out := make([]Trade, 0, len(r.Fills))
	for _, f := range r.Fills {
		if f.Trade != nil {
			out = append(out, *f.Trade)
		}
	}
	return out
}

type step struct {
	resting *Order
	qty     int64 // zero: cancel the resting order (self-trade prevention)
}

type plan struct {
	steps          []step
	remaining      int64
	cancelIncoming bool
}

// Match runs continuous price/time matching for an incoming order and
// mutates the book in place.
//
// The walk over the opposing ladder is planned first without touching the
// book. The plan is checked (quantities, eligibility, and that a resting
// remainder will not cross) before anything is applied, so an
// InvariantError with Committed=false leaves book and order unchanged.
func (b *OrderBook) Match(in *Order, p Policy, now time.Time) (Result, error) {
	if err := b.checkIncoming(in); err != nil {
		return Result{}, err
	}
	opp := b.ladder(in.Side.Opposite())

	pl := b.plan(in, opp, p.SelfTrade)
	if in.Type == Market && p.Market == MarketRejectInsufficient && pl.remaining > 0 && !pl.cancelIncoming {
		return Result{}, ErrInsufficientLiquidity
	}
	if err := b.verify(in, opp, pl); err != nil {
		return Result{}, err
	}
	return b.apply(in, opp, pl, now)
}

func (b *OrderBook) checkIncoming(in *Order) error {
	fail := func(detail string) error {
		return &InvariantError{Instrument: b.instrument, OrderID: in.ID, Detail: detail}
	}
	switch {
	case in.Instrument != b.instrument:
		return fail(fmt.Sprintf("order for %s routed to %s", in.Instrument, b.instrument))
	case !in.Side.Valid() || !in.Type.Valid():
		return fail("invalid side or type")
	case in.Status != Open:
		return fail(fmt.Sprintf("incoming status %s", in.Status))
	case in.Remaining <= 0 || in.Remaining != in.Quantity:
		return fail(fmt.Sprintf("incoming remaining %d of %d", in.Remaining, in.Quantity))
	case in.Type == Limit && in.Price <= 0:
		return fail("limit order without positive price")
	case b.Contains(in.ID):
		return fail("incoming order already resting")
	}
	return nil
}

func (b *OrderBook) plan(in *Order, opp *Ladder, stp SelfTradePolicy) plan {
	pl := plan{remaining: in.Remaining}
	opp.Ascend(func(lvl *PriceLevel) bool {
		if in.Type == Limit && !opp.crosses(lvl.price, in.Price) {
			return false
		}
		lvl.Each(func(r *Order) bool {
			if pl.remaining == 0 {
				return false
			}
			if r.Owner == in.Owner && stp != SelfTradeAllow {
				if stp == SelfTradeCancelIncoming {
					pl.cancelIncoming = true
					return false
				}
				pl.steps = append(pl.steps, step{resting: r})
				return true
			}
			qty := min(pl.remaining, r.Remaining)
			pl.steps = append(pl.steps, step{resting: r, qty: qty})
			pl.remaining -= qty
			return true
		})
		return pl.remaining > 0 && !pl.cancelIncoming
	})
	return pl
}

func (b *OrderBook) verify(in *Order, opp *Ladder, pl plan) error {
	fail := func(detail string) error {
		return &InvariantError{Instrument: b.instrument, OrderID: in.ID, Detail: detail}
	}
	consumed := make(map[string]struct{}, len(pl.steps))
	var total int64
	lastSeq := map[int64]uint64{}
	for _, s := range pl.steps {
		r := s.resting
		if !r.Status.Active() || r.Remaining <= 0 {
			return fail(fmt.Sprintf("resting order %s has status %s remaining %d", r.ID, r.Status, r.Remaining))
		}
		if s.qty < 0 || s.qty > r.Remaining {
			return fail(fmt.Sprintf("planned fill %d against %s with remaining %d", s.qty, r.ID, r.Remaining))
		}
		if in.Type == Limit && !opp.crosses(r.Price, in.Price) {
			return fail(fmt.Sprintf("resting price %d not eligible for limit %d", r.Price, in.Price))
		}
		if prev, ok := lastSeq[r.Price]; ok && r.Sequence <= prev {
			return fail(fmt.Sprintf("time priority broken at price %d", r.Price))
		}
		lastSeq[r.Price] = r.Sequence
		total += s.qty
		if s.qty == 0 || s.qty == r.Remaining {
			consumed[r.ID] = struct{}{}
		}
	}
	if total+pl.remaining != in.Remaining || pl.remaining < 0 {
		return fail(fmt.Sprintf("planned %d + remainder %d != %d", total, pl.remaining, in.Remaining))
	}

	if in.Type != Limit || pl.remaining == 0 || pl.cancelIncoming {
		return nil
	}
	// The remainder will rest: the first opposing order left standing
	// must not be eligible against it.
	var crossing error
	opp.Ascend(func(lvl *PriceLevel) bool {
		standing := false
		lvl.Each(func(r *Order) bool {
			_, gone := consumed[r.ID]
			standing = !gone
			return gone
		})
		if !standing {
			return true
		}
		if opp.crosses(lvl.price, in.Price) {
			crossing = fail(fmt.Sprintf("remainder at %d would cross opposing %d", in.Price, lvl.price))
		}
		return false
	})
	return crossing
}

func (b *OrderBook) apply(in *Order, opp *Ladder, pl plan, now time.Time) (Result, error) {
	res := Result{Fills: make([]Fill, 0, len(pl.steps))}
	committed := func(detail string) error {
		return &InvariantError{Instrument: b.instrument, OrderID: in.ID, Detail: detail, Committed: true}
	}

	for _, s := range pl.steps {
		r := s.resting
		if s.qty == 0 {
			opp.Remove(r.ID)
			if err := r.transition(Cancelled, now); err != nil {
				return res, committed(err.Error())
			}
			res.Fills = append(res.Fills, Fill{Resting: *r})
			continue
		}

		price := r.Price
		if err := r.fill(s.qty, now); err != nil {
			return res, committed(err.Error())
		}
		if err := in.fill(s.qty, now); err != nil {
			return res, committed(err.Error())
		}
		if lvl, ok := opp.Level(price); ok {
			lvl.reduce(s.qty)
		}
		if r.Remaining == 0 {
			opp.Remove(r.ID)
		}

		b.tradeSeq++
		b.lastPrice = price
		t := &Trade{
			ID:              uuid.NewString(),
			Instrument:      b.instrument,
			Sequence:        b.tradeSeq,
			RestingOrderID:  r.ID,
			IncomingOrderID: in.ID,
			RestingOwner:    r.Owner,
			IncomingOwner:   in.Owner,
			AggressorSide:   in.Side,
			Price:           price,
			Quantity:        s.qty,
			ExecutedAt:      now,
		}
		res.Fills = append(res.Fills, Fill{Trade: t, Resting: *r})
	}

	switch {
	case in.Remaining == 0:
	case pl.cancelIncoming:
		if err := in.transition(Cancelled, now); err != nil {
			return res, committed(err.Error())
		}
		res.SelfTradeCancelled = true
	case in.Type == Limit:
		if err := b.ladder(in.Side).Add(in); err != nil {
			return res, committed(err.Error())
		}
		res.Rested = true
	default:
		// A market order never rests.
		if err := in.transition(Cancelled, now); err != nil {
			return res, committed(err.Error())
		}
		res.LiquidityExhausted = true
	}

	if b.Crossed() {
		return res, b.CheckInvariants()
	}
	return res, nil
}

// Cancel removes a resting order from its ladder and marks it Cancelled.
func (b *OrderBook) Cancel(orderID string, now time.Time) (*Order, error) {
	for _, l := range []*Ladder{b.bids, b.asks} {
		e, ok := l.index[orderID]
		if !ok {
			continue
		}
		o := e.Value.(*Order)
		if !o.Status.Active() {
			return nil, &InvariantError{Instrument: b.instrument, OrderID: orderID, Detail: fmt.Sprintf("resting order has status %s", o.Status), Committed: true}
		}
		l.Remove(orderID)
		if err := o.transition(Cancelled, now); err != nil {
			return nil, &InvariantError{Instrument: b.instrument, OrderID: orderID, Detail: err.Error(), Committed: true}
		}
		return o, nil
	}
	return nil, ErrNotResting
}

// Resume continues trade numbering after a restart. It only moves the
// sequence forward.
func (b *OrderBook) Resume(tradeSeq uint64, lastPrice int64) {
	if tradeSeq > b.tradeSeq {
		b.tradeSeq = tradeSeq
		b.lastPrice = lastPrice
	}
}

// Rest places an already-accepted limit order directly into its ladder
// without matching. It is used to rebuild a book from persisted state and
// refuses any order that would cross the opposing side.
func (b *OrderBook) Rest(o *Order) error {
	if o.Instrument != b.instrument {
		return fmt.Errorf("order %s belongs to %s, not %s", o.ID, o.Instrument, b.instrument)
	}
	if o.Type != Limit {
		return fmt.Errorf("order %s: only limit orders rest", o.ID)
	}
	if b.Contains(o.ID) {
		return fmt.Errorf("order %s already resting", o.ID)
	}
	opp := b.ladder(o.Side.Opposite())
	if lvl, ok := opp.Best(); ok && opp.crosses(lvl.price, o.Price) {
		return &InvariantError{Instrument: b.instrument, OrderID: o.ID, Detail: fmt.Sprintf("restoring at %d would cross opposing %d", o.Price, lvl.price)}
	}
	return b.ladder(o.Side).Add(o)
}
