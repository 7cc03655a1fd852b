package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/exchange/pkg/app/core/events"
	"github.com/uhyunpark/exchange/pkg/app/core/instrument"
	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

var (
	alice = Identity{TraderID: "alice"}
	bob   = Identity{TraderID: "bob"}
	admin = Identity{TraderID: "ops", Admin: true}
)

func newCatalog(t *testing.T) *instrument.Registry {
	t.Helper()
	r := instrument.NewRegistry()
	for _, s := range []struct {
		sym        string
		tick, lot int64
	}{{"ACME", 1, 1}, {"ZETA", 5, 10}} {
		in, err := instrument.New(s.sym, s.sym, s.tick, s.lot)
		require.NoError(t, err)
		require.NoError(t, r.Register(in))
	}
	return r
}

func newEngine(t *testing.T, mutate func(*Config)) (*Engine, *events.Recorder, *instrument.Registry) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Clock = &fixedClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &events.Recorder{}
	cat := newCatalog(t)
	e := New(cfg, cat, rec, nil)
	t.Cleanup(e.Close)
	return e, rec, cat
}

func lim(sym string, side orderbook.Side, price, qty int64, who Identity) NewOrderRequest {
	return NewOrderRequest{Instrument: sym, Side: side, Type: orderbook.Limit, Price: price, Quantity: qty, Owner: who}
}

func mkt(sym string, side orderbook.Side, qty int64, who Identity) NewOrderRequest {
	return NewOrderRequest{Instrument: sym, Side: side, Type: orderbook.Market, Quantity: qty, Owner: who}
}

func mustSubmit(t *testing.T, e *Engine, req NewOrderRequest) SubmitResult {
	t.Helper()
	res, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestSubmit_RestsAndMatches(t *testing.T) {
	e, rec, _ := newEngine(t, nil)
	ctx := context.Background()

	ask := mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 5, bob))
	assert.Equal(t, orderbook.Open, ask.Status)
	assert.Equal(t, uint64(1), ask.Sequence)
	assert.NotEmpty(t, ask.OrderID)

	rec.Reset()
	res, err := e.Submit(ctx, lim("acme", orderbook.Buy, 100, 10, alice))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Sequence)
	assert.Equal(t, orderbook.PartiallyFilled, res.Status)
	assert.Equal(t, int64(5), res.Remaining)
	assert.Equal(t, int64(5), res.Filled)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, ask.OrderID, res.Trades[0].RestingOrderID)
	assert.Equal(t, int64(100), res.Trades[0].Price)

	assert.Equal(t, []events.Type{
		events.OrderAccepted,
		events.TradeExecuted,
		events.OrderStatusChanged, // resting ask filled
		events.OrderStatusChanged, // incoming rests partially filled
	}, rec.Types("ACME"))
	evs := rec.Events()
	assert.Equal(t, orderbook.Open, evs[0].Order.Status)
	assert.Equal(t, int64(10), evs[0].Order.Remaining)
	assert.Equal(t, ask.OrderID, evs[2].Order.ID)
	assert.Equal(t, orderbook.Filled, evs[2].Order.Status)
	assert.Equal(t, res.OrderID, evs[3].Order.ID)
	assert.Equal(t, orderbook.PartiallyFilled, evs[3].Order.Status)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Sequence, evs[i-1].Sequence)
	}

	snap, err := e.Depth("ACME", 10)
	require.NoError(t, err)
	assert.Equal(t, []orderbook.LevelView{{Price: 100, Quantity: 5, Orders: 1}}, snap.Bids)
	assert.Empty(t, snap.Asks)
	assert.Equal(t, int64(100), snap.LastPrice)

	bid, ok, err := e.BestBid("ACME")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), bid)
	_, ok, err = e.BestAsk("ACME")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmit_MarketScenarios(t *testing.T) {
	t.Run("walks levels until filled", func(t *testing.T) {
		e, _, _ := newEngine(t, nil)
		mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 5, bob))
		mustSubmit(t, e, lim("ACME", orderbook.Sell, 101, 5, bob))

		res := mustSubmit(t, e, mkt("ACME", orderbook.Buy, 8, alice))
		assert.Equal(t, orderbook.Filled, res.Status)
		require.Len(t, res.Trades, 2)
		assert.Equal(t, int64(101), res.Trades[1].Price)
		assert.Equal(t, int64(3), res.Trades[1].Quantity)

		snap, _ := e.Depth("ACME", 0)
		assert.Equal(t, []orderbook.LevelView{{Price: 101, Quantity: 2, Orders: 1}}, snap.Asks)
	})

	t.Run("remainder cancelled", func(t *testing.T) {
		e, rec, _ := newEngine(t, nil)
		mustSubmit(t, e, lim("ACME", orderbook.Buy, 100, 10, bob))
		rec.Reset()

		res := mustSubmit(t, e, mkt("ACME", orderbook.Sell, 15, alice))
		assert.Equal(t, orderbook.Cancelled, res.Status)
		assert.Equal(t, int64(5), res.Remaining)
		assert.True(t, res.LiquidityExhausted)
		assert.False(t, e.HasActiveOrders("ACME"))

		evs := rec.Events()
		last := evs[len(evs)-1]
		assert.Equal(t, events.OrderStatusChanged, last.Type)
		assert.Equal(t, orderbook.Cancelled, last.Order.Status)
		assert.Equal(t, "insufficient liquidity", last.Reason)
	})

	t.Run("rejected under reject policy", func(t *testing.T) {
		e, rec, _ := newEngine(t, func(c *Config) { c.MarketLiquidity = orderbook.MarketRejectInsufficient })
		mustSubmit(t, e, lim("ACME", orderbook.Buy, 100, 10, bob))
		rec.Reset()

		res, err := e.Submit(context.Background(), mkt("ACME", orderbook.Sell, 15, alice))
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		assert.ErrorIs(t, err, orderbook.ErrInsufficientLiquidity)
		assert.Equal(t, orderbook.Rejected, res.Status)
		assert.Empty(t, res.Trades)
		assert.Equal(t, []events.Type{events.OrderRejected}, rec.Types("ACME"))

		snap, _ := e.Depth("ACME", 0)
		assert.Equal(t, []orderbook.LevelView{{Price: 100, Quantity: 10, Orders: 1}}, snap.Bids)

		// Sequence numbers are not consumed by the rejection.
		next := mustSubmit(t, e, lim("ACME", orderbook.Buy, 99, 1, bob))
		assert.Equal(t, uint64(2), next.Sequence)
	})
}

func TestSubmit_Validation(t *testing.T) {
	e, rec, cat := newEngine(t, nil)
	require.NoError(t, cat.SetTradable("ACME", false))

	tests := []struct {
		name  string
		req   NewOrderRequest
		field string
	}{
		{"unknown instrument", lim("NOPE", orderbook.Buy, 100, 1, alice), "instrument"},
		{"not tradable", lim("ACME", orderbook.Buy, 100, 1, alice), "instrument"},
		{"bad side", lim("ZETA", 0, 100, 10, alice), "side"},
		{"bad type", NewOrderRequest{Instrument: "ZETA", Side: orderbook.Buy, Type: 9, Price: 100, Quantity: 10, Owner: alice}, "type"},
		{"no owner", lim("ZETA", orderbook.Buy, 100, 10, Identity{}), "owner"},
		{"zero quantity", lim("ZETA", orderbook.Buy, 100, 0, alice), "quantity"},
		{"off lot", lim("ZETA", orderbook.Buy, 100, 15, alice), "quantity"},
		{"off tick", lim("ZETA", orderbook.Buy, 103, 10, alice), "price"},
		{"zero price", lim("ZETA", orderbook.Buy, 0, 10, alice), "price"},
		{"negative price", lim("ZETA", orderbook.Buy, -5, 10, alice), "price"},
		{"priced market", NewOrderRequest{Instrument: "ZETA", Side: orderbook.Buy, Type: orderbook.Market, Price: 100, Quantity: 10, Owner: alice}, "price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec.Reset()
			res, err := e.Submit(context.Background(), tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, orderbook.Rejected, res.Status)
			assert.Empty(t, res.OrderID)
			assert.Equal(t, []events.Type{events.OrderRejected}, rec.Types(""))
		})
	}
	assert.False(t, e.HasActiveOrders("ZETA"))

	_, err := e.Submit(context.Background(), lim("NOPE", orderbook.Buy, 1, 1, alice))
	assert.ErrorIs(t, err, ErrUnknownInstrument)
	_, err = e.Submit(context.Background(), lim("ACME", orderbook.Buy, 1, 1, alice))
	assert.ErrorIs(t, err, ErrNotTradable)
}

func TestCancel(t *testing.T) {
	e, rec, _ := newEngine(t, nil)
	ctx := context.Background()
	resting := mustSubmit(t, e, lim("ACME", orderbook.Buy, 100, 10, alice))

	_, err := e.Cancel(ctx, "missing", alice)
	assert.True(t, IsNotFound(err))

	_, err = e.Cancel(ctx, resting.OrderID, bob)
	assert.True(t, IsPermission(err))
	assert.True(t, e.HasActiveOrders("ACME"))

	rec.Reset()
	res, err := e.Cancel(ctx, resting.OrderID, alice)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancelled, res.Status)
	assert.Equal(t, int64(10), res.Remaining)
	assert.False(t, e.HasActiveOrders("ACME"))
	assert.Equal(t, []events.Type{events.OrderStatusChanged}, rec.Types("ACME"))

	rec.Reset()
	for i := 0; i < 3; i++ {
		res, err = e.Cancel(ctx, resting.OrderID, alice)
		assert.True(t, IsInvalidState(err))
		assert.Equal(t, orderbook.Cancelled, res.Status)
	}
	assert.Empty(t, rec.Events())

	filled := mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 1, bob))
	mustSubmit(t, e, mkt("ACME", orderbook.Buy, 1, alice))
	_, err = e.Cancel(ctx, filled.OrderID, admin)
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, orderbook.Filled, serr.Status)
}

func TestCancel_AdminMayCancelAnyOrder(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	res := mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 10, alice))
	out, err := e.Cancel(context.Background(), res.OrderID, admin)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancelled, out.Status)
}

func TestSelfTradePolicies(t *testing.T) {
	t.Run("allow by default", func(t *testing.T) {
		e, _, _ := newEngine(t, nil)
		mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 5, alice))
		res := mustSubmit(t, e, lim("ACME", orderbook.Buy, 100, 5, alice))
		assert.Equal(t, orderbook.Filled, res.Status)
		require.Len(t, res.Trades, 1)
	})

	t.Run("cancel resting", func(t *testing.T) {
		e, rec, _ := newEngine(t, func(c *Config) { c.SelfTrade = orderbook.SelfTradeCancelResting })
		own := mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 5, alice))
		mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 5, bob))
		rec.Reset()

		res := mustSubmit(t, e, lim("ACME", orderbook.Buy, 100, 5, alice))
		assert.Equal(t, orderbook.Filled, res.Status)
		require.Len(t, res.Trades, 1)
		assert.Equal(t, "bob", res.Trades[0].RestingOwner)

		o, err := e.Order(own.OrderID, alice)
		require.NoError(t, err)
		assert.Equal(t, orderbook.Cancelled, o.Status)
		assert.Equal(t, []events.Type{
			events.OrderAccepted,
			events.OrderStatusChanged, // own resting cancelled
			events.TradeExecuted,
			events.OrderStatusChanged,
			events.OrderStatusChanged,
		}, rec.Types("ACME"))
	})

	t.Run("cancel incoming", func(t *testing.T) {
		e, rec, _ := newEngine(t, func(c *Config) { c.SelfTrade = orderbook.SelfTradeCancelIncoming })
		mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 5, alice))
		rec.Reset()

		res := mustSubmit(t, e, lim("ACME", orderbook.Buy, 101, 5, alice))
		assert.Equal(t, orderbook.Cancelled, res.Status)
		assert.Empty(t, res.Trades)
		evs := rec.Events()
		assert.Equal(t, "self-trade prevented", evs[len(evs)-1].Reason)

		snap, _ := e.Depth("ACME", 0)
		assert.Empty(t, snap.Bids)
		assert.Len(t, snap.Asks, 1)
	})
}

func TestOrderQueries(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	a1 := mustSubmit(t, e, lim("ACME", orderbook.Buy, 90, 1, alice))
	mustSubmit(t, e, lim("ZETA", orderbook.Buy, 90, 10, alice))
	a3 := mustSubmit(t, e, lim("ACME", orderbook.Buy, 91, 1, alice))
	mustSubmit(t, e, lim("ACME", orderbook.Sell, 200, 1, bob))
	_, err := e.Cancel(context.Background(), a1.OrderID, alice)
	require.NoError(t, err)

	o, err := e.Order(a3.OrderID, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(91), o.Price)
	_, err = e.Order(a3.OrderID, bob)
	assert.True(t, IsPermission(err))
	_, err = e.Order(a3.OrderID, admin)
	assert.NoError(t, err)
	_, err = e.Order("nope", alice)
	assert.True(t, IsNotFound(err))

	all := e.Orders(alice, OrderFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, a3.OrderID, all[0].ID, "newest first")
	assert.Equal(t, a1.OrderID, all[2].ID)

	acme := e.Orders(alice, OrderFilter{Instrument: "acme"})
	assert.Len(t, acme, 2)

	cancelled := orderbook.Cancelled
	only := e.Orders(alice, OrderFilter{Status: &cancelled})
	require.Len(t, only, 1)
	assert.Equal(t, a1.OrderID, only[0].ID)

	assert.Len(t, e.Orders(alice, OrderFilter{Limit: 1}), 1)
	assert.Empty(t, e.Orders(Identity{TraderID: "nobody"}, OrderFilter{}))
}

func TestDepth_UnknownAndUntouched(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	_, err := e.Depth("NOPE", 5)
	assert.ErrorIs(t, err, ErrUnknownInstrument)
	assert.False(t, IsValidation(err))
	_, _, err = e.BestAsk("NOPE")
	assert.ErrorIs(t, err, ErrUnknownInstrument)

	snap, err := e.Depth("ZETA", 5)
	require.NoError(t, err)
	assert.Equal(t, "ZETA", snap.Instrument)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)

	_, ok, err := e.BestBid("ZETA")
	require.NoError(t, err)
	assert.False(t, ok)
}

// recorded answers order lookups from the latest recorded event of each
// order.
type recorded struct{ rec *events.Recorder }

func (h recorded) LoadOrder(id string) (orderbook.Order, bool, error) {
	evs := h.rec.Events()
	for i := len(evs) - 1; i >= 0; i-- {
		if o := evs[i].Order; o != nil && o.ID == id {
			return *o, true, nil
		}
	}
	return orderbook.Order{}, false, nil
}

func TestTerminalOrdersAreEvicted(t *testing.T) {
	rec := &events.Recorder{}
	cfg := DefaultConfig()
	cfg.Clock = &fixedClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg.RetainTerminal = 4
	cfg.History = recorded{rec}
	e := New(cfg, newCatalog(t), rec, nil)
	t.Cleanup(e.Close)
	ctx := context.Background()

	first := mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 1, bob))
	mustSubmit(t, e, lim("ACME", orderbook.Buy, 100, 1, alice))
	for i := 0; i < 500; i++ {
		mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 1, bob))
		mustSubmit(t, e, lim("ACME", orderbook.Buy, 100, 1, alice))
	}
	assert.False(t, e.HasActiveOrders("ACME"))

	m, _ := e.existing("ACME")
	m.mu.RLock()
	assert.Len(t, m.orders, 4)
	owned := 0
	for _, set := range m.byOwner {
		owned += len(set)
	}
	assert.Equal(t, 4, owned)
	assert.Equal(t, 4, m.retired.Len())
	m.mu.RUnlock()
	e.idxMu.RLock()
	assert.Len(t, e.index, 4)
	e.idxMu.RUnlock()
	assert.Len(t, e.Orders(alice, OrderFilter{}), 2)

	// Evicted orders are still answered.
	o, err := e.Order(first.OrderID, bob)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Filled, o.Status)
	_, err = e.Order(first.OrderID, alice)
	assert.True(t, IsPermission(err))

	res, err := e.Cancel(ctx, first.OrderID, bob)
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, orderbook.Filled, serr.Status)
	assert.Equal(t, first.OrderID, res.OrderID)
	_, err = e.Cancel(ctx, first.OrderID, alice)
	assert.True(t, IsPermission(err))
	_, err = e.Cancel(ctx, "never-seen", bob)
	assert.True(t, IsNotFound(err))

	// Resting orders are never evicted, however much terminal traffic follows.
	resting := mustSubmit(t, e, lim("ACME", orderbook.Buy, 90, 1, alice))
	for i := 0; i < 20; i++ {
		mustSubmit(t, e, lim("ACME", orderbook.Sell, 100, 1, bob))
		mustSubmit(t, e, lim("ACME", orderbook.Buy, 100, 1, alice))
	}
	out, err := e.Cancel(ctx, resting.OrderID, alice)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancelled, out.Status)
}

func TestQueuedSubmitRefusedAfterDelisting(t *testing.T) {
	e, rec, cat := newEngine(t, nil)
	m, err := e.market("ACME")
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	go func() {
		_ = m.do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Validated while ACME is still listed, then queued behind the worker.
	submitted := make(chan error, 1)
	go func() {
		_, err := e.Submit(context.Background(), lim("ACME", orderbook.Buy, 100, 1, alice))
		submitted <- err
	}()
	require.Eventually(t, func() bool { return len(m.mailbox) == 1 }, time.Second, time.Millisecond)

	removed := make(chan error, 1)
	go func() { removed <- cat.Remove("ACME", e.HasActiveOrders) }()
	require.Eventually(t, func() bool {
		in, ok := cat.Instrument("ACME")
		return ok && !in.Tradable
	}, time.Second, time.Millisecond)

	close(release)
	err = <-submitted
	require.True(t, IsValidation(err), "err=%v", err)
	require.NoError(t, <-removed)

	assert.False(t, e.HasActiveOrders("ACME"))
	_, ok := cat.Instrument("ACME")
	assert.False(t, ok)
	assert.Equal(t, []events.Type{events.OrderRejected}, rec.Types("ACME"))
}

func TestRestore(t *testing.T) {
	e, rec, _ := newEngine(t, nil)
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	orders := []orderbook.Order{
		{ID: "b2", Instrument: "ACME", Side: orderbook.Buy, Type: orderbook.Limit, Price: 99, Quantity: 5, Remaining: 5, Owner: "alice", Sequence: 7, Status: orderbook.Open, CreatedAt: at},
		{ID: "b1", Instrument: "ACME", Side: orderbook.Buy, Type: orderbook.Limit, Price: 99, Quantity: 5, Remaining: 2, Owner: "bob", Sequence: 3, Status: orderbook.PartiallyFilled, CreatedAt: at},
		{ID: "s1", Instrument: "ACME", Side: orderbook.Sell, Type: orderbook.Limit, Price: 101, Quantity: 4, Remaining: 4, Owner: "carol", Sequence: 5, Status: orderbook.Open, CreatedAt: at},
	}
	snap := Snapshot{Orders: orders, Sequence: 9, TradeSequence: 4, LastPrice: 100}
	require.NoError(t, e.Restore(context.Background(), "ACME", snap))
	assert.Empty(t, rec.Events())
	assert.ErrorIs(t, e.Restore(context.Background(), "ACME", snap), ErrBookNotEmpty)

	depth, err := e.Depth("ACME", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), depth.LastPrice)
	assert.Equal(t, uint64(4), depth.TradeSequence)

	res := mustSubmit(t, e, mkt("ACME", orderbook.Sell, 3, Identity{TraderID: "dave"}))
	assert.Equal(t, uint64(10), res.Sequence)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, uint64(5), res.Trades[0].Sequence)
	assert.Equal(t, "b1", res.Trades[0].RestingOrderID, "restored time priority")
	assert.Equal(t, int64(2), res.Trades[0].Quantity)
	assert.Equal(t, "b2", res.Trades[1].RestingOrderID)

	_, err = e.Cancel(context.Background(), "s1", Identity{TraderID: "carol"})
	require.NoError(t, err)
}

func TestRestore_RejectsCrossedSet(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	orders := []orderbook.Order{
		{ID: "b1", Instrument: "ACME", Side: orderbook.Buy, Type: orderbook.Limit, Price: 101, Quantity: 1, Remaining: 1, Owner: "a", Sequence: 1, Status: orderbook.Open},
		{ID: "s1", Instrument: "ACME", Side: orderbook.Sell, Type: orderbook.Limit, Price: 100, Quantity: 1, Remaining: 1, Owner: "b", Sequence: 2, Status: orderbook.Open},
	}
	assert.Error(t, e.Restore(context.Background(), "ACME", Snapshot{Orders: orders}))
	assert.False(t, e.HasActiveOrders("ACME"))
	assert.ErrorIs(t, e.Restore(context.Background(), "NOPE", Snapshot{}), ErrUnknownInstrument)
}

func TestConcurrentSubmitKeepsBooksConsistent(t *testing.T) {
	e, rec, _ := newEngine(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			who := Identity{TraderID: fmt.Sprintf("t%d", w)}
			for i := 0; i < 200; i++ {
				sym := "ACME"
				if i%2 == 1 {
					sym = "ZETA"
				}
				side := orderbook.Buy
				if (i+w)%2 == 0 {
					side = orderbook.Sell
				}
				price := int64(95 + (i*7+w)%11)
				qty := int64(1 + i%4)
				if sym == "ZETA" {
					price *= 5
					qty *= 10
				}
				res, err := e.Submit(ctx, lim(sym, side, price, qty, who))
				if err != nil {
					t.Errorf("submit: %v", err)
					return
				}
				if i%5 == 0 && res.Status.Active() {
					if _, err := e.Cancel(ctx, res.OrderID, who); err != nil && !IsInvalidState(err) {
						t.Errorf("cancel: %v", err)
						return
					}
				}
				if _, err := e.Depth(sym, 3); err != nil {
					t.Errorf("depth: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for _, sym := range []string{"ACME", "ZETA"} {
		m, ok := e.existing(sym)
		require.True(t, ok)
		m.mu.RLock()
		require.NoError(t, m.book.CheckInvariants())
		assert.Equal(t, uint64(800), m.seq)
		m.mu.RUnlock()
	}

	// Per instrument, events are gap-free and trades conserve quantity.
	filled := map[string]int64{}
	last := map[string]uint64{}
	for _, ev := range rec.Events() {
		assert.Equal(t, last[ev.Instrument]+1, ev.Sequence)
		last[ev.Instrument] = ev.Sequence
		if ev.Type == events.TradeExecuted {
			filled[ev.Trade.RestingOrderID] += ev.Trade.Quantity
			filled[ev.Trade.IncomingOrderID] += ev.Trade.Quantity
		}
	}
	for id, qty := range filled {
		sym, _ := e.lookup(id)
		o, err := e.Order(id, admin)
		require.NoError(t, err, sym)
		assert.Equal(t, o.Quantity-o.Remaining, qty, id)
	}
}

func TestCallerCancellationDoesNotAbortMatch(t *testing.T) {
	e, rec, _ := newEngine(t, nil)
	m, err := e.market("ACME")
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	go func() {
		_ = m.do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Submit(ctx, lim("ACME", orderbook.Buy, 100, 1, alice))
		done <- err
	}()
	// Let the submit reach the mailbox, then abandon it.
	require.Eventually(t, func() bool { return len(m.mailbox) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return e.HasActiveOrders("ACME") }, time.Second, time.Millisecond)
	assert.Contains(t, rec.Types("ACME"), events.OrderAccepted)
}

func TestPanicHaltsMarket(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	mustSubmit(t, e, lim("ACME", orderbook.Buy, 100, 1, alice))
	m, _ := e.existing("ACME")

	err := m.do(context.Background(), func() error { panic("boom") })
	assert.True(t, IsInvariant(err))

	_, err = e.Submit(context.Background(), lim("ACME", orderbook.Buy, 100, 1, alice))
	assert.True(t, IsInvariant(err))
	assert.ErrorIs(t, err, ErrMarketHalted)

	// Reads still work on a halted market, other instruments keep trading.
	snap, err := e.Depth("ACME", 0)
	require.NoError(t, err)
	assert.Len(t, snap.Bids, 1)
	mustSubmit(t, e, lim("ZETA", orderbook.Buy, 100, 10, alice))
}

func TestClose(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	mustSubmit(t, e, lim("ACME", orderbook.Buy, 100, 1, alice))
	e.Close()
	e.Close()

	_, err := e.Submit(context.Background(), lim("ACME", orderbook.Buy, 100, 1, alice))
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.Submit(context.Background(), lim("ZETA", orderbook.Buy, 100, 10, alice))
	assert.ErrorIs(t, err, ErrEngineClosed)

	// Reads survive shutdown.
	snap, err := e.Depth("ACME", 0)
	require.NoError(t, err)
	assert.Len(t, snap.Bids, 1)
}
