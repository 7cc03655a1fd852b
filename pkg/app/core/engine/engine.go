// Package engine owns one order book per instrument and routes submit and
// cancel commands to them. Mutations on one instrument are strictly
// serialized; different instruments run independently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/exchange/pkg/app/core/events"
	"github.com/uhyunpark/exchange/pkg/app/core/instrument"
	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
	"github.com/uhyunpark/exchange/pkg/util"
)

// Catalog supplies read-only instrument metadata.
type Catalog interface {
	Instrument(symbol string) (instrument.Instrument, bool)
}

// Identity is the caller as established by the identity collaborator.
// The engine trusts it as given.
type Identity struct {
	TraderID string
	Admin    bool
}

// OrderHistory answers lookups for orders no longer held in memory.
type OrderHistory interface {
	LoadOrder(orderID string) (orderbook.Order, bool, error)
}

type Config struct {
	SelfTrade       orderbook.SelfTradePolicy
	MarketLiquidity orderbook.MarketPolicy
	MailboxSize     int
	// RetainTerminal is how many filled or cancelled orders each instrument
	// keeps in memory. Older ones are answered from History.
	RetainTerminal int
	Clock          util.Clock
	// History is optional.
	History OrderHistory
}

func DefaultConfig() Config {
	return Config{
		SelfTrade:       orderbook.SelfTradeAllow,
		MarketLiquidity: orderbook.MarketCancelRemainder,
		MailboxSize:     1024,
		RetainTerminal:  10000,
		Clock:           util.RealClock{},
	}
}

type NewOrderRequest struct {
	Instrument string
	Side       orderbook.Side
	Type       orderbook.OrderType
	Price      int64 // ticks; zero for market orders
	Quantity   int64 // lots
	Owner      Identity
}

type SubmitResult struct {
	OrderID            string
	Sequence           uint64
	Status             orderbook.Status
	Remaining          int64
	Filled             int64
	Trades             []orderbook.Trade
	LiquidityExhausted bool
}

type CancelResult struct {
	OrderID   string
	Status    orderbook.Status
	Remaining int64
}

type BookSnapshot struct {
	Instrument    string                `json:"instrument"`
	Bids          []orderbook.LevelView `json:"bids"`
	Asks          []orderbook.LevelView `json:"asks"`
	LastPrice     int64                 `json:"lastPrice"`
	TradeSequence uint64                `json:"tradeSequence"`
}

type Engine struct {
	cfg     Config
	policy  orderbook.Policy
	catalog Catalog
	sink    events.Sink
	history OrderHistory
	log     *zap.SugaredLogger

	mu      sync.RWMutex
	markets map[string]*market
	closed  bool

	idxMu sync.RWMutex
	index map[string]string // order id -> instrument
}

func New(cfg Config, catalog Catalog, sink events.Sink, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if cfg.RetainTerminal <= 0 {
		cfg.RetainTerminal = def.RetainTerminal
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		policy:  orderbook.Policy{SelfTrade: cfg.SelfTrade, Market: cfg.MarketLiquidity},
		catalog: catalog,
		sink:    sink,
		history: cfg.History,
		log:     logger.Sugar().Named("engine"),
		markets: make(map[string]*market),
		index:   make(map[string]string),
	}
}

// market returns the serialization unit for symbol, creating it on first
// use.
func (e *Engine) market(symbol string) (*market, error) {
	e.mu.RLock()
	m, ok := e.markets[symbol]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEngineClosed
	}
	if ok {
		return m, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if m, ok = e.markets[symbol]; !ok {
		m = newMarket(symbol, e.cfg.MailboxSize, e.cfg.RetainTerminal, e.sink, e.log)
		e.markets[symbol] = m
		e.log.Infow("market_opened", "instrument", symbol)
	}
	return m, nil
}

// existing returns a market only if one was opened.
func (e *Engine) existing(symbol string) (*market, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[symbol]
	return m, ok
}

func (e *Engine) indexOrder(id, symbol string) {
	e.idxMu.Lock()
	e.index[id] = symbol
	e.idxMu.Unlock()
}

func (e *Engine) unindex(ids []string) {
	if len(ids) == 0 {
		return
	}
	e.idxMu.Lock()
	for _, id := range ids {
		delete(e.index, id)
	}
	e.idxMu.Unlock()
}

func (e *Engine) lookup(id string) (string, bool) {
	e.idxMu.RLock()
	defer e.idxMu.RUnlock()
	s, ok := e.index[id]
	return s, ok
}

func (e *Engine) validate(req NewOrderRequest) (instrument.Instrument, error) {
	in, ok := e.catalog.Instrument(req.Instrument)
	switch {
	case !ok:
		return in, &ValidationError{Field: "instrument", Reason: "unknown instrument " + req.Instrument, Err: ErrUnknownInstrument}
	case !in.Tradable:
		return in, &ValidationError{Field: "instrument", Reason: in.Symbol + " is not tradable", Err: ErrNotTradable}
	case !req.Side.Valid():
		return in, &ValidationError{Field: "side", Reason: "must be buy or sell"}
	case !req.Type.Valid():
		return in, &ValidationError{Field: "type", Reason: "must be limit or market"}
	case req.Owner.TraderID == "":
		return in, &ValidationError{Field: "owner", Reason: "missing trader"}
	}
	if err := in.ValidateQuantity(req.Quantity); err != nil {
		return in, &ValidationError{Field: "quantity", Reason: err.Error()}
	}
	if req.Type == orderbook.Market {
		if req.Price != 0 {
			return in, &ValidationError{Field: "price", Reason: "market orders carry no price"}
		}
		return in, nil
	}
	if err := in.ValidatePrice(req.Price); err != nil {
		return in, &ValidationError{Field: "price", Reason: err.Error()}
	}
	return in, nil
}

// Submit validates, accepts and matches a new order. A rejected order
// returns Status=Rejected together with a *ValidationError.
func (e *Engine) Submit(ctx context.Context, req NewOrderRequest) (SubmitResult, error) {
	req.Instrument = instrument.NormalizeSymbol(req.Instrument)
	in, err := e.validate(req)
	if err != nil {
		e.reject(req, err)
		return SubmitResult{Status: orderbook.Rejected}, err
	}
	m, err := e.market(in.Symbol)
	if err != nil {
		return SubmitResult{}, err
	}

	var res SubmitResult
	err = m.do(ctx, func() error {
		var cmdErr error
		res, cmdErr = e.submit(m, req)
		return cmdErr
	})
	return res, err
}

// submit runs under the market's exclusion.
func (e *Engine) submit(m *market, req NewOrderRequest) (SubmitResult, error) {
	now := e.cfg.Clock.Now()
	o := &orderbook.Order{
		ID:         uuid.NewString(),
		Instrument: m.symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Remaining:  req.Quantity,
		Owner:      req.Owner.TraderID,
		Sequence:   m.seq + 1,
		Status:     orderbook.Open,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	accepted := *o

	// The catalog may have changed while the request was queued.
	in, ok := e.catalog.Instrument(m.symbol)
	switch {
	case !ok:
		return e.rejectQueued(m, o, &ValidationError{Field: "instrument", Reason: m.symbol + " was delisted", Err: ErrUnknownInstrument}, now)
	case !in.Tradable:
		return e.rejectQueued(m, o, &ValidationError{Field: "instrument", Reason: m.symbol + " is not tradable", Err: ErrNotTradable}, now)
	}

	match, err := m.book.Match(o, e.policy, now)
	if errors.Is(err, orderbook.ErrInsufficientLiquidity) {
		return e.rejectQueued(m, o, &ValidationError{Field: "quantity", Reason: "insufficient liquidity for market order", Err: err}, now)
	}
	if err != nil {
		v := invariantFrom(m.symbol, err)
		e.log.Errorw("invariant_violation", "instrument", m.symbol, "order_id", o.ID, "detail", v.Detail, "committed", v.Committed)
		if v.Committed {
			m.halt(v)
		}
		return SubmitResult{Status: orderbook.Rejected}, v
	}

	m.record(o)
	e.indexOrder(o.ID, m.symbol)

	evs := make([]events.Event, 0, 2+2*len(match.Fills))
	evs = append(evs, orderEvent(events.OrderAccepted, accepted))
	for _, f := range match.Fills {
		if f.Trade != nil {
			evs = append(evs, events.Event{Type: events.TradeExecuted, Time: f.Trade.ExecutedAt, Trade: f.Trade})
		}
		evs = append(evs, orderEvent(events.OrderStatusChanged, f.Resting))
	}
	final := orderEvent(events.OrderStatusChanged, *o)
	switch {
	case match.LiquidityExhausted:
		final.Reason = "insufficient liquidity"
	case match.SelfTradeCancelled:
		final.Reason = "self-trade prevented"
	}
	evs = append(evs, final)
	m.emit(evs)

	var evicted []string
	for _, f := range match.Fills {
		if f.Resting.Status.Terminal() {
			evicted = append(evicted, m.retire(f.Resting.ID)...)
		}
	}
	if o.Status.Terminal() {
		evicted = append(evicted, m.retire(o.ID)...)
	}
	e.unindex(evicted)

	trades := match.Trades()
	if len(trades) > 0 {
		e.log.Debugw("order_matched", "instrument", m.symbol, "order_id", o.ID, "trades", len(trades), "status", o.Status.String())
	}
	return SubmitResult{
		OrderID:            o.ID,
		Sequence:           o.Sequence,
		Status:             o.Status,
		Remaining:          o.Remaining,
		Filled:             o.Filled(),
		Trades:             trades,
		LiquidityExhausted: match.LiquidityExhausted,
	}, nil
}

// rejectQueued refuses an order that reached the market. It keeps its id
// but does not consume a sequence number. Callers hold the market's mu.
func (e *Engine) rejectQueued(m *market, o *orderbook.Order, verr *ValidationError, now time.Time) (SubmitResult, error) {
	o.Sequence = 0
	o.Status = orderbook.Rejected
	m.emit([]events.Event{{Type: events.OrderRejected, Time: now, Order: o, Reason: verr.Error()}})
	return SubmitResult{OrderID: o.ID, Status: orderbook.Rejected, Remaining: o.Remaining}, verr
}

func (e *Engine) reject(req NewOrderRequest, cause error) {
	now := e.cfg.Clock.Now()
	o := orderbook.Order{
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Remaining:  req.Quantity,
		Owner:      req.Owner.TraderID,
		Status:     orderbook.Rejected,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.log.Infow("order_rejected", "instrument", req.Instrument, "owner", req.Owner.TraderID, "reason", cause.Error())
	// Pre-dispatch rejections belong to no instrument stream and carry no
	// sequence.
	e.sink.Publish([]events.Event{{Type: events.OrderRejected, Instrument: req.Instrument, Time: now, Order: &o, Reason: cause.Error()}})
}

// Cancel removes a resting order. Unknown ids yield *NotFoundError,
// foreign orders *PermissionError and terminal orders *InvalidStateError.
// Orders no longer held in memory are checked against History.
func (e *Engine) Cancel(ctx context.Context, orderID string, requester Identity) (CancelResult, error) {
	symbol, ok := e.lookup(orderID)
	if !ok {
		return e.cancelRetired(orderID, requester)
	}
	m, err := e.market(symbol)
	if err != nil {
		return CancelResult{}, err
	}

	var res CancelResult
	err = m.do(ctx, func() error {
		o, ok := m.orders[orderID]
		if !ok {
			return &NotFoundError{OrderID: orderID}
		}
		if o.Owner != requester.TraderID && !requester.Admin {
			return &PermissionError{OrderID: orderID, TraderID: requester.TraderID}
		}
		res = CancelResult{OrderID: o.ID, Status: o.Status, Remaining: o.Remaining}
		if o.Status.Terminal() {
			return &InvalidStateError{OrderID: orderID, Status: o.Status}
		}
		if _, err := m.book.Cancel(orderID, e.cfg.Clock.Now()); err != nil {
			v := invariantFrom(m.symbol, err)
			v.OrderID = orderID
			v.Detail = "active order missing from book: " + v.Detail
			e.log.Errorw("invariant_violation", "instrument", m.symbol, "order_id", orderID, "detail", v.Detail)
			m.halt(v)
			return v
		}
		res = CancelResult{OrderID: o.ID, Status: o.Status, Remaining: o.Remaining}
		m.emit([]events.Event{orderEvent(events.OrderStatusChanged, *o)})
		e.unindex(m.retire(o.ID))
		return nil
	})
	if IsNotFound(err) {
		// Evicted between the index lookup and the market.
		return e.cancelRetired(orderID, requester)
	}
	return res, err
}

// cancelRetired answers a cancel for an order the engine no longer holds.
// Only terminal orders are evicted, so a known order is always refused.
func (e *Engine) cancelRetired(orderID string, requester Identity) (CancelResult, error) {
	o, err := e.retired(orderID, requester)
	if err != nil {
		return CancelResult{}, err
	}
	if !o.Status.Terminal() {
		return CancelResult{}, &NotFoundError{OrderID: orderID}
	}
	return CancelResult{OrderID: o.ID, Status: o.Status, Remaining: o.Remaining},
		&InvalidStateError{OrderID: orderID, Status: o.Status}
}

// retired loads an evicted order from History and checks the requester may
// see it.
func (e *Engine) retired(orderID string, requester Identity) (orderbook.Order, error) {
	if e.history == nil {
		return orderbook.Order{}, &NotFoundError{OrderID: orderID}
	}
	o, found, err := e.history.LoadOrder(orderID)
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if !found {
		return orderbook.Order{}, &NotFoundError{OrderID: orderID}
	}
	if o.Owner != requester.TraderID && !requester.Admin {
		return orderbook.Order{}, &PermissionError{OrderID: orderID, TraderID: requester.TraderID}
	}
	return o, nil
}

// Snapshot is the persisted state an instrument resumes from: its resting
// orders and the high-water marks of its order and trade sequences.
type Snapshot struct {
	Orders        []orderbook.Order
	Sequence      uint64
	TradeSequence uint64
	LastPrice     int64
}

// Restore seeds an instrument's empty book with previously accepted
// resting orders, in sequence order, and resumes numbering after the
// snapshot's marks. No events are emitted.
func (e *Engine) Restore(ctx context.Context, symbol string, snap Snapshot) error {
	symbol = instrument.NormalizeSymbol(symbol)
	if _, ok := e.catalog.Instrument(symbol); !ok {
		return ErrUnknownInstrument
	}
	m, err := e.market(symbol)
	if err != nil {
		return err
	}
	sorted := make([]*orderbook.Order, len(snap.Orders))
	for i := range snap.Orders {
		o := snap.Orders[i]
		sorted[i] = &o
	}
	sortBySequence(sorted)

	return m.do(ctx, func() error {
		if len(m.orders) > 0 || !m.book.Empty() {
			return ErrBookNotEmpty
		}
		// Dry run on a scratch book so a bad set leaves nothing behind.
		trial := orderbook.NewOrderBook(symbol)
		for _, o := range sorted {
			if o.Instrument != symbol || !o.Status.Active() || o.Remaining <= 0 || o.Remaining > o.Quantity {
				return &ValidationError{Field: "order", Reason: "order " + o.ID + " cannot rest in " + symbol}
			}
			cp := *o
			if err := trial.Rest(&cp); err != nil {
				return &ValidationError{Field: "order", Reason: err.Error()}
			}
		}
		for _, o := range sorted {
			if err := m.book.Rest(o); err != nil {
				return invariantFrom(symbol, err)
			}
			m.record(o)
			e.indexOrder(o.ID, symbol)
		}
		if snap.Sequence > m.seq {
			m.seq = snap.Sequence
		}
		m.book.Resume(snap.TradeSequence, snap.LastPrice)
		e.log.Infow("book_restored", "instrument", symbol, "orders", len(sorted), "sequence", m.seq)
		return nil
	})
}

// Close stops every market after its queued commands have run.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	markets := make([]*market, 0, len(e.markets))
	for _, m := range e.markets {
		markets = append(markets, m)
	}
	e.mu.Unlock()

	for _, m := range markets {
		m.close()
	}
	e.log.Infow("engine_closed", "markets", len(markets))
}
