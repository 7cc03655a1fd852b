package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/uhyunpark/exchange/pkg/app/core/engine"
	"github.com/uhyunpark/exchange/pkg/app/core/events"
	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
)

type Options struct {
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
	// Sync makes every published batch durable before Publish returns.
	Sync   bool
	Logger *zap.Logger
}

// PebbleStore persists the engine's event stream and answers the
// historical queries the engine does not keep: order records, executions
// per order, recent trades, and the open-order set used to rebuild books
// after a restart.
type PebbleStore struct {
	db     *pebble.DB
	write  *pebble.WriteOptions
	log    *zap.SugaredLogger
	failed atomic.Uint64

	// marks caches the persisted high-water marks per instrument.
	marksMu sync.Mutex
	marks   map[string]marks
}

type marks struct {
	Sequence      uint64 `json:"sequence"`
	TradeSequence uint64 `json:"tradeSequence"`
	LastPrice     int64  `json:"lastPrice"`
}

func NewPebbleStore(path string, opts Options) (*PebbleStore, error) {
	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(path, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	write := pebble.NoSync
	if opts.Sync {
		write = pebble.Sync
	}
	return &PebbleStore{
		db:    db,
		write: write,
		log:   logger.Sugar().Named("storage"),
		marks: make(map[string]marks),
	}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Failures counts batches that could not be written.
func (s *PebbleStore) Failures() uint64 { return s.failed.Load() }

// Publish implements events.Sink. One engine call becomes one atomic batch.
func (s *PebbleStore) Publish(evs []events.Event) {
	if err := s.apply(evs); err != nil {
		s.failed.Add(1)
		s.log.Errorw("persist_events_failed", "events", len(evs), "error", err)
	}
}

func (s *PebbleStore) apply(evs []events.Event) error {
	b := s.db.NewBatch()
	defer b.Close()

	touched := make(map[string]marks)
	mark := func(instrument string) (marks, error) {
		if m, ok := touched[instrument]; ok {
			return m, nil
		}
		return s.loadMarks(instrument)
	}

	for _, ev := range evs {
		switch ev.Type {
		case events.OrderAccepted, events.OrderStatusChanged, events.OrderRejected:
			if ev.Order == nil || ev.Order.ID == "" {
				continue
			}
			if err := s.putOrder(b, ev.Order); err != nil {
				return err
			}
			m, err := mark(ev.Order.Instrument)
			if err != nil {
				return err
			}
			m.Sequence = max(m.Sequence, ev.Order.Sequence)
			touched[ev.Order.Instrument] = m
		case events.TradeExecuted:
			if ev.Trade == nil {
				continue
			}
			if err := s.putTrade(b, ev.Trade); err != nil {
				return err
			}
			m, err := mark(ev.Trade.Instrument)
			if err != nil {
				return err
			}
			if ev.Trade.Sequence > m.TradeSequence {
				m.TradeSequence = ev.Trade.Sequence
				m.LastPrice = ev.Trade.Price
			}
			touched[ev.Trade.Instrument] = m
		}
	}
	if b.Empty() {
		return nil
	}
	for instrument, m := range touched {
		data, err := encode(m)
		if err != nil {
			return err
		}
		if err := b.Set(markKey(instrument), data, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(s.write); err != nil {
		return err
	}

	s.marksMu.Lock()
	for instrument, m := range touched {
		s.marks[instrument] = m
	}
	s.marksMu.Unlock()
	return nil
}

func (s *PebbleStore) loadMarks(instrument string) (marks, error) {
	s.marksMu.Lock()
	m, ok := s.marks[instrument]
	s.marksMu.Unlock()
	if ok {
		return m, nil
	}

	data, closer, err := s.db.Get(markKey(instrument))
	if errors.Is(err, pebble.ErrNotFound) {
		return marks{}, nil
	}
	if err != nil {
		return marks{}, fmt.Errorf("get marks %s: %w", instrument, err)
	}
	defer closer.Close()
	if err := decode(data, &m); err != nil {
		return marks{}, fmt.Errorf("unmarshal marks %s: %w", instrument, err)
	}
	return m, nil
}

func (s *PebbleStore) putOrder(b *pebble.Batch, o *orderbook.Order) error {
	data, err := encode(o)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", o.ID, err)
	}
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	open := openKey(o.Instrument, o.Sequence, o.ID)
	if o.Status.Active() && o.Type == orderbook.Limit && o.Sequence > 0 {
		return b.Set(open, []byte{}, nil)
	}
	return b.Delete(open, nil)
}

func (s *PebbleStore) putTrade(b *pebble.Batch, t *orderbook.Trade) error {
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("marshal trade %s: %w", t.ID, err)
	}
	if err := b.Set(tradeKey(t.Instrument, t.Sequence), data, nil); err != nil {
		return err
	}
	if err := b.Set(execKey(t.RestingOrderID, t.Sequence), data, nil); err != nil {
		return err
	}
	return b.Set(execKey(t.IncomingOrderID, t.Sequence), data, nil)
}

// LoadOrder returns the latest persisted snapshot of an order.
func (s *PebbleStore) LoadOrder(orderID string) (orderbook.Order, bool, error) {
	data, closer, err := s.db.Get(orderKey(orderID))
	if errors.Is(err, pebble.ErrNotFound) {
		return orderbook.Order{}, false, nil
	}
	if err != nil {
		return orderbook.Order{}, false, fmt.Errorf("get order %s: %w", orderID, err)
	}
	defer closer.Close()

	var o orderbook.Order
	if err := decode(data, &o); err != nil {
		return orderbook.Order{}, false, fmt.Errorf("unmarshal order %s: %w", orderID, err)
	}
	return o, true, nil
}

// LoadOpenOrders returns the resting orders of an instrument in time
// priority.
func (s *PebbleStore) LoadOpenOrders(instrument string) ([]orderbook.Order, error) {
	prefix := openPrefix(instrument)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		// <prefix><20-digit seq>:<id>
		ids = append(ids, string(k[len(prefix)+21:]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	orders := make([]orderbook.Order, 0, len(ids))
	for _, id := range ids {
		o, ok, err := s.LoadOrder(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("open index references missing order %s", id)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// LoadSnapshot returns what an engine needs to resume an instrument.
func (s *PebbleStore) LoadSnapshot(instrument string) (engine.Snapshot, error) {
	orders, err := s.LoadOpenOrders(instrument)
	if err != nil {
		return engine.Snapshot{}, err
	}
	m, err := s.loadMarks(instrument)
	if err != nil {
		return engine.Snapshot{}, err
	}
	return engine.Snapshot{
		Orders:        orders,
		Sequence:      m.Sequence,
		TradeSequence: m.TradeSequence,
		LastPrice:     m.LastPrice,
	}, nil
}

// LoadExecutions returns every trade the order took part in, in trade
// sequence order.
func (s *PebbleStore) LoadExecutions(orderID string) ([]orderbook.Trade, error) {
	return scan[orderbook.Trade](s.db, execPrefix(orderID), false, 0)
}

// LoadRecentTrades returns up to limit trades of an instrument, newest
// first.
func (s *PebbleStore) LoadRecentTrades(instrument string, limit int) ([]orderbook.Trade, error) {
	return scan[orderbook.Trade](s.db, tradePrefix(instrument), true, limit)
}

type ExecutionSummary struct {
	OrderID        string `json:"orderId"`
	Trades         int    `json:"trades"`
	FilledQuantity int64  `json:"filledQuantity"`
	Notional       int64  `json:"notional"`
	// AveragePrice is the volume-weighted price in ticks, rounded down.
	AveragePrice int64 `json:"averagePrice"`
}

func (s *PebbleStore) ExecutionSummary(orderID string) (ExecutionSummary, error) {
	trades, err := s.LoadExecutions(orderID)
	if err != nil {
		return ExecutionSummary{}, err
	}
	sum := ExecutionSummary{OrderID: orderID, Trades: len(trades)}
	for _, t := range trades {
		sum.FilledQuantity += t.Quantity
		sum.Notional += t.Notional()
	}
	if sum.FilledQuantity > 0 {
		sum.AveragePrice = sum.Notional / sum.FilledQuantity
	}
	return sum, nil
}

var _ events.Sink = (*PebbleStore)(nil)
