package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/exchange/pkg/app/core/events"
	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	block  chan struct{}
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func sampleEvents() []events.Event {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := &orderbook.Order{ID: "o1", Instrument: "ACME", Side: orderbook.Buy, Type: orderbook.Limit, Price: 100, Quantity: 1, Remaining: 1, Status: orderbook.Open}
	tr := &orderbook.Trade{ID: "t1", Instrument: "ACME", Sequence: 1, Price: 100, Quantity: 1, AggressorSide: orderbook.Buy}
	return []events.Event{
		{Type: events.OrderAccepted, Instrument: "ACME", Sequence: 1, Time: at, Order: o},
		{Type: events.TradeExecuted, Instrument: "ACME", Sequence: 2, Time: at, Trade: tr},
	}
}

func TestKafkaSink_WritesKeyedMessages(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSink(w, 4, nil)
	s.Publish(sampleEvents())
	require.NoError(t, s.Close())

	msgs := w.written()
	require.Len(t, msgs, 2)
	assert.Equal(t, "ACME", string(msgs[0].Key))
	assert.Equal(t, "order_accepted", string(msgs[0].Headers[0].Value))

	var ev events.Event
	require.NoError(t, json.Unmarshal(msgs[1].Value, &ev))
	assert.Equal(t, events.TradeExecuted, ev.Type)
	assert.Equal(t, uint64(2), ev.Sequence)
	require.NotNil(t, ev.Trade)
	assert.Equal(t, orderbook.Buy, ev.Trade.AggressorSide)
	assert.True(t, w.closed)
}

func TestKafkaSink_DropsWhenFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	s := NewKafkaSink(w, 1, nil)

	// The first batch is taken by the writer and blocks there, the second
	// fills the buffer, the third is dropped without blocking.
	s.Publish(sampleEvents())
	require.Eventually(t, func() bool { return len(s.queue) == 0 }, time.Second, time.Millisecond)
	s.Publish(sampleEvents())
	s.Publish(sampleEvents())
	assert.Equal(t, uint64(2), s.Dropped())

	close(w.block)
	require.NoError(t, s.Close())
	assert.Len(t, w.written(), 4)

	s.Publish(sampleEvents())
	assert.Equal(t, uint64(4), s.Dropped())
	require.NoError(t, s.Close())
}

func TestKafkaSink_CountsWriteFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	s := NewKafkaSink(w, 4, nil)
	s.Publish(sampleEvents())
	require.NoError(t, s.Close())
	assert.Equal(t, uint64(2), s.Failed())
}
