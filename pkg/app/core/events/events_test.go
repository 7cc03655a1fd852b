package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiSink_PublishesInOrder(t *testing.T) {
	var calls []string
	first := SinkFunc(func(evs []Event) { calls = append(calls, "first") })
	rec := &Recorder{}
	last := SinkFunc(func(evs []Event) { calls = append(calls, "last") })

	MultiSink{first, rec, NopSink{}, last}.Publish([]Event{
		{Type: OrderAccepted, Instrument: "ACME", Sequence: 1},
		{Type: TradeExecuted, Instrument: "ACME", Sequence: 2},
		{Type: OrderAccepted, Instrument: "ZETA", Sequence: 1},
	})

	assert.Equal(t, []string{"first", "last"}, calls)
	assert.Len(t, rec.Events(), 3)
	assert.Equal(t, []Type{OrderAccepted, TradeExecuted}, rec.Types("ACME"))
	assert.Equal(t, []Type{OrderAccepted, TradeExecuted, OrderAccepted}, rec.Types(""))

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestType_Text(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"order_status_changed","instrument":"ACME","sequence":4}`), &ev))
	assert.Equal(t, OrderStatusChanged, ev.Type)
	assert.Equal(t, uint64(4), ev.Sequence)

	assert.Error(t, json.Unmarshal([]byte(`{"type":"order_amended"}`), &ev))
	assert.False(t, Type("").Valid())
}
