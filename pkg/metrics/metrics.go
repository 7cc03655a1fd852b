// Package metrics exposes engine activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/exchange/pkg/app/core/events"
)

const namespace = "exchange"

// Collector counts engine events per instrument and records operation
// latency. It is an events.Sink.
type Collector struct {
	reg *prometheus.Registry

	ordersAccepted *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	orderFinal     *prometheus.CounterVec
	trades         *prometheus.CounterVec
	volume         *prometheus.CounterVec
	lastPrice      *prometheus.GaugeVec
	latency        *prometheus.HistogramVec
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		ordersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_accepted_total", Help: "Orders accepted by instrument and type",
		}, []string{"instrument", "type"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_rejected_total", Help: "Orders rejected by instrument",
		}, []string{"instrument"}),
		orderFinal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_status_changes_total", Help: "Order status changes by instrument and new status",
		}, []string{"instrument", "status"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total", Help: "Trades executed by instrument",
		}, []string{"instrument"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "traded_lots_total", Help: "Executed quantity in lots by instrument",
		}, []string{"instrument"}),
		lastPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_trade_price_ticks", Help: "Price of the latest trade in ticks",
		}, []string{"instrument"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "operation_latency_seconds", Help: "Engine operation latency by operation and outcome",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"operation", "outcome"}),
	}
	c.reg.MustRegister(
		c.ordersAccepted, c.ordersRejected, c.orderFinal,
		c.trades, c.volume, c.lastPrice, c.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) Publish(evs []events.Event) {
	for _, ev := range evs {
		switch ev.Type {
		case events.OrderAccepted:
			typ := "unknown"
			if ev.Order != nil {
				typ = ev.Order.Type.String()
			}
			c.ordersAccepted.WithLabelValues(ev.Instrument, typ).Inc()
		case events.OrderRejected:
			c.ordersRejected.WithLabelValues(ev.Instrument).Inc()
		case events.OrderStatusChanged:
			if ev.Order != nil {
				c.orderFinal.WithLabelValues(ev.Instrument, ev.Order.Status.String()).Inc()
			}
		case events.TradeExecuted:
			if ev.Trade == nil {
				continue
			}
			c.trades.WithLabelValues(ev.Instrument).Inc()
			c.volume.WithLabelValues(ev.Instrument).Add(float64(ev.Trade.Quantity))
			c.lastPrice.WithLabelValues(ev.Instrument).Set(float64(ev.Trade.Price))
		}
	}
}

// ObserveLatency records how long an operation took since start.
func (c *Collector) ObserveLatency(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.latency.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}

var _ events.Sink = (*Collector)(nil)
