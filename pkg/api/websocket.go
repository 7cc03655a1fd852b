package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/exchange/pkg/app/core/engine"
	"github.com/uhyunpark/exchange/pkg/app/core/events"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled by the HTTP server
		return true
	},
}

// DepthSource is read by the hub when it refreshes book channels.
type DepthSource interface {
	Depth(symbol string, maxLevels int) (engine.BookSnapshot, error)
}

// Hub maintains WebSocket clients and fans engine events out to them.
//
// Hub is an events.Sink. Publish runs on the engine's market worker, so it
// only queues: trades are pushed immediately and touched books are marked
// dirty; the Run loop reads depth for dirty books on its own goroutine.
type Hub struct {
	log      *zap.SugaredLogger
	depth    int
	interval time.Duration

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

func NewHub(depth int, interval time.Duration, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Hub{
		log:        logger.Sugar().Named("ws"),
		depth:      depth,
		interval:   interval,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		dirty:      make(map[string]struct{}),
	}
}

// Run serves client registration and periodic book pushes until ctx ends.
// It must be called once.
func (h *Hub) Run(ctx context.Context, src DepthSource) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("client_connected", "client", c.id, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Infow("client_disconnected", "client", c.id, "total", len(h.clients))
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.flushBooks(src)
		}
	}
}

func (h *Hub) Publish(evs []events.Event) {
	for _, ev := range evs {
		switch ev.Type {
		case events.TradeExecuted:
			if ev.Trade != nil {
				h.BroadcastToChannel("trades:"+ev.Instrument, TradeUpdate{Type: "trade", Trade: *ev.Trade})
			}
			h.markDirty(ev.Instrument)
		case events.OrderAccepted, events.OrderStatusChanged:
			h.markDirty(ev.Instrument)
		}
	}
}

func (h *Hub) markDirty(symbol string) {
	if symbol == "" {
		return
	}
	h.dirtyMu.Lock()
	h.dirty[symbol] = struct{}{}
	h.dirtyMu.Unlock()
}

func (h *Hub) flushBooks(src DepthSource) {
	h.dirtyMu.Lock()
	if len(h.dirty) == 0 {
		h.dirtyMu.Unlock()
		return
	}
	symbols := make([]string, 0, len(h.dirty))
	for s := range h.dirty {
		symbols = append(symbols, s)
	}
	h.dirty = make(map[string]struct{})
	h.dirtyMu.Unlock()

	for _, s := range symbols {
		snap, err := src.Depth(s, h.depth)
		if err != nil {
			h.log.Warnw("depth_failed", "instrument", s, "err", err)
			continue
		}
		h.BroadcastToChannel("book:"+s, BookUpdate{
			Type:          "book",
			Symbol:        s,
			Bids:          snap.Bids,
			Asks:          snap.Asks,
			LastPrice:     snap.LastPrice,
			TradeSequence: snap.TradeSequence,
			Timestamp:     time.Now().UnixMilli(),
		})
	}
}

// BroadcastToChannel sends a message to all clients subscribed to a channel.
// Clients whose buffer is full miss the message.
func (h *Hub) BroadcastToChannel(channel string, data any) {
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Errorw("marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.IsSubscribed(channel) {
			continue
		}
		select {
		case c.send <- message:
		default:
			h.log.Debugw("client_lagging", "client", c.id, "channel", channel)
		}
	}
}

func (h *Hub) subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.IsSubscribed(channel) {
			n++
		}
	}
	return n
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
}

func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
}

// validChannel accepts "book:<symbol>" and "trades:<symbol>".
func validChannel(ch string) bool {
	kind, symbol, ok := strings.Cut(ch, ":")
	return ok && symbol != "" && (kind == "book" || kind == "trades")
}

// readPump handles subscription requests until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debugw("invalid_message", "client", c.id, "err", err)
			continue
		}
		for _, ch := range req.Channels {
			if !validChannel(ch) {
				continue
			}
			switch req.Op {
			case "subscribe":
				c.Subscribe(ch)
			case "unsubscribe":
				c.Unsubscribe(ch)
			}
		}
	}
}

// writePump drains the send buffer and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	c := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

var _ events.Sink = (*Hub)(nil)
