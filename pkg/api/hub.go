package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/obdex/obdex/pkg/core"
	"github.com/obdex/obdex/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // under pongWait
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced on the REST surface; the ws handshake admits all.
		return true
	},
}

// Hub fans events out to websocket subscribers by topic. Topics are
// "orderbook.<pair>", "trades.<pair>" and "orders.<user>". A subscriber whose
// send buffer is full at delivery time is dropped; the hub never blocks on a
// slow client.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:        log,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.Subscribers.Set(float64(n))
			h.log.Debug("ws client connected", zap.String("client", c.id), zap.Int("total", n))

		case c := <-h.unregister:
			h.drop(c)

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				c.closeSend()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.Subscribers.Set(0)
			return
		}
	}
}

// Stop closes every client and ends the Run loop.
func (h *Hub) Stop() { close(h.done) }

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		c.closeSend()
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.Subscribers.Set(float64(n))
		h.log.Debug("ws client disconnected", zap.String("client", c.id), zap.Int("total", n))
	}
}

// broadcast delivers msg to every subscriber of topic. Subscribers with a
// full buffer are disconnected rather than awaited.
func (h *Hub) broadcast(topic string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("ws marshal failed", zap.Error(err))
		return
	}

	var dead []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			dead = append(dead, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range dead {
		h.log.Warn("ws client too slow, dropping", zap.String("client", c.id), zap.String("topic", topic))
		h.drop(c)
	}
}

// PublishBookUpdate implements engine.Publisher.
func (h *Hub) PublishBookUpdate(s *core.OrderBookSnapshot) {
	h.broadcast("orderbook."+s.Pair, WSMessage{Type: "orderbook_update", Data: bookSnapshot(s)})
}

// PublishTrade implements engine.Publisher.
func (h *Hub) PublishTrade(f *core.Fill) {
	h.broadcast("trades."+f.Pair, WSMessage{Type: "trade_update", Data: fillInfo(f)})
}

// PublishOrderUpdate implements engine.Publisher. Order events are private to
// the owner's topic.
func (h *Hub) PublishOrderUpdate(o *core.Order) {
	h.broadcast(userTopic(o.User.Hex()), WSMessage{Type: "order_update", Data: orderInfo(o)})
}

func userTopic(addr string) string { return "orders." + strings.ToLower(addr) }

// topicFor maps a client subscribe request onto an internal topic name.
func topicFor(channel, symbol string) (string, bool) {
	switch channel {
	case "orderbook", "trades":
		if symbol == "" {
			return "", false
		}
		return channel + "." + symbol, true
	case "orders":
		if symbol == "" {
			return "", false
		}
		return userTopic(symbol), true
	default:
		return "", false
	}
}

// Client is one websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	subsMu sync.RWMutex
	subs   map[string]struct{}
}

func (c *Client) subscribed(topic string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[topic]
	return ok
}

func (c *Client) subscribe(topic string) {
	c.subsMu.Lock()
	c.subs[topic] = struct{}{}
	c.subsMu.Unlock()
}

func (c *Client) unsubscribe(topic string) {
	c.subsMu.Lock()
	delete(c.subs, topic)
	c.subsMu.Unlock()
}

// closeSend closes the send channel exactly once. sendMu serializes it with
// enqueue; the hub's broadcast is already excluded by h.mu.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// enqueue tries a non-blocking send directly to this client. The readPump
// can race the hub closing the channel, so the closed flag is checked under
// the same mutex closeSend holds.
func (c *Client) enqueue(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// detach hands the client back to the hub for removal. After Stop nobody
// drains unregister, so give up once the hub is done.
func (c *Client) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// readPump consumes control messages until the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.detach()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("ws read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var req WSRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.enqueue(WSMessage{Type: "error", Data: "invalid message"})
			continue
		}
		c.handle(req)
	}
}

func (c *Client) handle(req WSRequest) {
	topic, ok := topicFor(req.Channel, req.Symbol)
	if !ok {
		c.enqueue(WSMessage{Type: "error", Data: "unknown channel " + req.Channel})
		return
	}

	switch req.Action {
	case "subscribe":
		c.subscribe(topic)
		c.enqueue(WSMessage{Type: "subscription_success", Data: map[string]string{
			"channel": req.Channel, "symbol": req.Symbol,
		}})
	case "unsubscribe":
		c.unsubscribe(topic)
		c.enqueue(WSMessage{Type: "unsubscription_success", Data: map[string]string{
			"channel": req.Channel, "symbol": req.Symbol,
		}})
	default:
		c.enqueue(WSMessage{Type: "error", Data: "unknown action " + req.Action})
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
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
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce whatever else is queued into this write.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
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

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   conn.RemoteAddr().String(),
		subs: make(map[string]struct{}),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()

	client.enqueue(WSMessage{Type: "connected", Data: map[string]string{
		"timestamp": iso(time.Now()),
	}})
}
