package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/events"
)

const (
	// Server -> client frames.
	MsgTypeEvent = "event"
	MsgTypePong  = "pong"
	MsgTypeError = "error"

	// Client -> server frames.
	MsgTypePing        = "ping"
	MsgTypeSubscribe   = "subscribe"
	MsgTypeUnsubscribe = "unsubscribe"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	readLimit  = 65536
)

// WSMessage is the frame exchanged with websocket clients. Pipeline
// events arrive as type "event" with the bus event in the data field
// and its kind (workflow, stage, progress) as the topic. Clients may
// narrow the feed by subscribing to a topic; a topic is an event kind
// or a workflow id, and a client with no subscriptions receives
// everything.
type WSMessage struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics map[string]bool
	closed bool
}

func (c *wsClient) subscribe(topic string) {
	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()
}

func (c *wsClient) unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *wsClient) wants(ev events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 {
		return true
	}
	if c.topics[string(ev.EventType())] {
		return true
	}
	return ev.Workflow() != "" && c.topics[ev.Workflow()]
}

// enqueue drops the frame if the client's buffer is full or the
// client is already closed.
func (c *wsClient) enqueue(frame []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// close shuts the send queue exactly once. Holding the write lock
// keeps it ordered against in-flight enqueues.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsClient) reply(msg WSMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// hub fans bus events out to websocket clients.
type hub struct {
	logger   *zap.Logger
	bus      *events.Bus
	upgrader websocket.Upgrader

	register   chan *wsClient
	unregister chan *wsClient

	mu      sync.RWMutex
	clients map[string]*wsClient

	done chan struct{}
	once sync.Once
}

func newHub(logger *zap.Logger, bus *events.Bus) *hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &hub{
		logger: logger,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[string]*wsClient),
		done:       make(chan struct{}),
	}
}

// run owns the client registry and pumps bus events until stop.
func (h *hub) run() {
	var feed <-chan events.Event
	if h.bus != nil {
		sub := h.bus.Subscribe()
		defer h.bus.Unsubscribe(sub)
		feed = sub.Events()
	}

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			wsClients.Inc()
			h.logger.Debug("client connected", zap.String("client", c.id))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.close()
				wsClients.Dec()
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.String("client", c.id))

		case ev, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			h.fanOut(ev)

		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				c.close()
				c.conn.Close()
				delete(h.clients, id)
				wsClients.Dec()
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *hub) stop() {
	h.once.Do(func() { close(h.done) })
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) fanOut(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("encoding event", zap.Error(err))
		return
	}
	frame, err := json.Marshal(WSMessage{
		Type:      MsgTypeEvent,
		Topic:     string(ev.EventType()),
		Data:      data,
		Timestamp: ev.EventTime().UnixMilli(),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		// Slow readers lose frames rather than stalling the feed.
		c.enqueue(frame)
	}
}

func (h *hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 256),
		topics: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

// readPump consumes control frames from one client until the
// connection drops.
func (h *hub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(WSMessage{Type: MsgTypeError, Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case MsgTypePing:
			c.reply(WSMessage{Type: MsgTypePong})
		case MsgTypeSubscribe:
			if msg.Topic == "" {
				c.reply(WSMessage{Type: MsgTypeError, Error: "subscribe requires a topic"})
				continue
			}
			c.subscribe(msg.Topic)
			c.reply(WSMessage{Type: MsgTypeSubscribe, Topic: msg.Topic})
		case MsgTypeUnsubscribe:
			c.unsubscribe(msg.Topic)
			c.reply(WSMessage{Type: MsgTypeUnsubscribe, Topic: msg.Topic})
		default:
			c.reply(WSMessage{Type: MsgTypeError, Error: "unknown message type: " + msg.Type})
		}
	}
}

// writePump drains the client's queue and keeps the connection alive
// with pings.
func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

			// Flush whatever queued behind this frame.
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
