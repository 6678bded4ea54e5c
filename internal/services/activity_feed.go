package services

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ActivityFeed streams rule invocation results to connected dashboard
// clients over websockets. Slow clients are dropped rather than allowed to
// back-pressure the engine.
type ActivityFeed struct {
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
	register   chan *feedClient
	unregister chan *feedClient
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewActivityFeed(logger *logrus.Logger) *ActivityFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActivityFeed{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*feedClient]struct{}),
	}
}

// Run owns the client set. Call it once on its own goroutine.
func (f *ActivityFeed) Run() {
	for {
		select {
		case client := <-f.register:
			f.mu.Lock()
			f.clients[client] = struct{}{}
			f.mu.Unlock()
			f.logger.Debugf("activity feed: client connected (%d total)", f.ClientCount())

		case client := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				close(client.send)
			}
			f.mu.Unlock()
			f.logger.Debugf("activity feed: client disconnected (%d total)", f.ClientCount())

		case message := <-f.broadcast:
			f.mu.RLock()
			for client := range f.clients {
				select {
				case client.send <- message:
				default:
					// Client is not draining; disconnect it.
					go func(c *feedClient) { f.unregister <- c }(client)
				}
			}
			f.mu.RUnlock()
		}
	}
}

// Broadcast fans an event out to every connected client. Never blocks: when
// the buffer is full the event is dropped.
func (f *ActivityFeed) Broadcast(event map[string]interface{}) {
	message, err := json.Marshal(event)
	if err != nil {
		f.logger.Warnf("activity feed: marshal event: %v", err)
		return
	}
	select {
	case f.broadcast <- message:
	default:
		f.logger.Debug("activity feed: broadcast buffer full, dropping event")
	}
}

// ClientCount returns the number of connected clients.
func (f *ActivityFeed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// HandleWebSocket upgrades the request and attaches the client to the feed.
func (f *ActivityFeed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warnf("activity feed: upgrade failed: %v", err)
		return
	}

	client := &feedClient{conn: conn, send: make(chan []byte, 64)}
	f.register <- client

	go client.writeLoop()
	go client.readLoop(f)
}

func (c *feedClient) writeLoop() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readLoop drains and discards client frames so pings and close frames are
// processed; the feed is one-directional.
func (c *feedClient) readLoop(f *ActivityFeed) {
	defer func() {
		f.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
