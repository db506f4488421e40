package main

import (
	"context"
	"log"
	"net/http"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// client is one websocket peer attached to a document hub.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub relays a single document's op stream: everything a client sends is
// published to the document's redis channel, and everything arriving on
// that channel fans out to every attached client. Ops are idempotent, so
// the echo back to the sender is harmless and keeps all clients on one
// code path.
type hub struct {
	docID      string
	rdb        *redis.Client
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

func newHub(docID string, rdb *redis.Client) *hub {
	return &hub{
		docID:      docID,
		rdb:        rdb,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte),
	}
}

func (h *hub) channelKey() string { return "doc:" + h.docID }

func (h *hub) run(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, h.channelKey())
	defer pubsub.Close()
	redisCh := pubsub.Channel()

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			log.Printf("doc %s: client attached, total %d", h.docID, len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				log.Printf("doc %s: client detached, total %d", h.docID, len(h.clients))
			}
		case msg := <-h.broadcast:
			publish := func() error {
				return h.rdb.Publish(ctx, h.channelKey(), msg).Err()
			}
			if err := backoff.Retry(publish, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)); err != nil {
				log.Printf("doc %s: publish failed: %v", h.docID, err)
			}
		case msg, ok := <-redisCh:
			if !ok {
				return
			}
			payload := []byte(msg.Payload)
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func serveWs(h *hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}
	h.register <- c
	go c.writePump()
	go c.readPump(h)
}

func (c *client) readPump(h *hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.broadcast <- message
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		message, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
