package broadcast

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Client is one registered observer. Its channel is closed when the client
// is removed, including when the hub drops it for falling behind.
type Client struct {
	send chan Event
	once sync.Once
}

func (c *Client) Events() <-chan Event { return c.send }

func (c *Client) close() { c.once.Do(func() { close(c.send) }) }

// Hub is a Sink fanning events out to live observers. A client whose buffer
// is full is dropped; the others are unaffected.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	buffer  int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{clients: make(map[*Client]struct{}), buffer: buffer}
}

func (h *Hub) Add() *Client {
	c := &Client{send: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("hub client added clients=%d", n)
	return c
}

func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	c.close()
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Send(_ context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			delete(h.clients, c)
			c.close()
			log.Printf("hub dropped slow client job=%d seq=%d clients=%d", e.ID, e.Seq, len(h.clients))
		}
	}
	return nil
}

// Serve writes backlog and then every event for c to conn until the peer
// goes away, c is dropped, or ctx ends. It removes c and closes conn on
// return. Events already covered by the backlog are not sent twice.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, c *Client, backlog []Event) {
	defer h.Remove(c)
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var last int64
	write := func(e Event) error {
		if e.Seq != 0 && e.Seq <= last {
			return nil
		}
		last = e.Seq
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(e)
	}

	for _, e := range backlog {
		if err := write(e); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-c.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(writeWait))
				return
			}
			if err := write(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}
