package server

import (
	"sync"
)

type (
	// wsWriter is the write surface of a websocket connection.
	// *websocket.Conn satisfies it.
	wsWriter interface {
		WriteJSON(v any) error
		WriteMessage(messageType int, data []byte) error
		Close() error
	}

	// client serializes writes to one connection: gorilla/websocket
	// allows only a single concurrent writer, but deliveries for a
	// recipient arrive from every sender's read goroutine.
	client struct {
		mu   sync.Mutex
		conn wsWriter
	}

	// hub is the race-safe registry of live connections, one per user.
	hub struct {
		mu    sync.RWMutex
		conns map[string]*client
	}
)

func newClient(conn wsWriter) *client {
	return &client{conn: conn}
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *client) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *client) close() error {
	return c.conn.Close()
}

func newHub() *hub {
	return &hub{
		conns: make(map[string]*client),
	}
}

// add registers a client; the previous one for the same user, if any,
// is returned so the caller can close it.
func (h *hub) add(userID string, c *client) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.conns[userID]
	h.conns[userID] = c
	return old
}

// remove drops the registration only if it still points at c, and
// reports whether it did. A false return means a newer connection has
// already replaced this one.
func (h *hub) remove(userID string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] != c {
		return false
	}
	delete(h.conns, userID)
	return true
}

func (h *hub) get(userID string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[userID]
	return c, ok
}

func (h *hub) users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}
