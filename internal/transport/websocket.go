package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type (
	// WSDialer dials the server's /ws endpoint with gorilla/websocket.
	WSDialer struct {
		URL string
	}

	wsConn struct {
		conn *websocket.Conn
	}

	realClock struct{}
)

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// RealClock backs the transport with the system clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
