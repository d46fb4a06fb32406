// Package transport wraps gorilla/websocket.Conn into the small duplex
// Channel interface shared by multiplexer, tunnelclient and browserhub,
// so multiplexer and browserhub never import gorilla/websocket;
// tunnelclient still uses it directly to dial and to read close codes.
// Grounded on the
// teacher's ws_terminal.go and ws_stream.go, which both wrap a
// *websocket.Conn with a write mutex and a binary/text framing choice.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is a duplex message channel. Implementations must make Write
// safe for concurrent use; Read is only ever called from one reader
// goroutine per channel, matching gorilla/websocket's own constraint.
type Channel interface {
	ReadMessage() (data []byte, err error)
	WriteMessage(data []byte) error
	Close() error
	CloseWithCode(code int, reason string) error
}

// WSChannel adapts a *websocket.Conn to Channel. Writes are serialized
// with a mutex since gorilla/websocket forbids concurrent writers.
type WSChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWSChannel wraps an already-upgraded/dialed websocket connection.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

func (c *WSChannel) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *WSChannel) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSChannel) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return c.conn.Close()
}

func (c *WSChannel) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// SetPongHandler registers a handler invoked when a pong control frame
// arrives, used by tunnelclient's keepalive.
func (c *WSChannel) SetPongHandler(h func(appData string) error) {
	c.conn.SetPongHandler(h)
}

// WritePing sends a ping control frame with the given deadline.
func (c *WSChannel) WritePing(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Underlying exposes the wrapped connection for callers (the HTTP
// upgrade path) that need gorilla-specific configuration such as
// SetReadLimit.
func (c *WSChannel) Underlying() *websocket.Conn { return c.conn }
