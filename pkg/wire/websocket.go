package wire

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader is shared across connections; origin checking is left to the
// CORS middleware ahead of the handler, matching the split of concerns
// used throughout the engine's middleware chain.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConn wraps a gorilla/websocket connection with the engine's typed
// envelope protocol and a write mutex, since gorilla's Conn forbids
// concurrent writers.
type WSConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Upgrade upgrades an HTTP request to a WebSocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WSConn{conn: conn}, nil
}

// WriteEnvelope sends one typed message, safe for concurrent use.
func (c *WSConn) WriteEnvelope(env WSEnvelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// WritePing sends a transport-level ping frame (distinct from the
// application-level WSTypePing envelope). Nothing in this package calls it
// on a timer.
func (c *WSConn) WritePing(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// ReadEnvelope blocks for the next client message and decodes its type and
// id into a WSEnvelope. The envelope's Data field is left nil; the raw
// "data" JSON is returned as the second value instead, since its shape
// varies by Type.
func (c *WSConn) ReadEnvelope() (WSEnvelope, []byte, error) {
	var raw struct {
		Type string          `json:"type"`
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := c.conn.ReadJSON(&raw); err != nil {
		return WSEnvelope{}, nil, err
	}
	return WSEnvelope{Type: raw.Type, ID: raw.ID}, raw.Data, nil
}

// SetReadDeadline proxies to the underlying connection, bounding how long
// ReadEnvelope blocks.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the underlying connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}
