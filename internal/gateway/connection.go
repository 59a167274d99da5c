package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = (pongTimeout * 9) / 10
)

// Connection wraps one accepted WebSocket, satisfying game.Connection
// and registry's notion of a connection.
type Connection struct {
	id      string
	version string

	logger *slog.Logger

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu        sync.Mutex
	connected bool
}

func newConnection(ws *websocket.Conn, version string, logger *slog.Logger) *Connection {
	return &Connection{
		id:        uuid.New().String(),
		version:   version,
		ws:        ws,
		logger:    logger,
		connected: true,
	}
}

// ID returns the connection's generated id.
func (c *Connection) ID() string { return c.id }

// Version reports the protocol dialect this connection negotiated.
func (c *Connection) Version() string { return c.version }

// IsConnected reports whether the underlying socket is still open.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one JSON frame, serialized against concurrent writers
// (gorilla/websocket permits only one writer goroutine at a time).
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the socket with the given close code/reason.
func (c *Connection) Disconnect(code int, reason string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.mu.Unlock()

	c.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(code, reason)
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, closeMsg)
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}
