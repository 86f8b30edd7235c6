package hub

import (
	"time"

	"github.com/gorilla/websocket"
)

// Close codes used by the hub.
const (
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseNormal          = websocket.CloseNormalClosure
)

// Close reasons sent to clients.
const (
	ReasonAuthRequired = "Authentication required"
	ReasonInvalidToken = "Invalid token"
	ReasonShutdown     = "Server shutting down"
)

const writeWait = 10 * time.Second

// Connection is the transport behind a subscriber. Send is only called from
// the subscriber's writer goroutine; Ping and Close may be called
// concurrently with it.
type Connection interface {
	Send(data []byte) error
	Ping() error
	Close(code int, reason string) error
}

type wsConn struct {
	conn *websocket.Conn
}

// NewConnection adapts a gorilla websocket to Connection.
func NewConnection(conn *websocket.Conn) Connection {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping uses a control frame, which gorilla allows concurrently with
// WriteMessage.
func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}
