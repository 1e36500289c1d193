package registry

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evowire/backend/internal/auth"
	"github.com/evowire/backend/internal/event"
)

// State is a connection's lifecycle position. Disconnected is terminal;
// ids are never reused.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
)

// Socket is the live transport handle the registry owns. A gorilla
// *websocket.Conn satisfies it directly; tests substitute fakes.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one live socket tracked by the registry. All mutable
// fields are guarded by the registry mutex so multi-index transitions
// stay atomic.
type Connection struct {
	ID   string
	sock Socket
	send chan []byte

	user          *auth.User
	state         State
	connectedAt   time.Time
	lastPing      time.Time
	lastPong      time.Time
	subscriptions map[event.Subscription]struct{}

	// Counters are atomic so sends under the read lock stay race-free.
	messageCount atomic.Int64
	errorCount   atomic.Int64
}

func newConnection(id string, sock Socket, buffer int) *Connection {
	return &Connection{
		ID:            id,
		sock:          sock,
		send:          make(chan []byte, buffer),
		state:         StateConnecting,
		connectedAt:   time.Now().UTC(),
		subscriptions: make(map[event.Subscription]struct{}),
	}
}

// writePump drains the send channel onto the socket. It exits when the
// channel is closed (disconnect) or a write fails; either way the
// socket ends up closed.
func (c *Connection) writePump(writeTimeout time.Duration) {
	defer c.sock.Close()
	for msg := range c.send {
		c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// alive reports whether the connection can still receive traffic.
// Caller holds the registry mutex.
func (c *Connection) alive() bool {
	return c.state == StateConnected || c.state == StateAuthenticated
}

// ConnectionInfo is the externally visible snapshot of a connection.
type ConnectionInfo struct {
	ID              string   `json:"id"`
	UserID          string   `json:"user_id,omitempty"`
	Username        string   `json:"username,omitempty"`
	State           State    `json:"state"`
	ConnectedAt     string   `json:"connected_at"`
	LastPing        string   `json:"last_ping,omitempty"`
	LastPong        string   `json:"last_pong,omitempty"`
	Subscriptions   []string `json:"subscriptions"`
	MessageCount    int64    `json:"message_count"`
	ErrorCount      int64    `json:"error_count"`
	DurationSeconds float64  `json:"connection_duration_seconds"`
}

// info builds a snapshot. Caller holds the registry mutex.
func (c *Connection) info(now time.Time) ConnectionInfo {
	subs := make([]string, 0, len(c.subscriptions))
	for s := range c.subscriptions {
		subs = append(subs, string(s))
	}

	ci := ConnectionInfo{
		ID:              c.ID,
		State:           c.state,
		ConnectedAt:     c.connectedAt.Format(time.RFC3339Nano),
		Subscriptions:   subs,
		MessageCount:    c.messageCount.Load(),
		ErrorCount:      c.errorCount.Load(),
		DurationSeconds: now.Sub(c.connectedAt).Seconds(),
	}
	if c.user != nil {
		ci.UserID = c.user.ID
		ci.Username = c.user.Username
	}
	if !c.lastPing.IsZero() {
		ci.LastPing = c.lastPing.Format(time.RFC3339Nano)
	}
	if !c.lastPong.IsZero() {
		ci.LastPong = c.lastPong.Format(time.RFC3339Nano)
	}
	return ci
}
