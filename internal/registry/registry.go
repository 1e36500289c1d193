// Package registry owns the set of live websocket connections, the
// subscription index, and the per-user index. It performs the
// connect/authenticate/subscribe/disconnect transitions and provides
// the broadcast primitives every event producer goes through. Any send
// failure is treated as a dead-connection signal: the peer is
// disconnected and the broadcast continues for the rest.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/evowire/backend/internal/auth"
	"github.com/evowire/backend/internal/cache"
	"github.com/evowire/backend/internal/event"
)

// Options tunes the registry's timing. Zero fields get defaults.
type Options struct {
	HeartbeatInterval time.Duration
	IdleThreshold     time.Duration // no pong for this long => forced disconnect
	CleanupInterval   time.Duration
	StatsInterval     time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 4 * o.HeartbeatInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Minute
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
}

// Stats is a point-in-time aggregate of the registry.
type Stats struct {
	ActiveConnections        int            `json:"active_connections"`
	AuthenticatedConnections int            `json:"authenticated_connections"`
	TotalConnections         int64          `json:"total_connections"`
	TotalMessages            int64          `json:"total_messages"`
	UptimeSeconds            float64        `json:"uptime_seconds"`
	BySubscription           map[string]int `json:"connections_by_subscription"`
	ByUser                   map[string]int `json:"connections_by_user"`
}

// Registry owns all connection state. One instance per server process,
// passed by injection to every dependent.
type Registry struct {
	opts   Options
	mirror cache.Mirror
	log    *zap.Logger

	mu        sync.RWMutex
	conns     map[string]*Connection
	userConns map[string]map[string]struct{}
	subConns  map[event.Subscription]map[string]struct{}

	totalConnections int64
	totalMessages    atomic.Int64
	startTime        time.Time

	onDisconnect func(connectionID string)
	now          func() time.Time
}

// New builds a registry. mirror may be nil when no shared cache is
// configured.
func New(opts Options, mirror cache.Mirror, log *zap.Logger) *Registry {
	opts.applyDefaults()
	if mirror == nil {
		mirror = cache.Nop{}
	}
	return &Registry{
		opts:      opts,
		mirror:    mirror,
		log:       log,
		conns:     make(map[string]*Connection),
		userConns: make(map[string]map[string]struct{}),
		subConns:  make(map[event.Subscription]map[string]struct{}),
		startTime: time.Now().UTC(),
		now:       time.Now,
	}
}

// SetOnDisconnect installs a hook invoked after a connection has been
// removed from every index. The server uses it to drop the session.
func (r *Registry) SetOnDisconnect(fn func(connectionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = fn
}

// Register adopts an upgraded socket, assigns it a fresh id, starts its
// write pump, and emits connection_established back to it.
func (r *Registry) Register(sock Socket) *Connection {
	conn := newConnection(uuid.NewString(), sock, r.opts.SendBuffer)

	r.mu.Lock()
	conn.state = StateConnected
	r.conns[conn.ID] = conn
	r.totalConnections++
	r.mu.Unlock()

	go conn.writePump(r.opts.WriteTimeout)

	r.log.Info("websocket connection registered", zap.String("connection_id", conn.ID))

	r.SendToConnection(conn.ID, event.New(event.TypeConnectionEstablished, map[string]any{
		"connection_id": conn.ID,
		"timestamp":     r.now().UTC().Format(time.RFC3339Nano),
		"message":       "connection established",
	}))
	return conn
}

// Disconnect closes a connection and removes it from every index in one
// critical section. It is idempotent: a second call on a removed id is
// a no-op. The close is best-effort; removal happens regardless.
func (r *Registry) Disconnect(connectionID string, code int, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn.state = StateDisconnecting

	delete(r.conns, connectionID)
	if conn.user != nil {
		if ids, ok := r.userConns[conn.user.ID]; ok {
			delete(ids, connectionID)
			if len(ids) == 0 {
				delete(r.userConns, conn.user.ID)
			}
		}
	}
	for sub := range conn.subscriptions {
		if ids, ok := r.subConns[sub]; ok {
			delete(ids, connectionID)
			if len(ids) == 0 {
				delete(r.subConns, sub)
			}
		}
	}

	conn.state = StateDisconnected
	close(conn.send) // write pump drains and closes the socket
	hook := r.onDisconnect
	r.mu.Unlock()

	deadline := time.Now().Add(r.opts.WriteTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.sock.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		r.log.Debug("close frame not delivered",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
	}

	if hook != nil {
		hook(connectionID)
	}

	r.log.Info("websocket connection disconnected",
		zap.String("connection_id", connectionID),
		zap.Int("code", code),
		zap.String("reason", reason),
	)
}

// AuthenticateConnection transitions the connection to Authenticated,
// indexes it under the user, and sends the confirmation envelope.
func (r *Registry) AuthenticateConnection(connectionID string, user *auth.User) error {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("authenticate connection: %s not found", connectionID)
	}
	// Re-authentication as a different user moves the connection out of
	// the previous user's index.
	if conn.user != nil && conn.user.ID != user.ID {
		if ids, ok := r.userConns[conn.user.ID]; ok {
			delete(ids, connectionID)
			if len(ids) == 0 {
				delete(r.userConns, conn.user.ID)
			}
		}
	}
	conn.user = user
	conn.state = StateAuthenticated
	ids, ok := r.userConns[user.ID]
	if !ok {
		ids = make(map[string]struct{})
		r.userConns[user.ID] = ids
	}
	ids[connectionID] = struct{}{}
	r.mu.Unlock()

	r.log.Info("connection authenticated",
		zap.String("connection_id", connectionID),
		zap.String("user_id", user.ID),
	)

	ev := event.New(event.TypeAuthenticationSuccess, map[string]any{
		"user_id":   user.ID,
		"username":  user.Username,
		"timestamp": r.now().UTC().Format(time.RFC3339Nano),
	})
	ev.UserID = user.ID
	ev.Priority = event.PriorityHigh
	r.SendToConnection(connectionID, ev)
	return nil
}

// Subscribe adds the tag to the connection's set and the index
// symmetrically, then confirms.
func (r *Registry) Subscribe(connectionID string, sub event.Subscription) error {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("subscribe: connection %s not found", connectionID)
	}
	conn.subscriptions[sub] = struct{}{}
	ids, ok := r.subConns[sub]
	if !ok {
		ids = make(map[string]struct{})
		r.subConns[sub] = ids
	}
	ids[connectionID] = struct{}{}
	r.mu.Unlock()

	r.log.Debug("subscription added",
		zap.String("connection_id", connectionID),
		zap.String("subscription", string(sub)),
	)

	r.SendToConnection(connectionID, event.New(event.TypeSubscriptionConfirmed, map[string]any{
		"subscription_type": string(sub),
		"timestamp":         r.now().UTC().Format(time.RFC3339Nano),
	}))
	return nil
}

// Unsubscribe removes the tag from both sides of the index. Unknown
// connections and absent tags are no-ops.
func (r *Registry) Unsubscribe(connectionID string, sub event.Subscription) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if ok {
		delete(conn.subscriptions, sub)
		if ids, ok := r.subConns[sub]; ok {
			delete(ids, connectionID)
			if len(ids) == 0 {
				delete(r.subConns, sub)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		r.log.Debug("subscription removed",
			zap.String("connection_id", connectionID),
			zap.String("subscription", string(sub)),
		)
	}
}

// SendToConnection queues one event for a connection. A full send
// buffer is a dead-connection signal: the peer is disconnected and the
// send reported as failed.
func (r *Registry) SendToConnection(connectionID string, ev *event.Event) bool {
	raw, err := ev.Encode()
	if err != nil {
		r.log.Error("failed to encode event",
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
		return false
	}

	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	if !ok || !conn.alive() {
		r.mu.RUnlock()
		return false
	}

	select {
	case conn.send <- raw:
		conn.messageCount.Add(1)
		r.totalMessages.Add(1)
		r.mu.RUnlock()
		return true
	default:
		conn.errorCount.Add(1)
		r.mu.RUnlock()
		r.log.Warn("send buffer full, disconnecting slow client",
			zap.String("connection_id", connectionID),
		)
		r.Disconnect(connectionID, websocket.CloseInternalServerErr, "send error")
		return false
	}
}

// SendToUser delivers to every connection the user currently holds and
// returns the delivered count.
func (r *Registry) SendToUser(userID string, ev *event.Event) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.userConns[userID]))
	for id := range r.userConns[userID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	return r.sendToAll(ids, ev)
}

// BroadcastToSubscription delivers to every connection subscribed to
// the tag and returns the delivered count.
func (r *Registry) BroadcastToSubscription(sub event.Subscription, ev *event.Event) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.subConns[sub]))
	for id := range r.subConns[sub] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	return r.sendToAll(ids, ev)
}

// BroadcastToAll delivers to every live connection and returns the
// delivered count.
func (r *Registry) BroadcastToAll(ev *event.Event) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	return r.sendToAll(ids, ev)
}

// sendToAll is the shared broadcast loop: one bad peer never aborts
// delivery to the rest.
func (r *Registry) sendToAll(ids []string, ev *event.Event) int {
	delivered := 0
	for _, id := range ids {
		if r.SendToConnection(id, ev) {
			delivered++
		}
	}
	return delivered
}

// HandlePing records the peer's ping and answers with a pong. The pong
// echoes the client's timestamp when one was supplied.
func (r *Registry) HandlePing(connectionID, clientTimestamp string) {
	now := r.now().UTC()

	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn.lastPing = now
	r.mu.Unlock()

	echo := clientTimestamp
	if echo == "" {
		echo = now.Format(time.RFC3339Nano)
	}
	r.SendToConnection(connectionID, event.New(event.TypePong, map[string]any{
		"timestamp": echo,
	}))
}

// HandlePong records liveness for the heartbeat loop.
func (r *Registry) HandlePong(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connectionID]; ok {
		conn.lastPong = r.now().UTC()
	}
}

// Info returns a snapshot of one connection, or false.
func (r *Registry) Info(connectionID string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return conn.info(r.now().UTC()), true
}

// ListConnections snapshots every live connection.
func (r *Registry) ListConnections() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn.info(now))
	}
	return out
}

// Stats snapshots the aggregate counters and indices.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	authenticated := 0
	for _, conn := range r.conns {
		if conn.state == StateAuthenticated {
			authenticated++
		}
	}

	bySub := make(map[string]int, len(r.subConns))
	for sub, ids := range r.subConns {
		bySub[string(sub)] = len(ids)
	}
	byUser := make(map[string]int, len(r.userConns))
	for userID, ids := range r.userConns {
		byUser[userID] = len(ids)
	}

	return Stats{
		ActiveConnections:        len(r.conns),
		AuthenticatedConnections: authenticated,
		TotalConnections:         r.totalConnections,
		TotalMessages:            r.totalMessages.Load(),
		UptimeSeconds:            r.now().UTC().Sub(r.startTime).Seconds(),
		BySubscription:           bySub,
		ByUser:                   byUser,
	}
}
