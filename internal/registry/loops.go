package registry

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/evowire/backend/internal/event"
)

// Start launches the heartbeat, cleanup, and stats loops. Each runs
// until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go r.heartbeatLoop(ctx)
	go r.cleanupLoop(ctx)
	go r.statsLoop(ctx)
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("heartbeat loop stopped")
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

// heartbeat pings every live connection and reaps those whose last pong
// is older than the idle threshold. Connections that never ponged are
// measured from their connect time.
func (r *Registry) heartbeat(ctx context.Context) {
	now := r.now().UTC()
	deadline := time.Now().Add(r.opts.WriteTimeout)

	type target struct {
		id   string
		sock Socket
	}

	r.mu.Lock()
	stale := make([]string, 0)
	targets := make([]target, 0, len(r.conns))
	for id, conn := range r.conns {
		lastSeen := conn.lastPong
		if lastSeen.IsZero() {
			lastSeen = conn.connectedAt
		}
		if now.Sub(lastSeen) > r.opts.IdleThreshold {
			stale = append(stale, id)
			continue
		}
		conn.lastPing = now
		targets = append(targets, target{id: id, sock: conn.sock})
	}
	r.mu.Unlock()

	for _, t := range targets {
		if err := t.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			stale = append(stale, t.id)
			continue
		}
		r.SendToConnection(t.id, event.New(event.TypePing, map[string]any{
			"timestamp": now.Format(time.RFC3339Nano),
		}))
	}

	for _, id := range stale {
		r.log.Warn("removing stale connection", zap.String("connection_id", id))
		r.Disconnect(id, websocket.CloseGoingAway, "connection timeout")
	}

	r.mirror.Set(ctx, "websocket_heartbeat", map[string]any{
		"timestamp":          now.Format(time.RFC3339Nano),
		"active_connections": r.Stats().ActiveConnections,
		"stale_connections":  len(stale),
	}, 2*time.Minute)
}

func (r *Registry) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

// cleanup probes every connection and removes those whose socket no
// longer accepts a control frame.
func (r *Registry) cleanup() {
	deadline := time.Now().Add(r.opts.WriteTimeout)

	type target struct {
		id   string
		sock Socket
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.conns))
	for id, conn := range r.conns {
		targets = append(targets, target{id: id, sock: conn.sock})
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if err := t.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			r.log.Warn("removing orphaned connection", zap.String("connection_id", t.id))
			r.Disconnect(t.id, websocket.CloseInternalServerErr, "connection lost")
		}
	}
}

func (r *Registry) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("stats loop stopped")
			return
		case <-ticker.C:
			stats := r.Stats()
			r.log.Info("websocket stats",
				zap.Int("active", stats.ActiveConnections),
				zap.Int("authenticated", stats.AuthenticatedConnections),
				zap.Int64("total_messages", stats.TotalMessages),
			)
			r.mirror.Set(ctx, "websocket_stats", stats, 5*time.Minute)
		}
	}
}
