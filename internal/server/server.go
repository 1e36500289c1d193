// Package server exposes the realtime subsystem at a single upgraded
// websocket endpoint plus a small HTTP status API. Authentication is
// in-band only: sockets are accepted unauthenticated and credentials
// travel in an authenticate event; a failed attempt answers with an
// authentication_failed envelope and leaves the socket open.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/evowire/backend/internal/auth"
	"github.com/evowire/backend/internal/config"
	"github.com/evowire/backend/internal/dispatch"
	"github.com/evowire/backend/internal/event"
	"github.com/evowire/backend/internal/registry"
)

type Server struct {
	cfg        *config.Config
	reg        *registry.Registry
	authn      *auth.Authenticator
	dispatcher *dispatch.Manager
	log        *zap.Logger

	baseCtx        context.Context
	idleThreshold  time.Duration
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(ctx context.Context, cfg *config.Config, reg *registry.Registry, authn *auth.Authenticator, dispatcher *dispatch.Manager, log *zap.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		reg:            reg,
		authn:          authn,
		dispatcher:     dispatcher,
		log:            log,
		baseCtx:        ctx,
		idleThreshold:  cfg.Realtime.IdleThreshold,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	if s.idleThreshold <= 0 {
		s.idleThreshold = 2 * time.Minute
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/realtime/status", s.handleStatus)
	mux.HandleFunc("/api/realtime/stats", s.handleStats)
	mux.HandleFunc("/api/realtime/connections", s.handleConnections)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := s.reg.Register(conn)
	s.log.Info("websocket client connected",
		zap.String("connection_id", c.ID),
		zap.String("remote", r.RemoteAddr),
	)

	// Protocol-level pongs feed the same liveness state as in-band
	// pong events, and push the read deadline forward.
	conn.SetReadDeadline(time.Now().Add(s.idleThreshold))
	conn.SetPongHandler(func(string) error {
		s.reg.HandlePong(c.ID)
		return conn.SetReadDeadline(time.Now().Add(s.idleThreshold))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(s.idleThreshold))
		s.handleFrame(c.ID, data)
	}

	s.reg.Disconnect(c.ID, websocket.CloseNormalClosure, "client disconnected")
	s.log.Info("websocket client disconnected", zap.String("connection_id", c.ID))
}

// handleFrame parses one inbound frame and routes it. Control-plane
// events are handled here; everything else goes through the dispatch
// table. Malformed frames are dropped with a warning, never fatal.
func (s *Server) handleFrame(connectionID string, data []byte) {
	ev, err := event.Decode(data)
	if err != nil {
		s.log.Warn("dropping invalid frame",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
		return
	}
	ev.ConnectionID = connectionID

	switch ev.Type {
	case event.TypeAuthenticate:
		s.handleAuthenticate(ev)
	case event.TypeSubscribe:
		s.handleSubscribe(ev)
	case event.TypeUnsubscribe:
		s.handleUnsubscribe(ev)
	case event.TypePing:
		ts, _ := ev.Data["timestamp"].(string)
		s.reg.HandlePing(connectionID, ts)
	case event.TypePong:
		s.reg.HandlePong(connectionID)
	default:
		s.handleDomainEvent(ev)
	}
}

func (s *Server) handleAuthenticate(ev *event.Event) {
	connectionID := ev.ConnectionID

	token, _ := ev.Data["token"].(string)
	apiKey, _ := ev.Data["api_key"].(string)

	var (
		user *auth.User
		err  error
	)
	switch {
	case token != "":
		user, err = s.authn.Authenticate(s.baseCtx, token, connectionID)
	case apiKey != "":
		user, err = s.authn.AuthenticateAPIKey(s.baseCtx, apiKey, connectionID)
	default:
		err = fmt.Errorf("%w: no credential provided", auth.ErrInvalidCredential)
	}

	if err != nil {
		failure := event.NewAuthResultEvent(false, "", "", err.Error())
		s.reg.SendToConnection(connectionID, failure)
		return
	}

	if err := s.reg.AuthenticateConnection(connectionID, user); err != nil {
		s.log.Warn("authenticated a vanished connection",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
		s.authn.RemoveSession(s.baseCtx, connectionID)
	}
}

func (s *Server) handleSubscribe(ev *event.Event) {
	raw, _ := ev.Data["subscription_type"].(string)
	sub, ok := event.ParseSubscription(raw)
	if !ok {
		s.sendSubscriptionFailed(ev.ConnectionID, raw)
		return
	}
	if err := s.reg.Subscribe(ev.ConnectionID, sub); err != nil {
		s.log.Warn("subscribe failed", zap.Error(err))
	}
}

func (s *Server) handleUnsubscribe(ev *event.Event) {
	raw, _ := ev.Data["subscription_type"].(string)
	sub, ok := event.ParseSubscription(raw)
	if !ok {
		s.sendSubscriptionFailed(ev.ConnectionID, raw)
		return
	}
	s.reg.Unsubscribe(ev.ConnectionID, sub)
}

func (s *Server) sendSubscriptionFailed(connectionID, raw string) {
	s.reg.SendToConnection(connectionID, event.New(event.TypeSubscriptionFailed, map[string]any{
		"subscription_type": raw,
		"error":             "unknown subscription type",
	}))
}

// handleDomainEvent admits an inbound non-control event into the
// dispatch table. The connection needs an authenticated session with
// the write permission, and message-action rate limiting applies.
func (s *Server) handleDomainEvent(ev *event.Event) {
	connectionID := ev.ConnectionID

	session := s.authn.Session(s.baseCtx, connectionID)
	if session == nil {
		s.log.Warn("refusing event from unauthenticated connection",
			zap.String("connection_id", connectionID),
			zap.String("type", string(ev.Type)),
		)
		return
	}
	ev.UserID = session.User.ID

	if !session.HasPermission("write") {
		s.log.Warn("refusing event without write permission",
			zap.String("connection_id", connectionID),
			zap.String("user_id", session.User.ID),
			zap.String("type", string(ev.Type)),
		)
		return
	}

	if !s.authn.CheckRateLimit(s.baseCtx, connectionID, "message", s.cfg.Limits.MessageLimit, s.cfg.Limits.MessageWindow) {
		notice := event.New(event.TypeRateLimitExceeded, map[string]any{
			"user_id": session.User.ID,
			"action":  "message",
		})
		notice.UserID = session.User.ID
		notice.Priority = event.PriorityHigh
		s.reg.SendToConnection(connectionID, notice)
		return
	}

	s.dispatcher.Process(ev)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then
// shuts down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, mux *http.ServeMux, log *zap.Logger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
