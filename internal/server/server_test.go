package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/evowire/backend/internal/auth"
	"github.com/evowire/backend/internal/config"
	"github.com/evowire/backend/internal/dispatch"
	"github.com/evowire/backend/internal/event"
	"github.com/evowire/backend/internal/ratelimit"
	"github.com/evowire/backend/internal/registry"
)

const testSecret = "test-signing-secret"

type harness struct {
	ts    *httptest.Server
	reg   *registry.Registry
	authn *auth.Authenticator
}

func newHarness(t *testing.T, messageLimit int) *harness {
	t.Helper()

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = testSecret
	cfg.Limits.MessageLimit = messageLimit
	cfg.Limits.MessageWindow = time.Minute

	log := zap.NewNop()
	limiter := ratelimit.NewLocal(log)

	verifier := auth.NewStaticVerifier(testSecret, map[string]auth.User{
		"key-xyz": {ID: "svc1", Username: "integration", Role: auth.RoleUser},
	})
	authn := auth.NewAuthenticator(verifier, limiter, nil, log)

	reg := registry.New(registry.Options{}, nil, log)
	authn.SetDisconnector(reg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg.SetOnDisconnect(func(connectionID string) {
		authn.RemoveSession(ctx, connectionID)
	})

	dispatcher, err := dispatch.NewManager(reg, log)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	srv := NewServer(ctx, cfg, reg, authn, dispatcher, log)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &harness{ts: ts, reg: reg, authn: authn}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *event.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	ev, err := event.Decode(raw)
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	return ev
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestConnectEstablishes(t *testing.T) {
	h := newHarness(t, 60)
	conn := h.dial(t)

	ev := readEvent(t, conn)
	if ev.Type != event.TypeConnectionEstablished {
		t.Fatalf("first frame = %s, want connection_established", ev.Type)
	}
	if id, _ := ev.Data["connection_id"].(string); id == "" {
		t.Error("connection_established should carry the assigned id")
	}
}

func TestAuthenticateWithToken(t *testing.T) {
	h := newHarness(t, 60)
	conn := h.dial(t)
	readEvent(t, conn) // connection_established

	token := signToken(t, jwt.MapClaims{
		"sub": "u1", "username": "alice", "role": "user",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err := conn.WriteJSON(map[string]any{
		"type": "authenticate",
		"data": map[string]any{"token": token},
	}); err != nil {
		t.Fatalf("writing authenticate: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Type != event.TypeAuthenticationSuccess {
		t.Fatalf("frame = %s, want authentication_success", ev.Type)
	}
	if ev.Data["user_id"] != "u1" {
		t.Errorf("user_id = %v, want u1", ev.Data["user_id"])
	}
}

func TestAuthenticateFailureKeepsSocketOpen(t *testing.T) {
	h := newHarness(t, 60)
	conn := h.dial(t)
	readEvent(t, conn)

	if err := conn.WriteJSON(map[string]any{
		"type": "authenticate",
		"data": map[string]any{"token": "garbage"},
	}); err != nil {
		t.Fatalf("writing authenticate: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Type != event.TypeAuthenticationFailed {
		t.Fatalf("frame = %s, want authentication_failed", ev.Type)
	}

	// the connection must still answer pings
	if err := conn.WriteJSON(map[string]any{
		"type": "ping",
		"data": map[string]any{"timestamp": "2025-06-01T00:00:00Z"},
	}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	pong := readEvent(t, conn)
	if pong.Type != event.TypePong {
		t.Fatalf("frame = %s, want pong after failed auth", pong.Type)
	}
	if pong.Data["timestamp"] != "2025-06-01T00:00:00Z" {
		t.Errorf("pong timestamp = %v, want the echoed client value", pong.Data["timestamp"])
	}
}

func TestAuthenticateWithAPIKey(t *testing.T) {
	h := newHarness(t, 60)
	conn := h.dial(t)
	readEvent(t, conn)

	if err := conn.WriteJSON(map[string]any{
		"type": "authenticate",
		"data": map[string]any{"api_key": "key-xyz"},
	}); err != nil {
		t.Fatalf("writing authenticate: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Type != event.TypeAuthenticationSuccess {
		t.Fatalf("frame = %s, want authentication_success", ev.Type)
	}
	if ev.Data["user_id"] != "svc1" {
		t.Errorf("user_id = %v, want svc1", ev.Data["user_id"])
	}
}

func TestSubscribeFlow(t *testing.T) {
	h := newHarness(t, 60)
	conn := h.dial(t)
	readEvent(t, conn)

	if err := conn.WriteJSON(map[string]any{
		"type": "subscribe",
		"data": map[string]any{"subscription_type": "messages"},
	}); err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Type != event.TypeSubscriptionConfirmed {
		t.Fatalf("frame = %s, want subscription_confirmed", ev.Type)
	}
	if ev.Data["subscription_type"] != "messages" {
		t.Errorf("subscription_type = %v, want messages", ev.Data["subscription_type"])
	}

	// a broadcast on the tag now reaches this socket
	h.reg.BroadcastToSubscription(event.SubscriptionMessages, event.New(event.TypeMessageReceived, map[string]any{
		"message_id": "m1",
	}))
	got := readEvent(t, conn)
	if got.Type != event.TypeMessageReceived {
		t.Fatalf("frame = %s, want message_received", got.Type)
	}
}

func TestSubscribeUnknownTag(t *testing.T) {
	h := newHarness(t, 60)
	conn := h.dial(t)
	readEvent(t, conn)

	if err := conn.WriteJSON(map[string]any{
		"type": "subscribe",
		"data": map[string]any{"subscription_type": "everything"},
	}); err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Type != event.TypeSubscriptionFailed {
		t.Fatalf("frame = %s, want subscription_failed", ev.Type)
	}
	if ev.Data["subscription_type"] != "everything" {
		t.Errorf("subscription_type = %v, want the rejected tag echoed", ev.Data["subscription_type"])
	}
}

func TestInboundEventRateLimited(t *testing.T) {
	h := newHarness(t, 2)
	conn := h.dial(t)
	readEvent(t, conn)

	token := signToken(t, jwt.MapClaims{"sub": "u1", "username": "alice", "role": "user"})
	if err := conn.WriteJSON(map[string]any{
		"type": "authenticate",
		"data": map[string]any{"token": token},
	}); err != nil {
		t.Fatalf("writing authenticate: %v", err)
	}
	readEvent(t, conn) // authentication_success

	for i := 0; i < 3; i++ {
		if err := conn.WriteJSON(map[string]any{
			"type": "message_sent",
			"data": map[string]any{"message_id": "m1"},
		}); err != nil {
			t.Fatalf("writing message %d: %v", i, err)
		}
	}

	ev := readEvent(t, conn)
	if ev.Type != event.TypeRateLimitExceeded {
		t.Fatalf("frame = %s, want rate_limit_exceeded after the limit", ev.Type)
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	h := newHarness(t, 60)
	conn := h.dial(t)
	readEvent(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	// the socket survives and still answers pings
	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	if ev := readEvent(t, conn); ev.Type != event.TypePong {
		t.Fatalf("frame = %s, want pong", ev.Type)
	}
}

func TestStatusEndpoints(t *testing.T) {
	h := newHarness(t, 60)
	conn := h.dial(t)
	readEvent(t, conn)

	resp, err := http.Get(h.ts.URL + "/api/realtime/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status["available"] != true {
		t.Errorf("available = %v, want true", status["available"])
	}
	if status["active_connections"].(float64) < 1 {
		t.Errorf("active_connections = %v, want >= 1", status["active_connections"])
	}

	resp2, err := http.Get(h.ts.URL + "/api/realtime/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp2.Body.Close()
	var stats map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	for _, key := range []string{"connections", "authentication", "dispatch"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing %q section", key)
		}
	}
}
