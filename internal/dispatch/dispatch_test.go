package dispatch

import (
	"testing"

	"go.uber.org/zap"

	"github.com/evowire/backend/internal/event"
)

type fakeBroadcaster struct {
	toUser  map[string]int
	toSub   map[event.Subscription]int
	toAll   int
	lastEv  *event.Event
	panicOn event.Type
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		toUser: make(map[string]int),
		toSub:  make(map[event.Subscription]int),
	}
}

func (f *fakeBroadcaster) SendToUser(userID string, ev *event.Event) int {
	f.checkPanic(ev)
	f.toUser[userID]++
	f.lastEv = ev
	return 1
}

func (f *fakeBroadcaster) BroadcastToSubscription(sub event.Subscription, ev *event.Event) int {
	f.checkPanic(ev)
	f.toSub[sub]++
	f.lastEv = ev
	return 1
}

func (f *fakeBroadcaster) BroadcastToAll(ev *event.Event) int {
	f.checkPanic(ev)
	f.toAll++
	f.lastEv = ev
	return 1
}

func (f *fakeBroadcaster) checkPanic(ev *event.Event) {
	if f.panicOn != "" && ev.Type == f.panicOn {
		panic("broadcast exploded")
	}
}

func newTestManager(t *testing.T, b Broadcaster) *Manager {
	t.Helper()
	m, err := NewManager(b, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestManagerCoversCatalog(t *testing.T) {
	m := newTestManager(t, newFakeBroadcaster())

	for _, typ := range event.Types() {
		control := controlCategories[event.CategoryOf(typ)]
		if control && m.Routable(typ) {
			t.Errorf("control type %s should not be routable", typ)
		}
		if !control && !m.Routable(typ) {
			t.Errorf("domain type %s has no handler", typ)
		}
	}
}

func TestRoutingBySubscription(t *testing.T) {
	tests := []struct {
		typ event.Type
		sub event.Subscription
	}{
		{event.TypeInstanceConnected, event.SubscriptionInstanceStatus},
		{event.TypeQRCodeGenerated, event.SubscriptionInstanceStatus},
		{event.TypeMessageReceived, event.SubscriptionMessages},
		{event.TypeAgentResponse, event.SubscriptionAgentEvents},
		{event.TypeSystemStatus, event.SubscriptionSystemEvents},
		{event.TypePerformanceMetrics, event.SubscriptionSystemEvents},
		{event.TypeLogEntry, event.SubscriptionSystemEvents},
		{event.TypeUserLoggedIn, event.SubscriptionUserEvents},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			b := newFakeBroadcaster()
			m := newTestManager(t, b)

			if !m.Process(event.New(tt.typ, nil)) {
				t.Fatalf("Process(%s) failed", tt.typ)
			}
			if b.toSub[tt.sub] != 1 {
				t.Errorf("deliveries to %s = %d, want 1", tt.sub, b.toSub[tt.sub])
			}
		})
	}
}

func TestMaintenanceGoesToEveryone(t *testing.T) {
	b := newFakeBroadcaster()
	m := newTestManager(t, b)

	if !m.Process(event.New(event.TypeSystemMaintenance, map[string]any{"message": "rolling restart"})) {
		t.Fatal("Process() failed")
	}
	if b.toAll != 1 {
		t.Errorf("broadcast-to-all count = %d, want 1", b.toAll)
	}
	if len(b.toSub) != 0 {
		t.Errorf("maintenance should bypass subscription routing, got %v", b.toSub)
	}
}

func TestRateLimitNoticeTargetsUser(t *testing.T) {
	b := newFakeBroadcaster()
	m := newTestManager(t, b)

	ev := event.New(event.TypeRateLimitExceeded, map[string]any{"action": "message"})
	ev.UserID = "u1"
	if !m.Process(ev) {
		t.Fatal("Process() failed")
	}
	if b.toUser["u1"] != 1 {
		t.Errorf("deliveries to u1 = %d, want 1", b.toUser["u1"])
	}

	// user id may also travel in the payload
	fromData := event.New(event.TypeRateLimitExceeded, map[string]any{"user_id": "u2"})
	if !m.Process(fromData) {
		t.Fatal("Process() with payload user_id failed")
	}
	if b.toUser["u2"] != 1 {
		t.Errorf("deliveries to u2 = %d, want 1", b.toUser["u2"])
	}

	// no user anywhere: refused, not crashed
	if m.Process(event.New(event.TypeRateLimitExceeded, nil)) {
		t.Error("rate limit notice without a user should fail")
	}
}

func TestProcessUnknownType(t *testing.T) {
	b := newFakeBroadcaster()
	m := newTestManager(t, b)

	if m.Process(event.New(event.TypePing, nil)) {
		t.Error("control types must not be routable through the table")
	}

	stats := m.Stats()
	if stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}
}

func TestProcessRecoversPanic(t *testing.T) {
	b := newFakeBroadcaster()
	b.panicOn = event.TypeMessageSent
	m := newTestManager(t, b)

	if m.Process(event.New(event.TypeMessageSent, nil)) {
		t.Error("panicking handler should report failure")
	}
	// the manager must stay usable afterwards
	if !m.Process(event.New(event.TypeMessageReceived, nil)) {
		t.Error("manager unusable after a recovered panic")
	}

	stats := m.Stats()
	if stats.Processed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 processed / 1 failed", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", stats.SuccessRate)
	}
}
