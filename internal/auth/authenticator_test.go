package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeVerifier struct {
	user *User
	err  error
}

func (f *fakeVerifier) VerifyToken(ctx context.Context, token string) (*User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

func (f *fakeVerifier) VerifyAPIKey(ctx context.Context, key string) (*User, error) {
	return f.VerifyToken(ctx, key)
}

type fakeLimiter struct {
	allow bool
	calls int
}

func (f *fakeLimiter) Allow(ctx context.Context, identity, action string, limit int, window time.Duration) bool {
	f.calls++
	return f.allow
}

type fakeDisconnector struct {
	closed []string
	codes  []int
}

func (f *fakeDisconnector) Disconnect(connectionID string, code int, reason string) {
	f.closed = append(f.closed, connectionID)
	f.codes = append(f.codes, code)
}

func newTestAuthenticator(verifier Verifier, limiter *fakeLimiter) *Authenticator {
	return NewAuthenticator(verifier, limiter, nil, zap.NewNop())
}

func TestAuthenticateSuccess(t *testing.T) {
	user := &User{ID: "u1", Username: "alice", Role: RoleUser}
	a := newTestAuthenticator(&fakeVerifier{user: user}, &fakeLimiter{allow: true})

	got, err := a.Authenticate(context.Background(), "token", "conn1")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("user id = %q, want u1", got.ID)
	}

	session := a.Session(context.Background(), "conn1")
	if session == nil {
		t.Fatal("expected a session after successful authentication")
	}
	if session.User.Username != "alice" {
		t.Errorf("session username = %q, want alice", session.User.Username)
	}
	if _, ok := session.Permissions["write"]; !ok {
		t.Error("user role should carry the write permission")
	}

	stats := a.Stats()
	if stats.ActiveSessions != 1 || stats.SuccessfulAttempts != 1 || stats.FailedAttempts != 0 {
		t.Errorf("stats = %+v, want 1 active / 1 success / 0 failed", stats)
	}
}

func TestAuthenticateInvalidCredential(t *testing.T) {
	a := newTestAuthenticator(&fakeVerifier{err: ErrInvalidCredential}, &fakeLimiter{allow: true})

	_, err := a.Authenticate(context.Background(), "bad", "conn1")
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("Authenticate() error = %v, want ErrInvalidCredential", err)
	}
	if a.Session(context.Background(), "conn1") != nil {
		t.Error("failed authentication must not create a session")
	}

	stats := a.Stats()
	if stats.FailedAttempts != 1 || stats.SuccessfulAttempts != 0 {
		t.Errorf("stats = %+v, want 1 failed / 0 success", stats)
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	user := &User{ID: "u1", Username: "alice", Role: RoleUser}
	a := newTestAuthenticator(&fakeVerifier{user: user}, &fakeLimiter{allow: false})

	_, err := a.Authenticate(context.Background(), "token", "conn1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Authenticate() error = %v, want ErrRateLimited", err)
	}
	if a.Session(context.Background(), "conn1") != nil {
		t.Error("rate-limited authentication must not create a session")
	}
}

func TestReauthenticationReplacesSession(t *testing.T) {
	verifier := &fakeVerifier{user: &User{ID: "u1", Username: "alice", Role: RoleViewer}}
	a := newTestAuthenticator(verifier, &fakeLimiter{allow: true})
	ctx := context.Background()

	if _, err := a.Authenticate(ctx, "t", "conn1"); err != nil {
		t.Fatalf("first Authenticate() error = %v", err)
	}
	verifier.user = &User{ID: "u2", Username: "bob", Role: RoleAdmin}
	if _, err := a.Authenticate(ctx, "t", "conn1"); err != nil {
		t.Fatalf("second Authenticate() error = %v", err)
	}

	session := a.Session(ctx, "conn1")
	if session == nil || session.User.ID != "u2" {
		t.Fatalf("session = %+v, want bound to u2", session)
	}

	stats := a.Stats()
	if stats.ActiveSessions != 1 {
		t.Errorf("active sessions = %d, want 1", stats.ActiveSessions)
	}
	if _, ok := stats.SessionsByUser["u1"]; ok {
		t.Error("replaced user should be gone from the per-user index")
	}
}

func TestVerifyPermission(t *testing.T) {
	tests := []struct {
		name string
		role Role
		perm string
		want bool
	}{
		{"viewer can read", RoleViewer, "read", true},
		{"viewer cannot write", RoleViewer, "write", false},
		{"user can send messages", RoleUser, "send_messages", true},
		{"admin override", RoleAdmin, "anything_at_all", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := &fakeVerifier{user: &User{ID: "u", Username: "u", Role: tt.role}}
			a := newTestAuthenticator(verifier, &fakeLimiter{allow: true})
			ctx := context.Background()
			if _, err := a.Authenticate(ctx, "t", "c"); err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if got := a.VerifyPermission(ctx, "c", tt.perm); got != tt.want {
				t.Errorf("VerifyPermission(%q) = %v, want %v", tt.perm, got, tt.want)
			}
		})
	}
}

func TestCheckRateLimitWithoutSession(t *testing.T) {
	limiter := &fakeLimiter{allow: true}
	a := newTestAuthenticator(&fakeVerifier{}, limiter)

	if a.CheckRateLimit(context.Background(), "ghost", "message", 10, time.Minute) {
		t.Error("connections without a session must be refused")
	}
	if limiter.calls != 0 {
		t.Error("limiter should not be consulted without a session")
	}
}

func TestRevokeUserSessions(t *testing.T) {
	verifier := &fakeVerifier{user: &User{ID: "u1", Username: "alice", Role: RoleUser}}
	a := newTestAuthenticator(verifier, &fakeLimiter{allow: true})
	ctx := context.Background()

	if _, err := a.RevokeUserSessions(ctx, "u1"); err == nil {
		t.Fatal("expected an error before a disconnector is installed")
	}

	d := &fakeDisconnector{}
	a.SetDisconnector(d)

	for _, conn := range []string{"c1", "c2"} {
		if _, err := a.Authenticate(ctx, "t", conn); err != nil {
			t.Fatalf("Authenticate(%s) error = %v", conn, err)
		}
	}

	n, err := a.RevokeUserSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("RevokeUserSessions() error = %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}
	if len(d.closed) != 2 {
		t.Errorf("disconnected = %d connections, want 2", len(d.closed))
	}
	for _, code := range d.codes {
		if code != 1008 {
			t.Errorf("close code = %d, want 1008", code)
		}
	}
	if a.Session(ctx, "c1") != nil || a.Session(ctx, "c2") != nil {
		t.Error("revoked sessions must be gone")
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	verifier := &fakeVerifier{user: &User{ID: "u1", Username: "alice", Role: RoleUser}}
	a := newTestAuthenticator(verifier, &fakeLimiter{allow: true})
	d := &fakeDisconnector{}
	a.SetDisconnector(d)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }
	ctx := context.Background()

	if _, err := a.Authenticate(ctx, "t", "c1"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	clock = clock.Add(30 * time.Minute)
	if removed := a.CleanupExpiredSessions(ctx, time.Hour); removed != 0 {
		t.Errorf("removed = %d before idle threshold, want 0", removed)
	}

	clock = clock.Add(time.Hour)
	if removed := a.CleanupExpiredSessions(ctx, time.Hour); removed != 1 {
		t.Errorf("removed = %d after idle threshold, want 1", removed)
	}
	if len(d.codes) != 1 || d.codes[0] != 1001 {
		t.Errorf("close codes = %v, want [1001]", d.codes)
	}
	if a.Session(ctx, "c1") != nil {
		t.Error("expired session must be gone")
	}
}

func TestAuditLogBounded(t *testing.T) {
	a := newTestAuthenticator(&fakeVerifier{err: ErrInvalidCredential}, &fakeLimiter{allow: true})
	a.maxAttempts = 5

	for i := 0; i < 20; i++ {
		a.Authenticate(context.Background(), "bad", "c")
	}

	stats := a.Stats()
	if stats.TotalAttempts != 5 {
		t.Errorf("audit log length = %d, want clamped to 5", stats.TotalAttempts)
	}
}
