// Package auth validates websocket credentials, derives permissions
// from roles, and tracks the session bound to each authenticated
// connection. It never closes sockets itself: connection fate after an
// authentication failure is the caller's policy decision.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evowire/backend/internal/cache"
	"github.com/evowire/backend/internal/ratelimit"
)

const (
	// Tighter window for the authenticate action than for ordinary
	// message actions.
	authLimit  = 10
	authWindow = time.Minute

	sessionMirrorTTL = time.Hour
	attemptMirrorTTL = 24 * time.Hour
)

// Disconnector is the registry capability RevokeUserSessions and the
// idle sweep need to force connections closed.
type Disconnector interface {
	Disconnect(connectionID string, code int, reason string)
}

// Attempt is one audited authentication attempt.
type Attempt struct {
	Timestamp       string  `json:"timestamp"`
	ConnectionID    string  `json:"connection_id"`
	UserID          string  `json:"user_id,omitempty"`
	Username        string  `json:"username,omitempty"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Stats aggregates the audit log and the live session indices.
type Stats struct {
	ActiveSessions     int            `json:"active_sessions"`
	TotalAttempts      int            `json:"total_auth_attempts"`
	SuccessfulAttempts int            `json:"successful_attempts"`
	FailedAttempts     int            `json:"failed_attempts"`
	SuccessRate        float64        `json:"success_rate"`
	SessionsByUser     map[string]int `json:"sessions_by_user"`
}

// Authenticator owns the session table, the per-user session index, and
// a bounded audit log of attempts.
type Authenticator struct {
	verifier Verifier
	limiter  ratelimit.Limiter
	mirror   cache.Mirror
	log      *zap.Logger

	mu           sync.Mutex
	sessions     map[string]*Session            // connection id -> session
	userSessions map[string]map[string]struct{} // user id -> connection ids
	attempts     []Attempt
	maxAttempts  int

	disconnector Disconnector
	now          func() time.Time
}

// NewAuthenticator wires the identity verifier, the rate limiter, and
// an optional shared-cache mirror.
func NewAuthenticator(verifier Verifier, limiter ratelimit.Limiter, mirror cache.Mirror, log *zap.Logger) *Authenticator {
	if mirror == nil {
		mirror = cache.Nop{}
	}
	return &Authenticator{
		verifier:     verifier,
		limiter:      limiter,
		mirror:       mirror,
		log:          log,
		sessions:     make(map[string]*Session),
		userSessions: make(map[string]map[string]struct{}),
		maxAttempts:  1000,
		now:          time.Now,
	}
}

// SetDisconnector installs the registry hook used by RevokeUserSessions
// and CleanupExpiredSessions. Must be called before either runs.
func (a *Authenticator) SetDisconnector(d Disconnector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnector = d
}

// Authenticate validates a bearer token, applies the auth-action rate
// limit for the resolved user, creates the session, and audits the
// attempt. On failure the attempt is audited and a typed error
// returned; the connection is left open.
func (a *Authenticator) Authenticate(ctx context.Context, token, connectionID string) (*User, error) {
	return a.authenticate(ctx, connectionID, func() (*User, error) {
		return a.verifier.VerifyToken(ctx, token)
	})
}

// AuthenticateAPIKey is the API-key counterpart of Authenticate, with
// the same rate-limit and audit contract.
func (a *Authenticator) AuthenticateAPIKey(ctx context.Context, key, connectionID string) (*User, error) {
	return a.authenticate(ctx, connectionID, func() (*User, error) {
		return a.verifier.VerifyAPIKey(ctx, key)
	})
}

func (a *Authenticator) authenticate(ctx context.Context, connectionID string, verify func() (*User, error)) (*User, error) {
	start := a.now()

	user, err := verify()
	if err != nil {
		a.audit(ctx, Attempt{ConnectionID: connectionID, Error: err.Error()}, start)
		a.log.Warn("websocket authentication failed",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
		return nil, err
	}

	if !a.limiter.Allow(ctx, user.ID, "auth", authLimit, authWindow) {
		a.audit(ctx, Attempt{
			ConnectionID: connectionID,
			UserID:       user.ID,
			Username:     user.Username,
			Error:        ErrRateLimited.Error(),
		}, start)
		return nil, ErrRateLimited
	}

	a.createSession(ctx, user, connectionID)
	a.audit(ctx, Attempt{
		ConnectionID: connectionID,
		UserID:       user.ID,
		Username:     user.Username,
		Success:      true,
	}, start)

	a.log.Info("websocket authentication succeeded",
		zap.String("connection_id", connectionID),
		zap.String("user_id", user.ID),
		zap.String("username", user.Username),
	)
	return user, nil
}

// createSession replaces any existing session on the connection.
func (a *Authenticator) createSession(ctx context.Context, user *User, connectionID string) {
	a.RemoveSession(ctx, connectionID)

	now := a.now()
	session := &Session{
		User:            user,
		ConnectionID:    connectionID,
		AuthenticatedAt: now,
		LastActivity:    now,
		Permissions:     PermissionsFor(user.Role),
	}

	a.mu.Lock()
	a.sessions[connectionID] = session
	conns, ok := a.userSessions[user.ID]
	if !ok {
		conns = make(map[string]struct{})
		a.userSessions[user.ID] = conns
	}
	conns[connectionID] = struct{}{}
	info := session.info(now)
	a.mu.Unlock()

	a.mirror.Set(ctx, "ws_session:"+connectionID, info, sessionMirrorTTL)
}

// RemoveSession drops the session bound to connectionID, if any. The
// per-user index entry is deleted entirely when its last session goes.
func (a *Authenticator) RemoveSession(ctx context.Context, connectionID string) {
	a.mu.Lock()
	session, ok := a.sessions[connectionID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.sessions, connectionID)
	userID := session.User.ID
	if conns, ok := a.userSessions[userID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(a.userSessions, userID)
		}
	}
	a.mu.Unlock()

	a.mirror.Delete(ctx, "ws_session:"+connectionID)
	a.log.Debug("session removed", zap.String("connection_id", connectionID))
}

// Session returns the session for a connection, updating its activity
// timestamp, or nil.
func (a *Authenticator) Session(ctx context.Context, connectionID string) *Session {
	a.mu.Lock()
	session, ok := a.sessions[connectionID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	now := a.now()
	session.LastActivity = now
	info := session.info(now)
	a.mu.Unlock()

	a.mirror.Set(ctx, "ws_session:"+connectionID, info, sessionMirrorTTL)
	return session
}

// VerifyPermission reports whether the connection has an active session
// granting perm (or the overriding admin permission).
func (a *Authenticator) VerifyPermission(ctx context.Context, connectionID, perm string) bool {
	session := a.Session(ctx, connectionID)
	if session == nil {
		return false
	}
	return session.HasPermission(perm)
}

// CheckRateLimit applies the limiter keyed by the session's user id.
// Connections without a session are refused outright.
func (a *Authenticator) CheckRateLimit(ctx context.Context, connectionID, action string, limit int, window time.Duration) bool {
	session := a.Session(ctx, connectionID)
	if session == nil {
		return false
	}
	return a.limiter.Allow(ctx, session.User.ID, action, limit, window)
}

// RevokeUserSessions force-disconnects every connection the user holds
// and returns how many there were. Used for forced logout and bans.
func (a *Authenticator) RevokeUserSessions(ctx context.Context, userID string) (int, error) {
	a.mu.Lock()
	if a.disconnector == nil {
		a.mu.Unlock()
		return 0, fmt.Errorf("revoke sessions for %s: no disconnector installed", userID)
	}
	d := a.disconnector
	conns := make([]string, 0, len(a.userSessions[userID]))
	for id := range a.userSessions[userID] {
		conns = append(conns, id)
	}
	a.mu.Unlock()

	for _, id := range conns {
		d.Disconnect(id, 1008, "session revoked")
		a.RemoveSession(ctx, id)
	}

	if len(conns) > 0 {
		a.log.Info("revoked user sessions",
			zap.String("user_id", userID),
			zap.Int("count", len(conns)),
		)
	}
	return len(conns), nil
}

// CleanupExpiredSessions sweeps sessions idle beyond maxIdle,
// disconnecting their connections.
func (a *Authenticator) CleanupExpiredSessions(ctx context.Context, maxIdle time.Duration) int {
	now := a.now()

	a.mu.Lock()
	d := a.disconnector
	expired := make([]string, 0)
	for id, session := range a.sessions {
		if session.IdleFor(now) > maxIdle {
			expired = append(expired, id)
		}
	}
	a.mu.Unlock()

	for _, id := range expired {
		if d != nil {
			d.Disconnect(id, 1001, "session idle timeout")
		}
		a.RemoveSession(ctx, id)
	}

	if len(expired) > 0 {
		a.log.Info("removed expired sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// audit appends an attempt to the bounded log and mirrors it.
func (a *Authenticator) audit(ctx context.Context, attempt Attempt, start time.Time) {
	now := a.now()
	attempt.Timestamp = now.UTC().Format(time.RFC3339Nano)
	attempt.DurationSeconds = now.Sub(start).Seconds()

	a.mu.Lock()
	a.attempts = append(a.attempts, attempt)
	if len(a.attempts) > a.maxAttempts {
		a.attempts = a.attempts[len(a.attempts)-a.maxAttempts:]
	}
	a.mu.Unlock()

	key := fmt.Sprintf("ws_auth_attempt:%s:%s", now.UTC().Format("20060102150405"), attempt.ConnectionID)
	a.mirror.Set(ctx, key, attempt, attemptMirrorTTL)
}

// Stats summarizes the audit log and live sessions.
func (a *Authenticator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	successes := 0
	for _, attempt := range a.attempts {
		if attempt.Success {
			successes++
		}
	}

	byUser := make(map[string]int, len(a.userSessions))
	for userID, conns := range a.userSessions {
		byUser[userID] = len(conns)
	}

	stats := Stats{
		ActiveSessions:     len(a.sessions),
		TotalAttempts:      len(a.attempts),
		SuccessfulAttempts: successes,
		FailedAttempts:     len(a.attempts) - successes,
		SessionsByUser:     byUser,
	}
	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.TotalAttempts)
	}
	return stats
}

// Sessions returns a snapshot of every active session.
func (a *Authenticator) Sessions() []SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	out := make([]SessionInfo, 0, len(a.sessions))
	for _, session := range a.sessions {
		out = append(out, session.info(now))
	}
	return out
}
