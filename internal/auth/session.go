package auth

import "time"

// Session binds an authenticated user to one connection. A session
// exists if and only if its connection is in the authenticated state.
type Session struct {
	User            *User
	ConnectionID    string
	AuthenticatedAt time.Time
	LastActivity    time.Time
	Permissions     map[string]struct{}
}

// HasPermission reports whether the session grants perm. The "admin"
// permission overrides any specific check.
func (s *Session) HasPermission(perm string) bool {
	if _, ok := s.Permissions["admin"]; ok {
		return true
	}
	_, ok := s.Permissions[perm]
	return ok
}

// IdleFor returns how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// SessionInfo is the externally visible snapshot of a session, also
// used for shared-cache mirroring.
type SessionInfo struct {
	UserID          string   `json:"user_id"`
	Username        string   `json:"username"`
	ConnectionID    string   `json:"connection_id"`
	AuthenticatedAt string   `json:"authenticated_at"`
	LastActivity    string   `json:"last_activity"`
	IdleSeconds     float64  `json:"idle_seconds"`
	Permissions     []string `json:"permissions"`
}

func (s *Session) info(now time.Time) SessionInfo {
	perms := make([]string, 0, len(s.Permissions))
	for p := range s.Permissions {
		perms = append(perms, p)
	}
	return SessionInfo{
		UserID:          s.User.ID,
		Username:        s.User.Username,
		ConnectionID:    s.ConnectionID,
		AuthenticatedAt: s.AuthenticatedAt.UTC().Format(time.RFC3339Nano),
		LastActivity:    s.LastActivity.UTC().Format(time.RFC3339Nano),
		IdleSeconds:     s.IdleFor(now).Seconds(),
		Permissions:     perms,
	}
}
