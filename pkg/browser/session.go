package browser

import (
	"time"
)

// Session is one pooled browser. Its mutable fields are guarded by the
// owning Pool's mutex; callers only read them through Info.
type Session struct {
	// ID is the unique identifier for this session
	ID string

	// CreatedAt is the timestamp when the browser was launched
	CreatedAt time.Time

	driver Driver

	state    SessionState
	owner    string
	lastUsed time.Time
	uses     int
}

// Driver returns the browser driver. It must only be used while leased.
func (s *Session) Driver() Driver {
	return s.driver
}

// SessionInfo contains metadata about a pooled session.
type SessionInfo struct {
	ID         string       `json:"id"`
	State      SessionState `json:"state"`
	Owner      string       `json:"owner,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	LastUsedAt time.Time    `json:"lastUsedAt"`
	Uses       int          `json:"uses"`
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		State:      s.state,
		Owner:      s.owner,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.lastUsed,
		Uses:       s.uses,
	}
}

// expired reports whether an idle session should be torn down instead of
// reused.
func (s *Session) expired(now time.Time, opts PoolOptions) (bool, string) {
	if opts.MaxUses > 0 && s.uses >= opts.MaxUses {
		return true, "recycled"
	}
	if opts.IdleTimeout > 0 && now.Sub(s.lastUsed) > opts.IdleTimeout {
		return true, "idle"
	}
	if !s.driver.Alive() {
		return true, "dead"
	}
	return false, ""
}
