package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RefreshThreshold bounds (seconds before expiry at which a refresh fires).
const (
	MinRefreshThreshold     = 1
	MaxRefreshThreshold     = 899
	DefaultRefreshThreshold = 180
)

// ClampRefreshThreshold validates a candidate threshold, reporting whether it
// was usable. Out-of-range values fall back to the default.
func ClampRefreshThreshold(seconds int) (int, bool) {
	if seconds < MinRefreshThreshold || seconds > MaxRefreshThreshold {
		return DefaultRefreshThreshold, false
	}
	return seconds, true
}

// Manager owns the session chain for one connection. The connection actor is
// the only mutator; the mutex exists for snapshot reads from other goroutines.
type Manager struct {
	mu sync.Mutex

	current *Session
	chain   []*Session // every record ever created, oldest first

	refreshThreshold time.Duration
	now              func() time.Time
	logger           zerolog.Logger
	emit             func(category string, fields map[string]any)
}

// NewManager creates a manager. thresholdSeconds must already be validated via
// ClampRefreshThreshold. emit may be nil.
func NewManager(thresholdSeconds int, logger zerolog.Logger, emit func(string, map[string]any)) *Manager {
	return &Manager{
		refreshThreshold: time.Duration(thresholdSeconds) * time.Second,
		now:              time.Now,
		logger:           logger.With().Str("component", "session").Logger(),
		emit:             emit,
	}
}

// SetNow overrides the clock source. Test hook.
func (m *Manager) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) expiry(res *AuthResult, at time.Time) time.Time {
	return at.Add(time.Duration(res.ExpiresIn) * time.Second)
}

// ApplyInitial installs the session produced by the first successful auth.
func (m *Manager) ApplyInitial(res *AuthResult) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		ID:           newID(),
		CreatedAt:    now,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    m.expiry(res, now),
		Scope:        res.Scope,
		Transition:   TransitionInitial,
		Active:       true,
	}
	m.deactivateCurrent()
	m.current = s
	m.chain = append(m.chain, s)
	m.event("created", map[string]any{
		"session_id": s.ID,
		"transition": string(s.Transition),
		"expires_at": s.ExpiresAt.UnixMilli(),
	})
	return s
}

// ApplyRefresh updates the current session's tokens in place. The session id
// is preserved; only the tokens, expiry and transition tag change.
func (m *Manager) ApplyRefresh(res *AuthResult) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil {
		return nil
	}
	s.AccessToken = res.AccessToken
	s.RefreshToken = res.RefreshToken
	s.ExpiresAt = m.expiry(res, m.now())
	if res.Scope != "" {
		s.Scope = res.Scope
	}
	s.Transition = TransitionRefresh
	m.event("refreshed", map[string]any{
		"session_id": s.ID,
		"expires_at": s.ExpiresAt.UnixMilli(),
	})
	return s
}

// ApplyExchange installs the session produced by a subaccount token exchange.
func (m *Manager) ApplyExchange(res *AuthResult, subjectID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		ID:           newID(),
		CreatedAt:    now,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    m.expiry(res, now),
		Scope:        res.Scope,
		Transition:   TransitionExchange,
		SubjectID:    subjectID,
		Active:       true,
	}
	if m.current != nil {
		s.PrevID = m.current.ID
	}
	m.deactivateCurrent()
	m.current = s
	m.chain = append(m.chain, s)
	m.event("transitioned", map[string]any{
		"session_id": s.ID,
		"prev_id":    s.PrevID,
		"transition": string(s.Transition),
		"subject_id": subjectID,
	})
	return s
}

// ApplyFork installs a named session forked from the current one. The subject
// binding of the predecessor is inherited.
func (m *Manager) ApplyFork(res *AuthResult, sessionName string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		ID:           newID(),
		CreatedAt:    now,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    m.expiry(res, now),
		Scope:        res.Scope,
		Transition:   TransitionFork,
		SessionName:  sessionName,
		Active:       true,
	}
	if m.current != nil {
		s.PrevID = m.current.ID
		s.SubjectID = m.current.SubjectID
	}
	m.deactivateCurrent()
	m.current = s
	m.chain = append(m.chain, s)
	m.event("transitioned", map[string]any{
		"session_id":   s.ID,
		"prev_id":      s.PrevID,
		"transition":   string(s.Transition),
		"session_name": sessionName,
	})
	return s
}

// Invalidate clears tokens after logout and deactivates the session.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}
	m.current.AccessToken = ""
	m.current.RefreshToken = ""
	m.current.Active = false
	m.event("invalidated", map[string]any{"session_id": m.current.ID})
	m.current = nil
}

func (m *Manager) deactivateCurrent() {
	if m.current != nil {
		m.current.Active = false
	}
}

// Current returns a copy of the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	s := *m.current
	return &s
}

// AccessToken returns the active access token, or "".
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.AccessToken
}

// RefreshToken returns the active refresh token, or "".
func (m *Manager) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.RefreshToken
}

// RefreshDeadline returns when the refresh timer should fire for the current
// session. ok is false when no session is active.
func (m *Manager) RefreshDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return time.Time{}, false
	}
	return m.current.ExpiresAt.Add(-m.refreshThreshold), true
}

// Chain returns copies of every session record, newest first.
func (m *Manager) Chain() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.chain))
	for i := len(m.chain) - 1; i >= 0; i-- {
		s := *m.chain[i]
		out = append(out, &s)
	}
	return out
}

func (m *Manager) event(category string, fields map[string]any) {
	if m.emit != nil {
		m.emit("session."+category, fields)
	}
}
