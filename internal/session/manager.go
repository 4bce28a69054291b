// Package session tracks shell sessions: admission against capacity
// limits, activity and expiry bookkeeping, and the cleanup loop that
// reclaims expired containers.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"shellquest/internal/config"
	"shellquest/internal/metrics"
)

// Session statuses.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusEnded   = "ended"
)

// Session is one user's live run at a challenge, bound to a container.
type Session struct {
	ID             string    `json:"id"`
	UserID         uint      `json:"userId"`
	ChallengeID    uint      `json:"challengeId"`
	ContainerID    string    `json:"containerId"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Decision is the outcome of admission control.
type Decision struct {
	Allowed bool
	Reason  string
}

type pendingKey struct {
	userID      uint
	challengeID uint
}

// Manager is the in-memory session registry. All state lives behind one
// mutex; no I/O happens under the lock.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[pendingKey]struct{}

	cfg config.SessionConfig
	now func() time.Time

	// closeNotify, when set, is called (off the lock, in its own
	// goroutine) with the id of any session removed from the registry so
	// the terminal layer can close its socket.
	closeNotify func(sessionID string)
}

// NewManager creates an empty session registry.
func NewManager(cfg config.SessionConfig) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		pending:  make(map[pendingKey]struct{}),
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetCloseNotify registers the callback invoked when a session is removed.
// Call before serving traffic.
func (m *Manager) SetCloseNotify(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeNotify = fn
}

// Admit decides whether a new session for the user may start, counting
// both live sessions and in-flight creations against the caps.
func (m *Manager) Admit(userID uint) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	userCount := 0
	for key := range m.pending {
		if key.userID == userID {
			userCount++
		}
	}
	total := len(m.pending)
	for _, s := range m.sessions {
		total++
		if s.UserID == userID {
			userCount++
		}
	}

	if userCount > m.cfg.MaxPerUser {
		metrics.AdmissionsDenied.WithLabelValues("per_user").Inc()
		return Decision{Reason: fmt.Sprintf("Maximum %d active session(s) per user", m.cfg.MaxPerUser)}
	}
	if total > m.cfg.MaxTotal {
		metrics.AdmissionsDenied.WithLabelValues("capacity").Inc()
		return Decision{Reason: "System at capacity"}
	}
	return Decision{Allowed: true}
}

// MarkPending atomically claims the (user, challenge) pair for an
// in-flight creation. Returns false if a creation for the pair is already
// under way.
func (m *Manager) MarkPending(userID, challengeID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pendingKey{userID: userID, challengeID: challengeID}
	if _, taken := m.pending[key]; taken {
		return false
	}
	m.pending[key] = struct{}{}
	return true
}

// ClearPending releases a claim taken by MarkPending.
func (m *Manager) ClearPending(userID, challengeID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, pendingKey{userID: userID, challengeID: challengeID})
}

// IsPending reports whether a creation for the pair is in flight.
func (m *Manager) IsPending(userID, challengeID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[pendingKey{userID: userID, challengeID: challengeID}]
	return ok
}

// Create registers a new active session bound to a container.
func (m *Manager) Create(userID, challengeID uint, containerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ChallengeID:    challengeID,
		ContainerID:    containerID,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.MaxDuration),
	}
	m.sessions[s.ID] = s
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	return copySession(s)
}

// Get returns a snapshot of the session, or false if unknown.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return copySession(s), true
}

// UpdateActivity advances the session's idle clock. The timestamp never
// moves backwards.
func (m *Manager) UpdateActivity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if now := m.now(); now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// End removes the session as user-terminated. Ending an already-removed
// session is a no-op.
func (m *Manager) End(id string) {
	m.remove(id, StatusEnded)
}

// MarkExpired removes the session as timed out.
func (m *Manager) MarkExpired(id string) {
	m.remove(id, StatusExpired)
}

func (m *Manager) remove(id, status string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.Status = status
		delete(m.sessions, id)
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	notify := m.closeNotify
	m.mu.Unlock()

	if ok && notify != nil {
		go notify(id)
	}
}

// ListActive returns snapshots of all live sessions.
func (m *Manager) ListActive() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, copySession(s))
	}
	return out
}

// ListUser returns snapshots of the user's live sessions.
func (m *Manager) ListUser(userID uint) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, copySession(s))
		}
	}
	return out
}

// ActiveForUserChallenge returns the user's live session for a challenge,
// if one exists.
func (m *Manager) ActiveForUserChallenge(userID, challengeID uint) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.UserID == userID && s.ChallengeID == challengeID {
			return copySession(s), true
		}
	}
	return nil, false
}

// ListExpired returns snapshots of sessions past their idle or absolute
// deadline.
func (m *Manager) ListExpired() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []*Session
	for _, s := range m.sessions {
		idle := now.Sub(s.LastActivityAt) > m.cfg.IdleTimeout
		overran := now.After(s.ExpiresAt)
		if idle || overran {
			out = append(out, copySession(s))
		}
	}
	return out
}

func copySession(s *Session) *Session {
	c := *s
	return &c
}
