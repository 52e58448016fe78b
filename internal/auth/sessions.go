package auth

import (
	"sync"
	"time"
)

// Session is the revocable server-side record backing a signed token. The
// token itself is independently verifiable; this layer exists so a token can
// be revoked (or IP-pinned) before its cryptographic expiry.
type Session struct {
	Email     string
	Roles     []string
	IP        string
	ExpiresAt time.Time
	Valid     bool
}

// SessionStore is an in-memory token→session map with TTL. Validation fails
// closed: any failed check evicts the entry so a poisoned token cannot be
// retried against a stale record.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore creates a session store and starts its eviction loop
func NewSessionStore(ttl time.Duration) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]Session),
		ttl:      ttl,
		now:      time.Now,
	}
	go s.cleanup()
	return s
}

// Put stores the session under token with the configured TTL
func (s *SessionStore) Put(token string, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.ExpiresAt = s.now().Add(s.ttl)
	sess.Valid = true
	s.sessions[token] = sess
}

// Validate returns the session for token when the entry exists, is still
// valid, has not expired, and the session IP (when set) matches callerIP.
// On any failure the entry is evicted and ok is false.
func (s *SessionStore) Validate(token, callerIP string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, false
	}
	if !sess.Valid || !s.now().Before(sess.ExpiresAt) || (sess.IP != "" && sess.IP != callerIP) {
		delete(s.sessions, token)
		return Session{}, false
	}
	return sess, true
}

// Revoke removes the session for token
func (s *SessionStore) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// cleanup periodically removes expired sessions to keep memory bounded
func (s *SessionStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		now := s.now()
		for token, sess := range s.sessions {
			if !now.Before(sess.ExpiresAt) {
				delete(s.sessions, token)
			}
		}
		s.mu.Unlock()
	}
}
