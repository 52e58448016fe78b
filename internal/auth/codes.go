package auth

import (
	"sync"
	"time"
)

// CodeTTL is how long a verification code stays redeemable.
const CodeTTL = 5 * time.Minute

type codeEntry struct {
	code      string
	expiresAt time.Time
}

// CodeStore is an in-memory store of pending verification codes, keyed by
// email. At most one code exists per email: storing a new one supersedes the
// previous. Entries are process-local; a restart drops outstanding codes and
// users simply re-request.
type CodeStore struct {
	mu    sync.Mutex
	codes map[string]codeEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewCodeStore creates a code store and starts its eviction loop
func NewCodeStore() *CodeStore {
	s := &CodeStore{
		codes: make(map[string]codeEntry),
		ttl:   CodeTTL,
		now:   time.Now,
	}
	go s.cleanup()
	return s
}

// Store records code for email, replacing any previous code and restarting
// the TTL.
func (s *CodeStore) Store(email, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[email] = codeEntry{code: code, expiresAt: s.now().Add(s.ttl)}
}

// Get returns the current code for email. Expired entries are removed and
// reported as absent.
func (s *CodeStore) Get(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[email]
	if !ok {
		return "", false
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.codes, email)
		return "", false
	}
	return entry.code, true
}

// Invalidate removes the code for email unconditionally
func (s *CodeStore) Invalidate(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, email)
}

// cleanup periodically removes expired entries to keep memory bounded
func (s *CodeStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		now := s.now()
		for email, entry := range s.codes {
			if !now.Before(entry.expiresAt) {
				delete(s.codes, email)
			}
		}
		s.mu.Unlock()
	}
}
