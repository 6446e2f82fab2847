package live

import (
	"sync"
	"time"
)

// DefaultSeenTTL is how long a frame key suppresses duplicates.
const DefaultSeenTTL = 2 * time.Minute

// SeenSet remembers frame keys for a TTL so a redelivered frame is applied once.
type SeenSet struct {
	mu        sync.Mutex
	m         map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// NewSeenSet creates a set. A zero ttl selects DefaultSeenTTL.
func NewSeenSet(ttl time.Duration) *SeenSet {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &SeenSet{m: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// SeenOnce records key and reports whether it was already present and unexpired.
func (s *SeenSet) SeenOnce(key string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.ttl {
		for k, exp := range s.m {
			if !exp.After(now) {
				delete(s.m, k)
			}
		}
		s.lastSweep = now
	}

	if exp, ok := s.m[key]; ok && exp.After(now) {
		return true
	}
	s.m[key] = now.Add(s.ttl)
	return false
}

// Len returns the number of tracked keys, expired ones included until the next sweep.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
