// pkg/mem/inflight_keys.go
package mem

import (
	"sync"
	"time"
)

// InflightStore tracks idempotency keys whose purchase is currently executing.
type InflightStore interface {
	// Claim marks key as in flight until Release or ttl expiry. It returns false
	// when another caller already holds an unexpired claim.
	Claim(key string, ttl time.Duration) bool

	Release(key string)
}

type entry struct {
	expiresAt time.Time
}

type InflightKeys struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

func NewInflightKeys() *InflightKeys {
	return &InflightKeys{
		data: make(map[string]entry),
		now:  time.Now,
	}
}

func (s *InflightKeys) Claim(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.data[key]; ok && now.Before(e.expiresAt) {
		return false
	}
	s.data[key] = entry{expiresAt: now.Add(ttl)}
	return true
}

func (s *InflightKeys) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Purge drops expired claims; returns how many were removed.
func (s *InflightKeys) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.data {
		if !now.Before(e.expiresAt) {
			delete(s.data, k)
			removed++
		}
	}
	return removed
}
