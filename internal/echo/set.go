// Package echo tracks notifications the synchronizer expects to receive back
// as a consequence of its own writes, so they can be discarded on arrival.
package echo

import (
	"sync"
	"time"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
)

// DefaultTTL is how long an expected echo is retained.
const DefaultTTL = time.Hour

// Fingerprint identifies one expected notification.
type Fingerprint struct {
	Side       models.Side
	Action     repository.Action
	ResourceID string
	Digest     string
}

// Set holds expected echoes per side. The same fingerprint may be expected
// more than once; each consume removes the oldest occurrence.
type Set struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries [2]map[Fingerprint][]time.Time
}

func NewSet(ttl time.Duration) *Set {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Set{ttl: ttl, now: time.Now}
	for i := range s.entries {
		s.entries[i] = make(map[Fingerprint][]time.Time)
	}
	return s
}

// WithClock replaces the time source.
func (s *Set) WithClock(now func() time.Time) *Set {
	s.now = now
	return s
}

func (s *Set) MarkExpected(fp Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.entries[fp.Side]
	m[fp] = append(m[fp], s.now())
}

// ConsumeIfExpected reports whether fp was expected and, if so, removes it.
// Expired entries never match.
func (s *Set) ConsumeIfExpected(fp Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.entries[fp.Side]
	stamps := s.live(m[fp])
	if len(stamps) == 0 {
		delete(m, fp)
		return false
	}
	if len(stamps) == 1 {
		delete(m, fp)
	} else {
		m[fp] = stamps[1:]
	}
	return true
}

// Purge drops expired entries and returns how many were removed.
func (s *Set) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, m := range s.entries {
		for fp, stamps := range m {
			live := s.live(stamps)
			removed += len(stamps) - len(live)
			if len(live) == 0 {
				delete(m, fp)
			} else {
				m[fp] = live
			}
		}
	}
	return removed
}

// Len is the number of pending entries on a side, expired or not.
func (s *Set) Len(side models.Side) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, stamps := range s.entries[side] {
		n += len(stamps)
	}
	return n
}

func (s *Set) live(stamps []time.Time) []time.Time {
	cutoff := s.now().Add(-s.ttl)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
