package reconciler

import (
	"sync"
	"time"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
)

// Stamp is the last updated_at seen on each side of a twin.
type Stamp struct {
	Local    time.Time
	Upstream time.Time
}

func (s Stamp) At(side models.Side) time.Time {
	if side == models.Upstream {
		return s.Upstream
	}
	return s.Local
}

// Timestamps is keyed by upstream id.
type Timestamps struct {
	mu      sync.RWMutex
	entries map[string]Stamp
}

func NewTimestamps() *Timestamps {
	return &Timestamps{entries: make(map[string]Stamp)}
}

func (t *Timestamps) Get(upstreamID string) (Stamp, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.entries[upstreamID]
	return s, ok
}

func (t *Timestamps) Set(upstreamID string, s Stamp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[upstreamID] = s
}

func (t *Timestamps) Delete(upstreamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, upstreamID)
}

func (t *Timestamps) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]Stamp)
}

func (t *Timestamps) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
