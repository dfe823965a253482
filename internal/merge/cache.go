package merge

import (
	"sync"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
)

// Cache holds the last agreed copy of each resource keyed by upstream id.
type Cache struct {
	mu      sync.RWMutex
	masters map[string]models.Fields
}

func NewCache() *Cache {
	return &Cache{masters: make(map[string]models.Fields)}
}

func (c *Cache) Get(upstreamID string) (models.Fields, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.masters[upstreamID]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

func (c *Cache) Put(upstreamID string, f models.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masters[upstreamID] = f.Clone()
}

func (c *Cache) Delete(upstreamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.masters, upstreamID)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masters = make(map[string]models.Fields)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.masters)
}
