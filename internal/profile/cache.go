package profile

import (
	"encoding/json"
	"sync"

	"crewassist/pkg/domain"
)

// Snapshot is the cached (profile, session-derived user) pair.
type Snapshot struct {
	Profile domain.Profile `json:"profile"`
	UserID  string         `json:"user_id"`
	Email   string         `json:"email"`
}

// Cache is a single shared snapshot slot, one per running client. Writes are
// last-writer-wins; the snapshot is held serialized so a corrupt payload is
// treated as stale input rather than trusted state.
type Cache struct {
	mu   sync.Mutex
	data []byte
}

// NewCache returns an empty cache slot.
func NewCache() *Cache {
	return &Cache{}
}

// Put serializes and stores snap.
func (c *Cache) Put(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.data = data
	c.mu.Unlock()
}

// Get returns the stored snapshot. A payload that fails to deserialize is
// dropped and reported as a miss.
func (c *Cache) Get() (Snapshot, bool) {
	c.mu.Lock()
	data := c.data
	c.mu.Unlock()
	if len(data) == 0 {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.Clear()
		return Snapshot{}, false
	}
	if snap.Profile.ID == "" {
		return Snapshot{}, false
	}
	return snap, true
}

// Clear empties the slot.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.data = nil
	c.mu.Unlock()
}
