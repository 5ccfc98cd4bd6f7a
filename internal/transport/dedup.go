package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Deduplicator suppresses repeated sends of the same message within a TTL
// window. Identifiers are scoped by client so identical payloads to different
// connections are never deduplicated against each other.
type Deduplicator struct {
	mu              sync.Mutex
	seen            map[string]time.Time
	ttl             time.Duration
	currentClientID string
}

// NewDeduplicator creates a deduplicator with the given TTL window.
func NewDeduplicator(ttl time.Duration) *Deduplicator {
	return &Deduplicator{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// SetCurrentClientID sets the client scope used when deriving message IDs
// for payloads without an explicit id.
func (d *Deduplicator) SetCurrentClientID(clientID string) {
	d.mu.Lock()
	d.currentClientID = clientID
	d.mu.Unlock()
}

// MessageID returns the dedup identifier for a payload. An explicit non-empty
// string "id" field wins; otherwise the ID is the xxhash of the client scope
// plus the canonical JSON encoding. encoding/json writes map keys in sorted
// order, which gives the canonical form directly.
func (d *Deduplicator) MessageID(msg map[string]any) string {
	if id, ok := msg["id"].(string); ok && id != "" {
		return id
	}

	d.mu.Lock()
	clientID := d.currentClientID
	d.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", msg))
	}
	h := xxhash.New()
	h.WriteString(clientID)
	h.WriteString(":")
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// IsDuplicate sweeps expired entries, then checks membership. An unseen ID is
// recorded and reported as not a duplicate.
func (d *Deduplicator) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, k)
		}
	}

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	return false
}

// CleanupExpired removes entries older than the TTL and returns the count.
func (d *Deduplicator) CleanupExpired() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, k)
			removed++
		}
	}
	return removed
}

// Clear drops all remembered IDs.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	d.seen = make(map[string]time.Time)
	d.mu.Unlock()
}

// Size returns the number of remembered IDs.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
