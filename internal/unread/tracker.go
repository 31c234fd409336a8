// Package unread counts unread messages per peer.
package unread

import (
	"sync"

	"github.com/whisper/inbox/internal/protocol"
)

// Tracker maps peer ids to positive unread counts. Peers with nothing
// unread are absent from the map.
type Tracker struct {
	mu     sync.RWMutex
	counts map[protocol.ID]int
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{counts: make(map[protocol.ID]int)}
}

// Increment adds one unread message for peer and returns the new count.
func (t *Tracker) Increment(peer protocol.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[peer]++
	return t.counts[peer]
}

// Clear removes peer from the map.
func (t *Tracker) Clear(peer protocol.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, peer)
}

// Count returns the unread count for peer, 0 if absent.
func (t *Tracker) Count(peer protocol.ID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[peer]
}

// Has reports whether peer has an entry.
func (t *Tracker) Has(peer protocol.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.counts[peer]
	return ok
}

// Snapshot returns a copy of the map.
func (t *Tracker) Snapshot() map[protocol.ID]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[protocol.ID]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}
