// Package chat holds the message store for the active conversation context
// and validation for outbound message bodies.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/whisper/inbox/internal/protocol"
)

// Store is an arrival-ordered collection of messages with at most one entry
// per message id. It is goroutine-safe.
type Store struct {
	mu    sync.RWMutex
	items []protocol.Message
	index map[protocol.ID]struct{}
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{index: make(map[protocol.ID]struct{})}
}

// ReplaceAll discards the current contents and loads msgs in the given
// order. Repeated ids keep their first occurrence. Messages without an id
// are skipped.
func (s *Store) ReplaceAll(msgs []protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make([]protocol.Message, 0, len(msgs))
	s.index = make(map[protocol.ID]struct{}, len(msgs))
	for _, m := range msgs {
		s.appendLocked(m)
	}
}

// Append adds m at the end unless a message with the same id is already
// stored. It reports whether m was added.
func (s *Store) Append(m protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

func (s *Store) appendLocked(m protocol.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	s.index[m.ID] = struct{}{}
	s.items = append(s.items, m)
	return true
}

// Contains reports whether a message with id is stored.
func (s *Store) Contains(id protocol.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// All returns a copy of the messages in arrival order.
func (s *Store) All() []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Message, len(s.items))
	copy(out, s.items)
	return out
}

// Sorted returns a copy of the messages in display order: by CreatedAt,
// with arrival order breaking ties. A message without a timestamp sorts
// as if it carried the timestamp of the message that arrived before it.
func (s *Store) Sorted() []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type keyed struct {
		msg protocol.Message
		at  time.Time
	}
	keys := make([]keyed, len(s.items))
	var last time.Time
	for i, m := range s.items {
		if !m.CreatedAt.IsZero() {
			last = m.CreatedAt
		}
		keys[i] = keyed{msg: m, at: last}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return keys[i].at.Before(keys[j].at)
	})

	out := make([]protocol.Message, len(keys))
	for i, k := range keys {
		out[i] = k.msg
	}
	return out
}
