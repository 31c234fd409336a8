// Package room keeps the client joined to its inbox room across reconnects.
//
// The relay forgets room membership whenever a connection drops, so the
// Membership remembers the desired room and re-sends exactly one join for
// every connection the channel establishes.
package room

import (
	"log"
	"sync"

	"github.com/whisper/inbox/internal/metrics"
	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/transport"
)

// Channel is the subset of transport.Channel the membership needs.
type Channel interface {
	Publish(event string, payload interface{}) bool
	Subscribe(event string, h transport.Handler) transport.Subscription
	Unsubscribe(sub transport.Subscription)
	State() (connected bool, epoch uint64)
}

// Membership tracks the desired room and the connection epoch it was last
// joined on.
type Membership struct {
	ch  Channel
	sub transport.Subscription

	mu          sync.Mutex
	desired     protocol.ID
	joinedRoom  protocol.ID
	joinedEpoch uint64
	closed      bool
}

// NewMembership subscribes to the channel's connected events. Call Close to
// release the subscription.
func NewMembership(ch Channel) *Membership {
	m := &Membership{ch: ch}
	m.sub = ch.Subscribe(transport.EventConnected, m.onConnected)
	return m
}

// JoinRoom sets the desired room. If the channel is connected the join is
// sent immediately; otherwise it is deferred to the next connected event.
func (m *Membership) JoinRoom(room protocol.ID) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.desired = room
	m.mu.Unlock()

	connected, epoch := m.ch.State()
	if !connected {
		log.Printf("[room] join %s deferred until connected", room)
		return
	}
	m.join(epoch)
}

// Desired returns the room the client should be joined to.
func (m *Membership) Desired() protocol.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desired
}

// JoinedEpoch returns the epoch of the connection the last join was sent on.
func (m *Membership) JoinedEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joinedEpoch
}

// Close unsubscribes from the channel. Further joins are ignored.
func (m *Membership) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.ch.Unsubscribe(m.sub)
}

func (m *Membership) onConnected(ev transport.Event) {
	m.join(ev.Epoch)
}

// join sends at most one join per (room, epoch) pair. A JoinRoom racing the
// connected event for the same connection therefore results in one frame.
func (m *Membership) join(epoch uint64) {
	m.mu.Lock()
	room := m.desired
	if m.closed || room == "" || (m.joinedEpoch == epoch && m.joinedRoom == room) {
		m.mu.Unlock()
		return
	}
	m.joinedEpoch = epoch
	m.joinedRoom = room
	m.mu.Unlock()

	if !m.ch.Publish(protocol.TypeJoin, room.String()) {
		// The connection dropped underneath us; the next connected event
		// carries a new epoch and retries.
		log.Printf("[room] join %s epoch=%d not delivered", room, epoch)
		return
	}
	metrics.RoomJoins.Inc()
	log.Printf("[room] joined %s epoch=%d", room, epoch)
}
