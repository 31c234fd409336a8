package room

import (
	"sync"
	"testing"

	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/transport"
)

// fakeChannel records published frames and lets tests drive connection
// transitions synchronously.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	epoch     uint64
	handlers  map[string]map[uint64]transport.Handler
	next      uint64
	published []published
}

type published struct {
	event   string
	payload interface{}
	epoch   uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[uint64]transport.Handler)}
}

func (f *fakeChannel) Publish(event string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.published = append(f.published, published{event: event, payload: payload, epoch: f.epoch})
	return true
}

func (f *fakeChannel) Subscribe(event string, h transport.Handler) transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[uint64]transport.Handler)
	}
	f.handlers[event][f.next] = h
	return transport.Subscription{Event: event, ID: f.next}
}

func (f *fakeChannel) Unsubscribe(sub transport.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[sub.Event], sub.ID)
}

func (f *fakeChannel) State() (bool, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, f.epoch
}

func (f *fakeChannel) connect() {
	f.mu.Lock()
	f.connected = true
	f.epoch++
	epoch := f.epoch
	hs := make([]transport.Handler, 0, len(f.handlers[transport.EventConnected]))
	for _, h := range f.handlers[transport.EventConnected] {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(transport.Event{Name: transport.EventConnected, Epoch: epoch})
	}
}

func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeChannel) joins() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.event == protocol.TypeJoin {
			out = append(out, p)
		}
	}
	return out
}

func TestRejoinOncePerConnection(t *testing.T) {
	ch := newFakeChannel()
	m := NewMembership(ch)
	defer m.Close()

	m.JoinRoom("u1")
	if got := len(ch.joins()); got != 0 {
		t.Fatalf("expected deferred join while disconnected, got %d joins", got)
	}

	const reconnects = 5
	for i := 0; i < reconnects; i++ {
		ch.connect()
		ch.drop()
	}

	joins := ch.joins()
	if len(joins) != reconnects {
		t.Fatalf("expected %d joins, got %d", reconnects, len(joins))
	}
	for i, j := range joins {
		if j.payload != "u1" {
			t.Errorf("join %d: expected room u1, got %v", i, j.payload)
		}
		if j.epoch != uint64(i+1) {
			t.Errorf("join %d: expected epoch %d, got %d", i, i+1, j.epoch)
		}
	}
}

func TestJoinWhileConnectedIsImmediate(t *testing.T) {
	ch := newFakeChannel()
	m := NewMembership(ch)
	defer m.Close()

	ch.connect()
	if got := len(ch.joins()); got != 0 {
		t.Fatalf("expected no join without a desired room, got %d", got)
	}

	m.JoinRoom("u1")
	joins := ch.joins()
	if len(joins) != 1 || joins[0].epoch != 1 {
		t.Fatalf("expected one join on epoch 1, got %+v", joins)
	}
	if m.JoinedEpoch() != 1 {
		t.Errorf("expected joined epoch 1, got %d", m.JoinedEpoch())
	}
}

func TestNoDoubleJoinForSameConnection(t *testing.T) {
	ch := newFakeChannel()
	m := NewMembership(ch)
	defer m.Close()

	ch.connect()
	m.JoinRoom("u1")
	m.JoinRoom("u1")
	// A late connected event for the same epoch must not join again.
	m.onConnected(transport.Event{Name: transport.EventConnected, Epoch: 1})

	if got := len(ch.joins()); got != 1 {
		t.Fatalf("expected 1 join, got %d", got)
	}
}

func TestChangingRoomJoinsNewRoom(t *testing.T) {
	ch := newFakeChannel()
	m := NewMembership(ch)
	defer m.Close()

	ch.connect()
	m.JoinRoom("u1")
	m.JoinRoom("u9")

	joins := ch.joins()
	if len(joins) != 2 || joins[1].payload != "u9" {
		t.Fatalf("expected a second join for u9, got %+v", joins)
	}
	if m.Desired() != "u9" {
		t.Errorf("expected desired room u9, got %s", m.Desired())
	}
}

func TestCloseStopsRejoining(t *testing.T) {
	ch := newFakeChannel()
	m := NewMembership(ch)

	m.JoinRoom("u1")
	ch.connect()
	m.Close()
	m.Close()

	ch.drop()
	ch.connect()
	if got := len(ch.joins()); got != 1 {
		t.Fatalf("expected 1 join before Close, got %d", got)
	}
}
