package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/ratelimit"
	"github.com/whisper/inbox/internal/ws"
)

type fakeBus struct {
	mu        sync.Mutex
	handlers  map[protocol.ID]func([]byte)
	directory func([]byte)
	published map[protocol.ID][][]byte
	subs      int
	unsubs    int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:  make(map[protocol.ID]func([]byte)),
		published: make(map[protocol.ID][][]byte),
	}
}

func (b *fakeBus) SubscribeRoom(room protocol.ID, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[room] = handler
	b.subs++
	return nil
}

func (b *fakeBus) UnsubscribeRoom(room protocol.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, room)
	b.unsubs++
	return nil
}

func (b *fakeBus) PublishToRoom(room protocol.ID, data []byte) error {
	b.mu.Lock()
	b.published[room] = append(b.published[room], data)
	h := b.handlers[room]
	b.mu.Unlock()
	if h != nil {
		h(data)
	}
	return nil
}

func (b *fakeBus) SubscribeDirectory(handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.directory = handler
	return nil
}

func (b *fakeBus) subscribed(room protocol.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[room]
	return ok
}

type fakeSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	conns  []string
}

func newFakeSender(conns ...string) *fakeSender {
	return &fakeSender{frames: make(map[string][][]byte), conns: conns}
}

func (s *fakeSender) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[connID] = append(s.frames[connID], data)
	return nil
}

func (s *fakeSender) Broadcast(data []byte) int {
	for _, id := range s.conns {
		_ = s.SendMessage(id, data)
	}
	return len(s.conns)
}

func (s *fakeSender) received(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames[connID] {
		out = append(out, string(f))
	}
	return out
}

type fakePresence struct {
	mu    sync.Mutex
	rooms map[string]protocol.ID
}

func (p *fakePresence) Join(_ context.Context, connID string, room protocol.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms[connID] = room
	return nil
}

func (p *fakePresence) Leave(_ context.Context, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms, connID)
	return nil
}

// budgetLimiter allows a fixed number of hits per event.
type budgetLimiter struct {
	mu     sync.Mutex
	budget map[string]int
}

func (l *budgetLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, limited := l.budget[rule.Event]
	if !limited {
		return true, nil
	}
	l.budget[rule.Event] = n - 1
	return n > 0, nil
}

func newTestHub(t *testing.T, conns ...string) (*Hub, *fakeBus, *fakeSender, *fakePresence) {
	t.Helper()
	bus := newFakeBus()
	sender := newFakeSender(conns...)
	presence := &fakePresence{rooms: make(map[string]protocol.ID)}
	h := NewHub(bus, presence, nil)
	h.SetSender(sender)
	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h, bus, sender, presence
}

func TestJoinSubscribesRoomOnce(t *testing.T) {
	h, bus, _, presence := newTestHub(t)

	h.Join("c1", "u1")
	h.Join("c2", "u1")
	h.Join("c1", "u1")

	if bus.subs != 1 {
		t.Fatalf("expected one bus subscription for u1, got %d", bus.subs)
	}
	members := h.Members("u1")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "c1" || members[1] != "c2" {
		t.Fatalf("unexpected members %v", members)
	}
	if presence.rooms["c1"] != "u1" || presence.rooms["c2"] != "u1" {
		t.Errorf("presence not recorded: %v", presence.rooms)
	}
}

func TestJoinMovesConnectionBetweenRooms(t *testing.T) {
	h, bus, _, _ := newTestHub(t)

	h.Join("c1", "u1")
	h.Join("c1", "u2")

	if bus.subscribed("u1") {
		t.Fatal("expected the empty room to be unsubscribed")
	}
	if !bus.subscribed("u2") {
		t.Fatal("expected u2 subscribed")
	}
	if room, _ := h.Room("c1"); room != "u2" {
		t.Fatalf("expected c1 in u2, got %s", room)
	}
}

func TestFanoutForwardsVerbatim(t *testing.T) {
	h, bus, sender, _ := newTestHub(t)
	h.Join("c1", "u1")
	h.Join("c2", "u1")
	h.Join("c3", "u2")

	envelope := []byte(`{"type":"new_message","data":{"id":"m1","sender_id":"u2","receiver_id":"u1","message":"hi"}}`)
	if err := bus.PublishToRoom("u1", envelope); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"c1", "c2"} {
		got := sender.received(id)
		if len(got) != 1 || got[0] != string(envelope) {
			t.Errorf("%s: expected the envelope verbatim, got %v", id, got)
		}
	}
	if got := sender.received("c3"); len(got) != 0 {
		t.Errorf("c3 is in another room, got %v", got)
	}
}

func TestTypingIsRelayedToRecipient(t *testing.T) {
	h, bus, sender, _ := newTestHub(t)
	h.Join("alice", "u1")
	h.Join("bob", "u2")

	h.Typing("alice", protocol.Typing{To: "u2", From: "u1", IsTyping: true})

	got := sender.received("bob")
	if len(got) != 1 {
		t.Fatalf("expected one frame for bob, got %v", got)
	}
	eventType, payload, err := protocol.ParseServerEvent([]byte(got[0]))
	if err != nil {
		t.Fatalf("ParseServerEvent: %v", err)
	}
	want := protocol.Typing{To: "u2", From: "u1", IsTyping: true}
	if eventType != protocol.TypeTyping || payload != want {
		t.Fatalf("expected %+v, got %s %+v", want, eventType, payload)
	}
	if len(bus.published["u2"]) != 1 {
		t.Errorf("expected one publish to u2, got %d", len(bus.published["u2"]))
	}
}

func TestTypingRequiresMatchingRoom(t *testing.T) {
	h, bus, _, _ := newTestHub(t)

	// Not joined.
	h.Typing("c1", protocol.Typing{To: "u2", From: "u1", IsTyping: true})
	// Joined as someone else.
	h.Join("c1", "u3")
	h.Typing("c1", protocol.Typing{To: "u2", From: "u1", IsTyping: true})

	if n := len(bus.published["u2"]); n != 0 {
		t.Fatalf("expected spoofed typing dropped, got %d publishes", n)
	}
}

func TestTypingRateLimited(t *testing.T) {
	h, bus, sender, _ := newTestHub(t)
	h.limiter = &budgetLimiter{budget: map[string]int{"typing": 2}}
	h.Join("c1", "u1")

	for i := 0; i < 4; i++ {
		h.Typing("c1", protocol.Typing{To: "u2", From: "u1", IsTyping: i%2 == 0})
	}
	if n := len(bus.published["u2"]); n != 2 {
		t.Fatalf("expected 2 relayed signals, got %d", n)
	}

	frames := sender.received("c1")
	if len(frames) != 2 {
		t.Fatalf("expected two rate_limited replies, got %v", frames)
	}
	var env struct {
		Type string               `json:"type"`
		Data protocol.RateLimited `json:"data"`
	}
	if err := json.Unmarshal([]byte(frames[0]), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypeRateLimited || env.Data.Event != "typing" || env.Data.RetryAfter != 10 {
		t.Fatalf("unexpected reply %+v", env)
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	h, bus, _, presence := newTestHub(t)
	h.Join("c1", "u1")
	h.Join("c2", "u1")

	h.Disconnect("c1")
	if !bus.subscribed("u1") {
		t.Fatal("room must stay subscribed while c2 is joined")
	}
	h.Disconnect("c2")
	if bus.subscribed("u1") {
		t.Fatal("expected room unsubscribed after the last member left")
	}
	if len(presence.rooms) != 0 {
		t.Errorf("expected presence cleared, got %v", presence.rooms)
	}
	h.Disconnect("c2")
	if bus.unsubs != 1 {
		t.Errorf("expected one unsubscribe, got %d", bus.unsubs)
	}
}

func TestDirectoryBroadcast(t *testing.T) {
	_, bus, sender, _ := newTestHub(t, "c1", "c2")

	data := []byte(`{"type":"user_created","data":{"id":"u9","name":"Nine","email":"n@example.com"}}`)
	bus.directory(data)

	for _, id := range []string{"c1", "c2"} {
		if got := sender.received(id); len(got) != 1 || got[0] != string(data) {
			t.Errorf("%s: expected directory event, got %v", id, got)
		}
	}
}

func TestAdmit(t *testing.T) {
	h, _, _, _ := newTestHub(t)
	h.limiter = &budgetLimiter{budget: map[string]int{"connect": 1}}

	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "203.0.113.7:51000"
	if !h.Admit(r) {
		t.Fatal("expected first connection admitted")
	}
	if h.Admit(r) {
		t.Fatal("expected second connection rejected")
	}
}

type fakeBans struct {
	mu         sync.Mutex
	banned     map[string]bool
	violations map[string]int
	threshold  int
}

func (b *fakeBans) IsBanned(_ context.Context, host string) (bool, time.Duration, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.banned[host] {
		return true, time.Minute, "rate_limit_typing", nil
	}
	return false, 0, "", nil
}

func (b *fakeBans) RecordViolation(_ context.Context, host, _ string) (bool, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.violations[host]++
	if b.violations[host] >= b.threshold {
		b.banned[host] = true
		return true, time.Minute, nil
	}
	return false, 0, nil
}

func TestRepeatedViolationsBanHost(t *testing.T) {
	h, _, _, _ := newTestHub(t)
	bans := &fakeBans{banned: make(map[string]bool), violations: make(map[string]int), threshold: 2}
	h.SetBans(bans)
	h.limiter = &budgetLimiter{budget: map[string]int{"typing": 0}}

	h.track(&ws.Connection{ID: "c1", RemoteAddr: "198.51.100.4:40000"})
	h.Join("c1", "u1")
	h.Typing("c1", protocol.Typing{To: "u2", From: "u1", IsTyping: true})
	h.Typing("c1", protocol.Typing{To: "u2", From: "u1", IsTyping: false})

	if n := bans.violations["198.51.100.4"]; n != 2 {
		t.Fatalf("expected 2 violations for the host, got %d", n)
	}

	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "198.51.100.4:40001"
	if h.Admit(r) {
		t.Fatal("expected the banned host to be rejected")
	}
	r.RemoteAddr = "198.51.100.5:40001"
	if !h.Admit(r) {
		t.Fatal("expected another host admitted")
	}
}

func TestViolationsWithoutTrackedHostAreIgnored(t *testing.T) {
	h, _, _, _ := newTestHub(t)
	bans := &fakeBans{banned: make(map[string]bool), violations: make(map[string]int), threshold: 1}
	h.SetBans(bans)
	h.limiter = &budgetLimiter{budget: map[string]int{"join": 0}}

	h.Join("c1", "u1")
	if len(bans.violations) != 0 {
		t.Fatalf("expected no violations recorded, got %v", bans.violations)
	}
}
