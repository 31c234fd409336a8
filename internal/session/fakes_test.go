package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/whisper/inbox/internal/api"
	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/transport"
)

// fakeChannel stands in for transport.Channel. Connection transitions and
// inbound events are driven by the test and delivered synchronously to the
// registered handlers, like the real read goroutine does.
type fakeChannel struct {
	mu          sync.Mutex
	connected   bool
	epoch       uint64
	handlers    map[string]map[uint64]transport.Handler
	next        uint64
	published   []published
	connects    []string
	disconnects int
	running     bool   // between Connect and Disconnect, like the reconnect loop
	onConnect   func() // runs after Connect records the call
}

type published struct {
	event   string
	payload interface{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[uint64]transport.Handler)}
}

func (f *fakeChannel) Connect(endpoint string) error {
	f.mu.Lock()
	f.connects = append(f.connects, endpoint)
	f.running = true
	hook := f.onConnect
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	f.running = false
}

func (f *fakeChannel) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeChannel) Publish(event string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.published = append(f.published, published{event: event, payload: payload})
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

func (f *fakeChannel) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeChannel) emit(name, data string) {
	f.mu.Lock()
	epoch := f.epoch
	var hs []transport.Handler
	for _, h := range f.handlers[name] {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	ev := transport.Event{Name: name, Epoch: epoch}
	if data != "" {
		ev.Data = json.RawMessage(data)
	}
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeChannel) up() {
	f.mu.Lock()
	f.connected = true
	f.epoch++
	f.mu.Unlock()
	f.emit(transport.EventConnected, "")
}

func (f *fakeChannel) down() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.emit(transport.EventDisconnected, "")
}

func (f *fakeChannel) frames(event string) []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interface{}
	for _, p := range f.published {
		if p.event == event {
			out = append(out, p.payload)
		}
	}
	return out
}

func (f *fakeChannel) typingFrames() []protocol.Typing {
	var out []protocol.Typing
	for _, p := range f.frames(protocol.TypeTyping) {
		out = append(out, p.(protocol.Typing))
	}
	return out
}

// fakeBackend is an in-memory record store. A gate registered for a peer
// holds Conversation for that peer until the gate is closed.
type fakeBackend struct {
	mu            sync.Mutex
	users         []protocol.User
	usersErr      error
	inbox         []protocol.Message
	inboxErr      error
	conversations map[protocol.ID][]protocol.Message
	convErr       error
	gates         map[protocol.ID]chan struct{}
	calls         map[protocol.ID]int
	send          func(from, to protocol.ID, body string) (protocol.Message, error)
	sent          []string
	results       []api.SearchResult
	searchErr     error
	queries       []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		conversations: make(map[protocol.ID][]protocol.Message),
		gates:         make(map[protocol.ID]chan struct{}),
		calls:         make(map[protocol.ID]int),
	}
}

func (b *fakeBackend) Users(ctx context.Context) ([]protocol.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.User(nil), b.users...), b.usersErr
}

func (b *fakeBackend) Messages(ctx context.Context, user protocol.ID, limit int) ([]protocol.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Message(nil), b.inbox...), b.inboxErr
}

func (b *fakeBackend) Conversation(ctx context.Context, a, peer protocol.ID, limit int) ([]protocol.Message, error) {
	b.mu.Lock()
	b.calls[peer]++
	gate := b.gates[peer]
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.convErr != nil {
		return nil, b.convErr
	}
	return append([]protocol.Message(nil), b.conversations[peer]...), nil
}

func (b *fakeBackend) conversationCalls(peer protocol.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[peer]
}

func (b *fakeBackend) Send(ctx context.Context, from, to protocol.ID, body string) (protocol.Message, error) {
	b.mu.Lock()
	b.sent = append(b.sent, body)
	send := b.send
	b.mu.Unlock()
	if send == nil {
		return protocol.Message{ID: protocol.ID("sent-" + body), SenderID: from, ReceiverID: to, Body: body}, nil
	}
	return send(from, to, body)
}

func (b *fakeBackend) Search(ctx context.Context, user protocol.ID, query string, limit int) ([]api.SearchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries = append(b.queries, query)
	return b.results, b.searchErr
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
