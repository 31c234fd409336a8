package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/whisper/inbox/internal/api"
	"github.com/whisper/inbox/internal/identity"
	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/session"
)

type fakeController struct {
	view       session.View
	selected   []protocol.ID
	sent       []string
	keystrokes int
	sendErr    error
}

func (f *fakeController) SelectPeer(_ context.Context, peer protocol.ID) error {
	f.selected = append(f.selected, peer)
	f.view.ActivePeer = peer
	return nil
}

func (f *fakeController) Send(_ context.Context, text string) (protocol.Message, error) {
	if f.sendErr != nil {
		return protocol.Message{}, f.sendErr
	}
	f.sent = append(f.sent, text)
	return protocol.Message{Body: text}, nil
}

func (f *fakeController) Keystroke() { f.keystrokes++ }

func (f *fakeController) Search(_ context.Context, query string) ([]api.SearchResult, error) {
	return []api.SearchResult{{MessageID: "m1", Score: 0.9, Text: "about " + query, SenderID: "u2", ReceiverID: "me"}}, nil
}

func (f *fakeController) Snapshot() session.View { return f.view }

func newFakeController() *fakeController {
	return &fakeController{view: session.View{
		Me:        protocol.User{ID: "me", Name: "Me"},
		Connected: true,
		Directory: []protocol.User{{ID: "u2", Name: "Bo"}, {ID: "u3", Name: "Cy"}},
		Unread:    map[protocol.ID]int{"u3": 2},
	}}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"hello there", command{arg: "hello there"}},
		{"  /open Bo  ", command{name: "open", arg: "Bo"}},
		{"/QUIT", command{name: "quit"}},
		{"/search  late lunch ", command{name: "search", arg: "late lunch"}},
		{"", command{}},
	}
	for _, tt := range tests {
		if got := parseCommand(tt.line); got != tt.want {
			t.Errorf("parseCommand(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestResolvePeer(t *testing.T) {
	dir := []protocol.User{{ID: "u2", Name: "Bo"}, {ID: "u3", Name: "Cy"}}
	if got := resolvePeer(dir, "u3"); got != "u3" {
		t.Errorf("by id: got %s", got)
	}
	if got := resolvePeer(dir, "bo"); got != "u2" {
		t.Errorf("by name: got %s", got)
	}
	if got := resolvePeer(dir, "u9"); got != "u9" {
		t.Errorf("unknown: got %s", got)
	}
}

func TestPlainTextIsSent(t *testing.T) {
	c := newFakeController()
	r := newREPL(c, &bytes.Buffer{})

	if err := r.handle(context.Background(), "/open Bo"); err != nil {
		t.Fatal(err)
	}
	if err := r.handle(context.Background(), "hi Bo"); err != nil {
		t.Fatal(err)
	}
	if len(c.selected) != 1 || c.selected[0] != "u2" {
		t.Fatalf("expected u2 selected, got %v", c.selected)
	}
	if len(c.sent) != 1 || c.sent[0] != "hi Bo" || c.keystrokes != 1 {
		t.Fatalf("unexpected send state sent=%v keystrokes=%d", c.sent, c.keystrokes)
	}
}

func TestSendErrorsAreExplained(t *testing.T) {
	c := newFakeController()
	c.sendErr = session.ErrNoActivePeer
	r := newREPL(c, &bytes.Buffer{})

	err := r.handle(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "/open") {
		t.Fatalf("expected a hint to open a conversation, got %v", err)
	}
}

func TestQuitAndLogout(t *testing.T) {
	r := newREPL(newFakeController(), &bytes.Buffer{})
	if err := r.handle(context.Background(), "/quit"); !errors.Is(err, errQuit) {
		t.Errorf("expected errQuit, got %v", err)
	}
	if err := r.handle(context.Background(), "/logout"); !errors.Is(err, errLogout) {
		t.Errorf("expected errLogout, got %v", err)
	}
	if err := r.handle(context.Background(), "/dance"); err == nil {
		t.Error("expected unknown command error")
	}
}

func TestRunStopsOnQuit(t *testing.T) {
	c := newFakeController()
	var out bytes.Buffer
	r := newREPL(c, &out)

	in := bufio.NewScanner(strings.NewReader("/nope\n/open u3\nyo\n/quit\nignored\n"))
	if err := r.run(context.Background(), in); !errors.Is(err, errQuit) {
		t.Fatalf("expected errQuit, got %v", err)
	}
	if len(c.sent) != 1 || c.sent[0] != "yo" {
		t.Fatalf("expected one message before quit, got %v", c.sent)
	}
	if !strings.Contains(out.String(), "unknown command /nope") {
		t.Errorf("expected the error printed, got %q", out.String())
	}
}

func TestUpdatePrintsEachMessageOnce(t *testing.T) {
	c := newFakeController()
	c.view.ActivePeer = "u2"
	c.view.Messages = []protocol.Message{
		{ID: "m1", SenderID: "u2", ReceiverID: "me", Body: "hello"},
		{ID: "m2", SenderID: "me", ReceiverID: "u2", Body: "hey"},
	}
	var out bytes.Buffer
	r := newREPL(c, &out)

	r.update(c.Snapshot())
	r.update(c.Snapshot())

	got := out.String()
	if strings.Count(got, "Bo: hello") != 1 || strings.Count(got, "you: hey") != 1 {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestUpdateShowsTypingNoticesAndConnection(t *testing.T) {
	c := newFakeController()
	c.view.ActivePeer = "u2"
	var out bytes.Buffer
	r := newREPL(c, &out)

	c.view.PeerTyping = true
	c.view.Connected = false
	c.view.Notices = []session.Notice{{ID: 1, Kind: session.NoticeError, Text: "Failed to send message"}}
	r.update(c.Snapshot())
	r.update(c.Snapshot())

	got := out.String()
	for _, want := range []string{"Bo is typing", "! Failed to send message", "offline"} {
		if strings.Count(got, want) != 1 {
			t.Errorf("expected %q once in %q", want, got)
		}
	}
}

func TestUsersListsUnreadFirst(t *testing.T) {
	c := newFakeController()
	var out bytes.Buffer
	r := newREPL(c, &out)

	if err := r.handle(context.Background(), "/users"); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "Cy (2 unread)") {
		t.Fatalf("unexpected listing %q", out.String())
	}
}

type memoryStore struct {
	user  protocol.User
	saved bool
}

func (s *memoryStore) Load(context.Context) (protocol.User, error) {
	if s.user.ID == "" {
		return protocol.User{}, identity.ErrNotFound
	}
	return s.user, nil
}

func (s *memoryStore) Save(_ context.Context, u protocol.User) error {
	s.user = u
	s.saved = true
	return nil
}

func (s *memoryStore) Clear(context.Context) error {
	s.user = protocol.User{}
	return nil
}

type fakeAuth struct {
	logins int
}

func (a *fakeAuth) Login(_ context.Context, email, password string) (protocol.User, error) {
	a.logins++
	if password != "secret" {
		return protocol.User{}, &api.StatusError{Code: 401, Msg: "invalid credentials"}
	}
	return protocol.User{ID: "u7", Name: "Sev", Email: email}, nil
}

func (a *fakeAuth) Register(_ context.Context, name, email, _ string) (protocol.User, error) {
	return protocol.User{ID: "u8", Name: name, Email: email}, nil
}

func TestAuthenticateUsesStoredIdentity(t *testing.T) {
	store := &memoryStore{user: protocol.User{ID: "u1", Name: "Al"}}
	auth := &fakeAuth{}
	me, err := authenticate(context.Background(), store, auth, bufio.NewScanner(strings.NewReader("")), &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if me.ID != "u1" || auth.logins != 0 {
		t.Fatalf("expected the stored identity without a login, got %+v logins=%d", me, auth.logins)
	}
}

func TestAuthenticateRetriesAndSaves(t *testing.T) {
	store := &memoryStore{}
	auth := &fakeAuth{}
	in := bufio.NewScanner(strings.NewReader("/login sev@example.com wrong\n/login sev@example.com secret\n"))
	var out bytes.Buffer

	me, err := authenticate(context.Background(), store, auth, in, &out)
	if err != nil {
		t.Fatal(err)
	}
	if me.ID != "u7" || !store.saved || auth.logins != 2 {
		t.Fatalf("unexpected result %+v saved=%v logins=%d", me, store.saved, auth.logins)
	}
	if !strings.Contains(out.String(), "invalid credentials") {
		t.Errorf("expected the rejection shown, got %q", out.String())
	}
}
