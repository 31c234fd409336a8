// Package session orchestrates the realtime inbox for one signed-in user.
//
// A Controller owns the event channel, the room membership, the message
// store, the unread tracker and both typing machines. Every piece of state
// is touched only on the controller's event loop goroutine: channel
// handlers, timer callbacks and REST completions post closures to the loop
// and never mutate state directly.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/whisper/inbox/internal/api"
	"github.com/whisper/inbox/internal/clock"
	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/room"
	"github.com/whisper/inbox/internal/typing"
)

var (
	ErrNoActivePeer = errors.New("session: no conversation selected")
	ErrOffline      = errors.New("session: not connected")
	ErrSuperseded   = errors.New("session: superseded by a newer conversation switch")
	ErrClosed       = errors.New("session: closed")
	ErrStarted      = errors.New("session: already started")
	ErrEmptyQuery   = errors.New("session: empty search query")
)

// Channel is the event transport the controller drives. *transport.Channel
// satisfies it.
type Channel interface {
	room.Channel
	Connect(endpoint string) error
	Disconnect()
}

// Backend is the record store. *api.Client satisfies it.
type Backend interface {
	Users(ctx context.Context) ([]protocol.User, error)
	Messages(ctx context.Context, user protocol.ID, limit int) ([]protocol.Message, error)
	Conversation(ctx context.Context, a, b protocol.ID, limit int) ([]protocol.Message, error)
	Send(ctx context.Context, from, to protocol.ID, body string) (protocol.Message, error)
	Search(ctx context.Context, user protocol.ID, query string, limit int) ([]api.SearchResult, error)
}

// Change describes which part of the view a mutation touched.
type Change uint16

const (
	ChangeMessages Change = 1 << iota
	ChangeUnread
	ChangeTyping
	ChangeConnection
	ChangeDirectory
	ChangeNotices
	ChangePeer
)

// Has reports whether c includes all bits of other.
func (c Change) Has(other Change) bool { return c&other == other }

// Observer is told after every state mutation. It runs on the event loop
// and must not block or call back into the controller synchronously.
type Observer func(Change)

// Config holds controller parameters.
type Config struct {
	Endpoint     string        // channel URL
	HistoryLimit int           // page size for history loads
	NoticeTTL    time.Duration // how long a notice stays visible
	TypingIdle   time.Duration // local debounce delay
	TypingClear  time.Duration // remote safety clear
	Clock        clock.Clock   // nil uses the wall clock
	Observer     Observer
}

// DefaultConfig returns sensible defaults for everything except Endpoint.
func DefaultConfig() Config {
	return Config{
		HistoryLimit: 100,
		NoticeTTL:    3 * time.Second,
		TypingIdle:   typing.DefaultIdleDelay,
		TypingClear:  typing.DefaultClearTimeout,
	}
}

// NoticeKind classifies a notice.
type NoticeKind string

const (
	NoticeError NoticeKind = "error"
	NoticeInfo  NoticeKind = "info"
)

// Notice is a transient, auto-dismissed message for the user.
type Notice struct {
	ID      uint64
	Kind    NoticeKind
	Text    string
	Expires time.Time
}

// View is an immutable snapshot of the session.
type View struct {
	Me         protocol.User
	ActivePeer protocol.ID
	Connected  bool
	Loading    bool
	Messages   []protocol.Message // display order
	Unread     map[protocol.ID]int
	PeerTyping bool
	Typing     bool
	Directory  []protocol.User
	Notices    []Notice
}

// Peer returns the directory entry for the active peer, if known.
func (v View) Peer() (protocol.User, bool) {
	for _, u := range v.Directory {
		if u.ID == v.ActivePeer {
			return u, true
		}
	}
	return protocol.User{}, false
}
