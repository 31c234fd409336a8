package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/whisper/inbox/internal/api"
	"github.com/whisper/inbox/internal/chat"
	"github.com/whisper/inbox/internal/clock"
	"github.com/whisper/inbox/internal/metrics"
	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/room"
	"github.com/whisper/inbox/internal/transport"
	"github.com/whisper/inbox/internal/typing"
	"github.com/whisper/inbox/internal/unread"
)

const eventQueueSize = 256

// Notice texts.
const (
	noticeLoadConversation = "Failed to load conversation. Please try again."
	noticeLoadMessages     = "Failed to load messages. Please try again."
	noticeLoadUsers        = "Failed to load users. Please try again."
	noticeSend             = "Failed to send message. Please try again."
	noticeSearch           = "Search failed. Please try again."
)

// Controller is the session for one signed-in user.
type Controller struct {
	me      protocol.User
	ch      Channel
	backend Backend
	config  Config
	clock   clock.Clock

	events    chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Loop-owned state.
	started    bool
	closed     bool
	connected  bool
	loading    bool
	activePeer protocol.ID
	generation uint64
	store      *chat.Store
	pending    *chat.Store // routed since the current switch began
	unread     *unread.Tracker
	local      *typing.Local
	remote     *typing.Remote
	membership *room.Membership
	subs       []transport.Subscription
	directory  []protocol.User
	notices    []Notice
	noticeSeq  uint64
	noticeTmrs map[uint64]clock.Timer
}

// New creates a controller for me and starts its event loop. Call Start to
// connect and load, and Close to tear everything down.
func New(me protocol.User, ch Channel, backend Backend, config Config) *Controller {
	defaults := DefaultConfig()
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaults.HistoryLimit
	}
	if config.NoticeTTL <= 0 {
		config.NoticeTTL = defaults.NoticeTTL
	}
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}

	c := &Controller{
		me:         me,
		ch:         ch,
		backend:    backend,
		config:     config,
		events:     make(chan func(), eventQueueSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		store:      chat.NewStore(),
		unread:     unread.NewTracker(),
		noticeTmrs: make(map[uint64]clock.Timer),
	}
	c.clock = loopClock{Clock: config.Clock, post: c.post}
	c.local = typing.NewLocal(c.clock, config.TypingIdle, c.publishTyping)
	c.remote = typing.NewRemote(c.clock, config.TypingClear, func(protocol.ID, bool) {
		c.emit(ChangeTyping)
	})

	go c.run()
	return c
}

// run is the event loop. Closures execute one at a time in post order.
func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

// post queues fn for the loop. It never blocks once the controller is
// closing and reports whether fn was queued.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(fn func()) error {
	ran := make(chan struct{})
	if !c.post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Start subscribes to the channel, joins the user's room, connects, then
// loads the directory and the inbox. Load failures are raised as notices
// and returned, but leave the session running.
func (c *Controller) Start(ctx context.Context) error {
	var startErr error
	if err := c.call(func() {
		if c.closed {
			startErr = ErrClosed
			return
		}
		if c.started {
			startErr = ErrStarted
			return
		}
		c.started = true
		c.subscribe()
		c.membership = room.NewMembership(c.ch)
		c.membership.JoinRoom(c.me.ID)
	}); err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	if err := c.ch.Connect(c.config.Endpoint); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	// A Close that ran during Connect has already disconnected.
	var closed bool
	if err := c.call(func() { closed = c.closed }); err != nil || closed {
		c.ch.Disconnect()
		return ErrClosed
	}
	log.Printf("[session] started user=%s endpoint=%s", c.me.ID, c.config.Endpoint)

	dirErr := c.loadDirectory(ctx)
	inboxErr := c.SelectPeer(ctx, "")
	return errors.Join(dirErr, inboxErr)
}

// subscribe registers the inbound handlers. Runs on the loop.
func (c *Controller) subscribe() {
	on := func(event string, h transport.Handler) {
		c.subs = append(c.subs, c.ch.Subscribe(event, h))
	}
	on(protocol.TypeNewMessage, c.onNewMessage)
	on(protocol.TypeTyping, c.onTyping)
	on(protocol.TypeUserCreated, c.onUserCreated)
	on(protocol.TypeRateLimited, c.onRateLimited)
	on(transport.EventConnected, c.onConnection)
	on(transport.EventDisconnected, c.onConnection)
	on(transport.EventConnectError, c.onConnection)
}

// SelectPeer makes peer the active conversation and loads its history. An
// empty peer selects the aggregate inbox. The peer's unread entry is
// cleared in the same step that selects it.
//
// History that returns after a newer SelectPeer has started is discarded
// and ErrSuperseded is returned. Pushes that arrived while the load was in
// flight are kept.
func (c *Controller) SelectPeer(ctx context.Context, peer protocol.ID) error {
	var gen uint64
	if err := c.call(func() { gen = c.beginSwitch(peer) }); err != nil {
		return err
	}

	var (
		msgs []protocol.Message
		err  error
	)
	if peer == "" {
		msgs, err = c.backend.Messages(ctx, c.me.ID, c.config.HistoryLimit)
	} else {
		msgs, err = c.backend.Conversation(ctx, c.me.ID, peer, c.config.HistoryLimit)
	}

	var result error
	if cerr := c.call(func() { result = c.finishSwitch(gen, peer, msgs, err) }); cerr != nil {
		return cerr
	}
	return result
}

func (c *Controller) beginSwitch(peer protocol.ID) uint64 {
	c.generation++
	if peer != c.activePeer {
		c.local.Flush()
		c.remote.Reset()
	}
	c.activePeer = peer
	if peer != "" {
		c.unread.Clear(peer)
	}
	c.pending = chat.NewStore()
	c.loading = true
	if peer != "" {
		c.dismissAll()
	}
	c.emit(ChangePeer | ChangeMessages | ChangeUnread | ChangeNotices)
	return c.generation
}

func (c *Controller) finishSwitch(gen uint64, peer protocol.ID, history []protocol.Message, err error) error {
	if gen != c.generation {
		metrics.StaleLoads.Inc()
		log.Printf("[session] discarded history for peer=%q gen=%d current=%d", peer, gen, c.generation)
		return ErrSuperseded
	}
	c.loading = false
	raced := c.pending.All()
	c.pending = nil

	if err != nil {
		c.store.ReplaceAll(raced)
		log.Printf("[session] load history peer=%q: %v", peer, err)
		text := noticeLoadConversation
		if peer == "" {
			text = noticeLoadMessages
		}
		c.raise(NoticeError, text)
		c.emit(ChangeMessages)
		return err
	}

	// Keep pushes that raced the load; history wins for duplicates.
	c.store.ReplaceAll(history)
	for _, m := range raced {
		c.store.Append(m)
	}
	c.emit(ChangeMessages)
	return nil
}

// Send submits text to the active peer. The stored copy is added through
// the store's dedup so a push echo that arrived first is not duplicated.
func (c *Controller) Send(ctx context.Context, text string) (protocol.Message, error) {
	body, err := chat.PrepareMessage(text)
	if err != nil {
		return protocol.Message{}, err
	}

	var peer protocol.ID
	var gateErr error
	if err := c.call(func() {
		switch {
		case c.activePeer == "":
			gateErr = ErrNoActivePeer
		case !c.connected:
			gateErr = ErrOffline
		default:
			peer = c.activePeer
			c.local.Flush()
		}
	}); err != nil {
		return protocol.Message{}, err
	}
	if gateErr != nil {
		return protocol.Message{}, gateErr
	}

	msg, sendErr := c.backend.Send(ctx, c.me.ID, peer, body)

	if err := c.call(func() {
		if sendErr != nil {
			log.Printf("[session] send to %s: %v", peer, sendErr)
			c.raise(NoticeError, noticeSend)
			return
		}
		if c.activePeer == peer && c.keep(msg) {
			c.emit(ChangeMessages)
		}
	}); err != nil {
		return protocol.Message{}, err
	}
	if sendErr != nil {
		return protocol.Message{}, sendErr
	}
	return msg, nil
}

// Keystroke records local input for the active conversation, driving the
// outbound typing signal.
func (c *Controller) Keystroke() {
	c.post(func() {
		if c.activePeer == "" {
			return
		}
		c.local.Keystroke(c.activePeer)
		c.emit(ChangeTyping)
	})
}

// Search runs a semantic search over the user's messages. Results are
// returned to the caller and not stored.
func (c *Controller) Search(ctx context.Context, query string) ([]api.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	results, err := c.backend.Search(ctx, c.me.ID, query, api.DefaultSearchLimit)
	if err != nil {
		log.Printf("[session] search: %v", err)
		c.post(func() { c.raise(NoticeError, noticeSearch) })
		return nil, err
	}
	return results, nil
}

// Snapshot returns the current view. After Close it returns a view holding
// only the user.
func (c *Controller) Snapshot() View {
	var v View
	if err := c.call(func() { v = c.view() }); err != nil {
		return View{Me: c.me}
	}
	return v
}

// keep stores m. While a switch is loading, m is also recorded so it
// survives the history replacement.
func (c *Controller) keep(m protocol.Message) bool {
	if !c.store.Append(m) {
		return false
	}
	if c.loading {
		c.pending.Append(m)
	}
	return true
}

func (c *Controller) view() View {
	_, peerTyping := c.remote.Typing()
	_, localTyping := c.local.Typing()
	dir := make([]protocol.User, len(c.directory))
	copy(dir, c.directory)
	notices := make([]Notice, len(c.notices))
	copy(notices, c.notices)

	return View{
		Me:         c.me,
		ActivePeer: c.activePeer,
		Connected:  c.connected,
		Loading:    c.loading,
		Messages:   c.messages(),
		Unread:     c.unread.Snapshot(),
		PeerTyping: peerTyping,
		Typing:     localTyping,
		Directory:  dir,
		Notices:    notices,
	}
}

// messages returns the display list. The previous conversation stays in the
// store for dedup until history arrives but is not shown.
func (c *Controller) messages() []protocol.Message {
	if c.loading {
		return c.pending.Sorted()
	}
	return c.store.Sorted()
}

// Close cancels timers, unsubscribes every handler, disconnects the channel
// and stops the event loop. It is safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		_ = c.call(func() {
			c.closed = true
			c.local.Cancel()
			c.remote.Reset()
			for id, t := range c.noticeTmrs {
				t.Stop()
				delete(c.noticeTmrs, id)
			}
			for _, sub := range c.subs {
				c.ch.Unsubscribe(sub)
			}
			c.subs = nil
			if c.membership != nil {
				c.membership.Close()
			}
		})
		c.ch.Disconnect()
		close(c.done)
		<-c.stopped
		log.Printf("[session] closed user=%s", c.me.ID)
	})
}

func (c *Controller) loadDirectory(ctx context.Context) error {
	users, err := c.backend.Users(ctx)
	var result error
	if cerr := c.call(func() {
		if err != nil {
			log.Printf("[session] load users: %v", err)
			c.raise(NoticeError, noticeLoadUsers)
			result = err
			return
		}
		// user_created events may have landed while the list was loading.
		pending := c.directory
		c.directory = c.directory[:0:0]
		for _, u := range users {
			c.addUser(u)
		}
		for _, u := range pending {
			c.addUser(u)
		}
		c.emit(ChangeDirectory)
	}); cerr != nil {
		return cerr
	}
	return result
}

// addUser appends u unless it is self or already listed.
func (c *Controller) addUser(u protocol.User) bool {
	if u.ID == "" || u.ID == c.me.ID {
		return false
	}
	for _, existing := range c.directory {
		if existing.ID == u.ID {
			return false
		}
	}
	c.directory = append(c.directory, u)
	return true
}

func (c *Controller) publishTyping(to protocol.ID, isTyping bool) {
	c.ch.Publish(protocol.TypeTyping, protocol.Typing{To: to, From: c.me.ID, IsTyping: isTyping})
}

func (c *Controller) emit(change Change) {
	if c.config.Observer != nil && !c.closed {
		c.config.Observer(change)
	}
}

// loopClock runs timer callbacks on the controller's event loop.
type loopClock struct {
	clock.Clock
	post func(func()) bool
}

func (l loopClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return l.Clock.AfterFunc(d, func() { l.post(f) })
}
