package session

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/whisper/inbox/internal/metrics"
	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/transport"
)

// Channel handlers run on the transport's read goroutine. They decode the
// payload there, dropping anything malformed, and post the state change to
// the loop.

func (c *Controller) onNewMessage(ev transport.Event) {
	m, err := protocol.DecodeMessage(ev.Data)
	if err != nil {
		log.Printf("[session] dropped new_message: %v", err)
		return
	}
	c.post(func() { c.route(m) })
}

func (c *Controller) onTyping(ev transport.Event) {
	t, err := protocol.DecodeTyping(ev.Data)
	if err != nil {
		log.Printf("[session] dropped typing: %v", err)
		return
	}
	c.post(func() {
		if t.To != c.me.ID || t.From == c.me.ID {
			return
		}
		c.remote.Handle(t.From, t.IsTyping, c.activePeer)
	})
}

func (c *Controller) onUserCreated(ev transport.Event) {
	u, err := protocol.DecodeUser(ev.Data)
	if err != nil {
		log.Printf("[session] dropped user_created: %v", err)
		return
	}
	c.post(func() {
		if c.addUser(u) {
			c.emit(ChangeDirectory)
		}
	})
}

func (c *Controller) onRateLimited(ev transport.Event) {
	var rl protocol.RateLimited
	if err := json.Unmarshal(ev.Data, &rl); err != nil {
		log.Printf("[session] dropped rate_limited: %v", err)
		return
	}
	log.Printf("[session] relay rate limited event=%s retry_after=%ds", rl.Event, rl.RetryAfter)
	c.post(func() { c.raise(NoticeInfo, rateLimitedText(rl)) })
}

func rateLimitedText(rl protocol.RateLimited) string {
	what := "requests"
	if rl.Event != "" {
		what = rl.Event + " events"
	}
	if rl.RetryAfter <= 0 {
		return fmt.Sprintf("Too many %s. Please slow down.", what)
	}
	return fmt.Sprintf("Too many %s. Try again in %ds.", what, rl.RetryAfter)
}

func (c *Controller) onConnection(ev transport.Event) {
	c.post(func() {
		switch ev.Name {
		case transport.EventConnected:
			c.connected = true
		case transport.EventDisconnected, transport.EventConnectError:
			// A stop signal cannot be delivered; the peer's safety clear
			// covers it.
			if c.connected {
				c.local.Cancel()
			}
			c.connected = false
		}
		c.emit(ChangeConnection | ChangeTyping)
	})
}

// route applies an inbound message. Dedup runs before any mutation so a
// repeated push has no side effects at all.
func (c *Controller) route(m protocol.Message) {
	switch {
	case c.store.Contains(m.ID):
		metrics.RoutedMessages.WithLabelValues("duplicate").Inc()

	case c.activePeer != "" && (m.SenderID == c.activePeer || m.SenderID == c.me.ID):
		c.keep(m)
		metrics.RoutedMessages.WithLabelValues("conversation").Inc()
		c.emit(ChangeMessages)

	case m.SenderID != c.me.ID:
		c.keep(m)
		c.unread.Increment(m.SenderID)
		metrics.RoutedMessages.WithLabelValues("inbox").Inc()
		c.raise(NoticeInfo, "New message from "+c.senderName(m))
		c.emit(ChangeMessages | ChangeUnread)

	default:
		// Own message echoed while no conversation is open.
		metrics.RoutedMessages.WithLabelValues("dropped").Inc()
	}
}

func (c *Controller) senderName(m protocol.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	for _, u := range c.directory {
		if u.ID == m.SenderID && u.Name != "" {
			return u.Name
		}
	}
	return m.SenderID.String()
}

// raise adds a notice that dismisses itself after NoticeTTL.
func (c *Controller) raise(kind NoticeKind, text string) {
	if c.closed {
		return
	}
	c.noticeSeq++
	id := c.noticeSeq
	c.notices = append(c.notices, Notice{
		ID:      id,
		Kind:    kind,
		Text:    text,
		Expires: c.clock.Now().Add(c.config.NoticeTTL),
	})
	c.noticeTmrs[id] = c.clock.AfterFunc(c.config.NoticeTTL, func() { c.dismiss(id) })
	c.emit(ChangeNotices)
}

func (c *Controller) dismiss(id uint64) {
	if t, ok := c.noticeTmrs[id]; ok {
		t.Stop()
		delete(c.noticeTmrs, id)
	}
	for i, n := range c.notices {
		if n.ID == id {
			c.notices = append(c.notices[:i:i], c.notices[i+1:]...)
			c.emit(ChangeNotices)
			return
		}
	}
}

func (c *Controller) dismissAll() {
	for id, t := range c.noticeTmrs {
		t.Stop()
		delete(c.noticeTmrs, id)
	}
	c.notices = nil
}
