// Package relay implements the channel server's event handling: room joins,
// typing relays and fan-out of pushed events to the local connections of
// each room.
package relay

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/whisper/inbox/internal/metrics"
	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/ratelimit"
	"github.com/whisper/inbox/internal/ws"
)

const storeTimeout = 2 * time.Second

// Bus carries room envelopes between relay instances.
type Bus interface {
	SubscribeRoom(room protocol.ID, handler func(data []byte)) error
	UnsubscribeRoom(room protocol.ID) error
	PublishToRoom(room protocol.ID, data []byte) error
	SubscribeDirectory(handler func(data []byte)) error
}

// Presence records joined connections.
type Presence interface {
	Join(ctx context.Context, connID string, room protocol.ID) error
	Leave(ctx context.Context, connID string) error
}

// Limiter throttles events per identifier.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Bans blocks remote hosts that keep exceeding limits.
type Bans interface {
	IsBanned(ctx context.Context, host string) (bool, time.Duration, string, error)
	RecordViolation(ctx context.Context, host, reason string) (bool, time.Duration, error)
}

// Sender writes frames to local connections.
type Sender interface {
	SendMessage(connID string, data []byte) error
	Broadcast(data []byte) int
}

// Hub tracks which local connection is in which room. A room is subscribed
// on the bus while it has at least one local member.
type Hub struct {
	bus      Bus
	presence Presence
	limiter  Limiter
	bans     Bans
	sender   Sender

	mu        sync.Mutex
	connRoom  map[string]protocol.ID
	roomConns map[protocol.ID]map[string]struct{}
	connHost  map[string]string
}

// NewHub creates a hub. presence and limiter may be nil.
func NewHub(bus Bus, presence Presence, limiter Limiter) *Hub {
	return &Hub{
		bus:       bus,
		presence:  presence,
		limiter:   limiter,
		connRoom:  make(map[string]protocol.ID),
		roomConns: make(map[protocol.ID]map[string]struct{}),
		connHost:  make(map[string]string),
	}
}

// SetBans enables host bans for repeat rate-limit offenders.
func (h *Hub) SetBans(b Bans) {
	h.bans = b
}

// SetSender sets the writer for local connections.
func (h *Hub) SetSender(s Sender) {
	h.sender = s
}

// Start subscribes to directory updates.
func (h *Hub) Start() error {
	return h.bus.SubscribeDirectory(h.broadcast)
}

// Register installs the join and typing handlers on d.
func (h *Hub) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		h.track(conn)
		if room, ok := msg.(protocol.ID); ok {
			h.Join(conn.ID, room)
		}
	})
	d.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		h.track(conn)
		if t, ok := msg.(protocol.Typing); ok {
			h.Typing(conn.ID, t)
		}
	})
}

// track remembers the remote host of conn for violation accounting.
func (h *Hub) track(conn *ws.Connection) {
	h.mu.Lock()
	if _, ok := h.connHost[conn.ID]; !ok {
		h.connHost[conn.ID] = hostOf(conn.RemoteAddr)
	}
	h.mu.Unlock()
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Join moves connID into room. Joining the room it is already in only
// refreshes presence.
func (h *Hub) Join(connID string, room protocol.ID) {
	if !h.allow(connID, ratelimit.RuleJoin) {
		return
	}

	h.mu.Lock()
	prev, had := h.connRoom[connID]
	if !had || prev != room {
		if had {
			h.removeLocked(connID, prev)
		}
		h.connRoom[connID] = room
		members := h.roomConns[room]
		if members == nil {
			members = make(map[string]struct{})
			h.roomConns[room] = members
			if err := h.bus.SubscribeRoom(room, func(data []byte) { h.fanout(room, data) }); err != nil {
				log.Printf("[relay] subscribe room=%s: %v", room, err)
			}
		}
		members[connID] = struct{}{}
	}
	h.mu.Unlock()

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.presence.Join(ctx, connID, room); err != nil {
			log.Printf("[relay] presence join conn=%s room=%s: %v", connID, room, err)
		}
	}
	log.Printf("[relay] join conn=%s room=%s", connID, room)
}

// Typing relays a typing signal to the recipient's room. The sender must
// have joined the room named in From.
func (h *Hub) Typing(connID string, t protocol.Typing) {
	h.mu.Lock()
	room, joined := h.connRoom[connID]
	h.mu.Unlock()
	if !joined || room != t.From {
		log.Printf("[relay] dropped typing conn=%s from=%s joined=%s", connID, t.From, room)
		return
	}
	if !h.allow(connID, ratelimit.RuleTyping) {
		return
	}

	data, err := protocol.NewEvent(protocol.TypeTyping, t)
	if err != nil {
		log.Printf("[relay] build typing: %v", err)
		return
	}
	if err := h.bus.PublishToRoom(t.To, data); err != nil {
		log.Printf("[relay] publish typing to=%s: %v", t.To, err)
	}
}

// Disconnect forgets connID and its presence record.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	delete(h.connHost, connID)
	room, ok := h.connRoom[connID]
	if ok {
		h.removeLocked(connID, room)
		delete(h.connRoom, connID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.presence.Leave(ctx, connID); err != nil {
			log.Printf("[relay] presence leave conn=%s: %v", connID, err)
		}
	}
}

// Admit rejects banned hosts and limits connection attempts per remote IP.
// Store errors fail open.
func (h *Hub) Admit(r *http.Request) bool {
	host := hostOf(r.RemoteAddr)
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	if h.bans != nil {
		banned, remaining, reason, err := h.bans.IsBanned(ctx, host)
		if err != nil {
			log.Printf("[relay] ban check remote=%s: %v", host, err)
		} else if banned {
			log.Printf("[relay] rejected banned remote=%s reason=%s remaining=%s", host, reason, remaining)
			metrics.RelayRejections.WithLabelValues("banned").Inc()
			return false
		}
	}
	if h.limiter == nil {
		return true
	}
	ok, _ := h.limiter.Allow(ctx, host, ratelimit.RuleConnect)
	if !ok {
		log.Printf("[relay] connection rate limited remote=%s", host)
		metrics.RelayRejections.WithLabelValues("rate_limited").Inc()
		h.violation(ctx, host, ratelimit.RuleConnect.Event)
	}
	return ok
}

// violation counts a rate-limit hit against host.
func (h *Hub) violation(ctx context.Context, host, event string) {
	if h.bans == nil || host == "" {
		return
	}
	banned, duration, err := h.bans.RecordViolation(ctx, host, "rate_limit_"+event)
	if err != nil {
		log.Printf("[relay] record violation remote=%s: %v", host, err)
		return
	}
	if banned {
		metrics.RelayRejections.WithLabelValues("ban_issued").Inc()
		log.Printf("[relay] banned remote=%s for %s", host, duration)
	}
}

// Members returns the local connections joined to room.
func (h *Hub) Members(room protocol.ID) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.roomConns[room]))
	for id := range h.roomConns[room] {
		ids = append(ids, id)
	}
	return ids
}

// Room returns the room connID has joined.
func (h *Hub) Room(connID string) (protocol.ID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.connRoom[connID]
	return room, ok
}

// Close drops every room subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.roomConns {
		if err := h.bus.UnsubscribeRoom(room); err != nil {
			log.Printf("[relay] unsubscribe room=%s: %v", room, err)
		}
	}
	h.roomConns = make(map[protocol.ID]map[string]struct{})
	h.connRoom = make(map[string]protocol.ID)
	h.connHost = make(map[string]string)
}

// removeLocked takes connID out of room, unsubscribing the room once empty.
func (h *Hub) removeLocked(connID string, room protocol.ID) {
	members := h.roomConns[room]
	delete(members, connID)
	if len(members) > 0 {
		return
	}
	delete(h.roomConns, room)
	if err := h.bus.UnsubscribeRoom(room); err != nil {
		log.Printf("[relay] unsubscribe room=%s: %v", room, err)
	}
}

// fanout forwards an envelope verbatim to the room's local members.
func (h *Hub) fanout(room protocol.ID, data []byte) {
	start := time.Now()
	members := h.Members(room)
	if h.sender == nil {
		return
	}
	for _, id := range members {
		if err := h.sender.SendMessage(id, data); err != nil {
			log.Printf("[relay] forward to conn=%s room=%s: %v", id, room, err)
			continue
		}
		metrics.RelayEvents.WithLabelValues("out", "forward").Inc()
	}
	metrics.RelayFanoutLatency.Observe(time.Since(start).Seconds())
}

func (h *Hub) broadcast(data []byte) {
	if h.sender == nil {
		return
	}
	n := h.sender.Broadcast(data)
	metrics.RelayEvents.WithLabelValues("out", "directory").Add(float64(n))
}

// allow applies rule to connID and tells the client when it is exceeded.
func (h *Hub) allow(connID string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if ok, _ := h.limiter.Allow(ctx, connID, rule); ok {
		return true
	}

	log.Printf("[relay] rate limited conn=%s event=%s", connID, rule.Event)
	metrics.RelayRejections.WithLabelValues("rate_limited").Inc()
	h.mu.Lock()
	host := h.connHost[connID]
	h.mu.Unlock()
	h.violation(ctx, host, rule.Event)
	if h.sender != nil {
		data, err := protocol.NewEvent(protocol.TypeRateLimited, protocol.RateLimited{
			Event:      rule.Event,
			RetryAfter: rule.RetryAfter(),
		})
		if err == nil {
			_ = h.sender.SendMessage(connID, data)
		}
	}
	return false
}
