// Package transport owns the bidirectional event channel between the inbox
// client and the relay. A Channel keeps one WebSocket connection alive,
// reconnecting with backoff after drops, and fans inbound events out to any
// number of subscribers per event name. Connection state changes are
// published to the same subscribers as local "connected", "disconnected"
// and "connect_error" events.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/inbox/internal/metrics"
	"github.com/whisper/inbox/internal/protocol"
)

// Local lifecycle events. They never travel over the wire.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventConnectError = "connect_error"
)

// Event is delivered to subscribers. Data holds the undecoded payload of a
// wire event; Epoch identifies the connection the event belongs to; Err is
// set on connect_error.
type Event struct {
	Name  string
	Data  json.RawMessage
	Epoch uint64
	Err   error
}

// Handler receives events. Handlers run on the channel's read goroutine and
// must not block or call Connect/Disconnect.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	Event string
	ID    uint64
}

// Dialer opens a WebSocket connection.
type Dialer func(ctx context.Context, endpoint string) (net.Conn, error)

// Config holds channel tuning parameters.
type Config struct {
	ReconnectWait    time.Duration // first delay after a drop or failed dial
	MaxReconnectWait time.Duration // cap for the exponential delay
	PingInterval     time.Duration // WebSocket ping frame interval
	WriteTimeout     time.Duration // deadline applied to every outbound frame
	DialTimeout      time.Duration // handshake timeout per attempt
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectWait:    500 * time.Millisecond,
		MaxReconnectWait: 10 * time.Second,
		PingInterval:     25 * time.Second,
		WriteTimeout:     10 * time.Second,
		DialTimeout:      10 * time.Second,
	}
}

type handlerEntry struct {
	id uint64
	h  Handler
}

// Channel is a reconnecting event connection. The zero value is not usable;
// create one with New.
type Channel struct {
	config Config
	dial   Dialer

	mu        sync.Mutex
	conn      net.Conn
	connID    string
	connected bool
	epoch     uint64
	cancel    context.CancelFunc
	done      chan struct{}
	handlers  map[string][]handlerEntry
	nextID    uint64

	writeMu sync.Mutex
}

// New creates a disconnected channel. A nil dialer uses gobwas/ws.
func New(config Config, dial Dialer) *Channel {
	if dial == nil {
		dial = defaultDialer(config.DialTimeout)
	}
	return &Channel{
		config:   config,
		dial:     dial,
		handlers: make(map[string][]handlerEntry),
	}
}

// Connect starts maintaining a connection to endpoint, tearing down any
// previous connection first. It returns once the connect loop is running;
// the outcome is reported through connected / connect_error events.
func (c *Channel) Connect(endpoint string) error {
	if _, err := url.Parse(endpoint); err != nil || endpoint == "" {
		return fmt.Errorf("transport: invalid endpoint %q", endpoint)
	}

	c.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(ctx, endpoint, done)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It blocks until
// the connect loop has exited and is safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether a connection is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// State returns the connection flag and the epoch of the current (or most
// recent) connection. The epoch increases by one per successful connection.
func (c *Channel) State() (bool, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, c.epoch
}

// Publish sends an event to the server. It is fire-and-forget: when the
// channel is not connected, or the write fails, the event is dropped and
// logged. It reports whether the frame was written.
func (c *Channel) Publish(event string, payload interface{}) bool {
	c.mu.Lock()
	conn, connID, connected := c.conn, c.connID, c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		log.Printf("[transport] publish %s dropped: not connected", event)
		metrics.OutboundEvents.WithLabelValues(event, "dropped").Inc()
		return false
	}

	data, err := protocol.NewEvent(event, payload)
	if err != nil {
		log.Printf("[transport] publish %s: %v", event, err)
		metrics.OutboundEvents.WithLabelValues(event, "dropped").Inc()
		return false
	}

	if err := c.write(conn, ws.OpText, data); err != nil {
		log.Printf("[transport] publish %s conn=%s failed: %v", event, connID, err)
		metrics.OutboundEvents.WithLabelValues(event, "failed").Inc()
		_ = conn.Close()
		return false
	}
	metrics.OutboundEvents.WithLabelValues(event, "sent").Inc()
	return true
}

// Subscribe registers a handler for an event name. Any number of handlers
// may listen to the same event.
func (c *Channel) Subscribe(event string, h Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: c.nextID, h: h})
	return Subscription{Event: event, ID: c.nextID}
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (c *Channel) Unsubscribe(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.handlers[sub.Event]
	for i, e := range entries {
		if e.id == sub.ID {
			c.handlers[sub.Event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(c.handlers[sub.Event]) == 0 {
		delete(c.handlers, sub.Event)
	}
}

// run dials, serves and redials until ctx is cancelled.
func (c *Channel) run(ctx context.Context, endpoint string, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectWait
	b.MaxInterval = c.config.MaxReconnectWait

	for {
		conn, err := c.dial(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[transport] connect %s failed: %v", endpoint, err)
			metrics.ChannelTransitions.WithLabelValues(EventConnectError).Inc()
			c.emit(Event{Name: EventConnectError, Err: err})
		} else {
			b.Reset()
			c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
		}

		wait := b.NextBackOff()
		if wait < 0 {
			wait = c.config.MaxReconnectWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve runs one connection from establishment to teardown.
func (c *Channel) serve(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()

	c.mu.Lock()
	c.conn = conn
	c.connID = connID
	c.connected = true
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	log.Printf("[transport] connected conn=%s epoch=%d", connID, epoch)
	metrics.ChannelTransitions.WithLabelValues(EventConnected).Inc()
	metrics.ChannelConnected.Set(1)
	c.emit(Event{Name: EventConnected, Epoch: epoch})

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	go c.keepalive(conn, stop)

	c.readLoop(conn, epoch)
	close(stop)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()
	_ = conn.Close()

	log.Printf("[transport] disconnected conn=%s epoch=%d", connID, epoch)
	metrics.ChannelTransitions.WithLabelValues(EventDisconnected).Inc()
	metrics.ChannelConnected.Set(0)
	c.emit(Event{Name: EventDisconnected, Epoch: epoch})
}

// readLoop reads text frames until the connection fails. Frames that are not
// a valid envelope are logged and skipped. Control frames are answered
// through write so replies never interleave with other writers.
func (c *Channel) readLoop(conn net.Conn, epoch uint64) {
	control := c.controlHandler(conn)
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[transport] malformed frame epoch=%d: %v", epoch, err)
			metrics.InboundEvents.WithLabelValues("malformed").Inc()
			continue
		}
		metrics.InboundEvents.WithLabelValues(env.Type).Inc()
		c.emit(Event{Name: env.Type, Data: env.Data, Epoch: epoch})
	}
}

// controlHandler answers pings with pongs and close frames with close.
func (c *Channel) controlHandler(conn net.Conn) wsutil.FrameHandlerFunc {
	return func(hdr ws.Header, r io.Reader) error {
		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		switch hdr.OpCode {
		case ws.OpPing:
			return c.write(conn, ws.OpPong, payload)
		case ws.OpClose:
			if len(payload) == 0 {
				_ = c.write(conn, ws.OpClose, nil)
				return wsutil.ClosedError{Code: ws.StatusNoStatusRcvd}
			}
			code, reason := ws.ParseCloseFrameData(payload)
			_ = c.write(conn, ws.OpClose, ws.NewCloseFrameBody(code, ""))
			return wsutil.ClosedError{Code: code, Reason: reason}
		}
		return nil
	}
}

// keepalive sends WebSocket ping frames until stop is closed.
func (c *Channel) keepalive(conn net.Conn, stop chan struct{}) {
	if c.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(conn, ws.OpPing, nil); err != nil {
				log.Printf("[transport] ping failed: %v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// write serializes frames on the connection and applies the write deadline.
func (c *Channel) write(conn net.Conn, op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(conn, op, data)
}

// emit delivers an event to a snapshot of the current subscribers.
func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	entries := make([]handlerEntry, len(c.handlers[ev.Name]))
	copy(entries, c.handlers[ev.Name])
	c.mu.Unlock()

	for _, e := range entries {
		e.h(ev)
	}
}

// EndpointFromBase derives the channel URL from the REST base URL:
// http becomes ws, https becomes wss, and path is appended.
func EndpointFromBase(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return u.String(), nil
}

func defaultDialer(timeout time.Duration) Dialer {
	d := ws.Dialer{Timeout: timeout}
	return func(ctx context.Context, endpoint string) (net.Conn, error) {
		conn, br, _, err := d.Dial(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		if br != nil {
			// The server may have written frames right after the handshake.
			return &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}, nil
		}
		return conn, nil
	}
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
