// Package client provides a WebSocket load test client for the inbox relay.
// It connects with gobwas/ws (the same library the relay uses), joins a room
// and tracks per-connection performance metrics.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/inbox/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	ReadyLatency     time.Duration // dial until the first pong
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated relay connection. Incoming events are decoded
// with the relay protocol and dispatched to registered handlers.
type Client struct {
	conn      net.Conn
	start     time.Time
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(payload interface{})
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts the read loop. Handlers must be registered with
// On before events of that type arrive.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		start:    start,
		handlers: make(map[string]func(interface{})),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send writes one client event. It is goroutine-safe.
func (c *Client) Send(eventType string, data interface{}) error {
	frame, err := protocol.NewEvent(eventType, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, frame)
	c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	if err != nil {
		c.metrics.Errors++
	}
	c.mu.Unlock()
	return err
}

// Join enters room and sends a ping; Ready returns once the pong is back,
// which means the join was processed too.
func (c *Client) Join(room protocol.ID) error {
	if err := c.Send(protocol.TypeJoin, room); err != nil {
		return err
	}
	return c.Send(protocol.TypePing, nil)
}

// Typing sends a typing signal to room to on behalf of from.
func (c *Client) Typing(to, from protocol.ID, isTyping bool) error {
	return c.Send(protocol.TypeTyping, protocol.Typing{To: to, From: from, IsTyping: isTyping})
}

// On registers a handler for a server event type. Handlers run on the read
// loop goroutine and replace any earlier handler for the same type.
func (c *Client) On(eventType string, handler func(payload interface{})) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// Ready blocks until the first pong arrives or ctx ends.
func (c *Client) Ready(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before it was ready")
	case <-c.ready:
		return nil
	}
}

// Alive reports whether the read loop is still running without errors.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics.Errors == 0
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		eventType, payload, err := protocol.ParseServerEvent(data)
		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[eventType]
		if eventType == protocol.TypePong && c.metrics.ReadyLatency == 0 {
			c.metrics.ReadyLatency = time.Since(c.start)
		}
		c.mu.Unlock()
		if err != nil {
			continue
		}

		if eventType == protocol.TypePong {
			c.readyOnce.Do(func() { close(c.ready) })
		}
		if handler != nil {
			handler(payload)
		}
	}
}
