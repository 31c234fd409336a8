// Package messaging wraps the NATS connection shared by relay instances.
// Each relay subscribes to the inbox subject of every room that has a local
// member, so a push published once reaches the user wherever they are
// connected.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/inbox/internal/protocol"
)

// NATS subjects.
const (
	SubjectInbox     = "inbox"           // + .<room id>
	SubjectDirectory = "directory.users" // user_created fan-out
)

// InboxSubject returns the subject carrying events for room.
func InboxSubject(room protocol.ID) string {
	return SubjectInbox + "." + room.String()
}

// NATSClient wraps the NATS connection. Subscriptions are kept by subject so
// they can be dropped individually and drained on Close.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "inbox-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers handler for subject, replacing an existing
// subscription on the same subject.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

// SubscribeRoom receives every envelope published for room.
func (c *NATSClient) SubscribeRoom(room protocol.ID, handler func(data []byte)) error {
	return c.Subscribe(InboxSubject(room), handler)
}

// UnsubscribeRoom drops the room subscription.
func (c *NATSClient) UnsubscribeRoom(room protocol.ID) error {
	return c.unsubscribe(InboxSubject(room))
}

// PublishToRoom publishes a ready-made envelope to room.
func (c *NATSClient) PublishToRoom(room protocol.ID, data []byte) error {
	return c.Publish(InboxSubject(room), data)
}

// SubscribeDirectory receives directory updates.
func (c *NATSClient) SubscribeDirectory(handler func(data []byte)) error {
	return c.Subscribe(SubjectDirectory, handler)
}

// PublishMessage announces a stored message to both participants' rooms.
// The record store calls this after persisting m.
func (c *NATSClient) PublishMessage(m protocol.Message) error {
	data, err := protocol.NewEvent(protocol.TypeNewMessage, m)
	if err != nil {
		return err
	}
	if err := c.PublishToRoom(m.ReceiverID, data); err != nil {
		return fmt.Errorf("nats publish message to %s: %w", m.ReceiverID, err)
	}
	if m.SenderID != m.ReceiverID {
		if err := c.PublishToRoom(m.SenderID, data); err != nil {
			return fmt.Errorf("nats publish message to %s: %w", m.SenderID, err)
		}
	}
	return nil
}

// PublishUserCreated announces a new user to every relay.
func (c *NATSClient) PublishUserCreated(u protocol.User) error {
	data, err := protocol.NewEvent(protocol.TypeUserCreated, u)
	if err != nil {
		return err
	}
	return c.Publish(SubjectDirectory, data)
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all subscriptions and the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}

func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
