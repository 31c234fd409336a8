package ws

import (
	"log"

	"github.com/whisper/inbox/internal/metrics"
	"github.com/whisper/inbox/internal/protocol"
)

// MessageHandler handles one parsed client event. msg is the typed payload
// returned by protocol.ParseClientEvent (protocol.ID for join,
// protocol.Typing for typing).
type MessageHandler func(conn *Connection, msg interface{})

// Writer sends a frame to a single connection.
type Writer interface {
	SendMessage(connID string, data []byte) error
}

// MessageDispatcher routes client frames to handlers by event type. Ping is
// answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	writer   Writer
}

// NewMessageDispatcher creates a dispatcher. The writer may be set later
// with SetWriter, since the server needs Dispatch before it exists.
func NewMessageDispatcher(writer Writer) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		writer:   writer,
	}
}

// SetWriter assigns the writer used for pongs and error replies.
func (d *MessageDispatcher) SetWriter(writer Writer) {
	d.writer = writer
}

// Register associates a handler with an event type, replacing any previous
// handler for it.
func (d *MessageDispatcher) Register(eventType string, handler MessageHandler) {
	d.handlers[eventType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	eventType, msg, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("[relay] parse error conn=%s type=%q: %v", conn.ID, eventType, err)
		metrics.RelayEvents.WithLabelValues("in", "invalid").Inc()
		d.sendError(conn, "parse_error", "invalid event")
		return
	}
	metrics.RelayEvents.WithLabelValues("in", eventType).Inc()

	if eventType == protocol.TypePing {
		d.send(conn, protocol.TypePong, nil)
		return
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		log.Printf("[relay] unsupported event type=%q conn=%s", eventType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported event type")
		return
	}
	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func (d *MessageDispatcher) send(conn *Connection, eventType string, payload interface{}) {
	if d.writer == nil {
		return
	}
	data, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		log.Printf("[relay] build %s conn=%s: %v", eventType, conn.ID, err)
		return
	}
	if err := d.writer.SendMessage(conn.ID, data); err != nil {
		log.Printf("[relay] send %s conn=%s: %v", eventType, conn.ID, err)
		return
	}
	metrics.RelayEvents.WithLabelValues("out", eventType).Inc()
}
