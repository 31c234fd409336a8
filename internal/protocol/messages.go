// Package protocol defines the channel events exchanged between the inbox
// client and the relay. Every frame is a JSON envelope carrying an event type
// and a data payload; the event names are part of the wire contract.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoin   = "join"
	TypeTyping = "typing"
	TypePing   = "ping"
)

// Server -> Client event types.
const (
	TypeNewMessage  = "new_message"
	TypeUserCreated = "user_created"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Identifiers
// ---------------------------------------------------------------------------

// ID is an opaque user or message identifier. The record store may issue
// them as JSON strings or numbers; both decode to the same ID.
type ID string

// UnmarshalJSON accepts a JSON string, a JSON number, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("protocol: invalid id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the identifier as a plain string.
func (id ID) String() string { return string(id) }

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw data payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It extracts the
// type discriminator and keeps the data payload undecoded.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	if len(partial.Data) > 0 {
		e.Data = make(json.RawMessage, len(partial.Data))
		copy(e.Data, partial.Data)
	} else {
		e.Data = nil
	}
	return nil
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// User is a directory entry.
type User struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Message is a chat message as issued by the record store. CreatedAt is zero
// when a partial payload omits it.
type Message struct {
	ID         ID        `json:"id"`
	SenderID   ID        `json:"sender_id"`
	ReceiverID ID        `json:"receiver_id"`
	Body       string    `json:"message"`
	SenderName string    `json:"sender_name,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// timestampLayouts are the created_at formats seen from record stores:
// RFC 3339 and the Postgres text rendering of timestamptz and timestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses s in any of the known created_at layouts.
func ParseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, fmt.Errorf("protocol: invalid timestamp %q: %w", s, firstErr)
}

// UnmarshalJSON tolerates a missing, empty or unparseable created_at; the
// message then sorts by arrival order.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         ID     `json:"id"`
		SenderID   ID     `json:"sender_id"`
		ReceiverID ID     `json:"receiver_id"`
		Body       string `json:"message"`
		SenderName string `json:"sender_name"`
		CreatedAt  string `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var createdAt time.Time
	if raw.CreatedAt != "" {
		t, err := ParseTimestamp(raw.CreatedAt)
		if err != nil {
			log.Printf("[protocol] message %s: %v", raw.ID, err)
		}
		createdAt = t
	}
	*m = Message{
		ID:         raw.ID,
		SenderID:   raw.SenderID,
		ReceiverID: raw.ReceiverID,
		Body:       raw.Body,
		SenderName: raw.SenderName,
		CreatedAt:  createdAt,
	}
	return nil
}

// MarshalJSON omits created_at when it is unknown.
func (m Message) MarshalJSON() ([]byte, error) {
	out := struct {
		ID         ID     `json:"id"`
		SenderID   ID     `json:"sender_id"`
		ReceiverID ID     `json:"receiver_id"`
		Body       string `json:"message"`
		SenderName string `json:"sender_name,omitempty"`
		CreatedAt  string `json:"created_at,omitempty"`
	}{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		SenderName: m.SenderName,
	}
	if !m.CreatedAt.IsZero() {
		out.CreatedAt = m.CreatedAt.Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// Typing is the typing signal, identical in both directions.
type Typing struct {
	To       ID   `json:"to"`
	From     ID   `json:"from"`
	IsTyping bool `json:"isTyping"`
}

// RateLimited is sent by the relay when a connection exceeds a rule.
type RateLimited struct {
	Event      string `json:"event"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorPayload communicates an error condition.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// NewEvent encodes an event envelope. A nil data value produces an envelope
// without a data field.
func NewEvent(eventType string, data interface{}) ([]byte, error) {
	env := Envelope{Type: eventType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", eventType, err)
		}
		env.Data = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// ParseClientEvent parses a frame sent by a client into a typed payload.
// Join returns the room id as an ID.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	switch env.Type {
	case TypeJoin:
		room, err := DecodeJoin(env.Data)
		if err != nil {
			return env.Type, nil, err
		}
		return env.Type, room, nil
	case TypeTyping:
		t, err := DecodeTyping(env.Data)
		if err != nil {
			return env.Type, nil, err
		}
		return env.Type, t, nil
	case TypePing:
		return env.Type, struct{}{}, nil
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}
}

// ParseServerEvent parses a frame pushed by the server into a typed payload.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)
	switch env.Type {
	case TypeNewMessage:
		msg, err = DecodeMessage(env.Data)
	case TypeTyping:
		msg, err = DecodeTyping(env.Data)
	case TypeUserCreated:
		msg, err = DecodeUser(env.Data)
	case TypeRateLimited:
		var m RateLimited
		err = decodeData(env.Type, env.Data, &m)
		msg = m
	case TypeError:
		var m ErrorPayload
		err = decodeData(env.Type, env.Data, &m)
		msg = m
	case TypePong:
		msg = struct{}{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}
	if err != nil {
		return env.Type, nil, err
	}
	return env.Type, msg, nil
}

// DecodeJoin decodes the room id carried by a join event.
func DecodeJoin(data json.RawMessage) (ID, error) {
	var room ID
	if err := decodeData(TypeJoin, data, &room); err != nil {
		return "", err
	}
	if room == "" {
		return "", fmt.Errorf("protocol: join without room id")
	}
	return room, nil
}

// DecodeMessage decodes and validates a new_message payload. A message
// without an id or sender cannot be routed and is rejected.
func DecodeMessage(data json.RawMessage) (Message, error) {
	var m Message
	if err := decodeData(TypeNewMessage, data, &m); err != nil {
		return Message{}, err
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("protocol: new_message without id")
	}
	if m.SenderID == "" {
		return Message{}, fmt.Errorf("protocol: new_message %s without sender_id", m.ID)
	}
	return m, nil
}

// DecodeTyping decodes and validates a typing payload.
func DecodeTyping(data json.RawMessage) (Typing, error) {
	var t Typing
	if err := decodeData(TypeTyping, data, &t); err != nil {
		return Typing{}, err
	}
	if t.From == "" || t.To == "" {
		return Typing{}, fmt.Errorf("protocol: typing without from/to")
	}
	return t, nil
}

// DecodeUser decodes and validates a user_created payload.
func DecodeUser(data json.RawMessage) (User, error) {
	var u User
	if err := decodeData(TypeUserCreated, data, &u); err != nil {
		return User{}, err
	}
	if u.ID == "" {
		return User{}, fmt.Errorf("protocol: user_created without id")
	}
	return u, nil
}

func decodeData(eventType string, data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("protocol: %q event without data", eventType)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: failed to decode %q payload: %w", eventType, err)
	}
	return nil
}
