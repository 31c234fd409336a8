package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a pushed new_message
// ---------------------------------------------------------------------------

func TestParseServerEvent_NewMessage(t *testing.T) {
	input := []byte(`{"type":"new_message","data":{"id":"m1","sender_id":"u2","receiver_id":"u1","message":"Hello!","sender_name":"Bea","created_at":"2024-05-01T10:00:00Z"}}`)

	eventType, msg, err := ParseServerEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eventType != TypeNewMessage {
		t.Fatalf("expected type %q, got %q", TypeNewMessage, eventType)
	}

	m, ok := msg.(Message)
	if !ok {
		t.Fatalf("expected Message, got %T", msg)
	}
	if m.ID != "m1" || m.SenderID != "u2" || m.ReceiverID != "u1" {
		t.Errorf("unexpected ids: %+v", m)
	}
	if m.Body != "Hello!" {
		t.Errorf("expected body %q, got %q", "Hello!", m.Body)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !m.CreatedAt.Equal(want) {
		t.Errorf("expected created_at %v, got %v", want, m.CreatedAt)
	}
}

func TestParseServerEvent_NumericIDs(t *testing.T) {
	input := []byte(`{"type":"new_message","data":{"id":42,"sender_id":7,"receiver_id":9,"message":"x"}}`)

	_, msg, err := ParseServerEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := msg.(Message)
	if m.ID != "42" || m.SenderID != "7" || m.ReceiverID != "9" {
		t.Errorf("numeric ids not normalised: %+v", m)
	}
	if !m.CreatedAt.IsZero() {
		t.Errorf("expected zero created_at for partial payload, got %v", m.CreatedAt)
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T12:00:01Z", time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC)},
		{"2024-03-01T12:00:01.5+02:00", time.Date(2024, 3, 1, 10, 0, 1, 5e8, time.UTC)},
		{"2024-03-01 12:00:01.123+00", time.Date(2024, 3, 1, 12, 0, 1, 123e6, time.UTC)},
		{"2024-03-01 12:00:01+00:00", time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC)},
		{"2024-03-01T12:00:01.25", time.Date(2024, 3, 1, 12, 0, 1, 25e7, time.UTC)},
		{"2024-03-01 12:00:01", time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseTimestamp(tc.in)
		if err != nil {
			t.Errorf("ParseTimestamp(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Error("expected an error for an unknown layout")
	}
}

func TestParseServerEvent_UnparseableTimestampIsDropped(t *testing.T) {
	input := []byte(`{"type":"new_message","data":{"id":"m1","sender_id":"u2","created_at":"yesterday"}}`)

	_, msg, err := ParseServerEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := msg.(Message)
	if m.ID != "m1" || !m.CreatedAt.IsZero() {
		t.Errorf("expected m1 with zero created_at, got %+v", m)
	}
}

func TestParseServerEvent_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","data":{"to":"u1","from":"u2","isTyping":true}}`)

	eventType, msg, err := ParseServerEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eventType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, eventType)
	}
	typing, ok := msg.(Typing)
	if !ok {
		t.Fatalf("expected Typing, got %T", msg)
	}
	if typing.To != "u1" || typing.From != "u2" || !typing.IsTyping {
		t.Errorf("unexpected typing payload: %+v", typing)
	}
}

func TestParseServerEvent_UserCreated(t *testing.T) {
	input := []byte(`{"type":"user_created","data":{"id":"u9","name":"Ivy","email":"ivy@example.com"}}`)

	_, msg, err := ParseServerEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, ok := msg.(User)
	if !ok {
		t.Fatalf("expected User, got %T", msg)
	}
	if u.ID != "u9" || u.Name != "Ivy" || u.Email != "ivy@example.com" {
		t.Errorf("unexpected user: %+v", u)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed payloads are rejected rather than half-decoded
// ---------------------------------------------------------------------------

func TestParseServerEvent_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"message without id", `{"type":"new_message","data":{"sender_id":"u2","message":"x"}}`},
		{"message without sender", `{"type":"new_message","data":{"id":"m1","message":"x"}}`},
		{"message without data", `{"type":"new_message"}`},
		{"message data is a string", `{"type":"new_message","data":"m1"}`},
		{"typing without from", `{"type":"typing","data":{"to":"u1","isTyping":true}}`},
		{"user without id", `{"type":"user_created","data":{"name":"x"}}`},
		{"unknown type", `{"type":"test_message","data":{}}`},
		{"not json", `{invalid json}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseServerEvent([]byte(tc.input))
			if err == nil {
				t.Fatalf("expected error, got payload %+v", msg)
			}
			if msg != nil {
				t.Errorf("expected nil payload on error, got %+v", msg)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Client events as seen by the relay
// ---------------------------------------------------------------------------

func TestParseClientEvent_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join string", `{"type":"join","data":"u1"}`, TypeJoin},
		{"join number", `{"type":"join","data":17}`, TypeJoin},
		{"typing", `{"type":"typing","data":{"to":"u2","from":"u1","isTyping":false}}`, TypeTyping},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eventType, msg, err := ParseClientEvent([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if eventType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, eventType)
			}
			if msg == nil {
				t.Error("expected non-nil payload")
			}
		})
	}
}

func TestParseClientEvent_JoinWithoutRoom(t *testing.T) {
	if _, _, err := ParseClientEvent([]byte(`{"type":"join","data":""}`)); err == nil {
		t.Fatal("expected error for empty room id")
	}
	if _, _, err := ParseClientEvent([]byte(`{"type":"join"}`)); err == nil {
		t.Fatal("expected error for missing room id")
	}
}

func TestParseClientEvent_UnknownType(t *testing.T) {
	eventType, msg, err := ParseClientEvent([]byte(`{"type":"new_message","data":{}}`))
	if err == nil {
		t.Fatal("expected an error for a server-only event type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil payload, got %v", msg)
	}
	if eventType != TypeNewMessage {
		t.Errorf("expected returned type %q, got %q", TypeNewMessage, eventType)
	}
}

// ---------------------------------------------------------------------------
// Test: NewEvent builds the envelope clients and relay exchange
// ---------------------------------------------------------------------------

func TestNewEvent_Join(t *testing.T) {
	data, err := NewEvent(TypeJoin, ID("u1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"join","data":"u1"}` {
		t.Errorf("unexpected join frame: %s", data)
	}

	room, err := DecodeJoin(json.RawMessage(`"u1"`))
	if err != nil || room != "u1" {
		t.Fatalf("DecodeJoin = %q, %v", room, err)
	}
}

func TestNewEvent_NoData(t *testing.T) {
	data, err := NewEvent(TypePing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("unexpected ping frame: %s", data)
	}
}

func TestNewEvent_MessageOmitsUnknownTimestamp(t *testing.T) {
	data, err := NewEvent(TypeNewMessage, Message{ID: "m1", SenderID: "u2", ReceiverID: "u1", Body: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if _, ok := result.Data["created_at"]; ok {
		t.Errorf("expected created_at to be omitted, got %v", result.Data["created_at"])
	}
	if result.Data["message"] != "hi" {
		t.Errorf("expected body under \"message\", got %v", result.Data)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestID_Unmarshal(t *testing.T) {
	cases := []struct {
		input string
		want  ID
	}{
		{`"abc"`, "abc"},
		{`12`, "12"},
		{`null`, ""},
	}
	for _, tc := range cases {
		var id ID
		if err := json.Unmarshal([]byte(tc.input), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.input, err)
		}
		if id != tc.want {
			t.Errorf("unmarshal %s: expected %q, got %q", tc.input, tc.want, id)
		}
	}

	var id ID
	if err := json.Unmarshal([]byte(`true`), &id); err == nil {
		t.Error("expected error for boolean id")
	}
}
