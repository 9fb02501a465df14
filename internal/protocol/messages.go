// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth   = "auth"
	TypeTyping = "typing"
	TypePing   = "ping"
)

// Server -> Client message types.
const (
	TypeAuthOK      = "auth:ok"
	TypeAuthBlocked = "auth:blocked"
	TypeAuthDeleted = "auth:deleted"
	TypeMessageNew  = "message:new"
	TypeThreadRead  = "thread:read"
	TypeUserOnline  = "user:online"
	TypeUserOffline = "user:offline"
	TypeError       = "error"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload structs
// ---------------------------------------------------------------------------

// SenderSnapshot is the minimal public identity of a message sender, attached
// to message:new events so clients can render without a directory round trip.
type SenderSnapshot struct {
	Name       string `json:"name"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	CenterName string `json:"center_name,omitempty"`
}

// MessagePayload is the wire representation of a persisted message.
type MessagePayload struct {
	ID           int64          `json:"id"`
	ThreadID     string         `json:"thread_id"`
	SenderUserID string         `json:"sender_user_id"`
	Text         string         `json:"text"`
	CreatedAt    time.Time      `json:"created_at"`
	ReadAt       *time.Time     `json:"read_at,omitempty"`
	Sender       SenderSnapshot `json:"sender"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg is the initial handshake carrying the credential token. It must be
// the first data frame on a new connection.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// TypingMsg indicates whether the client is currently typing in a thread.
type TypingMsg struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	IsTyping bool   `json:"is_typing"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthOKMsg confirms a successful handshake and echoes the bound identity.
type AuthOKMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// MessageNewMsg carries a newly persisted message to both participants.
type MessageNewMsg struct {
	Type     string         `json:"type"`
	ThreadID string         `json:"thread_id"`
	Message  MessagePayload `json:"message"`
}

// ServerTypingMsg relays the other participant's typing indicator.
type ServerTypingMsg struct {
	Type       string `json:"type"`
	ThreadID   string `json:"thread_id"`
	FromUserID string `json:"from_user_id"`
	IsTyping   bool   `json:"is_typing"`
}

// ThreadReadMsg notifies the sender that the other participant read the
// thread, so delivery ticks can flip from single to double.
type ThreadReadMsg struct {
	Type         string    `json:"type"`
	ThreadID     string    `json:"thread_id"`
	ReaderUserID string    `json:"reader_user_id"`
	ReadAt       time.Time `json:"read_at"`
}

// UserOnlineMsg signals that a contact gained their first live connection.
type UserOnlineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// UserOfflineMsg signals that a contact's last live connection closed.
type UserOfflineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// AuthBlockedMsg is the terminal event sent before closing the connections of
// a blocked account.
type AuthBlockedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// AuthDeletedMsg is the terminal event sent before closing the connections of
// a deleted account.
type AuthDeletedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage parses raw WebSocket bytes into a typed server message.
// It is the client-side counterpart of ParseClientMessage and is used by the
// chat client's read loop.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthOK:
		var m AuthOKMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageNew:
		var m MessageNewMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m ServerTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeThreadRead:
		var m ThreadReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserOnline:
		var m UserOnlineMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserOffline:
		var m UserOfflineMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAuthBlocked:
		var m AuthBlockedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAuthDeleted:
		var m AuthDeletedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
