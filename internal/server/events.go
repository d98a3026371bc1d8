package server

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Event names carried in the envelope.
const (
	EventNotification     = "notification"
	EventNotificationSend = "notification:send"
	EventChatSend         = "chat:send"
	EventChatMessage      = "chat:message"
	EventChatJoin         = "chat:join"
	EventChatUserJoined   = "chat:user-joined"
	EventSessionMe        = "session:me"
	EventError            = "error"
)

// Error codes reported in ErrorPayload.Code.
const (
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeInvalidPayload = "invalid_payload"
	CodeUnknownEvent   = "unknown_event"
	CodeInternal       = "internal"
)

const (
	MaxRoomNameLength = 100
	MaxMessageLength  = 5000
)

// timestampLayout renders ISO-8601 UTC timestamps with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrInvalidRoom is returned for empty, oversized or non-UTF-8 room names.
	ErrInvalidRoom = errors.New("invalid room name")
	// ErrInvalidMessage is returned for empty or oversized chat text.
	ErrInvalidMessage = errors.New("invalid chat message")
	// ErrForbidden is returned when an identity lacks the role an event needs.
	ErrForbidden = errors.New("forbidden")
	// ErrUnknownClient is returned when operating on a connection the hub no longer tracks.
	ErrUnknownClient = errors.New("unknown client")
	// ErrHubClosed is returned once the hub has shut down.
	ErrHubClosed = errors.New("hub closed")
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatSendPayload is the body of chat:send. Any client supplied timestamp is ignored.
type ChatSendPayload struct {
	User    string `json:"user"`
	Message string `json:"message"`
	Room    string `json:"room,omitempty"`
}

// ChatMessage is the body of chat:message. Messages are never stored.
type ChatMessage struct {
	User      string `json:"user"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Room      string `json:"room,omitempty"`
}

// UserJoinedPayload is the body of chat:user-joined.
type UserJoinedPayload struct {
	ClientID string `json:"clientId"`
}

// ErrorPayload is the body of the error event.
type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handshake mirrors the credential a client presents when connecting.
type Handshake struct {
	Auth HandshakeAuth `json:"auth"`
}

// HandshakeAuth holds the optional session token.
type HandshakeAuth struct {
	Token *string `json:"token"`
}

// PresentedToken returns the token or "" when none was presented.
func (h Handshake) PresentedToken() string {
	if h.Auth.Token == nil {
		return ""
	}
	return strings.TrimSpace(*h.Auth.Token)
}

// ValidateRoom checks a room name.
func ValidateRoom(room string) error {
	if room == "" || len(room) > MaxRoomNameLength || !utf8.ValidString(room) {
		return ErrInvalidRoom
	}
	return nil
}

// ValidateMessage checks chat text.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" || len(text) > MaxMessageLength || !utf8.ValidString(text) {
		return ErrInvalidMessage
	}
	return nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// encodeEnvelope marshals an outbound frame.
func encodeEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
