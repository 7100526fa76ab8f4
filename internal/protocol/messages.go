// Package protocol defines the WebSocket frame types exchanged between chat
// clients and the server. All frames are JSON objects with a "type"
// discriminator. Inbound frames decode into a closed set of Frame variants;
// outbound events are built with NewServerMessage.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeJoinRegion    = "JOIN_REGION"
	TypeLeaveRegion   = "LEAVE_REGION"
	TypeSendMessage   = "SEND_MESSAGE"
	TypeDeleteMessage = "DELETE_MESSAGE"
	TypeReportMessage = "REPORT_MESSAGE"
	TypePing          = "PING"
)

// Server -> Client event types.
const (
	TypeNewMessage      = "NEW_MESSAGE"
	TypeMessageDeleted  = "MESSAGE_DELETED"
	TypeUserCount       = "USER_COUNT"
	TypeError           = "ERROR"
	TypeRegionMessages  = "REGION_MESSAGES"
	TypeReportConfirmed = "REPORT_CONFIRMED"
	TypePong            = "PONG"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the matching variant.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

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
// Client -> Server frames
// ---------------------------------------------------------------------------

// Frame is an inbound client frame. The set of implementations is closed to
// this package.
type Frame interface {
	FrameType() string
	frame()
}

// JoinRegionFrame moves the connection into a region.
type JoinRegionFrame struct {
	Region string `json:"region"`
}

// LeaveRegionFrame removes the connection from its current region.
type LeaveRegionFrame struct{}

// SendMessageFrame posts a message to the joined region. Region is optional;
// when present it must match the joined region.
type SendMessageFrame struct {
	Region  string `json:"region,omitempty"`
	Content string `json:"content"`
}

// DeleteMessageFrame deletes one of the sender's own messages.
type DeleteMessageFrame struct {
	MessageID int64 `json:"messageId"`
}

// ReportMessageFrame files a report against a message.
type ReportMessageFrame struct {
	MessageID   int64  `json:"messageId"`
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

// PingFrame is a client-initiated keepalive.
type PingFrame struct{}

func (JoinRegionFrame) FrameType() string    { return TypeJoinRegion }
func (LeaveRegionFrame) FrameType() string   { return TypeLeaveRegion }
func (SendMessageFrame) FrameType() string   { return TypeSendMessage }
func (DeleteMessageFrame) FrameType() string { return TypeDeleteMessage }
func (ReportMessageFrame) FrameType() string { return TypeReportMessage }
func (PingFrame) FrameType() string          { return TypePing }

func (JoinRegionFrame) frame()    {}
func (LeaveRegionFrame) frame()   {}
func (SendMessageFrame) frame()   {}
func (DeleteMessageFrame) frame() {}
func (ReportMessageFrame) frame() {}
func (PingFrame) frame()          {}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// ChatMessage is the client view of a stored message.
type ChatMessage struct {
	ID                int64  `json:"id"`
	Content           string `json:"content"`
	AuthorUserID      int64  `json:"authorUserId"`
	AuthorDisplayName string `json:"authorDisplayName"`
	Region            string `json:"region"`
	Timestamp         string `json:"timestamp"`
}

// NewMessageEvent announces a freshly persisted message to a region.
type NewMessageEvent struct {
	ChatMessage
}

// MessageDeletedEvent tells a region that a message is gone, either deleted
// by its author or an admin, or hidden by moderation.
type MessageDeletedEvent struct {
	MessageID int64 `json:"messageId"`
}

// UserCountEvent carries a region's live connection count.
type UserCountEvent struct {
	Region string `json:"region"`
	Count  int    `json:"count"`
}

// ErrorEvent is sent only to the connection whose frame failed.
type ErrorEvent struct {
	Message string `json:"message"`
}

// RegionMessagesEvent is the history sent to a connection after it joins,
// oldest first.
type RegionMessagesEvent struct {
	Region   string        `json:"region"`
	Messages []ChatMessage `json:"messages"`
}

// ReportConfirmedEvent acknowledges a report to the reporter.
type ReportConfirmedEvent struct {
	MessageID int64 `json:"messageId"`
}

// PongEvent answers a PingFrame.
type PongEvent struct{}

// FormatTimestamp renders message times on the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientFrame parses raw WebSocket bytes into a typed Frame. The type
// string is returned even on error when it could be read, so callers can
// label metrics and replies.
func ParseClientFrame(data []byte) (string, Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		f   Frame
		err error
	)

	switch env.Type {
	case TypeJoinRegion:
		var m JoinRegionFrame
		err = json.Unmarshal(env.Raw, &m)
		f = m
	case TypeLeaveRegion:
		f = LeaveRegionFrame{}
	case TypeSendMessage:
		var m SendMessageFrame
		err = json.Unmarshal(env.Raw, &m)
		f = m
	case TypeDeleteMessage:
		var m DeleteMessageFrame
		err = json.Unmarshal(env.Raw, &m)
		f = m
	case TypeReportMessage:
		var m ReportMessageFrame
		err = json.Unmarshal(env.Raw, &m)
		f = m
	case TypePing:
		f = PingFrame{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, f, nil
}

// NewServerMessage creates a JSON-encoded server event. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// Event pairs an event type with its payload so it can be encoded once and
// fanned out.
type Event struct {
	Type    string
	Payload interface{}
}

// Encode serializes the event.
func (e Event) Encode() ([]byte, error) {
	return NewServerMessage(e.Type, e.Payload)
}

// ErrorFrame builds an ERROR event. Encoding a string payload cannot fail.
func ErrorFrame(message string) []byte {
	data, _ := NewServerMessage(TypeError, ErrorEvent{Message: message})
	return data
}
