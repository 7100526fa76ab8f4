package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a JOIN_REGION frame
// ---------------------------------------------------------------------------

func TestParseClientFrame_JoinRegion(t *testing.T) {
	input := []byte(`{"type":"JOIN_REGION","region":"seoul"}`)

	frameType, f, err := ParseClientFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frameType != TypeJoinRegion {
		t.Fatalf("expected type %q, got %q", TypeJoinRegion, frameType)
	}

	jr, ok := f.(JoinRegionFrame)
	if !ok {
		t.Fatalf("expected JoinRegionFrame, got %T", f)
	}
	if jr.Region != "seoul" {
		t.Errorf("expected region %q, got %q", "seoul", jr.Region)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a REPORT_MESSAGE frame
// ---------------------------------------------------------------------------

func TestParseClientFrame_ReportMessage(t *testing.T) {
	input := []byte(`{"type":"REPORT_MESSAGE","messageId":42,"reason":"spam","description":"ads"}`)

	_, f, err := ParseClientFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm, ok := f.(ReportMessageFrame)
	if !ok {
		t.Fatalf("expected ReportMessageFrame, got %T", f)
	}
	if rm.MessageID != 42 {
		t.Errorf("expected messageId 42, got %d", rm.MessageID)
	}
	if rm.Reason != "spam" || rm.Description != "ads" {
		t.Errorf("unexpected reason/description: %q / %q", rm.Reason, rm.Description)
	}
}

// ---------------------------------------------------------------------------
// Test: A wrongly typed field is a decode error, not a zero value
// ---------------------------------------------------------------------------

func TestParseClientFrame_BadPayload(t *testing.T) {
	input := []byte(`{"type":"DELETE_MESSAGE","messageId":"forty-two"}`)

	frameType, f, err := ParseClientFrame(input)
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
	if f != nil {
		t.Errorf("expected nil frame, got %v", f)
	}
	if frameType != TypeDeleteMessage {
		t.Errorf("expected returned type %q, got %q", TypeDeleteMessage, frameType)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown frame type returns an error
// ---------------------------------------------------------------------------

func TestParseClientFrame_UnknownType(t *testing.T) {
	input := []byte(`{"type":"EDIT_MESSAGE","messageId":1}`)

	frameType, f, err := ParseClientFrame(input)
	if err == nil {
		t.Fatal("expected an error for unknown frame type, got nil")
	}
	if f != nil {
		t.Errorf("expected nil frame for unknown type, got %v", f)
	}
	if frameType != "EDIT_MESSAGE" {
		t.Errorf("expected returned type %q, got %q", "EDIT_MESSAGE", frameType)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a NEW_MESSAGE server event
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	ts := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	payload := NewMessageEvent{ChatMessage{
		ID:                9007199254740993,
		Content:           "hello",
		AuthorDisplayName: "Alice",
		Region:            "seoul",
		Timestamp:         FormatTimestamp(ts),
	}}

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Type              string `json:"type"`
		ID                int64  `json:"id"`
		Content           string `json:"content"`
		AuthorDisplayName string `json:"authorDisplayName"`
		Region            string `json:"region"`
		Timestamp         string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if decoded.Type != TypeNewMessage {
		t.Errorf("expected type %q, got %q", TypeNewMessage, decoded.Type)
	}
	if decoded.ID != payload.ID {
		t.Errorf("id lost precision: expected %d, got %d", payload.ID, decoded.ID)
	}
	if decoded.AuthorDisplayName != "Alice" || decoded.Content != "hello" || decoded.Region != "seoul" {
		t.Errorf("unexpected payload: %+v", decoded)
	}
	if decoded.Timestamp != "2026-05-01T09:30:00Z" {
		t.Errorf("unexpected timestamp %q", decoded.Timestamp)
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongEvent{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"PONG"}` {
		t.Errorf("unexpected encoding %s", data)
	}
}

func TestErrorFrame(t *testing.T) {
	var decoded map[string]string
	if err := json.Unmarshal(ErrorFrame("not joined"), &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded["type"] != TypeError || decoded["message"] != "not joined" {
		t.Errorf("unexpected error frame %v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"region":"seoul"}`)
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

// ---------------------------------------------------------------------------
// Test: Parsing all client frame types succeeds
// ---------------------------------------------------------------------------

func TestParseClientFrame_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join", `{"type":"JOIN_REGION","region":"busan"}`, TypeJoinRegion},
		{"leave", `{"type":"LEAVE_REGION"}`, TypeLeaveRegion},
		{"send", `{"type":"SEND_MESSAGE","region":"busan","content":"hi"}`, TypeSendMessage},
		{"delete", `{"type":"DELETE_MESSAGE","messageId":3}`, TypeDeleteMessage},
		{"report", `{"type":"REPORT_MESSAGE","messageId":3,"reason":"spam"}`, TypeReportMessage},
		{"ping", `{"type":"PING"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frameType, f, err := ParseClientFrame([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if frameType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, frameType)
			}
			if f == nil {
				t.Fatal("expected non-nil frame")
			}
			if f.FrameType() != tc.wantType {
				t.Errorf("frame reports type %q, want %q", f.FrameType(), tc.wantType)
			}
		})
	}
}
