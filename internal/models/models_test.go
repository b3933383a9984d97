package models

import (
	"encoding/json"
	"testing"
	"time"
)

func testPage() PageContext {
	return PageContext{
		URL:       "https://example.com/post",
		Referrer:  "https://google.com",
		UserAgent: "Mozilla/5.0",
	}
}

func TestNewEventStampsContext(t *testing.T) {
	at := time.UnixMilli(1234567890123)
	event := NewEvent(TypeHeartbeat, "sid-1", at, testPage(), map[string]any{"sc": 40})

	if event.Timestamp != 1234567890123 {
		t.Errorf("Timestamp mismatch: got %d, want %d", event.Timestamp, int64(1234567890123))
	}
	if event.URL != "https://example.com/post" {
		t.Errorf("URL mismatch: got %s", event.URL)
	}
	if event.SessionID != "sid-1" {
		t.Errorf("SessionID mismatch: got %s", event.SessionID)
	}
	if event.Payload["sc"] != 40 {
		t.Errorf("Payload mismatch: got %v", event.Payload)
	}
}

func TestNewEventCopiesPayload(t *testing.T) {
	payload := map[string]any{"dwell_ms": int64(10)}
	event := NewEvent(TypeFormFieldBlur, "sid", time.Now(), testPage(), payload)

	payload["dwell_ms"] = int64(99)
	payload["extra"] = true

	if event.Payload["dwell_ms"] != int64(10) {
		t.Errorf("Expected payload to be isolated from caller, got %v", event.Payload["dwell_ms"])
	}
	if _, ok := event.Payload["extra"]; ok {
		t.Error("Expected caller key not to leak into event payload")
	}
}

func TestEventWireFields(t *testing.T) {
	event := NewEvent(TypePageview, "sid", time.UnixMilli(1000), PageContext{URL: "https://example.com"}, nil)

	jsonData, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(jsonData, &raw); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}

	for _, field := range []string{"type", "session_id", "timestamp", "url"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("Expected required field %q in %s", field, jsonData)
		}
	}
	for _, field := range []string{"referrer", "user_agent", "payload"} {
		if _, ok := raw[field]; ok {
			t.Errorf("Expected optional field %q to be omitted when empty", field)
		}
	}
}

func TestBatchShape(t *testing.T) {
	batch := Batch{Events: []Event{
		NewEvent(TypeClick, "sid", time.UnixMilli(1), testPage(), nil),
		NewEvent(TypeLeave, "sid", time.UnixMilli(2), testPage(), nil),
	}}

	jsonData, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("Failed to marshal batch: %v", err)
	}

	var unmarshaled Batch
	if err := json.Unmarshal(jsonData, &unmarshaled); err != nil {
		t.Fatalf("Failed to unmarshal batch: %v", err)
	}
	if len(unmarshaled.Events) != 2 {
		t.Fatalf("Event count mismatch: got %d, want 2", len(unmarshaled.Events))
	}
	if unmarshaled.Events[0].Type != TypeClick || unmarshaled.Events[1].Type != TypeLeave {
		t.Errorf("Expected batch order to be preserved, got %v", unmarshaled.Events)
	}
}

func TestKnownTypes(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      bool
	}{
		{TypeWebVitals, true},
		{TypeNotFoundTrack, true},
		{TypeFormRageClick, true},
		{EventType("navigate"), false},
		{EventType(""), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			if got := tt.eventType.Known(); got != tt.want {
				t.Errorf("Known(%q) = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}
