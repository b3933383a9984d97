package models

import "time"

type EventType string

const (
	TypePageview        EventType = "pageview"
	TypeHeartbeat       EventType = "heartbeat"
	TypeLeave           EventType = "leave"
	TypeClick           EventType = "click"
	TypeRageClick       EventType = "rage_click"
	TypeSocialShare     EventType = "social_share"
	TypeConsoleError    EventType = "console_error"
	TypeFormFieldFocus  EventType = "form_field_focus"
	TypeFormFieldBlur   EventType = "form_field_blur"
	TypeFormFieldChange EventType = "form_field_change"
	TypeFormRageClick   EventType = "form_rage_click"
	TypeSearchTrack     EventType = "search_track"
	TypeNotFoundTrack   EventType = "404_track"
	TypeDownload        EventType = "download"
	TypeWebVitals       EventType = "web_vitals"
)

var knownTypes = map[EventType]bool{
	TypePageview:        true,
	TypeHeartbeat:       true,
	TypeLeave:           true,
	TypeClick:           true,
	TypeRageClick:       true,
	TypeSocialShare:     true,
	TypeConsoleError:    true,
	TypeFormFieldFocus:  true,
	TypeFormFieldBlur:   true,
	TypeFormFieldChange: true,
	TypeFormRageClick:   true,
	TypeSearchTrack:     true,
	TypeNotFoundTrack:   true,
	TypeDownload:        true,
	TypeWebVitals:       true,
}

// Known reports whether t is one of the event types the ingestion endpoint accepts.
func (t EventType) Known() bool {
	return knownTypes[t]
}

// PageContext is the per-load information stamped on every event.
type PageContext struct {
	URL       string
	Referrer  string
	UserAgent string
}

// Event is a single telemetry record. Payload values are scalars
// (string, bool, int, int64, float64).
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp int64          `json:"timestamp"` // epoch milliseconds
	URL       string         `json:"url"`
	Referrer  string         `json:"referrer,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event stamped with the page context. The payload map is
// copied so later mutation by the caller cannot reach the queued event.
func NewEvent(eventType EventType, sessionID string, at time.Time, page PageContext, payload map[string]any) Event {
	var copied map[string]any
	if len(payload) > 0 {
		copied = make(map[string]any, len(payload))
		for k, v := range payload {
			copied[k] = v
		}
	}
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: at.UnixMilli(),
		URL:       page.URL,
		Referrer:  page.Referrer,
		UserAgent: page.UserAgent,
		Payload:   copied,
	}
}

// Batch is the body of a batched flush.
type Batch struct {
	Events []Event `json:"events"`
}
