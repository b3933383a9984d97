package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vincentbai/engagetrace/internal/dispatch"
	"github.com/vincentbai/engagetrace/internal/models"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer("127.0.0.1:0", "", nil) // Port 0 for testing
}

func validEvent(eventType models.EventType) models.Event {
	return models.Event{
		Type:      eventType,
		SessionID: "sid-1",
		Timestamp: 1234567890123,
		URL:       "https://example.com",
		Payload:   map[string]any{"sc": 40},
	}
}

func postEvents(server *Server, target string, body []byte) *http.Response {
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.handleEvents(w, req)
	return w.Result()
}

func TestNewServer(t *testing.T) {
	server := setupTestServer(t)

	if server == nil {
		t.Fatal("Expected non-nil server")
	}
	if server.address != "127.0.0.1:0" {
		t.Errorf("Expected address 127.0.0.1:0, got %s", server.address)
	}
}

func TestHandleHealthz(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	server.handleHealthz(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body := w.Body.String()
	if body != "ok" {
		t.Errorf("Expected body 'ok', got %s", body)
	}
}

func TestHandleEventsBatch(t *testing.T) {
	server := setupTestServer(t)
	var got []models.Event
	server.OnEvents(func(events []models.Event) { got = append(got, events...) })

	batch := models.Batch{Events: []models.Event{
		validEvent(models.TypeHeartbeat),
		validEvent(models.TypeFormFieldBlur),
		validEvent(models.TypeLeave),
	}}
	jsonData, _ := json.Marshal(batch)

	resp := postEvents(server, "/events", jsonData)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	if server.Received() != 3 {
		t.Errorf("Expected 3 received events, got %d", server.Received())
	}
	if len(got) != 3 || got[2].Type != models.TypeLeave {
		t.Errorf("Expected batch order to be preserved, got %v", got)
	}
}

func TestHandleEventsSingleFlatEvent(t *testing.T) {
	server := setupTestServer(t)

	jsonData, _ := json.Marshal(validEvent(models.TypePageview))
	resp := postEvents(server, "/events", jsonData)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	if server.Received() != 1 {
		t.Errorf("Expected 1 received event, got %d", server.Received())
	}
}

func TestHandleEventsMethodNotAllowed(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()

	server.handleEvents(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestHandleEventsInvalidJSON(t *testing.T) {
	server := setupTestServer(t)

	resp := postEvents(server, "/events", []byte(`{"events": [invalid json]}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestHandleEventsEmptyBatch(t *testing.T) {
	server := setupTestServer(t)

	jsonData, _ := json.Marshal(models.Batch{Events: []models.Event{}})
	resp := postEvents(server, "/events", jsonData)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
}

func TestValidateEvent(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*models.Event)
		wantError bool
	}{
		{name: "valid", mutate: func(*models.Event) {}, wantError: false},
		{name: "empty URL", mutate: func(e *models.Event) { e.URL = "" }, wantError: true},
		{name: "empty type", mutate: func(e *models.Event) { e.Type = "" }, wantError: true},
		{name: "unknown type", mutate: func(e *models.Event) { e.Type = "navigate" }, wantError: true},
		{name: "missing session", mutate: func(e *models.Event) { e.SessionID = "" }, wantError: true},
		{name: "zero timestamp", mutate: func(e *models.Event) { e.Timestamp = 0 }, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent(models.TypeClick)
			tt.mutate(&event)
			err := ValidateEvent(event)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateEvent() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestHandleEventsInvalidEventRejectsDelivery(t *testing.T) {
	server := setupTestServer(t)

	bad := validEvent(models.TypeClick)
	bad.URL = ""
	jsonData, _ := json.Marshal(models.Batch{Events: []models.Event{validEvent(models.TypeClick), bad}})

	resp := postEvents(server, "/events", jsonData)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d", resp.StatusCode)
	}
	if server.Received() != 0 {
		t.Errorf("Expected no events accepted, got %d", server.Received())
	}
}

func TestHandleEventsToken(t *testing.T) {
	server := NewServer("127.0.0.1:0", "secret", nil)
	jsonData, _ := json.Marshal(validEvent(models.TypePageview))

	tests := []struct {
		name   string
		target string
		header string
		status int
	}{
		{"missing", "/events", "", http.StatusForbidden},
		{"wrong query", "/events?token=nope", "", http.StatusForbidden},
		{"query", "/events?token=secret", "", http.StatusNoContent},
		{"header", "/events", "secret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.target, bytes.NewReader(jsonData))
			if tt.header != "" {
				req.Header.Set(dispatch.NonceHeader, tt.header)
			}
			w := httptest.NewRecorder()
			server.handleEvents(w, req)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestHandleEventsPayloadTooLarge(t *testing.T) {
	server := setupTestServer(t)
	body := []byte(`{"events":[],"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`)

	resp := postEvents(server, "/events", body)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", resp.StatusCode)
	}
}

func TestSetupRoutes(t *testing.T) {
	server := setupTestServer(t)

	mux := server.setupRoutes()
	if mux == nil {
		t.Fatal("Expected non-nil ServeMux")
	}

	// Test that routes are registered
	tests := []struct {
		path   string
		method string
		status int
	}{
		{"/healthz", http.MethodGet, http.StatusOK},
		{"/events", http.MethodGet, http.StatusMethodNotAllowed}, // Only POST allowed
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			mux.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d for %s %s, got %d", tt.status, tt.method, tt.path, w.Code)
			}
		})
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	server := setupTestServer(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, listener) }()

	url := fmt.Sprintf("http://%s/healthz", listener.Addr())
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Server did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not shut down")
	}
}
