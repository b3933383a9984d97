// Package server is a development ingestion endpoint: it accepts the agent's
// wire format, validates it and logs what arrives. It stores nothing.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vincentbai/engagetrace/internal/dispatch"
	"github.com/vincentbai/engagetrace/internal/models"
)

const maxBodyBytes = 1 << 20

type Server struct {
	address string
	nonce   string
	logger  *zap.Logger
	server  *http.Server

	mu       sync.Mutex
	received int
	onEvents func([]models.Event)
}

func NewServer(address, nonce string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		address: address,
		nonce:   nonce,
		logger:  logger,
	}
}

// OnEvents registers a callback invoked with every accepted delivery.
func (s *Server) OnEvents(fn func([]models.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvents = fn
}

// Received is the number of events accepted so far.
func (s *Server) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

// decodeDelivery accepts a {"events": [...]} batch or a single flat event.
func decodeDelivery(body []byte) ([]models.Event, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, err
	}
	if _, ok := probe["events"]; ok {
		var batch models.Batch
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, err
		}
		return batch.Events, nil
	}
	var event models.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, err
	}
	return []models.Event{event}, nil
}

func ValidateEvent(event models.Event) error {
	if event.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if event.Type == "" {
		return fmt.Errorf("type cannot be empty")
	}
	if !event.Type.Known() {
		return fmt.Errorf("invalid event type: %s", event.Type)
	}
	if event.SessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}
	if event.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	return nil
}

func (s *Server) authorized(request *http.Request) bool {
	if s.nonce == "" {
		return true
	}
	if request.URL.Query().Get("token") == s.nonce {
		return true
	}
	return request.Header.Get(dispatch.NonceHeader) == s.nonce
}

func (s *Server) handleEvents(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(request) {
		http.Error(w, "Invalid token", http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(io.LimitReader(request.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	events, err := decodeDelivery(bytes.TrimSpace(body))
	if err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	for _, event := range events {
		if err := ValidateEvent(event); err != nil {
			s.logger.Warn("rejected delivery", zap.Error(err))
			http.Error(w, "Invalid event: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}

	s.logger.Info("delivery accepted",
		zap.Int("events", len(events)),
		zap.String("size", humanize.Bytes(uint64(len(body)))))
	for _, event := range events {
		s.logger.Debug("event",
			zap.String("type", string(event.Type)),
			zap.String("session_id", event.SessionID),
			zap.String("url", event.URL),
			zap.Any("payload", event.Payload))
	}

	s.mu.Lock()
	s.received += len(events)
	onEvents := s.onEvents
	s.mu.Unlock()
	if onEvents != nil {
		onEvents(events)
	}
	w.WriteHeader(http.StatusNoContent) // success, no body
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Handler exposes the routes for embedding in another server or httptest.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("collector listening", zap.String("address", listener.Addr().String()))
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupContext.Done()
		s.logger.Info("shutting down collector")
		shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownContext); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return group.Wait()
}
