// Package identity resolves the durable per-browser session identifier.
package identity

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageKey is the client storage key holding the session id.
const StorageKey = "engagetrace_sid"

// Storage is durable per-origin client storage. A nil Storage means none is
// available (private browsing).
type Storage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
}

// Store hands out the session id for one page load.
type Store struct {
	storage Storage
	logger  *zap.Logger
	newID   func() string

	mu        sync.Mutex
	sessionID string
}

func NewStore(storage Storage, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		storage: storage,
		logger:  logger,
		newID:   func() string { return uuid.NewString() },
	}
}

// GetOrCreateSessionID returns the persisted id, creating and persisting one on
// first use. When storage cannot be read or written the id lives in memory for
// the rest of the page load only.
func (s *Store) GetOrCreateSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionID != "" {
		return s.sessionID
	}

	if s.storage != nil {
		stored, ok, err := s.storage.GetItem(StorageKey)
		if err == nil && ok && stored != "" {
			s.sessionID = stored
			return s.sessionID
		}
		if err != nil {
			s.logger.Debug("session storage unreadable, using ephemeral id", zap.Error(err))
		}
	}

	s.sessionID = s.newID()
	if s.storage != nil {
		if err := s.storage.SetItem(StorageKey, s.sessionID); err != nil {
			s.logger.Debug("session storage unwritable, id is ephemeral", zap.Error(err))
		}
	}
	return s.sessionID
}
