package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidLock indicates a lock without a page, holder, or session.
var ErrInvalidLock = errors.New("relay: invalid editing lock")

// EditingLock records which participant is typing on a page.
type EditingLock struct {
	PageID      string    `json:"page_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (l EditingLock) validate() error {
	if l.PageID == "" || l.UserID == "" || l.SessionID == "" {
		return ErrInvalidLock
	}
	return nil
}

// LockStore holds at most one live editing lock per page.
type LockStore interface {
	// Acquire stores lock, replacing whatever the page held before.
	Acquire(ctx context.Context, lock EditingLock) error
	// Release clears the page's lock when sessionID holds it.
	Release(ctx context.Context, pageID, sessionID string) (bool, error)
	// Get returns the live lock of a page.
	Get(ctx context.Context, pageID string) (EditingLock, bool, error)
}

// MemoryLockStore keeps locks in process memory.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]EditingLock
	clock func() time.Time
}

// NewMemoryLockStore constructs an empty in-process lock store.
func NewMemoryLockStore(clock func() time.Time) *MemoryLockStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLockStore{
		locks: make(map[string]EditingLock),
		clock: clock,
	}
}

func (s *MemoryLockStore) Acquire(_ context.Context, lock EditingLock) error {
	if err := lock.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[lock.PageID] = lock
	return nil
}

func (s *MemoryLockStore) Release(_ context.Context, pageID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.liveLocked(pageID)
	if !ok || lock.SessionID != sessionID {
		return false, nil
	}
	delete(s.locks, pageID)
	return true, nil
}

func (s *MemoryLockStore) Get(_ context.Context, pageID string) (EditingLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.liveLocked(pageID)
	return lock, ok, nil
}

func (s *MemoryLockStore) liveLocked(pageID string) (EditingLock, bool) {
	lock, ok := s.locks[pageID]
	if !ok {
		return EditingLock{}, false
	}
	if !lock.ExpiresAt.IsZero() && !s.clock().Before(lock.ExpiresAt) {
		delete(s.locks, pageID)
		return EditingLock{}, false
	}
	return lock, true
}
