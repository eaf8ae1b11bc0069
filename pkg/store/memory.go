package store

import (
	"context"
	"sync"
	"time"

	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/models"
)

type memoryEntry struct {
	data      []byte
	version   int64
	expiresAt time.Time
}

// MemoryStore is an in-process Store with the same version and TTL semantics
// as RedisStore. It backs unit tests and single-replica development runs.
// Expiry is lazy: entries past their deadline are treated as absent on the
// next access.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	ttl      time.Duration
	clk      clock.Clock
	notifier Notifier
}

// NewMemoryStore creates a MemoryStore. A zero ttl falls back to DefaultTTL,
// a nil clk to the system clock, a nil notifier to NopNotifier.
func NewMemoryStore(ttl time.Duration, clk clock.Clock, notifier Notifier) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.System{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &MemoryStore{
		entries:  make(map[string]memoryEntry),
		ttl:      ttl,
		clk:      clk,
		notifier: notifier,
	}
}

// live returns the entry for sessionID if present and not expired. Caller
// holds at least the read lock.
func (s *MemoryStore) live(sessionID string) (memoryEntry, bool) {
	e, ok := s.entries[sessionID]
	if !ok || s.clk.Now().After(e.expiresAt) {
		return memoryEntry{}, false
	}
	return e, true
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	e, ok := s.live(sessionID)
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	sess, err := models.DecodeSession(e.data)
	if err != nil {
		return nil, &DeserializationError{SessionID: sessionID, Err: err}
	}
	return sess, nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	created := session.Clone()
	created.Version = 1
	data, err := models.EncodeSession(created)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entries[created.SessionID] = memoryEntry{
		data:      data,
		version:   1,
		expiresAt: s.clk.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	s.notifier.SessionChanged(ctx, created)
	return created, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, sessionID string, session *models.Session, expectedVersion int64) (*models.Session, error) {
	s.mu.Lock()
	e, ok := s.live(sessionID)
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if expectedVersion != NoVersionCheck && e.version != expectedVersion {
		s.mu.Unlock()
		return nil, &ConcurrencyError{Expected: expectedVersion, Actual: e.version}
	}

	next := session.Clone()
	next.Version = e.version + 1
	data, err := models.EncodeSession(next)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.entries[sessionID] = memoryEntry{
		data:      data,
		version:   next.Version,
		expiresAt: s.clk.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	s.notifier.SessionChanged(ctx, next)
	return next, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	e, ok := s.live(sessionID)
	if ok {
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.notifier.SessionDeleted(ctx, sessionID, e.version)
	return nil
}

// ExpiresAt reports the TTL deadline for a stored session. Test helper.
func (s *MemoryStore) ExpiresAt(sessionID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live(sessionID)
	return e.expiresAt, ok
}
