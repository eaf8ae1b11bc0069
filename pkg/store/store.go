// Package store provides the authoritative session state store: get/put with
// TTL, version-checked updates, and change notification. The store owns the
// session version counter; callers pass expected versions only for the
// compare-and-swap check.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/turnclock/turnclock/pkg/models"
)

// ErrNotFound is returned when a session key is absent (never created,
// evicted by TTL, or deleted).
var ErrNotFound = errors.New("session not found")

// ConcurrencyError is returned when a version-checked update loses the race.
// The caller decides whether to retry; the store never retries a checked
// write on its own.
type ConcurrencyError struct {
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, actual %d", e.Expected, e.Actual)
}

// DeserializationError means a stored blob could not be decoded. It is a
// distinct failure from a miss so an operator can investigate instead of the
// data silently vanishing.
type DeserializationError struct {
	SessionID string
	Err       error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("corrupt stored state for session %s: %v", e.SessionID, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// NoVersionCheck disables the CAS check on Update for callers that hold a
// freshly fetched session and accept last-writer-wins.
const NoVersionCheck int64 = 0

// Store is the authoritative key/value layer for active sessions.
//
// Every write refreshes the configured TTL. Update is atomic against
// concurrent writers from any replica: the stored version is read and the
// new value written only if the version is unchanged.
type Store interface {
	// Get returns the session or ErrNotFound. A corrupt blob surfaces as a
	// *DeserializationError, not a miss.
	Get(ctx context.Context, sessionID string) (*models.Session, error)

	// Create writes the session with version 1 and the configured TTL.
	// Creation is last-writer-wins: a stale key with the same id is
	// overwritten.
	Create(ctx context.Context, session *models.Session) (*models.Session, error)

	// Update writes the session with version = stored version + 1 and
	// refreshes the TTL. With expectedVersion != NoVersionCheck the write
	// succeeds only if the stored version matches, otherwise a
	// *ConcurrencyError carries both versions. A key that disappears
	// between read and write surfaces as ErrNotFound.
	Update(ctx context.Context, sessionID string, session *models.Session, expectedVersion int64) (*models.Session, error)

	// Delete removes the key or returns ErrNotFound.
	Delete(ctx context.Context, sessionID string) error
}

// Notifier receives change notifications after a committed write. The store
// calls it outside the CAS critical section; delivery is best-effort.
type Notifier interface {
	SessionChanged(ctx context.Context, session *models.Session)
	SessionDeleted(ctx context.Context, sessionID string, lastVersion int64)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// SessionChanged implements Notifier.
func (NopNotifier) SessionChanged(context.Context, *models.Session) {}

// SessionDeleted implements Notifier.
func (NopNotifier) SessionDeleted(context.Context, string, int64) {}
