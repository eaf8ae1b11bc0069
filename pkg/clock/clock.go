// Package clock provides wall-clock time and identifier utilities shared by
// every component. Stored timestamps and wire timestamps both derive from the
// same Clock so that remaining-time arithmetic is consistent across replicas.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current wall-clock time at millisecond resolution.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now.
type System struct{}

// Now returns the current UTC time truncated to milliseconds.
// Truncation keeps in-memory values identical to their serialized form.
func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock pinned to the given instant.
func NewFake(at time.Time) *Fake {
	return &Fake{now: at.UTC().Truncate(time.Millisecond)}
}

// Now returns the fake's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to the given instant.
func (f *Fake) Set(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = at.UTC().Truncate(time.Millisecond)
}

// EpochMillis converts a time to epoch milliseconds.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NewID generates a random UUID string.
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether s is a well-formed UUID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
