package audit

import (
	"sync"
	"time"
)

// Letter is a dead-lettered entry with the reason it could not be written.
type Letter struct {
	Entry    Entry
	Reason   string
	FailedAt time.Time
}

// DeadLetter is a bounded ring of entries that exhausted their retries or
// found their lane full. When the ring is full the oldest letter is evicted;
// the loss is counted so operators can see it in the health report.
type DeadLetter struct {
	mu      sync.Mutex
	letters []Letter
	next    int
	full    bool
	evicted int64
}

// NewDeadLetter creates a ring holding up to capacity letters.
func NewDeadLetter(capacity int) *DeadLetter {
	if capacity <= 0 {
		capacity = 1024
	}
	return &DeadLetter{letters: make([]Letter, capacity)}
}

// Add records a failed entry.
func (d *DeadLetter) Add(entry Entry, reason string, failedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full {
		d.evicted++
	}
	d.letters[d.next] = Letter{Entry: entry, Reason: reason, FailedAt: failedAt}
	d.next++
	if d.next == len(d.letters) {
		d.next = 0
		d.full = true
	}
}

// Len returns the number of letters currently held.
func (d *DeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full {
		return len(d.letters)
	}
	return d.next
}

// Evicted returns how many letters have been pushed out of the ring.
func (d *DeadLetter) Evicted() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evicted
}

// Snapshot returns the held letters, oldest first.
func (d *DeadLetter) Snapshot() []Letter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.full {
		out := make([]Letter, d.next)
		copy(out, d.letters[:d.next])
		return out
	}
	out := make([]Letter, 0, len(d.letters))
	out = append(out, d.letters[d.next:]...)
	out = append(out, d.letters[:d.next]...)
	return out
}
