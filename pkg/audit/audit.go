// Package audit persists session history to PostgreSQL off the hot path.
// Transitions are enqueued fire-and-forget onto hashed serial lanes, so
// writes for one session stay ordered while sessions proceed in parallel.
// A full lane or a permanently failing write never blocks or fails the
// operation that produced the entry; such entries land in the dead letter
// buffer instead.
package audit

import (
	"context"
	"time"

	"github.com/turnclock/turnclock/pkg/models"
)

// Audit event types, one per engine transition.
const (
	EventTypeSessionCreated     = "session.created"
	EventTypeSessionStarted     = "session.started"
	EventTypeCycleSwitched      = "cycle.switched"
	EventTypeSessionPaused      = "session.paused"
	EventTypeSessionResumed     = "session.resumed"
	EventTypeSessionCompleted   = "session.completed"
	EventTypeSessionDeleted     = "session.deleted"
	EventTypeParticipantExpired = "participant.expired"
	EventTypeSessionExpired     = "session.expired"
)

// Entry is one audit record: the transition that happened and the session
// state after it. State is nil for deletions. ParticipantID and
// TimeRemainingMs describe the participant the transition acted on, when
// there is one.
type Entry struct {
	EventType       string
	SessionID       string
	Version         int64
	State           *models.Session
	ParticipantID   string
	TimeRemainingMs *int64
	OccurredAt      time.Time
}

// Writer persists one entry. Implementations must be safe for concurrent
// use; the pipeline calls Write from every lane.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// NopWriter discards all entries. Used when no audit database is configured.
type NopWriter struct{}

// Write implements Writer.
func (NopWriter) Write(context.Context, Entry) error { return nil }
