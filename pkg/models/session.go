// Package models defines the session data model shared by the store, the
// sync engine, the fan-out bus, and the delivery plane.
package models

// SyncMode selects the time accounting policy for a session.
type SyncMode string

// Supported sync modes.
const (
	SyncModePerParticipant SyncMode = "per_participant"
	SyncModePerCycle       SyncMode = "per_cycle"
	SyncModePerGroup       SyncMode = "per_group"
	SyncModeGlobal         SyncMode = "global"
	SyncModeCountUp        SyncMode = "count_up"
)

// ValidSyncMode reports whether m is one of the supported modes.
func ValidSyncMode(m SyncMode) bool {
	switch m {
	case SyncModePerParticipant, SyncModePerCycle, SyncModePerGroup, SyncModeGlobal, SyncModeCountUp:
		return true
	}
	return false
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

// Session lifecycle states.
const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusExpired   SessionStatus = "expired"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Participant is one entry in a session's rotation. ParticipantIndex defines
// the default round-robin order; OriginalTimeMs is the budget captured at
// creation and never changes afterwards.
type Participant struct {
	ParticipantID    string `json:"participant_id"`
	ParticipantIndex int    `json:"participant_index"`
	TotalTimeMs      int64  `json:"total_time_ms"`
	TimeUsedMs       int64  `json:"time_used_ms"`
	OriginalTimeMs   int64  `json:"original_time_ms"`
	CycleCount       int    `json:"cycle_count"`
	IsActive         bool   `json:"is_active"`
	HasExpired       bool   `json:"has_expired"`
	GroupID          string `json:"group_id,omitempty"`

	// extra mirrors Session.extra at participant depth.
	extra rawFields
}

// Session is the authoritative record for one timer/turn game. All time
// arithmetic is integer milliseconds; timestamps are millisecond-resolution.
//
// Version is owned by the store: Create writes 1, every accepted update
// writes stored version + 1. Values set by callers are advisory only.
type Session struct {
	SessionID           string        `json:"session_id"`
	SyncMode            SyncMode      `json:"sync_mode"`
	Status              SessionStatus `json:"status"`
	Version             int64         `json:"version"`
	Participants        []Participant `json:"participants"`
	ActiveParticipantID string        `json:"active_participant_id,omitempty"`

	TotalTimeMs    int64 `json:"total_time_ms"`
	TimePerCycleMs int64 `json:"time_per_cycle_ms,omitempty"`
	IncrementMs    int64 `json:"increment_ms"`
	MaxTimeMs      int64 `json:"max_time_ms,omitempty"`

	CycleStartedAt     *Timestamp `json:"cycle_started_at,omitempty"`
	SessionStartedAt   *Timestamp `json:"session_started_at,omitempty"`
	SessionCompletedAt *Timestamp `json:"session_completed_at,omitempty"`
	CreatedAt          Timestamp  `json:"created_at"`
	UpdatedAt          Timestamp  `json:"updated_at"`

	// extra preserves unknown stored fields across read-modify-write cycles
	// so newer writers' data survives older replicas (forward compatibility).
	extra rawFields
}

// Participant returns the participant with the given id and its slice
// position, or nil and -1.
func (s *Session) Participant(id string) (*Participant, int) {
	for i := range s.Participants {
		if s.Participants[i].ParticipantID == id {
			return &s.Participants[i], i
		}
	}
	return nil, -1
}

// ActiveParticipant returns the participant referenced by
// ActiveParticipantID, or nil.
func (s *Session) ActiveParticipant() *Participant {
	if s.ActiveParticipantID == "" {
		return nil
	}
	p, _ := s.Participant(s.ActiveParticipantID)
	return p
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	out.Participants = make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		p.extra = p.extra.clone()
		out.Participants[i] = p
	}
	out.CycleStartedAt = s.CycleStartedAt.clone()
	out.SessionStartedAt = s.SessionStartedAt.clone()
	out.SessionCompletedAt = s.SessionCompletedAt.clone()
	out.extra = s.extra.clone()
	return &out
}

// SwitchResult is returned by a switch-cycle operation.
type SwitchResult struct {
	SessionID            string        `json:"session_id"`
	ActiveParticipantID  string        `json:"active_participant_id"`
	CycleStartedAt       Timestamp     `json:"cycle_started_at"`
	Participants         []Participant `json:"participants"`
	Status               SessionStatus `json:"status"`
	Version              int64         `json:"version"`
	ExpiredParticipantID string        `json:"expired_participant_id,omitempty"`
}
