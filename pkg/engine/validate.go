package engine

import (
	"fmt"

	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/models"
)

// Participant budget bounds in milliseconds: one second to 24 hours.
const (
	MinParticipantTimeMs = 1_000
	MaxParticipantTimeMs = 86_400_000
)

// MaxParticipants caps the rotation size for one session.
const MaxParticipants = 1000

// ParticipantConfig is one participant in a create request.
type ParticipantConfig struct {
	ParticipantID    string `json:"participant_id"`
	ParticipantIndex int    `json:"participant_index"`
	TotalTimeMs      int64  `json:"total_time_ms"`
	GroupID          string `json:"group_id,omitempty"`
}

// CreateConfig is the validated input of a create call.
type CreateConfig struct {
	SessionID      string              `json:"session_id"`
	SyncMode       models.SyncMode     `json:"sync_mode"`
	Participants   []ParticipantConfig `json:"participants"`
	TotalTimeMs    int64               `json:"total_time_ms"`
	TimePerCycleMs int64               `json:"time_per_cycle_ms,omitempty"`
	IncrementMs    int64               `json:"increment_ms,omitempty"`
	MaxTimeMs      int64               `json:"max_time_ms,omitempty"`
}

// validateCreate checks every field and returns all failures at once.
func validateCreate(cfg CreateConfig) ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !clock.ValidID(cfg.SessionID) {
		add("session_id", "must be a well-formed UUID")
	}
	if !models.ValidSyncMode(cfg.SyncMode) {
		add("sync_mode", "unknown mode %q", string(cfg.SyncMode))
	}
	if cfg.IncrementMs < 0 {
		add("increment_ms", "must be >= 0")
	}
	if cfg.MaxTimeMs < 0 {
		add("max_time_ms", "must be >= 0")
	}
	if cfg.TimePerCycleMs < 0 {
		add("time_per_cycle_ms", "must be >= 0")
	}
	if cfg.TotalTimeMs < 0 {
		add("total_time_ms", "must be >= 0")
	}

	n := len(cfg.Participants)
	if n < 1 || n > MaxParticipants {
		add("participants", "must contain between 1 and %d entries, got %d", MaxParticipants, n)
		return errs
	}

	seenIDs := make(map[string]bool, n)
	seenIndexes := make(map[int]bool, n)
	for i, p := range cfg.Participants {
		field := func(name string) string { return fmt.Sprintf("participants[%d].%s", i, name) }

		if !clock.ValidID(p.ParticipantID) {
			add(field("participant_id"), "must be a well-formed UUID")
		} else if seenIDs[p.ParticipantID] {
			add(field("participant_id"), "duplicate id %s", p.ParticipantID)
		}
		seenIDs[p.ParticipantID] = true

		// Indexes must form a permutation of 0..N-1 so round-robin
		// rotation is total and unambiguous.
		if p.ParticipantIndex < 0 || p.ParticipantIndex >= n {
			add(field("participant_index"), "must be in [0, %d]", n-1)
		} else if seenIndexes[p.ParticipantIndex] {
			add(field("participant_index"), "duplicate index %d", p.ParticipantIndex)
		}
		seenIndexes[p.ParticipantIndex] = true

		if p.TotalTimeMs < MinParticipantTimeMs || p.TotalTimeMs > MaxParticipantTimeMs {
			add(field("total_time_ms"), "must be in [%d, %d]", MinParticipantTimeMs, MaxParticipantTimeMs)
		}
		if p.GroupID != "" && !clock.ValidID(p.GroupID) {
			add(field("group_id"), "must be a well-formed UUID when present")
		}
	}

	return errs
}
