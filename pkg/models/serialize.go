package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// timestampLayout is RFC 3339 with a fixed three-digit fractional second.
// Using a fixed width guarantees that serialize→deserialize round-trips to
// the exact same millisecond.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp is a millisecond-resolution UTC wall-clock time that serializes
// as an RFC 3339 string. All session timestamps use this type so the
// (de)serialization rules live in exactly one place.
type Timestamp struct {
	time.Time
}

// NewTimestamp builds a Timestamp, truncating to milliseconds.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// TimestampPtr builds a *Timestamp, truncating to milliseconds.
func TimestampPtr(t time.Time) *Timestamp {
	ts := NewTimestamp(t)
	return &ts
}

// Millis returns the timestamp as epoch milliseconds.
func (t Timestamp) Millis() int64 {
	return t.UnixMilli()
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timestampLayout))
}

// UnmarshalJSON implements json.Unmarshaler. It accepts any RFC 3339 string
// (with or without fractional seconds) and truncates to milliseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be an RFC 3339 string: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC().Truncate(time.Millisecond)
	return nil
}

func (t *Timestamp) clone() *Timestamp {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// rawFields carries stored JSON keys this version of the code does not know.
type rawFields map[string]json.RawMessage

func (r rawFields) clone() rawFields {
	if r == nil {
		return nil
	}
	out := make(rawFields, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// knownSessionFields lists every JSON key the Session struct owns. Keys
// outside this set are preserved verbatim on re-write.
var knownSessionFields = map[string]bool{
	"session_id":            true,
	"sync_mode":             true,
	"status":                true,
	"version":               true,
	"participants":          true,
	"active_participant_id": true,
	"total_time_ms":         true,
	"time_per_cycle_ms":     true,
	"increment_ms":          true,
	"max_time_ms":           true,
	"cycle_started_at":      true,
	"session_started_at":    true,
	"session_completed_at":  true,
	"created_at":            true,
	"updated_at":            true,
}

// knownParticipantFields lists every JSON key the Participant struct owns.
var knownParticipantFields = map[string]bool{
	"participant_id":    true,
	"participant_index": true,
	"total_time_ms":     true,
	"time_used_ms":      true,
	"original_time_ms":  true,
	"cycle_count":       true,
	"is_active":         true,
	"has_expired":       true,
	"group_id":          true,
}

// sessionAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type sessionAlias Session

type participantAlias Participant

// MarshalJSON implements json.Marshaler, merging preserved unknown fields
// back into the output.
func (p Participant) MarshalJSON() ([]byte, error) {
	return marshalWithExtras(participantAlias(p), p.extra, knownParticipantFields)
}

// UnmarshalJSON implements json.Unmarshaler, stashing unknown fields for
// later re-write.
func (p *Participant) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*participantAlias)(p)); err != nil {
		return err
	}
	extra, err := collectExtras(data, knownParticipantFields)
	if err != nil {
		return err
	}
	p.extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler, merging preserved unknown fields
// back into the output.
func (s *Session) MarshalJSON() ([]byte, error) {
	return marshalWithExtras((*sessionAlias)(s), s.extra, knownSessionFields)
}

// UnmarshalJSON implements json.Unmarshaler, stashing unknown fields for
// later re-write.
func (s *Session) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*sessionAlias)(s)); err != nil {
		return err
	}
	extra, err := collectExtras(data, knownSessionFields)
	if err != nil {
		return err
	}
	s.extra = extra
	return nil
}

// marshalWithExtras serializes v and splices extra keys not claimed by the
// known-field set back into the object.
func marshalWithExtras(v any, extra rawFields, known map[string]bool) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if !known[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// collectExtras returns the keys of data outside the known-field set, or nil.
func collectExtras(data []byte, known map[string]bool) (rawFields, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k := range all {
		if known[k] {
			delete(all, k)
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	return rawFields(all), nil
}

// EncodeSession serializes a session for storage.
func EncodeSession(s *Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.SessionID, err)
	}
	return data, nil
}

// DecodeSession deserializes a stored session blob, restoring timestamp
// types at millisecond precision.
func DecodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
