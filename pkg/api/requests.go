package api

// SwitchRequest is the optional body of POST /sessions/:id/switch. When
// next_participant_id is empty the engine rotates to the next participant in
// index order.
type SwitchRequest struct {
	NextParticipantID string `json:"next_participant_id"`
}
