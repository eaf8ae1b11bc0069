// Package bus provides cross-replica fan-out of session state changes via
// Redis pub/sub. Every committed store write is published here; every
// replica's delivery plane subscribes and forwards matching changes to its
// local WebSocket connections.
//
// Delivery is at-most-once. A replica that is disconnected from Redis while
// a change is published never sees it; clients recover through the version
// filter and the request_sync round-trip in the delivery plane.
package bus

import (
	"context"
	"encoding/json"

	"github.com/turnclock/turnclock/pkg/models"
)

// StateChange is the wire payload for one message on a session's channel.
// For committed store writes State carries the full session; for deletions
// State is nil and Deleted is true, with Version carrying last stored
// version + 1 so subscribers' monotonic filters accept it. For targeted
// traffic published via PublishToSession only Payload is set; such messages
// carry no version and bypass the monotonic filter.
type StateChange struct {
	SessionID string          `json:"session_id"`
	Version   int64           `json:"version"`
	Deleted   bool            `json:"deleted,omitempty"`
	State     *models.Session `json:"state,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// ServerTS is the publishing replica's clock in epoch milliseconds,
	// used by clients for drift correction.
	ServerTS int64 `json:"server_ts"`

	// Origin identifies the publishing replica, for log correlation only.
	Origin string `json:"origin,omitempty"`
}

// Handler consumes state changes on the subscriber side. Handlers must not
// block; slow consumers stall the receive loop.
type Handler func(change StateChange)

// Bus publishes state changes to all replicas and dispatches received
// changes to registered handlers.
type Bus interface {
	// Publish broadcasts a change to every subscribed replica, including
	// the publishing one.
	Publish(ctx context.Context, change StateChange) error

	// PublishToSession broadcasts a targeted non-state payload to every
	// replica holding clients of one session, on the same per-session
	// channel as state changes.
	PublishToSession(ctx context.Context, sessionID string, payload json.RawMessage) error

	// Subscribe registers a handler for all received changes. Must be
	// called before Start.
	Subscribe(h Handler)

	// Start begins receiving. Stop tears the subscription down.
	Start(ctx context.Context) error
	Stop()
}

// StateChannel returns the pub/sub channel for one session's changes.
// Format: "<prefix>session-traffic:{session_id}".
func StateChannel(prefix, sessionID string) string {
	return prefix + "session-traffic:" + sessionID
}

// StatePattern returns the PSUBSCRIBE pattern matching every session channel
// under the given prefix.
func StatePattern(prefix string) string {
	return prefix + "session-traffic:*"
}
