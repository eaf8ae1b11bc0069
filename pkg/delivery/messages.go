package delivery

import (
	"encoding/json"

	"github.com/turnclock/turnclock/pkg/models"
)

// Server → client message types.
const (
	MessageTypeConnected      = "connected"
	MessageTypeStateUpdate    = "state_update"
	MessageTypeStateSync      = "state_sync"
	MessageTypeSessionDeleted = "session_deleted"
	MessageTypeSessionNotice  = "session_message"
	MessageTypePong           = "pong"
	MessageTypeError          = "error"
)

// Presence events carried as targeted session traffic.
const (
	PresenceConnected    = "peer_connected"
	PresenceDisconnected = "peer_disconnected"
)

// PresenceNotice is the targeted payload announcing a client attaching to
// or detaching from a session on any replica.
type PresenceNotice struct {
	Event        string `json:"event"`
	ConnectionID string `json:"connection_id"`
}

// Client → server actions.
const (
	ActionPing        = "ping"
	ActionRequestSync = "request_sync"
)

// ServerMessage is the JSON structure for server → client messages. Type is
// the discriminator; State is present on state_update and state_sync,
// Payload on session_message.
type ServerMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Version   int64           `json:"version,omitempty"`
	State     *models.Session `json:"state,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ServerTS  int64           `json:"server_ts"`
	Message   string          `json:"message,omitempty"`
}

// ClientMessage is the JSON structure for client → server messages.
type ClientMessage struct {
	Action string `json:"action"`
}
