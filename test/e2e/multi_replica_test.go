package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/delivery"
	"github.com/turnclock/turnclock/pkg/engine"
	"github.com/turnclock/turnclock/pkg/models"
)

func createConfig(sessionID string, participantIDs ...string) engine.CreateConfig {
	cfg := engine.CreateConfig{
		SessionID: sessionID,
		SyncMode:  models.SyncModePerParticipant,
	}
	for i, id := range participantIDs {
		cfg.Participants = append(cfg.Participants, engine.ParticipantConfig{
			ParticipantID:    id,
			ParticipantIndex: i,
			TotalTimeMs:      300_000,
		})
		cfg.TotalTimeMs += 300_000
	}
	return cfg
}

// A client connected to replica 1 must observe every mutation performed via
// replica 0. Replicas share only the state store and the bus.
func TestMultiReplica_SwitchVisibleAcrossReplicas(t *testing.T) {
	cluster := NewCluster(t, 2)
	ctx := context.Background()

	sessionID := clock.NewID()
	p1, p2 := clock.NewID(), clock.NewID()

	code := cluster.DoJSON(t, 0, http.MethodPost, "/api/v1/sessions",
		createConfig(sessionID, p1, p2), nil)
	require.Equal(t, http.StatusCreated, code)

	ws, err := WSConnect(ctx, cluster.WSURL(1, sessionID))
	require.NoError(t, err)
	defer ws.Close()

	// Connect handshake: ack plus an initial full sync.
	_, ok := ws.WaitFor(2*time.Second, func(m delivery.ServerMessage) bool {
		return m.Type == delivery.MessageTypeStateSync && m.Version == 1
	})
	require.True(t, ok, "initial state_sync not received")

	var started models.Session
	code = cluster.DoJSON(t, 0, http.MethodPost, "/api/v1/sessions/"+sessionID+"/start", nil, &started)
	require.Equal(t, http.StatusOK, code)

	update, ok := ws.WaitFor(2*time.Second, func(m delivery.ServerMessage) bool {
		return m.Type == delivery.MessageTypeStateUpdate && m.Version == started.Version
	})
	require.True(t, ok, "start broadcast not received")
	assert.Equal(t, p1, update.State.ActiveParticipantID)

	cluster.Clock.Advance(2 * time.Second)
	var result models.SwitchResult
	code = cluster.DoJSON(t, 0, http.MethodPost, "/api/v1/sessions/"+sessionID+"/switch", nil, &result)
	require.Equal(t, http.StatusOK, code)

	update, ok = ws.WaitFor(2*time.Second, func(m delivery.ServerMessage) bool {
		return m.Type == delivery.MessageTypeStateUpdate && m.Version == result.Version
	})
	require.True(t, ok, "switch broadcast not received")
	assert.Equal(t, p2, update.State.ActiveParticipantID)

	used := update.State.Participants[0].TimeUsedMs
	assert.Equal(t, int64(2000), used)

	// Exactly one copy per broadcast: both replicas receive the change from
	// the bus, but only the connection's home replica may deliver it.
	copies := 0
	for _, m := range ws.Messages() {
		if m.Type == delivery.MessageTypeStateUpdate && m.Version == result.Version {
			copies++
		}
	}
	assert.Equal(t, 1, copies, "switch broadcast delivered more than once")
}

// A client attaching to or leaving any replica is announced to the session's
// clients on every other replica as targeted traffic.
func TestMultiReplica_PresenceVisibleAcrossReplicas(t *testing.T) {
	cluster := NewCluster(t, 2)
	ctx := context.Background()

	sessionID := clock.NewID()
	code := cluster.DoJSON(t, 0, http.MethodPost, "/api/v1/sessions",
		createConfig(sessionID, clock.NewID()), nil)
	require.Equal(t, http.StatusCreated, code)

	decode := func(m delivery.ServerMessage) delivery.PresenceNotice {
		var n delivery.PresenceNotice
		require.NoError(t, json.Unmarshal(m.Payload, &n))
		return n
	}

	ws1, err := WSConnect(ctx, cluster.WSURL(0, sessionID))
	require.NoError(t, err)
	defer ws1.Close()

	// The first notice ws1 sees is its own attach.
	own, ok := ws1.WaitFor(2*time.Second, func(m delivery.ServerMessage) bool {
		return m.Type == delivery.MessageTypeSessionNotice
	})
	require.True(t, ok, "own attach notice not received")
	ownID := decode(own).ConnectionID

	ws2, err := WSConnect(ctx, cluster.WSURL(1, sessionID))
	require.NoError(t, err)

	joined, ok := ws1.WaitFor(2*time.Second, func(m delivery.ServerMessage) bool {
		return m.Type == delivery.MessageTypeSessionNotice &&
			decode(m).Event == delivery.PresenceConnected &&
			decode(m).ConnectionID != ownID
	})
	require.True(t, ok, "remote attach notice not received")
	peerID := decode(joined).ConnectionID

	ws2.Close()

	left, ok := ws1.WaitFor(2*time.Second, func(m delivery.ServerMessage) bool {
		return m.Type == delivery.MessageTypeSessionNotice &&
			decode(m).Event == delivery.PresenceDisconnected
	})
	require.True(t, ok, "remote detach notice not received")
	assert.Equal(t, peerID, decode(left).ConnectionID)
	assert.Equal(t, sessionID, left.SessionID)
}

// Deleting a session must close connections on every replica.
func TestMultiReplica_DeleteClosesRemoteConnections(t *testing.T) {
	cluster := NewCluster(t, 2)
	ctx := context.Background()

	sessionID := clock.NewID()
	code := cluster.DoJSON(t, 0, http.MethodPost, "/api/v1/sessions",
		createConfig(sessionID, clock.NewID()), nil)
	require.Equal(t, http.StatusCreated, code)

	ws, err := WSConnect(ctx, cluster.WSURL(1, sessionID))
	require.NoError(t, err)
	defer ws.Close()

	_, ok := ws.WaitFor(2*time.Second, func(m delivery.ServerMessage) bool {
		return m.Type == delivery.MessageTypeConnected
	})
	require.True(t, ok)

	code = cluster.DoJSON(t, 0, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil, nil)
	require.Equal(t, http.StatusNoContent, code)

	_, ok = ws.WaitFor(2*time.Second, func(m delivery.ServerMessage) bool {
		return m.Type == delivery.MessageTypeSessionDeleted
	})
	require.True(t, ok, "session_deleted not received")
	assert.True(t, ws.WaitClosed(2*time.Second), "server did not close the connection")
}

// request_sync recovers current state after a client missed broadcasts.
func TestMultiReplica_RequestSyncRecovers(t *testing.T) {
	cluster := NewCluster(t, 2)
	ctx := context.Background()

	sessionID := clock.NewID()
	code := cluster.DoJSON(t, 0, http.MethodPost, "/api/v1/sessions",
		createConfig(sessionID, clock.NewID(), clock.NewID()), nil)
	require.Equal(t, http.StatusCreated, code)

	ws, err := WSConnect(ctx, cluster.WSURL(1, sessionID))
	require.NoError(t, err)
	defer ws.Close()
	_, ok := ws.WaitFor(2*time.Second, func(m delivery.ServerMessage) bool {
		return m.Type == delivery.MessageTypeStateSync
	})
	require.True(t, ok)

	var started models.Session
	code = cluster.DoJSON(t, 0, http.MethodPost, "/api/v1/sessions/"+sessionID+"/start", nil, &started)
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, ws.Send(delivery.ActionRequestSync))
	sync, ok := ws.WaitFor(2*time.Second, func(m delivery.ServerMessage) bool {
		return m.Type == delivery.MessageTypeStateSync && m.Version >= started.Version
	})
	require.True(t, ok, "state_sync after request_sync not received")
	assert.Equal(t, models.StatusRunning, sync.State.Status)
}
