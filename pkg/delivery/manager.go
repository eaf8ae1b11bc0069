// Package delivery maintains the long-lived WebSocket connections of one
// replica, grouped by session id, and pushes full state to them on every
// change received from the fan-out bus.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/turnclock/turnclock/pkg/bus"
	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/models"
	"github.com/turnclock/turnclock/pkg/store"
)

// StateReader is the slice of the store the delivery plane needs: the
// initial sync and request_sync replies read current state through it.
type StateReader interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
}

// Connection represents a single attached client.
//
// lastVersion is the highest version pushed to this client; broadcasts with
// version ≤ lastVersion are dropped to suppress cross-replica reordering.
// It is guarded by versionMu because broadcasts arrive on the bus goroutine
// while sync replies run on the connection's read loop.
type Connection struct {
	ID        string
	SessionID string
	conn      *websocket.Conn

	versionMu   sync.Mutex
	lastVersion int64

	ctx    context.Context
	cancel context.CancelFunc
}

// advanceTo reports whether version moves the connection forward, claiming
// it if so.
func (c *Connection) advanceTo(version int64) bool {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	if version <= c.lastVersion {
		return false
	}
	c.lastVersion = version
	return true
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// KeepaliveInterval is the ping cadence; a connection that misses one
	// pong round-trip within the same interval is closed. Default 30s.
	KeepaliveInterval time.Duration

	// WriteTimeout bounds each outbound send. Default 10s.
	WriteTimeout time.Duration

	// Publisher, when set, receives a presence notice on every client
	// attach and detach, fanning it out to the session's clients on all
	// replicas as targeted traffic.
	Publisher TargetedPublisher
}

// TargetedPublisher pushes non-state payloads to every client of one
// session across replicas. Satisfied by bus.Bus.
type TargetedPublisher interface {
	PublishToSession(ctx context.Context, sessionID string, payload json.RawMessage) error
}

// Manager manages the session → connections registry for one replica.
// Each process has exactly one Manager instance.
type Manager struct {
	reader    StateReader
	clk       clock.Clock
	publisher TargetedPublisher

	keepalive    time.Duration
	writeTimeout time.Duration

	// sessions: session_id → connection_id → *Connection
	mu       sync.RWMutex
	sessions map[string]map[string]*Connection
}

// NewManager creates a Manager reading state through reader.
func NewManager(reader StateReader, clk clock.Clock, opts ManagerOptions) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Manager{
		reader:       reader,
		clk:          clk,
		publisher:    opts.Publisher,
		keepalive:    opts.KeepaliveInterval,
		writeTimeout: opts.WriteTimeout,
		sessions:     make(map[string]map[string]*Connection),
	}
}

// HandleConnection owns the lifecycle of one upgraded WebSocket. It blocks
// until the connection closes. Called by the HTTP handler after upgrade.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, sessionID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:        clock.NewID(),
		SessionID: sessionID,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
	}

	m.register(c)
	m.announcePresence(c, PresenceConnected)
	defer func() {
		m.unregister(c)
		m.announcePresence(c, PresenceDisconnected)
	}()

	m.send(c, ServerMessage{
		Type:      MessageTypeConnected,
		SessionID: sessionID,
		ServerTS:  clock.EpochMillis(m.clk.Now()),
	})

	// Initial full state so a client reconnecting to a different replica
	// needs no message history.
	m.sendSync(c)

	go m.keepaliveLoop(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", c.ID, "session_id", sessionID, "error", err)
			m.send(c, ServerMessage{
				Type:     MessageTypeError,
				Message:  "malformed message",
				ServerTS: clock.EpochMillis(m.clk.Now()),
			})
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

func (m *Manager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case ActionPing:
		m.send(c, ServerMessage{
			Type:     MessageTypePong,
			ServerTS: clock.EpochMillis(m.clk.Now()),
		})
	case ActionRequestSync:
		m.sendSync(c)
	default:
		m.send(c, ServerMessage{
			Type:     MessageTypeError,
			Message:  "unknown action",
			ServerTS: clock.EpochMillis(m.clk.Now()),
		})
	}
}

// sendSync reads current state from the store and pushes a state_sync.
// A vanished session is reported as session_deleted.
func (m *Manager) sendSync(c *Connection) {
	readCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()

	s, err := m.reader.Get(readCtx, c.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		m.send(c, ServerMessage{
			Type:      MessageTypeSessionDeleted,
			SessionID: c.SessionID,
			ServerTS:  clock.EpochMillis(m.clk.Now()),
		})
		return
	}
	if err != nil {
		slog.Error("State read for sync failed",
			"connection_id", c.ID, "session_id", c.SessionID, "error", err)
		m.send(c, ServerMessage{
			Type:     MessageTypeError,
			Message:  "state unavailable",
			ServerTS: clock.EpochMillis(m.clk.Now()),
		})
		return
	}

	c.advanceTo(s.Version)
	m.send(c, ServerMessage{
		Type:      MessageTypeStateSync,
		SessionID: c.SessionID,
		Version:   s.Version,
		State:     s,
		ServerTS:  clock.EpochMillis(m.clk.Now()),
	})
}

// keepaliveLoop pings on the configured cadence. websocket.Ping blocks until
// the matching pong arrives, so one bounded call is the whole health check.
func (m *Manager) keepaliveLoop(c *Connection) {
	ticker := time.NewTicker(m.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, m.keepalive)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Info("Keepalive failed, closing connection",
					"connection_id", c.ID, "session_id", c.SessionID, "error", err)
				_ = c.conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				c.cancel()
				return
			}
		}
	}
}

// HandleStateChange is the bus.Handler for this replica: it fans a change
// out to every local connection attached to that session. Stale versions
// are dropped per connection; targeted payloads carry no version and are
// forwarded as-is.
func (m *Manager) HandleStateChange(change bus.StateChange) {
	conns := m.connectionsFor(change.SessionID)
	if len(conns) == 0 {
		return
	}

	if len(change.Payload) > 0 {
		msg := ServerMessage{
			Type:      MessageTypeSessionNotice,
			SessionID: change.SessionID,
			Payload:   change.Payload,
			ServerTS:  clock.EpochMillis(m.clk.Now()),
		}
		for _, c := range conns {
			m.send(c, msg)
		}
		return
	}

	for _, c := range conns {
		if !c.advanceTo(change.Version) {
			continue
		}
		if change.Deleted {
			m.send(c, ServerMessage{
				Type:      MessageTypeSessionDeleted,
				SessionID: change.SessionID,
				ServerTS:  change.ServerTS,
			})
			_ = c.conn.Close(websocket.StatusNormalClosure, "session deleted")
			c.cancel()
			continue
		}
		m.send(c, ServerMessage{
			Type:      MessageTypeStateUpdate,
			SessionID: change.SessionID,
			Version:   change.Version,
			State:     change.State,
			ServerTS:  change.ServerTS,
		})
	}
}

// announcePresence publishes a presence notice for c over the bus, reaching
// the session's clients on every replica. Uses a background context because
// the disconnect notice outlives the connection's own context.
func (m *Manager) announcePresence(c *Connection, event string) {
	if m.publisher == nil {
		return
	}
	payload, err := json.Marshal(PresenceNotice{Event: event, ConnectionID: c.ID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()
	if err := m.publisher.PublishToSession(ctx, c.SessionID, payload); err != nil {
		slog.Warn("Failed to publish presence notice",
			"connection_id", c.ID, "session_id", c.SessionID, "event", event, "error", err)
	}
}

// ActiveConnections returns the count of attached clients on this replica.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.sessions {
		n += len(conns)
	}
	return n
}

// CloseAll disconnects every client, for graceful shutdown.
func (m *Manager) CloseAll() {
	for _, c := range m.allConnections() {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		c.cancel()
	}
}

func (m *Manager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.sessions[c.SessionID]
	if !ok {
		conns = make(map[string]*Connection)
		m.sessions[c.SessionID] = conns
	}
	conns[c.ID] = c
}

func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	if conns, ok := m.sessions[c.SessionID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(m.sessions, c.SessionID)
		}
	}
	m.mu.Unlock()
	c.cancel()
}

// connectionsFor snapshots the connections of one session so sends never run
// under the registry lock.
func (m *Manager) connectionsFor(sessionID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(m.sessions[sessionID]))
	for _, c := range m.sessions[sessionID] {
		conns = append(conns, c)
	}
	return conns
}

func (m *Manager) allConnections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Connection
	for _, conns := range m.sessions {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) send(c *Connection, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal server message",
			"connection_id", c.ID, "type", msg.Type, "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send to WebSocket client",
			"connection_id", c.ID, "session_id", c.SessionID, "type", msg.Type, "error", err)
	}
}
