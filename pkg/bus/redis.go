package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans state changes out over Redis pub/sub. One PSUBSCRIBE on the
// session-traffic pattern covers every session, so replicas need no
// per-session subscription churn.
//
// go-redis re-establishes the pub/sub connection and re-issues the pattern
// subscription after a network failure on its own; changes published while
// the connection is down are dropped, which the delivery plane's sync
// protocol tolerates.
type RedisBus struct {
	client redis.UniversalClient
	prefix string

	handlersMu sync.RWMutex
	handlers   []Handler

	pubsub   *redis.PubSub
	loopDone chan struct{}
}

// NewRedisBus creates a bus on an existing client. The prefix must match the
// store's so state keys and traffic channels share a namespace.
func NewRedisBus(client redis.UniversalClient, prefix string) *RedisBus {
	return &RedisBus{client: client, prefix: prefix}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, change StateChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal state change: %w", err)
	}
	channel := StateChannel(b.prefix, change.SessionID)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// PublishToSession implements Bus. The payload rides the session's own
// channel so the single pattern subscription picks it up on every replica.
func (b *RedisBus) PublishToSession(ctx context.Context, sessionID string, payload json.RawMessage) error {
	return b.Publish(ctx, StateChange{SessionID: sessionID, Payload: payload})
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(h Handler) {
	b.handlersMu.Lock()
	b.handlers = append(b.handlers, h)
	b.handlersMu.Unlock()
}

// Start opens the pattern subscription and begins the receive loop.
func (b *RedisBus) Start(ctx context.Context) error {
	b.pubsub = b.client.PSubscribe(ctx, StatePattern(b.prefix))

	// Force the initial subscription handshake so a dead Redis fails Start
	// instead of failing silently in the background.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", StatePattern(b.prefix), err)
	}

	b.loopDone = make(chan struct{})
	go b.receiveLoop()

	slog.Info("Fan-out bus started", "pattern", StatePattern(b.prefix))
	return nil
}

// receiveLoop dispatches every received message to all handlers. It exits
// when Stop closes the subscription.
func (b *RedisBus) receiveLoop() {
	defer close(b.loopDone)

	for msg := range b.pubsub.Channel() {
		var change StateChange
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			slog.Error("Discarding malformed bus payload",
				"channel", msg.Channel, "error", err)
			continue
		}

		b.handlersMu.RLock()
		handlers := b.handlers
		b.handlersMu.RUnlock()
		for _, h := range handlers {
			h(change)
		}
	}
}

// Stop closes the subscription and waits for the receive loop to drain.
func (b *RedisBus) Stop() {
	if b.pubsub == nil {
		return
	}
	_ = b.pubsub.Close()
	<-b.loopDone
	slog.Info("Fan-out bus stopped")
}
