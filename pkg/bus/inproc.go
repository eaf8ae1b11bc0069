package bus

import (
	"context"
	"encoding/json"
	"sync"
)

// InProcBus dispatches changes synchronously within one process. It backs
// unit tests and single-replica development runs where Redis pub/sub would
// only talk to itself.
type InProcBus struct {
	mu       sync.RWMutex
	handlers []Handler
	started  bool
}

// NewInProcBus creates an empty in-process bus.
func NewInProcBus() *InProcBus {
	return &InProcBus{}
}

// Publish implements Bus. Handlers run on the caller's goroutine.
func (b *InProcBus) Publish(_ context.Context, change StateChange) error {
	b.mu.RLock()
	if !b.started {
		b.mu.RUnlock()
		return nil
	}
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(change)
	}
	return nil
}

// PublishToSession implements Bus.
func (b *InProcBus) PublishToSession(ctx context.Context, sessionID string, payload json.RawMessage) error {
	return b.Publish(ctx, StateChange{SessionID: sessionID, Payload: payload})
}

// Subscribe implements Bus.
func (b *InProcBus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Start implements Bus.
func (b *InProcBus) Start(context.Context) error {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

// Stop implements Bus.
func (b *InProcBus) Stop() {
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
}
