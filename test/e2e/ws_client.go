package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/turnclock/turnclock/pkg/delivery"
)

// WSClient connects to a replica's WebSocket endpoint and collects every
// message in the background.
type WSClient struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	msgs   []delivery.ServerMessage
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// WSConnect dials wsURL and starts the background reader.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var msg delivery.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
	}
}

// Send writes a client action.
func (c *WSClient) Send(action string) error {
	data, _ := json.Marshal(delivery.ClientMessage{Action: action})
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// Messages returns a snapshot of everything received so far.
func (c *WSClient) Messages() []delivery.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]delivery.ServerMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// WaitFor blocks until a message satisfying match arrives or the timeout
// expires. Already-received messages count.
func (c *WSClient) WaitFor(timeout time.Duration, match func(delivery.ServerMessage) bool) (delivery.ServerMessage, bool) {
	deadline := time.Now().Add(timeout)
	seen := 0
	for {
		msgs := c.Messages()
		for ; seen < len(msgs); seen++ {
			if match(msgs[seen]) {
				return msgs[seen], true
			}
		}
		if time.Now().After(deadline) {
			return delivery.ServerMessage{}, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitClosed blocks until the server closes the connection.
func (c *WSClient) WaitClosed(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close tears the connection down from the client side.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "test done")
	<-c.done
}
