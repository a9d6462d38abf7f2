package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsChannel adapts one accepted WebSocket connection to room.Channel. Writes
// are serialized by a mutex and bounded by the configured send timeout, so a
// stalled client cannot block a room broadcast indefinitely.
type wsChannel struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newChannel(conn *websocket.Conn, timeout time.Duration) *wsChannel {
	return &wsChannel{conn: conn, timeout: timeout}
}

// Send marshals msg and writes it as one text frame.
func (c *wsChannel) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: marshal %T: %w", msg, err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close sends a close frame once; later calls return the first result.
func (c *wsChannel) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(closeStatus(reason), reason)
	})
	return c.closeErr
}

// closeStatus maps registry close reasons onto WebSocket close codes.
func closeStatus(reason string) websocket.StatusCode {
	switch reason {
	case "send failed":
		return websocket.StatusGoingAway
	case "authentication failed":
		return websocket.StatusPolicyViolation
	default:
		return websocket.StatusNormalClosure
	}
}
