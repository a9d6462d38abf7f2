// Package mock provides a test double for the room package.
//
// The mock channel records every delivered message and the close reason.
// Set SendErr to simulate a dead connection, or Delay to simulate a slow one
// that only fails once the caller's context expires.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/room"
)

// Ensure Channel implements room.Channel at compile time.
var _ room.Channel = (*Channel)(nil)

// Channel is a mock implementation of room.Channel.
type Channel struct {
	// SendErr, if non-nil, is returned from every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned from every Close call.
	CloseErr error

	// Delay, if positive, makes Send wait that long (or until the context
	// expires) before delivering.
	Delay time.Duration

	mu     sync.Mutex
	sent   []any
	closed bool
	reason string
}

// Send records msg. It honours Delay and context cancellation before
// consulting SendErr.
func (c *Channel) Send(ctx context.Context, msg any) error {
	if c.Delay > 0 {
		timer := time.NewTimer(c.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.SendErr != nil {
		return c.SendErr
	}

	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

// Close records the reason of the first close. Later calls are no-ops.
func (c *Channel) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.reason = reason
	}
	return c.CloseErr
}

// Sent returns a copy of every message delivered so far. Thread-safe.
func (c *Channel) Sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentCount returns the number of delivered messages. Thread-safe.
func (c *Channel) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// Closed reports whether Close has been called and with what reason.
func (c *Channel) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}
