// Package intake decouples transport receive from pipeline processing.
//
// The transport's read loop pushes raw PCM frames as they arrive; each
// speaker's pipeline task drains its queue once per tick. Queues are bounded,
// so a stalled pipeline costs memory proportional to the cap, never more:
// the oldest audio is dropped first, which degrades to "missed words" rather
// than unbounded latency.
package intake

import (
	"log/slog"
	"sync"
)

// Frames are 16 kHz mono s16le, so one second of audio is 32000 bytes.
const (
	bytesPerSecond     = 16000 * 2
	defaultMaxBuffered = 2 * bytesPerSecond
)

// queue holds one user's pending frames.
type queue struct {
	frames [][]byte
	size   int
}

// Buffer is a bounded per-user frame queue. The transport is the only writer
// for a given user and that user's pipeline task the only reader, but Buffer
// itself is safe for concurrent use across users and roles.
type Buffer struct {
	maxBytes int
	onDrop   func(userID string, droppedBytes int)

	mu      sync.Mutex
	users   map[string]*queue
	dropped uint64
}

// Option customises a [Buffer].
type Option func(*Buffer)

// WithMaxBuffered caps each user's queue at n bytes of pending audio.
// Non-positive values keep the default of 2 s (64000 bytes).
func WithMaxBuffered(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxBytes = n
		}
	}
}

// WithDropHandler registers a callback invoked whenever backpressure drops
// audio, typically to bump a metric. The callback runs outside the buffer's
// lock and must be safe for concurrent use.
func WithDropHandler(fn func(userID string, droppedBytes int)) Option {
	return func(b *Buffer) {
		b.onDrop = fn
	}
}

// NewBuffer returns an empty [Buffer].
func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{
		maxBytes: defaultMaxBuffered,
		users:    make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Push appends frame to userID's queue, dropping the oldest frames once the
// queue exceeds the cap. The buffer takes ownership of frame; callers must
// not reuse it. Empty frames are ignored.
func (b *Buffer) Push(userID string, frame []byte) {
	if len(frame) == 0 {
		return
	}

	b.mu.Lock()
	q, ok := b.users[userID]
	if !ok {
		q = &queue{}
		b.users[userID] = q
	}
	q.frames = append(q.frames, frame)
	q.size += len(frame)

	droppedBytes := 0
	for q.size > b.maxBytes && len(q.frames) > 1 {
		oldest := q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		q.size -= len(oldest)
		droppedBytes += len(oldest)
	}
	if droppedBytes > 0 {
		b.dropped += uint64(droppedBytes)
	}
	b.mu.Unlock()

	if droppedBytes > 0 {
		slog.Debug("intake backpressure: dropped oldest audio",
			"user_id", userID,
			"dropped_bytes", droppedBytes,
		)
		if b.onDrop != nil {
			b.onDrop(userID, droppedBytes)
		}
	}
}

// Drain atomically removes and returns everything buffered for userID as one
// contiguous byte slice. Returns nil when nothing is pending.
func (b *Buffer) Drain(userID string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.users[userID]
	if !ok || q.size == 0 {
		return nil
	}
	delete(b.users, userID)

	out := make([]byte, 0, q.size)
	for _, f := range q.frames {
		out = append(out, f...)
	}
	return out
}

// Clear discards everything buffered for userID. Used when a speaker stops
// and when the pipeline resets after rejected output.
func (b *Buffer) Clear(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.users, userID)
}

// Len returns the number of bytes currently buffered for userID.
func (b *Buffer) Len(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.users[userID]
	if !ok {
		return 0
	}
	return q.size
}

// Dropped returns the total number of bytes discarded to backpressure since
// the buffer was created.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
