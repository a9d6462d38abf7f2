// Package room tracks which participants are connected to which room and
// fans messages out to them.
//
// A participant may hold several live connections at once (for example an
// audio socket and a status socket); each one is registered as a separate
// [Channel]. Delivery never assumes a particular transport: WebSocket
// sessions, the Discord voice bridge, and test doubles all plug in through
// the same interface.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNotRegistered is returned when a message is addressed to a user that has
// no live channels.
var ErrNotRegistered = errors.New("room: user not registered")

// defaultSendTimeout bounds each recipient's delivery during a broadcast.
const defaultSendTimeout = 2 * time.Second

// Channel is a single live connection capable of delivering messages to one
// participant. Implementations must be safe for concurrent use.
type Channel interface {
	// Send delivers one message. Implementations decide the encoding.
	Send(ctx context.Context, msg any) error

	// Close tears the connection down, passing reason through to the peer
	// where the transport supports it. Close must be idempotent.
	Close(reason string) error
}

// Identity describes a registered participant.
type Identity struct {
	ID       string
	Username string
	FullName string
}

// member is the registry's internal record for one participant.
type member struct {
	identity Identity
	roomID   string
	channels []Channel
}

// Registry maps users to rooms and live channels, and delivers messages to
// them. Channels that fail to deliver are closed and dropped; a user whose
// last channel drops is removed from their room, and a room whose last user
// leaves is forgotten.
//
// All methods are safe for concurrent use.
type Registry struct {
	sendTimeout time.Duration

	mu    sync.RWMutex
	users map[string]*member            // user ID → record
	rooms map[string]map[string]struct{} // room ID → member user IDs
}

// Option customises a [Registry].
type Option func(*Registry)

// WithSendTimeout bounds each recipient's delivery during [Registry.SendToRoom].
// Non-positive values keep the default of 2s.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// NewRegistry returns an empty [Registry].
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sendTimeout: defaultSendTimeout,
		users:       make(map[string]*member),
		rooms:       make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds one channel for user and records the user as a member of
// roomID. Registering the same user again with a different room moves them:
// membership in the old room is dropped. The identity stored for the user is
// always the most recent one supplied.
func (r *Registry) Register(user Identity, roomID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.users[user.ID]
	if !ok {
		m = &member{identity: user, roomID: roomID}
		r.users[user.ID] = m
	} else {
		m.identity = user
		if m.roomID != roomID {
			r.removeFromRoomLocked(m.roomID, user.ID)
			m.roomID = roomID
		}
	}
	m.channels = append(m.channels, ch)

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[user.ID] = struct{}{}
}

// Unregister removes one channel from user. When the last channel goes, the
// user leaves their room, and a room with no members left is deleted.
// Unknown users and channels are ignored.
func (r *Registry) Unregister(userID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.users[userID]
	if !ok {
		return
	}
	m.channels = slices.DeleteFunc(m.channels, func(c Channel) bool { return c == ch })
	if len(m.channels) > 0 {
		return
	}
	delete(r.users, userID)
	r.removeFromRoomLocked(m.roomID, userID)
}

// removeFromRoomLocked drops userID from roomID's member set and deletes the
// room once it is empty. Callers must hold r.mu.
func (r *Registry) removeFromRoomLocked(roomID, userID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// SendToUser delivers msg on every channel the user holds. Channels that fail
// are closed and unregistered, so a stale connection is evicted the first
// time it misbehaves. The send succeeds if at least one channel accepted the
// message; when every channel fails the user ends up fully unregistered and
// an error is returned.
func (r *Registry) SendToUser(ctx context.Context, userID string, msg any) error {
	r.mu.RLock()
	m, ok := r.users[userID]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, userID)
	}
	channels := slices.Clone(m.channels)
	r.mu.RUnlock()

	var failed []Channel
	for _, ch := range channels {
		if err := ch.Send(ctx, msg); err != nil {
			slog.Debug("channel send failed",
				"user_id", userID,
				"error", err,
			)
			failed = append(failed, ch)
		}
	}

	for _, ch := range failed {
		if err := ch.Close("send failed"); err != nil {
			slog.Debug("channel close failed", "user_id", userID, "error", err)
		}
		r.Unregister(userID, ch)
	}

	if len(failed) == len(channels) {
		return fmt.Errorf("room: user %s unreachable on %d channel(s)", userID, len(channels))
	}
	return nil
}

// SendToRoom delivers msg to every member of roomID except excludeUserID,
// concurrently. Each recipient gets its own delivery timeout so one stalled
// connection cannot hold up the rest; failed recipients are logged and
// evicted by [Registry.SendToUser] but do not stop delivery to the others.
// The first delivery error is returned after all sends have finished.
func (r *Registry) SendToRoom(ctx context.Context, roomID string, msg any, excludeUserID string) error {
	ids := r.MemberIDs(roomID)

	var eg errgroup.Group
	for _, id := range ids {
		if id == excludeUserID {
			continue
		}
		eg.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()

			if err := r.SendToUser(sendCtx, id, msg); err != nil {
				slog.Warn("room broadcast: recipient unreachable",
					"room_id", roomID,
					"user_id", id,
					"error", err,
				)
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

// Lookup returns the stored identity for userID.
func (r *Registry) Lookup(userID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.users[userID]
	if !ok {
		return Identity{}, false
	}
	return m.identity, true
}

// RoomOf returns the room userID currently belongs to.
func (r *Registry) RoomOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.users[userID]
	if !ok {
		return "", false
	}
	return m.roomID, true
}

// Members returns the identities of everyone in roomID, sorted by user ID.
func (r *Registry) Members(roomID string) []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]Identity, 0, len(members))
	for id := range members {
		if m, ok := r.users[id]; ok {
			out = append(out, m.identity)
		}
	}
	slices.SortFunc(out, func(a, b Identity) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// MemberIDs returns the user IDs of everyone in roomID, sorted.
func (r *Registry) MemberIDs(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Rooms returns the IDs of all rooms with at least one member, sorted.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// MemberCount returns the number of members in roomID.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// UserCount returns the total number of registered users across all rooms.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
