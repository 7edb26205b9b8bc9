package realtime

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Sender publishes outbound commands. *Transport implements it.
type Sender interface {
	Send(kind string, payload any) bool
}

type roomEntry struct {
	refs         int
	acknowledged bool
}

// RoomRegistry tracks the rooms the client wants to be in. Membership is
// reference counted: a room stays joined until the last interested party
// leaves. Desired rooms are re-requested on every reconnect until the
// server acknowledges them.
type RoomRegistry struct {
	sender Sender
	log    *zap.Logger

	mu        sync.Mutex
	connected bool
	rooms     map[RoomKey]*roomEntry
}

// NewRoomRegistry creates an empty registry that sends commands via sender.
func NewRoomRegistry(sender Sender, log *zap.Logger) *RoomRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &RoomRegistry{
		sender: sender,
		log:    log.Named("rooms"),
		rooms:  make(map[RoomKey]*roomEntry),
	}
}

// RequestJoin adds one reference to room. The join command goes out
// immediately when connected and is deferred to the next reconnect
// otherwise. Additional references never re-send.
func (r *RoomRegistry) RequestJoin(room RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.rooms[room]
	if ok {
		e.refs++
		return
	}
	r.rooms[room] = &roomEntry{refs: 1}
	if r.connected {
		r.send(CommandJoin, room)
	}
}

// RequestLeave drops one reference. The leave command is only sent when
// the last reference goes away.
func (r *RoomRegistry) RequestLeave(room RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.rooms[room]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(r.rooms, room)
	if r.connected {
		r.send(CommandLeave, room)
	}
}

// OnReconnected marks every room unacknowledged and re-sends one join per
// desired room. It returns the number of joins sent.
func (r *RoomRegistry) OnReconnected() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connected = true
	keys := make([]RoomKey, 0, len(r.rooms))
	for k, e := range r.rooms {
		e.acknowledged = false
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		r.send(CommandJoin, k)
	}
	return len(keys)
}

// OnDisconnected keeps desired rooms but clears their acknowledgement.
func (r *RoomRegistry) OnDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connected = false
	for _, e := range r.rooms {
		e.acknowledged = false
	}
}

// Ack records a server room-ack. Acks for rooms no longer desired are
// ignored and reported as false.
func (r *RoomRegistry) Ack(room RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.rooms[room]
	if !ok || !r.connected {
		r.log.Debug("ignoring ack for undesired room", zap.Stringer("room", room))
		return false
	}
	e.acknowledged = true
	return true
}

// IsAcknowledged reports whether events for room can be trusted as part of
// the current connection epoch.
func (r *RoomRegistry) IsAcknowledged(room RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[room]
	return ok && e.acknowledged
}

// Desired reports whether anyone currently wants room.
func (r *RoomRegistry) Desired(room RoomKey) bool {
	return r.Refs(room) > 0
}

// Refs returns the number of references held on room.
func (r *RoomRegistry) Refs(room RoomKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[room]; ok {
		return e.refs
	}
	return 0
}

// Snapshot returns all desired rooms sorted by key.
func (r *RoomRegistry) Snapshot() []RoomSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoomSubscription, 0, len(r.rooms))
	for k, e := range r.rooms {
		out = append(out, RoomSubscription{Room: k, Refs: e.refs, Desired: true, Acknowledged: e.acknowledged})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room.String() < out[j].Room.String() })
	return out
}

func (r *RoomRegistry) send(kind string, room RoomKey) {
	if !r.sender.Send(kind, roomPayload{Kind: room.Kind, Key: room.Key}) {
		r.log.Debug("room command dropped", zap.String("kind", kind), zap.Stringer("room", room))
	}
}
