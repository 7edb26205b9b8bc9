package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T) (*RoomRegistry, *recordingSender) {
	s := &recordingSender{}
	return NewRoomRegistry(s, zaptest.NewLogger(t)), s
}

func TestRoomRegistry_JoinDeferredUntilConnected(t *testing.T) {
	r, s := newTestRegistry(t)

	r.RequestJoin(ConversationRoom("77"))
	r.RequestJoin(PresenceRoom("42"))
	assert.Zero(t, s.count(CommandJoin), "no joins before the first connection")
	assert.True(t, r.Desired(ConversationRoom("77")))

	n := r.OnReconnected()
	assert.Equal(t, 2, n)
	assert.Equal(t, []RoomKey{ConversationRoom("77"), PresenceRoom("42")}, s.rooms(CommandJoin))
}

func TestRoomRegistry_RefCounting(t *testing.T) {
	r, s := newTestRegistry(t)
	r.OnReconnected()
	room := PresenceRoom("42")

	r.RequestJoin(room)
	r.RequestJoin(room)
	assert.Equal(t, 1, s.count(CommandJoin), "second reference must not re-send join")
	assert.Equal(t, 2, r.Refs(room))

	r.RequestLeave(room)
	assert.Zero(t, s.count(CommandLeave))
	assert.True(t, r.Desired(room))

	r.RequestLeave(room)
	assert.Equal(t, []RoomKey{room}, s.rooms(CommandLeave))
	assert.False(t, r.Desired(room))

	// Leaving an unknown room is a no-op.
	r.RequestLeave(room)
	assert.Equal(t, 1, s.count(CommandLeave))
}

func TestRoomRegistry_ReconnectResendsEachDesiredRoomOnce(t *testing.T) {
	r, s := newTestRegistry(t)
	r.OnReconnected()

	rooms := []RoomKey{ConversationRoom("1"), ConversationRoom("2"), PresenceRoom("9")}
	for _, room := range rooms {
		r.RequestJoin(room)
		r.RequestJoin(room)
		require.True(t, r.Ack(room))
	}
	r.RequestJoin(ConversationRoom("gone"))
	r.RequestLeave(ConversationRoom("gone"))

	r.OnDisconnected()
	for _, room := range rooms {
		assert.False(t, r.IsAcknowledged(room), "acks do not survive a disconnect")
		assert.True(t, r.Desired(room))
	}

	s.reset()
	assert.Equal(t, len(rooms), r.OnReconnected())
	assert.ElementsMatch(t, rooms, s.rooms(CommandJoin))
	assert.Zero(t, s.count(CommandLeave))
}

func TestRoomRegistry_Ack(t *testing.T) {
	r, _ := newTestRegistry(t)
	room := ConversationRoom("77")

	t.Run("ignored while disconnected", func(t *testing.T) {
		r.RequestJoin(room)
		assert.False(t, r.Ack(room))
		assert.False(t, r.IsAcknowledged(room))
	})

	t.Run("applied for desired room", func(t *testing.T) {
		r.OnReconnected()
		assert.True(t, r.Ack(room))
		assert.True(t, r.IsAcknowledged(room))
	})

	t.Run("ignored for undesired room", func(t *testing.T) {
		assert.False(t, r.Ack(ConversationRoom("other")))
		assert.False(t, r.IsAcknowledged(ConversationRoom("other")))
	})

	t.Run("cleared when left", func(t *testing.T) {
		r.RequestLeave(room)
		assert.False(t, r.IsAcknowledged(room))
	})
}

func TestRoomRegistry_Snapshot(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OnReconnected()
	r.RequestJoin(PresenceRoom("42"))
	r.RequestJoin(ConversationRoom("77"))
	r.RequestJoin(ConversationRoom("77"))
	r.Ack(ConversationRoom("77"))

	assert.Equal(t, []RoomSubscription{
		{Room: ConversationRoom("77"), Refs: 2, Desired: true, Acknowledged: true},
		{Room: PresenceRoom("42"), Refs: 1, Desired: true},
	}, r.Snapshot())
}

func TestRoomRegistry_DroppedSendIsRetriedOnReconnect(t *testing.T) {
	r, s := newTestRegistry(t)
	r.OnReconnected()
	s.fail = true
	r.RequestJoin(ConversationRoom("77"))
	s.fail = false

	r.OnDisconnected()
	r.OnReconnected()
	assert.Equal(t, []RoomKey{ConversationRoom("77")}, s.rooms(CommandJoin))
}
