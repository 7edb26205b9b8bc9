// Package realtime is the client core for realtime conversations: one
// authenticated WebSocket multiplexing conversation and presence rooms,
// a per-conversation message cache with optimistic sends, and presence
// tracking for conversation counterparts.
//
// Example:
//
//	tr := realtime.NewTransport("wss://chat.example.com/ws", realtime.DefaultConfig())
//	core := realtime.NewCore(tr, realtime.NewAPIClient("https://chat.example.com", token),
//		realtime.WithSelfID(myID))
//	defer core.Close()
//
//	s := core.NewSession()
//	h, _ := s.Open("77", "42")
//	s.OnMessage(func(e realtime.MessageEvent) { ... })
//	core.Connect(ctx, token)
//	s.Send(ctx, "77", &text, nil)
//	s.Close(h)
package realtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Core is the messaging core shared by every ConversationSession of a
// process: one transport, one room registry, one message cache and one
// presence tracker. Create it once at the composition root.
type Core struct {
	transport *Transport
	api       MessageAPI
	selfID    string
	log       *zap.Logger
	metrics   *metrics

	rooms    *RoomRegistry
	sync     *MessageSync
	presence *PresenceTracker

	connState *bus[ConnectionInfo]
	detach    []func()
}

// CoreOption configures a Core.
type CoreOption func(*Core)

// WithSelfID sets the sender id stamped on optimistic messages.
func WithSelfID(userID string) CoreOption {
	return func(c *Core) { c.selfID = userID }
}

// NewCore wires the messaging core onto transport. api may be nil when the
// caller never sends or loads history.
func NewCore(transport *Transport, api MessageAPI, opts ...CoreOption) *Core {
	log := transport.config.Logger
	c := &Core{
		transport: transport,
		api:       api,
		log:       log.Named("core"),
		metrics:   transport.metrics,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.rooms = NewRoomRegistry(transport, log)
	c.sync = NewMessageSync(log)
	c.presence = NewPresenceTracker(c.rooms, transport, func() bool {
		return transport.State() == StateConnected
	}, log)
	c.connState = newBus[ConnectionInfo]("connection-state-changed", c.log)
	transport.SetResubscriber(c.rooms)

	kinds := map[string]Handler{
		EventMessage:  c.handleMessage,
		EventPresence: c.handlePresence,
		EventRoomAck:  c.handleRoomAck,
	}
	for kind, h := range kinds {
		kind, id := kind, transport.On(kind, h)
		c.detach = append(c.detach, func() { transport.Off(kind, id) })
	}
	c.detach = append(c.detach, transport.OnState(c.handleState))
	return c
}

// Transport returns the shared socket.
func (c *Core) Transport() *Transport { return c.transport }

// Rooms returns the shared room registry.
func (c *Core) Rooms() *RoomRegistry { return c.rooms }

// Sync returns the shared message cache.
func (c *Core) Sync() *MessageSync { return c.sync }

// Presence returns the shared presence tracker.
func (c *Core) Presence() *PresenceTracker { return c.presence }

// API returns the REST collaborator, or nil if none was given.
func (c *Core) API() MessageAPI { return c.api }

// SelfID returns the user id stamped on outgoing messages.
func (c *Core) SelfID() string { return c.selfID }

// Connect connects the underlying transport.
func (c *Core) Connect(ctx context.Context, token string) error {
	return c.transport.Connect(ctx, token)
}

// Disconnect closes the underlying transport.
func (c *Core) Disconnect() error {
	return c.transport.Disconnect()
}

// Close detaches the core from its transport and disconnects it.
func (c *Core) Close() error {
	for _, fn := range c.detach {
		fn()
	}
	c.detach = nil
	return c.transport.Disconnect()
}

// OnConnectionState registers an observer for connection-state-changed.
// An Info.Err wrapping ErrAuthRejected means the caller must refresh the
// token and call Connect again.
func (c *Core) OnConnectionState(fn func(ConnectionInfo)) func() {
	return c.connState.listen(fn)
}

// OnConversationsInvalidated registers an observer for the coarse signal
// that the conversation list (previews, unread counts) should be refetched.
func (c *Core) OnConversationsInvalidated(fn func(conversationID string)) func() {
	return c.sync.OnInvalidated(fn)
}

// ============================================================================
// Inbound routing
// ============================================================================

func (c *Core) handleMessage(raw json.RawMessage) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" || m.ConversationID == "" {
		c.log.Warn("dropping malformed message event", zap.Error(err), zap.ByteString("payload", truncate(raw)))
		c.metrics.inboundEvent(EventMessage, "malformed")
		return
	}
	room := ConversationRoom(m.ConversationID)
	if !c.rooms.IsAcknowledged(room) {
		c.log.Debug("dropping message for unacknowledged room", zap.Stringer("room", room), zap.String("message_id", m.ID))
		c.metrics.inboundEvent(EventMessage, "stale")
		return
	}
	m.Status = StatusRemotePushed
	if c.sync.ApplyRemote(m) {
		c.metrics.inboundEvent(EventMessage, "applied")
	} else {
		c.metrics.inboundEvent(EventMessage, "duplicate")
	}
}

func (c *Core) handlePresence(raw json.RawMessage) {
	var p PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		c.log.Warn("dropping malformed presence event", zap.Error(err), zap.ByteString("payload", truncate(raw)))
		c.metrics.inboundEvent(EventPresence, "malformed")
		return
	}
	room := PresenceRoom(p.UserID)
	if !c.rooms.IsAcknowledged(room) {
		c.log.Debug("dropping presence for unacknowledged room", zap.Stringer("room", room))
		c.metrics.inboundEvent(EventPresence, "stale")
		return
	}
	if c.presence.ApplyUpdate(p.UserID, p.Status, p.LastSeen) {
		c.metrics.inboundEvent(EventPresence, "applied")
	} else {
		c.metrics.inboundEvent(EventPresence, "duplicate")
	}
}

func (c *Core) handleRoomAck(raw json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Key == "" {
		c.log.Warn("dropping malformed room-ack", zap.Error(err), zap.ByteString("payload", truncate(raw)))
		c.metrics.inboundEvent(EventRoomAck, "malformed")
		return
	}
	switch p.Kind {
	case KindConversation, KindPresence:
	default:
		c.log.Warn("dropping room-ack of unknown kind", zap.String("kind", string(p.Kind)))
		c.metrics.inboundEvent(EventRoomAck, "malformed")
		return
	}
	if c.rooms.Ack(RoomKey{Kind: p.Kind, Key: p.Key}) {
		c.metrics.inboundEvent(EventRoomAck, "applied")
	} else {
		c.metrics.inboundEvent(EventRoomAck, "stale")
	}
}

func (c *Core) handleState(info ConnectionInfo) {
	if info.State == StateConnected {
		if n := c.presence.Requery(); n > 0 {
			c.log.Debug("requested presence after connect", zap.Int("users", n))
		}
	}
	c.connState.emit(info)
}

func truncate(raw []byte) []byte {
	const limit = 256
	if len(raw) > limit {
		return raw[:limit]
	}
	return raw
}
