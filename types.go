package realtime

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Connection
// ============================================================================

// ConnState represents the transport connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnectionInfo is a point-in-time view of the transport.
type ConnectionInfo struct {
	State       ConnState `json:"state"`
	Retries     int       `json:"retries"`
	NextAttempt time.Time `json:"nextAttempt,omitempty"`
	// Err is set when the last transition was caused by a failure. An
	// *ConnectError of kind AuthRejected means the token must be refreshed
	// before Connect is called again.
	Err error `json:"-"`
}

// ============================================================================
// Rooms
// ============================================================================

// RoomKind is one of the two channel kinds the server multiplexes.
type RoomKind string

const (
	KindConversation RoomKind = "conversation"
	KindPresence     RoomKind = "presence"
)

// RoomKey identifies a room, e.g. conversation:77 or presence:42.
type RoomKey struct {
	Kind RoomKind `json:"kind"`
	Key  string   `json:"key"`
}

// ConversationRoom is the room carrying messages of one conversation.
func ConversationRoom(conversationID string) RoomKey {
	return RoomKey{Kind: KindConversation, Key: conversationID}
}

// PresenceRoom is the room carrying status updates of one user.
func PresenceRoom(userID string) RoomKey {
	return RoomKey{Kind: KindPresence, Key: userID}
}

func (k RoomKey) String() string {
	return string(k.Kind) + ":" + k.Key
}

// RoomSubscription is a snapshot of one desired room membership.
type RoomSubscription struct {
	Room         RoomKey `json:"room"`
	Refs         int     `json:"refs"`
	Desired      bool    `json:"desired"`
	Acknowledged bool    `json:"acknowledged"`
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryStatus records where a cached message came from.
type DeliveryStatus string

const (
	StatusLocalOptimistic DeliveryStatus = "local-optimistic"
	StatusFailed          DeliveryStatus = "failed"
	StatusServerConfirmed DeliveryStatus = "server-confirmed"
	StatusRemotePushed    DeliveryStatus = "remote-pushed"
)

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Message is a chat message as cached by MessageSync.
type Message struct {
	ID             string         `json:"id"`
	TempID         string         `json:"tempId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Content        *string        `json:"content"`
	Attachment     *Attachment    `json:"attachment,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         DeliveryStatus `json:"status,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Text returns the message content or "" for attachment-only messages.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Pending reports whether m is a local entry not yet confirmed by the server.
func (m Message) Pending() bool {
	return m.Status == StatusLocalOptimistic || m.Status == StatusFailed
}

func (m Message) clone() Message {
	if m.Content != nil {
		c := *m.Content
		m.Content = &c
	}
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	return m
}

// MessageEventKind distinguishes the message notifications emitted to UI.
type MessageEventKind string

const (
	MessageAdded   MessageEventKind = "message-added"
	MessageUpdated MessageEventKind = "message-updated"
	MessageRemoved MessageEventKind = "message-removed"
)

// MessageEvent is delivered to message observers. For MessageUpdated,
// PreviousID carries the temp id the entry was known by before
// reconciliation, if it changed.
type MessageEvent struct {
	Kind       MessageEventKind `json:"kind"`
	Message    Message          `json:"message"`
	PreviousID string           `json:"previousId,omitempty"`
}

// ============================================================================
// Presence
// ============================================================================

// PresenceStatus is a user's online status.
type PresenceStatus string

const (
	PresenceUnknown PresenceStatus = "unknown"
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceState is the best-known presence of a watched user.
type PresenceState struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

func (p PresenceState) clone() PresenceState {
	if p.LastSeen != nil {
		ts := *p.LastSeen
		p.LastSeen = &ts
	}
	return p
}

func (p PresenceState) equal(o PresenceState) bool {
	if p.Status != o.Status {
		return false
	}
	switch {
	case p.LastSeen == nil && o.LastSeen == nil:
		return true
	case p.LastSeen == nil || o.LastSeen == nil:
		return false
	default:
		return p.LastSeen.Equal(*o.LastSeen)
	}
}

// ConversationViewState is the aggregate the UI renders for one open
// conversation. It is derived and rebuilt on every read.
type ConversationViewState struct {
	ConversationID string        `json:"conversationId"`
	Messages       []Message     `json:"messages"`
	Counterpart    PresenceState `json:"counterpart"`
}

// ============================================================================
// Wire format
// ============================================================================

// Inbound event kinds.
const (
	EventAuthenticated   = "authenticated"
	EventAuthRejected    = "auth-rejected"
	EventMessage         = "message"
	EventPresence        = "presence"
	EventRoomAck         = "room-ack"
	EventConnectionState = "connection-state"
)

// Outbound command kinds.
const (
	CommandJoin          = "join"
	CommandLeave         = "leave"
	CommandPresenceQuery = "presence-query"
)

// Envelope is the wire format for all real-time events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// PresencePayload is the payload of a presence event.
type PresencePayload struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

// ConnectionStatePayload is published locally by the transport on every
// state transition.
type ConnectionStatePayload struct {
	State   ConnState `json:"state"`
	Retries int       `json:"retries,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type roomPayload struct {
	Kind RoomKind `json:"kind"`
	Key  string   `json:"key"`
}

type presenceQueryPayload struct {
	UserID string `json:"userId"`
}

type authRejectedPayload struct {
	Message string `json:"message"`
}
