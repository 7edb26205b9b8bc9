package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrSessionDisposed = errors.New("session disposed")
	ErrNoAPI           = errors.New("no message api configured")
	ErrNotResendable   = errors.New("message is not a failed send")
)

// Handle is returned by Session.Open and released by Session.Close.
type Handle struct {
	ConversationID string
	OtherUserID    string
}

// Session is the view of the shared Core that one screen or client
// feature works with. It only surfaces events for the conversations and
// counterparts it has open. Several sessions can share a Core; a room is
// left only when no session needs it any more.
type Session struct {
	core *Core
	log  *zap.Logger

	mu            sync.Mutex
	disposed      bool
	handles       map[*Handle]struct{}
	conversations map[string]int
	counterparts  map[string]string
	users         map[string]int

	messages *bus[MessageEvent]
	presence *bus[PresenceState]
	detach   []func()
}

// NewSession creates a session on c.
func (c *Core) NewSession() *Session {
	s := &Session{
		core:          c,
		log:           c.log.Named("session"),
		handles:       make(map[*Handle]struct{}),
		conversations: make(map[string]int),
		counterparts:  make(map[string]string),
		users:         make(map[string]int),
	}
	s.messages = newBus[MessageEvent]("session-message", s.log)
	s.presence = newBus[PresenceState]("session-presence", s.log)
	s.detach = []func(){
		c.sync.OnMessage(s.relayMessage),
		c.presence.OnChange(s.relayPresence),
	}
	return s
}

// Open starts following a conversation and, when otherUserID is set, the
// presence of its counterpart. Every Open must be paired with a Close.
func (s *Session) Open(conversationID, otherUserID string) (*Handle, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("open: conversation id is required")
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrSessionDisposed
	}
	h := &Handle{ConversationID: conversationID, OtherUserID: otherUserID}
	s.handles[h] = struct{}{}
	s.conversations[conversationID]++
	if otherUserID != "" {
		s.counterparts[conversationID] = otherUserID
		s.users[otherUserID]++
	}
	s.mu.Unlock()

	s.core.rooms.RequestJoin(ConversationRoom(conversationID))
	if otherUserID != "" {
		s.core.presence.Watch(otherUserID)
	}
	s.log.Debug("conversation opened", zap.String("conversation", conversationID), zap.String("counterpart", otherUserID))
	return h, nil
}

// Close releases a handle. Closing the same handle twice, or a handle
// opened by another session, is a no-op.
func (s *Session) Close(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.handles[h]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.handles, h)
	if n := s.conversations[h.ConversationID] - 1; n > 0 {
		s.conversations[h.ConversationID] = n
	} else {
		delete(s.conversations, h.ConversationID)
		delete(s.counterparts, h.ConversationID)
	}
	if h.OtherUserID != "" {
		if n := s.users[h.OtherUserID] - 1; n > 0 {
			s.users[h.OtherUserID] = n
		} else {
			delete(s.users, h.OtherUserID)
		}
	}
	s.mu.Unlock()

	room := ConversationRoom(h.ConversationID)
	s.core.rooms.RequestLeave(room)
	if h.OtherUserID != "" {
		s.core.presence.Unwatch(h.OtherUserID)
	}
	if !s.core.rooms.Desired(room) {
		s.core.sync.Evict(h.ConversationID)
	}
}

// OnMessage registers an observer for message events of open conversations.
func (s *Session) OnMessage(fn func(MessageEvent)) func() {
	return s.messages.listen(fn)
}

// OnPresenceChange registers an observer for presence changes of open
// conversations' counterparts.
func (s *Session) OnPresenceChange(fn func(PresenceState)) func() {
	return s.presence.listen(fn)
}

// OnConnectionState forwards the shared transport's state changes.
func (s *Session) OnConnectionState(fn func(ConnectionInfo)) func() {
	unsub := s.core.OnConnectionState(fn)
	s.mu.Lock()
	s.detach = append(s.detach, unsub)
	s.mu.Unlock()
	return unsub
}

func (s *Session) relayMessage(e MessageEvent) {
	s.mu.Lock()
	open := s.conversations[e.Message.ConversationID] > 0
	s.mu.Unlock()
	if open {
		s.messages.emit(e)
	}
}

func (s *Session) relayPresence(p PresenceState) {
	s.mu.Lock()
	watched := s.users[p.UserID] > 0
	s.mu.Unlock()
	if watched {
		s.presence.emit(p)
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send shows the message immediately as local-optimistic, posts it over
// REST and reconciles the cache with the server's reply. On failure the
// entry is kept with StatusFailed and can be retried with Resend.
func (s *Session) Send(ctx context.Context, conversationID string, content *string, attachment *Attachment) (Message, error) {
	if content == nil && attachment == nil {
		return Message{}, fmt.Errorf("send: content or attachment is required")
	}
	if err := s.ready(); err != nil {
		return Message{}, err
	}
	opt := s.core.sync.AddOptimistic(Message{
		ConversationID: conversationID,
		SenderID:       s.core.selfID,
		Content:        content,
		Attachment:     attachment,
	})
	return s.deliver(ctx, opt)
}

// Resend retries a failed send. The failed entry is replaced by a new
// optimistic one under a fresh temp id.
func (s *Session) Resend(ctx context.Context, conversationID, tempID string) (Message, error) {
	if err := s.ready(); err != nil {
		return Message{}, err
	}
	failed, ok := s.core.sync.Lookup(conversationID, tempID)
	if !ok || failed.Status != StatusFailed {
		return Message{}, fmt.Errorf("resend %s: %w", tempID, ErrNotResendable)
	}
	s.core.sync.Remove(conversationID, tempID)
	opt := s.core.sync.AddOptimistic(Message{
		ConversationID: conversationID,
		SenderID:       failed.SenderID,
		Content:        failed.Content,
		Attachment:     failed.Attachment,
	})
	return s.deliver(ctx, opt)
}

func (s *Session) deliver(ctx context.Context, opt Message) (Message, error) {
	confirmed, err := s.core.api.SendMessage(ctx, opt.ConversationID, opt.Content, opt.Attachment)
	if err == nil {
		if confirmed.ConversationID == "" {
			confirmed.ConversationID = opt.ConversationID
		}
		err = s.core.sync.ReconcileSent(opt.TempID, confirmed)
	}
	if err != nil {
		s.log.Warn("send failed", zap.String("conversation", opt.ConversationID), zap.String("temp_id", opt.TempID), zap.Error(err))
		s.core.sync.MarkFailed(opt.ConversationID, opt.TempID, err)
		if m, ok := s.core.sync.Lookup(opt.ConversationID, opt.TempID); ok {
			return m, err
		}
		return opt, err
	}
	if m, ok := s.core.sync.Lookup(opt.ConversationID, confirmed.ID); ok {
		return m, nil
	}
	confirmed.TempID = opt.TempID
	confirmed.Status = StatusServerConfirmed
	return confirmed, nil
}

// ============================================================================
// History and read state
// ============================================================================

// LoadHistory fetches one page of history and merges it into the cache.
func (s *Session) LoadHistory(ctx context.Context, conversationID, cursor string) (*HistoryPage, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	page, err := s.core.api.FetchHistory(ctx, conversationID, cursor)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", conversationID, err)
	}
	n := s.core.sync.Merge(conversationID, page.Messages)
	s.log.Debug("history merged", zap.String("conversation", conversationID), zap.Int("new", n), zap.Int("page", len(page.Messages)))
	return page, nil
}

// MarkAsRead forwards to the REST API.
func (s *Session) MarkAsRead(ctx context.Context, conversationID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.core.api.MarkAsRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return nil
}

// View assembles the current state of one conversation for rendering.
func (s *Session) View(conversationID string) ConversationViewState {
	s.mu.Lock()
	other := s.counterparts[conversationID]
	s.mu.Unlock()

	v := ConversationViewState{
		ConversationID: conversationID,
		Messages:       s.core.sync.Messages(conversationID),
	}
	if other != "" {
		v.Counterpart = s.core.presence.Get(other)
	}
	if v.Messages == nil {
		v.Messages = []Message{}
	}
	return v
}

// Dispose closes every open handle and detaches the session from the core.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()

	for _, h := range handles {
		s.Close(h)
	}
	for _, fn := range detach {
		fn()
	}
}

func (s *Session) ready() error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return ErrSessionDisposed
	}
	if s.core.api == nil {
		return ErrNoAPI
	}
	return nil
}
