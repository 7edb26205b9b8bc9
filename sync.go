package realtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// history is the cached message sequence of one conversation, sorted
// ascending by CreatedAt. Entries are indexed by ID; optimistic entries
// use their temp id as ID until reconciled.
type history struct {
	msgs []*Message
	byID map[string]*Message
}

func newHistory() *history {
	return &history{byID: make(map[string]*Message)}
}

// insert places m after every entry with CreatedAt <= m.CreatedAt.
func (h *history) insert(m *Message) {
	i := sort.Search(len(h.msgs), func(i int) bool {
		return h.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	h.msgs = append(h.msgs, nil)
	copy(h.msgs[i+1:], h.msgs[i:])
	h.msgs[i] = m
	h.byID[m.ID] = m
}

func (h *history) indexOf(m *Message) int {
	for i, x := range h.msgs {
		if x == m {
			return i
		}
	}
	return -1
}

func (h *history) remove(m *Message) {
	if i := h.indexOf(m); i >= 0 {
		h.msgs = append(h.msgs[:i], h.msgs[i+1:]...)
	}
	delete(h.byID, m.ID)
}

// replace swaps old for m, keeping old's position when that still honours
// the ordering and re-inserting otherwise.
func (h *history) replace(old, m *Message) {
	i := h.indexOf(old)
	delete(h.byID, old.ID)
	if i < 0 {
		h.insert(m)
		return
	}
	fits := (i == 0 || !h.msgs[i-1].CreatedAt.After(m.CreatedAt)) &&
		(i == len(h.msgs)-1 || !m.CreatedAt.After(h.msgs[i+1].CreatedAt))
	if fits {
		h.msgs[i] = m
		h.byID[m.ID] = m
		return
	}
	h.msgs = append(h.msgs[:i], h.msgs[i+1:]...)
	h.insert(m)
}

// MessageSync merges real-time message events, optimistic sends and REST
// history into one ordered, duplicate-free cache per conversation.
type MessageSync struct {
	log *zap.Logger

	mu    sync.Mutex
	convs map[string]*history

	events      *bus[MessageEvent]
	invalidated *bus[string]
}

// NewMessageSync creates an empty cache.
func NewMessageSync(log *zap.Logger) *MessageSync {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("sync")
	return &MessageSync{
		log:         log,
		convs:       make(map[string]*history),
		events:      newBus[MessageEvent]("message", log),
		invalidated: newBus[string]("conversations-invalidated", log),
	}
}

// OnMessage registers an observer for added, updated and removed entries.
func (s *MessageSync) OnMessage(fn func(MessageEvent)) func() {
	return s.events.listen(fn)
}

// OnInvalidated registers an observer for the coarse "conversation list
// needs refresh" signal. It receives the conversation that changed.
func (s *MessageSync) OnInvalidated(fn func(conversationID string)) func() {
	return s.invalidated.listen(fn)
}

func (s *MessageSync) historyFor(conversationID string) *history {
	h, ok := s.convs[conversationID]
	if !ok {
		h = newHistory()
		s.convs[conversationID] = h
	}
	return h
}

// ApplyRemote inserts a pushed message in timestamp order. A message whose
// id is already cached is ignored and false is returned.
func (s *MessageSync) ApplyRemote(m Message) bool {
	if m.ID == "" || m.ConversationID == "" {
		s.log.Warn("dropping message without id or conversation", zap.String("message_id", m.ID))
		return false
	}
	m = m.clone()
	m.TempID = ""
	m.Error = ""
	if m.Status == "" || m.Pending() {
		m.Status = StatusRemotePushed
	}

	s.mu.Lock()
	h := s.historyFor(m.ConversationID)
	if _, dup := h.byID[m.ID]; dup {
		s.mu.Unlock()
		s.log.Debug("duplicate message ignored", zap.String("conversation", m.ConversationID), zap.String("message_id", m.ID))
		return false
	}
	h.insert(&m)
	out := m.clone()
	s.mu.Unlock()

	s.events.emit(MessageEvent{Kind: MessageAdded, Message: out})
	s.invalidated.emit(m.ConversationID)
	return true
}

// AddOptimistic caches a locally composed message before the server has
// seen it. A temp id is generated when m.TempID is empty and becomes the
// entry's ID until reconciliation.
func (s *MessageSync) AddOptimistic(m Message) Message {
	m = m.clone()
	if m.TempID == "" {
		m.TempID = "temp-" + uuid.NewString()
	}
	m.ID = m.TempID
	m.Status = StatusLocalOptimistic
	m.Error = ""
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	h := s.historyFor(m.ConversationID)
	if old, ok := h.byID[m.ID]; ok {
		h.remove(old)
	}
	h.insert(&m)
	out := m.clone()
	s.mu.Unlock()

	s.events.emit(MessageEvent{Kind: MessageAdded, Message: out})
	return out
}

// ReconcileSent replaces the optimistic entry tempID with the server's
// confirmed message. When the server push for the same id already arrived,
// the optimistic entry is removed and the pushed one is marked confirmed.
// A conversation that has been evicted is not brought back.
func (s *MessageSync) ReconcileSent(tempID string, confirmed Message) error {
	if confirmed.ID == "" || confirmed.ConversationID == "" {
		return fmt.Errorf("reconcile %s: confirmed message needs id and conversation", tempID)
	}
	c := confirmed.clone()
	c.TempID = tempID
	c.Status = StatusServerConfirmed
	c.Error = ""

	var events []MessageEvent
	s.mu.Lock()
	h, ok := s.convs[c.ConversationID]
	if !ok {
		// Evicted while the send was in flight.
		s.mu.Unlock()
		s.log.Debug("confirmation for uncached conversation", zap.String("conversation", c.ConversationID), zap.String("message_id", c.ID))
		s.invalidated.emit(c.ConversationID)
		return nil
	}
	temp := h.byID[tempID]
	if temp != nil && !temp.Pending() {
		temp = nil
	}
	existing := h.byID[c.ID]

	switch {
	case existing != nil:
		if temp != nil {
			h.remove(temp)
			events = append(events, MessageEvent{Kind: MessageRemoved, Message: temp.clone()})
		}
		if existing.Status != StatusServerConfirmed {
			existing.Status = StatusServerConfirmed
			existing.TempID = tempID
			events = append(events, MessageEvent{Kind: MessageUpdated, Message: existing.clone(), PreviousID: tempID})
		}
	case temp != nil:
		h.replace(temp, &c)
		events = append(events, MessageEvent{Kind: MessageUpdated, Message: c.clone(), PreviousID: tempID})
	default:
		h.insert(&c)
		events = append(events, MessageEvent{Kind: MessageAdded, Message: c.clone()})
	}
	s.mu.Unlock()

	for _, e := range events {
		s.events.emit(e)
	}
	s.invalidated.emit(c.ConversationID)
	return nil
}

// MarkFailed flags an optimistic entry whose send failed so the UI can
// offer a retry. It reports false if tempID is not a pending entry.
func (s *MessageSync) MarkFailed(conversationID, tempID string, cause error) bool {
	s.mu.Lock()
	h, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	m := h.byID[tempID]
	if m == nil || m.Status != StatusLocalOptimistic {
		s.mu.Unlock()
		return false
	}
	m.Status = StatusFailed
	if cause != nil {
		m.Error = cause.Error()
	}
	out := m.clone()
	s.mu.Unlock()

	s.events.emit(MessageEvent{Kind: MessageUpdated, Message: out})
	return true
}

// Remove drops a single entry by id, typically a failed optimistic message
// being resent under a fresh temp id.
func (s *MessageSync) Remove(conversationID, id string) (Message, bool) {
	s.mu.Lock()
	h, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return Message{}, false
	}
	m := h.byID[id]
	if m == nil {
		s.mu.Unlock()
		return Message{}, false
	}
	h.remove(m)
	out := m.clone()
	s.mu.Unlock()

	s.events.emit(MessageEvent{Kind: MessageRemoved, Message: out})
	return out, true
}

// Merge inserts a page of REST history, skipping ids already cached. Bulk
// backfill does not invalidate the conversation list.
func (s *MessageSync) Merge(conversationID string, page []Message) int {
	var added []Message
	s.mu.Lock()
	h := s.historyFor(conversationID)
	for _, m := range page {
		if m.ID == "" {
			continue
		}
		if _, dup := h.byID[m.ID]; dup {
			continue
		}
		m = m.clone()
		m.ConversationID = conversationID
		m.TempID = ""
		m.Status = StatusServerConfirmed
		h.insert(&m)
		added = append(added, m.clone())
	}
	s.mu.Unlock()

	for _, m := range added {
		s.events.emit(MessageEvent{Kind: MessageAdded, Message: m})
	}
	return len(added)
}

// Evict drops the cached history of a conversation.
func (s *MessageSync) Evict(conversationID string) {
	s.mu.Lock()
	delete(s.convs, conversationID)
	s.mu.Unlock()
}

// Messages returns a copy of the cached history in ascending order.
func (s *MessageSync) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(h.msgs))
	for i, m := range h.msgs {
		out[i] = m.clone()
	}
	return out
}

// Lookup returns one cached message by id.
func (s *MessageSync) Lookup(conversationID, id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.convs[conversationID]; ok {
		if m := h.byID[id]; m != nil {
			return m.clone(), true
		}
	}
	return Message{}, false
}

// Cached reports whether a history is held for conversationID.
func (s *MessageSync) Cached(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[conversationID]
	return ok
}
