package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PresenceTracker keeps the last known presence of every watched user.
// Updates are last-write-wins by arrival; the server provides no ordering
// token, so a reordered update can show a stale status until the next one.
type PresenceTracker struct {
	rooms  *RoomRegistry
	sender Sender
	online func() bool
	log    *zap.Logger

	mu       sync.Mutex
	watchers map[string]int
	states   map[string]PresenceState

	changed *bus[PresenceState]
}

// NewPresenceTracker creates a tracker joining presence rooms through
// rooms. online reports whether status queries can be sent right now.
func NewPresenceTracker(rooms *RoomRegistry, sender Sender, online func() bool, log *zap.Logger) *PresenceTracker {
	if log == nil {
		log = zap.NewNop()
	}
	if online == nil {
		online = func() bool { return false }
	}
	log = log.Named("presence")
	return &PresenceTracker{
		rooms:    rooms,
		sender:   sender,
		online:   online,
		log:      log,
		watchers: make(map[string]int),
		states:   make(map[string]PresenceState),
		changed:  newBus[PresenceState]("presence-changed", log),
	}
}

// OnChange registers an observer called when a watched user's status or
// last-seen time actually changes.
func (p *PresenceTracker) OnChange(fn func(PresenceState)) func() {
	return p.changed.listen(fn)
}

// Watch adds one watcher for userID, joining presence:{userID} and asking
// the server for the current status when connected. Presence is not
// replayed on join, hence the explicit query.
func (p *PresenceTracker) Watch(userID string) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	p.watchers[userID]++
	if _, ok := p.states[userID]; !ok {
		p.states[userID] = PresenceState{UserID: userID, Status: PresenceUnknown}
	}
	p.mu.Unlock()

	p.rooms.RequestJoin(PresenceRoom(userID))
	if p.online() {
		p.query(userID)
	}
}

// Unwatch removes one watcher. The state is evicted and the room left once
// nobody watches userID.
func (p *PresenceTracker) Unwatch(userID string) {
	p.mu.Lock()
	n, ok := p.watchers[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if n <= 1 {
		delete(p.watchers, userID)
		delete(p.states, userID)
	} else {
		p.watchers[userID] = n - 1
	}
	p.mu.Unlock()

	p.rooms.RequestLeave(PresenceRoom(userID))
}

// ApplyUpdate overwrites the state of a watched user. Observers are only
// notified when status or lastSeen differ from the stored value. Updates
// for users nobody watches are ignored.
func (p *PresenceTracker) ApplyUpdate(userID string, status PresenceStatus, lastSeen *time.Time) bool {
	switch status {
	case PresenceOnline, PresenceOffline:
	default:
		p.log.Warn("dropping presence update with unknown status", zap.String("user", userID), zap.String("status", string(status)))
		return false
	}

	next := PresenceState{UserID: userID, Status: status}
	if lastSeen != nil {
		ts := *lastSeen
		next.LastSeen = &ts
	}

	p.mu.Lock()
	if _, watched := p.watchers[userID]; !watched {
		p.mu.Unlock()
		p.log.Debug("presence update for unwatched user", zap.String("user", userID))
		return false
	}
	prev := p.states[userID]
	if prev.equal(next) {
		p.mu.Unlock()
		return false
	}
	p.states[userID] = next
	p.mu.Unlock()

	p.changed.emit(next.clone())
	return true
}

// Get returns the last known state, or PresenceUnknown if never observed.
func (p *PresenceTracker) Get(userID string) PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[userID]; ok {
		return s.clone()
	}
	return PresenceState{UserID: userID, Status: PresenceUnknown}
}

// Watched returns the number of watchers of userID.
func (p *PresenceTracker) Watched(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watchers[userID]
}

// Requery asks for the current status of every watched user. It is called
// once a new connection epoch is ready.
func (p *PresenceTracker) Requery() int {
	p.mu.Lock()
	users := make([]string, 0, len(p.watchers))
	for u := range p.watchers {
		users = append(users, u)
	}
	p.mu.Unlock()

	for _, u := range users {
		p.query(u)
	}
	return len(users)
}

func (p *PresenceTracker) query(userID string) {
	if !p.sender.Send(CommandPresenceQuery, presenceQueryPayload{UserID: userID}) {
		p.log.Debug("presence query dropped", zap.String("user", userID))
	}
}
