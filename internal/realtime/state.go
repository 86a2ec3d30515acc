package realtime

import (
	"slices"
	"sync"

	"chatlink/internal/wire"
)

// PresenceMap holds the last known presence of every other user, keyed by
// user id. Entries are only removed by Delete or Clear.
type PresenceMap struct {
	mu    sync.RWMutex
	users map[int]wire.UserPresence
}

func NewPresenceMap() *PresenceMap {
	return &PresenceMap{users: make(map[int]wire.UserPresence)}
}

func (p *PresenceMap) Upsert(entries ...wire.UserPresence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range entries {
		p.users[u.ID] = u
	}
}

func (p *PresenceMap) Delete(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, id)
}

func (p *PresenceMap) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.users)
}

func (p *PresenceMap) Get(id int) (wire.UserPresence, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[id]
	return u, ok
}

func (p *PresenceMap) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

// Snapshot returns every entry ordered by user id.
func (p *PresenceMap) Snapshot() []wire.UserPresence {
	p.mu.RLock()
	out := make([]wire.UserPresence, 0, len(p.users))
	for _, u := range p.users {
		out = append(out, u)
	}
	p.mu.RUnlock()
	slices.SortFunc(out, func(a, b wire.UserPresence) int { return a.ID - b.ID })
	return out
}

// LatestMessages maps a room id to the newest message seen for it.
type LatestMessages struct {
	mu        sync.RWMutex
	rooms     map[string]wire.LatestMessage
	listeners map[int]func(wire.LatestMessage)
	nextID    int
}

func NewLatestMessages() *LatestMessages {
	return &LatestMessages{
		rooms:     make(map[string]wire.LatestMessage),
		listeners: make(map[int]func(wire.LatestMessage)),
	}
}

// OnChange registers fn for every entry Put stores. fn runs without the
// map locked and may read it.
func (l *LatestMessages) OnChange(fn func(wire.LatestMessage)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Put stores m unless an entry with a newer timestamp is already held. An
// equal timestamp replaces, which is how read flags change.
func (l *LatestMessages) Put(m wire.LatestMessage) {
	room := m.ChatRoomID
	if room == "" {
		room = wire.RoomID(m.SenderID, m.RecipientID)
		m.ChatRoomID = room
	}
	l.mu.Lock()
	if cur, ok := l.rooms[room]; ok && cur.Timestamp.After(m.Timestamp) {
		l.mu.Unlock()
		return
	}
	l.rooms[room] = m
	fns := make([]func(wire.LatestMessage), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (l *LatestMessages) Get(room string) (wire.LatestMessage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.rooms[room]
	return m, ok
}

func (l *LatestMessages) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.rooms)
}

// Snapshot returns every conversation, most recent first.
func (l *LatestMessages) Snapshot() []wire.LatestMessage {
	l.mu.RLock()
	out := make([]wire.LatestMessage, 0, len(l.rooms))
	for _, m := range l.rooms {
		out = append(out, m)
	}
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b wire.LatestMessage) int { return b.Timestamp.Compare(a.Timestamp) })
	return out
}
