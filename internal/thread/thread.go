// Package thread keeps the message list of one conversation in step with
// the server: history, live deliveries and messages sent optimistically.
package thread

import (
	"slices"
	"sync"
	"time"

	"chatlink/internal/wire"
)

// Entry is a message as shown in the thread. Pending entries were sent from
// here and the server has not echoed them back yet; their ID is temporary.
type Entry struct {
	wire.Message
	Pending bool
}

// Thread is the ordered message list between self and peer.
type Thread struct {
	self int
	peer int
	room string
	now  func() time.Time

	mu      sync.Mutex
	entries []Entry
}

func New(self, peer int) *Thread {
	return &Thread{self: self, peer: peer, room: wire.RoomID(self, peer), now: time.Now}
}

func (t *Thread) Room() string { return t.room }
func (t *Thread) Peer() int    { return t.peer }

// Load merges history into the thread. Messages already delivered live are
// kept, and pending entries the history does not account for stay at the
// end.
func (t *Thread) Load(history []wire.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending, confirmed []Entry
	for _, e := range t.entries {
		if e.Pending {
			pending = append(pending, e)
		} else {
			confirmed = append(confirmed, e)
		}
	}
	t.entries = confirmed
	for _, m := range history {
		if m.ChatRoomID != "" && m.ChatRoomID != t.room {
			continue
		}
		t.insert(m)
	}

	// A pending id is one past everything known when it was sent, so its
	// confirmed copy can only have that id or a later one.
	matched := make(map[int]bool)
	for _, p := range pending {
		found := false
		for _, e := range t.entries {
			if e.SenderID == t.self && e.Content == p.Content && e.ID >= p.ID && !matched[e.ID] {
				matched[e.ID] = true
				found = true
				break
			}
		}
		if !found {
			t.entries = append(t.entries, p)
		}
	}
}

// AddPending appends a message sent from here and returns it. Its id is one
// past the largest id in the thread.
func (t *Thread) AddPending(content string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := 1
	for _, e := range t.entries {
		if e.ID >= id {
			id = e.ID + 1
		}
	}
	e := Entry{
		Message: wire.Message{
			ID:          id,
			Content:     content,
			SenderID:    t.self,
			RecipientID: t.peer,
			ChatRoomID:  t.room,
			Timestamp:   t.now().UTC(),
		},
		Pending: true,
	}
	t.entries = append(t.entries, e)
	return e
}

// DropPending removes a pending entry, for a send that never left.
func (t *Thread) DropPending(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = slices.DeleteFunc(t.entries, func(e Entry) bool { return e.Pending && e.ID == id })
}

// Receive merges a message delivered by the server. It reports false for
// messages of other conversations, which are ignored.
func (t *Thread) Receive(m wire.Message) bool {
	if m.ChatRoomID != t.room {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.SenderID == t.self && t.reconcile(m) {
		return true
	}
	t.insert(m)
	return true
}

// reconcile swaps the oldest pending entry with the same content for its
// server echo.
func (t *Thread) reconcile(m wire.Message) bool {
	for i, e := range t.entries {
		if e.Pending && e.Content == m.Content {
			t.entries = slices.Delete(t.entries, i, i+1)
			t.insert(m)
			return true
		}
	}
	return false
}

// insert places m by timestamp, replacing a confirmed entry with the same id.
func (t *Thread) insert(m wire.Message) {
	for i, e := range t.entries {
		if !e.Pending && e.ID == m.ID {
			t.entries[i].Message = m
			return
		}
	}
	// Confirmed messages go before anything still in flight.
	at := len(t.entries)
	for at > 0 && (t.entries[at-1].Pending || t.entries[at-1].Timestamp.After(m.Timestamp)) {
		at--
	}
	t.entries = slices.Insert(t.entries, at, Entry{Message: m})
}

// MarkRead flags every message from the peer as read.
func (t *Thread) MarkRead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].SenderID == t.peer {
			t.entries[i].ReadStatus = true
		}
	}
}

func (t *Thread) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.entries)
}

// Last returns the newest entry.
func (t *Thread) Last() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
