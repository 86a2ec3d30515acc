package thread

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"chatlink/internal/apperr"
	"chatlink/internal/realtime"
	"chatlink/internal/stomp"
	"chatlink/internal/wire"
)

// Realtime is the live connection. *realtime.Manager satisfies it.
type Realtime interface {
	Subscribe(dest string, h realtime.Handler) func()
	Publish(dest string, v any) error
	OnConnectionChange(fn func(connected bool)) func()
}

// History loads past messages. *apiclient.Client satisfies it.
type History interface {
	Messages(ctx context.Context, recipientID int) ([]wire.Message, error)
}

// Conversation is an open chat with one user.
type Conversation struct {
	*Thread

	rt      Realtime
	history History
	latest  *realtime.LatestMessages
	log     *slog.Logger

	mu        sync.Mutex
	listeners []func(Entry)
	stops     []func()
}

// Open loads the history with peer and follows new messages until Close.
// Deliveries that race the history load are merged, not lost.
func Open(ctx context.Context, rt Realtime, history History, latest *realtime.LatestMessages, self, peer int, log *slog.Logger) (*Conversation, error) {
	if self == peer {
		return nil, apperr.InvalidArg("cannot open a conversation with yourself")
	}
	c := &Conversation{
		Thread:  New(self, peer),
		rt:      rt,
		history: history,
		latest:  latest,
		log:     log.With("room", wire.RoomID(self, peer)),
	}
	c.stops = append(c.stops,
		rt.Subscribe(wire.MessagesFrom(self), c.onMessage),
		rt.OnConnectionChange(func(connected bool) {
			if connected {
				// Catch up on whatever arrived while we were away.
				go func() {
					if err := c.Reload(context.Background()); err != nil {
						c.log.Warn("reloading history", "err", err)
					}
				}()
			}
		}),
	)
	if latest != nil {
		// The summary for a delivery lands after the message itself, so the
		// read receipt follows the summary.
		c.stops = append(c.stops, latest.OnChange(func(lm wire.LatestMessage) {
			if lm.ChatRoomID != c.Room() {
				return
			}
			if err := c.MarkRead(); err != nil {
				c.log.Debug("marking read", "err", err)
			}
		}))
	}
	if err := c.Reload(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Reload fetches the history again and marks the conversation read.
func (c *Conversation) Reload(ctx context.Context) error {
	msgs, err := c.history.Messages(ctx, c.Peer())
	if err != nil {
		return err
	}
	c.Load(msgs)
	if err := c.MarkRead(); err != nil && !errors.Is(err, apperr.ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Conversation) onMessage(f *stomp.Frame) {
	var m wire.Message
	if err := json.Unmarshal(f.Body, &m); err != nil {
		c.log.Warn("dropping malformed message", "err", err)
		return
	}
	if !c.Receive(m) {
		return
	}
	c.notify(Entry{Message: m})
}

// Send shows content right away as pending and publishes it. The entry is
// withdrawn when the publish fails, so nothing is shown while disconnected.
func (c *Conversation) Send(content string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Entry{}, apperr.InvalidArg("message is empty")
	}
	out := wire.OutgoingMessage{
		Content:     content,
		SenderID:    c.self,
		RecipientID: c.peer,
		ChatRoomID:  c.Room(),
	}
	// The echo can arrive before Publish returns; it must find the entry.
	e := c.AddPending(content)
	if err := c.rt.Publish(wire.AppSendMessage, out); err != nil {
		c.DropPending(e.ID)
		return Entry{}, err
	}
	c.notify(e)
	return e, nil
}

// MarkRead tells the server the conversation has been read, when its
// latest message came from the peer and is still unread.
func (c *Conversation) MarkRead() error {
	if c.latest == nil {
		return nil
	}
	lm, ok := c.latest.Get(c.Room())
	if !ok || lm.SenderID != c.Peer() || lm.ReadStatus {
		return nil
	}
	if err := c.rt.Publish(wire.AppReadLatest, wire.ReadLatestRequest{OtherChatUser: c.Peer()}); err != nil {
		return err
	}
	c.Thread.MarkRead()
	return nil
}

// OnMessage registers fn for every entry added to the thread, incoming or
// sent from here.
func (c *Conversation) OnMessage(fn func(Entry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Conversation) notify(e Entry) {
	c.mu.Lock()
	fns := append([]func(Entry){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// Close stops following the conversation.
func (c *Conversation) Close() {
	c.mu.Lock()
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}
