package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"chatlink/internal/metrics"
	"chatlink/internal/user"
	"chatlink/internal/wire"
)

const redisChannel = "chatlink-deliveries"

// Store is the persistence the broker and the REST handlers need.
type Store interface {
	SaveMessage(ctx context.Context, senderID, recipientID int, content string) (*wire.Message, error)
	MarkRoomRead(ctx context.Context, readerID, otherID int) (*wire.LatestMessage, error)
	FindMessages(ctx context.Context, userID, otherID int) ([]wire.Message, error)
	LatestMessages(ctx context.Context, userID int) ([]wire.LatestMessage, error)
}

// Users authenticates sessions and tracks presence. *user.Service satisfies it.
type Users interface {
	ValidateSession(tokenString string) (int, string, time.Time, error)
	SetPresence(ctx context.Context, id int, online bool) (*user.User, error)
	List(ctx context.Context) ([]user.User, error)
}

type HubOptions struct {
	// SendRate and SendBurst limit SEND frames per session.
	SendRate  float64
	SendBurst int
	// HeartBeat is what the broker offers in CONNECTED, both directions.
	HeartBeat time.Duration
}

type presenceChange struct {
	userID int
	online bool
}

// Hub is the STOMP broker. Run is the only goroutine that touches clients.
type Hub struct {
	clients map[*Client]bool
	// Open sessions per user on this instance.
	sessions map[int]int
	// From Redis (or loopback) -> Clients
	broadcast  chan BroadcastMessage
	Register   chan *Client
	Unregister chan *Client
	presence   chan presenceChange
	done       chan struct{}
	redis      *redis.Client
	store      Store
	users      Users
	metrics    *metrics.Broker
	log        *slog.Logger
	opts       HubOptions
}

// NewHub builds a hub. A nil redisClient keeps deliveries on this instance.
func NewHub(redisClient *redis.Client, store Store, users Users, m *metrics.Broker, log *slog.Logger, opts HubOptions) *Hub {
	if opts.SendRate <= 0 {
		opts.SendRate = float64(rate.Inf)
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 1
	}
	if opts.HeartBeat <= 0 {
		opts.HeartBeat = 10 * time.Second
	}
	if m == nil {
		m = metrics.NewBroker(nil)
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		sessions:   make(map[int]int),
		broadcast:  make(chan BroadcastMessage, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		presence:   make(chan presenceChange, 256),
		done:       make(chan struct{}),
		redis:      redisClient,
		store:      store,
		users:      users,
		metrics:    m,
		log:        log,
		opts:       opts,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.trackPresence(ctx)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			return

		case client := <-h.Register:
			h.clients[client] = true
			h.metrics.Sessions.Inc()
			h.sessions[client.UserID]++
			if h.sessions[client.UserID] == 1 {
				h.notePresence(client.UserID, true)
			}

		case client := <-h.Unregister:
			// Always check they exist to avoid double-closing Send.
			if _, ok := h.clients[client]; ok {
				h.remove(client)
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if msg.TargetID != 0 && msg.TargetID != client.UserID {
					continue
				}
				if !client.deliver(msg) {
					h.metrics.DroppedDeliveries.Inc()
					h.log.Warn("evicting slow session", "session", client.SessionID, "user", client.UserID)
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.Send)
	h.metrics.Sessions.Dec()
	h.sessions[client.UserID]--
	if h.sessions[client.UserID] <= 0 {
		delete(h.sessions, client.UserID)
		h.notePresence(client.UserID, false)
	}
}

func (h *Hub) notePresence(userID int, online bool) {
	select {
	case h.presence <- presenceChange{userID: userID, online: online}:
	default:
		h.log.Warn("presence queue full, dropping change", "user", userID, "online", online)
	}
}

// trackPresence persists presence changes in order and broadcasts the full
// user list after each one.
func (h *Hub) trackPresence(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-h.presence:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			h.applyPresence(opCtx, change)
			cancel()
		}
	}
}

func (h *Hub) applyPresence(ctx context.Context, change presenceChange) {
	if _, err := h.users.SetPresence(ctx, change.userID, change.online); err != nil {
		h.log.Error("❌ updating presence", "user", change.userID, "err", err)
		return
	}
	users, err := h.users.List(ctx)
	if err != nil {
		h.log.Error("❌ listing users", "err", err)
		return
	}
	list := make([]wire.UserPresence, 0, len(users))
	for i := range users {
		list = append(list, users[i].Presence())
	}
	msg, err := toEveryone(wire.TopicUsers, list)
	if err != nil {
		h.log.Error("❌ encoding presence", "err", err)
		return
	}
	if err := h.Dispatch(ctx, msg); err != nil {
		h.log.Error("❌ broadcasting presence", "err", err)
	}
}

// Dispatch hands a delivery to every instance: through Redis when
// configured, straight to this hub otherwise. It must not be called from Run.
func (h *Hub) Dispatch(ctx context.Context, msg BroadcastMessage) error {
	if h.redis != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return h.redis.Publish(ctx, redisChannel, data).Err()
	}
	select {
	case h.broadcast <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeToRedis listens for deliveries from every instance, this one
// included. It returns when ctx is cancelled.
func (h *Hub) SubscribeToRedis(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}
	pubsub := h.redis.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg BroadcastMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				h.log.Warn("dropping malformed delivery", "err", err)
				continue
			}
			select {
			case h.broadcast <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// BroadcastPresence announces a single user's changed profile.
func (h *Hub) BroadcastPresence(p wire.UserPresence) {
	h.broadcastAll(wire.TopicUsers, p)
}

func (h *Hub) BroadcastDeletedUser(id int) {
	h.broadcastAll(wire.TopicDeletedUser, id)
}

func (h *Hub) broadcastAll(destination string, v any) {
	msg, err := toEveryone(destination, v)
	if err != nil {
		h.log.Error("❌ encoding broadcast", "destination", destination, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Dispatch(ctx, msg); err != nil {
		h.log.Error("❌ broadcast failed", "destination", destination, "err", err)
	}
}

func (h *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.opts.SendRate), h.opts.SendBurst)
}
