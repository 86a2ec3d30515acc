package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/apperr"
	"chatlink/internal/logger"
	"chatlink/internal/metrics"
	"chatlink/internal/stomp"
	"chatlink/internal/user"
	"chatlink/internal/wire"
)

type fakeSession struct {
	id      int
	email   string
	expires time.Time
}

type fakeUsers struct {
	mu       sync.Mutex
	sessions map[string]fakeSession
	online   map[int]bool
	names    map[int]string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		sessions: make(map[string]fakeSession),
		online:   make(map[int]bool),
		names:    map[int]string{1: "ada", 2: "grace"},
	}
}

func (f *fakeUsers) issue(token string, id int, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[token] = fakeSession{id: id, email: f.names[id] + "@example.com", expires: time.Now().Add(ttl)}
}

func (f *fakeUsers) ValidateSession(token string) (int, string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[token]
	if !ok {
		return 0, "", time.Time{}, apperr.Unauthorized("invalid token")
	}
	if time.Now().After(s.expires) {
		return 0, "", time.Time{}, apperr.ErrCredentialExpired
	}
	return s.id, s.email, s.expires, nil
}

func (f *fakeUsers) SetPresence(_ context.Context, id int, online bool) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[id] = online
	return &user.User{ID: id, Name: f.names[id], IsOnline: online}, nil
}

func (f *fakeUsers) List(context.Context) ([]user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []user.User{
		{ID: 1, Name: f.names[1], IsOnline: f.online[1]},
		{ID: 2, Name: f.names[2], IsOnline: f.online[2]},
	}, nil
}

type fakeStore struct {
	mu     sync.Mutex
	nextID int
	saved  []wire.Message
}

func (s *fakeStore) SaveMessage(_ context.Context, senderID, recipientID int, content string) (*wire.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m := wire.Message{
		ID:          s.nextID,
		Content:     content,
		SenderID:    senderID,
		RecipientID: recipientID,
		ChatRoomID:  wire.RoomID(senderID, recipientID),
		Timestamp:   time.Now().UTC(),
	}
	s.saved = append(s.saved, m)
	return &m, nil
}

func (s *fakeStore) MarkRoomRead(_ context.Context, readerID, otherID int) (*wire.LatestMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := wire.RoomID(readerID, otherID)
	for i := len(s.saved) - 1; i >= 0; i-- {
		m := s.saved[i]
		if m.ChatRoomID == room {
			return &wire.LatestMessage{
				ReadStatus: m.RecipientID == readerID, SenderID: m.SenderID, RecipientID: m.RecipientID,
				Content: m.Content, ChatRoomID: room, Timestamp: m.Timestamp,
			}, nil
		}
	}
	return nil, apperr.NotFound("this chat room does not exist")
}

func (s *fakeStore) FindMessages(context.Context, int, int) ([]wire.Message, error) {
	return nil, nil
}

func (s *fakeStore) LatestMessages(context.Context, int) ([]wire.LatestMessage, error) {
	return nil, nil
}

type testBroker struct {
	hub     *Hub
	users   *fakeUsers
	store   *fakeStore
	metrics *metrics.Broker
	url     string
}

func newTestBroker(t *testing.T, opts HubOptions) *testBroker {
	t.Helper()
	users := newFakeUsers()
	store := &fakeStore{}
	m := metrics.NewBroker(nil)
	hub := NewHub(nil, store, users, m, logger.Discard(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, store).ServeWs))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testBroker{
		hub:     hub,
		users:   users,
		store:   store,
		metrics: m,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []*stomp.Frame
}

func dial(t *testing.T, url string) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) write(f *stomp.Frame) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, stomp.Encode(f)))
}

func (p *peer) read() (*stomp.Frame, error) {
	if len(p.pending) > 0 {
		f := p.pending[0]
		p.pending = p.pending[1:]
		return f, nil
	}
	for {
		p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		frames, err := stomp.Decode(data)
		if err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			continue
		}
		p.pending = append(p.pending, frames[1:]...)
		return frames[0], nil
	}
}

// waitFor reads until match accepts a frame. Frames it skips are kept for
// later reads.
func (p *peer) waitFor(match func(*stomp.Frame) bool) *stomp.Frame {
	p.t.Helper()
	var skipped []*stomp.Frame
	defer func() { p.pending = append(skipped, p.pending...) }()
	for {
		f, err := p.read()
		require.NoError(p.t, err)
		if match(f) {
			return f
		}
		skipped = append(skipped, f)
	}
}

func (p *peer) connect(token string) *stomp.Frame {
	p.t.Helper()
	p.write(stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, "1.1,1.2",
		stomp.HdrHeartBeat, "0,0",
		stomp.HdrAuthorization, "Bearer "+token,
	))
	f, err := p.read()
	require.NoError(p.t, err)
	return f
}

func (p *peer) subscribe(id, dest string) {
	p.t.Helper()
	p.write(stomp.New(stomp.CmdSubscribe, stomp.HdrID, id, stomp.HdrDestination, dest, stomp.HdrReceipt, "r-"+id))
	p.waitFor(isReceipt("r-" + id))
}

func (p *peer) send(dest string, body any) {
	p.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(p.t, err)
	f := stomp.New(stomp.CmdSend, stomp.HdrDestination, dest, stomp.HdrContentType, "application/json")
	f.Body = data
	p.write(f)
}

func isReceipt(id string) func(*stomp.Frame) bool {
	return func(f *stomp.Frame) bool {
		return f.Command == stomp.CmdReceipt && f.Header.Get(stomp.HdrReceiptID) == id
	}
}

func messageOn(dest string) func(*stomp.Frame) bool {
	return func(f *stomp.Frame) bool {
		return f.Command == stomp.CmdMessage && f.Header.Get(stomp.HdrDestination) == dest
	}
}

func connected(t *testing.T, b *testBroker, id int) *peer {
	t.Helper()
	token := "token-" + b.users.names[id]
	b.users.issue(token, id, time.Hour)
	p := dial(t, b.url)
	f := p.connect(token)
	require.Equal(t, stomp.CmdConnected, f.Command, "body: %s", f.Body)
	return p
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	b.users.issue("stale", 1, -time.Minute)

	tests := []struct {
		name    string
		token   string
		message string
	}{
		{"unknown token", "nope", wire.ErrorUnauthorized},
		{"expired token", "stale", wire.ErrorJWTExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := dial(t, b.url)
			f := p.connect(tt.token)
			assert.Equal(t, stomp.CmdError, f.Command)
			assert.Equal(t, tt.message, f.Header.Get(stomp.HdrMessage))

			_, err := p.read()
			assert.Error(t, err, "session must be closed after ERROR")
		})
	}
}

func TestConnectRequiresConnectFirst(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	p := dial(t, b.url)
	p.write(stomp.New(stomp.CmdSubscribe, stomp.HdrID, "0", stomp.HdrDestination, wire.TopicUsers))
	f, err := p.read()
	require.NoError(t, err)
	assert.Equal(t, stomp.CmdError, f.Command)
}

func TestConnectedAnnouncesSession(t *testing.T) {
	b := newTestBroker(t, HubOptions{HeartBeat: 5 * time.Second})
	b.users.issue("t", 1, time.Hour)
	p := dial(t, b.url)
	f := p.connect("t")
	require.Equal(t, stomp.CmdConnected, f.Command)
	assert.Equal(t, stomp.Version, f.Header.Get(stomp.HdrVersion))
	assert.Equal(t, "5000,5000", f.Header.Get(stomp.HdrHeartBeat))
	assert.NotEmpty(t, f.Header.Get(stomp.HdrSession))
}

func TestSendMessageDeliversAndEchoes(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	ada := connected(t, b, 1)
	grace := connected(t, b, 2)

	ada.subscribe("a-msgs", wire.MessagesFrom(1))
	ada.subscribe("a-latest", wire.QueueLatestMessage)
	grace.subscribe("g-msgs", wire.MessagesFrom(2))
	grace.subscribe("g-latest", wire.QueueLatestMessage)

	ada.send(wire.AppSendMessage, wire.OutgoingMessage{
		Content: "hello", SenderID: 1, RecipientID: 2, ChatRoomID: wire.RoomID(1, 2),
	})

	var got wire.Message
	f := grace.waitFor(messageOn(wire.MessagesFrom(2)))
	require.NoError(t, json.Unmarshal(f.Body, &got))
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, 1, got.SenderID)
	assert.Equal(t, "1_2", got.ChatRoomID)
	assert.Equal(t, "g-msgs", f.Header.Get(stomp.HdrSubscription))
	assert.NotEmpty(t, f.Header.Get(stomp.HdrMessageID))

	var echo wire.Message
	f = ada.waitFor(messageOn(wire.MessagesFrom(1)))
	require.NoError(t, json.Unmarshal(f.Body, &echo))
	assert.Equal(t, got.ID, echo.ID)

	for _, p := range []*peer{ada, grace} {
		var latest wire.LatestMessage
		f = p.waitFor(messageOn(wire.QueueLatestMessage))
		require.NoError(t, json.Unmarshal(f.Body, &latest))
		assert.Equal(t, "hello", latest.Content)
		assert.False(t, latest.ReadStatus)
	}
}

func TestSendMessageRejectsSpoofedSender(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	ada := connected(t, b, 1)

	ada.send(wire.AppSendMessage, wire.OutgoingMessage{Content: "x", SenderID: 2, RecipientID: 1})
	ada.subscribe("sync", wire.TopicUsers)

	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	assert.Empty(t, b.store.saved)
}

func TestReadLatestNotifiesBothParticipants(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	ada := connected(t, b, 1)
	grace := connected(t, b, 2)
	ada.subscribe("a-latest", wire.QueueLatestMessage)
	grace.subscribe("g-latest", wire.QueueLatestMessage)

	ada.send(wire.AppSendMessage, wire.OutgoingMessage{Content: "ping", SenderID: 1, RecipientID: 2})
	ada.waitFor(messageOn(wire.QueueLatestMessage))
	grace.waitFor(messageOn(wire.QueueLatestMessage))

	grace.send(wire.AppReadLatest, wire.ReadLatestRequest{OtherChatUser: 1})
	for _, p := range []*peer{ada, grace} {
		var latest wire.LatestMessage
		f := p.waitFor(messageOn(wire.QueueLatestMessage))
		require.NoError(t, json.Unmarshal(f.Body, &latest))
		assert.True(t, latest.ReadStatus)
		assert.Equal(t, "1_2", latest.ChatRoomID)
	}
}

func TestSignalForwardedVerbatim(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	ada := connected(t, b, 1)
	grace := connected(t, b, 2)
	grace.subscribe("rtc", wire.QueueWebRTC)

	// Spoofed sender is dropped; the genuine one arrives.
	ada.send(wire.AppSignal, map[string]any{"type": "offer", "sender": "2", "recipient": "2", "payload": "spoof"})
	ada.send(wire.AppSignal, map[string]any{"type": "offer", "sender": 1, "recipient": "2", "payload": map[string]string{"sdp": "v=0"}})

	f := grace.waitFor(messageOn(wire.QueueWebRTC))
	var env map[string]any
	require.NoError(t, json.Unmarshal(f.Body, &env))
	assert.Equal(t, "offer", env["type"])
	assert.EqualValues(t, 1, env["sender"])
	assert.Equal(t, map[string]any{"sdp": "v=0"}, env["payload"])
}

func TestSendAfterExpiry(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	b.users.issue("short", 1, 300*time.Millisecond)
	p := dial(t, b.url)
	require.Equal(t, stomp.CmdConnected, p.connect("short").Command)

	time.Sleep(400 * time.Millisecond)
	p.send(wire.AppReadLatest, wire.ReadLatestRequest{OtherChatUser: 2})
	f := p.waitFor(func(f *stomp.Frame) bool { return f.Command == stomp.CmdError })
	assert.Equal(t, wire.ErrorJWTExpired, f.Header.Get(stomp.HdrMessage))
}

func TestRefreshConnectionTokenExtendsSession(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	b.users.issue("short", 1, 300*time.Millisecond)
	b.users.issue("long", 1, time.Hour)
	p := dial(t, b.url)
	require.Equal(t, stomp.CmdConnected, p.connect("short").Command)

	p.send(wire.AppRefreshToken, wire.RefreshConnectionRequest{Token: "long"})
	p.subscribe("sync", wire.TopicUsers)

	time.Sleep(400 * time.Millisecond)
	f := stomp.New(stomp.CmdSend, stomp.HdrDestination, wire.AppReadLatest, stomp.HdrReceipt, "after")
	f.Body = []byte(`{"otherChatUser":2}`)
	p.write(f)
	got := p.waitFor(func(f *stomp.Frame) bool {
		return f.Command == stomp.CmdError || isReceipt("after")(f)
	})
	assert.Equal(t, stomp.CmdReceipt, got.Command, "message: %s", got.Header.Get(stomp.HdrMessage))
}

func TestRefreshWithAnotherUsersTokenIgnored(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	b.users.issue("short", 1, 300*time.Millisecond)
	b.users.issue("other", 2, time.Hour)
	p := dial(t, b.url)
	require.Equal(t, stomp.CmdConnected, p.connect("short").Command)

	p.send(wire.AppRefreshToken, wire.RefreshConnectionRequest{Token: "other"})
	time.Sleep(400 * time.Millisecond)
	p.send(wire.AppReadLatest, wire.ReadLatestRequest{OtherChatUser: 2})
	f := p.waitFor(func(f *stomp.Frame) bool { return f.Command == stomp.CmdError })
	assert.Equal(t, wire.ErrorJWTExpired, f.Header.Get(stomp.HdrMessage))
}

func TestPresenceBroadcastOnConnect(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	ada := connected(t, b, 1)
	ada.subscribe("users", wire.TopicUsers)

	connected(t, b, 2)

	f := ada.waitFor(func(f *stomp.Frame) bool {
		if !messageOn(wire.TopicUsers)(f) {
			return false
		}
		list, err := wire.DecodePresence(f.Body)
		require.NoError(t, err)
		for _, u := range list {
			if u.ID == 2 && u.IsOnline {
				return true
			}
		}
		return false
	})
	assert.NotNil(t, f)
}

func TestDeletedUserBroadcast(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	ada := connected(t, b, 1)
	ada.subscribe("deleted", wire.TopicDeletedUser)

	b.hub.BroadcastDeletedUser(2)

	f := ada.waitFor(messageOn(wire.TopicDeletedUser))
	id, err := wire.DecodeDeletedUser(f.Body)
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestSendRateLimited(t *testing.T) {
	b := newTestBroker(t, HubOptions{SendRate: 0.001, SendBurst: 1})
	ada := connected(t, b, 1)

	ada.send(wire.AppReadLatest, wire.ReadLatestRequest{OtherChatUser: 2})
	ada.send(wire.AppReadLatest, wire.ReadLatestRequest{OtherChatUser: 2})
	ada.subscribe("sync", wire.TopicUsers)

	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.RateLimited))
}

func TestForbiddenSubscription(t *testing.T) {
	b := newTestBroker(t, HubOptions{})
	ada := connected(t, b, 1)
	ada.write(stomp.New(stomp.CmdSubscribe, stomp.HdrID, "x", stomp.HdrDestination, "/app/signal"))
	f := ada.waitFor(func(f *stomp.Frame) bool { return f.Command == stomp.CmdError })
	assert.Equal(t, "forbidden destination", f.Header.Get(stomp.HdrMessage))
}
