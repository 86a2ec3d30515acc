package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatlink/internal/apperr"
	"chatlink/internal/session"
	"chatlink/internal/stomp"
	"chatlink/internal/wire"
)

// Credentials supplies the bearer token for CONNECT and is told when the
// server rejects it. *session.Manager satisfies it.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
	Invalidate(reason error)
}

// Seeder loads the state that is only broadcast on change. *apiclient.Client
// satisfies it.
type Seeder interface {
	Users(ctx context.Context) ([]wire.UserPresence, error)
	LatestMessages(ctx context.Context) ([]wire.LatestMessage, error)
}

type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL               string
	ReconnectDelay    time.Duration
	HeartBeatIncoming time.Duration
	HeartBeatOutgoing time.Duration
	ConnectionTimeout time.Duration
	Dialer            *websocket.Dialer
}

type subscription struct {
	dest    string
	handler Handler
	connID  string
	removed bool
}

// Manager owns the single live connection of a session. It connects while
// the app is foregrounded, the network is available and a user is
// authenticated, and reconnects after a fixed delay otherwise.
type Manager struct {
	creds  Credentials
	seeder Seeder
	opts   Options
	log    *slog.Logger

	Presence *PresenceMap
	Latest   *LatestMessages

	mu            sync.Mutex
	conn          *Conn
	foreground    bool
	online        bool
	authenticated bool
	subs          map[int]*subscription
	nextSub       int
	listeners     map[int]func(bool)
	nextListener  int
	stopSeed      context.CancelFunc

	wake chan struct{}
}

func NewManager(creds Credentials, seeder Seeder, opts Options, log *slog.Logger) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Manager{
		creds:      creds,
		seeder:     seeder,
		opts:       opts,
		log:        log,
		Presence:   NewPresenceMap(),
		Latest:     NewLatestMessages(),
		foreground: true,
		online:     true,
		subs:       make(map[int]*subscription),
		listeners:  make(map[int]func(bool)),
		wake:       make(chan struct{}, 1),
	}
}

// SetForeground reports app-state changes. Going to the background drops the
// connection; coming back reconnects right away.
func (m *Manager) SetForeground(fg bool) { m.set(&m.foreground, fg) }

func (m *Manager) SetNetworkAvailable(up bool) { m.set(&m.online, up) }

func (m *Manager) SetAuthenticated(ok bool) {
	m.set(&m.authenticated, ok)
	if !ok {
		m.Presence.Clear()
		m.Latest.Clear()
	}
}

func (m *Manager) set(field *bool, v bool) {
	m.mu.Lock()
	changed := *field != v
	*field = v
	m.mu.Unlock()
	if changed {
		m.poke()
	}
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) shouldConnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground && m.online && m.authenticated
}

// HandleSessionEvent follows the session: it connects on login, drops the
// connection on logout and pushes refreshed tokens to the live session.
func (m *Manager) HandleSessionEvent(e session.Event) {
	switch e.Type {
	case session.EventStarted:
		m.SetAuthenticated(true)
	case session.EventRefreshed:
		if err := m.Publish(wire.AppRefreshToken, wire.RefreshConnectionRequest{Token: e.Session.AccessToken}); err != nil && !errors.Is(err, apperr.ErrNotConnected) {
			m.log.Warn("pushing refreshed token", "err", err)
		}
	case session.EventEnded:
		m.SetAuthenticated(false)
	}
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// OnConnectionChange registers fn for connect/disconnect transitions.
func (m *Manager) OnConnectionChange(fn func(connected bool)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(connected bool) {
	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// Subscribe registers h for dest on the current connection and every later
// one. The returned function removes it.
func (m *Manager) Subscribe(dest string, h Handler) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	s := &subscription{dest: dest, handler: h}
	m.subs[id] = s
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		m.issue(conn, s)
	}
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		s.removed = true
		conn := m.conn
		connID := s.connID
		m.mu.Unlock()
		if conn != nil && connID != "" {
			if err := conn.Unsubscribe(connID); err != nil {
				m.log.Debug("unsubscribe", "dest", dest, "err", err)
			}
		}
	}
}

func (m *Manager) issue(conn *Conn, s *subscription) {
	connID, err := conn.Subscribe(s.dest, s.handler)
	if err != nil {
		m.log.Warn("subscribe failed", "dest", s.dest, "err", err)
		return
	}
	m.mu.Lock()
	current := m.conn == conn && !s.removed
	if current {
		s.connID = connID
	}
	m.mu.Unlock()
	if !current {
		// The connection was replaced or the handler removed meanwhile.
		if err := conn.Unsubscribe(connID); err != nil {
			m.log.Debug("unsubscribe", "dest", s.dest, "err", err)
		}
	}
}

// Publish sends v as JSON to dest. It is best effort: while disconnected it
// returns apperr.ErrNotConnected and nothing is queued.
func (m *Manager) Publish(dest string, v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return apperr.ErrNotConnected
	}
	body, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "encoding "+dest, err)
	}
	return conn.Send(dest, body)
}

// Run keeps the connection up until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if !m.shouldConnect() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
				continue
			}
		}

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if m.rejected(err) {
				continue
			}
			m.log.Warn("realtime connect failed", "err", err, "retry_in", m.opts.ReconnectDelay)
			if !m.sleep(ctx, m.opts.ReconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		m.attach(ctx, conn)
		err = m.hold(ctx, conn)
		m.detach(conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil || m.rejected(err) {
			continue
		}
		m.log.Warn("realtime connection lost", "err", err, "retry_in", m.opts.ReconnectDelay)
		if !m.sleep(ctx, m.opts.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*Conn, error) {
	token, err := m.creds.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, m.opts.URL, DialOptions{
		Token:             token,
		HeartBeatOutgoing: m.opts.HeartBeatOutgoing,
		HeartBeatIncoming: m.opts.HeartBeatIncoming,
		ConnectTimeout:    m.opts.ConnectionTimeout,
		Dialer:            m.opts.Dialer,
		Log:               m.log,
	})
}

// rejected invalidates the session when the server refused its credentials.
func (m *Manager) rejected(err error) bool {
	if !apperr.IsUnauthenticated(err) {
		return false
	}
	m.log.Warn("realtime credentials rejected, ending session", "err", err)
	m.SetAuthenticated(false)
	m.creds.Invalidate(err)
	return true
}

// hold waits until the connection drops or should be dropped. A nil result
// means we closed it on purpose.
func (m *Manager) hold(ctx context.Context, conn *Conn) error {
	for {
		select {
		case <-conn.Done():
			return conn.Err()
		case <-ctx.Done():
			conn.Close()
			return nil
		case <-m.wake:
			if !m.shouldConnect() {
				conn.Close()
				return nil
			}
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-m.wake:
	}
	return true
}

func (m *Manager) attach(ctx context.Context, conn *Conn) {
	m.Presence.Clear()

	for dest, h := range map[string]Handler{
		wire.TopicUsers:         m.onPresence,
		wire.TopicDeletedUser:   m.onDeletedUser,
		wire.QueueLatestMessage: m.onLatestMessage,
	} {
		if _, err := conn.Subscribe(dest, h); err != nil {
			m.log.Warn("subscribe failed", "dest", dest, "err", err)
		}
	}

	m.mu.Lock()
	m.conn = conn
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		s.connID = ""
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		m.issue(conn, s)
	}

	m.log.Info("✅ Realtime connected", "session", conn.Session)
	m.notify(true)

	if m.seeder != nil {
		seedCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.stopSeed = cancel
		m.mu.Unlock()
		go m.seed(seedCtx)
	}
}

func (m *Manager) detach(conn *Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	stopSeed := m.stopSeed
	m.stopSeed = nil
	m.mu.Unlock()
	if stopSeed != nil {
		stopSeed()
	}
	m.log.Info("Realtime disconnected")
	m.notify(false)
}

// seed loads presence and conversation summaries over REST. Realtime updates
// that raced ahead are kept.
func (m *Manager) seed(ctx context.Context) {
	users, err := m.seeder.Users(ctx)
	switch {
	case ctx.Err() != nil:
		// The connection dropped; the next one seeds again.
		return
	case err != nil:
		m.log.Warn("loading users", "err", err)
	default:
		for _, u := range users {
			if _, ok := m.Presence.Get(u.ID); !ok {
				m.Presence.Upsert(u)
			}
		}
	}

	latest, err := m.seeder.LatestMessages(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Warn("loading latest messages", "err", err)
		return
	}
	for _, l := range latest {
		m.Latest.Put(l)
	}
}

func (m *Manager) onPresence(f *stomp.Frame) {
	users, err := wire.DecodePresence(f.Body)
	if err != nil {
		m.log.Warn("dropping presence update", "err", err)
		return
	}
	m.Presence.Upsert(users...)
}

func (m *Manager) onDeletedUser(f *stomp.Frame) {
	id, err := wire.DecodeDeletedUser(f.Body)
	if err != nil {
		m.log.Warn("dropping deleted-user event", "err", err)
		return
	}
	m.Presence.Delete(id)
}

func (m *Manager) onLatestMessage(f *stomp.Frame) {
	var l wire.LatestMessage
	if err := json.Unmarshal(f.Body, &l); err != nil {
		m.log.Warn("dropping latest-message update", "err", err)
		return
	}
	m.Latest.Put(l)
}
