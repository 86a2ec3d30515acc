// Package session holds the authenticated identity and its credentials, and
// keeps the access token fresh.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"chatlink/internal/apiclient"
	"chatlink/internal/apperr"
	"chatlink/internal/wire"
)

var ErrNoSession = apperr.New(apperr.CodeUnauthenticated, "not logged in")

// Authenticator is the slice of the REST API the session needs.
// *apiclient.AuthClient satisfies it.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*apiclient.Tokens, error)
	Register(ctx context.Context, r apiclient.Registration) (*apiclient.Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*apiclient.Tokens, error)
	Me(ctx context.Context, accessToken string) (*wire.Me, error)
}

type Session struct {
	User         wire.Me
	AccessToken  string
	RefreshToken string
	// ExpiresAt is read from the access token; zero when it carries none.
	ExpiresAt time.Time
}

type EventType int

const (
	EventStarted EventType = iota
	EventRefreshed
	EventEnded
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventRefreshed:
		return "refreshed"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

type Event struct {
	Type    EventType
	Session Session
	// Reason is set on EventEnded when the session was invalidated rather
	// than logged out.
	Reason error
}

type Manager struct {
	auth   Authenticator
	store  TokenStore
	margin time.Duration
	log    *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	current   *Session
	listeners map[int]func(Event)
	nextID    int
	changed   chan struct{}
}

// NewManager builds a manager that refreshes the access token once it is
// within margin of expiring.
func NewManager(auth Authenticator, store TokenStore, margin time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		auth:      auth,
		store:     store,
		margin:    margin,
		log:       log,
		now:       time.Now,
		listeners: make(map[int]func(Event)),
		changed:   make(chan struct{}, 1),
	}
}

func (m *Manager) Login(ctx context.Context, email, password string) (Session, error) {
	tokens, err := m.auth.Login(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return m.start(ctx, tokens)
}

func (m *Manager) Register(ctx context.Context, r apiclient.Registration) (Session, error) {
	tokens, err := m.auth.Register(ctx, r)
	if err != nil {
		return Session{}, err
	}
	return m.start(ctx, tokens)
}

// Restore resumes a session from the stored refresh token. A rejected token
// is cleared from the store.
func (m *Manager) Restore(ctx context.Context) (Session, error) {
	refreshToken, err := m.store.Load()
	if err != nil {
		return Session{}, err
	}
	if refreshToken == "" {
		return Session{}, ErrNoSession
	}
	tokens, err := m.auth.Refresh(ctx, refreshToken)
	if err != nil {
		if apperr.IsUnauthenticated(err) {
			if clearErr := m.store.Clear(); clearErr != nil {
				m.log.Warn("clearing rejected refresh token", "err", clearErr)
			}
		}
		return Session{}, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return m.start(ctx, tokens)
}

func (m *Manager) start(ctx context.Context, tokens *apiclient.Tokens) (Session, error) {
	me, err := m.auth.Me(ctx, tokens.AccessToken)
	if err != nil {
		return Session{}, err
	}
	if err := m.store.Save(tokens.RefreshToken); err != nil {
		return Session{}, err
	}
	s := &Session{
		User:         *me,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokenExpiry(tokens.AccessToken),
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.log.Info("session started", "user", me.ID)
	m.emit(Event{Type: EventStarted, Session: *s})
	m.poke()
	return *s, nil
}

// tokenExpiry reads exp without verifying the signature; the server is the
// one that verifies.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func (m *Manager) Logout() error {
	err := m.store.Clear()
	m.end(nil)
	return err
}

// Invalidate ends the session because the server rejected its credentials.
func (m *Manager) Invalidate(reason error) {
	if err := m.store.Clear(); err != nil {
		m.log.Warn("clearing token store", "err", err)
	}
	m.end(reason)
}

func (m *Manager) end(reason error) {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.log.Info("session ended", "user", s.User.ID, "reason", reason)
	m.emit(Event{Type: EventEnded, Session: *s, Reason: reason})
	m.poke()
}

func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// AccessToken returns a token that is not within the margin of expiring,
// refreshing first when needed.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	return m.EnsureFresh(ctx, m.margin)
}

func (m *Manager) EnsureFresh(ctx context.Context, margin time.Duration) (string, error) {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()
	if s == nil {
		return "", ErrNoSession
	}
	if s.ExpiresAt.IsZero() || m.now().Add(margin).Before(s.ExpiresAt) {
		return s.AccessToken, nil
	}
	return m.refresh(ctx)
}

// HandleUnauthorized forces a refresh after the server answered 401.
func (m *Manager) HandleUnauthorized(ctx context.Context) (string, error) {
	return m.refresh(ctx)
}

// refresh trades the refresh token for a new access token. Concurrent
// callers share one request. A rejected refresh token ends the session.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		m.mu.RLock()
		s := m.current
		m.mu.RUnlock()
		if s == nil {
			return "", ErrNoSession
		}

		tokens, err := m.auth.Refresh(ctx, s.RefreshToken)
		if err != nil {
			if apperr.IsUnauthenticated(err) {
				m.Invalidate(err)
				return "", apperr.Wrap(apperr.CodeUnauthenticated, apperr.ErrCredentialExpired.Error(), err)
			}
			return "", err
		}

		m.mu.Lock()
		if m.current == nil || m.current.RefreshToken != s.RefreshToken {
			// Logged out or replaced while the request was in flight.
			m.mu.Unlock()
			return "", ErrNoSession
		}
		m.current.AccessToken = tokens.AccessToken
		m.current.ExpiresAt = tokenExpiry(tokens.AccessToken)
		rotated := tokens.RefreshToken != "" && tokens.RefreshToken != m.current.RefreshToken
		if rotated {
			m.current.RefreshToken = tokens.RefreshToken
		}
		updated := *m.current
		m.mu.Unlock()

		if rotated {
			if err := m.store.Save(updated.RefreshToken); err != nil {
				m.log.Warn("persisting rotated refresh token", "err", err)
			}
		}
		m.log.Debug("access token refreshed", "user", updated.User.ID, "expires", updated.ExpiresAt)
		m.emit(Event{Type: EventRefreshed, Session: updated})
		m.poke()
		return updated.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Subscribe registers fn for session events and returns a function that
// removes it. fn runs on the goroutine that caused the event.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(e Event) {
	m.mu.RLock()
	fns := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (m *Manager) poke() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// Run refreshes the access token shortly before it expires until ctx is
// cancelled. Failed refreshes are retried after retryDelay.
func (m *Manager) Run(ctx context.Context, retryDelay time.Duration) {
	for {
		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if s, ok := m.Current(); ok && !s.ExpiresAt.IsZero() {
			timer = time.NewTimer(max(s.ExpiresAt.Sub(m.now())-m.margin, 0))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-m.changed:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			if _, err := m.refresh(ctx); err != nil && !apperr.IsUnauthenticated(err) {
				m.log.Warn("scheduled token refresh failed", "err", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryDelay):
				}
			}
		}
	}
}
