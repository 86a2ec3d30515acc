package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/apiclient"
	"chatlink/internal/apperr"
	"chatlink/internal/logger"
	"chatlink/internal/wire"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})
	s, err := tok.SignedString([]byte("test"))
	require.NoError(t, err)
	return s
}

type fakeAuth struct {
	mu           sync.Mutex
	access       string
	refresh      string
	refreshErr   error
	refreshCalls atomic.Int32
	gate         chan struct{}
}

func (f *fakeAuth) tokens() *apiclient.Tokens {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &apiclient.Tokens{AccessToken: f.access, RefreshToken: f.refresh}
}

func (f *fakeAuth) Login(_ context.Context, email, password string) (*apiclient.Tokens, error) {
	if password != "pw" {
		return nil, apperr.Unauthorized("invalid credentials")
	}
	return f.tokens(), nil
}

func (f *fakeAuth) Register(context.Context, apiclient.Registration) (*apiclient.Tokens, error) {
	return f.tokens(), nil
}

func (f *fakeAuth) Refresh(_ context.Context, refreshToken string) (*apiclient.Tokens, error) {
	f.refreshCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.tokens(), nil
}

func (f *fakeAuth) Me(_ context.Context, accessToken string) (*wire.Me, error) {
	return &wire.Me{ID: 7, Name: "ada", Email: "ada@example.com"}, nil
}

func newManager(auth Authenticator, store TokenStore) *Manager {
	return NewManager(auth, store, 30*time.Second, logger.Discard())
}

func TestLoginPersistsRefreshToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	auth := &fakeAuth{access: signed(t, exp), refresh: "r1"}
	store := &MemoryTokenStore{}
	m := newManager(auth, store)

	var events []EventType
	m.Subscribe(func(e Event) { events = append(events, e.Type) })

	s, err := m.Login(context.Background(), "ada@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, 7, s.User.ID)
	assert.True(t, exp.Equal(s.ExpiresAt))

	stored, _ := store.Load()
	assert.Equal(t, "r1", stored)
	assert.Equal(t, []EventType{EventStarted}, events)

	_, err = m.Login(context.Background(), "ada@example.com", "nope")
	assert.True(t, apperr.IsUnauthenticated(err))
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	auth := &fakeAuth{access: signed(t, time.Now().Add(10*time.Second)), refresh: "r1"}
	m := newManager(auth, &MemoryTokenStore{})
	_, err := m.Login(context.Background(), "a", "pw")
	require.NoError(t, err)

	fresh := signed(t, time.Now().Add(time.Hour))
	auth.mu.Lock()
	auth.access = fresh
	auth.mu.Unlock()

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.EqualValues(t, 1, auth.refreshCalls.Load())

	// Now well outside the margin.
	tok, err = m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.EqualValues(t, 1, auth.refreshCalls.Load())
}

func TestConcurrentRefreshesShareOneRequest(t *testing.T) {
	auth := &fakeAuth{access: signed(t, time.Now().Add(time.Hour)), refresh: "r1", gate: make(chan struct{})}
	m := newManager(auth, &MemoryTokenStore{})
	_, err := m.Login(context.Background(), "a", "pw")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.HandleUnauthorized(context.Background())
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(auth.gate)
	wg.Wait()

	assert.EqualValues(t, 1, auth.refreshCalls.Load())
}

func TestRejectedRefreshInvalidatesSession(t *testing.T) {
	auth := &fakeAuth{access: signed(t, time.Now().Add(time.Hour)), refresh: "r1"}
	store := &MemoryTokenStore{}
	m := newManager(auth, store)
	_, err := m.Login(context.Background(), "a", "pw")
	require.NoError(t, err)

	var ended Event
	m.Subscribe(func(e Event) {
		if e.Type == EventEnded {
			ended = e
		}
	})

	auth.refreshErr = apperr.Unauthorized("refresh token expired")
	_, err = m.HandleUnauthorized(context.Background())
	assert.ErrorIs(t, err, apperr.ErrCredentialExpired)

	_, ok := m.Current()
	assert.False(t, ok)
	stored, _ := store.Load()
	assert.Empty(t, stored)
	assert.Equal(t, EventEnded, ended.Type)
	assert.Error(t, ended.Reason)

	_, err = m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestTransientRefreshFailureKeepsSession(t *testing.T) {
	auth := &fakeAuth{access: signed(t, time.Now().Add(time.Hour)), refresh: "r1"}
	m := newManager(auth, &MemoryTokenStore{})
	_, err := m.Login(context.Background(), "a", "pw")
	require.NoError(t, err)

	auth.refreshErr = apperr.Unavailable("POST /auth/refresh", errors.New("connection refused"))
	_, err = m.HandleUnauthorized(context.Background())
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))

	_, ok := m.Current()
	assert.True(t, ok)
}

func TestRestore(t *testing.T) {
	auth := &fakeAuth{access: signed(t, time.Now().Add(time.Hour)), refresh: ""}
	store := &MemoryTokenStore{}

	_, err := newManager(auth, store).Restore(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, store.Save("saved"))
	s, err := newManager(auth, store).Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "saved", s.RefreshToken, "refresh keeps the stored token when none is returned")

	auth.refreshErr = apperr.Unauthorized("expired")
	_, err = newManager(auth, store).Restore(context.Background())
	assert.Error(t, err)
	stored, _ := store.Load()
	assert.Empty(t, stored)
}

func TestLogout(t *testing.T) {
	auth := &fakeAuth{access: signed(t, time.Now().Add(time.Hour)), refresh: "r1"}
	store := &MemoryTokenStore{}
	m := newManager(auth, store)
	_, err := m.Login(context.Background(), "a", "pw")
	require.NoError(t, err)

	var got []EventType
	unsubscribe := m.Subscribe(func(e Event) { got = append(got, e.Type) })
	require.NoError(t, m.Logout())
	unsubscribe()
	require.NoError(t, m.Logout())

	assert.Equal(t, []EventType{EventEnded}, got)
	stored, _ := store.Load()
	assert.Empty(t, stored)
}

func TestRunRefreshesBeforeExpiry(t *testing.T) {
	auth := &fakeAuth{access: signed(t, time.Now().Add(31*time.Second)), refresh: "r1"}
	m := newManager(auth, &MemoryTokenStore{})
	_, err := m.Login(context.Background(), "a", "pw")
	require.NoError(t, err)

	auth.mu.Lock()
	auth.access = signed(t, time.Now().Add(time.Hour))
	auth.mu.Unlock()

	refreshed := make(chan struct{}, 1)
	m.Subscribe(func(e Event) {
		if e.Type == EventRefreshed {
			select {
			case refreshed <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, time.Second)

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("token was not refreshed")
	}
}

func TestFileTokenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	s := NewFileTokenStore(path)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Save("r1"))
	got, err = NewFileTokenStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "r1", got)

	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear())
	got, err = s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}
