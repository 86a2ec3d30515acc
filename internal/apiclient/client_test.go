package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/apperr"
	"chatlink/internal/wire"
)

type staticTokens struct {
	current   string
	refreshed string
	calls     atomic.Int32
	err       error
}

func (s *staticTokens) AccessToken(context.Context) (string, error) { return s.current, nil }

func (s *staticTokens) HandleUnauthorized(context.Context) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	s.current = s.refreshed
	return s.current, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newServer(t *testing.T, validToken string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+validToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "credential expired", "code": "UNAUTHENTICATED"})
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "pw" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, Tokens{AccessToken: "a1", RefreshToken: "r1"})
	})
	mux.HandleFunc("POST /auth/register", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "email is already registered", "code": "ALREADY_EXISTS"})
	})
	mux.HandleFunc("GET /users", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []wire.UserPresence{{ID: 2, Name: "grace", IsOnline: true}})
	}))
	mux.HandleFunc("GET /messages/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []wire.Message{{ID: 1, Content: "hi", ChatRoomID: "1_" + r.PathValue("id")}})
	}))
	mux.HandleFunc("DELETE /users", authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /latest-messages", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthClient(t *testing.T) {
	srv := newServer(t, "a1")
	auth := NewAuthClient(srv.URL+"/", nil)

	tokens, err := auth.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, "a1", tokens.AccessToken)
	assert.Equal(t, "r1", tokens.RefreshToken)

	_, err = auth.Login(context.Background(), "a@b.c", "bad")
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "invalid credentials")

	_, err = auth.Register(context.Background(), Registration{Email: "a@b.c"})
	assert.Equal(t, apperr.CodeAlreadyExists, apperr.CodeOf(err))
}

func TestClientRetriesOnceAfterUnauthorized(t *testing.T) {
	srv := newServer(t, "fresh")
	tokens := &staticTokens{current: "stale", refreshed: "fresh"}
	c := New(srv.URL, tokens, nil)

	users, err := c.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "grace", users[0].Name)
	assert.EqualValues(t, 1, tokens.calls.Load())

	msgs, err := c.Messages(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "1_2", msgs[0].ChatRoomID)
	assert.EqualValues(t, 1, tokens.calls.Load(), "a valid token must not trigger a refresh")

	require.NoError(t, c.DeleteAccount(context.Background()))
}

func TestClientGivesUpWhenRefreshFails(t *testing.T) {
	srv := newServer(t, "fresh")
	tokens := &staticTokens{current: "stale", err: apperr.ErrCredentialExpired}
	c := New(srv.URL, tokens, nil)

	_, err := c.Users(context.Background())
	assert.ErrorIs(t, err, apperr.ErrCredentialExpired)
	assert.EqualValues(t, 1, tokens.calls.Load())
}

func TestClientStillUnauthorizedAfterRefresh(t *testing.T) {
	srv := newServer(t, "never")
	tokens := &staticTokens{current: "stale", refreshed: "also-stale"}
	c := New(srv.URL, tokens, nil)

	_, err := c.Users(context.Background())
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err))
	assert.EqualValues(t, 1, tokens.calls.Load())
}

func TestClientMapsNonJSONErrors(t *testing.T) {
	srv := newServer(t, "a1")
	c := New(srv.URL, &staticTokens{current: "a1"}, nil)

	_, err := c.LatestMessages(context.Background())
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")
}
