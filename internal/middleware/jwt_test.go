package myMiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/apperr"
)

type fakeValidator struct {
	tokens map[string]int
	err    error
}

func (f fakeValidator) ValidateToken(token string) (int, string, error) {
	if f.err != nil {
		return 0, "", f.err
	}
	id, ok := f.tokens[token]
	if !ok {
		return 0, "", apperr.Unauthorized("invalid token")
	}
	return id, "user@example.com", nil
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	id, _ := UserIDFrom(r.Context())
	email, _ := EmailFrom(r.Context())
	json.NewEncoder(w).Encode(map[string]any{"id": id, "email": email})
}

func TestAuthMiddleware(t *testing.T) {
	mw := NewAuthMiddleware(fakeValidator{tokens: map[string]int{"good": 7}})
	h := mw.Handle(http.HandlerFunc(echoUser))

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"bearer header", "Bearer good", "", http.StatusOK},
		{"lowercase scheme", "bearer good", "", http.StatusOK},
		{"query fallback", "", "?token=good", http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/users/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				var body map[string]any
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.EqualValues(t, 7, body["id"])
				assert.Equal(t, "user@example.com", body["email"])
			}
		})
	}
}

func TestAuthMiddlewareExpiredToken(t *testing.T) {
	mw := NewAuthMiddleware(fakeValidator{err: apperr.ErrCredentialExpired})
	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	mw.Handle(http.HandlerFunc(echoUser)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body apperr.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperr.ErrCredentialExpired.Error(), body.Message)
}
