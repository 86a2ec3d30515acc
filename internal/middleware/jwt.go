package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"chatlink/internal/apperr"
)

// Context keys, exported so handlers can read them.
type contextKey string

const (
	UserKey  contextKey = "user_id"
	EmailKey contextKey = "email"
)

// TokenValidator decouples 'middleware' from 'user'.
type TokenValidator interface {
	ValidateToken(tokenString string) (int, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := BearerToken(r)

		// Fallback: query param, for clients that cannot set headers on the upgrade.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			apperr.WriteHTTP(w, apperr.Unauthorized("missing authentication token"))
			return
		}

		userID, email, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			if apperr.IsUnauthenticated(err) {
				apperr.WriteHTTP(w, err)
				return
			}
			apperr.WriteHTTP(w, apperr.Unauthorized("invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, email)))
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func WithUser(ctx context.Context, userID int, email string) context.Context {
	ctx = context.WithValue(ctx, UserKey, userID)
	return context.WithValue(ctx, EmailKey, email)
}

func UserIDFrom(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(UserKey).(int)
	return id, ok
}

func EmailFrom(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(EmailKey).(string)
	return email, ok
}
