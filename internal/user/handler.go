package user

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"chatlink/internal/apperr"
	myMiddleware "chatlink/internal/middleware"
	"chatlink/internal/wire"
)

// Broadcaster pushes user changes to connected realtime sessions.
type Broadcaster interface {
	BroadcastPresence(p wire.UserPresence)
	BroadcastDeletedUser(id int)
}

type Handler struct {
	Service     *Service
	broadcaster Broadcaster
	log         *slog.Logger
}

func NewHandler(s *Service, b Broadcaster, log *slog.Logger) *Handler {
	return &Handler{Service: s, broadcaster: b, log: log}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.InvalidArg("malformed request body")
	}
	return nil
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	res, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		h.fail(w, "register", err)
		return
	}

	apperr.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decode(r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		h.fail(w, "login", err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decode(r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	res, err := h.Service.Refresh(r.Context(), &req)
	if err != nil {
		h.fail(w, "refresh", err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	u, err := h.Service.Me(r.Context(), id)
	if err != nil {
		h.fail(w, "me", err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, u.Me())
}

// List returns every user except the caller, as presence entries.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	users, err := h.Service.List(r.Context())
	if err != nil {
		h.fail(w, "list users", err)
		return
	}
	out := make([]wire.UserPresence, 0, len(users))
	for i := range users {
		if users[i].ID == id {
			continue
		}
		out = append(out, users[i].Presence())
	}
	apperr.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	var req UpdateRequest
	if err := decode(r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	u, err := h.Service.Update(r.Context(), id, &req)
	if err != nil {
		h.fail(w, "update user", err)
		return
	}
	if h.broadcaster != nil {
		h.broadcaster.BroadcastPresence(u.Presence())
	}
	apperr.WriteJSON(w, http.StatusOK, u.Me())
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	if err := h.Service.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete user", err)
		return
	}
	if h.broadcaster != nil {
		h.broadcaster.BroadcastDeletedUser(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if apperr.CodeOf(err) == apperr.CodeInternal || apperr.CodeOf(err) == apperr.CodeUnknown {
		h.log.Error("❌ request failed", "op", op, "err", err)
	}
	apperr.WriteHTTP(w, err)
}
