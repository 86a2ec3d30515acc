package chat

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"chatlink/internal/apperr"
	myMiddleware "chatlink/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{"v12.stomp", "v11.stomp"},
	CheckOrigin: func(r *http.Request) bool {
		return true // Mobile clients send no Origin worth checking.
	},
}

type Handler struct {
	hub   *Hub
	store Store
}

func NewHandler(hub *Hub, store Store) *Handler {
	return &Handler{
		hub:   hub,
		store: store,
	}
}

// ServeWs upgrades the request and starts a STOMP session. Authentication
// happens on the CONNECT frame, not on the upgrade.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := NewClient(h.hub, conn)
	go client.WritePump()
	go client.ReadPump()
}

// GetMessages returns the caller's conversation with {recipientId}.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	otherID, err := strconv.Atoi(chi.URLParam(r, "recipientId"))
	if err != nil || otherID <= 0 {
		apperr.WriteHTTP(w, apperr.InvalidArg("invalid recipient id"))
		return
	}

	msgs, err := h.store.FindMessages(r.Context(), userID, otherID)
	if err != nil {
		h.fail(w, "load messages", err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, msgs)
}

func (h *Handler) GetLatestMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	latest, err := h.store.LatestMessages(r.Context(), userID)
	if err != nil {
		h.fail(w, "load latest messages", err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, latest)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if code := apperr.CodeOf(err); code == apperr.CodeInternal || code == apperr.CodeUnknown {
		h.hub.log.Error("❌ request failed", "op", op, "err", err)
	}
	apperr.WriteHTTP(w, err)
}
