package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"chatlink/internal/apperr"
	"chatlink/internal/stomp"
	"chatlink/internal/wire"
)

const requestTimeout = 5 * time.Second

// route handles a SEND frame by its /app destination.
func (c *Client) route(f *stomp.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch dest := f.Header.Get(stomp.HdrDestination); dest {
	case wire.AppSendMessage:
		return c.sendMessage(ctx, f.Body)
	case wire.AppReadLatest:
		return c.readLatest(ctx, f.Body)
	case wire.AppSignal:
		return c.signal(ctx, f.Body)
	case wire.AppRefreshToken:
		return c.refreshToken(f.Body)
	default:
		return apperr.InvalidArg("unknown destination " + dest)
	}
}

func (c *Client) dispatchAll(ctx context.Context, msgs ...BroadcastMessage) error {
	for _, msg := range msgs {
		if err := c.Hub.Dispatch(ctx, msg); err != nil {
			return apperr.Unavailable("dispatching delivery", err)
		}
	}
	return nil
}

// sendMessage stores a chat message and delivers it to the recipient and,
// as the authoritative copy, back to the sender. Both latest-message queues
// are updated.
func (c *Client) sendMessage(ctx context.Context, body []byte) error {
	var in wire.OutgoingMessage
	if err := json.Unmarshal(body, &in); err != nil {
		return apperr.InvalidArg("malformed message")
	}
	if in.SenderID != 0 && in.SenderID != c.UserID {
		return apperr.Forbidden("sender does not match the session")
	}
	if in.RecipientID <= 0 || in.RecipientID == c.UserID {
		return apperr.InvalidArg("invalid recipient")
	}
	if strings.TrimSpace(in.Content) == "" {
		return apperr.InvalidArg("message content cannot be empty")
	}

	msg, err := c.Hub.store.SaveMessage(ctx, c.UserID, in.RecipientID, in.Content)
	if err != nil {
		return err
	}
	latest := wire.LatestMessage{
		ReadStatus:  msg.ReadStatus,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		ChatRoomID:  msg.ChatRoomID,
		Timestamp:   msg.Timestamp,
	}

	var out []BroadcastMessage
	for _, d := range []struct {
		userID      int
		destination string
		v           any
	}{
		{msg.RecipientID, wire.MessagesFrom(msg.RecipientID), msg},
		{msg.SenderID, wire.MessagesFrom(msg.SenderID), msg},
		{msg.RecipientID, wire.QueueLatestMessage, latest},
		{msg.SenderID, wire.QueueLatestMessage, latest},
	} {
		bm, err := toUser(d.userID, d.destination, d.v)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "encoding delivery", err)
		}
		out = append(out, bm)
	}
	return c.dispatchAll(ctx, out...)
}

// readLatest marks the conversation with the other user read and sends the
// updated summary to both participants.
func (c *Client) readLatest(ctx context.Context, body []byte) error {
	var in wire.ReadLatestRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return apperr.InvalidArg("malformed read request")
	}
	if in.OtherChatUser <= 0 || in.OtherChatUser == c.UserID {
		return apperr.InvalidArg("invalid chat user")
	}

	latest, err := c.Hub.store.MarkRoomRead(ctx, c.UserID, in.OtherChatUser)
	if err != nil {
		return err
	}
	mine, err := toUser(c.UserID, wire.QueueLatestMessage, latest)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "encoding delivery", err)
	}
	theirs := mine
	theirs.TargetID = in.OtherChatUser
	return c.dispatchAll(ctx, mine, theirs)
}

// signal forwards a signaling envelope to its recipient's webrtc queue. The
// body is passed through unchanged.
func (c *Client) signal(ctx context.Context, body []byte) error {
	var route signalRoute
	if err := json.Unmarshal(body, &route); err != nil {
		return apperr.InvalidArg("malformed signaling envelope")
	}
	switch route.Type {
	case "offer", "answer", "candidate":
	default:
		return apperr.InvalidArg("unknown signaling type " + route.Type)
	}
	if int(route.Sender) != c.UserID {
		return apperr.Forbidden("sender does not match the session")
	}
	if route.Recipient <= 0 {
		return apperr.InvalidArg("invalid recipient")
	}

	payload := make(json.RawMessage, len(body))
	copy(payload, body)
	return c.dispatchAll(ctx, BroadcastMessage{
		TargetID:    int(route.Recipient),
		Destination: wire.QueueWebRTC,
		Payload:     payload,
	})
}

// refreshToken extends the session with a fresh access token for the same
// user.
func (c *Client) refreshToken(body []byte) error {
	var in wire.RefreshConnectionRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return apperr.InvalidArg("malformed refresh request")
	}
	userID, _, expiresAt, err := c.Hub.users.ValidateSession(strings.TrimSpace(in.Token))
	if err != nil {
		return err
	}
	if userID != c.UserID {
		return apperr.Forbidden("token belongs to another user")
	}
	c.mu.Lock()
	c.expiresAt = expiresAt
	c.mu.Unlock()
	return nil
}
