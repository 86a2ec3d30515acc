// Package wire holds the JSON shapes and STOMP destinations shared by the
// chat server and its clients.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Destinations subscribed to by clients. Destinations under /user/ are
// resolved per authenticated user by the broker.
const (
	TopicUsers         = "/topic/users"
	TopicDeletedUser   = "/topic/deleted.user"
	QueueLatestMessage = "/user/queue/chat.latest-message-updated"
	QueueWebRTC        = "/user/queue/webrtc"
	queueMessagesFrom  = "/user/queue/messages-from-"
)

// Destinations published to by clients.
const (
	AppSendMessage  = "/app/chat.send-message"
	AppReadLatest   = "/app/chat.read-latest-message"
	AppSignal       = "/app/signal"
	AppRefreshToken = "/app/refresh.connection.token"
	AppPrefix       = "/app/"
)

// ErrorJWTExpired is the message header of the ERROR frame sent when the
// session's access token has expired.
const (
	ErrorJWTExpired   = "JWT_EXPIRED"
	ErrorUnauthorized = "UNAUTHORIZED"
)

// MessagesFrom is the per-user queue on which chat messages are delivered.
func MessagesFrom(userID int) string {
	return queueMessagesFrom + strconv.Itoa(userID)
}

const roomSeparator = "_"

// RoomID derives the conversation key for two users. The smaller id always
// comes first so both participants resolve the same key.
func RoomID(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return strconv.Itoa(a) + roomSeparator + strconv.Itoa(b)
}

// ParseRoomID splits a room id back into its (smaller, larger) user ids.
func ParseRoomID(room string) (int, int, error) {
	left, right, ok := strings.Cut(room, roomSeparator)
	if !ok {
		return 0, 0, fmt.Errorf("room id %q: missing separator", room)
	}
	a, err := strconv.Atoi(left)
	if err != nil {
		return 0, 0, fmt.Errorf("room id %q: %w", room, err)
	}
	b, err := strconv.Atoi(right)
	if err != nil {
		return 0, 0, fmt.Errorf("room id %q: %w", room, err)
	}
	if a > b {
		return 0, 0, fmt.Errorf("room id %q: ids out of order", room)
	}
	return a, b, nil
}

// UserID is a user identifier inside signaling envelopes. Peers have sent it
// both as a JSON number and as a string, so both decode; it encodes as a
// string.
type UserID int

func (id UserID) String() string { return strconv.Itoa(int(id)) }

func (id UserID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("user id %q: %w", s, err)
		}
		*id = UserID(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = UserID(n)
	return nil
}

// Message is the authoritative chat message as stored by the server.
type Message struct {
	ID          int       `json:"id"`
	Content     string    `json:"content"`
	SenderID    int       `json:"senderId"`
	RecipientID int       `json:"recipientId"`
	ChatRoomID  string    `json:"chatRoomId"`
	Timestamp   time.Time `json:"timestamp"`
	ReadStatus  bool      `json:"readStatus"`
}

// OutgoingMessage is the body published to AppSendMessage.
type OutgoingMessage struct {
	Content     string `json:"content"`
	SenderID    int    `json:"senderId"`
	RecipientID int    `json:"recipientId"`
	ChatRoomID  string `json:"chatRoomId"`
}

// LatestMessage summarises a conversation by its most recent message.
type LatestMessage struct {
	ReadStatus  bool      `json:"readStatus"`
	SenderID    int       `json:"senderId"`
	RecipientID int       `json:"recipientId"`
	Content     string    `json:"content"`
	ChatRoomID  string    `json:"chatRoomId"`
	Timestamp   time.Time `json:"timestamp"`
}

// ReadLatestRequest is the body published to AppReadLatest.
type ReadLatestRequest struct {
	OtherChatUser int `json:"otherChatUser"`
}

// RefreshConnectionRequest is the body published to AppRefreshToken.
type RefreshConnectionRequest struct {
	Token string `json:"token"`
}

// UserPresence is one entry of the presence broadcast.
type UserPresence struct {
	ID                int        `json:"id"`
	Name              string     `json:"name"`
	IsOnline          bool       `json:"isOnline"`
	LastSeen          *time.Time `json:"lastSeen,omitempty"`
	ProfilePictureURL string     `json:"profilePictureUrl,omitempty"`
}

// Me is the authenticated user's own profile.
type Me struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
}

// DecodePresence accepts the two body shapes seen on TopicUsers: a single
// user object or an array of them.
func DecodePresence(body []byte) ([]UserPresence, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty presence body")
	}
	if body[0] == '[' {
		var users []UserPresence
		if err := json.Unmarshal(body, &users); err != nil {
			return nil, fmt.Errorf("decoding presence list: %w", err)
		}
		return users, nil
	}
	var user UserPresence
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("decoding presence entry: %w", err)
	}
	return []UserPresence{user}, nil
}

// DecodeDeletedUser parses the body of TopicDeletedUser, a bare user id.
func DecodeDeletedUser(body []byte) (int, error) {
	var id UserID
	if err := id.UnmarshalJSON(body); err != nil {
		return 0, fmt.Errorf("decoding deleted user: %w", err)
	}
	return int(id), nil
}
