package chat

import (
	"encoding/json"

	"chatlink/internal/wire"
)

// ---------------------------------------------
// ⚡ Internal Hub Models
// ---------------------------------------------

// BroadcastMessage is what travels between instances through Redis and from
// Redis into the Hub.
type BroadcastMessage struct {
	TargetID    int             `json:"targetId"` // 0 = Everyone, >0 = one user's sessions
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
}

func toUser(userID int, destination string, v any) (BroadcastMessage, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return BroadcastMessage{}, err
	}
	return BroadcastMessage{TargetID: userID, Destination: destination, Payload: payload}, nil
}

func toEveryone(destination string, v any) (BroadcastMessage, error) {
	return toUser(0, destination, v)
}

// signalRoute is the part of a signaling envelope the broker looks at. The
// payload is forwarded untouched.
type signalRoute struct {
	Type      string      `json:"type"`
	Sender    wire.UserID `json:"sender"`
	Recipient wire.UserID `json:"recipient"`
}
