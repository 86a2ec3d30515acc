// Package signaling carries WebRTC offers, answers and ICE candidates
// between two users over the realtime connection.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"chatlink/internal/apperr"
	"chatlink/internal/wire"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// Route says who sent an envelope and who it is for.
type Route struct {
	Sender    wire.UserID
	Recipient wire.UserID
}

func (r Route) Routing() Route { return r }

// Envelope is one of Offer, Answer or Candidate.
type Envelope interface {
	Kind() Kind
	Routing() Route
	envelope()
}

type Offer struct {
	Route
	Description webrtc.SessionDescription
}

type Answer struct {
	Route
	Description webrtc.SessionDescription
}

// Candidate carries one ICE candidate. A nil Init marks the end of
// gathering.
type Candidate struct {
	Route
	Init *webrtc.ICECandidateInit
}

func (Offer) Kind() Kind     { return KindOffer }
func (Answer) Kind() Kind    { return KindAnswer }
func (Candidate) Kind() Kind { return KindCandidate }

func (Offer) envelope()     {}
func (Answer) envelope()    {}
func (Candidate) envelope() {}

type envelopeJSON struct {
	Type      Kind            `json:"type"`
	Sender    wire.UserID     `json:"sender"`
	Recipient wire.UserID     `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode parses a message from the webrtc queue.
func Decode(body []byte) (Envelope, error) {
	var raw envelopeJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "decoding signaling envelope", err)
	}
	route := Route{Sender: raw.Sender, Recipient: raw.Recipient}

	switch raw.Type {
	case KindOffer, KindAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(raw.Payload, &desc); err != nil {
			return nil, apperr.Wrap(apperr.CodeInvalidArgument, fmt.Sprintf("decoding %s payload", raw.Type), err)
		}
		if desc.SDP == "" {
			return nil, apperr.InvalidArg(fmt.Sprintf("%s without sdp", raw.Type))
		}
		if raw.Type == KindOffer {
			return Offer{Route: route, Description: desc}, nil
		}
		return Answer{Route: route, Description: desc}, nil
	case KindCandidate:
		c := Candidate{Route: route}
		if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
			c.Init = &webrtc.ICECandidateInit{}
			if err := json.Unmarshal(raw.Payload, c.Init); err != nil {
				return nil, apperr.Wrap(apperr.CodeInvalidArgument, "decoding candidate payload", err)
			}
		}
		return c, nil
	default:
		return nil, apperr.InvalidArg(fmt.Sprintf("unknown signaling type %q", raw.Type))
	}
}

// Encode renders e in the wire shape {type, sender, recipient, payload}.
func Encode(e Envelope) (json.RawMessage, error) {
	var payload any
	switch e := e.(type) {
	case Offer:
		payload = e.Description
	case Answer:
		payload = e.Description
	case Candidate:
		payload = e.Init
	default:
		return nil, apperr.InvalidArg(fmt.Sprintf("unsupported envelope %T", e))
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "encoding signaling payload", err)
	}
	r := e.Routing()
	return json.Marshal(envelopeJSON{Type: e.Kind(), Sender: r.Sender, Recipient: r.Recipient, Payload: p})
}

//go:generate mockgen -destination=mocks/mock_signaling.go -package=mocks chatlink/internal/signaling Publisher,Sink

// Publisher is the realtime connection. *realtime.Manager satisfies it.
type Publisher interface {
	Publish(dest string, v any) error
}

// Send publishes e to the signal route. Failures are returned, not retried.
func Send(p Publisher, e Envelope) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	return p.Publish(wire.AppSignal, body)
}
