package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeCallEnd   SignalType = "call-end"
	SignalTypeJoin      SignalType = "join"
)

// ErrMalformedMessage is returned for payloads that do not decode into one
// of the known signaling messages.
var ErrMalformedMessage = errors.New("malformed signaling message")

// Message is the body of a signaling envelope: Offer, Answer, ICECandidate,
// CallEnd or Join.
type Message interface {
	Type() SignalType
}

type Offer struct {
	SDP string
}

type Answer struct {
	SDP string
}

type ICECandidate struct {
	Candidate webrtc.ICECandidateInit
}

type CallEnd struct {
	Reason string
}

// Join announces that the callee has subscribed to the room and is ready
// for an offer. Pub/sub relays do not replay, so an offer published before
// the callee subscribed is sent again on Join.
type Join struct{}

func (Offer) Type() SignalType        { return SignalTypeOffer }
func (Answer) Type() SignalType       { return SignalTypeAnswer }
func (ICECandidate) Type() SignalType { return SignalTypeCandidate }
func (CallEnd) Type() SignalType      { return SignalTypeCallEnd }
func (Join) Type() SignalType         { return SignalTypeJoin }

// Envelope carries one signaling message through a call room.
type Envelope struct {
	ID        string
	RoomID    string
	From      string
	Timestamp time.Time
	Message   Message
}

// wireMessage is the JSON shape sent over the relay.
type wireMessage struct {
	ID        string                   `json:"id"`
	Type      SignalType               `json:"type"`
	RoomID    string                   `json:"roomId"`
	From      string                   `json:"from"`
	Timestamp int64                    `json:"ts"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Message == nil {
		return nil, fmt.Errorf("%w: envelope has no message", ErrMalformedMessage)
	}
	w := wireMessage{
		ID:        e.ID,
		Type:      e.Message.Type(),
		RoomID:    e.RoomID,
		From:      e.From,
		Timestamp: e.Timestamp.UnixMilli(),
	}
	switch m := e.Message.(type) {
	case Offer:
		w.SDP = m.SDP
	case Answer:
		w.SDP = m.SDP
	case ICECandidate:
		c := m.Candidate
		w.Candidate = &c
	case CallEnd:
		w.Reason = m.Reason
	case Join:
	default:
		return nil, fmt.Errorf("%w: unknown message %T", ErrMalformedMessage, e.Message)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged union. Unknown types and messages missing
// their required fields are rejected as a whole.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.ID == "" || w.From == "" {
		return fmt.Errorf("%w: missing id or sender", ErrMalformedMessage)
	}

	var msg Message
	switch w.Type {
	case SignalTypeOffer:
		if w.SDP == "" {
			return fmt.Errorf("%w: offer without sdp", ErrMalformedMessage)
		}
		msg = Offer{SDP: w.SDP}
	case SignalTypeAnswer:
		if w.SDP == "" {
			return fmt.Errorf("%w: answer without sdp", ErrMalformedMessage)
		}
		msg = Answer{SDP: w.SDP}
	case SignalTypeCandidate:
		if w.Candidate == nil {
			return fmt.Errorf("%w: candidate message without candidate", ErrMalformedMessage)
		}
		msg = ICECandidate{Candidate: *w.Candidate}
	case SignalTypeCallEnd:
		msg = CallEnd{Reason: w.Reason}
	case SignalTypeJoin:
		msg = Join{}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, w.Type)
	}

	*e = Envelope{
		ID:        w.ID,
		RoomID:    w.RoomID,
		From:      w.From,
		Timestamp: time.UnixMilli(w.Timestamp),
		Message:   msg,
	}
	return nil
}

// DecodeEnvelope decodes one relay payload. Any failure, including invalid
// JSON, is reported as ErrMalformedMessage.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return env, nil
}
