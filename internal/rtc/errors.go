package rtc

import (
	"errors"
	"fmt"

	"github.com/mossy-p/webrtc-calls/internal/media"
)

var (
	ErrNotInitiator     = errors.New("only the call initiator can create an offer")
	ErrUnexpectedAnswer = errors.New("answer received without a pending offer")
	ErrUnexpectedOffer  = errors.New("offer received by the call initiator")
	ErrNoRelayServer    = errors.New("ice configuration needs at least one stun and one turn server")
	ErrTURNCredentials  = errors.New("turn servers need a username and credential")
	ErrInvalidICEServer = errors.New("invalid ice server url")
	ErrNotInitialized   = errors.New("engine not initialized")
	ErrClosed           = errors.New("engine closed")
	ErrNoVideo          = errors.New("no local video track")
)

// ErrorKind classifies engine failures for the controller.
type ErrorKind string

const (
	KindNegotiation  ErrorKind = "negotiation"
	KindConnectivity ErrorKind = "connectivity"
	KindSignaling    ErrorKind = "signaling"
	KindMedia        ErrorKind = "media"
)

// Error is the single structured error the engine reports upward.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is a human-readable cause suitable for showing in a call UI.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindMedia:
		var me *media.Error
		if errors.As(e.Err, &me) {
			return me.UserMessage()
		}
		return "Your camera or microphone could not be used."
	case KindConnectivity:
		return "The connection to the other participant was lost and could not be re-established."
	case KindSignaling:
		return "Could not reach the call server. Check your network connection."
	default:
		return "The call could not be set up. Please try again."
	}
}

// wrap tags err with kind unless it already carries one.
func wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// asError converts any error into an *Error, defaulting to a negotiation error.
func asError(op string, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: KindNegotiation, Op: op, Err: err}
}

// iceConfigError reports whether err comes from an unusable ICE server
// configuration rather than from negotiation.
func iceConfigError(err error) bool {
	return errors.Is(err, ErrNoRelayServer) || errors.Is(err, ErrTURNCredentials) || errors.Is(err, ErrInvalidICEServer)
}
