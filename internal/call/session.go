package call

import (
	"time"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/rtc"
)

// Status is the application-level call status.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// Active reports whether a call in this status holds resources.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}

// Session is a snapshot of the controller's call state.
type Session struct {
	Status       Status
	Type         models.CallType
	RoomID       string
	CallID       string
	Duration     time.Duration
	AudioEnabled bool
	VideoEnabled bool
	Error        string
}

type NoticeKind string

const (
	NoticeStatus      NoticeKind = "status"
	NoticeError       NoticeKind = "error"
	NoticeAdvisory    NoticeKind = "advisory"
	NoticeInfo        NoticeKind = "info"
	NoticeDuration    NoticeKind = "duration"
	NoticeRemoteTrack NoticeKind = "remote-track"
)

// Notice is a user-facing notification from the controller. Every terminal
// failure produces exactly one NoticeError.
type Notice struct {
	Kind    NoticeKind
	Message string
	Session Session
	Track   *rtc.RemoteTrackEvent
}

const (
	msgVideoUnavailable = "Video is not available on an audio call."
	msgReconnecting     = "Connection interrupted. Reconnecting..."
	msgSignalingLost    = "Lost contact with the call server. Media may continue."
	msgSetupFailed      = "The call could not be set up. Please try again."
)
