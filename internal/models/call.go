package models

import (
	"sort"
	"strings"
	"time"
)

// CallType is the media kind a call was started with.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// ParticipantStatus is a participant's status in the call directory.
type ParticipantStatus string

const (
	ParticipantRinging      ParticipantStatus = "ringing"
	ParticipantConnecting   ParticipantStatus = "connecting"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// CallParticipant is one member of a call as tracked by the directory.
type CallParticipant struct {
	UserID      string            `json:"userId"`
	DisplayName string            `json:"displayName"`
	AvatarURL   string            `json:"avatarUrl,omitempty"`
	Status      ParticipantStatus `json:"status"`
}

// CallDirectoryEntry is the logical record of a call, independent of the
// peer connection carrying it.
type CallDirectoryEntry struct {
	CallID       string            `json:"callId"`
	RoomID       string            `json:"roomId"`
	Type         CallType          `json:"type"`
	Participants []CallParticipant `json:"participants"`
	StartedAt    time.Time         `json:"startedAt"`
}

// Participant returns the index of userID in the entry, or -1.
func (e *CallDirectoryEntry) Participant(userID string) int {
	for i, p := range e.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of e.
func (e *CallDirectoryEntry) Clone() *CallDirectoryEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Participants = append([]CallParticipant(nil), e.Participants...)
	return &c
}

// AllDisconnected reports whether no participant is still in the call.
func (e *CallDirectoryEntry) AllDisconnected() bool {
	for _, p := range e.Participants {
		if p.Status != ParticipantDisconnected {
			return false
		}
	}
	return true
}

const roomPrefix = "call:"

// RoomForParticipants derives the call room shared by a set of users. The
// result does not depend on argument order.
func RoomForParticipants(userIDs ...string) string {
	seen := make(map[string]struct{}, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return roomPrefix + strings.Join(ids, "_")
}

// RoomForConversation derives the call room for an existing conversation.
func RoomForConversation(conversationID string) string {
	return roomPrefix + conversationPrefix + conversationID
}

const conversationPrefix = "conv:"

// ConversationForRoom reverses RoomForConversation. ok is false for rooms
// derived from participants.
func ConversationForRoom(roomID string) (conversationID string, ok bool) {
	return strings.CutPrefix(roomID, roomPrefix+conversationPrefix)
}
