// Package directory tracks the logical record of calls: who is in them, the
// call type and each participant's status.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/internal/models"
)

var (
	ErrCallActive         = errors.New("a call is already active on this instance")
	ErrNoCurrentCall      = errors.New("no current call")
	ErrUnknownParticipant = errors.New("participant not in call")
)

// Service is the directory as seen by one local instance. It holds at most
// one current call.
type Service struct {
	store  Store
	selfID string
	now    func() time.Time

	mu      sync.Mutex
	current *models.CallDirectoryEntry
}

func NewService(store Store, selfID string) *Service {
	return &Service{store: store, selfID: selfID, now: time.Now}
}

// StartCall registers an outgoing call. The local user is listed first as
// connecting, everyone else as ringing.
func (s *Service) StartCall(ctx context.Context, callType models.CallType, roomID string, participants []models.CallParticipant) (*models.CallDirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil, ErrCallActive
	}

	entry := &models.CallDirectoryEntry{
		CallID:    uuid.NewString(),
		RoomID:    roomID,
		Type:      callType,
		StartedAt: s.now(),
	}
	entry.Participants = append(entry.Participants, models.CallParticipant{
		UserID: s.selfID,
		Status: models.ParticipantConnecting,
	})
	for _, p := range participants {
		if p.UserID == s.selfID {
			entry.Participants[0].DisplayName = p.DisplayName
			entry.Participants[0].AvatarURL = p.AvatarURL
			continue
		}
		if entry.Participant(p.UserID) >= 0 {
			continue
		}
		p.Status = models.ParticipantRinging
		entry.Participants = append(entry.Participants, p)
	}

	if err := s.store.Put(ctx, entry); err != nil {
		return nil, err
	}
	s.current = entry
	log.Printf("DIRECTORY: call %s started in %s with %d participants", entry.CallID, roomID, len(entry.Participants))
	return entry.Clone(), nil
}

// JoinCall makes an existing call current and marks self as connecting.
func (s *Service) JoinCall(ctx context.Context, callID string, self models.CallParticipant) (*models.CallDirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.CallID != callID {
		return nil, ErrCallActive
	}

	entry, err := s.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	self.UserID = s.selfID
	self.Status = models.ParticipantConnecting
	if i := entry.Participant(s.selfID); i >= 0 {
		if entry.Participants[i].Status != models.ParticipantConnected {
			entry.Participants[i].Status = models.ParticipantConnecting
		}
		if self.DisplayName != "" {
			entry.Participants[i].DisplayName = self.DisplayName
		}
		if self.AvatarURL != "" {
			entry.Participants[i].AvatarURL = self.AvatarURL
		}
	} else {
		entry.Participants = append(entry.Participants, self)
	}

	if err := s.store.Put(ctx, entry); err != nil {
		return nil, err
	}
	s.current = entry
	log.Printf("DIRECTORY: joined call %s", callID)
	return entry.Clone(), nil
}

// UpdateParticipantStatus records a participant's status. A connected
// participant is never moved back to connecting or ringing; updates are
// ordered by receipt only. The entry is removed once everyone is
// disconnected.
func (s *Service) UpdateParticipantStatus(ctx context.Context, callID, userID string, status models.ParticipantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.store.Get(ctx, callID)
	if err != nil {
		return err
	}
	i := entry.Participant(userID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, userID)
	}
	prev := entry.Participants[i].Status
	if prev == models.ParticipantConnected &&
		(status == models.ParticipantConnecting || status == models.ParticipantRinging) {
		log.Printf("DIRECTORY: ignoring stale %s for connected participant %s in %s", status, userID, callID)
		return nil
	}
	if prev == status {
		return nil
	}
	entry.Participants[i].Status = status

	if entry.AllDisconnected() {
		return s.remove(ctx, entry)
	}
	if err := s.store.Put(ctx, entry); err != nil {
		return err
	}
	if s.current != nil && s.current.CallID == callID {
		s.current = entry
	}
	return nil
}

// EndCall marks the local user disconnected from the current call and
// clears it. The entry is removed when no participant remains.
func (s *Service) EndCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoCurrentCall
	}
	callID := s.current.CallID
	s.current = nil

	entry, err := s.store.Get(ctx, callID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if i := entry.Participant(s.selfID); i >= 0 {
		entry.Participants[i].Status = models.ParticipantDisconnected
	}
	if entry.AllDisconnected() {
		return s.remove(ctx, entry)
	}
	log.Printf("DIRECTORY: left call %s", callID)
	return s.store.Put(ctx, entry)
}

// remove deletes entry from the store. s.mu is held.
func (s *Service) remove(ctx context.Context, entry *models.CallDirectoryEntry) error {
	if err := s.store.Delete(ctx, entry.CallID); err != nil {
		return err
	}
	if s.current != nil && s.current.CallID == entry.CallID {
		s.current = nil
	}
	log.Printf("DIRECTORY: call %s removed, all participants disconnected", entry.CallID)
	return nil
}

// GetCurrentCall returns a copy of the current call, or nil.
func (s *Service) GetCurrentCall() *models.CallDirectoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Lookup returns the stored entry for callID.
func (s *Service) Lookup(ctx context.Context, callID string) (*models.CallDirectoryEntry, error) {
	return s.store.Get(ctx, callID)
}
