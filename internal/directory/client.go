package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/models"
)

// Client is the directory of a remote relay server, reached over its
// /api/calls endpoints. Like Service it holds at most one current call.
// The server derives the room from the participants, or from the
// conversation for conversation rooms.
type Client struct {
	baseURL string
	token   string
	selfID  string
	http    *http.Client

	mu      sync.Mutex
	current *models.CallDirectoryEntry
}

// NewClient returns a directory client for the server at baseURL acting as
// selfID, authenticated with token.
func NewClient(baseURL, token, selfID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		selfID:  selfID,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type startRequest struct {
	Type           models.CallType          `json:"type"`
	ConversationID string                   `json:"conversationId,omitempty"`
	Participants   []models.CallParticipant `json:"participants"`
}

type statusRequest struct {
	Status models.ParticipantStatus `json:"status"`
}

func (c *Client) StartCall(ctx context.Context, callType models.CallType, roomID string, participants []models.CallParticipant) (*models.CallDirectoryEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return nil, ErrCallActive
	}

	req := startRequest{Type: callType, Participants: participants}
	if conv, ok := models.ConversationForRoom(roomID); ok {
		req.ConversationID = conv
	}
	var entry models.CallDirectoryEntry
	if err := c.do(ctx, http.MethodPost, "/api/calls", req, &entry); err != nil {
		return nil, err
	}
	if entry.RoomID != roomID {
		log.Printf("DIRECTORY: server placed call %s in %s, expected %s", entry.CallID, entry.RoomID, roomID)
	}
	c.current = &entry
	log.Printf("DIRECTORY: call %s started in %s", entry.CallID, entry.RoomID)
	return entry.Clone(), nil
}

func (c *Client) JoinCall(ctx context.Context, callID string, self models.CallParticipant) (*models.CallDirectoryEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.CallID != callID {
		return nil, ErrCallActive
	}

	var entry models.CallDirectoryEntry
	if err := c.do(ctx, http.MethodPost, callPath(callID)+"/join", self, &entry); err != nil {
		return nil, err
	}
	c.current = &entry
	log.Printf("DIRECTORY: joined call %s", callID)
	return entry.Clone(), nil
}

// UpdateParticipantStatus records the local user's status. The server only
// accepts updates for the authenticated user.
func (c *Client) UpdateParticipantStatus(ctx context.Context, callID, userID string, status models.ParticipantStatus) error {
	if userID != c.selfID {
		return fmt.Errorf("%w: cannot update %s as %s", ErrUnknownParticipant, userID, c.selfID)
	}
	return c.do(ctx, http.MethodPut, callPath(callID)+"/status", statusRequest{Status: status}, nil)
}

// EndCall leaves the current call.
func (c *Client) EndCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ErrNoCurrentCall
	}
	callID := c.current.CallID
	c.current = nil

	err := c.do(ctx, http.MethodDelete, callPath(callID), nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	log.Printf("DIRECTORY: left call %s", callID)
	return nil
}

// GetCurrentCall returns a copy of the current call, or nil.
func (c *Client) GetCurrentCall() *models.CallDirectoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

func callPath(callID string) string {
	return "/api/calls/" + url.PathEscape(callID)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrUnknownParticipant
	default:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
