package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/directory"
	"github.com/mossy-p/webrtc-calls/internal/models"
)

// StartCallRequest is the body of POST /api/calls.
type StartCallRequest struct {
	Type           models.CallType          `json:"type" binding:"required,oneof=audio video"`
	ConversationID string                   `json:"conversationId"`
	Participants   []models.CallParticipant `json:"participants" binding:"required,min=1"`
}

// StatusRequest is the body of PUT /api/calls/:callId/status.
type StatusRequest struct {
	Status models.ParticipantStatus `json:"status" binding:"required,oneof=ringing connecting connected disconnected"`
}

// Calls serves the call directory over HTTP for clients that cannot reach
// the store directly.
type Calls struct {
	store directory.Store
}

func NewCalls(store directory.Store) *Calls {
	return &Calls{store: store}
}

// service scopes a directory service to the authenticated user.
func (h *Calls) service(c *gin.Context) (*directory.Service, bool) {
	userID, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return nil, false
	}
	return directory.NewService(h.store, userID), true
}

// StartCall registers an outgoing call for the authenticated user.
func (h *Calls) StartCall(c *gin.Context) {
	svc, ok := h.service(c)
	if !ok {
		return
	}
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	roomID := models.RoomForConversation(req.ConversationID)
	if req.ConversationID == "" {
		userID, _ := currentUser(c)
		ids := []string{userID}
		for _, p := range req.Participants {
			ids = append(ids, p.UserID)
		}
		roomID = models.RoomForParticipants(ids...)
	}

	entry, err := svc.StartCall(c.Request.Context(), req.Type, roomID, req.Participants)
	if err != nil {
		log.Printf("Failed to start call in %s: %v", roomID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start call"})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// GetCall returns a directory entry.
func (h *Calls) GetCall(c *gin.Context) {
	entry, err := h.store.Get(c.Request.Context(), c.Param("callId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// JoinCall marks the authenticated user as connecting to a call.
func (h *Calls) JoinCall(c *gin.Context) {
	svc, ok := h.service(c)
	if !ok {
		return
	}
	var self models.CallParticipant
	// The body is optional and only carries display fields.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&self); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	entry, err := svc.JoinCall(c.Request.Context(), c.Param("callId"), self)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// UpdateStatus records the authenticated user's own status. Users cannot
// set anyone else's.
func (h *Calls) UpdateStatus(c *gin.Context) {
	svc, ok := h.service(c)
	if !ok {
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, _ := currentUser(c)
	if err := svc.UpdateParticipantStatus(c.Request.Context(), c.Param("callId"), userID, req.Status); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// LeaveCall marks the authenticated user disconnected. The entry is
// removed once nobody is left.
func (h *Calls) LeaveCall(c *gin.Context) {
	svc, ok := h.service(c)
	if !ok {
		return
	}
	userID, _ := currentUser(c)
	if err := svc.UpdateParticipantStatus(c.Request.Context(), c.Param("callId"), userID, models.ParticipantDisconnected); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Calls) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
	case errors.Is(err, directory.ErrUnknownParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this call"})
	default:
		log.Printf("Call directory error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Call directory unavailable"})
	}
}
