package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/redis/go-redis/v9"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	presenceTTL    = 24 * time.Hour
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub bridges WebSocket clients to a pub/sub relay. Every frame a client
// sends is published on the room's topic, and everything published there
// is fanned out to every client of the room, the sender included. Running
// several hubs on one Redis relay lets the two parties of a call land on
// different instances.
type Hub struct {
	relay    signaling.Relay
	presence *redis.Client

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub returns a hub publishing through relay. presence may be nil; when
// set, connected users are tracked in the hash "room:<id>:peers", which
// counts each user's sockets across all instances.
func NewHub(relay signaling.Relay, presence *redis.Client) *Hub {
	return &Hub{
		relay:    relay,
		presence: presence,
		rooms:    make(map[string]*Room),
	}
}

// Room is one call room with its local clients and relay subscription.
type Room struct {
	ID  string
	hub *Hub
	sub signaling.Subscription

	mu      sync.RWMutex
	peers   map[*Client]struct{}
	pending int
}

// Client represents a WebSocket client connection
type Client struct {
	UserID string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// HandleSignaling upgrades an authenticated request and joins the client to
// the room named in the path.
func (h *Hub) HandleSignaling(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, err := h.join(c.Request.Context(), roomID)
	if err != nil {
		log.Printf("Failed to subscribe room %s: %v", roomID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling relay unavailable"})
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		h.leave(room)
		return
	}

	client := &Client{
		UserID: userID,
		RoomID: roomID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
	}
	room.addClient(client)
	h.trackPresence(roomID, userID, true)

	log.Printf("Peer %s joined room %s - %d connected", userID, roomID, room.size())

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump(room)
}

// join returns the room for roomID, subscribing the relay topic when the
// room is new. The caller holds a reference until leave.
func (h *Hub) join(ctx context.Context, roomID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[roomID]
	if !exists {
		sub, err := h.relay.Subscribe(ctx, roomID)
		if err != nil {
			return nil, err
		}
		room = &Room{
			ID:    roomID,
			hub:   h,
			sub:   sub,
			peers: make(map[*Client]struct{}),
		}
		h.rooms[roomID] = room
		go room.forward()
		log.Printf("Created new room: %s", roomID)
	}
	// The room survives until the pending client is added or leaves.
	room.mu.Lock()
	room.pending++
	room.mu.Unlock()
	return room, nil
}

// leave drops the reservation taken by join and closes the room when no
// client remains.
func (h *Hub) leave(room *Room) {
	h.removeClient(room, nil)
}

func (h *Hub) removeClient(room *Room, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room.mu.Lock()
	if client == nil {
		room.pending--
	} else {
		delete(room.peers, client)
	}
	empty := len(room.peers) == 0 && room.pending == 0
	room.mu.Unlock()

	// Clean up room if empty
	if empty && h.rooms[room.ID] == room {
		delete(h.rooms, room.ID)
		if err := room.sub.Close(); err != nil {
			log.Printf("Failed to close subscription for room %s: %v", room.ID, err)
		}
		log.Printf("Removed empty room: %s", room.ID)
	}
}

// Rooms reports how many rooms have clients on this instance.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// leavePresence drops one socket of a user and removes the user once no
// socket is left.
var leavePresence = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
end
return n
`)

func presenceKey(roomID string) string {
	return "room:" + roomID + ":peers"
}

func (h *Hub) trackPresence(roomID, userID string, joined bool) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	key := presenceKey(roomID)
	if !joined {
		if err := leavePresence.Run(ctx, h.presence, []string{key}, userID).Err(); err != nil {
			log.Printf("Failed to clear presence of %s in %s: %v", userID, roomID, err)
		}
		return
	}
	pipe := h.presence.TxPipeline()
	pipe.HIncrBy(ctx, key, userID, 1)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("Failed to record presence of %s in %s: %v", userID, roomID, err)
	}
}

// Presence returns the users connected to roomID across all instances, once
// each however many sockets they have open.
func (h *Hub) Presence(ctx context.Context, roomID string) ([]string, error) {
	if h.presence == nil {
		users := []string{}
		h.mu.Lock()
		room := h.rooms[roomID]
		h.mu.Unlock()
		if room == nil {
			return users, nil
		}
		room.mu.RLock()
		defer room.mu.RUnlock()
		seen := make(map[string]bool)
		for c := range room.peers {
			if !seen[c.UserID] {
				seen[c.UserID] = true
				users = append(users, c.UserID)
			}
		}
		return users, nil
	}
	return h.presence.HKeys(ctx, presenceKey(roomID)).Result()
}

func (r *Room) addClient(client *Client) {
	r.mu.Lock()
	r.peers[client] = struct{}{}
	r.pending--
	r.mu.Unlock()
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// forward fans relay deliveries out to the room's clients until the
// subscription closes.
func (r *Room) forward() {
	for payload := range r.sub.Messages() {
		r.broadcast(payload)
	}
}

func (r *Room) broadcast(data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for client := range r.peers {
		select {
		case client.Send <- data:
		default:
			log.Printf("Failed to send message to peer %s, buffer full", client.UserID)
		}
	}
}

// admit checks a client frame before it reaches the relay. Frames must
// decode, name the sender's own user id and target the room the client
// joined.
func (c *Client) admit(message []byte) (models.Envelope, bool) {
	env, err := models.DecodeEnvelope(message)
	if err != nil {
		log.Printf("Dropping malformed frame from %s: %v", c.UserID, err)
		return env, false
	}
	if env.From != c.UserID {
		log.Printf("Dropping frame from %s claiming to be %q", c.UserID, env.From)
		return env, false
	}
	if env.RoomID != c.RoomID {
		log.Printf("Dropping frame from %s for room %q while in %s", c.UserID, env.RoomID, c.RoomID)
		return env, false
	}
	return env, true
}

func (c *Client) readPump(room *Room) {
	defer func() {
		room.hub.removeClient(room, c)
		close(c.Send)
		c.Conn.Close()
		room.hub.trackPresence(c.RoomID, c.UserID, false)
		log.Printf("Peer %s left room %s", c.UserID, c.RoomID)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		env, ok := c.admit(message)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err = room.hub.relay.Publish(ctx, c.RoomID, message)
		cancel()
		if err != nil {
			log.Printf("Failed to publish %s from %s: %v", env.Message.Type(), c.UserID, err)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
