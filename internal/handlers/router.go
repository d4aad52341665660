package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
)

// NewRouter wires the HTTP API and the signaling endpoint.
func NewRouter(cfg *config.Config, hub *Hub, calls *Calls) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": hub.Rooms()})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		apiGroup.POST("/calls", auth, calls.StartCall)
		apiGroup.GET("/calls/:callId", auth, calls.GetCall)
		apiGroup.POST("/calls/:callId/join", auth, calls.JoinCall)
		apiGroup.PUT("/calls/:callId/status", auth, calls.UpdateStatus)
		apiGroup.DELETE("/calls/:callId", auth, calls.LeaveCall)

		apiGroup.GET("/rooms/:roomId/peers", auth, func(c *gin.Context) {
			users, err := hub.Presence(c.Request.Context(), c.Param("roomId"))
			if err != nil {
				log.Printf("Failed to read presence: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Presence unavailable"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"peers": users, "count": len(users)})
		})
	}

	// WebSocket signaling endpoint
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:roomId", auth, hub.HandleSignaling)
	}

	return router
}
