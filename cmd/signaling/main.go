package main

import (
	"context"
	"log"

	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/directory"
	"github.com/mossy-p/webrtc-calls/internal/handlers"
	"github.com/mossy-p/webrtc-calls/internal/redis"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	client, err := redis.Connect(context.Background(), cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer client.Close()

	log.Println("Redis connection established")

	// Signaling fans out through Redis so any instance can serve either party.
	hub := handlers.NewHub(signaling.NewRedisRelay(client), client)
	calls := handlers.NewCalls(directory.NewRedisStore(client, cfg.Call.CallTTL))

	router := handlers.NewRouter(cfg, hub, calls)

	// Start server
	log.Printf("Starting WebRTC signaling server on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
